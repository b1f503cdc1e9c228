package render

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func browserBin(t *testing.T) string {
	t.Helper()
	if bin := os.Getenv("ROD_BROWSER_BIN"); bin != "" {
		return bin
	}
	bin, ok := launcher.LookPath()
	if !ok {
		t.Skip("no Chromium found; set ROD_BROWSER_BIN")
	}
	return bin
}

func TestPageSize(t *testing.T) {
	s := PageSize{Width: 816, Height: 1056}
	w, h := s.Inches()
	assert.InDelta(t, 8.5, w, 1e-9)
	assert.InDelta(t, 11, h, 1e-9)
	assert.True(t, s.Valid())
	assert.False(t, PageSize{Width: 10}.Valid())
	assert.Equal(t, "816x1056", s.String())
}

func TestRenderBeforeLaunch(t *testing.T) {
	_, err := NewRod(RodOptions{}).Render(context.Background(), []byte("<html></html>"), PageSize{Width: 10, Height: 10})
	assert.ErrorIs(t, err, ErrEngineDead)
}

type failingEngine struct{ closed bool }

func (e *failingEngine) Launch(context.Context) error { return assert.AnError }
func (e *failingEngine) Render(context.Context, []byte, PageSize) ([]byte, error) {
	return nil, nil
}
func (e *failingEngine) Close() error { e.closed = true; return nil }

func TestStartClosesOnLaunchFailure(t *testing.T) {
	e := &failingEngine{}
	_, err := Start(context.Background(), func() Engine { return e })
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, e.closed)
}

func TestRodRender(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	bin := browserBin(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	engine, err := Start(ctx, func() Engine { return NewRod(RodOptions{Bin: bin, NoSandbox: true}) })
	require.NoError(t, err)
	defer engine.Close()

	markup := []byte(`<html><body style="margin:0"><div id="p1" style="width: 400px; height: 300px;">hello</div></body></html>`)
	for i := 0; i < 2; i++ {
		pdf, err := engine.Render(ctx, markup, PageSize{Width: 400, Height: 300})
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF")))
	}

	require.NoError(t, engine.Close())
	_, err = engine.Render(ctx, markup, PageSize{Width: 400, Height: 300})
	assert.ErrorIs(t, err, ErrEngineDead)
}
