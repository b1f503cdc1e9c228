package assemble

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/mjbazhu/Libryay/internal/manifest"
	"github.com/mjbazhu/Libryay/internal/render"
	"github.com/mjbazhu/Libryay/internal/testutils"
	"github.com/mjbazhu/Libryay/pkg/store"
)

// farm hands out fake render engines and counts what they do.
type farm struct {
	launches atomic.Int32
	closes   atomic.Int32
	renders  atomic.Int32

	// The first dying engines fail their first render with ErrEngineDead.
	dying int32

	mu    sync.Mutex
	sizes []render.PageSize
}

func (f *farm) newEngine() render.Engine {
	return &fakeEngine{farm: f}
}

type fakeEngine struct {
	farm     *farm
	index    int32
	rendered int
}

func (e *fakeEngine) Launch(context.Context) error {
	e.index = e.farm.launches.Add(1)
	return nil
}

func (e *fakeEngine) Render(ctx context.Context, markup []byte, size render.PageSize) ([]byte, error) {
	e.rendered++
	if e.index <= e.farm.dying && e.rendered == 1 {
		return nil, render.ErrEngineDead
	}
	e.farm.renders.Add(1)
	e.farm.mu.Lock()
	e.farm.sizes = append(e.farm.sizes, size)
	e.farm.mu.Unlock()
	return testutils.MinimalPDF(float64(size.Width)*0.75, float64(size.Height)*0.75), nil
}

func (e *fakeEngine) Close() error {
	e.farm.closes.Add(1)
	return nil
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { bucket.Close() })
	return store.New(bucket)
}

func putPages(t *testing.T, s *store.Store, doc string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= n; i++ {
		k := store.Key{Document: doc, Kind: store.KindPage, Name: fmt.Sprintf("%d.html", i)}
		require.NoError(t, s.Write(ctx, k, testutils.PageMarkup(i, 600, 800)))
	}
}

func putBookmarks(t *testing.T, s *store.Store, doc string, marks []Bookmark) {
	t.Helper()
	data, err := json.Marshal(marks)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), store.Key{Document: doc, Kind: store.KindMeta, Name: manifest.BookmarksName}, data))
}

func TestPages(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	putPages(t, s, "doc", 11)
	img := store.Key{Document: "doc", Kind: store.KindPage, Name: "3.jpg"}
	require.NoError(t, s.Write(ctx, img, []byte("jpeg")))
	require.NoError(t, s.Write(ctx, store.Key{Document: "doc", Kind: store.KindPage, Name: "notes.txt"}, []byte("x")))

	pages, err := Pages(ctx, s, "doc")
	require.NoError(t, err)
	require.Len(t, pages, 11)
	for i, p := range pages {
		assert.Equal(t, i+1, p.Number)
	}
	assert.Equal(t, "10.html", pages[9].Source.Name)
	assert.True(t, pages[2].Image())
	assert.Equal(t, "page-000003.pdf", pages[2].TempKey().Name)

	_, err = Pages(ctx, s, "empty")
	assert.ErrorIs(t, err, ErrNoPages)
}

func TestBuildPDF(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	putPages(t, s, "doc", 7)
	jpg := testJPEG(t, 300, 400)
	require.NoError(t, s.Write(ctx, store.Key{Document: "doc", Kind: store.KindPage, Name: "8.jpg"}, jpg))
	putBookmarks(t, s, "doc", []Bookmark{
		{Title: "Part 1", Page: 1, Children: []Bookmark{{Title: "Chapter 1", Page: 2}}},
		{Title: "Part 2", Page: 5, Zoom: "XYZ 0 800 0"},
		{Title: "Lost", Page: 99},
	})

	f := &farm{}
	var batches []int
	res, err := BuildPDF(ctx, s, "doc", PDFOptions{
		Name:        "My Book: Vol/1",
		Workers:     2,
		NewEngine:   f.newEngine,
		BatchSize:   3,
		SegmentSize: 3,
		OnBatch:     func(index, total, size int) { batches = append(batches, size) },
	})
	require.NoError(t, err)

	assert.Equal(t, 8, res.Pages)
	assert.Equal(t, 8, res.Rendered)
	assert.Equal(t, 0, res.Reused)
	assert.Equal(t, 3, res.Segments)
	assert.Equal(t, []int{3, 3, 2}, batches)
	assert.Equal(t, int32(8), f.renders.Load())
	assert.Equal(t, f.launches.Load(), f.closes.Load())
	assert.Contains(t, f.sizes, render.PageSize{Width: 300, Height: 400})

	assert.Equal(t, store.KindPDF, res.Key.Kind)
	assert.Equal(t, store.SanitizeName("My Book: Vol/1")+".pdf", res.Key.Name)
	data, err := s.Read(ctx, res.Key)
	require.NoError(t, err)
	n, err := NewPDFCPU().PageCount(data)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	assert.Equal(t, 2, res.Outline.Root().Count)
	assert.Len(t, res.Outline.Warnings, 1)

	tmp, err := s.List(ctx, "doc", store.KindTmp)
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestBuildPDFReusesRenderedPages(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	putPages(t, s, "doc", 4)
	for _, n := range []int{1, 3} {
		p := Page{Number: n, Source: store.Key{Document: "doc", Kind: store.KindPage, Name: fmt.Sprintf("%d.html", n)}}
		require.NoError(t, s.Put(ctx, p.TempKey(), testutils.MinimalPDF(450, 600)))
	}

	f := &farm{}
	res, err := BuildPDF(ctx, s, "doc", PDFOptions{Workers: 1, NewEngine: f.newEngine, KeepTemp: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Reused)
	assert.Equal(t, 2, res.Rendered)
	assert.Equal(t, int32(2), f.renders.Load())
	assert.Equal(t, "doc.pdf", res.Key.Name)
	assert.True(t, res.Outline.Empty())

	tmp, err := s.List(ctx, "doc", store.KindTmp)
	require.NoError(t, err)
	assert.Len(t, tmp, 5) // four pages, one segment
}

func TestBuildPDFBadPage(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	putPages(t, s, "doc", 3)
	require.NoError(t, s.Put(ctx, store.Key{Document: "doc", Kind: store.KindPage, Name: "2.html"}, []byte("<html><body>no container</body></html>")))

	f := &farm{}
	_, err := BuildPDF(ctx, s, "doc", PDFOptions{Workers: 2, NewEngine: f.newEngine, MaxRetry: 3})
	require.ErrorIs(t, err, ErrBadPage)
	assert.Contains(t, err.Error(), "doc/page/2.html")

	exists, err := s.Exists(ctx, store.Key{Document: "doc", Kind: store.KindPDF, Name: "doc.pdf"})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBuildPDFReplacesDeadEngines(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	putPages(t, s, "doc", 6)

	f := &farm{dying: 2}
	res, err := BuildPDF(ctx, s, "doc", PDFOptions{Workers: 2, NewEngine: f.newEngine})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Rendered)
	assert.Greater(t, f.launches.Load(), int32(2))
	assert.Equal(t, f.launches.Load(), f.closes.Load())
}

func TestBuildPDFRecyclesEngines(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	putPages(t, s, "doc", 10)

	f := &farm{}
	_, err := BuildPDF(ctx, s, "doc", PDFOptions{Workers: 1, NewEngine: f.newEngine, RecycleAfter: 3})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, f.launches.Load(), int32(4))
}

func TestBuildPDFNeedsEngine(t *testing.T) {
	_, err := BuildPDF(context.Background(), newStore(t), "doc", PDFOptions{})
	assert.Error(t, err)
}
