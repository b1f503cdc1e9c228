package render

import (
	"context"
	"errors"
	"fmt"
)

// ErrEngineDead is returned when the engine can no longer render, for instance
// because its browser process went away. The engine must be replaced.
var ErrEngineDead = errors.New("render: engine is dead")

// PageSize is a page size in CSS pixels (96 per inch).
type PageSize struct {
	Width  int
	Height int
}

func (s PageSize) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Valid reports whether both dimensions are positive.
func (s PageSize) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// Inches returns the size in inches.
func (s PageSize) Inches() (w, h float64) {
	return float64(s.Width) / 96, float64(s.Height) / 96
}

// Engine turns one page of markup into a one-page PDF.
type Engine interface {
	// Launch starts the engine. Render may only be called after it succeeded.
	Launch(ctx context.Context) error
	// Render lays out markup on a page of size and prints it.
	Render(ctx context.Context, markup []byte, size PageSize) ([]byte, error)
	// Close stops the engine and releases its processes.
	Close() error
}

// Start creates an engine with newEngine and launches it. A failed launch closes
// the engine.
func Start(ctx context.Context, newEngine func() Engine) (Engine, error) {
	e := newEngine()
	if err := e.Launch(ctx); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}
