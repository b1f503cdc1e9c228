package render

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
)

// printStyle keeps the printed page identical to the laid-out one.
const printStyle = `@media print {
	html, body { margin: 0; padding: 0; }
	* {
		-webkit-print-color-adjust: exact !important;
		print-color-adjust: exact !important;
		font-synthesis: none !important;
		text-shadow: none !important;
		box-shadow: none !important;
	}
}`

// RodOptions configures the headless Chromium engine.
type RodOptions struct {
	// Bin is the browser binary. Empty uses the one rod finds or downloads.
	Bin string

	// NoSandbox disables the Chromium sandbox (containers, CI).
	NoSandbox bool

	// SettleTimeout bounds the wait for the page to stop changing after load.
	// Default: 2s
	SettleTimeout time.Duration

	// Logger receives launch and teardown messages.
	Logger *zap.Logger
}

// Rod renders pages in a headless Chromium driven through the DevTools protocol.
// One Rod owns one browser process; it renders one page at a time.
type Rod struct {
	opts RodOptions
	log  *zap.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewRod creates an engine. Call Launch before Render.
func NewRod(opts RodOptions) *Rod {
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Rod{opts: opts, log: opts.Logger}
}

// Launch starts the browser and connects to it.
func (r *Rod) Launch(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return nil
	}

	l := launcher.New().Context(ctx).Headless(true).NoSandbox(r.opts.NoSandbox)
	if r.opts.Bin != "" {
		l = l.Bin(r.opts.Bin)
	}
	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("render: launch browser: %w", err)
	}

	// The connection outlives ctx; it is closed by Close.
	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return fmt.Errorf("render: connect browser: %w", err)
	}

	r.launcher = l
	r.browser = browser
	r.log.Debug("browser launched", zap.Int("pid", l.PID()))
	return nil
}

// Render loads markup into a fresh tab sized to the page and prints it to PDF.
func (r *Rod) Render(ctx context.Context, markup []byte, size PageSize) ([]byte, error) {
	if !size.Valid() {
		return nil, fmt.Errorf("render: invalid page size %s", size)
	}

	r.mu.Lock()
	browser := r.browser
	r.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("%w: not launched", ErrEngineDead)
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: open tab: %v", ErrEngineDead, err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			r.log.Debug("close tab", zap.Error(err))
		}
	}()

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             size.Width,
		Height:            size.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("render: set viewport: %w", err)
	}
	if err := page.SetDocumentContent(string(markup)); err != nil {
		return nil, fmt.Errorf("render: set content: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("render: wait load: %w", err)
	}
	if err := page.AddStyleTag("", printStyle); err != nil {
		return nil, fmt.Errorf("render: add print style: %w", err)
	}
	if _, err := page.Eval(`() => document.fonts.ready.then(() => true)`); err != nil {
		return nil, fmt.Errorf("render: wait fonts: %w", err)
	}
	if err := (proto.EmulationSetEmulatedMedia{Media: "print"}).Call(page); err != nil {
		return nil, fmt.Errorf("render: emulate print: %w", err)
	}
	if err := page.Timeout(r.opts.SettleTimeout).WaitStable(300 * time.Millisecond); err != nil {
		// A page that keeps animating is printed as it is.
		r.log.Debug("page did not settle", zap.Error(err))
	}

	w, h := size.Inches()
	stream, err := page.PDF(&proto.PagePrintToPDF{
		PaperWidth:      gson.Num(w),
		PaperHeight:     gson.Num(h),
		MarginTop:       gson.Num(0),
		MarginBottom:    gson.Num(0),
		MarginLeft:      gson.Num(0),
		MarginRight:     gson.Num(0),
		PrintBackground: true,
		PageRanges:      "1",
	})
	if err != nil {
		return nil, fmt.Errorf("render: print: %w", err)
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("render: read pdf: %w", err)
	}
	return data, nil
}

// Close disconnects and kills the browser. It is safe to call more than once.
func (r *Rod) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.launcher != nil {
		r.launcher.Kill()
		r.launcher.Cleanup()
		r.launcher = nil
	}
	return err
}
