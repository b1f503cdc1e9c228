package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mjbazhu/Libryay/internal/assemble"
	"github.com/mjbazhu/Libryay/internal/config"
	"github.com/mjbazhu/Libryay/internal/render"
	"github.com/mjbazhu/Libryay/pkg/store"
)

// newEngine creates the render engine of one render unit. Tests replace it.
var newEngine = func(cfg config.Config, log *zap.Logger) render.Engine {
	return render.NewRod(render.RodOptions{
		Bin:       cfg.Render.Browser,
		NoSandbox: cfg.Render.NoSandbox,
		Logger:    log,
	})
}

type renderFlags struct {
	browser     *string
	noSandbox   *bool
	workers     *int
	segmentSize *int
	keepTemp    *bool
}

func addRenderFlags(fs *flag.FlagSet) *renderFlags {
	return &renderFlags{
		browser:     fs.String("browser", "", "Chromium binary used to render pages (default: found or downloaded)"),
		noSandbox:   fs.Bool("no-sandbox", false, "Run the browser without its sandbox"),
		workers:     fs.Int("render-workers", 0, "Browser instances rendering pages (default 4)"),
		segmentSize: fs.Int("segment-size", 0, "Pages merged per segment (default 50)"),
		keepTemp:    fs.Bool("keep-temp", false, "Keep rendered pages after the PDF is built"),
	}
}

func (f *renderFlags) config() config.RenderConfig {
	return config.RenderConfig{
		Browser:     *f.browser,
		NoSandbox:   *f.noSandbox,
		Workers:     *f.workers,
		SegmentSize: *f.segmentSize,
		KeepTemp:    *f.keepTemp,
	}
}

// runAssemble builds the output file from fragments already in the store.
func runAssemble(args []string) int {
	fs := flag.NewFlagSet("assemble", flag.ContinueOnError)
	common := addCommonFlags(fs)

	format := fs.String("format", "", "Output format: epub or pdf (required)")
	title := fs.String("title", "", "Output file name (default: document)")
	batchSize := fs.Int("batch-size", 0, "Pages rendered per batch (default 100)")
	maxRetry := fs.Int("max-retry", 0, "Retry rounds per render batch (default 2)")
	rf := addRenderFlags(fs)

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: libryay assemble [options]

Build {title}.epub or {title}.pdf from the fragments of a fetched document.
A PDF build reuses pages rendered by an interrupted build.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	var kind string
	switch *format {
	case "epub":
		kind = kindEPUB
	case "pdf":
		kind = kindPages
	default:
		errorf("-format must be epub or pdf")
		fs.Usage()
		return ExitInvalidArgs
	}

	cfg, log, err := common.load(config.Config{
		Title:     *title,
		BatchSize: *batchSize,
		MaxRetry:  *maxRetry,
		Render:    rf.config(),
	})
	if err != nil {
		errorf("%v", err)
		return ExitInvalidArgs
	}
	defer log.Sync()
	if isSet(fs, "max-retry") {
		cfg.MaxRetry = *maxRetry
	}
	if cfg.Document == "" {
		errorf("-document is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openStore(ctx, cfg, log)
	if err != nil {
		errorf("opening store: %v", err)
		return ExitStorageError
	}
	defer s.Close()

	return assembleDocument(ctx, kind, cfg, s, log)
}

func assembleDocument(ctx context.Context, kind string, cfg config.Config, s *store.Store, log *zap.Logger) int {
	name := cfg.Title
	if name == "" {
		name = cfg.Document
	}

	var (
		key store.Key
		err error
	)
	if kind == kindEPUB {
		fmt.Fprintf(os.Stderr, "[libryay] Packaging %s\n", cfg.Document)
		key, err = assemble.BuildEPUB(ctx, s, cfg.Document, name)
	} else {
		var res *assemble.PDFResult
		res, err = assemble.BuildPDF(ctx, s, cfg.Document, assemble.PDFOptions{
			Name:         name,
			Workers:      cfg.Render.Workers,
			NewEngine:    func() render.Engine { return newEngine(cfg, log) },
			RecycleAfter: cfg.Recycle,
			BatchSize:    cfg.BatchSize,
			Cooldown:     cfg.Cooldown,
			MaxRetry:     retryRounds(cfg.MaxRetry),
			SegmentSize:  cfg.Render.SegmentSize,
			KeepTemp:     cfg.Render.KeepTemp,
			OnBatch: func(index, batches, size int) {
				fmt.Fprintf(os.Stderr, "[libryay] Rendering batch %d/%d (%d pages)\n", index+1, batches, size)
			},
			Logger: log,
		})
		if res != nil {
			key = res.Key
			if res.Reused > 0 {
				fmt.Fprintf(os.Stderr, "[libryay] Reused %d pages rendered earlier\n", res.Reused)
			}
			if res.Outline != nil {
				for _, w := range res.Outline.Warnings {
					warnf("%s", w)
				}
			}
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "[libryay] Assembly interrupted, run again to resume")
			return ExitGeneralError
		}
		errorf("assembling %s: %v", cfg.Document, err)
		return ExitAssembleFailed
	}

	okColor.Fprintf(os.Stderr, "[libryay] Written: %s\n", key)
	return ExitSuccess
}
