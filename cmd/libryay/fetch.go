package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mjbazhu/Libryay/internal/config"
	"github.com/mjbazhu/Libryay/internal/downloader"
	"github.com/mjbazhu/Libryay/internal/fetch"
	libhttp "github.com/mjbazhu/Libryay/internal/http"
	"github.com/mjbazhu/Libryay/internal/manifest"
	"github.com/mjbazhu/Libryay/internal/progress"
	"github.com/mjbazhu/Libryay/pkg/store"
)

const (
	kindEPUB  = "epub"
	kindPages = "pages"
)

// runFetch retrieves every fragment of a document into the content store and
// assembles the output file. Fragments already stored are skipped, so an
// interrupted run resumes where it stopped.
func runFetch(kind string, args []string) int {
	fs := flag.NewFlagSet(kind, flag.ContinueOnError)
	common := addCommonFlags(fs)

	endpoint := fs.String("endpoint", "", "Fragment service endpoint (required)")
	source := fs.String("source", "", "Locator of the package document, or of the page directory for 'pages' (required)")
	title := fs.String("title", "", "Output file name (default: document)")
	mode := fs.String("mode", "", "Run mode: single, threads or workers (default threads)")
	workers := fs.Int("workers", 0, "Concurrent fetches, or worker units in workers mode (default 5)")
	batchSize := fs.Int("batch-size", 0, "Fragments per batch (default 100)")
	cooldown := fs.Duration("cooldown", 0, "Pause between batches (default 1s)")
	maxRetry := fs.Int("max-retry", 0, "Retry rounds per batch (default 2)")
	recycle := fs.Int("recycle-after", 0, "Fetches after which a worker unit replaces its client")
	retryAttempts := fs.Int("retry-attempts", 0, "Retry attempts per request (default 2)")
	rateLimit := fs.Float64("rate-limit", 0, "Maximum requests per second across all workers (default unlimited)")
	rateBurst := fs.Int("rate-burst", 0, "Requests allowed at once above the rate limit (default 1)")
	cookieFile := fs.String("cookie-file", "", "Persisted cookie jar (default cookie.json)")
	showProgress := fs.Bool("progress", false, "Show a progress bar")
	noAssemble := fs.Bool("no-assemble", false, "Only fetch; do not build the output file")
	rf := addRenderFlags(fs)

	fs.Usage = func() {
		what := "a reflowable document described by an OPF package and build {title}.epub"
		if kind == kindPages {
			what = "a paged document described by config.js and build {title}.pdf"
		}
		fmt.Fprintf(os.Stderr, "Usage: libryay %s [options]\n\nFetch %s.\nRun again after an interruption to resume.\n\nOptions:\n", kind, what)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	override := config.Config{
		Endpoint:   *endpoint,
		Source:     *source,
		Title:      *title,
		Mode:       *mode,
		Workers:    *workers,
		BatchSize:  *batchSize,
		Cooldown:   *cooldown,
		MaxRetry:   *maxRetry,
		Recycle:    *recycle,
		RateLimit:  *rateLimit,
		RateBurst:  *rateBurst,
		Progress:   *showProgress,
		CookieFile: *cookieFile,
		Retry:      config.RetryConfig{Attempts: *retryAttempts},
		Render:     rf.config(),
	}
	cfg, log, err := common.load(override)
	if err != nil {
		errorf("%v", err)
		return ExitInvalidArgs
	}
	defer log.Sync()
	if isSet(fs, "max-retry") {
		cfg.MaxRetry = *maxRetry
	}
	if isSet(fs, "cooldown") {
		cfg.Cooldown = *cooldown
	}
	if isSet(fs, "retry-attempts") {
		cfg.Retry.Attempts = *retryAttempts
	}
	if err := cfg.ValidateSource(); err != nil {
		errorf("%v", err)
		fs.Usage()
		return ExitInvalidArgs
	}
	runMode, _ := downloader.ParseMode(cfg.Mode)

	ctx, cancel := signalContext()
	defer cancel()

	s, err := openStore(ctx, cfg, log)
	if err != nil {
		errorf("opening store: %v", err)
		return ExitStorageError
	}
	defer s.Close()

	jar, err := loadJar(cfg)
	if err != nil {
		errorf("%v", err)
		return ExitGeneralError
	}
	limiter := libhttp.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	client := newClient(cfg, jar, limiter, log)
	defer client.Close()

	src := fetch.Locator{Endpoint: cfg.Endpoint}.WithBase(cfg.Source)
	ds, code := describe(ctx, kind, cfg, client, s, src, log)
	if code != ExitSuccess {
		return code
	}

	var reporter *progress.Reporter
	if cfg.Progress {
		reporter = progress.NewReporter(progress.Options{
			Document:    cfg.Document,
			Total:       len(downloader.Dedupe(ds)),
			Concurrency: cfg.Workers,
			Mode:        string(runMode),
			Bar:         true,
			Logger:      log,
		})
		reporter.Start()
	}

	fetcher := fetch.New(client, s, fetch.Options{Logger: log})
	report, err := downloader.Download(ctx, fetcher, ds, downloader.Options{
		Mode:                   runMode,
		Concurrency:            cfg.Workers,
		BatchSize:              cfg.BatchSize,
		Cooldown:               cfg.Cooldown,
		MaxRetry:               retryRounds(cfg.MaxRetry),
		MaxConsecutiveFailures: cfg.MaxFailure,
		RecycleAfter:           cfg.Recycle,
		NewTransport: func(ctx context.Context) (downloader.UnitTransport, error) {
			return newClient(cfg, jar, limiter, log), nil
		},
		Progress: reporter,
		Logger:   log,
	})
	if reporter != nil {
		reporter.Stop()
	}

	if report != nil {
		fmt.Fprintf(os.Stderr, "[libryay] %s: fetched %d, skipped %d, failed %d of %d fragments (%s) in %d batches, %s\n",
			cfg.Document, report.Fetched, report.Skipped, len(report.Failures), report.Total,
			progress.FormatBytes(report.Bytes), report.Batches, report.Duration.Round(time.Millisecond))
		printFailures(os.Stderr, report.Failures)
	}
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "[libryay] Fetch interrupted, run again to resume")
		} else {
			errorf("%v", err)
		}
		return exitCodeFor(ctx, err)
	}
	if len(report.Failures) > 0 {
		warnf("%d fragments could not be fetched; not assembling. Fix the cause, then run again or use 'libryay assemble'", len(report.Failures))
		return ExitIncomplete
	}

	if *noAssemble {
		return ExitSuccess
	}
	return assembleDocument(ctx, kind, cfg, s, log)
}

// describe fetches and stores the document's manifest and lists its fragments.
func describe(ctx context.Context, kind string, cfg config.Config, t fetch.Transport, s *store.Store, src fetch.Locator, log *zap.Logger) ([]fetch.Descriptor, int) {
	switch kind {
	case kindEPUB:
		pkg, err := manifest.FetchOPF(ctx, t, src)
		if err != nil {
			errorf("reading package document: %v", err)
			return nil, ExitSourceNotAccess
		}
		if err := pkg.Save(ctx, s, cfg.Document); err != nil {
			errorf("saving package document: %v", err)
			return nil, ExitStorageError
		}
		fmt.Fprintf(os.Stderr, "[libryay] %s: %d text, %d images, %d styles\n", cfg.Document, len(pkg.Text), len(pkg.Images), len(pkg.CSS))
		return pkg.Descriptors(cfg.Document, src), ExitSuccess

	default:
		loc := manifest.ConfigLocator(src)
		pc, err := manifest.FetchPageConfig(ctx, t, loc)
		if err != nil {
			errorf("reading page configuration: %v", err)
			return nil, ExitSourceNotAccess
		}
		mode, known := pc.Mode()
		if !known {
			warnf("unrecognised producer (creator %q, producer %q), fetching pages as markup", pc.Creator, pc.Producer)
		}
		if err := pc.Save(ctx, s, cfg.Document); err != nil {
			errorf("saving page configuration: %v", err)
			return nil, ExitStorageError
		}
		log.Info("page configuration", zap.Int("pages", pc.PageCount), zap.Stringer("mode", mode))
		fmt.Fprintf(os.Stderr, "[libryay] %s: %d pages as %s\n", cfg.Document, pc.PageCount, mode)
		return pc.Descriptors(cfg.Document, loc), ExitSuccess
	}
}
