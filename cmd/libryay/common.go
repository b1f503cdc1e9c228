package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mjbazhu/Libryay/internal/config"
	"github.com/mjbazhu/Libryay/internal/cookie"
	"github.com/mjbazhu/Libryay/internal/downloader"
	libhttp "github.com/mjbazhu/Libryay/internal/http"
	"github.com/mjbazhu/Libryay/internal/logging"
	"github.com/mjbazhu/Libryay/pkg/store"
)

var (
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed, color.Bold)
	okColor   = color.New(color.FgGreen)
)

// commonFlags are the flags every subcommand accepts.
type commonFlags struct {
	config    *string
	envFile   *string
	store     *string
	document  *string
	logLevel  *string
	logFormat *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		config:    fs.String("config", "", "YAML configuration file"),
		envFile:   fs.String("env-file", ".env", "File of LIBRYAY_* variables loaded before the environment"),
		store:     fs.String("store", "", "Content store bucket URL (default: ./library)"),
		document:  fs.String("document", "", "Document name in the store"),
		logLevel:  fs.String("log-level", "", "Log level: debug, info, warn, error"),
		logFormat: fs.String("log-format", "", "Log format: console or json"),
	}
}

// load resolves the configuration: defaults, file, .env and environment, then
// the flag values in override.
func (c *commonFlags) load(override config.Config) (config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if *c.config != "" {
		var err error
		if cfg, err = config.LoadFromFile(*c.config); err != nil {
			return cfg, nil, err
		}
	}
	if err := config.LoadDotEnv(*c.envFile); err != nil {
		return cfg, nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, nil, err
	}

	override.Store = *c.store
	override.Document = *c.document
	override.Log = config.LogConfig{Level: *c.logLevel, Format: *c.logFormat}
	cfg = cfg.Merge(override)
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

// isSet reports whether the flag was given on the command line. Used for
// flags whose zero value is meaningful.
func isSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[libryay] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*store.Store, error) {
	u, err := cfg.StoreURL()
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, u, store.WithLogger(log))
}

// loadJar reads the persisted cookies and adds the configured session cookie.
func loadJar(cfg config.Config) (*cookie.Jar, error) {
	jar, err := cookie.Load(cfg.CookieFile)
	if err != nil {
		return nil, err
	}
	if cfg.Cookie != "" {
		jar.Parse(cfg.Cookie)
	}
	return jar, nil
}

// newClient builds a fetch client. Clients of one job share limiter, so the
// configured rate holds across worker units.
func newClient(cfg config.Config, jar *cookie.Jar, limiter *rate.Limiter, log *zap.Logger) *libhttp.Client {
	return libhttp.NewClient(libhttp.Options{
		MaxIdleConnsPerHost: cfg.Workers * 2,
		Timeout:             30 * time.Second,
		RetryAttempts:       cfg.Retry.Attempts,
		RetryBackoff:        cfg.Retry.Backoff,
		RetryMaxBackoff:     cfg.Retry.MaxBackoff,
		Limiter:             limiter,
		Headers:             cfg.Headers,
		Jar:                 jar,
		Logger:              log,
	})
}

// retryRounds maps a configured retry count to downloader and assemble
// options, which read zero as the default and a negative value as none.
func retryRounds(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func warnf(format string, args ...any) {
	warnColor.Fprintf(os.Stderr, "[libryay] "+format+"\n", args...)
}

func errorf(format string, args ...any) {
	errColor.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// printFailures writes the failed fragments as a table.
func printFailures(w io.Writer, failures []downloader.Failure) {
	if len(failures) == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("Fragment", "Kind", "Permanent", "Error")
	for _, f := range failures {
		permanent := "no"
		if f.Permanent {
			permanent = "yes"
		}
		msg := "unknown"
		if f.Err != nil {
			msg = f.Err.Error()
		}
		_ = table.Append(f.Descriptor.String(), string(f.Descriptor.Kind), permanent, msg)
	}
	_ = table.Render()
}

// exitCodeFor maps a failed download to an exit code.
func exitCodeFor(ctx context.Context, err error) int {
	var cbErr *downloader.CircuitBreakerError
	switch {
	case errors.As(err, &cbErr):
		return ExitCircuitOpen
	case ctx.Err() != nil:
		return ExitGeneralError
	default:
		return ExitIncomplete
	}
}
