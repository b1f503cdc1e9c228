package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mjbazhu/Libryay/internal/downloader"
)

// DefaultLibrary is the directory used as content store when no store URL is set.
const DefaultLibrary = "library"

// EnvPrefix is the prefix of every environment variable read by LoadFromEnv.
const EnvPrefix = "LIBRYAY_"

// Config defines configuration for the libryay CLI.
type Config struct {
	Store      string            `yaml:"store"`
	Endpoint   string            `yaml:"endpoint"`
	Source     string            `yaml:"source"`
	Document   string            `yaml:"document"`
	Title      string            `yaml:"title"`
	Mode       string            `yaml:"mode"`
	Workers    int               `yaml:"workers"`
	BatchSize  int               `yaml:"batch_size"`
	Cooldown   time.Duration     `yaml:"cooldown"`
	MaxRetry   int               `yaml:"max_retry"`
	MaxFailure int               `yaml:"max_failures"`
	Recycle    int               `yaml:"recycle_after"`
	RateLimit  float64           `yaml:"rate_limit"`
	RateBurst  int               `yaml:"rate_burst"`
	Progress   bool              `yaml:"progress"`
	Headers    map[string]string `yaml:"headers"`
	CookieFile string            `yaml:"cookie_file"`
	Cookie     string            `yaml:"cookie"`
	Retry      RetryConfig       `yaml:"retry"`
	Render     RenderConfig      `yaml:"render"`
	Log        LogConfig         `yaml:"log"`
}

// RetryConfig defines per-request retry behavior of the HTTP client.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// RenderConfig defines the paged PDF build.
type RenderConfig struct {
	Browser     string `yaml:"browser"`
	NoSandbox   bool   `yaml:"no_sandbox"`
	Workers     int    `yaml:"workers"`
	SegmentSize int    `yaml:"segment_size"`
	KeepTemp    bool   `yaml:"keep_temp"`
}

// LogConfig selects the structured log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Mode:       string(downloader.ModeThreads),
		Workers:    5,
		BatchSize:  100,
		Cooldown:   time.Second,
		MaxRetry:   2,
		MaxFailure: 20,
		CookieFile: "cookie.json",
		Retry: RetryConfig{
			Attempts:   2,
			Backoff:    500 * time.Millisecond,
			MaxBackoff: 10 * time.Second,
		},
		Render: RenderConfig{
			Workers:     4,
			SegmentSize: 50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	Store      string            `yaml:"store"`
	Endpoint   string            `yaml:"endpoint"`
	Source     string            `yaml:"source"`
	Document   string            `yaml:"document"`
	Title      string            `yaml:"title"`
	Mode       string            `yaml:"mode"`
	Workers    int               `yaml:"workers"`
	BatchSize  int               `yaml:"batch_size"`
	Cooldown   string            `yaml:"cooldown"`
	MaxRetry   *int              `yaml:"max_retry"`
	MaxFailure int               `yaml:"max_failures"`
	Recycle    int               `yaml:"recycle_after"`
	RateLimit  float64           `yaml:"rate_limit"`
	RateBurst  int               `yaml:"rate_burst"`
	Progress   bool              `yaml:"progress"`
	Headers    map[string]string `yaml:"headers"`
	CookieFile string            `yaml:"cookie_file"`
	Cookie     string            `yaml:"cookie"`
	Retry      yamlRetryConfig   `yaml:"retry"`
	Render     RenderConfig      `yaml:"render"`
	Log        LogConfig         `yaml:"log"`
}

type yamlRetryConfig struct {
	Attempts   *int   `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	cfg = cfg.Merge(Config{
		Store:      yc.Store,
		Endpoint:   yc.Endpoint,
		Source:     yc.Source,
		Document:   yc.Document,
		Title:      yc.Title,
		Mode:       yc.Mode,
		Workers:    yc.Workers,
		BatchSize:  yc.BatchSize,
		MaxFailure: yc.MaxFailure,
		Recycle:    yc.Recycle,
		RateLimit:  yc.RateLimit,
		RateBurst:  yc.RateBurst,
		Progress:   yc.Progress,
		Headers:    yc.Headers,
		CookieFile: yc.CookieFile,
		Cookie:     yc.Cookie,
		Render:     yc.Render,
		Log:        yc.Log,
	})

	if yc.Cooldown != "" {
		d, err := time.ParseDuration(yc.Cooldown)
		if err != nil {
			return Config{}, fmt.Errorf("parse cooldown: %w", err)
		}
		cfg.Cooldown = d
	}
	// Zero is meaningful for both retry counts, so only an absent key keeps the default.
	if yc.MaxRetry != nil {
		cfg.MaxRetry = *yc.MaxRetry
	}
	if yc.Retry.Attempts != nil {
		cfg.Retry.Attempts = *yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}

	return cfg, nil
}

// LoadDotEnv adds the variables of a .env file to the environment without
// overriding variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the LIBRYAY_ prefix.
func (c *Config) LoadFromEnv() error {
	str := map[string]*string{
		"STORE":       &c.Store,
		"ENDPOINT":    &c.Endpoint,
		"SOURCE":      &c.Source,
		"DOCUMENT":    &c.Document,
		"TITLE":       &c.Title,
		"MODE":        &c.Mode,
		"COOKIE_FILE": &c.CookieFile,
		"COOKIE":      &c.Cookie,
		"BROWSER":     &c.Render.Browser,
		"LOG_LEVEL":   &c.Log.Level,
		"LOG_FORMAT":  &c.Log.Format,
	}
	for name, dst := range str {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WORKERS":        &c.Workers,
		"BATCH_SIZE":     &c.BatchSize,
		"MAX_RETRY":      &c.MaxRetry,
		"MAX_FAILURES":   &c.MaxFailure,
		"RECYCLE_AFTER":  &c.Recycle,
		"RETRY_ATTEMPTS": &c.Retry.Attempts,
		"RATE_BURST":     &c.RateBurst,
		"RENDER_WORKERS": &c.Render.Workers,
		"SEGMENT_SIZE":   &c.Render.SegmentSize,
	}
	for name, dst := range ints {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	// Requests per second; fractions allowed.
	if v := os.Getenv(EnvPrefix + "RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse %sRATE_LIMIT: %w", EnvPrefix, err)
		}
		c.RateLimit = f
	}

	durations := map[string]*time.Duration{
		"COOLDOWN":          &c.Cooldown,
		"RETRY_BACKOFF":     &c.Retry.Backoff,
		"RETRY_MAX_BACKOFF": &c.Retry.MaxBackoff,
	}
	for name, dst := range durations {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"PROGRESS":   &c.Progress,
		"NO_SANDBOX": &c.Render.NoSandbox,
		"KEEP_TEMP":  &c.Render.KeepTemp,
	}
	for name, dst := range bools {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// LIBRYAY_HEADERS="User-Agent=x; Referer=y"
	if v := os.Getenv(EnvPrefix + "HEADERS"); v != "" {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		for _, part := range strings.Split(v, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok || name == "" {
				return fmt.Errorf("parse %sHEADERS: bad entry %q", EnvPrefix, part)
			}
			c.Headers[name] = value
		}
	}

	return nil
}

// StoreURL returns the bucket URL of the content store. Without a configured
// URL it is DefaultLibrary under the working directory, created on demand.
func (c *Config) StoreURL() (string, error) {
	if c.Store != "" {
		return c.Store, nil
	}
	dir, err := filepath.Abs(DefaultLibrary)
	if err != nil {
		return "", fmt.Errorf("config: resolve %s: %w", DefaultLibrary, err)
	}
	return "file://" + filepath.ToSlash(dir) + "?create_dir=true", nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := downloader.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.BatchSize <= 0 {
		return errors.New("config: batch_size must be positive")
	}
	if c.Cooldown < 0 {
		return errors.New("config: cooldown must not be negative")
	}
	if c.RateLimit < 0 {
		return errors.New("config: rate_limit must not be negative")
	}
	if c.RateBurst < 0 {
		return errors.New("config: rate_burst must not be negative")
	}
	if c.Render.Workers <= 0 {
		return errors.New("config: render.workers must be positive")
	}
	if c.Render.SegmentSize <= 0 {
		return errors.New("config: render.segment_size must be positive")
	}
	return nil
}

// ValidateSource checks the settings needed to fetch a document.
func (c *Config) ValidateSource() error {
	if c.Endpoint == "" {
		return errors.New("config: endpoint is required")
	}
	if c.Source == "" {
		return errors.New("config: source is required")
	}
	if c.Document == "" {
		return errors.New("config: document is required")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored; headers are added to c's.
func (c Config) Merge(override Config) Config {
	if override.Store != "" {
		c.Store = override.Store
	}
	if override.Endpoint != "" {
		c.Endpoint = override.Endpoint
	}
	if override.Source != "" {
		c.Source = override.Source
	}
	if override.Document != "" {
		c.Document = override.Document
	}
	if override.Title != "" {
		c.Title = override.Title
	}
	if override.Mode != "" {
		c.Mode = override.Mode
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.BatchSize != 0 {
		c.BatchSize = override.BatchSize
	}
	if override.Cooldown != 0 {
		c.Cooldown = override.Cooldown
	}
	if override.MaxRetry != 0 {
		c.MaxRetry = override.MaxRetry
	}
	if override.MaxFailure != 0 {
		c.MaxFailure = override.MaxFailure
	}
	if override.Recycle != 0 {
		c.Recycle = override.Recycle
	}
	if override.RateLimit != 0 {
		c.RateLimit = override.RateLimit
	}
	if override.RateBurst != 0 {
		c.RateBurst = override.RateBurst
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if len(override.Headers) > 0 {
		merged := make(map[string]string, len(c.Headers)+len(override.Headers))
		for k, v := range c.Headers {
			merged[k] = v
		}
		for k, v := range override.Headers {
			merged[k] = v
		}
		c.Headers = merged
	}
	if override.CookieFile != "" {
		c.CookieFile = override.CookieFile
	}
	if override.Cookie != "" {
		c.Cookie = override.Cookie
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	if override.Render.Browser != "" {
		c.Render.Browser = override.Render.Browser
	}
	if override.Render.NoSandbox {
		c.Render.NoSandbox = true
	}
	if override.Render.Workers != 0 {
		c.Render.Workers = override.Render.Workers
	}
	if override.Render.SegmentSize != 0 {
		c.Render.SegmentSize = override.Render.SegmentSize
	}
	if override.Render.KeepTemp {
		c.Render.KeepTemp = true
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		c.Log.Format = override.Log.Format
	}
	return c
}
