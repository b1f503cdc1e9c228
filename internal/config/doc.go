// Package config defines configuration structures for the libryay CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (LIBRYAY_ prefix), optionally read from a .env file
//   - YAML configuration file
//
// Flags win over the environment, which wins over the file.
//
// # Structure
//
//	type Config struct {
//	    Store      string // bucket URL; a local library directory by default
//	    Endpoint   string // fragment service
//	    Source     string // base locator of the document
//	    Document   string
//	    Mode       string // single, threads or workers
//	    Workers    int
//	    BatchSize  int
//	    Cooldown   time.Duration
//	    MaxRetry   int
//	    Headers    map[string]string
//	    CookieFile string
//	    Retry      RetryConfig
//	    Render     RenderConfig
//	    Log        LogConfig
//	}
package config
