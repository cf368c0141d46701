// Package config defines configuration structures for the dfpp CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (DFPP_ prefix), optionally read from .env files
//   - YAML configuration file
//
// Flags override the environment, which overrides the file. Durations are
// Go duration strings ("30s") and sizes are byte strings ("100B", "1KiB").
//
// # Structure
//
//	type Config struct {
//	    Bucket      string
//	    Project     string
//	    LogLevel    string
//	    Download    DownloadConfig
//	    Transform   TransformConfig
//	    Universe    UniverseConfig
//	    RedisURL    string
//	    PostgresDSN string
//	    ErrorReport string
//	    MetricsAddr string
//	    Schedule    string
//	}
package config
