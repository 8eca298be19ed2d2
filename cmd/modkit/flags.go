package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	EnvFile         string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
	DumpConfig      string

	usage func()
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	var configPaths string
	fs.StringVar(&configPaths, "config",
		getEnv("MODKIT_CONFIG", ""),
		"Comma-separated configuration layers, merged in order (env: MODKIT_CONFIG)")
	fs.StringVar(&configPaths, "c",
		getEnv("MODKIT_CONFIG", ""),
		"Comma-separated configuration layers, merged in order (env: MODKIT_CONFIG)")

	fs.StringVar(&cfg.EnvFile, "env-file",
		getEnv("MODKIT_ENV_FILE", ".env"),
		"Dotenv file loaded before the configuration, if present (env: MODKIT_ENV_FILE)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("MODKIT_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error; overrides runtime.log_level (env: MODKIT_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("MODKIT_LOG_FORMAT", ""),
		"Log format: json, text; overrides runtime.log_format (env: MODKIT_LOG_FORMAT)")

	debug := fs.Bool("debug", getEnvBool("MODKIT_DEBUG", false),
		"Shorthand for --log-level=debug (env: MODKIT_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("MODKIT_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: MODKIT_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.StringVar(&cfg.DumpConfig, "dump-config", "",
		"Write the merged configuration to a .json/.yaml file, or - for stdout, and exit")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}
	cfg.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, path := range strings.Split(configPaths, ",") {
		if path = strings.TrimSpace(path); path != "" {
			cfg.ConfigPaths = append(cfg.ConfigPaths, path)
		}
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Module composition runtime

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with a base config and an override layer
  %s --config=configs/modkit.yaml,configs/production.json

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Run with environment variables
  export MODKIT_CONFIG=/etc/modkit/modkit.yaml
  export MODKIT_NATS_URL=nats://nats:4222
  %s

  # Validate configuration only
  %s --validate

  # Show the configuration after layers and environment overrides
  %s --config=configs/modkit.yaml,configs/nats.json --dump-config=-

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
