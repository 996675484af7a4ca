// Command codecollect turns source trees into size-bounded PDF collections,
// either as an HTTP service or from the command line.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dgallion1/codecollect/internal/config"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "codecollect",
	Short: "Collect source trees into size-bounded PDF parts",
	Long: `codecollect renders the files of a project into PDF documents grouped by
platform (regular, ios, android) and splits each document into parts that
stay under a size limit.

Run "codecollect serve" for the HTTP API, or use the collect, split and scan
commands directly.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (CODECOLLECT_* env vars override it)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

// loadConfig reads and validates the configuration, applying --log-level.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// newLogger returns a JSON logger for the service and a text logger on
// stderr for interactive commands.
func newLogger(w io.Writer, level string, jsonOut bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if jsonOut {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
