// Package cmd implements the CLI commands for vidtap.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vidtap/internal/config"
	"github.com/jmylchreest/vidtap/internal/observability"
	"github.com/jmylchreest/vidtap/internal/version"
)

// Exit codes.
const (
	exitFailure = 1
	// exitTempFail is EX_TEMPFAIL from sysexits.h: the caller should retry.
	exitTempFail = 75
)

var (
	// cfgFile holds the config file path from CLI flag.
	cfgFile string
	// appConfig is loaded before any subcommand runs.
	appConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "vidtap",
	Short:   "Streaming video to audio conversion service",
	Version: version.Short(),
	Long: `vidtap streams videos from object storage through ffmpeg and writes
compact mono MP3 audio back to object storage, without staging either file on
local disk.

Sources and destinations are URIs: s3://, azblob://, file://, http(s):// (source
only) and mem:// (in-process, for testing).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// ExitCode returns the process exit code for an error returned by Execute.
func ExitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return loadConfig(cmd)
	}

	// Flags are not bound to viper: they only override config and env when
	// explicitly set.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml, /etc/vidtap/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// loadConfig loads configuration and installs the default logger. Priority:
// CLI flags, then VIDTAP_ environment variables, then the config file, then
// built-in defaults.
func loadConfig(cmd *cobra.Command) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	appConfig = cfg
	return nil
}
