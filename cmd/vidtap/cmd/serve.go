package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	internalhttp "github.com/jmylchreest/vidtap/internal/http"
	"github.com/jmylchreest/vidtap/internal/http/handlers"
	"github.com/jmylchreest/vidtap/internal/scheduler"
	"github.com/jmylchreest/vidtap/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vidtap server",
	Long: `Start the vidtap HTTP server.

The server provides:
- POST /api/v1/conversions to convert a source into a destination
- GET /api/v1/conversions for the job history
- /health, /livez, /readyz and /metrics
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	logger := slog.Default()

	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing database failed", slog.String("error", err.Error()))
		}
	}()

	if cfg.Retention.Enabled {
		pruner, err := scheduler.NewRetentionPruner(a.history, cfg.Retention, logger)
		if err != nil {
			return fmt.Errorf("configuring retention: %w", err)
		}
		if err := pruner.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			pruner.Stop(stopCtx)
		}()
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	handlers.NewHealthHandler(version.Version).
		WithDB(a.db).
		WithAdmission(a.admission).
		Register(server.API())
	handlers.NewConversionHandler(a.converter, a.history, cfg.Conversion.RetryAfter).Register(server.API())

	logger.Info("starting vidtap server",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
		slog.Int("max_concurrent", a.admission.Policy().MaxConcurrent),
		slog.Uint64("memory_ceiling", a.admission.Policy().MemoryCeiling),
	)

	return server.ListenAndServe(ctx)
}
