package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/vidtap/internal/admission"
	"github.com/jmylchreest/vidtap/internal/config"
	"github.com/jmylchreest/vidtap/internal/database"
	"github.com/jmylchreest/vidtap/internal/ffmpeg"
	"github.com/jmylchreest/vidtap/internal/repository"
	"github.com/jmylchreest/vidtap/internal/service"
	"github.com/jmylchreest/vidtap/internal/storage"
	"github.com/jmylchreest/vidtap/internal/transcode"
)

// app is the wired service graph shared by serve and convert.
type app struct {
	db        *database.DB
	history   repository.ConversionRepository
	admission *admission.Controller
	converter *service.Converter
	ffmpeg    *ffmpeg.BinaryInfo
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	profile := ffmpeg.ProfileFromConfig(cfg.FFmpeg)
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("audio profile: %w", err)
	}

	info, err := ffmpeg.NewBinaryDetector(cfg.FFmpeg.BinaryPath).Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("detecting ffmpeg: %w", err)
	}
	if err := info.CheckProfile(profile); err != nil {
		return nil, fmt.Errorf("ffmpeg %s at %s cannot encode the audio profile: %w", info.Version, info.Path, err)
	}
	logger.Info("ffmpeg detected",
		slog.String("path", info.Path),
		slog.String("version", info.Version),
	)

	registry, err := storage.NewRegistryFromConfig(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	logger.Info("storage providers ready",
		slog.Any("sources", registry.SourceSchemes()),
		slog.Any("destinations", registry.SinkSchemes()),
	)

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// A broken sampler leaves admission bounded by slots alone.
	var memory admission.MemoryReader
	if pm, err := admission.NewProcessMemory(cfg.Admission.IncludeChildren); err != nil {
		logger.Warn("memory sampling unavailable", slog.String("error", err.Error()))
	} else {
		memory = pm
	}
	ctrl := admission.New(admission.PolicyFromConfig(cfg.Admission), memory, admission.WithLogger(logger))

	transcoder := transcode.NewFFmpegTranscoder(info.Path, profile,
		transcode.WithStderrLines(cfg.FFmpeg.StderrLines),
		transcode.WithProcessMonitor(cfg.FFmpeg.MonitorInterval),
	)
	pipeline := transcode.New(transcoder, transcode.OptionsFromConfig(cfg.Pipeline), logger)
	history := repository.NewConversionRepository(db.DB)

	return &app{
		db:        db,
		history:   history,
		admission: ctrl,
		converter: service.NewConverter(registry, ctrl, pipeline, history, service.OptionsFromConfig(cfg.Conversion, profile), logger),
		ffmpeg:    info,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
