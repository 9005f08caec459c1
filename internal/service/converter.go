// Package service holds vidtap's conversion use case: admission, dedup,
// pipeline execution and job history around a single Convert call.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"strings"
	"time"

	"github.com/jmylchreest/vidtap/internal/admission"
	"github.com/jmylchreest/vidtap/internal/config"
	"github.com/jmylchreest/vidtap/internal/ffmpeg"
	"github.com/jmylchreest/vidtap/internal/metrics"
	"github.com/jmylchreest/vidtap/internal/models"
	"github.com/jmylchreest/vidtap/internal/observability"
	"github.com/jmylchreest/vidtap/internal/repository"
	"github.com/jmylchreest/vidtap/internal/storage"
	"github.com/jmylchreest/vidtap/internal/transcode"
	"github.com/jmylchreest/vidtap/internal/version"
)

var (
	// ErrBusy is returned in fail-fast mode when no slot is free.
	ErrBusy = errors.New("no conversion capacity available")
	// ErrInvalidRequest is returned for requests that can never succeed.
	ErrInvalidRequest = errors.New("invalid conversion request")
)

// Metadata keys attached to every converted object.
const (
	MetaSourceURI         = "source-uri"
	MetaSourceName        = "source-name"
	MetaSourceContentType = "source-content-type"
	MetaConvertedBy       = "converted-by"
)

// Admitter grants pipeline slots.
type Admitter interface {
	HasCapacity() bool
	Acquire(ctx context.Context) (*admission.Slot, error)
	Release(slot *admission.Slot)
}

// Runner runs one transcode pipeline.
type Runner interface {
	Run(ctx context.Context, req transcode.Request) (*storage.ObjectInfo, error)
}

// Resolver maps URIs to storage providers.
type Resolver interface {
	Source(uri string) (storage.SourceProvider, storage.Location, error)
	Sink(uri string) (storage.Sink, storage.Location, error)
}

// ConvertRequest asks for Source to be converted into Destination. An empty
// Destination is derived from the configured default prefix.
type ConvertRequest struct {
	Source      string            `json:"source"`
	Destination string            `json:"destination,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ConvertResult describes the destination object.
type ConvertResult struct {
	JobID  models.ULID         `json:"job_id"`
	Reused bool                `json:"reused"`
	Object *storage.ObjectInfo `json:"object"`
}

// Options control conversion behaviour.
type Options struct {
	FailFast           bool
	JobTimeout         time.Duration
	DefaultDestination string
	ContentType        string
	// Extension includes the leading dot, e.g. ".mp3".
	Extension          string
}

// OptionsFromConfig combines the conversion config with the output profile.
func OptionsFromConfig(cfg config.ConversionConfig, profile ffmpeg.AudioProfile) Options {
	return Options{
		FailFast:           cfg.FailFast,
		JobTimeout:         cfg.JobTimeout,
		DefaultDestination: cfg.DefaultDestination,
		ContentType:        profile.ContentType(),
		Extension:          profile.Extension(),
	}
}

// Converter runs conversions. It is safe for concurrent use.
type Converter struct {
	resolver  Resolver
	admission Admitter
	runner    Runner
	history   repository.ConversionRepository
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewConverter creates a Converter. history may be nil, in which case no job
// history is recorded.
func NewConverter(
	resolver Resolver,
	admitter Admitter,
	runner Runner,
	history repository.ConversionRepository,
	opts Options,
	logger *slog.Logger,
) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ContentType == "" {
		opts.ContentType = ffmpeg.DefaultAudioProfile().ContentType()
	}
	if opts.Extension == "" {
		opts.Extension = ffmpeg.DefaultAudioProfile().Extension()
	} else if !strings.HasPrefix(opts.Extension, ".") {
		opts.Extension = "." + opts.Extension
	}
	return &Converter{
		resolver:  resolver,
		admission: admitter,
		runner:    runner,
		history:   history,
		opts:      opts,
		logger:    observability.WithComponent(logger, "converter"),
		now:       time.Now,
	}
}

// target is a resolved request.
type target struct {
	source    storage.SourceProvider
	sourceLoc storage.Location
	sink      storage.Sink
	destLoc   storage.Location
}

// Convert converts one source into one destination. A destination that
// already exists is returned as is with Reused set.
func (c *Converter) Convert(ctx context.Context, req ConvertRequest) (result *ConvertResult, err error) {
	tgt, err := c.resolve(req)
	if err != nil {
		metrics.RecordConversion(metrics.OutcomeFailed)
		return nil, err
	}

	job := &models.Conversion{
		BaseModel:   models.BaseModel{ID: models.NewULID()},
		Source:      tgt.sourceLoc.String(),
		Destination: tgt.destLoc.String(),
		Status:      models.ConversionStatusRunning,
		StartedAt:   c.now().UTC(),
	}
	logger := observability.WithJobID(c.logger, job.ID.String()).With(
		slog.String("source", job.Source),
		slog.String("destination", job.Destination),
	)
	ctx = observability.ContextWithLogger(ctx, logger)
	c.recordStart(ctx, job)

	defer func() {
		c.recordFinish(ctx, job, result, err)
	}()

	if c.opts.FailFast && !c.admission.HasCapacity() {
		logger.Info("conversion rejected, no capacity")
		return nil, ErrBusy
	}

	if info, ok, err := c.existing(ctx, tgt); err != nil || ok {
		if err != nil {
			return nil, err
		}
		logger.Info("destination exists, reusing")
		return &ConvertResult{JobID: job.ID, Reused: true, Object: info}, nil
	}

	slot, err := c.admission.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.admission.Release(slot)

	// Another job may have produced the destination while this one waited.
	if info, ok, err := c.existing(ctx, tgt); err != nil || ok {
		if err != nil {
			return nil, err
		}
		logger.Info("destination appeared while waiting, reusing")
		return &ConvertResult{JobID: job.ID, Reused: true, Object: info}, nil
	}

	if c.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.JobTimeout)
		defer cancel()
	}

	src, err := tgt.source.Open(ctx, tgt.sourceLoc)
	if err != nil {
		return nil, fmt.Errorf("opening source: %w", err)
	}

	info, err := c.runner.Run(ctx, transcode.Request{
		Source:      src.Body,
		SourceURI:   job.Source,
		Sink:        tgt.sink,
		Destination: tgt.destLoc,
		ContentType: c.opts.ContentType,
		Metadata:    c.metadata(req.Metadata, job.Source, tgt.sourceLoc, src.Info),
	})
	if err != nil {
		return nil, err
	}

	return &ConvertResult{JobID: job.ID, Object: info}, nil
}

func (c *Converter) resolve(req ConvertRequest) (*target, error) {
	if strings.TrimSpace(req.Source) == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidRequest)
	}
	source, sourceLoc, err := c.resolver.Source(req.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: source: %w", ErrInvalidRequest, err)
	}

	destURI := req.Destination
	if strings.TrimSpace(destURI) == "" {
		destURI, err = c.DefaultDestination(sourceLoc)
		if err != nil {
			return nil, err
		}
	}
	sink, destLoc, err := c.resolver.Sink(destURI)
	if err != nil {
		return nil, fmt.Errorf("%w: destination: %w", ErrInvalidRequest, err)
	}
	if sourceLoc.String() == destLoc.String() {
		return nil, fmt.Errorf("%w: source and destination are the same object", ErrInvalidRequest)
	}

	return &target{source: source, sourceLoc: sourceLoc, sink: sink, destLoc: destLoc}, nil
}

// DefaultDestination derives a destination URI for src under the configured
// default prefix: the source base name with the output extension.
func (c *Converter) DefaultDestination(src storage.Location) (string, error) {
	if c.opts.DefaultDestination == "" {
		return "", fmt.Errorf("%w: destination is required (no default destination configured)", ErrInvalidRequest)
	}
	prefix, err := storage.ParsePrefix(c.opts.DefaultDestination)
	if err != nil {
		return "", fmt.Errorf("%w: default destination: %w", ErrInvalidRequest, err)
	}

	name := src.Name()
	base := strings.TrimSuffix(name, path.Ext(name))
	if base == "" {
		return "", fmt.Errorf("%w: cannot derive a destination name from %s", ErrInvalidRequest, src)
	}
	return prefix.Join(base + c.opts.Extension).String(), nil
}

func (c *Converter) existing(ctx context.Context, tgt *target) (*storage.ObjectInfo, bool, error) {
	ok, err := tgt.sink.Exists(ctx, tgt.destLoc)
	if err != nil {
		return nil, false, fmt.Errorf("checking destination: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	info, err := tgt.sink.Stat(ctx, tgt.destLoc)
	if err != nil {
		return nil, false, fmt.Errorf("reading destination: %w", err)
	}
	return info, true, nil
}

// metadata merges caller metadata with the keys vidtap always sets. The
// reserved keys win.
func (c *Converter) metadata(caller map[string]string, sourceURI string, loc storage.Location, info storage.ObjectInfo) map[string]string {
	out := make(map[string]string, len(caller)+4)
	maps.Copy(out, caller)

	name := info.Name
	if name == "" {
		name = loc.Name()
	}
	out[MetaSourceURI] = sourceURI
	out[MetaSourceName] = name
	if info.ContentType != "" {
		out[MetaSourceContentType] = info.ContentType
	}
	out[MetaConvertedBy] = version.UserAgent()
	return out
}

func (c *Converter) recordStart(ctx context.Context, job *models.Conversion) {
	if c.history == nil {
		return
	}
	if err := c.history.Create(ctx, job); err != nil {
		observability.LoggerFromContext(ctx).Warn("recording conversion failed", slog.String("error", err.Error()))
	}
}

func (c *Converter) recordFinish(ctx context.Context, job *models.Conversion, result *ConvertResult, err error) {
	logger := observability.LoggerFromContext(ctx)
	now := c.now().UTC()

	switch {
	case err != nil:
		kind := ErrorKind(err)
		job.Fail(kind, err, now)
		var te *transcode.TranscodeError
		if errors.As(err, &te) {
			code := te.ExitCode
			job.ExitCode = &code
		}
		metrics.RecordConversion(outcomeFor(kind))
		logger.Warn("conversion failed",
			slog.String("error_kind", kind),
			slog.Int64("duration_ms", job.DurationMs),
			slog.String("error", err.Error()),
		)
	case result.Reused:
		job.Finish(models.ConversionStatusReused, now)
		if result.Object != nil {
			job.BytesWritten = result.Object.Size
		}
		metrics.RecordConversion(metrics.OutcomeReused)
	default:
		job.Finish(models.ConversionStatusCompleted, now)
		if result.Object != nil {
			job.BytesWritten = result.Object.Size
		}
		metrics.RecordConversion(metrics.OutcomeCompleted)
		metrics.ObserveConversionDuration(time.Duration(job.DurationMs) * time.Millisecond)
		logger.Info("conversion completed",
			slog.Int64("bytes", job.BytesWritten),
			slog.Int64("duration_ms", job.DurationMs),
		)
	}

	if c.history == nil {
		return
	}
	// Recorded even when the caller's context is already cancelled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.history.Update(saveCtx, job); err != nil {
		logger.Warn("recording conversion outcome failed", slog.String("error", err.Error()))
	}
}

// ErrorKind classifies a Convert error into one of the models.ErrorKind
// values. Storage causes take precedence over the pipeline leg that hit them.
func ErrorKind(err error) string {
	var (
		te *transcode.TranscodeError
		ie *transcode.IngestError
		ee *transcode.EgressError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusy):
		return models.ErrorKindBusy
	case errors.Is(err, admission.ErrAdmissionTimeout):
		return models.ErrorKindAdmission
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, storage.ErrInvalidLocation),
		errors.Is(err, storage.ErrUnsupportedScheme):
		return models.ErrorKindInvalid
	case errors.Is(err, storage.ErrNotFound):
		return models.ErrorKindNotFound
	case errors.Is(err, storage.ErrUnauthorized):
		return models.ErrorKindForbidden
	case errors.Is(err, storage.ErrQuotaExceeded):
		return models.ErrorKindQuota
	case errors.As(err, &te):
		return models.ErrorKindTranscode
	case errors.As(err, &ie):
		return models.ErrorKindIngest
	case errors.As(err, &ee):
		return models.ErrorKindEgress
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindCancelled
	default:
		return models.ErrorKindInternal
	}
}

func outcomeFor(kind string) string {
	switch kind {
	case models.ErrorKindBusy:
		return metrics.OutcomeBusy
	case models.ErrorKindAdmission:
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeFailed
	}
}
