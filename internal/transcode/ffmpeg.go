package transcode

import (
	"context"
	"time"

	"github.com/jmylchreest/vidtap/internal/ffmpeg"
	"github.com/jmylchreest/vidtap/internal/observability"
)

// FFmpegTranscoder starts ffmpeg with the audio profile, reading stdin and
// writing stdout.
type FFmpegTranscoder struct {
	binary          string
	profile         ffmpeg.AudioProfile
	stderrLines     int
	monitorInterval time.Duration
}

// FFmpegOption configures an FFmpegTranscoder.
type FFmpegOption func(*FFmpegTranscoder)

// WithStderrLines sets how many stderr lines each process keeps for
// diagnostics.
func WithStderrLines(n int) FFmpegOption {
	return func(t *FFmpegTranscoder) {
		t.stderrLines = n
	}
}

// WithProcessMonitor samples each process's memory and CPU at interval.
func WithProcessMonitor(interval time.Duration) FFmpegOption {
	return func(t *FFmpegTranscoder) {
		t.monitorInterval = interval
	}
}

// NewFFmpegTranscoder creates a transcoder for the given binary and profile.
func NewFFmpegTranscoder(binary string, profile ffmpeg.AudioProfile, opts ...FFmpegOption) *FFmpegTranscoder {
	t := &FFmpegTranscoder{binary: binary, profile: profile}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Profile returns the audio profile processes are started with.
func (t *FFmpegTranscoder) Profile() ffmpeg.AudioProfile {
	return t.profile
}

// Start implements Transcoder. Stderr lines go to the logger carried by ctx
// at debug level.
func (t *FFmpegTranscoder) Start(ctx context.Context) (Process, error) {
	cmd := t.profile.Builder(t.binary).
		StderrLines(t.stderrLines).
		Monitor(t.monitorInterval).
		Logger(observability.WithComponent(observability.LoggerFromContext(ctx), "ffmpeg")).
		Build()

	if err := cmd.StartPiped(ctx); err != nil {
		return nil, err
	}
	return cmd, nil
}
