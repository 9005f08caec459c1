package ffmpeg

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/jmylchreest/vidtap/internal/config"
)

// Audio profile defaults.
const (
	DefaultCodec      = "libmp3lame"
	DefaultFormat     = "mp3"
	DefaultChannels   = 1
	DefaultSampleRate = 16000
	DefaultBitrate    = "32k"

	// PipeInput and PipeOutput make ffmpeg read stdin and write stdout.
	PipeInput  = "pipe:0"
	PipeOutput = "pipe:1"
)

var bitrateRegex = regexp.MustCompile(`^\d+[kKmM]?$`)

// AudioProfile is the one target encoding: video dropped, audio downmixed
// and resampled, MP3 written to stdout.
type AudioProfile struct {
	Codec      string `json:"codec"`
	Format     string `json:"format"`
	Channels   int    `json:"channels"`
	SampleRate int    `json:"sample_rate"`
	Bitrate    string `json:"bitrate"`
}

// DefaultAudioProfile returns mono 16 kHz MP3 at 32 kbit/s.
func DefaultAudioProfile() AudioProfile {
	return AudioProfile{
		Codec:      DefaultCodec,
		Format:     DefaultFormat,
		Channels:   DefaultChannels,
		SampleRate: DefaultSampleRate,
		Bitrate:    DefaultBitrate,
	}
}

// ProfileFromConfig applies the configured constants to the default profile.
func ProfileFromConfig(cfg config.FFmpegConfig) AudioProfile {
	p := DefaultAudioProfile()
	if cfg.Channels > 0 {
		p.Channels = cfg.Channels
	}
	if cfg.SampleRate > 0 {
		p.SampleRate = cfg.SampleRate
	}
	if cfg.Bitrate != "" {
		p.Bitrate = cfg.Bitrate
	}
	return p
}

// Validate checks the profile constants.
func (p AudioProfile) Validate() error {
	var errs []error
	if p.Codec == "" {
		errs = append(errs, errors.New("codec is required"))
	}
	if p.Format == "" {
		errs = append(errs, errors.New("format is required"))
	}
	if p.Channels < 1 {
		errs = append(errs, fmt.Errorf("channels must be at least 1, got %d", p.Channels))
	}
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", p.SampleRate))
	}
	if !bitrateRegex.MatchString(p.Bitrate) {
		errs = append(errs, fmt.Errorf("invalid bitrate %q", p.Bitrate))
	}
	return errors.Join(errs...)
}

// ContentType is the MIME type of the produced artifact.
func (p AudioProfile) ContentType() string {
	return "audio/mpeg"
}

// Extension is the file extension of the produced artifact.
func (p AudioProfile) Extension() string {
	return ".mp3"
}

// Builder returns a command builder reading stdin and writing this profile
// to stdout.
func (p AudioProfile) Builder(binary string) *CommandBuilder {
	return NewCommandBuilder(binary).
		HideBanner().
		LogLevel("error").
		Input(PipeInput).
		NoVideo().
		AudioChannels(p.Channels).
		AudioSampleRate(p.SampleRate).
		AudioCodec(p.Codec).
		AudioBitrate(p.Bitrate).
		Format(p.Format).
		Output(PipeOutput)
}

// Args returns the ffmpeg arguments for this profile.
func (p AudioProfile) Args() []string {
	return p.Builder("ffmpeg").Build().Args
}
