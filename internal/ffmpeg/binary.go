// Package ffmpeg locates the ffmpeg binary, describes the audio profile it is
// run with and manages piped ffmpeg processes.
package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BinaryEnvVar overrides the ffmpeg binary location.
const BinaryEnvVar = "VIDTAP_FFMPEG_BINARY"

// ErrBinaryNotFound is returned when no ffmpeg binary can be located.
var ErrBinaryNotFound = errors.New("ffmpeg binary not found")

// BinaryInfo describes the detected ffmpeg installation.
type BinaryInfo struct {
	Path          string   `json:"path"`
	Version       string   `json:"version"`
	MajorVersion  int      `json:"major_version"`
	MinorVersion  int      `json:"minor_version"`
	BuildInfo     string   `json:"build_info,omitempty"`
	Configuration string   `json:"configuration,omitempty"`
	Encoders      []string `json:"encoders,omitempty"`
	Muxers        []string `json:"muxers,omitempty"`
}

// BinaryDetector finds ffmpeg and caches what it learns about it.
type BinaryDetector struct {
	configuredPath string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. configuredPath takes precedence over
// every other search location when set.
func NewBinaryDetector(configuredPath string) *BinaryDetector {
	return &BinaryDetector{
		configuredPath: configuredPath,
		cacheTTL:       5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect locates ffmpeg and queries its version, encoders and muxers.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	path, err := FindBinary(d.configuredPath)
	if err != nil {
		return nil, err
	}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s -version: %w", path, err)
	}
	version, err := parseVersion(string(out))
	if err != nil {
		return nil, err
	}

	info := &BinaryInfo{
		Path:          path,
		Version:       version.Full,
		MajorVersion:  version.Major,
		MinorVersion:  version.Minor,
		BuildInfo:     version.BuildInfo,
		Configuration: version.Configuration,
	}

	if out, err := exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output(); err == nil {
		info.Encoders = parseEncoders(string(out))
	}
	if out, err := exec.CommandContext(ctx, path, "-hide_banner", "-muxers").Output(); err == nil {
		info.Muxers = parseMuxers(string(out))
	}

	return info, nil
}

// FindBinary resolves the ffmpeg binary. Search order: configured path,
// VIDTAP_FFMPEG_BINARY, ./ffmpeg, PATH.
func FindBinary(configured string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		if path, err := exec.LookPath(configured); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("%w: configured path %s is not executable", ErrBinaryNotFound, configured)
	}

	if envPath := os.Getenv(BinaryEnvVar); envPath != "" && isExecutable(envPath) {
		return envPath, nil
	}

	if isExecutable("./ffmpeg") {
		return "./ffmpeg", nil
	}

	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path, nil
	}

	return "", ErrBinaryNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

type versionInfo struct {
	Full          string
	Major         int
	Minor         int
	BuildInfo     string
	Configuration string
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// parseVersion reads `ffmpeg -version` output. Version strings come as
// "6.0", "n6.0-2-g..." or git snapshots such as "N-111111-g...".
func parseVersion(output string) (*versionInfo, error) {
	info := &versionInfo{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				info.Full = parts[2]
				if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
					info.Major, _ = strconv.Atoi(m[1])
					info.Minor, _ = strconv.Atoi(m[2])
				}
			}
		case strings.HasPrefix(line, "built with"):
			info.BuildInfo = strings.TrimPrefix(line, "built with ")
		case strings.HasPrefix(line, "configuration:"):
			info.Configuration = strings.TrimSpace(strings.TrimPrefix(line, "configuration:"))
		}
	}

	if info.Full == "" {
		return nil, errors.New("failed to parse ffmpeg version")
	}
	return info, nil
}

// parseEncoders reads `ffmpeg -encoders` output. Entries follow a dashed
// separator and look like " A....D libmp3lame  libmp3lame MP3 ...".
func parseEncoders(output string) []string {
	var encoders []string
	inList := false
	for _, line := range strings.Split(output, "\n") {
		if isSeparator(line) {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		switch fields[0][0] {
		case 'V', 'A', 'S':
			encoders = append(encoders, fields[1])
		}
	}
	return encoders
}

// isSeparator reports a line made only of dashes, which ends the legend in
// -encoders and -muxers output.
func isSeparator(line string) bool {
	line = strings.TrimSpace(line)
	return len(line) >= 2 && strings.Trim(line, "-") == ""
}

// parseMuxers reads `ffmpeg -muxers` output. Entries follow a dashed separator
// and look like "  E mp3  MP3 (MPEG audio layer 3)"; one entry may name
// several formats separated by commas.
func parseMuxers(output string) []string {
	var muxers []string
	inList := false
	for _, line := range strings.Split(output, "\n") {
		if isSeparator(line) {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[0], "E") {
			continue
		}
		for name := range strings.SplitSeq(fields[1], ",") {
			if name != "" {
				muxers = append(muxers, name)
			}
		}
	}
	return muxers
}

// HasEncoder returns true if the encoder is available.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// HasMuxer returns true if the output format is available.
func (info *BinaryInfo) HasMuxer(name string) bool {
	return slices.Contains(info.Muxers, name)
}

// SupportsMinVersion returns true if the version meets the minimum. Git
// snapshot builds report 0.0 and are treated as new enough.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion == 0 && info.MinorVersion == 0 {
		return true
	}
	if info.MajorVersion > major {
		return true
	}
	return info.MajorVersion == major && info.MinorVersion >= minor
}

// CheckProfile reports what the binary lacks to run p.
func (info *BinaryInfo) CheckProfile(p AudioProfile) error {
	var errs []error
	if !info.HasEncoder(p.Codec) {
		errs = append(errs, fmt.Errorf("encoder %s not available", p.Codec))
	}
	if !info.HasMuxer(p.Format) {
		errs = append(errs, fmt.Errorf("muxer %s not available", p.Format))
	}
	return errors.Join(errs...)
}

// JSON returns the binary info as an indented JSON string.
func (info *BinaryInfo) JSON() string {
	data, _ := json.MarshalIndent(info, "", "  ")
	return string(data)
}
