package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultStderrLines = 100
	// waitDelay bounds how long Wait lingers on stderr after the process
	// exits, in case a grandchild inherited it.
	waitDelay = 5 * time.Second
)

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary      string
	globalArgs  []string
	inputArgs   []string
	input       string
	outputArgs  []string
	output      string
	logLevel    string
	stderrLines int
	monitor     time.Duration
	logger      *slog.Logger
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:      ffmpegPath,
		logLevel:    "error",
		stderrLines: defaultStderrLines,
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner suppresses the version banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arguments placed before -i.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// NoVideo drops every video stream.
func (b *CommandBuilder) NoVideo() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-vn")
	return b
}

// AudioCodec sets the audio encoder.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// AudioChannels sets the number of audio channels.
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// AudioSampleRate sets the audio sample rate in Hz.
func (b *CommandBuilder) AudioSampleRate(rate int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ar", strconv.Itoa(rate))
	return b
}

// Format sets the output container format.
func (b *CommandBuilder) Format(format string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-f", format)
	return b
}

// OutputArgs adds output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// StderrLines sets how many recent stderr lines are retained.
func (b *CommandBuilder) StderrLines(n int) *CommandBuilder {
	if n > 0 {
		b.stderrLines = n
	}
	return b
}

// Monitor enables resource sampling of the process at the given interval.
func (b *CommandBuilder) Monitor(interval time.Duration) *CommandBuilder {
	b.monitor = interval
	return b
}

// Logger makes every stderr line also go to logger at debug level.
func (b *CommandBuilder) Logger(logger *slog.Logger) *CommandBuilder {
	b.logger = logger
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	var args []string
	args = append(args, b.globalArgs...)
	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	var onLine func(string)
	if b.logger != nil {
		logger := b.logger
		onLine = func(line string) {
			logger.Debug("ffmpeg stderr", slog.String("line", line))
		}
	}

	return &Command{
		Binary:          b.binary,
		Args:            args,
		stderr:          newLineRing(b.stderrLines, onLine),
		monitorInterval: b.monitor,
	}
}

// Command is an ffmpeg invocation whose stdin and stdout are pipes owned by
// the caller.
type Command struct {
	Binary string
	Args   []string

	mu      sync.RWMutex
	cmd     *exec.Cmd
	started time.Time
	stdin   *os.File
	stdout  *os.File

	stderr          *lineRing
	monitorInterval time.Duration
	monitor         *ProcessMonitor

	waitOnce sync.Once
	waitErr  error
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// StartPiped starts the process with stdin and stdout connected to pipes.
// The process is killed if ctx is cancelled before it exits.
func (c *Command) StartPiped(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return errors.New("command already started")
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = c.stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{inR, inW, outR, outW} {
			_ = f.Close()
		}
		return fmt.Errorf("starting %s: %w", c.Binary, err)
	}

	// The child holds its own copies; ours would keep the pipes open.
	_ = inR.Close()
	_ = outW.Close()

	c.cmd = cmd
	c.started = time.Now()
	c.stdin = inW
	c.stdout = outR

	if c.monitorInterval > 0 {
		c.monitor = NewProcessMonitor(cmd.Process.Pid, c.monitorInterval)
		c.monitor.Start()
	}
	return nil
}

// Stdin returns the write end of the process's stdin.
func (c *Command) Stdin() io.WriteCloser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stdin
}

// Stdout returns the read end of the process's stdout.
func (c *Command) Stdout() io.ReadCloser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stdout
}

// Wait waits for the process to exit. It is safe to call more than once.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil {
		return errors.New("command not started")
	}

	c.waitOnce.Do(func() {
		c.waitErr = cmd.Wait()
		c.mu.RLock()
		monitor := c.monitor
		c.mu.RUnlock()
		if monitor != nil {
			monitor.Stop()
		}
	})
	return c.waitErr
}

// Kill terminates the FFmpeg process if it is still running.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Close releases the parent's pipe ends.
func (c *Command) Close() error {
	c.mu.RLock()
	stdin, stdout := c.stdin, c.stdout
	c.mu.RUnlock()

	var errs []error
	for _, f := range []*os.File{stdin, stdout} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PID returns the process id, or 0 before start.
func (c *Command) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// Diagnostics returns the most recent stderr lines.
func (c *Command) Diagnostics() []string {
	return c.stderr.Lines()
}

// ProcessStats returns the latest resource sample, or nil when monitoring
// is off.
func (c *Command) ProcessStats() *ProcessStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.monitor == nil {
		return nil
	}
	stats := c.monitor.Stats()
	return &stats
}

// ExitCode extracts the process exit code from a Wait error. Any error in the
// chain with an ExitCode method counts, *exec.ExitError included. It returns
// -1 when the process was killed by a signal or the code is unknown, and 0
// for a nil error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
