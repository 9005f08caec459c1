// Package transcode streams a single-pass source through an external
// transcoding process into a destination sink. Ingest, transcode and egress run
// concurrently; the first failure tears down all three and the destination is
// never committed.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/vidtap/internal/config"
	"github.com/jmylchreest/vidtap/internal/ffmpeg"
	"github.com/jmylchreest/vidtap/internal/metrics"
	"github.com/jmylchreest/vidtap/internal/observability"
	"github.com/jmylchreest/vidtap/internal/storage"
)

const (
	defaultBufferSize = 64 * 1024
	defaultQueueDepth = 16
)

// Process is a running transcoder reading stdin and writing stdout.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	// Diagnostics returns recent stderr lines. They are for logs only.
	Diagnostics() []string
	Wait() error
	Kill() error
	// Close releases the caller's ends of the stdio pipes.
	Close() error
}

// Transcoder starts processes. The process must be killed when ctx is done.
type Transcoder interface {
	Start(ctx context.Context) (Process, error)
}

// Options bound the memory each pipeline holds.
type Options struct {
	IngestBufferSize int
	EgressBufferSize int
	// EgressQueueDepth is the number of output chunks buffered between the
	// process and a slow destination.
	EgressQueueDepth int
}

// DefaultOptions returns 64KiB buffers and a 16 chunk egress queue.
func DefaultOptions() Options {
	return Options{
		IngestBufferSize: defaultBufferSize,
		EgressBufferSize: defaultBufferSize,
		EgressQueueDepth: defaultQueueDepth,
	}
}

// OptionsFromConfig converts the pipeline config section into Options.
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		IngestBufferSize: cfg.IngestBufferSize.Int(),
		EgressBufferSize: cfg.EgressBufferSize.Int(),
		EgressQueueDepth: cfg.EgressQueueDepth,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.IngestBufferSize <= 0 {
		o.IngestBufferSize = defaultBufferSize
	}
	if o.EgressBufferSize <= 0 {
		o.EgressBufferSize = defaultBufferSize
	}
	if o.EgressQueueDepth <= 0 {
		o.EgressQueueDepth = defaultQueueDepth
	}
	return o
}

// Request is one pipeline invocation. Run always closes Source.
type Request struct {
	Source    io.ReadCloser
	SourceURI string

	Sink        storage.Sink
	Destination storage.Location
	ContentType string
	Metadata    map[string]string
}

// Pipeline runs requests through a Transcoder. It is safe for concurrent use;
// admission is the caller's concern.
type Pipeline struct {
	transcoder Transcoder
	opts       Options
	logger     *slog.Logger
}

// New creates a Pipeline.
func New(transcoder Transcoder, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		transcoder: transcoder,
		opts:       opts.withDefaults(),
		logger:     observability.WithComponent(logger, "pipeline"),
	}
}

// readError marks a failure on the source side of the ingest copy.
type readError struct{ err error }

func (e *readError) Error() string { return e.err.Error() }

// Run streams req.Source through a new transcoder process into
// req.Destination and returns the committed object. On failure exactly one of
// *IngestError, *TranscodeError or *EgressError is returned, or the context
// error when ctx ended first. Nothing is committed on failure and the process
// has been reaped when Run returns.
func (p *Pipeline) Run(ctx context.Context, req Request) (*storage.ObjectInfo, error) {
	if req.Source == nil {
		return nil, errors.New("transcode: request has no source")
	}
	defer func() { _ = req.Source.Close() }()
	if req.Sink == nil {
		return nil, errors.New("transcode: request has no sink")
	}

	src, dst := req.SourceURI, req.Destination.String()
	logger := p.logger.With(slog.String("source", src), slog.String("destination", dst))
	start := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	w, err := req.Sink.OpenWriter(gctx, req.Destination, storage.WriteOptions{
		ContentType: req.ContentType,
		Metadata:    maps.Clone(req.Metadata),
	})
	if err != nil {
		return nil, &EgressError{Destination: dst, Err: err}
	}

	proc, err := p.transcoder.Start(gctx)
	if err != nil {
		_ = w.Abort(err)
		return nil, &TranscodeError{Source: src, Destination: dst, ExitCode: -1, Err: err}
	}

	// Force-close the blocking ends as soon as any leg fails.
	legsDone := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-gctx.Done():
			_ = proc.Kill()
			_ = req.Source.Close()
		case <-legsDone:
		}
	}()

	// The first leg failure decides the error. It is replaced by the caller's
	// context error only when ctx had already ended at that point.
	var (
		failOnce      sync.Once
		firstErr      error
		ctxEndedFirst bool
	)
	leg := func(f func() error) func() error {
		return func() error {
			err := f()
			if err != nil {
				failOnce.Do(func() {
					firstErr = err
					ctxEndedFirst = ctx.Err() != nil
				})
			}
			return err
		}
	}

	var (
		stdinDone = make(chan struct{}) // every source byte was handed to the process
		exited    = make(chan struct{}) // process reaped, waitErr set
		waitErr   error
		ingested  int64
		egressed  int64
	)

	g.Go(leg(func() error {
		n, err := p.ingest(gctx, req.Source, proc.Stdin())
		ingested = n
		if err == nil {
			close(stdinDone)
			return nil
		}
		var rerr *readError
		if errors.As(err, &rerr) {
			return &IngestError{Source: src, Err: rerr.err}
		}
		// The process stopped reading; its exit status decides.
		<-exited
		if waitErr != nil {
			return nil
		}
		return &IngestError{Source: src, Err: fmt.Errorf("transcoder stopped reading input: %w", err)}
	}))

	g.Go(leg(func() error {
		waitErr = proc.Wait()
		close(exited)
		if waitErr != nil {
			return &TranscodeError{
				Source:      src,
				Destination: dst,
				ExitCode:    ffmpeg.ExitCode(waitErr),
				Diagnostics: proc.Diagnostics(),
				Err:         waitErr,
			}
		}
		return nil
	}))

	free := make(chan []byte, p.opts.EgressQueueDepth+2)
	for range cap(free) {
		free <- make([]byte, p.opts.EgressBufferSize)
	}
	chunks := make(chan []byte, p.opts.EgressQueueDepth)

	g.Go(leg(func() error {
		if err := p.readOutput(gctx, proc.Stdout(), free, chunks); err != nil {
			return &EgressError{Destination: dst, Err: fmt.Errorf("reading transcoder output: %w", err)}
		}
		return nil
	}))

	g.Go(leg(func() error {
		n, err := p.writeOutput(gctx, chunks, free, w)
		egressed = n
		if err != nil {
			return &EgressError{Destination: dst, Err: err}
		}
		for _, done := range []<-chan struct{}{exited, stdinDone} {
			select {
			case <-done:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		if waitErr != nil || gctx.Err() != nil {
			return gctx.Err()
		}
		if err := w.Close(); err != nil {
			return &EgressError{Destination: dst, Err: fmt.Errorf("committing object: %w", err)}
		}
		return nil
	}))

	_ = g.Wait()
	err = firstErr
	close(legsDone)
	<-watcherDone
	_ = proc.Close()

	metrics.AddPipelineBytes(metrics.LegIngest, ingested)
	metrics.AddPipelineBytes(metrics.LegEgress, egressed)

	attrs := []any{
		slog.Int64("bytes_in", ingested),
		slog.Int64("bytes_out", egressed),
		slog.Duration("duration", time.Since(start)),
	}
	if ps, ok := proc.(interface{ ProcessStats() *ffmpeg.ProcessStats }); ok {
		if stats := ps.ProcessStats(); stats != nil {
			attrs = append(attrs, slog.Uint64("peak_rss_bytes", stats.PeakRSSBytes))
		}
	}

	if err != nil {
		if abortErr := w.Abort(err); abortErr != nil {
			logger.WarnContext(ctx, "aborting destination write failed", slog.String("error", abortErr.Error()))
		}
		if ctxEndedFirst {
			err = ctx.Err()
		}
		logger.WarnContext(ctx, "pipeline failed", append(attrs, slog.String("error", err.Error()))...)
		return nil, err
	}

	info, err := req.Sink.Stat(ctx, req.Destination)
	if err != nil {
		return nil, &EgressError{Destination: dst, Err: fmt.Errorf("stat committed object: %w", err)}
	}

	logger.InfoContext(ctx, "pipeline completed", append(attrs, slog.Int64("size", info.Size))...)
	return info, nil
}

// ingest copies src into stdin and closes stdin at EOF. Source failures are
// returned as *readError; anything else came from the process side.
func (p *Pipeline) ingest(ctx context.Context, src io.Reader, stdin io.WriteCloser) (int64, error) {
	buf := make([]byte, p.opts.IngestBufferSize)
	var total int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := stdin.Write(buf[:nr])
			total += int64(nw)
			if werr != nil {
				return total, werr
			}
			p.logger.Log(ctx, observability.LevelTrace, "ingest chunk",
				slog.Int("bytes", nw), slog.Int64("total", total))
		}
		if rerr == io.EOF {
			return total, stdin.Close()
		}
		if rerr != nil {
			return total, &readError{err: rerr}
		}
	}
}

// readOutput moves process output into chunks using buffers taken from free.
// chunks is closed only at a clean EOF.
func (p *Pipeline) readOutput(ctx context.Context, stdout io.Reader, free chan []byte, chunks chan<- []byte) error {
	for {
		var buf []byte
		select {
		case buf = <-free:
		case <-ctx.Done():
			return nil
		}

		n, err := stdout.Read(buf[:cap(buf)])
		if n > 0 {
			select {
			case chunks <- buf[:n]:
			case <-ctx.Done():
				return nil
			}
		} else {
			free <- buf
		}

		if err == io.EOF {
			close(chunks)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// writeOutput drains chunks into w until chunks is closed.
func (p *Pipeline) writeOutput(ctx context.Context, chunks <-chan []byte, free chan<- []byte, w io.Writer) (int64, error) {
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return total, nil
			}
			n, err := w.Write(chunk)
			total += int64(n)
			free <- chunk
			if err != nil {
				return total, err
			}
			p.logger.Log(ctx, observability.LevelTrace, "egress chunk",
				slog.Int("bytes", n), slog.Int64("total", total))
		}
	}
}
