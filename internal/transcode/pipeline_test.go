package transcode

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vidtap/internal/config"
	"github.com/jmylchreest/vidtap/internal/ffmpeg"
	"github.com/jmylchreest/vidtap/internal/storage"
)

const sourceURI = "mem://in/clips/talk.mp4"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func destination(t *testing.T) storage.Location {
	t.Helper()
	loc, err := storage.ParseLocation("mem://out/audio/talk.mp3")
	require.NoError(t, err)
	return loc
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestPipeline_PreservesBytesInOrder(t *testing.T) {
	payload := randomBytes(t, 10*1024*1024)
	src := newTrackedSource(&chunkReader{r: bytes.NewReader(payload), size: 64 * 1024, delay: 200 * time.Microsecond})
	store := storage.NewMemoryStore()
	tr := &fakeTranscoder{behave: prefixMarker}
	dst := destination(t)

	p := New(tr, DefaultOptions(), testLogger())
	info, err := p.Run(context.Background(), Request{
		Source:      src,
		SourceURI:   sourceURI,
		Sink:        store,
		Destination: dst,
		ContentType: "audio/mpeg",
		Metadata:    map[string]string{"source-uri": sourceURI},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(len(payload)+len(marker)), info.Size)
	assert.Equal(t, "audio/mpeg", info.ContentType)
	assert.Equal(t, sourceURI, info.Metadata["source-uri"])

	got, ok := store.Get(dst)
	require.True(t, ok)
	assert.True(t, bytes.Equal(append(append([]byte{}, marker...), payload...), got), "output differs from marker+payload")
	assert.True(t, src.closed.Load())
}

func TestPipeline_SmallBuffersStillExact(t *testing.T) {
	payload := randomBytes(t, 300*1024)
	store := storage.NewMemoryStore()
	dst := destination(t)

	p := New(&fakeTranscoder{behave: prefixMarker}, Options{
		IngestBufferSize: 1024,
		EgressBufferSize: 512,
		EgressQueueDepth: 1,
	}, testLogger())

	info, err := p.Run(context.Background(), Request{
		Source:      io.NopCloser(bytes.NewReader(payload)),
		SourceURI:   sourceURI,
		Sink:        store,
		Destination: dst,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)+len(marker)), info.Size)

	got, _ := store.Get(dst)
	assert.True(t, bytes.Equal(payload, got[len(marker):]))
}

func TestPipeline_SourceErrorNeverFinalizes(t *testing.T) {
	errBoom := errors.New("connection reset by peer")
	src := newTrackedSource(failAfter(randomBytes(t, 1024*1024), errBoom))
	store := storage.NewMemoryStore()
	tr := &fakeTranscoder{behave: prefixMarker}
	dst := destination(t)

	_, err := New(tr, DefaultOptions(), testLogger()).Run(context.Background(), Request{
		Source:      src,
		SourceURI:   sourceURI,
		Sink:        store,
		Destination: dst,
	})

	var ingestErr *IngestError
	require.ErrorAs(t, err, &ingestErr)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, sourceURI, ingestErr.Source)

	exists, _ := store.Exists(context.Background(), dst)
	assert.False(t, exists, "destination must not be committed")
	assert.Equal(t, 0, store.Len())

	procs := tr.started()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].wasKilled())
	select {
	case <-procs[0].exited():
	default:
		t.Fatal("process was not reaped")
	}
	assert.True(t, src.closed.Load())
}

func TestPipeline_NonZeroExit(t *testing.T) {
	src := newTrackedSource(&chunkReader{r: bytes.NewReader(randomBytes(t, 4*1024*1024)), size: 64 * 1024})
	sink := &failingSink{MemoryStore: storage.NewMemoryStore(), limit: 1 << 30}
	tr := &fakeTranscoder{
		behave: func(stdin io.Reader, stdout io.Writer) error {
			_, _ = io.CopyN(io.Discard, stdin, 128*1024)
			_, _ = stdout.Write(marker)
			return exitError{code: 1}
		},
		diagnostics: []string{"pipe:0: Invalid data found when processing input"},
	}
	dst := destination(t)

	start := time.Now()
	_, err := New(tr, DefaultOptions(), testLogger()).Run(context.Background(), Request{
		Source:      src,
		SourceURI:   sourceURI,
		Sink:        sink,
		Destination: dst,
	})
	assert.Less(t, time.Since(start), 5*time.Second)

	var tcErr *TranscodeError
	require.ErrorAs(t, err, &tcErr)
	assert.Equal(t, 1, tcErr.ExitCode)
	assert.Equal(t, []string{"pipe:0: Invalid data found when processing input"}, tcErr.Diagnostics)
	assert.Equal(t, sourceURI, tcErr.Source)
	assert.Equal(t, dst.String(), tcErr.Destination)
	assert.Contains(t, err.Error(), "Invalid data found")

	assert.True(t, sink.aborted.Load(), "destination writer must be aborted")
	assert.Equal(t, 0, sink.Len())
	assert.True(t, src.closed.Load())
}

func TestPipeline_TranscoderStopsReadingWithSuccess(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := &fakeTranscoder{
		behave: func(_ io.Reader, stdout io.Writer) error {
			_, err := stdout.Write(marker)
			return err
		},
	}

	_, err := New(tr, DefaultOptions(), testLogger()).Run(context.Background(), Request{
		Source:      io.NopCloser(bytes.NewReader(randomBytes(t, 256*1024))),
		SourceURI:   sourceURI,
		Sink:        store,
		Destination: destination(t),
	})

	var ingestErr *IngestError
	require.ErrorAs(t, err, &ingestErr)
	assert.Contains(t, err.Error(), "stopped reading")
	assert.Equal(t, 0, store.Len())
}

func TestPipeline_EgressFailureKillsProcess(t *testing.T) {
	src := newTrackedSource(&chunkReader{r: bytes.NewReader(randomBytes(t, 2*1024*1024)), size: 64 * 1024})
	sink := &failingSink{
		MemoryStore: storage.NewMemoryStore(),
		limit:       256 * 1024,
		err:         storage.ErrQuotaExceeded,
	}
	tr := &fakeTranscoder{behave: prefixMarker}
	dst := destination(t)

	_, err := New(tr, DefaultOptions(), testLogger()).Run(context.Background(), Request{
		Source:      src,
		SourceURI:   sourceURI,
		Sink:        sink,
		Destination: dst,
	})

	var egressErr *EgressError
	require.ErrorAs(t, err, &egressErr)
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)
	assert.Equal(t, dst.String(), egressErr.Destination)

	assert.True(t, sink.aborted.Load())
	assert.Equal(t, 0, sink.Len())
	procs := tr.started()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].wasKilled())
	assert.True(t, src.closed.Load())
}

func TestPipeline_LegErrorSurvivesLateCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller gives up only after the egress leg has already failed.
	sink := &failingSink{
		MemoryStore: storage.NewMemoryStore(),
		limit:       64 * 1024,
		err:         storage.ErrQuotaExceeded,
		onAbort:     cancel,
	}
	tr := &fakeTranscoder{behave: prefixMarker}

	_, err := New(tr, DefaultOptions(), testLogger()).Run(ctx, Request{
		Source:      io.NopCloser(bytes.NewReader(randomBytes(t, 1024*1024))),
		SourceURI:   sourceURI,
		Sink:        sink,
		Destination: destination(t),
	})

	var egressErr *EgressError
	require.ErrorAs(t, err, &egressErr)
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)
	assert.NotErrorIs(t, err, context.Canceled)
	assert.True(t, sink.aborted.Load())
	require.Error(t, ctx.Err())
}

func TestPipeline_OpenWriterFailure(t *testing.T) {
	src := newTrackedSource(bytes.NewReader([]byte("video")))
	sink := &failingSink{MemoryStore: storage.NewMemoryStore(), openErr: storage.ErrUnauthorized}
	tr := &fakeTranscoder{behave: prefixMarker}

	_, err := New(tr, DefaultOptions(), testLogger()).Run(context.Background(), Request{
		Source:      src,
		SourceURI:   sourceURI,
		Sink:        sink,
		Destination: destination(t),
	})

	var egressErr *EgressError
	require.ErrorAs(t, err, &egressErr)
	assert.ErrorIs(t, err, storage.ErrUnauthorized)
	assert.Empty(t, tr.started(), "no process should start without a destination")
	assert.True(t, src.closed.Load())
}

func TestPipeline_StartFailure(t *testing.T) {
	errNoBinary := errors.New("exec: \"ffmpeg\": executable file not found in $PATH")
	store := storage.NewMemoryStore()
	src := newTrackedSource(bytes.NewReader([]byte("video")))

	_, err := New(&fakeTranscoder{startErr: errNoBinary}, DefaultOptions(), testLogger()).Run(context.Background(), Request{
		Source:      src,
		SourceURI:   sourceURI,
		Sink:        store,
		Destination: destination(t),
	})

	var tcErr *TranscodeError
	require.ErrorAs(t, err, &tcErr)
	assert.ErrorIs(t, err, errNoBinary)
	assert.Equal(t, -1, tcErr.ExitCode)
	assert.Equal(t, 0, store.Len())
	assert.True(t, src.closed.Load())
}

func TestPipeline_ContextCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	src := newTrackedSource(pr)
	src.closer = pr

	store := storage.NewMemoryStore()
	tr := &fakeTranscoder{behave: prefixMarker}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := New(tr, DefaultOptions(), testLogger()).Run(ctx, Request{
		Source:      src,
		SourceURI:   sourceURI,
		Sink:        store,
		Destination: destination(t),
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, store.Len())
	assert.True(t, src.closed.Load())

	procs := tr.started()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].wasKilled())
}

func TestPipeline_RequiresSourceAndSink(t *testing.T) {
	p := New(&fakeTranscoder{behave: prefixMarker}, DefaultOptions(), testLogger())

	_, err := p.Run(context.Background(), Request{Sink: storage.NewMemoryStore()})
	assert.Error(t, err)

	src := newTrackedSource(bytes.NewReader(nil))
	_, err = p.Run(context.Background(), Request{Source: src})
	assert.Error(t, err)
	assert.True(t, src.closed.Load())
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.PipelineConfig{
		IngestBufferSize: 128 * 1024,
		EgressBufferSize: 32 * 1024,
		EgressQueueDepth: 4,
	})
	assert.Equal(t, Options{IngestBufferSize: 128 * 1024, EgressBufferSize: 32 * 1024, EgressQueueDepth: 4}, opts)
	assert.Equal(t, DefaultOptions(), OptionsFromConfig(config.PipelineConfig{}))
}

func TestErrors_Unwrap(t *testing.T) {
	cause := errors.New("cause")

	assert.ErrorIs(t, &IngestError{Source: "s", Err: cause}, cause)
	assert.ErrorIs(t, &EgressError{Destination: "d", Err: cause}, cause)

	tc := &TranscodeError{Source: "s", Destination: "d", ExitCode: 2, Diagnostics: []string{"a", "b"}, Err: cause}
	assert.ErrorIs(t, tc, cause)
	assert.Equal(t, "transcode s -> d: exit code 2: cause: b", tc.Error())
	assert.Equal(t, "a\nb", tc.DiagnosticsText())
}

func TestIntegration_FFmpegTranscoder(t *testing.T) {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	info, err := ffmpeg.NewBinaryDetector(path).Detect(context.Background())
	require.NoError(t, err)
	profile := ffmpeg.DefaultAudioProfile()
	if err := info.CheckProfile(profile); err != nil {
		t.Skipf("ffmpeg cannot run the audio profile: %v", err)
	}

	wav, err := exec.Command(path, "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=2",
		"-f", "wav", "pipe:1").Output()
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	dst := destination(t)
	p := New(NewFFmpegTranscoder(path, profile, WithStderrLines(20)), DefaultOptions(), testLogger())

	t.Run("converts", func(t *testing.T) {
		obj, err := p.Run(context.Background(), Request{
			Source:      io.NopCloser(bytes.NewReader(wav)),
			SourceURI:   sourceURI,
			Sink:        store,
			Destination: dst,
			ContentType: profile.ContentType(),
		})
		require.NoError(t, err)
		assert.Positive(t, obj.Size)
		assert.Equal(t, "audio/mpeg", obj.ContentType)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		garbage, err := storage.ParseLocation("mem://out/audio/garbage.mp3")
		require.NoError(t, err)

		_, err = p.Run(context.Background(), Request{
			Source:      io.NopCloser(bytes.NewReader(bytes.Repeat([]byte("this is not a video. "), 1024))),
			SourceURI:   "mem://in/garbage.bin",
			Sink:        store,
			Destination: garbage,
		})
		var tcErr *TranscodeError
		require.ErrorAs(t, err, &tcErr)
		assert.NotZero(t, tcErr.ExitCode)
		assert.NotEmpty(t, tcErr.Diagnostics)

		exists, _ := store.Exists(context.Background(), garbage)
		assert.False(t, exists)
	})
}
