package storage

import (
	"errors"
	"io"
	"sync"
)

var errWriteAborted = errors.New("write aborted")

// pipeWriter adapts an SDK upload call that consumes an io.Reader into an
// ObjectWriter. The upload runs in its own goroutine for the writer's
// lifetime; it sees EOF on Close and an error on Abort.
type pipeWriter struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error

	mu     sync.Mutex
	closed bool
}

func newPipeWriter(upload func(body io.Reader) error) *pipeWriter {
	pr, pw := io.Pipe()
	w := &pipeWriter{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		err := upload(pr)
		// Unblocks writers once the uploader stops reading.
		if err != nil {
			_ = pr.CloseWithError(err)
		} else {
			_ = pr.Close()
		}
		w.err = err
	}()
	return w
}

func (w *pipeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return 0, ErrWriterClosed
	}
	return w.pw.Write(p)
}

func (w *pipeWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.closed = true
	w.mu.Unlock()

	_ = w.pw.Close()
	<-w.done
	return w.err
}

func (w *pipeWriter) Abort(cause error) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if cause == nil {
		cause = errWriteAborted
	}
	_ = w.pw.CloseWithError(cause)
	<-w.done
	return nil
}
