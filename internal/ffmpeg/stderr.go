package ffmpeg

import (
	"bytes"
	"sync"
)

// maxLineLength caps a single buffered stderr line.
const maxLineLength = 4096

// lineRing is an io.Writer that keeps the last N complete lines written to
// it.
type lineRing struct {
	mu      sync.Mutex
	limit   int
	lines   []string
	partial []byte
	onLine  func(string)
}

func newLineRing(limit int, onLine func(string)) *lineRing {
	if limit <= 0 {
		limit = defaultStderrLines
	}
	return &lineRing{limit: limit, lines: make([]string, 0, limit), onLine: onLine}
}

func (r *lineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			r.partial = append(r.partial, p...)
			if len(r.partial) > maxLineLength {
				r.push(string(r.partial))
				r.partial = r.partial[:0]
			}
			break
		}
		r.partial = append(r.partial, p[:i]...)
		r.push(string(bytes.TrimRight(r.partial, "\r")))
		r.partial = r.partial[:0]
		p = p[i+1:]
	}
	return n, nil
}

func (r *lineRing) push(line string) {
	if line == "" {
		return
	}
	if len(r.lines) >= r.limit {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:len(r.lines)-1]
	}
	r.lines = append(r.lines, line)
	if r.onLine != nil {
		r.onLine(line)
	}
}

// Lines returns a copy of the retained lines, including an unterminated
// trailing line.
func (r *lineRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.lines)+1)
	out = append(out, r.lines...)
	if len(r.partial) > 0 {
		out = append(out, string(r.partial))
	}
	return out
}
