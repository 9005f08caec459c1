package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore is an in-process object store served under mem://. Objects only
// become visible when their writer is closed.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
}

type memoryObject struct {
	data []byte
	info ObjectInfo
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*memoryObject)}
}

func memoryKey(loc Location) string {
	return loc.Bucket + "/" + loc.Key
}

// Put stores data directly, bypassing the writer.
func (s *MemoryStore) Put(loc Location, data []byte, opts WriteOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[memoryKey(loc)] = &memoryObject{
		data: bytes.Clone(data),
		info: s.info(loc, int64(len(data)), opts),
	}
}

// Get returns a copy of a committed object's bytes.
func (s *MemoryStore) Get(loc Location) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[memoryKey(loc)]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// Len returns the number of committed objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *MemoryStore) info(loc Location, size int64, opts WriteOptions) ObjectInfo {
	return ObjectInfo{
		URI:          loc.String(),
		Name:         loc.Name(),
		Parent:       loc.Parent(),
		Size:         size,
		ContentType:  opts.ContentType,
		LastModified: time.Now().UTC(),
		Metadata:     copyMetadata(opts.Metadata),
	}
}

// Open implements SourceProvider.
func (s *MemoryStore) Open(_ context.Context, loc Location) (*Source, error) {
	s.mu.RLock()
	obj, ok := s.objects[memoryKey(loc)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("open %s: %w", loc, ErrNotFound)
	}
	return &Source{
		Body: io.NopCloser(bytes.NewReader(obj.data)),
		Info: obj.info,
	}, nil
}

// Exists implements Sink.
func (s *MemoryStore) Exists(_ context.Context, loc Location) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[memoryKey(loc)]
	return ok, nil
}

// Stat implements Sink.
func (s *MemoryStore) Stat(_ context.Context, loc Location) (*ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[memoryKey(loc)]
	if !ok {
		return nil, fmt.Errorf("stat %s: %w", loc, ErrNotFound)
	}
	info := obj.info
	info.Metadata = copyMetadata(obj.info.Metadata)
	return &info, nil
}

// OpenWriter implements Sink.
func (s *MemoryStore) OpenWriter(_ context.Context, loc Location, opts WriteOptions) (ObjectWriter, error) {
	return &memoryWriter{store: s, loc: loc, opts: opts}, nil
}

type memoryWriter struct {
	store *MemoryStore
	loc   Location
	opts  WriteOptions

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWriterClosed
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	w.store.Put(w.loc, w.buf.Bytes(), w.opts)
	w.buf.Reset()
	return nil
}

func (w *memoryWriter) Abort(error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.buf.Reset()
	return nil
}
