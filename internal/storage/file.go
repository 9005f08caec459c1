package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"syscall"
)

const metaSuffix = ".meta.json"

// FileStore serves file:// locations from the local filesystem. Objects are
// written to a pending file beside the target and renamed into place on
// commit. Content type and metadata live in a hidden sidecar next to the
// object.
type FileStore struct {
	sandbox *Sandbox
}

// NewFileStore creates a store confined to root. An empty root allows any
// absolute path.
func NewFileStore(root string) (*FileStore, error) {
	sb, err := NewSandbox(root)
	if err != nil {
		return nil, err
	}
	return &FileStore{sandbox: sb}, nil
}

type fileMeta struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func sidecarPath(p string) string {
	return filepath.Join(filepath.Dir(p), "."+filepath.Base(p)+metaSuffix)
}

func mapFileError(op string, loc Location, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s %s: %w", op, loc, ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s %s: %w: %v", op, loc, ErrUnauthorized, err)
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%s %s: %w: %v", op, loc, ErrQuotaExceeded, err)
	default:
		return fmt.Errorf("%s %s: %w", op, loc, err)
	}
}

func (s *FileStore) info(loc Location, p string, fi os.FileInfo) ObjectInfo {
	info := ObjectInfo{
		URI:          loc.String(),
		Name:         filepath.Base(p),
		Parent:       filepath.Dir(p),
		Size:         fi.Size(),
		ContentType:  mime.TypeByExtension(filepath.Ext(p)),
		LastModified: fi.ModTime().UTC(),
	}
	if raw, err := os.ReadFile(sidecarPath(p)); err == nil {
		var meta fileMeta
		if json.Unmarshal(raw, &meta) == nil {
			if meta.ContentType != "" {
				info.ContentType = meta.ContentType
			}
			info.Metadata = meta.Metadata
		}
	}
	return info
}

// Open implements SourceProvider.
func (s *FileStore) Open(_ context.Context, loc Location) (*Source, error) {
	p, err := s.sandbox.ResolvePath(loc.Key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, mapFileError("open", loc, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, mapFileError("stat", loc, err)
	}
	if fi.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("open %s: %w: is a directory", loc, ErrInvalidLocation)
	}
	return &Source{Body: f, Info: s.info(loc, p, fi)}, nil
}

// Exists implements Sink.
func (s *FileStore) Exists(ctx context.Context, loc Location) (bool, error) {
	_, err := s.Stat(ctx, loc)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Stat implements Sink.
func (s *FileStore) Stat(_ context.Context, loc Location) (*ObjectInfo, error) {
	p, err := s.sandbox.ResolvePath(loc.Key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, mapFileError("stat", loc, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("stat %s: %w: is a directory", loc, ErrInvalidLocation)
	}
	info := s.info(loc, p, fi)
	return &info, nil
}

// OpenWriter implements Sink.
func (s *FileStore) OpenWriter(_ context.Context, loc Location, opts WriteOptions) (ObjectWriter, error) {
	p, err := s.sandbox.ResolvePath(loc.Key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return nil, mapFileError("mkdir", loc, err)
	}

	pending, err := newPendingFile(p)
	if err != nil {
		return nil, mapFileError("create", loc, err)
	}
	return &fileWriter{loc: loc, path: p, opts: opts, pending: pending}, nil
}

// pendingFile is a temporary file that replaces its target on commit.
type pendingFile interface {
	Write(p []byte) (int, error)
	Commit() error
	Discard() error
}

type fileWriter struct {
	loc     Location
	path    string
	opts    WriteOptions
	pending pendingFile
	done    bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrWriterClosed
	}
	n, err := w.pending.Write(p)
	if err != nil {
		return n, mapFileError("write", w.loc, err)
	}
	return n, nil
}

func (w *fileWriter) Close() error {
	if w.done {
		return ErrWriterClosed
	}
	w.done = true

	if w.opts.ContentType != "" || len(w.opts.Metadata) > 0 {
		raw, err := json.Marshal(fileMeta{ContentType: w.opts.ContentType, Metadata: w.opts.Metadata})
		if err != nil {
			_ = w.pending.Discard()
			return fmt.Errorf("encode metadata for %s: %w", w.loc, err)
		}
		if err := writeFileAtomic(sidecarPath(w.path), raw); err != nil {
			_ = w.pending.Discard()
			return mapFileError("write metadata", w.loc, err)
		}
	}

	if err := w.pending.Commit(); err != nil {
		return mapFileError("commit", w.loc, err)
	}
	return nil
}

func (w *fileWriter) Abort(error) error {
	if w.done {
		return nil
	}
	w.done = true
	return w.pending.Discard()
}
