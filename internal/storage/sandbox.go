package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox confines file locations to a base directory. A sandbox with an
// empty base accepts any absolute path.
type Sandbox struct {
	baseDir string
}

// NewSandbox creates a Sandbox rooted at baseDir, creating the directory if
// it doesn't exist.
func NewSandbox(baseDir string) (*Sandbox, error) {
	if baseDir == "" {
		return &Sandbox{}, nil
	}

	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}
	return &Sandbox{baseDir: absPath}, nil
}

// BaseDir returns the absolute sandbox base, or "" when unconfined.
func (s *Sandbox) BaseDir() string {
	return s.baseDir
}

// ResolvePath cleans an absolute path and checks that it stays within the
// sandbox.
func (s *Sandbox) ResolvePath(p string) (string, error) {
	if !filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: %s is not absolute", ErrInvalidLocation, p)
	}
	clean := filepath.Clean(p)
	if s.baseDir == "" {
		return clean, nil
	}
	if clean != s.baseDir && !strings.HasPrefix(clean, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrUnauthorized, p, s.baseDir)
	}
	return clean, nil
}
