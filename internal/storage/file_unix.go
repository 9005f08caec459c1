//go:build !windows

package storage

import (
	"path/filepath"

	"github.com/google/renameio/v2"
)

const filePerm = 0o640

// renamePending commits with fsync and an atomic rename.
type renamePending struct {
	f *renameio.PendingFile
}

func newPendingFile(path string) (pendingFile, error) {
	f, err := renameio.NewPendingFile(path,
		renameio.WithTempDir(filepath.Dir(path)),
		renameio.WithPermissions(filePerm),
	)
	if err != nil {
		return nil, err
	}
	return &renamePending{f: f}, nil
}

func (p *renamePending) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

func (p *renamePending) Commit() error {
	return p.f.CloseAtomicallyReplace()
}

func (p *renamePending) Discard() error {
	return p.f.Cleanup()
}

func writeFileAtomic(path string, data []byte) error {
	return renameio.WriteFile(path, data, filePerm, renameio.WithTempDir(filepath.Dir(path)))
}
