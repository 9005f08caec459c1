//go:build windows

package storage

import (
	"os"
	"path/filepath"
)

type tempPending struct {
	f      *os.File
	target string
}

func newPendingFile(path string) (pendingFile, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &tempPending{f: f, target: path}, nil
}

func (p *tempPending) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

func (p *tempPending) Commit() error {
	if err := p.f.Sync(); err != nil {
		_ = p.Discard()
		return err
	}
	if err := p.f.Close(); err != nil {
		_ = os.Remove(p.f.Name())
		return err
	}
	if err := os.Rename(p.f.Name(), p.target); err != nil {
		_ = os.Remove(p.f.Name())
		return err
	}
	return nil
}

func (p *tempPending) Discard() error {
	_ = p.f.Close()
	err := os.Remove(p.f.Name())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func writeFileAtomic(path string, data []byte) error {
	p, err := newPendingFile(path)
	if err != nil {
		return err
	}
	if _, err := p.Write(data); err != nil {
		_ = p.Discard()
		return err
	}
	return p.Commit()
}
