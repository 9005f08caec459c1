package admission

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// MemoryReader reports resident memory in bytes.
type MemoryReader interface {
	ResidentMemory() (uint64, error)
}

// MemoryFunc adapts a function to MemoryReader.
type MemoryFunc func() (uint64, error)

// ResidentMemory implements MemoryReader.
func (f MemoryFunc) ResidentMemory() (uint64, error) {
	return f()
}

// ProcessMemory samples the RSS of this process, and optionally of its child
// processes (the running ffmpeg instances).
type ProcessMemory struct {
	proc            *process.Process
	includeChildren bool
	children        func() ([]*process.Process, error)
	logger          *slog.Logger
}

// NewProcessMemory creates a sampler for the current process.
func NewProcessMemory(includeChildren bool) (*ProcessMemory, error) {
	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // PIDs fit in int32
	if err != nil {
		return nil, fmt.Errorf("opening own process: %w", err)
	}
	return &ProcessMemory{
		proc:            proc,
		includeChildren: includeChildren,
		children:        proc.Children,
		logger:          slog.Default().With(slog.String("component", "admission")),
	}, nil
}

// ResidentMemory implements MemoryReader. A failure to list children still
// reports the process's own RSS.
func (m *ProcessMemory) ResidentMemory() (uint64, error) {
	info, err := m.proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("reading memory info: %w", err)
	}
	rss := info.RSS

	if !m.includeChildren {
		return rss, nil
	}

	children, err := m.children()
	if err != nil {
		m.logger.Debug("listing child processes failed", slog.String("error", err.Error()))
		return rss, nil
	}
	for _, child := range children {
		// Children may exit between listing and sampling.
		if childInfo, err := child.MemoryInfo(); err == nil {
			rss += childInfo.RSS
		}
	}
	return rss, nil
}
