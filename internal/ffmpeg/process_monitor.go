package ffmpeg

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a resource sample of a running ffmpeg process.
type ProcessStats struct {
	PID          int           `json:"pid"`
	RSSBytes     uint64        `json:"rss_bytes"`
	PeakRSSBytes uint64        `json:"peak_rss_bytes"`
	CPUUser      time.Duration `json:"cpu_user"`
	CPUSystem    time.Duration `json:"cpu_system"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Samples      int           `json:"samples"`
}

// ProcessMonitor samples memory and CPU time of a process until stopped.
type ProcessMonitor struct {
	pid       int
	interval  time.Duration
	startedAt time.Time

	mu      sync.RWMutex
	stats   ProcessStats
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a monitor for pid. It samples once per interval
// after Start.
func NewProcessMonitor(pid int, interval time.Duration) *ProcessMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &ProcessMonitor{
		pid:       pid,
		interval:  interval,
		startedAt: now,
		stats:     ProcessStats{PID: pid, StartedAt: now},
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins sampling in the background.
func (pm *ProcessMonitor) Start() {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = true
	pm.mu.Unlock()

	pm.wg.Add(1)
	go pm.monitorLoop()
}

// Stop ends sampling and waits for the sampler to exit.
func (pm *ProcessMonitor) Stop() {
	pm.cancel()
	pm.wg.Wait()

	pm.mu.Lock()
	pm.running = false
	pm.mu.Unlock()
}

// Stats returns the latest sample.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.stats
}

func (pm *ProcessMonitor) monitorLoop() {
	defer pm.wg.Done()

	proc, err := process.NewProcessWithContext(pm.ctx, int32(pm.pid))
	if err != nil {
		return
	}

	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	pm.sample(proc)
	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.sample(proc)
		}
	}
}

func (pm *ProcessMonitor) sample(proc *process.Process) {
	// Errors mean the process has exited; the last sample stands.
	mem, memErr := proc.MemoryInfoWithContext(pm.ctx)
	times, cpuErr := proc.TimesWithContext(pm.ctx)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.stats.Duration = time.Since(pm.startedAt)
	if memErr == nil && mem != nil {
		pm.stats.RSSBytes = mem.RSS
		pm.stats.PeakRSSBytes = max(pm.stats.PeakRSSBytes, mem.RSS)
		pm.stats.Samples++
	}
	if cpuErr == nil && times != nil {
		pm.stats.CPUUser = time.Duration(times.User * float64(time.Second))
		pm.stats.CPUSystem = time.Duration(times.System * float64(time.Second))
	}
}
