// Package admission bounds how many transcode pipelines run at once in this
// process. A slot is granted only while fewer than MaxConcurrent slots are held
// and resident memory is at or below the configured ceiling.
package admission

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/vidtap/internal/config"
	"github.com/jmylchreest/vidtap/internal/metrics"
)

// Policy is the static admission configuration.
type Policy struct {
	MaxConcurrent int
	MemoryCeiling uint64
	PollInterval  time.Duration
	WaitTimeout   time.Duration
}

// PolicyFromConfig converts the admission config section into a Policy.
func PolicyFromConfig(cfg config.AdmissionConfig) Policy {
	return Policy{
		MaxConcurrent: cfg.MaxConcurrent,
		MemoryCeiling: uint64(cfg.MemoryCeiling.Bytes()),
		PollInterval:  cfg.PollInterval,
		WaitTimeout:   cfg.WaitTimeout,
	}
}

// Slot is a granted unit of pipeline concurrency. Release it exactly once;
// further releases are ignored.
type Slot struct {
	released   atomic.Bool
	acquiredAt time.Time
}

// AcquiredAt returns when the slot was granted.
func (s *Slot) AcquiredAt() time.Time {
	return s.acquiredAt
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	Held          int    `json:"held"`
	MaxConcurrent int    `json:"max_concurrent"`
	MemoryBytes   uint64 `json:"memory_bytes"`
	MemoryCeiling uint64 `json:"memory_ceiling"`
}

// Controller is a process-local admission gate.
type Controller struct {
	policy Policy
	memory MemoryReader
	held   atomic.Int64
	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used for admission decisions.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// New creates a Controller. memory is sampled on every admission attempt.
func New(policy Policy, memory MemoryReader, opts ...Option) *Controller {
	if policy.MaxConcurrent < 1 {
		policy.MaxConcurrent = 1
	}
	if policy.PollInterval <= 0 {
		policy.PollInterval = 500 * time.Millisecond
	}

	c := &Controller{
		policy: policy,
		memory: memory,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "admission"))
	return c
}

// HasCapacity reports whether a slot is free right now. It does not sample
// memory and does not reserve anything.
func (c *Controller) HasCapacity() bool {
	return c.held.Load() < int64(c.policy.MaxConcurrent)
}

// Held returns the number of slots currently held.
func (c *Controller) Held() int {
	return int(c.held.Load())
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// Stats samples memory and returns the controller state.
func (c *Controller) Stats() Stats {
	return Stats{
		Held:          c.Held(),
		MaxConcurrent: c.policy.MaxConcurrent,
		MemoryBytes:   c.MemoryUsage(),
		MemoryCeiling: c.policy.MemoryCeiling,
	}
}

// MemoryUsage returns the current resident memory in bytes. A failed sample
// reports zero; the slot count still bounds concurrency.
func (c *Controller) MemoryUsage() uint64 {
	if c.memory == nil {
		return 0
	}
	rss, err := c.memory.ResidentMemory()
	if err != nil {
		c.logger.Warn("sampling resident memory failed", slog.String("error", err.Error()))
		return 0
	}
	metrics.SetProcessMemory(rss)
	return rss
}

// Acquire blocks until a slot is free and memory is at or below the ceiling,
// re-checking every poll interval. It fails with *TimeoutError once the wait
// timeout has elapsed since the first attempt, or with ctx.Err() if ctx ends
// first. No slot is held when an error is returned.
func (c *Controller) Acquire(ctx context.Context) (*Slot, error) {
	start := time.Now()

	var deadline <-chan time.Time
	if c.policy.WaitTimeout > 0 {
		timer := time.NewTimer(c.policy.WaitTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(c.policy.PollInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		slot, rss := c.tryAcquire()
		if slot != nil {
			wait := time.Since(start)
			metrics.ObserveAdmissionWait(wait)
			if attempts > 1 {
				c.logger.Debug("admission granted after wait",
					slog.Duration("waited", wait),
					slog.Int("attempts", attempts),
					slog.Int("held", c.Held()),
				)
			}
			return slot, nil
		}

		if attempts == 1 {
			c.logger.Debug("admission deferred",
				slog.Int("held", c.Held()),
				slog.Int("max_concurrent", c.policy.MaxConcurrent),
				slog.Uint64("memory_bytes", rss),
				slog.Uint64("memory_ceiling", c.policy.MemoryCeiling),
			)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		case <-deadline:
			// One last look so a slot freed right at the deadline is not lost.
			if slot, _ := c.tryAcquire(); slot != nil {
				metrics.ObserveAdmissionWait(time.Since(start))
				return slot, nil
			}
			err := &TimeoutError{
				Elapsed:       time.Since(start),
				Timeout:       c.policy.WaitTimeout,
				Held:          c.Held(),
				MaxConcurrent: c.policy.MaxConcurrent,
				MemoryBytes:   c.MemoryUsage(),
				MemoryCeiling: c.policy.MemoryCeiling,
			}
			c.logger.Warn("admission timed out",
				slog.Duration("elapsed", err.Elapsed),
				slog.Int("held", err.Held),
				slog.Uint64("memory_bytes", err.MemoryBytes),
			)
			return nil, err
		}
	}
}

// tryAcquire makes one admission attempt. It returns the memory sample it
// used, or zero if the slot check failed before sampling.
func (c *Controller) tryAcquire() (*Slot, uint64) {
	limit := int64(c.policy.MaxConcurrent)
	if c.held.Load() >= limit {
		return nil, 0
	}

	rss := c.MemoryUsage()
	if c.policy.MemoryCeiling > 0 && rss > c.policy.MemoryCeiling {
		return nil, rss
	}

	for {
		held := c.held.Load()
		if held >= limit {
			return nil, rss
		}
		if c.held.CompareAndSwap(held, held+1) {
			metrics.SetSlotsHeld(int(held + 1))
			return &Slot{acquiredAt: time.Now()}, rss
		}
	}
}

// Release returns a slot. Releasing nil or an already released slot is a
// no-op, and the held count never drops below zero.
func (c *Controller) Release(slot *Slot) {
	if slot == nil || !slot.released.CompareAndSwap(false, true) {
		return
	}

	for {
		held := c.held.Load()
		if held <= 0 {
			return
		}
		if c.held.CompareAndSwap(held, held-1) {
			metrics.SetSlotsHeld(int(held - 1))
			return
		}
	}
}
