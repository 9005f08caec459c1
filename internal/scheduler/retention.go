// Package scheduler runs vidtap's periodic maintenance on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/vidtap/internal/config"
	"github.com/jmylchreest/vidtap/internal/repository"
)

// pruneTimeout bounds a single retention sweep.
const pruneTimeout = 5 * time.Minute

// parser accepts the six-field form with a leading seconds field, plus
// descriptors such as @hourly.
var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCron checks a retention cron expression.
func ValidateCron(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// RetentionPruner deletes finished conversion records older than MaxAge.
type RetentionPruner struct {
	repo     repository.ConversionRepository
	maxAge   time.Duration
	schedule string
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewRetentionPruner creates a pruner from the retention config section.
func NewRetentionPruner(repo repository.ConversionRepository, cfg config.RetentionConfig, logger *slog.Logger) (*RetentionPruner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.New("retention max age must be positive")
	}
	if err := ValidateCron(cfg.Cron); err != nil {
		return nil, err
	}
	return &RetentionPruner{
		repo:     repo,
		maxAge:   cfg.MaxAge,
		schedule: cfg.Cron,
		logger:   logger.With(slog.String("component", "retention")),
		now:      time.Now,
	}, nil
}

// Start schedules the sweep. Overlapping runs are skipped and panics are
// recovered and logged.
func (p *RetentionPruner) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cron != nil {
		return errors.New("retention pruner already started")
	}

	log := cronLogger{p.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	id, err := c.AddFunc(p.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
		defer cancel()
		_, _ = p.Prune(ctx)
	})
	if err != nil {
		return fmt.Errorf("scheduling retention: %w", err)
	}

	c.Start()
	p.cron, p.entryID = c, id
	p.logger.Info("retention scheduled",
		slog.String("cron", p.schedule),
		slog.Duration("max_age", p.maxAge),
		slog.Time("next_run", c.Entry(id).Next),
	)
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish or ctx to
// end.
func (p *RetentionPruner) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Next returns the next scheduled sweep, or the zero time when stopped.
func (p *RetentionPruner) Next() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron == nil {
		return time.Time{}
	}
	return p.cron.Entry(p.entryID).Next
}

// Prune deletes records that finished more than MaxAge ago.
func (p *RetentionPruner) Prune(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.maxAge)
	n, err := p.repo.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		p.logger.ErrorContext(ctx, "retention sweep failed", slog.String("error", err.Error()))
		return 0, err
	}
	p.logger.InfoContext(ctx, "retention sweep completed",
		slog.Int64("deleted", n),
		slog.Time("cutoff", cutoff),
	)
	return n, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
