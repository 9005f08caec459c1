package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	slowQuery = 500 * time.Millisecond
	sqlLogMax = 200
)

// gormLogger routes GORM's logger.Interface onto slog. GORM levels gate
// what is emitted; slog levels decide how it is tagged.
type gormLogger struct {
	log   *slog.Logger
	level gormlogger.LogLevel
}

func newGormLogger(level string, log *slog.Logger) *gormLogger {
	var lvl gormlogger.LogLevel
	switch level {
	case "silent":
		lvl = gormlogger.Silent
	case "error":
		lvl = gormlogger.Error
	case "info":
		lvl = gormlogger.Info
	default:
		lvl = gormlogger.Warn
	}
	return &gormLogger{log: log.With(slog.String("component", "database")), level: lvl}
}

func (g *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *g
	clone.level = level
	return &clone
}

func (g *gormLogger) emit(ctx context.Context, floor gormlogger.LogLevel, lvl slog.Level, format string, args []any) {
	if g.level < floor {
		return
	}
	g.log.Log(ctx, lvl, fmt.Sprintf(format, args...))
}

func (g *gormLogger) Info(ctx context.Context, format string, args ...any) {
	g.emit(ctx, gormlogger.Info, slog.LevelInfo, format, args)
}

func (g *gormLogger) Warn(ctx context.Context, format string, args ...any) {
	g.emit(ctx, gormlogger.Warn, slog.LevelWarn, format, args)
}

func (g *gormLogger) Error(ctx context.Context, format string, args ...any) {
	g.emit(ctx, gormlogger.Error, slog.LevelError, format, args)
}

// Trace reports a finished statement. Record-not-found is not an error here;
// repositories translate it themselves.
func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	took := time.Since(begin)

	var (
		lvl slog.Level
		msg string
	)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= gormlogger.Error:
		lvl, msg = slog.LevelError, "query failed"
	case took > slowQuery && g.level >= gormlogger.Warn:
		lvl, msg = slog.LevelWarn, "slow query"
	case g.level >= gormlogger.Info:
		lvl, msg = slog.LevelDebug, "query"
	default:
		return
	}
	if !g.log.Enabled(ctx, lvl) {
		return
	}

	stmt, rows := fc()
	if len(stmt) > sqlLogMax {
		stmt = stmt[:sqlLogMax] + "..."
	}
	attrs := []slog.Attr{
		slog.String("sql", stmt),
		slog.Int64("rows", rows),
		slog.Duration("took", took),
	}
	if lvl == slog.LevelError {
		attrs = append(attrs, slog.Any("error", err))
	}
	g.log.LogAttrs(ctx, lvl, msg, attrs...)
}
