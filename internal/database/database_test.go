package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/vidtap/internal/config"
	"github.com/jmylchreest/vidtap/internal/models"
)

func memoryConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Driver:          "sqlite",
		DSN:             ":memory:",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		LogLevel:        "silent",
	}
}

func TestNew_SQLiteMemory(t *testing.T) {
	db, err := New(memoryConfig(), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Ping(context.Background()))
	assert.Equal(t, "sqlite", db.Driver())

	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestNew_InvalidDriver(t *testing.T) {
	db, err := New(config.DatabaseConfig{Driver: "oracle", DSN: "x"}, nil)
	assert.Nil(t, db)
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestDB_Migrate(t *testing.T) {
	db, err := New(memoryConfig(), nil)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.Migrate(ctx))

	c := &models.Conversion{
		Source:      "s3://in/a.mp4",
		Destination: "s3://out/a.mp3",
		Status:      models.ConversionStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, db.WithContext(ctx).Create(c).Error)
	assert.False(t, c.ID.IsZero())
}

func TestDB_FileBackedPool(t *testing.T) {
	cfg := memoryConfig()
	cfg.DSN = t.TempDir() + "/vidtap.db"

	db, err := New(cfg, nil)
	require.NoError(t, err)
	defer db.Close()

	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	assert.Equal(t, 4, sqlDB.Stats().MaxOpenConnections)

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)
}

func TestGormLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := context.Background()
	stmt := func() (string, int64) { return "SELECT 1", 1 }

	silent := newGormLogger("silent", log)
	silent.Trace(ctx, time.Now(), stmt, errors.New("boom"))
	assert.Empty(t, buf.String())

	warn := newGormLogger("", log)
	warn.Trace(ctx, time.Now(), stmt, nil)
	assert.Empty(t, buf.String(), "fast queries are only logged at info")

	warn.Trace(ctx, time.Now(), stmt, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	warn.Trace(ctx, time.Now().Add(-time.Second), stmt, nil)
	assert.Contains(t, buf.String(), `"msg":"slow query"`)
	buf.Reset()

	warn.Trace(ctx, time.Now(), stmt, errors.New("boom"))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), `"error":"boom"`)
	buf.Reset()

	verbose := warn.LogMode(logger.Info)
	verbose.Trace(ctx, time.Now(), stmt, nil)
	assert.Contains(t, buf.String(), `"sql":"SELECT 1"`)
	assert.Contains(t, buf.String(), `"component":"database"`)
}

func TestGormLogger_TruncatesSQL(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	long := "SELECT " + strings.Repeat("x", 300)
	newGormLogger("info", log).Trace(context.Background(), time.Now(),
		func() (string, int64) { return long, 0 }, nil)

	assert.Contains(t, buf.String(), strings.Repeat("x", sqlLogMax-len("SELECT "))+"...")
	assert.NotContains(t, buf.String(), strings.Repeat("x", 300))
}
