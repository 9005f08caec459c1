package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/vidtap/internal/models"
)

func setupConversionTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.Conversion{}))
	return db
}

func newConversion(started time.Time) *models.Conversion {
	return &models.Conversion{
		Source:      "s3://media/talks/keynote.mp4",
		Destination: "s3://audio/talks/keynote.mp3",
		Status:      models.ConversionStatusRunning,
		StartedAt:   started,
	}
}

func TestConversionRepo_CreateAndGet(t *testing.T) {
	repo := NewConversionRepository(setupConversionTestDB(t))
	ctx := context.Background()

	c := newConversion(time.Now().UTC())
	require.NoError(t, repo.Create(ctx, c))
	assert.False(t, c.ID.IsZero())

	found, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, c.Source, found.Source)
	assert.Equal(t, models.ConversionStatusRunning, found.Status)
	assert.Nil(t, found.CompletedAt)

	missing, err := repo.GetByID(ctx, models.NewULID())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestConversionRepo_Update(t *testing.T) {
	repo := NewConversionRepository(setupConversionTestDB(t))
	ctx := context.Background()

	start := time.Now().UTC().Add(-2 * time.Second)
	c := newConversion(start)
	require.NoError(t, repo.Create(ctx, c))

	exit := 1
	c.ExitCode = &exit
	c.Fail(models.ErrorKindTranscode, assert.AnError, start.Add(time.Second))
	require.NoError(t, repo.Update(ctx, c))

	found, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversionStatusFailed, found.Status)
	assert.Equal(t, models.ErrorKindTranscode, found.ErrorKind)
	assert.Equal(t, int64(1000), found.DurationMs)
	require.NotNil(t, found.ExitCode)
	assert.Equal(t, 1, *found.ExitCode)

	assert.Error(t, repo.Update(ctx, &models.Conversion{}))
}

func TestConversionRepo_ListRecent(t *testing.T) {
	repo := NewConversionRepository(setupConversionTestDB(t))
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := range 5 {
		c := newConversion(base.Add(time.Duration(i) * time.Minute))
		if i%2 == 0 {
			c.Finish(models.ConversionStatusCompleted, c.StartedAt.Add(time.Second))
		}
		require.NoError(t, repo.Create(ctx, c))
	}

	all, err := repo.ListRecent(ctx, ConversionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].StartedAt.After(all[i].StartedAt), "newest first")
	}

	limited, err := repo.ListRecent(ctx, ConversionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	completed, err := repo.ListRecent(ctx, ConversionFilter{Status: models.ConversionStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 3)
}

func TestConversionRepo_DeleteFinishedBefore(t *testing.T) {
	repo := NewConversionRepository(setupConversionTestDB(t))
	ctx := context.Background()

	now := time.Now().UTC()

	old := newConversion(now.Add(-10 * 24 * time.Hour))
	old.Finish(models.ConversionStatusCompleted, old.StartedAt.Add(time.Minute))
	require.NoError(t, repo.Create(ctx, old))

	oldRunning := newConversion(now.Add(-10 * 24 * time.Hour))
	require.NoError(t, repo.Create(ctx, oldRunning))

	recent := newConversion(now.Add(-time.Hour))
	recent.Finish(models.ConversionStatusReused, recent.StartedAt)
	require.NoError(t, repo.Create(ctx, recent))

	n, err := repo.DeleteFinishedBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := repo.GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	for _, id := range []models.ULID{oldRunning.ID, recent.ID} {
		kept, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, kept)
	}
}
