package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Brocrad/Obselis-sub002/internal/database"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/transcoder"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every :memory: connection is its own database; pin the pool to one
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&database.TranscodingJob{}, &database.TranscodingResult{}))
	return db
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(hclog.NewNullLogger(), setupTestDB(t), nil,
		filepath.Join(t.TempDir(), "out"), t.TempDir())
}

func writeTemp(t *testing.T, m *Manager, name string, size int) string {
	t.Helper()
	path := filepath.Join(m.tempDir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func testOutput(tempPath string) *transcoder.Output {
	return &transcoder.Output{
		TempPath:         tempPath,
		OriginalSize:     1000,
		TranscodedSize:   400,
		CompressionRatio: 0.6,
		Encoder:          "libx264",
	}
}

func TestPublish(t *testing.T) {
	m := newTestManager(t)
	job := &database.TranscodingJob{ID: "job-1", InputPath: "/library/Movie Night.mkv"}
	temp := writeTemp(t, m, "job-1_1080p.partial.mp4", 400)

	result, err := m.Publish(context.Background(), job, "1080p", testOutput(temp))
	require.NoError(t, err)

	assert.Equal(t, "job-1", result.JobID)
	assert.Equal(t, "1080p", result.Quality)
	assert.Equal(t, int64(600), result.SpaceSaved)
	assert.NotEmpty(t, result.Checksum)

	// Final layout: <out>/<mediaID>/<mediaID>_<quality>.mp4
	expected := filepath.Join(m.outputDir, "Movie_Night", "Movie_Night_1080p.mp4")
	assert.Equal(t, expected, result.TranscodedPath)
	assert.FileExists(t, expected)

	// Temp file was moved, not copied
	assert.NoFileExists(t, temp)

	var count int64
	require.NoError(t, m.db.Model(&database.TranscodingResult{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPublish_Idempotent(t *testing.T) {
	m := newTestManager(t)
	job := &database.TranscodingJob{ID: "job-1", InputPath: "/library/movie.mkv"}

	temp := writeTemp(t, m, "job-1_720p.partial.mp4", 400)
	first, err := m.Publish(context.Background(), job, "720p", testOutput(temp))
	require.NoError(t, err)

	// A crashed worker re-publishing the same rendition must not duplicate
	temp2 := writeTemp(t, m, "job-1_720p.partial.mp4", 400)
	second, err := m.Publish(context.Background(), job, "720p", testOutput(temp2))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.NoFileExists(t, temp2)

	var count int64
	require.NoError(t, m.db.Model(&database.TranscodingResult{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPublish_DifferentQualities(t *testing.T) {
	m := newTestManager(t)
	job := &database.TranscodingJob{ID: "job-1", InputPath: "/library/movie.mkv"}

	for _, quality := range []string{"1080p", "720p"} {
		temp := writeTemp(t, m, "job-1_"+quality+".partial.mp4", 400)
		_, err := m.Publish(context.Background(), job, quality, testOutput(temp))
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, m.db.Model(&database.TranscodingResult{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestPublish_MissingTemp(t *testing.T) {
	m := newTestManager(t)
	job := &database.TranscodingJob{ID: "job-1", InputPath: "/library/movie.mkv"}

	_, err := m.Publish(context.Background(), job, "1080p",
		testOutput(filepath.Join(m.tempDir, "gone.partial.mp4")))
	require.Error(t, err)

	var count int64
	require.NoError(t, m.db.Model(&database.TranscodingResult{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestRemoveOrphanedTemp(t *testing.T) {
	m := newTestManager(t)

	stale := writeTemp(t, m, "dead_1080p.partial.mp4", 10)
	staleLog := writeTemp(t, m, "dead_1080p.2pass-0.log", 10)
	fresh := writeTemp(t, m, "live_720p.partial.mp4", 10)
	unrelated := writeTemp(t, m, "notes.txt", 10)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(staleLog, old, old))

	removed, err := m.RemoveOrphanedTemp(time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, removed)
	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, staleLog)
	assert.FileExists(t, fresh)
	assert.FileExists(t, unrelated)
}

func TestMediaID(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/library/Movie Night.mkv", "Movie_Night"},
		{"/library/simple.mp4", "simple"},
		{"/library/S01E02 - Pilot (1080p).mkv", "S01E02_-_Pilot_1080p"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MediaID(tt.path))
	}

	// Stable even for names with no safe characters
	a := MediaID("/library/日本語.mkv")
	b := MediaID("/library/日本語.mkv")
	assert.NotEmpty(t, a)
	assert.Equal(t, a, b)
}
