// Package storage owns the output file layout and the atomic publication of
// finished renditions. It is the only writer of result rows.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/Brocrad/Obselis-sub002/internal/database"
	"github.com/Brocrad/Obselis-sub002/internal/events"
	txerrors "github.com/Brocrad/Obselis-sub002/internal/transcoding/errors"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/transcoder"
)

// Manager publishes encoded renditions into the output directory and
// records them
type Manager struct {
	logger    hclog.Logger
	db        *gorm.DB
	bus       events.EventBus
	outputDir string
	tempDir   string
}

// NewManager creates a storage manager
func NewManager(logger hclog.Logger, db *gorm.DB, bus events.EventBus, outputDir, tempDir string) *Manager {
	return &Manager{
		logger:    logger.Named("storage"),
		db:        db,
		bus:       bus,
		outputDir: outputDir,
		tempDir:   tempDir,
	}
}

// Publish moves a finished rendition from its temp path to the final layout
// and records the result row, all-or-nothing. The move is an atomic rename;
// a half-written file is never observable at the final path.
//
// Publish is idempotent: if a result row for this (job, quality) already
// exists, the temp file is discarded and the existing row returned.
func (m *Manager) Publish(ctx context.Context, job *database.TranscodingJob, quality string, output *transcoder.Output) (*database.TranscodingResult, error) {
	if existing, err := m.findResult(job.ID, quality); err == nil {
		m.logger.Warn("rendition already published, discarding temp file",
			"job_id", job.ID, "quality", quality)
		os.Remove(output.TempPath)
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, txerrors.InternalError("publish", err).WithJob(job.ID).WithQuality(quality)
	}

	checksum, err := fileChecksum(output.TempPath)
	if err != nil {
		return nil, txerrors.IOError("publish",
			fmt.Errorf("checksum failed: %w", err)).WithJob(job.ID).WithQuality(quality)
	}

	mediaID := MediaID(job.InputPath)
	dir, err := m.OrganizeDir(mediaID)
	if err != nil {
		return nil, txerrors.IOError("publish", err).WithJob(job.ID).WithQuality(quality)
	}

	finalPath := filepath.Join(dir, fmt.Sprintf("%s_%s.mp4", mediaID, quality))
	if err := os.Rename(output.TempPath, finalPath); err != nil {
		return nil, txerrors.IOError("publish",
			fmt.Errorf("rename to final path failed: %w", err)).WithJob(job.ID).WithQuality(quality)
	}

	result := &database.TranscodingResult{
		JobID:            job.ID,
		Quality:          quality,
		OriginalPath:     job.InputPath,
		TranscodedPath:   finalPath,
		OriginalSize:     output.OriginalSize,
		TranscodedSize:   output.TranscodedSize,
		CompressionRatio: output.CompressionRatio,
		SpaceSaved:       output.OriginalSize - output.TranscodedSize,
		Checksum:         checksum,
		CreatedAt:        time.Now(),
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-check inside the transaction; the unique index on
		// (job_id, quality) backs this up against races.
		var count int64
		if err := tx.Model(&database.TranscodingResult{}).
			Where("job_id = ? AND quality = ?", job.ID, quality).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return txerrors.ErrAlreadyPublished
		}
		return tx.Create(result).Error
	})
	if err != nil {
		if errors.Is(err, txerrors.ErrAlreadyPublished) {
			return m.findResult(job.ID, quality)
		}
		// Row insert failed after the rename; the cleanup service will
		// reconcile the orphaned file.
		return nil, txerrors.InternalError("publish", err).WithJob(job.ID).WithQuality(quality)
	}

	m.logger.Info("rendition published",
		"job_id", job.ID,
		"quality", quality,
		"path", finalPath,
		"space_saved", result.SpaceSaved)

	if m.bus != nil {
		event := events.NewEvent(events.EventRenditionPublished, "transcoding",
			"Rendition published", "")
		event.Data["rendition"] = events.RenditionEventData{
			JobID:            job.ID,
			Quality:          quality,
			TranscodedPath:   finalPath,
			OriginalSize:     result.OriginalSize,
			TranscodedSize:   result.TranscodedSize,
			CompressionRatio: result.CompressionRatio,
			SpaceSaved:       result.SpaceSaved,
			Timestamp:        time.Now(),
		}
		m.bus.PublishAsync(event)
	}

	return result, nil
}

// OrganizeDir returns the deterministic per-media output directory, creating
// it if needed. Repeated runs for the same media land in the same place and
// overwrite cleanly.
func (m *Manager) OrganizeDir(mediaID string) (string, error) {
	dir := filepath.Join(m.outputDir, mediaID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	return dir, nil
}

// RemoveOrphanedTemp deletes temp files older than the cutoff, left behind
// by crashed or cancelled jobs. Returns the number of files removed.
func (m *Manager) RemoveOrphanedTemp(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.tempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.Contains(name, ".partial.") && !strings.Contains(name, ".2pass") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.tempDir, name)
		if err := os.Remove(path); err != nil {
			m.logger.Warn("failed to remove orphaned temp file", "path", path, "error", err)
			continue
		}
		m.logger.Debug("removed orphaned temp file", "path", path)
		removed++
	}

	return removed, nil
}

func (m *Manager) findResult(jobID, quality string) (*database.TranscodingResult, error) {
	var result database.TranscodingResult
	err := m.db.Where("job_id = ? AND quality = ?", jobID, quality).First(&result).Error
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// MediaID derives a stable, filesystem-safe identifier from an input path.
// The same input always maps to the same output directory.
func MediaID(inputPath string) string {
	base := filepath.Base(inputPath)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	id := b.String()
	if id == "" {
		// Pathological names still need a stable identity
		sum := sha256.Sum256([]byte(inputPath))
		id = hex.EncodeToString(sum[:8])
	}
	return id
}

// fileChecksum computes the SHA-256 of a file
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
