// Package cleanup provides the periodic reconciliation pass for the
// transcoding engine. It removes corrupted and orphaned output files, prunes
// result rows whose files vanished, and surfaces stalled in-flight jobs.
// It never runs in the hot path.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/process"
	"gorm.io/gorm"

	"github.com/Brocrad/Obselis-sub002/internal/database"
	"github.com/Brocrad/Obselis-sub002/internal/events"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/progress"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/storage"
)

// Config contains cleanup configuration
type Config struct {
	OutputDirectory string
	Interval        time.Duration
	TempMaxAge      time.Duration
	StallThreshold  time.Duration
}

// DefaultConfig returns default cleanup configuration
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Minute,
		TempMaxAge:     time.Hour,
		StallThreshold: 10 * time.Minute,
	}
}

// Stats summarizes one cleanup cycle
type Stats struct {
	CorruptedRemoved int   `json:"corrupted_removed"`
	OrphanedFiles    int   `json:"orphaned_files"`
	OrphanedRows     int   `json:"orphaned_rows"`
	TempRemoved      int   `json:"temp_removed"`
	BytesFreed       int64 `json:"bytes_freed"`
}

// Service reconciles the output directory against the result table
type Service struct {
	logger  hclog.Logger
	db      *gorm.DB
	storage *storage.Manager
	tracker *progress.Tracker
	bus     events.EventBus
	config  Config

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewService creates a cleanup service
func NewService(logger hclog.Logger, db *gorm.DB, storageMgr *storage.Manager, tracker *progress.Tracker, bus events.EventBus, config Config) *Service {
	return &Service{
		logger:  logger.Named("cleanup"),
		db:      db,
		storage: storageMgr,
		tracker: tracker,
		bus:     bus,
		config:  config,
	}
}

// Start launches the periodic cleanup loop
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop halts the loop and waits for any in-flight cycle
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context) {
	s.logger.Info("starting cleanup service",
		"interval", s.config.Interval,
		"output_dir", s.config.OutputDirectory)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Initial pass reconciles whatever a previous crash left behind
	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
			s.checkStalled(ctx)
		case <-ctx.Done():
			s.logger.Info("cleanup service stopped")
			return
		}
	}
}

// RunOnce executes a single reconciliation cycle. Per-item failures are
// logged and skipped; one bad file never aborts the cycle.
func (s *Service) RunOnce(ctx context.Context) Stats {
	var stats Stats

	corrupted, freed := s.removeCorrupted()
	stats.CorruptedRemoved = corrupted
	stats.BytesFreed += freed

	orphanFiles, orphanFreed := s.removeOrphanedFiles()
	stats.OrphanedFiles = orphanFiles
	stats.BytesFreed += orphanFreed

	stats.OrphanedRows = s.removeOrphanedRows(ctx)

	tempRemoved, err := s.storage.RemoveOrphanedTemp(s.config.TempMaxAge)
	if err != nil {
		s.logger.Error("temp cleanup failed", "error", err)
	}
	stats.TempRemoved = tempRemoved

	s.logger.Info("cleanup cycle complete",
		"corrupted_removed", stats.CorruptedRemoved,
		"orphaned_files", stats.OrphanedFiles,
		"orphaned_rows", stats.OrphanedRows,
		"temp_removed", stats.TempRemoved,
		"bytes_freed", stats.BytesFreed)

	if s.bus != nil {
		event := events.NewEvent(events.EventCleanupCompleted, "transcoding",
			"Cleanup cycle complete", "")
		event.Data["cleanup"] = events.CleanupEventData{
			CorruptedRemoved: stats.CorruptedRemoved,
			OrphansRemoved:   stats.OrphanedFiles + stats.OrphanedRows,
			BytesFreed:       stats.BytesFreed,
			Timestamp:        time.Now(),
		}
		s.bus.PublishAsync(event)
	}

	return stats
}

// ForceCleanupZeroByte removes zero-byte output files immediately,
// regardless of the cleanup schedule
func (s *Service) ForceCleanupZeroByte() (int, error) {
	removed := 0
	err := s.walkOutputs(func(path string, info os.FileInfo) {
		if info.Size() != 0 {
			return
		}
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove zero-byte file", "path", path, "error", err)
			return
		}
		s.logger.Info("removed zero-byte output", "path", path)
		removed++
	})
	return removed, err
}

// removeCorrupted deletes zero-byte or unreadable published outputs along
// with their result rows, then requeues the owning jobs so the lost
// renditions get rebuilt
func (s *Service) removeCorrupted() (int, int64) {
	removed := 0
	var freed int64
	owners := make(map[string]struct{})

	s.walkOutputs(func(path string, info os.FileInfo) {
		corrupt := info.Size() == 0
		if !corrupt {
			f, err := os.Open(path)
			if err != nil {
				corrupt = true
			} else {
				f.Close()
			}
		}
		if !corrupt {
			return
		}

		var result database.TranscodingResult
		haveResult := s.db.Where("transcoded_path = ?", path).First(&result).Error == nil

		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove corrupted output", "path", path, "error", err)
			return
		}
		if haveResult {
			if err := s.db.Delete(&database.TranscodingResult{}, result.ID).Error; err != nil {
				s.logger.Warn("failed to delete result row for corrupted output",
					"path", path, "error", err)
			} else {
				owners[result.JobID] = struct{}{}
			}
		}

		s.logger.Info("removed corrupted output", "path", path, "size", info.Size())
		removed++
		freed += info.Size()
	})

	for jobID := range owners {
		s.requeueForRetranscode(jobID)
	}

	return removed, freed
}

// requeueForRetranscode puts a completed job back in the queue after one of
// its renditions was removed as corrupted. The remaining healthy renditions
// keep their result rows, so only the missing quality gets re-encoded.
// Failed and cancelled jobs stay terminal.
func (s *Service) requeueForRetranscode(jobID string) {
	res := s.db.Model(&database.TranscodingJob{}).
		Where("id = ? AND status = ?", jobID, database.JobStatusCompleted).
		Updates(map[string]interface{}{
			"status":       database.JobStatusQueued,
			"started_at":   nil,
			"completed_at": nil,
		})
	if res.Error != nil {
		s.logger.Warn("failed to requeue job for retranscode",
			"job_id", jobID, "error", res.Error)
		return
	}
	if res.RowsAffected == 0 {
		return
	}

	s.logger.Info("requeued job after corrupted output", "job_id", jobID)
	if s.bus != nil {
		event := events.NewEvent(events.EventJobQueued, "transcoding",
			"Job requeued", "corrupted rendition removed, retranscode scheduled")
		event.Data["job"] = events.JobEventData{
			JobID:     jobID,
			Status:    string(database.JobStatusQueued),
			Timestamp: time.Now(),
		}
		s.bus.PublishAsync(event)
	}
}

// removeOrphanedFiles deletes published files with no backing result row
func (s *Service) removeOrphanedFiles() (int, int64) {
	removed := 0
	var freed int64

	s.walkOutputs(func(path string, info os.FileInfo) {
		var count int64
		if err := s.db.Model(&database.TranscodingResult{}).
			Where("transcoded_path = ?", path).
			Count(&count).Error; err != nil {
			s.logger.Warn("orphan lookup failed", "path", path, "error", err)
			return
		}
		if count > 0 {
			return
		}

		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove orphaned file", "path", path, "error", err)
			return
		}
		s.logger.Info("removed orphaned output file", "path", path)
		removed++
		freed += info.Size()
	})

	return removed, freed
}

// removeOrphanedRows deletes result rows whose files vanished
func (s *Service) removeOrphanedRows(ctx context.Context) int {
	var results []database.TranscodingResult
	if err := s.db.WithContext(ctx).Find(&results).Error; err != nil {
		s.logger.Error("failed to list results", "error", err)
		return 0
	}

	removed := 0
	for _, result := range results {
		if _, err := os.Stat(result.TranscodedPath); !os.IsNotExist(err) {
			continue
		}
		if err := s.db.Delete(&database.TranscodingResult{}, result.ID).Error; err != nil {
			s.logger.Warn("failed to delete orphaned result row",
				"result_id", result.ID, "error", err)
			continue
		}
		s.logger.Info("removed orphaned result row",
			"job_id", result.JobID, "quality", result.Quality,
			"path", result.TranscodedPath)
		removed++
	}

	return removed
}

// checkStalled surfaces in-flight jobs that stopped reporting progress.
// The engine does not kill them; the event makes them operator-cancellable.
func (s *Service) checkStalled(ctx context.Context) {
	if s.tracker == nil {
		return
	}

	var jobs []database.TranscodingJob
	if err := s.db.WithContext(ctx).
		Where("status IN ?", []database.JobStatus{
			database.JobStatusAnalyzing, database.JobStatusTranscoding,
		}).Find(&jobs).Error; err != nil {
		s.logger.Error("failed to list in-flight jobs", "error", err)
		return
	}

	for _, job := range jobs {
		last, ok := s.tracker.LastReport(job.ID)
		if ok && time.Since(last) < s.config.StallThreshold {
			continue
		}
		if !ok && job.StartedAt != nil && time.Since(*job.StartedAt) < s.config.StallThreshold {
			continue
		}

		s.logger.Warn("job appears stalled",
			"job_id", job.ID,
			"status", job.Status,
			"encoder_processes", encoderProcessCount())

		if s.bus != nil {
			event := events.NewEvent(events.EventJobStalled, "transcoding",
				"Job stalled", "no progress reported within threshold")
			event.Data["job"] = events.JobEventData{
				JobID:     job.ID,
				InputPath: job.InputPath,
				Status:    string(job.Status),
				Progress:  job.Progress,
				Timestamp: time.Now(),
			}
			s.bus.PublishAsync(event)
		}
	}
}

// walkOutputs visits every regular file under the output directory
func (s *Service) walkOutputs(fn func(path string, info os.FileInfo)) error {
	return filepath.Walk(s.config.OutputDirectory, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			s.logger.Warn("walk error", "path", path, "error", err)
			return nil
		}
		if info.IsDir() {
			return nil
		}
		fn(path, info)
		return nil
	})
}

// encoderProcessCount counts live ffmpeg processes, for stall diagnostics
func encoderProcessCount() int {
	procs, err := process.Processes()
	if err != nil {
		return -1
	}
	count := 0
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if strings.HasPrefix(name, "ffmpeg") {
			count++
		}
	}
	return count
}
