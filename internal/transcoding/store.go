package transcoding

import (
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/Brocrad/Obselis-sub002/internal/database"
	txerrors "github.com/Brocrad/Obselis-sub002/internal/transcoding/errors"
)

// JobStore persists transcoding jobs. The database is the authoritative
// queue; anything the manager holds in memory is rebuilt from here on
// startup.
type JobStore struct {
	db     *gorm.DB
	logger hclog.Logger
}

// NewJobStore creates a job store
func NewJobStore(db *gorm.DB, logger hclog.Logger) *JobStore {
	return &JobStore{
		db:     db,
		logger: logger.Named("job-store"),
	}
}

// CreateJob persists a new job
func (s *JobStore) CreateJob(job *database.TranscodingJob) error {
	return s.db.Create(job).Error
}

// GetJob fetches a job by ID
func (s *JobStore) GetJob(id string) (*database.TranscodingJob, error) {
	var job database.TranscodingJob
	if err := s.db.First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, txerrors.ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// SaveJob writes a job back in full
func (s *JobStore) SaveJob(job *database.TranscodingJob) error {
	return s.db.Save(job).Error
}

// NextQueued returns the next schedulable job: highest priority first,
// oldest first within a priority. Jobs in the exclude set (held back for a
// retry delay) are skipped.
func (s *JobStore) NextQueued(exclude map[string]struct{}) (*database.TranscodingJob, error) {
	query := s.db.Where("status = ?", database.JobStatusQueued).
		Order("priority DESC, created_at ASC")

	if len(exclude) > 0 {
		ids := make([]string, 0, len(exclude))
		for id := range exclude {
			ids = append(ids, id)
		}
		query = query.Where("id NOT IN ?", ids)
	}

	var job database.TranscodingJob
	if err := query.First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// CountByStatus counts jobs in a status
func (s *JobStore) CountByStatus(status database.JobStatus) (int64, error) {
	var count int64
	err := s.db.Model(&database.TranscodingJob{}).
		Where("status = ?", status).Count(&count).Error
	return count, err
}

// ListPending returns every queued and in-flight job in scheduling order
func (s *JobStore) ListPending() ([]database.TranscodingJob, error) {
	var jobs []database.TranscodingJob
	err := s.db.Where("status IN ?", []database.JobStatus{
		database.JobStatusQueued,
		database.JobStatusAnalyzing,
		database.JobStatusTranscoding,
	}).Order("priority DESC, created_at ASC").Find(&jobs).Error
	return jobs, err
}

// ResetInFlight requeues jobs a previous process left mid-flight. Attempts
// are preserved; an interrupted attempt is not a failed attempt.
func (s *JobStore) ResetInFlight() (int64, error) {
	result := s.db.Model(&database.TranscodingJob{}).
		Where("status IN ?", []database.JobStatus{
			database.JobStatusAnalyzing,
			database.JobStatusTranscoding,
		}).
		Updates(map[string]interface{}{
			"status":     database.JobStatusQueued,
			"started_at": nil,
		})
	return result.RowsAffected, result.Error
}

// MarkStarted claims a queued job for a worker. Claiming fails if the job
// was cancelled between being fetched and being claimed.
func (s *JobStore) MarkStarted(job *database.TranscodingJob) error {
	now := time.Now()
	result := s.db.Model(&database.TranscodingJob{}).
		Where("id = ? AND status = ?", job.ID, database.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":     database.JobStatusAnalyzing,
			"started_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return txerrors.ErrJobNotFound
	}
	job.Status = database.JobStatusAnalyzing
	job.StartedAt = &now
	return nil
}

// MarkTranscoding moves a job from analysis into encoding
func (s *JobStore) MarkTranscoding(job *database.TranscodingJob) error {
	job.Status = database.JobStatusTranscoding
	return s.db.Model(job).Update("status", job.Status).Error
}

// MarkCompleted finishes a job successfully
func (s *JobStore) MarkCompleted(job *database.TranscodingJob, outputPath string) error {
	now := time.Now()
	job.Status = database.JobStatusCompleted
	job.CompletedAt = &now
	job.Progress = 100
	job.ErrorMessage = nil

	updates := map[string]interface{}{
		"status":        job.Status,
		"completed_at":  job.CompletedAt,
		"progress":      job.Progress,
		"error_message": nil,
	}
	if outputPath != "" {
		job.OutputPath = &outputPath
		updates["output_path"] = outputPath
	}
	return s.db.Model(job).Updates(updates).Error
}

// MarkFailed finishes a job with an error
func (s *JobStore) MarkFailed(job *database.TranscodingJob, message string) error {
	now := time.Now()
	job.Status = database.JobStatusFailed
	job.CompletedAt = &now
	job.ErrorMessage = &message
	return s.db.Model(job).Updates(map[string]interface{}{
		"status":        job.Status,
		"completed_at":  job.CompletedAt,
		"error_message": message,
		"attempts":      job.Attempts,
	}).Error
}

// MarkCancelled finishes a job as cancelled
func (s *JobStore) MarkCancelled(job *database.TranscodingJob) error {
	now := time.Now()
	job.Status = database.JobStatusCancelled
	job.CompletedAt = &now
	return s.db.Model(job).Updates(map[string]interface{}{
		"status":       job.Status,
		"completed_at": job.CompletedAt,
	}).Error
}

// Requeue puts an in-flight job back in the queue, attempts unchanged.
// Used during graceful shutdown so interrupted work resumes next start.
func (s *JobStore) Requeue(job *database.TranscodingJob) error {
	job.Status = database.JobStatusQueued
	job.StartedAt = nil
	return s.db.Model(job).Updates(map[string]interface{}{
		"status":     job.Status,
		"started_at": nil,
	}).Error
}

// RecordAttempt increments the attempt counter and requeues the job for a
// retry
func (s *JobStore) RecordAttempt(job *database.TranscodingJob, message string) error {
	job.Attempts++
	job.Status = database.JobStatusQueued
	job.ErrorMessage = &message
	return s.db.Model(job).Updates(map[string]interface{}{
		"attempts":      job.Attempts,
		"status":        job.Status,
		"error_message": message,
	}).Error
}

// UpdateProgress writes a job's overall progress percentage
func (s *JobStore) UpdateProgress(jobID string, percent float64) error {
	return s.db.Model(&database.TranscodingJob{}).
		Where("id = ?", jobID).
		Update("progress", percent).Error
}

// ResultsForJob returns the job's published renditions
func (s *JobStore) ResultsForJob(jobID string) ([]database.TranscodingResult, error) {
	var results []database.TranscodingResult
	err := s.db.Where("job_id = ?", jobID).Order("quality ASC").Find(&results).Error
	return results, err
}

// HasResult reports whether a (job, quality) pair already published
func (s *JobStore) HasResult(jobID, quality string) (bool, error) {
	var count int64
	err := s.db.Model(&database.TranscodingResult{}).
		Where("job_id = ? AND quality = ?", jobID, quality).
		Count(&count).Error
	return count > 0, err
}
