// Package transcoding implements the job engine: a persistent queue with
// priority scheduling, bounded concurrency, retry with backoff, and
// cooperative cancellation. The database is the source of truth for the
// queue; everything in memory is rebuilt from it on startup.
package transcoding

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/Brocrad/Obselis-sub002/internal/config"
	"github.com/Brocrad/Obselis-sub002/internal/database"
	"github.com/Brocrad/Obselis-sub002/internal/events"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/analyzer"
	txerrors "github.com/Brocrad/Obselis-sub002/internal/transcoding/errors"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/progress"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/storage"
	"github.com/Brocrad/Obselis-sub002/internal/transcoding/transcoder"
)

// SubmitRequest describes a new transcoding job
type SubmitRequest struct {
	InputPath string                      `json:"input_path"`
	Qualities []string                    `json:"qualities,omitempty"`
	Settings  *database.TranscodeSettings `json:"settings,omitempty"`
	Priority  int                         `json:"priority,omitempty"`
}

// JobStatus is the full state of one job, including published renditions
type JobStatus struct {
	Job     *database.TranscodingJob     `json:"job"`
	Results []database.TranscodingResult `json:"results"`
}

// QueueSnapshot is the aggregate engine view for the admin console
type QueueSnapshot struct {
	QueueLength  int            `json:"queue_length"`
	ActiveJobs   int            `json:"active_jobs"`
	IsProcessing bool           `json:"is_processing"`
	IsPaused     bool           `json:"is_paused"`
	Stats        progress.Stats `json:"stats"`
}

// Manager orchestrates the transcoding pipeline. It is the sole writer of
// job rows.
type Manager struct {
	logger     hclog.Logger
	cfg        *config.Config
	store      *JobStore
	analyzer   *analyzer.Analyzer
	transcoder *transcoder.Transcoder
	storage    *storage.Manager
	tracker    *progress.Tracker
	bus        events.EventBus

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	held     map[string]struct{} // waiting out a retry delay
	timers   map[string]*time.Timer
	paused   bool
	draining bool

	slots  chan struct{}
	wake   chan struct{}
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	workWG sync.WaitGroup
}

// NewManager creates a fully wired manager
func NewManager(logger hclog.Logger, cfg *config.Config, db *gorm.DB, bus events.EventBus) *Manager {
	detector := transcoder.NewDetector(logger, cfg.GPUDevice)
	return NewManagerWith(logger, cfg, db, bus,
		analyzer.New(logger, cfg.MinCompressionPercent),
		transcoder.New(logger, transcoder.Config{
			TempDirectory:        cfg.TempDirectory,
			EnableGPU:            cfg.EnableGPU,
			GPUDevice:            cfg.GPUDevice,
			PreventDataInflation: cfg.PreventDataInflation,
		}, detector))
}

// NewManagerWith creates a manager with injected analyzer and transcoder
// (for testing)
func NewManagerWith(logger hclog.Logger, cfg *config.Config, db *gorm.DB, bus events.EventBus, an *analyzer.Analyzer, tc *transcoder.Transcoder) *Manager {
	log := logger.Named("manager")
	tracker := progress.NewTracker(logger, bus, cfg.ProgressUpdateInterval)

	return &Manager{
		logger:     log,
		cfg:        cfg,
		store:      NewJobStore(db, logger),
		analyzer:   an,
		transcoder: tc,
		storage:    storage.NewManager(logger, db, bus, cfg.OutputDirectory, cfg.TempDirectory),
		tracker:    tracker,
		bus:        bus,
		active:     make(map[string]context.CancelFunc),
		held:       make(map[string]struct{}),
		timers:     make(map[string]*time.Timer),
		slots:      make(chan struct{}, cfg.MaxConcurrentJobs),
		wake:       make(chan struct{}, 1),
	}
}

// Storage exposes the storage manager the engine publishes through
func (m *Manager) Storage() *storage.Manager {
	return m.storage
}

// Tracker exposes the progress tracker for the analytics snapshot
func (m *Manager) Tracker() *progress.Tracker {
	return m.tracker
}

// Start requeues interrupted work and launches the dispatcher
func (m *Manager) Start(ctx context.Context) error {
	requeued, err := m.store.ResetInFlight()
	if err != nil {
		return fmt.Errorf("failed to requeue interrupted jobs: %w", err)
	}
	if requeued > 0 {
		m.logger.Info("requeued jobs interrupted by previous shutdown", "count", requeued)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.loopWG.Add(1)
	go func() {
		defer m.loopWG.Done()
		m.dispatch(ctx)
	}()

	m.logger.Info("job manager started",
		"max_concurrent_jobs", m.cfg.MaxConcurrentJobs,
		"max_queue_size", m.cfg.MaxQueueSize)
	return nil
}

// Shutdown stops dispatching, interrupts in-flight encodes, and requeues
// their jobs so they resume on next start
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down job manager")

	m.mu.Lock()
	m.draining = true
	for _, cancel := range m.active {
		cancel()
	}
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		m.workWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out with workers still running: %w", ctx.Err())
	}
}

// Submit validates and enqueues a new job
func (m *Manager) Submit(req SubmitRequest) (*database.TranscodingJob, error) {
	if req.InputPath == "" {
		return nil, txerrors.QueueError("submit", fmt.Errorf("input path required"))
	}

	queued, err := m.store.CountByStatus(database.JobStatusQueued)
	if err != nil {
		return nil, txerrors.InternalError("submit", err)
	}
	if int(queued) >= m.cfg.MaxQueueSize {
		return nil, txerrors.QueueError("submit", txerrors.ErrQueueFull)
	}

	qualities := req.Qualities
	if len(qualities) == 0 {
		qualities = m.cfg.DefaultQualities
	}
	for _, q := range qualities {
		if _, ok := analyzer.Target(q); !ok {
			return nil, txerrors.QueueError("submit",
				fmt.Errorf("unknown quality: %s", q))
		}
	}

	job := &database.TranscodingJob{
		ID:          uuid.New().String(),
		InputPath:   req.InputPath,
		Status:      database.JobStatusQueued,
		Priority:    req.Priority,
		CreatedAt:   time.Now(),
		MaxAttempts: m.cfg.RetryAttempts,
	}
	if err := job.SetQualities(qualities); err != nil {
		return nil, txerrors.InternalError("submit", err)
	}
	if err := job.SetSettings(req.Settings); err != nil {
		return nil, txerrors.InternalError("submit", err)
	}

	if err := m.store.CreateJob(job); err != nil {
		return nil, txerrors.InternalError("submit", err)
	}

	m.logger.Info("job submitted",
		"job_id", job.ID,
		"input", job.InputPath,
		"qualities", qualities,
		"priority", job.Priority)

	m.publishJobEvent(events.EventJobQueued, job, "", "")
	m.poke()
	return job, nil
}

// Cancel cancels a queued or in-flight job. Completed, failed, and already
// cancelled jobs are not cancellable.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	if cancel, ok := m.active[jobID]; ok {
		m.mu.Unlock()
		m.logger.Info("cancelling in-flight job", "job_id", jobID)
		cancel()
		return nil
	}
	if timer, ok := m.timers[jobID]; ok {
		timer.Stop()
		delete(m.timers, jobID)
		delete(m.held, jobID)
	}
	m.mu.Unlock()

	job, err := m.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status != database.JobStatusQueued {
		return txerrors.QueueError("cancel",
			fmt.Errorf("%w: status %s", txerrors.ErrJobNotCancellable, job.Status)).WithJob(jobID)
	}

	if err := m.store.MarkCancelled(job); err != nil {
		return txerrors.InternalError("cancel", err).WithJob(jobID)
	}
	m.logger.Info("cancelled queued job", "job_id", jobID)
	m.publishJobEvent(events.EventJobCancelled, job, "", "")
	return nil
}

// Pause stops dispatching new jobs; in-flight jobs run to completion
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.logger.Info("queue paused")
}

// Resume restarts dispatching
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.logger.Info("queue resumed")
	m.poke()
}

// ClearQueue cancels every queued job, leaving in-flight jobs running
func (m *Manager) ClearQueue() (int, error) {
	jobs, err := m.store.ListPending()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
		delete(m.held, id)
	}
	m.mu.Unlock()

	cleared := 0
	for i := range jobs {
		job := &jobs[i]
		if job.Status != database.JobStatusQueued {
			continue
		}
		if err := m.store.MarkCancelled(job); err != nil {
			m.logger.Warn("failed to cancel queued job", "job_id", job.ID, "error", err)
			continue
		}
		m.publishJobEvent(events.EventJobCancelled, job, "", "")
		cleared++
	}

	m.logger.Info("queue cleared", "cancelled", cleared)
	return cleared, nil
}

// StopAll cancels every in-flight job and returns how many were signalled
func (m *Manager) StopAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cancel := range m.active {
		cancel()
	}
	count := len(m.active)
	m.logger.Info("stopping all active jobs", "count", count)
	return count
}

// Status returns a job with its published renditions
func (m *Manager) Status(jobID string) (*JobStatus, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	results, err := m.store.ResultsForJob(jobID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{Job: job, Results: results}, nil
}

// Queue returns queued and in-flight jobs in scheduling order
func (m *Manager) Queue() ([]database.TranscodingJob, error) {
	return m.store.ListPending()
}

// Snapshot returns the aggregate engine state
func (m *Manager) Snapshot() QueueSnapshot {
	queued, err := m.store.CountByStatus(database.JobStatusQueued)
	if err != nil {
		m.logger.Error("failed to count queued jobs", "error", err)
	}

	m.mu.Lock()
	activeCount := len(m.active)
	paused := m.paused
	m.mu.Unlock()

	return QueueSnapshot{
		QueueLength:  int(queued),
		ActiveJobs:   activeCount,
		IsProcessing: activeCount > 0,
		IsPaused:     paused,
		Stats:        m.tracker.Snapshot(),
	}
}

// poke nudges the dispatcher without blocking
func (m *Manager) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// dispatch fills worker slots from the persisted queue until stopped
func (m *Manager) dispatch(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	m.fill(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-ticker.C:
		}
		m.fill(ctx)
	}
}

// fill claims queue entries while worker slots are free
func (m *Manager) fill(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.paused || m.draining {
			m.mu.Unlock()
			return
		}
		exclude := make(map[string]struct{}, len(m.held)+len(m.active))
		for id := range m.held {
			exclude[id] = struct{}{}
		}
		for id := range m.active {
			exclude[id] = struct{}{}
		}
		m.mu.Unlock()

		select {
		case m.slots <- struct{}{}:
		default:
			return
		}

		job, err := m.store.NextQueued(exclude)
		if err != nil {
			m.logger.Error("failed to fetch next queued job", "error", err)
			<-m.slots
			return
		}
		if job == nil {
			<-m.slots
			return
		}

		if err := m.store.MarkStarted(job); err != nil {
			// Lost the claim, usually to a concurrent cancel; try the next one
			m.logger.Debug("failed to claim queued job", "job_id", job.ID, "error", err)
			<-m.slots
			continue
		}

		jobCtx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.active[job.ID] = cancel
		m.mu.Unlock()

		m.workWG.Add(1)
		go m.runJob(jobCtx, job)
	}
}

// runJob processes one job end-to-end: per-quality analyze, encode, publish.
// Qualities run sequentially; parallelism exists only across jobs.
func (m *Manager) runJob(ctx context.Context, job *database.TranscodingJob) {
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.active[job.ID]; ok {
			cancel()
			delete(m.active, job.ID)
		}
		m.mu.Unlock()
		<-m.slots
		m.workWG.Done()
		m.poke()
	}()

	m.logger.Info("job started", "job_id", job.ID, "input", job.InputPath,
		"attempts", job.Attempts)
	m.publishJobEvent(events.EventJobStarted, job, "", "")

	qualities, err := job.GetQualities()
	if err != nil || len(qualities) == 0 {
		qualities = m.cfg.DefaultQualities
	}
	total := len(qualities)

	completed := 0
	published := 0
	transcodingMarked := false

	for _, quality := range qualities {
		if ctx.Err() != nil {
			m.handleInterrupt(job)
			return
		}

		// Already published by an attempt that crashed before finishing
		if has, err := m.store.HasResult(job.ID, quality); err == nil && has {
			completed++
			published++
			continue
		}

		analysis, err := m.analyzer.Analyze(ctx, job.InputPath, quality)
		if err != nil {
			if ctx.Err() != nil {
				m.handleInterrupt(job)
				return
			}
			m.handleFailure(job, quality, err)
			return
		}

		if !analysis.ShouldTranscode {
			m.logger.Info("skipping quality, insufficient estimated savings",
				"job_id", job.ID,
				"quality", quality,
				"estimated_savings_percent", analysis.EstimatedSavingsPercent)
			m.tracker.RecordSkip()
			m.publishJobEvent(events.EventJobSkipped, job, quality, "")
			completed++
			m.store.UpdateProgress(job.ID, progress.OverallPercent(completed, total, 0))
			continue
		}

		if !transcodingMarked {
			if err := m.store.MarkTranscoding(job); err != nil {
				m.logger.Error("failed to mark job transcoding", "job_id", job.ID, "error", err)
			}
			transcodingMarked = true
		}

		base := completed
		output, err := m.transcoder.Transcode(ctx, job, quality, analysis,
			func(u progress.Update) {
				overall := progress.OverallPercent(base, total, u.PercentComplete)
				m.tracker.Report(job.ID, job.InputPath, quality, overall, u)
			})
		if err != nil {
			if ctx.Err() != nil {
				m.handleInterrupt(job)
				return
			}
			m.handleFailure(job, quality, err)
			return
		}

		if _, err := m.storage.Publish(ctx, job, quality, output); err != nil {
			if ctx.Err() != nil {
				m.handleInterrupt(job)
				return
			}
			m.handleFailure(job, quality, err)
			return
		}

		m.tracker.RecordCompletion(output.OriginalSize, output.TranscodedSize)
		completed++
		published++
		m.store.UpdateProgress(job.ID, progress.OverallPercent(completed, total, 0))
	}

	outputPath := ""
	if published > 0 {
		outputPath = filepath.Join(m.cfg.OutputDirectory, storage.MediaID(job.InputPath))
	}
	if err := m.store.MarkCompleted(job, outputPath); err != nil {
		m.logger.Error("failed to mark job completed", "job_id", job.ID, "error", err)
		return
	}

	m.tracker.Finish(job.ID, job.InputPath, 100)
	m.logger.Info("job completed",
		"job_id", job.ID,
		"qualities", total,
		"published", published)
	m.publishJobEvent(events.EventJobCompleted, job, "", "")
}

// handleInterrupt resolves a job whose context was cancelled. A drain keeps
// the job queued for the next start; an explicit cancel is terminal.
func (m *Manager) handleInterrupt(job *database.TranscodingJob) {
	m.mu.Lock()
	draining := m.draining
	m.mu.Unlock()

	if draining {
		if err := m.store.Requeue(job); err != nil {
			m.logger.Error("failed to requeue job during shutdown",
				"job_id", job.ID, "error", err)
		}
		m.logger.Info("job requeued for next start", "job_id", job.ID)
		return
	}

	if err := m.store.MarkCancelled(job); err != nil {
		m.logger.Error("failed to mark job cancelled", "job_id", job.ID, "error", err)
		return
	}
	m.tracker.Finish(job.ID, job.InputPath, job.Progress)
	m.logger.Info("job cancelled", "job_id", job.ID)
	m.publishJobEvent(events.EventJobCancelled, job, "", "")
}

// handleFailure applies the retry policy to a failed attempt
func (m *Manager) handleFailure(job *database.TranscodingJob, quality string, cause error) {
	if !txerrors.IsRecoverable(cause) {
		// Non-recoverable failures, like corrupt input, fail immediately
		// without consuming an attempt.
		m.failJob(job, quality, cause)
		return
	}

	if job.Attempts+1 >= job.MaxAttempts {
		job.Attempts++
		m.failJob(job, quality, cause)
		return
	}

	message := cause.Error()
	// RecordAttempt owns the attempt increment
	if err := m.store.RecordAttempt(job, message); err != nil {
		m.logger.Error("failed to record attempt, failing job",
			"job_id", job.ID, "error", err)
		m.failJob(job, quality, cause)
		return
	}

	delay := m.backoffDelay(job.Attempts)
	m.logger.Warn("job attempt failed, retrying",
		"job_id", job.ID,
		"quality", quality,
		"attempts", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"retry_in", delay,
		"error", cause)
	m.publishJobEvent(events.EventJobRetried, job, quality, message)

	m.mu.Lock()
	m.held[job.ID] = struct{}{}
	m.timers[job.ID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.held, job.ID)
		delete(m.timers, job.ID)
		m.mu.Unlock()
		m.poke()
	})
	m.mu.Unlock()
}

// failJob marks a job permanently failed
func (m *Manager) failJob(job *database.TranscodingJob, quality string, cause error) {
	message := cause.Error()
	if err := m.store.MarkFailed(job, message); err != nil {
		m.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}

	m.tracker.RecordFailure()
	m.tracker.Finish(job.ID, job.InputPath, job.Progress)
	m.logger.Error("job failed",
		"job_id", job.ID,
		"quality", quality,
		"attempts", job.Attempts,
		"error", cause)
	m.publishJobEvent(events.EventJobFailed, job, quality, message)
}

// backoffDelay computes the exponential retry delay for an attempt count
func (m *Manager) backoffDelay(attempts int) time.Duration {
	delay := m.cfg.RetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= m.cfg.MaxRetryDelay {
			return m.cfg.MaxRetryDelay
		}
	}
	if delay > m.cfg.MaxRetryDelay {
		delay = m.cfg.MaxRetryDelay
	}
	return delay
}

func (m *Manager) publishJobEvent(eventType events.EventType, job *database.TranscodingJob, quality, errMsg string) {
	if m.bus == nil {
		return
	}
	event := events.NewEvent(eventType, "transcoding", "", "")
	event.Data["job"] = events.JobEventData{
		JobID:     job.ID,
		InputPath: job.InputPath,
		Status:    string(job.Status),
		Quality:   quality,
		Progress:  job.Progress,
		Attempts:  job.Attempts,
		Error:     errMsg,
		Timestamp: time.Now(),
	}
	m.bus.PublishAsync(event)
}
