package progress

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/Brocrad/Obselis-sub002/internal/events"
)

// Stats holds cumulative engine statistics across all completed work
type Stats struct {
	FilesProcessed  int64   `json:"files_processed"`
	FilesSkipped    int64   `json:"files_skipped"`
	FilesFailed     int64   `json:"files_failed"`
	OriginalBytes   int64   `json:"original_bytes"`
	CompressedBytes int64   `json:"compressed_bytes"`
	SpaceSaved      int64   `json:"space_saved"`
	SavingsPercent  float64 `json:"savings_percent"`
}

// Tracker throttles progress publication and accumulates engine statistics.
// Encoders report every parsed stderr line; the tracker publishes at most one
// job.progress event per update interval per job.
type Tracker struct {
	logger   hclog.Logger
	bus      events.EventBus
	interval time.Duration

	mu          sync.Mutex
	lastPublish map[string]time.Time
	stats       Stats
}

// NewTracker creates a progress tracker publishing to the given bus
func NewTracker(logger hclog.Logger, bus events.EventBus, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Tracker{
		logger:      logger.Named("progress"),
		bus:         bus,
		interval:    interval,
		lastPublish: make(map[string]time.Time),
	}
}

// Report records a progress sample for a job. Publication is throttled;
// samples arriving inside the update interval are dropped.
func (t *Tracker) Report(jobID, inputPath, quality string, overallPercent float64, update Update) {
	t.mu.Lock()
	last, seen := t.lastPublish[jobID]
	if seen && time.Since(last) < t.interval {
		t.mu.Unlock()
		return
	}
	t.lastPublish[jobID] = time.Now()
	t.mu.Unlock()

	t.publish(jobID, inputPath, quality, overallPercent, update.TimeRemaining)
}

// Finish publishes a final progress sample unconditionally and drops the
// job's throttle state.
func (t *Tracker) Finish(jobID, inputPath string, overallPercent float64) {
	t.mu.Lock()
	delete(t.lastPublish, jobID)
	t.mu.Unlock()

	t.publish(jobID, inputPath, "", overallPercent, 0)
}

func (t *Tracker) publish(jobID, inputPath, quality string, percent float64, eta time.Duration) {
	if t.bus == nil {
		return
	}

	event := events.NewEvent(events.EventJobProgress, "transcoding",
		"Transcoding progress", "")
	event.Data["job"] = events.JobEventData{
		JobID:     jobID,
		InputPath: inputPath,
		Quality:   quality,
		Progress:  percent,
		ETA:       eta.Seconds(),
		Timestamp: time.Now(),
	}
	t.bus.PublishAsync(event)

	t.logger.Debug("progress", "job_id", jobID, "quality", quality,
		"percent", percent)
}

// LastReport returns when a job last published progress. The second return
// is false for jobs that never reported or already finished.
func (t *Tracker) LastReport(jobID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastPublish[jobID]
	return last, ok
}

// RecordCompletion folds one published rendition into the cumulative stats
func (t *Tracker) RecordCompletion(originalSize, compressedSize int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.FilesProcessed++
	t.stats.OriginalBytes += originalSize
	t.stats.CompressedBytes += compressedSize
	t.recalculate()
}

// RecordSkip counts a file that analysis decided not to transcode
func (t *Tracker) RecordSkip() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.FilesSkipped++
}

// RecordFailure counts a permanently failed job
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.FilesFailed++
}

// Snapshot returns a copy of the cumulative statistics
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Tracker) recalculate() {
	t.stats.SpaceSaved = t.stats.OriginalBytes - t.stats.CompressedBytes
	if t.stats.OriginalBytes > 0 {
		t.stats.SavingsPercent = float64(t.stats.SpaceSaved) /
			float64(t.stats.OriginalBytes) * 100
	}
}
