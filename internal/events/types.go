// Package events provides the in-process event bus the transcoding engine
// publishes to. The engine only depends on the EventBus interface; concrete
// transports (the websocket fanout, log sinks) subscribe to it.
package events

import (
	"time"
)

// EventType represents the type of event
type EventType string

// Engine event types
const (
	// Job lifecycle events
	EventJobQueued    EventType = "transcode.job.queued"
	EventJobStarted   EventType = "transcode.job.started"
	EventJobProgress  EventType = "transcode.job.progress"
	EventJobCompleted EventType = "transcode.job.completed"
	EventJobFailed    EventType = "transcode.job.failed"
	EventJobCancelled EventType = "transcode.job.cancelled"
	EventJobRetried   EventType = "transcode.job.retried"
	EventJobSkipped   EventType = "transcode.job.skipped"

	// Rendition events
	EventRenditionPublished EventType = "transcode.rendition.published"

	// Maintenance events
	EventCleanupCompleted EventType = "transcode.cleanup.completed"
	EventJobStalled       EventType = "transcode.job.stalled"

	// System events
	EventSystemStarted  EventType = "system.started"
	EventSystemStopped  EventType = "system.stopped"
	EventConfigReloaded EventType = "system.config.reloaded"
)

// Event represents a system event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler represents a function that handles events
type EventHandler func(event Event) error

// EventFilter restricts which events a subscription receives.
// An empty filter matches everything.
type EventFilter struct {
	Types   []EventType `json:"types,omitempty"`
	Sources []string    `json:"sources,omitempty"`
}

// Subscription represents an event subscription
type Subscription struct {
	ID           string       `json:"id"`
	Filter       EventFilter  `json:"filter"`
	Handler      EventHandler `json:"-"`
	Created      time.Time    `json:"created"`
	TriggerCount int64        `json:"trigger_count"`
}

// Config configures the event bus
type Config struct {
	BufferSize int `json:"buffer_size"`
}

// DefaultConfig returns default event bus configuration
func DefaultConfig() Config {
	return Config{BufferSize: 1000}
}

// JobEventData is the payload for job lifecycle events
type JobEventData struct {
	JobID     string    `json:"job_id"`
	InputPath string    `json:"input_path"`
	Status    string    `json:"status"`
	Quality   string    `json:"quality,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	ETA       float64   `json:"eta_seconds,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RenditionEventData is the payload for rendition publication events
type RenditionEventData struct {
	JobID            string    `json:"job_id"`
	Quality          string    `json:"quality"`
	TranscodedPath   string    `json:"transcoded_path"`
	OriginalSize     int64     `json:"original_size"`
	TranscodedSize   int64     `json:"transcoded_size"`
	CompressionRatio float64   `json:"compression_ratio"`
	SpaceSaved       int64     `json:"space_saved"`
	Timestamp        time.Time `json:"timestamp"`
}

// CleanupEventData is the payload for cleanup cycle events
type CleanupEventData struct {
	CorruptedRemoved int       `json:"corrupted_removed"`
	OrphansRemoved   int       `json:"orphans_removed"`
	BytesFreed       int64     `json:"bytes_freed"`
	Timestamp        time.Time `json:"timestamp"`
}

// MatchesFilter checks if an event matches the given filter
func MatchesFilter(event Event, filter EventFilter) bool {
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(filter.Sources) > 0 {
		found := false
		for _, s := range filter.Sources {
			if event.Source == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// NewEvent creates a new event with default values
func NewEvent(eventType EventType, source, title, message string) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Title:     title,
		Message:   message,
		Data:      make(map[string]interface{}),
		Timestamp: time.Now(),
	}
}
