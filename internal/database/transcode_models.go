package database

import (
	"encoding/json"
	"time"
)

// JobStatus represents the status of a transcoding job
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusAnalyzing   JobStatus = "analyzing"
	JobStatusTranscoding JobStatus = "transcoding"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// IsTerminal reports whether the status ends a job's lifecycle
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// TranscodeSettings holds per-job encoding configuration, stored as a JSON
// blob on the job row
type TranscodeSettings struct {
	VideoCodec                 string `json:"video_codec,omitempty"`
	Preset                     string `json:"preset,omitempty"`
	Quality                    int    `json:"quality,omitempty"` // CRF-style, lower is better
	AudioCodec                 string `json:"audio_codec,omitempty"`
	AudioBitrate               string `json:"audio_bitrate,omitempty"`
	TwoPass                    bool   `json:"two_pass,omitempty"`
	Deinterlace                bool   `json:"deinterlace,omitempty"`
	BurnSubtitles              bool   `json:"burn_subtitles,omitempty"`
	CopyMetadata               bool   `json:"copy_metadata,omitempty"`
	EnableHardwareAcceleration bool   `json:"enable_hardware_acceleration,omitempty"`
}

// TranscodingJob is a unit of work covering one input file and a set of
// target qualities. The job manager is the sole writer of these rows.
type TranscodingJob struct {
	ID           string     `gorm:"primaryKey;type:varchar(128)" json:"id"`
	InputPath    string     `gorm:"type:varchar(1024);not null" json:"input_path"`
	OutputPath   *string    `gorm:"type:varchar(1024)" json:"output_path,omitempty"`
	Qualities    string     `gorm:"type:text" json:"-"` // JSON string list
	Status       JobStatus  `gorm:"type:varchar(32);not null;index" json:"status"`
	Priority     int        `gorm:"not null;default:0;index" json:"priority"`
	CreatedAt    time.Time  `gorm:"not null;index" json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage *string    `gorm:"type:text" json:"error_message,omitempty"`
	Progress     float64    `gorm:"not null;default:0" json:"progress"`
	Attempts     int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts  int        `gorm:"not null;default:3" json:"max_attempts"`
	Settings     string     `gorm:"type:text" json:"-"` // JSON string
}

// TableName returns the table name for GORM
func (TranscodingJob) TableName() string {
	return "transcoding_jobs"
}

// GetQualities deserializes the qualities list
func (j *TranscodingJob) GetQualities() ([]string, error) {
	if j.Qualities == "" {
		return nil, nil
	}
	var qualities []string
	if err := json.Unmarshal([]byte(j.Qualities), &qualities); err != nil {
		return nil, err
	}
	return qualities, nil
}

// SetQualities serializes the qualities list
func (j *TranscodingJob) SetQualities(qualities []string) error {
	data, err := json.Marshal(qualities)
	if err != nil {
		return err
	}
	j.Qualities = string(data)
	return nil
}

// GetSettings deserializes the settings blob
func (j *TranscodingJob) GetSettings() (*TranscodeSettings, error) {
	if j.Settings == "" {
		return &TranscodeSettings{}, nil
	}
	var settings TranscodeSettings
	if err := json.Unmarshal([]byte(j.Settings), &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// SetSettings serializes the settings blob
func (j *TranscodingJob) SetSettings(settings *TranscodeSettings) error {
	if settings == nil {
		j.Settings = ""
		return nil
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	j.Settings = string(data)
	return nil
}

// TranscodingResult records the outcome of transcoding one (job, quality)
// pair. Rows are created by the storage manager on publication and are
// immutable thereafter. The unique index enforces at-most-one result per
// job-quality pair.
type TranscodingResult struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	JobID            string    `gorm:"type:varchar(128);not null;index;uniqueIndex:idx_job_quality" json:"job_id"`
	Quality          string    `gorm:"type:varchar(32);not null;uniqueIndex:idx_job_quality" json:"quality"`
	OriginalPath     string    `gorm:"type:varchar(1024);not null" json:"original_path"`
	TranscodedPath   string    `gorm:"type:varchar(1024);not null" json:"transcoded_path"`
	OriginalSize     int64     `gorm:"not null" json:"original_size"`
	TranscodedSize   int64     `gorm:"not null" json:"transcoded_size"`
	CompressionRatio float64   `gorm:"not null" json:"compression_ratio"`
	SpaceSaved       int64     `gorm:"not null" json:"space_saved"`
	Checksum         string    `gorm:"type:varchar(64)" json:"checksum"`
	CreatedAt        time.Time `gorm:"not null" json:"created_at"`
}

// TableName returns the table name for GORM
func (TranscodingResult) TableName() string {
	return "transcoding_results"
}
