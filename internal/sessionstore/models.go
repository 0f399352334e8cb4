package sessionstore

import (
	"time"
)

// SessionRecord is the persisted form of a recording session. The
// layout history, slide cues, and source kinds are stored as JSON
// columns; blob bytes live on disk next to the database, keyed by
// session id.
type SessionRecord struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	SourcesUsed    string     `json:"sources_used"`
	LayoutHistory  string     `json:"layout_history"`
	SlideCues      string     `json:"slide_cues"`
	AudioEnabled   bool       `json:"audio_enabled"`
	QualityProfile string     `json:"quality_profile"`

	BlobPath         string `json:"blob_path"`
	PosterPath       string `json:"poster_path"`
	Container        string `json:"container"`
	VideoCodec       string `json:"video_codec"`
	AudioCodec       string `json:"audio_codec"`
	SizeBytes        int64  `json:"size_bytes"`
	ApproxDurationMs int64  `json:"approx_duration_ms"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName sets the table name for session records
func (SessionRecord) TableName() string {
	return "recording_sessions"
}
