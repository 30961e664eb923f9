package models

import (
	"time"

	"github.com/google/uuid"
)

// Docustream status values.
const (
	DocustreamStatusCreated       = "created"
	DocustreamStatusAudioUploaded = "audio_uploaded"
)

// Docustream is the container for one encounter's recordings.
type Docustream struct {
	ID                   uuid.UUID `json:"id"`
	OwnerID              uuid.UUID `json:"owner_id"`
	Title                string    `json:"title,omitempty"`
	StartTime            time.Time `json:"start_time"`
	TotalDurationSeconds float64   `json:"total_duration_seconds"`
	IsFinalizedAudio     bool      `json:"is_finalized_audio"`
	Status               string    `json:"status"`
	RecordingCount       int       `json:"recording_count"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}
