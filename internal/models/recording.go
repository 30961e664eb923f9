package models

import (
	"time"

	"github.com/google/uuid"
)

// DocustreamRecording is one submitted session's audio inside a container.
// Its ID is the capture session ID, so a retried upload cannot insert twice.
type DocustreamRecording struct {
	ID              uuid.UUID `json:"id"`
	DocustreamID    uuid.UUID `json:"docustream_id"`
	S3Key           string    `json:"s3_key,omitempty"`
	S3URL           string    `json:"s3_url,omitempty"`
	MimeType        string    `json:"mime_type"`
	FileSize        int64     `json:"file_size"`
	DurationSeconds float64   `json:"duration_seconds"`
	Digest          string    `json:"digest,omitempty"`
	StartTime       time.Time `json:"start_time"`
	CreatedAt       time.Time `json:"created_at"`
}
