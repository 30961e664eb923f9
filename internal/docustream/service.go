// Package docustream owns Docustream containers: persistence, the local
// create/upload backend, a REST client for a remote backend and the HTTP API.
package docustream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docustream/backend/internal/binder"
	"github.com/docustream/backend/internal/models"
	"github.com/docustream/backend/pkg/storage"
)

var (
	ErrNotFound      = errors.New("docustream not found")
	ErrForbidden     = errors.New("docustream belongs to another user")
	ErrInvalidUpload = errors.New("invalid audio upload")
)

// Store is the persistence the service needs. *Repository implements it.
type Store interface {
	Create(ctx context.Context, d *models.Docustream) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Docustream, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.Docustream, error)
	AppendRecording(ctx context.Context, rec *models.DocustreamRecording) (*models.Docustream, bool, error)
	ListRecordings(ctx context.Context, docustreamID uuid.UUID) ([]models.DocustreamRecording, error)
	GetRecording(ctx context.Context, docustreamID, recordingID uuid.UUID) (*models.DocustreamRecording, error)
}

// AudioStore holds uploaded audio objects. *storage.S3 implements it.
type AudioStore interface {
	PutAudio(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
	PresignAudio(ctx context.Context, key string) (string, error)
}

// Service is the in-process container backend. It satisfies
// binder.ContainerCreator and binder.Uploader.
type Service struct {
	store  Store
	audio  AudioStore
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates the local backend.
func NewService(store Store, audio AudioStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, audio: audio, now: time.Now, logger: logger}
}

var (
	_ binder.ContainerCreator = (*Service)(nil)
	_ binder.Uploader         = (*Service)(nil)
)

// CreateContainer creates an empty container owned by creds.UserID.
func (s *Service) CreateContainer(ctx context.Context, startHint time.Time, creds binder.Credentials) (*models.Docustream, error) {
	if creds.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: no user", ErrForbidden)
	}
	if startHint.IsZero() {
		startHint = s.now()
	}
	d := &models.Docustream{OwnerID: creds.UserID, StartTime: startHint.UTC()}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create docustream: %w", err)
	}
	s.logger.Info("docustream created", zap.String("docustream_id", d.ID.String()), zap.String("owner_id", d.OwnerID.String()))
	return d, nil
}

// UploadAudio stores the asset and adds its duration to the container.
// Uploading the same session twice counts its duration once.
func (s *Service) UploadAudio(ctx context.Context, u binder.Upload, creds binder.Credentials) (*models.Docustream, error) {
	if u.Asset.Size() == 0 {
		return nil, fmt.Errorf("%w: empty asset", ErrInvalidUpload)
	}
	if u.TotalDurationSeconds <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidUpload)
	}
	if u.SessionID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing session id", ErrInvalidUpload)
	}
	d, err := s.owned(ctx, u.ContainerID, creds.UserID)
	if err != nil {
		return nil, err
	}
	if s.audio == nil {
		return nil, errors.New("audio storage not configured")
	}

	key := storage.AudioKey(d.ID.String(), u.SessionID.String(), u.Asset.Encoding.Extension)
	url, err := s.audio.PutAudio(ctx, key, u.Asset.Encoding.MimeType, u.Asset.Reader(), u.Asset.Size())
	if err != nil {
		return nil, fmt.Errorf("store audio: %w", err)
	}
	start := u.StartTime
	if start.IsZero() {
		start = d.StartTime
	}
	// The key is derived from the session id, so a failed append can be
	// retried against the same object.
	updated, inserted, err := s.store.AppendRecording(ctx, &models.DocustreamRecording{
		ID:              u.SessionID,
		DocustreamID:    d.ID,
		S3Key:           key,
		S3URL:           url,
		MimeType:        u.Asset.Encoding.MimeType,
		FileSize:        u.Asset.Size(),
		DurationSeconds: u.TotalDurationSeconds,
		Digest:          u.Asset.Digest,
		StartTime:       start,
	})
	if err != nil {
		return nil, fmt.Errorf("append recording: %w", err)
	}
	s.logger.Info("audio uploaded",
		zap.String("docustream_id", d.ID.String()),
		zap.String("session_id", u.SessionID.String()),
		zap.Bool("duplicate", !inserted),
		zap.Float64("total_duration_seconds", updated.TotalDurationSeconds),
	)
	return updated, nil
}

// LookupContainer resolves an existing container for "add more audio".
func (s *Service) LookupContainer(ctx context.Context, id uuid.UUID, creds binder.Credentials) (*models.Docustream, error) {
	return s.owned(ctx, id, creds.UserID)
}

// Get returns a container the user owns.
func (s *Service) Get(ctx context.Context, id, userID uuid.UUID) (*models.Docustream, error) {
	return s.owned(ctx, id, userID)
}

// List returns the user's containers.
func (s *Service) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Docustream, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListByOwner(ctx, userID, limit, offset)
}

// Recordings lists the audio submitted to a container the user owns.
func (s *Service) Recordings(ctx context.Context, id, userID uuid.UUID) ([]models.DocustreamRecording, error) {
	if _, err := s.owned(ctx, id, userID); err != nil {
		return nil, err
	}
	return s.store.ListRecordings(ctx, id)
}

// AudioURL returns a presigned download URL for one recording.
func (s *Service) AudioURL(ctx context.Context, id, recordingID, userID uuid.UUID) (string, error) {
	if _, err := s.owned(ctx, id, userID); err != nil {
		return "", err
	}
	rec, err := s.store.GetRecording(ctx, id, recordingID)
	if err != nil {
		return "", err
	}
	if s.audio == nil {
		return "", errors.New("audio storage not configured")
	}
	return s.audio.PresignAudio(ctx, rec.S3Key)
}

func (s *Service) owned(ctx context.Context, id, userID uuid.UUID) (*models.Docustream, error) {
	d, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.OwnerID != userID {
		return nil, ErrForbidden
	}
	return d, nil
}
