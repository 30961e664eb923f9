// Package binder attaches a finished capture session to a Docustream container
// and hands the asset to the upload collaborator.
package binder

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docustream/backend/internal/capture"
	"github.com/docustream/backend/internal/models"
)

// ErrNoDuration means a non-empty asset arrived without any usable duration.
var ErrNoDuration = errors.New("no positive recording duration")

// mismatchTolerance is how far the reported duration may drift before it is logged.
const mismatchTolerance = time.Second

// Credentials identify the user on whose behalf the collaborators are called.
type Credentials struct {
	UserID  uuid.UUID
	Token   string
	Cookies []*http.Cookie
}

// ContainerCreator is the container creation collaborator.
type ContainerCreator interface {
	CreateContainer(ctx context.Context, startHint time.Time, creds Credentials) (*models.Docustream, error)
}

// Upload is the payload handed to the upload collaborator.
type Upload struct {
	ContainerID          uuid.UUID
	SessionID            uuid.UUID
	StartTime            time.Time
	Asset                capture.Asset
	TotalDurationSeconds float64
}

// Uploader is the upload collaborator. It returns the updated container.
type Uploader interface {
	UploadAudio(ctx context.Context, u Upload, creds Credentials) (*models.Docustream, error)
}

// Notifier is told about completed submissions.
type Notifier interface {
	RecordingSubmitted(ctx context.Context, container *models.Docustream, sessionID uuid.UUID) error
}

// ContainerRef points at an existing container for "add more audio".
type ContainerRef struct {
	ID        uuid.UUID
	StartTime time.Time
}

// Request is one submission.
type Request struct {
	SessionID     uuid.UUID
	Container     *ContainerRef
	StartedAt     time.Time
	AccumulatedMs int64
	// ReportedSeconds is the media-reported duration, if the client has one.
	ReportedSeconds float64
	Asset           capture.Asset
}

// Result describes what the binder did. On an upload failure Container still
// names any container that was created, so a retry can append to it.
type Result struct {
	Container       *models.Docustream
	Created         bool
	StartTime       time.Time
	DurationSeconds float64
}

// Binder resolves or creates the container and submits the asset.
type Binder struct {
	creator  ContainerCreator
	uploader Uploader
	notifier Notifier
	logger   *zap.Logger
}

// New creates a binder. notifier may be nil.
func New(creator ContainerCreator, uploader Uploader, notifier Notifier, logger *zap.Logger) *Binder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{creator: creator, uploader: uploader, notifier: notifier, logger: logger}
}

// Submit binds req to a container and uploads it. Failures wrap capture.ErrSubmissionFailure
// except an empty asset, which wraps capture.ErrAssemblyFailure.
func (b *Binder) Submit(ctx context.Context, req Request, creds Credentials) (Result, error) {
	log := b.logger.With(zap.String("session_id", req.SessionID.String()))
	if req.Asset.Size() == 0 {
		return Result{}, fmt.Errorf("%w: empty asset", capture.ErrAssemblyFailure)
	}
	seconds, err := b.resolveDuration(req, log)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", capture.ErrSubmissionFailure, err)
	}

	res := Result{DurationSeconds: seconds}
	var containerID uuid.UUID
	if req.Container != nil && req.Container.ID != uuid.Nil {
		containerID = req.Container.ID
		res.StartTime = req.Container.StartTime
	} else {
		created, err := b.creator.CreateContainer(ctx, req.StartedAt, creds)
		if err != nil {
			return Result{}, fmt.Errorf("%w: create container: %w", capture.ErrSubmissionFailure, err)
		}
		containerID = created.ID
		res.Container = created
		res.Created = true
		res.StartTime = created.StartTime
		if res.StartTime.IsZero() {
			res.StartTime = req.StartedAt
		}
		log.Info("docustream created", zap.String("docustream_id", created.ID.String()))
	}

	updated, err := b.uploader.UploadAudio(ctx, Upload{
		ContainerID:          containerID,
		SessionID:            req.SessionID,
		StartTime:            res.StartTime,
		Asset:                req.Asset,
		TotalDurationSeconds: seconds,
	}, creds)
	if err != nil {
		log.Warn("audio upload failed", zap.String("docustream_id", containerID.String()), zap.Error(err))
		return res, fmt.Errorf("%w: upload audio: %w", capture.ErrSubmissionFailure, err)
	}
	res.Container = updated

	if b.notifier != nil {
		if err := b.notifier.RecordingSubmitted(ctx, updated, req.SessionID); err != nil {
			log.Warn("submission notification failed", zap.Error(err))
		}
	}
	log.Info("recording bound",
		zap.String("docustream_id", containerID.String()),
		zap.Bool("created", res.Created),
		zap.Float64("duration_seconds", seconds),
		zap.Int64("bytes", req.Asset.Size()),
	)
	return res, nil
}

func (b *Binder) resolveDuration(req Request, log *zap.Logger) (float64, error) {
	seconds, fallback := ResolveDuration(req.AccumulatedMs, req.ReportedSeconds)
	if fallback {
		log.Warn("tracked duration missing, using reported duration", zap.Float64("reported_seconds", req.ReportedSeconds))
	} else if usable(req.ReportedSeconds) {
		diff := time.Duration(math.Abs(seconds-req.ReportedSeconds) * float64(time.Second))
		if diff > mismatchTolerance {
			log.Warn("reported duration disagrees with tracked duration",
				zap.Int64("accumulated_ms", req.AccumulatedMs),
				zap.Float64("reported_seconds", req.ReportedSeconds),
			)
		}
	}
	if seconds <= 0 {
		return 0, ErrNoDuration
	}
	return seconds, nil
}

// ResolveDuration returns the duration to submit. The tracked accumulatedMs
// wins; the reported value is used only when nothing was tracked, and
// fallback says so. Non-finite or non-positive reports are ignored.
func ResolveDuration(accumulatedMs int64, reportedSeconds float64) (seconds float64, fallback bool) {
	if accumulatedMs > 0 {
		return float64(accumulatedMs) / 1000, false
	}
	if usable(reportedSeconds) {
		return reportedSeconds, true
	}
	return 0, false
}

func usable(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
