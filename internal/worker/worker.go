package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docustream/backend/internal/binder"
	"github.com/docustream/backend/internal/capture"
	"github.com/docustream/backend/pkg/queue"
)

// ErrPermanent marks a job failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

// Submitter binds and uploads a recording. *binder.Binder implements it.
type Submitter interface {
	Submit(ctx context.Context, req binder.Request, creds binder.Credentials) (binder.Result, error)
}

// AssetLoader reads assets saved by the recorder. *capture.FileStore implements it.
type AssetLoader interface {
	Load(path string, enc capture.Encoding, digest string) (capture.Asset, error)
	Remove(sessionID uuid.UUID) error
}

// TokenIssuer mints a bearer token for calls made on the user's behalf. *auth.JWTService implements it.
type TokenIssuer interface {
	Generate(userID uuid.UUID, email string) (string, error)
}

// JobQueue is the subset of *queue.Queue the processor uses.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job, cause error) error
	DeadLetter(ctx context.Context, job *queue.Job, cause error) error
}

// SubmissionProcessor submits recordings that were handed off asynchronously.
type SubmissionProcessor struct {
	submitter Submitter
	assets    AssetLoader
	tokens    TokenIssuer
	queue     JobQueue
	backoff   time.Duration
	logger    *zap.Logger
}

// NewSubmissionProcessor creates a submission processor. tokens may be nil
// when the container backend runs in-process.
func NewSubmissionProcessor(submitter Submitter, assets AssetLoader, tokens TokenIssuer, q JobQueue, logger *zap.Logger) *SubmissionProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionProcessor{
		submitter: submitter,
		assets:    assets,
		tokens:    tokens,
		queue:     q,
		backoff:   queue.RetryBackoff,
		logger:    logger,
	}
}

// Process executes one submission job. When an attempt created a container
// before failing, the job payload is rewritten to append to it on retry.
func (p *SubmissionProcessor) Process(ctx context.Context, job *queue.Job) error {
	payload, err := job.Submission()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("session_id", payload.SessionID.String()))

	enc, ok := capture.EncodingForMime(payload.MimeType)
	if !ok {
		return fmt.Errorf("%w: unknown mime type %q", ErrPermanent, payload.MimeType)
	}
	asset, err := p.assets.Load(payload.AssetPath, enc, payload.Digest)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	creds := binder.Credentials{UserID: payload.UserID}
	if p.tokens != nil {
		if creds.Token, err = p.tokens.Generate(payload.UserID, ""); err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
	}
	req := binder.Request{
		SessionID:       payload.SessionID,
		StartedAt:       payload.StartedAt,
		AccumulatedMs:   payload.AccumulatedMs,
		ReportedSeconds: payload.ReportedSeconds,
		Asset:           asset,
	}
	if payload.ContainerID != uuid.Nil {
		req.Container = &binder.ContainerRef{ID: payload.ContainerID, StartTime: payload.ContainerStart}
	}

	res, err := p.submitter.Submit(ctx, req, creds)
	if err != nil {
		if res.Created && res.Container != nil {
			payload.ContainerID = res.Container.ID
			payload.ContainerStart = res.StartTime
			if setErr := job.SetSubmission(payload); setErr != nil {
				log.Error("remember created docustream failed", zap.Error(setErr))
			}
		}
		if errors.Is(err, capture.ErrAssemblyFailure) || errors.Is(err, binder.ErrNoDuration) {
			return fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		return err
	}

	if err := p.assets.Remove(payload.SessionID); err != nil {
		log.Warn("remove submitted asset failed", zap.Error(err))
	}
	log.Info("submission completed",
		zap.String("docustream_id", res.Container.ID.String()),
		zap.Bool("created", res.Created),
		zap.Float64("duration_seconds", res.DurationSeconds),
	)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *SubmissionProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("submission worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if errors.Is(err, ErrPermanent) {
				if dlErr := p.queue.DeadLetter(ctx, job, err); dlErr != nil {
					p.logger.Error("dead letter failed", zap.Error(dlErr))
				} else {
					p.dropAsset(job)
				}
				continue
			}
			if reErr := p.queue.Retry(ctx, job, err); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			} else if job.Attempt >= queue.MaxRetries {
				p.dropAsset(job)
			}
			p.sleep(ctx)
		}
	}
}

// dropAsset removes the local asset of a job that reached the DLQ. Nothing
// will read it again.
func (p *SubmissionProcessor) dropAsset(job *queue.Job) {
	payload, err := job.Submission()
	if err != nil || payload.SessionID == uuid.Nil {
		return
	}
	if err := p.assets.Remove(payload.SessionID); err != nil {
		p.logger.Warn("remove dead-lettered asset failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	p.logger.Info("dead-lettered asset removed", zap.String("job_id", job.ID), zap.String("session_id", payload.SessionID.String()))
}

func (p *SubmissionProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
