package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docustream/backend/internal/binder"
	"github.com/docustream/backend/internal/capture"
	"github.com/docustream/backend/internal/docustream"
	"github.com/docustream/backend/internal/middleware"
	"github.com/docustream/backend/internal/models"
	"github.com/docustream/backend/pkg/queue"
	"github.com/docustream/backend/pkg/response"
)

// Submitter binds a stopped session to a container.
type Submitter interface {
	Submit(ctx context.Context, req binder.Request, creds binder.Credentials) (binder.Result, error)
}

// ContainerLookup resolves an existing container the caller may append to.
type ContainerLookup interface {
	LookupContainer(ctx context.Context, id uuid.UUID, creds binder.Credentials) (*models.Docustream, error)
}

// Enqueuer hands submissions to the background worker.
type Enqueuer interface {
	EnqueueSubmission(ctx context.Context, p queue.SubmissionPayload) (string, error)
}

// SubmitRequest is the optional body of POST /recordings/:id/submit.
type SubmitRequest struct {
	// DocustreamID appends to an existing container instead of creating one.
	DocustreamID *uuid.UUID `json:"docustream_id,omitempty"`
	// ReportedDurationSeconds is the player-reported duration, used only when
	// nothing was tracked.
	ReportedDurationSeconds float64 `json:"reported_duration_seconds,omitempty"`
}

type submitView struct {
	recorderView
	Docustream      *models.Docustream `json:"docustream,omitempty"`
	Created         bool               `json:"created"`
	DurationSeconds float64            `json:"duration_seconds,omitempty"`
	JobID           string             `json:"job_id,omitempty"`
}

func credentials(c *gin.Context) binder.Credentials {
	return binder.Credentials{
		UserID:  middleware.UserID(c),
		Token:   middleware.Token(c),
		Cookies: c.Request.Cookies(),
	}
}

// Submit handles POST /recordings/:id/submit[?async=true].
func (h *Handler) Submit(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	var req SubmitRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	ctx := c.Request.Context()
	creds := credentials(c)

	sub, err := e.Recorder.BeginSubmission(ctx)
	if err != nil {
		snap, _ := e.Recorder.Snapshot(ctx)
		h.fail(c, err, view(e, snap))
		return
	}
	log := h.logger.With(zap.String("recorder_id", e.ID.String()), zap.String("session_id", sub.SessionID.String()))

	ref, err := h.containerRef(ctx, sub, req, creds)
	if err != nil {
		if h.finish(ctx, e, sub, uuid.Nil, time.Time{}, err, log) {
			h.removeAsset(sub.SessionID, log)
		}
		snap, _ := e.Recorder.Snapshot(ctx)
		switch {
		case errors.Is(err, docustream.ErrNotFound):
			response.Fail(c, http.StatusNotFound, err.Error(), view(e, snap))
		case errors.Is(err, docustream.ErrForbidden):
			response.Fail(c, http.StatusForbidden, err.Error(), view(e, snap))
		default:
			log.Warn("docustream lookup failed", zap.Error(err))
			response.Fail(c, http.StatusBadGateway, err.Error(), view(e, snap))
		}
		return
	}

	if queryBool(c, "async", h.cfg.AsyncDefault) && h.cfg.Queue != nil && sub.AssetPath != "" {
		h.submitAsync(c, e, sub, ref, req, creds, log)
		return
	}

	res, subErr := h.cfg.Submitter.Submit(ctx, binder.Request{
		SessionID:       sub.SessionID,
		Container:       ref,
		StartedAt:       sub.StartedAt,
		AccumulatedMs:   sub.AccumulatedMs,
		ReportedSeconds: req.ReportedDurationSeconds,
		Asset:           sub.Asset,
	}, creds)

	var containerID uuid.UUID
	if res.Container != nil {
		containerID = res.Container.ID
	}
	abandoned := h.finish(ctx, e, sub, containerID, res.StartTime, subErr, log)
	snap, _ := e.Recorder.Snapshot(ctx)
	if subErr != nil {
		if abandoned {
			h.removeAsset(sub.SessionID, log)
		}
		h.fail(c, subErr, submitView{recorderView: view(e, snap), Docustream: res.Container, Created: res.Created})
		return
	}
	h.removeAsset(sub.SessionID, log)
	response.OK(c, submitView{
		recorderView:    view(e, snap),
		Docustream:      res.Container,
		Created:         res.Created,
		DurationSeconds: res.DurationSeconds,
	})
}

// containerRef picks the container to append to: the one a previous attempt
// created wins over the one named in the request.
func (h *Handler) containerRef(ctx context.Context, sub capture.Submission, req SubmitRequest, creds binder.Credentials) (*binder.ContainerRef, error) {
	if sub.ContainerID != uuid.Nil {
		return &binder.ContainerRef{ID: sub.ContainerID, StartTime: sub.ContainerStart}, nil
	}
	if req.DocustreamID == nil || *req.DocustreamID == uuid.Nil {
		return nil, nil
	}
	if h.cfg.Lookup == nil {
		return &binder.ContainerRef{ID: *req.DocustreamID}, nil
	}
	d, err := h.cfg.Lookup.LookupContainer(ctx, *req.DocustreamID, creds)
	if err != nil {
		return nil, fmt.Errorf("resolve docustream: %w", err)
	}
	return &binder.ContainerRef{ID: d.ID, StartTime: d.StartTime}, nil
}

// submitAsync queues the session for the worker. The recorder is released
// immediately; the asset stays on disk until the worker is done with it.
func (h *Handler) submitAsync(c *gin.Context, e *Entry, sub capture.Submission, ref *binder.ContainerRef, req SubmitRequest, creds binder.Credentials, log *zap.Logger) {
	ctx := c.Request.Context()
	p := queue.SubmissionPayload{
		SessionID:       sub.SessionID,
		UserID:          creds.UserID,
		AssetPath:       sub.AssetPath,
		MimeType:        sub.Asset.Encoding.MimeType,
		Digest:          sub.Asset.Digest,
		StartedAt:       sub.StartedAt,
		AccumulatedMs:   sub.AccumulatedMs,
		ReportedSeconds: req.ReportedDurationSeconds,
	}
	if ref != nil {
		p.ContainerID = ref.ID
		p.ContainerStart = ref.StartTime
	}
	jobID, err := h.cfg.Queue.EnqueueSubmission(ctx, p)
	if err != nil {
		err = fmt.Errorf("%w: enqueue: %w", capture.ErrSubmissionFailure, err)
		if h.finish(ctx, e, sub, uuid.Nil, time.Time{}, err, log) {
			h.removeAsset(sub.SessionID, log)
		}
		snap, _ := e.Recorder.Snapshot(ctx)
		log.Error("enqueue submission failed", zap.Error(err))
		h.fail(c, err, view(e, snap))
		return
	}
	// the queued job owns the asset from here on, abandoned or not
	h.finish(ctx, e, sub, p.ContainerID, p.ContainerStart, nil, log)
	log.Info("submission queued", zap.String("job_id", jobID))
	snap, _ := e.Recorder.Snapshot(ctx)
	response.Accepted(c, submitView{recorderView: view(e, snap), JobID: jobID})
}

// finish records the submission outcome even if the client went away. It
// reports whether the session was abandoned or closed meanwhile, in which case
// nothing on the recorder side will clean up the stored asset.
func (h *Handler) finish(ctx context.Context, e *Entry, sub capture.Submission, containerID uuid.UUID, start time.Time, subErr error, log *zap.Logger) bool {
	err := e.Recorder.FinishSubmission(context.WithoutCancel(ctx), sub.SessionID, containerID, start, subErr)
	switch {
	case err == nil:
		return false
	case errors.Is(err, capture.ErrAbandoned), errors.Is(err, capture.ErrClosed):
		log.Info("session abandoned during submission", zap.Error(err))
		return true
	default:
		log.Error("finish submission failed", zap.Error(err))
		return false
	}
}

func (h *Handler) removeAsset(sessionID uuid.UUID, log *zap.Logger) {
	if h.cfg.Store == nil {
		return
	}
	if err := h.cfg.Store.Remove(sessionID); err != nil {
		log.Warn("remove stored asset failed", zap.Error(err))
	}
}
