package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/docustream/backend/internal/capture"
	"github.com/docustream/backend/internal/device"
	"github.com/docustream/backend/internal/middleware"
	"github.com/docustream/backend/pkg/response"
)

// HandlerConfig wires the recorder HTTP surface.
type HandlerConfig struct {
	Manager *Manager
	Store   *capture.FileStore
	// Submitter runs synchronous submissions.
	Submitter Submitter
	// Lookup resolves docustream_id for "add more audio". Optional.
	Lookup ContainerLookup
	// Queue enables ?async=true submissions. Optional.
	Queue           Enqueuer
	AsyncDefault    bool
	ICEServers      []webrtc.ICEServer
	MaxSegmentBytes int64
	Logger          *zap.Logger
}

// Handler serves /recordings.
type Handler struct {
	cfg    HandlerConfig
	logger *zap.Logger
}

// NewHandler creates a recorder handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Handler{cfg: cfg, logger: cfg.Logger}
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, capture.ErrInvalidTransition), errors.Is(err, capture.ErrAbandoned):
		return http.StatusConflict
	case errors.Is(err, capture.ErrPermissionDenied),
		errors.Is(err, capture.ErrDeviceUnavailable),
		errors.Is(err, capture.ErrUnsupportedCapability),
		errors.Is(err, capture.ErrAssemblyFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, capture.ErrSubmissionFailure):
		return http.StatusBadGateway
	case errors.Is(err, capture.ErrClosed):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error, data interface{}) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		h.logger.Error("recorder request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	response.Fail(c, status, err.Error(), data)
}

func (h *Handler) entry(c *gin.Context) (*Entry, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recorder id")
		return nil, false
	}
	e, err := h.cfg.Manager.Get(id, middleware.UserID(c))
	if err != nil {
		h.fail(c, err, nil)
		return nil, false
	}
	return e, true
}

// recorderView is returned by every recorder endpoint.
type recorderView struct {
	RecorderID uuid.UUID        `json:"recorder_id"`
	Snapshot   capture.Snapshot `json:"snapshot"`
}

func view(e *Entry, snap capture.Snapshot) recorderView {
	return recorderView{RecorderID: e.ID, Snapshot: snap}
}

// Create handles POST /recordings.
func (h *Handler) Create(c *gin.Context) {
	e, err := h.cfg.Manager.Create(middleware.UserID(c))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	snap, err := e.Recorder.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.Created(c, view(e, snap))
}

// Get handles GET /recordings/:id.
func (h *Handler) Get(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	snap, err := e.Recorder.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	response.OK(c, view(e, snap))
}

// Delete handles DELETE /recordings/:id. Whatever is in progress is abandoned.
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recorder id")
		return
	}
	if err := h.cfg.Manager.Remove(id, middleware.UserID(c)); err != nil {
		h.fail(c, err, nil)
		return
	}
	response.NoContent(c)
}

// Start handles POST /recordings/:id/start. It returns once the client has
// answered the permission request on its capture stream.
func (h *Handler) Start(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	var opts capture.StartOptions
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	if opts.Transport == device.TransportWebRTC {
		// the WebRTC track is always written as Ogg/Opus
		opts.Capabilities.MimeTypes = []string{capture.EncodingOggOpus.MimeType}
	}
	snap, err := e.Recorder.Start(c.Request.Context(), opts)
	if err != nil {
		h.fail(c, err, view(e, snap))
		return
	}
	response.OK(c, view(e, snap))
}

func (h *Handler) transition(fn func(*capture.Recorder, context.Context) (capture.Snapshot, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, ok := h.entry(c)
		if !ok {
			return
		}
		snap, err := fn(e.Recorder, c.Request.Context())
		if err != nil {
			h.fail(c, err, view(e, snap))
			return
		}
		response.OK(c, view(e, snap))
	}
}

// Pause handles POST /recordings/:id/pause.
func (h *Handler) Pause(c *gin.Context) { h.transition((*capture.Recorder).Pause)(c) }

// Resume handles POST /recordings/:id/resume.
func (h *Handler) Resume(c *gin.Context) { h.transition((*capture.Recorder).Resume)(c) }

// Stop handles POST /recordings/:id/stop.
func (h *Handler) Stop(c *gin.Context) { h.transition((*capture.Recorder).Stop)(c) }

// Discard handles POST /recordings/:id/discard.
func (h *Handler) Discard(c *gin.Context) { h.transition((*capture.Recorder).Discard)(c) }

// Abandon handles POST /recordings/:id/abandon, sent when the user navigates away.
func (h *Handler) Abandon(c *gin.Context) { h.transition((*capture.Recorder).Abandon)(c) }

// Asset handles GET /recordings/:id/asset. Range requests are honoured so
// players can scrub the preview.
func (h *Handler) Asset(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	snap, err := e.Recorder.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	if !snap.AssetReady || snap.Encoding == nil || h.cfg.Store == nil {
		response.NotFound(c, "no recording to preview")
		return
	}
	sessionID, err := uuid.Parse(snap.SessionID)
	if err != nil {
		response.NotFound(c, "no recording to preview")
		return
	}
	f, err := os.Open(h.cfg.Store.Path(sessionID, *snap.Encoding))
	if err != nil {
		h.logger.Error("open asset failed", zap.String("session_id", snap.SessionID), zap.Error(err))
		response.NotFound(c, "no recording to preview")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		response.Internal(c, "failed to read recording")
		return
	}
	c.Header("Content-Type", snap.Encoding.MimeType)
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", snap.AssetName))
	c.Header("Cache-Control", "no-store")
	http.ServeContent(c.Writer, c.Request, snap.AssetName, info.ModTime(), f)
}

// Stream handles GET /recordings/:id/stream: the WebSocket capture transport.
func (h *Handler) Stream(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	conn, err := device.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("capture stream upgrade failed", zap.Error(err))
		return
	}
	src := device.NewWSSource(conn, h.cfg.MaxSegmentBytes, h.logger.With(zap.String("recorder_id", e.ID.String())))
	h.attach(e, src)
}

// Offer handles POST /recordings/:id/webrtc/offer: the WebRTC capture transport.
func (h *Handler) Offer(c *gin.Context) {
	e, ok := h.entry(c)
	if !ok {
		return
	}
	var offer webrtc.SessionDescription
	if err := c.ShouldBindJSON(&offer); err != nil || offer.SDP == "" {
		response.BadRequest(c, "invalid session description")
		return
	}
	src, answer, err := device.NewRTCSource(c.Request.Context(), h.cfg.ICEServers, offer, h.logger.With(zap.String("recorder_id", e.ID.String())))
	if err != nil {
		h.logger.Warn("webrtc negotiation failed", zap.Error(err))
		response.BadRequest(c, "webrtc negotiation failed")
		return
	}
	h.attach(e, src)
	response.OK(c, answer)
}

func (h *Handler) attach(e *Entry, src device.Source) {
	e.Provider.Attach(src)
	go func() {
		<-src.Done()
		e.Provider.Detach(src)
	}()
}

func queryBool(c *gin.Context, key string, fallback bool) bool {
	v, ok := c.GetQuery(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
