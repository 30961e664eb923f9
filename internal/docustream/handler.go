package docustream

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/docustream/backend/internal/binder"
	"github.com/docustream/backend/internal/capture"
	"github.com/docustream/backend/internal/device"
	"github.com/docustream/backend/internal/middleware"
	"github.com/docustream/backend/pkg/response"
)

// DefaultMaxUploadBytes bounds a single audio upload.
const DefaultMaxUploadBytes = 512 << 20

const (
	eventsWriteWait = 10 * time.Second
	eventsPongWait  = 60 * time.Second
)

// Subscriber delivers raw docustream events. *events.PubSub implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, docustreamID uuid.UUID, handler func(payload []byte)) (cancel func(), err error)
}

// Handler serves the docustream HTTP API.
type Handler struct {
	service        *Service
	subscriber     Subscriber
	maxUploadBytes int64
	logger         *zap.Logger
}

// NewHandler creates a docustream handler. subscriber may be nil, which disables the events stream.
func NewHandler(service *Service, subscriber Subscriber, maxUploadBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{service: service, subscriber: subscriber, maxUploadBytes: maxUploadBytes, logger: logger}
}

func (h *Handler) fail(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "docustream not found")
	case errors.Is(err, ErrForbidden):
		response.Forbidden(c, "not authorized for this docustream")
	case errors.Is(err, ErrInvalidUpload):
		response.BadRequest(c, err.Error())
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		response.Internal(c, op+" failed")
	}
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.BadRequest(c, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /docustreams.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}
	var start time.Time
	if req.StartTime != nil {
		start = *req.StartTime
	}
	d, err := h.service.CreateContainer(c.Request.Context(), start, binder.Credentials{UserID: middleware.UserID(c)})
	if err != nil {
		h.fail(c, err, "create docustream")
		return
	}
	response.Created(c, d)
}

// UploadAudio handles POST /docustreams/:id/audio (multipart).
func (h *Handler) UploadAudio(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	sessionID, err := uuid.Parse(c.PostForm(FieldSessionID))
	if err != nil {
		response.BadRequest(c, "invalid session_id")
		return
	}
	duration, err := strconv.ParseFloat(c.PostForm(FieldDuration), 64)
	if err != nil || !(duration > 0) || math.IsInf(duration, 1) {
		response.BadRequest(c, "duration_seconds must be a positive number")
		return
	}
	var start time.Time
	if v := c.PostForm(FieldStartTime); v != "" {
		if start, err = time.Parse(time.RFC3339Nano, v); err != nil {
			response.BadRequest(c, "invalid start_time")
			return
		}
	}
	enc, known := capture.EncodingForMime(c.PostForm(FieldMimeType))
	if !known {
		response.BadRequest(c, "unsupported mime_type")
		return
	}
	fh, err := c.FormFile(FieldFile)
	if err != nil {
		response.BadRequest(c, "missing file")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		response.BadRequest(c, "unreadable file")
		return
	}
	asset := capture.NewAsset(data, enc)
	if want := c.PostForm(FieldDigest); want != "" && want != asset.Digest {
		response.UnprocessableEntity(c, "digest mismatch")
		return
	}

	d, err := h.service.UploadAudio(c.Request.Context(), binder.Upload{
		ContainerID:          id,
		SessionID:            sessionID,
		StartTime:            start,
		Asset:                asset,
		TotalDurationSeconds: duration,
	}, binder.Credentials{UserID: middleware.UserID(c)})
	if err != nil {
		h.fail(c, err, "upload audio")
		return
	}
	response.OK(c, d)
}

// List handles GET /docustreams?limit=&offset=.
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	list, err := h.service.List(c.Request.Context(), middleware.UserID(c), limit, offset)
	if err != nil {
		h.fail(c, err, "list docustreams")
		return
	}
	response.OK(c, list)
}

// Get handles GET /docustreams/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	d, err := h.service.Get(c.Request.Context(), id, middleware.UserID(c))
	if err != nil {
		h.fail(c, err, "get docustream")
		return
	}
	response.OK(c, d)
}

// Recordings handles GET /docustreams/:id/recordings.
func (h *Handler) Recordings(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	list, err := h.service.Recordings(c.Request.Context(), id, middleware.UserID(c))
	if err != nil {
		h.fail(c, err, "list recordings")
		return
	}
	response.OK(c, list)
}

// AudioURL handles GET /docustreams/:id/recordings/:recordingId/audio-url.
func (h *Handler) AudioURL(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	recID, ok := parseID(c, "recordingId")
	if !ok {
		return
	}
	url, err := h.service.AudioURL(c.Request.Context(), id, recID, middleware.UserID(c))
	if err != nil {
		h.fail(c, err, "generate audio url")
		return
	}
	response.OK(c, gin.H{"audio_url": url})
}

// Events handles GET /docustreams/:id/events. The connection receives every
// event published for the docustream as a JSON text frame.
func (h *Handler) Events(c *gin.Context) {
	if h.subscriber == nil {
		response.ServiceUnavailable(c, "events not configured")
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := h.service.Get(c.Request.Context(), id, middleware.UserID(c)); err != nil {
		h.fail(c, err, "subscribe")
		return
	}
	conn, err := device.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("events upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan []byte, 16)
	stop, err := h.subscriber.Subscribe(ctx, id, func(payload []byte) {
		select {
		case out <- payload:
		default:
			h.logger.Warn("events client too slow, dropping", zap.String("docustream_id", id.String()))
		}
	})
	if err != nil {
		h.logger.Error("events subscribe failed", zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		return
	}
	defer stop()

	// reader only detects the client going away
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPongWait * 9 / 10)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
