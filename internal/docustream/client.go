package docustream

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docustream/backend/internal/binder"
	"github.com/docustream/backend/internal/models"
)

// envelope mirrors response.Body with a typed payload.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

// CreateRequest is the body of POST /docustreams.
type CreateRequest struct {
	Title     string     `json:"title,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
}

// Multipart field names of POST /docustreams/:id/audio.
const (
	FieldFile      = "file"
	FieldSessionID = "session_id"
	FieldDuration  = "duration_seconds"
	FieldStartTime = "start_time"
	FieldMimeType  = "mime_type"
	FieldDigest    = "digest"
)

// Client calls a remote Docustream backend over HTTP. It satisfies
// binder.ContainerCreator and binder.Uploader.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Client{http: c, logger: logger}
}

var (
	_ binder.ContainerCreator = (*Client)(nil)
	_ binder.Uploader         = (*Client)(nil)
)

func (c *Client) request(ctx context.Context, creds binder.Credentials) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if creds.Token != "" {
		req.SetAuthToken(creds.Token)
	}
	if len(creds.Cookies) > 0 {
		req.SetCookies(creds.Cookies)
	}
	return req
}

// CreateContainer calls POST /docustreams.
func (c *Client) CreateContainer(ctx context.Context, startHint time.Time, creds binder.Credentials) (*models.Docustream, error) {
	body := CreateRequest{}
	if !startHint.IsZero() {
		t := startHint.UTC()
		body.StartTime = &t
	}
	var out envelope[*models.Docustream]
	resp, err := c.request(ctx, creds).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post("/docustreams")
	if err != nil {
		return nil, fmt.Errorf("create docustream: %w", err)
	}
	return unwrap(resp, out, "create docustream")
}

// UploadAudio calls POST /docustreams/{id}/audio with a multipart body.
func (c *Client) UploadAudio(ctx context.Context, u binder.Upload, creds binder.Credentials) (*models.Docustream, error) {
	fields := map[string]string{
		FieldSessionID: u.SessionID.String(),
		FieldDuration:  strconv.FormatFloat(u.TotalDurationSeconds, 'f', -1, 64),
		FieldMimeType:  u.Asset.Encoding.MimeType,
		FieldDigest:    u.Asset.Digest,
	}
	if !u.StartTime.IsZero() {
		fields[FieldStartTime] = u.StartTime.UTC().Format(time.RFC3339Nano)
	}
	var out envelope[*models.Docustream]
	resp, err := c.request(ctx, creds).
		SetPathParam("id", u.ContainerID.String()).
		SetMultipartFormData(fields).
		SetMultipartField(FieldFile, u.Asset.FileName(), u.Asset.Encoding.MimeType, u.Asset.Reader()).
		SetResult(&out).
		SetError(&out).
		Post("/docustreams/{id}/audio")
	if err != nil {
		return nil, fmt.Errorf("upload audio: %w", err)
	}
	c.logger.Debug("audio upload response",
		zap.String("docustream_id", u.ContainerID.String()),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("took", resp.Time()),
	)
	return unwrap(resp, out, "upload audio")
}

// LookupContainer calls GET /docustreams/{id}.
func (c *Client) LookupContainer(ctx context.Context, id uuid.UUID, creds binder.Credentials) (*models.Docustream, error) {
	var out envelope[*models.Docustream]
	resp, err := c.request(ctx, creds).
		SetPathParam("id", id.String()).
		SetResult(&out).
		SetError(&out).
		Get("/docustreams/{id}")
	if err != nil {
		return nil, fmt.Errorf("get docustream: %w", err)
	}
	return unwrap(resp, out, "get docustream")
}

func unwrap(resp *resty.Response, out envelope[*models.Docustream], op string) (*models.Docustream, error) {
	if resp.IsError() || !out.Success {
		msg := out.Error
		if msg == "" {
			msg = resp.Status()
		}
		switch resp.StatusCode() {
		case http.StatusNotFound:
			return nil, fmt.Errorf("%s: %w: %s", op, ErrNotFound, msg)
		case http.StatusForbidden:
			return nil, fmt.Errorf("%s: %w: %s", op, ErrForbidden, msg)
		}
		return nil, fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), msg)
	}
	if out.Data == nil {
		return nil, fmt.Errorf("%s: empty response", op)
	}
	return out.Data, nil
}
