package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docustream/backend/internal/auth"
	"github.com/docustream/backend/internal/binder"
	"github.com/docustream/backend/internal/capture"
	"github.com/docustream/backend/internal/device"
	"github.com/docustream/backend/internal/docustream"
	"github.com/docustream/backend/internal/middleware"
	"github.com/docustream/backend/internal/models"
	"github.com/docustream/backend/pkg/queue"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeSubmitter struct {
	mu    sync.Mutex
	reqs  []binder.Request
	creds []binder.Credentials
	res   binder.Result
	err   error
	// hold, when set, runs before the call returns
	hold func()
}

func (f *fakeSubmitter) Submit(ctx context.Context, req binder.Request, creds binder.Credentials) (binder.Result, error) {
	if f.hold != nil {
		f.hold()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	f.creds = append(f.creds, creds)
	return f.res, f.err
}

type fakeLookup struct {
	containers map[uuid.UUID]*models.Docustream
}

func (f *fakeLookup) LookupContainer(ctx context.Context, id uuid.UUID, creds binder.Credentials) (*models.Docustream, error) {
	d, ok := f.containers[id]
	if !ok {
		return nil, docustream.ErrNotFound
	}
	if d.OwnerID != creds.UserID {
		return nil, docustream.ErrForbidden
	}
	return d, nil
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	payloads []queue.SubmissionPayload
	err      error
	hold     func()
}

func (f *fakeEnqueuer) EnqueueSubmission(ctx context.Context, p queue.SubmissionPayload) (string, error) {
	if f.hold != nil {
		f.hold()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.payloads = append(f.payloads, p)
	return "job-1", nil
}

type fixture struct {
	srv     *httptest.Server
	manager *Manager
	store   *capture.FileStore
	sub     *fakeSubmitter
	lookup  *fakeLookup
	queue   *fakeEnqueuer
	user    uuid.UUID
	token   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := capture.NewFileStore(t.TempDir())
	manager := NewManager(ManagerConfig{
		Registry:          device.NewRegistry(),
		Store:             store,
		PermissionTimeout: 5 * time.Second,
	})
	t.Cleanup(manager.Close)

	f := &fixture{
		manager: manager,
		store:   store,
		sub:     &fakeSubmitter{},
		lookup:  &fakeLookup{containers: map[uuid.UUID]*models.Docustream{}},
		queue:   &fakeEnqueuer{},
		user:    uuid.New(),
	}
	h := NewHandler(HandlerConfig{
		Manager:   manager,
		Store:     store,
		Submitter: f.sub,
		Lookup:    f.lookup,
		Queue:     f.queue,
	})

	jwt := auth.NewJWTService("secret", 1)
	r := gin.New()
	api := r.Group("")
	api.Use(middleware.JWT(jwt))
	api.POST("/recordings", h.Create)
	api.GET("/recordings/:id", h.Get)
	api.DELETE("/recordings/:id", h.Delete)
	api.POST("/recordings/:id/start", h.Start)
	api.POST("/recordings/:id/pause", h.Pause)
	api.POST("/recordings/:id/resume", h.Resume)
	api.POST("/recordings/:id/stop", h.Stop)
	api.POST("/recordings/:id/discard", h.Discard)
	api.POST("/recordings/:id/abandon", h.Abandon)
	api.POST("/recordings/:id/submit", h.Submit)
	api.GET("/recordings/:id/asset", h.Asset)
	api.GET("/recordings/:id/stream", h.Stream)
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)

	tok, err := jwt.Generate(f.user, "user@example.com")
	require.NoError(t, err)
	f.token = tok
	return f
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type submitBody struct {
	RecorderID uuid.UUID          `json:"recorder_id"`
	Snapshot   capture.Snapshot   `json:"snapshot"`
	Docustream *models.Docustream `json:"docustream"`
	Created    bool               `json:"created"`
	JobID      string             `json:"job_id"`
}

func (f *fixture) call(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

func (f *fixture) view(t *testing.T, method, path string, body any) (int, submitBody) {
	t.Helper()
	status, env := f.call(t, method, path, body)
	var out submitBody
	if len(env.Data) > 0 && string(env.Data) != "null" {
		require.NoError(t, json.Unmarshal(env.Data, &out))
	}
	return status, out
}

func (f *fixture) create(t *testing.T) uuid.UUID {
	t.Helper()
	status, v := f.view(t, http.MethodPost, "/recordings", nil)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, capture.StateIdle, v.Snapshot.State)
	return v.RecorderID
}

func (f *fixture) dial(t *testing.T, id uuid.UUID) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/recordings/" + id.String() + "/stream?token=" + f.token
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) device.Message {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var m device.Message
		require.NoError(t, conn.ReadJSON(&m))
		if m.Event == event {
			return m
		}
	}
}

// record runs start → allow → segments → stop and returns the stopped snapshot.
func (f *fixture) record(t *testing.T, id uuid.UUID, segments ...string) capture.Snapshot {
	t.Helper()
	conn := f.dial(t, id)

	started := make(chan submitBody, 1)
	go func() {
		_, v := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/start", capture.StartOptions{
			Capabilities: capture.Capabilities{MimeTypes: []string{capture.EncodingWebmOpus.MimeType}},
		})
		started <- v
	}()

	req := readUntil(t, conn, device.EventPermissionRequest)
	var cons capture.Constraints
	require.NoError(t, json.Unmarshal(req.Data, &cons))
	assert.Equal(t, capture.EncodingWebmOpus.MimeType, cons.MimeType)
	require.NoError(t, conn.WriteJSON(device.Message{Event: device.EventAllow, Data: json.RawMessage(`{"device_id":"mic-1"}`)}))

	select {
	case v := <-started:
		require.Equal(t, capture.StateRecording, v.Snapshot.State)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return")
	}

	for _, s := range segments {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(s)))
	}
	require.Eventually(t, func() bool {
		_, v := f.view(t, http.MethodGet, "/recordings/"+id.String(), nil)
		return v.Snapshot.Segments == len(segments)
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	status, v := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/stop", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, capture.StateStopped, v.Snapshot.State)
	return v.Snapshot
}

func TestHandler_RecordPreviewSubmit(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	snap := f.record(t, id, "seg-1|", "seg-2|", "seg-3")
	assert.True(t, snap.AssetReady)
	assert.True(t, snap.CanSubmit)
	assert.Equal(t, int64(len("seg-1|seg-2|seg-3")), snap.AssetSize)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/recordings/"+id.String()+"/asset", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Range", "bytes=0-4")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "seg-1", string(body))
	assert.Equal(t, capture.EncodingWebmOpus.MimeType, resp.Header.Get("Content-Type"))

	container := &models.Docustream{ID: uuid.New(), OwnerID: f.user}
	f.sub.res = binder.Result{Container: container, Created: true, DurationSeconds: 1}
	status, v := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/submit", SubmitRequest{ReportedDurationSeconds: 2.5})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, v.Created)
	assert.Equal(t, container.ID, v.Docustream.ID)
	assert.Equal(t, capture.StateIdle, v.Snapshot.State)

	require.Len(t, f.sub.reqs, 1)
	got := f.sub.reqs[0]
	assert.Nil(t, got.Container)
	assert.Equal(t, []byte("seg-1|seg-2|seg-3"), got.Asset.Data)
	assert.Equal(t, 2.5, got.ReportedSeconds)
	assert.Positive(t, got.AccumulatedMs)
	assert.Equal(t, f.user, f.sub.creds[0].UserID)
	assert.Equal(t, f.token, f.sub.creds[0].Token)

	sessionID, err := uuid.Parse(snap.SessionID)
	require.NoError(t, err)
	_, err = os.Stat(f.store.Path(sessionID, capture.EncodingWebmOpus))
	assert.True(t, os.IsNotExist(err), "asset removed after submission")
}

func TestHandler_SubmitFailureKeepsContainerForRetry(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.record(t, id, "audio")

	created := &models.Docustream{ID: uuid.New(), OwnerID: f.user}
	f.sub.res = binder.Result{Container: created, Created: true}
	f.sub.err = capture.ErrSubmissionFailure
	status, v := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/submit", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, capture.StateStopped, v.Snapshot.State)
	assert.True(t, v.Snapshot.CanSubmit)
	assert.NotEmpty(t, v.Snapshot.Warning)

	f.sub.err = nil
	f.sub.res = binder.Result{Container: created}
	status, v = f.view(t, http.MethodPost, "/recordings/"+id.String()+"/submit", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, capture.StateIdle, v.Snapshot.State)
	require.Len(t, f.sub.reqs, 2)
	require.NotNil(t, f.sub.reqs[1].Container)
	assert.Equal(t, created.ID, f.sub.reqs[1].Container.ID)
}

func TestHandler_SubmitToExistingDocustream(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	mine := &models.Docustream{ID: uuid.New(), OwnerID: f.user, StartTime: start}
	theirs := &models.Docustream{ID: uuid.New(), OwnerID: uuid.New()}
	f.lookup.containers[mine.ID] = mine
	f.lookup.containers[theirs.ID] = theirs

	id := f.create(t)
	f.record(t, id, "more-audio")

	status, v := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/submit", SubmitRequest{DocustreamID: &theirs.ID})
	assert.Equal(t, http.StatusForbidden, status)
	assert.True(t, v.Snapshot.CanSubmit)

	missing := uuid.New()
	status, _ = f.view(t, http.MethodPost, "/recordings/"+id.String()+"/submit", SubmitRequest{DocustreamID: &missing})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Empty(t, f.sub.reqs)

	f.sub.res = binder.Result{Container: mine}
	status, _ = f.view(t, http.MethodPost, "/recordings/"+id.String()+"/submit", SubmitRequest{DocustreamID: &mine.ID})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, f.sub.reqs, 1)
	require.NotNil(t, f.sub.reqs[0].Container)
	assert.Equal(t, mine.ID, f.sub.reqs[0].Container.ID)
	assert.True(t, start.Equal(f.sub.reqs[0].Container.StartTime))
}

func TestHandler_AsyncSubmitQueuesAndReleases(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	snap := f.record(t, id, "queued-audio")

	status, v := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/submit?async=true", nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "job-1", v.JobID)
	assert.Equal(t, capture.StateIdle, v.Snapshot.State)
	assert.Empty(t, f.sub.reqs)

	require.Len(t, f.queue.payloads, 1)
	p := f.queue.payloads[0]
	assert.Equal(t, snap.SessionID, p.SessionID.String())
	assert.Equal(t, f.user, p.UserID)
	assert.Equal(t, capture.EncodingWebmOpus.MimeType, p.MimeType)
	data, err := os.ReadFile(p.AssetPath)
	require.NoError(t, err, "asset stays on disk for the worker")
	assert.Equal(t, "queued-audio", string(data))
}

func TestHandler_AsyncEnqueueFailureKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("redis down")
	id := f.create(t)
	f.record(t, id, "audio")

	status, v := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/submit?async=1", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, capture.StateStopped, v.Snapshot.State)
	assert.True(t, v.Snapshot.CanSubmit)
}

// holdUntilAbandoned returns a hook that abandons recorder id from inside the
// submission call, then lets the call finish.
func (f *fixture) holdUntilAbandoned(t *testing.T, id uuid.UUID) func() {
	return func() {
		status, v := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/abandon", nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, capture.StateIdle, v.Snapshot.State)
	}
}

func TestHandler_AbandonDuringFailedSubmitRemovesAsset(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	snap := f.record(t, id, "audio")
	sessionID, err := uuid.Parse(snap.SessionID)
	require.NoError(t, err)
	path := f.store.Path(sessionID, capture.EncodingWebmOpus)

	f.sub.hold = func() {
		f.holdUntilAbandoned(t, id)()
		_, err := os.Stat(path)
		assert.NoError(t, err, "asset survives abandon while the upload reads it")
	}
	f.sub.err = capture.ErrSubmissionFailure
	status, v := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/submit", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, capture.StateIdle, v.Snapshot.State)
	require.Len(t, f.sub.reqs, 1)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "nobody is left to retry the abandoned asset")
}

func TestHandler_AbandonDuringAsyncSubmitKeepsQueuedAsset(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	f.record(t, id, "queued-audio")
	f.queue.hold = f.holdUntilAbandoned(t, id)

	status, v := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/submit?async=true", nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "job-1", v.JobID)
	assert.Equal(t, capture.StateIdle, v.Snapshot.State)

	require.Len(t, f.queue.payloads, 1)
	data, err := os.ReadFile(f.queue.payloads[0].AssetPath)
	require.NoError(t, err, "the queued job still owns the asset")
	assert.Equal(t, "queued-audio", string(data))
}

func TestHandler_DeniedPermission(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	conn := f.dial(t, id)

	done := make(chan int, 1)
	go func() {
		status, _ := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/start", nil)
		done <- status
	}()
	readUntil(t, conn, device.EventPermissionRequest)
	require.NoError(t, conn.WriteJSON(device.Message{Event: device.EventDeny}))

	select {
	case status := <-done:
		assert.Equal(t, http.StatusUnprocessableEntity, status)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return")
	}
	_, v := f.view(t, http.MethodGet, "/recordings/"+id.String(), nil)
	assert.Equal(t, capture.StateIdle, v.Snapshot.State)
	assert.NotEmpty(t, v.Snapshot.Warning)
}

func TestHandler_TransitionsAndErrors(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	status, _ := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/pause", nil)
	assert.Equal(t, http.StatusConflict, status)
	status, _ = f.view(t, http.MethodPost, "/recordings/"+id.String()+"/submit", nil)
	assert.Equal(t, http.StatusConflict, status)
	status, _ = f.view(t, http.MethodGet, "/recordings/"+id.String()+"/asset", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.view(t, http.MethodGet, "/recordings/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.view(t, http.MethodGet, "/recordings/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	f.record(t, id, "a")
	status, v := f.view(t, http.MethodPost, "/recordings/"+id.String()+"/discard", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, capture.StateIdle, v.Snapshot.State)

	status, _ = f.call(t, http.MethodDelete, "/recordings/"+id.String(), nil)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Zero(t, f.manager.Len())
}

func TestHandler_OtherUsersRecorder(t *testing.T) {
	f := newFixture(t)
	e, err := f.manager.Create(uuid.New())
	require.NoError(t, err)

	status, _ := f.view(t, http.MethodGet, "/recordings/"+e.ID.String(), nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = f.call(t, http.MethodDelete, "/recordings/"+e.ID.String(), nil)
	assert.Equal(t, http.StatusForbidden, status)
}
