package binder

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docustream/backend/internal/capture"
	"github.com/docustream/backend/internal/models"
)

type fakeBackend struct {
	mu         sync.Mutex
	creates    []time.Time
	uploads    []Upload
	creds      []Credentials
	createErr  error
	uploadErr  error
	containers map[uuid.UUID]*models.Docustream
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{containers: map[uuid.UUID]*models.Docustream{}}
}

func (f *fakeBackend) CreateContainer(ctx context.Context, start time.Time, creds Credentials) (*models.Docustream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, start)
	if f.createErr != nil {
		return nil, f.createErr
	}
	d := &models.Docustream{ID: uuid.New(), OwnerID: creds.UserID, StartTime: start, Status: models.DocustreamStatusCreated}
	f.containers[d.ID] = d
	return d, nil
}

func (f *fakeBackend) UploadAudio(ctx context.Context, u Upload, creds Credentials) (*models.Docustream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, u)
	f.creds = append(f.creds, creds)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	d, ok := f.containers[u.ContainerID]
	if !ok {
		d = &models.Docustream{ID: u.ContainerID, StartTime: u.StartTime}
		f.containers[u.ContainerID] = d
	}
	d.TotalDurationSeconds += u.TotalDurationSeconds
	d.IsFinalizedAudio = true
	d.Status = models.DocustreamStatusAudioUploaded
	cp := *d
	return &cp, nil
}

type fakeNotifier struct {
	calls []uuid.UUID
	err   error
}

func (n *fakeNotifier) RecordingSubmitted(ctx context.Context, c *models.Docustream, sessionID uuid.UUID) error {
	n.calls = append(n.calls, sessionID)
	return n.err
}

var started = time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)

func newRequest() Request {
	return Request{
		SessionID:     uuid.New(),
		StartedAt:     started,
		AccumulatedMs: 5000,
		Asset:         capture.NewAsset([]byte("opus"), capture.EncodingWebmOpus),
	}
}

func TestBinder_NewContainer(t *testing.T) {
	be := newFakeBackend()
	n := &fakeNotifier{}
	b := New(be, be, n, nil)
	creds := Credentials{UserID: uuid.New(), Token: "tok"}
	req := newRequest()

	res, err := b.Submit(context.Background(), req, creds)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, started, res.StartTime)
	assert.Equal(t, 5.0, res.DurationSeconds)
	assert.Equal(t, 5.0, res.Container.TotalDurationSeconds)
	assert.True(t, res.Container.IsFinalizedAudio)

	require.Len(t, be.creates, 1)
	assert.Equal(t, started, be.creates[0])
	require.Len(t, be.uploads, 1)
	assert.Equal(t, req.SessionID, be.uploads[0].SessionID)
	assert.Equal(t, "tok", be.creds[0].Token)
	assert.Equal(t, []uuid.UUID{req.SessionID}, n.calls)
}

func TestBinder_AppendToExisting(t *testing.T) {
	be := newFakeBackend()
	b := New(be, be, nil, nil)
	original := started.Add(-time.Hour)
	existing := uuid.New()
	be.containers[existing] = &models.Docustream{ID: existing, StartTime: original, TotalDurationSeconds: 60}

	req := newRequest()
	req.Container = &ContainerRef{ID: existing, StartTime: original}
	res, err := b.Submit(context.Background(), req, Credentials{})
	require.NoError(t, err)

	assert.Empty(t, be.creates, "append mode never creates a container")
	assert.False(t, res.Created)
	assert.Equal(t, original, res.StartTime)
	assert.Equal(t, original, be.uploads[0].StartTime)
	assert.Equal(t, 65.0, res.Container.TotalDurationSeconds)
}

func TestBinder_UploadFailureKeepsCreatedContainer(t *testing.T) {
	be := newFakeBackend()
	be.uploadErr = errors.New("502 bad gateway")
	b := New(be, be, nil, nil)
	req := newRequest()

	res, err := b.Submit(context.Background(), req, Credentials{})
	assert.ErrorIs(t, err, capture.ErrSubmissionFailure)
	require.NotNil(t, res.Container)
	assert.True(t, res.Created)

	// retry appends to the container created by the first attempt
	be.uploadErr = nil
	req.Container = &ContainerRef{ID: res.Container.ID, StartTime: res.StartTime}
	_, err = b.Submit(context.Background(), req, Credentials{})
	require.NoError(t, err)
	assert.Len(t, be.creates, 1)
	assert.Len(t, be.uploads, 2)
}

func TestBinder_CreateFailure(t *testing.T) {
	be := newFakeBackend()
	be.createErr = errors.New("timeout")
	b := New(be, be, nil, nil)

	res, err := b.Submit(context.Background(), newRequest(), Credentials{})
	assert.ErrorIs(t, err, capture.ErrSubmissionFailure)
	assert.Nil(t, res.Container)
	assert.Empty(t, be.uploads)
}

func TestBinder_NotifierErrorDoesNotFailSubmission(t *testing.T) {
	be := newFakeBackend()
	b := New(be, be, &fakeNotifier{err: errors.New("redis down")}, nil)
	_, err := b.Submit(context.Background(), newRequest(), Credentials{})
	assert.NoError(t, err)
}

func TestBinder_RefusesMissingDuration(t *testing.T) {
	be := newFakeBackend()
	b := New(be, be, nil, nil)
	req := newRequest()
	req.AccumulatedMs = 0
	req.ReportedSeconds = math.Inf(1)

	_, err := b.Submit(context.Background(), req, Credentials{})
	assert.ErrorIs(t, err, capture.ErrSubmissionFailure)
	assert.ErrorIs(t, err, ErrNoDuration)
	assert.Empty(t, be.creates)
}

func TestBinder_EmptyAsset(t *testing.T) {
	be := newFakeBackend()
	b := New(be, be, nil, nil)
	req := newRequest()
	req.Asset = capture.Asset{}

	_, err := b.Submit(context.Background(), req, Credentials{})
	assert.ErrorIs(t, err, capture.ErrAssemblyFailure)
}

func TestResolveDuration(t *testing.T) {
	cases := []struct {
		name         string
		accMs        int64
		reported     float64
		want         float64
		wantFallback bool
	}{
		{"tracked wins", 5000, 4.2, 5, false},
		{"tracked only", 1500, 0, 1.5, false},
		{"fallback to reported", 0, 3.25, 3.25, true},
		{"infinite ignored", 0, math.Inf(1), 0, false},
		{"nan ignored", 0, math.NaN(), 0, false},
		{"negative ignored", 0, -2, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, fallback := ResolveDuration(tc.accMs, tc.reported)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.wantFallback, fallback)
		})
	}
}
