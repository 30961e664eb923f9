package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docustream/backend/internal/models"
)

func TestChannel(t *testing.T) {
	id := uuid.MustParse("7b1f7f5e-3a58-4f5e-9b35-9d8f0d5b2c11")
	assert.Equal(t, "docustream:7b1f7f5e-3a58-4f5e-9b35-9d8f0d5b2c11", Channel(id))
}

func TestPubSub_RecordingSubmitted(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewPubSub(db, nil)
	p.now = func() time.Time { return time.Unix(1700000000, 0) }

	d := &models.Docustream{ID: uuid.New(), TotalDurationSeconds: 65.5, RecordingCount: 2, Status: models.DocustreamStatusAudioUploaded}
	session := uuid.New()
	want, err := json.Marshal(Event{
		Event:                EventRecordingSubmitted,
		DocustreamID:         d.ID,
		SessionID:            session,
		TotalDurationSeconds: 65.5,
		RecordingCount:       2,
		Status:               models.DocustreamStatusAudioUploaded,
		At:                   1700000000,
	})
	require.NoError(t, err)
	mock.ExpectPublish(Channel(d.ID), want).SetVal(1)

	require.NoError(t, p.RecordingSubmitted(context.Background(), d, session))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPubSub_PublishError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewPubSub(db, nil)
	p.now = func() time.Time { return time.Unix(1, 0) }

	ev := Event{Event: EventRecordingSubmitted, DocustreamID: uuid.New()}
	body, _ := json.Marshal(Event{Event: ev.Event, DocustreamID: ev.DocustreamID, At: 1})
	mock.ExpectPublish(Channel(ev.DocustreamID), body).SetErr(errors.New("connection refused"))

	err := p.Publish(context.Background(), ev)
	assert.ErrorContains(t, err, "connection refused")
}

func TestPubSub_NilContainerIsNoop(t *testing.T) {
	db, mock := redismock.NewClientMock()
	p := NewPubSub(db, nil)
	assert.NoError(t, p.RecordingSubmitted(context.Background(), nil, uuid.New()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
