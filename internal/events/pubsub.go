// Package events publishes docustream changes over Redis pub/sub so any
// instance can tell connected clients to refresh.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/docustream/backend/internal/models"
)

const (
	channelPrefix  = "docustream:"
	publishTimeout = 5 * time.Second
)

// EventRecordingSubmitted is published after audio is attached to a container.
const EventRecordingSubmitted = "recording_submitted"

// Event is the message published on a docustream channel.
type Event struct {
	Event                string    `json:"event"`
	DocustreamID         uuid.UUID `json:"docustream_id"`
	SessionID            uuid.UUID `json:"session_id"`
	TotalDurationSeconds float64   `json:"total_duration_seconds"`
	RecordingCount       int       `json:"recording_count"`
	Status               string    `json:"status"`
	At                   int64     `json:"at"`
}

// Channel returns the Redis channel for a docustream.
func Channel(docustreamID uuid.UUID) string {
	return channelPrefix + docustreamID.String()
}

// PubSub bridges docustream events through Redis.
type PubSub struct {
	client *redis.Client
	now    func() time.Time
	logger *zap.Logger
}

// NewPubSub creates a Redis pub/sub bridge.
func NewPubSub(client *redis.Client, logger *zap.Logger) *PubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSub{client: client, now: time.Now, logger: logger}
}

// RecordingSubmitted publishes EventRecordingSubmitted for d.
func (p *PubSub) RecordingSubmitted(ctx context.Context, d *models.Docustream, sessionID uuid.UUID) error {
	if d == nil {
		return nil
	}
	return p.Publish(ctx, Event{
		Event:                EventRecordingSubmitted,
		DocustreamID:         d.ID,
		SessionID:            sessionID,
		TotalDurationSeconds: d.TotalDurationSeconds,
		RecordingCount:       d.RecordingCount,
		Status:               d.Status,
	})
}

// Publish sends ev on its docustream's channel.
func (p *PubSub) Publish(ctx context.Context, ev Event) error {
	if ev.At == 0 {
		ev.At = p.now().Unix()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, Channel(ev.DocustreamID), body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Event, err)
	}
	return nil
}

// Subscribe calls handler with the raw JSON of every event on the docustream's
// channel until ctx is done or cancel is called.
func (p *PubSub) Subscribe(ctx context.Context, docustreamID uuid.UUID, handler func(payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := p.client.Subscribe(ctx, Channel(docustreamID))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	return cancelCtx, nil
}
