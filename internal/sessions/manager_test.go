package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docustream/backend/internal/capture"
	"github.com/docustream/backend/internal/device"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

type noTimer struct{}

func (noTimer) Stop() bool { return true }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) AfterFunc(time.Duration, func()) capture.Timer { return noTimer{} }

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestManager_CreateGetRemove(t *testing.T) {
	m := NewManager(ManagerConfig{Registry: device.NewRegistry(), MaxPerOwner: 2})
	defer m.Close()
	owner := uuid.New()

	a, err := m.Create(owner)
	require.NoError(t, err)
	_, err = m.Create(owner)
	require.NoError(t, err)
	_, err = m.Create(owner)
	assert.ErrorIs(t, err, ErrLimit)

	_, err = m.Create(uuid.New())
	assert.NoError(t, err, "limit is per owner")

	got, err := m.Get(a.ID, owner)
	require.NoError(t, err)
	assert.Same(t, a, got)
	_, err = m.Get(a.ID, uuid.New())
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = m.Get(uuid.New(), owner)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Remove(a.ID, owner))
	assert.Equal(t, 2, m.Len())
	_, err = a.Recorder.Snapshot(context.Background())
	assert.ErrorIs(t, err, capture.ErrClosed)
	assert.ErrorIs(t, m.Remove(a.ID, owner), ErrNotFound)
}

func TestManager_ReapIdle(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)}
	m := NewManager(ManagerConfig{Registry: device.NewRegistry(), Clock: clock, IdleTTL: time.Minute})
	defer m.Close()
	owner := uuid.New()

	stale, err := m.Create(owner)
	require.NoError(t, err)
	clock.Advance(45 * time.Second)
	fresh, err := m.Create(owner)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, m.Reap(context.Background()))
	_, err = m.Get(stale.ID, owner)
	assert.ErrorIs(t, err, ErrNotFound)

	// Get counts as activity
	_, err = m.Get(fresh.ID, owner)
	require.NoError(t, err)
	clock.Advance(45 * time.Second)
	assert.Zero(t, m.Reap(context.Background()))
	assert.Equal(t, 1, m.Len())
}
