// Package sessions exposes recorders over HTTP: one recorder per client
// recording slot, driven through REST calls and fed by a WebSocket or WebRTC
// capture stream.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docustream/backend/internal/capture"
	"github.com/docustream/backend/internal/device"
)

var (
	ErrNotFound  = errors.New("recorder not found")
	ErrForbidden = errors.New("recorder belongs to another user")
	ErrLimit     = errors.New("too many open recorders")
)

const (
	defaultIdleTTL     = 30 * time.Minute
	defaultMaxPerOwner = 4
	reapInterval       = time.Minute
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Registry          *device.Registry
	Store             *capture.FileStore
	Filters           *capture.FilterTable
	PermissionTimeout time.Duration
	// IdleTTL closes recorders that sat in Idle this long.
	IdleTTL     time.Duration
	MaxPerOwner int
	Clock       capture.Clock
	Logger      *zap.Logger
}

// Entry is one open recorder and the provider its transports attach to.
type Entry struct {
	ID       uuid.UUID
	Owner    uuid.UUID
	Recorder *capture.Recorder
	Provider *device.Provider

	mu      sync.Mutex
	touched time.Time
}

func (e *Entry) touch(now time.Time) {
	e.mu.Lock()
	e.touched = now
	e.mu.Unlock()
}

func (e *Entry) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.touched
}

// Manager owns all open recorders of this instance.
type Manager struct {
	cfg ManagerConfig
	now func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

// NewManager creates a manager. Registry must be set; without a Store assets
// are kept in memory only.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = capture.SystemClock
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.MaxPerOwner <= 0 {
		cfg.MaxPerOwner = defaultMaxPerOwner
	}
	return &Manager{cfg: cfg, now: cfg.Clock.Now, entries: make(map[uuid.UUID]*Entry)}
}

// Create opens a recorder for owner.
func (m *Manager) Create(owner uuid.UUID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Owner == owner {
			n++
		}
	}
	if n >= m.cfg.MaxPerOwner {
		return nil, ErrLimit
	}

	id := uuid.New()
	logger := m.cfg.Logger.With(zap.String("recorder_id", id.String()), zap.String("user_id", owner.String()))
	provider := device.NewProvider(owner.String(), m.cfg.Registry, logger)
	rc := capture.RecorderConfig{
		Provider:          provider,
		Clock:             m.cfg.Clock,
		Filters:           m.cfg.Filters,
		PermissionTimeout: m.cfg.PermissionTimeout,
		Logger:            logger,
	}
	if m.cfg.Store != nil {
		rc.Store = m.cfg.Store
	}
	e := &Entry{
		ID:       id,
		Owner:    owner,
		Provider: provider,
		Recorder: capture.NewRecorder(rc),
		touched:  m.now(),
	}
	m.entries[id] = e
	logger.Info("recorder opened")
	return e, nil
}

// Get returns owner's recorder id and marks it used.
func (m *Manager) Get(id, owner uuid.UUID) (*Entry, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	if e.Owner != owner {
		return nil, ErrForbidden
	}
	e.touch(m.now())
	return e, nil
}

// Remove abandons and closes a recorder.
func (m *Manager) Remove(id, owner uuid.UUID) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok && e.Owner == owner {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if e.Owner != owner {
		return ErrForbidden
	}
	m.close(e, "removed")
	return nil
}

func (m *Manager) close(e *Entry, reason string) {
	e.Recorder.Close()
	e.Provider.Close()
	m.cfg.Logger.Info("recorder closed", zap.String("recorder_id", e.ID.String()), zap.String("reason", reason))
}

// Reap closes recorders that have been Idle for longer than IdleTTL and
// returns how many it closed.
func (m *Manager) Reap(ctx context.Context) int {
	m.mu.Lock()
	candidates := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		candidates = append(candidates, e)
	}
	m.mu.Unlock()

	now := m.now()
	closed := 0
	for _, e := range candidates {
		if now.Sub(e.idleSince()) < m.cfg.IdleTTL {
			continue
		}
		snap, err := e.Recorder.Snapshot(ctx)
		if err == nil && snap.State != capture.StateIdle {
			continue
		}
		m.mu.Lock()
		if m.entries[e.ID] == e {
			delete(m.entries, e.ID)
		}
		m.mu.Unlock()
		m.close(e, "idle")
		closed++
	}
	return closed
}

// Run reaps idle recorders until ctx is done, then closes everything.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(reapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-t.C:
			if n := m.Reap(ctx); n > 0 {
				m.cfg.Logger.Info("idle recorders closed", zap.Int("count", n))
			}
		}
	}
}

// Close abandons every open recorder.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[uuid.UUID]*Entry)
	m.mu.Unlock()
	for _, e := range entries {
		m.close(e, "shutdown")
	}
}

// Len returns the number of open recorders.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
