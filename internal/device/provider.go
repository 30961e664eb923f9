package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/docustream/backend/internal/capture"
	"go.uber.org/zap"
)

const (
	TransportWebSocket = "websocket"
	TransportWebRTC    = "webrtc"

	// DefaultDeviceID is leased when neither the request nor the client names an input.
	DefaultDeviceID = "default"
)

// Source is a connected client that can supply audio once it grants permission.
type Source interface {
	Transport() string
	// Open asks the client for access and returns its stream.
	Open(ctx context.Context, c capture.Constraints) (Stream, error)
	Done() <-chan struct{}
	Close() error
}

// Stream is a granted audio feed.
type Stream interface {
	ID() string
	Start(sink func(segment []byte))
	Close() error
}

// Provider is the capture API for one recorder. Transport handlers attach
// sources as clients connect; Acquire waits for one.
type Provider struct {
	owner    string
	registry *Registry
	logger   *zap.Logger

	mu      sync.Mutex
	sources map[string]Source
	changed chan struct{}
}

// NewProvider creates a provider whose devices are leased under owner.
func NewProvider(owner string, registry *Registry, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		owner:    owner,
		registry: registry,
		logger:   logger,
		sources:  make(map[string]Source),
		changed:  make(chan struct{}),
	}
}

// Attach makes src available to the next Acquire on its transport and closes any source it replaces.
func (p *Provider) Attach(src Source) {
	p.mu.Lock()
	old := p.sources[src.Transport()]
	p.sources[src.Transport()] = src
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()

	if old != nil && old != src {
		_ = old.Close()
	}
	p.logger.Debug("capture source attached", zap.String("owner", p.owner), zap.String("transport", src.Transport()))
}

// Detach forgets src if it is still the attached source for its transport.
func (p *Provider) Detach(src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sources[src.Transport()] == src {
		delete(p.sources, src.Transport())
	}
}

// Close closes every attached source.
func (p *Provider) Close() {
	p.mu.Lock()
	sources := p.sources
	p.sources = make(map[string]Source)
	p.mu.Unlock()
	for _, s := range sources {
		_ = s.Close()
	}
}

func (p *Provider) take(transport string) (Source, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.sources[transport]
	if src != nil {
		delete(p.sources, transport)
	}
	return src, p.changed
}

// putBack re-attaches src unless a newer source arrived meanwhile.
func (p *Provider) putBack(src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, taken := p.sources[src.Transport()]; !taken {
		p.sources[src.Transport()] = src
	}
}

// Acquire waits for a source on the requested transport, asks it for
// permission and leases the resulting device.
func (p *Provider) Acquire(ctx context.Context, c capture.Constraints) (capture.Device, error) {
	transport := c.Transport
	if transport == "" {
		transport = TransportWebSocket
	}
	switch transport {
	case TransportWebSocket:
	case TransportWebRTC:
		if enc, ok := capture.EncodingForMime(c.MimeType); !ok || enc != capture.EncodingOggOpus {
			return nil, fmt.Errorf("%w: webrtc capture produces %s, not %s", capture.ErrUnsupported, capture.EncodingOggOpus.MimeType, c.MimeType)
		}
	default:
		return nil, fmt.Errorf("%w: transport %q", capture.ErrUnsupported, transport)
	}

	for {
		src, changed := p.take(transport)
		if src == nil {
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		select {
		case <-src.Done():
			continue
		default:
		}

		stream, err := src.Open(ctx, c)
		if err != nil {
			select {
			case <-src.Done():
			default:
				p.putBack(src)
			}
			return nil, err
		}

		id := c.DeviceID
		if id == "" {
			id = stream.ID()
		}
		if id == "" {
			id = DefaultDeviceID
		}
		lease, err := p.registry.Acquire(p.owner, id)
		if err != nil {
			_ = stream.Close()
			return nil, err
		}
		p.logger.Info("capture device granted",
			zap.String("owner", p.owner),
			zap.String("device_id", id),
			zap.String("transport", transport),
		)
		return &Device{id: id, stream: stream, lease: lease}, nil
	}
}

// Device is a leased stream. It forwards recorder notifications to streams that listen for them.
type Device struct {
	id     string
	stream Stream
	lease  *Lease
	once   sync.Once
	err    error
}

func (d *Device) ID() string { return d.id }

func (d *Device) Capture(sink func([]byte)) { d.stream.Start(sink) }

// Close closes the stream and releases the lease once.
func (d *Device) Close() error {
	d.once.Do(func() {
		d.err = d.stream.Close()
		d.lease.Release()
	})
	return d.err
}

func (d *Device) StateChanged(s capture.Snapshot) {
	if l, ok := d.stream.(capture.Listener); ok {
		l.StateChanged(s)
	}
}

func (d *Device) Tick(elapsed string, seconds int64) {
	if l, ok := d.stream.(capture.Listener); ok {
		l.Tick(elapsed, seconds)
	}
}
