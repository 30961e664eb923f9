package device

import (
	"fmt"
	"sync"

	"github.com/docustream/backend/internal/capture"
)

type leaseKey struct {
	owner    string
	deviceID string
}

// Registry grants exclusive leases on physical inputs, keyed by owner and device id.
type Registry struct {
	mu     sync.Mutex
	leases map[leaseKey]*Lease
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{leases: make(map[leaseKey]*Lease)}
}

// Lease is one held device. Release may be called any number of times.
type Lease struct {
	reg  *Registry
	key  leaseKey
	once sync.Once
}

// Acquire leases deviceID for owner, failing with capture.ErrInUse when another holder has it.
func (r *Registry) Acquire(owner, deviceID string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := leaseKey{owner: owner, deviceID: deviceID}
	if _, held := r.leases[key]; held {
		return nil, fmt.Errorf("%w: %s", capture.ErrInUse, deviceID)
	}
	l := &Lease{reg: r, key: key}
	r.leases[key] = l
	return l, nil
}

// Held reports whether deviceID is currently leased for owner.
func (r *Registry) Held(owner, deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.leases[leaseKey{owner: owner, deviceID: deviceID}]
	return ok
}

// Release frees the device.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.reg.mu.Lock()
		defer l.reg.mu.Unlock()
		if l.reg.leases[l.key] == l {
			delete(l.reg.leases, l.key)
		}
	})
}
