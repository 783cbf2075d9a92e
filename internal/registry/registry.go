// Package registry tracks the set of known peer devices and their
// link-layer connection state.
package registry

import "sync"

// Device is a known peer. Address is the primary key; an empty Name means the
// name is unknown.
type Device struct {
	Name      string
	Address   string
	Connected bool
}

// Registry is an insertion-ordered, concurrency-safe set of devices keyed by
// address. The zero value is not usable; call New.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	devices map[string]*Device
	changed chan struct{}
}

func New() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		changed: make(chan struct{}),
	}
}

// notifyLocked wakes everyone waiting on Changed. Callers hold mu for writing.
func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Upsert inserts d, or merges it into the record with the same address. A
// non-empty name replaces the stored one; an empty name never does. The
// connected flag is taken from d only on insert; use SetConnected afterwards.
// Records with an empty address are ignored.
func (r *Registry) Upsert(d Device) {
	if d.Address == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.devices[d.Address]
	if !ok {
		dev := d
		r.devices[d.Address] = &dev
		r.order = append(r.order, d.Address)
		r.notifyLocked()
		return
	}
	if d.Name != "" && d.Name != cur.Name {
		cur.Name = d.Name
		r.notifyLocked()
	}
}

// SetConnected updates the connected flag of a known device. It reports
// false, and changes nothing, if the address is unknown.
func (r *Registry) SetConnected(address string, connected bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.devices[address]
	if !ok {
		return false
	}
	if cur.Connected != connected {
		cur.Connected = connected
		r.notifyLocked()
	}
	return true
}

// Get returns a copy of the device stored under address.
func (r *Registry) Get(address string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[address]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Snapshot returns a copy of all devices in insertion order.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, *r.devices[addr])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Changed returns a channel that is closed on the next mutation. Take a
// Snapshot after it fires and call Changed again to keep watching.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.changed
}
