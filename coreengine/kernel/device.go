package kernel

import (
	"fmt"
	"sync"
)

// Device represents one fabric adapter, owned exclusively by the global
// Registry. Endpoints hold only a non-owning back reference.
type Device struct {
	Name         string
	TransportTag string
	MaxSendSize  uint32
	LinkRateMbps uint64
	PCIDomain    string
	PCIBus       string
	PCIDevice    string
	PCIFunction  string
	IsDefault    bool

	mu        sync.RWMutex
	up        bool
	endpoints map[uint32]*Endpoint
	ids       *idAllocator

	// Private is transport-private opaque state (e.g. a queue-pair
	// context cache, a socket directory path).
	Private any
}

func newDevice(name, tag string, maxSendSize uint32) *Device {
	return &Device{
		Name:         name,
		TransportTag: tag,
		MaxSendSize:  maxSendSize,
		up:           true,
		endpoints:    make(map[uint32]*Endpoint),
		ids:          newIDAllocator(),
	}
}

// Up reports whether the device is currently marked up.
func (d *Device) Up() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.up
}

// SetUp flips the device's up/down flag. Lifecycle notification is the
// caller's job; this only mutates registry state.
func (d *Device) SetUp(up bool) {
	d.mu.Lock()
	d.up = up
	d.mu.Unlock()
}

func (d *Device) registerEndpoint(ep *Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[ep.ID()] = ep
}

func (d *Device) unregisterEndpoint(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.endpoints, id)
}

// Endpoints returns a snapshot of the device's bound endpoints.
func (d *Device) Endpoints() []*Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Endpoint, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		out = append(out, ep)
	}
	return out
}

// Registry is the global, ordered device list. Lock order (outer to
// inner): Registry -> Device -> Endpoint.
type Registry struct {
	mu      sync.RWMutex
	devices []*Device
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add inserts a device, constructed by Framework.NewDevice. Devices
// are otherwise exclusively owned by the registry.
func (r *Registry) Add(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, d)
}

// Remove drops every device whose transport tag matches tag - used when
// a transport's Init fails and only its own devices must be removed.
func (r *Registry) Remove(tag string) []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Device
	kept := r.devices[:0:0]
	for _, d := range r.devices {
		if d.TransportTag == tag {
			removed = append(removed, d)
			continue
		}
		kept = append(kept, d)
	}
	r.devices = kept
	return removed
}

// All returns a snapshot of the registry's devices, in registration
// order.
func (r *Registry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// ByName looks up a device by its stable name.
func (r *Registry) ByName(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Default returns the first device with IsDefault set, else the first
// device in registration order.
func (r *Registry) Default() (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.devices) == 0 {
		return nil, NewError(StatusNoSuchDevice, "no devices registered")
	}
	for _, d := range r.devices {
		if d.IsDefault {
			return d, nil
		}
	}
	return r.devices[0], nil
}

func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Registry(%d devices)", len(r.devices))
}
