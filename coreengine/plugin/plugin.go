// Package plugin is the transport plug-in framework: a registry
// third-party and built-in transports register into by tag, with
// priority-based resolution when more than one transport can serve a
// given device configuration.
package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xconn-project/xconn-core/coreengine/kernel"
)

// Descriptor is the static metadata a transport plug-in registers
// with, independent of any device it will eventually bind to: a
// bootstrap/probe/teardown lifecycle distinct from the per-connection
// operation table.
type Descriptor struct {
	Tag      string
	Priority int

	// Probe reports whether this transport's prerequisites are present
	// in the current environment (e.g. a verbs device node, a raw
	// socket capability). A transport with no environmental
	// prerequisite can leave this nil.
	Probe func() error

	// New constructs a bound kernel.Transport instance. Called once per
	// successful Bind.
	New func() (kernel.Transport, error)

	// Teardown releases any process-wide resources the transport holds
	// that outlive any single device (e.g. a shared completion channel
	// pool). Optional.
	Teardown func() error
}

// Registry is the process-wide table of registered transport
// descriptors, keyed by tag.
type Registry struct {
	logger kernel.Logger

	mu    sync.RWMutex
	descs map[string]Descriptor
}

// NewRegistry returns an empty plug-in registry.
func NewRegistry(logger kernel.Logger) *Registry {
	return &Registry{logger: logger, descs: make(map[string]Descriptor)}
}

// Register adds a transport descriptor. Returns false if tag is
// already registered - plug-ins never silently overwrite one another.
func (r *Registry) Register(d Descriptor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descs[d.Tag]; exists {
		if r.logger != nil {
			r.logger.Warn("transport_already_registered", "tag", d.Tag)
		}
		return false
	}
	r.descs[d.Tag] = d
	if r.logger != nil {
		r.logger.Info("transport_registered", "tag", d.Tag, "priority", d.Priority)
	}
	return true
}

// Unregister removes a transport descriptor, running its Teardown hook
// if present.
func (r *Registry) Unregister(tag string) error {
	r.mu.Lock()
	d, exists := r.descs[tag]
	if exists {
		delete(r.descs, tag)
	}
	r.mu.Unlock()

	if !exists {
		return kernel.NewError(kernel.StatusInvalidArgument, "no transport registered under tag "+tag)
	}
	if d.Teardown != nil {
		return d.Teardown()
	}
	return nil
}

// Resolve returns the highest-priority descriptor among tags whose
// Probe succeeds (or has none). Used when a device configuration names
// a transport family generically rather than one exact tag.
func (r *Registry) Resolve(tags ...string) (Descriptor, error) {
	r.mu.RLock()
	candidates := make([]Descriptor, 0, len(tags))
	for _, tag := range tags {
		if d, ok := r.descs[tag]; ok {
			candidates = append(candidates, d)
		}
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority > candidates[j].Priority })

	for _, d := range candidates {
		if d.Probe == nil {
			return d, nil
		}
		if err := d.Probe(); err == nil {
			return d, nil
		}
	}
	return Descriptor{}, kernel.NewError(kernel.StatusNoSuchDevice, fmt.Sprintf("no usable transport among %v", tags))
}

// Bind resolves tag to its descriptor and constructs + registers a
// bound kernel.Transport with fw under that tag.
func (r *Registry) Bind(fw *kernel.Framework, tag string) error {
	r.mu.RLock()
	d, ok := r.descs[tag]
	r.mu.RUnlock()
	if !ok {
		return kernel.NewError(kernel.StatusInvalidArgument, "no transport registered under tag "+tag)
	}

	if d.Probe != nil {
		if err := d.Probe(); err != nil {
			return kernel.WrapError(kernel.StatusNoSuchDevice, "transport probe failed for "+tag, err)
		}
	}

	// A misbehaving plug-in constructor must not take down the other
	// transports; a panic here surfaces as this transport's error only.
	tr, err := kernel.SafeExecuteWithResult(r.logger, "transport bootstrap "+tag, d.New)
	if err != nil {
		return kernel.WrapError(kernel.StatusError, "transport bootstrap failed for "+tag, err)
	}
	fw.RegisterTransport(tr)
	return nil
}

// Tags returns every registered transport tag, for diagnostics.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.descs))
	for tag := range r.descs {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
