// Package ether implements a kernel.Transport standing in for the
// kernel-assisted Ethernet transport: a character-device-like control
// surface (GetInfo/CreateEndpoint/Mmap) backed by coreengine/ring's
// real mmap'd event ring, rather than a raw-socket NIC binding.
//
// The GET_INFO/CREATE_ENDPOINT ioctl pair and the mmap(RECVQ_OFFSET)
// contract are expressed as Go methods on a single in-process value
// rather than a real ioctl(2)/mmap(2) pair against a loaded kernel
// module - there is no module to bind to in a hosted Go process, but
// every externally observable failure mode (Busy on double-create,
// NoSuchDevice on an unknown handle, refusal of a writable mapping) is
// preserved.
package ether

import (
	"sync"

	"github.com/xconn-project/xconn-core/coreengine/kernel"
	"github.com/xconn-project/xconn-core/coreengine/ring"
)

// InterfaceInfo is what GET_INFO reports for a hardware address.
type InterfaceInfo struct {
	HWAddr       string
	MaxSendSize  uint32
	PCIDomain    uint32
	PCIBus       uint32
	PCIDevice    uint32
	PCIFunction  uint32
	LinkRateMbps uint32
}

const defaultRingSlots = 64

type endpointHandle struct {
	id     uint32
	hwaddr string
	ring   *ring.Ring
	mapped bool
}

// ControlSurface simulates the character device's three control
// operations over a fixed set of registered interfaces.
type ControlSurface struct {
	mu         sync.Mutex
	interfaces map[string]InterfaceInfo
	endpoints  map[string]*endpointHandle
	byID       map[uint32]*endpointHandle
	nextID     uint32
}

// NewControlSurface returns a control surface with no interfaces
// registered. RegisterInterface seeds the handles GetInfo can resolve.
func NewControlSurface() *ControlSurface {
	return &ControlSurface{
		interfaces: make(map[string]InterfaceInfo),
		endpoints:  make(map[string]*endpointHandle),
		byID:       make(map[uint32]*endpointHandle),
	}
}

// RegisterInterface publishes an interface as discoverable by GetInfo,
// standing in for the driver's own enumeration of the host's NICs.
func (cs *ControlSurface) RegisterInterface(info InterfaceInfo) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.interfaces[info.HWAddr] = info
}

// GetInfo resolves a hardware address to its interface parameters.
func (cs *ControlSurface) GetInfo(hwaddr string) (InterfaceInfo, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	info, ok := cs.interfaces[hwaddr]
	if !ok {
		return InterfaceInfo{}, kernel.NewError(kernel.StatusNoSuchDevice, "no interface at "+hwaddr)
	}
	return info, nil
}

// CreateEndpoint allocates an endpoint id bound to hwaddr. Creating a
// second endpoint on the same handle fails with StatusBusy; creating
// against an unregistered interface fails with StatusNoSuchDevice.
// writable stands in for the requirement that the device handle be
// opened for writing.
func (cs *ControlSurface) CreateEndpoint(hwaddr string, writable bool) (uint32, error) {
	if !writable {
		return 0, kernel.NewError(kernel.StatusInvalidArgument, "create endpoint requires a writable handle")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, ok := cs.interfaces[hwaddr]; !ok {
		return 0, kernel.NewError(kernel.StatusNoSuchDevice, "no interface at "+hwaddr)
	}
	if _, exists := cs.endpoints[hwaddr]; exists {
		return 0, kernel.NewError(kernel.StatusBusy, "endpoint already created on "+hwaddr)
	}

	cs.nextID++
	h := &endpointHandle{id: cs.nextID, hwaddr: hwaddr}
	cs.endpoints[hwaddr] = h
	cs.byID[h.id] = h
	return h.id, nil
}

// Mmap maps epID's receive ring. The mapping must be read-only and at
// most one mapping is permitted per endpoint.
func (cs *ControlSurface) Mmap(epID uint32, readOnly bool) (*ring.Ring, error) {
	if !readOnly {
		return nil, kernel.NewError(kernel.StatusInvalidArgument, "writable mapping refused")
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	h, ok := cs.byID[epID]
	if !ok {
		return nil, kernel.NewError(kernel.StatusInvalidArgument, "unknown endpoint id")
	}
	if h.mapped {
		return nil, kernel.NewError(kernel.StatusBusy, "endpoint already mapped")
	}

	r, err := ring.New(defaultRingSlots)
	if err != nil {
		return nil, kernel.WrapError(kernel.StatusNoMemory, "map event ring", err)
	}
	h.ring = r
	h.mapped = true
	return r, nil
}

// DestroyEndpoint releases epID's handle and unmaps its ring, if any.
func (cs *ControlSurface) DestroyEndpoint(epID uint32) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	h, ok := cs.byID[epID]
	if !ok {
		return nil
	}
	delete(cs.byID, epID)
	delete(cs.endpoints, h.hwaddr)
	if h.ring != nil {
		return h.ring.Close()
	}
	return nil
}
