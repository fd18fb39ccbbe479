package kernel

import (
	"sync"
	"sync/atomic"
)

const (
	defaultTxSlab = 64
	defaultRxSlab = 64
)

// Endpoint is one bound, active access point into a device. It owns a
// fixed slab of Tx/Rx descriptors, the connections it has established,
// and the single event queue GetEvent/ReturnEvent operate on.
type Endpoint struct {
	id        uint32
	device    *Device
	transport Transport
	maxSend   uint32

	mu          sync.Mutex
	closed      bool
	txIdle      []*TxDescriptor
	rxIdle      []*RxDescriptor
	connections map[uint64]*Connection
	qpIndex     map[uint32]*Connection
	opts        map[OptName]any
	rmaRegions  map[uint64]*RMARegion
	rmaActive   map[uint64]int
	rmaIDs      *idAllocator

	events  *eventQueue
	armed   chan struct{}
	connSeq uint64
}

func newEndpoint(id uint32, dev *Device, tr Transport) *Endpoint {
	maxSend := dev.MaxSendSize
	ep := &Endpoint{
		id:          id,
		device:      dev,
		transport:   tr,
		maxSend:     maxSend,
		txIdle:      newTxSlab(defaultTxSlab),
		rxIdle:      newRxSlab(defaultRxSlab),
		connections: make(map[uint64]*Connection),
		qpIndex:     make(map[uint32]*Connection),
		opts:        make(map[OptName]any),
		rmaRegions:  make(map[uint64]*RMARegion),
		rmaActive:   make(map[uint64]int),
		rmaIDs:      newIDAllocator(),
		events:      newEventQueue(),
	}
	return ep
}

// ID returns the endpoint's dense, device-scoped allocation id.
func (ep *Endpoint) ID() uint32 { return ep.id }

// Device returns the endpoint's owning device.
func (ep *Endpoint) Device() *Device { return ep.device }

// MaxSendSize returns the endpoint's configured maximum short-message
// size, before any per-connection MSS negotiation.
func (ep *Endpoint) MaxSendSize() uint32 { return ep.maxSend }

func (ep *Endpoint) nextConnID() uint64 {
	return atomic.AddUint64(&ep.connSeq, 1)
}

// Closed reports whether Destroy has already run.
func (ep *Endpoint) Closed() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.closed
}

// takeTx removes and returns an idle Tx descriptor, or nil if the slab
// is exhausted (StatusNoBuffer at the call site).
func (ep *Endpoint) takeTx() *TxDescriptor {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	n := len(ep.txIdle)
	if n == 0 {
		return nil
	}
	d := ep.txIdle[n-1]
	ep.txIdle = ep.txIdle[:n-1]
	d.state = txPending
	return d
}

// releaseTx returns a Tx descriptor to the idle list once its
// completion has been reported. A descriptor already idle is never
// reinserted, so a path that cleans up on both success and failure
// cannot double-insert.
func (ep *Endpoint) releaseTx(d *TxDescriptor) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if d.state == txIdle {
		return
	}
	d.state = txIdle
	d.Context = nil
	d.Buffer = nil
	d.RMAMsg = nil
	ep.txIdle = append(ep.txIdle, d)
}

// takeRx removes and returns a posted Rx descriptor to back an inbound
// event, or nil if the shared receive queue is drained.
func (ep *Endpoint) takeRx() *RxDescriptor {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	n := len(ep.rxIdle)
	if n == 0 {
		return nil
	}
	d := ep.rxIdle[n-1]
	ep.rxIdle = ep.rxIdle[:n-1]
	return d
}

// releaseRx re-posts a receive descriptor once its event has been
// returned.
func (ep *Endpoint) releaseRx(d *RxDescriptor) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	d.Buffer = nil
	d.ConnID = 0
	ep.rxIdle = append(ep.rxIdle, d)
}

func (ep *Endpoint) addConnection(c *Connection) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.connections[c.id] = c
}

func (ep *Endpoint) removeConnection(id uint64) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.connections, id)
}

func (ep *Endpoint) connection(id uint64) (*Connection, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	c, ok := ep.connections[id]
	return c, ok
}

// Connections returns a snapshot of the endpoint's live connections.
func (ep *Endpoint) Connections() []*Connection {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := make([]*Connection, 0, len(ep.connections))
	for _, c := range ep.connections {
		out = append(out, c)
	}
	return out
}

// GetEvent removes and returns the oldest undelivered event, or
// (nil, StatusAgain) if none is pending.
func (ep *Endpoint) GetEvent() (*Event, error) {
	if e := ep.events.pop(); e != nil {
		return e, nil
	}
	return nil, NewError(StatusAgain, "no event pending")
}

// GetEventWhere removes and returns the oldest pending event the
// predicate accepts, including blocking-Send completions GetEvent
// withholds. Used by the blocking send path to collect its own
// completion inline.
func (ep *Endpoint) GetEventWhere(match func(*Event) bool) (*Event, error) {
	if e := ep.events.popWhere(match); e != nil {
		return e, nil
	}
	return nil, NewError(StatusAgain, "no matching event pending")
}

// ReturnEvent releases an event previously returned by GetEvent,
// re-posting the backing receive descriptor for Recv and
// ConnectRequest events.
func (ep *Endpoint) ReturnEvent(e *Event) error {
	if err := ep.events.release(e); err != nil {
		return err
	}
	if e.rx != nil {
		ep.releaseRx(e.rx)
		e.rx = nil
	}
	return nil
}

func (ep *Endpoint) pushEvent(e *Event) {
	ep.events.push(e)

	ep.mu.Lock()
	if ep.armed != nil {
		close(ep.armed)
		ep.armed = nil
	}
	ep.mu.Unlock()
}

// ArmOSHandle returns a channel closed when the next event lands on
// the endpoint, letting a caller sleep on an OS handle instead of
// spinning. Each arming is one-shot.
func (ep *Endpoint) ArmOSHandle() <-chan struct{} {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.armed == nil {
		ep.armed = make(chan struct{})
	}
	return ep.armed
}

// SetOpt stores an endpoint-level option.
func (ep *Endpoint) SetOpt(name OptName, value any) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.opts[name] = value
	return nil
}

// GetOpt retrieves an endpoint-level option.
func (ep *Endpoint) GetOpt(name OptName) (any, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	v, ok := ep.opts[name]
	if !ok {
		return nil, NewError(StatusInvalidArgument, "option not set")
	}
	return v, nil
}

// Destroy releases the endpoint's transport resources, rejects further
// use, and unregisters it from its device. Idempotent.
func (ep *Endpoint) destroy() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.mu.Unlock()

	ep.device.unregisterEndpoint(ep.id)
	return ep.transport.Close(ep)
}
