package kernel

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ConnState is a connection's position in its lifecycle state machine.
type ConnState int

const (
	ConnInit ConnState = iota
	ConnActive
	ConnPassive
	ConnEstablished
	ConnClosing
	ConnClosed
)

// String renders each state to a distinct, fixed label; every branch
// returns its own string.
func (s ConnState) String() string {
	switch s {
	case ConnInit:
		return "init"
	case ConnActive:
		return "active"
	case ConnPassive:
		return "passive"
	case ConnEstablished:
		return "established"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransitions enumerates every legal state change. Anything absent
// is rejected by transition.
var validTransitions = map[ConnState]map[ConnState]bool{
	ConnInit:        {ConnActive: true, ConnPassive: true, ConnClosed: true},
	ConnActive:      {ConnEstablished: true, ConnClosed: true},
	ConnPassive:     {ConnEstablished: true, ConnClosed: true},
	ConnEstablished: {ConnClosing: true, ConnClosed: true},
	ConnClosing:     {ConnClosed: true},
	ConnClosed:      {},
}

// Connection is one established or in-progress point-to-point channel
// between two endpoints. Lock order: Endpoint -> Connection.
type Connection struct {
	id      uint64
	traceID string
	ep      *Endpoint
	attr    ConnAttribute
	uri     string

	mu    sync.Mutex
	state ConnState
	mss   uint32

	// Context is opaque application data associated with Connect/Accept.
	Context any

	qpNum uint32

	remoteCache *remoteRefCache
	pending     []*pendingRMA

	sendTimeout any
}

func newConnection(ep *Endpoint, attr ConnAttribute, uri string) *Connection {
	return &Connection{
		id:          ep.nextConnID(),
		traceID:     uuid.NewString(),
		ep:          ep,
		attr:        attr,
		uri:         uri,
		state:       ConnInit,
		mss:         ep.maxSend,
		remoteCache: newRemoteRefCache(remoteRefCacheSize),
	}
}

// ID returns the connection's endpoint-scoped identifier.
func (c *Connection) ID() uint64 { return c.id }

// TraceID returns the connection's stable correlation id, stamped at
// creation and carried through lifecycle notifications and logs.
func (c *Connection) TraceID() string { return c.traceID }

// Endpoint returns the connection's owning endpoint.
func (c *Connection) Endpoint() *Endpoint { return c.ep }

// Attribute returns the connection's reliability/ordering class.
func (c *Connection) Attribute() ConnAttribute { return c.attr }

// QPNum returns the queue-pair number a transport assigned this
// connection via Endpoint.RegisterQP, or 0 if none has been assigned.
func (c *Connection) QPNum() uint32 { return c.qpNum }

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MSS returns the connection's negotiated maximum segment size.
func (c *Connection) MSS() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mss
}

// transition moves the connection to to, rejecting any move absent
// from validTransitions.
func (c *Connection) transition(to ConnState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	allowed := validTransitions[c.state]
	if allowed == nil || !allowed[to] {
		return NewError(StatusInvalidArgument,
			fmt.Sprintf("illegal connection transition %s -> %s", c.state, to))
	}
	c.state = to
	return nil
}

// negotiateMSS computes min(local max send size, fabric path MTU); a
// path MTU of 0 means the fabric imposes none. Both sides call it: the
// active side in HandleConnReply, the passive side in Framework.Accept.
func negotiateMSS(localMax, pathMTU uint32) uint32 {
	if pathMTU == 0 || pathMTU > localMax {
		return localMax
	}
	return pathMTU
}

// queueRMA defers an RMA post whose remote handle has not yet resolved.
func (c *Connection) queueRMA(p *pendingRMA) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, p)
}

// drainRMA removes and returns every deferred RMA waiting on handle,
// once a MsgRmaRemoteReply resolves it. It removes exactly the entries
// matching handle, and only from the list it scans, so unrelated
// pending operations are never dropped.
func (c *Connection) drainRMA(handle uint64) []*pendingRMA {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []*pendingRMA
	kept := c.pending[:0:0]
	for _, p := range c.pending {
		if p.remoteHandle == handle {
			matched = append(matched, p)
			continue
		}
		kept = append(kept, p)
	}
	c.pending = kept
	return matched
}
