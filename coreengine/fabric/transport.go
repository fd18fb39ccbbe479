// Package fabric implements a kernel.Transport standing in for an
// RDMA-verbs fabric: reliable, connection-oriented, message-based
// delivery with a one-sided RMA path. The queue pair and completion
// queue are simulated in-process with Go channels rather than bound to
// real hardware - every externally observable behavior (handshake,
// MSS negotiation, completion ordering, RMA semantics) still matches
// what a verbs-backed transport would expose.
package fabric

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xconn-project/xconn-core/coreengine/kernel"
)

const inboxCapacity = 256

type itemKind int

const (
	itemSendDone itemKind = iota
	itemRecv
	itemRMADone
	itemRMARemoteReply
)

// wireItem is one entry on a simulated completion queue. Inbound items
// (itemRecv, itemRMARemoteReply) carry only the sender-assigned qp
// number, never a connection pointer - the receiving side resolves it
// through Endpoint.ConnectionForQP exactly as a real completion's
// wc.qp_num would be resolved.
type wireItem struct {
	kind   itemKind
	desc   *kernel.TxDescriptor
	qp     uint32
	buf    []byte
	status kernel.Status

	remoteHandle uint64
	length       uint64
	writable     bool
	ok           bool
}

// Transport is one process-wide fabric instance, shared by every
// device bound to the "fabric" tag. Devices merely select it; all
// simulated wire state lives here.
type Transport struct {
	fw *kernel.Framework

	mu        sync.RWMutex
	directory map[string]*kernel.Endpoint
	peers     map[*kernel.Connection]*kernel.Connection
	inboxes   map[*kernel.Endpoint]chan wireItem

	nextQP uint32
}

// New returns a fabric transport bound to fw. fw is used to call back
// into the generic kernel operations (event delivery, handshake
// completion, RMA resolution) once the simulated wire has moved bytes.
func New(fw *kernel.Framework) *Transport {
	return &Transport{
		fw:        fw,
		directory: make(map[string]*kernel.Endpoint),
		peers:     make(map[*kernel.Connection]*kernel.Connection),
		inboxes:   make(map[*kernel.Endpoint]chan wireItem),
	}
}

func (t *Transport) Tag() string { return "fabric" }

// Listen publishes ep as reachable at uri, so a peer's Connect can find
// it. A device intending to accept inbound connections calls this once
// per endpoint.
func (t *Transport) Listen(ep *kernel.Endpoint, uri string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.directory[uri]; exists {
		return kernel.NewError(kernel.StatusBusy, "uri already bound: "+uri)
	}
	t.directory[uri] = ep
	return nil
}

func (t *Transport) inbox(ep *kernel.Endpoint) chan wireItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.inboxes[ep]
	if !ok {
		ch = make(chan wireItem, inboxCapacity)
		t.inboxes[ep] = ch
	}
	return ch
}

func (t *Transport) peerOf(conn *kernel.Connection) (*kernel.Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[conn]
	return p, ok
}

func (t *Transport) pair(a, b *kernel.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[a] = b
	t.peers[b] = a
}

func (t *Transport) unpair(conn *kernel.Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[conn]; ok {
		delete(t.peers, p)
	}
	delete(t.peers, conn)
}

// Connect resolves uri against the shared directory and synthesizes
// the passive side's ConnRequest delivery.
func (t *Transport) Connect(ctx context.Context, conn *kernel.Connection, uri string, payload []byte) error {
	t.mu.RLock()
	peerEp, ok := t.directory[uri]
	t.mu.RUnlock()
	if !ok {
		return kernel.NewError(kernel.StatusNoSuchDevice, "no listener at "+uri)
	}

	passive, err := t.fw.HandleConnRequest(peerEp, uri, payload, conn.Attribute())
	if err != nil {
		return err
	}

	t.pair(conn, passive)
	conn.Endpoint().RegisterQP(atomic.AddUint32(&t.nextQP, 1), conn)
	passive.Endpoint().RegisterQP(atomic.AddUint32(&t.nextQP, 1), passive)
	return nil
}

// Accept resolves conn's paired active-side connection and drives its
// handshake completion. Each endpoint's configured max send size stands
// in for the fabric path MTU, so both sides negotiate against the same
// pair of values: the active side learns the passive endpoint's through
// HandleConnReply, and the passive side learns the active endpoint's
// from the returned path MTU.
func (t *Transport) Accept(conn *kernel.Connection) (uint32, error) {
	peer, ok := t.peerOf(conn)
	if !ok {
		return 0, kernel.NewError(kernel.StatusDisconnected, "no paired connection")
	}
	if err := t.fw.HandleConnReply(peer, true, conn.Endpoint().MaxSendSize()); err != nil {
		return 0, err
	}
	return peer.Endpoint().MaxSendSize(), nil
}

func (t *Transport) Reject(conn *kernel.Connection) error {
	peer, ok := t.peerOf(conn)
	if !ok {
		return kernel.NewError(kernel.StatusDisconnected, "no paired connection")
	}
	return t.fw.HandleConnReply(peer, false, 0)
}

func (t *Transport) Disconnect(conn *kernel.Connection) error {
	t.unpair(conn)
	return nil
}

// PostSend copies desc's buffer onto the paired connection's inbox and
// queues the sender's own completion, both delivered on the next Poll.
func (t *Transport) PostSend(conn *kernel.Connection, desc *kernel.TxDescriptor) error {
	peer, ok := t.peerOf(conn)
	if !ok {
		return kernel.NewError(kernel.StatusDisconnected, "no paired connection")
	}

	buf := append([]byte(nil), desc.Buffer...)
	select {
	case t.inbox(peer.Endpoint()) <- wireItem{kind: itemRecv, qp: peer.QPNum(), buf: buf}:
	default:
		return kernel.NewError(kernel.StatusNoBuffer, "peer inbox full")
	}

	select {
	case t.inbox(conn.Endpoint()) <- wireItem{kind: itemSendDone, desc: desc, status: kernel.StatusSuccess}:
	default:
		return kernel.NewError(kernel.StatusNoBuffer, "local inbox full")
	}
	return nil
}

// PostRMA moves bytes directly between the two endpoints' registered
// regions - desc.RMARemote names the peer's own local handle, resolved
// in advance by RequestRemoteRMA.
func (t *Transport) PostRMA(conn *kernel.Connection, desc *kernel.TxDescriptor) error {
	peer, ok := t.peerOf(conn)
	if !ok {
		return kernel.NewError(kernel.StatusDisconnected, "no paired connection")
	}

	local, ok := conn.Endpoint().Region(desc.RMALocal)
	if !ok {
		return kernel.NewError(kernel.StatusInvalidArgument, "unknown local RMA handle")
	}
	remote, ok := peer.Endpoint().Region(desc.RMARemote)
	if !ok {
		return kernel.NewError(kernel.StatusInvalidArgument, "unknown remote RMA handle")
	}

	status := kernel.StatusSuccess
	span := make([]byte, desc.RMALength)
	if desc.Flags.Has(kernel.FlagWrite) {
		if !remote.Writable || !local.ReadAt(desc.RMALocalOffset, span) || !remote.WriteAt(desc.RMAOffset, span) {
			status = kernel.StatusInvalidArgument
		}
	} else {
		if !remote.ReadAt(desc.RMAOffset, span) || !local.WriteAt(desc.RMALocalOffset, span) {
			status = kernel.StatusInvalidArgument
		}
	}

	select {
	case t.inbox(conn.Endpoint()) <- wireItem{kind: itemRMADone, desc: desc, status: status}:
	default:
		return kernel.NewError(kernel.StatusNoBuffer, "local inbox full")
	}
	return nil
}

// RequestRemoteRMA resolves remoteHandle against the peer's own region
// table - remoteHandle is the value the peer itself uses to name that
// region locally, learned out of band (typically over a prior Send).
func (t *Transport) RequestRemoteRMA(conn *kernel.Connection, remoteHandle uint64) error {
	peer, ok := t.peerOf(conn)
	if !ok {
		return kernel.NewError(kernel.StatusDisconnected, "no paired connection")
	}

	region, found := peer.Endpoint().Region(remoteHandle)
	item := wireItem{kind: itemRMARemoteReply, qp: conn.QPNum(), remoteHandle: remoteHandle, ok: found}
	if found {
		item.length = region.Len()
		item.writable = region.Writable
	}

	select {
	case t.inbox(conn.Endpoint()) <- item:
	default:
		return kernel.NewError(kernel.StatusNoBuffer, "local inbox full")
	}
	return nil
}

// Poll drains up to max queued wire items for ep, translating each
// into the matching Framework callback.
func (t *Transport) Poll(ep *kernel.Endpoint, max int) (int, error) {
	ch := t.inbox(ep)
	n := 0
	for n < max {
		select {
		case item := <-ch:
			t.deliver(ep, item)
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (t *Transport) deliver(ep *kernel.Endpoint, item wireItem) {
	switch item.kind {
	case itemSendDone, itemRMADone:
		t.fw.DeliverSendCompletion(ep, item.desc, item.status)
	case itemRecv:
		conn, ok := ep.ConnectionForQP(item.qp)
		if !ok {
			return
		}
		t.fw.DeliverRecv(conn, item.buf)
	case itemRMARemoteReply:
		conn, ok := ep.ConnectionForQP(item.qp)
		if !ok {
			return
		}
		t.fw.HandleRMARemoteReply(conn, item.remoteHandle, item.length, item.writable, item.ok)
	}
}

// Close cancels the endpoint's queued wire items, delivering any
// not-yet-completed sends and RMA operations with StatusDisconnected so
// their descriptors recycle, then unbinds the endpoint.
func (t *Transport) Close(ep *kernel.Endpoint) error {
	t.mu.Lock()
	ch := t.inboxes[ep]
	delete(t.inboxes, ep)
	for uri, bound := range t.directory {
		if bound == ep {
			delete(t.directory, uri)
		}
	}
	t.mu.Unlock()

	for ch != nil {
		select {
		case item := <-ch:
			if item.desc != nil {
				t.fw.DeliverSendCompletion(ep, item.desc, kernel.StatusDisconnected)
			}
		default:
			return nil
		}
	}
	return nil
}
