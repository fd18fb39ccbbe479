package ether

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/xconn-project/xconn-core/coreengine/kernel"
	"github.com/xconn-project/xconn-core/coreengine/observability"
	"github.com/xconn-project/xconn-core/coreengine/ring"
)

type eventKind byte

const (
	kindSendDone eventKind = iota
	kindRecv
)

// encodeEvent packs one completion into a ring.PayloadSize-byte slot
// payload. The actual message bytes never go through the ring itself -
// real Ethernet frames arrive over the NIC, not the event ring, which
// only ever carries completion metadata; here the frame body is looked
// up from the transport's own buffer table by seq.
func encodeEvent(kind eventKind, qp uint32, status kernel.Status, seq uint64, length uint32) []byte {
	buf := make([]byte, ring.PayloadSize)
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint32(buf[1:5], qp)
	buf[5] = byte(status)
	binary.LittleEndian.PutUint64(buf[8:16], seq)
	binary.LittleEndian.PutUint32(buf[16:20], length)
	return buf
}

func decodeEvent(buf []byte) (kind eventKind, qp uint32, status kernel.Status, seq uint64, length uint32) {
	kind = eventKind(buf[0])
	qp = binary.LittleEndian.Uint32(buf[1:5])
	status = kernel.Status(buf[5])
	seq = binary.LittleEndian.Uint64(buf[8:16])
	length = binary.LittleEndian.Uint32(buf[16:20])
	return
}

// Transport implements kernel.Transport over coreengine/ring's shared
// event ring, with ControlSurface standing in for the character device
// that would otherwise hand out endpoint ids and ring mappings.
type Transport struct {
	fw *kernel.Framework
	cs *ControlSurface

	mu           sync.Mutex
	directory    map[string]*kernel.Endpoint
	peers        map[*kernel.Connection]*kernel.Connection
	rings        map[*kernel.Endpoint]*ring.Ring
	epIDs        map[*kernel.Endpoint]uint32
	buffers      map[uint64][]byte
	pendingDescs map[uint64]*kernel.TxDescriptor

	nextSeq uint64
	nextQP  uint32
}

// New returns an ether transport bound to fw, serving endpoints through
// cs's control surface.
func New(fw *kernel.Framework, cs *ControlSurface) *Transport {
	return &Transport{
		fw:           fw,
		cs:           cs,
		directory:    make(map[string]*kernel.Endpoint),
		peers:        make(map[*kernel.Connection]*kernel.Connection),
		rings:        make(map[*kernel.Endpoint]*ring.Ring),
		epIDs:        make(map[*kernel.Endpoint]uint32),
		buffers:      make(map[uint64][]byte),
		pendingDescs: make(map[uint64]*kernel.TxDescriptor),
	}
}

func (t *Transport) Tag() string { return "ether" }

// Listen resolves uri as a hardware address, creating and mapping the
// endpoint through the control surface exactly as an application would
// ioctl(CREATE_ENDPOINT) then mmap(RECVQ_OFFSET) against a real
// character device.
func (t *Transport) Listen(ep *kernel.Endpoint, uri string) error {
	epID, err := t.cs.CreateEndpoint(uri, true)
	if err != nil {
		return err
	}
	r, err := t.cs.Mmap(epID, true)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.rings[ep] = r
	t.epIDs[ep] = epID
	t.directory[uri] = ep
	t.mu.Unlock()
	return nil
}

// ringFor returns ep's event ring, lazily allocating one directly (not
// through the control surface) for an endpoint that only ever connects
// out and never listens - the GET_INFO/CREATE_ENDPOINT pair models the
// NIC's receive side, which an outbound-only application handle never
// needs to open in the same way.
func (t *Transport) ringFor(ep *kernel.Endpoint) (*ring.Ring, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.rings[ep]
	if ok {
		return r, nil
	}
	r, err := ring.New(defaultRingSlots)
	if err != nil {
		return nil, kernel.WrapError(kernel.StatusNoMemory, "allocate event ring", err)
	}
	t.rings[ep] = r
	return r, nil
}

func (t *Transport) peerOf(conn *kernel.Connection) (*kernel.Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
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

func (t *Transport) storeBuffer(buf []byte) uint64 {
	seq := atomic.AddUint64(&t.nextSeq, 1)
	t.mu.Lock()
	t.buffers[seq] = append([]byte(nil), buf...)
	t.mu.Unlock()
	return seq
}

func (t *Transport) takeBuffer(seq uint64) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := t.buffers[seq]
	delete(t.buffers, seq)
	return buf
}

// Connect resolves uri against the shared directory and synthesizes
// the passive side's ConnRequest delivery, exactly as
// coreengine/fabric does - the handshake itself is a synchronous
// in-process call, leaving the ring to carry only post-handshake
// completions.
func (t *Transport) Connect(ctx context.Context, conn *kernel.Connection, uri string, payload []byte) error {
	t.mu.Lock()
	peerEp, ok := t.directory[uri]
	t.mu.Unlock()
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

	if _, err := t.ringFor(conn.Endpoint()); err != nil {
		return err
	}
	return nil
}

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

// PostSend writes the message body into the transport's side buffer
// table and produces one Recv event on the peer's ring and one
// SendDone event on its own ring.
func (t *Transport) PostSend(conn *kernel.Connection, desc *kernel.TxDescriptor) error {
	peer, ok := t.peerOf(conn)
	if !ok {
		return kernel.NewError(kernel.StatusDisconnected, "no paired connection")
	}

	peerRing, err := t.ringFor(peer.Endpoint())
	if err != nil {
		return err
	}
	ownRing, err := t.ringFor(conn.Endpoint())
	if err != nil {
		return err
	}

	seq := t.storeBuffer(desc.Buffer)
	recvEvent := encodeEvent(kindRecv, peer.QPNum(), kernel.StatusSuccess, seq, uint32(len(desc.Buffer)))
	if err := peerRing.Produce(recvEvent); err != nil {
		t.takeBuffer(seq)
		if ring.IsFull(err) {
			observability.RecordRingOp("full")
			return kernel.NewError(kernel.StatusNoBuffer, "peer event ring full")
		}
		return kernel.WrapError(kernel.StatusError, "produce recv event", err)
	}
	observability.RecordRingOp("produce")

	doneSeq := t.storeBuffer(nil)
	doneEvent := encodeEvent(kindSendDone, conn.QPNum(), kernel.StatusSuccess, doneSeq, 0)
	if err := ownRing.Produce(doneEvent); err != nil {
		if ring.IsFull(err) {
			observability.RecordRingOp("full")
			return kernel.NewError(kernel.StatusNoBuffer, "local event ring full")
		}
		return kernel.WrapError(kernel.StatusError, "produce send-done event", err)
	}
	observability.RecordRingOp("produce")
	t.descForSeq(doneSeq, desc)
	return nil
}

// descForSeq records which TxDescriptor a SendDone event's seq number
// refers to, so Poll can report completion against the right one.
func (t *Transport) descForSeq(seq uint64, desc *kernel.TxDescriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingDescs == nil {
		t.pendingDescs = make(map[uint64]*kernel.TxDescriptor)
	}
	t.pendingDescs[seq] = desc
}

func (t *Transport) takeDesc(seq uint64) *kernel.TxDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.pendingDescs[seq]
	delete(t.pendingDescs, seq)
	return d
}

// PostRMA is not implemented - like the same-host socket transport,
// the kernel-assisted Ethernet path never carries one-sided RMA; only
// the verbs fabric does.
func (t *Transport) PostRMA(conn *kernel.Connection, desc *kernel.TxDescriptor) error {
	return kernel.NewError(kernel.StatusNotImplemented, "RMA not supported over ether")
}

func (t *Transport) RequestRemoteRMA(conn *kernel.Connection, handle uint64) error {
	return kernel.NewError(kernel.StatusNotImplemented, "RMA not supported over ether")
}

// Poll drains up to max ring events for ep, translating each into the
// matching Framework callback and returning the slot once handled.
func (t *Transport) Poll(ep *kernel.Endpoint, max int) (int, error) {
	r, err := t.ringFor(ep)
	if err != nil {
		return 0, err
	}

	n := 0
	for n < max {
		slot, payload, ok := r.Consume()
		if !ok {
			break
		}
		observability.RecordRingOp("consume")
		t.deliver(ep, payload)
		if err := r.Return(slot); err != nil {
			return n, err
		}
		observability.RecordRingOp("return")
		n++
	}
	return n, nil
}

func (t *Transport) deliver(ep *kernel.Endpoint, payload []byte) {
	kind, qp, status, seq, length := decodeEvent(payload)
	switch kind {
	case kindSendDone:
		desc := t.takeDesc(seq)
		t.takeBuffer(seq)
		if desc != nil {
			t.fw.DeliverSendCompletion(ep, desc, status)
		}
	case kindRecv:
		conn, ok := ep.ConnectionForQP(qp)
		if !ok {
			t.takeBuffer(seq)
			return
		}
		buf := t.takeBuffer(seq)
		t.fw.DeliverRecv(conn, buf[:length])
	}
}

func (t *Transport) Close(ep *kernel.Endpoint) error {
	t.mu.Lock()
	epID, hasID := t.epIDs[ep]
	r := t.rings[ep]
	delete(t.rings, ep)
	delete(t.epIDs, ep)
	for uri, bound := range t.directory {
		if bound == ep {
			delete(t.directory, uri)
		}
	}
	t.mu.Unlock()

	if hasID {
		// The control surface owns this ring and unmaps it with the
		// endpoint handle.
		return t.cs.DestroyEndpoint(epID)
	}
	if r != nil {
		return r.Close()
	}
	return nil
}
