// Package shm implements a kernel.Transport for same-host messaging
// over UNIX domain sockets, one socket file per listening endpoint:
// PF_LOCAL/SOCK_STREAM sockets rooted under a shared directory, with
// the connect/accept handshake exchanged as short framed messages over
// the socket itself rather than a separate control channel.
package shm

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/xconn-project/xconn-core/coreengine/kernel"
)

// frame is [4-byte header][4-byte length][payload]; header is a
// kernel.Header encoding the message kind.
func writeFrame(w io.Writer, h kernel.Header, payload []byte) error {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(h))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (kernel.Header, []byte, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	h := kernel.Header(binary.BigEndian.Uint32(hdr[0:4]))
	n := binary.BigEndian.Uint32(hdr[4:8])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return h, payload, nil
}

type peerConn struct {
	conn *kernel.Connection
	sock net.Conn
	mu   sync.Mutex
}

// Transport is one process-wide UNIX-socket instance, shared by every
// endpoint bound to the "sm" tag.
type Transport struct {
	fw      *kernel.Framework
	baseDir string

	mu        sync.Mutex
	listeners map[*kernel.Endpoint]net.Listener
	byQP      map[*kernel.Endpoint]map[uint32]*peerConn
	inboxes   map[*kernel.Endpoint]chan wireEvent
	nextQP    uint32
}

type eventKind int

const (
	evRecv eventKind = iota
	evConnRequest
	evConnReply
	evDisconnect
)

type wireEvent struct {
	kind    eventKind
	qp      uint32
	buf     []byte
	uri     string
	sock    net.Conn
	attr    kernel.ConnAttribute
	accept  bool
	peerMTU uint32
}

// New returns a shm transport rooted at baseDir (created if absent).
// fw is used to call back into the generic kernel operations once a
// frame has been read off a socket.
func New(fw *kernel.Framework, baseDir string) (*Transport, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, kernel.WrapError(kernel.StatusError, "create socket directory", err)
	}
	return &Transport{
		fw:        fw,
		baseDir:   baseDir,
		listeners: make(map[*kernel.Endpoint]net.Listener),
		byQP:      make(map[*kernel.Endpoint]map[uint32]*peerConn),
		inboxes:   make(map[*kernel.Endpoint]chan wireEvent),
	}, nil
}

func (t *Transport) Tag() string { return "sm" }

func (t *Transport) socketPath(uri string) string {
	return filepath.Join(t.baseDir, uri+".sock")
}

func (t *Transport) inbox(ep *kernel.Endpoint) chan wireEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.inboxes[ep]
	if !ok {
		ch = make(chan wireEvent, 256)
		t.inboxes[ep] = ch
	}
	return ch
}

// Listen creates the endpoint's socket file under uri and starts
// accepting connections in the background.
func (t *Transport) Listen(ep *kernel.Endpoint, uri string) error {
	path := t.socketPath(uri)
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return kernel.WrapError(kernel.StatusBusy, "listen on "+path, err)
	}

	t.mu.Lock()
	t.listeners[ep] = ln
	t.byQP[ep] = make(map[uint32]*peerConn)
	t.mu.Unlock()

	go t.acceptLoop(ep, uri, ln)
	return nil
}

func (t *Transport) acceptLoop(ep *kernel.Endpoint, uri string, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go t.readLoop(ep, uri, conn)
	}
}

func (t *Transport) readLoop(ep *kernel.Endpoint, uri string, sock net.Conn) {
	h, _, err := readFrame(sock)
	if err != nil || h.Kind() != kernel.MsgConnRequest {
		sock.Close()
		return
	}

	// The ConnPayload frame follows immediately, its header word
	// carrying the requested attribute and payload length.
	h, payload, err := readFrame(sock)
	if err != nil || h.Kind() != kernel.MsgConnPayload {
		sock.Close()
		return
	}
	attr, n := h.ConnPayload()
	if n > len(payload) {
		sock.Close()
		return
	}

	qp := atomic.AddUint32(&t.nextQP, 1)
	t.inbox(ep) <- wireEvent{kind: evConnRequest, qp: qp, buf: payload[:n], uri: uri, sock: sock, attr: attr}

	t.streamLoop(ep, qp, sock)
}

// streamLoop reads post-handshake frames off an established socket -
// both sides run it once their half of the handshake is on the wire.
func (t *Transport) streamLoop(ep *kernel.Endpoint, qp uint32, sock net.Conn) {
	for {
		h, payload, err := readFrame(sock)
		if err != nil {
			return
		}
		switch h.Kind() {
		case kernel.MsgSend:
			t.inbox(ep) <- wireEvent{kind: evRecv, qp: qp, buf: payload}
		case kernel.MsgConnReply:
			t.inbox(ep) <- wireEvent{kind: evConnReply, qp: qp, accept: h.Sub() == uint32(kernel.ReplyAccepted)}
		case kernel.MsgDisconnect:
			t.inbox(ep) <- wireEvent{kind: evDisconnect, qp: qp}
			return
		}
	}
}

func (t *Transport) registerPeer(ep *kernel.Endpoint, qp uint32, conn *kernel.Connection, sock net.Conn) {
	ep.RegisterQP(qp, conn)
	t.mu.Lock()
	if t.byQP[ep] == nil {
		t.byQP[ep] = make(map[uint32]*peerConn)
	}
	t.byQP[ep][qp] = &peerConn{conn: conn, sock: sock}
	t.mu.Unlock()
}

func (t *Transport) peerFor(ep *kernel.Endpoint, qp uint32) (*peerConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byQP[ep][qp]
	return p, ok
}

// Connect dials the peer's socket and sends the ConnRequest and
// ConnPayload frames; the peer's ConnReply arrives asynchronously and
// surfaces through Poll.
func (t *Transport) Connect(ctx context.Context, conn *kernel.Connection, uri string, payload []byte) error {
	sock, err := net.Dial("unix", t.socketPath(uri))
	if err != nil {
		return kernel.WrapError(kernel.StatusNoSuchDevice, "dial "+uri, err)
	}

	if err := writeFrame(sock, kernel.EncodeHeader(kernel.MsgConnRequest, 0), nil); err != nil {
		sock.Close()
		return kernel.WrapError(kernel.StatusError, "send ConnRequest", err)
	}
	if err := writeFrame(sock, kernel.EncodeConnPayloadHeader(conn.Attribute(), len(payload)), payload); err != nil {
		sock.Close()
		return kernel.WrapError(kernel.StatusError, "send ConnPayload", err)
	}

	qp := atomic.AddUint32(&t.nextQP, 1)
	t.registerPeer(conn.Endpoint(), qp, conn, sock)
	go t.streamLoop(conn.Endpoint(), qp, sock)

	return nil
}

// Accept sends ConnReply(accepted). A same-host stream socket imposes
// no path MTU, so the reported MTU is 0 and the negotiated MSS stays at
// the endpoint's own maximum.
func (t *Transport) Accept(conn *kernel.Connection) (uint32, error) {
	p, ok := t.peerFor(conn.Endpoint(), conn.QPNum())
	if !ok {
		return 0, kernel.NewError(kernel.StatusDisconnected, "no socket for connection")
	}
	if err := writeFrame(p.sock, kernel.EncodeHeader(kernel.MsgConnReply, uint32(kernel.ReplyAccepted)), nil); err != nil {
		return 0, err
	}
	return 0, nil
}

func (t *Transport) Reject(conn *kernel.Connection) error {
	p, ok := t.peerFor(conn.Endpoint(), conn.QPNum())
	if !ok {
		return kernel.NewError(kernel.StatusDisconnected, "no socket for connection")
	}
	return writeFrame(p.sock, kernel.EncodeHeader(kernel.MsgConnReply, uint32(kernel.ReplyRejected)), nil)
}

func (t *Transport) Disconnect(conn *kernel.Connection) error {
	p, ok := t.peerFor(conn.Endpoint(), conn.QPNum())
	if !ok {
		return nil
	}
	_ = writeFrame(p.sock, kernel.EncodeHeader(kernel.MsgDisconnect, 0), nil)
	return p.sock.Close()
}

func (t *Transport) PostSend(conn *kernel.Connection, desc *kernel.TxDescriptor) error {
	p, ok := t.peerFor(conn.Endpoint(), conn.QPNum())
	if !ok {
		return kernel.NewError(kernel.StatusDisconnected, "no socket for connection")
	}

	p.mu.Lock()
	err := writeFrame(p.sock, kernel.EncodeHeader(kernel.MsgSend, 0), desc.Buffer)
	p.mu.Unlock()

	status := kernel.StatusSuccess
	if err != nil {
		status = kernel.StatusError
	}
	t.fw.DeliverSendCompletion(conn.Endpoint(), desc, status)
	return nil
}

// PostRMA is not implemented for the same-host socket transport - RMA
// is a fabric-specific one-sided primitive; shm only ever carries
// two-sided messages.
func (t *Transport) PostRMA(conn *kernel.Connection, desc *kernel.TxDescriptor) error {
	return kernel.NewError(kernel.StatusNotImplemented, "RMA not supported over sm")
}

func (t *Transport) RequestRemoteRMA(conn *kernel.Connection, handle uint64) error {
	return kernel.NewError(kernel.StatusNotImplemented, "RMA not supported over sm")
}

// Poll drains up to max queued socket events for ep, translating each
// into the matching Framework callback.
func (t *Transport) Poll(ep *kernel.Endpoint, max int) (int, error) {
	ch := t.inbox(ep)
	n := 0
	for n < max {
		select {
		case ev := <-ch:
			t.deliver(ep, ev)
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (t *Transport) deliver(ep *kernel.Endpoint, ev wireEvent) {
	switch ev.kind {
	case evConnRequest:
		conn, err := t.fw.HandleConnRequest(ep, ev.uri, ev.buf, ev.attr)
		if err != nil {
			ev.sock.Close()
			return
		}
		t.registerPeer(ep, ev.qp, conn, ev.sock)
	case evConnReply:
		conn, ok := ep.ConnectionForQP(ev.qp)
		if !ok {
			return
		}
		_ = t.fw.HandleConnReply(conn, ev.accept, ep.MaxSendSize())
	case evRecv:
		conn, ok := ep.ConnectionForQP(ev.qp)
		if !ok {
			return
		}
		t.fw.DeliverRecv(conn, ev.buf)
	case evDisconnect:
		conn, ok := ep.ConnectionForQP(ev.qp)
		if !ok {
			return
		}
		_ = t.fw.Disconnect(conn)
	}
}

func (t *Transport) Close(ep *kernel.Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ln, ok := t.listeners[ep]; ok {
		ln.Close()
		delete(t.listeners, ep)
	}
	for _, p := range t.byQP[ep] {
		p.sock.Close()
	}
	delete(t.byQP, ep)
	delete(t.inboxes, ep)
	return nil
}
