package kernel

import (
	"context"
	"sync"
)

// Framework is the transport-neutral core: a device registry plus the
// set of bound transports, and every generic operation (endpoint
// lifecycle, connection handshake, send/RMA posting, completion
// delivery) that every transport shares.
type Framework struct {
	Registry *Registry

	mu         sync.RWMutex
	transports map[string]Transport
}

// NewFramework returns an empty framework with no devices or
// transports bound.
func NewFramework() *Framework {
	return &Framework{
		Registry:   NewRegistry(),
		transports: make(map[string]Transport),
	}
}

// RegisterTransport binds a Transport implementation under its own tag.
// A later NewDevice call with a matching tag resolves to it.
func (f *Framework) RegisterTransport(tr Transport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transports[tr.Tag()] = tr
}

func (f *Framework) transportFor(tag string) (Transport, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tr, ok := f.transports[tag]
	if !ok {
		return nil, NewError(StatusNotImplemented, "no transport registered for tag "+tag)
	}
	return tr, nil
}

// NewDevice constructs a Device bound to the framework's device
// registry, selecting its transport by tag. Callers (coreengine/config)
// populate name/capacity fields on the returned Device before any
// endpoint is created against it.
func (f *Framework) NewDevice(name, transportTag string, maxSendSize uint32) (*Device, error) {
	if _, err := f.transportFor(transportTag); err != nil {
		return nil, err
	}
	d := newDevice(name, transportTag, maxSendSize)
	f.Registry.Add(d)
	return d, nil
}

// CreateEndpoint allocates a dense endpoint id on dev and binds it to
// dev's transport.
func (f *Framework) CreateEndpoint(dev *Device) (*Endpoint, error) {
	if !dev.Up() {
		return nil, NewError(StatusNoSuchDevice, "device is down")
	}
	tr, err := f.transportFor(dev.TransportTag)
	if err != nil {
		return nil, err
	}

	id := dev.ids.Get()
	ep := newEndpoint(id, dev, tr)
	dev.registerEndpoint(ep)
	return ep, nil
}

// DestroyEndpoint disconnects every connection the endpoint owns,
// releases its transport resources, and returns its device-scoped id
// to the pool. Outstanding sends surface with StatusDisconnected
// through the transport's Close. Safe to call once; a second call is a
// no-op.
func (f *Framework) DestroyEndpoint(ep *Endpoint) error {
	if ep.Closed() {
		return nil
	}

	for _, conn := range ep.Connections() {
		if conn.State() == ConnEstablished {
			_ = f.Disconnect(conn)
			continue
		}
		// A connection still mid-handshake has no Closing state to pass
		// through; tear it down directly.
		_ = ep.transport.Disconnect(conn)
		_ = conn.transition(ConnClosed)
		ep.UnregisterQP(conn.QPNum())
		ep.removeConnection(conn.ID())
	}

	if err := ep.destroy(); err != nil {
		return err
	}
	ep.device.ids.Put(ep.id)
	return nil
}

// Connect begins the active side of a connection handshake: it builds
// a Connection in the active state and asks the endpoint's transport to
// send the initial ConnRequest.
func (f *Framework) Connect(ctx context.Context, ep *Endpoint, uri string, payload []byte, attr ConnAttribute, appContext any) (*Connection, error) {
	conn := newConnection(ep, attr, uri)
	conn.Context = appContext
	if err := conn.transition(ConnActive); err != nil {
		return nil, err
	}

	if err := ep.transport.Connect(ctx, conn, uri, payload); err != nil {
		_ = conn.transition(ConnClosed)
		return nil, err
	}

	ep.addConnection(conn)
	return conn, nil
}

// HandleConnRequest is called by a transport once it has both halves of
// an inbound handshake open: the ConnRequest and the ConnPayload
// carrying the initiator's payload and requested attribute. It creates
// the passive-side Connection and delivers an EventConnectRequest
// carrying it; the application decides Accept or Reject.
func (f *Framework) HandleConnRequest(ep *Endpoint, uri string, payload []byte, attr ConnAttribute) (*Connection, error) {
	conn := newConnection(ep, attr, uri)
	if err := conn.transition(ConnPassive); err != nil {
		return nil, err
	}
	ep.addConnection(conn)
	ev := &Event{
		Kind:        EventConnectRequest,
		ConnID:      conn.id,
		PendingConn: conn,
		Attr:        attr,
		Buffer:      payload,
		rx:          ep.takeRx(),
	}
	if ev.rx != nil {
		ev.rx.ConnID = conn.id
		ev.rx.Buffer = payload
	}
	ep.pushEvent(ev)
	return conn, nil
}

// Accept completes the passive side of a handshake: it asks the
// transport to send ConnReply(accepted), negotiates the connection's
// MSS from the fabric path MTU toward the peer, and moves the
// connection to established. Both sides run the same negotiation, so
// one logical connection carries one MSS.
func (f *Framework) Accept(conn *Connection) error {
	pathMTU, err := conn.ep.transport.Accept(conn)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	conn.mss = negotiateMSS(conn.ep.maxSend, pathMTU)
	conn.mu.Unlock()

	return conn.transition(ConnEstablished)
}

// Reject completes the passive side with a rejection, then discards the
// connection.
func (f *Framework) Reject(conn *Connection) error {
	if err := conn.ep.transport.Reject(conn); err != nil {
		return err
	}
	_ = conn.transition(ConnClosed)
	conn.ep.removeConnection(conn.id)
	return nil
}

// HandleConnReply is called by a transport when the active side
// receives the peer's ConnReply. accepted selects the two terminal
// outcomes; peerMTU is the peer's advertised fabric path MTU, used to
// negotiate the connection's MSS as min(local max send size, fabric
// path MTU).
func (f *Framework) HandleConnReply(conn *Connection, accepted bool, peerMTU uint32) error {
	if !accepted {
		_ = conn.transition(ConnClosed)
		conn.ep.removeConnection(conn.id)
		conn.ep.pushEvent(&Event{
			Kind:   EventConnectRejected,
			ConnID: conn.id,
			Status: StatusPeerRejectedConnect,
		})
		return nil
	}

	conn.mu.Lock()
	conn.mss = negotiateMSS(conn.ep.maxSend, peerMTU)
	conn.mu.Unlock()

	if err := conn.transition(ConnEstablished); err != nil {
		return err
	}
	conn.ep.pushEvent(&Event{Kind: EventConnectAccepted, ConnID: conn.id})
	return nil
}

// Disconnect tears down an established connection from either side.
func (f *Framework) Disconnect(conn *Connection) error {
	if err := conn.transition(ConnClosing); err != nil {
		return err
	}
	err := conn.ep.transport.Disconnect(conn)
	_ = conn.transition(ConnClosed)
	conn.ep.UnregisterQP(conn.qpNum)
	conn.ep.removeConnection(conn.id)
	return err
}

// Send posts a short message on conn. Posting fails with StatusNoBuffer
// if the endpoint's Tx slab is exhausted, and StatusMessageTooLarge if
// buf exceeds the connection's negotiated MSS.
func (f *Framework) Send(conn *Connection, buf []byte, appContext any, flags SendFlags) error {
	if conn.State() != ConnEstablished {
		return NewError(StatusDisconnected, "connection not established")
	}
	if uint32(len(buf)) > conn.MSS() {
		return NewError(StatusMessageTooLarge, "send exceeds negotiated MSS")
	}

	desc := conn.ep.takeTx()
	if desc == nil {
		return NewError(StatusNoBuffer, "Tx slab exhausted")
	}
	desc.ConnID = conn.id
	desc.Kind = MsgSend
	desc.Buffer = buf
	desc.Context = appContext
	desc.Flags = flags

	if err := conn.ep.transport.PostSend(conn, desc); err != nil {
		conn.ep.releaseTx(desc)
		return err
	}
	return nil
}

// silentCompletion tags protocol-internal sends (the RMA completion
// message) whose own completion is freed without surfacing an event,
// matching how protocol Tx descriptors are recycled silently.
var silentCompletion = &struct{ name string }{"silent-completion"}

// DeliverSendCompletion is called by a transport once it has finished
// transmitting desc, publishing the matching EventSend and returning
// desc to the idle pool exactly once. An RMA descriptor carrying a
// completion message sends it to the peer here, after the operation
// completed locally.
func (f *Framework) DeliverSendCompletion(ep *Endpoint, desc *TxDescriptor, status Status) {
	if desc.Kind == MsgRmaRemoteRequest {
		ep.rmaRelease(desc.RMALocal)
	}
	if desc.RMAMsg != nil && status == StatusSuccess {
		if conn, ok := ep.connection(desc.ConnID); ok {
			_ = f.Send(conn, desc.RMAMsg, silentCompletion, FlagNone)
		}
	}
	if desc.Context == silentCompletion {
		ep.releaseTx(desc)
		return
	}
	ep.pushEvent(&Event{Kind: EventSend, ConnID: desc.ConnID, Context: desc.Context, Status: status, Flags: desc.Flags})
	ep.releaseTx(desc)
}

// DeliverRecv is called by a transport when a message arrives on conn.
// The event draws a descriptor from the shared receive queue; it is
// re-posted when the application returns the event.
func (f *Framework) DeliverRecv(conn *Connection, buf []byte) {
	ev := &Event{Kind: EventRecv, ConnID: conn.id, Buffer: buf, rx: conn.ep.takeRx()}
	if ev.rx != nil {
		ev.rx.ConnID = conn.id
		ev.rx.Buffer = buf
	}
	conn.ep.pushEvent(ev)
}

// Progress polls ep's bound transport once.
func (f *Framework) Progress(ep *Endpoint) (int, error) {
	return ep.Progress()
}
