package kernel

import "context"

// Transport is the per-device operation table a plugin binds to a
// Device: one value implementing every fabric-specific operation a
// device needs, resolved once at bind time and never switched on
// again afterward.
type Transport interface {
	// Tag identifies the transport family (e.g. "fabric", "sm", "ether").
	Tag() string

	// Connect begins the active side of the handshake: sends a
	// ConnRequest carrying payload to the peer named by uri, over the
	// connection's attribute class.
	Connect(ctx context.Context, conn *Connection, uri string, payload []byte) error

	// Accept completes the passive side by sending ConnReply(accepted).
	// It reports the fabric path MTU toward the peer (0 when the fabric
	// imposes none) so the caller can negotiate the connection's MSS.
	Accept(conn *Connection) (pathMTU uint32, err error)

	// Reject completes the passive side by sending ConnReply(rejected).
	Reject(conn *Connection) error

	// Disconnect tears down transport-side resources for conn. The
	// kernel posts no MsgDisconnect of its own; a transport that notifies
	// the peer (as shm does) sends it here.
	Disconnect(conn *Connection) error

	// PostSend enqueues desc for transmission on conn.
	PostSend(conn *Connection, desc *TxDescriptor) error

	// PostRMA enqueues a one-sided RMA operation described by desc,
	// whose RMALocal/RMARemote/RMAOffset fields are already populated
	// and already resolved (RMARemote names a handle the peer has
	// confirmed via RequestRemoteRMA).
	PostRMA(conn *Connection, desc *TxDescriptor) error

	// RequestRemoteRMA sends a MsgRmaRemoteRequest for remoteHandle and
	// returns immediately; the peer's MsgRmaRemoteReply arrives later
	// through Poll, which resolves it via Framework.HandleRMARemoteReply.
	RequestRemoteRMA(conn *Connection, remoteHandle uint64) error

	// Poll drains up to max completions, appending synthesized events
	// to ep's event queue and returns the number processed.
	Poll(ep *Endpoint, max int) (int, error)

	// Close releases every transport-side resource bound to ep.
	Close(ep *Endpoint) error
}
