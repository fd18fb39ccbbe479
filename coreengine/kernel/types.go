// Package kernel implements the transport-neutral core: device registry,
// endpoint lifecycle, the connection state machine, the completion path,
// and the RMA subsystem. A bound transport (a kernel.Transport, bound
// through coreengine/plugin) supplies the fabric-specific half of every operation; this package owns
// the generic bookkeeping every transport shares.
package kernel

import "fmt"

// Status is the stable error-kind taxonomy every operation and event
// reports through. The values are not POSIX errnos - each kind carries
// its own fixed message.
type Status int

const (
	StatusSuccess Status = iota
	StatusAgain
	StatusInvalidArgument
	StatusNoMemory
	StatusNoSuchDevice
	StatusNoBuffer
	StatusMessageTooLarge
	StatusBusy
	StatusNotImplemented
	StatusTimeout
	StatusRnrTimeout
	StatusDisconnected
	StatusRemoteError
	StatusPeerRejectedConnect
	StatusError
)

// statusText assigns exactly one message per kind.
var statusText = map[Status]string{
	StatusSuccess:             "success",
	StatusAgain:               "resource temporarily unavailable, try again",
	StatusInvalidArgument:     "invalid argument",
	StatusNoMemory:            "out of memory",
	StatusNoSuchDevice:        "no such device",
	StatusNoBuffer:            "no buffer space available",
	StatusMessageTooLarge:     "message too large",
	StatusBusy:                "resource busy",
	StatusNotImplemented:      "not implemented",
	StatusTimeout:             "operation timed out",
	StatusRnrTimeout:          "receiver not ready timeout",
	StatusDisconnected:        "connection is disconnected",
	StatusRemoteError:         "remote error",
	StatusPeerRejectedConnect: "peer rejected the connection request",
	StatusError:               "error",
}

// String implements the stable strerror equivalent for Status.
func (s Status) String() string {
	if msg, ok := statusText[s]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status %d", int(s))
}

// Transient reports whether a status represents a retryable condition,
// as opposed to a terminal one.
func (s Status) Transient() bool {
	return s == StatusTimeout || s == StatusRnrTimeout || s == StatusAgain
}

// Terminal reports whether a status represents a condition the caller
// should treat as final for the connection it arrived on.
func (s Status) Terminal() bool {
	return s == StatusDisconnected || s == StatusRemoteError
}

// Error adapts a Status into a Go error, optionally wrapping a cause -
// the same {message, cause} shape commbus.CommBusError uses,
// specialized to the fixed Status taxonomy.
type Error struct {
	Status  Status
	Context string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Status.String()
	if e.Context != "" {
		msg = fmt.Sprintf("%s: %s", e.Context, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error for the given status and context.
func NewError(status Status, context string) *Error {
	return &Error{Status: status, Context: context}
}

// WrapError builds an *Error carrying an underlying cause.
func WrapError(status Status, context string, cause error) *Error {
	return &Error{Status: status, Context: context, Cause: cause}
}

// ConnAttribute is the reliability/ordering class of a connection.
type ConnAttribute int

const (
	ConnAttrReliableOrdered ConnAttribute = iota
	ConnAttrReliableUnordered
	ConnAttrUnreliableUnordered
	ConnAttrMulticast
)

func (a ConnAttribute) String() string {
	switch a {
	case ConnAttrReliableOrdered:
		return "reliable-ordered"
	case ConnAttrReliableUnordered:
		return "reliable-unordered"
	case ConnAttrUnreliableUnordered:
		return "unreliable-unordered"
	case ConnAttrMulticast:
		return "multicast"
	default:
		return "unknown"
	}
}

// MessageKind is the low 4 bits of the wire immediate header.
type MessageKind uint8

const (
	MsgConnRequest MessageKind = iota
	MsgConnPayload
	MsgConnReply
	MsgSend
	MsgRmaRemoteRequest
	MsgRmaRemoteReply
	MsgDisconnect
	MsgKeepalive
)

// ReplyOutcome is the ConnReply header subfield.
type ReplyOutcome uint8

const (
	ReplyAccepted ReplyOutcome = 0
	ReplyRejected ReplyOutcome = 1
)

// EventKind discriminates the records delivered through GetEvent.
type EventKind int

const (
	EventConnectRequest EventKind = iota
	EventConnectAccepted
	EventConnectRejected
	EventSend
	EventRecv
	EventKeepaliveTimedOut
	EventEndpointDeviceFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnectRequest:
		return "ConnectRequest"
	case EventConnectAccepted:
		return "ConnectAccepted"
	case EventConnectRejected:
		return "ConnectRejected"
	case EventSend:
		return "Send"
	case EventRecv:
		return "Recv"
	case EventKeepaliveTimedOut:
		return "KeepaliveTimedOut"
	case EventEndpointDeviceFailed:
		return "EndpointDeviceFailed"
	default:
		return "Unknown"
	}
}

// SendFlags controls send/RMA posting behavior.
type SendFlags int

const (
	FlagNone     SendFlags = 0
	FlagWrite    SendFlags = 1 << 0
	FlagFence    SendFlags = 1 << 1
	FlagBlocking SendFlags = 1 << 2
)

func (f SendFlags) Has(flag SendFlags) bool { return f&flag != 0 }

// OptLevel selects whether an option applies to an endpoint or a
// connection.
type OptLevel int

const (
	OptLevelEndpoint OptLevel = iota
	OptLevelConnection
)

// OptName enumerates the options SetOpt/GetOpt accept.
type OptName int

const (
	OptEndpointSendTimeout OptName = iota
	OptEndpointRecvBufCount
	OptEndpointSendBufCount
	OptEndpointKeepaliveTimeout
	OptConnSendTimeout
)
