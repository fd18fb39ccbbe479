package xconn

import "github.com/xconn-project/xconn-core/coreengine/kernel"

// Type aliases re-export the kernel data model so applications only
// import this package.
type (
	// Device is one fabric adapter in the global registry.
	Device = kernel.Device
	// Endpoint is a per-application handle on a device.
	Endpoint = kernel.Endpoint
	// Connection is a logical channel between two endpoints.
	Connection = kernel.Connection
	// Event is one record delivered through GetEvent.
	Event = kernel.Event
	// EventKind discriminates Event records.
	EventKind = kernel.EventKind
	// Status is the stable error-kind taxonomy.
	Status = kernel.Status
	// Error is a Status-carrying Go error.
	Error = kernel.Error
	// ConnAttribute is a connection's reliability/ordering class.
	ConnAttribute = kernel.ConnAttribute
	// SendFlags controls send/RMA posting behavior.
	SendFlags = kernel.SendFlags
	// Transport is the per-device operation table a plug-in implements.
	Transport = kernel.Transport
	// Logger is the structured-logging seam.
	Logger = kernel.Logger
	// OptName enumerates the options SetOpt/GetOpt accept.
	OptName = kernel.OptName
)

// Status re-exports.
const (
	StatusSuccess             = kernel.StatusSuccess
	StatusAgain               = kernel.StatusAgain
	StatusInvalidArgument     = kernel.StatusInvalidArgument
	StatusNoMemory            = kernel.StatusNoMemory
	StatusNoSuchDevice        = kernel.StatusNoSuchDevice
	StatusNoBuffer            = kernel.StatusNoBuffer
	StatusMessageTooLarge     = kernel.StatusMessageTooLarge
	StatusBusy                = kernel.StatusBusy
	StatusNotImplemented      = kernel.StatusNotImplemented
	StatusTimeout             = kernel.StatusTimeout
	StatusRnrTimeout          = kernel.StatusRnrTimeout
	StatusDisconnected        = kernel.StatusDisconnected
	StatusRemoteError         = kernel.StatusRemoteError
	StatusPeerRejectedConnect = kernel.StatusPeerRejectedConnect
	StatusError               = kernel.StatusError
)

// Event kind re-exports.
const (
	EventConnectRequest       = kernel.EventConnectRequest
	EventConnectAccepted      = kernel.EventConnectAccepted
	EventConnectRejected      = kernel.EventConnectRejected
	EventSend                 = kernel.EventSend
	EventRecv                 = kernel.EventRecv
	EventKeepaliveTimedOut    = kernel.EventKeepaliveTimedOut
	EventEndpointDeviceFailed = kernel.EventEndpointDeviceFailed
)

// Connection attribute re-exports.
const (
	ConnAttrReliableOrdered     = kernel.ConnAttrReliableOrdered
	ConnAttrReliableUnordered   = kernel.ConnAttrReliableUnordered
	ConnAttrUnreliableUnordered = kernel.ConnAttrUnreliableUnordered
	ConnAttrMulticast           = kernel.ConnAttrMulticast
)

// Send flag re-exports.
const (
	FlagNone     = kernel.FlagNone
	FlagWrite    = kernel.FlagWrite
	FlagFence    = kernel.FlagFence
	FlagBlocking = kernel.FlagBlocking
)

// Option name re-exports.
const (
	OptEndpointSendTimeout      = kernel.OptEndpointSendTimeout
	OptEndpointRecvBufCount     = kernel.OptEndpointRecvBufCount
	OptEndpointSendBufCount     = kernel.OptEndpointSendBufCount
	OptEndpointKeepaliveTimeout = kernel.OptEndpointKeepaliveTimeout
	OptConnSendTimeout          = kernel.OptConnSendTimeout
)
