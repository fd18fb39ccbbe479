// Package commbus message catalogue.
//
// Every lifecycle notification the core publishes internally is a typed
// message defined here: device state flips, endpoint and connection
// lifecycle, RMA registration traffic. Consumers (the management
// surface, metrics) subscribe by type name.
package commbus

// MessageCategory is the canonical category for commbus messages.
type MessageCategory string

const (
	// MessageCategoryEvent is fire-and-forget fan-out.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery is request-response.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand is fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// =============================================================================
// DEVICE LIFECYCLE EVENTS
// =============================================================================

// DeviceUp is published when a device is bound to a transport and
// marked usable.
type DeviceUp struct {
	Device       string
	TransportTag string
	MaxSendSize  uint32
}

// Category implements Message.
func (m *DeviceUp) Category() string { return string(MessageCategoryEvent) }

// DeviceDown is published when a device stops being usable, either at
// shutdown or because its transport reported a failure.
type DeviceDown struct {
	Device string
	Reason string
}

// Category implements Message.
func (m *DeviceDown) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// ENDPOINT LIFECYCLE EVENTS
// =============================================================================

// EndpointCreated is published after a successful create_endpoint.
type EndpointCreated struct {
	Device     string
	EndpointID uint32
}

// Category implements Message.
func (m *EndpointCreated) Category() string { return string(MessageCategoryEvent) }

// EndpointDestroyed is published after an endpoint has drained its
// outstanding work and released its id.
type EndpointDestroyed struct {
	Device     string
	EndpointID uint32
}

// Category implements Message.
func (m *EndpointDestroyed) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// CONNECTION LIFECYCLE EVENTS
// =============================================================================

// ConnectionEstablished is published when either side of a handshake
// reaches the established state.
type ConnectionEstablished struct {
	Device        string
	EndpointID    uint32
	ConnectionID  uint64
	CorrelationID string
	Attribute     string
	MSS           uint32
	RemoteURI     string
}

// Category implements Message.
func (m *ConnectionEstablished) Category() string { return string(MessageCategoryEvent) }

// ConnectionClosed is published on disconnect or teardown.
type ConnectionClosed struct {
	Device        string
	EndpointID    uint32
	ConnectionID  uint64
	CorrelationID string
	Reason        string
}

// Category implements Message.
func (m *ConnectionClosed) Category() string { return string(MessageCategoryEvent) }

// ConnectRejected is published on the initiator when the peer declines
// a connection request.
type ConnectRejected struct {
	Device     string
	EndpointID uint32
	RemoteURI  string
}

// Category implements Message.
func (m *ConnectRejected) Category() string { return string(MessageCategoryEvent) }

// ConnectTimedOut is published when an active-side handshake expires
// before the peer replies. The circuit-breaker middleware keys off this
// type to stop hammering an unresponsive peer.
type ConnectTimedOut struct {
	Device     string
	EndpointID uint32
	RemoteURI  string
}

// Category implements Message.
func (m *ConnectTimedOut) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// RMA EVENTS
// =============================================================================

// RMARegistered is published after rma_register pins a region.
type RMARegistered struct {
	Device     string
	EndpointID uint32
	Handle     uint64
	Length     uint64
}

// Category implements Message.
func (m *RMARegistered) Category() string { return string(MessageCategoryEvent) }

// RMADeregistered is published after rma_deregister releases a region.
type RMADeregistered struct {
	Device     string
	EndpointID uint32
	Handle     uint64
}

// Category implements Message.
func (m *RMADeregistered) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// QUERIES
// =============================================================================

// GetDeviceInfo asks for a device's registry record by name; an empty
// name selects the default device.
type GetDeviceInfo struct {
	Name string
}

// Category implements Message.
func (m *GetDeviceInfo) Category() string { return string(MessageCategoryQuery) }

// IsQuery marks GetDeviceInfo as a query.
func (m *GetDeviceInfo) IsQuery() {}

// DeviceInfo is the response payload for GetDeviceInfo.
type DeviceInfo struct {
	Name         string
	TransportTag string
	MaxSendSize  uint32
	LinkRateMbps uint64
	Up           bool
	Endpoints    int
}

// ListEndpoints asks for the endpoint ids currently bound to a device.
type ListEndpoints struct {
	Device string
}

// Category implements Message.
func (m *ListEndpoints) Category() string { return string(MessageCategoryQuery) }

// IsQuery marks ListEndpoints as a query.
func (m *ListEndpoints) IsQuery() {}

// HealthCheckRequest asks a component to report its health.
type HealthCheckRequest struct {
	Component string
}

// Category implements Message.
func (m *HealthCheckRequest) Category() string { return string(MessageCategoryQuery) }

// IsQuery marks HealthCheckRequest as a query.
func (m *HealthCheckRequest) IsQuery() {}

// HealthCheckResponse is the response payload for HealthCheckRequest.
type HealthCheckResponse struct {
	Component string
	Healthy   bool
	Detail    string
}

// =============================================================================
// COMMANDS
// =============================================================================

// InvalidateRemoteCache tells the owning endpoint to drop every cached
// remote RMA handle for one connection, forcing the next RMA to redo
// the remote-handle exchange.
type InvalidateRemoteCache struct {
	EndpointID   uint32
	ConnectionID uint64
}

// Category implements Message.
func (m *InvalidateRemoteCache) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// MESSAGE TYPE ROUTING
// =============================================================================

// TypedMessage is an optional interface for messages that can provide their own type name.
// This is useful for dynamically-typed messages like those bridged in from gRPC.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	// First check if the message can provide its own type
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	// Otherwise use the static type switch
	switch msg.(type) {
	case *DeviceUp:
		return "DeviceUp"
	case *DeviceDown:
		return "DeviceDown"
	case *EndpointCreated:
		return "EndpointCreated"
	case *EndpointDestroyed:
		return "EndpointDestroyed"
	case *ConnectionEstablished:
		return "ConnectionEstablished"
	case *ConnectionClosed:
		return "ConnectionClosed"
	case *ConnectRejected:
		return "ConnectRejected"
	case *ConnectTimedOut:
		return "ConnectTimedOut"
	case *RMARegistered:
		return "RMARegistered"
	case *RMADeregistered:
		return "RMADeregistered"
	case *GetDeviceInfo:
		return "GetDeviceInfo"
	case *ListEndpoints:
		return "ListEndpoints"
	case *HealthCheckRequest:
		return "HealthCheckRequest"
	case *InvalidateRemoteCache:
		return "InvalidateRemoteCache"
	default:
		return "Unknown"
	}
}
