// Package control provides the gRPC management surface for a running
// library instance: device and endpoint introspection plus a live
// stream of lifecycle events off the commbus.
//
// The service is defined directly against grpc.ServiceDesc with a JSON
// codec (see codec.go); there is no protoc-generated code. Streaming,
// interceptors, and otelgrpc instrumentation all apply as usual.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/xconn-project/xconn-core/commbus"
	"github.com/xconn-project/xconn-core/coreengine/kernel"
)

// Logger interface for the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// lifecycleEventTypes is every commbus event type StreamEvents forwards
// when the caller does not narrow the filter.
var lifecycleEventTypes = []string{
	"DeviceUp", "DeviceDown",
	"EndpointCreated", "EndpointDestroyed",
	"ConnectionEstablished", "ConnectionClosed",
	"ConnectRejected", "ConnectTimedOut",
	"RMARegistered", "RMADeregistered",
}

// =============================================================================
// Wire types
// =============================================================================

// Empty is the zero-field request/response.
type Empty struct{}

// DeviceQuery selects a device by name; empty means the default device.
type DeviceQuery struct {
	Name string `json:"name"`
}

// DeviceInfo describes one registry device.
type DeviceInfo struct {
	Name         string `json:"name"`
	TransportTag string `json:"transport_tag"`
	MaxSendSize  uint32 `json:"max_send_size"`
	LinkRateMbps uint64 `json:"link_rate_mbps"`
	Up           bool   `json:"up"`
	Default      bool   `json:"default"`
	Endpoints    int    `json:"endpoints"`
}

// DeviceList is the ListDevices response.
type DeviceList struct {
	Devices []DeviceInfo `json:"devices"`
}

// EndpointQuery selects a device whose endpoints to list.
type EndpointQuery struct {
	Device string `json:"device"`
}

// EndpointInfo describes one live endpoint.
type EndpointInfo struct {
	ID          uint32 `json:"id"`
	MaxSendSize uint32 `json:"max_send_size"`
	Connections int    `json:"connections"`
}

// EndpointList is the ListEndpoints response.
type EndpointList struct {
	Device    string         `json:"device"`
	Endpoints []EndpointInfo `json:"endpoints"`
}

// HealthStatus is the Health response.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail"`
}

// EventFilter narrows StreamEvents to the named types; empty forwards
// every lifecycle event.
type EventFilter struct {
	Types []string `json:"types"`
}

// ControlEvent is one streamed lifecycle notification.
type ControlEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// =============================================================================
// Server
// =============================================================================

// ControlServer implements the management gRPC service.
// Thread-safe: all mutable fields are protected by stateMu.
type ControlServer struct {
	logger Logger

	stateMu sync.RWMutex
	fw      *kernel.Framework
	bus     commbus.CommBus
}

// NewControlServer creates a new management server.
func NewControlServer(logger Logger) *ControlServer {
	return &ControlServer{logger: logger}
}

// SetFramework sets the live framework to introspect.
// Thread-safe: can be called concurrently with other methods.
func (s *ControlServer) SetFramework(fw *kernel.Framework) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.fw = fw
}

func (s *ControlServer) getFramework() *kernel.Framework {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.fw
}

// SetBus attaches the lifecycle bus StreamEvents forwards from, and
// registers the server as the bus-side handler for device introspection
// queries so in-process components can QuerySync the same answers the
// RPC surface gives out.
func (s *ControlServer) SetBus(bus commbus.CommBus) error {
	s.stateMu.Lock()
	s.bus = bus
	s.stateMu.Unlock()

	if err := bus.RegisterHandler("GetDeviceInfo", func(ctx context.Context, msg commbus.Message) (any, error) {
		q := msg.(*commbus.GetDeviceInfo)
		info, err := s.GetDeviceInfo(ctx, &DeviceQuery{Name: q.Name})
		if err != nil {
			return nil, err
		}
		return &commbus.DeviceInfo{
			Name:         info.Name,
			TransportTag: info.TransportTag,
			MaxSendSize:  info.MaxSendSize,
			LinkRateMbps: info.LinkRateMbps,
			Up:           info.Up,
			Endpoints:    info.Endpoints,
		}, nil
	}); err != nil {
		return err
	}

	if err := bus.RegisterHandler("ListEndpoints", func(ctx context.Context, msg commbus.Message) (any, error) {
		q := msg.(*commbus.ListEndpoints)
		return s.ListEndpoints(ctx, &EndpointQuery{Device: q.Device})
	}); err != nil {
		return err
	}

	return bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg commbus.Message) (any, error) {
		q := msg.(*commbus.HealthCheckRequest)
		h, err := s.Health(ctx, &Empty{})
		if err != nil {
			return nil, err
		}
		return &commbus.HealthCheckResponse{Component: q.Component, Healthy: h.Healthy, Detail: h.Detail}, nil
	})
}

func (s *ControlServer) getBus() commbus.CommBus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.bus
}

// =============================================================================
// Unary operations
// =============================================================================

func deviceInfo(d *kernel.Device) DeviceInfo {
	return DeviceInfo{
		Name:         d.Name,
		TransportTag: d.TransportTag,
		MaxSendSize:  d.MaxSendSize,
		LinkRateMbps: d.LinkRateMbps,
		Up:           d.Up(),
		Default:      d.IsDefault,
		Endpoints:    len(d.Endpoints()),
	}
}

// ListDevices returns every registry device in registration order.
func (s *ControlServer) ListDevices(ctx context.Context, _ *Empty) (*DeviceList, error) {
	fw := s.getFramework()
	if fw == nil {
		return nil, status.Error(codes.Unavailable, "framework not attached")
	}

	out := &DeviceList{}
	for _, d := range fw.Registry.All() {
		out.Devices = append(out.Devices, deviceInfo(d))
	}
	s.logger.Debug("control_list_devices", "count", len(out.Devices))
	return out, nil
}

// GetDeviceInfo resolves one device by name, or the default device for
// an empty name.
func (s *ControlServer) GetDeviceInfo(ctx context.Context, req *DeviceQuery) (*DeviceInfo, error) {
	fw := s.getFramework()
	if fw == nil {
		return nil, status.Error(codes.Unavailable, "framework not attached")
	}

	var (
		dev *kernel.Device
		ok  bool
	)
	if req.Name == "" {
		d, err := fw.Registry.Default()
		if err != nil {
			return nil, status.Error(codes.NotFound, "no devices registered")
		}
		dev, ok = d, true
	} else {
		dev, ok = fw.Registry.ByName(req.Name)
	}
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no device named %q", req.Name)
	}

	info := deviceInfo(dev)
	return &info, nil
}

// ListEndpoints returns the live endpoints on one device.
func (s *ControlServer) ListEndpoints(ctx context.Context, req *EndpointQuery) (*EndpointList, error) {
	fw := s.getFramework()
	if fw == nil {
		return nil, status.Error(codes.Unavailable, "framework not attached")
	}

	dev, ok := fw.Registry.ByName(req.Device)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no device named %q", req.Device)
	}

	out := &EndpointList{Device: dev.Name}
	for _, ep := range dev.Endpoints() {
		out.Endpoints = append(out.Endpoints, EndpointInfo{
			ID:          ep.ID(),
			MaxSendSize: ep.MaxSendSize(),
			Connections: len(ep.Connections()),
		})
	}
	return out, nil
}

// Health reports whether the attached framework has at least one usable
// device.
func (s *ControlServer) Health(ctx context.Context, _ *Empty) (*HealthStatus, error) {
	fw := s.getFramework()
	if fw == nil {
		return &HealthStatus{Healthy: false, Detail: "framework not attached"}, nil
	}

	for _, d := range fw.Registry.All() {
		if d.Up() {
			return &HealthStatus{Healthy: true, Detail: fmt.Sprintf("device %s up", d.Name)}, nil
		}
	}
	return &HealthStatus{Healthy: false, Detail: "no device up"}, nil
}

// =============================================================================
// Event streaming
// =============================================================================

// ControlEventStream is the server side of StreamEvents.
type ControlEventStream interface {
	Send(*ControlEvent) error
	grpc.ServerStream
}

// StreamEvents forwards lifecycle bus events to the client until the
// client goes away. A slow client drops events rather than blocking
// the bus.
func (s *ControlServer) StreamEvents(filter *EventFilter, stream ControlEventStream) error {
	bus := s.getBus()
	if bus == nil {
		return status.Error(codes.Unavailable, "bus not attached")
	}

	types := filter.Types
	if len(types) == 0 {
		types = lifecycleEventTypes
	}

	events := make(chan *ControlEvent, 64)
	var unsubs []func()
	for _, eventType := range types {
		eventType := eventType
		unsubs = append(unsubs, bus.Subscribe(eventType, func(ctx context.Context, msg commbus.Message) (any, error) {
			payload, err := json.Marshal(msg)
			if err != nil {
				return nil, err
			}
			select {
			case events <- &ControlEvent{Type: eventType, Payload: payload}:
			default:
				s.logger.Warn("control_stream_dropped_event", "type", eventType)
			}
			return nil, nil
		}))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	s.logger.Info("control_stream_started", "types", len(types))
	for {
		select {
		case <-stream.Context().Done():
			s.logger.Info("control_stream_closed")
			return nil
		case ev := <-events:
			if err := stream.Send(ev); err != nil {
				return err
			}
		}
	}
}

type controlEventStream struct {
	grpc.ServerStream
}

func (x *controlEventStream) Send(e *ControlEvent) error {
	return x.ServerStream.SendMsg(e)
}

// =============================================================================
// Service descriptor (hand-rolled; no protoc)
// =============================================================================

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "xconn.Control"

// ControlService is the capability set the service descriptor binds;
// ControlServer is its only in-tree implementation.
type ControlService interface {
	ListDevices(ctx context.Context, req *Empty) (*DeviceList, error)
	GetDeviceInfo(ctx context.Context, req *DeviceQuery) (*DeviceInfo, error)
	ListEndpoints(ctx context.Context, req *EndpointQuery) (*EndpointList, error)
	Health(ctx context.Context, req *Empty) (*HealthStatus, error)
	StreamEvents(filter *EventFilter, stream ControlEventStream) error
}

var _ ControlService = (*ControlServer)(nil)

func unaryHandler[Req any, Resp any](method string, call func(ControlService, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlService), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(EventFilter)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlService).StreamEvents(in, &controlEventStream{stream})
}

// serviceDesc binds the method table the way protoc output would.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListDevices", Handler: unaryHandler("ListDevices", ControlService.ListDevices)},
		{MethodName: "GetDeviceInfo", Handler: unaryHandler("GetDeviceInfo", ControlService.GetDeviceInfo)},
		{MethodName: "ListEndpoints", Handler: unaryHandler("ListEndpoints", ControlService.ListEndpoints)},
		{MethodName: "Health", Handler: unaryHandler("Health", ControlService.Health)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamEvents", Handler: streamEventsHandler, ServerStreams: true},
	},
	Metadata: "xconn/control",
}

// RegisterControlServer registers server on a grpc.Server.
func RegisterControlServer(gs *grpc.Server, server *ControlServer) {
	gs.RegisterService(&serviceDesc, server)
}

// =============================================================================
// Server Lifecycle
// =============================================================================

// Start starts the gRPC server on the given address and blocks.
func Start(address string, server *ControlServer, opts ...grpc.ServerOption) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if len(opts) == 0 {
		opts = ServerOptions(server.logger)
	}
	grpcServer := grpc.NewServer(opts...)
	RegisterControlServer(grpcServer, server)

	server.logger.Info("control_server_started", "address", address)
	return grpcServer.Serve(lis)
}

// StartBackground starts the gRPC server in a goroutine.
func StartBackground(address string, server *ControlServer, opts ...grpc.ServerOption) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	if len(opts) == 0 {
		opts = ServerOptions(server.logger)
	}
	grpcServer := grpc.NewServer(opts...)
	RegisterControlServer(grpcServer, server)

	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			server.logger.Error("control_server_error", "error", err.Error())
		}
	}()

	server.logger.Info("control_server_started_background", "address", address)
	return grpcServer, nil
}
