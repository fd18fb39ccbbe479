// Package xconn is the public surface of the transport-neutral
// messaging core: endpoints, connections, events, short messages, and
// one-sided RMA over pluggable transports.
//
// A Library value composes the generic kernel, the transport plug-in
// registry, and the lifecycle bus; the free functions an application
// calls are methods on it. Types are aliased from coreengine/kernel so
// applications import one package.
package xconn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xconn-project/xconn-core/commbus"
	"github.com/xconn-project/xconn-core/coreengine/config"
	"github.com/xconn-project/xconn-core/coreengine/kernel"
	"github.com/xconn-project/xconn-core/coreengine/observability"
	"github.com/xconn-project/xconn-core/coreengine/plugin"
	"github.com/xconn-project/xconn-core/coreengine/typeutil"
)

// connRequestPayloadMax is the 12-bit connect-payload length limit.
const connRequestPayloadMax = 4095

// defaultMaxSendSize applies when a device spec leaves mss unset.
const defaultMaxSendSize = 4096

type noopLogger struct{}

func (noopLogger) Debug(msg string, keysAndValues ...any) {}
func (noopLogger) Info(msg string, keysAndValues ...any)  {}
func (noopLogger) Warn(msg string, keysAndValues ...any)  {}
func (noopLogger) Error(msg string, keysAndValues ...any) {}

// Options configures Init. Zero values select a no-op logger, a fresh
// in-memory bus, and default core configuration.
type Options struct {
	Logger kernel.Logger
	Bus    commbus.CommBus
	Config *config.CoreConfig
}

// Library is one initialized instance of the messaging core.
type Library struct {
	fw      *kernel.Framework
	plugins *plugin.Registry
	bus     commbus.CommBus
	logger  kernel.Logger
	cfg     *config.CoreConfig

	mu           sync.Mutex
	stopProgress func()
}

// Init builds a Library. Transports are registered afterwards via
// RegisterTransport, devices via LoadDevices/BindDevices.
func Init(opts Options) *Library {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	bus := opts.Bus
	if bus == nil {
		bus = commbus.NewInMemoryCommBusWithLogger(30*time.Second, logger)
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultCoreConfig()
	}

	return &Library{
		fw:      kernel.NewFramework(),
		plugins: plugin.NewRegistry(logger),
		bus:     bus,
		logger:  logger,
		cfg:     cfg,
	}
}

// Framework exposes the underlying kernel framework, for transports
// that need to call back into it.
func (l *Library) Framework() *kernel.Framework { return l.fw }

// Plugins exposes the transport plug-in registry.
func (l *Library) Plugins() *plugin.Registry { return l.plugins }

// Bus exposes the lifecycle bus.
func (l *Library) Bus() commbus.CommBus { return l.bus }

func (l *Library) publish(msg commbus.Message) {
	if err := l.bus.Publish(context.Background(), msg); err != nil {
		l.logger.Warn("lifecycle_publish_failed", "type", commbus.GetMessageType(msg), "error", err.Error())
	}
}

// =============================================================================
// Transport and device binding
// =============================================================================

// RegisterTransport registers a plug-in descriptor and binds its
// constructed transport into the framework.
func (l *Library) RegisterTransport(d plugin.Descriptor) error {
	if !l.plugins.Register(d) {
		return kernel.NewError(kernel.StatusBusy, "transport tag already registered: "+d.Tag)
	}
	return l.plugins.Bind(l.fw, d.Tag)
}

// BindDevices constructs registry devices from specs. A spec that
// leaves the transport unset binds to the highest-priority registered
// transport whose probe succeeds; a spec naming an unknown transport is
// dropped with a warning, never an error.
func (l *Library) BindDevices(specs []config.DeviceSpec) []*kernel.Device {
	var bound []*kernel.Device
	for _, spec := range specs {
		mss := spec.MSS
		if mss == 0 {
			mss = defaultMaxSendSize
		}

		tag := spec.Transport
		if tag == "" {
			d, err := l.plugins.Resolve(l.plugins.Tags()...)
			if err != nil {
				l.logger.Warn("device_dropped_no_transport", "device", spec.Name, "transport", "(unset)")
				continue
			}
			tag = d.Tag
		}

		dev, err := l.fw.NewDevice(spec.Name, tag, mss)
		if err != nil {
			l.logger.Warn("device_dropped_no_transport", "device", spec.Name, "transport", tag)
			continue
		}
		dev.IsDefault = spec.Default
		dev.Private = spec
		bound = append(bound, dev)

		l.publish(&commbus.DeviceUp{Device: dev.Name, TransportTag: dev.TransportTag, MaxSendSize: dev.MaxSendSize})
	}
	return bound
}

// LoadDevices reads a directive file and binds its devices.
func (l *Library) LoadDevices(path string) ([]*kernel.Device, error) {
	specs, err := config.LoadDevices(path, l.logger)
	if err != nil {
		return nil, err
	}
	return l.BindDevices(specs), nil
}

// LoadDevicesYAML reads a YAML device list and binds its devices.
func (l *Library) LoadDevicesYAML(path string) ([]*kernel.Device, error) {
	specs, err := config.LoadDevicesYAML(path)
	if err != nil {
		return nil, err
	}
	return l.BindDevices(specs), nil
}

// Devices returns every bound device in registration order.
func (l *Library) Devices() []*kernel.Device { return l.fw.Registry.All() }

// DefaultDevice returns the first default-flagged device, else the
// first bound device.
func (l *Library) DefaultDevice() (*kernel.Device, error) { return l.fw.Registry.Default() }

// =============================================================================
// Endpoint lifecycle
// =============================================================================

// CreateEndpoint allocates an endpoint on dev; a nil dev selects the
// default device.
func (l *Library) CreateEndpoint(dev *kernel.Device) (*kernel.Endpoint, error) {
	if dev == nil {
		d, err := l.DefaultDevice()
		if err != nil {
			return nil, err
		}
		dev = d
	}

	ep, err := l.fw.CreateEndpoint(dev)
	if err != nil {
		return nil, err
	}
	l.publish(&commbus.EndpointCreated{Device: dev.Name, EndpointID: ep.ID()})
	return ep, nil
}

// DestroyEndpoint tears down ep and returns its id to the device pool.
func (l *Library) DestroyEndpoint(ep *kernel.Endpoint) error {
	if err := l.fw.DestroyEndpoint(ep); err != nil {
		return err
	}
	l.publish(&commbus.EndpointDestroyed{Device: ep.Device().Name, EndpointID: ep.ID()})
	return nil
}

// =============================================================================
// Connections
// =============================================================================

// Connect begins the active side of a handshake toward uri. The
// outcome arrives later as exactly one ConnectAccepted or
// ConnectRejected event on ep. The connect payload is limited to 4095
// bytes (the header's 12-bit length field).
func (l *Library) Connect(ctx context.Context, ep *kernel.Endpoint, uri string, payload []byte, attr kernel.ConnAttribute, appContext any) (*kernel.Connection, error) {
	if len(payload) > connRequestPayloadMax {
		return nil, kernel.NewError(kernel.StatusInvalidArgument, "connect payload exceeds 4095 bytes")
	}
	if _, _, _, err := kernel.ParseURI(uri); err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && l.cfg.ConnectTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(l.cfg.ConnectTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	spanCtx, span := observability.StartConnectSpan(ctx, ep.Device().Name, uri)
	defer span.End()

	conn, err := l.fw.Connect(spanCtx, ep, uri, payload, attr, appContext)
	if err != nil {
		var kerr *kernel.Error
		if errors.As(err, &kerr) && kerr.Status == kernel.StatusTimeout {
			l.publish(&commbus.ConnectTimedOut{Device: ep.Device().Name, EndpointID: ep.ID(), RemoteURI: uri})
		}
		return nil, err
	}
	return conn, nil
}

// Accept answers a ConnectRequest event affirmatively, establishing
// the connection it carries.
func (l *Library) Accept(ev *kernel.Event) error {
	if ev.Kind != kernel.EventConnectRequest || ev.PendingConn == nil {
		return kernel.NewError(kernel.StatusInvalidArgument, "not a pending connect request")
	}

	conn := ev.PendingConn
	if err := l.fw.Accept(conn); err != nil {
		return err
	}

	ep := conn.Endpoint()
	l.publish(&commbus.ConnectionEstablished{
		Device:        ep.Device().Name,
		EndpointID:    ep.ID(),
		ConnectionID:  conn.ID(),
		CorrelationID: conn.TraceID(),
		Attribute:     conn.Attribute().String(),
		MSS:           conn.MSS(),
	})
	return nil
}

// Reject answers a ConnectRequest event negatively; the initiator
// observes a ConnectRejected event.
func (l *Library) Reject(ev *kernel.Event) error {
	if ev.Kind != kernel.EventConnectRequest || ev.PendingConn == nil {
		return kernel.NewError(kernel.StatusInvalidArgument, "not a pending connect request")
	}
	return l.fw.Reject(ev.PendingConn)
}

// Disconnect tears down an established connection.
func (l *Library) Disconnect(conn *kernel.Connection) error {
	ep := conn.Endpoint()
	err := l.fw.Disconnect(conn)
	l.publish(&commbus.ConnectionClosed{
		Device:        ep.Device().Name,
		EndpointID:    ep.ID(),
		ConnectionID:  conn.ID(),
		CorrelationID: conn.TraceID(),
		Reason:        "disconnect",
	})
	return err
}

// =============================================================================
// Messaging
// =============================================================================

// blockingToken tags a blocking operation's completion event so the
// issuer can collect exactly its own event from the queue.
type blockingToken struct {
	app any
}

// Send posts a short message. With FlagBlocking the call drains the
// endpoint inline until its own completion surfaces and returns its
// status; otherwise the completion arrives as a Send event.
func (l *Library) Send(conn *kernel.Connection, buf []byte, appContext any, flags kernel.SendFlags) error {
	if !flags.Has(kernel.FlagBlocking) {
		return l.fw.Send(conn, buf, appContext, flags)
	}

	token := &blockingToken{app: appContext}
	if err := l.fw.Send(conn, buf, token, flags); err != nil {
		return err
	}
	return l.drainBlocking(conn.Endpoint(), token)
}

// SendV posts a scatter-gather message: the segments are concatenated
// into one transmission, subject to the connection's MSS.
func (l *Library) SendV(conn *kernel.Connection, segments [][]byte, appContext any, flags kernel.SendFlags) error {
	total := 0
	for _, seg := range segments {
		total += len(seg)
	}
	buf := make([]byte, 0, total)
	for _, seg := range segments {
		buf = append(buf, seg...)
	}
	return l.Send(conn, buf, appContext, flags)
}

// drainBlocking spin-progresses ep until token's completion surfaces,
// then translates its status into the call's return value.
func (l *Library) drainBlocking(ep *kernel.Endpoint, token *blockingToken) error {
	for {
		if _, err := l.fw.Progress(ep); err != nil {
			return err
		}

		ev, err := ep.GetEventWhere(func(e *kernel.Event) bool {
			return e.Kind == kernel.EventSend && e.Context == token
		})
		if err != nil {
			time.Sleep(50 * time.Microsecond)
			continue
		}

		status := ev.Status
		_ = ep.ReturnEvent(ev)
		if status != kernel.StatusSuccess {
			return kernel.NewError(status, "blocking operation failed")
		}
		return nil
	}
}

// =============================================================================
// RMA
// =============================================================================

// RMARegister pins [buf] for remote access on ep and returns an opaque
// 64-bit handle.
func (l *Library) RMARegister(ep *kernel.Endpoint, buf []byte, writable bool) (uint64, error) {
	handle, err := ep.RegisterRMA(buf, writable)
	if err != nil {
		return 0, err
	}
	l.publish(&commbus.RMARegistered{Device: ep.Device().Name, EndpointID: ep.ID(), Handle: handle, Length: uint64(len(buf))})
	return handle, nil
}

// RMARegisterPhys registers a scatter-gather list of segments under
// one handle, behaving as one contiguous range in list order.
func (l *Library) RMARegisterPhys(ep *kernel.Endpoint, segments []kernel.MemRegion, writable bool) (uint64, error) {
	handle, err := ep.RegisterRMAPhys(segments, writable)
	if err != nil {
		return 0, err
	}
	region, _ := ep.Region(handle)
	l.publish(&commbus.RMARegistered{Device: ep.Device().Name, EndpointID: ep.ID(), Handle: handle, Length: region.Len()})
	return handle, nil
}

// RMADeregister releases a handle returned by RMARegister.
func (l *Library) RMADeregister(ep *kernel.Endpoint, handle uint64) error {
	if err := ep.DeregisterRMA(handle); err != nil {
		return err
	}
	l.publish(&commbus.RMADeregistered{Device: ep.Device().Name, EndpointID: ep.ID(), Handle: handle})
	return nil
}

// RMA posts a one-sided read or write of length bytes between the
// local and remote registered regions. msg, when non-nil, is sent to
// the peer after the operation completes locally. FlagWrite selects a
// write; FlagBlocking drains the completion inline.
func (l *Library) RMA(conn *kernel.Connection, msg []byte, localHandle, localOffset, remoteHandle, remoteOffset, length uint64, appContext any, flags kernel.SendFlags) error {
	direction := "read"
	if flags.Has(kernel.FlagWrite) {
		direction = "write"
	}
	observability.RecordRMAOp(direction, length)

	_, span := observability.StartRMAExchangeSpan(context.Background(), conn.ID(), remoteHandle)
	defer span.End()

	if !flags.Has(kernel.FlagBlocking) {
		return l.fw.RMAWithMessage(conn, msg, localHandle, localOffset, remoteHandle, remoteOffset, length, appContext, flags)
	}

	token := &blockingToken{app: appContext}
	if err := l.fw.RMAWithMessage(conn, msg, localHandle, localOffset, remoteHandle, remoteOffset, length, token, flags); err != nil {
		return err
	}
	return l.drainBlocking(conn.Endpoint(), token)
}

// =============================================================================
// Event delivery
// =============================================================================

// GetEvent runs one progress tick and pops the oldest deliverable
// event, or fails with StatusAgain when none is pending.
func (l *Library) GetEvent(ep *kernel.Endpoint) (*kernel.Event, error) {
	n, err := l.fw.Progress(ep)
	if err != nil {
		return nil, err
	}
	observability.RecordProgressTick(n)

	ev, err := ep.GetEvent()
	if err != nil {
		return nil, err
	}
	observability.RecordEvent(ev.Kind.String(), "delivered")

	switch ev.Kind {
	case kernel.EventConnectAccepted:
		l.publish(&commbus.ConnectionEstablished{
			Device:       ep.Device().Name,
			EndpointID:   ep.ID(),
			ConnectionID: ev.ConnID,
		})
	case kernel.EventConnectRejected:
		l.publish(&commbus.ConnectRejected{Device: ep.Device().Name, EndpointID: ep.ID()})
	}
	return ev, nil
}

// ReturnEvent hands ev back so its descriptor can be recycled.
func (l *Library) ReturnEvent(ep *kernel.Endpoint, ev *kernel.Event) error {
	if err := ep.ReturnEvent(ev); err != nil {
		return err
	}
	observability.RecordEvent(ev.Kind.String(), "returned")
	return nil
}

// ArmOSHandle arms ep's one-shot wakeup channel: it is closed when the
// next event lands.
func (l *Library) ArmOSHandle(ep *kernel.Endpoint) <-chan struct{} {
	return ep.ArmOSHandle()
}

// =============================================================================
// Options
// =============================================================================

// SetOpt stores an endpoint-level option. Numeric options accept any
// integer shape that fits a uint32.
func (l *Library) SetOpt(ep *kernel.Endpoint, name kernel.OptName, value any) error {
	switch name {
	case kernel.OptEndpointSendTimeout, kernel.OptEndpointRecvBufCount,
		kernel.OptEndpointSendBufCount, kernel.OptEndpointKeepaliveTimeout:
		v, ok := typeutil.SafeUint32(value)
		if !ok {
			return kernel.NewError(kernel.StatusInvalidArgument, "option value must be a non-negative integer")
		}
		return ep.SetOpt(name, v)
	default:
		return ep.SetOpt(name, value)
	}
}

// GetOpt retrieves an endpoint-level option.
func (l *Library) GetOpt(ep *kernel.Endpoint, name kernel.OptName) (any, error) {
	return ep.GetOpt(name)
}

// SetConnOpt stores a connection-level option.
func (l *Library) SetConnOpt(conn *kernel.Connection, name kernel.OptName, value any) error {
	if name == kernel.OptConnSendTimeout {
		v, ok := typeutil.SafeUint32(value)
		if !ok {
			return kernel.NewError(kernel.StatusInvalidArgument, "option value must be a non-negative integer")
		}
		return conn.SetOpt(name, v)
	}
	return conn.SetOpt(name, value)
}

// GetConnOpt retrieves a connection-level option.
func (l *Library) GetConnOpt(conn *kernel.Connection, name kernel.OptName) (any, error) {
	return conn.GetOpt(name)
}

// =============================================================================
// Progress and shutdown
// =============================================================================

// StartProgress launches the background progress loop at the
// configured cadence. Idempotent; the second call is a no-op.
func (l *Library) StartProgress() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopProgress != nil {
		return
	}
	l.stopProgress = l.fw.StartProgressLoop(kernel.ProgressConfig{
		Interval: time.Duration(l.cfg.ProgressIntervalMs) * time.Millisecond,
	})
}

// StopProgress stops the background progress loop, if running.
func (l *Library) StopProgress() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopProgress != nil {
		l.stopProgress()
		l.stopProgress = nil
	}
}

// Shutdown stops progress, marks every device down, and publishes
// DeviceDown for each.
func (l *Library) Shutdown() {
	l.StopProgress()
	for _, dev := range l.Devices() {
		dev.SetUp(false)
		l.publish(&commbus.DeviceDown{Device: dev.Name, Reason: "shutdown"})
	}
}

// StrError renders a status to its stable message.
func StrError(status kernel.Status) string { return status.String() }
