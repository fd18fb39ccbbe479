// Package observability provides Prometheus metrics instrumentation for the coreengine.
package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xconn-project/xconn-core/commbus"
)

// =============================================================================
// DEVICE / ENDPOINT METRICS
// =============================================================================

var (
	devicesUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xconn_device_up",
			Help: "Whether a device is currently up (1) or down (0)",
		},
		[]string{"device"},
	)

	endpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xconn_endpoints_total",
			Help: "Total endpoint lifecycle operations",
		},
		[]string{"device", "op"}, // op: created, destroyed
	)
)

// =============================================================================
// CONNECTION METRICS
// =============================================================================

var (
	connectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xconn_connections_total",
			Help: "Total connection handshake outcomes",
		},
		[]string{"device", "outcome"}, // outcome: established, rejected, timed_out, closed
	)
)

// =============================================================================
// COMPLETION PATH METRICS
// =============================================================================

var (
	completionsPolledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xconn_completions_polled_total",
			Help: "Total fabric completions drained by progress ticks",
		},
	)

	completionsPerTick = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xconn_completions_per_tick",
			Help:    "Completions drained by a single progress tick",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32},
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xconn_events_total",
			Help: "Events delivered to and returned by the application",
		},
		[]string{"kind", "op"}, // op: delivered, returned
	)
)

// =============================================================================
// RMA METRICS
// =============================================================================

var (
	rmaRegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xconn_rma_registrations_total",
			Help: "Total RMA region registration operations",
		},
		[]string{"device", "op"}, // op: register, deregister
	)

	rmaOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xconn_rma_ops_total",
			Help: "Total one-sided RMA operations posted",
		},
		[]string{"direction"}, // direction: read, write
	)

	rmaBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xconn_rma_bytes_total",
			Help: "Total bytes moved by one-sided RMA operations",
		},
		[]string{"direction"},
	)
)

// =============================================================================
// SHARED EVENT RING METRICS
// =============================================================================

var (
	ringOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xconn_ring_ops_total",
			Help: "Shared event ring operations",
		},
		[]string{"op"}, // op: produce, consume, return, full
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xconn_grpc_requests_total",
			Help: "Total gRPC requests on the management surface",
		},
		[]string{"method", "status"},
	)

	grpcDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xconn_grpc_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordDeviceUp flips the per-device up gauge.
func RecordDeviceUp(device string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	devicesUp.WithLabelValues(device).Set(v)
}

// RecordEndpoint records an endpoint lifecycle operation
// (op: "created" or "destroyed").
func RecordEndpoint(device, op string) {
	endpointsTotal.WithLabelValues(device, op).Inc()
}

// RecordConnection records a connection handshake outcome
// (outcome: "established", "rejected", "timed_out", "closed").
func RecordConnection(device, outcome string) {
	connectionsTotal.WithLabelValues(device, outcome).Inc()
}

// RecordProgressTick records one progress tick that drained n
// completions.
func RecordProgressTick(n int) {
	completionsPolledTotal.Add(float64(n))
	completionsPerTick.Observe(float64(n))
}

// RecordEvent records an event crossing the API boundary
// (op: "delivered" or "returned").
func RecordEvent(kind, op string) {
	eventsTotal.WithLabelValues(kind, op).Inc()
}

// RecordRMARegistration records a register or deregister call.
func RecordRMARegistration(device, op string) {
	rmaRegistrationsTotal.WithLabelValues(device, op).Inc()
}

// RecordRMAOp records a posted one-sided operation and its size.
func RecordRMAOp(direction string, bytes uint64) {
	rmaOpsTotal.WithLabelValues(direction).Inc()
	rmaBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordRingOp records a shared event ring operation
// (op: "produce", "consume", "return", "full").
func RecordRingOp(op string) {
	ringOpsTotal.WithLabelValues(op).Inc()
}

// RecordGRPCRequest records a management-surface RPC.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// =============================================================================
// COMMBUS BRIDGE
// =============================================================================

// BindBus subscribes the metric helpers to the lifecycle bus so every
// published notification lands in Prometheus without the kernel
// knowing about metrics at all. Returns an unsubscribe function.
func BindBus(bus commbus.CommBus) func() {
	subs := []func(){
		bus.Subscribe("DeviceUp", func(ctx context.Context, msg commbus.Message) (any, error) {
			RecordDeviceUp(msg.(*commbus.DeviceUp).Device, true)
			return nil, nil
		}),
		bus.Subscribe("DeviceDown", func(ctx context.Context, msg commbus.Message) (any, error) {
			RecordDeviceUp(msg.(*commbus.DeviceDown).Device, false)
			return nil, nil
		}),
		bus.Subscribe("EndpointCreated", func(ctx context.Context, msg commbus.Message) (any, error) {
			RecordEndpoint(msg.(*commbus.EndpointCreated).Device, "created")
			return nil, nil
		}),
		bus.Subscribe("EndpointDestroyed", func(ctx context.Context, msg commbus.Message) (any, error) {
			RecordEndpoint(msg.(*commbus.EndpointDestroyed).Device, "destroyed")
			return nil, nil
		}),
		bus.Subscribe("ConnectionEstablished", func(ctx context.Context, msg commbus.Message) (any, error) {
			RecordConnection(msg.(*commbus.ConnectionEstablished).Device, "established")
			return nil, nil
		}),
		bus.Subscribe("ConnectRejected", func(ctx context.Context, msg commbus.Message) (any, error) {
			RecordConnection(msg.(*commbus.ConnectRejected).Device, "rejected")
			return nil, nil
		}),
		bus.Subscribe("ConnectTimedOut", func(ctx context.Context, msg commbus.Message) (any, error) {
			RecordConnection(msg.(*commbus.ConnectTimedOut).Device, "timed_out")
			return nil, nil
		}),
		bus.Subscribe("ConnectionClosed", func(ctx context.Context, msg commbus.Message) (any, error) {
			RecordConnection(msg.(*commbus.ConnectionClosed).Device, "closed")
			return nil, nil
		}),
		bus.Subscribe("RMARegistered", func(ctx context.Context, msg commbus.Message) (any, error) {
			RecordRMARegistration(msg.(*commbus.RMARegistered).Device, "register")
			return nil, nil
		}),
		bus.Subscribe("RMADeregistered", func(ctx context.Context, msg commbus.Message) (any, error) {
			RecordRMARegistration(msg.(*commbus.RMADeregistered).Device, "deregister")
			return nil, nil
		}),
	}

	return func() {
		for _, unsub := range subs {
			unsub()
		}
	}
}
