package control

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/xconn-project/xconn-core/commbus"
	"github.com/xconn-project/xconn-core/coreengine/kernel"
	"github.com/xconn-project/xconn-core/coreengine/testutil"
)

func newTestServer(t *testing.T) (*ControlServer, *kernel.Framework, *testutil.MockLogger) {
	t.Helper()
	logger := testutil.NewMockLogger()
	srv := NewControlServer(logger)

	fw, _, _, err := testutil.NewFrameworkWithMock(4096)
	require.NoError(t, err)
	srv.SetFramework(fw)
	return srv, fw, logger
}

// =============================================================================
// UNARY OPERATION TESTS
// =============================================================================

func TestListDevices(t *testing.T) {
	srv, fw, _ := newTestServer(t)

	resp, err := srv.ListDevices(context.Background(), &Empty{})
	require.NoError(t, err)
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, "mock0", resp.Devices[0].Name)
	assert.Equal(t, "mock", resp.Devices[0].TransportTag)
	assert.True(t, resp.Devices[0].Up)

	_, err = fw.NewDevice("mock1", "mock", 2048)
	require.NoError(t, err)

	resp, err = srv.ListDevices(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.Len(t, resp.Devices, 2)
}

func TestListDevicesWithoutFramework(t *testing.T) {
	srv := NewControlServer(testutil.NewMockLogger())

	_, err := srv.ListDevices(context.Background(), &Empty{})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestGetDeviceInfo(t *testing.T) {
	srv, _, _ := newTestServer(t)

	info, err := srv.GetDeviceInfo(context.Background(), &DeviceQuery{Name: "mock0"})
	require.NoError(t, err)
	assert.Equal(t, "mock0", info.Name)
	assert.Equal(t, uint32(4096), info.MaxSendSize)
}

func TestGetDeviceInfoEmptyNameUsesDefault(t *testing.T) {
	srv, _, _ := newTestServer(t)

	info, err := srv.GetDeviceInfo(context.Background(), &DeviceQuery{})
	require.NoError(t, err)
	assert.Equal(t, "mock0", info.Name)
}

func TestGetDeviceInfoNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, err := srv.GetDeviceInfo(context.Background(), &DeviceQuery{Name: "absent"})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestListEndpoints(t *testing.T) {
	srv, fw, _ := newTestServer(t)

	dev, ok := fw.Registry.ByName("mock0")
	require.True(t, ok)

	ep, err := fw.CreateEndpoint(dev)
	require.NoError(t, err)

	resp, err := srv.ListEndpoints(context.Background(), &EndpointQuery{Device: "mock0"})
	require.NoError(t, err)
	require.Len(t, resp.Endpoints, 1)
	assert.Equal(t, ep.ID(), resp.Endpoints[0].ID)
	assert.Equal(t, uint32(4096), resp.Endpoints[0].MaxSendSize)
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	h, err := srv.Health(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.True(t, h.Healthy)

	bare := NewControlServer(testutil.NewMockLogger())
	h, err = bare.Health(context.Background(), &Empty{})
	require.NoError(t, err)
	assert.False(t, h.Healthy)
}

// =============================================================================
// BUS QUERY HANDLER TESTS
// =============================================================================

func TestBusQueryHandlers(t *testing.T) {
	srv, _, _ := newTestServer(t)

	bus := commbus.NewInMemoryCommBusWithLogger(time.Second, commbus.NoopBusLogger())
	require.NoError(t, srv.SetBus(bus))

	result, err := bus.QuerySync(context.Background(), &commbus.GetDeviceInfo{Name: "mock0"})
	require.NoError(t, err)
	info := result.(*commbus.DeviceInfo)
	assert.Equal(t, "mock0", info.Name)
	assert.True(t, info.Up)

	result, err = bus.QuerySync(context.Background(), &commbus.HealthCheckRequest{Component: "core"})
	require.NoError(t, err)
	health := result.(*commbus.HealthCheckResponse)
	assert.Equal(t, "core", health.Component)
	assert.True(t, health.Healthy)

	result, err = bus.QuerySync(context.Background(), &commbus.ListEndpoints{Device: "mock0"})
	require.NoError(t, err)
	assert.Empty(t, result.(*EndpointList).Endpoints)
}

// =============================================================================
// END-TO-END TESTS (bufconn)
// =============================================================================

func dialTestServer(t *testing.T, srv *ControlServer) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(ServerOptions(srv.logger)...)
	RegisterControlServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestEndToEndListDevices(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dialTestServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp DeviceList
	require.NoError(t, conn.Invoke(ctx, "/xconn.Control/ListDevices", &Empty{}, &resp))
	require.Len(t, resp.Devices, 1)
	assert.Equal(t, "mock0", resp.Devices[0].Name)
}

func TestEndToEndGetDeviceInfoNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dialTestServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp DeviceInfo
	err := conn.Invoke(ctx, "/xconn.Control/GetDeviceInfo", &DeviceQuery{Name: "absent"}, &resp)
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestEndToEndStreamEvents(t *testing.T) {
	srv, _, _ := newTestServer(t)

	bus := commbus.NewInMemoryCommBusWithLogger(time.Second, commbus.NoopBusLogger())
	require.NoError(t, srv.SetBus(bus))

	conn := dialTestServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	desc := &grpc.StreamDesc{StreamName: "StreamEvents", ServerStreams: true}
	stream, err := conn.NewStream(ctx, desc, "/xconn.Control/StreamEvents")
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&EventFilter{Types: []string{"ConnectionEstablished"}}))
	require.NoError(t, stream.CloseSend())

	// The server subscribes after reading the filter; wait until the
	// subscription is live before publishing.
	deadline := time.Now().Add(5 * time.Second)
	for len(bus.GetSubscribers("ConnectionEstablished")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream subscription never became live")
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, bus.Publish(context.Background(), &commbus.ConnectionEstablished{
		Device:       "mock0",
		EndpointID:   1,
		ConnectionID: 42,
		Attribute:    "reliable-ordered",
	}))

	var ev ControlEvent
	require.NoError(t, stream.RecvMsg(&ev))
	assert.Equal(t, "ConnectionEstablished", ev.Type)

	var payload commbus.ConnectionEstablished
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, uint64(42), payload.ConnectionID)
	assert.Equal(t, "mock0", payload.Device)
}
