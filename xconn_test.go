package xconn_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xconn "github.com/xconn-project/xconn-core"
	"github.com/xconn-project/xconn-core/commbus"
	"github.com/xconn-project/xconn-core/coreengine/config"
	"github.com/xconn-project/xconn-core/coreengine/fabric"
	"github.com/xconn-project/xconn-core/coreengine/plugin"
	"github.com/xconn-project/xconn-core/coreengine/testutil"
)

// newFabricLibrary builds a Library with the fabric transport bound to
// one device, returning the live transport so tests can Listen on it.
func newFabricLibrary(t *testing.T, logger xconn.Logger) (*xconn.Library, *fabric.Transport) {
	t.Helper()

	lib := xconn.Init(xconn.Options{Logger: logger})

	var tr *fabric.Transport
	require.NoError(t, lib.RegisterTransport(plugin.Descriptor{
		Tag:      "fabric",
		Priority: 10,
		New: func() (xconn.Transport, error) {
			tr = fabric.New(lib.Framework())
			return tr, nil
		},
	}))

	devices := lib.BindDevices([]config.DeviceSpec{
		{Name: "fabric0", Transport: "fabric", MSS: 4096, Default: true},
	})
	require.Len(t, devices, 1)
	require.NotNil(t, tr)
	return lib, tr
}

// establish wires two endpoints on lib into one established connection
// and returns (active, passive).
func establish(t *testing.T, lib *xconn.Library, tr *fabric.Transport, uri string, payload []byte) (*xconn.Connection, *xconn.Connection, *xconn.Endpoint, *xconn.Endpoint) {
	t.Helper()

	epA, err := lib.CreateEndpoint(nil)
	require.NoError(t, err)
	epB, err := lib.CreateEndpoint(nil)
	require.NoError(t, err)
	require.NoError(t, tr.Listen(epB, uri))

	connA, err := lib.Connect(context.Background(), epA, uri, payload, xconn.ConnAttrReliableOrdered, "conn-ctx")
	require.NoError(t, err)

	req, err := lib.GetEvent(epB)
	require.NoError(t, err)
	require.Equal(t, xconn.EventConnectRequest, req.Kind)
	connB := req.PendingConn
	require.NoError(t, lib.Accept(req))
	require.NoError(t, lib.ReturnEvent(epB, req))

	accepted, err := lib.GetEvent(epA)
	require.NoError(t, err)
	require.Equal(t, xconn.EventConnectAccepted, accepted.Kind)
	require.NoError(t, lib.ReturnEvent(epA, accepted))

	return connA, connB, epA, epB
}

// =============================================================================
// DEVICE BINDING
// =============================================================================

func TestBindDevicesDropsUnknownTransport(t *testing.T) {
	logger := testutil.NewMockLogger()
	lib, _ := newFabricLibrary(t, logger)

	bound := lib.BindDevices([]config.DeviceSpec{
		{Name: "ghost0", Transport: "no-such-transport"},
		{Name: "fabric1", Transport: "fabric"},
	})

	require.Len(t, bound, 1)
	assert.Equal(t, "fabric1", bound[0].Name)
	assert.True(t, logger.HasMessage("device_dropped_no_transport"))
	assert.Len(t, lib.Devices(), 2)
}

func TestBindDevicesResolvesUnsetTransportByPriority(t *testing.T) {
	lib := xconn.Init(xconn.Options{Logger: testutil.NewMockLogger()})

	mock := func(tag string) func() (xconn.Transport, error) {
		return func() (xconn.Transport, error) {
			tr := testutil.NewMockTransport(lib.Framework())
			tr.TagName = tag
			return tr, nil
		}
	}
	require.NoError(t, lib.RegisterTransport(plugin.Descriptor{Tag: "slow", Priority: 1, New: mock("slow")}))
	require.NoError(t, lib.RegisterTransport(plugin.Descriptor{Tag: "fast", Priority: 10, New: mock("fast")}))

	bound := lib.BindDevices([]config.DeviceSpec{{Name: "auto0"}})
	require.Len(t, bound, 1)
	assert.Equal(t, "fast", bound[0].TransportTag)
}

func TestBindDevicesUnsetTransportNoneRegistered(t *testing.T) {
	logger := testutil.NewMockLogger()
	lib := xconn.Init(xconn.Options{Logger: logger})

	bound := lib.BindDevices([]config.DeviceSpec{{Name: "auto0"}})
	assert.Empty(t, bound)
	assert.True(t, logger.HasMessage("device_dropped_no_transport"))
}

func TestDefaultDeviceHonorsFlag(t *testing.T) {
	lib, _ := newFabricLibrary(t, nil)

	dev, err := lib.DefaultDevice()
	require.NoError(t, err)
	assert.Equal(t, "fabric0", dev.Name)
}

// =============================================================================
// CONNECTION LIFECYCLE
// =============================================================================

func TestLoopbackSend(t *testing.T) {
	lib, tr := newFabricLibrary(t, nil)
	connA, _, epA, epB := establish(t, lib, tr, "fabric://b:1", nil)

	require.NoError(t, lib.Send(connA, []byte("hello"), 0xAA, xconn.FlagNone))

	recv, err := lib.GetEvent(epB)
	require.NoError(t, err)
	assert.Equal(t, xconn.EventRecv, recv.Kind)
	assert.Equal(t, []byte("hello"), recv.Buffer)
	require.NoError(t, lib.ReturnEvent(epB, recv))

	sent, err := lib.GetEvent(epA)
	require.NoError(t, err)
	assert.Equal(t, xconn.EventSend, sent.Kind)
	assert.Equal(t, xconn.StatusSuccess, sent.Status)
	assert.Equal(t, 0xAA, sent.Context)
	require.NoError(t, lib.ReturnEvent(epA, sent))
}

func TestConnectRejectDeliversExactlyOneEvent(t *testing.T) {
	lib, tr := newFabricLibrary(t, nil)

	epA, err := lib.CreateEndpoint(nil)
	require.NoError(t, err)
	epB, err := lib.CreateEndpoint(nil)
	require.NoError(t, err)
	require.NoError(t, tr.Listen(epB, "fabric://b:2"))

	_, err = lib.Connect(context.Background(), epA, "fabric://b:2", []byte("auth?"), xconn.ConnAttrReliableOrdered, nil)
	require.NoError(t, err)

	req, err := lib.GetEvent(epB)
	require.NoError(t, err)
	assert.Equal(t, []byte("auth?"), req.Buffer)
	require.NoError(t, lib.Reject(req))
	require.NoError(t, lib.ReturnEvent(epB, req))

	rejected, err := lib.GetEvent(epA)
	require.NoError(t, err)
	assert.Equal(t, xconn.EventConnectRejected, rejected.Kind)
	assert.Equal(t, xconn.StatusPeerRejectedConnect, rejected.Status)
	require.NoError(t, lib.ReturnEvent(epA, rejected))

	// Exactly one event: the queue is empty afterwards.
	_, err = lib.GetEvent(epA)
	require.Error(t, err)
}

func TestConnectPayloadTooLarge(t *testing.T) {
	lib, _ := newFabricLibrary(t, nil)

	ep, err := lib.CreateEndpoint(nil)
	require.NoError(t, err)

	huge := make([]byte, 4096)
	_, err = lib.Connect(context.Background(), ep, "fabric://nowhere:1", huge, xconn.ConnAttrReliableOrdered, nil)
	require.Error(t, err)

	var xerr *xconn.Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, xconn.StatusInvalidArgument, xerr.Status)
}

// =============================================================================
// MESSAGING
// =============================================================================

func TestBlockingSendDrainsInline(t *testing.T) {
	lib, tr := newFabricLibrary(t, nil)
	connA, _, epA, epB := establish(t, lib, tr, "fabric://b:3", nil)

	require.NoError(t, lib.Send(connA, []byte("sync"), "blocking-ctx", xconn.FlagBlocking))

	// The blocking send's completion never surfaces through GetEvent.
	_, err := lib.GetEvent(epA)
	require.Error(t, err)

	recv, err := lib.GetEvent(epB)
	require.NoError(t, err)
	assert.Equal(t, []byte("sync"), recv.Buffer)
	require.NoError(t, lib.ReturnEvent(epB, recv))
}

func TestSendVConcatenatesSegments(t *testing.T) {
	lib, tr := newFabricLibrary(t, nil)
	connA, _, _, epB := establish(t, lib, tr, "fabric://b:4", nil)

	segments := [][]byte{[]byte("hel"), []byte("lo "), []byte("world")}
	require.NoError(t, lib.SendV(connA, segments, nil, xconn.FlagNone))

	recv, err := lib.GetEvent(epB)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), recv.Buffer)
	require.NoError(t, lib.ReturnEvent(epB, recv))
}

func TestSendOverMSSFails(t *testing.T) {
	lib, tr := newFabricLibrary(t, nil)
	connA, _, _, _ := establish(t, lib, tr, "fabric://b:5", nil)

	huge := make([]byte, int(connA.MSS())+1)
	err := lib.Send(connA, huge, nil, xconn.FlagNone)
	require.Error(t, err)

	var xerr *xconn.Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, xconn.StatusMessageTooLarge, xerr.Status)
}

// =============================================================================
// RMA
// =============================================================================

func TestRMAWriteWithRemoteLookupAndNotification(t *testing.T) {
	lib, tr := newFabricLibrary(t, nil)
	connA, _, epA, epB := establish(t, lib, tr, "fabric://b:6", nil)

	src := make([]byte, 4096)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, 4096)

	localH, err := lib.RMARegister(epA, src, false)
	require.NoError(t, err)
	remoteH, err := lib.RMARegister(epB, dst, true)
	require.NoError(t, err)

	err = lib.RMA(connA, []byte("done!"), localH, 0, remoteH, 0, 4096, "rma-ctx", xconn.FlagWrite|xconn.FlagBlocking)
	require.NoError(t, err)

	assert.Equal(t, src, dst)

	// The peer observes the completion message as a normal Recv.
	recv, err := lib.GetEvent(epB)
	require.NoError(t, err)
	assert.Equal(t, xconn.EventRecv, recv.Kind)
	assert.Equal(t, []byte("done!"), recv.Buffer)
	require.NoError(t, lib.ReturnEvent(epB, recv))

	require.NoError(t, lib.RMADeregister(epA, localH))
	require.NoError(t, lib.RMADeregister(epB, remoteH))
}

func TestRMADeregisterUnknownHandle(t *testing.T) {
	lib, _ := newFabricLibrary(t, nil)

	ep, err := lib.CreateEndpoint(nil)
	require.NoError(t, err)

	err = lib.RMADeregister(ep, 0xBAD)
	require.Error(t, err)
}

// =============================================================================
// EVENT DELIVERY
// =============================================================================

func TestGetEventEmptyReturnsAgain(t *testing.T) {
	lib, _ := newFabricLibrary(t, nil)

	ep, err := lib.CreateEndpoint(nil)
	require.NoError(t, err)

	_, err = lib.GetEvent(ep)
	require.Error(t, err)

	var xerr *xconn.Error
	require.ErrorAs(t, err, &xerr)
	assert.Equal(t, xconn.StatusAgain, xerr.Status)
}

func TestArmOSHandleWakesOnEvent(t *testing.T) {
	lib, tr := newFabricLibrary(t, nil)
	connA, _, _, epB := establish(t, lib, tr, "fabric://b:7", nil)

	armed := lib.ArmOSHandle(epB)
	select {
	case <-armed:
		t.Fatal("armed channel closed before any event")
	default:
	}

	require.NoError(t, lib.Send(connA, []byte("wake"), nil, xconn.FlagNone))
	_, err := lib.Framework().Progress(epB)
	require.NoError(t, err)

	select {
	case <-armed:
	case <-time.After(time.Second):
		t.Fatal("armed channel never closed")
	}
}

// =============================================================================
// LIFECYCLE BUS INTEGRATION
// =============================================================================

func TestLifecycleEventsReachBus(t *testing.T) {
	bus := commbus.NewInMemoryCommBusWithLogger(time.Second, commbus.NoopBusLogger())
	lib := xconn.Init(xconn.Options{Bus: bus})

	var tr *fabric.Transport
	require.NoError(t, lib.RegisterTransport(plugin.Descriptor{
		Tag: "fabric",
		New: func() (xconn.Transport, error) {
			tr = fabric.New(lib.Framework())
			return tr, nil
		},
	}))

	var established []uint64
	bus.Subscribe("ConnectionEstablished", func(ctx context.Context, msg commbus.Message) (any, error) {
		established = append(established, msg.(*commbus.ConnectionEstablished).ConnectionID)
		return nil, nil
	})
	var deviceUps []string
	bus.Subscribe("DeviceUp", func(ctx context.Context, msg commbus.Message) (any, error) {
		deviceUps = append(deviceUps, msg.(*commbus.DeviceUp).Device)
		return nil, nil
	})

	lib.BindDevices([]config.DeviceSpec{{Name: "fabric0", Transport: "fabric", MSS: 4096}})
	assert.Equal(t, []string{"fabric0"}, deviceUps)

	epA, err := lib.CreateEndpoint(nil)
	require.NoError(t, err)
	epB, err := lib.CreateEndpoint(nil)
	require.NoError(t, err)
	require.NoError(t, tr.Listen(epB, "fabric://bus:1"))

	_, err = lib.Connect(context.Background(), epA, "fabric://bus:1", nil, xconn.ConnAttrReliableOrdered, nil)
	require.NoError(t, err)

	req, err := lib.GetEvent(epB)
	require.NoError(t, err)
	require.NoError(t, lib.Accept(req))
	require.NoError(t, lib.ReturnEvent(epB, req))

	accepted, err := lib.GetEvent(epA)
	require.NoError(t, err)
	require.NoError(t, lib.ReturnEvent(epA, accepted))

	// Both sides published: passive on Accept, active on delivery.
	assert.Len(t, established, 2)
}

func TestShutdownPublishesDeviceDown(t *testing.T) {
	bus := commbus.NewInMemoryCommBusWithLogger(time.Second, commbus.NoopBusLogger())
	lib := xconn.Init(xconn.Options{Bus: bus})

	require.NoError(t, lib.RegisterTransport(plugin.Descriptor{
		Tag: "fabric",
		New: func() (xconn.Transport, error) { return fabric.New(lib.Framework()), nil },
	}))
	lib.BindDevices([]config.DeviceSpec{{Name: "fabric0", Transport: "fabric"}})

	var downs []string
	bus.Subscribe("DeviceDown", func(ctx context.Context, msg commbus.Message) (any, error) {
		downs = append(downs, msg.(*commbus.DeviceDown).Device)
		return nil, nil
	})

	lib.StartProgress()
	lib.Shutdown()
	assert.Equal(t, []string{"fabric0"}, downs)
}

// =============================================================================
// MISC
// =============================================================================

func TestStrErrorStableMessages(t *testing.T) {
	assert.Equal(t, "success", xconn.StrError(xconn.StatusSuccess))
	assert.Equal(t, "receiver not ready timeout", xconn.StrError(xconn.StatusRnrTimeout))
	assert.Equal(t, "peer rejected the connection request", xconn.StrError(xconn.StatusPeerRejectedConnect))
}

func TestSetOptCoercesNumericValues(t *testing.T) {
	lib, _ := newFabricLibrary(t, nil)

	ep, err := lib.CreateEndpoint(nil)
	require.NoError(t, err)

	require.NoError(t, lib.SetOpt(ep, xconn.OptEndpointSendTimeout, 2500))
	v, err := lib.GetOpt(ep, xconn.OptEndpointSendTimeout)
	require.NoError(t, err)
	assert.Equal(t, uint32(2500), v)

	err = lib.SetOpt(ep, xconn.OptEndpointSendTimeout, "soon")
	require.Error(t, err)

	_, err = lib.GetOpt(ep, xconn.OptEndpointKeepaliveTimeout)
	require.Error(t, err)
}

func TestDestroyEndpointIdempotent(t *testing.T) {
	lib, _ := newFabricLibrary(t, nil)

	ep, err := lib.CreateEndpoint(nil)
	require.NoError(t, err)

	require.NoError(t, lib.DestroyEndpoint(ep))
	require.NoError(t, lib.DestroyEndpoint(ep))
}
