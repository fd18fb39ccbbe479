package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xconn-project/xconn-core/commbus"
	"github.com/xconn-project/xconn-core/coreengine/kernel"
)

// =============================================================================
// MOCK TRANSPORT TESTS
// =============================================================================

func TestMockTransportRecordsCalls(t *testing.T) {
	fw, _, tr, err := NewFrameworkWithMock(4096)
	require.NoError(t, err)

	dev, ok := fw.Registry.ByName("mock0")
	require.True(t, ok)

	ep, err := fw.CreateEndpoint(dev)
	require.NoError(t, err)

	conn, err := fw.Connect(context.Background(), ep, "mock://peer:1", []byte("hi"), kernel.ConnAttrReliableOrdered, nil)
	require.NoError(t, err)

	calls := tr.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Connect", calls[0].Method)
	assert.Equal(t, "mock://peer:1", calls[0].URI)
	assert.Equal(t, 2, calls[0].Len)
	assert.Same(t, conn, calls[0].Conn)
}

func TestMockTransportCompletesSendOnPoll(t *testing.T) {
	fw, dev, tr, err := NewFrameworkWithMock(4096)
	require.NoError(t, err)

	ep, err := fw.CreateEndpoint(dev)
	require.NoError(t, err)

	conn, err := fw.Connect(context.Background(), ep, "mock://peer:1", nil, kernel.ConnAttrReliableOrdered, nil)
	require.NoError(t, err)
	require.NoError(t, fw.HandleConnReply(conn, true, 2048))

	// Drain the ConnectAccepted event first.
	accepted, err := ep.GetEvent()
	require.NoError(t, err)
	assert.Equal(t, kernel.EventConnectAccepted, accepted.Kind)
	require.NoError(t, ep.ReturnEvent(accepted))

	require.NoError(t, fw.Send(conn, []byte("hello"), "ctx-tag", kernel.FlagNone))
	assert.Equal(t, 1, tr.CallsTo("PostSend"))

	// Nothing delivered before Poll.
	_, err = ep.GetEvent()
	require.Error(t, err)

	n, err := tr.Poll(ep, 8)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev, err := ep.GetEvent()
	require.NoError(t, err)
	assert.Equal(t, kernel.EventSend, ev.Kind)
	assert.Equal(t, kernel.StatusSuccess, ev.Status)
	assert.Equal(t, "ctx-tag", ev.Context)
}

func TestMockTransportPollBatchesPerEndpoint(t *testing.T) {
	fw, dev, tr, err := NewFrameworkWithMock(4096)
	require.NoError(t, err)

	ep, err := fw.CreateEndpoint(dev)
	require.NoError(t, err)

	conn, err := fw.Connect(context.Background(), ep, "mock://peer:1", nil, kernel.ConnAttrReliableOrdered, nil)
	require.NoError(t, err)
	require.NoError(t, fw.HandleConnReply(conn, true, 4096))

	for i := 0; i < 5; i++ {
		require.NoError(t, fw.Send(conn, []byte("x"), i, kernel.FlagNone))
	}

	n, err := tr.Poll(ep, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = tr.Poll(ep, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMockTransportErrorInjection(t *testing.T) {
	fw, dev, tr, err := NewFrameworkWithMock(4096)
	require.NoError(t, err)

	tr.ConnectErr = kernel.NewError(kernel.StatusTimeout, "injected")

	ep, err := fw.CreateEndpoint(dev)
	require.NoError(t, err)

	_, err = fw.Connect(context.Background(), ep, "mock://peer:1", nil, kernel.ConnAttrReliableOrdered, nil)
	require.Error(t, err)

	var kerr *kernel.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kernel.StatusTimeout, kerr.Status)
}

func TestMockTransportAutoResolveRMA(t *testing.T) {
	fw, dev, tr, err := NewFrameworkWithMock(4096)
	require.NoError(t, err)
	tr.AutoResolveRMA = true
	tr.RMALength = 4096

	ep, err := fw.CreateEndpoint(dev)
	require.NoError(t, err)

	conn, err := fw.Connect(context.Background(), ep, "mock://peer:1", nil, kernel.ConnAttrReliableOrdered, nil)
	require.NoError(t, err)
	require.NoError(t, fw.HandleConnReply(conn, true, 4096))

	local := make([]byte, 4096)
	handle, err := ep.RegisterRMA(local, true)
	require.NoError(t, err)

	err = fw.RMA(conn, handle, 0, 0x99, 0, 4096, "rma-ctx", kernel.FlagWrite)
	require.NoError(t, err)

	// The request was auto-resolved and replayed as a PostRMA.
	assert.Equal(t, 1, tr.CallsTo("RequestRemoteRMA"))
	assert.Equal(t, 1, tr.CallsTo("PostRMA"))

	n, err := tr.Poll(ep, 8)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
}

func TestDeregisterRefusedWhileRMAOutstanding(t *testing.T) {
	fw, dev, tr, err := NewFrameworkWithMock(4096)
	require.NoError(t, err)
	tr.AutoResolveRMA = true

	ep, err := fw.CreateEndpoint(dev)
	require.NoError(t, err)

	conn, err := fw.Connect(context.Background(), ep, "mock://peer:1", nil, kernel.ConnAttrReliableOrdered, nil)
	require.NoError(t, err)
	require.NoError(t, fw.HandleConnReply(conn, true, 4096))

	handle, err := ep.RegisterRMA(make([]byte, 64), true)
	require.NoError(t, err)

	require.NoError(t, fw.RMA(conn, handle, 0, 0x55, 0, 64, nil, kernel.FlagWrite))

	// The operation is posted but not yet completed: deregister refuses.
	err = ep.DeregisterRMA(handle)
	require.Error(t, err)
	var kerr *kernel.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kernel.StatusInvalidArgument, kerr.Status)

	_, err = tr.Poll(ep, 8)
	require.NoError(t, err)

	// Completion delivered: the handle is free to go.
	require.NoError(t, ep.DeregisterRMA(handle))
}

func TestMockTransportCloseTracksEndpoints(t *testing.T) {
	fw, dev, tr, err := NewFrameworkWithMock(4096)
	require.NoError(t, err)

	ep, err := fw.CreateEndpoint(dev)
	require.NoError(t, err)

	conn, err := fw.Connect(context.Background(), ep, "mock://peer:1", nil, kernel.ConnAttrReliableOrdered, nil)
	require.NoError(t, err)
	require.NoError(t, fw.HandleConnReply(conn, true, 4096))

	require.NoError(t, fw.DestroyEndpoint(ep))

	// Teardown disconnects the live connection before closing.
	assert.Equal(t, 1, tr.CallsTo("Disconnect"))
	assert.Equal(t, kernel.ConnClosed, conn.State())

	closed := tr.ClosedEndpoints()
	require.Len(t, closed, 1)
	assert.Same(t, ep, closed[0])
}

// =============================================================================
// MOCK LOGGER TESTS
// =============================================================================

func TestMockLoggerCapturesLevels(t *testing.T) {
	logger := NewMockLogger()

	logger.Debug("dbg", "k", 1)
	logger.Info("inf")
	logger.Warn("wrn")
	logger.Error("err")

	assert.True(t, logger.HasMessage("dbg"))
	assert.Equal(t, []string{"wrn"}, logger.MessagesAt("WARN"))
	assert.Len(t, logger.Logs, 4)

	logger.Clear()
	assert.Empty(t, logger.Logs)
}

// =============================================================================
// FAKE CLOCK TESTS
// =============================================================================

func TestFakeClockAdvance(t *testing.T) {
	clock := NewFakeClock()
	start := clock.Now()

	clock.Advance(90 * time.Second)
	assert.Equal(t, 90*time.Second, clock.Now().Sub(start))
}

func TestFakeClockDrivesCircuitBreakerHalfOpen(t *testing.T) {
	clock := NewFakeClock()
	cb := commbus.NewCircuitBreakerMiddlewareWithClock(1, time.Minute, nil, clock)

	bus := commbus.NewInMemoryCommBusWithLogger(time.Second, commbus.NoopBusLogger())
	bus.AddMiddleware(cb)

	require.NoError(t, bus.RegisterHandler("GetDeviceInfo", func(ctx context.Context, msg commbus.Message) (any, error) {
		return nil, kernel.NewError(kernel.StatusError, "down")
	}))

	_, _ = bus.QuerySync(context.Background(), &commbus.GetDeviceInfo{})
	assert.Equal(t, "open", cb.GetStates()["GetDeviceInfo"])

	// Without advancing the clock the circuit stays open.
	_, _ = bus.QuerySync(context.Background(), &commbus.GetDeviceInfo{})
	assert.Equal(t, "open", cb.GetStates()["GetDeviceInfo"])

	clock.Advance(2 * time.Minute)
	_, _ = bus.QuerySync(context.Background(), &commbus.GetDeviceInfo{})
	assert.Equal(t, "open", cb.GetStates()["GetDeviceInfo"]) // failed again during half-open
}
