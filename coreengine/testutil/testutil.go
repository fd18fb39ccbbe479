// Package testutil provides shared test utilities and mocks for integration tests.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring a live fabric behind them.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xconn-project/xconn-core/coreengine/kernel"
)

// =============================================================================
// MOCK TRANSPORT
// =============================================================================

// TransportCall records one invocation of a MockTransport method, for
// assertion in tests.
type TransportCall struct {
	Method string
	Conn   *kernel.Connection
	URI    string
	Len    int
	Handle uint64
}

// pendingCompletion is a posted descriptor waiting for the next Poll to
// complete it.
type pendingCompletion struct {
	ep   *kernel.Endpoint
	desc *kernel.TxDescriptor
}

// MockTransport implements kernel.Transport with call recording and
// per-method error injection. Posted sends and RMA operations complete
// with StatusSuccess on the next Poll, one batch at a time, so tests
// can observe the descriptor pipeline exactly as a real fabric would
// drive it.
type MockTransport struct {
	// TagName is returned by Tag. Defaults to "mock".
	TagName string

	// Error injection. A nil field means the call succeeds.
	ConnectErr    error
	AcceptErr     error
	RejectErr     error
	DisconnectErr error
	PostSendErr   error
	PostRMAErr    error
	RemoteRMAErr  error
	PollErr       error

	// AcceptMTU is the fabric path MTU Accept reports; 0 means the
	// fabric imposes none.
	AcceptMTU uint32

	// AutoResolveRMA makes RequestRemoteRMA resolve immediately through
	// Framework.HandleRMARemoteReply instead of leaving the operation
	// queued.
	AutoResolveRMA bool

	// RMALength and RMAWritable shape the auto-resolved remote handle.
	RMALength   uint64
	RMAWritable bool

	mu      sync.Mutex
	fw      *kernel.Framework
	calls   []TransportCall
	pending []pendingCompletion
	closed  []*kernel.Endpoint
}

// NewMockTransport returns a MockTransport bound to fw. fw may be nil
// for tests that never Poll.
func NewMockTransport(fw *kernel.Framework) *MockTransport {
	return &MockTransport{TagName: "mock", fw: fw, RMAWritable: true}
}

// Tag implements kernel.Transport.
func (m *MockTransport) Tag() string {
	if m.TagName == "" {
		return "mock"
	}
	return m.TagName
}

func (m *MockTransport) record(call TransportCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

// Calls returns a snapshot of every recorded invocation.
func (m *MockTransport) Calls() []TransportCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransportCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsTo returns how many times method was invoked.
func (m *MockTransport) CallsTo(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Connect implements kernel.Transport.
func (m *MockTransport) Connect(ctx context.Context, conn *kernel.Connection, uri string, payload []byte) error {
	m.record(TransportCall{Method: "Connect", Conn: conn, URI: uri, Len: len(payload)})
	return m.ConnectErr
}

// Accept implements kernel.Transport.
func (m *MockTransport) Accept(conn *kernel.Connection) (uint32, error) {
	m.record(TransportCall{Method: "Accept", Conn: conn})
	return m.AcceptMTU, m.AcceptErr
}

// Reject implements kernel.Transport.
func (m *MockTransport) Reject(conn *kernel.Connection) error {
	m.record(TransportCall{Method: "Reject", Conn: conn})
	return m.RejectErr
}

// Disconnect implements kernel.Transport.
func (m *MockTransport) Disconnect(conn *kernel.Connection) error {
	m.record(TransportCall{Method: "Disconnect", Conn: conn})
	return m.DisconnectErr
}

// PostSend implements kernel.Transport. The descriptor completes on the
// next Poll.
func (m *MockTransport) PostSend(conn *kernel.Connection, desc *kernel.TxDescriptor) error {
	m.record(TransportCall{Method: "PostSend", Conn: conn, Len: len(desc.Buffer)})
	if m.PostSendErr != nil {
		return m.PostSendErr
	}

	m.mu.Lock()
	m.pending = append(m.pending, pendingCompletion{ep: conn.Endpoint(), desc: desc})
	m.mu.Unlock()
	return nil
}

// PostRMA implements kernel.Transport. The operation completes on the
// next Poll.
func (m *MockTransport) PostRMA(conn *kernel.Connection, desc *kernel.TxDescriptor) error {
	m.record(TransportCall{Method: "PostRMA", Conn: conn, Handle: desc.RMARemote})
	if m.PostRMAErr != nil {
		return m.PostRMAErr
	}

	m.mu.Lock()
	m.pending = append(m.pending, pendingCompletion{ep: conn.Endpoint(), desc: desc})
	m.mu.Unlock()
	return nil
}

// RequestRemoteRMA implements kernel.Transport.
func (m *MockTransport) RequestRemoteRMA(conn *kernel.Connection, remoteHandle uint64) error {
	m.record(TransportCall{Method: "RequestRemoteRMA", Conn: conn, Handle: remoteHandle})
	if m.RemoteRMAErr != nil {
		return m.RemoteRMAErr
	}
	if m.AutoResolveRMA && m.fw != nil {
		m.fw.HandleRMARemoteReply(conn, remoteHandle, m.RMALength, m.RMAWritable, true)
	}
	return nil
}

// Poll implements kernel.Transport, completing up to max pending
// descriptors with StatusSuccess.
func (m *MockTransport) Poll(ep *kernel.Endpoint, max int) (int, error) {
	if m.PollErr != nil {
		return 0, m.PollErr
	}

	m.mu.Lock()
	var batch []pendingCompletion
	var rest []pendingCompletion
	for _, p := range m.pending {
		if p.ep == ep && len(batch) < max {
			batch = append(batch, p)
			continue
		}
		rest = append(rest, p)
	}
	m.pending = rest
	m.mu.Unlock()

	for _, p := range batch {
		if m.fw != nil {
			m.fw.DeliverSendCompletion(p.ep, p.desc, kernel.StatusSuccess)
		}
	}
	return len(batch), nil
}

// Close implements kernel.Transport.
func (m *MockTransport) Close(ep *kernel.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, ep)
	return nil
}

// ClosedEndpoints returns every endpoint Close has been called with.
func (m *MockTransport) ClosedEndpoints() []*kernel.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*kernel.Endpoint, len(m.closed))
	copy(out, m.closed)
	return out
}

var _ kernel.Transport = (*MockTransport)(nil)

// =============================================================================
// MOCK LOGGER
// =============================================================================

// LogEntry is one captured log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  []any
}

// MockLogger captures structured log calls for assertion. It satisfies
// every Logger seam in the module (kernel, config, commbus, control).
type MockLogger struct {
	mu   sync.Mutex
	Logs []LogEntry
}

// NewMockLogger returns an empty MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (m *MockLogger) log(level, msg string, fields []any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = append(m.Logs, LogEntry{Level: level, Message: msg, Fields: fields})
}

// Debug implements the Logger seam.
func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.log("DEBUG", msg, keysAndValues) }

// Info implements the Logger seam.
func (m *MockLogger) Info(msg string, keysAndValues ...any) { m.log("INFO", msg, keysAndValues) }

// Warn implements the Logger seam.
func (m *MockLogger) Warn(msg string, keysAndValues ...any) { m.log("WARN", msg, keysAndValues) }

// Error implements the Logger seam.
func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.log("ERROR", msg, keysAndValues) }

// HasMessage reports whether any captured entry carries msg.
func (m *MockLogger) HasMessage(msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.Logs {
		if e.Message == msg {
			return true
		}
	}
	return false
}

// MessagesAt returns every message captured at level.
func (m *MockLogger) MessagesAt(level string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.Logs {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = nil
}

// =============================================================================
// FAKE CLOCK
// =============================================================================

// FakeClock is a manually advanced clock satisfying commbus.Clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock starting at a fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now implements commbus.Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// FRAMEWORK FIXTURES
// =============================================================================

// NewFrameworkWithMock builds a Framework with one registered
// MockTransport and one up device bound to it, the standard fixture for
// dispatch-level tests.
func NewFrameworkWithMock(maxSendSize uint32) (*kernel.Framework, *kernel.Device, *MockTransport, error) {
	fw := kernel.NewFramework()
	tr := NewMockTransport(fw)
	fw.RegisterTransport(tr)

	dev, err := fw.NewDevice("mock0", tr.Tag(), maxSendSize)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bind mock device: %w", err)
	}
	return fw, dev, tr, nil
}
