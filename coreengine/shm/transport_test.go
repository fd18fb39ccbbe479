package shm

import (
	"context"
	"testing"
	"time"

	"github.com/xconn-project/xconn-core/coreengine/kernel"
)

func newHarness(t *testing.T) (*kernel.Framework, *Transport, *kernel.Device) {
	t.Helper()
	fw := kernel.NewFramework()
	tr, err := New(fw, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fw.RegisterTransport(tr)
	dev, err := fw.NewDevice("sm0", "sm", 4096)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return fw, tr, dev
}

func waitEvent(t *testing.T, ep *kernel.Endpoint, kind kernel.EventKind) *kernel.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := ep.Progress(); err != nil {
			t.Fatalf("Progress: %v", err)
		}
		ev, err := ep.GetEvent()
		if err == nil {
			if ev.Kind != kind {
				t.Fatalf("expected event %s, got %s", kind, ev.Kind)
			}
			return ev
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %s", kind)
	return nil
}

func TestSocketLoopbackSend(t *testing.T) {
	fw, tr, dev := newHarness(t)

	serverEp, _ := fw.CreateEndpoint(dev)
	if err := tr.Listen(serverEp, "server"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	clientEp, _ := fw.CreateEndpoint(dev)
	clientConn, err := fw.Connect(context.Background(), clientEp, "server", []byte("hi"), kernel.ConnAttrReliableUnordered, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	reqEv := waitEvent(t, serverEp, kernel.EventConnectRequest)
	if string(reqEv.Buffer) != "hi" {
		t.Fatalf("expected ConnRequest payload 'hi', got %q", reqEv.Buffer)
	}
	if reqEv.Attr != kernel.ConnAttrReliableUnordered {
		t.Fatalf("expected requested attribute to ride the ConnPayload header, got %s", reqEv.Attr)
	}
	if err := fw.Accept(reqEv.PendingConn); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	waitEvent(t, clientEp, kernel.EventConnectAccepted)
	if clientConn.State() != kernel.ConnEstablished {
		t.Fatalf("expected established, got %s", clientConn.State())
	}

	if err := fw.Send(clientConn, []byte("payload"), nil, kernel.FlagNone); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitEvent(t, clientEp, kernel.EventSend)

	recvEv := waitEvent(t, serverEp, kernel.EventRecv)
	if string(recvEv.Buffer) != "payload" {
		t.Fatalf("expected 'payload', got %q", recvEv.Buffer)
	}
}

func TestSocketConnectRejected(t *testing.T) {
	fw, tr, dev := newHarness(t)

	serverEp, _ := fw.CreateEndpoint(dev)
	tr.Listen(serverEp, "server")

	clientEp, _ := fw.CreateEndpoint(dev)
	clientConn, err := fw.Connect(context.Background(), clientEp, "server", nil, kernel.ConnAttrReliableOrdered, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	reqEv := waitEvent(t, serverEp, kernel.EventConnectRequest)
	if err := fw.Reject(reqEv.PendingConn); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	ev := waitEvent(t, clientEp, kernel.EventConnectRejected)
	if ev.Status != kernel.StatusPeerRejectedConnect {
		t.Fatalf("expected StatusPeerRejectedConnect, got %s", ev.Status)
	}
	if clientConn.State() != kernel.ConnClosed {
		t.Fatalf("expected closed, got %s", clientConn.State())
	}
}

func TestSocketRMAUnsupported(t *testing.T) {
	fw, tr, dev := newHarness(t)
	ep, _ := fw.CreateEndpoint(dev)
	conn, _ := fw.Connect(context.Background(), ep, "nowhere", nil, kernel.ConnAttrReliableOrdered, nil)
	_ = conn

	err := tr.PostRMA(conn, &kernel.TxDescriptor{})
	kerr, ok := err.(*kernel.Error)
	if !ok || kerr.Status != kernel.StatusNotImplemented {
		t.Fatalf("expected StatusNotImplemented, got %v", err)
	}
}
