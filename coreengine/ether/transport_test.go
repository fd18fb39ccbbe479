package ether

import (
	"context"
	"testing"
	"time"

	"github.com/xconn-project/xconn-core/coreengine/kernel"
)

func newHarness(t *testing.T) (*kernel.Framework, *Transport, *kernel.Device) {
	t.Helper()
	fw := kernel.NewFramework()
	cs := NewControlSurface()
	cs.RegisterInterface(InterfaceInfo{HWAddr: "server", MaxSendSize: 4096})

	tr := New(fw, cs)
	fw.RegisterTransport(tr)

	dev, err := fw.NewDevice("eth0", "ether", 4096)
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

func TestEtherLoopbackSend(t *testing.T) {
	fw, tr, dev := newHarness(t)

	serverEp, _ := fw.CreateEndpoint(dev)
	if err := tr.Listen(serverEp, "server"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	clientEp, _ := fw.CreateEndpoint(dev)
	clientConn, err := fw.Connect(context.Background(), clientEp, "server", []byte("hi"), kernel.ConnAttrReliableOrdered, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	reqEv := waitEvent(t, serverEp, kernel.EventConnectRequest)
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

func TestEtherListenFailsWhenInterfaceBusy(t *testing.T) {
	fw, tr, dev := newHarness(t)

	serverEp, _ := fw.CreateEndpoint(dev)
	if err := tr.Listen(serverEp, "server"); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	otherEp, _ := fw.CreateEndpoint(dev)
	if err := tr.Listen(otherEp, "server"); err == nil {
		t.Fatalf("expected second Listen on the same hwaddr to fail")
	}
}

func TestEtherRMAUnsupported(t *testing.T) {
	fw, tr, dev := newHarness(t)
	ep, _ := fw.CreateEndpoint(dev)

	err := tr.PostRMA(&kernel.Connection{}, &kernel.TxDescriptor{})
	_ = ep
	kerr, ok := err.(*kernel.Error)
	if !ok || kerr.Status != kernel.StatusNotImplemented {
		t.Fatalf("expected StatusNotImplemented, got %v", err)
	}
}
