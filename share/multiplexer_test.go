package tnshare

import (
	"io"
	"net"
	"testing"
	"time"
)

func newMuxPair(t *testing.T) (*Multiplexer, *Multiplexer) {
	t.Helper()
	a, b := net.Pipe()
	fa := NewFramedConn(testLogger(), a, 16)
	fb := NewFramedConn(testLogger(), b, 16)
	t.Cleanup(func() {
		fa.Close()
		fb.Close()
	})
	return NewMultiplexer(testLogger(), fa, true), NewMultiplexer(testLogger(), fb, false)
}

func TestMultiplexerOpenAcceptRoundTrip(t *testing.T) {
	server, client := newMuxPair(t)

	flow, err := server.OpenFlow("example.internal", 443)
	if err != nil {
		t.Fatalf("OpenFlow: %s", err)
	}

	accepted, err := client.AcceptFlow()
	if err != nil {
		t.Fatalf("AcceptFlow: %s", err)
	}
	host, port := accepted.Target()
	if host != "example.internal" || port != 443 {
		t.Fatalf("unexpected target: %s:%d", host, port)
	}

	if err := client.AckOpened(accepted); err != nil {
		t.Fatalf("AckOpened: %s", err)
	}
	if !flow.WaitOpened() {
		t.Fatal("WaitOpened returned false, expected ConnectionOpened")
	}
}

func TestMultiplexerDataDeliveryAndWindowUpdate(t *testing.T) {
	server, client := newMuxPair(t)

	flow, err := server.OpenFlow("db", 5432)
	if err != nil {
		t.Fatalf("OpenFlow: %s", err)
	}
	accepted, err := client.AcceptFlow()
	if err != nil {
		t.Fatalf("AcceptFlow: %s", err)
	}
	client.AckOpened(accepted)
	flow.WaitOpened()

	if err := server.SendData(flow, []byte("select 1")); err != nil {
		t.Fatalf("SendData: %s", err)
	}

	select {
	case payload := <-accepted.DataChan():
		if string(payload) != "select 1" {
			t.Fatalf("unexpected payload: %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data delivery")
	}

	before := flow.SendWindow()
	flow.GrantSend(1024)
	if flow.SendWindow() != before+1024 {
		t.Fatalf("GrantSend did not apply credit: got %d, want %d", flow.SendWindow(), before+1024)
	}
}

func TestMultiplexerHalfCloseLetsOtherDirectionContinue(t *testing.T) {
	server, client := newMuxPair(t)

	flow, err := server.OpenFlow("target", 9)
	if err != nil {
		t.Fatalf("OpenFlow: %s", err)
	}
	accepted, err := client.AcceptFlow()
	if err != nil {
		t.Fatalf("AcceptFlow: %s", err)
	}
	client.AckOpened(accepted)
	flow.WaitOpened()

	if err := server.SendData(flow, []byte("request")); err != nil {
		t.Fatalf("SendData: %s", err)
	}
	<-accepted.DataChan()

	if err := server.HalfCloseFlow(flow); err != nil {
		t.Fatalf("HalfCloseFlow: %s", err)
	}

	select {
	case <-accepted.HalfCloseRemoteChan():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for half-close to arrive")
	}
	if accepted.State() != FlowHalfClosedRemote {
		t.Fatalf("expected accepted flow half-closed-remote, got %s", accepted.State())
	}

	// The other direction still works: the flow was never removed from
	// either multiplexer's table by a one-directional half-close.
	if err := client.SendData(accepted, []byte("response")); err != nil {
		t.Fatalf("SendData after half-close: %s", err)
	}
	select {
	case payload := <-flow.DataChan():
		if string(payload) != "response" {
			t.Fatalf("unexpected payload: %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reverse-direction data")
	}
}

func TestMultiplexerSendDataRespectsWindow(t *testing.T) {
	server, _ := newMuxPair(t)
	flow, err := server.OpenFlow("svc", 80)
	if err != nil {
		t.Fatalf("OpenFlow: %s", err)
	}
	flow.MarkOpen()

	big := make([]byte, MaxChunk)
	for flow.SendWindow() >= int32(len(big)) {
		if err := server.SendData(flow, big); err != nil {
			t.Fatalf("SendData: %s", err)
		}
	}
	err = server.SendData(flow, big)
	if !IsWindowExhausted(err) {
		t.Fatalf("expected window exhaustion, got %v", err)
	}
}

// TestPumpSendAllBlocksOnWindowExhaustionThenResumes exercises spec
// scenario S5 (window starvation) at the Pump level: sendAll must park on
// WindowReady rather than dropping or erroring out once the send window
// is exhausted, and must resume transmission as soon as a WindowUpdate
// grants fresh credit.
func TestPumpSendAllBlocksOnWindowExhaustionThenResumes(t *testing.T) {
	server, client := newMuxPair(t)

	flow, err := server.OpenFlow("svc", 1)
	if err != nil {
		t.Fatalf("OpenFlow: %s", err)
	}
	accepted, err := client.AcceptFlow()
	if err != nil {
		t.Fatalf("AcceptFlow: %s", err)
	}

	local, remote := net.Pipe()
	defer remote.Close()
	accepted.LocalSocket = local
	accepted.MarkOpen()
	if err := client.AckOpened(accepted); err != nil {
		t.Fatalf("AckOpened: %s", err)
	}
	if !flow.WaitOpened() {
		t.Fatal("WaitOpened returned false, expected ConnectionOpened")
	}
	NewPump(testLogger(), client, accepted)
	go io.Copy(io.Discard, remote)

	p := &Pump{mux: server, flow: flow, log: testLogger()}

	big := make([]byte, MaxChunk)
	for flow.ReserveSend(int32(len(big))) {
	}

	sendErrCh := make(chan error, 1)
	go func() { sendErrCh <- p.sendAll(big) }()

	select {
	case err := <-sendErrCh:
		t.Fatalf("sendAll returned before any window credit was granted (err=%v); it must block on WindowReady", err)
	case <-time.After(200 * time.Millisecond):
	}

	flow.GrantSend(uint32(len(big)))

	select {
	case err := <-sendErrCh:
		if err != nil {
			t.Fatalf("sendAll: %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sendAll did not resume sending after GrantSend restored window credit")
	}
}
