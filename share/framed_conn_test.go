package tnshare

import (
	"net"
	"testing"
	"time"
)

func testLogger() Logger {
	return NewLogger("test", LogLevelError, false)
}

func TestFramedConnSendReceiveRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	fa := NewFramedConn(testLogger(), a, 8)
	fb := NewFramedConn(testLogger(), b, 8)
	defer fa.Close()
	defer fb.Close()

	payload, err := Encode(&DataMsg{ID: 1, Payload: []byte("ping-pong")})
	if err != nil {
		t.Fatalf("Encode: %s", err)
	}
	if err := fa.SendFrame(payload); err != nil {
		t.Fatalf("SendFrame: %s", err)
	}

	got, err := fb.ReceiveFrame()
	if err != nil {
		t.Fatalf("ReceiveFrame: %s", err)
	}
	msg, err := Decode(got)
	if err != nil {
		t.Fatalf("Decode: %s", err)
	}
	data, ok := msg.(*DataMsg)
	if !ok || string(data.Payload) != "ping-pong" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestFramedConnRejectsOversizeFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	fa := NewFramedConn(testLogger(), a, 1)
	defer fa.Close()
	_ = b

	oversize := make([]byte, MaxFrameSize+1)
	if err := fa.SendFrame(oversize); err == nil {
		t.Fatal("expected SendFrame to reject a frame exceeding MaxFrameSize")
	}
}

func TestFramedConnClosesOnPeerClose(t *testing.T) {
	a, b := net.Pipe()
	fa := NewFramedConn(testLogger(), a, 8)
	fb := NewFramedConn(testLogger(), b, 8)
	defer fa.Close()

	fb.Close()

	done := make(chan struct{})
	go func() {
		fa.ReceiveFrame()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ReceiveFrame did not unblock after peer closed")
	}
}
