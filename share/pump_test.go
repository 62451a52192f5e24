package tnshare

import (
	"io"
	"net"
	"testing"
	"time"
)

// startHalfCloseTarget returns the address of a TCP server that reads until
// its peer half-closes (observes EOF), reports exactly what it read on
// gotReq, and then writes a fixed reply before closing — used to confirm a
// Pump's closeWriteSide actually propagates a FIN to the real target and
// that the reverse direction still works afterward.
func startHalfCloseTarget(t *testing.T, gotReq chan<- []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen half-close target: %s", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		gotReq <- data
		conn.Write([]byte("response-after-half-close"))
	}()
	return ln.Addr().String()
}

// TestPumpHalfCloseClosesWriteSideOfLocalSocket exercises spec §8's half-
// close scenario directly at the Pump level: a peer half-close delivered to
// a flow must reach closeWriteSide, which calls CloseWrite on the flow's
// real local socket (not CloseRead), so the dialed target observes EOF after
// exactly the bytes already sent, while the reverse direction still works.
func TestPumpHalfCloseClosesWriteSideOfLocalSocket(t *testing.T) {
	gotReq := make(chan []byte, 1)
	targetAddr := startHalfCloseTarget(t, gotReq)

	server, client := newMuxPair(t)

	flow, err := server.OpenFlow("target", 1)
	if err != nil {
		t.Fatalf("OpenFlow: %s", err)
	}
	accepted, err := client.AcceptFlow()
	if err != nil {
		t.Fatalf("AcceptFlow: %s", err)
	}

	targetConn, err := net.DialTimeout("tcp", targetAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial target: %s", err)
	}
	defer targetConn.Close()

	accepted.LocalSocket = targetConn
	accepted.MarkOpen()
	if err := client.AckOpened(accepted); err != nil {
		t.Fatalf("AckOpened: %s", err)
	}
	if !flow.WaitOpened() {
		t.Fatal("WaitOpened returned false, expected ConnectionOpened")
	}

	NewPump(testLogger(), client, accepted)

	const msg = "half-close probe"
	if err := server.SendData(flow, []byte(msg)); err != nil {
		t.Fatalf("SendData: %s", err)
	}
	if err := server.HalfCloseFlow(flow); err != nil {
		t.Fatalf("HalfCloseFlow: %s", err)
	}

	select {
	case got := <-gotReq:
		if string(got) != msg {
			t.Fatalf("target read %q, want %q", got, msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("target never observed EOF after half-close; closeWriteSide did not CloseWrite the local socket")
	}

	// The reverse direction must still work: closeWriteSide leaves the read
	// side of the local socket open, so the target's reply makes it all the
	// way back through the flow.
	select {
	case payload := <-flow.DataChan():
		if string(payload) != "response-after-half-close" {
			t.Fatalf("unexpected reverse-direction payload: %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reverse-direction data after half-close")
	}
}
