package tnshare

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// dialAndAuth dials the gateway at addr, authenticates as role for
// sessionID, and returns the raw FramedConn once AuthOk has been received.
func dialAndAuth(t *testing.T, addr string, sessionID uint32, role Role, password string) *FramedConn {
	t.Helper()
	raw, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial gateway: %s", err)
	}
	fc := NewFramedConn(testLogger(), raw, 8)
	payload, err := Encode(&AuthenticateMsg{SessionID: sessionID, Role: role, Password: []byte(password)})
	if err != nil {
		t.Fatalf("encode Authenticate: %s", err)
	}
	if err := fc.SendFrame(payload); err != nil {
		t.Fatalf("send Authenticate: %s", err)
	}
	frame, err := fc.ReceiveFrame()
	if err != nil {
		t.Fatalf("receive AuthOk: %s", err)
	}
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode AuthOk: %s", err)
	}
	if _, ok := msg.(*AuthOkMsg); !ok {
		t.Fatalf("expected AuthOk, got %T", msg)
	}
	return fc
}

// TestGatewayEvictsPriorConnectionOnReplace exercises spec §4.E's eviction
// rule (Testable Property 5): a second connection authenticating for the
// same session and role displaces the first, which must receive
// GoAwayEvicted and then be closed, while the new connection takes the slot.
func TestGatewayEvictsPriorConnectionOnReplace(t *testing.T) {
	sessionFile := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(sessionFile, []byte(`[{"id":1,"client_password":"cpw","server_password":"spw"}]`), 0644); err != nil {
		t.Fatalf("write session file: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, err := NewGateway(ctx, testLogger(), GatewayConfig{
		Listeners:   []ListenerConfig{{IP: "127.0.0.1", Port: 0}},
		SessionFile: sessionFile,
	})
	if err != nil {
		t.Fatalf("NewGateway: %s", err)
	}

	first := dialAndAuth(t, gw.ListenerAddr(0), 1, RoleServer, "spw")
	defer first.Close()

	second := dialAndAuth(t, gw.ListenerAddr(0), 1, RoleServer, "spw")
	defer second.Close()

	frame, err := first.ReceiveFrame()
	if err != nil {
		t.Fatalf("receive from evicted connection: %s", err)
	}
	msg, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %s", err)
	}
	goAway, ok := msg.(*GoAwayMsg)
	if !ok || goAway.Code != GoAwayEvicted {
		t.Fatalf("expected GoAwayEvicted, got %#v", msg)
	}

	if _, err := first.ReceiveFrame(); err == nil {
		t.Fatal("expected the evicted connection to be closed after GoAwayEvicted")
	}
}
