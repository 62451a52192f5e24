package tnshare

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// startEchoServer returns the address of a TCP server that echoes back
// whatever it reads, used as the target a proxy-client dials.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo server: %s", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	return ln.Addr().String()
}

func splitHostPort(t *testing.T, addr string) (string, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %s", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		t.Fatalf("parse port %s: %s", portStr, err)
	}
	return host, uint16(port)
}

// TestEndToEndEchoRoundTrip exercises the full tunnel chain: a proxy-server
// binding accepts a connection, opens a flow through the gateway to a
// partnered proxy-client, which dials a local echo target and pumps bytes
// in both directions (spec scenario S1).
func TestEndToEndEchoRoundTrip(t *testing.T) {
	echoAddr := startEchoServer(t)
	echoHost, echoPort := splitHostPort(t, echoAddr)

	sessionFile := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(sessionFile, []byte(`[{"id":1,"client_password":"cpw","server_password":"spw"}]`), 0644); err != nil {
		t.Fatalf("write session file: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := NewLogger("e2e", LogLevelError, false)

	gw, err := NewGateway(ctx, logger, GatewayConfig{
		Listeners:   []ListenerConfig{{IP: "127.0.0.1", Port: 0}},
		SessionFile: sessionFile,
	})
	if err != nil {
		t.Fatalf("NewGateway: %s", err)
	}
	gwHost, gwPort := splitHostPort(t, gw.ListenerAddr(0))

	clientErrCh := make(chan error, 1)
	go func() {
		clientErrCh <- RunProxyClient(ctx, logger, ClientConfig{
			GatewayHost: gwHost,
			GatewayPort: gwPort,
			SessionID:   1,
			Password:    "cpw",
		})
	}()

	readyCh := make(chan *ProxyServer, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- RunProxyServer(ctx, logger, ServerConfig{
			GatewayHost: gwHost,
			GatewayPort: gwPort,
			SessionID:   1,
			Password:    "spw",
			Bindings: []BindingConfig{
				{ListenIP: "127.0.0.1", ListenPort: 0, TargetHost: echoHost, TargetPort: echoPort},
			},
		}, func(ps *ProxyServer) { readyCh <- ps })
	}()

	var bindingAddr string
	select {
	case ps := <-readyCh:
		bindingAddr = ps.ListenerAddr(0)
	case err := <-serverErrCh:
		t.Fatalf("proxy-server exited before becoming ready: %s", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for proxy-server binding to open")
	}

	conn, err := net.DialTimeout("tcp", bindingAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial binding: %s", err)
	}
	defer conn.Close()

	const msg = "hello through the tunnel"
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %s", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %s", err)
	}
	if string(buf) != msg {
		t.Fatalf("echo mismatch: got %q, want %q", buf, msg)
	}
}

// TestEndToEndForbiddenTarget exercises a proxy-client allowlist rejecting
// a target the proxy-server asks it to reach (spec scenario S2).
func TestEndToEndForbiddenTarget(t *testing.T) {
	echoAddr := startEchoServer(t)
	echoHost, echoPort := splitHostPort(t, echoAddr)

	sessionFile := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(sessionFile, []byte(`[{"id":1,"client_password":"cpw","server_password":"spw"}]`), 0644); err != nil {
		t.Fatalf("write session file: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := NewLogger("e2e", LogLevelError, false)

	gw, err := NewGateway(ctx, logger, GatewayConfig{
		Listeners:   []ListenerConfig{{IP: "127.0.0.1", Port: 0}},
		SessionFile: sessionFile,
	})
	if err != nil {
		t.Fatalf("NewGateway: %s", err)
	}
	gwHost, gwPort := splitHostPort(t, gw.ListenerAddr(0))

	go RunProxyClient(ctx, logger, ClientConfig{
		GatewayHost: gwHost,
		GatewayPort: gwPort,
		SessionID:   1,
		Password:    "cpw",
		Allowlist:   []string{"only-this-host.invalid:1"},
	})

	readyCh := make(chan *ProxyServer, 1)
	go RunProxyServer(ctx, logger, ServerConfig{
		GatewayHost: gwHost,
		GatewayPort: gwPort,
		SessionID:   1,
		Password:    "spw",
		Bindings: []BindingConfig{
			{ListenIP: "127.0.0.1", ListenPort: 0, TargetHost: echoHost, TargetPort: echoPort},
		},
	}, func(ps *ProxyServer) { readyCh <- ps })

	var ps *ProxyServer
	select {
	case ps = <-readyCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for proxy-server binding to open")
	}

	conn, err := net.DialTimeout("tcp", ps.ListenerAddr(0), 2*time.Second)
	if err != nil {
		t.Fatalf("dial binding: %s", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatal("expected the forbidden-target connection to be closed, got data instead")
	}
}
