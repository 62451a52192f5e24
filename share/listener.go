package tnshare

import (
	"context"
	"crypto/tls"
	"net"
)

// TCPListener wraps a net.Listener with ShutdownHelper lifecycle
// management, shared by the Gateway's accept loop and a proxy-server's
// per-binding listeners (spec §4.E). tlsConfig may be nil for a plain
// TCP listener; when non-nil, the gateway's SecureStream adapter is
// installed at this layer, before any bytes reach the Framed Connection.
type TCPListener struct {
	ShutdownHelper
	listener net.Listener
	addr     string
}

// Listen starts listening on addr ("ip:port", ip may be empty for all
// interfaces). If tlsConfig is non-nil the listener wraps accepted
// connections in a TLS server handshake.
func Listen(ctx context.Context, logger Logger, addr string, tlsConfig *tls.Config) (*TCPListener, error) {
	l := &TCPListener{addr: addr}
	l.InitShutdownHelper(logger.Fork("listen %s", addr), l)
	err := l.DoOnceActivate(func() error {
		l.ShutdownOnContext(ctx)
		var ln net.Listener
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return l.Errorf("listen failed: %s", err)
		}
		if tlsConfig != nil {
			ln = tls.NewListener(ln, tlsConfig)
		}
		l.listener = ln
		return nil
	}, true)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Accept blocks for the next inbound connection. Returns an error once the
// listener has been closed.
func (l *TCPListener) Accept() (net.Conn, error) {
	return l.listener.Accept()
}

// Addr returns the address this listener is actually bound to (with any
// ephemeral ":0" port resolved to the one the OS assigned).
func (l *TCPListener) Addr() string {
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.addr
}

// HandleOnceShutdown closes the underlying net.Listener.
func (l *TCPListener) HandleOnceShutdown(completionErr error) error {
	err := l.listener.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
