package tnshare

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
)

// ProxyServerState tracks a proxy-server connection's progress through the
// handshake (spec §4.E).
type ProxyServerState int

const (
	PSConnecting ProxyServerState = iota
	PSAuthenticating
	PSWaitingForPartner
	PSActive
	PSClosed
)

// ProxyServer dials a gateway, authenticates as the server role, announces
// its bindings via OpenSession, and — once a partner proxy-client has
// joined (Open Question a: listeners only ever open after both OpenSession
// has been sent and PartnerJoined has been observed) — opens a local
// listener per binding, forwarding accepted connections through the
// tunnel to the matching target.
type ProxyServer struct {
	ShutdownHelper

	cfg ServerConfig

	state ProxyServerState
	fc    *FramedConn
	mux   *Multiplexer
	stats ConnStats

	mu        sync.Mutex
	listeners []*TCPListener
}

// RunProxyServer connects once and serves until the connection drops or
// ctx is canceled; callers wanting automatic reconnect should drive this
// from a Supervisor. onReady, if non-nil, is called once all bindings'
// listeners are open (useful in tests that bind ephemeral ports and need
// to learn the assigned addresses before connecting).
func RunProxyServer(ctx context.Context, logger Logger, cfg ServerConfig, onReady func(*ProxyServer)) error {
	ps := &ProxyServer{cfg: cfg}
	ps.InitShutdownHelper(logger.Fork("proxy-server"), ps)
	ps.ShutdownOnContext(ctx)

	ps.state = PSConnecting
	raw, err := net.DialTimeout("tcp", cfg.GatewayAddr(), DialTimeout)
	if err != nil {
		return Errf(ErrKindIo, "dial gateway %s: %s", cfg.GatewayAddr(), err)
	}
	if cfg.UseTLS {
		tconn := tls.Client(raw, &tls.Config{ServerName: cfg.GatewayHost})
		if err := tconn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return Errf(ErrKindIo, "tls handshake: %s", err)
		}
		raw = tconn
	}

	fc := NewFramedConn(ps.Logger, raw, 64)
	ps.fc = fc
	ps.AddShutdownChild(fc)

	ps.state = PSAuthenticating
	authPayload, err := Encode(&AuthenticateMsg{SessionID: cfg.SessionID, Role: RoleServer, Password: []byte(cfg.Password)})
	if err != nil {
		return err
	}
	if err := fc.SendFrame(authPayload); err != nil {
		return err
	}
	frame, err := fc.ReceiveFrame()
	if err != nil {
		return err
	}
	msg, err := Decode(frame)
	if err != nil {
		return err
	}
	switch msg.(type) {
	case *AuthOkMsg:
		ps.ILog("authenticated")
	case *AuthFailedMsg:
		return Errf(ErrKindAuthFailed, "gateway rejected credentials")
	default:
		return Errf(ErrKindProtocol, "expected AuthOk/AuthFailed")
	}

	sessionPayload, err := Encode(&OpenSessionMsg{Listeners: cfg.OpenSessionListeners()})
	if err != nil {
		return err
	}
	if err := fc.SendFrame(sessionPayload); err != nil {
		return err
	}

	ps.state = PSWaitingForPartner
	frame, err = fc.ReceiveFrame()
	if err != nil {
		return err
	}
	msg, err = Decode(frame)
	if err != nil {
		return err
	}
	if _, ok := msg.(*PartnerJoinedMsg); !ok {
		return Errf(ErrKindProtocol, "expected PartnerJoined")
	}
	ps.ILog("partner joined")

	ps.state = PSActive
	ps.mux = NewMultiplexer(ps.Logger, fc, true)
	ps.AddShutdownChild(ps.mux)

	if err := ps.openBindings(ctx, cfg.Bindings); err != nil {
		return err
	}
	if onReady != nil {
		onReady(ps)
	}

	go ps.watchPartnerLeft()

	<-ps.ShutdownStartedChan()
	return ps.WaitShutdown()
}

// ListenerAddr returns the actual bound address of the i'th binding's
// listener, with any ephemeral port resolved.
func (ps *ProxyServer) ListenerAddr(i int) string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.listeners[i].Addr()
}

func (ps *ProxyServer) openBindings(ctx context.Context, bindings []BindingConfig) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, b := range bindings {
		ln, err := Listen(ctx, ps.Logger, b.ListenAddr(), nil)
		if err != nil {
			return err
		}
		ps.listeners = append(ps.listeners, ln)
		ps.AddShutdownChild(ln)
		go ps.acceptLoop(ln, b)
	}
	return nil
}

// watchPartnerLeft stops accepting new connections once the multiplexer's
// dispatch loop observes a PartnerLeft message, reported by the gateway
// relay when the partnered proxy-client disconnects; existing flows are left
// to drain on their own, since a Data message referencing them will simply
// fail once the underlying connection goes down with it.
func (ps *ProxyServer) watchPartnerLeft() {
	select {
	case <-ps.mux.PartnerLeftChan():
		ps.WLog("partner left; closing listeners")
		ps.closeListeners()
	case <-ps.ShutdownStartedChan():
	}
}

func (ps *ProxyServer) closeListeners() {
	ps.mu.Lock()
	lns := ps.listeners
	ps.listeners = nil
	ps.mu.Unlock()
	for _, ln := range lns {
		ln.Close()
	}
}

func (ps *ProxyServer) acceptLoop(ln *TCPListener, b BindingConfig) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go ps.handleAccept(conn, b)
	}
}

func (ps *ProxyServer) handleAccept(conn net.Conn, b BindingConfig) {
	flow, err := ps.mux.OpenFlow(b.TargetHost, b.TargetPort)
	if err != nil {
		conn.Close()
		return
	}
	if !flow.WaitOpened() {
		conn.Close()
		return
	}
	flow.LocalSocket = conn
	ps.stats.Opened()
	NewPump(ps.Logger, ps.mux, flow)
	go func() {
		<-flow.CloseChan()
		ps.stats.Closed()
	}()
}

// HandleOnceShutdown sends a courtesy GoAway to the partnered proxy-client
// (relayed opaquely through the gateway) before the cascade closes the
// framed connection out from under it, then closes the local listeners;
// the multiplexer and framed connection are torn down by AddShutdownChild.
func (ps *ProxyServer) HandleOnceShutdown(completionErr error) error {
	if ps.mux != nil {
		ps.mux.SendGoAway(GoAwayNormal)
	}
	ps.closeListeners()
	return completionErr
}
