package tnshare

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"
)

// DialTimeout bounds how long a proxy-client waits to connect to a
// requested target (spec §6).
const DialTimeout = 10 * time.Second

// ProxyClientState tracks a proxy-client connection's progress through the
// handshake (spec §4.E).
type ProxyClientState int

const (
	PCConnecting ProxyClientState = iota
	PCAuthenticating
	PCWaitingForPartner
	PCActive
	PCClosed
)

// ProxyClient dials a gateway, authenticates as the client role, and
// serves OpenConnection requests by dialing local targets (optionally
// filtered through an Allowlist).
type ProxyClient struct {
	ShutdownHelper

	cfg       ClientConfig
	allowlist *Allowlist

	state ProxyClientState
	fc    *FramedConn
	mux   *Multiplexer
	stats ConnStats
}

// RunProxyClient connects once and serves until the connection drops or
// ctx is canceled; callers wanting automatic reconnect should drive this
// from a Supervisor.
func RunProxyClient(ctx context.Context, logger Logger, cfg ClientConfig) error {
	pc := &ProxyClient{cfg: cfg, allowlist: NewAllowlist(cfg.Allowlist)}
	pc.InitShutdownHelper(logger.Fork("proxy-client"), pc)
	pc.ShutdownOnContext(ctx)

	pc.state = PCConnecting
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

	fc := NewFramedConn(pc.Logger, raw, 64)
	pc.fc = fc
	pc.AddShutdownChild(fc)

	pc.state = PCAuthenticating
	authPayload, err := Encode(&AuthenticateMsg{SessionID: cfg.SessionID, Role: RoleClient, Password: []byte(cfg.Password)})
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
		pc.ILog("authenticated")
	case *AuthFailedMsg:
		return Errf(ErrKindAuthFailed, "gateway rejected credentials")
	default:
		return Errf(ErrKindProtocol, "expected AuthOk/AuthFailed")
	}

	pc.state = PCWaitingForPartner
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
	pc.ILog("partner joined")

	pc.state = PCActive
	pc.mux = NewMultiplexer(pc.Logger, fc, false)
	pc.AddShutdownChild(pc.mux)

	go pc.serveFlows()

	<-pc.ShutdownStartedChan()
	return pc.WaitShutdown()
}

func (pc *ProxyClient) serveFlows() {
	for {
		flow, err := pc.mux.AcceptFlow()
		if err != nil {
			return
		}
		go pc.handleFlow(flow)
	}
}

func (pc *ProxyClient) handleFlow(flow *Flow) {
	host, port := flow.Target()
	if !pc.allowlist.Allows(host, port) {
		pc.WLogf("rejecting forbidden target %s:%d", host, port)
		pc.mux.CloseFlow(flow, CloseForbidden)
		return
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", target, DialTimeout)
	if err != nil {
		pc.WLogf("dial %s failed: %s", target, err)
		pc.mux.CloseFlow(flow, CloseUnreachable)
		return
	}
	flow.LocalSocket = conn
	if err := pc.mux.AckOpened(flow); err != nil {
		conn.Close()
		return
	}
	pc.stats.Opened()
	NewPump(pc.Logger, pc.mux, flow)
	go func() {
		<-flow.CloseChan()
		pc.stats.Closed()
	}()
}

// HandleOnceShutdown sends a courtesy GoAway to the partnered proxy-server
// (relayed opaquely through the gateway) before the cascade closes the
// framed connection out from under it; the multiplexer and framed
// connection are themselves torn down by AddShutdownChild.
func (pc *ProxyClient) HandleOnceShutdown(completionErr error) error {
	if pc.mux != nil {
		pc.mux.SendGoAway(GoAwayNormal)
	}
	return completionErr
}
