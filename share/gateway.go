package tnshare

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// AuthTimeout bounds how long a freshly-accepted connection has to send a
// valid Authenticate message before the gateway gives up on it.
const AuthTimeout = 5 * time.Second

// gatewayPeer is one authenticated side (client or server role) of a
// session slot. While its slot's opposite side is empty, frames it sends
// are queued here (spec §4.E: "frames are queued up to PeerBuffer = 1 MiB;
// past that, the sender is closed with PeerOverflow") rather than dropped,
// so a proxy-server's OpenSession isn't lost just because it connects
// before its proxy-client partner does.
type gatewayPeer struct {
	conn *FramedConn
	role Role

	mu       sync.Mutex
	partner  *gatewayPeer
	buffered [][]byte
	bufBytes int
}

// setPartner pairs p with other, flushing anything p buffered while alone
// to other's connection, in order, before live forwarding begins.
func (p *gatewayPeer) setPartner(other *gatewayPeer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partner = other
	for _, f := range p.buffered {
		p.conn.DLogf("flushing %d buffered bytes to new partner", len(f))
		other.conn.SendFrame(f)
	}
	p.buffered = nil
	p.bufBytes = 0
}

func (p *gatewayPeer) getPartner() *gatewayPeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.partner
}

// forward sends frame to p's current partner, or buffers it (bounded by
// GatewayPeerBuf) if p has none yet. Returns true if buffering frame would
// exceed GatewayPeerBuf, in which case the caller must close p's connection
// with PeerOverflow instead.
func (p *gatewayPeer) forward(frame []byte) (overflow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.partner != nil {
		p.partner.conn.SendFrame(frame)
		return false
	}
	if p.bufBytes+len(frame) > GatewayPeerBuf {
		return true
	}
	p.buffered = append(p.buffered, frame)
	p.bufBytes += len(frame)
	return false
}

// gatewaySession holds the client and server slots for one session ID.
// Once both are filled the gateway transparently relays frames between
// them without interpreting the tunnel protocol carried inside — it only
// ever decodes the Authenticate frame on each new connection; everything
// else (OpenSession, OpenConnection, Data, WindowUpdate, ...) passes
// through as opaque frame payloads, exactly as spec §4.E describes the
// gateway's role: rendezvous and relay, not a mux participant.
type gatewaySession struct {
	mu     sync.Mutex
	client *gatewayPeer
	server *gatewayPeer
}

// Gateway implements the rendezvous role of spec §4.E: it accepts
// connections from both proxy-clients and proxy-servers, authenticates
// each against the configured session table, pairs same-session peers into
// slots, and relays frames between a paired client and server.
type Gateway struct {
	ShutdownHelper

	cfg       GatewayConfig
	store     *SessionStore
	listeners []*TCPListener

	mu       sync.Mutex
	sessions map[uint32]*gatewaySession
}

// NewGateway loads the session table, binds every configured listener, and
// starts accepting connections.
func NewGateway(ctx context.Context, logger Logger, cfg GatewayConfig) (*Gateway, error) {
	g := &Gateway{cfg: cfg, sessions: make(map[uint32]*gatewaySession)}
	g.InitShutdownHelper(logger.Fork("gateway"), g)
	err := g.DoOnceActivate(func() error {
		g.ShutdownOnContext(ctx)
		store, err := LoadSessionStore(g.Logger, cfg.SessionFile)
		if err != nil {
			return err
		}
		g.store = store
		g.AddShutdownChild(store)

		for _, lc := range cfg.Listeners {
			var tlsConfig *tls.Config
			if lc.TLSCert != "" {
				cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
				if err != nil {
					return g.Errorf("load tls cert for %s: %s", lc.Addr(), err)
				}
				tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
			}
			ln, err := Listen(ctx, g.Logger, lc.Addr(), tlsConfig)
			if err != nil {
				return err
			}
			g.listeners = append(g.listeners, ln)
			g.AddShutdownChild(ln)
			go g.acceptLoop(ln)
		}
		return nil
	}, true)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// ListenerAddr returns the actual bound address of the i'th configured
// listener, useful for tests that bind to an ephemeral port.
func (g *Gateway) ListenerAddr(i int) string {
	return g.listeners[i].Addr()
}

func (g *Gateway) acceptLoop(ln *TCPListener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go g.handleConn(conn)
	}
}

func (g *Gateway) handleConn(raw net.Conn) {
	logger := g.Fork("conn %s", raw.RemoteAddr())
	fc := NewFramedConn(logger, raw, 64)

	raw.SetReadDeadline(time.Now().Add(AuthTimeout))
	frame, err := fc.ReceiveFrame()
	raw.SetReadDeadline(time.Time{})
	if err != nil {
		logger.DLogf("no authenticate frame: %s", err)
		fc.AbortiveClose(err)
		return
	}
	msg, err := Decode(frame)
	if err != nil {
		logger.DLogf("bad authenticate frame: %s", err)
		fc.AbortiveClose(err)
		return
	}
	auth, ok := msg.(*AuthenticateMsg)
	if !ok {
		logger.DLog("expected Authenticate as first message")
		fc.AbortiveClose(Errf(ErrKindProtocol, "first message must be Authenticate"))
		return
	}

	session := g.store.Table().Lookup(auth.SessionID)
	if session == nil || !session.CheckPassword(auth.Role, auth.Password) {
		logger.WLogf("auth failed for session %d role %s", auth.SessionID, auth.Role)
		payload, _ := Encode(&AuthFailedMsg{})
		fc.SendFrame(payload)
		fc.AbortiveClose(Errf(ErrKindAuthFailed, "bad credentials"))
		return
	}

	payload, err := Encode(&AuthOkMsg{})
	if err != nil || fc.SendFrame(payload) != nil {
		fc.AbortiveClose(Errf(ErrKindIo, "send AuthOk failed"))
		return
	}
	logger.ILogf("session %d role %s joined", auth.SessionID, auth.Role)
	g.joinSlot(auth.SessionID, auth.Role, fc, logger)
}

func (g *Gateway) getOrCreateSession(id uint32) *gatewaySession {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sessions[id]
	if s == nil {
		s = &gatewaySession{}
		g.sessions[id] = s
	}
	return s
}

func (g *Gateway) joinSlot(sessionID uint32, role Role, conn *FramedConn, logger Logger) {
	sess := g.getOrCreateSession(sessionID)
	peer := &gatewayPeer{conn: conn, role: role}

	sess.mu.Lock()
	var evicted *gatewayPeer
	var partner *gatewayPeer
	if role == RoleClient {
		evicted = sess.client
		sess.client = peer
		partner = sess.server
	} else {
		evicted = sess.server
		sess.server = peer
		partner = sess.client
	}
	sess.mu.Unlock()

	if evicted != nil {
		logger.ILogf("evicting prior %s for session %d", role, sessionID)
		// Detach the incumbent so frames it still reads are buffered into its
		// own dying connection and discarded, not relayed to the partner.
		evicted.mu.Lock()
		evicted.partner = nil
		evicted.mu.Unlock()
		if payload, err := Encode(&GoAwayMsg{Code: GoAwayEvicted}); err == nil {
			evicted.conn.SendFrame(payload)
		}
		evicted.conn.StartShutdown(Errf(ErrKindEvicted, "replaced by new connection"))
	}

	if partner != nil {
		joined, _ := Encode(&PartnerJoinedMsg{})
		peer.conn.SendFrame(joined)
		partner.conn.SendFrame(joined)
		peer.setPartner(partner)
		partner.setPartner(peer)
	}

	go g.pumpPeer(sess, sessionID, role, peer, logger)
}

// pumpPeer is the single reader of peer.conn for the life of the
// connection, whether or not a partner has joined yet: frames are relayed
// live once paired, buffered (and, past GatewayPeerBuf, overflow-closed)
// while alone. Reusing one loop across both states, instead of handing off
// from a separate buffering goroutine to a separate relay goroutine once
// paired, keeps peer.conn's ReceiveFrame single-reader for its whole
// lifetime.
func (g *Gateway) pumpPeer(sess *gatewaySession, sessionID uint32, role Role, peer *gatewayPeer, logger Logger) {
	for {
		frame, err := peer.conn.ReceiveFrame()
		if err != nil {
			break
		}
		if peer.forward(frame) {
			logger.WLogf("session %d role %s exceeded peer buffer of %d bytes", sessionID, role, GatewayPeerBuf)
			payload, _ := Encode(&GoAwayMsg{Code: GoAwayOverload})
			peer.conn.SendFrame(payload)
			peer.conn.AbortiveClose(Errf(ErrKindProtocol, "peer buffer exceeded %d bytes", GatewayPeerBuf))
			break
		}
	}
	g.leaveSlot(sess, role, peer)
}

// leaveSlot clears peer's slot, provided it is still the occupant (an
// evicted peer's own pump exiting later must not clobber its replacement),
// and tells its partner, if any, that it left.
func (g *Gateway) leaveSlot(sess *gatewaySession, role Role, peer *gatewayPeer) {
	sess.mu.Lock()
	stillCurrent := false
	if role == RoleClient && sess.client == peer {
		sess.client = nil
		stillCurrent = true
	} else if role == RoleServer && sess.server == peer {
		sess.server = nil
		stillCurrent = true
	}
	sess.mu.Unlock()

	if !stillCurrent {
		return
	}
	if partner := peer.getPartner(); partner != nil {
		leftMsg, _ := Encode(&PartnerLeftMsg{})
		partner.conn.SendFrame(leftMsg)
	}
}

// HandleOnceShutdown does no teardown of its own: AddShutdownChild already
// wired each listener and the session store into this gateway's cascading
// shutdown, which closes them once this returns.
func (g *Gateway) HandleOnceShutdown(completionErr error) error {
	return completionErr
}
