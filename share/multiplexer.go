package tnshare

import (
	"sync"
)

// Multiplexer fans a single FramedConn's Data/WindowUpdate/CloseConnection
// traffic out across many concurrently-open Flows, each identified by a
// 64-bit connection ID (spec §4.C). The window/credit bookkeeping here
// follows the pattern in SagerNet/smux's session type: a map of stream ID
// to stream state, guarded by one mutex, with per-stream send windows
// replenished by explicit update frames instead of smux's blanket session
// window.
type Multiplexer struct {
	ShutdownHelper

	conn *FramedConn

	mu       sync.Mutex
	flows    map[uint64]*Flow
	nextID   uint64
	isServer bool // server-assigned IDs are odd, client-assigned even, to avoid collisions

	acceptChan      chan *Flow
	partnerLeftChan chan struct{}
	partnerLeftOnce sync.Once
	goAwayChan      chan struct{}
	goAwayOnce      sync.Once
}

// NewMultiplexer wraps conn. isServer selects which half of the connection
// ID space this side allocates from, so both peers can open flows without
// coordinating a shared counter.
func NewMultiplexer(logger Logger, conn *FramedConn, isServer bool) *Multiplexer {
	m := &Multiplexer{
		conn:            conn,
		flows:           make(map[uint64]*Flow),
		isServer:        isServer,
		acceptChan:      make(chan *Flow, 16),
		partnerLeftChan: make(chan struct{}),
		goAwayChan:      make(chan struct{}),
	}
	if isServer {
		m.nextID = 1
	} else {
		m.nextID = 2
	}
	m.InitShutdownHelper(logger.Fork("mux"), m)
	m.DoOnceActivate(func() error {
		m.AddShutdownChild(conn)
		go m.dispatchLoop()
		return nil
	}, false)
	return m
}

// OpenFlow allocates a new connection ID and sends OpenConnection for
// (host, port). The returned Flow is in the Opening state until
// ConnectionOpened arrives.
func (m *Multiplexer) OpenFlow(host string, port uint16) (*Flow, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID += 2
	flow := NewFlow(id)
	m.flows[id] = flow
	m.mu.Unlock()

	payload, err := Encode(&OpenConnectionMsg{ID: id, Host: host, Port: port})
	if err != nil {
		return nil, err
	}
	if err := m.conn.SendFrame(payload); err != nil {
		m.removeFlow(id)
		return nil, err
	}
	return flow, nil
}

// AcceptFlow blocks until a peer-initiated OpenConnection arrives and
// returns the new Flow (in the Opening state; the caller is responsible for
// dialing the target and then calling AckOpened or CloseFlow).
func (m *Multiplexer) AcceptFlow() (*Flow, error) {
	select {
	case f, ok := <-m.acceptChan:
		if !ok {
			return nil, Errf(ErrKindIo, "multiplexer closed")
		}
		return f, nil
	case <-m.ShutdownStartedChan():
		return nil, Errf(ErrKindIo, "multiplexer closed")
	}
}

// PartnerLeftChan is closed once a PartnerLeft message arrives, reported by
// the gateway relay when the other session role disconnects.
func (m *Multiplexer) PartnerLeftChan() <-chan struct{} { return m.partnerLeftChan }

// GoAwayChan is closed once a GoAway message arrives from the partnered
// role, signaling it has begun a graceful shutdown and will open no more
// flows (existing ones continue draining normally).
func (m *Multiplexer) GoAwayChan() <-chan struct{} { return m.goAwayChan }

// SendGoAway tells the partnered role this side is shutting down gracefully.
func (m *Multiplexer) SendGoAway(code GoAwayCode) error {
	payload, err := Encode(&GoAwayMsg{Code: code})
	if err != nil {
		return err
	}
	return m.conn.SendFrame(payload)
}

// AckOpened sends ConnectionOpened for a flow accepted via AcceptFlow, once
// the local dial has succeeded.
func (m *Multiplexer) AckOpened(flow *Flow) error {
	flow.MarkOpen()
	payload, err := Encode(&ConnectionOpenedMsg{ID: flow.ID})
	if err != nil {
		return err
	}
	return m.conn.SendFrame(payload)
}

// SendData writes up to MaxChunk bytes for flow; a longer chunk is cut to
// MaxChunk and the rest is not sent. It does not block on flow control: if
// the window lacks credit for the chunk, nothing is sent and the
// IsWindowExhausted sentinel is returned. Callers (the Pump) chunk larger
// writes into repeated calls and wait on WindowReady themselves.
func (m *Multiplexer) SendData(flow *Flow, chunk []byte) error {
	if len(chunk) > MaxChunk {
		chunk = chunk[:MaxChunk]
	}
	if !flow.ReserveSend(int32(len(chunk))) {
		return errWindowExhausted
	}
	payload, err := Encode(&DataMsg{ID: flow.ID, Payload: chunk})
	if err != nil {
		return err
	}
	return m.conn.SendFrame(payload)
}

var errWindowExhausted = Errf(ErrKindIo, "send window exhausted")

// IsWindowExhausted reports whether err is the sentinel SendData returns
// when the flow's window needs replenishing before more data can go out.
func IsWindowExhausted(err error) bool { return err == errWindowExhausted }

// AnnounceReceived reports n freshly-delivered bytes for flow and, once the
// coalescing threshold is crossed, sends a WindowUpdate back to the peer.
func (m *Multiplexer) AnnounceReceived(flow *Flow, n int) error {
	credit := flow.AccrueReceive(int32(n))
	if credit == 0 {
		return nil
	}
	payload, err := Encode(&WindowUpdateMsg{ID: flow.ID, Credit: credit})
	if err != nil {
		return err
	}
	return m.conn.SendFrame(payload)
}

// CloseFlow sends an abortive CloseConnection for flow and removes it from
// the table, regardless of half-close state on either side. Two cooperating
// half-closes (see HalfCloseFlow) retire a flow that finishes cleanly;
// CloseFlow is for forced teardown (forbidden target, unreachable target,
// local write failure, overflow).
func (m *Multiplexer) CloseFlow(flow *Flow, reason CloseReason) error {
	flow.MarkClosed()
	m.removeFlow(flow.ID)
	payload, err := Encode(&CloseConnectionMsg{ID: flow.ID, Reason: reason})
	if err != nil {
		return err
	}
	return m.conn.SendFrame(payload)
}

// HalfCloseFlow tells the peer this side's local socket reached EOF; the
// flow stays in the table since the other direction may still be live.
func (m *Multiplexer) HalfCloseFlow(flow *Flow) error {
	payload, err := Encode(&CloseConnectionMsg{ID: flow.ID, Reason: CloseOK, HalfClose: true})
	if err != nil {
		return err
	}
	return m.conn.SendFrame(payload)
}

func (m *Multiplexer) removeFlow(id uint64) {
	m.mu.Lock()
	delete(m.flows, id)
	m.mu.Unlock()
}

func (m *Multiplexer) lookupFlow(id uint64) *Flow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flows[id]
}

// dispatchLoop is the single reader of the underlying FramedConn: it routes
// OpenConnection arrivals into acceptChan, Data/WindowUpdate/CloseConnection
// to the owning Flow, and PartnerLeft/GoAway to their respective channels.
// Nothing else may call conn.ReceiveFrame once a Multiplexer owns it.
func (m *Multiplexer) dispatchLoop() {
	defer close(m.acceptChan)
	for {
		frame, err := m.conn.ReceiveFrame()
		if err != nil {
			m.StartShutdown(err)
			return
		}
		msg, err := Decode(frame)
		if err != nil {
			m.StartShutdown(err)
			return
		}
		switch mm := msg.(type) {
		case *OpenConnectionMsg:
			flow := NewFlow(mm.ID)
			flow.pendingHost = mm.Host
			flow.pendingPort = mm.Port
			m.mu.Lock()
			m.flows[mm.ID] = flow
			m.mu.Unlock()
			select {
			case m.acceptChan <- flow:
			case <-m.ShutdownStartedChan():
				return
			}
		case *ConnectionOpenedMsg:
			if f := m.lookupFlow(mm.ID); f != nil {
				f.MarkOpen()
				f.deliverOpened()
			}
		case *DataMsg:
			if f := m.lookupFlow(mm.ID); f != nil {
				f.deliverData(mm.Payload)
			}
		case *WindowUpdateMsg:
			if f := m.lookupFlow(mm.ID); f != nil {
				f.GrantSend(mm.Credit)
			}
		case *CloseConnectionMsg:
			if f := m.lookupFlow(mm.ID); f != nil {
				if mm.HalfClose {
					f.deliverHalfCloseRemote()
				} else {
					f.deliverClose(mm.Reason)
					m.removeFlow(mm.ID)
				}
			}
		case *PartnerLeftMsg:
			m.partnerLeftOnce.Do(func() { close(m.partnerLeftChan) })
		case *GoAwayMsg:
			m.goAwayOnce.Do(func() { close(m.goAwayChan) })
		default:
			// Auth*/PartnerJoined are exchanged before the role state
			// machine hands the connection to a Multiplexer. The proxy-
			// server's OpenSession, relayed by the gateway, reaches a
			// proxy-client's Multiplexer here and is ignored, like any
			// other message type not handled above.
		}
	}
}

// HandleOnceShutdown closes every still-open flow's inbox so blocked
// readers (the Pump) unblock with an error instead of hanging forever.
func (m *Multiplexer) HandleOnceShutdown(completionErr error) error {
	m.mu.Lock()
	flows := make([]*Flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	m.mu.Unlock()
	for _, f := range flows {
		f.deliverClose(CloseAbort)
	}
	return completionErr
}
