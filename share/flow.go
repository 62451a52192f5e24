package tnshare

import (
	"net"
	"sync"
)

// FlowState tracks a Proxied Flow's half-close progress (spec §4.D).
type FlowState int

const (
	FlowOpening FlowState = iota
	FlowOpen
	FlowHalfClosedLocal  // local socket hit read EOF; no more Data sent, still writing to socket
	FlowHalfClosedRemote // peer sent no more Data; socket write side closed, still reading
	FlowClosed
)

func (s FlowState) String() string {
	switch s {
	case FlowOpening:
		return "opening"
	case FlowOpen:
		return "open"
	case FlowHalfClosedLocal:
		return "half-closed-local"
	case FlowHalfClosedRemote:
		return "half-closed-remote"
	case FlowClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Flow-control constants (spec §6 recommendations).
const (
	InitialWindow   = 384 * 1024
	MaxChunk        = 16 * 1024
	CoalesceBelow   = InitialWindow / 2
	GatewayPeerBuf  = 1 << 20
)

// Flow is one proxied TCP connection multiplexed over a session's framed
// connection: a local socket on one side, a connection ID understood by
// both peers, and independent per-direction byte-credit windows.
type Flow struct {
	ID uint64

	mu    sync.Mutex
	state FlowState

	// sendWindow is how many more bytes of Data this side may send before
	// it must wait for a WindowUpdate from the peer.
	sendWindow int32

	// receiveCredit is how many bytes this side has received but not yet
	// announced back to the peer via WindowUpdate.
	receiveCredit int32

	// LocalSocket is the local TCP connection this flow pumps bytes to/from:
	// for a proxy-server it's the accepted inbound client connection; for a
	// proxy-client it's the dialed connection to the requested target.
	LocalSocket net.Conn

	// pendingHost/pendingPort carry the target from a peer-initiated
	// OpenConnection until the Pump dials it and calls AckOpened.
	pendingHost string
	pendingPort uint16

	dataChan           chan []byte
	openedChan         chan struct{}
	closedChan         chan struct{}
	halfCloseRemoteCh  chan struct{}
	windowSignal       chan struct{}
	reason             CloseReason

	closeOnce          sync.Once
	openedOnce         sync.Once
	halfCloseRemoteOnce sync.Once
}

// NewFlow creates a flow in the opening state with the recommended initial
// send window.
func NewFlow(id uint64) *Flow {
	return &Flow{
		ID:                id,
		state:             FlowOpening,
		sendWindow:        InitialWindow,
		dataChan:          make(chan []byte, 64),
		openedChan:        make(chan struct{}),
		closedChan:        make(chan struct{}),
		halfCloseRemoteCh: make(chan struct{}),
		windowSignal:      make(chan struct{}, 1),
	}
}

// Target returns the (host, port) a peer-initiated OpenConnection asked to
// reach; only meaningful for flows obtained via Multiplexer.AcceptFlow.
func (f *Flow) Target() (string, uint16) { return f.pendingHost, f.pendingPort }

// deliverData hands a received Data payload to whoever is pumping this
// flow's local socket. Dropped silently if the flow already closed.
func (f *Flow) deliverData(payload []byte) {
	select {
	case f.dataChan <- payload:
	case <-f.closedChan:
	}
}

// deliverOpened signals a ConnectionOpened arrival to a caller blocked in
// WaitOpened. Safe to call more than once.
func (f *Flow) deliverOpened() {
	f.openedOnce.Do(func() { close(f.openedChan) })
}

// deliverClose signals a CloseConnection (or multiplexer teardown) to
// anyone reading DataChan or waiting on WaitOpened. Safe to call more than
// once; only the first reason sticks.
func (f *Flow) deliverClose(reason CloseReason) {
	f.closeOnce.Do(func() {
		f.reason = reason
		close(f.closedChan)
	})
}

// deliverHalfCloseRemote signals that the peer's local socket hit EOF and
// will send no more Data for this flow; it does not by itself retire the
// flow, since the other direction may still be carrying traffic.
func (f *Flow) deliverHalfCloseRemote() {
	f.MarkHalfClosedRemote()
	f.halfCloseRemoteOnce.Do(func() { close(f.halfCloseRemoteCh) })
}

// HalfCloseRemoteChan is closed once the peer has signaled it will send no
// more Data for this flow (spec's half-closed-remote transition).
func (f *Flow) HalfCloseRemoteChan() <-chan struct{} { return f.halfCloseRemoteCh }

// DataChan streams received Data payloads for this flow. Does not close on
// flow teardown; select on CloseChan alongside it.
func (f *Flow) DataChan() <-chan []byte { return f.dataChan }

// WaitOpened blocks until ConnectionOpened arrives or the flow closes
// first, returning false in the latter case.
func (f *Flow) WaitOpened() bool {
	select {
	case <-f.openedChan:
		return true
	case <-f.closedChan:
		return false
	}
}

// CloseChan is closed once the flow is torn down; Reason() then reports why.
func (f *Flow) CloseChan() <-chan struct{} { return f.closedChan }

// Reason reports the close reason, valid only after CloseChan fires.
func (f *Flow) Reason() CloseReason { return f.reason }

func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) setState(s FlowState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// MarkOpen transitions Opening -> Open once ConnectionOpened is observed
// (proxy-server side, which sent OpenConnection) or immediately after a
// successful local dial (proxy-client side, which dialed the target itself).
func (f *Flow) MarkOpen() { f.setState(FlowOpen) }

// MarkHalfClosedLocal records that this side has stopped sending Data for
// this flow (its local socket's read side reached EOF).
func (f *Flow) MarkHalfClosedLocal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == FlowHalfClosedRemote {
		f.state = FlowClosed
	} else if f.state == FlowOpen {
		f.state = FlowHalfClosedLocal
	}
}

// MarkHalfClosedRemote records that the peer has signaled it will send no
// more Data for this flow.
func (f *Flow) MarkHalfClosedRemote() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == FlowHalfClosedLocal {
		f.state = FlowClosed
	} else if f.state == FlowOpen {
		f.state = FlowHalfClosedRemote
	}
}

func (f *Flow) MarkClosed() { f.setState(FlowClosed) }

func (f *Flow) IsClosed() bool { return f.State() == FlowClosed }

// ReserveSend deducts n bytes from the send window, returning false if the
// window doesn't have enough credit (caller must wait for WindowUpdate).
func (f *Flow) ReserveSend(n int32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendWindow < n {
		return false
	}
	f.sendWindow -= n
	return true
}

// SendWindow returns the currently available send credit.
func (f *Flow) SendWindow() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendWindow
}

// GrantSend applies an incoming WindowUpdate's credit and wakes any Pump
// goroutine parked in sendAll waiting on WindowReady.
func (f *Flow) GrantSend(credit uint32) {
	f.mu.Lock()
	f.sendWindow += int32(credit)
	f.mu.Unlock()
	select {
	case f.windowSignal <- struct{}{}:
	default:
	}
}

// WindowReady is signaled (best-effort, coalesced) whenever GrantSend adds
// credit, so a Pump blocked on an exhausted send window can recheck.
func (f *Flow) WindowReady() <-chan struct{} { return f.windowSignal }

// AccrueReceive records n freshly-received bytes and reports how much
// credit should be announced back now (0 if below the coalescing
// threshold, per spec's recommended InitialWindow/2 coalescing policy).
func (f *Flow) AccrueReceive(n int32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiveCredit += n
	if f.receiveCredit >= CoalesceBelow {
		credit := f.receiveCredit
		f.receiveCredit = 0
		return uint32(credit)
	}
	return 0
}
