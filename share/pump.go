package tnshare

import (
	"io"
	"net"
)

// Pump drives one Flow's local socket: a reader goroutine turns socket
// reads into Data traffic on the Multiplexer, suspending whenever the flow's
// send window is exhausted, and a writer goroutine turns received Data into
// socket writes and announces the consumed bytes back as WindowUpdate
// credit (spec §4.D). Grounded on the teacher's
// pipe-style bidirectional copy, generalized from a raw io.Copy pair into a
// window-aware, half-close-capable pair of loops.
type Pump struct {
	mux  *Multiplexer
	flow *Flow
	log  Logger
}

// NewPump starts pumping flow's LocalSocket against mux immediately; the
// caller must have already set flow.LocalSocket and marked the flow open:
// via AckOpened after a successful proxy-client dial, or after WaitOpened
// succeeds for a proxy-server accept.
func NewPump(logger Logger, mux *Multiplexer, flow *Flow) *Pump {
	p := &Pump{
		mux:  mux,
		flow: flow,
		log:  logger.Fork("pump %d", flow.ID),
	}
	go p.readSocketLoop()
	go p.writeSocketLoop()
	return p
}

// readSocketLoop reads from the local socket and forwards chunks as Data
// messages, respecting the flow's send window.
func (p *Pump) readSocketLoop() {
	buf := make([]byte, MaxChunk)
	for {
		n, err := p.flow.LocalSocket.Read(buf)
		if n > 0 {
			if werr := p.sendAll(buf[:n]); werr != nil {
				p.abort(CloseAbort)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				p.closeReadSide()
			} else {
				p.abort(CloseAbort)
			}
			return
		}
	}
}

// sendAll chunks payload into MaxChunk pieces and blocks on window
// exhaustion until either more credit arrives or the flow closes.
func (p *Pump) sendAll(payload []byte) error {
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxChunk {
			n = MaxChunk
		}
		chunk := payload[:n]
		for {
			err := p.mux.SendData(p.flow, chunk)
			if err == nil {
				break
			}
			if !IsWindowExhausted(err) {
				return err
			}
			select {
			case <-p.flow.WindowReady():
			case <-p.flow.CloseChan():
				return Errf(ErrKindIo, "flow closed while waiting for window")
			}
		}
		payload = payload[n:]
	}
	return nil
}

// closeReadSide reacts to local EOF: this side sends no more Data. The
// half-close always goes out over the wire so the peer can shut down its
// own write side; if the peer had already done the same, both directions
// are now done and this side retires the flow on its own, without waiting
// for any further message.
func (p *Pump) closeReadSide() {
	p.flow.MarkHalfClosedLocal()
	if rc, ok := p.flow.LocalSocket.(ReadHalfCloser); ok {
		rc.CloseRead()
	}
	p.mux.HalfCloseFlow(p.flow)
	if p.flow.State() == FlowClosed {
		p.retireLocally()
	}
}

// retireLocally tears down this side's view of a flow that finished via two
// half-closes rather than an abort: no further CloseConnection is needed,
// since the peer reaches the same conclusion from the half-close it already
// sent and received.
func (p *Pump) retireLocally() {
	p.flow.LocalSocket.Close()
	p.mux.removeFlow(p.flow.ID)
	p.flow.deliverClose(CloseOK)
}

// writeSocketLoop drains received Data for this flow into the local socket,
// announcing window credit back to the peer as bytes are consumed, until
// the peer half-closes (no more Data coming) or the flow is fully closed.
func (p *Pump) writeSocketLoop() {
	for {
		select {
		case payload, ok := <-p.flow.DataChan():
			if !ok {
				return
			}
			if _, err := p.flow.LocalSocket.Write(payload); err != nil {
				p.abort(CloseAbort)
				return
			}
			p.mux.AnnounceReceived(p.flow, len(payload))
		case <-p.flow.HalfCloseRemoteChan():
			p.drainAndCloseWriteSide()
			return
		case <-p.flow.CloseChan():
			return
		}
	}
}

// drainAndCloseWriteSide flushes any Data already buffered ahead of the
// half-close notification (dispatchLoop delivers frames for one flow in
// order, so nothing for this ID arrives after its half-close) before
// shutting down the local socket's write side.
func (p *Pump) drainAndCloseWriteSide() {
	for {
		select {
		case payload, ok := <-p.flow.DataChan():
			if !ok {
				p.closeWriteSide()
				return
			}
			if _, err := p.flow.LocalSocket.Write(payload); err != nil {
				p.abort(CloseAbort)
				return
			}
			p.mux.AnnounceReceived(p.flow, len(payload))
		default:
			p.closeWriteSide()
			return
		}
	}
}

// closeWriteSide reacts to the peer's half-close: no more Data will ever
// arrive for this flow, so the local socket's write side is shut down,
// propagating a real FIN on to whatever is on the other end of it (the
// dialed target for a proxy-client, the accepted caller for a proxy-server).
// The read side is left open, since the local socket may still have bytes
// of its own to send back before it closes on its own. If this side had
// already half-closed too, the flow is done in both directions and gets
// retired now.
func (p *Pump) closeWriteSide() {
	if wc, ok := p.flow.LocalSocket.(WriteHalfCloser); ok {
		wc.CloseWrite()
	}
	if p.flow.State() == FlowClosed {
		p.retireLocally()
	}
}

func (p *Pump) abort(reason CloseReason) {
	p.log.DLogf("aborting: %s", reason)
	if tc, ok := p.flow.LocalSocket.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	p.flow.LocalSocket.Close()
	p.mux.CloseFlow(p.flow, reason)
}
