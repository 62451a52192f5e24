package tnshare

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Timing constants from the wire contract (spec §6).
const (
	PingInterval  = 30 * time.Second
	IdleTimeout   = 120 * time.Second
	DrainDeadline = 2 * time.Second
)

// CloseMode selects how Close tears down the underlying transport.
type CloseMode int

const (
	// CloseGraceful flushes the send queue before closing.
	CloseGraceful CloseMode = iota
	// CloseAbortive closes immediately, discarding anything still queued.
	CloseAbortive
)

// FramedConn implements the length-prefixed frame transport of spec §6 over
// any net.Conn (plain TCP or a tls.Conn; both satisfy the interface, so TLS
// is a drop-in at the listener/dialer layer, not a codec concern). A
// zero-length frame is a ping/keepalive and never reaches ReceiveFrame's
// caller as a payload.
//
// Sends go through a bounded FIFO queue drained by one writer goroutine, so
// concurrent callers of SendFrame never interleave partial frames and a
// slow peer applies backpressure to that queue instead of to callers'
// goroutines directly.
type FramedConn struct {
	ShutdownHelper

	conn net.Conn

	sendQueue chan []byte
	recvChan  chan []byte
	recvErr   error

	lastRecv int64 // unix nanos; not written: readLoop's read deadline does idle supervision

	closeMode     int32 // atomic CloseMode; read by HandleOnceShutdown
	writeLoopDone chan struct{}
	readDone      chan struct{}
	readDoneOnce  sync.Once
}

// NewFramedConn wraps conn. sendQueueLen bounds how many outgoing frames may
// be buffered before SendFrame blocks.
func NewFramedConn(logger Logger, conn net.Conn, sendQueueLen int) *FramedConn {
	fc := &FramedConn{
		conn:          conn,
		sendQueue:     make(chan []byte, sendQueueLen),
		recvChan:      make(chan []byte, 16),
		closeMode:     int32(CloseGraceful),
		writeLoopDone: make(chan struct{}),
		readDone:      make(chan struct{}),
	}
	fc.InitShutdownHelper(logger.Fork("framed-conn %s", conn.RemoteAddr()), fc)
	fc.DoOnceActivate(func() error {
		go fc.readLoop()
		go fc.writeLoop()
		go fc.pingLoop()
		return nil
	}, false)
	return fc
}

// SendFrame enqueues payload (a codec-encoded message) for transmission.
// Blocks if the send queue is full. Returns an error if shutdown has
// already started.
func (fc *FramedConn) SendFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return Errf(ErrKindProtocol, "frame of %d bytes exceeds MaxFrameSize", len(payload))
	}
	select {
	case fc.sendQueue <- payload:
		return nil
	case <-fc.ShutdownStartedChan():
		return Errf(ErrKindIo, "framed connection is shutting down")
	}
}

// ReceiveFrame returns the next application frame (pings are consumed
// internally and never returned). Returns an error once the connection is
// closed or has failed.
func (fc *FramedConn) ReceiveFrame() ([]byte, error) {
	select {
	case f, ok := <-fc.recvChan:
		if !ok {
			return nil, fc.recvErr
		}
		return f, nil
	case <-fc.ShutdownStartedChan():
		return nil, Errf(ErrKindIo, "framed connection is shutting down")
	}
}

func (fc *FramedConn) readLoop() {
	var lenBuf [4]byte
	for {
		if IdleTimeout > 0 {
			fc.conn.SetReadDeadline(time.Now().Add(IdleTimeout))
		}
		_, err := io.ReadFull(fc.conn, lenBuf[:])
		if err != nil {
			fc.failRead(Errf(ErrKindTimeout, "read length prefix: %s", err))
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			// Ping: no payload, just resets the idle deadline above.
			continue
		}
		if n > MaxFrameSize {
			fc.failRead(Errf(ErrKindProtocol, "frame length %d exceeds MaxFrameSize", n))
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(fc.conn, payload); err != nil {
			fc.failRead(Errf(ErrKindIo, "read frame payload: %s", err))
			return
		}
		select {
		case fc.recvChan <- payload:
		case <-fc.ShutdownStartedChan():
			return
		}
	}
}

func (fc *FramedConn) failRead(err error) {
	fc.recvErr = err
	close(fc.recvChan)
	fc.readDoneOnce.Do(func() { close(fc.readDone) })
	fc.StartShutdown(err)
}

// writeLoop is the sole writer of fc.conn while shutdown is pending: it
// stops pulling from sendQueue as soon as shutdown starts and hands the
// queue over to HandleOnceShutdown's drain, so the two never write
// concurrently.
func (fc *FramedConn) writeLoop() {
	defer close(fc.writeLoopDone)
	for {
		select {
		case payload := <-fc.sendQueue:
			if err := fc.writeFrame(payload); err != nil {
				fc.StartShutdown(Errf(ErrKindIo, "write frame: %s", err))
				return
			}
		case <-fc.ShutdownStartedChan():
			return
		}
	}
}

// drainQueue flushes whatever is left in the send queue (best effort,
// bounded by DrainDeadline). Only ever called from HandleOnceShutdown,
// after writeLoopDone confirms writeLoop is no longer touching fc.conn.
func (fc *FramedConn) drainQueue() {
	deadline := time.NewTimer(DrainDeadline)
	defer deadline.Stop()
	for {
		select {
		case payload := <-fc.sendQueue:
			fc.writeFrame(payload)
		case <-deadline.C:
			return
		default:
			return
		}
	}
}

func (fc *FramedConn) writeFrame(payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := fc.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := fc.conn.Write(payload)
	return err
}

func (fc *FramedConn) pingLoop() {
	t := time.NewTicker(PingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			select {
			case fc.sendQueue <- []byte{}:
			case <-fc.ShutdownStartedChan():
				return
			}
		case <-fc.ShutdownStartedChan():
			return
		}
	}
}

// HandleOnceShutdown implements spec §4.A's close(mode) contract. It first
// waits for writeLoop to relinquish fc.conn, so draining never races a
// concurrent writer. CloseAbortive skips straight to SetLinger(0)+Close,
// discarding anything still queued. CloseGraceful (the default, used by a
// courtesy GoAway or a clean peer-initiated shutdown) flushes the send
// queue, half-closes the write side so the peer observes our EOF, and waits
// (bounded by DrainDeadline) for the read side to observe the peer's own
// EOF before finally closing.
func (fc *FramedConn) HandleOnceShutdown(completionErr error) error {
	<-fc.writeLoopDone

	if CloseMode(atomic.LoadInt32(&fc.closeMode)) == CloseAbortive {
		if tc, ok := fc.conn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
	} else {
		fc.drainQueue()
		// Only a transport that actually supports a write-side half-close
		// gives the peer anything to react to; waiting for its EOF only
		// makes sense in that case; net.Pipe and other plain io.ReadWriteClosers
		// get a direct close instead of an unbounded-feeling wait for nothing.
		if wc, ok := fc.conn.(WriteHalfCloser); ok {
			wc.CloseWrite()
			select {
			case <-fc.readDone:
			case <-time.After(DrainDeadline):
			}
		}
	}

	err := fc.conn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// AbortiveClose forces an immediate RST-style close (used by the gateway
// when it rejects a connection's authentication or a peer overflows its
// buffer) instead of the default graceful drain-then-close.
func (fc *FramedConn) AbortiveClose(completionErr error) error {
	atomic.StoreInt32(&fc.closeMode, int32(CloseAbortive))
	return fc.Shutdown(completionErr)
}
