package tnshare

// ReadHalfCloser shuts down the read half of a bidirectional stream (e.g.
// *net.TCPConn.CloseRead), leaving the write half active.
type ReadHalfCloser interface {
	CloseRead() error
}

// WriteHalfCloser shuts down the write half of a bidirectional stream (e.g.
// *net.TCPConn.CloseWrite), leaving the read half active. Used by the
// Proxied-Flow Pump (spec §4.D) to implement half-close: a flow reaching
// half-closed-remote (the peer will send no more Data) calls CloseWrite on
// its local socket, propagating the FIN onward to the real target; a flow
// reaching half-closed-local (its own local socket hit read EOF) calls
// CloseRead.
type WriteHalfCloser interface {
	CloseWrite() error
}

// ReadWriteHalfCloser supports closing either half independently.
type ReadWriteHalfCloser interface {
	ReadHalfCloser
	WriteHalfCloser
}
