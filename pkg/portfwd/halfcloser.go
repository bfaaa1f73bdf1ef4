package portfwd

// WriteHalfCloser is an interface for bidirectional io streams that implement
// CloseWrite()
type WriteHalfCloser interface {
	// CloseWrite shuts down the writing half of a bidirectional io stream.
	// Corresponds to net.TCPConn.CloseWrite(). This method is called by the
	// writer to indicate end-of-stream; no further writes are possible after
	// this call. However, the read half of the bidirectional stream remains
	// active. It allows for protocols like HTTP 1.0 in which a client sends a
	// request, closes the write side of the socket, then reads the response,
	// and a server reads a request until end-of-stream before sending a
	// response.
	CloseWrite() error
}
