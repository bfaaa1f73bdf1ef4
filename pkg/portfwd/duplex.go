package portfwd

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ringPipe is a fixed-capacity, in-process byte pipe with independently
// closable read and write ends. A Read blocks while the pipe is empty; a
// Write blocks while it is full, so the pipe's capacity bounds the memory a
// slow consumer can pin.
//
// CloseWrite signals end-of-stream: the reader drains whatever is buffered
// and then sees io.EOF. CloseRead is a hard teardown of the reading end:
// pending and future Reads and Writes fail with io.ErrClosedPipe.
type ringPipe struct {
	mu          sync.Mutex
	cond        *sync.Cond
	buf         []byte
	start       int
	size        int
	writeClosed bool
	readClosed  bool
}

func newRingPipe(capacity int) *ringPipe {
	p := &ringPipe{buf: make([]byte, capacity)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *ringPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.size == 0 && !p.writeClosed && !p.readClosed {
		p.cond.Wait()
	}
	if p.readClosed {
		return 0, io.ErrClosedPipe
	}
	if p.size == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(b) && p.size > 0 {
		chunk := len(p.buf) - p.start
		if chunk > p.size {
			chunk = p.size
		}
		if chunk > len(b)-n {
			chunk = len(b) - n
		}
		copy(b[n:n+chunk], p.buf[p.start:p.start+chunk])
		p.start = (p.start + chunk) % len(p.buf)
		p.size -= chunk
		n += chunk
	}
	p.cond.Broadcast()
	return n, nil
}

func (p *ringPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for len(b) > 0 {
		for p.size == len(p.buf) && !p.writeClosed && !p.readClosed {
			p.cond.Wait()
		}
		if p.writeClosed || p.readClosed {
			return total, io.ErrClosedPipe
		}
		end := (p.start + p.size) % len(p.buf)
		chunk := len(p.buf) - end
		if chunk > len(p.buf)-p.size {
			chunk = len(p.buf) - p.size
		}
		if chunk > len(b) {
			chunk = len(b)
		}
		copy(p.buf[end:end+chunk], b[:chunk])
		p.size += chunk
		b = b[chunk:]
		total += chunk
		p.cond.Broadcast()
	}
	return total, nil
}

// CloseWrite marks end-of-stream for the reader. Idempotent.
func (p *ringPipe) CloseWrite() {
	p.mu.Lock()
	p.writeClosed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// CloseRead tears down the reading end; buffered bytes are discarded.
// Idempotent.
func (p *ringPipe) CloseRead() {
	p.mu.Lock()
	p.readClosed = true
	p.size = 0
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *ringPipe) close() {
	p.mu.Lock()
	p.writeClosed = true
	p.readClosed = true
	p.size = 0
	p.mu.Unlock()
	p.cond.Broadcast()
}

// duplexEndpoint is one forwarded port's in-process connection: a bounded
// pipe per direction. The caller-facing ends are bundled into a Stream; the
// retained ends are split, with the outbound read half owned by that port's
// reader pump and the inbound write half owned by the dispatcher.
type duplexEndpoint struct {
	inbound  *ringPipe // server -> caller
	outbound *ringPipe // caller -> server
}

func newDuplexEndpoint(bufferSize int) *duplexEndpoint {
	return &duplexEndpoint{
		inbound:  newRingPipe(bufferSize),
		outbound: newRingPipe(bufferSize),
	}
}

// closeHard tears down both directions without flushing, waking any blocked
// reader or writer on either end.
func (ep *duplexEndpoint) closeHard() {
	ep.inbound.close()
	ep.outbound.close()
}

// pumpSource is the retained read half of a port's outbound pipe, owned
// exclusively by that port's reader pump.
func (ep *duplexEndpoint) pumpSource() io.Reader {
	return ep.outbound
}

// sink returns the retained write half of a port's inbound pipe, owned
// exclusively by the dispatcher.
func (ep *duplexEndpoint) sink() *portSink {
	return &portSink{pipe: ep.inbound}
}

// portSink is the dispatcher-owned write half of one port's inbound pipe.
type portSink struct {
	pipe *ringPipe
}

func (s *portSink) Write(b []byte) (int, error) {
	return s.pipe.Write(b)
}

// Close flushes nothing (writes are synchronous) and marks end-of-stream so
// the caller's next Read returns io.EOF.
func (s *portSink) Close() error {
	s.pipe.CloseWrite()
	return nil
}

var nextStreamID int32

// allocStreamID allocates a unique Stream id number, for logging purposes
func allocStreamID() int32 {
	return atomic.AddInt32(&nextStreamID, 1)
}

// Stream is the caller-facing end of one forwarded port's duplex endpoint.
// It looks and acts like a socket: Reads yield bytes the server sent on the
// port's data channel, Writes are forwarded to the server tagged with the
// port's channel id. CloseWrite half-closes in the caller-to-server
// direction; once every forwarded port has been closed locally, the
// forwarder sends its transport-level close message.
//
// A Stream is obtained at most once per port via PortForwarder.TakeStream
// and is safe for one concurrent reader and one concurrent writer.
type Stream struct {
	port            uint16
	strname         string
	inbound         *ringPipe
	outbound        *ringPipe
	numBytesRead    int64
	numBytesWritten int64
}

func newStream(port uint16, ep *duplexEndpoint) *Stream {
	return &Stream{
		port:     port,
		strname:  fmt.Sprintf("[%d]Stream(port %d)", allocStreamID(), port),
		inbound:  ep.inbound,
		outbound: ep.outbound,
	}
}

// Port returns the remote port this stream forwards to.
func (s *Stream) Port() uint16 {
	return s.port
}

func (s *Stream) String() string {
	return s.strname
}

// Read implements the Reader interface
func (s *Stream) Read(p []byte) (n int, err error) {
	n, err = s.inbound.Read(p)
	atomic.AddInt64(&s.numBytesRead, int64(n))
	return n, err
}

// Write implements the Writer interface
func (s *Stream) Write(p []byte) (n int, err error) {
	n, err = s.outbound.Write(p)
	atomic.AddInt64(&s.numBytesWritten, int64(n))
	return n, err
}

// CloseWrite shuts down the caller-to-server direction. The reader pump sees
// end-of-stream after draining buffered bytes, and the port is counted toward
// the forwarder's close sequencing. Reads remain possible until the server
// side shuts down. Part of the WriteHalfCloser interface.
func (s *Stream) CloseWrite() error {
	s.outbound.CloseWrite()
	return nil
}

// Close shuts down both directions: the write side as in CloseWrite, and the
// read side hard, discarding anything the server sends afterward.
func (s *Stream) Close() error {
	s.outbound.CloseWrite()
	s.inbound.CloseRead()
	return nil
}

// GetNumBytesRead returns the number of bytes read so far from the Stream
func (s *Stream) GetNumBytesRead() int64 {
	return atomic.LoadInt64(&s.numBytesRead)
}

// GetNumBytesWritten returns the number of bytes written so far to the Stream
func (s *Stream) GetNumBytesWritten() int64 {
	return atomic.LoadInt64(&s.numBytesWritten)
}
