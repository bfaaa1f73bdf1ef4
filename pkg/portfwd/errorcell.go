package portfwd

import "sync"

// errorCell is a per-port, single-producer/single-consumer one-shot cell for
// the server's error-channel message. The producer side belongs exclusively
// to the dispatcher and accepts at most one delivery; the consumer side is a
// channel handed to the caller at most once via PortForwarder.TakeError.
//
// The consumer channel yields at most one message and is then closed; a
// close without a value means the multiplexer terminated without the server
// ever sending an error for that port.
type errorCell struct {
	mu        sync.Mutex
	ch        chan string
	delivered bool
	closed    bool
}

func newErrorCell() *errorCell {
	return &errorCell{ch: make(chan string, 1)}
}

// deliver hands the server's error message to the consumer. It returns false
// if the cell's single delivery was already consumed. A delivery after drop
// is accepted and discarded; the session is already tearing down and nobody
// is listening.
func (c *errorCell) deliver(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delivered {
		return false
	}
	c.delivered = true
	if c.closed {
		return true
	}
	c.ch <- msg
	close(c.ch)
	c.closed = true
	return true
}

// drop resolves the consumer side with no value. Idempotent.
func (c *errorCell) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.ch)
		c.closed = true
	}
}

// consumer returns the caller-facing receive side of the cell.
func (c *errorCell) consumer() <-chan string {
	return c.ch
}
