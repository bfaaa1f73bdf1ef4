package portfwd

import "context"

// messageKind discriminates the messages exchanged through the shared
// mailbox. The mailbox is the only form of cross-loop communication in this
// package; no dispatcher state is ever touched from another goroutine.
type messageKind int

const (
	// msgToPod carries caller bytes bound for the server, tagged with the
	// port's data channel.
	msgToPod messageKind = iota

	// msgFromPod carries server bytes received on a channel.
	msgFromPod

	// msgWriterDone signals that the caller finished writing to a port
	// (its stream reached end-of-stream).
	msgWriterDone

	// msgTransportClosed signals that the transport's close message was
	// received; the whole forwarding session is over.
	msgTransportClosed
)

type message struct {
	kind    messageKind
	channel byte
	data    []byte
}

// newMailbox creates the shared bounded mailbox. Its capacity of one message
// is deliberate: a dispatcher blocked on a slow transport write stalls every
// producer almost immediately, keeping the in-flight footprint trivially
// bounded and the per-port ordering easy to reason about.
func newMailbox() chan message {
	return make(chan message, 1)
}

// sendMessage enqueues m, giving up when the background task is torn down.
func sendMessage(ctx context.Context, mailbox chan<- message, m message) error {
	select {
	case mailbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
