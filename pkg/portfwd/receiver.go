package portfwd

import (
	"context"
	"fmt"

	"github.com/sammck-go/logger"
)

// transportReceiver is the single loop draining the server-to-caller
// direction of the transport. Binary messages longer than one byte are split
// into (channel, payload) and forwarded to the dispatcher through the
// mailbox; the transport's close message becomes a session-wide close signal
// and ends the loop. Every other message shape is ignored, since the
// sub-protocol defines no other inbound message kinds.
type transportReceiver struct {
	logger.Logger
	transport Transport
	mailbox   chan<- message
}

func newTransportReceiver(lg logger.Logger, transport Transport, mailbox chan<- message) *transportReceiver {
	return &transportReceiver{
		Logger:    lg.ForkLogStr("[receiver]"),
		transport: transport,
		mailbox:   mailbox,
	}
}

func (r *transportReceiver) run(ctx context.Context) error {
	for {
		kind, data, err := r.transport.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				// torn down underneath us; the read failure is a consequence
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrReceiveWebSocketMessage, err)
		}
		switch kind {
		case MessageClose:
			r.DLogf("transport close message received; ending receive loop")
			if sendErr := sendMessage(ctx, r.mailbox, message{kind: msgTransportClosed}); sendErr != nil {
				return fmt.Errorf("%w: %v", ErrForwardFromPod, sendErr)
			}
			return nil
		case MessageBinary:
			if len(data) <= 1 {
				// no channel byte, or a channel byte with no payload;
				// nothing to route
				continue
			}
			if sendErr := sendMessage(ctx, r.mailbox, message{kind: msgFromPod, channel: data[0], data: data[1:]}); sendErr != nil {
				return fmt.Errorf("%w: %v", ErrForwardFromPod, sendErr)
			}
		default:
			r.DLogf("ignoring non-binary transport message")
		}
	}
}
