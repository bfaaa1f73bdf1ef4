package portfwd

import (
	"context"
	"fmt"
	"io"

	"github.com/sammck-go/logger"
)

// readerPump is the per-port loop draining the retained read half of a
// port's duplex endpoint in the caller-to-server direction. Each non-empty
// chunk becomes one outbound mailbox message tagged with the port's data
// channel; end-of-stream (the caller closed its write side, or the endpoint
// was released unclaimed) produces a single writer-done message and ends the
// pump. Any other local read failure is fatal for the whole multiplexer.
type readerPump struct {
	logger.Logger
	channel byte
	port    uint16
	source  io.Reader
	mailbox chan<- message
}

func newReaderPump(lg logger.Logger, channel byte, port uint16, source io.Reader, mailbox chan<- message) *readerPump {
	return &readerPump{
		Logger:  lg.ForkLogStr(fmt.Sprintf("[pump ch %d port %d]", channel, port)),
		channel: channel,
		port:    port,
		source:  source,
		mailbox: mailbox,
	}
}

func (p *readerPump) run(ctx context.Context) error {
	buf := make([]byte, DefaultStreamBufferSize)
	for {
		n, err := p.source.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if sendErr := sendMessage(ctx, p.mailbox, message{kind: msgToPod, channel: p.channel, data: data}); sendErr != nil {
				p.DLogf("dispatcher gone; dropping %d caller bytes: %s", n, sendErr)
				return fmt.Errorf("%w: %v", ErrForwardToPod, sendErr)
			}
		}
		if err == io.EOF {
			p.DLogf("caller stream reached end-of-stream")
			if sendErr := sendMessage(ctx, p.mailbox, message{kind: msgWriterDone, channel: p.channel}); sendErr != nil {
				return fmt.Errorf("%w: %v", ErrForwardToPod, sendErr)
			}
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				// torn down underneath us; not a local read failure
				return ctx.Err()
			}
			return fmt.Errorf("%w (port %d): %v", ErrReadBytesToSend, p.port, err)
		}
	}
}
