package portfwd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/sammck-go/logger"
)

// dispatcher is the single loop owning all mutable multiplexer state: the
// per-channel handshake/shutdown flags, every port's sink, every error cell,
// and the transport's write side. All other loops talk to it exclusively
// through the mailbox, so none of this state needs a lock.
type dispatcher struct {
	logger.Logger
	transport Transport
	registry  *portRegistry
	mailbox   <-chan message
	stats     *ForwardStats

	states      []channelState // one per channel id, 2N entries
	sinks       []*portSink    // one per port, indexed by ports position
	errorCells  []*errorCell   // one per port, indexed by ports position
	closedPorts int
	sentClose   bool
}

func newDispatcher(lg logger.Logger, transport Transport, registry *portRegistry,
	mailbox <-chan message, sinks []*portSink, cells []*errorCell, stats *ForwardStats) *dispatcher {
	return &dispatcher{
		Logger:     lg.ForkLogStr("[dispatcher]"),
		transport:  transport,
		registry:   registry,
		mailbox:    mailbox,
		stats:      stats,
		states:     make([]channelState, registry.numChannels()),
		sinks:      sinks,
		errorCells: cells,
	}
}

func (d *dispatcher) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-d.mailbox:
			if !ok {
				d.DLogf("mailbox drained; dispatcher done %v", d.stats)
				return nil
			}
			if err := d.handle(m); err != nil {
				return err
			}
		}
	}
}

func (d *dispatcher) handle(m message) error {
	switch m.kind {
	case msgToPod:
		return d.sendToPod(m.channel, m.data)
	case msgFromPod:
		return d.routeFromPod(m.channel, m.data)
	case msgWriterDone:
		return d.finishWriter(m.channel)
	case msgTransportClosed:
		return d.transportClosed()
	}
	return nil
}

// sendToPod frames caller bytes as [channel, payload...] and writes them to
// the transport, in the exact order they were drained from the mailbox.
func (d *dispatcher) sendToPod(ch byte, data []byte) error {
	frame := make([]byte, len(data)+1)
	frame[0] = ch
	copy(frame[1:], data)
	if err := d.transport.WriteMessage(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrSendWebSocketMessage, err)
	}
	return nil
}

// routeFromPod validates and routes one inbound (channel, payload) pair. The
// first frame on any channel is the 2-byte little-endian port handshake; it
// is consumed here and never forwarded. After that, even channels carry raw
// port bytes for the port's stream and odd channels carry the port's single
// UTF-8 error message.
func (d *dispatcher) routeFromPod(ch byte, data []byte) error {
	if !d.registry.validChannel(ch) {
		return fmt.Errorf("%w: channel %d with %d ports forwarded",
			ErrInvalidChannel, ch, d.registry.numPorts())
	}
	port := d.registry.portForChannel(ch)
	state := &d.states[ch]
	if !state.initialized {
		if len(data) != 2 {
			return fmt.Errorf("%w: %d bytes on channel %d",
				ErrInvalidInitialFrameSize, len(data), ch)
		}
		if got := binary.LittleEndian.Uint16(data); got != port {
			return &PortMappingError{Channel: ch, Actual: got, Expected: port}
		}
		state.initialized = true
		d.DLogf("channel %d initialized for port %d", ch, port)
		return nil
	}
	if ch%2 == 0 {
		return d.writeToSink(ch, port, data)
	}
	return d.deliverError(ch, port, data)
}

func (d *dispatcher) writeToSink(ch byte, port uint16, data []byte) error {
	state := &d.states[ch]
	if state.shutdown {
		d.DLogf("dropping %d bytes for locally closed port %d", len(data), port)
		return nil
	}
	if _, err := d.sinks[int(ch)/2].Write(data); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			// the caller hung up on the stream; its writer-done message is
			// on the way
			d.DLogf("dropping %d bytes for hung-up port %d", len(data), port)
			return nil
		}
		return fmt.Errorf("%w (port %d): %v", ErrWriteBytesFromPod, port, err)
	}
	return nil
}

// deliverError hands the server's error message to the port's one-shot cell.
// The port is dead from the server's point of view, but other ports are
// unaffected. A second error frame for the same port trips the cell's
// one-delivery invariant and is fatal.
func (d *dispatcher) deliverError(ch byte, port uint16, data []byte) error {
	if !utf8.Valid(data) {
		return fmt.Errorf("%w: channel %d", ErrInvalidErrorMessage, ch)
	}
	msg := string(data)
	if !d.errorCells[int(ch)/2].deliver(msg) {
		return fmt.Errorf("%w (port %d)", ErrForwardErrorMessage, port)
	}
	d.ILogf("server reported error for port %d: %s", port, msg)
	return nil
}

// finishWriter handles a caller-side close of one port: shut the port's sink
// down locally, mark the data channel shut down, and count it toward the
// session close. Only the first occurrence per channel counts.
func (d *dispatcher) finishWriter(ch byte) error {
	state := &d.states[ch]
	if state.shutdown {
		return nil
	}
	state.shutdown = true
	if err := d.sinks[int(ch)/2].Close(); err != nil {
		return fmt.Errorf("%w (port %d): %v", ErrShutdown, d.registry.portForChannel(ch), err)
	}
	d.stats.MarkClosed()
	d.closedPorts++
	d.DLogf("port %d closed locally %v", d.registry.portForChannel(ch), d.stats)
	return d.maybeSendClose()
}

// maybeSendClose sends the transport-level close message exactly once, after
// every configured port's data channel has shut down locally. Further
// shutdown triggers are no-ops.
func (d *dispatcher) maybeSendClose() error {
	if d.sentClose || d.closedPorts < d.registry.numPorts() {
		return nil
	}
	d.sentClose = true
	d.ILogf("all %d forwarded ports closed; sending transport close", d.registry.numPorts())
	if err := d.transport.WriteClose(); err != nil {
		return fmt.Errorf("%w: %v", ErrSendWebSocketMessage, err)
	}
	return nil
}

// transportClosed handles the server ending the whole session: every port's
// sink is shut down regardless of its individual state. These shutdowns do
// not count toward the close-message sequencing; the session close already
// happened on the server's side.
func (d *dispatcher) transportClosed() error {
	d.DLogf("transport closed; shutting down all %d port sinks", d.registry.numPorts())
	for i, sink := range d.sinks {
		d.states[dataChannel(i)].shutdown = true
		if err := sink.Close(); err != nil {
			return fmt.Errorf("%w (port %d): %v", ErrShutdown, d.registry.ports[i], err)
		}
	}
	return nil
}
