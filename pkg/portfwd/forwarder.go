package portfwd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"golang.org/x/sync/errgroup"
)

// maxForwardPorts is the most ports one forwarder can multiplex: each port
// consumes two one-byte channel ids.
const maxForwardPorts = 128

// PortForwarder is the handle to one multiplexed port-forwarding session. It
// owns the background task (one reader pump per port, one transport
// receiver, one dispatcher) and hands out each port's Stream and error
// signal at most once.
//
// A PortForwarder is an asyncobj.AsyncShutdowner, so it composes with
// shutdown trees like any other async object; Abort and Join are thin
// wrappers over that machinery.
type PortForwarder struct {
	*asyncobj.Helper

	transport Transport
	registry  *portRegistry
	stats     ForwardStats

	cancel context.CancelFunc
	group  *errgroup.Group

	// takeLock guards the at-most-once extraction state below, aligned
	// with the port list by index. A stream is nilled out as it is taken.
	takeLock    sync.Mutex
	streams     []*Stream
	errorsTaken []bool

	// endpoints and cells are retained (indexed by port position) for
	// teardown; their live halves are owned by the pumps and dispatcher.
	endpoints []*duplexEndpoint
	cells     []*errorCell

	joinOnce sync.Once
	joinErr  error
}

// New starts multiplexing the given remote ports over an already-established
// transport and returns immediately. The transport must already speak the
// ProtocolV4ChannelName sub-protocol: for a WebSocket connection, the
// upgrade handshake must have negotiated it before the connection is handed
// here (see NewWebSocketTransport).
//
// The port list's order is significant: the port at index i owns channels 2i
// (data) and 2i+1 (error) for the lifetime of the forwarder. New fails only
// for an empty list or one too long for single-byte channel ids.
func New(lg logger.Logger, transport Transport, ports []uint16) (*PortForwarder, error) {
	if len(ports) == 0 {
		return nil, errors.New("portfwd: at least one port is required")
	}
	if len(ports) > maxForwardPorts {
		return nil, fmt.Errorf("portfwd: cannot forward %d ports; channel ids are single bytes (max %d)",
			len(ports), maxForwardPorts)
	}

	sublogger := lg.ForkLogStr(fmt.Sprintf("[PortForwarder %v]", ports))
	registry := newPortRegistry(ports)

	f := &PortForwarder{
		transport:   transport,
		registry:    registry,
		streams:     make([]*Stream, len(ports)),
		errorsTaken: make([]bool, len(ports)),
		endpoints:   make([]*duplexEndpoint, len(ports)),
		cells:       make([]*errorCell, len(ports)),
	}
	f.stats.ports = int32(len(ports))
	f.Helper = asyncobj.NewHelper(sublogger, f)

	// Registry, endpoints and cells all exist before any loop starts.
	// Every index gets its own stream, including later occurrences of a
	// duplicated port; caller-facing lookups resolve to the first
	// occurrence, so the later pairs stay unclaimed and are released at
	// Join like any other untaken stream.
	sinks := make([]*portSink, len(ports))
	for i, port := range registry.ports {
		ep := newDuplexEndpoint(DefaultStreamBufferSize)
		f.endpoints[i] = ep
		f.cells[i] = newErrorCell()
		sinks[i] = ep.sink()
		f.streams[i] = newStream(port, ep)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	f.group = group

	mailbox := newMailbox()

	// The mailbox closes when every producer (N pumps + the receiver) has
	// terminated; that is what ends the dispatcher's loop on the graceful
	// path.
	var producers sync.WaitGroup
	producers.Add(len(registry.ports) + 1)
	for i, port := range registry.ports {
		pump := newReaderPump(sublogger, dataChannel(i), port, f.endpoints[i].pumpSource(), mailbox)
		group.Go(func() error {
			defer producers.Done()
			return pump.run(gctx)
		})
	}
	receiver := newTransportReceiver(sublogger, transport, mailbox)
	group.Go(func() error {
		defer producers.Done()
		return receiver.run(gctx)
	})
	go func() {
		producers.Wait()
		close(mailbox)
	}()

	disp := newDispatcher(sublogger, transport, registry, mailbox, sinks, f.cells, &f.stats)
	group.Go(func() error {
		return disp.run(gctx)
	})

	// First failure wins: as soon as any loop errors (or the forwarder is
	// torn down) the group context ends, and this watchdog unblocks the
	// receiver's pending transport read and every pump's pending pipe read
	// so the remaining loops terminate promptly.
	go func() {
		<-gctx.Done()
		transport.Close()
		for _, ep := range f.endpoints {
			ep.closeHard()
		}
	}()

	f.SetIsActivated()
	f.ILogf("forwarding %d ports over one transport", len(registry.ports))
	return f, nil
}

// Ports returns a copy of the configured remote port list, in channel
// allocation order.
func (f *PortForwarder) Ports() []uint16 {
	ports := make([]uint16, len(f.registry.ports))
	copy(ports, f.registry.ports)
	return ports
}

// TakeStream returns the caller-facing stream for one forwarded port,
// exactly once. It returns nil on any subsequent call for the same port, and
// for any port that was not configured.
func (f *PortForwarder) TakeStream(port uint16) *Stream {
	f.takeLock.Lock()
	defer f.takeLock.Unlock()
	i, ok := f.registry.indexForPort(port)
	if !ok {
		return nil
	}
	s := f.streams[i]
	if s != nil {
		f.streams[i] = nil
		f.stats.Take()
		f.DLogf("stream for port %d taken %v", port, &f.stats)
	}
	return s
}

// TakeError returns the error signal for one forwarded port, exactly once;
// nil on a repeat call or an unconfigured port. The channel yields the
// server's error message for the port if one ever arrives, and is closed
// when the forwarder terminates; a close without a value means no error was
// ever reported.
func (f *PortForwarder) TakeError(port uint16) <-chan string {
	f.takeLock.Lock()
	defer f.takeLock.Unlock()
	i, ok := f.registry.indexForPort(port)
	if !ok || f.errorsTaken[i] {
		return nil
	}
	f.errorsTaken[i] = true
	return f.cells[i].consumer()
}

// Abort immediately terminates every loop of the background task with no
// attempt at a graceful drain. In-flight bytes are lost, and outstanding
// error signals resolve with no value. A concurrent or subsequent Join
// returns ErrAborted.
func (f *PortForwarder) Abort() {
	f.DLog("abort requested")
	f.StartShutdown(ErrAborted)
}

// Join waits for the whole background task to finish and returns the first
// error any loop encountered, if any. Endpoints and error signals the caller
// never took are released first, so their pumps see end-of-stream and
// terminate cleanly rather than hanging forever. Join imposes no timeout; a
// caller wanting a bounded wait should Abort from another goroutine.
//
// Join is idempotent: every call returns the same result.
func (f *PortForwarder) Join() error {
	f.joinOnce.Do(func() {
		f.takeLock.Lock()
		for i, s := range f.streams {
			if s == nil {
				continue
			}
			f.DLogf("releasing unclaimed stream for port %d", s.Port())
			s.Close()
			f.streams[i] = nil
		}
		f.takeLock.Unlock()

		err := f.group.Wait()
		f.StartShutdown(err)
		f.joinErr = f.WaitShutdown()
	})
	return f.joinErr
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// tears down whatever of the background task is still running, then releases
// every retained resource so that no caller is left blocked.
func (f *PortForwarder) HandleOnceShutdown(completionErr error) error {
	f.cancel()
	// unblocks a receiver stuck in a transport read
	f.transport.Close()
	for _, ep := range f.endpoints {
		ep.closeHard()
	}
	// the loops are all unblocked now; wait for them so no goroutine
	// outlives the handle
	groupErr := f.group.Wait()
	for _, cell := range f.cells {
		cell.drop()
	}
	if completionErr == nil && groupErr != nil && !errors.Is(groupErr, context.Canceled) {
		completionErr = groupErr
	}
	f.DLogf("shutdown complete %v: %v", &f.stats, completionErr)
	return completionErr
}
