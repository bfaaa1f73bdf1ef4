package portfwd

import (
	"encoding/binary"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sammck-go/logger"
)

func testLogger(t *testing.T) logger.Logger {
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

type fakeMessage struct {
	kind MessageKind
	data []byte
}

// fakeTransport is an in-memory Transport scripted from the server's side:
// tests feed inbound messages through serverSend/serverClose and observe the
// dispatcher's outbound frames on sent.
type fakeTransport struct {
	incoming chan fakeMessage
	sent     chan []byte

	// autoCloseReply makes WriteClose feed a close message back, the way a
	// well-behaved peer completes the close handshake.
	autoCloseReply bool

	closeSent int32
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan fakeMessage, 64),
		sent:     make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() (MessageKind, []byte, error) {
	select {
	case m := <-t.incoming:
		return m.kind, m.data, nil
	case <-t.closed:
		return MessageOther, nil, net.ErrClosed
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}
	owned := make([]byte, len(data))
	copy(owned, data)
	t.sent <- owned
	return nil
}

func (t *fakeTransport) WriteClose() error {
	atomic.AddInt32(&t.closeSent, 1)
	if t.autoCloseReply {
		t.incoming <- fakeMessage{kind: MessageClose}
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) numCloseSent() int32 {
	return atomic.LoadInt32(&t.closeSent)
}

// serverSend scripts one inbound binary frame: channel byte plus payload.
func (t *fakeTransport) serverSend(channel byte, payload []byte) {
	frame := make([]byte, len(payload)+1)
	frame[0] = channel
	copy(frame[1:], payload)
	t.incoming <- fakeMessage{kind: MessageBinary, data: frame}
}

func (t *fakeTransport) serverClose() {
	t.incoming <- fakeMessage{kind: MessageClose}
}

// initPayload builds a channel handshake payload for a port.
func initPayload(port uint16) []byte {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, port)
	return payload
}

// initAllChannels scripts handshake frames for every channel of the port
// list, in channel order.
func (t *fakeTransport) initAllChannels(ports []uint16) {
	for i, port := range ports {
		t.serverSend(byte(2*i), initPayload(port))
		t.serverSend(byte(2*i+1), initPayload(port))
	}
}

// recvFrame waits for the next outbound frame, failing the test on timeout.
func recvFrame(t *testing.T, ft *fakeTransport) []byte {
	t.Helper()
	select {
	case frame := <-ft.sent:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for an outbound transport frame")
		return nil
	}
}
