package portfwd

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// closeWriteTimeout bounds the write of the close control frame; close
// sequencing must not hang the dispatcher on a dead peer.
const closeWriteTimeout = 10 * time.Second

// webSocketTransport adapts an already-upgraded gorilla WebSocket connection
// to the Transport interface. The upgrade handshake -- including negotiation
// of the ProtocolV4ChannelName sub-protocol, TLS and auth headers -- is the
// caller's HTTP client's job; this adapter only maps message kinds and close
// semantics.
type webSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an established *websocket.Conn as a Transport.
// The forwarder becomes the connection's only reader and writer; the caller
// must not use the connection afterward.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &webSocketTransport{conn: conn}
}

func (t *webSocketTransport) ReadMessage() (MessageKind, []byte, error) {
	messageType, data, err := t.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			// the peer's close frame ends the session cleanly
			return MessageClose, nil, nil
		}
		return MessageOther, nil, err
	}
	switch messageType {
	case websocket.BinaryMessage:
		return MessageBinary, data, nil
	default:
		return MessageOther, data, nil
	}
}

func (t *webSocketTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *webSocketTransport) WriteClose() error {
	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := t.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(closeWriteTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

func (t *webSocketTransport) Close() error {
	return t.conn.Close()
}
