// Package portfwd multiplexes N independent forwarded-port byte streams over a
// single already-established Kubernetes port-forward connection.
//
// The Kubernetes apiserver exposes pod port forwarding as a WebSocket upgrade
// speaking the "v4.channel.k8s.io" sub-protocol: every binary message on the
// connection begins with a one-byte channel id, and each forwarded port owns a
// pair of channels -- an even data channel carrying raw forwarded bytes, and
// the next odd error channel carrying at most one UTF-8 error string from the
// server. The first message the server sends on each channel is a handshake
// frame holding the forwarded port number as 2 little-endian bytes; it is
// validated and consumed, never delivered as payload.
//
// This package does not establish the connection (the HTTP request, WebSocket
// upgrade, TLS and auth headers belong to the caller's HTTP client), does not
// bind local TCP sockets, and does not retry a failed transport. It is handed
// a ready Transport and a list of remote ports, and returns a PortForwarder
// whose per-port Streams look and act like sockets.
//
// Internally the traffic fans in and out through a single shared mailbox:
//
//	caller Stream writes ==> readerPump (xN) ==\
//	                                            >==> mailbox ==> dispatcher ==> transport writes
//	transport reads ====> transportReceiver ==/                      |
//	                                                                 +==> Stream reads (per port)
//	                                                                 +==> error cell (per port)
//
// The dispatcher is the only goroutine that touches per-channel state, port
// sinks, error cells or the transport's write side, so no locks are shared
// between the N+2 concurrently running loops. The mailbox has a capacity of
// one message; a slow transport therefore stalls every producer almost
// immediately, trading throughput for a trivially bounded memory footprint
// and strict per-port ordering.
package portfwd

// ProtocolV4ChannelName is the WebSocket sub-protocol name this multiplexer
// speaks. The caller's HTTP client must have negotiated it during the upgrade
// handshake before handing the connection to New.
const ProtocolV4ChannelName = "v4.channel.k8s.io"

// DefaultStreamBufferSize is the capacity of each direction of a forwarded
// port's in-process byte pipe, and the chunk size used by reader pumps.
const DefaultStreamBufferSize = 32 * 1024

// MessageKind classifies a message read from a Transport.
type MessageKind int

const (
	// MessageBinary is a binary frame; for this sub-protocol, a one-byte
	// channel id followed by payload.
	MessageBinary MessageKind = iota

	// MessageClose is the transport-level close message ending the whole
	// forwarding session.
	MessageClose

	// MessageOther is any other message shape (text, ping, ...). The
	// sub-protocol defines no meaning for these; they are ignored.
	MessageOther
)

// Transport is the externally-supplied bidirectional message connection that
// a PortForwarder multiplexes over. Implementations must support one
// concurrent reader and one concurrent writer; Close may be called from any
// goroutine to unblock a pending ReadMessage.
type Transport interface {
	// ReadMessage blocks until the next message arrives and returns its
	// kind and payload. A clean transport-level close is reported as
	// (MessageClose, nil, nil), not as an error.
	ReadMessage() (MessageKind, []byte, error)

	// WriteMessage sends one binary message.
	WriteMessage(data []byte) error

	// WriteClose sends the transport-level close message. It must be
	// harmless to call after the peer has already closed.
	WriteClose() error

	// Close releases the underlying connection. After Close, a pending or
	// future ReadMessage must return promptly with an error or a
	// MessageClose.
	Close() error
}
