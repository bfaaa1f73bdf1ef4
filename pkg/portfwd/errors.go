package portfwd

import (
	"errors"
	"fmt"
)

// Every condition below except a first server error frame is fatal to the
// whole multiplexer: the first loop to fail wins, the remaining loops are
// torn down, and the error is surfaced from Join. There is no local retry;
// callers needing resilience must re-establish the transport and construct a
// new PortForwarder.
var (
	// ErrInvalidChannel reports a message referencing a channel id outside
	// the 2N ids allocated for the configured ports.
	ErrInvalidChannel = errors.New("message channel out of range for forwarded ports")

	// ErrInvalidInitialFrameSize reports a channel handshake frame whose
	// payload is not exactly 2 bytes.
	ErrInvalidInitialFrameSize = errors.New("initial channel frame must carry exactly 2 bytes")

	// ErrForwardToPod reports a failure handing caller bytes to the
	// dispatcher because the background task is gone.
	ErrForwardToPod = errors.New("unable to forward caller bytes to the dispatcher")

	// ErrForwardFromPod reports a failure handing server bytes to the
	// dispatcher because the background task is gone.
	ErrForwardFromPod = errors.New("unable to forward server bytes to the dispatcher")

	// ErrReadBytesToSend reports a local failure reading the caller's
	// stream.
	ErrReadBytesToSend = errors.New("failed to read bytes from the caller stream")

	// ErrWriteBytesFromPod reports a local failure writing server bytes to
	// a port's stream.
	ErrWriteBytesFromPod = errors.New("failed to write bytes to the caller stream")

	// ErrInvalidErrorMessage reports an error-channel payload that is not
	// valid UTF-8.
	ErrInvalidErrorMessage = errors.New("error channel payload is not valid UTF-8")

	// ErrForwardErrorMessage reports a second server error frame for a
	// port whose single error delivery was already consumed.
	ErrForwardErrorMessage = errors.New("server sent a second error frame for a port")

	// ErrSendWebSocketMessage reports a transport write failure.
	ErrSendWebSocketMessage = errors.New("failed to send message on the transport")

	// ErrReceiveWebSocketMessage reports a transport read failure.
	ErrReceiveWebSocketMessage = errors.New("failed to receive message from the transport")

	// ErrShutdown reports a failure shutting down a port's local sink.
	ErrShutdown = errors.New("failed to shut down the caller stream")

	// ErrAborted is returned from Join after Abort tore the background
	// task down without a graceful drain.
	ErrAborted = errors.New("port forwarder aborted")
)

// PortMappingError reports a channel handshake frame that decoded to a port
// number different from the port configured at that channel's index.
type PortMappingError struct {
	// Channel is the channel id the handshake arrived on.
	Channel byte

	// Actual is the port number the server sent.
	Actual uint16

	// Expected is the port configured for that channel.
	Expected uint16
}

func (e *PortMappingError) Error() string {
	return fmt.Sprintf("channel %d handshake carried port %d; expected port %d",
		e.Channel, e.Actual, e.Expected)
}
