package portfwd

// portRegistry fixes the mapping between the caller-supplied port list and
// the one-byte channel ids multiplexed over the transport. The mapping is
// positional and never remapped: the port at index i owns data channel 2i
// and error channel 2i+1.
type portRegistry struct {
	ports []uint16
}

func newPortRegistry(ports []uint16) *portRegistry {
	owned := make([]uint16, len(ports))
	copy(owned, ports)
	return &portRegistry{ports: owned}
}

func (r *portRegistry) numPorts() int {
	return len(r.ports)
}

func (r *portRegistry) numChannels() int {
	return 2 * len(r.ports)
}

// dataChannel returns the data channel id for the port at index i.
func dataChannel(i int) byte {
	return byte(2 * i)
}

// validChannel reports whether ch is one of the 2N allocated channel ids.
func (r *portRegistry) validChannel(ch byte) bool {
	return int(ch) < r.numChannels()
}

// portForChannel returns the configured port owning ch (data or error).
func (r *portRegistry) portForChannel(ch byte) uint16 {
	return r.ports[int(ch)/2]
}

// indexForPort resolves a port number to its first index in the configured
// list. A port listed twice gets two channel pairs, but caller-facing
// lookups resolve to the first occurrence.
func (r *portRegistry) indexForPort(port uint16) (int, bool) {
	for i, p := range r.ports {
		if p == port {
			return i, true
		}
	}
	return 0, false
}

// channelState is the dispatcher-owned state of one channel. No inbound
// payload is accepted on a channel until its handshake frame has been
// validated; once a data channel is shut down, no further bytes reach that
// port's stream.
type channelState struct {
	initialized bool
	shutdown    bool
}
