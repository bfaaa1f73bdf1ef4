package portfwd

import (
	"fmt"
	"sync/atomic"
)

// ForwardStats keeps track of claimed streams and locally closed ports for a
// PortForwarder
type ForwardStats struct {
	ports  int32
	taken  int32
	closed int32
}

// Take adds one to the count of streams claimed by the caller
func (s *ForwardStats) Take() int32 {
	return atomic.AddInt32(&s.taken, 1)
}

// MarkClosed adds one to the count of ports whose data channel has locally
// shut down
func (s *ForwardStats) MarkClosed() int32 {
	return atomic.AddInt32(&s.closed, 1)
}

// NumTaken returns the number of streams claimed by the caller so far
func (s *ForwardStats) NumTaken() int32 {
	return atomic.LoadInt32(&s.taken)
}

// NumClosed returns the number of ports closed locally so far
func (s *ForwardStats) NumClosed() int32 {
	return atomic.LoadInt32(&s.closed)
}

func (s *ForwardStats) String() string {
	return fmt.Sprintf("[%d taken, %d/%d closed]",
		atomic.LoadInt32(&s.taken), atomic.LoadInt32(&s.closed), atomic.LoadInt32(&s.ports))
}
