package portfwd

import (
	"bytes"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestRingPipeRoundTrip(t *testing.T) {
	p := newRingPipe(8)

	// force wraparound by cycling more data than the capacity in odd-sized
	// chunks
	src := make([]byte, 61)
	rand.Read(src)
	var got bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 5)
		for {
			n, err := p.Read(buf)
			got.Write(buf[:n])
			if err == io.EOF {
				return
			}
			if err != nil {
				t.Errorf("Read returned error: %v", err)
				return
			}
		}
	}()

	for off := 0; off < len(src); off += 7 {
		end := off + 7
		if end > len(src) {
			end = len(src)
		}
		n, err := p.Write(src[off:end])
		if err != nil || n != end-off {
			t.Fatalf("Write(%d bytes) = (%d, %v)", end-off, n, err)
		}
	}
	p.CloseWrite()
	wg.Wait()

	if !bytes.Equal(got.Bytes(), src) {
		t.Errorf("read-back bytes do not match written bytes (%d vs %d)", got.Len(), len(src))
	}
}

func TestRingPipeEOFAfterDrain(t *testing.T) {
	p := newRingPipe(16)
	if _, err := p.Write([]byte("abc")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	p.CloseWrite()

	buf := make([]byte, 16)
	n, err := p.Read(buf)
	if n != 3 || err != nil {
		t.Fatalf("Read = (%d, %v); expected buffered bytes before EOF", n, err)
	}
	if _, err = p.Read(buf); err != io.EOF {
		t.Errorf("Read after drain = %v; expected io.EOF", err)
	}
	if _, err = p.Write([]byte("x")); err != io.ErrClosedPipe {
		t.Errorf("Write after CloseWrite = %v; expected io.ErrClosedPipe", err)
	}
}

func TestRingPipeBackpressure(t *testing.T) {
	p := newRingPipe(4)
	wrote := make(chan struct{})
	go func() {
		// 10 bytes cannot fit in a 4-byte pipe; this write must block
		// until the reader drains
		if _, err := p.Write([]byte("0123456789")); err != nil {
			t.Errorf("Write returned error: %v", err)
		}
		close(wrote)
	}()

	select {
	case <-wrote:
		t.Fatal("oversized Write completed without a reader")
	case <-time.After(50 * time.Millisecond):
	}

	var got bytes.Buffer
	buf := make([]byte, 3)
	for got.Len() < 10 {
		n, err := p.Read(buf)
		if err != nil {
			t.Fatalf("Read returned error: %v", err)
		}
		got.Write(buf[:n])
	}
	<-wrote
	if got.String() != "0123456789" {
		t.Errorf("read %q; expected \"0123456789\"", got.String())
	}
}

func TestRingPipeCloseRead(t *testing.T) {
	p := newRingPipe(8)
	p.CloseRead()
	if _, err := p.Write([]byte("abc")); err != io.ErrClosedPipe {
		t.Errorf("Write after CloseRead = %v; expected io.ErrClosedPipe", err)
	}
	if _, err := p.Read(make([]byte, 4)); err != io.ErrClosedPipe {
		t.Errorf("Read after CloseRead = %v; expected io.ErrClosedPipe", err)
	}
}

func TestStreamHalves(t *testing.T) {
	ep := newDuplexEndpoint(64)
	s := newStream(8080, ep)

	if s.Port() != 8080 {
		t.Errorf("Port() = %d; expected 8080", s.Port())
	}

	// caller writes surface on the pump's read half
	if _, err := s.Write([]byte("to pod")); err != nil {
		t.Fatalf("Stream.Write returned error: %v", err)
	}
	buf := make([]byte, 16)
	n, err := ep.pumpSource().Read(buf)
	if err != nil || string(buf[:n]) != "to pod" {
		t.Fatalf("pump source read = (%q, %v)", buf[:n], err)
	}

	// dispatcher sink writes surface on the caller's read side
	sink := ep.sink()
	if _, err = sink.Write([]byte("from pod")); err != nil {
		t.Fatalf("sink.Write returned error: %v", err)
	}
	n, err = s.Read(buf)
	if err != nil || string(buf[:n]) != "from pod" {
		t.Fatalf("Stream.Read = (%q, %v)", buf[:n], err)
	}

	if s.GetNumBytesWritten() != 6 || s.GetNumBytesRead() != 8 {
		t.Errorf("counters = (%d written, %d read); expected (6, 8)",
			s.GetNumBytesWritten(), s.GetNumBytesRead())
	}

	// CloseWrite gives the pump EOF but leaves the read side alive
	if err = s.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite returned error: %v", err)
	}
	if _, err = ep.pumpSource().Read(buf); err != io.EOF {
		t.Errorf("pump source after CloseWrite = %v; expected io.EOF", err)
	}
	if _, err = sink.Write([]byte("late")); err != nil {
		t.Errorf("sink.Write after CloseWrite returned error: %v", err)
	}

	// sink Close gives the caller EOF after draining
	if err = sink.Close(); err != nil {
		t.Fatalf("sink.Close returned error: %v", err)
	}
	n, err = s.Read(buf)
	if err != nil || string(buf[:n]) != "late" {
		t.Fatalf("Stream.Read of buffered bytes = (%q, %v)", buf[:n], err)
	}
	if _, err = s.Read(buf); err != io.EOF {
		t.Errorf("Stream.Read after sink close = %v; expected io.EOF", err)
	}
}

func TestStreamCloseDiscardsServerBytes(t *testing.T) {
	ep := newDuplexEndpoint(64)
	s := newStream(443, ep)
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := ep.pumpSource().Read(make([]byte, 4)); err != io.EOF {
		t.Errorf("pump source after Close = %v; expected io.EOF", err)
	}
	if _, err := ep.sink().Write([]byte("x")); err != io.ErrClosedPipe {
		t.Errorf("sink.Write after Close = %v; expected io.ErrClosedPipe", err)
	}
}
