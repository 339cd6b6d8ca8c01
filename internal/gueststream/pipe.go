package gueststream

import (
	"net"
	"time"
)

// Pipe returns two connected in-memory Streams, used by the mock backend
// and by tests that want a Stream without a real vsock/hvsock transport.
func Pipe() (Stream, Stream) {
	a, b := net.Pipe()
	return &netConnStream{a}, &netConnStream{b}
}

type netConnStream struct {
	net.Conn
}

func (s *netConnStream) Flush() error { return nil }

func (s *netConnStream) SetReadTimeout(d time.Duration) error {
	if d == 0 {
		return s.Conn.SetReadDeadline(time.Time{})
	}
	return s.Conn.SetReadDeadline(time.Now().Add(d))
}
