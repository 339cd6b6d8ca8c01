//go:build linux

package gueststream

import (
	"fmt"
	"time"

	"github.com/mdlayher/vsock"
)

// DialVsockHost connects from the host to a guest's listening control
// channel: CID is the guest's vsock CID (assigned when the VM was
// created), port is the well-known control port (1234 per spec.md §6).
// Per spec.md §4.3, voidbox uses a session-per-exec model, so this is
// called once per exec rather than once per backend lifetime.
func DialVsockHost(cid, port uint32) (Stream, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock.Dial(cid=%d, port=%d): %w", cid, port, err)
	}
	return &hostVsockStream{conn: conn}, nil
}

// hostVsockStream adapts a *vsock.Conn (a full net.Conn) to the narrower
// Stream interface used by internal/protocol.
type hostVsockStream struct {
	conn *vsock.Conn
}

func (s *hostVsockStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *hostVsockStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *hostVsockStream) Flush() error                { return nil }
func (s *hostVsockStream) Close() error                { return s.conn.Close() }

func (s *hostVsockStream) SetReadTimeout(d time.Duration) error {
	if d == 0 {
		return s.conn.SetReadDeadline(time.Time{})
	}
	return s.conn.SetReadDeadline(time.Now().Add(d))
}
