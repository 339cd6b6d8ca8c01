//go:build darwin

package gueststream

import (
	"fmt"
	"time"

	"github.com/linuxkit/virtsock/pkg/hvsock"
)

// hvsockServiceID is the well-known control-channel service GUID on the
// macOS/hypervisor-framework path, mirroring the vsock port 1234 used on
// Linux (spec.md §6). hypervisor-framework addresses services by GUID
// rather than by integer port.
var hvsockServiceID = hvsock.GUID{
	Data1: 0x00000001, Data2: 0x0c29, Data3: 0x4c7a,
	Data4: [8]byte{0x9d, 0xa2, 0x5e, 0x2b, 0x7c, 0xf1, 0x1f, 0x10},
}

// DialHvsockHost connects from the host to a running guest's control
// channel, mirroring DialVsockHost on Linux (spec.md §1: the macOS path
// mirrors the KVM one structurally).
func DialHvsockHost(vmID hvsock.GUID) (Stream, error) {
	conn, err := hvsock.Dial(hvsock.HvsockAddr{VMID: vmID, ServiceID: hvsockServiceID})
	if err != nil {
		return nil, fmt.Errorf("hvsock.Dial: %w", err)
	}
	return &hvsockStream{conn: conn}, nil
}

// ListenHvsockGuest binds the guest side of the control channel inside a
// hypervisor-framework VM, accepting the host's outbound connection.
func ListenHvsockGuest() (*HvsockListener, error) {
	ln, err := hvsock.Listen(hvsock.HvsockAddr{VMID: hvsock.GUIDWildcard, ServiceID: hvsockServiceID})
	if err != nil {
		return nil, fmt.Errorf("hvsock.Listen: %w", err)
	}
	return &HvsockListener{ln: ln}, nil
}

// HvsockListener accepts the host's inbound hvsock connection.
type HvsockListener struct {
	ln *hvsock.HVsockListener
}

func (l *HvsockListener) Accept() (Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &hvsockStream{conn: conn.(*hvsock.HVsockConn)}, nil
}

func (l *HvsockListener) Close() error { return l.ln.Close() }

// hvsockStream adapts an *hvsock.HVsockConn to Stream.
type hvsockStream struct {
	conn *hvsock.HVsockConn
}

func (s *hvsockStream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *hvsockStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *hvsockStream) Flush() error                { return nil }
func (s *hvsockStream) Close() error                { return s.conn.Close() }

func (s *hvsockStream) SetReadTimeout(d time.Duration) error {
	if d == 0 {
		return s.conn.SetReadDeadline(time.Time{})
	}
	return s.conn.SetReadDeadline(time.Now().Add(d))
}
