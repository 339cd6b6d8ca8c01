//go:build linux

package gueststream

import (
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// afVSOCK is the AF_VSOCK address family; it is not exported by the
// syscall package.
const afVSOCK = 40

// VMADDRCIDAny lets the kernel pick a CID when binding from inside the
// guest — the guest-agent does not need to know its own CID to listen.
const VMADDRCIDAny = 0xffffffff

// sockaddrVM mirrors the kernel's struct sockaddr_vm layout exactly.
type sockaddrVM struct {
	family    uint16
	reserved1 uint16
	port      uint32
	cid       uint32
	flags     uint8
	zeroPad   [3]uint8
}

// GuestListener accepts the host's inbound vsock connection. Per spec.md
// §6 the host dials the guest's CID at the well-known control port; the
// guest-agent is the side that binds and listens. Implemented with raw
// AF_VSOCK syscalls (not github.com/mdlayher/vsock) so the guest-agent
// binary, which is linked into the initramfs, keeps the narrowest
// possible dependency footprint; the host side uses mdlayher/vsock
// instead (vsock_host_linux.go) where binary size is not a concern.
type GuestListener struct {
	fd int
}

// ListenVsockGuest binds AF_VSOCK on the given port, any local CID, and
// starts listening.
func ListenVsockGuest(port uint32) (*GuestListener, error) {
	fd, err := syscall.Socket(afVSOCK, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_VSOCK): %w", err)
	}

	addr := sockaddrVM{family: afVSOCK, port: port, cid: VMADDRCIDAny}
	if _, _, errno := syscall.RawSyscall(
		syscall.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(&addr)),
		unsafe.Sizeof(addr),
	); errno != 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("bind(AF_VSOCK, port=%d): %w", port, errno)
	}

	if err := syscall.Listen(fd, 16); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("listen(AF_VSOCK): %w", err)
	}

	return &GuestListener{fd: fd}, nil
}

// Accept blocks until the host connects and returns the resulting Stream.
func (l *GuestListener) Accept() (Stream, error) {
	// unix.Accept, unlike syscall.Accept, can decode an AF_VSOCK peer
	// address.
	nfd, _, err := unix.Accept(l.fd)
	if err != nil {
		return nil, fmt.Errorf("accept(AF_VSOCK): %w", err)
	}
	f := os.NewFile(uintptr(nfd), "vsock-conn")
	return &vsockStream{file: f, fd: nfd}, nil
}

// Close stops accepting new connections.
func (l *GuestListener) Close() error { return syscall.Close(l.fd) }

// vsockStream implements Stream over a raw AF_VSOCK fd wrapped in
// os.File, which provides Read/Write/Close but does not understand the
// address family well enough for net.FileConn's deadline plumbing.
type vsockStream struct {
	file *os.File
	fd   int
}

func (s *vsockStream) Read(p []byte) (int, error)  { return s.file.Read(p) }
func (s *vsockStream) Write(p []byte) (int, error) { return s.file.Write(p) }
func (s *vsockStream) Flush() error                { return nil }
func (s *vsockStream) Close() error                { return s.file.Close() }

// SetReadTimeout sets SO_RCVTIMEO on the underlying fd directly, since
// os.File's deadline machinery does not apply to AF_VSOCK sockets created
// outside of net.FileConn.
func (s *vsockStream) SetReadTimeout(d time.Duration) error {
	tv := syscall.NsecToTimeval(int64(d))
	return syscall.SetsockoptTimeval(s.fd, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)
}
