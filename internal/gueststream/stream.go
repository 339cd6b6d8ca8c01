// Package gueststream defines the minimal capability set the control
// protocol needs from the underlying transport — an AF_VSOCK file
// descriptor on Linux, a virtio-socket connection fd standing in for
// hypervisor-framework's vsock equivalent on macOS — without leaking
// either platform's socket plumbing into internal/protocol or
// internal/control.
package gueststream

import "time"

// Stream is a blocking, reliable, ordered byte stream. Implementations
// wrap a single underlying fd; callers treat reads and writes as they
// would any net.Conn, with SetReadTimeout standing in for
// SetReadDeadline since the underlying transport only exposes
// setsockopt(SO_RCVTIMEO) rather than an absolute deadline.
type Stream interface {
	// Read reads up to len(p) bytes. Read may return fewer bytes than
	// requested even when more will eventually be available.
	Read(p []byte) (int, error)

	// Write writes all of p or returns an error.
	Write(p []byte) (int, error)

	// Flush is a no-op for plain sockets; kept for parity with
	// buffered implementations some future transport might need.
	Flush() error

	// SetReadTimeout sets a timeout for subsequent Read calls. A zero
	// duration clears any previously set timeout.
	SetReadTimeout(d time.Duration) error

	// Close closes the underlying transport.
	Close() error
}
