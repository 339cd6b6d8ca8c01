//go:build linux

package kvm

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// startSignalHandling registers a no-op handler for SIGUSR1 once per
// process. Without a registered handler, Go's runtime leaves SIGUSR1 at
// its default disposition (terminate), so the Tgkill in
// requestImmediateExit would kill the process instead of just
// interrupting its blocked KVM_RUN syscall. signal.Notify installs a
// handler that delivers the signal to sigCh and nowhere else, which is
// enough for the kernel to return EINTR from the blocking ioctl without
// the process ever observing or acting on the signal itself.
var signalOnce sync.Once

func startSignalHandling() {
	signalOnce.Do(func() {
		sigCh := make(chan os.Signal, 64)
		signal.Notify(sigCh, unix.SIGUSR1)
		go func() {
			for range sigCh {
			}
		}()
	})
}
