//go:build linux

package kvm

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// vcpu owns one KVM vCPU file descriptor and its mmap'd kvm_run page.
// KVM_RUN must be issued from the same OS thread every time (the kernel
// tracks per-thread vCPU state), so each vcpu pins a goroutine to an OS
// thread with runtime.LockOSThread and accepts work over runQueue — the
// run-queue bridge — rather than letting the Go scheduler migrate the
// work across threads.
type vcpu struct {
	id       int
	fd       int
	run      []byte
	runQueue chan func()
	tid      int // OS thread id, set once the run-queue goroutine starts; used by requestImmediateExit
	tidReady chan struct{}
}

func newVCPU(id, fd int, run []byte) *vcpu {
	return &vcpu{
		id:       id,
		fd:       fd,
		run:      run,
		runQueue: make(chan func()),
		tidReady: make(chan struct{}),
	}
}

// loop pins this goroutine to an OS thread and serves runQueue until it
// is closed. Call via `go v.loop()`.
func (v *vcpu) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v.tid = unix.Gettid()
	close(v.tidReady)

	for fn := range v.runQueue {
		fn()
	}
}

// submit runs fn on the vcpu's pinned OS thread and blocks for its
// completion.
func (v *vcpu) submit(fn func()) {
	done := make(chan struct{})
	v.runQueue <- func() {
		fn()
		close(done)
	}
	<-done
}

// stop closes the run queue, ending loop.
func (v *vcpu) stop() {
	close(v.runQueue)
}

func (v *vcpu) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// requestImmediateExit asks a running KVM_RUN call to return promptly:
// it sets immediate_exit on the shared kvm_run page and signals the
// vCPU's OS thread with SIGUSR1, which KVM treats as a wakeup rather
// than a fatal signal (SIGUSR1 must have a handler installed so it
// interrupts rather than terminates the process; startSignalHandling
// installs one via signal.Notify once per process).
func (v *vcpu) requestImmediateExit() error {
	<-v.tidReady
	v.runData().immediateExit = 1
	return unix.Tgkill(unix.Getpid(), v.tid, unix.SIGUSR1)
}
