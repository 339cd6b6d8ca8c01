//go:build linux

// Package kvm implements vmm.VMM directly against /dev/kvm: raw ioctl
// syscalls (no cgo, no pre-built binding), a minimal Linux/x86 32-bit
// boot-protocol loader, and the virtio-vsock control channel offloaded
// to the host kernel's vhost-vsock driver.
package kvm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/the-void-ia/voidbox/internal/bootprep"
	"github.com/the-void-ia/voidbox/internal/control"
	"github.com/the-void-ia/voidbox/internal/gueststream"
	"github.com/the-void-ia/voidbox/internal/nat"
	"github.com/the-void-ia/voidbox/internal/protocol"
	"github.com/the-void-ia/voidbox/internal/vmm"
	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

const controlPort = 1234

// Backend implements vmm.VMM against the host's KVM ioctl interface.
type Backend struct {
	bootCfg *bootprep.Config

	mu  sync.Mutex
	vms map[string]*instance
}

// New constructs a Backend. bootCfg supplies kernel/initramfs defaults
// and the state directory instances stage their rootfs under.
func New(bootCfg *bootprep.Config) *Backend {
	startSignalHandling()
	return &Backend{bootCfg: bootCfg, vms: make(map[string]*instance)}
}

type instance struct {
	mu       sync.Mutex
	cfg      vmm.Config
	state    vmm.State
	degraded bool // set once a control-channel call observes a GuestProtocol error (spec.md §7)

	kvmFd int
	vmFd  int
	vcpus []*vcpu
	mem   *guestMemory
	vhost *vhostVsock

	console *consoleRing
	channel *control.Channel

	natStack  *nat.Stack
	netdev    *virtioNetDevice
	netCancel context.CancelFunc

	hostEndpoints []vmm.HostEndpoint
	stop          chan struct{}
}

func (b *Backend) CreateVM(ctx context.Context, cfg vmm.Config) (vmm.Handle, error) {
	if cfg.MemoryMB <= 0 || cfg.VCPUs <= 0 {
		return vmm.Handle{}, voidboxerr.New(voidboxerr.ConfigInvalid, "kvm.CreateVM: MemoryMB and VCPUs must be positive")
	}
	kernelPath := cfg.KernelPath
	if kernelPath == "" {
		kernelPath = b.bootCfg.KernelPath
	}
	if kernelPath == "" {
		return vmm.Handle{}, voidboxerr.New(voidboxerr.ConfigInvalid, "kvm.CreateVM: no kernel path configured")
	}

	id := uuid.NewString()
	inst := &instance{
		cfg:     cfg,
		state:   vmm.Unstarted,
		console: newConsoleRing(),
		stop:    make(chan struct{}),
	}

	b.mu.Lock()
	b.vms[id] = inst
	b.mu.Unlock()

	return vmm.Handle{ID: id}, nil
}

func (b *Backend) StartVM(ctx context.Context, h vmm.Handle) error {
	inst, err := b.lookup(h)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != vmm.Unstarted {
		return voidboxerr.New(voidboxerr.ConfigInvalid, "kvm.StartVM: VM already started")
	}

	if err := inst.boot(ctx, b.bootCfg); err != nil {
		inst.teardownLocked()
		return err
	}

	dial := func(ctx context.Context) (gueststream.Stream, error) {
		return gueststream.DialVsockHost(inst.vhost.cid, controlPort)
	}
	secret := fmt.Sprintf("%x", inst.cfg.Security.Secret)
	inst.channel = control.New(dial, secret)

	if err := waitForGuestReady(ctx, inst.channel); err != nil {
		inst.teardownLocked()
		return err
	}
	if err := inst.stageMounts(ctx); err != nil {
		inst.teardownLocked()
		return err
	}

	inst.state = vmm.Running
	return nil
}

// boot performs spec.md §4.4 steps 1-5: allocate memory, load the
// kernel, initialize vCPU state, wire the control channel, and start
// the per-vCPU run loops.
func (i *instance) boot(ctx context.Context, bootCfg *bootprep.Config) error {
	kvmFd, err := openDevKVM()
	if err != nil {
		return err
	}
	i.kvmFd = kvmFd

	version, err := getAPIVersion(kvmFd)
	if err != nil {
		return voidboxerr.Wrap(voidboxerr.VmStart, "kvm.boot: KVM_GET_API_VERSION", err)
	}
	if version != 12 {
		return voidboxerr.New(voidboxerr.VmStart, fmt.Sprintf("kvm.boot: unsupported KVM API version %d", version))
	}

	vmFd, err := createVM(kvmFd)
	if err != nil {
		return voidboxerr.Wrap(voidboxerr.VmStart, "kvm.boot: KVM_CREATE_VM", err)
	}
	i.vmFd = vmFd

	memSizeBytes := uint64(i.cfg.MemoryMB) * 1024 * 1024
	mem, err := allocateGuestMemory(vmFd, memSizeBytes)
	if err != nil {
		return err
	}
	i.mem = mem

	if err := setTSSAddr(vmFd, 0xfffbd000); err != nil {
		return voidboxerr.Wrap(voidboxerr.VmStart, "kvm.boot: KVM_SET_TSS_ADDR", err)
	}
	if err := setIdentityMapAddr(vmFd, 0xfffbc000); err != nil {
		return voidboxerr.Wrap(voidboxerr.VmStart, "kvm.boot: KVM_SET_IDENTITY_MAP_ADDR", err)
	}
	if err := createIRQChip(vmFd); err != nil {
		return voidboxerr.Wrap(voidboxerr.VmStart, "kvm.boot: KVM_CREATE_IRQCHIP", err)
	}
	if err := createPIT2(vmFd); err != nil {
		return voidboxerr.Wrap(voidboxerr.VmStart, "kvm.boot: KVM_CREATE_PIT2", err)
	}

	cid := allocateGuestCID()
	vhost, err := openVhostVsock(cid)
	if err != nil {
		return err
	}
	i.vhost = vhost

	var mmioDevices []bootprep.MMIODevice
	if i.cfg.NetworkEnabled {
		natStack, err := nat.NewStack(i.cfg.Security)
		if err != nil {
			return err
		}
		i.natStack = natStack

		netdev := newVirtioNetDevice(i.mem, natStack.Endpoint())
		vmFd := i.vmFd
		netdev.setIRQLevel = func(level uint32) { irqLine(vmFd, virtioNetIRQ, level) }
		i.netdev = netdev

		netCtx, cancel := context.WithCancel(context.Background())
		i.netCancel = cancel
		go netdev.rxLoop(netCtx)

		mmioDevices = []bootprep.MMIODevice{{
			LenBytes: virtioNetMMIOLen,
			Base:     virtioNetMMIOBase,
			IRQ:      virtioNetIRQ,
		}}
	}

	kernelPath := i.cfg.KernelPath
	if kernelPath == "" {
		kernelPath = bootCfg.KernelPath
	}
	initramfsPath := i.cfg.InitramfsPath
	if initramfsPath == "" && i.cfg.OCIRootfs == nil {
		initramfsPath = bootCfg.InitramfsPath
	}

	cmdline := bootprep.BuildCmdline(i.cfg, bootprep.CmdlineParams{
		Console:     bootprep.ConsoleDevice(),
		ClockUnix:   bootEpoch(),
		MMIODevices: mmioDevices,
	})

	loaded, err := loadBzImage(mem, kernelPath, initramfsPath, cmdline, memSizeBytes)
	if err != nil {
		return err
	}

	mmapSize, err := getVCPUMmapSize(kvmFd)
	if err != nil {
		return voidboxerr.Wrap(voidboxerr.VmStart, "kvm.boot: KVM_GET_VCPU_MMAP_SIZE", err)
	}

	for id := 0; id < i.cfg.VCPUs; id++ {
		vcpuFd, err := createVCPU(vmFd, id)
		if err != nil {
			return voidboxerr.Wrap(voidboxerr.VmStart, "kvm.boot: KVM_CREATE_VCPU", err)
		}
		run, err := unix.Mmap(vcpuFd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return voidboxerr.Wrap(voidboxerr.VmStart, "kvm.boot: mmap kvm_run", err)
		}
		if err := initialSregs(vcpuFd); err != nil {
			return voidboxerr.Wrap(voidboxerr.VmStart, "kvm.boot: initial sregs", err)
		}
		entry := loaded.entryPoint
		if id != 0 {
			// Only the boot vCPU runs the kernel's 32-bit entry point;
			// the guest kernel itself brings up secondary CPUs via INIT/SIPI,
			// which this minimal boot path does not emulate, so additional
			// vCPUs are created but left parked.
			entry = 0
		}
		if id == 0 {
			if err := initialRegs(vcpuFd, entry, loaded.zeroPageGPA); err != nil {
				return voidboxerr.Wrap(voidboxerr.VmStart, "kvm.boot: initial regs", err)
			}
		}

		v := newVCPU(id, vcpuFd, run)
		go v.loop()
		i.vcpus = append(i.vcpus, v)
	}

	for _, v := range i.vcpus {
		if v.id != 0 {
			continue
		}
		vv := v
		go i.runVCPU(vv)
	}

	return nil
}

// bootEpoch returns the wall-clock second count baked into the
// voidbox.clock cmdline token (spec.md §6).
func bootEpoch() int64 { return time.Now().Unix() }

// runVCPU issues KVM_RUN in a loop on the vCPU's pinned OS thread and
// dispatches on exit reason. Serial output on the legacy 0x3f8 port is
// mirrored into the instance's console ring for postmortem inspection;
// a full virtio-console device is not implemented in this minimal boot
// path. MMIO exits are serviced by the instance's virtio-net device when
// NetworkEnabled; every other device class (virtio-9p/virtio-blk) stays
// unmodeled, so rootfs/mount content reaches the guest over the control
// channel instead (see stage_linux.go).
func (i *instance) runVCPU(v *vcpu) {
	for {
		select {
		case <-i.stop:
			return
		default:
		}

		var runErr error
		v.submit(func() {
			runErr = runVCPU(v.fd)
		})
		if runErr != nil {
			if errors.Is(runErr, unix.EINTR) {
				continue
			}
			return
		}

		rd := v.runData()
		switch rd.exitReason {
		case exitIO:
			i.handleIOExit(v)
		case exitMMIO:
			i.handleMMIOExit(v)
		case exitHLT, exitShutdown, exitSystemEvent:
			return
		case exitIntr:
			// interrupted by requestImmediateExit; loop and re-check i.stop.
		default:
			return
		}
	}
}

func (i *instance) handleIOExit(v *vcpu) {
	rd := v.runData()
	io := (*kvmExitIoData)(ioDataPtr(rd))
	if io.port != 0x3f8 || io.direction != ioDirOut {
		return
	}
	data := ioOutputBytes(v, io)
	i.console.Write(data)
}

func (b *Backend) PauseVM(ctx context.Context, h vmm.Handle) error {
	inst, err := b.lookup(h)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != vmm.Running {
		return voidboxerr.New(voidboxerr.VmNotRunning, "kvm.PauseVM")
	}
	for _, v := range inst.vcpus {
		v.requestImmediateExit()
	}
	inst.state = vmm.Paused
	return nil
}

func (b *Backend) ResumeVM(ctx context.Context, h vmm.Handle) error {
	inst, err := b.lookup(h)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != vmm.Paused {
		return voidboxerr.New(voidboxerr.VmNotRunning, "kvm.ResumeVM: not paused")
	}
	inst.state = vmm.Running
	// The run loop started at boot keeps going through a pause (KVM_RUN
	// returns EINTR while immediate_exit is set), so clearing the flag is
	// what lets the vCPUs run guest code again.
	for _, v := range inst.vcpus {
		v.runData().immediateExit = 0
	}
	return nil
}

func (b *Backend) StopVM(ctx context.Context, h vmm.Handle, gracePeriod time.Duration) error {
	inst, err := b.lookup(h)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	channel := inst.channel
	state := inst.state
	inst.mu.Unlock()

	if state == vmm.Running && channel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, gracePeriod)
		channel.Shutdown(shutdownCtx)
		cancel()
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	close(inst.stop)
	for _, v := range inst.vcpus {
		v.requestImmediateExit()
		v.stop()
	}
	inst.teardownLocked()
	inst.state = vmm.Stopped

	b.mu.Lock()
	delete(b.vms, h.ID)
	b.mu.Unlock()
	return nil
}

// markDegraded flips the instance permanently degraded once a
// control-channel call observes a GuestProtocol error: the handshake or
// framing is broken in a way a retry cannot fix, so every exec/write/mkdir
// after it must fail fast with VmNotRunning instead of hanging on a
// channel that will never recover (spec.md §7).
func (i *instance) markDegraded(err error) {
	if !voidboxerr.Is(err, voidboxerr.GuestProtocol) {
		return
	}
	i.mu.Lock()
	i.degraded = true
	i.mu.Unlock()
}

func (i *instance) teardownLocked() {
	if i.netCancel != nil {
		i.netCancel()
	}
	if i.natStack != nil {
		i.natStack.Close()
	}
	if i.mem != nil {
		i.mem.release()
	}
	if i.vhost != nil {
		i.vhost.close()
	}
	for _, v := range i.vcpus {
		unix.Close(v.fd)
	}
	if i.vmFd != 0 {
		unix.Close(i.vmFd)
	}
	if i.kvmFd != 0 {
		unix.Close(i.kvmFd)
	}
}

func (b *Backend) Exec(ctx context.Context, h vmm.Handle, req protocol.ExecRequest, chunkSink func(protocol.ExecOutputChunk)) (*protocol.ExecResponse, error) {
	inst, err := b.lookup(h)
	if err != nil {
		return nil, err
	}
	inst.mu.Lock()
	channel, state, degraded := inst.channel, inst.state, inst.degraded
	inst.mu.Unlock()
	if state != vmm.Running || degraded {
		return nil, voidboxerr.New(voidboxerr.VmNotRunning, "kvm.Exec")
	}
	resp, err := channel.Exec(ctx, req, chunkSink)
	inst.markDegraded(err)
	return resp, err
}

func (b *Backend) WriteFile(ctx context.Context, h vmm.Handle, wf protocol.WriteFile) error {
	inst, err := b.lookup(h)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	channel, state, degraded := inst.channel, inst.state, inst.degraded
	inst.mu.Unlock()
	if state != vmm.Running || degraded {
		return voidboxerr.New(voidboxerr.VmNotRunning, "kvm.WriteFile")
	}
	err = channel.WriteFile(ctx, wf)
	inst.markDegraded(err)
	return err
}

func (b *Backend) Mkdir(ctx context.Context, h vmm.Handle, md protocol.Mkdir) error {
	inst, err := b.lookup(h)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	channel, state, degraded := inst.channel, inst.state, inst.degraded
	inst.mu.Unlock()
	if state != vmm.Running || degraded {
		return voidboxerr.New(voidboxerr.VmNotRunning, "kvm.Mkdir")
	}
	err = channel.Mkdir(ctx, md)
	inst.markDegraded(err)
	return err
}

func (b *Backend) State(h vmm.Handle) vmm.State {
	inst, err := b.lookup(h)
	if err != nil {
		return vmm.Unstarted
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

func (b *Backend) HostEndpoints(h vmm.Handle) []vmm.HostEndpoint {
	inst, err := b.lookup(h)
	if err != nil {
		return nil
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.hostEndpoints
}

func (b *Backend) Capabilities() vmm.BackendCaps {
	return vmm.BackendCaps{Name: "kvm", Pause: true, RootFSBlock: false, NetworkBackend: "nat"}
}

func (b *Backend) lookup(h vmm.Handle) (*instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.vms[h.ID]
	if !ok {
		return nil, voidboxerr.New(voidboxerr.ConfigInvalid, "kvm: unknown VM handle "+h.ID)
	}
	return inst, nil
}
