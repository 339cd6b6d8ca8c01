// Package vmm defines the platform-neutral VM backend abstraction: a
// closed taxonomy of three concrete implementations (kvm.Backend on
// Linux, hvf.Backend on macOS, mock.Backend for tests and dry runs),
// sharing one lifecycle contract — create, start, exec, pause/resume,
// stop. Core code never branches on which backend is active; it calls
// this interface and reads Capabilities() when it needs to know what
// the active backend can do.
package vmm

import (
	"context"
	"fmt"
	"time"

	"github.com/the-void-ia/voidbox/internal/protocol"
)

// Handle is an opaque reference to a created VM.
type Handle struct {
	ID string
}

func (h Handle) String() string { return h.ID }

// Mount describes one host-path/guest-path binding. The kvm backend has no
// virtio-9p device: it copies the host tree into the guest over the
// control channel once, at StartVM, so later host-side changes are not
// seen by the guest. The mock backend does nothing with mounts.
type Mount struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// OCIRootfs points at an OCI-derived root filesystem, produced by
// internal/oci and staged by internal/bootprep, either a guest-visible
// directory (virtio-9p/virtio-fs) or a raw block device (virtio-blk).
// Core never assumes which; the backend declares what it needs via
// Capabilities().RootFSBlock and bootprep produces the matching artifact.
type OCIRootfs struct {
	GuestPath string // set when exposed as a mount
	Device    string // set when exposed as a raw disk image, e.g. "/dev/vda"
}

// SecurityPolicy bounds what a guest may do over the network and which
// commands a caller is permitted to request.
type SecurityPolicy struct {
	Secret             [32]byte
	CommandAllowlist   []string
	DenyCIDRs          []string
	MaxConnPerSecond   int
	MaxConcurrentFlows int
}

// PortExpose describes a guest port to make reachable from the host. The
// embedded NAT stack has no port-forward table: the kvm backend reports no
// HostEndpoints for these, and the mock backend reports each one as
// 127.0.0.1 on the guest's port number.
type PortExpose struct {
	GuestPort int
	Protocol  string // "tcp" or "udp"
}

// HostEndpoint describes a host-reachable address for one exposed port.
type HostEndpoint struct {
	GuestPort   int
	HostPort    int
	Protocol    string
	BackendAddr string
}

// BackendCaps reports what a concrete backend supports, so callers can
// branch on capability rather than backend identity.
type BackendCaps struct {
	Name           string
	Pause          bool
	RootFSBlock    bool // true if this backend wants OCIRootfs.Device rather than .GuestPath
	NetworkBackend string
}

func (c BackendCaps) String() string {
	return fmt.Sprintf("backend=%s pause=%v rootfs-block=%v network=%s",
		c.Name, c.Pause, c.RootFSBlock, c.NetworkBackend)
}

// Config is immutable once passed to CreateVM.
type Config struct {
	MemoryMB       int
	VCPUs          int
	KernelPath     string
	InitramfsPath  string // optional; omitted when OCIRootfs.Device is a bootable disk
	NetworkEnabled bool
	VsockEnabled   bool
	Mounts         []Mount
	OCIRootfs      *OCIRootfs
	Env            map[string]string
	ExposePorts    []PortExpose
	Security       SecurityPolicy
}

// State is the closed lifecycle of a VM: the only legal transitions are
// Unstarted→Running→Stopped, with Paused reachable only from Running on
// backends whose Capabilities().Pause is true.
type State int

const (
	Unstarted State = iota
	Running
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VMM is the virtual machine manager interface. All callers use this
// interface — they never know which of kvm.Backend, hvf.Backend or
// mock.Backend is active.
type VMM interface {
	// CreateVM validates cfg and prepares (but does not start) a VM.
	CreateVM(ctx context.Context, cfg Config) (Handle, error)

	// StartVM boots the VM and brings up its control channel. Blocks
	// until the guest-agent's Hello handshake completes or ctx expires.
	StartVM(ctx context.Context, h Handle) error

	// PauseVM suspends vCPU execution, retaining RAM. Only valid if
	// Capabilities().Pause is true.
	PauseVM(ctx context.Context, h Handle) error

	// ResumeVM resumes a paused VM.
	ResumeVM(ctx context.Context, h Handle) error

	// StopVM requests a graceful guest shutdown, waits up to gracePeriod,
	// then hard-kills. Always releases the backend's resources, even on
	// error.
	StopVM(ctx context.Context, h Handle, gracePeriod time.Duration) error

	// Exec runs one command to completion over the control channel.
	Exec(ctx context.Context, h Handle, req protocol.ExecRequest, chunkSink func(protocol.ExecOutputChunk)) (*protocol.ExecResponse, error)

	// WriteFile performs a native guest-agent file write.
	WriteFile(ctx context.Context, h Handle, wf protocol.WriteFile) error

	// Mkdir performs a native guest-agent directory creation.
	Mkdir(ctx context.Context, h Handle, md protocol.Mkdir) error

	// State reports h's current lifecycle state.
	State(h Handle) State

	// HostEndpoints lists host-reachable addresses for h's exposed ports.
	// Only meaningful once State(h) is Running.
	HostEndpoints(h Handle) []HostEndpoint

	// Capabilities describes what this backend supports.
	Capabilities() BackendCaps
}
