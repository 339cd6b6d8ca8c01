package hvf

import (
	"context"
	"time"

	"github.com/the-void-ia/voidbox/internal/protocol"
	"github.com/the-void-ia/voidbox/internal/vmm"
	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

// Backend implements vmm.VMM's shape against Hypervisor.framework.
// Wiring the actual vCPU/memory/boot lifecycle requires cgo bindings
// into Hypervisor.framework and hv_vcpu_run's ARM64 exception-handling
// loop, which this module does not carry (no darwin build available to
// ground or exercise it against). CreateVM fails with ErrUnsupported so
// callers detect this at startup rather than mid-exec.
type Backend struct{}

// New constructs a Backend. It always succeeds; CreateVM is where an
// unsupported host is reported.
func New() *Backend { return &Backend{} }

func (b *Backend) CreateVM(ctx context.Context, cfg vmm.Config) (vmm.Handle, error) {
	return vmm.Handle{}, voidboxerr.Wrap(voidboxerr.VmStart, "hvf.CreateVM", ErrUnsupported)
}

func (b *Backend) StartVM(ctx context.Context, h vmm.Handle) error {
	return voidboxerr.Wrap(voidboxerr.VmStart, "hvf.StartVM", ErrUnsupported)
}

func (b *Backend) PauseVM(ctx context.Context, h vmm.Handle) error {
	return voidboxerr.Wrap(voidboxerr.VmStart, "hvf.PauseVM", ErrUnsupported)
}

func (b *Backend) ResumeVM(ctx context.Context, h vmm.Handle) error {
	return voidboxerr.Wrap(voidboxerr.VmStart, "hvf.ResumeVM", ErrUnsupported)
}

func (b *Backend) StopVM(ctx context.Context, h vmm.Handle, gracePeriod time.Duration) error {
	return voidboxerr.Wrap(voidboxerr.VmStart, "hvf.StopVM", ErrUnsupported)
}

func (b *Backend) Exec(ctx context.Context, h vmm.Handle, req protocol.ExecRequest, chunkSink func(protocol.ExecOutputChunk)) (*protocol.ExecResponse, error) {
	return nil, voidboxerr.Wrap(voidboxerr.VmStart, "hvf.Exec", ErrUnsupported)
}

func (b *Backend) WriteFile(ctx context.Context, h vmm.Handle, wf protocol.WriteFile) error {
	return voidboxerr.Wrap(voidboxerr.VmStart, "hvf.WriteFile", ErrUnsupported)
}

func (b *Backend) Mkdir(ctx context.Context, h vmm.Handle, md protocol.Mkdir) error {
	return voidboxerr.Wrap(voidboxerr.VmStart, "hvf.Mkdir", ErrUnsupported)
}

func (b *Backend) State(h vmm.Handle) vmm.State { return vmm.Unstarted }

func (b *Backend) HostEndpoints(h vmm.Handle) []vmm.HostEndpoint { return nil }

func (b *Backend) Capabilities() vmm.BackendCaps {
	return vmm.BackendCaps{Name: "hvf", Pause: false, RootFSBlock: false, NetworkBackend: "nat"}
}
