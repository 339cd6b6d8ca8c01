// Package mock implements vmm.VMM without any hypervisor: it is a
// first-class member of the backend taxonomy (not a test shim), used for
// CI and local dry runs. It simulates the
// guest-agent side of the control channel in-process over net.Pipe,
// actually executing requested commands on the host via os/exec — so
// callers see real stdout/stderr/exit-code behavior without a VM.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/the-void-ia/voidbox/internal/control"
	"github.com/the-void-ia/voidbox/internal/gueststream"
	"github.com/the-void-ia/voidbox/internal/protocol"
	"github.com/the-void-ia/voidbox/internal/vmm"
	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

// Backend is the in-process vmm.VMM implementation.
type Backend struct {
	mu  sync.Mutex
	vms map[string]*instance
}

// New constructs an empty Backend.
func New() *Backend {
	return &Backend{vms: make(map[string]*instance)}
}

type instance struct {
	cfg     vmm.Config
	state   vmm.State
	channel *control.Channel
	secret  string
}

func (b *Backend) CreateVM(ctx context.Context, cfg vmm.Config) (vmm.Handle, error) {
	if cfg.MemoryMB <= 0 {
		return vmm.Handle{}, voidboxerr.New(voidboxerr.ConfigInvalid, "mock.CreateVM: MemoryMB must be positive")
	}
	if cfg.VCPUs <= 0 {
		return vmm.Handle{}, voidboxerr.New(voidboxerr.ConfigInvalid, "mock.CreateVM: VCPUs must be positive")
	}

	h := vmm.Handle{ID: uuid.NewString()}
	b.mu.Lock()
	b.vms[h.ID] = &instance{cfg: cfg, state: vmm.Unstarted}
	b.mu.Unlock()
	return h, nil
}

func (b *Backend) StartVM(ctx context.Context, h vmm.Handle) error {
	inst, err := b.get(h)
	if err != nil {
		return err
	}

	secret := fmt.Sprintf("%x", inst.cfg.Security.Secret)
	dial := func(ctx context.Context) (gueststream.Stream, error) {
		hostSide, guestSide := gueststream.Pipe()
		go runSimulatedGuestAgent(guestSide, secret)
		return hostSide, nil
	}

	b.mu.Lock()
	inst.channel = control.New(dial, secret)
	inst.state = vmm.Running
	b.mu.Unlock()
	return nil
}

func (b *Backend) PauseVM(ctx context.Context, h vmm.Handle) error {
	inst, err := b.get(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst.state != vmm.Running {
		return voidboxerr.New(voidboxerr.VmNotRunning, "mock.PauseVM")
	}
	inst.state = vmm.Paused
	return nil
}

func (b *Backend) ResumeVM(ctx context.Context, h vmm.Handle) error {
	inst, err := b.get(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst.state != vmm.Paused {
		return voidboxerr.New(voidboxerr.VmNotRunning, "mock.ResumeVM")
	}
	inst.state = vmm.Running
	return nil
}

func (b *Backend) StopVM(ctx context.Context, h vmm.Handle, gracePeriod time.Duration) error {
	inst, err := b.get(h)
	if err != nil {
		return err
	}
	if inst.channel != nil {
		shutCtx, cancel := context.WithTimeout(ctx, gracePeriod)
		inst.channel.Shutdown(shutCtx)
		cancel()
	}
	b.mu.Lock()
	inst.state = vmm.Stopped
	b.mu.Unlock()
	return nil
}

func (b *Backend) Exec(ctx context.Context, h vmm.Handle, req protocol.ExecRequest, chunkSink func(protocol.ExecOutputChunk)) (*protocol.ExecResponse, error) {
	inst, err := b.get(h)
	if err != nil {
		return nil, err
	}
	if inst.state != vmm.Running {
		return nil, voidboxerr.New(voidboxerr.VmNotRunning, "mock.Exec")
	}
	return inst.channel.Exec(ctx, req, chunkSink)
}

func (b *Backend) WriteFile(ctx context.Context, h vmm.Handle, wf protocol.WriteFile) error {
	inst, err := b.get(h)
	if err != nil {
		return err
	}
	if inst.state != vmm.Running {
		return voidboxerr.New(voidboxerr.VmNotRunning, "mock.WriteFile")
	}
	return inst.channel.WriteFile(ctx, wf)
}

func (b *Backend) Mkdir(ctx context.Context, h vmm.Handle, md protocol.Mkdir) error {
	inst, err := b.get(h)
	if err != nil {
		return err
	}
	if inst.state != vmm.Running {
		return voidboxerr.New(voidboxerr.VmNotRunning, "mock.Mkdir")
	}
	return inst.channel.Mkdir(ctx, md)
}

func (b *Backend) State(h vmm.Handle) vmm.State {
	inst, err := b.get(h)
	if err != nil {
		return vmm.Unstarted
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return inst.state
}

func (b *Backend) HostEndpoints(h vmm.Handle) []vmm.HostEndpoint {
	inst, err := b.get(h)
	if err != nil {
		return nil
	}
	eps := make([]vmm.HostEndpoint, 0, len(inst.cfg.ExposePorts))
	for _, p := range inst.cfg.ExposePorts {
		eps = append(eps, vmm.HostEndpoint{GuestPort: p.GuestPort, HostPort: p.GuestPort, Protocol: p.Protocol, BackendAddr: "127.0.0.1"})
	}
	return eps
}

func (b *Backend) Capabilities() vmm.BackendCaps {
	return vmm.BackendCaps{Name: "mock", Pause: true, RootFSBlock: false, NetworkBackend: "loopback"}
}

func (b *Backend) get(h vmm.Handle) (*instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.vms[h.ID]
	if !ok {
		return nil, voidboxerr.New(voidboxerr.VmNotRunning, "mock: unknown handle "+h.ID)
	}
	return inst, nil
}

// runSimulatedGuestAgent plays the guest side of the control protocol:
// send Hello, then serve exactly one request per connection, mirroring
// the session-per-exec model real guest-agents use.
func runSimulatedGuestAgent(s gueststream.Stream, secret string) {
	defer s.Close()
	if err := protocol.WriteFrame(s, protocol.TypeHello, protocol.Hello{SessionSecret: secret, AgentVersion: "mock"}); err != nil {
		return
	}

	f, err := protocol.ReadFrame(s)
	if err != nil {
		return
	}

	switch f.Type {
	case protocol.TypeExecRequest:
		var req protocol.ExecRequest
		if err := protocol.Decode(f, &req); err != nil {
			return
		}
		serveExec(s, req)

	case protocol.TypeWriteFile:
		var wf protocol.WriteFile
		protocol.Decode(f, &wf)
		protocol.WriteFrame(s, protocol.TypeWriteFileResponse, protocol.WriteFileResponse{RequestID: wf.RequestID})

	case protocol.TypeMkdir:
		var md protocol.Mkdir
		protocol.Decode(f, &md)
		protocol.WriteFrame(s, protocol.TypeMkdirResponse, protocol.MkdirResponse{RequestID: md.RequestID})

	case protocol.TypeShutdown:
		protocol.WriteFrame(s, protocol.TypeShutdownAck, nil)
	}
}

func serveExec(s gueststream.Stream, req protocol.ExecRequest) {
	start := time.Now()
	cmd := exec.Command(req.Program, req.Args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	err := cmd.Run()
	stdout, stderr := stdoutBuf.Bytes(), stderrBuf.Bytes()
	exitCode := int32(0)
	errMsg := ""
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = int32(exitErr.ExitCode())
	} else if err != nil {
		errMsg = err.Error()
		exitCode = -1
	}

	var seq uint64
	if len(stdout) > 0 {
		protocol.WriteFrame(s, protocol.TypeExecOutputChunk, protocol.ExecOutputChunk{
			RequestID: req.RequestID, Stream: protocol.StreamStdout, Data: stdout, Seq: seq,
		})
		seq++
	}
	if len(stderr) > 0 {
		protocol.WriteFrame(s, protocol.TypeExecOutputChunk, protocol.ExecOutputChunk{
			RequestID: req.RequestID, Stream: protocol.StreamStderr, Data: stderr, Seq: seq,
		})
	}

	durMs := time.Since(start).Milliseconds()
	protocol.WriteFrame(s, protocol.TypeExecResponse, protocol.ExecResponse{
		RequestID: req.RequestID, Stdout: stdout, Stderr: stderr, ExitCode: exitCode, Error: errMsg, DurationMs: &durMs,
	})
}
