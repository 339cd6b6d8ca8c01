package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/the-void-ia/voidbox/internal/protocol"
	"github.com/the-void-ia/voidbox/internal/vmm"
)

func TestCreateStartExecStop(t *testing.T) {
	b := New()
	ctx := context.Background()

	h, err := b.CreateVM(ctx, vmm.Config{MemoryMB: 256, VCPUs: 1})
	require.NoError(t, err)
	require.Equal(t, vmm.Unstarted, b.State(h))

	require.NoError(t, b.StartVM(ctx, h))
	require.Equal(t, vmm.Running, b.State(h))

	resp, err := b.Exec(ctx, h, protocol.ExecRequest{Program: "echo", Args: []string{"hi"}}, nil)
	require.NoError(t, err)
	require.Equal(t, int32(0), resp.ExitCode)

	require.NoError(t, b.StopVM(ctx, h, 2*time.Second))
	require.Equal(t, vmm.Stopped, b.State(h))
}

func TestExecBeforeStartFails(t *testing.T) {
	b := New()
	ctx := context.Background()
	h, err := b.CreateVM(ctx, vmm.Config{MemoryMB: 256, VCPUs: 1})
	require.NoError(t, err)

	_, err = b.Exec(ctx, h, protocol.ExecRequest{Program: "echo"}, nil)
	require.Error(t, err)
}

func TestCreateVMRejectsInvalidConfig(t *testing.T) {
	b := New()
	_, err := b.CreateVM(context.Background(), vmm.Config{MemoryMB: 0, VCPUs: 1})
	require.Error(t, err)
}

func TestPauseResume(t *testing.T) {
	b := New()
	ctx := context.Background()
	h, err := b.CreateVM(ctx, vmm.Config{MemoryMB: 256, VCPUs: 1})
	require.NoError(t, err)
	require.NoError(t, b.StartVM(ctx, h))

	require.NoError(t, b.PauseVM(ctx, h))
	require.Equal(t, vmm.Paused, b.State(h))
	require.NoError(t, b.ResumeVM(ctx, h))
	require.Equal(t, vmm.Running, b.State(h))
}

func TestExecWiresStdinToChild(t *testing.T) {
	b := New()
	ctx := context.Background()
	h, err := b.CreateVM(ctx, vmm.Config{MemoryMB: 256, VCPUs: 1})
	require.NoError(t, err)
	require.NoError(t, b.StartVM(ctx, h))

	resp, err := b.Exec(ctx, h, protocol.ExecRequest{
		Program: "cat",
		Stdin:   []byte("abc"),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, int32(0), resp.ExitCode)
	require.Equal(t, "abc", string(resp.Stdout))
}

func TestCapabilities(t *testing.T) {
	b := New()
	caps := b.Capabilities()
	require.Equal(t, "mock", caps.Name)
	require.True(t, caps.Pause)
}
