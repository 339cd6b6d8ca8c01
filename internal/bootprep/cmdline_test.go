package bootprep

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/the-void-ia/voidbox/internal/vmm"
)

func TestBuildCmdlineTokenOrderAndMounts(t *testing.T) {
	cfg := vmm.Config{
		NetworkEnabled: true,
		Mounts: []vmm.Mount{
			{GuestPath: "/mnt/a", ReadOnly: true},
			{GuestPath: "/mnt/b", ReadOnly: false},
		},
		OCIRootfs: &vmm.OCIRootfs{GuestPath: "/mnt/rootfs"},
	}
	cfg.Security.Secret = [32]byte{0xde, 0xad, 0xbe, 0xef}

	cmdline := BuildCmdline(cfg, CmdlineParams{Console: "ttyS0", ClockUnix: 1700000000})
	tokens := strings.Split(cmdline, " ")

	require.Equal(t, "console=ttyS0", tokens[0])
	require.Contains(t, cmdline, "voidbox.secret=deadbeef")
	require.Contains(t, cmdline, "voidbox.clock=1700000000")
	require.Contains(t, cmdline, "ipv6.disable=1")
	require.Contains(t, cmdline, "voidbox.mount0=mount0:/mnt/a:ro")
	require.Contains(t, cmdline, "voidbox.mount1=mount1:/mnt/b:rw")
	require.Contains(t, cmdline, "voidbox.oci_rootfs=/mnt/rootfs")

	// Each mount appears exactly once, in index order.
	require.Equal(t, 1, strings.Count(cmdline, "voidbox.mount0="))
	require.Equal(t, 1, strings.Count(cmdline, "voidbox.mount1="))
	require.True(t, strings.Index(cmdline, "voidbox.mount0=") < strings.Index(cmdline, "voidbox.mount1="))
}

func TestBuildCmdlineOmitsIPv6DisableWhenNetworkingOff(t *testing.T) {
	cfg := vmm.Config{NetworkEnabled: false}
	cmdline := BuildCmdline(cfg, CmdlineParams{Console: "hvc0", ClockUnix: 1})
	require.NotContains(t, cmdline, "ipv6.disable")
}

func TestBuildCmdlineEmitsMMIODevices(t *testing.T) {
	cfg := vmm.Config{}
	cmdline := BuildCmdline(cfg, CmdlineParams{
		Console:   "ttyS0",
		ClockUnix: 1,
		MMIODevices: []MMIODevice{
			{LenBytes: 4096, Base: 0xd0000000, IRQ: 5},
		},
	})
	require.Contains(t, cmdline, "virtio_mmio.device=4096@0xd0000000:5")
}
