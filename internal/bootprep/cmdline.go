package bootprep

import (
	"fmt"
	"strings"

	"github.com/the-void-ia/voidbox/internal/vmm"
)

// MMIODevice names one virtio-mmio region for the kernel-cmdline
// virtio_mmio.device= token (KVM only; hypervisor-framework uses PCI
// auto-discovery and passes nil here).
type MMIODevice struct {
	LenBytes uint64
	Base     uint64
	IRQ      uint32
}

// CmdlineParams carries everything BuildCmdline needs beyond vmm.Config
// itself: values that are either host-computed (the boot epoch) or
// backend-specific (the console device, the mmio device list).
type CmdlineParams struct {
	Console      string
	ClockUnix    int64
	MMIODevices  []MMIODevice
}

// BuildCmdline constructs the kernel command line (spec.md §6, the
// authoritative token list). Mounts are emitted in the order cfg.Mounts
// lists them, each exactly once, as voidbox.mount<i>.
func BuildCmdline(cfg vmm.Config, params CmdlineParams) string {
	var tokens []string

	tokens = append(tokens, "console="+params.Console)
	tokens = append(tokens, "loglevel=4", "reboot=k", "panic=1", "nokaslr")
	tokens = append(tokens, fmt.Sprintf("voidbox.secret=%x", cfg.Security.Secret))
	tokens = append(tokens, fmt.Sprintf("voidbox.clock=%d", params.ClockUnix))

	if cfg.NetworkEnabled {
		tokens = append(tokens, "ipv6.disable=1")
	}

	for i, m := range cfg.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		tokens = append(tokens, fmt.Sprintf("voidbox.mount%d=mount%d:%s:%s", i, i, m.GuestPath, mode))
	}

	if cfg.OCIRootfs != nil {
		if cfg.OCIRootfs.GuestPath != "" {
			tokens = append(tokens, "voidbox.oci_rootfs="+cfg.OCIRootfs.GuestPath)
		}
		if cfg.OCIRootfs.Device != "" {
			tokens = append(tokens, "voidbox.oci_rootfs_dev="+cfg.OCIRootfs.Device)
		}
	}

	for _, d := range params.MMIODevices {
		tokens = append(tokens, fmt.Sprintf("virtio_mmio.device=%d@0x%x:%d", d.LenBytes, d.Base, d.IRQ))
	}

	return strings.Join(tokens, " ")
}
