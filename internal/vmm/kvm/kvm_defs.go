//go:build linux

package kvm

// ioctl request numbers for /dev/kvm and its VM/vCPU file descriptors.
// Values match <linux/kvm.h>; KVM's ioctl encoding predates a stable
// header package most distros ship pre-parsed, so these are taken
// directly from the kernel UAPI header rather than any Go binding.
const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmGetVCPUMmapSize     = 0xae04
	kvmCreateVCPU          = 0xae41
	kvmRun                 = 0xae80
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmCreateIRQChip       = 0xae60
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48
	kvmCreatePIT2          = 0x4040ae77
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmIrqLine             = 0x4008ae61
)

// KVM exit reasons, populated into kvmRunData.exitReason after KVM_RUN
// returns.
const (
	exitUnknown       = 0
	exitIO            = 2
	exitHLT           = 5
	exitMMIO          = 6
	exitShutdown      = 8
	exitIntr          = 10
	exitSystemEvent   = 24
)

// x86_64 memory layout: KVM requires splitting guest RAM around the PCI
// hole at [3GiB, 4GiB) when total memory exceeds 3GiB.
const (
	pciHoleStart    uint64 = 0xC0000000
	highMemoryStart uint64 = 0x100000000
)

// Linux/x86 boot protocol locations voidbox's minimal boot path writes
// into: no legacy BIOS, no ACPI, no PCI — the guest kernel only needs
// enough of a zero-page to find its cmdline, initramfs and E820 map.
const (
	bootParamAddr   uint64 = 0x10000
	cmdlineAddr     uint64 = 0x20000
	kernelLoadAddr  uint64 = 0x100000
	initrdLoadAddr  uint64 = 0x0f000000
)

// The virtio-net MMIO device lives inside the PCI hole (spec.md §4.5):
// an address range KVM never backs with a user memory region, so any
// guest access there is guaranteed to come back as a KVM_EXIT_MMIO
// rather than silently reading/writing RAM.
const (
	virtioNetMMIOBase uint64 = 0xd0000000
	virtioNetMMIOLen  uint64 = 0x1000
	virtioNetIRQ      uint32 = 5
)
