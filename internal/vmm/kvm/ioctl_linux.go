//go:build linux

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

func openDevKVM() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, voidboxerr.Wrap(voidboxerr.VmStart, "kvm: open /dev/kvm", err)
	}
	return fd, nil
}

func getAPIVersion(kvmFd int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFd), kvmGetAPIVersion, 0)
	if errno != 0 {
		return 0, fmt.Errorf("KVM_GET_API_VERSION: %w", errno)
	}
	return int(r), nil
}

func createVM(kvmFd int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFd), kvmCreateVM, 0)
	if errno != 0 {
		return -1, fmt.Errorf("KVM_CREATE_VM: %w", errno)
	}
	return int(r), nil
}

func getVCPUMmapSize(kvmFd int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFd), kvmGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", errno)
	}
	return int(r), nil
}

func createVCPU(vmFd int, id int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFd), kvmCreateVCPU, uintptr(id))
	if errno != 0 {
		return -1, fmt.Errorf("KVM_CREATE_VCPU: %w", errno)
	}
	return int(r), nil
}

func setUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	if errno != 0 {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", errno)
	}
	return nil
}

func createIRQChip(vmFd int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFd), kvmCreateIRQChip, 0)
	if errno != 0 {
		return fmt.Errorf("KVM_CREATE_IRQCHIP: %w", errno)
	}
	return nil
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFd), kvmSetTSSAddr, uintptr(addr))
	if errno != 0 {
		return fmt.Errorf("KVM_SET_TSS_ADDR: %w", errno)
	}
	return nil
}

func setIdentityMapAddr(vmFd int, addr uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFd), kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))
	if errno != 0 {
		return fmt.Errorf("KVM_SET_IDENTITY_MAP_ADDR: %w", errno)
	}
	return nil
}

func createPIT2(vmFd int) error {
	var pitConfig [64]byte // struct kvm_pit_config { flags uint32; pad[15]uint32 }
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFd), kvmCreatePIT2, uintptr(unsafe.Pointer(&pitConfig[0])))
	if errno != 0 {
		return fmt.Errorf("KVM_CREATE_PIT2: %w", errno)
	}
	return nil
}

func runVCPU(vcpuFd int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFd), kvmRun, 0)
	if errno != 0 {
		return fmt.Errorf("KVM_RUN: %w", errno)
	}
	return nil
}

func getSregs(vcpuFd int, sregs *kvmSregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFd), kvmGetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return fmt.Errorf("KVM_GET_SREGS: %w", errno)
	}
	return nil
}

func setSregs(vcpuFd int, sregs *kvmSregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFd), kvmSetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return fmt.Errorf("KVM_SET_SREGS: %w", errno)
	}
	return nil
}

func getRegs(vcpuFd int, regs *kvmRegs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFd), kvmGetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return fmt.Errorf("KVM_GET_REGS: %w", errno)
	}
	return nil
}

func setRegs(vcpuFd int, regs *kvmRegs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vcpuFd), kvmSetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return fmt.Errorf("KVM_SET_REGS: %w", errno)
	}
	return nil
}

// irqLine asserts (level=1) or deasserts (level=0) a GSI line on the
// VM's in-kernel irqchip.
func irqLine(vmFd int, irq, level uint32) error {
	lvl := kvmIrqLevel{Irq: irq, Level: level}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFd), kvmIrqLine, uintptr(unsafe.Pointer(&lvl)))
	if errno != 0 {
		return fmt.Errorf("KVM_IRQ_LINE: %w", errno)
	}
	return nil
}
