//go:build linux

package kvm

import (
	"golang.org/x/sys/unix"

	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

// guestMemory is the mmap'd host backing for one VM's RAM, split around
// the x86_64 PCI hole at [pciHoleStart, highMemoryStart) when the
// requested size would otherwise overlap it.
type guestMemory struct {
	low  []byte // guest physical [0, len(low))
	high []byte // guest physical [highMemoryStart, highMemoryStart+len(high)), only if split
}

func allocateGuestMemory(vmFd int, memSizeBytes uint64) (*guestMemory, error) {
	gm := &guestMemory{}

	if memSizeBytes <= pciHoleStart {
		mem, err := mmapAnon(memSizeBytes)
		if err != nil {
			return nil, err
		}
		gm.low = mem
		if err := setUserMemoryRegion(vmFd, &kvmUserspaceMemoryRegion{
			Slot: 0, GuestPhysAddr: 0, MemorySize: memSizeBytes,
			UserspaceAddr: addrOf(mem),
		}); err != nil {
			return nil, voidboxerr.Wrap(voidboxerr.VmStart, "kvm: map low memory", err)
		}
		return gm, nil
	}

	low, err := mmapAnon(pciHoleStart)
	if err != nil {
		return nil, err
	}
	gm.low = low
	if err := setUserMemoryRegion(vmFd, &kvmUserspaceMemoryRegion{
		Slot: 0, GuestPhysAddr: 0, MemorySize: pciHoleStart,
		UserspaceAddr: addrOf(low),
	}); err != nil {
		return nil, voidboxerr.Wrap(voidboxerr.VmStart, "kvm: map low memory", err)
	}

	highSize := memSizeBytes - pciHoleStart
	high, err := mmapAnon(highSize)
	if err != nil {
		return nil, err
	}
	gm.high = high
	if err := setUserMemoryRegion(vmFd, &kvmUserspaceMemoryRegion{
		Slot: 1, GuestPhysAddr: highMemoryStart, MemorySize: highSize,
		UserspaceAddr: addrOf(high),
	}); err != nil {
		return nil, voidboxerr.Wrap(voidboxerr.VmStart, "kvm: map high memory", err)
	}

	return gm, nil
}

func mmapAnon(size uint64) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, voidboxerr.Wrap(voidboxerr.VmStart, "kvm: mmap guest memory", err)
	}
	return mem, nil
}

// writeAt writes p at guest physical address gpa, routing to the low or
// high region as appropriate. Callers (boot loading) never write across
// the PCI hole boundary in one call.
func (gm *guestMemory) writeAt(gpa uint64, p []byte) {
	if gpa < uint64(len(gm.low)) || (gm.high == nil && gpa+uint64(len(p)) <= uint64(len(gm.low))) {
		copy(gm.low[gpa:], p)
		return
	}
	copy(gm.high[gpa-highMemoryStart:], p)
}

// sliceAt returns a mutable view of n bytes of guest memory starting at
// gpa, routed to the low or high region. Callers (the virtio-mmio device
// model) never address memory that straddles the PCI-hole split, since
// the split only exists above guest RAM sizes no single virtqueue
// descriptor buffer approaches.
func (gm *guestMemory) sliceAt(gpa uint64, n int) []byte {
	if gm.high != nil && gpa >= highMemoryStart {
		off := gpa - highMemoryStart
		return gm.high[off : off+uint64(n)]
	}
	return gm.low[gpa : gpa+uint64(n)]
}

func (gm *guestMemory) release() {
	if gm.low != nil {
		unix.Munmap(gm.low)
	}
	if gm.high != nil {
		unix.Munmap(gm.high)
	}
}
