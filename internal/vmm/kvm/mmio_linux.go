//go:build linux

package kvm

import (
	"encoding/binary"
	"unsafe"
)

// mmioDataPtr overlays kvmExitMMIOData onto a kvm_run page's anon0 union,
// mirroring io_linux.go's ioDataPtr for the IO variant.
func mmioDataPtr(rd *kvmRunData) unsafe.Pointer {
	return unsafe.Pointer(&rd.anon0[0])
}

// handleMMIOExit dispatches a KVM_EXIT_MMIO against the instance's
// virtio-net device when the faulting address falls inside its MMIO
// window, and otherwise services it as a read-of-zero / discarded write
// so guest drivers probing for devices that don't exist see nothing
// there rather than hanging KVM_RUN.
func (i *instance) handleMMIOExit(v *vcpu) {
	rd := v.runData()
	mmio := (*kvmExitMMIOData)(mmioDataPtr(rd))

	if i.netdev == nil || mmio.physAddr < virtioNetMMIOBase || mmio.physAddr >= virtioNetMMIOBase+virtioNetMMIOLen {
		if mmio.isWrite == 0 {
			for j := range mmio.data {
				mmio.data[j] = 0
			}
		}
		return
	}

	offset := mmio.physAddr - virtioNetMMIOBase
	if mmio.isWrite != 0 {
		val := leUint(mmio.data[:mmio.length])
		i.netdev.Write(offset, mmio.length, val)
		return
	}

	val := i.netdev.Read(offset, mmio.length)
	val = truncateToWidth(val, mmio.length)
	binary.LittleEndian.PutUint64(mmio.data[:], val)
}

func leUint(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}
