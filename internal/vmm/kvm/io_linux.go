//go:build linux

package kvm

import "unsafe"

// ioDataPtr overlays kvmExitIoData onto a kvm_run page's anon0 union.
func ioDataPtr(rd *kvmRunData) unsafe.Pointer {
	return unsafe.Pointer(&rd.anon0[0])
}

// ioOutputBytes returns the bytes a KVM_EXIT_IO out instruction wrote,
// reading them from the kvm_run page itself at io.dataOffset — KVM
// places PIO data there rather than inside the anon0 union.
func ioOutputBytes(v *vcpu, io *kvmExitIoData) []byte {
	n := int(io.size) * int(io.count)
	off := int(io.dataOffset)
	if off < 0 || off+n > len(v.run) {
		return nil
	}
	out := make([]byte, n)
	copy(out, v.run[off:off+n])
	return out
}
