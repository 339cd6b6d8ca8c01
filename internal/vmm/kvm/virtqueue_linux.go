//go:build linux

package kvm

import "encoding/binary"

// Split virtqueue layout (VIRTIO 1.1 §2.6): a descriptor table, a driver
// (avail) ring and a device (used) ring, each a separate guest-memory
// region whose address the driver writes into the transport's
// QueueDesc/QueueDriver/QueueDevice registers. Field access goes through
// encoding/binary rather than an unsafe struct overlay — guest-posted
// addresses aren't guaranteed to satisfy Go's alignment requirements for
// a direct pointer cast the way the fixed, aligned kvm_run page is.
const (
	descFlagsNext  = 1
	descFlagsWrite = 2 // device-writable (host-to-guest) buffer
	descSize       = 16 // bytes: addr(8) + len(4) + flags(2) + next(2)
	availHeaderLen = 4  // flags(2) + idx(2)
	usedHeaderLen  = 4  // flags(2) + idx(2)
	usedElemLen    = 8  // id(4) + len(4)
)

type vqDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func readDesc(mem *guestMemory, descTable uint64, idx uint16) vqDesc {
	b := mem.sliceAt(descTable+uint64(idx)*descSize, descSize)
	return vqDesc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

func availIdx(mem *guestMemory, availAddr uint64) uint16 {
	return binary.LittleEndian.Uint16(mem.sliceAt(availAddr+2, 2))
}

func availRingAt(mem *guestMemory, availAddr uint64, qsize uint32, pos uint16) uint16 {
	slot := uint64(pos) % uint64(qsize)
	off := availAddr + availHeaderLen + 2*slot
	return binary.LittleEndian.Uint16(mem.sliceAt(off, 2))
}

// pushUsed appends one completed descriptor chain to the used ring and
// bumps its idx, making it visible to the driver.
func pushUsed(mem *guestMemory, usedAddr uint64, qsize uint32, descID uint16, length uint32) {
	idx := binary.LittleEndian.Uint16(mem.sliceAt(usedAddr+2, 2))
	slot := uint64(idx) % uint64(qsize)
	elem := usedAddr + usedHeaderLen + usedElemLen*slot
	binary.LittleEndian.PutUint32(mem.sliceAt(elem, 4), uint32(descID))
	binary.LittleEndian.PutUint32(mem.sliceAt(elem+4, 4), length)
	binary.LittleEndian.PutUint16(mem.sliceAt(usedAddr+2, 2), idx+1)
}

// readChain collects the full payload of one descriptor chain starting
// at head, following Next links while descFlagsNext is set.
func readChain(mem *guestMemory, descTable uint64, head uint16) []byte {
	var out []byte
	idx := head
	for {
		d := readDesc(mem, descTable, idx)
		out = append(out, mem.sliceAt(d.Addr, int(d.Len))...)
		if d.Flags&descFlagsNext == 0 {
			break
		}
		idx = d.Next
	}
	return out
}
