//go:build linux

package kvm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestGuestMemory(size int) *guestMemory {
	return &guestMemory{low: make([]byte, size)}
}

func TestDescRingRoundTrip(t *testing.T) {
	mem := newTestGuestMemory(1 << 16)
	const descTable = 0x1000

	writeDesc(mem, descTable, 0, vqDesc{Addr: 0x4000, Len: 64, Flags: descFlagsNext, Next: 1})
	writeDesc(mem, descTable, 1, vqDesc{Addr: 0x5000, Len: 32, Flags: 0, Next: 0})

	got := readDesc(mem, descTable, 0)
	require.Equal(t, vqDesc{Addr: 0x4000, Len: 64, Flags: descFlagsNext, Next: 1}, got)
}

func TestReadChainFollowsNextLinks(t *testing.T) {
	mem := newTestGuestMemory(1 << 16)
	const descTable = 0x1000

	copy(mem.sliceAt(0x4000, 3), []byte("abc"))
	copy(mem.sliceAt(0x5000, 3), []byte("def"))
	writeDesc(mem, descTable, 0, vqDesc{Addr: 0x4000, Len: 3, Flags: descFlagsNext, Next: 1})
	writeDesc(mem, descTable, 1, vqDesc{Addr: 0x5000, Len: 3, Flags: 0, Next: 0})

	require.Equal(t, []byte("abcdef"), readChain(mem, descTable, 0))
}

func TestAvailRingAndUsedRing(t *testing.T) {
	mem := newTestGuestMemory(1 << 16)
	const availAddr = 0x2000
	const usedAddr = 0x3000
	const qsize = 4

	writeAvail(mem, availAddr, 0, []uint16{2, 0, 1, 3})
	require.Equal(t, uint16(0), availIdx(mem, availAddr))
	require.Equal(t, uint16(2), availRingAt(mem, availAddr, qsize, 0))
	require.Equal(t, uint16(0), availRingAt(mem, availAddr, qsize, 1))

	pushUsed(mem, usedAddr, qsize, 2, 128)
	require.Equal(t, uint16(1), usedIdx(mem, usedAddr))

	pushUsed(mem, usedAddr, qsize, 0, 64)
	require.Equal(t, uint16(2), usedIdx(mem, usedAddr))
}

// writeDesc, writeAvail and usedIdx are test-only helpers mirroring the
// production read paths so the ring layout is exercised from both ends.

func writeDesc(mem *guestMemory, descTable uint64, idx uint16, d vqDesc) {
	b := mem.sliceAt(descTable+uint64(idx)*descSize, descSize)
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Len)
	binary.LittleEndian.PutUint16(b[12:14], d.Flags)
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

func writeAvail(mem *guestMemory, availAddr uint64, idx uint16, ring []uint16) {
	binary.LittleEndian.PutUint16(mem.sliceAt(availAddr+2, 2), idx)
	for i, v := range ring {
		binary.LittleEndian.PutUint16(mem.sliceAt(availAddr+availHeaderLen+uint64(i)*2, 2), v)
	}
}

func usedIdx(mem *guestMemory, usedAddr uint64) uint16 {
	return binary.LittleEndian.Uint16(mem.sliceAt(usedAddr+2, 2))
}
