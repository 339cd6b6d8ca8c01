//go:build linux

package kvm

import (
	"encoding/binary"
	"os"

	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

// Linux/x86 boot protocol offsets inside a bzImage file's setup_header,
// and inside the "zero page" (struct boot_params) the kernel expects at
// entry. voidbox boots with no legacy BIOS, no ACPI and no PCI, so only
// the handful of zero-page fields a bzImage actually reads before it
// reaches the guest's own init are populated.
const (
	offSetupSects  = 0x1f1
	offBootFlag    = 0x1fe
	offHeaderMagic = 0x202
	offVersion     = 0x206
	offTypeOfLoader = 0x210
	offLoadflags   = 0x211
	offRamdiskImage = 0x218
	offRamdiskSize  = 0x21c
	offHeapEndPtr   = 0x224
	offCmdlinePtr   = 0x228
	offCmdlineSize  = 0x238

	zeroPageSetupHeaderOff = 0x1f1
	zeroPageSetupHeaderLen = 0x1f1 // copied verbatim from the file's own header
	offE820Entries         = 0x1e8
	offE820Table           = 0x2d0
	e820EntrySize          = 20
	e820Ram                = 1
	e820Reserved           = 2

	loadflagCanUseHeap  = 1 << 7
	loadflagLoadedHigh  = 1 << 0
	loadflagKeepSegments = 1 << 6
)

// loadedKernel is the result of preparing a VM's guest memory for boot:
// the entry point to set RIP to, and the zero-page address to pass in
// RSI per the 32-bit boot protocol.
type loadedKernel struct {
	entryPoint  uint64
	zeroPageGPA uint64
}

// loadBzImage reads a bzImage kernel and optional initramfs from disk,
// writes the protected-mode kernel image, cmdline, initrd, and a zero
// page into guest memory, and returns the entry point.
func loadBzImage(gm *guestMemory, kernelPath, initramfsPath, cmdline string, memSizeBytes uint64) (*loadedKernel, error) {
	kernelData, err := os.ReadFile(kernelPath)
	if err != nil {
		return nil, voidboxerr.Wrap(voidboxerr.ConfigInvalid, "kvm: read kernel", err)
	}
	if len(kernelData) < 0x300 {
		return nil, voidboxerr.New(voidboxerr.ConfigInvalid, "kvm: kernel image too small to be a bzImage")
	}
	if binary.LittleEndian.Uint16(kernelData[offBootFlag:]) != 0xAA55 {
		return nil, voidboxerr.New(voidboxerr.ConfigInvalid, "kvm: missing boot sector signature, not a bzImage")
	}
	if string(kernelData[offHeaderMagic:offHeaderMagic+4]) != "HdrS" {
		return nil, voidboxerr.New(voidboxerr.ConfigInvalid, "kvm: missing HdrS magic, not a bzImage")
	}

	setupSects := int(kernelData[offSetupSects])
	if setupSects == 0 {
		setupSects = 4
	}
	setupSize := (setupSects + 1) * 512
	if setupSize > len(kernelData) {
		return nil, voidboxerr.New(voidboxerr.ConfigInvalid, "kvm: truncated bzImage setup section")
	}
	protectedModeKernel := kernelData[setupSize:]

	gm.writeAt(kernelLoadAddr, protectedModeKernel)

	var ramdiskAddr, ramdiskSize uint32
	if initramfsPath != "" {
		initrd, err := os.ReadFile(initramfsPath)
		if err != nil {
			return nil, voidboxerr.Wrap(voidboxerr.ConfigInvalid, "kvm: read initramfs", err)
		}
		ramdiskAddr = uint32(initrdLoadAddr)
		ramdiskSize = uint32(len(initrd))
		gm.writeAt(initrdLoadAddr, initrd)
	}

	gm.writeAt(cmdlineAddr, append([]byte(cmdline), 0))

	zeroPage := make([]byte, 4096)
	copy(zeroPage[zeroPageSetupHeaderOff:], kernelData[zeroPageSetupHeaderOff:zeroPageSetupHeaderOff+zeroPageSetupHeaderLen])

	zeroPage[offTypeOfLoader] = 0xFF
	existingLoadflags := zeroPage[offLoadflags]
	zeroPage[offLoadflags] = existingLoadflags | loadflagCanUseHeap | loadflagLoadedHigh | loadflagKeepSegments
	binary.LittleEndian.PutUint32(zeroPage[offRamdiskImage:], ramdiskAddr)
	binary.LittleEndian.PutUint32(zeroPage[offRamdiskSize:], ramdiskSize)
	binary.LittleEndian.PutUint16(zeroPage[offHeapEndPtr:], 0xFE00)
	binary.LittleEndian.PutUint32(zeroPage[offCmdlinePtr:], uint32(cmdlineAddr))
	binary.LittleEndian.PutUint32(zeroPage[offCmdlineSize:], uint32(len(cmdline)+1))

	entries := buildE820(memSizeBytes)
	zeroPage[offE820Entries] = byte(len(entries))
	for i, e := range entries {
		off := offE820Table + i*e820EntrySize
		binary.LittleEndian.PutUint64(zeroPage[off:], e.addr)
		binary.LittleEndian.PutUint64(zeroPage[off+8:], e.size)
		binary.LittleEndian.PutUint32(zeroPage[off+16:], e.typ)
	}

	gm.writeAt(bootParamAddr, zeroPage)

	return &loadedKernel{entryPoint: kernelLoadAddr, zeroPageGPA: bootParamAddr}, nil
}

type e820Entry struct {
	addr uint64
	size uint64
	typ  uint32
}

// buildE820 reports the low-memory region as RAM, and — when total
// memory exceeds the PCI hole — the high region too, leaving the hole
// itself unreported (KVM has no device backing it, so it is implicitly
// reserved).
func buildE820(memSizeBytes uint64) []e820Entry {
	if memSizeBytes <= pciHoleStart {
		return []e820Entry{{addr: 0, size: memSizeBytes, typ: e820Ram}}
	}
	return []e820Entry{
		{addr: 0, size: pciHoleStart, typ: e820Ram},
		{addr: highMemoryStart, size: memSizeBytes - pciHoleStart, typ: e820Ram},
	}
}
