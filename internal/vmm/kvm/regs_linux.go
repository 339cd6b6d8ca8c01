//go:build linux

package kvm

// initialRegs and initialSregs prepare a vCPU for the Linux/x86 32-bit
// boot protocol entry point: protected mode, paging disabled, flat
// (base 0, limit 4GiB) segments — the kernel's own startup_32 code
// builds page tables and switches to long mode itself; voidbox never
// does it on the kernel's behalf.
func initialRegs(vcpuFd int, entryPoint, zeroPageGPA uint64) error {
	var regs kvmRegs
	if err := getRegs(vcpuFd, &regs); err != nil {
		return err
	}
	regs.RFLAGS = 2 // bit 1 is always set; all other flags clear
	regs.RIP = entryPoint
	regs.RSI = zeroPageGPA
	return setRegs(vcpuFd, &regs)
}

func initialSregs(vcpuFd int) error {
	var sregs kvmSregs
	if err := getSregs(vcpuFd, &sregs); err != nil {
		return err
	}

	flat := kvmSegment{Base: 0, Limit: 0xFFFFFFFF, G: 1, Present: 1, S: 1, DB: 1}
	sregs.CS = flat
	sregs.CS.Type = 0xB // execute/read, accessed
	sregs.DS = flat
	sregs.DS.Type = 0x3 // read/write, accessed
	sregs.ES = flat
	sregs.ES.Type = 0x3
	sregs.FS = flat
	sregs.FS.Type = 0x3
	sregs.GS = flat
	sregs.GS.Type = 0x3
	sregs.SS = flat
	sregs.SS.Type = 0x3

	sregs.CR0 |= 1 // PE: protected mode enable

	return setSregs(vcpuFd, &sregs)
}
