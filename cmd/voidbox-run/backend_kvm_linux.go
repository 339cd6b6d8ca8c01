//go:build linux

package main

import (
	"github.com/the-void-ia/voidbox/internal/bootprep"
	"github.com/the-void-ia/voidbox/internal/vmm"
	"github.com/the-void-ia/voidbox/internal/vmm/kvm"
)

func newKVMBackend(bootCfg *bootprep.Config) (vmm.VMM, error) {
	return kvm.New(bootCfg), nil
}
