//go:build !linux

package main

import (
	"fmt"

	"github.com/the-void-ia/voidbox/internal/bootprep"
	"github.com/the-void-ia/voidbox/internal/vmm"
)

func newKVMBackend(bootCfg *bootprep.Config) (vmm.VMM, error) {
	return nil, fmt.Errorf("kvm backend is only available on linux")
}
