package main

import (
	"github.com/the-void-ia/voidbox/internal/bootprep"
	"github.com/the-void-ia/voidbox/internal/vmm"
	"github.com/the-void-ia/voidbox/internal/vmm/hvf"
)

func newHVFBackend(bootCfg *bootprep.Config) (vmm.VMM, error) {
	return hvf.New(), nil
}
