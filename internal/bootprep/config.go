// Package bootprep prepares everything a backend needs before it can
// call vmm.VMM.StartVM: resolving the kernel/initramfs paths, staging an
// OCI-derived rootfs onto the local filesystem, and building the kernel
// command line (spec.md §4.4 steps 1-3, §6).
package bootprep

import (
	"os"
	"path/filepath"
	"runtime"
)

// Config holds the host-side paths and defaults needed to prepare a VM.
// It is distinct from vmm.Config: Config describes where things live on
// the host; vmm.Config describes the VM itself.
type Config struct {
	// StateDir is the root of all persisted state: blobs/, rootfs/, guest/
	// (spec.md §6 "Persisted state").
	StateDir string

	// KernelPath is the path to the kernel image booted by the KVM
	// backend.
	KernelPath string

	// InitramfsPath is optional; set when the backend boots from an
	// initramfs rather than a block-device rootfs.
	InitramfsPath string

	DefaultMemoryMB int
	DefaultVCPUs    int
}

// Defaults returns a Config populated from environment variables
// (spec.md §6: VOID_BOX_KERNEL, VOID_BOX_INITRAMFS, VOIDBOX_STATE_DIR),
// falling back to a per-user state directory under the home directory.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	stateDir := os.Getenv("VOIDBOX_STATE_DIR")
	if stateDir == "" {
		stateDir = filepath.Join(home, ".voidbox")
	}

	cfg := &Config{
		StateDir:        stateDir,
		KernelPath:      os.Getenv("VOID_BOX_KERNEL"),
		InitramfsPath:   os.Getenv("VOID_BOX_INITRAMFS"),
		DefaultMemoryMB: 512,
		DefaultVCPUs:    1,
	}
	if cfg.KernelPath == "" {
		cfg.KernelPath = filepath.Join(stateDir, "kernel", "vmlinux")
	}
	return cfg
}

// BlobDir is the content-addressed OCI blob cache directory.
func (c *Config) BlobDir() string { return filepath.Join(c.StateDir, "blobs", "sha256") }

// RootfsDir is where unpacked OCI rootfs trees are staged, one directory
// per cache key.
func (c *Config) RootfsDir(key string) string { return filepath.Join(c.StateDir, "rootfs", key) }

// GuestDir is where per-instance guest-writable state lives (spec.md §6).
func (c *Config) GuestDir(key string) string { return filepath.Join(c.StateDir, "guest", key) }

// EnsureDirs creates the directories Config names, if missing.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.StateDir,
		c.BlobDir(),
		filepath.Join(c.StateDir, "rootfs"),
		filepath.Join(c.StateDir, "guest"),
		filepath.Dir(c.KernelPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ConsoleDevice returns the kernel console token for the host's VMM
// backend (spec.md §6): ttyS0 under KVM, hvc0 under hypervisor-framework.
func ConsoleDevice() string {
	if runtime.GOOS == "darwin" {
		return "hvc0"
	}
	return "ttyS0"
}
