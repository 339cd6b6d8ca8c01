// voidbox-run is a thin, non-daemon CLI that exercises the core
// sandbox lifecycle end-to-end: resolve an OCI image (optional), create
// and start a VM, run one command inside it, and tear the VM down. It
// has no HTTP API, router or persistent registry — those belong to a
// long-running control plane this module does not implement.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/lmittmann/tint"

	"github.com/the-void-ia/voidbox/internal/bootprep"
	"github.com/the-void-ia/voidbox/internal/oci"
	"github.com/the-void-ia/voidbox/internal/protocol"
	"github.com/the-void-ia/voidbox/internal/vmm"
	"github.com/the-void-ia/voidbox/internal/vmm/mock"
)

func main() {
	var (
		image      = flag.String("image", "", "OCI image reference to use as the rootfs (optional)")
		kernel     = flag.String("kernel", "", "path to the guest kernel image (defaults to VOID_BOX_KERNEL)")
		initramfs  = flag.String("initramfs", "", "path to the guest initramfs (defaults to VOID_BOX_INITRAMFS)")
		memoryMB   = flag.Int("memory-mb", 512, "guest memory size in MiB")
		vcpus      = flag.Int("vcpus", 1, "guest vCPU count")
		backendFlag = flag.String("backend", defaultBackendName(), "vmm backend: kvm, hvf or mock")
		timeoutSec = flag.Int("timeout", 30, "command timeout in seconds")
	)
	flag.Parse()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.Kitchen}))
	slog.SetDefault(logger)

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: voidbox-run [flags] -- <program> [args...]")
		os.Exit(2)
	}
	argv := flag.Args()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutSec+10)*time.Second)
	defer cancel()

	bootCfg := bootprep.Defaults()
	if *kernel != "" {
		bootCfg.KernelPath = *kernel
	}
	if *initramfs != "" {
		bootCfg.InitramfsPath = *initramfs
	}
	if err := bootCfg.EnsureDirs(); err != nil {
		slog.Error("voidbox-run: ensure state dirs", "err", err)
		os.Exit(1)
	}

	cfg := vmm.Config{
		MemoryMB:      *memoryMB,
		VCPUs:         *vcpus,
		KernelPath:    bootCfg.KernelPath,
		InitramfsPath: bootCfg.InitramfsPath,
		VsockEnabled:  true,
		Security:      vmm.SecurityPolicy{},
	}
	if _, err := rand.Read(cfg.Security.Secret[:]); err != nil {
		slog.Error("voidbox-run: generate session secret", "err", err)
		os.Exit(1)
	}

	if *image != "" {
		cache := oci.NewCache(bootCfg, guestArch())
		rootfsDir, digest, err := cache.GetOrPull(ctx, *image)
		if err != nil {
			slog.Error("voidbox-run: resolve image", "image", *image, "err", err)
			os.Exit(1)
		}
		slog.Info("voidbox-run: image ready", "ref", *image, "digest", digest, "dir", rootfsDir)
		cfg.OCIRootfs = &vmm.OCIRootfs{GuestPath: "/mnt/rootfs"}
		cfg.Mounts = append(cfg.Mounts, vmm.Mount{HostPath: rootfsDir, GuestPath: "/mnt/rootfs", ReadOnly: true})
	}

	backend, err := newBackend(*backendFlag, bootCfg)
	if err != nil {
		slog.Error("voidbox-run: init backend", "err", err)
		os.Exit(1)
	}

	caps := backend.Capabilities()
	slog.Info("voidbox-run: backend ready", "caps", caps.String())

	h, err := backend.CreateVM(ctx, cfg)
	if err != nil {
		slog.Error("voidbox-run: create vm", "err", err)
		os.Exit(1)
	}

	if err := backend.StartVM(ctx, h); err != nil {
		slog.Error("voidbox-run: start vm", "err", err)
		os.Exit(1)
	}
	defer backend.StopVM(context.Background(), h, 5*time.Second)

	resp, err := backend.Exec(ctx, h, protocol.ExecRequest{
		Program:    argv[0],
		Args:       argv[1:],
		TimeoutSec: *timeoutSec,
	}, func(chunk protocol.ExecOutputChunk) {
		switch chunk.Stream {
		case protocol.StreamStdout:
			os.Stdout.Write(chunk.Data)
		case protocol.StreamStderr:
			os.Stderr.Write(chunk.Data)
		}
	})
	if err != nil {
		slog.Error("voidbox-run: exec", "err", err)
		os.Exit(1)
	}

	os.Exit(int(resp.ExitCode))
}

func newBackend(name string, bootCfg *bootprep.Config) (vmm.VMM, error) {
	switch name {
	case "kvm":
		return newKVMBackend(bootCfg)
	case "hvf":
		return newHVFBackend(bootCfg)
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func defaultBackendName() string {
	switch runtime.GOOS {
	case "linux":
		return "kvm"
	case "darwin":
		return "hvf"
	default:
		return "mock"
	}
}

func guestArch() string {
	if runtime.GOARCH == "arm64" {
		return "arm64"
	}
	return "amd64"
}
