//go:build linux

package kvm

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/the-void-ia/voidbox/internal/control"
	"github.com/the-void-ia/voidbox/internal/protocol"
	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

// guestReadyPollInterval bounds how often waitForGuestReady retries its
// probe call while the guest kernel is still booting.
const guestReadyPollInterval = 200 * time.Millisecond

// waitForGuestReady blocks until the guest-agent's Hello handshake
// completes (vmm.VMM.StartVM's documented contract) or ctx expires.
// control.Channel performs the handshake on every call regardless of
// outcome, so a Mkdir against "/" succeeding or failing with anything
// other than a transport-level error is proof the guest-agent is up.
func waitForGuestReady(ctx context.Context, ch *control.Channel) error {
	for {
		err := ch.Mkdir(ctx, protocol.Mkdir{Path: "/", Mode: 0755})
		if err == nil || !voidboxerr.Is(err, voidboxerr.Network) {
			return nil
		}
		select {
		case <-ctx.Done():
			return voidboxerr.Wrap(voidboxerr.Timeout, "kvm: waitForGuestReady", ctx.Err())
		case <-time.After(guestReadyPollInterval):
		}
	}
}

// stageMounts pushes every configured host mount into the guest over the
// control channel, via the same WriteFile/Mkdir RPCs Exec-time file
// operations use. This backend has no virtio-9p/virtio-blk device
// (Capabilities().RootFSBlock is false), so an OCI-resolved rootfs
// arrives here the same way any other host mount does — as an entry in
// cfg.Mounts, per cmd/voidbox-run's OCIRootfs/Mounts wiring — and is
// realized as a one-shot directory-tree copy rather than a live
// passthrough mount.
func (i *instance) stageMounts(ctx context.Context) error {
	for _, m := range i.cfg.Mounts {
		if err := stageTree(ctx, i.channel, m.HostPath, m.GuestPath); err != nil {
			return voidboxerr.Wrap(voidboxerr.VmStart, "kvm: stage mount "+m.GuestPath, err)
		}
	}
	return nil
}

func stageTree(ctx context.Context, ch *control.Channel, hostRoot, guestRoot string) error {
	return filepath.WalkDir(hostRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(hostRoot, path)
		if err != nil {
			return err
		}
		guestPath := filepath.Join(guestRoot, rel)
		if rel == "." {
			guestPath = guestRoot
		}

		if d.IsDir() {
			return ch.Mkdir(ctx, protocol.Mkdir{Path: guestPath, Mode: 0755})
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil // symlinks are not modeled by the guest-agent's WriteFile RPC
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return ch.WriteFile(ctx, protocol.WriteFile{
			Path:             guestPath,
			Data:             data,
			Mode:             uint32(info.Mode().Perm()),
			SuppressMkdirAll: true,
		})
	})
}
