package bootprep

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

// StageRootfs copies an unpacked OCI rootfs tree (produced by
// internal/oci) into this Config's rootfs directory under key and returns
// that host directory. It uses a tar pipe
// (tar c | tar x) rather than a recursive file copy, since that's the
// only approach that reliably preserves symlinks and device nodes across
// the staging rename.
func (c *Config) StageRootfs(ctx context.Context, sourceDir, key string) (string, error) {
	dest := c.RootfsDir(key)
	done := filepath.Join(dest, ".done")

	if _, err := os.Stat(done); err == nil {
		return dest, nil
	}

	staging := dest + ".tmp"
	os.RemoveAll(staging)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return "", voidboxerr.Wrap(voidboxerr.Io, "bootprep.StageRootfs: mkdir staging", err)
	}

	tarCreate := exec.CommandContext(ctx, "tar", "-C", sourceDir, "-cf", "-", ".")
	tarExtract := exec.CommandContext(ctx, "tar", "-C", staging, "-xf", "-")

	pipe, err := tarCreate.StdoutPipe()
	if err != nil {
		os.RemoveAll(staging)
		return "", voidboxerr.Wrap(voidboxerr.Io, "bootprep.StageRootfs: stdout pipe", err)
	}
	tarExtract.Stdin = pipe

	if err := tarCreate.Start(); err != nil {
		os.RemoveAll(staging)
		return "", voidboxerr.Wrap(voidboxerr.Io, "bootprep.StageRootfs: start tar create", err)
	}
	if err := tarExtract.Start(); err != nil {
		tarCreate.Process.Kill()
		tarCreate.Wait()
		os.RemoveAll(staging)
		return "", voidboxerr.Wrap(voidboxerr.Io, "bootprep.StageRootfs: start tar extract", err)
	}

	createErr := tarCreate.Wait()
	extractErr := tarExtract.Wait()
	if createErr != nil {
		os.RemoveAll(staging)
		return "", voidboxerr.Wrap(voidboxerr.Io, "bootprep.StageRootfs: tar create", createErr)
	}
	if extractErr != nil {
		os.RemoveAll(staging)
		return "", voidboxerr.Wrap(voidboxerr.Io, "bootprep.StageRootfs: tar extract", extractErr)
	}

	if err := os.WriteFile(filepath.Join(staging, ".done"), nil, 0644); err != nil {
		os.RemoveAll(staging)
		return "", voidboxerr.Wrap(voidboxerr.Io, "bootprep.StageRootfs: write .done marker", err)
	}

	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return "", voidboxerr.Wrap(voidboxerr.Io, "bootprep.StageRootfs: rename staging to final", err)
	}

	return dest, nil
}

// CleanStaleRootfs removes leftover staging directories from a crashed
// prior run, and rootfs directories older than maxAge that never
// finished (no .done marker).
func (c *Config) CleanStaleRootfs(maxAge time.Duration) {
	root := filepath.Join(c.StateDir, "rootfs")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(root, name)

		if strings.HasSuffix(name, ".tmp") {
			slog.Info("bootprep: removing incomplete rootfs staging dir", "dir", name)
			os.RemoveAll(path)
			continue
		}

		if _, err := os.Stat(filepath.Join(path, ".done")); err != nil {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				slog.Info("bootprep: removing stale incomplete rootfs dir", "dir", name, "age", time.Since(info.ModTime()).Round(time.Minute))
				os.RemoveAll(path)
			}
		}
	}
}
