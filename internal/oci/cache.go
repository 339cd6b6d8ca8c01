package oci

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	digest "github.com/opencontainers/go-digest"
	"github.com/the-void-ia/voidbox/internal/bootprep"
	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

// Cache resolves an image reference to an unpacked rootfs directory,
// caching both the compressed layer blobs (content-addressed, shared
// across images) and the unpacked rootfs tree (keyed by image reference).
type Cache struct {
	cfg   *bootprep.Config
	blobs *BlobStore
	arch  string

	mu sync.Mutex
}

// NewCache constructs a Cache rooted at cfg's state directory. arch is
// the guest CPU architecture pulls should resolve to (e.g. "arm64" on
// the hypervisor-framework backend, runtime.GOARCH on KVM).
func NewCache(cfg *bootprep.Config, arch string) *Cache {
	return &Cache{
		cfg:   cfg,
		blobs: NewBlobStore(cfg.BlobDir()),
		arch:  arch,
	}
}

// GetOrPull returns the rootfs directory for imageRef, pulling and
// unpacking it if not already cached. The returned path is a host
// directory, usable as a vmm.Mount HostPath (cmd/voidbox-run uses it so).
//
// The rootfs cache is keyed by sha256 of the image reference string
// itself, not the pulled manifest digest: a cache hit must short-circuit
// before any registry round-trip happens, and the ref is the only thing
// known at that point. A tag that moves to a new digest keeps resolving
// to the stale unpacked rootfs until the cache entry is evicted by hand
// (mirrors voidbox-oci's resolve_rootfs in the original implementation).
func (c *Cache) GetOrPull(ctx context.Context, imageRef string) (rootfsDir string, imgDigest string, err error) {
	key := dirNameForRef(imageRef)
	dest := c.cfg.RootfsDir(key)

	c.mu.Lock()
	_, statErr := os.Stat(filepath.Join(dest, ".done"))
	c.mu.Unlock()
	if statErr == nil {
		return dest, "", nil
	}

	slog.Info("oci: resolving", "ref", imageRef)
	result, err := Pull(ctx, imageRef, c.arch)
	if err != nil {
		return "", "", err
	}
	imgDigest = result.Digest

	layers, err := result.Image.Layers()
	if err != nil {
		return "", "", voidboxerr.Wrap(voidboxerr.OciLayer, "oci.Cache.GetOrPull: layers", err)
	}

	staging := dest + ".tmp"
	os.RemoveAll(staging)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return "", "", voidboxerr.Wrap(voidboxerr.Io, "oci.Cache.GetOrPull: mkdir staging", err)
	}

	for _, layer := range layers {
		d, err := layer.Digest()
		if err != nil {
			os.RemoveAll(staging)
			return "", "", voidboxerr.Wrap(voidboxerr.OciLayer, "oci.Cache.GetOrPull: layer digest", err)
		}
		dg := digest.NewDigestFromHex(d.Algorithm, d.Hex)

		blobPath := c.blobs.Path(dg)
		if !c.blobs.Has(dg) {
			rc, err := layer.Compressed()
			if err != nil {
				os.RemoveAll(staging)
				return "", "", voidboxerr.Wrap(voidboxerr.OciLayer, "oci.Cache.GetOrPull: compressed", err)
			}
			blobPath, err = c.blobs.Put(dg, rc)
			rc.Close()
			if err != nil {
				os.RemoveAll(staging)
				return "", "", err
			}
		}

		if err := UnpackLayerFile(blobPath, staging); err != nil {
			os.RemoveAll(staging)
			return "", "", err
		}
	}

	if err := os.WriteFile(filepath.Join(staging, ".done"), nil, 0644); err != nil {
		os.RemoveAll(staging)
		return "", "", voidboxerr.Wrap(voidboxerr.Io, "oci.Cache.GetOrPull: write .done", err)
	}
	os.RemoveAll(dest) // stale incomplete extraction from a prior failed run
	if err := os.Rename(staging, dest); err != nil {
		os.RemoveAll(staging)
		return "", "", voidboxerr.Wrap(voidboxerr.Io, "oci.Cache.GetOrPull: rename", err)
	}

	slog.Info("oci: cached", "ref", imageRef, "digest", imgDigest, "dir", dest)
	return dest, imgDigest, nil
}

// dirNameForRef derives the rootfs cache directory name from the image
// reference string, not the pulled manifest digest, so a cache hit can
// be decided before any registry round-trip (spec.md §4.6).
func dirNameForRef(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return "sha256_" + hex.EncodeToString(sum[:])
}
