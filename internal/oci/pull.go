package oci

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

// PullResult is a resolved, linux/<arch> image ready for Unpack.
type PullResult struct {
	Image  v1.Image
	Digest string
}

// Pull resolves imageRef against the registry (standard Distribution
// Spec v2, bearer-token auth via WWW-Authenticate discovery — both
// handled internally by go-containerregistry's remote package) and
// returns the manifest variant matching arch. If the reference is an
// index/manifest-list, the matching platform entry is selected; if it is
// a single manifest, its platform is validated against arch.
func Pull(ctx context.Context, imageRef, arch string) (*PullResult, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, voidboxerr.Wrap(voidboxerr.OciManifest, "oci.Pull: parse ref "+imageRef, err)
	}

	platform := &v1.Platform{OS: "linux", Architecture: arch}
	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(*platform))
	if err != nil {
		return nil, voidboxerr.Wrap(voidboxerr.OciRegistry, "oci.Pull: "+imageRef, err)
	}

	var img v1.Image
	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, voidboxerr.Wrap(voidboxerr.OciManifest, "oci.Pull: index manifest", err)
		}
		indexManifest, err := idx.IndexManifest()
		if err != nil {
			return nil, voidboxerr.Wrap(voidboxerr.OciManifest, "oci.Pull: index manifest", err)
		}
		for _, m := range indexManifest.Manifests {
			if m.Platform != nil && m.Platform.OS == "linux" && m.Platform.Architecture == arch {
				img, err = idx.Image(m.Digest)
				if err != nil {
					return nil, voidboxerr.Wrap(voidboxerr.OciManifest, fmt.Sprintf("oci.Pull: get %s image", arch), err)
				}
				break
			}
		}
		if img == nil {
			return nil, voidboxerr.New(voidboxerr.OciNotFound, fmt.Sprintf("oci.Pull: no linux/%s variant in %s", arch, imageRef))
		}

	default:
		img, err = desc.Image()
		if err != nil {
			return nil, voidboxerr.Wrap(voidboxerr.OciManifest, "oci.Pull: image", err)
		}
		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, voidboxerr.Wrap(voidboxerr.OciManifest, "oci.Pull: config", err)
		}
		if cfg.OS != "linux" || cfg.Architecture != arch {
			return nil, voidboxerr.New(voidboxerr.OciNotFound, fmt.Sprintf("oci.Pull: %s is %s/%s, want linux/%s", imageRef, cfg.OS, cfg.Architecture, arch))
		}
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, voidboxerr.Wrap(voidboxerr.OciManifest, "oci.Pull: digest", err)
	}

	return &PullResult{Image: img, Digest: digest.String()}, nil
}
