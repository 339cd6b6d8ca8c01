// Package oci resolves OCI image references to a linux/<arch> manifest,
// fetches and caches blobs content-addressed by digest, and unpacks
// layers into a rootfs directory suitable for a vmm.OCIRootfs mount
// (spec.md §4.6, §6).
package oci

import (
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Descriptor, Manifest and Index are the opencontainers/image-spec types,
// aliased here so callers only need to import internal/oci.
type (
	Descriptor = imagespec.Descriptor
	Manifest   = imagespec.Manifest
	Index      = imagespec.Index
)

// Ref is a parsed, resolved image reference.
type Ref struct {
	Raw    string
	Digest string // "sha256:<hex>", populated once resolved
}
