// Package hvf implements vmm.VMM against macOS's Hypervisor.framework.
// It is the third member of the backend taxonomy (internal/vmm/kvm is
// the Linux equivalent). The package carries no Hypervisor.framework
// binding: it builds on every platform, and every lifecycle method fails
// with ErrUnsupported.
package hvf

import "errors"

// ErrUnsupported is returned, wrapped, by every Backend method except
// State, HostEndpoints and Capabilities, on every build.
var ErrUnsupported = errors.New("hvf: hypervisor.framework backend is only available on darwin/arm64")
