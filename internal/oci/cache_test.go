package oci

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/the-void-ia/voidbox/internal/bootprep"
)

func TestDirNameForRefIsStableAndRefKeyed(t *testing.T) {
	a := dirNameForRef("docker.io/library/alpine:3.19")
	b := dirNameForRef("docker.io/library/alpine:3.19")
	c := dirNameForRef("docker.io/library/alpine:3.20")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, len("sha256_")+64)
}

func TestGetOrPullShortCircuitsOnRefCacheHitWithoutPulling(t *testing.T) {
	cfg := &bootprep.Config{StateDir: t.TempDir()}
	require.NoError(t, cfg.EnsureDirs())

	ref := "docker.io/library/alpine:3.19"
	dest := cfg.RootfsDir(dirNameForRef(ref))
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, ".done"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "marker"), []byte("x"), 0644))

	c := NewCache(cfg, "amd64")
	dir, _, err := c.GetOrPull(context.Background(), ref)
	require.NoError(t, err)
	require.Equal(t, dest, dir)
}
