package bootprep

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStageRootfsCopiesAndMarksDone(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hi"), 0644))
	require.NoError(t, os.Symlink("hello.txt", filepath.Join(src, "link")))

	cfg := &Config{StateDir: t.TempDir()}
	dest, err := cfg.StageRootfs(context.Background(), src, "layer-abc")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(data))

	target, err := os.Readlink(filepath.Join(dest, "link"))
	require.NoError(t, err)
	require.Equal(t, "hello.txt", target)

	_, err = os.Stat(filepath.Join(dest, ".done"))
	require.NoError(t, err)
}

func TestStageRootfsReusesCompletedDestination(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("1"), 0644))

	cfg := &Config{StateDir: t.TempDir()}
	dest1, err := cfg.StageRootfs(context.Background(), src, "layer-x")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("2"), 0644))
	dest2, err := cfg.StageRootfs(context.Background(), src, "layer-x")
	require.NoError(t, err)
	require.Equal(t, dest1, dest2)

	data, err := os.ReadFile(filepath.Join(dest2, "a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(data))
}
