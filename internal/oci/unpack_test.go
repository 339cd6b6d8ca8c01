package oci

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	gzip "github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func buildLayer(t *testing.T, entries func(tw *tar.Writer)) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	entries(tw)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "layer.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestUnpackLayerFileExtractsRegularFiles(t *testing.T) {
	layer := buildLayer(t, func(tw *tar.Writer) {
		body := []byte("hello")
		tw.WriteHeader(&tar.Header{Name: "a/b.txt", Typeflag: tar.TypeReg, Size: int64(len(body)), Mode: 0644})
		tw.Write(body)
	})

	dest := t.TempDir()
	require.NoError(t, UnpackLayerFile(layer, dest))

	data, err := os.ReadFile(filepath.Join(dest, "a", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestUnpackLayerFileAppliesWhiteout(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "a"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "a", "old.txt"), []byte("x"), 0644))

	layer := buildLayer(t, func(tw *tar.Writer) {
		tw.WriteHeader(&tar.Header{Name: "a/.wh.old.txt", Typeflag: tar.TypeReg, Size: 0, Mode: 0644})
	})

	require.NoError(t, UnpackLayerFile(layer, dest))
	_, err := os.Stat(filepath.Join(dest, "a", "old.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestUnpackLayerFileRejectsSymlinkEscape(t *testing.T) {
	dest := t.TempDir()
	layer := buildLayer(t, func(tw *tar.Writer) {
		tw.WriteHeader(&tar.Header{Name: "evil", Typeflag: tar.TypeSymlink, Linkname: "../../../../../../etc"})
		body := []byte("pwned")
		tw.WriteHeader(&tar.Header{Name: "evil/passwd", Typeflag: tar.TypeReg, Size: int64(len(body)), Mode: 0644})
		tw.Write(body)
	})

	require.NoError(t, UnpackLayerFile(layer, dest))

	_, err := os.Lstat(filepath.Join(dest, "evil"))
	require.NoError(t, err) // the symlink itself is created inside destDir

	// The entry under the escaping symlink must not have been written
	// through it.
	data, _ := os.ReadFile(filepath.Join(dest, "evil", "passwd"))
	require.NotEqual(t, "pwned", string(data))
}

func TestUnpackLayerFileRejectsDotDotPath(t *testing.T) {
	dest := t.TempDir()
	layer := buildLayer(t, func(tw *tar.Writer) {
		body := []byte("x")
		tw.WriteHeader(&tar.Header{Name: "../outside.txt", Typeflag: tar.TypeReg, Size: int64(len(body)), Mode: 0644})
		tw.Write(body)
	})

	require.NoError(t, UnpackLayerFile(layer, dest))
	_, err := os.Stat(filepath.Join(filepath.Dir(dest), "outside.txt"))
	require.True(t, os.IsNotExist(err))
}
