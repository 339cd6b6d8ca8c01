package oci

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	gzip "github.com/klauspost/compress/gzip"
	"github.com/the-void-ia/voidbox/internal/voidboxerr"
)

// Unpack extracts every layer of img into destDir in order, applying OCI
// whiteout semantics (.wh.* files). Layer decompression uses
// klauspost/compress/gzip rather than the stdlib implementation, which
// is the dominant cost when unpacking multi-hundred-megabyte layers.
func Unpack(img v1.Image, destDir string) error {
	layers, err := img.Layers()
	if err != nil {
		return voidboxerr.Wrap(voidboxerr.OciLayer, "oci.Unpack: layers", err)
	}
	for _, layer := range layers {
		rc, err := layer.Compressed()
		if err != nil {
			return voidboxerr.Wrap(voidboxerr.OciLayer, "oci.Unpack: layer", err)
		}
		err = unpackLayer(rc, destDir)
		rc.Close()
		if err != nil {
			return voidboxerr.Wrap(voidboxerr.OciLayer, "oci.Unpack: layer", err)
		}
	}
	return nil
}

// UnpackLayerFile unpacks one already-cached, gzip-compressed layer tar
// (a BlobStore.Put destination) into destDir.
func UnpackLayerFile(path, destDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return voidboxerr.Wrap(voidboxerr.Io, "oci.UnpackLayerFile: open", err)
	}
	defer f.Close()
	if err := unpackLayer(f, destDir); err != nil {
		return voidboxerr.Wrap(voidboxerr.OciLayer, "oci.UnpackLayerFile", err)
	}
	return nil
}

func unpackLayer(rc io.Reader, destDir string) error {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		cleanName := filepath.Clean(hdr.Name)
		base := filepath.Base(cleanName)
		dir := filepath.Dir(cleanName)

		if base == ".wh..wh..opq" {
			opqDir, err := safeJoin(destDir, dir)
			if err != nil {
				continue
			}
			entries, _ := os.ReadDir(opqDir)
			for _, e := range entries {
				os.RemoveAll(filepath.Join(opqDir, e.Name()))
			}
			continue
		}
		if strings.HasPrefix(base, ".wh.") {
			whiteoutTarget, err := safeJoin(destDir, filepath.Join(dir, strings.TrimPrefix(base, ".wh.")))
			if err != nil {
				continue
			}
			os.RemoveAll(whiteoutTarget)
			continue
		}

		target, err := safeJoin(destDir, cleanName)
		if err != nil {
			// Refuses to extract any entry that would resolve outside
			// destDir, including through a previously-extracted symlink.
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			linkTarget, err := safeJoin(destDir, filepath.Clean(hdr.Linkname))
			if err != nil {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// safeJoin joins destDir and name, rejecting any result that would
// resolve (once existing symlinks in destDir are followed) outside
// destDir. This covers both a directly traversing tar entry ("../etc")
// and the more subtle case of a tar stream that first extracts a
// symlink escaping destDir and then extracts an entry through it.
func safeJoin(destDir, name string) (string, error) {
	cleanName := filepath.Clean(name)
	if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
		return "", voidboxerr.New(voidboxerr.OciLayer, "oci.safeJoin: path escapes destination: "+name)
	}
	target := filepath.Join(destDir, cleanName)

	realDest, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		realDest = destDir
	}

	parent := filepath.Dir(target)
	realParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		// Parent doesn't exist yet (created later by MkdirAll); the
		// cleaned, non-traversing name already guarantees containment.
		return target, nil
	}
	if realParent != realDest && !strings.HasPrefix(realParent, realDest+string(filepath.Separator)) {
		return "", voidboxerr.New(voidboxerr.OciLayer, "oci.safeJoin: path escapes destination via symlink: "+name)
	}
	return target, nil
}
