package layer

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractTar unpacks a layer tar into destPath. Whiteout entries (.wh.*)
// are preserved as regular files: they are instructions for the rootfs
// assembler, not content to be applied here. Entries that would land
// outside destPath are skipped.
func extractTar(r io.Reader, destPath string) error {
	tarReader := tar.NewReader(r)
	cleanDest := filepath.Clean(destPath)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		target := filepath.Join(destPath, header.Name)
		if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			log.WithField("entry", header.Name).Warn("skipping tar entry outside extraction root")
			continue
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", header.Name, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory for %s: %w", header.Name, err)
			}
			if err := writeFile(target, tarReader, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("failed to write file %s: %w", header.Name, err)
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory for %s: %w", header.Name, err)
			}
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s: %w", header.Name, err)
			}

		case tar.TypeLink:
			linkSource := filepath.Join(destPath, header.Linkname)
			if !strings.HasPrefix(linkSource, cleanDest+string(os.PathSeparator)) {
				log.WithField("entry", header.Name).Warn("skipping hardlink outside extraction root")
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory for %s: %w", header.Name, err)
			}
			os.Remove(target)
			if err := os.Link(linkSource, target); err != nil {
				return fmt.Errorf("failed to create hardlink %s: %w", header.Name, err)
			}

		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			// Device nodes need privileges we do not assume; the rootfs
			// assembler seeds placeholder device files instead.
			continue

		default:
			continue
		}
	}

	return nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		// A path can be occupied by a symlink or directory from an
		// earlier entry in the same tar.
		os.RemoveAll(target)
		file, err = os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
	}

	_, err = io.Copy(file, r)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	return err
}
