package rootfs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"drydock/pkg/config"
	"drydock/pkg/layer"
)

// ErrAssemblyFailed wraps every failure while materializing a rootfs:
// missing layer digests as well as filesystem errors during the merge.
var ErrAssemblyFailed = errors.New("rootfs assembly failed")

var log = logrus.WithField("component", "rootfs")

const (
	// assembledMarker records the layer stack a rootfs was built from, so a
	// repeated Assemble with identical inputs returns without redoing work.
	assembledMarker = ".drydock-assembled"

	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// Assembler materializes container root filesystems from layer store
// extractions. Every container gets a private copy; shared extractions are
// read, reference-counted during the merge, and never written.
type Assembler struct {
	cfg    *config.Config
	layers *layer.Store
}

func NewAssembler(cfg *config.Config, layers *layer.Store) (*Assembler, error) {
	if err := os.MkdirAll(cfg.GetContainersDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create containers directory: %w", err)
	}
	return &Assembler{cfg: cfg, layers: layers}, nil
}

// Assemble merges the ordered layers bottom-to-top into the container's
// private rootfs, replays the writable layer on top, and seeds the standard
// filesystem skeleton. Idempotent per container id until Teardown.
func (a *Assembler) Assemble(containerID string, layerDigests []digest.Digest) (string, error) {
	rootfsPath := a.cfg.GetContainerRootfs(containerID)
	stackHash := hashStack(layerDigests)

	if existing, err := os.ReadFile(filepath.Join(rootfsPath, assembledMarker)); err == nil {
		if strings.TrimSpace(string(existing)) == stackHash {
			return rootfsPath, nil
		}
		return "", fmt.Errorf("%w: container %s rootfs was assembled from a different layer stack", ErrAssemblyFailed, containerID)
	}

	// Hold references for the whole merge so GC cannot sweep under us.
	for _, d := range layerDigests {
		a.layers.Retain(d)
	}
	defer func() {
		for _, d := range layerDigests {
			a.layers.Release(d)
		}
	}()

	sources := make([]string, 0, len(layerDigests))
	for _, d := range layerDigests {
		extracted, err := a.layers.Get(d)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrAssemblyFailed, err)
		}
		sources = append(sources, extracted)
	}

	if err := os.MkdirAll(rootfsPath, 0755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAssemblyFailed, err)
	}

	for i, src := range sources {
		if err := applyLayer(src, rootfsPath); err != nil {
			return "", fmt.Errorf("%w: layer %s: %w", ErrAssemblyFailed, layerDigests[i], err)
		}
	}

	// The writable layer wins over every image layer on resume.
	diffDir := a.cfg.GetContainerDiff(containerID)
	if _, err := os.Stat(diffDir); err == nil {
		if err := applyLayer(diffDir, rootfsPath); err != nil {
			return "", fmt.Errorf("%w: writable layer: %w", ErrAssemblyFailed, err)
		}
	} else if err := os.MkdirAll(diffDir, 0755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAssemblyFailed, err)
	}

	if err := setupSkeleton(rootfsPath, containerID); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAssemblyFailed, err)
	}

	if err := os.WriteFile(filepath.Join(rootfsPath, assembledMarker), []byte(stackHash+"\n"), 0644); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAssemblyFailed, err)
	}

	log.WithFields(logrus.Fields{
		"container": containerID,
		"layers":    len(layerDigests),
	}).Debug("assembled rootfs")

	return rootfsPath, nil
}

// Teardown removes the container-private rootfs and writable layer. Layer
// store extractions are shared and untouched.
func (a *Assembler) Teardown(containerID string) error {
	var result *multierror.Error

	if err := removeTree(a.cfg.GetContainerRootfs(containerID)); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to remove rootfs: %w", err))
	}
	if err := removeTree(a.cfg.GetContainerDiff(containerID)); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to remove writable layer: %w", err))
	}

	return result.ErrorOrNil()
}

// removeTree deletes root even when a read-only mount graft left
// write-stripped directories inside it.
func removeTree(root string) error {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if info, statErr := d.Info(); statErr == nil && info.Mode().Perm()&0200 == 0 {
				os.Chmod(path, 0755)
			}
		}
		return nil
	})
	return os.RemoveAll(root)
}

func hashStack(layerDigests []digest.Digest) string {
	hasher := sha256.New()
	for _, d := range layerDigests {
		hasher.Write([]byte(d.String()))
		hasher.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// applyLayer merges one extracted layer tree into dest. Later layers
// overwrite earlier ones path-for-path; whiteout markers delete the lower
// contribution instead of being copied.
func applyLayer(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dest, rel)
		base := filepath.Base(rel)

		if base == opaqueMarker {
			// Opaque directory: drop everything the lower layers put here.
			return clearDir(filepath.Dir(target))
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			hidden := filepath.Join(filepath.Dir(target), strings.TrimPrefix(base, whiteoutPrefix))
			if err := os.RemoveAll(hidden); err != nil {
				return fmt.Errorf("failed to apply whiteout for %s: %w", rel, err)
			}
			return nil
		}

		switch {
		case d.IsDir():
			if info, err := os.Lstat(target); err == nil && !info.IsDir() {
				if err := os.RemoveAll(target); err != nil {
					return err
				}
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())

		case d.Type()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.RemoveAll(target)
			return os.Symlink(linkTarget, target)

		default:
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if info, err := os.Lstat(dest); err == nil && (info.IsDir() || info.Mode()&os.ModeSymlink != 0) {
		if err := os.RemoveAll(dest); err != nil {
			return err
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}

// standardDirs are created in every rootfs after the layer merge; minimal
// images (busybox, scratch-based) often ship without them.
var standardDirs = []string{
	"etc", "tmp", "var", "var/log", "var/run", "var/tmp",
	"home", "root", "proc", "dev", "opt", "usr/local/bin",
}

// deviceStubs are plain-file placeholders: creating real device nodes needs
// privileges the runtime does not assume.
var deviceStubs = []string{"dev/null", "dev/zero", "dev/random", "dev/urandom"}

func setupSkeleton(rootfsPath, containerID string) error {
	for _, dir := range standardDirs {
		if err := os.MkdirAll(filepath.Join(rootfsPath, dir), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	hostname := containerID
	if len(hostname) > 12 {
		hostname = hostname[:12]
	}

	seeds := map[string]string{
		"etc/resolv.conf": "nameserver 8.8.8.8\nnameserver 8.8.4.4\n",
		"etc/hostname":    hostname + "\n",
		"etc/hosts":       fmt.Sprintf("127.0.0.1\tlocalhost\n127.0.0.1\t%s\n", hostname),
	}
	for rel, content := range seeds {
		path := filepath.Join(rootfsPath, rel)
		if _, err := os.Lstat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to seed %s: %w", rel, err)
		}
	}

	for _, stub := range deviceStubs {
		path := filepath.Join(rootfsPath, stub)
		if _, err := os.Lstat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, nil, 0666); err != nil {
			return fmt.Errorf("failed to create device stub %s: %w", stub, err)
		}
	}

	return nil
}
