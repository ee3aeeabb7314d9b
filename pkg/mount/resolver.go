package mount

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"drydock/pkg/volume"
)

var log = logrus.WithField("component", "mount")

// maxSymlinkHops bounds destination resolution against symlink loops
// planted by an image layer.
const maxSymlinkHops = 40

// Resolver turns mount specs into concrete graft points inside an
// assembled rootfs.
type Resolver struct {
	volumes *volume.Manager
}

func NewResolver(volumes *volume.Manager) *Resolver {
	return &Resolver{volumes: volumes}
}

// Resolve maps each spec's source to its on-disk location and its
// destination to a verified path inside rootfsPath. Named volumes must
// already exist; missing host directories are created. Nothing is written
// into the rootfs here; Apply does the grafting.
func (r *Resolver) Resolve(containerID string, specs []Spec, rootfsPath string) ([]Active, error) {
	active := make([]Active, 0, len(specs))

	for _, spec := range specs {
		var hostPath string
		if spec.IsNamedVolume() {
			vol, err := r.volumes.Get(spec.Source)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve mount for container %s: %w", containerID, err)
			}
			hostPath = vol.Mountpoint
		} else {
			abs, err := filepath.Abs(spec.Source)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve mount source %s: %w", spec.Source, err)
			}
			if err := os.MkdirAll(abs, 0755); err != nil {
				return nil, fmt.Errorf("failed to create mount source %s: %w", abs, err)
			}
			hostPath = abs
		}

		target, err := resolveDestination(rootfsPath, spec.Destination)
		if err != nil {
			return nil, fmt.Errorf("container %s mount %s: %w", containerID, spec.Destination, err)
		}

		active = append(active, Active{Spec: spec, HostPath: hostPath, Target: target})
	}

	return active, nil
}

// resolveDestination joins dest under rootfsPath and walks it component by
// component, following any symlinks already present in the assembled tree.
// Absolute link targets are re-rooted at the rootfs (the container's view
// of /); a relative target that climbs out of the rootfs is rejected. The
// final path is guaranteed to sit inside the rootfs.
func resolveDestination(rootfsPath, dest string) (string, error) {
	root, err := filepath.EvalSymlinks(rootfsPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve rootfs path: %w", err)
	}

	components := strings.Split(strings.Trim(filepath.Clean(dest), "/"), "/")
	current := root
	hops := 0

	for i, component := range components {
		if component == "" || component == "." {
			continue
		}

		resolved, exists, err := followLinks(root, filepath.Join(current, component), &hops)
		if err != nil {
			return "", fmt.Errorf("%s: %w", dest, err)
		}
		if !exists {
			// Nothing below this point is on disk yet, so no further
			// symlinks can redirect the remaining components.
			current = filepath.Join(resolved, filepath.Join(components[i+1:]...))
			break
		}
		current = resolved
	}

	// Grafting onto the root itself would replace the whole container
	// filesystem, so the destination must sit strictly below it.
	if current == root {
		return "", fmt.Errorf("%w: %s resolves to the container root", ErrInvalidPath, dest)
	}
	if !strings.HasPrefix(current, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s resolves to %s", ErrInvalidPath, dest, current)
	}
	return current, nil
}

// followLinks resolves the symlink chain starting at path, keeping every
// intermediate target confined to root. Returns the final path and whether
// it exists.
func followLinks(root, path string, hops *int) (string, bool, error) {
	for {
		info, err := os.Lstat(path)
		if os.IsNotExist(err) {
			return path, false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to inspect %s: %w", path, err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return path, true, nil
		}

		*hops++
		if *hops > maxSymlinkHops {
			return "", false, fmt.Errorf("%w: too many symlinks", ErrInvalidPath)
		}

		target, err := os.Readlink(path)
		if err != nil {
			return "", false, fmt.Errorf("failed to read symlink %s: %w", path, err)
		}
		if filepath.IsAbs(target) {
			path = filepath.Join(root, filepath.Clean(target))
		} else {
			path = filepath.Clean(filepath.Join(filepath.Dir(path), target))
		}
		if path != root && !strings.HasPrefix(path, root+string(os.PathSeparator)) {
			return "", false, fmt.Errorf("%w: symlink resolves to %s", ErrInvalidPath, path)
		}
	}
}

// Apply grafts resolved mounts into the rootfs. Read-write mounts become
// symlinks to the backing directory. When the isolation boundary cannot
// enforce read-only rules itself (copyReadOnly), ro mounts are grafted as
// write-stripped copies instead, so the running process is mechanically
// unable to modify the source.
func Apply(mounts []Active, copyReadOnly bool) error {
	for _, m := range mounts {
		if err := os.MkdirAll(filepath.Dir(m.Target), 0755); err != nil {
			return fmt.Errorf("failed to prepare mount point %s: %w", m.Destination, err)
		}
		// An existing file or directory at the destination is shadowed.
		if err := clearTarget(m.Target); err != nil {
			return fmt.Errorf("failed to clear mount point %s: %w", m.Destination, err)
		}

		if m.ReadOnly && copyReadOnly {
			if err := copyTreeReadOnly(m.HostPath, m.Target); err != nil {
				return fmt.Errorf("failed to graft read-only mount %s: %w", m.Destination, err)
			}
		} else {
			if err := os.Symlink(m.HostPath, m.Target); err != nil {
				return fmt.Errorf("failed to graft mount %s: %w", m.Destination, err)
			}
		}

		log.WithFields(logrus.Fields{
			"source": m.HostPath,
			"dest":   m.Destination,
			"ro":     m.ReadOnly,
		}).Debug("applied mount")
	}
	return nil
}

// clearTarget removes whatever sits at the graft point. A read-only graft
// from an earlier start is write-stripped throughout, so directory write
// bits come back first or the unlink fails for an unprivileged process.
func clearTarget(target string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if info.IsDir() {
		filepath.WalkDir(target, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if d.IsDir() {
				os.Chmod(path, 0755)
			}
			return nil
		})
	}
	return os.RemoveAll(target)
}

// copyTreeReadOnly snapshots src under dest, then strips write bits so the
// copy stays immutable for an unprivileged process.
func copyTreeReadOnly(src, dest string) error {
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&fs.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		default:
			return copyFileContents(path, target)
		}
	})
	if err != nil {
		return err
	}

	return filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() {
			return os.Chmod(path, 0555)
		}
		return os.Chmod(path, 0444)
	})
}

func copyFileContents(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}
