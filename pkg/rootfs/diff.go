package rootfs

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
)

// managedPaths are seeded or maintained by the runtime itself and never
// belong to the container's writable delta.
var managedPaths = map[string]bool{
	assembledMarker:   true,
	"etc/resolv.conf": true,
	"etc/hostname":    true,
	"etc/hosts":       true,
	"dev":             true,
	"proc":            true,
}

// SyncDiff captures the container's runtime changes into its writable layer
// directory: paths added or modified relative to the image layer stack are
// copied into diff/, deletions become whiteout markers. The extra excludes
// are rootfs-relative paths (mount grafts) that are not container content.
func (a *Assembler) SyncDiff(containerID string, layerDigests []digest.Digest, exclude ...string) error {
	rootfsPath := a.cfg.GetContainerRootfs(containerID)
	diffDir := a.cfg.GetContainerDiff(containerID)

	if _, err := os.Stat(rootfsPath); err != nil {
		return fmt.Errorf("failed to sync writable layer for %s: %w", containerID, err)
	}
	if err := os.MkdirAll(diffDir, 0755); err != nil {
		return fmt.Errorf("failed to create writable layer dir: %w", err)
	}

	skip := make(map[string]bool, len(managedPaths)+len(exclude))
	for path := range managedPaths {
		skip[path] = true
	}
	for _, path := range exclude {
		skip[strings.Trim(path, "/")] = true
	}

	for _, d := range layerDigests {
		a.layers.Retain(d)
	}
	defer func() {
		for _, d := range layerDigests {
			a.layers.Release(d)
		}
	}()

	baseline, err := a.buildBaseline(layerDigests)
	if err != nil {
		return fmt.Errorf("failed to index layer stack: %w", err)
	}

	seen := make(map[string]bool)
	err = filepath.WalkDir(rootfsPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rootfsPath, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skip[rel] {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		seen[rel] = true

		source, inBaseline := baseline[rel]
		if inBaseline {
			same, err := entriesEqual(source, path, d)
			if err != nil {
				return err
			}
			if same {
				return nil
			}
		}

		return copyEntry(path, filepath.Join(diffDir, rel), d)
	})
	if err != nil {
		return fmt.Errorf("failed to sync writable layer for %s: %w", containerID, err)
	}

	// Paths present in the image but gone from the live rootfs become
	// whiteouts. A whiteout for a directory covers its whole subtree.
	var deleted []string
	for rel := range baseline {
		if seen[rel] || skip[rel] || underAny(rel, skip) {
			continue
		}
		if _, err := os.Lstat(filepath.Join(rootfsPath, rel)); os.IsNotExist(err) {
			deleted = append(deleted, rel)
		}
	}
	sort.Strings(deleted)

	covered := ""
	for _, rel := range deleted {
		if covered != "" && strings.HasPrefix(rel, covered+string(os.PathSeparator)) {
			continue
		}
		covered = rel
		marker := filepath.Join(diffDir, filepath.Dir(rel), whiteoutPrefix+filepath.Base(rel))
		if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
			return fmt.Errorf("failed to record deletion of %s: %w", rel, err)
		}
		if err := os.WriteFile(marker, nil, 0644); err != nil {
			return fmt.Errorf("failed to record deletion of %s: %w", rel, err)
		}
	}

	return nil
}

// buildBaseline replays the layer merge in memory, mapping each visible
// rootfs-relative path to the extraction that contributes it.
func (a *Assembler) buildBaseline(layerDigests []digest.Digest) (map[string]string, error) {
	baseline := make(map[string]string)

	for _, layerDigest := range layerDigests {
		src, err := a.layers.Get(layerDigest)
		if err != nil {
			return nil, err
		}
		err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
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
			base := filepath.Base(rel)

			if base == opaqueMarker {
				dir := filepath.Dir(rel)
				for known := range baseline {
					if strings.HasPrefix(known, dir+string(os.PathSeparator)) {
						delete(baseline, known)
					}
				}
				return nil
			}
			if strings.HasPrefix(base, whiteoutPrefix) {
				hidden := filepath.Join(filepath.Dir(rel), strings.TrimPrefix(base, whiteoutPrefix))
				delete(baseline, hidden)
				for known := range baseline {
					if strings.HasPrefix(known, hidden+string(os.PathSeparator)) {
						delete(baseline, known)
					}
				}
				return nil
			}

			baseline[rel] = path
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return baseline, nil
}

func underAny(rel string, skip map[string]bool) bool {
	for prefix := range skip {
		if strings.HasPrefix(rel, prefix+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

// entriesEqual compares a baseline entry against the live rootfs entry.
func entriesEqual(basePath, livePath string, live fs.DirEntry) (bool, error) {
	baseInfo, err := os.Lstat(basePath)
	if err != nil {
		return false, err
	}
	liveInfo, err := live.Info()
	if err != nil {
		return false, err
	}

	if baseInfo.Mode().Type() != liveInfo.Mode().Type() {
		return false, nil
	}

	switch {
	case liveInfo.IsDir():
		return true, nil

	case liveInfo.Mode()&os.ModeSymlink != 0:
		baseTarget, err := os.Readlink(basePath)
		if err != nil {
			return false, err
		}
		liveTarget, err := os.Readlink(livePath)
		if err != nil {
			return false, err
		}
		return baseTarget == liveTarget, nil

	default:
		if baseInfo.Size() != liveInfo.Size() || baseInfo.Mode().Perm() != liveInfo.Mode().Perm() {
			return false, nil
		}
		return fileContentsEqual(basePath, livePath)
	}
}

func fileContentsEqual(a, b string) (bool, error) {
	fileA, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fileA.Close()
	fileB, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fileB.Close()

	bufA := make([]byte, 32*1024)
	bufB := make([]byte, 32*1024)
	for {
		nA, errA := io.ReadFull(fileA, bufA)
		nB, errB := io.ReadFull(fileB, bufB)
		if nA != nB || !bytes.Equal(bufA[:nA], bufB[:nB]) {
			return false, nil
		}
		if errA == io.EOF || errA == io.ErrUnexpectedEOF {
			return errB == io.EOF || errB == io.ErrUnexpectedEOF, nil
		}
		if errA != nil {
			return false, errA
		}
		if errB != nil {
			return false, errB
		}
	}
}

func copyEntry(src, dest string, d fs.DirEntry) error {
	switch {
	case d.IsDir():
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.MkdirAll(dest, info.Mode().Perm())

	case d.Type()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		os.Remove(dest)
		return os.Symlink(target, dest)

	default:
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(src, dest, info.Mode().Perm())
	}
}
