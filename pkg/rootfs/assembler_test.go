package rootfs

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"

	"drydock/pkg/config"
	"drydock/pkg/layer"
)

type testEnv struct {
	cfg       *config.Config
	layers    *layer.Store
	assembler *Assembler
}

func newTestEnv(t *testing.T) (*testEnv, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "drydock-rootfs-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	cleanup := func() { os.RemoveAll(tempDir) }

	cfg := config.NewConfigWithRoot(tempDir)
	if err := cfg.Ensure(); err != nil {
		cleanup()
		t.Fatalf("Failed to ensure config dirs: %v", err)
	}
	layers, err := layer.NewStore(cfg)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to create layer store: %v", err)
	}
	assembler, err := NewAssembler(cfg, layers)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to create assembler: %v", err)
	}

	return &testEnv{cfg: cfg, layers: layers, assembler: assembler}, cleanup
}

type entry struct {
	name     string
	content  string
	dir      bool
	linkname string
}

// putLayer builds a tar from entries and commits it to the layer store.
func (e *testEnv) putLayer(t *testing.T, entries []entry) digest.Digest {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, ent := range entries {
		switch {
		case ent.dir:
			if err := tw.WriteHeader(&tar.Header{Name: ent.name, Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
				t.Fatalf("Failed to write header: %v", err)
			}
		case ent.linkname != "":
			if err := tw.WriteHeader(&tar.Header{Name: ent.name, Typeflag: tar.TypeSymlink, Linkname: ent.linkname, Mode: 0777}); err != nil {
				t.Fatalf("Failed to write header: %v", err)
			}
		default:
			if err := tw.WriteHeader(&tar.Header{Name: ent.name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(ent.content))}); err != nil {
				t.Fatalf("Failed to write header: %v", err)
			}
			if _, err := tw.Write([]byte(ent.content)); err != nil {
				t.Fatalf("Failed to write content: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close tar: %v", err)
	}

	d := digest.FromBytes(buf.Bytes())
	if _, err := e.layers.Put(context.Background(), d, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Failed to put layer: %v", err)
	}
	return d
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestAssembleLayerOrder(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	layerA := env.putLayer(t, []entry{
		{name: "bin/", dir: true},
		{name: "bin/tool", content: "version 1"},
		{name: "bin/other", content: "untouched"},
	})
	layerB := env.putLayer(t, []entry{
		{name: "bin/", dir: true},
		{name: "bin/tool", content: "version 2"},
	})

	rootfsPath, err := env.assembler.Assemble("c1", []digest.Digest{layerA, layerB})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if got := readFile(t, filepath.Join(rootfsPath, "bin/tool")); got != "version 2" {
		t.Errorf("upper layer did not win: %q", got)
	}
	if got := readFile(t, filepath.Join(rootfsPath, "bin/other")); got != "untouched" {
		t.Errorf("lower layer content lost: %q", got)
	}
}

func TestAssembleWhiteout(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	lower := env.putLayer(t, []entry{
		{name: "app/", dir: true},
		{name: "app/config", content: "old"},
		{name: "app/keep", content: "keep"},
	})
	upper := env.putLayer(t, []entry{
		{name: "app/", dir: true},
		{name: "app/.wh.config", content: ""},
	})

	rootfsPath, err := env.assembler.Assemble("c1", []digest.Digest{lower, upper})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rootfsPath, "app/config")); !os.IsNotExist(err) {
		t.Error("whiteout did not remove lower path")
	}
	if _, err := os.Stat(filepath.Join(rootfsPath, "app/keep")); err != nil {
		t.Errorf("sibling removed by whiteout: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rootfsPath, "app/.wh.config")); !os.IsNotExist(err) {
		t.Error("whiteout marker leaked into rootfs")
	}
}

func TestAssembleOpaqueDir(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	lower := env.putLayer(t, []entry{
		{name: "data/", dir: true},
		{name: "data/stale1", content: "x"},
		{name: "data/stale2", content: "y"},
	})
	upper := env.putLayer(t, []entry{
		{name: "data/", dir: true},
		{name: "data/.wh..wh..opq", content: ""},
		{name: "data/fresh", content: "z"},
	})

	rootfsPath, err := env.assembler.Assemble("c1", []digest.Digest{lower, upper})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rootfsPath, "data/stale1")); !os.IsNotExist(err) {
		t.Error("opaque marker did not clear lower contribution")
	}
	if got := readFile(t, filepath.Join(rootfsPath, "data/fresh")); got != "z" {
		t.Errorf("upper content missing after opaque clear: %q", got)
	}
}

func TestAssembleIdempotent(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	layerA := env.putLayer(t, []entry{{name: "f", content: "1"}})

	first, err := env.assembler.Assemble("c1", []digest.Digest{layerA})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	// Runtime write lands in the private rootfs; a repeat call with the
	// same inputs must not clobber it.
	runtimeFile := filepath.Join(first, "written-at-runtime")
	if err := os.WriteFile(runtimeFile, []byte("live"), 0644); err != nil {
		t.Fatalf("Failed to write runtime file: %v", err)
	}

	second, err := env.assembler.Assemble("c1", []digest.Digest{layerA})
	if err != nil {
		t.Fatalf("second Assemble failed: %v", err)
	}
	if second != first {
		t.Errorf("assemble returned a different path: %s vs %s", second, first)
	}
	if got := readFile(t, runtimeFile); got != "live" {
		t.Errorf("repeat assemble redid work: %q", got)
	}

	// A different stack for the same container id is refused.
	layerB := env.putLayer(t, []entry{{name: "g", content: "2"}})
	if _, err := env.assembler.Assemble("c1", []digest.Digest{layerB}); !errors.Is(err, ErrAssemblyFailed) {
		t.Errorf("expected ErrAssemblyFailed for changed stack, got %v", err)
	}
}

func TestAssembleMissingLayer(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	missing := digest.FromString("never committed")
	_, err := env.assembler.Assemble("c1", []digest.Digest{missing})
	if !errors.Is(err, ErrAssemblyFailed) {
		t.Errorf("expected ErrAssemblyFailed, got %v", err)
	}
	if !errors.Is(err, layer.ErrNotFound) {
		t.Errorf("expected wrapped layer.ErrNotFound, got %v", err)
	}
}

func TestAssembleReplaysWritableLayer(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	layerA := env.putLayer(t, []entry{{name: "etc/", dir: true}, {name: "etc/app.conf", content: "image"}})

	diffDir := env.cfg.GetContainerDiff("c1")
	if err := os.MkdirAll(filepath.Join(diffDir, "etc"), 0755); err != nil {
		t.Fatalf("Failed to create diff dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(diffDir, "etc/app.conf"), []byte("edited"), 0644); err != nil {
		t.Fatalf("Failed to write diff file: %v", err)
	}

	rootfsPath, err := env.assembler.Assemble("c1", []digest.Digest{layerA})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if got := readFile(t, filepath.Join(rootfsPath, "etc/app.conf")); got != "edited" {
		t.Errorf("writable layer did not win over image layer: %q", got)
	}
}

func TestAssembleSkeleton(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	layerA := env.putLayer(t, []entry{{name: "f", content: "1"}})
	rootfsPath, err := env.assembler.Assemble("c1", []digest.Digest{layerA})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	for _, dir := range []string{"etc", "tmp", "dev", "proc", "var/log"} {
		info, err := os.Stat(filepath.Join(rootfsPath, dir))
		if err != nil || !info.IsDir() {
			t.Errorf("missing skeleton dir %s: %v", dir, err)
		}
	}
	if _, err := os.Stat(filepath.Join(rootfsPath, "dev/null")); err != nil {
		t.Errorf("missing device stub: %v", err)
	}
	if got := readFile(t, filepath.Join(rootfsPath, "etc/hostname")); got != "c1\n" {
		t.Errorf("unexpected hostname seed: %q", got)
	}
}

func TestTeardown(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	layerA := env.putLayer(t, []entry{{name: "f", content: "1"}})
	rootfsPath, err := env.assembler.Assemble("c1", []digest.Digest{layerA})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if err := env.assembler.Teardown("c1"); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}

	if _, err := os.Stat(rootfsPath); !os.IsNotExist(err) {
		t.Error("rootfs survived teardown")
	}
	if _, err := os.Stat(env.cfg.GetContainerDiff("c1")); !os.IsNotExist(err) {
		t.Error("writable layer survived teardown")
	}
	// Shared extraction untouched.
	if !env.layers.Has(layerA) {
		t.Error("teardown deleted shared layer content")
	}
}

func TestTeardownWriteStrippedGraft(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	layerA := env.putLayer(t, []entry{{name: "f", content: "1"}})
	rootfsPath, err := env.assembler.Assemble("c1", []digest.Digest{layerA})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	// A read-only mount graft leaves an immutable tree behind; teardown
	// must clear it without privileges.
	grafted := filepath.Join(rootfsPath, "data/sub")
	if err := os.MkdirAll(grafted, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(grafted, "f.txt"), []byte("x"), 0444); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	for _, dir := range []string{grafted, filepath.Join(rootfsPath, "data")} {
		if err := os.Chmod(dir, 0555); err != nil {
			t.Fatalf("chmod failed: %v", err)
		}
	}

	if err := env.assembler.Teardown("c1"); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if _, err := os.Stat(rootfsPath); !os.IsNotExist(err) {
		t.Error("rootfs survived teardown")
	}
}

func TestSyncDiff(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	layerA := env.putLayer(t, []entry{
		{name: "etc/", dir: true},
		{name: "etc/app.conf", content: "image"},
		{name: "usr/", dir: true},
		{name: "usr/doomed", content: "bye"},
	})

	rootfsPath, err := env.assembler.Assemble("c1", []digest.Digest{layerA})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	// Simulate runtime activity: add, modify, delete.
	if err := os.WriteFile(filepath.Join(rootfsPath, "brand-new"), []byte("new"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rootfsPath, "etc/app.conf"), []byte("changed"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := os.Remove(filepath.Join(rootfsPath, "usr/doomed")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	if err := env.assembler.SyncDiff("c1", []digest.Digest{layerA}); err != nil {
		t.Fatalf("SyncDiff failed: %v", err)
	}

	diffDir := env.cfg.GetContainerDiff("c1")
	if got := readFile(t, filepath.Join(diffDir, "brand-new")); got != "new" {
		t.Errorf("added file not captured: %q", got)
	}
	if got := readFile(t, filepath.Join(diffDir, "etc/app.conf")); got != "changed" {
		t.Errorf("modified file not captured: %q", got)
	}
	if _, err := os.Stat(filepath.Join(diffDir, "usr/.wh.doomed")); err != nil {
		t.Errorf("deletion not recorded as whiteout: %v", err)
	}

	// Runtime-managed files never enter the delta.
	if _, err := os.Stat(filepath.Join(diffDir, "etc/hostname")); !os.IsNotExist(err) {
		t.Error("managed file leaked into writable layer")
	}
	if _, err := os.Stat(filepath.Join(diffDir, assembledMarker)); !os.IsNotExist(err) {
		t.Error("assembly marker leaked into writable layer")
	}

	// Unchanged image content stays out of the delta.
	if _, err := os.Stat(filepath.Join(diffDir, "usr")); err == nil {
		entries, _ := os.ReadDir(filepath.Join(diffDir, "usr"))
		for _, e := range entries {
			if e.Name() != ".wh.doomed" {
				t.Errorf("unexpected entry in delta: usr/%s", e.Name())
			}
		}
	}
}

func TestSyncDiffExcludesMounts(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	layerA := env.putLayer(t, []entry{{name: "f", content: "1"}})
	rootfsPath, err := env.assembler.Assemble("c1", []digest.Digest{layerA})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	mountDir := filepath.Join(rootfsPath, "mnt/data")
	if err := os.MkdirAll(mountDir, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(mountDir, "volume-file"), []byte("vol"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := env.assembler.SyncDiff("c1", []digest.Digest{layerA}, "mnt/data"); err != nil {
		t.Fatalf("SyncDiff failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(env.cfg.GetContainerDiff("c1"), "mnt/data")); !os.IsNotExist(err) {
		t.Error("mount graft leaked into writable layer")
	}
}
