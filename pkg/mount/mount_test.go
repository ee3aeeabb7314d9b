package mount

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"drydock/pkg/config"
	"drydock/pkg/state"
	"drydock/pkg/volume"
)

func TestParseSpec(t *testing.T) {
	cases := []struct {
		raw  string
		want Spec
	}{
		{"/host/data:/container/data", Spec{Source: "/host/data", Destination: "/container/data"}},
		{"myvolume:/data", Spec{Source: "myvolume", Destination: "/data"}},
		{"/src:/dst:ro", Spec{Source: "/src", Destination: "/dst", ReadOnly: true}},
		{"vol:/dst:rw", Spec{Source: "vol", Destination: "/dst"}},
	}
	for _, c := range cases {
		got, err := ParseSpec(c.raw)
		if err != nil {
			t.Errorf("ParseSpec(%q) failed: %v", c.raw, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseSpec(%q) = %+v, want %+v", c.raw, got, c.want)
		}
	}

	invalid := []string{"", "noseparator", "a:b:c:d", ":/dst", "src:relative/dst", "/src:/dst:bogus", "/src:/", "vol://"}
	for _, raw := range invalid {
		if _, err := ParseSpec(raw); !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("ParseSpec(%q): expected ErrInvalidSpec, got %v", raw, err)
		}
	}
}

func TestIsNamedVolume(t *testing.T) {
	if !(Spec{Source: "data"}).IsNamedVolume() {
		t.Error("bare name should be a named volume")
	}
	if (Spec{Source: "/abs/path"}).IsNamedVolume() {
		t.Error("absolute path is not a named volume")
	}
	if (Spec{Source: "./rel"}).IsNamedVolume() {
		t.Error("relative path is not a named volume")
	}
}

func newTestResolver(t *testing.T) (*Resolver, *volume.Manager, string, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "drydock-mount-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	cleanup := func() { os.RemoveAll(tempDir) }

	cfg := config.NewConfigWithRoot(filepath.Join(tempDir, "root"))
	if err := cfg.Ensure(); err != nil {
		cleanup()
		t.Fatalf("Failed to ensure config dirs: %v", err)
	}
	store, err := state.NewStore(cfg)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to create store: %v", err)
	}
	volumes, err := volume.NewManager(cfg, store)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to create volume manager: %v", err)
	}

	rootfs := filepath.Join(tempDir, "rootfs")
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		cleanup()
		t.Fatalf("Failed to create rootfs: %v", err)
	}

	return NewResolver(volumes), volumes, rootfs, cleanup
}

func TestResolveNamedVolume(t *testing.T) {
	resolver, volumes, rootfs, cleanup := newTestResolver(t)
	defer cleanup()

	vol, err := volumes.Create("appdata")
	if err != nil {
		t.Fatalf("Create volume failed: %v", err)
	}

	active, err := resolver.Resolve("c1", []Spec{{Source: "appdata", Destination: "/data"}}, rootfs)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if active[0].HostPath != vol.Mountpoint {
		t.Errorf("expected host path %s, got %s", vol.Mountpoint, active[0].HostPath)
	}
	if active[0].Target != filepath.Join(rootfs, "data") {
		t.Errorf("unexpected target: %s", active[0].Target)
	}
}

func TestResolveUnknownVolume(t *testing.T) {
	resolver, _, rootfs, cleanup := newTestResolver(t)
	defer cleanup()

	_, err := resolver.Resolve("c1", []Spec{{Source: "ghost", Destination: "/data"}}, rootfs)
	if !errors.Is(err, volume.ErrNotFound) {
		t.Errorf("expected volume.ErrNotFound, got %v", err)
	}
}

func TestResolveEscapeAttempts(t *testing.T) {
	resolver, _, rootfs, cleanup := newTestResolver(t)
	defer cleanup()

	t.Run("dot-dot segments stay confined", func(t *testing.T) {
		// Path traversal above / clamps at the container root, the same
		// way .. behaves at the root of a real chroot.
		active, err := resolver.Resolve("c1",
			[]Spec{{Source: "/tmp", Destination: "/data/../../../../etc/target"}}, rootfs)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if !strings.HasPrefix(active[0].Target, rootfs+string(os.PathSeparator)) {
			t.Errorf("target escaped rootfs: %s", active[0].Target)
		}
		if active[0].Target != filepath.Join(rootfs, "etc/target") {
			t.Errorf("unexpected clamped target: %s", active[0].Target)
		}
	})

	t.Run("container root rejected", func(t *testing.T) {
		for _, dest := range []string{"/data/..", "/.."} {
			_, err := resolver.Resolve("c1",
				[]Spec{{Source: "/tmp", Destination: dest}}, rootfs)
			if !errors.Is(err, ErrInvalidPath) {
				t.Errorf("dest %q: expected ErrInvalidPath, got %v", dest, err)
			}
		}
	})

	t.Run("relative symlink escape rejected", func(t *testing.T) {
		if err := os.Symlink("../../..", filepath.Join(rootfs, "sneaky")); err != nil {
			t.Fatalf("Failed to plant symlink: %v", err)
		}
		_, err := resolver.Resolve("c1",
			[]Spec{{Source: "/tmp", Destination: "/sneaky/stolen"}}, rootfs)
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("expected ErrInvalidPath, got %v", err)
		}
	})

	t.Run("absolute symlink re-rooted inside", func(t *testing.T) {
		// An absolute link is the container's view of /, so it must land
		// back inside the rootfs rather than on the host.
		if err := os.Symlink("/etc", filepath.Join(rootfs, "conf")); err != nil {
			t.Fatalf("Failed to plant symlink: %v", err)
		}
		active, err := resolver.Resolve("c1",
			[]Spec{{Source: "/tmp", Destination: "/conf/app"}}, rootfs)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if active[0].Target != filepath.Join(rootfs, "etc/app") {
			t.Errorf("absolute symlink not re-rooted: %s", active[0].Target)
		}
	})

	t.Run("symlink loop rejected", func(t *testing.T) {
		if err := os.Symlink("loop-b", filepath.Join(rootfs, "loop-a")); err != nil {
			t.Fatalf("Failed to plant symlink: %v", err)
		}
		if err := os.Symlink("loop-a", filepath.Join(rootfs, "loop-b")); err != nil {
			t.Fatalf("Failed to plant symlink: %v", err)
		}
		_, err := resolver.Resolve("c1",
			[]Spec{{Source: "/tmp", Destination: "/loop-a/file"}}, rootfs)
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("expected ErrInvalidPath for loop, got %v", err)
		}
	})
}

func TestApplyGrafts(t *testing.T) {
	resolver, volumes, rootfs, cleanup := newTestResolver(t)
	defer cleanup()

	vol, err := volumes.Create("shared")
	if err != nil {
		t.Fatalf("Create volume failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(vol.Mountpoint, "inside.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("Failed to seed volume: %v", err)
	}

	// The destination already holds a file; the mount shadows it.
	if err := os.MkdirAll(filepath.Join(rootfs, "mnt"), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "mnt/shared"), []byte("shadowed"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	active, err := resolver.Resolve("c1", []Spec{{Source: "shared", Destination: "/mnt/shared"}}, rootfs)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := Apply(active, false); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(rootfs, "mnt/shared/inside.txt"))
	if err != nil {
		t.Fatalf("graft unreadable: %v", err)
	}
	if string(data) != "hi" {
		t.Errorf("unexpected content: %q", data)
	}
}

func TestApplyReadOnlyCopy(t *testing.T) {
	resolver, volumes, rootfs, cleanup := newTestResolver(t)
	defer cleanup()

	vol, err := volumes.Create("ro-data")
	if err != nil {
		t.Fatalf("Create volume failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(vol.Mountpoint, "f.txt"), []byte("frozen"), 0644); err != nil {
		t.Fatalf("Failed to seed volume: %v", err)
	}

	active, err := resolver.Resolve("c1",
		[]Spec{{Source: "ro-data", Destination: "/data", ReadOnly: true}}, rootfs)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := Apply(active, true); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	target := filepath.Join(rootfs, "data")
	info, err := os.Lstat(target)
	if err != nil {
		t.Fatalf("graft missing: %v", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		t.Fatal("read-only graft should be a copy, not a symlink")
	}
	if info.Mode().Perm() != 0555 {
		t.Errorf("directory not write-stripped: %v", info.Mode().Perm())
	}
	fileInfo, err := os.Stat(filepath.Join(target, "f.txt"))
	if err != nil {
		t.Fatalf("copied file missing: %v", err)
	}
	if fileInfo.Mode().Perm() != 0444 {
		t.Errorf("file not write-stripped: %v", fileInfo.Mode().Perm())
	}
}

func TestApplyReadOnlyRegraft(t *testing.T) {
	resolver, volumes, rootfs, cleanup := newTestResolver(t)
	defer cleanup()

	vol, err := volumes.Create("ro-data")
	if err != nil {
		t.Fatalf("Create volume failed: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(vol.Mountpoint, "sub"), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(vol.Mountpoint, "sub/f.txt"), []byte("v1"), 0644); err != nil {
		t.Fatalf("Failed to seed volume: %v", err)
	}

	active, err := resolver.Resolve("c1",
		[]Spec{{Source: "ro-data", Destination: "/data", ReadOnly: true}}, rootfs)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if err := Apply(active, true); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}

	// A restart grafts again over the write-stripped copy left by the
	// previous run; the stale tree must give way without privileges.
	if err := os.WriteFile(filepath.Join(vol.Mountpoint, "sub/f.txt"), []byte("v2"), 0644); err != nil {
		t.Fatalf("Failed to update volume: %v", err)
	}
	if err := Apply(active, true); err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(rootfs, "data/sub/f.txt"))
	if err != nil {
		t.Fatalf("regrafted file unreadable: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("regraft content = %q, want fresh copy", data)
	}
}
