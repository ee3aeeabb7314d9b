package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"drydock/pkg/mount"
)

func newTestRootfs(t *testing.T) (string, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "drydock-sandbox-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	for _, dir := range []string{"bin", "usr/bin", "etc", "work"} {
		if err := os.MkdirAll(filepath.Join(tempDir, dir), 0755); err != nil {
			os.RemoveAll(tempDir)
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
	}
	if err := os.WriteFile(filepath.Join(tempDir, "bin/sh"), []byte("#!/bin/sh\n"), 0755); err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("Failed to create fake binary: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "usr/bin/env"), []byte("#!/bin/sh\n"), 0755); err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("Failed to create fake binary: %v", err)
	}

	return tempDir, func() { os.RemoveAll(tempDir) }
}

func TestResolveProgram(t *testing.T) {
	rootfs, cleanup := newTestRootfs(t)
	defer cleanup()

	t.Run("bare name searched in bin dirs", func(t *testing.T) {
		containerPath, hostPath, err := resolveProgram(rootfs, "sh")
		if err != nil {
			t.Fatalf("resolveProgram failed: %v", err)
		}
		if containerPath != "/bin/sh" {
			t.Errorf("unexpected container path: %s", containerPath)
		}
		if hostPath != filepath.Join(rootfs, "bin/sh") {
			t.Errorf("unexpected host path: %s", hostPath)
		}
	})

	t.Run("absolute path checked directly", func(t *testing.T) {
		containerPath, _, err := resolveProgram(rootfs, "/usr/bin/env")
		if err != nil {
			t.Fatalf("resolveProgram failed: %v", err)
		}
		if containerPath != "/usr/bin/env" {
			t.Errorf("unexpected container path: %s", containerPath)
		}
	})

	t.Run("missing binary", func(t *testing.T) {
		_, _, err := resolveProgram(rootfs, "no-such-tool")
		if !errors.Is(err, ErrProgramNotFound) {
			t.Errorf("expected ErrProgramNotFound, got %v", err)
		}
	})

	t.Run("non-executable file rejected", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(rootfs, "bin/readme"), []byte("text"), 0644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		_, _, err := resolveProgram(rootfs, "readme")
		if !errors.Is(err, ErrProgramNotFound) {
			t.Errorf("expected ErrProgramNotFound for non-executable, got %v", err)
		}
	})
}

func TestPseudoChrootCommand(t *testing.T) {
	rootfs, cleanup := newTestRootfs(t)
	defer cleanup()

	boundary := &pseudoChrootBoundary{opts: Options{
		RootfsPath: rootfs,
		WorkingDir: "/work",
		Env:        []string{"PATH=/usr/bin:/bin", "HOME=/root", "TERM=xterm"},
	}}

	cmd, err := boundary.Command(context.Background(), "sh", []string{"-c", "true"})
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	if cmd.Path != filepath.Join(rootfs, "bin/sh") {
		t.Errorf("unexpected program path: %s", cmd.Path)
	}
	if cmd.Dir != filepath.Join(rootfs, "work") {
		t.Errorf("working dir not translated: %s", cmd.Dir)
	}
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Error("process group not requested")
	}

	var path, home, term string
	for _, kv := range cmd.Env {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			path = kv
		case strings.HasPrefix(kv, "HOME="):
			home = kv
		case strings.HasPrefix(kv, "TERM="):
			term = kv
		}
	}
	if !strings.Contains(path, filepath.Join(rootfs, "bin")) {
		t.Errorf("PATH not rootfs-scoped: %s", path)
	}
	if home != "HOME="+filepath.Join(rootfs, "root") {
		t.Errorf("HOME not translated: %s", home)
	}
	if term != "TERM=xterm" {
		t.Errorf("unrelated variable modified: %s", term)
	}
}

func TestResolveUser(t *testing.T) {
	rootfs, cleanup := newTestRootfs(t)
	defer cleanup()

	passwd := "root:x:0:0:root:/root:/bin/sh\napp:x:1234:5678::/home/app:/bin/sh\n"
	if err := os.WriteFile(filepath.Join(rootfs, "etc/passwd"), []byte(passwd), 0644); err != nil {
		t.Fatalf("Failed to write passwd: %v", err)
	}

	cases := []struct {
		user     string
		uid, gid uint32
	}{
		{"", defaultUID, defaultGID},
		{"42", 42, 42},
		{"42:99", 42, 99},
		{"app", 1234, 5678},
		{"app:99", 1234, 99},
	}
	for _, c := range cases {
		uid, gid, err := resolveUser(rootfs, c.user)
		if err != nil {
			t.Errorf("resolveUser(%q) failed: %v", c.user, err)
			continue
		}
		if uid != c.uid || gid != c.gid {
			t.Errorf("resolveUser(%q) = %d:%d, want %d:%d", c.user, uid, gid, c.uid, c.gid)
		}
	}

	if _, _, err := resolveUser(rootfs, "ghost"); err == nil {
		t.Error("expected error for unknown user name")
	}
}

func TestNewBoundaryMechanism(t *testing.T) {
	rootfs, cleanup := newTestRootfs(t)
	defer cleanup()

	opts := Options{
		RootfsPath:  rootfs,
		ProfilePath: filepath.Join(rootfs, "sandbox.sb"),
	}

	t.Run("pseudo forced", func(t *testing.T) {
		opts := opts
		opts.Mechanism = "pseudo"
		boundary, err := NewBoundary(opts)
		if err != nil {
			t.Fatalf("NewBoundary failed: %v", err)
		}
		if !strings.HasPrefix(boundary.Describe(), "pseudo-chroot") {
			t.Errorf("expected pseudo-chroot boundary, got %s", boundary.Describe())
		}
	})

	t.Run("chroot requires root", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("running as root")
		}
		opts := opts
		opts.Mechanism = "chroot"
		if _, err := NewBoundary(opts); !errors.Is(err, ErrSetupFailed) {
			t.Errorf("expected ErrSetupFailed, got %v", err)
		}
	})

	t.Run("unknown mode rejected", func(t *testing.T) {
		opts := opts
		opts.Mechanism = "hypervisor"
		if _, err := NewBoundary(opts); err == nil {
			t.Error("expected error for unknown isolation mode")
		}
	})
}

func TestSeatbeltCommandStaysOnHost(t *testing.T) {
	rootfs, cleanup := newTestRootfs(t)
	defer cleanup()

	opts := Options{
		RootfsPath:  rootfs,
		ProfilePath: filepath.Join(rootfs, "sandbox.sb"),
		WorkingDir:  "/work",
		Privileged:  true,
		Env:         []string{"PATH=/bin", "TERM=xterm"},
	}
	inner, err := newChrootBoundary(opts)
	if err != nil {
		t.Fatalf("newChrootBoundary failed: %v", err)
	}
	boundary, err := newSeatbeltBoundary(opts, inner, "/usr/bin/sandbox-exec")
	if err != nil {
		t.Fatalf("newSeatbeltBoundary failed: %v", err)
	}

	cmd, err := boundary.Command(context.Background(), "/bin/sh", []string{"-c", "true"})
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	// sandbox-exec runs on the host, so nothing may change root before
	// exec and every path handed to it must be host-visible.
	if cmd.Path != "/usr/bin/sandbox-exec" {
		t.Errorf("Path = %s", cmd.Path)
	}
	if cmd.SysProcAttr == nil || cmd.SysProcAttr.Chroot != "" {
		t.Errorf("wrapper must not carry a pre-exec chroot: %+v", cmd.SysProcAttr)
	}
	if !cmd.SysProcAttr.Setpgid {
		t.Error("process group flag lost in wrapping")
	}
	if len(cmd.Args) < 4 || cmd.Args[3] != filepath.Join(rootfs, "bin/sh") {
		t.Errorf("entrypoint not translated to the host view: %v", cmd.Args)
	}
	if cmd.Dir != filepath.Join(rootfs, "work") {
		t.Errorf("working dir not translated: %s", cmd.Dir)
	}
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, "PATH=") && !strings.Contains(kv, rootfs) {
			t.Errorf("PATH still points at container paths: %s", kv)
		}
	}
}

func TestSeatbeltProfile(t *testing.T) {
	rootfs, cleanup := newTestRootfs(t)
	defer cleanup()

	boundary := &seatbeltBoundary{opts: Options{
		RootfsPath: rootfs,
		Mounts: []mount.Active{
			{Spec: mount.Spec{ReadOnly: true}, HostPath: "/vols/frozen"},
			{Spec: mount.Spec{}, HostPath: "/vols/live"},
		},
	}}

	profile := boundary.buildProfile()

	if !strings.Contains(profile, "(deny default)") {
		t.Error("profile is not deny-by-default")
	}
	if !strings.Contains(profile, `(allow file-read* file-write* (subpath "`+rootfs+`"))`) {
		t.Error("rootfs not writable in profile")
	}
	if !strings.Contains(profile, `(allow file-read* (subpath "/vols/frozen"))`) {
		t.Error("read-only mount missing read rule")
	}
	if strings.Contains(profile, `file-write* (subpath "/vols/frozen")`) {
		t.Error("read-only mount was granted write access")
	}
	if !strings.Contains(profile, `(allow file-read* file-write* (subpath "/vols/live"))`) {
		t.Error("read-write mount missing write rule")
	}
	if !strings.Contains(profile, "(allow network*)") {
		t.Error("default profile should allow host networking")
	}

	boundary.opts.Strict = true
	strict := boundary.buildProfile()
	if strings.Contains(strict, "(allow network*)") {
		t.Error("strict profile must not allow networking")
	}
}
