package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// seatbeltBoundary wraps another boundary with a sandbox-exec profile on
// hosts that provide it. The profile is deny-by-default, which is what
// makes read-only mounts mechanism-enforced: a path with only a read rule
// cannot be written.
type seatbeltBoundary struct {
	opts        Options
	inner       Boundary
	sandboxExec string
}

func newSeatbeltBoundary(opts Options, inner Boundary, sandboxExec string) (*seatbeltBoundary, error) {
	boundary := &seatbeltBoundary{
		opts:        opts,
		inner:       inner,
		sandboxExec: sandboxExec,
	}

	profile := boundary.buildProfile()
	if err := os.WriteFile(opts.ProfilePath, []byte(profile), 0644); err != nil {
		return nil, fmt.Errorf("%w: failed to write sandbox profile: %w", ErrSetupFailed, err)
	}

	return boundary, nil
}

func (b *seatbeltBoundary) Command(ctx context.Context, program string, args []string) (*exec.Cmd, error) {
	inner, err := b.inner.Command(ctx, program, args)
	if err != nil {
		return nil, err
	}

	attr := syscall.SysProcAttr{Setpgid: true}
	if inner.SysProcAttr != nil {
		attr = *inner.SysProcAttr
	}

	// sandbox-exec is a host binary, so a pre-exec chroot would make it
	// unreachable. The profile carries the confinement instead, and a
	// chroot-shaped command is translated back to the host view.
	target := inner.Path
	dir := inner.Dir
	env := inner.Env
	if attr.Chroot != "" {
		target = filepath.Join(attr.Chroot, target)
		dir = filepath.Join(attr.Chroot, dir)
		env = translateEnv(attr.Chroot, env)
		attr.Chroot = ""
	}

	wrapped := exec.CommandContext(ctx, b.sandboxExec, append([]string{"-f", b.opts.ProfilePath, target}, args...)...)
	wrapped.SysProcAttr = &attr
	wrapped.Dir = dir
	wrapped.Env = env
	return wrapped, nil
}

func (b *seatbeltBoundary) EnforcesReadOnly() bool { return true }

func (b *seatbeltBoundary) Describe() string {
	return b.inner.Describe() + "+seatbelt"
}

// buildProfile emits the sandbox profile for this container: deny default,
// read access to the host system paths a dynamic binary needs, full access
// to the container's own tree, and per-mount rules.
func (b *seatbeltBoundary) buildProfile() string {
	var sb strings.Builder

	sb.WriteString("(version 1)\n")
	sb.WriteString("(deny default)\n\n")

	sb.WriteString("; process lifecycle\n")
	sb.WriteString("(allow process-exec*)\n")
	sb.WriteString("(allow process-fork)\n")
	sb.WriteString("(allow signal (target same-sandbox))\n\n")

	sb.WriteString("; host system paths required by dynamic binaries\n")
	for _, path := range []string{
		"/usr/lib", "/usr/bin", "/bin", "/sbin", "/usr/sbin",
		"/System", "/Library", "/private/var/db/dyld", "/dev",
	} {
		fmt.Fprintf(&sb, "(allow file-read* (subpath %q))\n", path)
	}
	sb.WriteString("\n; container filesystem\n")
	fmt.Fprintf(&sb, "(allow file-read* file-write* (subpath %q))\n", b.opts.RootfsPath)
	fmt.Fprintf(&sb, "(allow file-read* file-write* (subpath %q))\n", "/private/tmp")
	fmt.Fprintf(&sb, "(allow file-read* file-write* (subpath %q))\n", "/tmp")

	if len(b.opts.Mounts) > 0 {
		sb.WriteString("\n; mounts\n")
		for _, m := range b.opts.Mounts {
			if m.ReadOnly {
				fmt.Fprintf(&sb, "(allow file-read* (subpath %q))\n", m.HostPath)
			} else {
				fmt.Fprintf(&sb, "(allow file-read* file-write* (subpath %q))\n", m.HostPath)
			}
		}
	}

	if !b.opts.Strict {
		sb.WriteString("\n; host networking\n")
		sb.WriteString("(allow network*)\n")
	}

	sb.WriteString("\n; runtime services\n")
	sb.WriteString("(allow mach-lookup (global-name \"com.apple.system.logger\"))\n")
	sb.WriteString("(allow mach-lookup (global-name \"com.apple.system.notification_center\"))\n")
	sb.WriteString("(allow mach-lookup (global-name \"com.apple.dyld\"))\n")
	sb.WriteString("(allow sysctl-read)\n")
	sb.WriteString("(allow file-read* file-write* (regex #\"^/dev/tty.*\"))\n")

	return sb.String()
}
