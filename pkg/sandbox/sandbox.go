package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"drydock/pkg/mount"
)

var (
	// ErrProgramNotFound is returned when the entrypoint cannot be located
	// inside the rootfs.
	ErrProgramNotFound = errors.New("program not found in rootfs")
	// ErrSetupFailed is returned when the confinement mechanism cannot be
	// established (privilege drop, profile write).
	ErrSetupFailed = errors.New("isolation setup failed")
)

var log = logrus.WithField("component", "sandbox")

// binDirs is the in-rootfs search order for entrypoints given without a path.
var binDirs = []string{"bin", "usr/bin", "usr/local/bin", "sbin", "usr/sbin"}

// defaultUID and defaultGID are the credentials a root-started container
// drops to when the image does not name a user.
const (
	defaultUID = 1000
	defaultGID = 1000
)

// Options describes the confinement for one container process.
type Options struct {
	RootfsPath  string
	WorkingDir  string
	Env         []string
	User        string
	Privileged  bool
	Mounts      []mount.Active
	ProfilePath string
	Strict      bool

	// Mechanism forces a strategy: "chroot" or "pseudo". Empty, "auto" and
	// "strict" pick the strongest one available.
	Mechanism string
}

// Boundary builds confined commands for a container. The concrete strategy
// depends on what the host offers: a true chroot when running as root, a
// path-translated pseudo-chroot otherwise, optionally wrapped in a seatbelt
// profile on hosts that have sandbox-exec.
type Boundary interface {
	// Command prepares program+args to run inside the boundary. The
	// program path is interpreted in the container's view of the
	// filesystem.
	Command(ctx context.Context, program string, args []string) (*exec.Cmd, error)

	// EnforcesReadOnly reports whether the mechanism itself denies writes
	// to read-only mounts. When false, mounts are grafted as
	// write-stripped copies instead.
	EnforcesReadOnly() bool

	Describe() string
}

// NewBoundary picks the strongest strategy available for this process and
// host.
func NewBoundary(opts Options) (Boundary, error) {
	var inner Boundary
	switch opts.Mechanism {
	case "", "auto", "strict":
		if os.Geteuid() == 0 {
			chroot, err := newChrootBoundary(opts)
			if err != nil {
				return nil, err
			}
			inner = chroot
		} else {
			inner = &pseudoChrootBoundary{opts: opts}
		}
	case "chroot":
		if os.Geteuid() != 0 {
			return nil, fmt.Errorf("%w: chroot isolation requires root", ErrSetupFailed)
		}
		chroot, err := newChrootBoundary(opts)
		if err != nil {
			return nil, err
		}
		inner = chroot
	case "pseudo":
		inner = &pseudoChrootBoundary{opts: opts}
	default:
		return nil, fmt.Errorf("unknown isolation mode %q", opts.Mechanism)
	}

	if runtime.GOOS == "darwin" {
		if sandboxExec, err := exec.LookPath("sandbox-exec"); err == nil {
			seatbelt, err := newSeatbeltBoundary(opts, inner, sandboxExec)
			if err != nil {
				return nil, err
			}
			return seatbelt, nil
		}
	}

	log.WithField("strategy", inner.Describe()).Debug("selected isolation boundary")
	return inner, nil
}

// DefaultMechanism names the strategy NewBoundary would pick for this
// process and host, without building one.
func DefaultMechanism() string {
	name := "pseudo-chroot"
	if os.Geteuid() == 0 {
		name = "chroot"
	}
	if runtime.GOOS == "darwin" {
		if _, err := exec.LookPath("sandbox-exec"); err == nil {
			name += "+seatbelt"
		}
	}
	return name
}

// chrootBoundary changes the process root to the rootfs and drops
// privileges before exec.
type chrootBoundary struct {
	opts       Options
	credential *syscall.Credential
}

func newChrootBoundary(opts Options) (*chrootBoundary, error) {
	boundary := &chrootBoundary{opts: opts}

	if !opts.Privileged {
		uid, gid, err := resolveUser(opts.RootfsPath, opts.User)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSetupFailed, err)
		}
		boundary.credential = &syscall.Credential{
			Uid: uid,
			Gid: gid,
		}
	}

	return boundary, nil
}

func (b *chrootBoundary) Command(ctx context.Context, program string, args []string) (*exec.Cmd, error) {
	containerPath, _, err := resolveProgram(b.opts.RootfsPath, program)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, containerPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot:     b.opts.RootfsPath,
		Credential: b.credential,
		Setpgid:    true,
	}
	cmd.Dir = containerWorkingDir(b.opts.WorkingDir)
	cmd.Env = b.opts.Env
	return cmd, nil
}

func (b *chrootBoundary) EnforcesReadOnly() bool { return false }
func (b *chrootBoundary) Describe() string       { return "chroot" }

// pseudoChrootBoundary confines by path translation only: the entrypoint
// and working directory are resolved to host paths under the rootfs. This
// is the degraded rootless mode with no kernel-enforced root change.
type pseudoChrootBoundary struct {
	opts Options
}

func (b *pseudoChrootBoundary) Command(ctx context.Context, program string, args []string) (*exec.Cmd, error) {
	_, hostPath, err := resolveProgram(b.opts.RootfsPath, program)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, hostPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = filepath.Join(b.opts.RootfsPath, containerWorkingDir(b.opts.WorkingDir))
	cmd.Env = translateEnv(b.opts.RootfsPath, b.opts.Env)
	return cmd, nil
}

func (b *pseudoChrootBoundary) EnforcesReadOnly() bool { return false }
func (b *pseudoChrootBoundary) Describe() string       { return "pseudo-chroot" }

// resolveProgram locates program inside the rootfs. It returns both the
// container-absolute path (what a chrooted exec needs) and the host path
// (what a pseudo-chroot exec needs).
func resolveProgram(rootfsPath, program string) (containerPath, hostPath string, err error) {
	if strings.Contains(program, "/") {
		containerPath = "/" + strings.TrimLeft(filepath.Clean(program), "/")
		hostPath = filepath.Join(rootfsPath, containerPath)
		if isExecutableFile(hostPath) {
			return containerPath, hostPath, nil
		}
		return "", "", fmt.Errorf("%w: %s", ErrProgramNotFound, program)
	}

	for _, dir := range binDirs {
		hostPath = filepath.Join(rootfsPath, dir, program)
		if isExecutableFile(hostPath) {
			return "/" + dir + "/" + program, hostPath, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrProgramNotFound, program)
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0
}

func containerWorkingDir(workingDir string) string {
	if workingDir == "" {
		return "/"
	}
	return workingDir
}

// translateEnv rewrites path-bearing variables so that a pseudo-chrooted
// process and its children resolve binaries under the rootfs.
func translateEnv(rootfsPath string, env []string) []string {
	translated := make([]string, 0, len(env))
	for _, kv := range env {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			translated = append(translated, kv)
			continue
		}
		switch key {
		case "PATH":
			dirs := make([]string, 0, len(binDirs))
			for _, dir := range binDirs {
				dirs = append(dirs, filepath.Join(rootfsPath, dir))
			}
			translated = append(translated, "PATH="+strings.Join(dirs, ":"))
		case "HOME":
			translated = append(translated, "HOME="+filepath.Join(rootfsPath, value))
		default:
			translated = append(translated, kv)
		}
	}
	return translated
}

// resolveUser parses a user spec ("uid", "uid:gid", or a name looked up in
// the rootfs /etc/passwd) into the credentials to drop to.
func resolveUser(rootfsPath, user string) (uint32, uint32, error) {
	if user == "" {
		return defaultUID, defaultGID, nil
	}

	userPart, groupPart, _ := strings.Cut(user, ":")

	uid, gid, err := parsePasswdUser(rootfsPath, userPart)
	if err != nil {
		return 0, 0, err
	}

	if groupPart != "" {
		parsed, err := strconv.ParseUint(groupPart, 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid group %q: %w", groupPart, err)
		}
		gid = uint32(parsed)
	}

	return uid, gid, nil
}

func parsePasswdUser(rootfsPath, user string) (uint32, uint32, error) {
	if parsed, err := strconv.ParseUint(user, 10, 32); err == nil {
		return uint32(parsed), uint32(parsed), nil
	}

	data, err := os.ReadFile(filepath.Join(rootfsPath, "etc/passwd"))
	if err != nil {
		return 0, 0, fmt.Errorf("user %q not numeric and rootfs has no /etc/passwd: %w", user, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) < 4 || fields[0] != user {
			continue
		}
		uid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed passwd entry for %q", user)
		}
		gid, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed passwd entry for %q", user)
		}
		return uint32(uid), uint32(gid), nil
	}

	return 0, 0, fmt.Errorf("user %q not found in rootfs /etc/passwd", user)
}
