package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"drydock/pkg/config"
	"drydock/pkg/sandbox"
	"drydock/pkg/state"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("component", "supervisor")

var (
	// ErrEntrypointNotFound means the requested program does not exist
	// inside the container filesystem.
	ErrEntrypointNotFound = errors.New("entrypoint not found in container filesystem")

	// ErrIsolationSetup means the process could not be placed inside its
	// isolation boundary.
	ErrIsolationSetup = errors.New("failed to set up isolation boundary")

	// ErrNotRunning means the container has no live process.
	ErrNotRunning = errors.New("container is not running")
)

// Conventional codes recorded when the supervisor did not observe the real
// wait status: 128+signal for processes it stopped itself, 255 for processes
// that vanished between invocations.
const (
	exitCodeTerm = 143
	exitCodeKill = 137
	exitCodeLost = 255
)

const stopPollInterval = 100 * time.Millisecond

// Supervisor starts container processes, tracks their liveness across CLI
// invocations through pid files, and owns the stop escalation and log
// streaming paths.
type Supervisor struct {
	cfg   *config.Config
	store *state.Store
}

func NewSupervisor(cfg *config.Config, store *state.Store) *Supervisor {
	return &Supervisor{cfg: cfg, store: store}
}

// StartSpec describes the main process of a container.
type StartSpec struct {
	ContainerID string
	Program     string
	Args        []string
	Boundary    sandbox.Boundary

	// Detach leaves the process connected only to the log file. When it is
	// false the caller's streams are attached alongside the log.
	Detach      bool
	Interactive bool
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
}

// Process is a container main process started by this supervisor instance.
// Only the invocation that started the process can Wait on it; other
// invocations observe it through pid probes.
type Process struct {
	ContainerID string
	Pid         int

	cmd     *exec.Cmd
	logFile *os.File
	tty     *terminalSession
	sup     *Supervisor
}

// Start launches the container's main process inside its boundary, captures
// output into the container log and marks the container running.
func (s *Supervisor) Start(ctx context.Context, spec StartSpec) (*Process, error) {
	cmd, err := spec.Boundary.Command(ctx, spec.Program, spec.Args)
	if err != nil {
		return nil, wrapBoundaryErr(err)
	}

	logFile, err := os.OpenFile(s.cfg.GetContainerLog(spec.ContainerID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open container log: %w", err)
	}

	proc := &Process{ContainerID: spec.ContainerID, cmd: cmd, logFile: logFile, sup: s}

	if spec.Interactive {
		stdin := spec.Stdin
		if stdin == nil {
			stdin = os.Stdin
		}
		stdout := spec.Stdout
		if stdout == nil {
			stdout = os.Stdout
		}
		tty, err := startTerminal(cmd, stdin, logFile, stdout)
		if err != nil {
			logFile.Close()
			return nil, fmt.Errorf("%w: %w", ErrIsolationSetup, err)
		}
		proc.tty = tty
	} else {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		if !spec.Detach {
			if spec.Stdout != nil {
				cmd.Stdout = io.MultiWriter(logFile, spec.Stdout)
			}
			if spec.Stderr != nil {
				cmd.Stderr = io.MultiWriter(logFile, spec.Stderr)
			}
			cmd.Stdin = spec.Stdin
		}
		if err := cmd.Start(); err != nil {
			logFile.Close()
			return nil, fmt.Errorf("%w: %w", ErrIsolationSetup, err)
		}
	}

	proc.Pid = cmd.Process.Pid

	pidData := []byte(strconv.Itoa(proc.Pid))
	if err := os.WriteFile(s.cfg.GetContainerPid(spec.ContainerID), pidData, 0644); err != nil {
		proc.abort()
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}

	st := state.ContainerState{
		Status:    state.StatusRunning,
		Pid:       proc.Pid,
		StartedAt: time.Now(),
	}
	if err := s.store.SaveContainerState(spec.ContainerID, st); err != nil {
		proc.abort()
		return nil, fmt.Errorf("failed to record running state: %w", err)
	}

	log.WithFields(logrus.Fields{
		"container": shortID(spec.ContainerID),
		"pid":       proc.Pid,
		"boundary":  spec.Boundary.Describe(),
		"program":   spec.Program,
	}).Debug("Container process started")

	return proc, nil
}

// Wait blocks until the process exits and records its exit code. Cancelling
// the context kills the process group.
func (p *Process) Wait(ctx context.Context) (int, error) {
	waitErr := make(chan error, 1)
	go func() { waitErr <- p.cmd.Wait() }()

	var exitCode int
	select {
	case err := <-waitErr:
		exitCode = exitCodeFromWait(err)
	case <-ctx.Done():
		p.sup.Signal(p.ContainerID, unix.SIGKILL)
		<-waitErr
		exitCode = exitCodeKill
	}

	p.release()

	if err := p.sup.recordExit(p.ContainerID, exitCode); err != nil {
		return exitCode, fmt.Errorf("process exited but state was not recorded: %w", err)
	}
	return exitCode, nil
}

// Detach releases the process to run on its own. State stays running until a
// later invocation observes the exit.
func (p *Process) Detach() error {
	p.release()
	if err := p.cmd.Process.Release(); err != nil {
		return fmt.Errorf("failed to release container process: %w", err)
	}
	return nil
}

// abort tears down a process whose bookkeeping failed before the container
// was marked running.
func (p *Process) abort() {
	unix.Kill(-p.Pid, unix.SIGKILL)
	unix.Kill(p.Pid, unix.SIGKILL)
	p.cmd.Wait()
	p.release()
}

func (p *Process) release() {
	if p.tty != nil {
		p.tty.Close()
		p.tty = nil
	}
	if p.logFile != nil {
		p.logFile.Close()
		p.logFile = nil
	}
}

// ExecSpec describes an extra process run inside an already running
// container. Exec output is not captured in the container log.
type ExecSpec struct {
	ContainerID string
	Program     string
	Args        []string
	Boundary    sandbox.Boundary
	Interactive bool
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
}

// Exec runs the process to completion and returns its exit code.
func (s *Supervisor) Exec(ctx context.Context, spec ExecSpec) (int, error) {
	if !s.Alive(spec.ContainerID) {
		return 0, ErrNotRunning
	}

	cmd, err := spec.Boundary.Command(ctx, spec.Program, spec.Args)
	if err != nil {
		return 0, wrapBoundaryErr(err)
	}

	stdin := spec.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := spec.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := spec.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	if spec.Interactive {
		tty, err := startTerminal(cmd, stdin, stdout)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrIsolationSetup, err)
		}
		defer tty.Close()
	} else {
		cmd.Stdin = stdin
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Start(); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrIsolationSetup, err)
		}
	}

	err = cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return 0, fmt.Errorf("exec process failed: %w", err)
		}
	}
	return exitCodeFromWait(err), nil
}

// Signal delivers sig to the container's process group, falling back to the
// process itself when the group is gone.
func (s *Supervisor) Signal(containerID string, sig unix.Signal) error {
	pid, err := s.pid(containerID)
	if err != nil {
		return err
	}
	if !processAlive(pid) {
		return ErrNotRunning
	}

	if err := unix.Kill(-pid, sig); err != nil {
		if err := unix.Kill(pid, sig); err != nil {
			return fmt.Errorf("failed to signal process %d: %w", pid, err)
		}
	}
	return nil
}

// Stop asks the container to exit with SIGTERM, waits up to grace, then
// SIGKILLs whatever is left. Returns the exit code it recorded.
func (s *Supervisor) Stop(ctx context.Context, containerID string, grace time.Duration) (int, error) {
	pid, err := s.pid(containerID)
	if err != nil {
		return 0, err
	}
	if !processAlive(pid) {
		// stale running state, the process died while nobody was watching
		if err := s.recordExit(containerID, exitCodeLost); err != nil {
			return 0, err
		}
		return exitCodeLost, nil
	}

	log.WithFields(logrus.Fields{
		"container": shortID(containerID),
		"pid":       pid,
		"grace":     grace,
	}).Debug("Stopping container process")

	if err := s.Signal(containerID, unix.SIGTERM); err != nil && !errors.Is(err, ErrNotRunning) {
		return 0, err
	}

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
		if !processAlive(pid) {
			return exitCodeTerm, s.recordExit(containerID, exitCodeTerm)
		}
	}

	log.WithField("container", shortID(containerID)).Debug("Grace period expired, sending SIGKILL")

	if err := s.Signal(containerID, unix.SIGKILL); err != nil && !errors.Is(err, ErrNotRunning) {
		return 0, err
	}
	for processAlive(pid) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
	return exitCodeKill, s.recordExit(containerID, exitCodeKill)
}

// Alive reports whether the container's recorded process still exists.
func (s *Supervisor) Alive(containerID string) bool {
	pid, err := s.pid(containerID)
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// Refresh reconciles recorded state with the live process table. A container
// recorded as running whose process has vanished is marked exited.
func (s *Supervisor) Refresh(containerID string) (*state.ContainerState, error) {
	st, err := s.store.LoadContainerState(containerID)
	if err != nil {
		return nil, err
	}
	if st.Status != state.StatusRunning || processAlive(st.Pid) {
		return st, nil
	}
	if err := s.recordExit(containerID, exitCodeLost); err != nil {
		return nil, err
	}
	return s.store.LoadContainerState(containerID)
}

// RecordExitIfGone marks the container exited with the given code, but only
// once its process is actually gone. Callers that deliver a fatal signal from
// outside the starting invocation use it to write the conventional code
// instead of letting Refresh file the exit as a lost process.
func (s *Supervisor) RecordExitIfGone(containerID string, exitCode int) (bool, error) {
	if s.Alive(containerID) {
		return false, nil
	}
	return true, s.recordExit(containerID, exitCode)
}

func (s *Supervisor) recordExit(containerID string, exitCode int) error {
	st, err := s.store.LoadContainerState(containerID)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			return err
		}
		st = &state.ContainerState{}
	}

	st.Status = state.StatusExited
	st.Pid = 0
	st.ExitCode = exitCode
	st.FinishedAt = time.Now()
	if err := s.store.SaveContainerState(containerID, *st); err != nil {
		return fmt.Errorf("failed to record exit: %w", err)
	}
	os.Remove(s.cfg.GetContainerPid(containerID))

	log.WithFields(logrus.Fields{
		"container": shortID(containerID),
		"exitCode":  exitCode,
	}).Debug("Container exited")
	return nil
}

// pid returns the container's recorded process id, preferring the pid file
// over state.json since the file is written first.
func (s *Supervisor) pid(containerID string) (int, error) {
	data, err := os.ReadFile(s.cfg.GetContainerPid(containerID))
	if err == nil {
		if pid, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil {
			return pid, nil
		}
	}

	st, err := s.store.LoadContainerState(containerID)
	if err != nil {
		return 0, err
	}
	return st.Pid, nil
}

// ParseSignal interprets a signal name or number. Names may be given with or
// without the SIG prefix.
func ParseSignal(value string) (unix.Signal, error) {
	if value == "" {
		return unix.SIGKILL, nil
	}
	if num, err := strconv.Atoi(value); err == nil {
		if num <= 0 || num > 64 {
			return 0, fmt.Errorf("invalid signal number: %d", num)
		}
		return unix.Signal(num), nil
	}

	name := strings.ToUpper(value)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("invalid signal: %s", value)
	}
	return sig, nil
}

func wrapBoundaryErr(err error) error {
	switch {
	case errors.Is(err, sandbox.ErrProgramNotFound):
		return fmt.Errorf("%w: %w", ErrEntrypointNotFound, err)
	case errors.Is(err, sandbox.ErrSetupFailed):
		return fmt.Errorf("%w: %w", ErrIsolationSetup, err)
	}
	return fmt.Errorf("failed to build container command: %w", err)
}

func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return exitCodeLost
}

// processAlive probes pid with a null signal. EPERM still means the process
// exists, it just belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
