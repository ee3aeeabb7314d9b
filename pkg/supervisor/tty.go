package supervisor

import (
	"io"
	"os"
	"os/exec"
	"os/signal"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// terminalSession runs a command behind a pseudo-terminal and mirrors the
// caller's terminal into it while the command runs.
type terminalSession struct {
	ptmx    *os.File
	restore func()
	winch   chan os.Signal
}

// startTerminal launches cmd on a fresh pty. Everything the command writes is
// copied to each sink; stdin is forwarded, raw when it is a real terminal.
func startTerminal(cmd *exec.Cmd, stdin io.Reader, sinks ...io.Writer) (*terminalSession, error) {
	// the pty layer calls setsid, which already gives the command its own
	// process group; setpgid on a session leader would fail
	if cmd.SysProcAttr != nil {
		cmd.SysProcAttr.Setpgid = false
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	session := &terminalSession{ptmx: ptmx}

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		if oldState, err := term.MakeRaw(fd); err == nil {
			session.restore = func() { term.Restore(fd, oldState) }
		}

		session.winch = make(chan os.Signal, 1)
		signal.Notify(session.winch, unix.SIGWINCH)
		go func() {
			for range session.winch {
				pty.InheritSize(f, ptmx)
			}
		}()
		session.winch <- unix.SIGWINCH
	}

	go func() { io.Copy(ptmx, stdin) }()
	go func() { io.Copy(io.MultiWriter(sinks...), ptmx) }()

	return session, nil
}

func (t *terminalSession) Close() {
	if t.winch != nil {
		signal.Stop(t.winch)
		close(t.winch)
	}
	if t.restore != nil {
		t.restore()
	}
	t.ptmx.Close()
}
