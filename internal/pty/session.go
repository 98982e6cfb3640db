// Package pty owns the broker's pseudo-terminal pair and the child process
// attached to its slave side. Linux-only: the line-discipline and window
// size plumbing use Linux termios ioctls directly.
package pty

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Session wraps a child process running inside a PTY. Exactly one Session
// exists per broker process; the event loop owns the master descriptor for
// the session's lifetime.
type Session struct {
	cmd    *exec.Cmd
	master *os.File

	// Raw master descriptor, resolved exactly once. os.File.Fd() would
	// switch the descriptor back to blocking mode every call, silently
	// undoing the non-blocking setup the event loop depends on.
	masterFd int

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
}

// Open allocates a PTY pair, adjusts the slave's line discipline for
// interactive rendering, and starts argv[0] with the slave as its
// controlling terminal on descriptors 0/1/2. The parent keeps only the
// master side, in non-blocking mode. An exec failure surfaces here as an
// error; it never leaks a half-started session.
func Open(argv []string, workDir string, env []string) (*Session, error) {
	if len(argv) == 0 {
		return nil, errors.New("pty: argv must not be empty")
	}

	master, slave, err := creackpty.Open()
	if err != nil {
		return nil, err
	}

	// Fix the slave line discipline before the child starts: output
	// post-processing with \n becoming \r\n so prompts render correctly
	// for observers, \r mapped to \n on input so remote writers sending
	// \r work, and never \r to \n on output (loops). Best-effort, losing
	// this only degrades rendering.
	adjustLineDiscipline(int(slave.Fd()))

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, err
	}
	// The child holds its own copies of the slave now. Dropping ours means
	// a child exit leaves the master with no peers, which is how the event
	// loop detects the exit (EIO on read).
	slave.Close()

	masterFd := int(master.Fd())
	if err := unix.SetNonblock(masterFd, true); err != nil {
		_ = cmd.Process.Kill()
		master.Close()
		return nil, err
	}

	s := &Session{
		cmd:      cmd,
		master:   master,
		masterFd: masterFd,
		done:     make(chan struct{}),
	}
	go s.reap()
	return s, nil
}

// reap waits for the child and records its exit status.
func (s *Session) reap() {
	s.waitErr = s.cmd.Wait()
	close(s.done)
}

// adjustLineDiscipline enables OPOST|ONLCR and ICRNL and clears OCRNL on
// the slave descriptor. Errors are ignored; the child still runs without it.
func adjustLineDiscipline(fd int) {
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return
	}
	tio.Oflag |= unix.OPOST | unix.ONLCR
	tio.Oflag &^= unix.OCRNL
	tio.Iflag |= unix.ICRNL
	_ = unix.IoctlSetTermios(fd, unix.TCSETS, tio)
}

// MasterFd returns the raw master descriptor for readiness registration
// and raw reads. It never touches the os.File, so the descriptor stays
// non-blocking.
func (s *Session) MasterFd() int { return s.masterFd }

// Pid returns the child's process identifier.
func (s *Session) Pid() int { return s.cmd.Process.Pid }

// Done is closed once the child has exited and been reaped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Alive reports whether the child has not yet been reaped.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the child's exit code after Done; 0 for a clean exit,
// -1 if the child was signaled or has not exited yet.
func (s *Session) ExitCode() int {
	select {
	case <-s.done:
	default:
		return -1
	}
	if s.waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(s.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Interrupt delivers SIGINT to the child so its own handling decides what
// interrupt means. A child that is already gone is not an error.
func (s *Session) Interrupt() error {
	if !s.Alive() {
		return nil
	}
	if err := s.cmd.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Close terminates the child (SIGTERM, best-effort) and closes the master
// descriptor. Safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.Alive() && s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}
		err = s.master.Close()
	})
	return err
}
