package pty

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// collectOutput reads master output until the deadline or until the child
// side is gone, accumulating everything read. The master is non-blocking,
// so reads are paced with poll.
func collectOutput(t *testing.T, s *Session, timeout time.Duration) string {
	t.Helper()
	var out strings.Builder
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	fd := s.MasterFd()
	for time.Now().Before(deadline) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, 50); err != nil && err != unix.EINTR {
			t.Fatalf("poll: %v", err)
		}
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			break
		}
	}
	return out.String()
}

func TestOpenRequiresArgv(t *testing.T) {
	if _, err := Open(nil, "", nil); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

func TestOpenExecFailure(t *testing.T) {
	if _, err := Open([]string{"/nonexistent-command-xyzzy"}, "", nil); err == nil {
		t.Fatal("expected error for unexecutable command")
	}
}

// TestLineDiscipline verifies the slave-side adjustment: the child writes
// "hello\n" and the master observes "hello\r\n" (OPOST|ONLCR applied).
func TestLineDiscipline(t *testing.T) {
	s, err := Open([]string{"echo", "hello"}, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	out := collectOutput(t, s, 5*time.Second)
	if !strings.Contains(out, "hello\r\n") {
		t.Errorf("expected CRLF-translated output, got %q", out)
	}
}

func TestExitCode(t *testing.T) {
	s, err := Open([]string{"sh", "-c", "exit 3"}, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for child exit")
	}
	if s.Alive() {
		t.Error("Alive should be false after Done")
	}
	if code := s.ExitCode(); code != 3 {
		t.Errorf("ExitCode = %d, want 3", code)
	}
}

func TestInterrupt(t *testing.T) {
	s, err := Open([]string{"sleep", "30"}, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not die from SIGINT")
	}

	// A second interrupt after exit is swallowed, not an error.
	if err := s.Interrupt(); err != nil {
		t.Errorf("Interrupt after exit: %v", err)
	}
}

func TestWriteToChild(t *testing.T) {
	s, err := Open([]string{"cat"}, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := unix.Write(s.MasterFd(), []byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := collectOutput(t, s, 2*time.Second)
	if !strings.Contains(out, "ping") {
		t.Errorf("expected echoed input in output, got %q", out)
	}
}

// TestMasterStaysNonblocking guards the event loop's core assumption: the
// master descriptor keeps O_NONBLOCK across repeated MasterFd and Resize
// calls, so an empty read returns EAGAIN instead of hanging.
func TestMasterStaysNonblocking(t *testing.T) {
	s, err := Open([]string{"sleep", "30"}, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		_ = s.MasterFd()
		s.SyncSize(s.MasterFd())
	}

	flags, err := unix.FcntlInt(uintptr(s.MasterFd()), unix.F_GETFL, 0)
	if err != nil {
		t.Fatalf("F_GETFL: %v", err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		t.Fatal("master descriptor lost O_NONBLOCK")
	}

	// sleep never writes; a non-blocking read must come back immediately.
	buf := make([]byte, 16)
	if _, err := unix.Read(s.MasterFd(), buf); err != unix.EAGAIN {
		t.Errorf("read on idle master = %v, want EAGAIN", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := Open([]string{"sleep", "30"}, "", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
