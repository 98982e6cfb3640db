// Package driver runs a REPL-like child inside a PTY and exposes it as a
// synchronous request/reply service: send one command, wait for the child's
// prompt, capture everything in between. This is the simple companion to
// the broker: no fan-in, no fan-out, one command at a time.
package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// ErrChildExited is returned by Expect and Run once the child process has
// terminated and its remaining output is drained.
var ErrChildExited = errors.New("driver: child exited")

// Child is a prompt-synchronised handle on a REPL child. Methods are not
// safe for concurrent use; the Server serialises access.
type Child struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	prompt []byte

	out  chan []byte
	done chan struct{}

	pending bytes.Buffer

	closeOnce sync.Once
}

// Spawn starts argv inside a PTY with terminal echo disabled, so captured
// output does not contain the commands we send. The caller should Expect
// the initial prompt before issuing commands.
func Spawn(argv []string, prompt string) (*Child, error) {
	if len(argv) == 0 {
		return nil, errors.New("driver: argv must not be empty")
	}
	if prompt == "" {
		return nil, errors.New("driver: prompt must not be empty")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	ptmx, err := creackpty.Start(cmd)
	if err != nil {
		return nil, err
	}

	// Disabling ECHO on the master applies to the shared pty line
	// discipline. Best-effort: with echo left on, Run still strips the
	// echoed command line defensively.
	if tio, err := unix.IoctlGetTermios(int(ptmx.Fd()), unix.TCGETS); err == nil {
		tio.Lflag &^= unix.ECHO
		_ = unix.IoctlSetTermios(int(ptmx.Fd()), unix.TCSETS, tio)
	}

	c := &Child{
		cmd:    cmd,
		ptmx:   ptmx,
		prompt: []byte(prompt),
		out:    make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go c.readPump()
	go c.reap()
	return c, nil
}

// readPump reads PTY output into the out channel until the child goes away.
func (c *Child) readPump() {
	buf := make([]byte, 4096)
	for {
		n, err := c.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.out <- chunk
		}
		if err != nil {
			close(c.out)
			return
		}
	}
}

func (c *Child) reap() {
	_ = c.cmd.Wait()
	close(c.done)
}

// Pid returns the child's process identifier.
func (c *Child) Pid() int { return c.cmd.Process.Pid }

// Alive reports whether the child has not yet been reaped.
func (c *Child) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Expect consumes output until the prompt appears and returns everything
// before it. The prompt itself is consumed. Returns ErrChildExited if the
// child terminates first.
func (c *Child) Expect(ctx context.Context) (string, error) {
	for {
		if idx := bytes.Index(c.pending.Bytes(), c.prompt); idx >= 0 {
			before := string(c.pending.Next(idx))
			c.pending.Next(len(c.prompt))
			return before, nil
		}
		select {
		case chunk, ok := <-c.out:
			if !ok {
				return "", ErrChildExited
			}
			c.pending.Write(chunk)
		case <-ctx.Done():
			return "", fmt.Errorf("driver: waiting for prompt %q: %w", c.prompt, ctx.Err())
		}
	}
}

// Send writes one command line (newline appended) to the child.
func (c *Child) Send(command string) error {
	if _, err := c.ptmx.Write([]byte(command + "\n")); err != nil {
		return fmt.Errorf("driver: send: %w", err)
	}
	return nil
}

// Run sends one command and returns the output printed before the next
// prompt, with any echoed command line stripped and surrounding line
// endings normalised.
func (c *Child) Run(ctx context.Context, command string) (string, error) {
	if err := c.Send(command); err != nil {
		return "", err
	}
	out, err := c.Expect(ctx)
	if err != nil {
		return "", err
	}
	return stripEcho(out, command), nil
}

// SwitchPrompt sends an install command (for example one that sets a
// distinctive prompt sentinel in the REPL) and resynchronises on the new
// prompt text.
func (c *Child) SwitchPrompt(ctx context.Context, installCommand, newPrompt string) error {
	if err := c.Send(installCommand); err != nil {
		return err
	}
	c.prompt = []byte(newPrompt)
	_, err := c.Expect(ctx)
	return err
}

// Close terminates the child (SIGTERM) and closes the PTY. Safe to call
// multiple times.
func (c *Child) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.Alive() && c.cmd.Process != nil {
			_ = c.cmd.Process.Signal(syscall.SIGTERM)
		}
		err = c.ptmx.Close()
	})
	return err
}

// stripEcho drops a leading echo of the command, converts the PTY's CRLF
// line endings back to plain newlines, and trims the trailing newline run.
func stripEcho(output, command string) string {
	out := strings.ReplaceAll(output, "\r\n", "\n")
	out = strings.ReplaceAll(out, "\r", "\n")
	lines := strings.Split(out, "\n")
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == strings.TrimSpace(command) {
		lines = lines[1:]
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
