// Package broker implements the PTY I/O broker: a single-goroutine
// readiness reactor that fans input from a named FIFO, a Unix socket's
// clients, and optionally the local terminal into one PTY master, and fans
// the child's output back out to the local sink and every connected client.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/replbroker/internal/fifo"
	"github.com/user/replbroker/internal/pty"
	"github.com/user/replbroker/internal/term"
)

// pollTimeoutMs bounds each readiness wait so child liveness and pending
// signals are re-checked even when no descriptor has traffic.
const pollTimeoutMs = 200

// readBufSize is the per-read chunk size on every channel.
const readBufSize = 4096

// Options configures a Broker. Zero-value fields fall back to the process
// defaults noted on each field.
type Options struct {
	// Argv is the child command; must not be empty.
	Argv []string
	// WorkDir is the child's working directory ("" means inherit).
	WorkDir string
	// FIFOPath enables the named-pipe input channel when non-empty.
	FIFOPath string
	// SocketPath enables the Unix-socket channel when non-empty.
	SocketPath string
	// LocalInput relays the broker's stdin to the child. Raw mode is only
	// applied when stdin is a terminal.
	LocalInput bool
	// Stdin is the local input descriptor (default os.Stdin).
	Stdin *os.File
	// Output is the unconditional local sink for child output (default
	// os.Stdout).
	Output io.Writer
	// Logger receives broker diagnostics (default slog.Default, which the
	// binaries bind to stderr so diagnostics never interleave with relayed
	// child output).
	Logger *slog.Logger
}

// Broker owns one PTY session and the channel registry around it.
type Broker struct {
	opts    Options
	log     *slog.Logger
	out     io.Writer
	stdin   *os.File
	ready   chan struct{}
	started bool

	session  *pty.Session
	channels registry

	rawMode *term.RawMode
}

// terminal conditions for the event loop.
var (
	errChildExited = errors.New("child exited")
	errStdinClosed = errors.New("local stdin closed")
)

// New validates opts and returns an unstarted Broker.
func New(opts Options) (*Broker, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.New("broker: child command must not be empty")
	}
	b := &Broker{
		opts:     opts,
		log:      opts.Logger,
		out:      opts.Output,
		stdin:    opts.Stdin,
		ready:    make(chan struct{}),
		channels: make(registry),
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.out == nil {
		b.out = os.Stdout
	}
	if b.stdin == nil {
		b.stdin = os.Stdin
	}
	return b, nil
}

// Ready is closed once all channels are registered and the broker is
// serving. Intended for tests and embedding callers.
func (b *Broker) Ready() <-chan struct{} { return b.ready }

// Session exposes the running PTY session; nil before Run.
func (b *Broker) Session() *pty.Session { return b.session }

// Run sets up the session and all channels, drives the event loop until a
// terminal condition, and tears everything down. It returns nil when the
// session ended gracefully (child exit or local stdin closed) and an error
// for setup failures or unexpected descriptor errors.
//
// Cleanup is guaranteed on every exit path: descriptors are unregistered
// and closed, the FIFO and socket filesystem nodes are removed, and the
// local terminal mode is restored if it was altered.
func (b *Broker) Run(ctx context.Context) error {
	if b.started {
		return errors.New("broker: already run")
	}
	b.started = true

	defer b.cleanup()

	if b.opts.FIFOPath != "" {
		if err := fifo.Ensure(b.opts.FIFOPath); err != nil {
			return err
		}
	}

	session, err := pty.Open(b.opts.Argv, b.opts.WorkDir, nil)
	if err != nil {
		return fmt.Errorf("broker: start child: %w", err)
	}
	b.session = session
	b.channels.add(&channel{fd: session.MasterFd(), tag: tagMaster})

	if b.opts.FIFOPath != "" {
		if err := b.openFIFO(); err != nil {
			return err
		}
	}

	if b.opts.SocketPath != "" {
		listenFd, err := listenUnix(b.opts.SocketPath)
		if err != nil {
			return err
		}
		b.channels.add(&channel{fd: listenFd, tag: tagSocketListener})
	}

	if b.opts.LocalInput {
		if err := b.openLocalInput(); err != nil {
			return err
		}
	}

	// Mirror the reference terminal's geometry before the first byte flows.
	session.SyncSize(int(b.stdin.Fd()))

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	b.log.Info("broker running",
		"child", b.opts.Argv[0],
		"pid", session.Pid(),
		"fifo", b.opts.FIFOPath,
		"socket", b.opts.SocketPath,
		"local_input", b.opts.LocalInput)
	close(b.ready)

	err = b.loop(ctx, winch, interrupt)
	switch {
	case errors.Is(err, errChildExited):
		// The EIO detection path can race the reaper; give it a moment so
		// the logged exit code is real.
		select {
		case <-b.session.Done():
		case <-time.After(time.Second):
		}
		b.log.Info("child exited", "code", b.session.ExitCode())
		return nil
	case errors.Is(err, errStdinClosed):
		b.log.Info("local input closed, shutting down")
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return err
	}
}

// openFIFO registers the FIFO reader and its keepalive writer. The reader
// must exist before the keepalive open or the writer side sees ENXIO.
func (b *Broker) openFIFO() error {
	readFd, err := fifo.OpenReader(b.opts.FIFOPath)
	if err != nil {
		return err
	}
	keepFd, err := fifo.OpenKeepaliveWriter(b.opts.FIFOPath)
	if err != nil {
		_ = syscall.Close(readFd)
		return err
	}
	b.channels.add(&channel{fd: readFd, tag: tagFIFOReader})
	b.channels.add(&channel{fd: keepFd, tag: tagFIFOKeepalive})
	return nil
}

// openLocalInput puts stdin into raw non-blocking mode (raw only when it is
// a terminal) and registers it.
func (b *Broker) openLocalInput() error {
	fd := int(b.stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.EnterRaw(fd)
		if err != nil {
			return fmt.Errorf("broker: raw mode: %w", err)
		}
		b.rawMode = raw
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("broker: stdin nonblock: %w", err)
	}
	b.channels.add(&channel{fd: fd, tag: tagLocalStdin})
	return nil
}

// cleanup releases everything Run acquired, in reverse order of
// acquisition. Idempotent with respect to missing pieces.
func (b *Broker) cleanup() {
	// stdin is shared with the rest of the process: take it out of the
	// registry before closeAll so we restore it rather than close it.
	stdinFd := int(b.stdin.Fd())
	if ch, ok := b.channels[stdinFd]; ok && ch.tag == tagLocalStdin {
		delete(b.channels, stdinFd)
		_ = syscall.SetNonblock(stdinFd, false)
	}
	// The master descriptor belongs to the session; let session.Close
	// close it exactly once.
	if b.session != nil {
		delete(b.channels, b.session.MasterFd())
	}
	b.channels.closeAll()
	if b.session != nil {
		_ = b.session.Close()
	}
	if b.rawMode != nil {
		_ = b.rawMode.Restore()
	}
	if b.opts.SocketPath != "" {
		removeSocket(b.opts.SocketPath)
	}
	if b.opts.FIFOPath != "" {
		_ = fifo.Remove(b.opts.FIFOPath)
	}
}
