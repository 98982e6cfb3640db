package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// Server exposes a Child over a Unix stream socket with one command and
// one reply per connection. Connections are handled sequentially: the
// child is a single synchronous resource and the protocol has no framing,
// so interleaving two commands would corrupt both captures.
type Server struct {
	child      *Child
	socketPath string
	timeout    time.Duration
	log        *slog.Logger
}

// NewServer wraps child with a request/reply socket server at socketPath.
func NewServer(child *Child, socketPath string, timeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		child:      child,
		socketPath: socketPath,
		timeout:    timeout,
		log:        logger,
	}
}

// ListenAndServe accepts and answers connections until ctx is cancelled or
// the child exits. The socket node is removed on return.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("driver: remove stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("driver: listen %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	// World-writable by convention, same as the FIFO: local callers only,
	// no authentication on this surface.
	if err := os.Chmod(s.socketPath, 0o666); err != nil {
		return fmt.Errorf("driver: chmod %s: %w", s.socketPath, err)
	}

	// Unblock Accept when the context ends.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info("driver serving", "socket", s.socketPath, "pid", s.child.Pid())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("driver: accept: %w", err)
		}
		s.handle(ctx, conn)
		if !s.child.Alive() {
			s.log.Info("child exited, driver stopping")
			return nil
		}
	}
}

// handle answers a single connection: read one command line, run it, write
// the captured output, close. Errors are reported to the client in-band so
// a script sees why its command produced nothing.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	command := strings.TrimRight(line, "\n")
	if command == "" {
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	output, err := s.child.Run(runCtx, command)
	switch {
	case errors.Is(err, ErrChildExited):
		fmt.Fprintln(conn, "<REPL exited>")
	case err != nil:
		s.log.Warn("command failed", "error", err)
		fmt.Fprintf(conn, "<driver error> %v\n", err)
	default:
		fmt.Fprintln(conn, output)
	}
}
