// Command replbroker runs an interactive child process inside a PTY and
// brokers its terminal I/O: input arrives from a named FIFO, from clients
// of a Unix domain socket, and optionally from the local terminal; the
// child's output goes to local stdout and to every connected client.
//
// SIGINT is forwarded to the child rather than stopping the broker;
// SIGWINCH re-syncs the child's window size from the local terminal. The
// broker stops when the child exits, when local stdin closes, or on
// SIGTERM/SIGHUP.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/user/replbroker/internal/broker"
	"github.com/user/replbroker/internal/config"
)

func main() {
	// Diagnostics on stderr: stdout is the relay sink for child output and
	// must never carry broker log lines.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	argv, err := cfg.ChildArgv()
	if err != nil {
		slog.Error("invalid child command", "error", err)
		os.Exit(1)
	}

	b, err := broker.New(broker.Options{
		Argv:       argv,
		FIFOPath:   cfg.FIFOPath,
		SocketPath: cfg.SocketPath,
		LocalInput: cfg.LocalInput,
	})
	if err != nil {
		slog.Error("failed to create broker", "error", err)
		os.Exit(1)
	}

	// SIGINT is deliberately absent here: the broker relays it to the
	// child instead of treating it as its own shutdown signal.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := b.Run(ctx); err != nil {
		slog.Error("broker failed", "error", err)
		os.Exit(1)
	}
}
