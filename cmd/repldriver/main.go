// Command repldriver spawns a REPL child in a PTY and serves it over a
// Unix socket as a synchronous request/reply service: each connection
// carries one newline-terminated command and receives the output the child
// printed before its next prompt.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/user/replbroker/internal/config"
	"github.com/user/replbroker/internal/driver"
)

func main() {
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

	child, err := driver.Spawn(argv, cfg.Driver.Prompt)
	if err != nil {
		slog.Error("failed to spawn child", "error", err)
		os.Exit(1)
	}
	defer child.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Sync on the initial prompt before accepting any commands.
	waitCtx, cancel := context.WithTimeout(ctx, cfg.Driver.Timeout)
	_, err = child.Expect(waitCtx)
	cancel()
	if err != nil {
		slog.Error("child never printed its prompt", "error", err)
		os.Exit(1)
	}

	// Optionally install a distinctive prompt so ordinary output can never
	// be mistaken for the ready marker.
	if cfg.Driver.SentinelCommand != "" {
		swCtx, cancel := context.WithTimeout(ctx, cfg.Driver.Timeout)
		err = child.SwitchPrompt(swCtx, cfg.Driver.SentinelCommand, cfg.Driver.SentinelPrompt)
		cancel()
		if err != nil {
			slog.Error("prompt sentinel install failed", "error", err)
			os.Exit(1)
		}
	}

	srv := driver.NewServer(child, cfg.Driver.SocketPath, cfg.Driver.Timeout, slog.Default())
	if err := srv.ListenAndServe(ctx); err != nil {
		slog.Error("driver failed", "error", err)
		os.Exit(1)
	}
}
