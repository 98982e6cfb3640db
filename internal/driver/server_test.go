package driver

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func startServer(t *testing.T) (string, func()) {
	t.Helper()
	c := spawnHarness(t)

	sockPath := filepath.Join(t.TempDir(), "driver.sock")
	srv := NewServer(c, sockPath, 5*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	// Wait for the socket node to appear.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("server socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	return sockPath, func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("ListenAndServe: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	}
}

// sendCommand performs one full client exchange: connect, one line out,
// read until the server closes.
func sendCommand(t *testing.T, sockPath, command string) string {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		t.Fatalf("send: %v", err)
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return string(reply)
}

func TestServerOneReplyPerConnection(t *testing.T) {
	sockPath, stop := startServer(t)
	defer stop()

	if got := sendCommand(t, sockPath, "echo over-socket"); got != "over-socket\n" {
		t.Errorf("reply = %q, want %q", got, "over-socket\n")
	}
	// A second, independent connection gets its own clean exchange.
	if got := sendCommand(t, sockPath, "echo again"); got != "again\n" {
		t.Errorf("second reply = %q, want %q", got, "again\n")
	}
}

func TestServerSocketPermissions(t *testing.T) {
	sockPath, stop := startServer(t)
	defer stop()

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o666 {
		t.Errorf("socket permissions = %o, want 666", perm)
	}
}

func TestServerReportsChildExit(t *testing.T) {
	sockPath, stop := startServer(t)

	got := sendCommand(t, sockPath, "exit 0")
	if !strings.Contains(got, "<REPL exited>") {
		t.Errorf("reply = %q, want child-exit notice", got)
	}

	// The server stops on its own once the child is gone; stop() only
	// confirms a clean return.
	stop()
}

func TestServerSocketRemovedOnShutdown(t *testing.T) {
	sockPath, stop := startServer(t)
	stop()

	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Errorf("socket node still present after shutdown")
	}
}
