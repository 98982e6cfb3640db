package driver

import (
	"context"
	"testing"
	"time"
)

// harnessArgv is a minimal prompt-driven REPL: prints "ok> ", evaluates
// each input line with the shell, prints the prompt again.
var harnessArgv = []string{
	"sh", "-c",
	`printf 'ok> '; while read line; do eval "$line"; printf 'ok> '; done`,
}

const harnessPrompt = "ok> "

func spawnHarness(t *testing.T) *Child {
	t.Helper()
	c, err := Spawn(harnessArgv, harnessPrompt)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.Expect(ctx); err != nil {
		t.Fatalf("waiting for initial prompt: %v", err)
	}
	return c
}

func TestSpawnValidation(t *testing.T) {
	if _, err := Spawn(nil, harnessPrompt); err == nil {
		t.Error("expected error for empty argv")
	}
	if _, err := Spawn([]string{"cat"}, ""); err == nil {
		t.Error("expected error for empty prompt")
	}
}

func TestRunCapturesOutput(t *testing.T) {
	c := spawnHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := c.Run(ctx, "echo hello-driver")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "hello-driver" {
		t.Errorf("Run output = %q, want %q", out, "hello-driver")
	}
}

func TestRunSequence(t *testing.T) {
	c := spawnHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Prompt synchronisation keeps consecutive commands from bleeding
	// into each other's captures.
	for _, tc := range []struct{ cmd, want string }{
		{"echo first", "first"},
		{"echo second", "second"},
		{"true", ""},
	} {
		out, err := c.Run(ctx, tc.cmd)
		if err != nil {
			t.Fatalf("Run(%q): %v", tc.cmd, err)
		}
		if out != tc.want {
			t.Errorf("Run(%q) = %q, want %q", tc.cmd, out, tc.want)
		}
	}
}

func TestExpectTimeout(t *testing.T) {
	c := spawnHarness(t)

	// A command that never finishes means the prompt never returns; the
	// context deadline must end the wait.
	if err := c.Send("sleep 30"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := c.Expect(ctx); err == nil {
		t.Fatal("expected timeout waiting for prompt")
	}
}

func TestChildExitSurfaces(t *testing.T) {
	c := spawnHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Run(ctx, "exit 0"); err != ErrChildExited {
		t.Errorf("Run after exit = %v, want ErrChildExited", err)
	}
	if c.Alive() {
		// Reaping is asynchronous; give it a moment.
		deadline := time.Now().Add(2 * time.Second)
		for c.Alive() && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		if c.Alive() {
			t.Error("child still alive after exit")
		}
	}
}

func TestSwitchPrompt(t *testing.T) {
	c := spawnHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Nothing in the harness prints "<<X>> " until we install it, so the
	// resynchronisation proves the new prompt is matched.
	if err := c.SwitchPrompt(ctx, `printf '<<X>> '`, "<<X>> "); err != nil {
		t.Fatalf("SwitchPrompt: %v", err)
	}
}

func TestStripEcho(t *testing.T) {
	cases := []struct {
		output  string
		command string
		want    string
	}{
		{"4\r\n", "2+2", "4"},
		{"2+2\r\n4\r\n", "2+2", "4"},
		{"\r\n", "true", ""},
		{"line1\r\nline2\r\n", "cmd", "line1\nline2"},
	}
	for _, tc := range cases {
		if got := stripEcho(tc.output, tc.command); got != tc.want {
			t.Errorf("stripEcho(%q, %q) = %q, want %q", tc.output, tc.command, got, tc.want)
		}
	}
}
