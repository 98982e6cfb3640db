// Package term manages the broker's local controlling terminal: raw-mode
// entry/exit as a scoped acquire/release pair, and terminal detection.
package term

import (
	"errors"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// IsTerminal reports whether the descriptor refers to a terminal.
func IsTerminal(fd int) bool {
	return isatty.IsTerminal(uintptr(fd))
}

// RawMode holds the saved state of a terminal placed into raw mode so it
// can be restored later. The zero value is not usable; obtain one from
// EnterRaw.
type RawMode struct {
	fd    int
	state *term.State
}

// EnterRaw puts the terminal into raw mode (no line editing, no
// signal-generating control characters) and returns the state needed to
// undo it. Fails if fd is not a terminal.
func EnterRaw(fd int) (*RawMode, error) {
	if !IsTerminal(fd) {
		return nil, errors.New("term: not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &RawMode{fd: fd, state: state}, nil
}

// Restore returns the terminal to the mode it was in before EnterRaw.
// Safe to call more than once; only the first call does work.
func (r *RawMode) Restore() error {
	if r == nil || r.state == nil {
		return nil
	}
	state := r.state
	r.state = nil
	return term.Restore(r.fd, state)
}
