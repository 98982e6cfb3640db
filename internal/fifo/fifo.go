// Package fifo manages the broker's named-pipe input channel: creation of
// the filesystem node, non-blocking descriptor opens, and the
// reopen-with-backoff sequence used when a writer disconnects.
package fifo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// reopenBackoff is the fixed delay between reopen attempts while no writer
// is present. The broker is unresponsive for the duration of each attempt;
// see Broker docs for why this is accepted.
const reopenBackoff = 50 * time.Millisecond

// Ensure creates a FIFO at path (mode 0666) if nothing exists there. If an
// entry already exists and is not a FIFO, Ensure fails; the broker must not
// adopt arbitrary files as input channels.
func Ensure(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if info.Mode()&os.ModeNamedPipe == 0 {
			return fmt.Errorf("fifo: %s exists and is not a FIFO", path)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("fifo: stat %s: %w", path, err)
	}
	if err := unix.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("fifo: mkfifo %s: %w", path, err)
	}
	return nil
}

// OpenReader opens the FIFO for reading in non-blocking mode. On Linux this
// succeeds even when no writer is present yet.
func OpenReader(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("fifo: open reader %s: %w", path, err)
	}
	return fd, nil
}

// OpenKeepaliveWriter opens the FIFO for writing in non-blocking mode. The
// descriptor is never written to; holding it open guarantees the FIFO always
// has at least one writer, so the reader side never races a "no writers"
// edge during reopen. Requires a reader to already be open, otherwise the
// open fails with ENXIO.
func OpenKeepaliveWriter(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("fifo: open keepalive writer %s: %w", path, err)
	}
	return fd, nil
}

// ReopenReader opens a fresh reader descriptor after the previous writer
// disconnected, retrying with a fixed backoff for as long as the error is
// the retryable "no writer yet / creation race" kind (ENXIO, ENOENT). Any
// other error is fatal and returned immediately. Blocks the caller between
// attempts; ctx cancels the wait.
func ReopenReader(ctx context.Context, path string) (int, error) {
	for {
		fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			return fd, nil
		}
		if !errors.Is(err, unix.ENXIO) && !errors.Is(err, unix.ENOENT) {
			return -1, fmt.Errorf("fifo: reopen reader %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(reopenBackoff):
		}
	}
}

// Remove deletes the FIFO node. Missing files are not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("fifo: remove %s: %w", path, err)
	}
	return nil
}
