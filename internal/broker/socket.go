package broker

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// listenBacklog matches the brokered child's interactive use: clients are
// humans and scripts, not a connection storm.
const listenBacklog = 16

// listenUnix creates a non-blocking Unix stream listener at path, removing
// any stale socket entry first. The raw descriptor is returned because the
// event loop registers it directly with the readiness poll.
func listenUnix(path string) (int, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return -1, fmt.Errorf("broker: remove stale socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("broker: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("broker: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("broker: listen %s: %w", path, err)
	}
	return fd, nil
}

// acceptOne accepts exactly one pending connection. The loop revisits the
// listener on the next readiness cycle, so there is no accept-until-
// would-block draining here. Returns -1 with nil error when nothing is
// pending after all (spurious readiness or a client that already gave up).
func acceptOne(listenFd int) (int, error) {
	fd, _, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ECONNABORTED), errors.Is(err, unix.EINTR):
			return -1, nil
		default:
			return -1, fmt.Errorf("broker: accept: %w", err)
		}
	}
	return fd, nil
}

// removeSocket deletes the socket node. Best-effort: the next startup
// removes stale entries anyway.
func removeSocket(path string) {
	_ = os.Remove(path)
}
