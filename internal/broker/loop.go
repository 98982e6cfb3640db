package broker

import (
	"context"
	"errors"
	"os"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/user/replbroker/internal/fifo"
)

// loop is the readiness reactor. One iteration: poll every registered
// descriptor with a bounded timeout, drain pending signals, re-check child
// liveness, then dispatch each ready descriptor by its channel tag. All
// registry mutation happens here, on this goroutine.
func (b *Broker) loop(ctx context.Context, winch, interrupt <-chan os.Signal) error {
	buf := make([]byte, readBufSize)

	for {
		// Drain every pending signal, not just one: a resize and an
		// interrupt arriving together are both handled this tick.
		for drained := false; !drained; {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.session.Done():
				b.drainMaster(buf)
				return errChildExited
			case <-winch:
				b.session.SyncSize(int(b.stdin.Fd()))
			case <-interrupt:
				if err := b.session.Interrupt(); err != nil {
					b.log.Warn("interrupt relay failed", "error", err)
				}
			default:
				drained = true
			}
		}

		fds := b.channels.pollSet()
		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				// A signal landed mid-poll; the next iteration drains it.
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		for _, pfd := range fds {
			if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
				continue
			}
			// A handler earlier in this iteration may have removed this
			// descriptor (client write failure during fan-out).
			ch, ok := b.channels[int(pfd.Fd)]
			if !ok {
				continue
			}
			if err := b.dispatch(ctx, ch, buf); err != nil {
				return err
			}
		}
	}
}

// dispatch handles one ready channel. Transient errors are absorbed here;
// anything returned is either a terminal condition sentinel or fatal.
func (b *Broker) dispatch(ctx context.Context, ch *channel, buf []byte) error {
	switch ch.tag {
	case tagMaster:
		return b.readMaster(buf)
	case tagFIFOReader:
		return b.readFIFO(ctx, ch, buf)
	case tagLocalStdin:
		return b.readStdin(ch, buf)
	case tagSocketListener:
		return b.acceptClient(ch)
	case tagSocketClient:
		return b.readClient(ch, buf)
	}
	return nil
}

// readMaster relays one chunk of child output to the local sink and every
// connected client, synchronously: echo latency is part of the contract.
// EIO (or a zero read) means the slave side has no peers left, which is
// indistinguishable from child exit and treated as such.
func (b *Broker) readMaster(buf []byte) error {
	n, err := unix.Read(b.session.MasterFd(), buf)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return nil
		case errors.Is(err, unix.EIO):
			return errChildExited
		default:
			return err
		}
	}
	if n == 0 {
		return errChildExited
	}

	chunk := buf[:n]
	if _, err := b.out.Write(chunk); err != nil {
		return err
	}
	for _, client := range b.channels.clients() {
		if err := writeFull(client.fd, chunk); err != nil {
			// One slow or dead client never disturbs the others.
			b.dropClient(client, err)
		}
	}
	return nil
}

// drainMaster flushes whatever output the child left in the PTY buffer
// before it exited. Stops at the first empty read or error; nothing is
// coming after EIO.
func (b *Broker) drainMaster(buf []byte) {
	fd := b.session.MasterFd()
	for {
		n, err := unix.Read(fd, buf)
		if n <= 0 || err != nil {
			return
		}
		chunk := buf[:n]
		if _, err := b.out.Write(chunk); err != nil {
			return
		}
		for _, client := range b.channels.clients() {
			if err := writeFull(client.fd, chunk); err != nil {
				b.dropClient(client, err)
			}
		}
	}
}

// readFIFO relays FIFO bytes to the child verbatim. A zero read means the
// current writer closed; the reader slot is replaced in place and the FIFO
// keeps serving future writers. The reopen retry blocks the whole broker
// for its duration, an accepted simplicity trade-off.
func (b *Broker) readFIFO(ctx context.Context, ch *channel, buf []byte) error {
	n, err := unix.Read(ch.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}
	if n == 0 {
		b.channels.remove(ch)
		newFd, err := fifo.ReopenReader(ctx, b.opts.FIFOPath)
		if err != nil {
			return err
		}
		b.channels.add(&channel{fd: newFd, tag: tagFIFOReader})
		b.log.Debug("fifo writer closed, reader reopened")
		return nil
	}
	return b.writeMaster(buf[:n])
}

// readStdin relays local keystrokes to the child. A zero read (or EIO from
// a revoked terminal) means the controlling terminal went away; that is a
// shutdown trigger, not a channel replacement.
func (b *Broker) readStdin(ch *channel, buf []byte) error {
	n, err := unix.Read(ch.fd, buf)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return nil
		case errors.Is(err, unix.EIO):
			return errStdinClosed
		default:
			return err
		}
	}
	if n == 0 {
		return errStdinClosed
	}
	return b.writeMaster(buf[:n])
}

// acceptClient admits exactly one pending connection per readiness event;
// the poll revisits the listener if more are waiting.
func (b *Broker) acceptClient(listener *channel) error {
	fd, err := acceptOne(listener.fd)
	if err != nil {
		return err
	}
	if fd < 0 {
		return nil
	}
	client := &channel{fd: fd, tag: tagSocketClient, id: uuid.NewString()}
	b.channels.add(client)
	b.log.Info("client connected", "client", client.id, "total", len(b.channels.clients()))
	return nil
}

// readClient relays one client's bytes to the child. A zero read or a
// reset connection is terminal for that client only.
func (b *Broker) readClient(ch *channel, buf []byte) error {
	n, err := unix.Read(ch.fd, buf)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return nil
		case errors.Is(err, unix.ECONNRESET):
			b.dropClient(ch, err)
			return nil
		default:
			return err
		}
	}
	if n == 0 {
		b.dropClient(ch, nil)
		return nil
	}
	return b.writeMaster(buf[:n])
}

// dropClient unregisters and closes one client connection.
func (b *Broker) dropClient(ch *channel, cause error) {
	b.channels.remove(ch)
	if cause != nil {
		b.log.Info("client dropped", "client", ch.id, "error", cause, "total", len(b.channels.clients()))
		return
	}
	b.log.Info("client disconnected", "client", ch.id, "total", len(b.channels.clients()))
}

// maxWriteStallMs bounds the total time a single relay write may wait for
// a destination to become writable again. A destination still unwritable
// past the budget has stopped draining and must not hold up the loop.
const maxWriteStallMs = 1000

// errWriteStalled marks a destination that exhausted the stall budget.
var errWriteStalled = errors.New("write stalled")

// writeMaster writes a full chunk to the PTY master, waiting out EAGAIN
// with short POLLOUT waits up to the stall budget. A child that stops
// draining its terminal for the whole budget loses the rest of the chunk;
// input loss beats wedging every channel behind one reader. EIO here
// carries the same meaning as on read: the child is gone.
func (b *Broker) writeMaster(data []byte) error {
	fd := b.session.MasterFd()
	waited := 0
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				if waited >= maxWriteStallMs {
					b.log.Warn("child not reading input, dropping bytes", "bytes", len(data))
					return nil
				}
				waited += awaitWritable(fd)
				continue
			case errors.Is(err, unix.EIO):
				return errChildExited
			default:
				return err
			}
		}
		data = data[n:]
	}
	return nil
}

// writeFull writes all of data to a client descriptor, retrying EINTR and
// waiting out EAGAIN up to the stall budget. A client whose socket buffer
// stays full that long has stopped reading; the returned errWriteStalled
// is the caller's signal to drop it, same as any other write failure.
func writeFull(fd int, data []byte) error {
	waited := 0
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				if waited >= maxWriteStallMs {
					return errWriteStalled
				}
				waited += awaitWritable(fd)
				continue
			default:
				return err
			}
		}
		data = data[n:]
	}
	return nil
}

// awaitWritable waits one poll tick for fd to accept writes and returns
// the milliseconds charged against the caller's stall budget.
func awaitWritable(fd int) int {
	pollOut := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	_, _ = unix.Poll(pollOut, pollTimeoutMs)
	return pollTimeoutMs
}
