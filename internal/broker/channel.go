package broker

import "golang.org/x/sys/unix"

// channelTag identifies how a registered descriptor is handled by the
// event loop. A flat tag dispatched through one switch keeps the loop free
// of per-kind indirection.
type channelTag int

const (
	tagMaster channelTag = iota
	tagLocalStdin
	tagFIFOReader
	tagFIFOKeepalive
	tagSocketListener
	tagSocketClient
)

func (t channelTag) String() string {
	switch t {
	case tagMaster:
		return "master"
	case tagLocalStdin:
		return "stdin"
	case tagFIFOReader:
		return "fifo"
	case tagFIFOKeepalive:
		return "fifo-keepalive"
	case tagSocketListener:
		return "listener"
	case tagSocketClient:
		return "client"
	}
	return "unknown"
}

// channel is one registered endpoint. id is only meaningful for socket
// clients, where it serves as removal bookkeeping and log identity.
type channel struct {
	fd  int
	tag channelTag
	id  string
}

// registry maps descriptors to channels. Mutated only from the event loop
// goroutine, so it needs no locking.
type registry map[int]*channel

func (r registry) add(ch *channel) {
	r[ch.fd] = ch
}

// remove unregisters and closes the channel's descriptor.
func (r registry) remove(ch *channel) {
	delete(r, ch.fd)
	_ = unix.Close(ch.fd)
}

// pollSet builds the readiness set for one loop iteration. The keepalive
// writer is registered for lifecycle bookkeeping but never polled; it
// exists only to hold the FIFO's writer end open.
func (r registry) pollSet() []unix.PollFd {
	fds := make([]unix.PollFd, 0, len(r))
	for fd, ch := range r {
		if ch.tag == tagFIFOKeepalive {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	return fds
}

// clients returns the currently connected socket clients.
func (r registry) clients() []*channel {
	var out []*channel
	for _, ch := range r {
		if ch.tag == tagSocketClient {
			out = append(out, ch)
		}
	}
	return out
}

// closeAll closes every registered descriptor. Used on shutdown.
func (r registry) closeAll() {
	for fd, ch := range r {
		delete(r, fd)
		_ = unix.Close(ch.fd)
	}
}
