package broker

import (
	"testing"

	"golang.org/x/sys/unix"
)

func testPipeFd(t *testing.T) int {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return fds[0]
}

func TestRegistryPollSetSkipsKeepalive(t *testing.T) {
	r := make(registry)
	readerFd := testPipeFd(t)
	keepFd := testPipeFd(t)
	r.add(&channel{fd: readerFd, tag: tagFIFOReader})
	r.add(&channel{fd: keepFd, tag: tagFIFOKeepalive})

	fds := r.pollSet()
	if len(fds) != 1 {
		t.Fatalf("pollSet has %d entries, want 1", len(fds))
	}
	if int(fds[0].Fd) != readerFd {
		t.Errorf("pollSet polled fd %d, want reader fd %d", fds[0].Fd, readerFd)
	}

	r.closeAll()
	if len(r) != 0 {
		t.Errorf("registry not empty after closeAll")
	}
}

func TestRegistryClients(t *testing.T) {
	r := make(registry)
	defer r.closeAll()

	r.add(&channel{fd: testPipeFd(t), tag: tagMaster})
	c1 := &channel{fd: testPipeFd(t), tag: tagSocketClient, id: "c1"}
	c2 := &channel{fd: testPipeFd(t), tag: tagSocketClient, id: "c2"}
	r.add(c1)
	r.add(c2)

	if got := len(r.clients()); got != 2 {
		t.Fatalf("clients() = %d, want 2", got)
	}

	r.remove(c1)
	clients := r.clients()
	if len(clients) != 1 || clients[0].id != "c2" {
		t.Errorf("after remove, clients = %+v, want only c2", clients)
	}
}
