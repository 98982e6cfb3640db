// Command replsend is a one-shot client for the repldriver socket: it
// sends a single command line and prints the reply.
//
//	replsend '2+2'
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/user/replbroker/internal/config"
)

func main() {
	socketPath := config.DefaultDriverSocket
	if v := os.Getenv("REPL_CTL_SOCK"); v != "" {
		socketPath = v
	}
	flag.StringVar(&socketPath, "socket", socketPath, "driver socket path")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: replsend [-socket path] '<command>'")
		os.Exit(2)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replsend: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "replsend: send: %v\n", err)
		os.Exit(1)
	}
	// Half-close so the server sees EOF even if our command had no newline
	// handling on its side; the reply is everything until the server closes.
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replsend: read reply: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(reply)
}
