//go:build !unix

package supervisor

import (
	"net"
	"syscall"
)

func reuseAddr(_, _ string, _ syscall.RawConn) error { return nil }

// Probe cannot peek on this platform; it only tells a nil connection from a live one.
// Loss is still caught by the reader's EOF.
func Probe(conn net.Conn) State {
	if conn == nil {
		return StateError
	}
	return StateOpen
}
