//go:build unix

package supervisor

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}

// Probe peeks at conn without blocking and without consuming data.
// No pending data on a live socket is StateOpen; a zero-byte read is the peer's
// FIN and gives StateClosed; an unusable descriptor gives StateError.
func Probe(conn net.Conn) State {
	if u, ok := conn.(interface{ NetConn() net.Conn }); ok {
		conn = u.NetConn()
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return StateError
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return StateError
	}

	var (
		n    int
		rerr error
		buf  [1]byte
	)
	// Control holds only a reference on the fd, not its read lock, so the peek
	// does not wait behind a reader parked on the same connection.
	if err := raw.Control(func(fd uintptr) {
		n, _, rerr = unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	}); err != nil {
		return StateError
	}

	switch {
	case rerr == nil && n > 0:
		return StateOpen
	case rerr == nil:
		return StateClosed
	case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EWOULDBLOCK), errors.Is(rerr, unix.EINTR):
		return StateOpen
	case errors.Is(rerr, unix.ECONNRESET), errors.Is(rerr, unix.EPIPE), errors.Is(rerr, unix.ENOTCONN):
		return StateClosed
	default:
		return StateError
	}
}
