// Package supervisor sets up sockets and watches connection liveness.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

var (
	// ErrInvalidPort is returned for ports outside [1,65535].
	ErrInvalidPort = errors.New("port out of range [1,65535]")
	// ErrInvalidAddress is returned when a dial target is not an IP literal.
	ErrInvalidAddress = errors.New("invalid IP address")
)

// ValidatePort checks that port is usable for TCP.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return nil
}

// Listen opens a TCP listener on host:port with address reuse enabled.
// An empty host listens on all interfaces.
func Listen(ctx context.Context, host string, port int) (net.Listener, error) {
	if err := ValidatePort(port); err != nil {
		return nil, err
	}
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listen on %s:%d: %w", host, port, err)
	}
	return ln, nil
}

// Dial connects once to ip:port. Failure is returned to the caller, never retried here.
func Dial(ctx context.Context, ip string, port int, timeout time.Duration) (net.Conn, error) {
	if err := ValidatePort(port); err != nil {
		return nil, err
	}
	if net.ParseIP(ip) == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("connect to %s:%d: %w", ip, port, err)
	}
	return conn, nil
}
