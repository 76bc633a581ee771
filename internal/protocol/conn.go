// internal/protocol/conn.go
package protocol

import (
	"errors"
	"net"
	"sync"

	"distributed-distort/internal/metrics"
)

// Conn wraps a net.Conn with frame helpers. Sends are serialized so session and
// supervisory code can share one socket. Reads are not locked, since each connection
// has a single reader goroutine.
type Conn struct {
	net.Conn
	wmu sync.Mutex
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c}
}

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn { return c.Conn }

// Send writes one frame.
func (c *Conn) Send(t Type, payload []byte) error {
	p, err := Encode(t, payload)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.Conn.Write(p[:]); err != nil {
		return err
	}
	metrics.FramesTotal.WithLabelValues("sent", t.String()).Inc()
	return nil
}

// SendFields writes one frame whose payload is the &-joined fields.
func (c *Conn) SendFields(t Type, fields ...string) error {
	return c.Send(t, JoinFields(fields...))
}

// Receive reads one frame.
func (c *Conn) Receive() (Frame, error) {
	f, err := ReadFrame(c.Conn)
	switch {
	case errors.Is(err, ErrChecksum):
		metrics.FrameErrorsTotal.WithLabelValues("checksum").Inc()
	case errors.Is(err, ErrProtocol):
		metrics.FrameErrorsTotal.WithLabelValues("protocol").Inc()
	case err == nil:
		metrics.FramesTotal.WithLabelValues("received", f.Type.String()).Inc()
	}
	return f, err
}

// IsCodecError reports whether err came from frame validation rather than the transport.
func IsCodecError(err error) bool {
	return errors.Is(err, ErrChecksum) || errors.Is(err, ErrProtocol) || errors.Is(err, ErrPayloadTooLarge)
}
