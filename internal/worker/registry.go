// internal/worker/registry.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/protocol"
)

// ErrRegistrationRejected is returned when the dispatcher answers Register with Failure.
var ErrRegistrationRejected = errors.New("registration rejected by dispatcher")

// Registry handles the registration of a worker with the dispatcher over its
// control connection.
type Registry struct {
	conn   *protocol.Conn
	logger *slog.Logger
	handle string

	lost     chan struct{}
	lostOnce sync.Once
}

// NewRegistry creates a registry on an established control connection.
func NewRegistry(conn *protocol.Conn, logger *slog.Logger) *Registry {
	return &Registry{
		conn:   conn,
		logger: logger,
		lost:   make(chan struct{}),
	}
}

// Register announces the worker's type and job endpoint and waits for its handle.
func (r *Registry) Register(ctx context.Context, wt domain.WorkerType, ep domain.Endpoint) (string, error) {
	if err := r.conn.SendFields(protocol.TypeRegister, string(wt), ep.IP, strconv.Itoa(ep.Port)); err != nil {
		return "", fmt.Errorf("failed to send registration: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = r.conn.SetReadDeadline(deadline)
		defer r.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = r.conn.SetReadDeadline(time.Now()) })
	defer stop()

	f, err := r.conn.Receive()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to read registration ack: %w", err)
	}
	switch f.Type {
	case protocol.TypeRegisterAck:
	case protocol.TypeFailure:
		return "", fmt.Errorf("%w: %s", ErrRegistrationRejected, f.Payload)
	default:
		return "", fmt.Errorf("%w: got %s waiting for registration ack", protocol.ErrProtocol, f.Type)
	}

	r.handle = string(f.Payload)
	r.logger.Info("worker registered successfully", "handle", r.handle, "type", wt, "endpoint", ep.String())
	return r.handle, nil
}

// Handle returns the dispatcher-assigned handle, empty before Register.
func (r *Registry) Handle() string { return r.handle }

// Conn returns the control connection.
func (r *Registry) Conn() *protocol.Conn { return r.conn }

// ReportStatus tells the dispatcher whether the worker takes new jobs.
func (r *Registry) ReportStatus(idle bool) error {
	status := protocol.StatusBusy
	if idle {
		status = protocol.StatusIdle
	}
	if err := r.conn.Send(protocol.TypeWorkerStatus, []byte(status)); err != nil {
		return fmt.Errorf("failed to report %s: %w", status, err)
	}
	r.logger.Debug("reported status", "status", status)
	return nil
}

// Deregister logs the worker out of the dispatcher.
func (r *Registry) Deregister() error {
	r.logger.Info("deregistering worker", "handle", r.handle)
	_ = r.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := r.conn.Send(protocol.TypeLogout, nil); err != nil {
		return fmt.Errorf("failed to send logout: %w", err)
	}
	return nil
}

// Watch reads the control connection until it fails, the dispatcher sends
// Logout, or ctx is done. The first two close Lost.
func (r *Registry) Watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = r.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		f, err := r.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, io.EOF) {
				r.logger.Warn("control connection failed", "error", err)
			}
			r.markLost()
			return
		}
		switch f.Type {
		case protocol.TypeLogout:
			r.logger.Info("dispatcher logged the worker out")
			r.markLost()
			return
		default:
			r.logger.Debug("ignoring frame from dispatcher", "type", f.Type.String())
		}
	}
}

func (r *Registry) markLost() {
	r.lostOnce.Do(func() { close(r.lost) })
}

// Lost is closed once the dispatcher link is gone.
func (r *Registry) Lost() <-chan struct{} { return r.lost }

// Close closes the control connection.
func (r *Registry) Close() error { return r.conn.Close() }
