// internal/master/dispatcher.go
package master

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/protocol"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher accepts worker control connections and client job requests.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	clients map[*protocol.Conn]struct{}
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher backed by registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logger.With("component", "dispatcher"),
		tracer:   otel.Tracer("distributed-distort-dispatcher"),
		clients:  make(map[*protocol.Conn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is done. It returns nil after a
// context shutdown, once every connection handler has returned.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	d.logger.Info("dispatcher accepting connections", "addr", ln.Addr().String())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				d.shutdown()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			d.shutdown()
			return fmt.Errorf("accept failed: %w", err)
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(ctx, protocol.NewConn(nc))
		}()
	}
}

// shutdown logs out every worker, drops client connections and waits for the handlers.
func (d *Dispatcher) shutdown() {
	d.logger.Info("dispatcher shutting down")
	d.registry.Close()

	d.mu.Lock()
	for c := range d.clients {
		_ = c.Send(protocol.TypeLogout, nil)
		_ = c.Close()
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// handleConn reads the first frame and hands the connection to the worker or
// client loop depending on its type.
func (d *Dispatcher) handleConn(ctx context.Context, c *protocol.Conn) {
	defer c.Close()
	logger := d.logger.With("remote_addr", c.RemoteAddr().String())

	f, err := c.Receive()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Warn("failed to read first frame", "error", err)
		}
		return
	}

	switch f.Type {
	case protocol.TypeRegister:
		d.serveWorker(ctx, c, f, logger)
	case protocol.TypeJobRequest:
		d.trackClient(c, true)
		defer d.trackClient(c, false)
		d.serveClient(ctx, c, f, logger)
	default:
		logger.Warn("unexpected first frame, closing", "type", f.Type.String())
		_ = c.SendFields(protocol.TypeFailure, "-1", "unexpected frame "+f.Type.String())
	}
}

func (d *Dispatcher) trackClient(c *protocol.Conn, add bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if add {
		d.clients[c] = struct{}{}
	} else {
		delete(d.clients, c)
	}
}

// serveWorker registers the worker and follows its status reports until it
// logs out or its connection fails.
func (d *Dispatcher) serveWorker(ctx context.Context, c *protocol.Conn, first protocol.Frame, logger *slog.Logger) {
	_, span := d.tracer.Start(ctx, "dispatcher.RegisterWorker")
	handle, err := d.register(c, first)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registration rejected")
		span.End()
		logger.Warn("worker registration rejected", "error", err)
		_ = c.SendFields(protocol.TypeFailure, "-1", err.Error())
		return
	}
	span.SetAttributes(attribute.String("worker.id", handle))
	span.End()
	defer d.registry.Unregister(handle)

	if err := c.SendFields(protocol.TypeRegisterAck, handle); err != nil {
		logger.Warn("failed to acknowledge registration", "error", err)
		return
	}

	logger = logger.With("worker_id", handle)
	for {
		f, err := c.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("worker connection failed", "error", err)
			}
			return
		}
		switch f.Type {
		case protocol.TypeWorkerStatus:
			switch string(f.Payload) {
			case protocol.StatusIdle:
				_ = d.registry.SetIdle(handle, true)
			case protocol.StatusBusy:
				_ = d.registry.SetIdle(handle, false)
			default:
				logger.Warn("unknown worker status", "status", string(f.Payload))
			}
		case protocol.TypeLogout:
			logger.Info("worker logged out")
			return
		default:
			logger.Warn("unexpected frame from worker, dropping it", "type", f.Type.String())
			return
		}
	}
}

func (d *Dispatcher) register(c *protocol.Conn, f protocol.Frame) (string, error) {
	fields, err := protocol.SplitFields(f.Payload, 3)
	if err != nil {
		return "", err
	}
	wt, err := domain.ParseWorkerType(fields[0])
	if err != nil {
		return "", err
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return "", fmt.Errorf("%w: bad port %q", protocol.ErrProtocol, fields[2])
	}
	return d.registry.Register(wt, domain.Endpoint{IP: fields[1], Port: port}, c)
}

// serveClient answers job requests until the client logs out or disconnects.
func (d *Dispatcher) serveClient(ctx context.Context, c *protocol.Conn, f protocol.Frame, logger *slog.Logger) {
	for {
		switch f.Type {
		case protocol.TypeJobRequest:
			if err := d.answerRequest(ctx, c, f, logger); err != nil {
				logger.Warn("failed to answer job request", "error", err)
				return
			}
		case protocol.TypeLogout:
			logger.Debug("client logged out")
			return
		default:
			logger.Warn("unexpected frame from client", "type", f.Type.String())
			_ = c.SendFields(protocol.TypeFailure, "-1", "unexpected frame "+f.Type.String())
			return
		}

		var err error
		if f, err = c.Receive(); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn("client connection failed", "error", err)
			}
			return
		}
	}
}

func (d *Dispatcher) answerRequest(ctx context.Context, c *protocol.Conn, f protocol.Frame, logger *slog.Logger) error {
	_, span := d.tracer.Start(ctx, "dispatcher.SelectWorker")
	defer span.End()

	fields, err := protocol.SplitFields(f.Payload, 3)
	if err != nil {
		span.RecordError(err)
		return c.SendFields(protocol.TypeFailure, "-1", err.Error())
	}
	user, rawType, filename := fields[0], fields[1], fields[2]
	span.SetAttributes(
		attribute.String("job.user", user),
		attribute.String("job.file", filename),
		attribute.String("worker.type", rawType),
	)

	wt, err := domain.ParseWorkerType(rawType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid worker type")
		return c.SendFields(protocol.TypeFailure, "-1", err.Error())
	}

	ep, err := d.registry.SelectWorker(wt)
	if errors.Is(err, domain.ErrNoWorkerAvailable) {
		logger.Info("no worker available", "user", user, "file", filename, "type", wt)
		span.AddEvent("no_worker")
		return c.Send(protocol.TypeNoWorker, nil)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	logger.Info("worker assigned", "user", user, "file", filename, "type", wt, "endpoint", ep.String())
	span.SetAttributes(attribute.String("worker.endpoint", ep.String()))
	return c.SendFields(protocol.TypeWorkerAssign, ep.IP, strconv.Itoa(ep.Port))
}
