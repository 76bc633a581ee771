// Package client submits distortion jobs: it asks the dispatcher for a worker
// and drives the transfer session with it, reconnecting to resume after drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/files"
	"distributed-distort/internal/protocol"
	"distributed-distort/internal/supervisor"
	"distributed-distort/internal/transfer"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnsupportedFile is returned for files no worker type handles.
	ErrUnsupportedFile = errors.New("unsupported file type")
	// ErrDispatcherGone is returned when the dispatcher logs the client out.
	ErrDispatcherGone = errors.New("dispatcher closed the session")
)

// Config holds the client settings.
type Config struct {
	DispatcherHost string
	DispatcherPort int
	Username       string
	WorkDir        string
	MaxAttempts    int
	RetryBackoff   time.Duration
	DialTimeout    time.Duration
}

// DialFunc opens a TCP connection; supervisor.Dial is the default.
type DialFunc func(ctx context.Context, ip string, port int, timeout time.Duration) (net.Conn, error)

// Client talks to one dispatcher.
type Client struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	dial   DialFunc

	// Progress, when set, is handed to every transfer.
	Progress func(stage transfer.Stage, written, total int64)

	dispatcher *protocol.Conn

	mu     sync.Mutex
	active *transfer.Client
}

// New creates a client. Call Connect before Distort.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "client", "user", cfg.Username),
		tracer: otel.Tracer("distributed-distort-client"),
		dial:   supervisor.Dial,
	}
}

// Connect opens the dispatcher connection.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx, c.cfg.DispatcherHost, c.cfg.DispatcherPort, c.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("failed to reach dispatcher: %w", err)
	}
	c.dispatcher = protocol.NewConn(conn)
	c.logger.Info("connected to dispatcher", "addr", conn.RemoteAddr().String())
	return nil
}

// OutputPath returns where the distorted copy of path is written.
func (c *Client) OutputPath(path string) string {
	return filepath.Join(c.cfg.WorkDir, "distorted_"+filepath.Base(path))
}

// Distort runs one job for the file at path and returns the transfer summary.
func (c *Client) Distort(ctx context.Context, path string, factor int) (res transfer.Result, err error) {
	name := filepath.Base(path)
	ctx, span := c.tracer.Start(ctx, "client.Distort", trace.WithAttributes(
		attribute.String("job.file", name),
		attribute.Int("job.factor", factor),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "distort failed")
		}
		span.End()
	}()

	wt, ok := files.WorkerType(files.ClassifyFile(path))
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnsupportedFile, name)
	}

	ep, err := c.requestWorker(ctx, wt, name)
	if err != nil {
		return res, err
	}
	span.SetAttributes(attribute.String("worker.endpoint", ep.String()))

	job := transfer.Job{Username: c.cfg.Username, Source: path, Output: c.OutputPath(path), Factor: factor}
	for attempt := 1; ; attempt++ {
		res, err = c.runOnce(ctx, ep, job)
		if err == nil {
			c.logger.Info("job completed", "file", name, "output", job.Output, "md5", res.DistortedMD5, "resumed", res.Resumed)
			return res, nil
		}
		if !errors.Is(err, transfer.ErrTransport) || attempt >= c.cfg.MaxAttempts || ctx.Err() != nil {
			return res, err
		}
		c.logger.Warn("connection to worker dropped, resuming", "attempt", attempt, "error", err)
		if werr := sleep(ctx, c.cfg.RetryBackoff); werr != nil {
			return res, err
		}
	}
}

func (c *Client) runOnce(ctx context.Context, ep domain.Endpoint, job transfer.Job) (transfer.Result, error) {
	conn, err := c.dial(ctx, ep.IP, ep.Port, c.cfg.DialTimeout)
	if err != nil {
		return transfer.Result{}, fmt.Errorf("%w: %v", transfer.ErrTransport, err)
	}
	defer conn.Close()

	tc := transfer.NewClient(protocol.NewConn(conn), c.logger)
	tc.Progress = c.Progress
	c.mu.Lock()
	c.active = tc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()
	return tc.Run(ctx, job)
}

// requestWorker asks the dispatcher for an idle worker, retrying NoWorker answers.
func (c *Client) requestWorker(ctx context.Context, wt domain.WorkerType, name string) (domain.Endpoint, error) {
	if c.dispatcher == nil {
		return domain.Endpoint{}, errors.New("not connected to dispatcher")
	}
	for attempt := 1; ; attempt++ {
		if err := c.dispatcher.SendFields(protocol.TypeJobRequest, c.cfg.Username, string(wt), name); err != nil {
			return domain.Endpoint{}, fmt.Errorf("failed to send job request: %w", err)
		}
		f, err := c.dispatcher.Receive()
		if err != nil {
			return domain.Endpoint{}, fmt.Errorf("failed to read dispatcher answer: %w", err)
		}

		switch f.Type {
		case protocol.TypeWorkerAssign:
			fields, err := protocol.SplitFields(f.Payload, 2)
			if err != nil {
				return domain.Endpoint{}, err
			}
			port, err := strconv.Atoi(fields[1])
			if err != nil {
				return domain.Endpoint{}, fmt.Errorf("%w: bad port %q", protocol.ErrProtocol, fields[1])
			}
			ep := domain.Endpoint{IP: fields[0], Port: port}
			c.logger.Info("worker assigned", "endpoint", ep.String(), "type", wt)
			return ep, nil
		case protocol.TypeNoWorker:
			if attempt >= c.cfg.MaxAttempts {
				return domain.Endpoint{}, domain.ErrNoWorkerAvailable
			}
			c.logger.Info("no worker available, retrying", "type", wt, "attempt", attempt, "backoff", c.cfg.RetryBackoff)
			if err := sleep(ctx, c.cfg.RetryBackoff); err != nil {
				return domain.Endpoint{}, err
			}
		case protocol.TypeFailure:
			return domain.Endpoint{}, fmt.Errorf("dispatcher refused request: %s", f.Payload)
		case protocol.TypeLogout:
			return domain.Endpoint{}, ErrDispatcherGone
		default:
			return domain.Endpoint{}, fmt.Errorf("%w: got %s for a job request", protocol.ErrProtocol, f.Type)
		}
	}
}

// Cancel interrupts the running transfer, if any.
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.active.Cancel()
	}
}

// Close logs out of the dispatcher and closes the connection.
func (c *Client) Close() error {
	if c.dispatcher == nil {
		return nil
	}
	_ = c.dispatcher.SetWriteDeadline(time.Now().Add(time.Second))
	if err := c.dispatcher.Send(protocol.TypeLogout, nil); err != nil {
		c.logger.Debug("logout not delivered", "error", err)
	}
	return c.dispatcher.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
