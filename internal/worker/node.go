// internal/worker/node.go
package worker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"distributed-distort/internal/domain"
	"distributed-distort/internal/supervisor"
	"distributed-distort/internal/transfer"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Node ties a worker's job listener to its dispatcher link: it registers,
// reports IDLE/BUSY as sessions come and go, and exits when the link is lost
// or the context ends.
type Node struct {
	sessions         *transfer.Server
	upstream         *Registry
	workerType       domain.WorkerType
	endpoint         domain.Endpoint
	livenessInterval time.Duration
	logger           *slog.Logger
	tracer           trace.Tracer
}

// NewNode creates a node. endpoint is the job address advertised to the dispatcher.
func NewNode(sessions *transfer.Server, upstream *Registry, wt domain.WorkerType, endpoint domain.Endpoint, livenessInterval time.Duration, logger *slog.Logger) *Node {
	return &Node{
		sessions:         sessions,
		upstream:         upstream,
		workerType:       wt,
		endpoint:         endpoint,
		livenessInterval: livenessInterval,
		logger:           logger.With("component", "worker-node"),
		tracer:           otel.Tracer("distributed-distort-worker"),
	}
}

// Run registers with the dispatcher and serves jobs on ln. It returns nil after
// a context shutdown and supervisor.ErrConnectionLost once the dispatcher link
// is gone and the attached sessions have finished.
func (n *Node) Run(ctx context.Context, ln net.Listener) error {
	regCtx, regCancel := context.WithTimeout(ctx, 5*time.Second)
	_, span := n.tracer.Start(regCtx, "worker.Register", trace.WithAttributes(
		attribute.String("worker.type", string(n.workerType)),
		attribute.String("worker.endpoint", n.endpoint.String()),
	))
	_, err := n.upstream.Register(regCtx, n.workerType, n.endpoint)
	span.End()
	regCancel()
	if err != nil {
		_ = ln.Close()
		return err
	}

	store := n.sessions.Store()
	store.OnIdleChange(func(idle bool) {
		if err := n.upstream.ReportStatus(idle); err != nil {
			n.logger.Warn("failed to report status upstream", "error", err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.sessions.Serve(gctx, ln)
	})
	g.Go(func() error {
		n.upstream.Watch(gctx)
		return nil
	})
	g.Go(func() error {
		err := supervisor.Monitor(gctx, n.upstream.Conn(), n.livenessInterval, n.upstream.Lost())
		if !errors.Is(err, supervisor.ErrConnectionLost) {
			return nil
		}
		n.logger.Warn("dispatcher connection lost, waiting for attached sessions", "attached", store.Attached())
		if werr := store.WaitIdle(ctx); werr != nil {
			return nil
		}
		return err
	})

	err = g.Wait()
	store.OnIdleChange(nil)

	select {
	case <-n.upstream.Lost():
	default:
		if derr := n.upstream.Deregister(); derr != nil {
			n.logger.Warn("failed to deregister", "error", derr)
		}
	}
	_ = n.upstream.Close()

	if ctx.Err() != nil {
		return nil
	}
	return err
}
