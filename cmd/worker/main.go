// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	http_api "distributed-distort/internal/api/http"
	"distributed-distort/internal/config"
	"distributed-distort/internal/distort"
	"distributed-distort/internal/domain"
	"distributed-distort/internal/files"
	"distributed-distort/internal/health"
	"distributed-distort/internal/infra/etcd"
	"distributed-distort/internal/infra/memory"
	"distributed-distort/internal/protocol"
	"distributed-distort/internal/scheduler"
	"distributed-distort/internal/supervisor"
	"distributed-distort/internal/tracing"
	"distributed-distort/internal/transfer"
	"distributed-distort/internal/worker"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

func main() {
	flags := pflag.NewFlagSet("worker", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "configuration file (YAML, or legacy .conf line file)")
	_ = flags.Parse(os.Args[1:])

	// 1. Init config, logger, tracer
	cfg, err := config.Load(config.RoleWorker, *configPath, nil)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer(tracing.ServiceName("worker"), os.Stderr, logger)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	workerID := uuid.New().String()
	logger = logger.With("worker_id", workerID, "worker_type", cfg.WorkerType)
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Fatalf("Failed to prepare work dir: %v", err)
	}

	// 2. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := supervisor.WatchSignals(cancel, logger)
	defer stopSignals()

	// 3. Job history: etcd when configured, process memory otherwise
	var history domain.HistoryRepository = memory.NewHistoryRepository()
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		history = etcd.NewHistoryRepository(etcdClient, logger)
		logger.Info("job history stored in etcd", "endpoints", cfg.EtcdEndpoints)
	}

	// 4. Instantiate backends and the transfer server
	backend := distort.ForWorker(cfg.WorkerType,
		distort.NewCommand(cfg.AudioCommand, files.CategoryAudio, logger),
		distort.NewCommand(cfg.ImageCommand, files.CategoryImage, logger))
	store := transfer.NewStore(cfg.WorkDir, cfg.MaxSessions)
	sessions := transfer.NewServer(transfer.ServerConfig{
		WorkerID:   workerID,
		WorkerType: cfg.WorkerType,
		ChunkDelay: cfg.ChunkDelay,
	}, store, backend, history, logger)

	// 5. Open the job listener before registering so the advertised endpoint answers
	ln, err := supervisor.Listen(rootCtx, cfg.ListenHost, cfg.ListenPort)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	ln = netutil.LimitListener(ln, cfg.MaxSessions)

	ctrl, err := supervisor.Dial(rootCtx, cfg.DispatcherHost, cfg.DispatcherPort, 5*time.Second)
	if err != nil {
		log.Fatalf("Failed to reach dispatcher: %v", err)
	}
	upstream := worker.NewRegistry(protocol.NewConn(ctrl), logger)
	node := worker.NewNode(sessions, upstream, cfg.WorkerType,
		domain.Endpoint{IP: cfg.Advertised(), Port: cfg.ListenPort}, cfg.LivenessInterval, logger)

	// 6. Schedule the stale session sweep
	sched := scheduler.NewScheduler(logger)
	if err := sched.AddTask("session-sweep", min(cfg.SessionTTL, time.Minute), func(ctx context.Context) {
		if n := sessions.SweepStale(ctx, cfg.SessionTTL); n > 0 {
			logger.Info("expired detached sessions", "count", n)
		}
	}); err != nil {
		log.Fatalf("Failed to schedule session sweep: %v", err)
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return node.Run(gctx, ln) })
	g.Go(func() error { return sched.Start(gctx) })

	healthSvc := health.NewService(logger)
	if cfg.GRPCListenAddr != "" {
		gln, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			log.Fatalf("Failed to listen for gRPC: %v", err)
		}
		healthSvc.SetServing(health.ServiceName(cfg.WorkerType), true)
		g.Go(func() error { return healthSvc.Serve(gctx, gln) })
	}

	// 7. Admin API and metrics endpoint
	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		http_api.NewSessionsHandler(sessions, history, logger).RegisterRoutes(mux)
		server := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("starting HTTP server", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	logger.Info("worker node started", "addr", ln.Addr().String(), "advertised", cfg.Advertised())

	// 8. Block until shutdown or loss of the dispatcher
	err = g.Wait()
	healthSvc.SetServing(health.ServiceName(cfg.WorkerType), false)
	if err != nil {
		logger.Error("worker stopped with error", "error", err)
		tracerShutdown(context.Background())
		os.Exit(1)
	}
	logger.Info("worker node shut down")
}
