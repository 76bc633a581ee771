// cmd/dispatcher/main.go
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
	"distributed-distort/internal/health"
	"distributed-distort/internal/infra/etcd"
	"distributed-distort/internal/master"
	"distributed-distort/internal/scheduler"
	"distributed-distort/internal/supervisor"
	"distributed-distort/internal/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	flags := pflag.NewFlagSet("dispatcher", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "configuration file (YAML, or legacy .conf line file)")
	_ = flags.Parse(os.Args[1:])

	// 1. Load configuration
	cfg, err := config.Load(config.RoleDispatcher, *configPath, nil)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer(tracing.ServiceName("dispatcher"), os.Stderr, logger)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := supervisor.WatchSignals(cancel, logger)
	defer stopSignals()

	// 4. Instantiate the registry and its observers
	registry := master.NewRegistry(logger)
	healthSvc := health.NewService(logger)
	registry.AddObserver(health.NewTracker(healthSvc, registry.Count))

	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		ttl := int64(max(3*cfg.SweepInterval, 10*time.Second) / time.Second)
		registry.AddObserver(etcd.NewRegistryMirror(etcdClient, ttl, cfg.EtcdTimeout, logger))
		logger.Info("mirroring worker registry to etcd", "endpoints", cfg.EtcdEndpoints)
	}

	dispatcher := master.NewDispatcher(registry, logger)

	// 5. Schedule the liveness sweep, the fallback for workers that vanish without EOF
	sched := scheduler.NewScheduler(logger)
	if err := sched.AddTask("registry-sweep", cfg.SweepInterval, func(context.Context) {
		if dropped := registry.Sweep(supervisor.Probe); len(dropped) > 0 {
			logger.Warn("dropped unreachable workers", "workers", dropped)
		}
	}); err != nil {
		log.Fatalf("Failed to schedule registry sweep: %v", err)
	}

	// 6. Open listeners
	ln, err := supervisor.Listen(rootCtx, cfg.ListenHost, cfg.ListenPort)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return dispatcher.Serve(gctx, ln) })
	g.Go(func() error { return sched.Start(gctx) })

	if cfg.GRPCListenAddr != "" {
		gln, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			log.Fatalf("Failed to listen for gRPC: %v", err)
		}
		g.Go(func() error { return healthSvc.Serve(gctx, gln) })
	}

	// 7. Register routes and metrics endpoint
	if cfg.MetricsListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		http_api.NewWorkersHandler(registry, logger).RegisterRoutes(mux)
		server := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		serveHTTP(g, gctx, server, logger)
	}

	logger.Info("dispatcher started", "addr", ln.Addr().String())

	// 8. Block until shutdown
	if err := g.Wait(); err != nil {
		logger.Error("dispatcher stopped with error", "error", err)
		tracerShutdown(context.Background())
		os.Exit(1)
	}
	logger.Info("dispatcher shut down")
}

func serveHTTP(g *errgroup.Group, ctx context.Context, server *http.Server, logger *slog.Logger) {
	g.Go(func() error {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
}
