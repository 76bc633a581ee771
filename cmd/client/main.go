// cmd/client/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"distributed-distort/internal/client"
	"distributed-distort/internal/config"
	"distributed-distort/internal/files"
	"distributed-distort/internal/supervisor"
	"distributed-distort/internal/tracing"
	"distributed-distort/internal/transfer"

	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet("client", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "configuration file (YAML, or legacy .conf line file)")
	factor := flags.IntP("factor", "f", 3, "distortion factor (word length limit for text)")
	list := flags.BoolP("list", "l", false, "list the files in work_dir a worker can distort and exit")
	flags.String("username", "", "user name sent with every job")
	flags.String("dispatcher_host", "", "dispatcher IP")
	flags.Int("dispatcher_port", 0, "dispatcher port")
	flags.String("work_dir", "", "directory for distorted output")
	flags.Int("max_attempts", 0, "attempts for worker requests and transfer resumes")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] FILE...\n", filepath.Base(os.Args[0]))
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(config.RoleClient, *configPath, flags)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if *list {
		for _, c := range []files.Category{files.CategoryText, files.CategoryAudio, files.CategoryImage} {
			names, err := files.List(cfg.WorkDir, c)
			if err != nil {
				log.Fatalf("Failed to list %s: %v", cfg.WorkDir, err)
			}
			for _, name := range names {
				fmt.Printf("%-6s %s\n", c, name)
			}
		}
		return
	}
	if flags.NArg() == 0 {
		flags.Usage()
		os.Exit(2)
	}
	if *factor < 1 {
		log.Fatalf("factor must be positive, got %d", *factor)
	}

	tracerShutdown, err := tracing.InitTracer(tracing.ServiceName("client"), nil, logger)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer tracerShutdown(context.Background())

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSignals := supervisor.WatchSignals(cancel, logger)
	defer stopSignals()

	c := client.New(client.Config{
		DispatcherHost: cfg.DispatcherHost,
		DispatcherPort: cfg.DispatcherPort,
		Username:       cfg.Username,
		WorkDir:        cfg.WorkDir,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBackoff:   cfg.RetryBackoff,
		DialTimeout:    cfg.DialTimeout,
	}, logger)
	c.Progress = func(stage transfer.Stage, written, total int64) {
		logger.Debug("transfer progress", "stage", stage, "written", written, "total", total)
	}
	if err := c.Connect(rootCtx); err != nil {
		log.Fatalf("%v", err)
	}
	defer c.Close()

	failed := 0
	for _, path := range flags.Args() {
		res, err := c.Distort(rootCtx, path, *factor)
		if err != nil {
			logger.Error("job failed", "file", path, "error", err)
			failed++
			if rootCtx.Err() != nil {
				break
			}
			continue
		}
		fmt.Printf("%s -> %s (md5 %s)\n", path, c.OutputPath(path), res.DistortedMD5)
	}
	if failed > 0 {
		c.Close()
		tracerShutdown(context.Background())
		os.Exit(1)
	}
}
