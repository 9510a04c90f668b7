// Command vigil runs one self-healing frame pipeline per configured video
// feed and fans annotated frames out to recordings, snapshots and
// notification sinks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vigil/internal/builder"
	"vigil/internal/capture"
	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/hooks"
	"vigil/internal/logging"
	"vigil/internal/pipeline"
	"vigil/internal/store"
	"vigil/internal/web"
	"vigil/internal/ws"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "vigil.jsonc"
	}
	return filepath.Join(home, ".config", "vigil", "vigil.jsonc")
}

func main() {
	var (
		configPath = flag.String("config", defaultConfigPath(), "path of the config file")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger, err := logging.New(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("vigil starting", zap.String("config", *configPath))
	cfg, err := config.Load(*configPath)
	if err != nil {
		// a broken config is fatal at startup
		logger.Fatal("loading config failed", zap.Error(err))
	}
	if cfg.Debug && !*debug {
		logger, _ = logging.New(true)
	}

	// broken pipes from external hooks and dying stream clients must not
	// kill the process
	signal.Ignore(syscall.SIGPIPE)
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT,
		syscall.SIGQUIT, syscall.SIGTRAP)
	defer stop()

	var events *store.Store
	if cfg.EventStore.Path != "" {
		events, err = store.Open(cfg.EventStore.Path)
		if err != nil {
			logger.Fatal("opening event store failed", zap.Error(err))
		}
		defer events.Close()
		if err := events.Migrate(); err != nil {
			logger.Fatal("migrating event store failed", zap.Error(err))
		}
		logger.Info("event store ready", zap.String("path", cfg.EventStore.Path))
	}

	hub := ws.NewHub(logger)
	server := web.NewServer(cfg.HTTPService, hub, logger)
	server.Start()

	type runningFeed struct {
		feed *capture.Feed
		exec *pipeline.Executor
		name string
	}
	var feeds []runningFeed

	for i, devCfg := range cfg.Devices {
		dev := frame.DeviceInfo{
			Name:           devCfg.Name,
			URI:            devCfg.URI,
			Index:          i,
			ExpectedWidth:  devCfg.ExpectedFrameSize.Width,
			ExpectedHeight: devCfg.ExpectedFrameSize.Height,
		}
		if dev.Name == "" {
			dev.Name = fmt.Sprintf("device-%d", i)
		}
		runner := hooks.NewRunner(logger, dev.Name)
		exec := builder.Build(dev.Name, devCfg.Pipeline, builder.Deps{
			Log:    logger,
			Web:    server,
			Hub:    hub,
			Events: events,
			Runner: runner,
		})
		if exec.Len() == 0 {
			logger.Warn("device has no usable pipeline units", zap.String("device", dev.Name))
		}
		exec.Start()

		feed := capture.NewFeed(dev, exec, capture.OpenVideoSource,
			devCfg.Hooks, runner, logger)
		feeds = append(feeds, runningFeed{feed: feed, exec: exec, name: dev.Name})
	}

	var wg sync.WaitGroup
	for _, rf := range feeds {
		wg.Add(1)
		go func(rf runningFeed) {
			defer wg.Done()
			rf.feed.Run(ctx)
		}(rf)
	}
	logger.Info("all capture loops started", zap.Int("devices", len(feeds)))

	<-ctx.Done()
	logger.Info("termination signal received, shutting down")

	// capture loops exit at their tick boundary, then each device's async
	// workers drain and join
	wg.Wait()
	for _, rf := range feeds {
		rf.exec.Stop()
		logger.Info("pipeline stopped", zap.String("device", rf.name))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
	logger.Info("vigil exits gracefully")
}
