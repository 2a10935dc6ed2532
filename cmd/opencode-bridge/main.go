package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/agent-racer/opencode-bridge/internal/binary"
	"github.com/agent-racer/opencode-bridge/internal/config"
	"github.com/agent-racer/opencode-bridge/internal/events"
	"github.com/agent-racer/opencode-bridge/internal/mock"
	"github.com/agent-racer/opencode-bridge/internal/session"
	"github.com/agent-racer/opencode-bridge/internal/supervisor"
	"github.com/agent-racer/opencode-bridge/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.String("config", "config.yaml", "Path to config file")
	port := pflag.Int("port", 0, "Override relay port")
	workdir := pflag.String("workdir", "", "Working directory for the opencode server")
	binaryPath := pflag.String("binary", "", "Path to the opencode binary")
	mockMode := pflag.Bool("mock", false, "Serve simulated sessions instead of a real opencode server")
	debug := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *workdir != "" {
		cfg.Backend.Workdir = *workdir
	}
	if *binaryPath != "" {
		cfg.Backend.Binary = *binaryPath
	}

	if err := run(cfg, *mockMode, logger); err != nil {
		logger.Error("bridge stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, mockMode bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if mockMode {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		srv := mock.NewServer("", "mock")
		g.Go(func() error { return mock.Serve(ctx, ln, srv.Handler()) })
		mock.NewGenerator(srv, 0).Start(ctx)
		cfg.Backend.URL = "http://" + ln.Addr().String()
		logger.Info("starting in mock mode", "url", cfg.Backend.URL)
	}

	settings := cfg.Backend.SettingsFile
	if settings == "" {
		settings = binary.DefaultSettingsFile()
	}
	sup := supervisor.New(supervisor.Options{
		ExternalURL:    cfg.Backend.URL,
		Workdir:        cfg.Backend.Workdir,
		StartupTimeout: cfg.Backend.StartupTimeout,
		HealthTimeout:  cfg.Backend.HealthTimeout,
		RestartDelay:   cfg.Backend.RestartDelay,
		Resolver:       binary.New(cfg.Backend.Binary, settings),
		Logger:         logger.With("component", "supervisor"),
	})

	broadcaster := ws.NewBroadcaster(cfg.Relay, sup.Workdir, logger.With("component", "relay"))
	defer broadcaster.Stop()
	sup.OnStatusChange(broadcaster.PublishStatus)

	var observer session.Observer
	if cfg.Relay.SyntheticActivity {
		observer = broadcaster
	}
	store := session.NewPhaseStore(nil, cfg.Activity.Cooldown, observer)
	defer store.Close()

	watcher := events.NewWatcher(sup, store, events.Options{
		Backoff: events.Backoff{
			Base:           cfg.Stream.BaseDelay,
			Max:            cfg.Stream.MaxDelay,
			MaxExponent:    cfg.Stream.MaxExponent,
			ResetOnConnect: cfg.Stream.ResetOnConnect,
		},
		URLWaitTimeout: cfg.Stream.URLWaitTimeout,
		Logger:         logger.With("component", "events"),
		OnEvent:        func(ev json.RawMessage) { broadcaster.PublishEvent(ev) },
	})

	server := ws.NewServer(cfg.Relay, broadcaster, sup, watcher, store, logger.With("component", "relay"))

	g.Go(func() error {
		return ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Handler(), logger)
	})
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error {
		// A failed start is reported through the status; /api/restart
		// can retry it.
		if err := sup.Start(ctx, ""); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("opencode server not started", "error", err)
		}
		return nil
	})

	err := g.Wait()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := sup.Stop(stopCtx); stopErr != nil {
		logger.Warn("stopping opencode server", "error", stopErr)
	}
	return err
}
