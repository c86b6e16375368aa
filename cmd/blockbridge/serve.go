package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/blockbridge/internal/api"
	"github.com/energizer-project/blockbridge/internal/cli"
	"github.com/energizer-project/blockbridge/internal/config"
	"github.com/energizer-project/blockbridge/internal/events"
	"github.com/energizer-project/blockbridge/internal/health"
	"github.com/energizer-project/blockbridge/internal/network"
	"github.com/energizer-project/blockbridge/internal/scheduler"
	"github.com/energizer-project/blockbridge/internal/store"
	"github.com/energizer-project/blockbridge/internal/telemetry"
	"github.com/energizer-project/blockbridge/internal/util"
)

type serveOptions struct {
	configPath string
	listenPort int
	upstream   string
	console    bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the relay together with the services enabled in the config file:
the UDP responder, the admin API, MQTT telemetry and the audit store.

Examples:
  blockbridge serve
  blockbridge serve --config config/config.toml
  blockbridge serve --listen-port 25565 --upstream 10.0.0.5:25566 --console`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "Path to the config file (.json or .toml)")
	cmd.Flags().IntVarP(&opts.listenPort, "listen-port", "p", 0, "Client listener port (overrides the config file)")
	cmd.Flags().StringVarP(&opts.upstream, "upstream", "u", "", "Upstream host:port (overrides the config file)")
	cmd.Flags().BoolVar(&opts.console, "console", false, "Read operator commands from stdin")

	return cmd
}

// applyOverrides copies command-line overrides into the relay section.
func applyOverrides(cfg *config.Config, opts serveOptions) error {
	relay := cfg.GetRelay()
	if opts.listenPort > 0 {
		relay.ListenPort = opts.listenPort
	}
	if opts.upstream != "" {
		host, portStr, err := net.SplitHostPort(opts.upstream)
		if err != nil {
			return fmt.Errorf("invalid --upstream %q: %w", opts.upstream, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid --upstream port %q", portStr)
		}
		relay.UpstreamHost = host
		relay.UpstreamPort = port
	}
	cfg.SetRelay(relay)
	return nil
}

func runServe(opts serveOptions) error {
	printBanner()

	if _, err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := applyOverrides(cfg, opts); err != nil {
		return err
	}

	logCloser, err := util.InitLogger(util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    cfg.Logging.Console,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else {
		defer logCloser.Close()
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return validation.Err()
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Str("hostname", sysInfo.Hostname).
		Str("cpu", sysInfo.CPUModel).
		Int("threads", sysInfo.CPUThreads).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("starting blockbridge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventBus := events.NewEventBus()
	defer eventBus.Stop()
	eventBus.Subscribe(events.EventShutdown, "main", func(_ context.Context, e events.Event) error {
		log.Info().Str("source", e.Source).Msg("shutdown requested")
		cancel()
		return nil
	})

	metrics := telemetry.NewMetrics()

	recorder, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer recorder.Close()
	store.Attach(eventBus, recorder)
	defer store.Detach(eventBus)

	relayCfg := cfg.GetRelay()
	relay := network.NewServer(network.ServerConfig{
		ListenAddr:    relayCfg.ListenAddr(),
		Upstream:      relayCfg.UpstreamAddr(),
		DialTimeout:   relayCfg.DialTimeout(),
		WriteTimeout:  relayCfg.WriteTimeout(),
		ReadBuffer:    relayCfg.ReadBuffer,
		MaxFrameSize:  relayCfg.MaxFrameSize,
		MaxConnPerSec: relayCfg.MaxConnPerSec,
		MaxConcurrent: relayCfg.MaxConcurrent,
	}, eventBus, metrics)

	if err := startWithRetry(ctx, "relay listener", relay.Start, 5, 3*time.Second); err != nil {
		return err
	}
	defer relay.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		relay.Stop()
		return nil
	})

	healthOpts := health.Options{
		Upstream:    relayCfg.UpstreamAddr(),
		DialTimeout: relayCfg.DialTimeout(),
		Sessions:    relay,
		Reporter:    metrics,
		DataDir:     dataDir(cfg),
	}

	if cfg.UDP.Enabled {
		responder := network.NewUDPResponder(cfg.UDP.Addr(), cfg.UDP.Response, cfg.UDP.MaxPerSec, eventBus)
		if err := startWithRetry(gctx, "UDP responder", responder.Start, 5, 3*time.Second); err != nil {
			log.Warn().Err(err).Msg("UDP responder failed to start (non-fatal)")
		} else {
			healthOpts.UDP = responder
			g.Go(func() error {
				<-gctx.Done()
				return responder.Stop()
			})
		}
	}

	healthMgr := health.NewManager(cfg.Health, eventBus, healthOpts)
	g.Go(func() error {
		healthMgr.Start(gctx)
		return nil
	})

	sched := scheduler.NewScheduler(cfg.Store, recorder)
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg,
			Bus:      eventBus,
			Sessions: relay,
			Recorder: recorder,
			Health:   healthMgr,
			Version:  version,
		}
		if cfg.Metrics.Enabled {
			deps.Metrics = metrics.Handler()
		}
		apiServer := api.NewServer(deps)
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("admin API stopped (non-fatal)")
			}
			return nil
		})
	}

	if cfg.MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg.MQTT, eventBus, version)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			g.Go(func() error {
				if err := mqttHandler.Start(gctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed (non-fatal)")
				}
				return nil
			})
		}
	}

	if opts.console {
		console := cli.NewCLI(relay, recorder, eventBus, os.Stdin, os.Stdout)
		g.Go(func() error {
			console.Start(gctx)
			return nil
		})
	}

	log.Info().
		Str("listen", relayCfg.ListenAddr()).
		Str("upstream", relayCfg.UpstreamAddr()).
		Msg("blockbridge ready")

	err = g.Wait()
	log.Info().Msg("blockbridge stopped")
	return err
}

// dataDir is the directory whose disk the health check watches.
func dataDir(cfg *config.Config) string {
	if cfg.Store.Driver == config.StoreSQLite && cfg.Store.SQLitePath != "" {
		return filepath.Dir(cfg.Store.SQLitePath)
	}
	return "."
}

// startWithRetry calls startFn until it succeeds, retrying bind failures at
// a fixed interval so a restart can wait out sockets still held by the old
// process.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int, interval time.Duration) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
	return lastErr
}
