package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"kiteflow/config"
	"kiteflow/internal/channel"
	"kiteflow/internal/connection"
	"kiteflow/internal/dashboard"
	"kiteflow/internal/instruments"
	"kiteflow/internal/metrics"
	"kiteflow/internal/straddle"
	"kiteflow/internal/subscription"
	"kiteflow/internal/ticker"
	"kiteflow/logger"
	"kiteflow/writer"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting kiteflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(ctx, cfg.Metrics.Region, cfg.Metrics.Namespace, "")
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.Prometheus {
		metrics.Init(cfg.Metrics.Address)
	}

	frames := channel.NewFrames(cfg.Channels.FrameBuffer, cfg.Channels.EnqueueTimeout)
	defer frames.Close()
	if cfg.Metrics.ChannelSize {
		metrics.StartChannelSizeMetrics(ctx, frames, 30*time.Second)
	}

	dir, err := instruments.Load(cfg.Instruments.Path)
	if err != nil {
		log.WithError(err).Error("Failed to load instrument mapping")
		os.Exit(1)
	}

	// Publishers
	publishers := writer.MultiPublisher{writer.NewLogPublisher(log)}
	var kafkaPub *writer.KafkaPublisher
	if cfg.Kafka.Enabled {
		kafkaPub, err = writer.NewKafkaPublisher(cfg.Kafka, log)
		if err != nil {
			log.WithError(err).Error("failed to create kafka publisher")
			os.Exit(1)
		}
		if err := kafkaPub.Start(ctx); err != nil {
			log.WithError(err).Warn("kafka publisher failed to start")
		}
		publishers = append(publishers, kafkaPub)
	}

	// Tick sinks
	var sinks []subscription.TickSink
	var tickLog *writer.TickVolumeLog
	if cfg.TickLog.Enabled {
		tickLog, err = writer.NewTickVolumeLog(cfg.TickLog.Directory, log)
		if err != nil {
			log.WithError(err).Error("failed to open tick volume log")
			os.Exit(1)
		}
		sinks = append(sinks, tickLog)
	}
	var archive *writer.TickArchive
	if cfg.Storage.S3.Enabled {
		archive, err = writer.NewTickArchive(ctx, cfg.Storage.S3, cfg.App.Version, log)
		if err != nil {
			log.WithError(err).Error("failed to create tick archive")
			os.Exit(1)
		}
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Warn("tick archive failed to start")
		}
		sinks = append(sinks, archive)
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping tick archive")
	}

	engine := straddle.NewEngine(publishers, log, straddle.WithAlignmentWindow(cfg.Straddle.AlignmentWindow))
	if cfg.Straddle.ConfigPath != "" {
		engine.LoadStraddleConfigs(cfg.Straddle.ConfigPath)
	}

	manager := connection.NewManager(cfg.Connection, cfg.Broker, frames, log)
	batcher := subscription.NewBatcher(cfg.Batcher, manager, manager.EnsureSharedConnection, log)

	defaultMode, _ := ticker.ParseMode(strings.ToLower(cfg.Subscription.DefaultMode))
	registry := subscription.NewRegistry(dir, manager, batcher,
		subscription.WithDedicated(manager),
		subscription.WithLogger(log),
		subscription.WithModePolicy(func(string, string) ticker.Mode { return defaultMode }),
	)
	manager.OnReconnect(registry.Resubscribe)

	dispatcher := subscription.NewDispatcher(frames.C, registry, engine, log, sinks...)
	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("dispatcher failed to start")
		os.Exit(1)
	}

	var health *connection.HealthMonitor
	if cfg.Health.Enabled {
		health = connection.NewHealthMonitor(manager, cfg.Health, log)
		health.Start(ctx)
	}

	subscribeAll(ctx, cfg, registry, engine, publishers, log)

	dash := dashboard.NewServer(cfg.Dashboard, dashboard.Sources{
		Connections:   manager,
		Subscriptions: registry,
		Straddles:     engine,
	}, log)
	dashDone := make(chan struct{})
	go func() {
		defer close(dashDone)
		if err := dash.Run(ctx, cfg.App.Name); err != nil {
			log.WithError(err).Warn("dashboard stopped")
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	done := make(chan struct{})
	go func() {
		defer close(done)
		if health != nil {
			health.Stop()
		}
		batcher.Close()
		manager.Close()
		dispatcher.Stop()
		cancel()
		if archive != nil {
			archive.Stop()
		}
		if kafkaPub != nil {
			kafkaPub.Stop()
		}
		if tickLog != nil {
			tickLog.Close()
		}
		<-dashDone
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}
	log.Info("kiteflow stopped")
}

// subscribeAll subscribes the configured symbols and, when enabled, every
// straddle leg not already listed.
func subscribeAll(ctx context.Context, cfg *config.Config, reg *subscription.Registry, engine *straddle.Engine, pub writer.Publisher, log *logger.Log) {
	mainLog := log.WithComponent("main")
	onTick := subscription.PublishTicks(pub)
	seen := make(map[string]bool)
	for _, s := range cfg.Subscriptions {
		seen[strings.ToUpper(s.Symbol)] = true
		var ok bool
		if s.Dedicated {
			ok = reg.SubscribeDedicated(ctx, s.Symbol, s.Exchange, onTick)
		} else {
			ok = reg.Subscribe(ctx, s.Symbol, s.Exchange, onTick)
		}
		if !ok {
			mainLog.WithFields(logger.Fields{"symbol": s.Symbol, "exchange": s.Exchange}).Warn("subscription failed")
		}
	}

	if !cfg.Straddle.SubscribeLegs {
		return
	}
	for _, leg := range engine.Legs() {
		if seen[strings.ToUpper(leg)] {
			continue
		}
		if !reg.Subscribe(ctx, leg, cfg.Straddle.LegExchange, onTick) {
			mainLog.WithField("symbol", leg).Warn("straddle leg subscription failed")
		}
	}
}
