package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blinkwatch/internal/aggregate"
	"blinkwatch/internal/api"
	"blinkwatch/internal/config"
	"blinkwatch/internal/events"
	"blinkwatch/internal/ingest"
	"blinkwatch/internal/logging"
	"blinkwatch/internal/model"
	"blinkwatch/internal/publish"
	"blinkwatch/internal/sessions"
	"blinkwatch/internal/stats"
	"blinkwatch/internal/storage"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("blinkwatchd", version)
		return
	}

	var cfgManager *config.Manager
	if *configPath != "" {
		m, err := config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(1)
		}
		cfgManager = m
	} else {
		cfgManager = config.NewStaticManager(nil)
	}
	cfg := cfgManager.Get()

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting blinkwatchd",
		"version", version,
		"config", *configPath,
		"ear_threshold", cfg.Detection.EARThreshold,
		"consec_frames", cfg.Detection.ConsecFrames,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init error", "err", err)
		os.Exit(1)
	}
	if store != nil {
		initCtx, initCancel := context.WithTimeout(ctx, 10*time.Second)
		err := store.Init(initCtx)
		initCancel()
		if err != nil {
			logger.Error("storage schema error", "err", err)
			os.Exit(1)
		}
		defer store.Close()
		logger.Info("storage ready", "driver", cfg.Storage.Driver)
	}

	eventStore := events.NewStore(cfg.Events.StoreLimit)
	statsStore := stats.NewStore(cfg.Stats.StoreLimit)
	aggregator := aggregate.New(store, logger)

	var publisher sessions.BlinkPublisher
	if kp := publish.NewKafka(ctx, cfg.Publish.Kafka, logger); kp != nil {
		publisher = kp
	}

	manager := sessions.NewManager(cfgManager, logger, store, eventStore, statsStore, publisher)
	frames := make(chan model.FrameSample, cfg.Ingest.ChannelBuffer)
	manager.Start(ctx, frames)

	go func() {
		for u := range manager.Updates() {
			logger.Debug("blink count updated", "session_id", u.SessionID, "user_id", u.UserID, "count", u.Count)
		}
	}()

	parser := ingest.NewParser(cfg.Ingest.Parser)
	ingest.StartREST(ctx, cfgManager, parser, frames, logger)
	ingest.StartTCPStream(ctx, cfgManager, parser, frames, logger)
	ingest.StartFileTail(ctx, cfgManager, parser, frames, logger)
	ingest.StartKafka(ctx, cfgManager, parser, frames, logger)

	api.Start(ctx, cfgManager, statsStore, eventStore, store, aggregator, manager, logger, version)

	if *configPath != "" {
		go cfgManager.Watch(3*time.Second,
			func(next *config.Config) {
				logger.Info("config reloaded",
					"ear_threshold", next.Detection.EARThreshold,
					"consec_frames", next.Detection.ConsecFrames,
				)
			},
			func(err error) {
				logger.Warn("config reload error", "err", err)
			},
			ctx.Done(),
		)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	manager.StopAll()
	logger.Info("blinkwatchd stopped")
}
