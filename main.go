package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quoteflow/broker"
	"quoteflow/config"
	"quoteflow/internal/channel"
	"quoteflow/logger"
	"quoteflow/processor"
	"quoteflow/reader/alpaca"
	"quoteflow/reader/sim"
	"quoteflow/server"
	"quoteflow/store"
	"quoteflow/writer"
)

// quoteSource is the common surface of the feed readers.
type quoteSource interface {
	Start(ctx context.Context) error
	Stop()
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Quoteflow.Name,
		"version":     cfg.Quoteflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting quoteflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "", "")
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.RawBuffer,
		cfg.Channels.AnnotatedBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	b := broker.NewBroker()

	var latestStore processor.LatestStore
	var redisStore *store.RedisStore
	if cfg.Storage.Redis.Enabled {
		redisStore, err = store.NewRedisStore(ctx, cfg.Storage.Redis)
		if err != nil {
			log.WithError(err).Error("failed to connect to redis")
			os.Exit(1)
		}
		latestStore = redisStore
	} else {
		log.WithComponent("main").Info("redis mirror disabled")
	}

	pipeline := processor.NewPipeline(cfg, channels, b, latestStore)

	var feed quoteSource
	switch strings.ToLower(cfg.Feed.Source) {
	case "alpaca":
		feed = alpaca.NewReader(cfg, channels, cfg.Feed.Symbols)
	case "sim":
		if config.IsProductionLike(config.AppEnvironment()) {
			log.WithComponent("main").Error("sim feed is not allowed in production environments")
			os.Exit(1)
		}
		feed = sim.NewReader(cfg, channels, cfg.Feed.Symbols)
	default:
		log.WithFields(logger.Fields{"source": cfg.Feed.Source}).Error("unknown feed source")
		os.Exit(1)
	}

	var archive *writer.ArchiveWriter
	if cfg.Storage.S3.Enabled {
		metaDir, err := os.MkdirTemp("", "quoteflow-meta")
		if err != nil {
			log.WithError(err).Error("failed to create metadata directory")
			os.Exit(1)
		}
		archive, err = writer.NewArchiveWriter(cfg, channels, metaDir)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 archive disabled; skipping writer")
	}

	srv := server.NewServer(cfg.Server, b, log)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipeline.Start(ctx); err != nil {
			log.WithError(err).Warn("pipeline failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := feed.Start(ctx); err != nil {
			log.WithError(err).Warn("feed reader failed to start")
		}
	}()

	if archive != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := archive.Start(ctx); err != nil {
				log.WithError(err).Warn("archive writer failed to start")
			}
		}()
	}

	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("websocket server exited")
			}
		}()
	} else {
		log.WithComponent("main").Info("websocket server disabled")
	}

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping feed reader")
	feed.Stop()

	log.Info("stopping pipeline")
	pipeline.Stop()

	if archive != nil {
		log.Info("stopping archive writer")
		archive.Stop()
	}

	if redisStore != nil {
		log.Info("closing redis connection")
		redisStore.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("quoteflow stopped")
}
