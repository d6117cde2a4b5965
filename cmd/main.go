package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/alumnihub/messaging/internal/api"
	"github.com/alumnihub/messaging/internal/auth"
	"github.com/alumnihub/messaging/internal/config"
	"github.com/alumnihub/messaging/internal/engine"
	"github.com/alumnihub/messaging/internal/events"
	"github.com/alumnihub/messaging/internal/gate"
	"github.com/alumnihub/messaging/internal/logger"
	"github.com/alumnihub/messaging/internal/metrics"
	"github.com/alumnihub/messaging/internal/notify"
	"github.com/alumnihub/messaging/internal/pipeline"
	"github.com/alumnihub/messaging/internal/presence"
	"github.com/alumnihub/messaging/internal/realtime"
	"github.com/alumnihub/messaging/internal/repository"
	"github.com/alumnihub/messaging/internal/storage"
	"github.com/alumnihub/messaging/internal/ws"
)

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	zlog, err := logger.New(logger.Config{Development: cfg.Server.Development})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer zlog.Sync()

	db, mc, err := repository.ConnectMongo(cfg.Mongo.URI, cfg.Mongo.Database, zlog)
	if err != nil {
		zlog.Fatalw("mongo init", "err", err)
	}
	defer func() { _ = mc.Disconnect(context.Background()) }()
	if err := repository.EnsureIndexes(context.Background(), db); err != nil {
		zlog.Fatalw("mongo indexes", "err", err)
	}
	repo := repository.NewMongoRepo(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	push := realtime.NewChannel(rdb, cfg.Redis.Prefix, zlog)
	pres := presence.NewStore(rdb, cfg.Redis.Prefix)

	producer := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer producer.Close()

	blobs, err := storage.NewS3Store(context.Background(), cfg.S3.Region, cfg.S3.Bucket, zlog)
	if err != nil {
		zlog.Fatalw("s3 init", "err", err)
	}

	hub := ws.NewHub()
	g := gate.New(repo)
	fanout := engine.NewFanout(push, producer, repo, zlog)
	pipe := pipeline.New(g, repo, repo, blobs, fanout, zlog)
	dispatcher := notify.NewDispatcher(repo, repo, hub, zlog)

	eng := engine.New(repo, g, push, pipe, dispatcher, pres, zlog, engine.Config{
		PollInterval:  cfg.PollInterval,
		MarkReadDelay: cfg.MarkReadDelay,
		AdminDomain:   cfg.Engine.AdminEmailDomain,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := events.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID,
		func(ctx context.Context, ev events.MessageSent) error {
			return eng.HandleMessageSent(ctx, engine.FromEvent(ev), ev.RecipientID)
		}, zlog)
	go func() {
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			zlog.Errorw("event consumer stopped", "err", err)
		}
	}()

	// Daily sweep of uploaded attachments no message row references,
	// e.g. uploads whose send failed at persist.
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n, err := blobs.SweepOrphans(ctx, repo, 24*time.Hour); err != nil {
					zlog.Warnw("orphan sweep failed", "err", err)
				} else if n > 0 {
					zlog.Infow("orphan sweep", "deleted", n)
				}
			}
		}
	}()

	jv, err := auth.NewJWTValidator(cfg.JWT.SigningMethod, cfg.JWT.Secret, cfg.JWT.PublicKeyPath)
	if err != nil {
		zlog.Fatalw("jwt validator", "err", err)
	}

	app := api.NewServer(cfg, eng, repo, hub, pres, jv, zlog)

	// Metrics get their own listener so the scrape path bypasses auth.
	metricsSrv := &http.Server{Addr: ":" + cfg.Server.MetricsPort, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Errorw("metrics listener", "err", err)
		}
	}()

	go func() {
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			zlog.Fatalw("server listen", "err", err)
		}
	}()
	zlog.Infow("messaging service started", "port", cfg.Server.Port, "metrics_port", cfg.Server.MetricsPort)

	<-ctx.Done()
	stop()

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = app.ShutdownWithContext(shutCtx)
	_ = metricsSrv.Shutdown(shutCtx)
	zlog.Info("messaging service stopped")
}
