package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/suPer8Hu/handoff/internal/config"
	"github.com/suPer8Hu/handoff/internal/db"
	"github.com/suPer8Hu/handoff/internal/handoff"
	"github.com/suPer8Hu/handoff/internal/httpapi"
	"github.com/suPer8Hu/handoff/internal/logger"
	"github.com/suPer8Hu/handoff/internal/store/rabbitmq"
	"github.com/suPer8Hu/handoff/internal/store/redisstore"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		return err
	}
	repo := handoff.NewRepo(gdb)
	if err := repo.AutoMigrate(ctx); err != nil {
		return err
	}

	var queue handoff.Queue
	switch cfg.QueueBackend {
	case "", "memory":
		queue = handoff.NewMemoryQueue()
	case "redis":
		rdb, err := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		queue = redisstore.NewQueue(rdb, cfg.QueueKey)
	default:
		return errors.New("unsupported QUEUE_BACKEND=" + cfg.QueueBackend)
	}

	var notifier handoff.Notifier = handoff.NewLogNotifier(log)
	switch cfg.NotifyBackend {
	case "", "log":
	case "rabbitmq":
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return err
		}
		defer pub.Close()
		notifier = handoff.MultiNotifier{notifier, pub}
	default:
		return errors.New("unsupported NOTIFY_BACKEND=" + cfg.NotifyBackend)
	}

	broker := handoff.NewBroker(repo, queue, notifier, log, handoff.Options{
		MaxSessionsPerOperator: cfg.OperatorMaxSessions,
		Operators:              cfg.OperatorIDs,
		Metrics:                handoff.NewMetrics(prometheus.DefaultRegisterer),
	})

	// the queue must agree with the store before serving
	n, err := broker.Rebuild(ctx)
	if err != nil {
		return err
	}
	log.Info("queue rebuilt", zap.Int("waiting", n), zap.String("backend", cfg.QueueBackend))

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(gctx, cfg, broker, log, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		sweep(gctx, broker, cfg, log)
		return nil
	})

	return g.Wait()
}

// sweep expires stale waiting requests and purges old closed sessions.
func sweep(ctx context.Context, broker *handoff.Broker, cfg config.Config, log *zap.Logger) {
	if cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if cfg.WaitingTTL > 0 {
			if _, err := broker.ExpireWaiting(ctx, cfg.WaitingTTL); err != nil {
				log.Warn("expire waiting", zap.Error(err))
			}
		}
		if cfg.ClosedRetention > 0 {
			n, err := broker.PurgeClosed(ctx, cfg.ClosedRetention)
			if err != nil {
				log.Warn("purge closed", zap.Error(err))
			} else if n > 0 {
				log.Info("purged closed sessions", zap.Int64("count", n))
			}
		}
	}
}
