package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/handoff/internal/config"
	"github.com/suPer8Hu/handoff/internal/logger"
	"github.com/suPer8Hu/handoff/internal/relay"
	"github.com/suPer8Hu/handoff/internal/store/rabbitmq"
	"go.uber.org/zap"
)

// maxRetries bounds redelivery before a notification goes to the DLQ.
const maxRetries = 5

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	deliverer := relay.NewDeliverer(relay.NewClient(cfg.WebhookURL, cfg.WebhookToken), log)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("declare topology", zap.Error(err))
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	// publishing to the retry queue shares the channel across workers
	var pubMu sync.Mutex

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With(zap.Int("worker", workerID))
			for d := range jobs {
				n, err := rabbitmq.DecodeNotification(d.Body)
				if err != nil || n.RecipientID == "" {
					wlog.Warn("bad message", zap.Error(err))
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				// in-flight deliveries finish even during shutdown
				dctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				err = deliverer.Deliver(dctx, n.RecipientID, n.Event)
				cancel()
				if err == nil {
					if err := d.Ack(false); err != nil {
						wlog.Warn("ack failed", zap.Error(err))
					}
					continue
				}

				attempt := rabbitmq.RetryCount(d.Headers)
				wlog.Warn("deliver failed",
					zap.String("recipient", n.RecipientID),
					zap.String("type", string(n.Event.Type)),
					zap.Int("attempt", attempt),
					zap.Duration("cost", time.Since(start)),
					zap.Error(err))
				if attempt >= maxRetries {
					_ = d.Nack(false, false) // dead-letter
					continue
				}

				pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				pubMu.Lock()
				perr := rabbitmq.PublishRetry(pctx, ch, cfg.RabbitQueue, d, rabbitmq.Backoff(attempt))
				pubMu.Unlock()
				cancel()
				if perr != nil {
					wlog.Error("publish retry failed", zap.Error(perr))
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Error("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}
