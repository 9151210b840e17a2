package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/paylink/ledger-service/internal/config"
	"github.com/paylink/ledger-service/internal/ledger"
	"github.com/paylink/ledger-service/internal/logger"
	"github.com/paylink/ledger-service/internal/model"
	"github.com/paylink/ledger-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.New(cfg.Server.Debug)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)
	led := ledger.NewService(repository, log)
	client := &http.Client{Timeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	log.Info("ledger-poller started")
	for range ticker.C {
		ctx := context.Background()
		publishEvents(ctx, repository, log)
		dispatchWebhooks(ctx, repository, led, client, log)
	}
}

// publishEvents drains unpublished audit events into Kafka.
func publishEvents(ctx context.Context, r *repo.Repository, log *zap.SugaredLogger) {
	events, err := r.PollUnpublishedEvents(ctx, 100)
	if err != nil {
		log.Errorf("poll events: %v", err)
		return
	}
	for _, evt := range events {
		if err := r.PublishEvent(ctx, evt); err != nil {
			log.Errorf("publish event id=%d: %v", evt.ID, err)
			continue
		}
		if err := r.MarkEventPublished(ctx, evt.ID); err != nil {
			log.Errorf("mark published id=%d: %v", evt.ID, err)
		}
	}
}

// dispatchWebhooks performs one delivery attempt per due webhook and
// records the outcome through the ledger service.
func dispatchWebhooks(ctx context.Context, r *repo.Repository, led *ledger.Service, client *http.Client, log *zap.SugaredLogger) {
	hooks, err := r.PollDueWebhooks(ctx, 20)
	if err != nil {
		log.Errorf("poll webhooks: %v", err)
		return
	}
	for _, h := range hooks {
		deliverOne(ctx, led, client, h, log)
	}
}

func deliverOne(ctx context.Context, led *ledger.Service, client *http.Client, h model.Webhook, log *zap.SugaredLogger) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewBufferString(h.Payload))
	if err != nil {
		log.Errorf("build webhook request id=%d: %v", h.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", h.EventType)

	resp, err := client.Do(req)
	elapsed := int(time.Since(start).Milliseconds())
	if err != nil {
		if recErr := led.RecordWebhookAttempt(ctx, h.ID, nil, err.Error(), elapsed); recErr != nil {
			log.Errorf("record attempt id=%d: %v", h.ID, recErr)
		}
		scheduleRetry(ctx, led, h.ID, log)
		return
	}
	defer resp.Body.Close()

	if recErr := led.RecordWebhookAttempt(ctx, h.ID, &resp.StatusCode, resp.Status, elapsed); recErr != nil {
		log.Errorf("record attempt id=%d: %v", h.ID, recErr)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := led.MarkWebhookDelivered(ctx, h.ID); err != nil {
			log.Errorf("mark delivered id=%d: %v", h.ID, err)
		} else {
			log.Infof("webhook %d delivered", h.ID)
		}
		return
	}
	scheduleRetry(ctx, led, h.ID, log)
}

func scheduleRetry(ctx context.Context, led *ledger.Service, id uint64, log *zap.SugaredLogger) {
	_, err := led.ScheduleWebhookRetry(ctx, id)
	switch {
	case errors.Is(err, ledger.ErrRetriesExhausted):
		log.Warnf("webhook %d exhausted retries", id)
	case err != nil:
		log.Errorf("schedule retry id=%d: %v", id, err)
	}
}
