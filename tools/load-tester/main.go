package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	redisrepo "github.com/V4T54L/agentlens-ingest/internal/adapter/repository/redis"
	"github.com/V4T54L/agentlens-ingest/internal/domain"
	"github.com/V4T54L/agentlens-ingest/internal/pkg/logger"
)

var models = []string{"gpt-4o", "gpt-4o-mini", "claude-3-5-sonnet", "claude-3-haiku"}

func main() {
	redisAddr := pflag.String("redis-addr", "localhost:6379", "Redis address or redis:// URL")
	stream := pflag.String("stream", "agentlens:events", "event stream key")
	group := pflag.String("group", "event-writers", "writer consumer group, created if missing")
	orgs := pflag.Int("orgs", 5, "number of tenants to spread events over")
	concurrency := pflag.IntP("concurrency", "c", 10, "number of concurrent publishers")
	duration := pflag.DurationP("duration", "d", 30*time.Second, "duration of the load test")
	rps := pflag.Int("rps", 1000, "events per second limit")
	malformed := pflag.Float64("malformed-ratio", 0, "fraction of payloads that are not valid events")
	pflag.Parse()

	log := logger.New("info")
	log.Info("starting load test", "stream", *stream, "concurrency", *concurrency, "duration", *duration, "rps", *rps)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	redisOpts, err := redisrepo.ClientOptions(*redisAddr)
	if err != nil {
		log.Error("invalid redis address", "error", err)
		os.Exit(1)
	}
	client := redis.NewClient(redisOpts)
	defer client.Close()
	queue, err := redisrepo.NewEventQueue(ctx, client, log, *stream, *group)
	if err != nil {
		log.Error("failed to open stream", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	var successCount, errorCount atomic.Int64
	limiter := rate.NewLimiter(rate.Limit(*rps), 100)

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				if err := publishOne(ctx, queue, workerID, *orgs, *malformed); err != nil {
					if ctx.Err() != nil {
						return
					}
					errorCount.Add(1)
					continue
				}
				successCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	total := successCount.Load() + errorCount.Load()
	log.Info("load test finished",
		"total", total,
		"published", successCount.Load(),
		"errors", errorCount.Load(),
		"actual_rps", fmt.Sprintf("%.2f", float64(total)/duration.Seconds()),
	)
}

func publishOne(ctx context.Context, queue *redisrepo.EventQueue, workerID, orgs int, malformedRatio float64) error {
	if rand.Float64() < malformedRatio {
		_, err := queue.PublishRaw(ctx, []byte(`{"id":"`+uuid.NewString()+`","type":`))
		return err
	}

	now := time.Now().UTC()
	_, err := queue.Publish(ctx, domain.QueuedEvent{
		ID:         uuid.NewString(),
		Type:       "llm_call",
		Timestamp:  now.Format(time.RFC3339Nano),
		SessionID:  fmt.Sprintf("load-%d", workerID),
		OrgID:      fmt.Sprintf("org-%d", rand.Intn(max(orgs, 1))),
		APIKeyID:   "load-tester",
		ReceivedAt: now.Format(time.RFC3339Nano),
		RequestID:  uuid.NewString(),
		Data: map[string]any{
			"model":        models[rand.Intn(len(models))],
			"inputTokens":  rand.Intn(4000),
			"outputTokens": rand.Intn(1000),
		},
	})
	return err
}

