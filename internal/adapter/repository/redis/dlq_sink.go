package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/V4T54L/agentlens-ingest/internal/adapter/metrics"
	"github.com/V4T54L/agentlens-ingest/internal/domain"
)

// DeadLetterSinkConfig tunes how hard the sink tries before spilling.
type DeadLetterSinkConfig struct {
	Stream         string
	SourceStream   string
	AppendAttempts int
	AppendBackoff  time.Duration
	// ReplayRate is the number of spilled letters replayed per second.
	ReplayRate float64
}

// DeadLetterSink implements domain.DeadLetterSink on a Redis Stream. Letters
// the stream refuses are spilled to local storage and replayed later.
type DeadLetterSink struct {
	client      *redis.Client
	logger      *slog.Logger
	cfg         DeadLetterSinkConfig
	spill       domain.DeadLetterSpill
	metrics     *metrics.WriterMetrics
	limiter     *rate.Limiter
	isAvailable atomic.Bool
}

// NewDeadLetterSink creates a sink. spill and m may be nil.
func NewDeadLetterSink(client *redis.Client, logger *slog.Logger, cfg DeadLetterSinkConfig, spill domain.DeadLetterSpill, m *metrics.WriterMetrics) *DeadLetterSink {
	if cfg.AppendAttempts < 1 {
		cfg.AppendAttempts = 1
	}
	limit := rate.Inf
	burst := 1
	if cfg.ReplayRate > 0 {
		limit = rate.Limit(cfg.ReplayRate)
		burst = int(cfg.ReplayRate)
		if burst < 1 {
			burst = 1
		}
	}
	s := &DeadLetterSink{
		client:  client,
		logger:  logger.With("component", "redis_dlq_sink"),
		cfg:     cfg,
		spill:   spill,
		metrics: m,
		limiter: rate.NewLimiter(limit, burst),
	}
	s.isAvailable.Store(true)
	return s
}

// MoveToDLQ appends letters to the DLQ stream, falling back to the spill.
// It returns domain.ErrDeadLetterFailed only when neither accepted them.
func (s *DeadLetterSink) MoveToDLQ(ctx context.Context, letters ...domain.DeadLetter) error {
	if len(letters) == 0 {
		return nil
	}

	err := withBackoff(ctx, s.cfg.AppendAttempts, s.cfg.AppendBackoff, func() error {
		return s.appendToStream(ctx, letters)
	})
	if err == nil {
		s.logger.Warn("Moved messages to DLQ", "count", len(letters))
		return nil
	}

	if s.isAvailable.CompareAndSwap(true, false) {
		s.logger.Error("DLQ stream unavailable", "error", err)
	}
	if s.spill == nil {
		return fmt.Errorf("%w: %v", domain.ErrDeadLetterFailed, err)
	}

	for _, letter := range letters {
		if werr := s.spill.Write(ctx, letter); werr != nil {
			s.logger.Error("Failed to spill dead letter", "stream_id", letter.StreamID, "error", werr)
			return fmt.Errorf("%w: stream: %v; spill: %v", domain.ErrDeadLetterFailed, err, werr)
		}
	}
	s.logger.Warn("DLQ stream unavailable, spilled dead letters to disk", "count", len(letters))
	if s.metrics != nil {
		s.metrics.DLQSpilled.Add(float64(len(letters)))
		s.metrics.DLQSpillActive.Set(1)
	}
	return nil
}

// appendToStream writes letters in one MULTI/EXEC so a retry never
// duplicates part of a batch.
func (s *DeadLetterSink) appendToStream(ctx context.Context, letters []domain.DeadLetter) error {
	pipe := s.client.TxPipeline()
	for _, letter := range letters {
		payload, err := letter.Payload()
		if err != nil {
			s.logger.Error("Failed to render dead letter, storing raw", "stream_id", letter.StreamID, "error", err)
			payload = []byte(letter.Raw)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.cfg.Stream,
			Values: map[string]interface{}{
				payloadField:      payload,
				"reason":          letter.Reason,
				"original_stream": s.cfg.SourceStream,
				"original_msg_id": letter.StreamID,
				"failed_at":       letter.FailedAt.UTC().Format(time.RFC3339Nano),
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to execute DLQ pipeline: %w", err)
	}
	return nil
}

// StartSpillReplayer monitors Redis and replays spilled letters once the
// DLQ stream is reachable. It blocks until ctx is cancelled.
func (s *DeadLetterSink) StartSpillReplayer(ctx context.Context, interval time.Duration) {
	if s.spill == nil {
		s.logger.Info("DLQ spill is not configured, skipping replayer")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Starting DLQ spill replayer", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping DLQ spill replayer")
			return
		case <-ticker.C:
			pending, err := s.spill.HasPending()
			if err != nil {
				s.logger.Error("Failed to inspect DLQ spill", "error", err)
				continue
			}
			if !pending {
				continue
			}
			if err := s.client.Ping(ctx).Err(); err != nil {
				if s.isAvailable.CompareAndSwap(true, false) {
					s.logger.Error("Redis connection lost", "error", err)
				}
				continue
			}
			if s.isAvailable.CompareAndSwap(false, true) {
				s.logger.Info("Redis connection recovered")
			}
			if err := s.ReplaySpill(ctx); err != nil {
				s.logger.Error("Failed to replay DLQ spill", "error", err)
			}
		}
	}
}

// ReplaySpill appends every spilled letter to the DLQ stream and truncates
// the spill on success. A failed replay leaves the spill intact, so letters
// replayed before the failure are appended again next time.
func (s *DeadLetterSink) ReplaySpill(ctx context.Context) error {
	if s.spill == nil {
		return nil
	}
	s.logger.Info("Attempting to replay DLQ spill")

	replayed := 0
	handler := func(letter domain.DeadLetter) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.appendToStream(ctx, []domain.DeadLetter{letter}); err != nil {
			return err
		}
		replayed++
		return nil
	}

	if err := s.spill.Replay(ctx, handler); err != nil {
		return fmt.Errorf("DLQ spill replay failed: %w", err)
	}
	if err := s.spill.Truncate(ctx); err != nil {
		return fmt.Errorf("failed to truncate DLQ spill after successful replay: %w", err)
	}
	if s.metrics != nil {
		s.metrics.DLQSpillActive.Set(0)
	}

	s.logger.Info("DLQ spill replay completed", "count", replayed)
	return nil
}

// withBackoff calls fn up to attempts times, doubling the pause after each
// failure. It returns the last error.
func withBackoff(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	wait := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
