package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/agentlens-ingest/internal/domain"
)

// payloadField is the stream entry field holding the event JSON.
const payloadField = "payload"

// EventQueue implements domain.EventQueue on a Redis Stream consumer group.
type EventQueue struct {
	client *redis.Client
	logger *slog.Logger
	stream string
}

// NewEventQueue creates the queue and makes sure the consumer group exists.
func NewEventQueue(ctx context.Context, client *redis.Client, logger *slog.Logger, stream, group string) (*EventQueue, error) {
	q := &EventQueue{
		client: client,
		logger: logger.With("component", "redis_event_queue"),
		stream: stream,
	}
	if err := q.setupConsumerGroup(ctx, group); err != nil {
		return nil, err
	}
	return q, nil
}

// Stream returns the stream key the queue reads from.
func (q *EventQueue) Stream() string {
	return q.stream
}

func (q *EventQueue) setupConsumerGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, group, "0").Err()
	if err != nil && !isRedisBusyGroupError(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// ReadBatch claims messages for consumer. Messages this consumer already
// holds unacknowledged (failed earlier attempts) are redelivered first once
// they have been idle for retryAfter. Until then new messages are read, and
// the read blocks no longer than retryAfter so a due retry is picked up.
func (q *EventQueue) ReadBatch(ctx context.Context, group, consumer string, count int, block, retryAfter time.Duration) (domain.ClaimedBatch, error) {
	batch, waiting, err := q.redeliverPending(ctx, group, consumer, count, retryAfter)
	if err != nil {
		return domain.ClaimedBatch{}, err
	}
	if batch.Len() > 0 {
		return batch, nil
	}
	if waiting && block > retryAfter {
		block = retryAfter
	}
	return q.readNew(ctx, group, consumer, count, block)
}

// redeliverPending claims the consumer's pending messages idle for at least
// retryAfter. waiting reports whether other pending messages are not due yet.
func (q *EventQueue) redeliverPending(ctx context.Context, group, consumer string, count int, retryAfter time.Duration) (domain.ClaimedBatch, bool, error) {
	pending, err := q.listPending(ctx, group, consumer, count, retryAfter)
	if err != nil {
		if isNoGroupError(err) {
			return domain.ClaimedBatch{}, false, q.setupConsumerGroup(ctx, group)
		}
		return domain.ClaimedBatch{}, false, err
	}
	if len(pending) == 0 {
		if retryAfter <= 0 {
			return domain.ClaimedBatch{}, false, nil
		}
		held, err := q.listPending(ctx, group, consumer, 1, 0)
		if err != nil {
			return domain.ClaimedBatch{}, false, err
		}
		return domain.ClaimedBatch{}, len(held) > 0, nil
	}

	ids := make([]string, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
		deliveries[p.ID] = p.RetryCount
	}

	// XCLAIM to ourselves bumps the delivery counter, which is what the
	// writer uses as the durable attempt count.
	claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.ClaimedBatch{}, false, fmt.Errorf("failed to XCLAIM pending messages: %w", err)
	}

	batch := q.decode(claimed)
	for i := range batch.Messages {
		batch.Messages[i].Deliveries = deliveries[batch.Messages[i].StreamID] + 1
	}

	// Entries trimmed from the stream can never be delivered again.
	returned := make(map[string]struct{}, len(claimed))
	for _, m := range claimed {
		returned[m.ID] = struct{}{}
	}
	var gone []string
	for _, id := range ids {
		if _, ok := returned[id]; !ok {
			gone = append(gone, id)
		}
	}
	if len(gone) > 0 {
		q.logger.Warn("Pending messages no longer in stream, acknowledging", "count", len(gone))
		if err := q.Acknowledge(ctx, group, gone...); err != nil {
			return domain.ClaimedBatch{}, false, err
		}
	}

	if batch.Len() > 0 {
		q.logger.Debug("Redelivering pending messages", "count", batch.Len(), "consumer", consumer)
	}
	return batch, false, nil
}

func (q *EventQueue) listPending(ctx context.Context, group, consumer string, count int, minIdle time.Duration) ([]redis.XPendingExt, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   q.stream,
		Group:    group,
		Idle:     minIdle,
		Start:    "-",
		End:      "+",
		Count:    int64(count),
		Consumer: consumer,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if isNoGroupError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to XPENDING from redis: %w", err)
	}
	return pending, nil
}

func (q *EventQueue) readNew(ctx context.Context, group, consumer string, count int, block time.Duration) (domain.ClaimedBatch, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(count),
		Block:    block,
	}
	if block <= 0 {
		// go-redis sends BLOCK 0 (wait forever) for a zero duration.
		args.Block = -1
	}

	streams, err := q.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ClaimedBatch{}, nil
		}
		if isNoGroupError(err) {
			return domain.ClaimedBatch{}, q.setupConsumerGroup(ctx, group)
		}
		return domain.ClaimedBatch{}, fmt.Errorf("failed to XREADGROUP from redis: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return domain.ClaimedBatch{}, nil
	}

	batch := q.decode(streams[0].Messages)
	for i := range batch.Messages {
		batch.Messages[i].Deliveries = 1
	}
	return batch, nil
}

// decode splits stream entries into parsed messages and malformed ones,
// preserving stream order.
func (q *EventQueue) decode(messages []redis.XMessage) domain.ClaimedBatch {
	var batch domain.ClaimedBatch
	for _, msg := range messages {
		if msg.ID == "" {
			continue
		}
		raw, ok := msg.Values[payloadField].(string)
		if !ok {
			batch.Malformed = append(batch.Malformed, domain.MalformedMessage{
				StreamID: msg.ID,
				Raw:      rawValues(msg.Values),
				Err:      fmt.Errorf("%w: missing %q field", domain.ErrMalformedEvent, payloadField),
			})
			continue
		}

		event, err := domain.ParseQueuedEvent([]byte(raw))
		if err != nil {
			q.logger.Warn("Failed to parse queued event", "stream_id", msg.ID, "error", err)
			batch.Malformed = append(batch.Malformed, domain.MalformedMessage{StreamID: msg.ID, Raw: raw, Err: err})
			continue
		}
		batch.Messages = append(batch.Messages, domain.StreamMessage{StreamID: msg.ID, Event: event})
	}
	return batch
}

// Acknowledge acknowledges processed messages in the Redis Stream.
func (q *EventQueue) Acknowledge(ctx context.Context, group string, streamIDs ...string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.stream, group, streamIDs...).Err(); err != nil {
		return fmt.Errorf("failed to XACK messages in redis: %w", err)
	}
	return nil
}

// Publish appends an event to the stream and returns its stream id.
func (q *EventQueue) Publish(ctx context.Context, event domain.QueuedEvent) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queued event: %w", err)
	}
	return q.PublishRaw(ctx, payload)
}

// PublishRaw appends an already encoded payload to the stream.
func (q *EventQueue) PublishRaw(ctx context.Context, payload []byte) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to XADD to redis stream: %w", err)
	}
	return id, nil
}

func rawValues(values map[string]interface{}) string {
	b, err := json.Marshal(values)
	if err != nil {
		return fmt.Sprint(values)
	}
	return string(b)
}

func isRedisBusyGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}
