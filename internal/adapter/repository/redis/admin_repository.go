package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/agentlens-ingest/internal/domain"
)

// AdminRepository implements the domain.StreamAdminRepository interface for Redis.
type AdminRepository struct {
	client      *redis.Client
	logger      *slog.Logger
	eventStream string
	dlqStream   string
}

// NewAdminRepository creates a new Redis admin repository.
func NewAdminRepository(client *redis.Client, logger *slog.Logger, eventStream, dlqStream string) *AdminRepository {
	return &AdminRepository{
		client:      client,
		logger:      logger.With("component", "redis_admin"),
		eventStream: eventStream,
		dlqStream:   dlqStream,
	}
}

// GetGroupInfo retrieves information about all consumer groups for a given stream.
func (r *AdminRepository) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	groups, err := r.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get group info for stream %s: %w", stream, err)
	}

	result := make([]domain.ConsumerGroupInfo, len(groups))
	for i, g := range groups {
		result[i] = domain.ConsumerGroupInfo{
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
		}
	}
	return result, nil
}

// GetConsumerInfo retrieves information about consumers in a specific group.
func (r *AdminRepository) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	consumers, err := r.client.XInfoConsumers(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer info for stream %s, group %s: %w", stream, group, err)
	}

	result := make([]domain.ConsumerInfo, len(consumers))
	for i, c := range consumers {
		result[i] = domain.ConsumerInfo{
			Name:    c.Name,
			Pending: c.Pending,
			Idle:    c.Idle,
		}
	}
	return result, nil
}

// GetPendingSummary retrieves a summary of pending messages for a group.
func (r *AdminRepository) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	pending, err := r.client.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending summary for stream %s, group %s: %w", stream, group, err)
	}

	return &domain.PendingMessageSummary{
		Total:          pending.Count,
		FirstMessageID: pending.Lower,
		LastMessageID:  pending.Higher,
		ConsumerTotals: pending.Consumers,
	}, nil
}

// GetPendingMessages retrieves detailed information about pending messages.
func (r *AdminRepository) GetPendingMessages(ctx context.Context, stream, group, consumer, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	if startID == "" {
		startID = "-"
	}
	messages, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Start:    startID,
		End:      "+",
		Count:    count,
		Consumer: consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending messages: %w", err)
	}

	result := make([]domain.PendingMessageDetail, len(messages))
	for i, m := range messages {
		result[i] = domain.PendingMessageDetail{
			ID:         m.ID,
			Consumer:   m.Consumer,
			IdleTime:   m.Idle,
			RetryCount: m.RetryCount,
		}
	}
	return result, nil
}

// ClaimMessages moves pending messages to another consumer, typically to
// rescue work held by a dead worker. Entries whose payload cannot be parsed
// are claimed but not returned.
func (r *AdminRepository) ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]domain.StreamMessage, error) {
	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdleTime,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	messages := make([]domain.StreamMessage, 0, len(claimed))
	for _, msg := range claimed {
		raw, ok := msg.Values[payloadField].(string)
		if !ok {
			continue
		}
		event, err := domain.ParseQueuedEvent([]byte(raw))
		if err != nil {
			r.logger.Warn("Claimed message is not a valid event", "stream_id", msg.ID, "error", err)
			continue
		}
		messages = append(messages, domain.StreamMessage{StreamID: msg.ID, Event: event})
	}
	return messages, nil
}

// AcknowledgeMessages acknowledges messages in a stream.
func (r *AdminRepository) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, errors.New("at least one message ID is required")
	}
	return r.client.XAck(ctx, stream, group, messageIDs...).Result()
}

// TrimStream trims a stream to a maximum length.
func (r *AdminRepository) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	return r.client.XTrimMaxLen(ctx, stream, maxLen).Result()
}

// ListDeadLetters returns up to count DLQ entries starting at startID.
func (r *AdminRepository) ListDeadLetters(ctx context.Context, startID string, count int64) ([]domain.DeadLetterEntry, error) {
	if startID == "" {
		startID = "-"
	}
	msgs, err := r.client.XRangeN(ctx, r.dlqStream, startID, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ stream %s: %w", r.dlqStream, err)
	}

	entries := make([]domain.DeadLetterEntry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toDeadLetterEntry(msg))
	}
	return entries, nil
}

// ReplayDeadLetter re-publishes a dead-lettered event to the event stream
// with its _dlq_* fields stripped and removes it from the DLQ. It returns
// the new stream id.
func (r *AdminRepository) ReplayDeadLetter(ctx context.Context, id string) (string, error) {
	msgs, err := r.client.XRange(ctx, r.dlqStream, id, id).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read DLQ entry %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("%w: %s", domain.ErrDeadLetterNotFound, id)
	}

	raw, _ := msgs[0].Values[payloadField].(string)
	letter, err := domain.ParseDeadLetter([]byte(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrNotReplayable, err)
	}
	if letter.Event == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrNotReplayable, id)
	}

	payload, err := json.Marshal(letter.Event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal replayed event: %w", err)
	}

	pipe := r.client.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: r.eventStream,
		Values: map[string]interface{}{payloadField: payload},
	})
	pipe.XDel(ctx, r.dlqStream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to replay dead letter %s: %w", id, err)
	}

	newID := add.Val()
	r.logger.Info("Replayed dead letter", "dlq_id", id, "stream_id", newID, "event_id", letter.Event.ID)
	return newID, nil
}

func toDeadLetterEntry(msg redis.XMessage) domain.DeadLetterEntry {
	str := func(key string) string {
		v, _ := msg.Values[key].(string)
		return v
	}
	entry := domain.DeadLetterEntry{
		ID:             msg.ID,
		Reason:         str("reason"),
		OriginalStream: str("original_stream"),
		OriginalMsgID:  str("original_msg_id"),
		FailedAt:       str("failed_at"),
	}
	if raw := str(payloadField); json.Valid([]byte(raw)) {
		entry.Payload = json.RawMessage(raw)
	} else {
		quoted, _ := json.Marshal(raw)
		entry.Payload = quoted
	}
	return entry
}
