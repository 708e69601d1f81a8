package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/V4T54L/agentlens-ingest/internal/domain"
)

const (
	defaultListCount = 100
	maxListCount     = 1000
)

// AdminStreamUseCase provides use cases for stream administration and
// dead-letter inspection.
type AdminStreamUseCase struct {
	repo domain.StreamAdminRepository
}

// NewAdminStreamUseCase creates a new AdminStreamUseCase.
func NewAdminStreamUseCase(repo domain.StreamAdminRepository) *AdminStreamUseCase {
	return &AdminStreamUseCase{repo: repo}
}

func (uc *AdminStreamUseCase) GetGroupInfo(ctx context.Context, stream string) ([]domain.ConsumerGroupInfo, error) {
	return uc.repo.GetGroupInfo(ctx, stream)
}

func (uc *AdminStreamUseCase) GetConsumerInfo(ctx context.Context, stream, group string) ([]domain.ConsumerInfo, error) {
	return uc.repo.GetConsumerInfo(ctx, stream, group)
}

func (uc *AdminStreamUseCase) GetPendingSummary(ctx context.Context, stream, group string) (*domain.PendingMessageSummary, error) {
	return uc.repo.GetPendingSummary(ctx, stream, group)
}

func (uc *AdminStreamUseCase) GetPendingMessages(ctx context.Context, stream, group, consumer, startID string, count int64) ([]domain.PendingMessageDetail, error) {
	if startID == "" {
		startID = "-"
	}
	return uc.repo.GetPendingMessages(ctx, stream, group, consumer, startID, clampCount(count))
}

func (uc *AdminStreamUseCase) ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]domain.StreamMessage, error) {
	if consumer == "" {
		return nil, fmt.Errorf("%w: consumer is required", domain.ErrInvalidConfig)
	}
	if len(messageIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one message id is required", domain.ErrInvalidConfig)
	}
	return uc.repo.ClaimMessages(ctx, stream, group, consumer, minIdleTime, messageIDs)
}

func (uc *AdminStreamUseCase) AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error) {
	return uc.repo.AcknowledgeMessages(ctx, stream, group, messageIDs...)
}

func (uc *AdminStreamUseCase) TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error) {
	return uc.repo.TrimStream(ctx, stream, maxLen)
}

// ListDeadLetters pages through the DLQ stream.
func (uc *AdminStreamUseCase) ListDeadLetters(ctx context.Context, startID string, count int64) ([]domain.DeadLetterEntry, error) {
	if startID == "" {
		startID = "-"
	}
	return uc.repo.ListDeadLetters(ctx, startID, clampCount(count))
}

// ReplayDeadLetter sends a dead-lettered event back to the event stream.
func (uc *AdminStreamUseCase) ReplayDeadLetter(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: dead letter id is required", domain.ErrInvalidConfig)
	}
	return uc.repo.ReplayDeadLetter(ctx, id)
}

func clampCount(count int64) int64 {
	switch {
	case count <= 0:
		return defaultListCount
	case count > maxListCount:
		return maxListCount
	default:
		return count
	}
}
