package domain

import (
	"context"
	"time"
)

// EventQueue is the consumer side of the durable event stream.
type EventQueue interface {
	// ReadBatch claims up to count unacknowledged messages for consumer in
	// group, blocking up to block when none are available. A message the
	// consumer already received is handed out again only after it has been
	// pending for retryAfter.
	ReadBatch(ctx context.Context, group, consumer string, count int, block, retryAfter time.Duration) (ClaimedBatch, error)

	// Acknowledge marks messages as processed so they are never redelivered.
	Acknowledge(ctx context.Context, group string, streamIDs ...string) error
}

// DeadLetterSink stores messages that cannot be processed.
type DeadLetterSink interface {
	// MoveToDLQ appends letters durably. An error means at least one letter
	// could not be stored anywhere.
	MoveToDLQ(ctx context.Context, letters ...DeadLetter) error
}

// DeadLetterSpill is the local fallback for dead letters the DLQ stream
// refused.
type DeadLetterSpill interface {
	// Write appends a letter durably to local storage.
	Write(ctx context.Context, letter DeadLetter) error

	// Replay reads spilled letters in order and sends them to handler.
	Replay(ctx context.Context, handler func(letter DeadLetter) error) error

	// Truncate removes letters that have been replayed.
	Truncate(ctx context.Context) error

	// HasPending reports whether any letter is waiting for replay.
	HasPending() (bool, error)
}

// EventStore hands out sessions against the relational store.
type EventStore interface {
	// Acquire reserves one connection for a processing cycle.
	Acquire(ctx context.Context) (StoreSession, error)
}

// StoreSession is a connection held for the duration of one cycle.
type StoreSession interface {
	// WithTenantTx runs fn in one transaction scoped to orgID. The
	// transaction commits only if fn returns nil.
	WithTenantTx(ctx context.Context, orgID string, fn func(tx TenantTx) error) error

	// Release returns the connection to the pool.
	Release() error
}

// TenantTx is the set of writes one tenant partition performs atomically.
type TenantTx interface {
	// LockChainHead returns the tenant's chain head, locking it until the
	// transaction ends. A tenant without events has the zero head.
	LockChainHead(ctx context.Context) (ChainHead, error)

	// ExistingEvents reports which of keys are already stored.
	ExistingEvents(ctx context.Context, keys []EventKey) (map[EventKey]struct{}, error)

	// InsertEvents inserts rows, skipping any whose natural key exists, and
	// returns the number of rows inserted.
	InsertEvents(ctx context.Context, rows []StoredEvent) (int64, error)

	// IncrementUsage adds to the hourly usage counters.
	IncrementUsage(ctx context.Context, incs []UsageIncrement) error

	// UpdateChainHead stores the new chain head.
	UpdateChainHead(ctx context.Context, head ChainHead) error
}

// ChainReader loads a tenant's stored chain in chain order.
type ChainReader interface {
	ChainLinks(ctx context.Context, orgID string) ([]ChainLink, error)
}

// StreamAdminRepository defines stream inspection and DLQ operations.
type StreamAdminRepository interface {
	GetGroupInfo(ctx context.Context, stream string) ([]ConsumerGroupInfo, error)
	GetConsumerInfo(ctx context.Context, stream, group string) ([]ConsumerInfo, error)
	GetPendingSummary(ctx context.Context, stream, group string) (*PendingMessageSummary, error)
	GetPendingMessages(ctx context.Context, stream, group, consumer, startID string, count int64) ([]PendingMessageDetail, error)
	ClaimMessages(ctx context.Context, stream, group, consumer string, minIdleTime time.Duration, messageIDs []string) ([]StreamMessage, error)
	AcknowledgeMessages(ctx context.Context, stream, group string, messageIDs ...string) (int64, error)
	TrimStream(ctx context.Context, stream string, maxLen int64) (int64, error)
	ListDeadLetters(ctx context.Context, startID string, count int64) ([]DeadLetterEntry, error)
	ReplayDeadLetter(ctx context.Context, id string) (string, error)
}
