package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/V4T54L/agentlens-ingest/internal/adapter/metrics"
	"github.com/V4T54L/agentlens-ingest/internal/domain"
)

const (
	defaultBatchSize         = 50
	defaultBlock             = 5 * time.Second
	defaultMaxRetries        = 3
	defaultClaimMaxFailures  = 5
	defaultClaimRetryBackoff = time.Second
	defaultRetryBackoff      = 2 * time.Second

	// minRetryStateTTL bounds how long per-message retry state outlives the
	// last failure seen for it.
	minRetryStateTTL = 10 * time.Minute
)

// WriterConfig configures one event writer instance.
type WriterConfig struct {
	Group    string
	Consumer string
	// BatchSize is the maximum number of messages claimed per cycle.
	BatchSize int
	// Block is how long a claim waits for messages when none are available.
	Block time.Duration
	// MaxRetries is the number of failed attempts after which a message is
	// dead-lettered.
	MaxRetries int
	// RetryBackoff is how long a failed message stays pending before it is
	// claimed again. New messages are read in the meantime.
	RetryBackoff      time.Duration
	ClaimMaxFailures  int
	ClaimRetryBackoff time.Duration
}

// DefaultWriterConfig returns the documented defaults for consumer.
func DefaultWriterConfig(group, consumer string) WriterConfig {
	return WriterConfig{
		Group:             group,
		Consumer:          consumer,
		BatchSize:         defaultBatchSize,
		Block:             defaultBlock,
		MaxRetries:        defaultMaxRetries,
		RetryBackoff:      defaultRetryBackoff,
		ClaimMaxFailures:  defaultClaimMaxFailures,
		ClaimRetryBackoff: defaultClaimRetryBackoff,
	}
}

// Validate reports the first invalid field.
func (c WriterConfig) Validate() error {
	switch {
	case c.Consumer == "":
		return fmt.Errorf("%w: consumer name is required", domain.ErrInvalidConfig)
	case c.Group == "":
		return fmt.Errorf("%w: consumer group is required", domain.ErrInvalidConfig)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", domain.ErrInvalidConfig, c.BatchSize)
	case c.Block < 0:
		return fmt.Errorf("%w: block timeout must not be negative", domain.ErrInvalidConfig)
	case c.MaxRetries < 1:
		return fmt.Errorf("%w: max retries must be at least 1, got %d", domain.ErrInvalidConfig, c.MaxRetries)
	case c.RetryBackoff < 0:
		return fmt.Errorf("%w: retry backoff must not be negative", domain.ErrInvalidConfig)
	case c.ClaimMaxFailures < 1:
		return fmt.Errorf("%w: claim max failures must be at least 1, got %d", domain.ErrInvalidConfig, c.ClaimMaxFailures)
	}
	return nil
}

// CycleResult summarizes one processing cycle.
type CycleResult struct {
	Claimed      int
	Processed    int
	Failed       int
	DeadLettered int
	// Duplicates counts claimed events that were already stored.
	Duplicates int
}

// ProcessEventsUseCase is the batch writer: it claims events from the
// queue, enriches them, and writes them per tenant in one transaction each.
type ProcessEventsUseCase struct {
	queue   domain.EventQueue
	dlq     domain.DeadLetterSink
	store   domain.EventStore
	logger  *slog.Logger
	metrics *metrics.WriterMetrics
	tracer  trace.Tracer
	cfg     WriterConfig
	prices  domain.PriceTable
	now     func() time.Time

	// retries and deadLettered are owned by the goroutine running cycles.
	retries map[string]retryState
	// deadLettered holds ids already appended to the dead-letter stream
	// whose acknowledgement failed.
	deadLettered map[string]time.Time

	processed atomic.Uint64
	failed    atomic.Uint64
	dlqd      atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
}

// NewProcessEventsUseCase creates a writer. m may be nil, and a nil prices
// table falls back to domain.DefaultPriceTable.
func NewProcessEventsUseCase(
	queue domain.EventQueue,
	dlq domain.DeadLetterSink,
	store domain.EventStore,
	logger *slog.Logger,
	m *metrics.WriterMetrics,
	cfg WriterConfig,
	prices domain.PriceTable,
) (*ProcessEventsUseCase, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewWriterMetrics(prometheus.NewRegistry())
	}
	if prices == nil {
		prices = domain.DefaultPriceTable()
	}
	return &ProcessEventsUseCase{
		queue:   queue,
		dlq:     dlq,
		store:   store,
		logger:  logger.With("component", "event_writer", "consumer", cfg.Consumer),
		metrics: m,
		tracer:  otel.Tracer("event-writer"),
		cfg:     cfg,
		prices:  prices,
		now:     time.Now,
		retries:      make(map[string]retryState),
		deadLettered: make(map[string]time.Time),
		stop:         make(chan struct{}),
	}, nil
}

type retryState struct {
	attempts int
	updated  time.Time
}

// retryStateTTL is how long state for a message that stopped showing up is
// kept. Such a message was acknowledged or claimed by another consumer.
func (uc *ProcessEventsUseCase) retryStateTTL() time.Duration {
	return max(minRetryStateTTL, 4*time.Duration(uc.cfg.MaxRetries)*uc.cfg.RetryBackoff)
}

func (uc *ProcessEventsUseCase) pruneRetryState(now time.Time) {
	cutoff := now.Add(-uc.retryStateTTL())
	for id, st := range uc.retries {
		if st.updated.Before(cutoff) {
			delete(uc.retries, id)
		}
	}
	for id, at := range uc.deadLettered {
		if at.Before(cutoff) {
			delete(uc.deadLettered, id)
		}
	}
}

// Stats returns a snapshot of the running counters.
func (uc *ProcessEventsUseCase) Stats() domain.WriterStats {
	return domain.WriterStats{
		Processed: uc.processed.Load(),
		Failed:    uc.failed.Load(),
		DLQd:      uc.dlqd.Load(),
	}
}

// Stop asks Run to return after the in-flight cycle.
func (uc *ProcessEventsUseCase) Stop() {
	uc.stopOnce.Do(func() { close(uc.stop) })
}

func (uc *ProcessEventsUseCase) stopped() bool {
	select {
	case <-uc.stop:
		return true
	default:
		return false
	}
}

// Run processes cycles until ctx is cancelled or Stop is called. A cycle
// that has started always runs to completion. It returns an error only for
// failures that would otherwise lose events: a dead-letter append that
// failed, or a queue that stayed unreachable.
func (uc *ProcessEventsUseCase) Run(ctx context.Context) error {
	uc.logger.Info("Starting event writer", "group", uc.cfg.Group, "batch_size", uc.cfg.BatchSize)
	claimFailures := 0

	for {
		if ctx.Err() != nil || uc.stopped() {
			uc.logger.Info("Stopping event writer", "stats", uc.Stats())
			return nil
		}

		_, err := uc.ProcessBatch(context.WithoutCancel(ctx))
		switch {
		case err == nil:
			claimFailures = 0
		case errors.Is(err, domain.ErrDeadLetterFailed):
			uc.logger.Error("Dead-letter append failed, stopping writer", "error", err)
			return err
		case errors.Is(err, domain.ErrClaimFailed):
			claimFailures++
			uc.logger.Warn("Failed to claim batch", "error", err, "consecutive_failures", claimFailures)
			if claimFailures >= uc.cfg.ClaimMaxFailures {
				return fmt.Errorf("giving up after %d consecutive claim failures: %w", claimFailures, err)
			}
			select {
			case <-ctx.Done():
			case <-uc.stop:
			case <-time.After(uc.cfg.ClaimRetryBackoff):
			}
		default:
			uc.logger.Error("Processing cycle failed", "error", err)
		}
	}
}

type tenantPartition struct {
	orgID    string
	messages []domain.StreamMessage
}

type failedMessage struct {
	msg domain.StreamMessage
	err error
}

// ProcessBatch runs one cycle: claim, dead-letter unparseable messages,
// write each tenant partition atomically, acknowledge what was stored and
// retry or dead-letter what was not.
func (uc *ProcessEventsUseCase) ProcessBatch(ctx context.Context) (CycleResult, error) {
	ctx, span := uc.tracer.Start(ctx, "ProcessBatch")
	defer span.End()

	uc.pruneRetryState(uc.now())

	batch, err := uc.queue.ReadBatch(ctx, uc.cfg.Group, uc.cfg.Consumer, uc.cfg.BatchSize, uc.cfg.Block, uc.cfg.RetryBackoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return CycleResult{}, fmt.Errorf("%w: %w", domain.ErrClaimFailed, err)
	}
	batch = uc.dropDeadLettered(ctx, batch)
	if batch.Len() == 0 {
		return CycleResult{}, nil
	}

	start := uc.now()
	res := CycleResult{Claimed: batch.Len()}
	uc.metrics.ClaimedMessages.Observe(float64(batch.Len()))
	span.SetAttributes(attribute.Int("claimed", batch.Len()))
	uc.logger.Debug("Claimed batch", "count", batch.Len(), "malformed", len(batch.Malformed))

	if err := uc.deadLetterMalformed(ctx, batch.Malformed, &res); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dead-letter failed")
		return res, err
	}

	if len(batch.Messages) > 0 {
		if err := uc.writeMessages(ctx, batch.Messages, &res); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dead-letter failed")
			return res, err
		}
	}

	uc.metrics.CycleDuration.Observe(uc.now().Sub(start).Seconds())
	uc.logger.Info("Processed batch",
		"claimed", res.Claimed,
		"processed", res.Processed,
		"failed", res.Failed,
		"dead_lettered", res.DeadLettered,
		"duplicates", res.Duplicates,
	)
	return res, nil
}

func (uc *ProcessEventsUseCase) deadLetterMalformed(ctx context.Context, malformed []domain.MalformedMessage, res *CycleResult) error {
	if len(malformed) == 0 {
		return nil
	}

	now := uc.now().UTC()
	letters := make([]domain.DeadLetter, len(malformed))
	ids := make([]string, len(malformed))
	for i, m := range malformed {
		letters[i] = domain.DeadLetter{
			Raw:      m.Raw,
			Reason:   domain.ReasonUnparseable,
			StreamID: m.StreamID,
			FailedAt: now,
		}
		if m.Err != nil {
			letters[i].Error = m.Err.Error()
		}
		ids[i] = m.StreamID
	}

	if err := uc.dlq.MoveToDLQ(ctx, letters...); err != nil {
		return fmt.Errorf("failed to dead-letter unparseable messages: %w", err)
	}
	uc.ackDeadLettered(ctx, ids)

	uc.dlqd.Add(uint64(len(letters)))
	res.DeadLettered += len(letters)
	uc.metrics.EventsDeadLettered.WithLabelValues(domain.ReasonUnparseable).Add(float64(len(letters)))
	uc.logger.Warn("Dead-lettered unparseable messages", "count", len(letters))
	return nil
}

// writeMessages writes every tenant partition on one store session.
func (uc *ProcessEventsUseCase) writeMessages(ctx context.Context, messages []domain.StreamMessage, res *CycleResult) error {
	partitions := partitionByTenant(messages)

	var (
		succeeded []string
		failures  []failedMessage
	)

	sess, err := uc.store.Acquire(ctx)
	if err != nil {
		uc.logger.Error("Failed to acquire store session", "error", err)
		for _, m := range messages {
			failures = append(failures, failedMessage{msg: m, err: err})
		}
	} else {
		for _, p := range partitions {
			dups, err := uc.writePartition(ctx, sess, p)
			if err != nil {
				uc.logger.Warn("Tenant write failed", "org_id", p.orgID, "count", len(p.messages), "error", err)
				for _, m := range p.messages {
					failures = append(failures, failedMessage{msg: m, err: err})
				}
				continue
			}
			for _, m := range p.messages {
				succeeded = append(succeeded, m.StreamID)
			}
			res.Duplicates += dups
		}
		if err := sess.Release(); err != nil {
			uc.logger.Error("Failed to release store session", "error", err)
		}
	}

	if len(succeeded) > 0 {
		// Stored rows are idempotent, so an unacknowledged success is only
		// redelivered and skipped.
		if err := uc.queue.Acknowledge(ctx, uc.cfg.Group, succeeded...); err != nil {
			uc.logger.Error("Failed to acknowledge stored events", "count", len(succeeded), "error", err)
		}
		for _, id := range succeeded {
			delete(uc.retries, id)
		}
		uc.processed.Add(uint64(len(succeeded)))
		res.Processed += len(succeeded)
		uc.metrics.EventsProcessed.Add(float64(len(succeeded)))
		uc.metrics.EventsDuplicate.Add(float64(res.Duplicates))
	}

	return uc.handleFailures(ctx, failures, res)
}

// writePartition stores one tenant's events in claim order and returns how
// many were already stored. Chain hashes are derived from the durable head
// inside the transaction, so a rolled back partition never advances it.
func (uc *ProcessEventsUseCase) writePartition(ctx context.Context, sess domain.StoreSession, p tenantPartition) (int, error) {
	ctx, span := uc.tracer.Start(ctx, "writePartition", trace.WithAttributes(
		attribute.String("org_id", p.orgID),
		attribute.Int("events", len(p.messages)),
	))
	defer span.End()

	duplicates := 0
	err := sess.WithTenantTx(ctx, p.orgID, func(tx domain.TenantTx) error {
		duplicates = 0

		head, err := tx.LockChainHead(ctx)
		if err != nil {
			return err
		}

		keys := make([]domain.EventKey, len(p.messages))
		times := make([]time.Time, len(p.messages))
		for i, m := range p.messages {
			t, err := m.Event.Time()
			if err != nil {
				return err
			}
			times[i] = t
			keys[i] = domain.NewEventKey(m.Event.ID, t)
		}

		existing, err := tx.ExistingEvents(ctx, keys)
		if err != nil {
			return err
		}

		rows := make([]domain.StoredEvent, 0, len(p.messages))
		usage := newUsageAccumulator()
		seen := make(map[domain.EventKey]struct{}, len(keys))
		for i, m := range p.messages {
			if _, ok := existing[keys[i]]; ok {
				duplicates++
				continue
			}
			if _, ok := seen[keys[i]]; ok {
				duplicates++
				continue
			}
			seen[keys[i]] = struct{}{}

			row := uc.enrich(m.Event, head)
			row.At = times[i]
			head = domain.ChainHead{Hash: row.Hash, Seq: row.Seq}
			rows = append(rows, row)
			usage.add(m.Event, times[i])
		}

		if len(rows) == 0 {
			return nil
		}

		inserted, err := tx.InsertEvents(ctx, rows)
		if err != nil {
			return err
		}
		if inserted != int64(len(rows)) {
			// Another writer stored some of these rows since ExistingEvents;
			// the computed links no longer match storage.
			return fmt.Errorf("inserted %d of %d events for org %s, concurrent write suspected", inserted, len(rows), p.orgID)
		}
		if err := tx.IncrementUsage(ctx, usage.increments()); err != nil {
			return err
		}
		return tx.UpdateChainHead(ctx, head)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tenant write failed")
		return 0, err
	}
	return duplicates, nil
}

// enrich attaches cost and chain fields to a copy of the event's data.
func (uc *ProcessEventsUseCase) enrich(e domain.QueuedEvent, prev domain.ChainHead) domain.StoredEvent {
	data := maps.Clone(e.Data)
	if data == nil {
		data = map[string]any{}
	}
	if cost, ok := uc.prices.CalculateCost(e); ok {
		data[domain.FieldEstimatedCost] = cost
	}

	hash := domain.ComputeHash(e, prev.Hash)
	data[domain.FieldPrevHash] = prev.Hash
	data[domain.FieldHash] = hash
	e.Data = data

	return domain.StoredEvent{
		Event:    e,
		PrevHash: prev.Hash,
		Hash:     hash,
		Seq:      prev.Seq + 1,
	}
}

// handleFailures counts an attempt for every failed message and
// dead-letters those that ran out of retries.
func (uc *ProcessEventsUseCase) handleFailures(ctx context.Context, failures []failedMessage, res *CycleResult) error {
	if len(failures) == 0 {
		return nil
	}

	now := uc.now().UTC()
	var (
		letters []domain.DeadLetter
		ids     []string
	)
	for _, f := range failures {
		attempts := uc.retries[f.msg.StreamID].attempts + 1
		if int(f.msg.Deliveries) > attempts {
			attempts = int(f.msg.Deliveries)
		}

		if attempts < uc.cfg.MaxRetries {
			uc.retries[f.msg.StreamID] = retryState{attempts: attempts, updated: now}
			continue
		}

		event := f.msg.Event
		letters = append(letters, domain.DeadLetter{
			Event:    &event,
			Reason:   domain.ReasonMaxRetries,
			Error:    f.err.Error(),
			StreamID: f.msg.StreamID,
			Attempts: attempts,
			FailedAt: now,
		})
		ids = append(ids, f.msg.StreamID)
	}

	retrying := len(failures) - len(letters)
	if retrying > 0 {
		uc.failed.Add(uint64(retrying))
		res.Failed += retrying
		uc.metrics.EventsFailed.Add(float64(retrying))
	}

	if len(letters) == 0 {
		return nil
	}

	if err := uc.dlq.MoveToDLQ(ctx, letters...); err != nil {
		return fmt.Errorf("failed to dead-letter %d events: %w", len(letters), err)
	}
	for _, id := range ids {
		delete(uc.retries, id)
	}
	uc.ackDeadLettered(ctx, ids)

	uc.dlqd.Add(uint64(len(letters)))
	res.DeadLettered += len(letters)
	uc.metrics.EventsDeadLettered.WithLabelValues(domain.ReasonMaxRetries).Add(float64(len(letters)))
	uc.logger.Warn("Dead-lettered events after max retries", "count", len(letters), "max_retries", uc.cfg.MaxRetries)
	return nil
}

// ackDeadLettered acknowledges messages already in the dead-letter stream.
// Ids whose acknowledgement fails are remembered so a redelivery is only
// acknowledged again, never dead-lettered twice.
func (uc *ProcessEventsUseCase) ackDeadLettered(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := uc.queue.Acknowledge(ctx, uc.cfg.Group, ids...); err != nil {
		uc.logger.Error("Failed to acknowledge dead-lettered messages", "count", len(ids), "error", err)
		now := uc.now()
		for _, id := range ids {
			uc.deadLettered[id] = now
		}
		return
	}
	for _, id := range ids {
		delete(uc.deadLettered, id)
	}
}

// dropDeadLettered removes redelivered messages that were already
// dead-lettered and retries their acknowledgement.
func (uc *ProcessEventsUseCase) dropDeadLettered(ctx context.Context, batch domain.ClaimedBatch) domain.ClaimedBatch {
	if len(uc.deadLettered) == 0 {
		return batch
	}

	var (
		ids  []string
		kept domain.ClaimedBatch
	)
	for _, m := range batch.Malformed {
		if _, ok := uc.deadLettered[m.StreamID]; ok {
			ids = append(ids, m.StreamID)
			continue
		}
		kept.Malformed = append(kept.Malformed, m)
	}
	for _, m := range batch.Messages {
		if _, ok := uc.deadLettered[m.StreamID]; ok {
			ids = append(ids, m.StreamID)
			continue
		}
		kept.Messages = append(kept.Messages, m)
	}
	if len(ids) > 0 {
		uc.logger.Info("Acknowledging redelivered dead letters", "count", len(ids))
		uc.ackDeadLettered(ctx, ids)
	}
	return kept
}

// partitionByTenant groups messages by org, keeping claim order within a
// tenant and ordering tenants by first appearance.
func partitionByTenant(messages []domain.StreamMessage) []tenantPartition {
	index := make(map[string]int)
	var partitions []tenantPartition
	for _, m := range messages {
		i, ok := index[m.Event.OrgID]
		if !ok {
			i = len(partitions)
			index[m.Event.OrgID] = i
			partitions = append(partitions, tenantPartition{orgID: m.Event.OrgID})
		}
		partitions[i].messages = append(partitions[i].messages, m)
	}
	return partitions
}

type usageKey struct {
	orgID, apiKeyID string
	hour            time.Time
}

type usageAccumulator struct {
	order  []usageKey
	counts map[usageKey]int64
}

func newUsageAccumulator() *usageAccumulator {
	return &usageAccumulator{counts: make(map[usageKey]int64)}
}

func (u *usageAccumulator) add(e domain.QueuedEvent, t time.Time) {
	k := usageKey{orgID: e.OrgID, apiKeyID: e.APIKeyID, hour: t.UTC().Truncate(time.Hour)}
	if _, ok := u.counts[k]; !ok {
		u.order = append(u.order, k)
	}
	u.counts[k]++
}

func (u *usageAccumulator) increments() []domain.UsageIncrement {
	incs := make([]domain.UsageIncrement, len(u.order))
	for i, k := range u.order {
		incs[i] = domain.UsageIncrement{OrgID: k.orgID, APIKeyID: k.apiKeyID, Hour: k.hour, Count: u.counts[k]}
	}
	return incs
}
