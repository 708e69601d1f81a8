package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/agentlens-ingest/internal/adapter/metrics"
	"github.com/V4T54L/agentlens-ingest/internal/domain"
	"github.com/V4T54L/agentlens-ingest/internal/domain/mocks"
)

type writerFixture struct {
	queue   *mocks.MockEventQueue
	dlq     *mocks.MockDeadLetterSink
	store   *mocks.MemoryEventStore
	metrics *metrics.WriterMetrics
	uc      *ProcessEventsUseCase
}

func newWriterFixture(t *testing.T, mutate func(*WriterConfig)) *writerFixture {
	t.Helper()
	cfg := DefaultWriterConfig("event-writers", "worker-1")
	cfg.Block = 0
	cfg.RetryBackoff = 0
	cfg.ClaimRetryBackoff = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	f := &writerFixture{
		queue:   &mocks.MockEventQueue{},
		dlq:     &mocks.MockDeadLetterSink{},
		store:   mocks.NewMemoryEventStore(),
		metrics: metrics.NewWriterMetrics(prometheus.NewRegistry()),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc, err := NewProcessEventsUseCase(f.queue, f.dlq, f.store, logger, f.metrics, cfg, nil)
	require.NoError(t, err)
	f.uc = uc
	return f
}

// useClock drives both the queue and the writer from a manual clock.
func (f *writerFixture) useClock(start time.Time) *time.Time {
	now := start
	f.queue.Now = func() time.Time { return now }
	f.uc.now = func() time.Time { return now }
	return &now
}

func llmEvent(id, org string, second int) domain.QueuedEvent {
	return domain.QueuedEvent{
		ID:        id,
		Type:      domain.EventTypeLLMCall,
		Timestamp: fmt.Sprintf("2024-03-01T10:00:%02dZ", second),
		OrgID:     org,
		APIKeyID:  "key-1",
		Data: map[string]any{
			"model":        "gpt-4o",
			"inputTokens":  100,
			"outputTokens": 50,
		},
	}
}

func TestWriterConfig_Validate(t *testing.T) {
	valid := DefaultWriterConfig("g", "c")
	require.NoError(t, valid.Validate())

	cases := map[string]func(*WriterConfig){
		"missing consumer":    func(c *WriterConfig) { c.Consumer = "" },
		"missing group":       func(c *WriterConfig) { c.Group = "" },
		"zero batch size":     func(c *WriterConfig) { c.BatchSize = 0 },
		"negative block":      func(c *WriterConfig) { c.Block = -time.Second },
		"zero max retries":    func(c *WriterConfig) { c.MaxRetries = 0 },
		"negative backoff":    func(c *WriterConfig) { c.RetryBackoff = -time.Second },
		"zero claim failures": func(c *WriterConfig) { c.ClaimMaxFailures = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultWriterConfig("g", "c")
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), domain.ErrInvalidConfig)
		})
	}
}

func TestProcessEventsUseCase_ProcessBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty claim is a no-op", func(t *testing.T) {
		f := newWriterFixture(t, nil)

		res, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, CycleResult{}, res)
		assert.Equal(t, 0, f.store.Acquired)
		assert.Equal(t, domain.WriterStats{}, f.uc.Stats())
	})

	t.Run("Successful Processing", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		var events []domain.QueuedEvent
		for i := 0; i < 5; i++ {
			events = append(events, llmEvent(fmt.Sprintf("e%d", i), "A", i))
		}
		ids := f.queue.Push(events...)

		res, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)

		assert.Equal(t, 5, res.Processed)
		assert.Equal(t, uint64(5), f.uc.Stats().Processed)
		assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.EventsProcessed))

		rows := f.store.Rows("A")
		require.Len(t, rows, 5)
		for i, row := range rows {
			assert.Equal(t, events[i].ID, row.Event.ID, "claim order is preserved")
			assert.InDelta(t, 0.00125, row.Event.Data[domain.FieldEstimatedCost], 1e-12)
		}
		assert.Equal(t, int64(5), f.store.Usage("A"))

		assert.ElementsMatch(t, ids, f.queue.AckedMessageIDs)
		assert.Equal(t, 1, f.queue.AckCalls, "successful ids are acknowledged in one call")
		assert.Empty(t, f.queue.Pending())
		assert.Equal(t, f.store.Acquired, f.store.Released)
		assert.Empty(t, f.dlq.Letters)
	})

	t.Run("Chain links follow claim order and survive across cycles", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		f.queue.Push(llmEvent("e1", "A", 1), llmEvent("e2", "A", 2))
		_, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		f.queue.Push(llmEvent("e3", "A", 3))
		_, err = f.uc.ProcessBatch(ctx)
		require.NoError(t, err)

		rows := f.store.Rows("A")
		require.Len(t, rows, 3)

		links := make([]domain.ChainLink, len(rows))
		for i, r := range rows {
			links[i] = domain.ChainLink{ID: r.Event.ID, Type: r.Event.Type, Timestamp: r.Event.Timestamp, PrevHash: r.PrevHash, Hash: r.Hash}
			assert.Equal(t, int64(i+1), r.Seq)
			assert.Equal(t, r.Hash, r.Event.Data[domain.FieldHash])
			assert.Equal(t, r.PrevHash, r.Event.Data[domain.FieldPrevHash])
		}
		assert.NoError(t, domain.VerifyChain(links))
		assert.Equal(t, domain.ChainHead{Hash: rows[2].Hash, Seq: 3}, f.store.Head("A"))
	})

	t.Run("Tenants are isolated", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		f.store.FailTenants["B"] = errors.New("db down")
		idsA := f.queue.Push(llmEvent("a1", "A", 1))
		idsB := f.queue.Push(llmEvent("b1", "B", 1))
		f.queue.Push(llmEvent("a2", "A", 2))

		res, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)

		assert.Equal(t, 2, res.Processed)
		assert.Equal(t, 1, res.Failed)
		assert.Len(t, f.store.Rows("A"), 2)
		assert.Empty(t, f.store.Rows("B"))
		assert.Equal(t, domain.ChainHead{}, f.store.Head("B"), "rolled back partition does not advance the chain")
		assert.Equal(t, 1, f.queue.AckCount(idsA[0]))
		assert.Equal(t, 0, f.queue.AckCount(idsB[0]))
		assert.Equal(t, 1, f.store.Rollbacks)
	})

	t.Run("Failed partition leaves original event untouched", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		f.store.FailTenants["B"] = errors.New("db down")
		f.queue.Push(llmEvent("b1", "B", 1))

		_, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)

		batch, err := f.queue.ReadBatch(ctx, "event-writers", "worker-1", 10, 0, 0)
		require.NoError(t, err)
		require.Len(t, batch.Messages, 1)
		assert.NotContains(t, batch.Messages[0].Event.Data, domain.FieldHash)
		assert.NotContains(t, batch.Messages[0].Event.Data, domain.FieldEstimatedCost)
	})

	t.Run("Store acquire failure counts as a failed attempt", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		f.store.AcquireErr = errors.New("pool exhausted")
		f.queue.Push(llmEvent("e1", "A", 1))

		res, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, 0, f.store.Released)
	})

	t.Run("Acknowledge failure after commit still counts processed", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		f.queue.AckErr = errors.New("redis timeout")
		f.queue.Push(llmEvent("e1", "A", 1))

		res, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Processed)
		assert.Len(t, f.store.Rows("A"), 1)

		f.queue.AckErr = nil
		res, err = f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Duplicates, "redelivery is skipped as already stored")
		assert.Len(t, f.store.Rows("A"), 1)
		assert.Empty(t, f.queue.Pending())
	})

	t.Run("Redelivered event with nanosecond timestamp is a duplicate", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		event := llmEvent("e1", "A", 0)
		event.Timestamp = "2024-03-01T10:00:00.123456789Z"
		f.queue.AckErr = errors.New("redis timeout")
		f.queue.Push(event)

		_, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)

		f.queue.AckErr = nil
		res, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Duplicates)
		assert.Equal(t, 0, res.Failed)
		assert.Empty(t, f.dlq.Letters)

		rows := f.store.Rows("A")
		require.Len(t, rows, 1)
		assert.Equal(t, 123456000, rows[0].At.Nanosecond())
		assert.Equal(t, event.Timestamp, rows[0].Event.Timestamp, "raw timestamp is kept")
	})

	t.Run("Claim failure wraps ErrClaimFailed", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		f.queue.ReadErr = errors.New("connection refused")

		_, err := f.uc.ProcessBatch(ctx)
		assert.ErrorIs(t, err, domain.ErrClaimFailed)
		assert.ErrorContains(t, err, "connection refused")
	})
}

func TestProcessEventsUseCase_RetryAndDeadLetter(t *testing.T) {
	ctx := context.Background()

	t.Run("Persistent tenant failure is dead-lettered after max retries", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		f.store.FailTenants["B"] = errors.New("db down")
		ids := f.queue.Push(llmEvent("b1", "B", 1))

		for i := 0; i < 3; i++ {
			_, err := f.uc.ProcessBatch(ctx)
			require.NoError(t, err)
		}

		stats := f.uc.Stats()
		assert.Equal(t, uint64(1), stats.DLQd)
		assert.Equal(t, uint64(2), stats.Failed)
		assert.Equal(t, uint64(0), stats.Processed)

		require.Len(t, f.dlq.Letters, 1)
		letter := f.dlq.Letters[0]
		assert.Equal(t, "b1", letter.Event.ID)
		assert.Equal(t, domain.ReasonMaxRetries, letter.Reason)
		assert.Equal(t, ids[0], letter.StreamID)
		assert.Equal(t, 3, letter.Attempts)
		assert.Equal(t, "db down", letter.Error)

		assert.Equal(t, 1, f.queue.AckCount(ids[0]))
		assert.NotContains(t, f.uc.retries, ids[0])
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsDeadLettered.WithLabelValues(domain.ReasonMaxRetries)))

		// Nothing is left to redeliver.
		res, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, CycleResult{}, res)
		assert.Len(t, f.dlq.Letters, 1)
	})

	t.Run("Fewer failures than max retries never dead-letter", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		f.store.FailTenants["B"] = errors.New("db down")
		ids := f.queue.Push(llmEvent("b1", "B", 1))

		for i := 0; i < 2; i++ {
			_, err := f.uc.ProcessBatch(ctx)
			require.NoError(t, err)
		}
		assert.Empty(t, f.dlq.Letters)
		assert.Equal(t, 2, f.uc.retries[ids[0]].attempts)
		assert.Equal(t, []string{ids[0]}, f.queue.Pending())

		delete(f.store.FailTenants, "B")
		res, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Processed)
		assert.NotContains(t, f.uc.retries, ids[0], "counter is cleared on success")
		assert.Equal(t, uint64(2), f.uc.Stats().Failed)
		assert.Equal(t, uint64(0), f.uc.Stats().DLQd)
	})

	t.Run("Queue delivery count drives retries after a restart", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		f.queue.ReportDeliveries = true
		f.store.FailTenants["B"] = errors.New("db down")
		f.queue.Push(llmEvent("b1", "B", 1))

		_, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		_, err = f.uc.ProcessBatch(ctx)
		require.NoError(t, err)

		// A fresh writer has no local counters but sees the third delivery.
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		restarted, err := NewProcessEventsUseCase(f.queue, f.dlq, f.store, logger, nil, f.uc.cfg, nil)
		require.NoError(t, err)

		res, err := restarted.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.DeadLettered)
		require.Len(t, f.dlq.Letters, 1)
		assert.Equal(t, 3, f.dlq.Letters[0].Attempts)
	})

	t.Run("Short outage recovers within the retry backoff", func(t *testing.T) {
		f := newWriterFixture(t, func(c *WriterConfig) { c.RetryBackoff = 2 * time.Second })
		now := f.useClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
		f.store.FailTenants["B"] = errors.New("db down")
		ids := f.queue.Push(llmEvent("b1", "B", 1))

		res, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)

		// Cycles inside the backoff only see new traffic.
		f.queue.Push(llmEvent("a1", "A", 1))
		res, err = f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, CycleResult{Claimed: 1, Processed: 1}, res)
		for i := 0; i < 3; i++ {
			res, err = f.uc.ProcessBatch(ctx)
			require.NoError(t, err)
			assert.Equal(t, CycleResult{}, res)
		}
		assert.Equal(t, 1, f.uc.retries[ids[0]].attempts)

		delete(f.store.FailTenants, "B")
		*now = now.Add(2 * time.Second)
		res, err = f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Processed)
		assert.Empty(t, f.dlq.Letters)
		assert.Len(t, f.store.Rows("B"), 1)
		assert.Empty(t, f.queue.Pending())
	})

	t.Run("Dead letter whose acknowledgement failed is only acknowledged on redelivery", func(t *testing.T) {
		f := newWriterFixture(t, func(c *WriterConfig) { c.MaxRetries = 1 })
		f.store.FailTenants["B"] = errors.New("db down")
		ids := f.queue.Push(llmEvent("b1", "B", 1))
		raw := f.queue.PushMalformed("{not json", domain.ErrMalformedEvent)
		f.queue.AckErr = errors.New("redis timeout")

		res, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.DeadLettered)
		assert.ElementsMatch(t, []string{ids[0], raw}, f.queue.Pending())

		f.queue.AckErr = nil
		res, err = f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, CycleResult{}, res)
		assert.Len(t, f.dlq.Letters, 2, "no second dead letter")
		assert.Equal(t, uint64(2), f.uc.Stats().DLQd)
		assert.Equal(t, 1, f.queue.AckCount(ids[0]))
		assert.Equal(t, 1, f.queue.AckCount(raw))
		assert.Empty(t, f.queue.Pending())
		assert.Empty(t, f.uc.deadLettered)
	})

	t.Run("Retry state expires once a message stops being redelivered", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		now := f.useClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
		f.store.FailTenants["B"] = errors.New("db down")
		ids := f.queue.Push(llmEvent("b1", "B", 1))

		_, err := f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		require.Contains(t, f.uc.retries, ids[0])

		// Acknowledged elsewhere, e.g. through the admin API.
		require.NoError(t, f.queue.Acknowledge(ctx, "event-writers", ids[0]))

		*now = now.Add(f.uc.retryStateTTL() - time.Second)
		_, err = f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Contains(t, f.uc.retries, ids[0])

		*now = now.Add(2 * time.Second)
		_, err = f.uc.ProcessBatch(ctx)
		require.NoError(t, err)
		assert.Empty(t, f.uc.retries)
	})

	t.Run("Dead-letter failure is fatal to the cycle", func(t *testing.T) {
		f := newWriterFixture(t, func(c *WriterConfig) { c.MaxRetries = 1 })
		f.store.FailTenants["B"] = errors.New("db down")
		f.dlq.DLQErr = fmt.Errorf("%w: redis down", domain.ErrDeadLetterFailed)
		ids := f.queue.Push(llmEvent("b1", "B", 1))

		_, err := f.uc.ProcessBatch(ctx)
		assert.ErrorIs(t, err, domain.ErrDeadLetterFailed)
		assert.Equal(t, 0, f.queue.AckCount(ids[0]), "message stays pending when it could not be dead-lettered")
		assert.Equal(t, uint64(0), f.uc.Stats().DLQd)
	})
}

func TestProcessEventsUseCase_Idempotency(t *testing.T) {
	ctx := context.Background()
	f := newWriterFixture(t, nil)

	first := f.queue.Push(llmEvent("dup", "A", 1))
	_, err := f.uc.ProcessBatch(ctx)
	require.NoError(t, err)

	second := f.queue.Push(llmEvent("dup", "A", 1), llmEvent("dup", "A", 1))
	res, err := f.uc.ProcessBatch(ctx)
	require.NoError(t, err)

	assert.Len(t, f.store.Rows("A"), 1)
	assert.Equal(t, int64(1), f.store.Usage("A"), "usage counts stored events only")
	assert.Equal(t, 2, res.Duplicates)
	assert.Equal(t, 1, f.queue.AckCount(first[0]))
	assert.Equal(t, 1, f.queue.AckCount(second[0]))
	assert.Equal(t, 1, f.queue.AckCount(second[1]))
	assert.Equal(t, domain.ChainHead{Hash: f.store.Rows("A")[0].Hash, Seq: 1}, f.store.Head("A"))
}

func TestProcessEventsUseCase_Unparseable(t *testing.T) {
	ctx := context.Background()
	f := newWriterFixture(t, nil)

	badID := f.queue.PushMalformed("{not json", fmt.Errorf("%w: unexpected end of input", domain.ErrMalformedEvent))
	goodIDs := f.queue.Push(llmEvent("e1", "A", 1))

	res, err := f.uc.ProcessBatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, 1, res.Processed)

	stats := f.uc.Stats()
	assert.Equal(t, uint64(1), stats.Processed, "only the parsed event counts as processed")
	assert.Equal(t, uint64(0), stats.Failed)
	assert.Equal(t, uint64(1), stats.DLQd)

	require.Len(t, f.dlq.Letters, 1)
	letter := f.dlq.Letters[0]
	assert.Nil(t, letter.Event)
	assert.Equal(t, "{not json", letter.Raw)
	assert.Equal(t, domain.ReasonUnparseable, letter.Reason)
	assert.Equal(t, badID, letter.StreamID)

	assert.Equal(t, 1, f.queue.AckCount(badID))
	assert.Equal(t, 1, f.queue.AckCount(goodIDs[0]))
	assert.Empty(t, f.queue.Pending())
}

func TestProcessEventsUseCase_Run(t *testing.T) {
	t.Run("Stop lets the in-flight cycle finish", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		f.queue.Push(llmEvent("e1", "A", 1))
		f.queue.OnRead = f.uc.Stop

		err := f.uc.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, f.queue.Reads)
		assert.Equal(t, uint64(1), f.uc.Stats().Processed)
	})

	t.Run("Cancelled context stops the loop", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		f.queue.Push(llmEvent("e1", "A", 1))
		f.queue.OnRead = cancel

		err := f.uc.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, f.queue.Reads)
		assert.Equal(t, uint64(1), f.uc.Stats().Processed, "cycle completes despite cancellation")
	})

	t.Run("Repeated claim failures are fatal", func(t *testing.T) {
		f := newWriterFixture(t, func(c *WriterConfig) { c.ClaimMaxFailures = 3 })
		f.queue.ReadErr = errors.New("connection refused")

		err := f.uc.Run(context.Background())
		assert.ErrorIs(t, err, domain.ErrClaimFailed)
		assert.Equal(t, 3, f.queue.Reads)
	})

	t.Run("Claim recovers before the limit", func(t *testing.T) {
		f := newWriterFixture(t, func(c *WriterConfig) { c.ClaimMaxFailures = 2 })
		f.queue.ReadErr = errors.New("connection refused")
		f.queue.Push(llmEvent("e1", "A", 1))

		reads := 0
		f.queue.OnRead = func() {
			reads++
			switch reads {
			case 2:
				f.queue.ReadErr = nil
			case 3:
				f.queue.ReadErr = errors.New("connection refused")
			case 4:
				f.queue.ReadErr = nil
				f.uc.Stop()
			}
		}

		err := f.uc.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(1), f.uc.Stats().Processed)
	})

	t.Run("Dead-letter failure stops the loop", func(t *testing.T) {
		f := newWriterFixture(t, nil)
		f.dlq.DLQErr = fmt.Errorf("%w: spill full", domain.ErrDeadLetterFailed)
		f.queue.PushMalformed("garbage", domain.ErrMalformedEvent)

		err := f.uc.Run(context.Background())
		assert.ErrorIs(t, err, domain.ErrDeadLetterFailed)
	})
}

func TestPartitionByTenant(t *testing.T) {
	msgs := []domain.StreamMessage{
		{StreamID: "1", Event: domain.QueuedEvent{OrgID: "B"}},
		{StreamID: "2", Event: domain.QueuedEvent{OrgID: "A"}},
		{StreamID: "3", Event: domain.QueuedEvent{OrgID: "B"}},
	}
	parts := partitionByTenant(msgs)
	require.Len(t, parts, 2)
	assert.Equal(t, "B", parts[0].orgID)
	assert.Equal(t, "1", parts[0].messages[0].StreamID)
	assert.Equal(t, "3", parts[0].messages[1].StreamID)
	assert.Equal(t, "A", parts[1].orgID)
}
