package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/agentlens-ingest/internal/adapter/metrics"
	"github.com/V4T54L/agentlens-ingest/internal/domain"
	"github.com/V4T54L/agentlens-ingest/internal/domain/mocks"
	"github.com/V4T54L/agentlens-ingest/internal/usecase"
)

type fixedStats domain.WriterStats

func (s fixedStats) Stats() domain.WriterStats { return domain.WriterStats(s) }

func newTestRouter(t *testing.T, repo *mocks.MockStreamAdminRepository) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewWriterMetrics(reg)
	m.EventsProcessed.Add(7)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAdminRouter(usecase.NewAdminStreamUseCase(repo), fixedStats{Processed: 7, Failed: 2, DLQd: 1}, nil, reg, logger)
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminRouter_Observability(t *testing.T) {
	router := newTestRouter(t, &mocks.MockStreamAdminRepository{})

	t.Run("Health", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("Stats", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/stats", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"processed":7,"failed":2,"dlqd":1}`, rec.Body.String())
	})

	t.Run("Metrics", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "agentlens_writer_events_processed_total 7")
	})

	t.Run("Stats stream not mounted", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/stats/stream", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestAdminRouter_Streams(t *testing.T) {
	repo := &mocks.MockStreamAdminRepository{
		Groups:  []domain.ConsumerGroupInfo{{Name: "event-writers", Consumers: 2, Pending: 3}},
		Summary: &domain.PendingMessageSummary{Total: 3},
		Claimed: []domain.StreamMessage{{StreamID: "1-0", Event: domain.QueuedEvent{ID: "e1"}}},
	}
	router := newTestRouter(t, repo)

	t.Run("Groups", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/admin/streams/agentlens:events/groups", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var groups []domain.ConsumerGroupInfo
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
		assert.Equal(t, repo.Groups, groups)
	})

	t.Run("Pending summary", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/admin/streams/s/groups/g/pending", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"total":3`)
	})

	t.Run("Pending messages count", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/admin/streams/s/groups/g/pending/messages?count=25&start=4-0", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int64(25), repo.LastCount)
		assert.Equal(t, "4-0", repo.LastStartID)

		rec = do(t, router, http.MethodGet, "/admin/streams/s/groups/g/pending/messages?count=abc", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Claim", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/admin/streams/s/groups/g/claim",
			`{"consumer":"rescuer","min_idle_time":"1m","message_ids":["1-0"]}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"1-0"`)

		rec = do(t, router, http.MethodPost, "/admin/streams/s/groups/g/claim", `{"message_ids":["1-0"]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, router, http.MethodPost, "/admin/streams/s/groups/g/claim",
			`{"consumer":"rescuer","min_idle_time":"soon","message_ids":["1-0"]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Ack", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/admin/streams/s/groups/g/ack", `{"message_ids":["1-0","2-0"]}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"acknowledged":2}`, rec.Body.String())

		rec = do(t, router, http.MethodPost, "/admin/streams/s/groups/g/ack", `{"message_ids":[]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Trim", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/admin/streams/s/trim", `{"maxlen":1000}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int64(1000), repo.TrimmedTo)

		rec = do(t, router, http.MethodPost, "/admin/streams/s/trim", `{"maxlen":0}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Repository failure", func(t *testing.T) {
		failing := newTestRouter(t, &mocks.MockStreamAdminRepository{Err: fmt.Errorf("connection refused")})
		rec := do(t, failing, http.MethodGet, "/admin/streams/s/groups", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "connection refused")
	})
}

func TestAdminRouter_DeadLetters(t *testing.T) {
	repo := &mocks.MockStreamAdminRepository{
		DeadLetters: []domain.DeadLetterEntry{{
			ID:      "5-0",
			Reason:  domain.ReasonMaxRetries,
			Payload: json.RawMessage(`{"id":"e1"}`),
		}},
		ReplayID: "9-0",
	}
	router := newTestRouter(t, repo)

	t.Run("List", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/admin/dlq?count=5000", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "-", repo.LastStartID)
		assert.Equal(t, int64(1000), repo.LastCount)

		var entries []domain.DeadLetterEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		require.Len(t, entries, 1)
		assert.JSONEq(t, `{"id":"e1"}`, string(entries[0].Payload))
	})

	t.Run("Replay", func(t *testing.T) {
		rec := do(t, router, http.MethodPost, "/admin/dlq/5-0/replay", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "9-0", body["stream_id"])
		assert.Equal(t, "5-0", body["dlq_id"])
		assert.NotEmpty(t, body["replay_id"])
		assert.Equal(t, []string{"5-0"}, repo.Replayed)
	})

	errorCases := []struct {
		name   string
		err    error
		status int
	}{
		{"Not found", fmt.Errorf("%w: 1-0", domain.ErrDeadLetterNotFound), http.StatusNotFound},
		{"Not replayable", fmt.Errorf("%w: 1-0", domain.ErrNotReplayable), http.StatusUnprocessableEntity},
		{"Store down", fmt.Errorf("i/o timeout"), http.StatusInternalServerError},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(t, &mocks.MockStreamAdminRepository{ReplayErr: tc.err})
			rec := do(t, r, http.MethodPost, "/admin/dlq/1-0/replay", "")
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}
