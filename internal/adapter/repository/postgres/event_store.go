package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/V4T54L/agentlens-ingest/internal/domain"
)

// Postgres caps a statement at 65535 bind parameters.
const maxBindParams = 65535

var eventColumns = []string{
	"id", "org_id", "session_id", "api_key_id", "type", "timestamp", "timestamp_text",
	"received_at", "request_id", "data", "estimated_cost_usd", "prev_hash", "hash", "chain_seq",
}

var usageColumns = []string{"org_id", "hour", "api_key_id", "event_count"}

// EventStore implements domain.EventStore on PostgreSQL.
type EventStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEventStore creates a new PostgreSQL event store.
func NewEventStore(db *sql.DB, logger *slog.Logger) *EventStore {
	return &EventStore{db: db, logger: logger.With("component", "postgres_event_store")}
}

// Acquire pins one pooled connection for a processing cycle.
func (s *EventStore) Acquire(ctx context.Context) (domain.StoreSession, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire database connection: %w", err)
	}
	return &session{conn: conn, logger: s.logger}, nil
}

type session struct {
	conn   *sql.Conn
	logger *slog.Logger
}

// WithTenantTx runs fn in a transaction whose row-level security scope is
// orgID. Any error rolls the transaction back.
func (s *session) WithTenantTx(ctx context.Context, orgID string, fn func(tx domain.TenantTx) error) (err error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Failed to roll back tenant transaction", "org_id", orgID, "error", rbErr)
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT set_config('app.current_org_id', $1, true)`, orgID); err != nil {
		return fmt.Errorf("failed to set tenant scope: %w", err)
	}

	if err = fn(&tenantTx{tx: tx, orgID: orgID}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tenant transaction: %w", err)
	}
	return nil
}

// Release returns the connection to the pool.
func (s *session) Release() error {
	return s.conn.Close()
}

type tenantTx struct {
	tx    *sql.Tx
	orgID string
}

func (t *tenantTx) LockChainHead(ctx context.Context) (domain.ChainHead, error) {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO event_chain_heads (org_id) VALUES ($1) ON CONFLICT (org_id) DO NOTHING`, t.orgID)
	if err != nil {
		return domain.ChainHead{}, fmt.Errorf("failed to ensure chain head: %w", err)
	}

	var head domain.ChainHead
	err = t.tx.QueryRowContext(ctx,
		`SELECT last_hash, last_seq FROM event_chain_heads WHERE org_id = $1 FOR UPDATE`, t.orgID,
	).Scan(&head.Hash, &head.Seq)
	if err != nil {
		return domain.ChainHead{}, fmt.Errorf("failed to lock chain head: %w", err)
	}
	return head, nil
}

func (t *tenantTx) ExistingEvents(ctx context.Context, keys []domain.EventKey) (map[domain.EventKey]struct{}, error) {
	existing := make(map[domain.EventKey]struct{})
	if len(keys) == 0 {
		return existing, nil
	}

	seen := make(map[string]struct{}, len(keys))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k.ID]; ok {
			continue
		}
		seen[k.ID] = struct{}{}
		ids = append(ids, k.ID)
	}

	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, timestamp FROM events WHERE org_id = $1 AND id = ANY($2)`, t.orgID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			ts time.Time
		)
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan existing event: %w", err)
		}
		existing[domain.NewEventKey(id, ts)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read existing events: %w", err)
	}
	return existing, nil
}

// InsertEvents writes rows with multi-row inserts. Rows whose (id,
// timestamp) already exists are skipped.
func (t *tenantTx) InsertEvents(ctx context.Context, rows []domain.StoredEvent) (int64, error) {
	var inserted int64
	perChunk := maxBindParams / len(eventColumns)

	for start := 0; start < len(rows); start += perChunk {
		end := start + perChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		args := make([]any, 0, len(chunk)*len(eventColumns))
		for _, r := range chunk {
			rowArgs, err := eventArgs(r)
			if err != nil {
				return inserted, err
			}
			args = append(args, rowArgs...)
		}

		query := "INSERT INTO events (" + strings.Join(eventColumns, ", ") + ") VALUES " +
			valuesPlaceholders(len(chunk), len(eventColumns)) +
			" ON CONFLICT (id, timestamp) DO NOTHING"

		res, err := t.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert events: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("failed to read inserted row count: %w", err)
		}
		inserted += n
	}
	return inserted, nil
}

func eventArgs(r domain.StoredEvent) ([]any, error) {
	e := r.Event
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data for %s: %w", e.ID, err)
	}

	var receivedAt any
	if e.ReceivedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, e.ReceivedAt); err == nil {
			receivedAt = t.Truncate(time.Microsecond)
		}
	}

	var cost any
	if c, ok := data[domain.FieldEstimatedCost].(float64); ok {
		cost = c
	}

	// timestamptz rounds to microseconds; bind exactly what keys compare on.
	at := r.At.Truncate(time.Microsecond)

	return []any{
		e.ID, e.OrgID, e.SessionID, e.APIKeyID, e.Type, at, e.Timestamp,
		receivedAt, e.RequestID, string(payload), cost, r.PrevHash, r.Hash, r.Seq,
	}, nil
}

// IncrementUsage upserts hourly counters. Increments for the same bucket
// are merged first, since one statement cannot update a row twice.
func (t *tenantTx) IncrementUsage(ctx context.Context, incs []domain.UsageIncrement) error {
	if len(incs) == 0 {
		return nil
	}

	type bucket struct {
		org, key string
		hour     time.Time
	}
	var order []bucket
	counts := make(map[bucket]int64)
	for _, inc := range incs {
		b := bucket{org: inc.OrgID, key: inc.APIKeyID, hour: inc.Hour.UTC().Truncate(time.Hour)}
		if _, ok := counts[b]; !ok {
			order = append(order, b)
		}
		counts[b] += inc.Count
	}

	args := make([]any, 0, len(order)*len(usageColumns))
	for _, b := range order {
		args = append(args, b.org, b.hour, b.key, counts[b])
	}

	query := "INSERT INTO usage_hourly (" + strings.Join(usageColumns, ", ") + ") VALUES " +
		valuesPlaceholders(len(order), len(usageColumns)) +
		" ON CONFLICT (org_id, hour, api_key_id) DO UPDATE SET event_count = usage_hourly.event_count + EXCLUDED.event_count"

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert hourly usage: %w", err)
	}
	return nil
}

func (t *tenantTx) UpdateChainHead(ctx context.Context, head domain.ChainHead) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE event_chain_heads SET last_hash = $2, last_seq = $3, updated_at = now() WHERE org_id = $1`,
		t.orgID, head.Hash, head.Seq)
	if err != nil {
		return fmt.Errorf("failed to update chain head: %w", err)
	}
	return nil
}

// valuesPlaceholders renders "($1, $2), ($3, $4)" for rows x cols.
func valuesPlaceholders(rows, cols int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}
