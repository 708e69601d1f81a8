package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/V4T54L/agentlens-ingest/internal/domain"
)

// ChainReader implements domain.ChainReader.
type ChainReader struct {
	db *sql.DB
}

// NewChainReader creates a new chain reader.
func NewChainReader(db *sql.DB) *ChainReader {
	return &ChainReader{db: db}
}

// ChainLinks loads a tenant's events in chain order. It reads inside a
// read-only transaction scoped to the tenant so row-level security applies.
func (r *ChainReader) ChainLinks(ctx context.Context, orgID string) ([]domain.ChainLink, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_org_id', $1, true)`, orgID); err != nil {
		return nil, fmt.Errorf("failed to set tenant scope: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, type, timestamp_text, prev_hash, hash FROM events WHERE org_id = $1 ORDER BY chain_seq`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain: %w", err)
	}
	defer rows.Close()

	var links []domain.ChainLink
	for rows.Next() {
		var l domain.ChainLink
		if err := rows.Scan(&l.ID, &l.Type, &l.Timestamp, &l.PrevHash, &l.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan chain link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chain: %w", err)
	}
	return links, nil
}
