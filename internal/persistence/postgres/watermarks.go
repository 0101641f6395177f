package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/watermark"
)

// Watermarks implements watermark.Store over the pool. Advance runs in a
// transaction with the row locked, so the monotonic guard holds under
// concurrent runs of the same pipeline.
type Watermarks struct {
	pool *pgxpool.Pool
}

// NewWatermarks creates the watermark store over an existing pool.
func NewWatermarks(pool *pgxpool.Pool) *Watermarks {
	return &Watermarks{pool: pool}
}

var _ watermark.Store = (*Watermarks)(nil)

// Get implements watermark.Store.
func (w *Watermarks) Get(ctx context.Context, pipelineID, assetID string) (*core.Watermark, error) {
	mark := core.Watermark{PipelineID: pipelineID, AssetID: assetID}
	var value []byte
	err := w.pool.QueryRow(ctx, `
		SELECT column_name, last_value, last_updated FROM watermarks
		WHERE pipeline_id = $1 AND asset_id = $2`, pipelineID, assetID).
		Scan(&mark.Column, &value, &mark.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(value, &mark.LastValue); err != nil {
		return nil, err
	}
	return &mark, nil
}

// Advance implements watermark.Store.
func (w *Watermarks) Advance(ctx context.Context, pipelineID, assetID, column string, value any) (bool, error) {
	normalized, err := watermark.Normalize(value)
	if err != nil {
		return false, err
	}
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return false, err
	}

	tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var currentColumn string
	var currentValue []byte
	err = tx.QueryRow(ctx, `
		SELECT column_name, last_value FROM watermarks
		WHERE pipeline_id = $1 AND asset_id = $2
		FOR UPDATE`, pipelineID, assetID).Scan(&currentColumn, &currentValue)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First watermark for the key.
	case err != nil:
		return false, err
	case currentColumn == column:
		var current any
		if err := json.Unmarshal(currentValue, &current); err != nil {
			return false, err
		}
		cmp, err := watermark.Compare(normalized, current)
		if err != nil {
			return false, err
		}
		if cmp <= 0 {
			return false, nil
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO watermarks (pipeline_id, asset_id, column_name, last_value, last_updated)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (pipeline_id, asset_id) DO UPDATE
		SET column_name = EXCLUDED.column_name,
		    last_value = EXCLUDED.last_value,
		    last_updated = now()`,
		pipelineID, assetID, column, encoded)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
