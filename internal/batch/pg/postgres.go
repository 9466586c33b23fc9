// Package pg is the Postgres-backed batch store, for deployments where the
// operator session is not tied to one machine. It is behaviorally
// interchangeable with the file backend.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/monadtools/disperse/internal/batch"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS batches (
  id UUID PRIMARY KEY,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  signer TEXT NOT NULL,
  metadata JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ NULL
);

CREATE INDEX IF NOT EXISTS batches_signer_created_idx ON batches(signer, created_at DESC);
CREATE INDEX IF NOT EXISTS batches_signer_status_idx ON batches(signer, status);

CREATE TABLE IF NOT EXISTS batch_items (
  batch_id UUID NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
  idx INT NOT NULL,
  status TEXT NOT NULL,
  payload JSONB NOT NULL,
  tx_hash TEXT NULL,
  gas_used BIGINT NULL,
  error TEXT NULL,
  completed_at TIMESTAMPTZ NULL,
  PRIMARY KEY (batch_id, idx)
);
`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// payload is the type-specific part of an item, stored as one jsonb column.
type payload struct {
	Disperse *batch.DisperseTarget `json:"disperse,omitempty"`
	Nft      *batch.NftTarget      `json:"nft,omitempty"`
}

func signerKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func (s *Store) CreateBatch(ctx context.Context, typ batch.Type, signer common.Address, items []batch.Item, metadata *batch.TokenMetadata) (*batch.Batch, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown batch type %q", typ)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("batch has no items")
	}

	now := time.Now().UTC()
	b := &batch.Batch{
		ID:            uuid.NewString(),
		Type:          typ,
		Status:        batch.StatusPending,
		SignerAddress: signer,
		Items:         make([]batch.Item, len(items)),
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	copy(b.Items, items)
	for i := range b.Items {
		b.Items[i].Index = i
		b.Items[i].Status = batch.ItemPending
	}

	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO batches(id, type, status, signer, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		b.ID, string(b.Type), string(b.Status), signerKey(signer), metaJSON, now)
	if err != nil {
		return nil, err
	}

	for i := range b.Items {
		pl, err := json.Marshal(payload{Disperse: b.Items[i].Disperse, Nft: b.Items[i].Nft})
		if err != nil {
			return nil, fmt.Errorf("encode item %d: %w", i, err)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO batch_items(batch_id, idx, status, payload)
VALUES ($1, $2, $3, $4)`,
			b.ID, i, string(batch.ItemPending), pl)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) UpdateBatchStatus(ctx context.Context, id string, status batch.Status) error {
	now := time.Now().UTC()
	var completed any
	if status.Terminal() {
		completed = now
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE batches SET status = $2, updated_at = $3,
  completed_at = COALESCE($4, completed_at)
WHERE id = $1`,
		id, string(status), now, completed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return batch.ErrBatchNotFound
	}
	return nil
}

func (s *Store) UpdateBatchItem(ctx context.Context, id string, index int, upd batch.ItemUpdate) error {
	var status, txHash, errMsg any
	var gasUsed, completedAt any
	if upd.Status != nil {
		status = string(*upd.Status)
	}
	if upd.TxHash != nil {
		txHash = *upd.TxHash
	}
	if upd.GasUsed != nil {
		gasUsed = int64(*upd.GasUsed)
	}
	if upd.Error != nil {
		errMsg = *upd.Error
	}
	if upd.CompletedAt != nil {
		completedAt = *upd.CompletedAt
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE batch_items SET
  status = COALESCE($3, status),
  tx_hash = COALESCE($4, tx_hash),
  gas_used = COALESCE($5, gas_used),
  error = COALESCE($6, error),
  completed_at = COALESCE($7, completed_at)
WHERE batch_id = $1 AND idx = $2`,
		id, index, status, txHash, gasUsed, errMsg, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return batch.ErrBatchNotFound
	}
	_, err = tx.Exec(ctx, `UPDATE batches SET updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetBatch(ctx context.Context, id string) (*batch.Batch, error) {
	b, err := s.scanBatch(ctx, `
SELECT id, type, status, signer, metadata, created_at, updated_at, completed_at
FROM batches WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) GetRecentBatches(ctx context.Context, signer common.Address, limit int) ([]*batch.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryBatches(ctx, `
SELECT id, type, status, signer, metadata, created_at, updated_at, completed_at
FROM batches WHERE signer = $1
ORDER BY created_at DESC LIMIT $2`, signerKey(signer), limit)
}

func (s *Store) GetResumableBatches(ctx context.Context, signer common.Address) ([]*batch.Batch, error) {
	return s.queryBatches(ctx, `
SELECT id, type, status, signer, metadata, created_at, updated_at, completed_at
FROM batches WHERE signer = $1 AND status = ANY($2)
ORDER BY created_at DESC`,
		signerKey(signer),
		[]string{string(batch.StatusPending), string(batch.StatusPaused), string(batch.StatusExecuting)})
}

func (s *Store) queryBatches(ctx context.Context, q string, args ...any) ([]*batch.Batch, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*batch.Batch
	for rows.Next() {
		b, err := scanBatchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, b := range out {
		if err := s.loadItems(ctx, b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) scanBatch(ctx context.Context, q string, args ...any) (*batch.Batch, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, batch.ErrBatchNotFound
	}
	return scanBatchRow(rows)
}

func scanBatchRow(row pgx.Row) (*batch.Batch, error) {
	var (
		b           batch.Batch
		typ, status string
		signer      string
		metaJSON    []byte
		completedAt *time.Time
	)
	if err := row.Scan(&b.ID, &typ, &status, &signer, &metaJSON, &b.CreatedAt, &b.UpdatedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, batch.ErrBatchNotFound
		}
		return nil, err
	}
	b.Type = batch.Type(typ)
	b.Status = batch.Status(status)
	b.SignerAddress = common.HexToAddress(signer)
	b.CompletedAt = completedAt
	if len(metaJSON) > 0 {
		var meta batch.TokenMetadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		b.Metadata = &meta
	}
	return &b, nil
}

func (s *Store) loadItems(ctx context.Context, b *batch.Batch) error {
	rows, err := s.pool.Query(ctx, `
SELECT idx, status, payload, tx_hash, gas_used, error, completed_at
FROM batch_items WHERE batch_id = $1 ORDER BY idx`, b.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it          batch.Item
			status      string
			pl          []byte
			txHash      *string
			gasUsed     *int64
			errMsg      *string
			completedAt *time.Time
		)
		if err := rows.Scan(&it.Index, &status, &pl, &txHash, &gasUsed, &errMsg, &completedAt); err != nil {
			return err
		}
		it.Status = batch.ItemStatus(status)
		var p payload
		if err := json.Unmarshal(pl, &p); err != nil {
			return fmt.Errorf("decode item %d payload: %w", it.Index, err)
		}
		it.Disperse = p.Disperse
		it.Nft = p.Nft
		if txHash != nil {
			it.TxHash = *txHash
		}
		if gasUsed != nil {
			it.GasUsed = uint64(*gasUsed)
		}
		if errMsg != nil {
			it.Error = *errMsg
		}
		it.CompletedAt = completedAt
		b.Items = append(b.Items, it)
	}
	return rows.Err()
}
