package batch

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrBatchNotFound is returned by Store lookups for unknown batch ids.
var ErrBatchNotFound = errors.New("batch not found")

// ItemUpdate is a partial update merged into one item. Nil fields are left
// untouched.
type ItemUpdate struct {
	Status      *ItemStatus
	TxHash      *string
	GasUsed     *uint64
	Error       *string
	CompletedAt *time.Time
}

// Store is the durable record of batches and their per-item state. It is
// pure bookkeeping: the only logic it owns is timestamp stamping. The
// executor's idempotent resume depends on this surviving process restarts,
// so implementations must persist synchronously — an in-memory map does not
// satisfy the contract.
type Store interface {
	// CreateBatch assigns an id, sets the batch and every item to Pending
	// and persists the record.
	CreateBatch(ctx context.Context, typ Type, signer common.Address, items []Item, metadata *TokenMetadata) (*Batch, error)

	// UpdateBatchStatus sets the batch status, stamps UpdatedAt, and stamps
	// CompletedAt when the new status is terminal.
	UpdateBatchStatus(ctx context.Context, id string, status Status) error

	// UpdateBatchItem merges the update into the item at index.
	UpdateBatchItem(ctx context.Context, id string, index int, upd ItemUpdate) error

	// GetBatch returns a copy of the batch, or ErrBatchNotFound.
	GetBatch(ctx context.Context, id string) (*Batch, error)

	// GetRecentBatches returns up to limit batches for the signer, newest
	// first.
	GetRecentBatches(ctx context.Context, signer common.Address, limit int) ([]*Batch, error)

	// GetResumableBatches returns the signer's batches whose status is
	// Pending, Paused or Executing, newest first.
	GetResumableBatches(ctx context.Context, signer common.Address) ([]*Batch, error)
}

func statusPtr(s ItemStatus) *ItemStatus { return &s }
func strPtr(s string) *string            { return &s }
func u64Ptr(v uint64) *uint64            { return &v }
func timePtr(t time.Time) *time.Time     { return &t }
