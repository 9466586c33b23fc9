package batch

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/monadtools/disperse/internal/chain"
)

// TxBackend is the adapter surface the executor needs. *chain.Client
// satisfies it.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (tip, maxFee *big.Int, err error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Executor drives a batch item by item, strictly in index order, one
// transaction at a time. One item's failure never aborts the rest: batches
// target independent recipients, so a bad address or a revert is recorded
// and the loop moves on. Submission is sequential because all items share
// one signer nonce sequence.
type Executor struct {
	store    Store
	backend  TxBackend
	logger   *zap.Logger
	chainID  *big.Int
	maxItems int
}

func NewExecutor(store Store, backend TxBackend, chainID *big.Int, logger *zap.Logger, maxItems int) *Executor {
	return &Executor{
		store:    store,
		backend:  backend,
		logger:   logger.Named("executor"),
		chainID:  chainID,
		maxItems: maxItems,
	}
}

// Execute creates a batch record and runs it to the end. The batch id is
// returned even when the run ends paused or failed, so the caller can always
// query or resume the record. Progress events stream to the optional events
// channel, which the caller must drain.
func (e *Executor) Execute(ctx context.Context, typ Type, items []Item, metadata *TokenMetadata, signer chain.Signer, events chan<- Event) (string, error) {
	if e.maxItems > 0 && len(items) > e.maxItems {
		return "", fmt.Errorf("batch of %d items exceeds the configured limit of %d", len(items), e.maxItems)
	}
	if err := validateItems(typ, items, metadata); err != nil {
		return "", err
	}
	b, err := e.store.CreateBatch(ctx, typ, signer.Address(), items, metadata)
	if err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	e.logger.Info("batch created",
		zap.String("batch", b.ID), zap.String("type", string(typ)), zap.Int("items", len(items)))
	return b.ID, e.run(ctx, b.ID, signer, events, false)
}

// Resume re-runs a stored batch, skipping items that already succeeded.
// Terminal batches are refused: a completed or failed batch never leaves its
// terminal status, not even transiently.
func (e *Executor) Resume(ctx context.Context, batchID string, signer chain.Signer, events chan<- Event) error {
	b, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.SignerAddress != signer.Address() {
		return fmt.Errorf("batch %s belongs to signer %s", batchID, b.SignerAddress.Hex())
	}
	if b.Status.Terminal() {
		return fmt.Errorf("batch %s is already %s", batchID, b.Status)
	}
	e.logger.Info("batch resuming", zap.String("batch", batchID))
	return e.run(ctx, batchID, signer, events, true)
}

func (e *Executor) run(ctx context.Context, batchID string, signer chain.Signer, events chan<- Event, resume bool) error {
	emit := func(ev Event) {
		ev.BatchID = batchID
		if events != nil {
			events <- ev
		}
	}

	if err := e.store.UpdateBatchStatus(ctx, batchID, StatusExecuting); err != nil {
		return e.failBatch(ctx, batchID, emit, fmt.Errorf("mark executing: %w", err))
	}

	b, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return e.failBatch(ctx, batchID, emit, err)
	}

	for i := range b.Items {
		// Cancellation is observed here, at the item boundary, the same as
		// pause: the remaining items stay Pending and the batch stays
		// resumable. Recording them Failed would strand their recipients,
		// since failed items are never retried.
		if err := ctx.Err(); err != nil {
			e.logger.Info("run interrupted, stopping before item",
				zap.String("batch", batchID), zap.Int("index", i))
			emit(Event{Kind: EventBatchPaused, Index: i})
			return err
		}

		// Pause is requested out-of-band by a concurrent status write; this
		// re-read at the loop boundary is the single point where it is
		// observed. An in-flight item is never interrupted.
		cur, err := e.store.GetBatch(ctx, batchID)
		if err != nil {
			return e.failBatch(ctx, batchID, emit, err)
		}
		if cur.Status == StatusPaused {
			e.logger.Info("batch paused, stopping before item",
				zap.String("batch", batchID), zap.Int("index", i))
			emit(Event{Kind: EventBatchPaused, Index: i})
			return nil
		}

		item := cur.Items[i]
		if resume && item.Status.Terminal() {
			// Never re-submit a successful item. It is stamped Skipped so the
			// record shows this pass saw and deliberately passed over it; the
			// original tx hash stays for the audit trail.
			if item.Status == ItemSuccess {
				if err := e.store.UpdateBatchItem(ctx, batchID, i, ItemUpdate{Status: statusPtr(ItemSkipped)}); err != nil {
					return e.failBatch(ctx, batchID, emit, err)
				}
			}
			continue
		}

		if err := e.store.UpdateBatchItem(ctx, batchID, i, ItemUpdate{Status: statusPtr(ItemExecuting)}); err != nil {
			return e.failBatch(ctx, batchID, emit, err)
		}
		emit(Event{Kind: EventItemStarted, Index: i})

		outcome := e.submitItem(ctx, cur, item, signer)
		now := time.Now().UTC()
		if outcome.err != nil {
			if ctx.Err() != nil && outcome.txHash == "" {
				// interrupted before anything hit the wire; the item goes
				// back to Pending so a resume retries it. The bookkeeping
				// write must outlive the canceled context.
				if uerr := e.store.UpdateBatchItem(context.WithoutCancel(ctx), batchID, i,
					ItemUpdate{Status: statusPtr(ItemPending)}); uerr != nil {
					return e.failBatch(ctx, batchID, emit, uerr)
				}
				emit(Event{Kind: EventBatchPaused, Index: i})
				return ctx.Err()
			}
			e.logger.Warn("item failed",
				zap.String("batch", batchID), zap.Int("index", i), zap.Error(outcome.err))
			upd := ItemUpdate{
				Status:      statusPtr(ItemFailed),
				Error:       strPtr(outcome.err.Error()),
				CompletedAt: timePtr(now),
			}
			if outcome.txHash != "" {
				upd.TxHash = strPtr(outcome.txHash)
			}
			if err := e.store.UpdateBatchItem(context.WithoutCancel(ctx), batchID, i, upd); err != nil {
				return e.failBatch(ctx, batchID, emit, err)
			}
			emit(Event{Kind: EventItemFailed, Index: i, TxHash: outcome.txHash, Err: outcome.err.Error()})
			continue
		}

		// A confirmed transaction is a chain fact; its record must land even
		// when the context was canceled while the receipt was pending.
		upd := ItemUpdate{
			Status:      statusPtr(ItemSuccess),
			TxHash:      strPtr(outcome.txHash),
			GasUsed:     u64Ptr(outcome.gasUsed),
			CompletedAt: timePtr(now),
		}
		if err := e.store.UpdateBatchItem(context.WithoutCancel(ctx), batchID, i, upd); err != nil {
			return e.failBatch(ctx, batchID, emit, err)
		}
		e.logger.Info("item confirmed",
			zap.String("batch", batchID), zap.Int("index", i),
			zap.String("tx", outcome.txHash), zap.Uint64("gasUsed", outcome.gasUsed))
		emit(Event{Kind: EventItemCompleted, Index: i, TxHash: outcome.txHash, GasUsed: outcome.gasUsed})
	}

	if err := e.store.UpdateBatchStatus(context.WithoutCancel(ctx), batchID, StatusCompleted); err != nil {
		return e.failBatch(ctx, batchID, emit, err)
	}
	e.logger.Info("batch completed", zap.String("batch", batchID))
	emit(Event{Kind: EventBatchCompleted})
	return nil
}

// failBatch handles failures outside the per-item scope, e.g. a store write
// error. The terminal status write is best effort: the store may be the very
// thing that broke.
func (e *Executor) failBatch(ctx context.Context, batchID string, emit func(Event), cause error) error {
	e.logger.Error("batch failed", zap.String("batch", batchID), zap.Error(cause))
	if err := e.store.UpdateBatchStatus(ctx, batchID, StatusFailed); err != nil {
		e.logger.Error("could not record failed status", zap.String("batch", batchID), zap.Error(err))
	}
	emit(Event{Kind: EventBatchFailed, Err: cause.Error()})
	return cause
}

type itemOutcome struct {
	txHash  string
	gasUsed uint64
	err     error
}

// submitItem builds, signs, submits and confirms the one transaction an item
// maps to. Everything in here is the per-item failure scope.
func (e *Executor) submitItem(ctx context.Context, b *Batch, item Item, signer chain.Signer) itemOutcome {
	var (
		to       common.Address
		value    = big.NewInt(0)
		data     []byte
		fallback uint64
	)
	switch b.Type {
	case NativeDisperse:
		to = item.Disperse.To
		value = item.Disperse.Amount
		fallback = FallbackGasNative
	case TokenDisperse:
		to = b.Metadata.Address
		data = chain.EncodeERC20Transfer(item.Disperse.To, item.Disperse.Amount)
		fallback = FallbackGasToken
	case NftTransfer:
		to = item.Nft.Collection
		if item.Nft.Kind == Erc1155 {
			data = chain.EncodeERC1155SafeTransfer(signer.Address(), item.Nft.To, item.Nft.TokenID, item.Nft.Amount)
		} else {
			data = chain.EncodeERC721SafeTransfer(signer.Address(), item.Nft.To, item.Nft.TokenID)
		}
		fallback = FallbackGasNft
	default:
		return itemOutcome{err: fmt.Errorf("unknown batch type %q", b.Type)}
	}

	nonce, err := e.backend.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		return itemOutcome{err: fmt.Errorf("fetch nonce: %w", err)}
	}
	tip, maxFee, err := e.backend.SuggestFees(ctx)
	if err != nil {
		return itemOutcome{err: fmt.Errorf("fetch fees: %w", err)}
	}
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: signer.Address(), To: &to, Value: value, Data: data,
	})
	if err != nil {
		gas = fallback
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := signer.SignTx(tx)
	if err != nil {
		return itemOutcome{err: fmt.Errorf("%w: %v", chain.ErrRejected, err)}
	}

	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return itemOutcome{err: err}
	}
	hash := signed.Hash().Hex()

	rcpt, err := e.backend.WaitForReceipt(ctx, signed.Hash())
	if err != nil {
		return itemOutcome{txHash: hash, err: err}
	}
	return itemOutcome{txHash: hash, gasUsed: rcpt.GasUsed}
}

// validateItems checks that every item carries the payload variant its batch
// type requires. Item payloads are fixed at creation, so this runs once.
func validateItems(typ Type, items []Item, metadata *TokenMetadata) error {
	if len(items) == 0 {
		return fmt.Errorf("batch has no items")
	}
	switch typ {
	case NativeDisperse, TokenDisperse:
		if typ == TokenDisperse && metadata == nil {
			return fmt.Errorf("token disperse requires token metadata")
		}
		for i, it := range items {
			if it.Disperse == nil || it.Disperse.Amount == nil {
				return fmt.Errorf("item %d: missing disperse payload", i)
			}
		}
	case NftTransfer:
		for i, it := range items {
			if it.Nft == nil || it.Nft.TokenID == nil {
				return fmt.Errorf("item %d: missing nft payload", i)
			}
		}
	default:
		return fmt.Errorf("unknown batch type %q", typ)
	}
	return nil
}
