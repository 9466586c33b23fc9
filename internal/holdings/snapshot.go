package holdings

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/monadtools/disperse/internal/chain"
)

// LogFilterer is the one adapter call the scanner needs. *chain.Client
// satisfies it.
type LogFilterer interface {
	FilterTransferLogs(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]chain.TransferEvent, error)
}

// Scanner collects a collection's full transfer history by walking block
// ranges in fixed-size chunks. Chunks are fetched with bounded concurrency;
// the reconciler re-sorts by (block, logIndex) afterwards, so fetch
// completion order does not matter.
type Scanner struct {
	client      LogFilterer
	logger      *zap.Logger
	chunkSize   uint64
	concurrency int
}

func NewScanner(client LogFilterer, logger *zap.Logger, chunkSize uint64, concurrency int) *Scanner {
	if chunkSize == 0 {
		chunkSize = 2_000
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Scanner{
		client:      client,
		logger:      logger.Named("snapshot"),
		chunkSize:   chunkSize,
		concurrency: concurrency,
	}
}

// Events fetches every transfer event for the collection in [fromBlock,
// toBlock], sorted by the history's total order.
func (s *Scanner) Events(ctx context.Context, collection common.Address, fromBlock, toBlock uint64) ([]chain.TransferEvent, error) {
	if toBlock < fromBlock {
		return nil, fmt.Errorf("block range [%d, %d] is inverted", fromBlock, toBlock)
	}

	type span struct{ from, to uint64 }
	var spans []span
	for from := fromBlock; from <= toBlock; from += s.chunkSize {
		to := from + s.chunkSize - 1
		if to > toBlock {
			to = toBlock
		}
		spans = append(spans, span{from, to})
	}

	results := make([][]chain.TransferEvent, len(spans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, sp := range spans {
		g.Go(func() error {
			events, err := s.client.FilterTransferLogs(gctx, collection, sp.from, sp.to)
			if err != nil {
				return fmt.Errorf("scan blocks [%d, %d]: %w", sp.from, sp.to, err)
			}
			results[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []chain.TransferEvent
	for _, chunk := range results {
		all = append(all, chunk...)
	}
	sortEvents(all)
	s.logger.Info("collection scan finished",
		zap.String("collection", collection.Hex()),
		zap.Uint64("fromBlock", fromBlock), zap.Uint64("toBlock", toBlock),
		zap.Int("events", len(all)))
	return all, nil
}

// SnapshotRow is one line of a holder snapshot export.
type SnapshotRow struct {
	TokenID  string
	Owner    common.Address
	Quantity string
}

// Snapshot scans the range and reduces it to the current holder set, in a
// deterministic row order (token id, then owner) suitable for CSV export.
func (s *Scanner) Snapshot(ctx context.Context, collection common.Address, fromBlock, toBlock uint64) ([]SnapshotRow, error) {
	events, err := s.Events(ctx, collection, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	holders := Holders(events)

	var rows []SnapshotRow
	for key, owners := range holders {
		for owner, qty := range owners {
			rows = append(rows, SnapshotRow{
				TokenID:  key.TokenID,
				Owner:    owner,
				Quantity: qty.String(),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TokenID != rows[j].TokenID {
			return rows[i].TokenID < rows[j].TokenID
		}
		return rows[i].Owner.Hex() < rows[j].Owner.Hex()
	})
	return rows, nil
}
