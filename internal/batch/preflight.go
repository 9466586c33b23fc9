package batch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/monadtools/disperse/internal/chain"
)

// ChainReader is the read-only adapter surface preflight depends on.
// *chain.Client satisfies it.
type ChainReader interface {
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	OwnerOf(ctx context.Context, collection common.Address, tokenID *big.Int) (common.Address, error)
	Balance1155(ctx context.Context, collection, owner common.Address, tokenID *big.Int) (*big.Int, error)
}

// Static gas ceilings used when live estimation fails. Over-estimating keeps
// preflight usable when a provider is flaky; the real cost settles at
// execution time.
const (
	FallbackGasNative uint64 = 21_000
	FallbackGasToken  uint64 = 70_000
	FallbackGasNft    uint64 = 120_000
)

// BatchErrorIndex marks an error not attributable to one item, e.g. the
// aggregate funds check.
const BatchErrorIndex = -1

// RawTransfer is an unvalidated disperse row as collected by the UI.
type RawTransfer struct {
	To     string
	Amount string
}

// RawNftTransfer is an unvalidated NFT transfer row.
type RawNftTransfer struct {
	To      string
	TokenID string
	Amount  string // 1155 quantity; empty or "1" for 721
}

// IndexedError is one validation failure tied to an item index, or to the
// batch as a whole at BatchErrorIndex.
type IndexedError struct {
	Index   int       `json:"index"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ItemResult is the per-item verdict.
type ItemResult struct {
	Index        int       `json:"index"`
	Valid        bool      `json:"valid"`
	Kind         ErrorKind `json:"kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	EstimatedGas uint64    `json:"estimatedGas,omitempty"`
}

// Result is the preflight report. It is advisory: chain state can change
// between preflight and execution, so the executor treats every failure
// independently regardless of a Valid report.
type Result struct {
	Valid          bool          `json:"valid"`
	Errors         []IndexedError `json:"errors,omitempty"`
	EstimatedGas   uint64        `json:"estimatedGas"`
	EstimatedTotal *big.Int      `json:"estimatedTotal"`
	ItemResults    []ItemResult  `json:"itemResults"`

	// Items holds the parsed payloads in input order when every item passed
	// format validation, ready to hand to the executor.
	Items []Item `json:"-"`
}

func (r *Result) addError(index int, kind ErrorKind, msg string) {
	r.Errors = append(r.Errors, IndexedError{Index: index, Kind: kind, Message: msg})
}

// Preflighter runs dry-run validation for each batch type.
type Preflighter struct {
	reader   ChainReader
	logger   *zap.Logger
	maxItems int
}

// NewPreflighter wires a validator. maxItems is the configured batch size
// cap (plan limits are resolved by the caller and passed in explicitly).
func NewPreflighter(reader ChainReader, logger *zap.Logger, maxItems int) *Preflighter {
	return &Preflighter{
		reader:   reader,
		logger:   logger.Named("preflight"),
		maxItems: maxItems,
	}
}

func (p *Preflighter) checkSize(n int) error {
	if n == 0 {
		return errors.New("batch has no items")
	}
	if p.maxItems > 0 && n > p.maxItems {
		return fmt.Errorf("batch of %d items exceeds the configured limit of %d", n, p.maxItems)
	}
	return nil
}

// estimateGas retries transient estimation failures briefly and substitutes
// the static fallback when estimation cannot succeed. Reverts are not
// retried: the node already executed the call and said no.
func (p *Preflighter) estimateGas(ctx context.Context, msg ethereum.CallMsg, fallback uint64) uint64 {
	op := func() (uint64, error) {
		gas, err := p.reader.EstimateGas(ctx, msg)
		if err != nil {
			if errors.Is(err, chain.ErrReverted) {
				return 0, backoff.Permanent(err)
			}
			return 0, err
		}
		return gas, nil
	}
	pol := backoff.NewExponentialBackOff()
	pol.InitialInterval = 200 * time.Millisecond
	gas, err := backoff.Retry(ctx, op, backoff.WithBackOff(pol), backoff.WithMaxTries(3))
	if err != nil {
		p.logger.Debug("gas estimate failed, using fallback",
			zap.Uint64("fallback", fallback), zap.Error(err))
		return fallback
	}
	return gas
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", s)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %s", v)
	}
	return v, nil
}

func parseTokenID(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("token id %q is not a base-10 integer", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("token id must not be negative, got %s", v)
	}
	return v, nil
}

// parseTransfer validates the local shape of one disperse row.
func parseTransfer(raw RawTransfer) (*DisperseTarget, ErrorKind, error) {
	if !common.IsHexAddress(raw.To) {
		return nil, KindInvalidAddress, fmt.Errorf("invalid recipient address %q", raw.To)
	}
	amount, err := parseAmount(raw.Amount)
	if err != nil {
		return nil, KindInvalidAmount, err
	}
	return &DisperseTarget{To: common.HexToAddress(raw.To), Amount: amount}, "", nil
}

// Native validates a native-coin disperse batch.
func (p *Preflighter) Native(ctx context.Context, raws []RawTransfer, signer common.Address) (*Result, error) {
	if err := p.checkSize(len(raws)); err != nil {
		return nil, err
	}

	res := &Result{Valid: true, ItemResults: make([]ItemResult, len(raws))}
	targets := make([]*DisperseTarget, len(raws))
	totalValue := big.NewInt(0)
	var totalGas uint64

	for i, raw := range raws {
		ir := ItemResult{Index: i, Valid: true}
		target, kind, err := parseTransfer(raw)
		if err != nil {
			ir.Valid, ir.Kind, ir.Error = false, kind, err.Error()
			res.Valid = false
			res.addError(i, kind, err.Error())
			res.ItemResults[i] = ir
			continue
		}
		targets[i] = target
		totalValue.Add(totalValue, target.Amount)

		gas := p.estimateGas(ctx, ethereum.CallMsg{
			From:  signer,
			To:    &target.To,
			Value: target.Amount,
		}, FallbackGasNative)
		ir.EstimatedGas = gas
		totalGas += gas
		res.ItemResults[i] = ir
	}

	res.EstimatedGas = totalGas
	res.EstimatedTotal = new(big.Int).Set(totalValue)

	// Aggregate funds: value plus worst-case gas, against the native balance.
	gasPrice, err := p.reader.SuggestGasPrice(ctx)
	if err != nil {
		p.failClosed(res, "gas price unavailable", err)
		return res, nil
	}
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(totalGas), gasPrice)
	res.EstimatedTotal.Add(res.EstimatedTotal, gasCost)

	balance, err := p.reader.BalanceAt(ctx, signer)
	if err != nil {
		p.failClosed(res, "signer balance unavailable", err)
		return res, nil
	}
	if balance.Cmp(res.EstimatedTotal) < 0 {
		res.Valid = false
		res.addError(BatchErrorIndex, KindInsufficientBalance,
			fmt.Sprintf("insufficient balance: need %s wei (value+gas), have %s wei",
				res.EstimatedTotal, balance))
	}

	if res.Valid || allParsed(targets) {
		res.Items = disperseItems(targets)
	}
	return res, nil
}

// Token validates an ERC-20 disperse batch against the given token contract.
func (p *Preflighter) Token(ctx context.Context, token common.Address, raws []RawTransfer, signer common.Address) (*Result, error) {
	if err := p.checkSize(len(raws)); err != nil {
		return nil, err
	}

	res := &Result{Valid: true, ItemResults: make([]ItemResult, len(raws))}
	targets := make([]*DisperseTarget, len(raws))
	totalAmount := big.NewInt(0)
	var totalGas uint64

	for i, raw := range raws {
		ir := ItemResult{Index: i, Valid: true}
		target, kind, err := parseTransfer(raw)
		if err != nil {
			ir.Valid, ir.Kind, ir.Error = false, kind, err.Error()
			res.Valid = false
			res.addError(i, kind, err.Error())
			res.ItemResults[i] = ir
			continue
		}
		targets[i] = target
		totalAmount.Add(totalAmount, target.Amount)

		gas := p.estimateGas(ctx, ethereum.CallMsg{
			From: signer,
			To:   &token,
			Data: chain.EncodeERC20Transfer(target.To, target.Amount),
		}, FallbackGasToken)
		ir.EstimatedGas = gas
		totalGas += gas
		res.ItemResults[i] = ir
	}

	res.EstimatedGas = totalGas
	res.EstimatedTotal = new(big.Int).Set(totalAmount)

	// Aggregate: token balance covers the sum, native balance covers gas.
	tokenBal, err := p.reader.TokenBalance(ctx, token, signer)
	if err != nil {
		p.failClosed(res, "token balance unavailable", err)
		return res, nil
	}
	if tokenBal.Cmp(totalAmount) < 0 {
		res.Valid = false
		res.addError(BatchErrorIndex, KindInsufficientBalance,
			fmt.Sprintf("insufficient token balance: need %s, have %s", totalAmount, tokenBal))
	}
	if err := p.checkGasFunds(ctx, res, signer, totalGas); err != nil {
		return res, nil
	}

	if res.Valid || allParsed(targets) {
		res.Items = disperseItems(targets)
	}
	return res, nil
}

// Nft validates an NFT transfer batch. Ownership (721) or quantity (1155) is
// checked per item; an unreadable ownership state fails the item closed.
func (p *Preflighter) Nft(ctx context.Context, collection common.Address, kind CollectionKind, raws []RawNftTransfer, signer common.Address) (*Result, error) {
	if err := p.checkSize(len(raws)); err != nil {
		return nil, err
	}
	if kind != Erc721 && kind != Erc1155 {
		return nil, fmt.Errorf("unknown collection kind %q", kind)
	}

	res := &Result{Valid: true, ItemResults: make([]ItemResult, len(raws))}
	targets := make([]*NftTarget, len(raws))
	var totalGas uint64

	for i, raw := range raws {
		ir := ItemResult{Index: i, Valid: true}
		fail := func(k ErrorKind, err error) {
			ir.Valid, ir.Kind, ir.Error = false, k, err.Error()
			res.Valid = false
			res.addError(i, k, err.Error())
			res.ItemResults[i] = ir
		}

		if !common.IsHexAddress(raw.To) {
			fail(KindInvalidAddress, fmt.Errorf("invalid recipient address %q", raw.To))
			continue
		}
		tokenID, err := parseTokenID(raw.TokenID)
		if err != nil {
			fail(KindInvalidAmount, err)
			continue
		}
		amount := big.NewInt(1)
		if kind == Erc1155 && raw.Amount != "" {
			amount, err = parseAmount(raw.Amount)
			if err != nil {
				fail(KindInvalidAmount, err)
				continue
			}
		}
		target := &NftTarget{
			To:         common.HexToAddress(raw.To),
			TokenID:    tokenID,
			Amount:     amount,
			Collection: collection,
			Kind:       kind,
		}

		if kind == Erc721 {
			owner, err := p.reader.OwnerOf(ctx, collection, tokenID)
			switch {
			case errors.Is(err, chain.ErrReverted):
				fail(KindNotOwner, fmt.Errorf("token %s does not exist or is not transferable", tokenID))
				continue
			case err != nil:
				fail(KindChainUnavailable, fmt.Errorf("ownership of token %s unreadable: %v", tokenID, err))
				continue
			case owner != signer:
				fail(KindNotOwner, fmt.Errorf("token %s is owned by %s, not the signer", tokenID, owner.Hex()))
				continue
			}
		} else {
			held, err := p.reader.Balance1155(ctx, collection, signer, tokenID)
			if err != nil {
				fail(KindChainUnavailable, fmt.Errorf("balance of token %s unreadable: %v", tokenID, err))
				continue
			}
			if held.Cmp(amount) < 0 {
				fail(KindInsufficientBalance, fmt.Errorf("token %s: need %s, hold %s", tokenID, amount, held))
				continue
			}
		}

		targets[i] = target
		var data []byte
		if kind == Erc721 {
			data = chain.EncodeERC721SafeTransfer(signer, target.To, tokenID)
		} else {
			data = chain.EncodeERC1155SafeTransfer(signer, target.To, tokenID, amount)
		}
		gas := p.estimateGas(ctx, ethereum.CallMsg{From: signer, To: &collection, Data: data}, FallbackGasNft)
		ir.EstimatedGas = gas
		totalGas += gas
		res.ItemResults[i] = ir
	}

	res.EstimatedGas = totalGas
	res.EstimatedTotal = big.NewInt(0)
	if err := p.checkGasFunds(ctx, res, signer, totalGas); err != nil {
		return res, nil
	}

	if res.Valid {
		res.Items = nftItems(targets)
	}
	return res, nil
}

// checkGasFunds verifies the native balance covers the estimated gas cost.
// The cost is also accumulated into EstimatedTotal for non-native batches.
func (p *Preflighter) checkGasFunds(ctx context.Context, res *Result, signer common.Address, totalGas uint64) error {
	gasPrice, err := p.reader.SuggestGasPrice(ctx)
	if err != nil {
		p.failClosed(res, "gas price unavailable", err)
		return err
	}
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(totalGas), gasPrice)
	balance, err := p.reader.BalanceAt(ctx, signer)
	if err != nil {
		p.failClosed(res, "signer balance unavailable", err)
		return err
	}
	if balance.Cmp(gasCost) < 0 {
		res.Valid = false
		res.addError(BatchErrorIndex, KindInsufficientBalance,
			fmt.Sprintf("insufficient balance for gas: need %s wei, have %s wei", gasCost, balance))
	}
	return nil
}

// failClosed marks the whole batch invalid when a required read could not be
// performed. An unreadable state is unsafe to execute, not safe to skip.
func (p *Preflighter) failClosed(res *Result, what string, err error) {
	p.logger.Warn("preflight read failed", zap.String("check", what), zap.Error(err))
	res.Valid = false
	res.addError(BatchErrorIndex, KindChainUnavailable, fmt.Sprintf("%s: %v", what, err))
}

func allParsed[T any](targets []*T) bool {
	for _, t := range targets {
		if t == nil {
			return false
		}
	}
	return true
}

func disperseItems(targets []*DisperseTarget) []Item {
	if !allParsed(targets) {
		return nil
	}
	items := make([]Item, len(targets))
	for i, t := range targets {
		items[i] = Item{Index: i, Status: ItemPending, Disperse: t}
	}
	return items
}

func nftItems(targets []*NftTarget) []Item {
	if !allParsed(targets) {
		return nil
	}
	items := make([]Item, len(targets))
	for i, t := range targets {
		items[i] = Item{Index: i, Status: ItemPending, Nft: t}
	}
	return items
}
