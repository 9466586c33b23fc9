package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Client wraps a JSON-RPC connection to the chain. It is a thin adapter:
// reads and writes map one-to-one onto RPC calls, and no retry policy lives
// here — callers decide what is worth retrying.
type Client struct {
	ec     *ethclient.Client
	logger *zap.Logger

	// maxFee = baseFee*baseFeeMul + tip
	baseFeeMul int64

	receiptPoll time.Duration
}

type ClientConfig struct {
	BaseFeeMul      int64
	ReceiptInterval time.Duration
}

// Dial connects over HTTP with keep-alives and sane timeouts.
func Dial(rpcURL string, logger *zap.Logger, cfg ClientConfig) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:       100,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: false,
	}
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
	}
	rpcClient, err := rpc.DialHTTPWithClient(rpcURL, httpClient)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewClient(ethclient.NewClient(rpcClient), logger, cfg), nil
}

func NewClient(ec *ethclient.Client, logger *zap.Logger, cfg ClientConfig) *Client {
	if cfg.BaseFeeMul <= 0 {
		cfg.BaseFeeMul = 2
	}
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = 2 * time.Second
	}
	return &Client{
		ec:          ec,
		logger:      logger.Named("chain"),
		baseFeeMul:  cfg.BaseFeeMul,
		receiptPoll: cfg.ReceiptInterval,
	}
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.ec.ChainID(ctx)
	if err != nil {
		return nil, wrapRead("chainId", err)
	}
	return id, nil
}

func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.ec.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, wrapRead("balance", err)
	}
	return bal, nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	p, err := c.ec.SuggestGasPrice(ctx)
	if err != nil {
		return nil, wrapRead("gasPrice", err)
	}
	return p, nil
}

func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	n, err := c.ec.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, wrapRead("nonce", err)
	}
	return n, nil
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ret, err := c.ec.CallContract(ctx, msg, nil)
	if err != nil {
		if reverted(err) {
			return nil, fmt.Errorf("%w: %s", ErrReverted, RevertReason(err))
		}
		return nil, wrapRead("call", err)
	}
	return ret, nil
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := c.ec.EstimateGas(ctx, msg)
	if err != nil {
		if reverted(err) {
			return 0, fmt.Errorf("%w: %s", ErrReverted, RevertReason(err))
		}
		return 0, wrapRead("estimateGas", err)
	}
	return gas, nil
}

// SuggestFees returns (tip, maxFee) for an EIP-1559 transaction.
// maxFee = baseFee*baseFeeMul + tip, so the transaction stays includable
// across a few base-fee swings.
func (c *Client) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	head, err := c.ec.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, wrapRead("head", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	tip, err := c.ec.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, wrapRead("tipCap", err)
	}
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(c.baseFeeMul))
	maxFee.Add(maxFee, tip)
	return tip, maxFee, nil
}

// SendTransaction submits an already-signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.ec.SendTransaction(ctx, tx); err != nil {
		switch {
		case rejected(err):
			return fmt.Errorf("%w: %v", ErrRejected, err)
		case reverted(err):
			return fmt.Errorf("%w: %s", ErrReverted, RevertReason(err))
		default:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	c.logger.Debug("transaction submitted", zap.String("hash", tx.Hash().Hex()))
	return nil
}

// WaitForReceipt polls for the receipt until it is mined or ctx is done.
// A mined receipt with status 0 is returned alongside ErrReverted.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		rcpt, err := c.ec.TransactionReceipt(ctx, hash)
		if err == nil {
			if rcpt.Status == types.ReceiptStatusFailed {
				return rcpt, fmt.Errorf("%w: transaction %s reverted on-chain", ErrReverted, hash.Hex())
			}
			return rcpt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, wrapRead("receipt", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for receipt %s: %v", ErrUnavailable, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
