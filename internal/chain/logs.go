package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// TransferEvent is one decoded transfer fact. Total order across a history
// is (BlockNumber, LogIndex) ascending. Events are replay input only and are
// never mutated.
type TransferEvent struct {
	Collection  common.Address
	TokenID     *big.Int
	From        common.Address
	To          common.Address
	Amount      *big.Int
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
}

var (
	topicTransfer       = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	topicTransferSingle = crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)"))
	topicTransferBatch  = crypto.Keccak256Hash([]byte("TransferBatch(address,address,address,uint256[],uint256[])"))
)

var batchDataABI abi.Arguments

func init() {
	arr, _ := abi.NewType("uint256[]", "", nil)
	batchDataABI = abi.Arguments{{Type: arr}, {Type: arr}}
}

// FilterTransferLogs queries transfer logs for a contract over a block range
// and decodes the ERC-20/721 Transfer and ERC-1155 TransferSingle /
// TransferBatch shapes. Undecodable logs are skipped, not fatal.
func (c *Client) FilterTransferLogs(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{contract},
		Topics: [][]common.Hash{
			{topicTransfer, topicTransferSingle, topicTransferBatch},
		},
	}
	logs, err := c.ec.FilterLogs(ctx, q)
	if err != nil {
		return nil, wrapRead("getLogs", err)
	}

	events := make([]TransferEvent, 0, len(logs))
	for _, lg := range logs {
		decoded, ok := decodeTransferLog(lg)
		if !ok {
			c.logger.Debug("skipping undecodable transfer log",
				zap.String("tx", lg.TxHash.Hex()), zap.Uint("logIndex", lg.Index))
			continue
		}
		events = append(events, decoded...)
	}
	return events, nil
}

func decodeTransferLog(lg types.Log) ([]TransferEvent, bool) {
	if len(lg.Topics) == 0 {
		return nil, false
	}
	base := TransferEvent{
		Collection:  lg.Address,
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash,
	}
	switch lg.Topics[0] {
	case topicTransfer:
		switch len(lg.Topics) {
		case 4: // ERC-721: tokenId indexed, quantity fixed at one
			ev := base
			ev.From = common.BytesToAddress(lg.Topics[1].Bytes()[12:])
			ev.To = common.BytesToAddress(lg.Topics[2].Bytes()[12:])
			ev.TokenID = new(big.Int).SetBytes(lg.Topics[3].Bytes())
			ev.Amount = big.NewInt(1)
			return []TransferEvent{ev}, true
		case 3: // ERC-20: amount in data, no token id
			if len(lg.Data) < 32 {
				return nil, false
			}
			ev := base
			ev.From = common.BytesToAddress(lg.Topics[1].Bytes()[12:])
			ev.To = common.BytesToAddress(lg.Topics[2].Bytes()[12:])
			ev.TokenID = big.NewInt(0)
			ev.Amount = new(big.Int).SetBytes(lg.Data[:32])
			return []TransferEvent{ev}, true
		}
		return nil, false

	case topicTransferSingle:
		if len(lg.Topics) != 4 || len(lg.Data) < 64 {
			return nil, false
		}
		ev := base
		ev.From = common.BytesToAddress(lg.Topics[2].Bytes()[12:])
		ev.To = common.BytesToAddress(lg.Topics[3].Bytes()[12:])
		ev.TokenID = new(big.Int).SetBytes(lg.Data[:32])
		ev.Amount = new(big.Int).SetBytes(lg.Data[32:64])
		return []TransferEvent{ev}, true

	case topicTransferBatch:
		if len(lg.Topics) != 4 {
			return nil, false
		}
		vals, err := batchDataABI.Unpack(lg.Data)
		if err != nil || len(vals) != 2 {
			return nil, false
		}
		ids, ok1 := vals[0].([]*big.Int)
		amounts, ok2 := vals[1].([]*big.Int)
		if !ok1 || !ok2 || len(ids) != len(amounts) {
			return nil, false
		}
		from := common.BytesToAddress(lg.Topics[2].Bytes()[12:])
		to := common.BytesToAddress(lg.Topics[3].Bytes()[12:])
		out := make([]TransferEvent, 0, len(ids))
		for i := range ids {
			ev := base
			ev.From = from
			ev.To = to
			ev.TokenID = ids[i]
			ev.Amount = amounts[i]
			out = append(out, ev)
		}
		return out, true
	}
	return nil, false
}
