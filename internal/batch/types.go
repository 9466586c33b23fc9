package batch

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Type selects what one batch item transfers. It also decides which payload
// variant every item in the batch carries: Disperse for the two disperse
// types, Nft for NFT transfers.
type Type string

const (
	NativeDisperse Type = "native_disperse"
	TokenDisperse  Type = "token_disperse"
	NftTransfer    Type = "nft_transfer"
)

func (t Type) Valid() bool {
	switch t {
	case NativeDisperse, TokenDisperse, NftTransfer:
		return true
	}
	return false
}

// Status is the batch lifecycle:
//
//	Pending → Executing → {Completed, Failed}
//
// with Executing ⇄ Paused as an externally-triggered side loop. Pause is
// cooperative: a concurrent caller writes Paused and the executor observes it
// at the next item boundary.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSimulating Status = "simulating"
	StatusExecuting  Status = "executing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends the batch lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Resumable reports whether a batch in this status may be picked up again.
func (s Status) Resumable() bool {
	switch s {
	case StatusPending, StatusPaused, StatusExecuting:
		return true
	}
	return false
}

// ItemStatus moves only forward:
//
//	Pending → (Simulating) → Executing → {Success, Failed}
//
// Skipped is terminal and reachable only during a resume pass, for items that
// were Success in a prior run.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemSimulating ItemStatus = "simulating"
	ItemExecuting  ItemStatus = "executing"
	ItemSuccess    ItemStatus = "success"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
)

func (s ItemStatus) Terminal() bool {
	return s == ItemSuccess || s == ItemFailed || s == ItemSkipped
}

// CollectionKind distinguishes the two NFT contract families an NftTarget
// can point at.
type CollectionKind string

const (
	Erc721  CollectionKind = "erc721"
	Erc1155 CollectionKind = "erc1155"
)

// DisperseTarget is the payload of a native or token disperse item.
// Amount is in the smallest unit (wei or token base units).
type DisperseTarget struct {
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// NftTarget is the payload of an NFT transfer item. Amount is the quantity
// for ERC-1155 tokens and ignored (fixed at one) for ERC-721.
type NftTarget struct {
	To         common.Address `json:"to"`
	TokenID    *big.Int       `json:"tokenId"`
	Amount     *big.Int       `json:"amount,omitempty"`
	Collection common.Address `json:"collection"`
	Kind       CollectionKind `json:"kind"`
}

// Item is one unit of work. Exactly one of Disperse/Nft is set, keyed by the
// batch type. Index is the resume key and never changes.
type Item struct {
	Index  int        `json:"index"`
	Status ItemStatus `json:"status"`

	Disperse *DisperseTarget `json:"disperse,omitempty"`
	Nft      *NftTarget      `json:"nft,omitempty"`

	TxHash      string     `json:"txHash,omitempty"`
	GasUsed     uint64     `json:"gasUsed,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TokenMetadata is the auxiliary record for token and NFT batches: the
// contract everything in the batch touches, plus display hints.
type TokenMetadata struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol,omitempty"`
	Decimals uint8          `json:"decimals,omitempty"`
}

// Batch is one user-initiated multi-item operation. Item order is the
// execution order and the item slice length is fixed at creation.
type Batch struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	Status        Status         `json:"status"`
	SignerAddress common.Address `json:"signerAddress"`
	Items         []Item         `json:"items"`
	Metadata      *TokenMetadata `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
}

// ErrorKind classifies preflight and execution failures for the UI.
type ErrorKind string

const (
	KindInvalidAddress      ErrorKind = "invalid_address"
	KindInvalidAmount       ErrorKind = "invalid_amount"
	KindNotOwner            ErrorKind = "not_owner"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindChainUnavailable    ErrorKind = "chain_unavailable"
	KindTxRejected          ErrorKind = "transaction_rejected"
	KindTxReverted          ErrorKind = "transaction_reverted"
)
