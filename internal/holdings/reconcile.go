// Package holdings derives current token ownership by replaying transfer
// history. Reconciliation is a pure fold with no I/O: holdings are fully
// recomputed from events on every sync rather than incrementally patched, so
// a partial prior failure can never leave stale state behind.
package holdings

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/monadtools/disperse/internal/chain"
)

// Key identifies one token. TokenID is kept in decimal string form because
// big.Int is not a comparable map key.
type Key struct {
	Collection common.Address
	TokenID    string
}

// Holdings maps token → quantity for one owner. Quantity is always positive:
// entries that reach zero or below are removed, which distinguishes "never
// held" from "held and sent away".
type Holdings map[Key]*big.Int

// sortEvents orders events by (BlockNumber, LogIndex) ascending in place.
// This is the event history's total order; any stable input permutation
// folds to the same result.
func sortEvents(events []chain.TransferEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
}

// HoldingsOf replays the events and returns what owner currently holds.
// Both directions are checked per event, so a self-transfer nets to zero in
// one pass.
func HoldingsOf(events []chain.TransferEvent, owner common.Address) Holdings {
	sorted := make([]chain.TransferEvent, len(events))
	copy(sorted, events)
	sortEvents(sorted)

	out := make(Holdings)
	for _, ev := range sorted {
		key := Key{Collection: ev.Collection, TokenID: ev.TokenID.String()}
		if ev.To == owner {
			apply(out, key, ev.Amount, false)
		}
		if ev.From == owner {
			apply(out, key, ev.Amount, true)
		}
	}
	return out
}

// Holders replays the events and returns every token's current holders with
// quantities, for collection snapshots. The zero address never appears:
// mints and burns only affect the counterparty.
func Holders(events []chain.TransferEvent) map[Key]map[common.Address]*big.Int {
	sorted := make([]chain.TransferEvent, len(events))
	copy(sorted, events)
	sortEvents(sorted)

	out := make(map[Key]map[common.Address]*big.Int)
	for _, ev := range sorted {
		key := Key{Collection: ev.Collection, TokenID: ev.TokenID.String()}
		perToken := out[key]
		if perToken == nil {
			perToken = make(map[common.Address]*big.Int)
			out[key] = perToken
		}
		if ev.To != (common.Address{}) {
			applyOwner(perToken, ev.To, ev.Amount, false)
		}
		if ev.From != (common.Address{}) {
			applyOwner(perToken, ev.From, ev.Amount, true)
		}
		if len(perToken) == 0 {
			delete(out, key)
		}
	}
	return out
}

func apply(h Holdings, key Key, amount *big.Int, sub bool) {
	cur := h[key]
	if cur == nil {
		cur = big.NewInt(0)
	}
	next := new(big.Int)
	if sub {
		next.Sub(cur, amount)
	} else {
		next.Add(cur, amount)
	}
	if next.Sign() <= 0 {
		delete(h, key)
		return
	}
	h[key] = next
}

func applyOwner(m map[common.Address]*big.Int, owner common.Address, amount *big.Int, sub bool) {
	cur := m[owner]
	if cur == nil {
		cur = big.NewInt(0)
	}
	next := new(big.Int)
	if sub {
		next.Sub(cur, amount)
	} else {
		next.Add(cur, amount)
	}
	if next.Sign() <= 0 {
		delete(m, owner)
		return
	}
	m[owner] = next
}
