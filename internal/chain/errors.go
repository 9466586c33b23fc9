package chain

import (
	"errors"
	"fmt"
	"strings"
)

// The adapter folds every failure into one of three conditions. Callers
// branch on these with errors.Is; the original RPC error stays wrapped for
// logs.
var (
	// ErrUnavailable covers transient read-path failures: RPC errors,
	// timeouts, rate limiting.
	ErrUnavailable = errors.New("chain unavailable")
	// ErrRejected means the signer (or its provider) declined the transaction.
	ErrRejected = errors.New("transaction rejected")
	// ErrReverted means on-chain execution failed.
	ErrReverted = errors.New("transaction reverted")
)

func wrapRead(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func rejected(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "user denied") ||
		strings.Contains(s, "user rejected") ||
		strings.Contains(s, "request rejected")
}

func reverted(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "execution reverted")
}

// RevertReason extracts the useful tail of a revert error. Providers prefix
// these with transport noise; everything from "execution reverted" on is the
// part worth keeping.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if i := strings.Index(s, "execution reverted"); i >= 0 {
		return s[i:]
	}
	return s
}
