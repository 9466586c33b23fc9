package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is the capability handed to the executor: it can sign a transaction
// for one account on one chain. Wallet-connection infrastructure supplies
// implementations; the engine never constructs keys on its own except for
// the local KeyedSigner used by the CLI.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// KeyedSigner signs with an in-process private key.
type KeyedSigner struct {
	prv     *ecdsa.PrivateKey
	address common.Address
	inner   types.Signer
}

// NewKeyedSigner parses a hex private key (with or without 0x) for the given
// chain.
func NewKeyedSigner(pkHex string, chainID *big.Int) (*KeyedSigner, error) {
	h := strings.TrimPrefix(strings.TrimSpace(pkHex), "0x")
	if h == "" {
		return nil, fmt.Errorf("private key is empty")
	}
	prv, err := crypto.HexToECDSA(h)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeyedSigner{
		prv:     prv,
		address: crypto.PubkeyToAddress(prv.PublicKey),
		inner:   types.LatestSignerForChainID(chainID),
	}, nil
}

func (s *KeyedSigner) Address() common.Address { return s.address }

func (s *KeyedSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, s.inner, s.prv)
}
