package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// 4-byte selectors for the calls we issue. Calldata is packed by hand
// (selector + left-padded words); the string ABI is only needed for symbol().
func sel(sig string) []byte {
	h := crypto.Keccak256([]byte(sig))
	return h[:4]
}

var (
	selTransfer            = sel("transfer(address,uint256)")
	selBalanceOf           = sel("balanceOf(address)")
	selOwnerOf             = sel("ownerOf(uint256)")
	selBalanceOf1155       = sel("balanceOf(address,uint256)")
	selDecimals            = sel("decimals()")
	selSymbol              = sel("symbol()")
	selSafeTransferFrom721 = sel("safeTransferFrom(address,address,uint256)")
	selSafeTransfer1155    = sel("safeTransferFrom(address,address,uint256,uint256,bytes)")
)

func word(b []byte) []byte { return common.LeftPadBytes(b, 32) }

// EncodeERC20Transfer builds calldata for transfer(to, amount).
func EncodeERC20Transfer(to common.Address, amount *big.Int) []byte {
	out := make([]byte, 0, 4+64)
	out = append(out, selTransfer...)
	out = append(out, word(to.Bytes())...)
	out = append(out, word(amount.Bytes())...)
	return out
}

// EncodeERC721SafeTransfer builds calldata for safeTransferFrom(from, to, tokenId).
func EncodeERC721SafeTransfer(from, to common.Address, tokenID *big.Int) []byte {
	out := make([]byte, 0, 4+96)
	out = append(out, selSafeTransferFrom721...)
	out = append(out, word(from.Bytes())...)
	out = append(out, word(to.Bytes())...)
	out = append(out, word(tokenID.Bytes())...)
	return out
}

// EncodeERC1155SafeTransfer builds calldata for
// safeTransferFrom(from, to, id, amount, data) with empty data bytes.
// The dynamic `bytes` argument is empty, so its head is a fixed offset (0xa0)
// and its tail a zero length word.
func EncodeERC1155SafeTransfer(from, to common.Address, tokenID, amount *big.Int) []byte {
	out := make([]byte, 0, 4+192)
	out = append(out, selSafeTransfer1155...)
	out = append(out, word(from.Bytes())...)
	out = append(out, word(to.Bytes())...)
	out = append(out, word(tokenID.Bytes())...)
	out = append(out, word(amount.Bytes())...)
	out = append(out, word(big.NewInt(0xa0).Bytes())...)
	out = append(out, word(nil)...)
	return out
}

// TokenBalance reads balanceOf(owner) on an ERC-20 contract.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data := append(append([]byte{}, selBalanceOf...), word(owner.Bytes())...)
	ret, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, err
	}
	if len(ret) < 32 {
		return nil, fmt.Errorf("%w: balanceOf returned %d bytes", ErrUnavailable, len(ret))
	}
	return new(big.Int).SetBytes(ret[len(ret)-32:]), nil
}

// OwnerOf reads ownerOf(tokenId) on an ERC-721 contract. A revert (unknown
// token) surfaces as ErrReverted.
func (c *Client) OwnerOf(ctx context.Context, collection common.Address, tokenID *big.Int) (common.Address, error) {
	data := append(append([]byte{}, selOwnerOf...), word(tokenID.Bytes())...)
	ret, err := c.CallContract(ctx, ethereum.CallMsg{To: &collection, Data: data})
	if err != nil {
		return common.Address{}, err
	}
	if len(ret) < 32 {
		return common.Address{}, fmt.Errorf("%w: ownerOf returned %d bytes", ErrUnavailable, len(ret))
	}
	return common.BytesToAddress(ret[12:32]), nil
}

// Balance1155 reads balanceOf(owner, tokenId) on an ERC-1155 contract.
func (c *Client) Balance1155(ctx context.Context, collection, owner common.Address, tokenID *big.Int) (*big.Int, error) {
	data := append(append([]byte{}, selBalanceOf1155...), word(owner.Bytes())...)
	data = append(data, word(tokenID.Bytes())...)
	ret, err := c.CallContract(ctx, ethereum.CallMsg{To: &collection, Data: data})
	if err != nil {
		return nil, err
	}
	if len(ret) < 32 {
		return nil, fmt.Errorf("%w: balanceOf returned %d bytes", ErrUnavailable, len(ret))
	}
	return new(big.Int).SetBytes(ret[len(ret)-32:]), nil
}

// TokenDecimals reads decimals(); defaults to 18 when the contract does not
// implement it.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	ret, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: selDecimals})
	if err != nil {
		if errors.Is(err, ErrReverted) {
			return 18, nil
		}
		return 0, err
	}
	if len(ret) == 0 {
		return 18, nil
	}
	return uint8(ret[len(ret)-1]), nil
}

var stringABI abi.Arguments

func init() {
	t, _ := abi.NewType("string", "", nil)
	stringABI = abi.Arguments{{Type: t}}
}

// TokenSymbol reads symbol(); empty string when missing or undecodable.
func (c *Client) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	ret, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: selSymbol})
	if err != nil {
		if errors.Is(err, ErrReverted) {
			return "", nil
		}
		return "", err
	}
	vals, err := stringABI.Unpack(ret)
	if err != nil || len(vals) == 0 {
		// some legacy tokens return bytes32
		return strings.TrimRight(string(ret), "\x00"), nil
	}
	s, _ := vals[0].(string)
	return s, nil
}
