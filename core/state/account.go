// Copyright 2024 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package state provides the flat account state the pipeline executes
// against, its change sets and the state root computation.
package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// emptyCodeHash is the known hash of the empty EVM bytecode.
var emptyCodeHash = crypto.Keccak256(nil)

// Account is the Ethereum consensus representation of an account.
type Account struct {
	Nonce    uint64
	Balance  *uint256.Int
	Root     common.Hash // merkle root of the storage trie
	CodeHash []byte
}

// NewAccount creates an account without code and with an empty storage.
func NewAccount() *Account {
	return &Account{
		Balance:  new(uint256.Int),
		Root:     types.EmptyRootHash,
		CodeHash: common.CopyBytes(emptyCodeHash),
	}
}

// rlpAccount is the wire form of Account. Balance is encoded through big.Int,
// producing the same bytes as the state trie leaf of go-ethereum.
type rlpAccount struct {
	Nonce    uint64
	Balance  *big.Int
	Root     common.Hash
	CodeHash []byte
}

// Copy returns a deep copy of the account.
func (a *Account) Copy() *Account {
	if a == nil {
		return nil
	}
	return &Account{
		Nonce:    a.Nonce,
		Balance:  new(uint256.Int).Set(a.Balance),
		Root:     a.Root,
		CodeHash: common.CopyBytes(a.CodeHash),
	}
}

// Equal reports whether two accounts have identical consensus fields.
func (a *Account) Equal(b *Account) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Nonce == b.Nonce && a.Balance.Eq(b.Balance) && a.Root == b.Root &&
		string(a.CodeHash) == string(b.CodeHash)
}

// EncodeAccount returns the RLP encoding of the account.
func EncodeAccount(a *Account) ([]byte, error) {
	return rlp.EncodeToBytes(&rlpAccount{
		Nonce:    a.Nonce,
		Balance:  a.Balance.ToBig(),
		Root:     a.Root,
		CodeHash: a.CodeHash,
	})
}

// DecodeAccount parses an RLP encoded account.
func DecodeAccount(data []byte) (*Account, error) {
	var dec rlpAccount
	if err := rlp.DecodeBytes(data, &dec); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	balance, overflow := uint256.FromBig(dec.Balance)
	if overflow {
		return nil, fmt.Errorf("decode account: balance %v overflows 256 bits", dec.Balance)
	}
	return &Account{Nonce: dec.Nonce, Balance: balance, Root: dec.Root, CodeHash: dec.CodeHash}, nil
}
