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

package consensus

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/stretchr/testify/require"
)

func testParent() *types.Header {
	return &types.Header{
		Number:     big.NewInt(10),
		Time:       100,
		GasLimit:   8_000_000,
		Difficulty: big.NewInt(1),
	}
}

func testChild(parent *types.Header) *types.Header {
	return &types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number, common.Big1),
		Time:       parent.Time + 12,
		GasLimit:   parent.GasLimit,
		Difficulty: big.NewInt(1),
	}
}

func TestValidateHeader(t *testing.T) {
	v := NewValidator(Config{})
	parent := testParent()

	tests := []struct {
		name   string
		mutate func(h *types.Header)
		err    error
	}{
		{"valid", func(h *types.Header) {}, nil},
		{"number gap", func(h *types.Header) { h.Number = big.NewInt(12) }, ErrInvalidNumber},
		{"wrong parent", func(h *types.Header) { h.ParentHash = common.Hash{0x01} }, ErrInvalidParentHash},
		{"same time", func(h *types.Header) { h.Time = parent.Time }, ErrOlderBlockTime},
		{"older time", func(h *types.Header) { h.Time = parent.Time - 1 }, ErrOlderBlockTime},
		{"negative difficulty", func(h *types.Header) { h.Difficulty = big.NewInt(-1) }, ErrInvalidDifficulty},
		{"gas limit jump", func(h *types.Header) { h.GasLimit = parent.GasLimit * 2 }, ErrInvalidGasLimit},
		{"gas used", func(h *types.Header) { h.GasUsed = h.GasLimit + 1 }, ErrInvalidGasUsed},
		{"extra", func(h *types.Header) { h.Extra = make([]byte, params.MaximumExtraDataSize+1) }, ErrExtraDataTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			child := testChild(parent)
			tt.mutate(child)
			err := v.ValidateHeader(child, parent)
			if tt.err == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.err)
			}
		})
	}
	require.ErrorIs(t, v.ValidateHeader(testChild(parent), nil), ErrUnknownAncestor)

	child := testChild(parent)
	child.Time = parent.Time
	require.NoError(t, NewValidator(Config{AllowEqualTime: true}).ValidateHeader(child, parent))
}

func TestValidateBody(t *testing.T) {
	v := NewValidator(Config{})

	key := common.Address{0x01}
	txs := types.Transactions{types.NewTransaction(0, key, big.NewInt(1), 21000, big.NewInt(1), nil)}
	block := types.NewBlock(testChild(testParent()), txs, nil, nil, trie.NewStackTrie(nil))
	require.NoError(t, v.ValidateBody(block.Header(), block.Body()))

	// A body that does not belong to the header.
	other := &types.Body{Transactions: append(txs, types.NewTransaction(1, key, big.NewInt(1), 21000, big.NewInt(1), nil))}
	require.ErrorIs(t, v.ValidateBody(block.Header(), other), ErrInvalidTxRoot)

	uncles := &types.Body{Transactions: txs, Uncles: []*types.Header{testParent()}}
	require.ErrorIs(t, v.ValidateBody(block.Header(), uncles), ErrInvalidUncleHash)

	withdrawals := &types.Body{Transactions: txs, Withdrawals: []*types.Withdrawal{{Index: 1}}}
	require.ErrorIs(t, v.ValidateBody(block.Header(), withdrawals), ErrInvalidWithdrawals)
}
