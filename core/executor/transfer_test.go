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

package executor

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"
	"github.com/stagedeth/stagedeth/core/state"
	"github.com/stretchr/testify/require"
)

var (
	testKey, _   = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	testAddr     = crypto.PubkeyToAddress(testKey.PublicKey)
	testTo       = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testCoinbase = common.HexToAddress("0x00000000000000000000000000000000000000cb")
)

func funded(balance uint64) state.MapReader {
	acc := state.NewAccount()
	acc.Balance = uint256.NewInt(balance)
	return state.MapReader{testAddr: acc}
}

func makeBlock(t *testing.T, e *Transfer, txs ...*types.LegacyTx) *types.Block {
	t.Helper()
	signed := make(types.Transactions, len(txs))
	for i, inner := range txs {
		tx, err := types.SignNewTx(testKey, e.Signer(), inner)
		require.NoError(t, err)
		signed[i] = tx
	}
	header := &types.Header{
		Number:     big.NewInt(1),
		GasLimit:   100_000,
		Difficulty: big.NewInt(1),
		Coinbase:   testCoinbase,
	}
	return types.NewBlock(header, signed, nil, nil, trie.NewStackTrie(nil))
}

func TestTransferBlock(t *testing.T) {
	e := NewTransfer(Config{ChainID: big.NewInt(1337), BlockReward: big.NewInt(5)})
	block := makeBlock(t, e,
		&types.LegacyTx{Nonce: 0, To: &testTo, Value: big.NewInt(1000), Gas: 21000, GasPrice: big.NewInt(2)},
		&types.LegacyTx{Nonce: 1, To: &testTo, Value: big.NewInt(500), Gas: 30000, GasPrice: big.NewInt(1), Data: []byte{0, 1}},
	)
	res, err := e.ExecuteBlock(funded(1_000_000), block, nil)
	require.NoError(t, err)

	dataGas := params.TxDataZeroGas + params.TxDataNonZeroGasEIP2028
	require.Equal(t, 21000+21000+dataGas, res.GasUsed)
	require.Len(t, res.Receipts, 2)
	require.Equal(t, res.GasUsed, res.Receipts[1].CumulativeGasUsed)

	post := funded(1_000_000)
	post.Apply(res.Diff)
	fees := 21000*2 + (21000 + dataGas)
	require.Equal(t, uint64(1_000_000-1500-fees), post[testAddr].Balance.Uint64())
	require.Equal(t, uint64(2), post[testAddr].Nonce)
	require.Equal(t, uint64(1500), post[testTo].Balance.Uint64())
	require.Equal(t, uint64(fees+5), post[testCoinbase].Balance.Uint64())
}

func TestTransferSendersProvided(t *testing.T) {
	e := NewTransfer(Config{ChainID: big.NewInt(1337)})
	block := makeBlock(t, e, &types.LegacyTx{Nonce: 0, To: &testTo, Value: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(1)})

	res, err := e.ExecuteBlock(funded(100_000), block, []common.Address{testAddr})
	require.NoError(t, err)
	require.Equal(t, uint64(21000), res.GasUsed)

	_, err = e.ExecuteBlock(funded(100_000), block, []common.Address{})
	require.ErrorIs(t, err, ErrSenderMismatch)
}

func TestTransferInvalid(t *testing.T) {
	e := NewTransfer(Config{ChainID: big.NewInt(1337)})
	tests := []struct {
		name    string
		balance uint64
		tx      *types.LegacyTx
		err     error
	}{
		{"nonce too high", 100_000, &types.LegacyTx{Nonce: 1, To: &testTo, Gas: 21000, GasPrice: big.NewInt(1)}, ErrNonceTooHigh},
		{"intrinsic gas", 100_000, &types.LegacyTx{To: &testTo, Gas: 20000, GasPrice: big.NewInt(1)}, ErrIntrinsicGas},
		{"insufficient funds", 21000, &types.LegacyTx{To: &testTo, Value: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(1)}, ErrInsufficientFunds},
		{"block gas", 10_000_000, &types.LegacyTx{To: &testTo, Gas: 200_000, GasPrice: big.NewInt(1)}, ErrGasLimitReached},
		{"creation", 100_000, &types.LegacyTx{Gas: 60000, GasPrice: big.NewInt(1)}, ErrContractCreation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ExecuteBlock(funded(tt.balance), makeBlock(t, e, tt.tx), nil)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEmptyBlockReward(t *testing.T) {
	e := NewTransfer(Config{BlockReward: big.NewInt(7)})
	res, err := e.ExecuteBlock(state.MapReader{}, makeBlock(t, e), nil)
	require.NoError(t, err)
	require.Zero(t, res.GasUsed)
	require.Equal(t, 1, res.Diff.Len())

	res, err = NewTransfer(Config{}).ExecuteBlock(state.MapReader{}, makeBlock(t, e), nil)
	require.NoError(t, err)
	require.Zero(t, res.Diff.Len())
}
