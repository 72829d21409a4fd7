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

package state

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stagedeth/stagedeth/kv"
	"github.com/stagedeth/stagedeth/kv/pebbledb"
	"github.com/stretchr/testify/require"
)

var (
	addrA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	addrB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	addrC = common.HexToAddress("0x000000000000000000000000000000000000000c")
)

func newAccount(nonce uint64, balance uint64) *Account {
	acc := NewAccount()
	acc.Nonce = nonce
	acc.Balance = uint256.NewInt(balance)
	return acc
}

func TestAccountEncoding(t *testing.T) {
	acc := newAccount(3, 1_000_000)
	enc, err := EncodeAccount(acc)
	require.NoError(t, err)

	dec, err := DecodeAccount(enc)
	require.NoError(t, err)
	require.True(t, acc.Equal(dec))

	_, err = DecodeAccount([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestOverlayDiff(t *testing.T) {
	base := MapReader{addrA: newAccount(0, 100), addrB: newAccount(5, 7)}
	o := NewOverlay(base)

	require.NoError(t, o.SubBalance(addrA, uint256.NewInt(30)))
	require.NoError(t, o.SetNonce(addrA, 1))
	require.NoError(t, o.AddBalance(addrC, uint256.NewInt(30)))

	// Read only accounts are not part of the diff.
	nonce, err := o.GetNonce(addrB)
	require.NoError(t, err)
	require.Equal(t, uint64(5), nonce)

	diff := o.Diff()
	require.Equal(t, 2, diff.Len())
	changes := diff.Changes()
	require.Equal(t, addrA, changes[0].Address)
	require.True(t, changes[0].Prev.Equal(newAccount(0, 100)))
	require.True(t, changes[0].Next.Equal(newAccount(1, 70)))
	require.Equal(t, addrC, changes[1].Address)
	require.Nil(t, changes[1].Prev)
	require.True(t, changes[1].Next.Equal(newAccount(0, 30)))

	// The base state is untouched until the diff is applied.
	require.True(t, base[addrA].Equal(newAccount(0, 100)))
	base.Apply(diff)
	require.True(t, base[addrA].Equal(newAccount(1, 70)))
	require.True(t, base[addrC].Equal(newAccount(0, 30)))
}

func TestApplyAndRevertChangeSets(t *testing.T) {
	db, err := pebbledb.NewMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	apply := func(number uint64, mutate func(o *Overlay)) {
		require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
			o := NewOverlay(NewPlainReader(tx))
			mutate(o)
			return ApplyDiff(tx, number, o.Diff())
		}))
	}
	snapshot := func() map[common.Address]*Account {
		out := make(map[common.Address]*Account)
		require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
			return tx.ForEach(kv.PlainState, nil, func(k, v []byte) error {
				acc, err := DecodeAccount(v)
				out[common.BytesToAddress(k)] = acc
				return err
			})
		}))
		return out
	}

	apply(1, func(o *Overlay) { o.AddBalance(addrA, uint256.NewInt(100)) })
	afterOne := snapshot()

	apply(2, func(o *Overlay) {
		o.SubBalance(addrA, uint256.NewInt(40))
		o.AddBalance(addrB, uint256.NewInt(40))
	})
	apply(3, func(o *Overlay) {
		o.SetNonce(addrA, 9)
		o.AddBalance(addrC, uint256.NewInt(1))
	})
	require.Len(t, snapshot(), 3)

	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		changed, err := ChangedAccounts(tx, 2, 3)
		require.NoError(t, err)
		require.Len(t, changed, 3)
		require.True(t, changed[addrA].Equal(newAccount(0, 100)), "value before block 2")
		require.Nil(t, changed[addrB])
		return nil
	}))

	var reverted int
	require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
		reverted, err = RevertChangeSets(tx, 1)
		return err
	}))
	require.Equal(t, 3, reverted)

	after := snapshot()
	require.Len(t, after, len(afterOne))
	for addr, acc := range afterOne {
		require.True(t, acc.Equal(after[addr]), "account %x", addr)
	}
	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		changed, err := ChangedAccounts(tx, 2, ^uint64(0))
		require.NoError(t, err)
		require.Empty(t, changed, "change sets above the target must be consumed")
		return nil
	}))
}

func TestComputeRootMatchesRootOf(t *testing.T) {
	empty, err := RootOf(MapReader{})
	require.NoError(t, err)
	require.Equal(t, types.EmptyRootHash, empty)

	accounts := MapReader{addrA: newAccount(1, 10), addrB: newAccount(0, 20), addrC: newAccount(7, 0)}
	want, err := RootOf(accounts)
	require.NoError(t, err)
	require.NotEqual(t, types.EmptyRootHash, want)

	db, err := pebbledb.NewMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	// Insertion order must not matter.
	require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
		for _, addr := range []common.Address{addrC, addrA, addrB} {
			if err := WriteHashedAccount(tx, addr, accounts[addr]); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		have, err := ComputeRoot(tx)
		require.NoError(t, err)
		require.Equal(t, want, have)
		return nil
	}))
}

func TestHashedKeyCached(t *testing.T) {
	first := HashedKey(addrA)
	require.Equal(t, first, HashedKey(addrA))
	require.NotEqual(t, first, HashedKey(addrB))
}

// The in-memory trie tracks the streamed root across overrides and updates.
func TestAccountTrieUpdates(t *testing.T) {
	accounts := MapReader{addrA: newAccount(1, 10), addrB: newAccount(0, 20)}
	db, err := pebbledb.NewMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
		for addr, acc := range accounts {
			if err := WriteHashedAccount(tx, addr, acc); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		overrides := map[common.Hash]*Account{
			HashedKey(addrB): nil,
			HashedKey(addrC): newAccount(2, 5),
		}
		tr, err := OpenAccountTrie(tx, overrides)
		require.NoError(t, err)
		streamed, err := ComputeRootWithOverrides(tx, overrides)
		require.NoError(t, err)
		want, err := RootOf(MapReader{addrA: accounts[addrA], addrC: newAccount(2, 5)})
		require.NoError(t, err)
		require.Equal(t, want, streamed)
		require.Equal(t, want, tr.Hash())

		require.NoError(t, tr.Update(HashedKey(addrB), accounts[addrB]))
		require.NoError(t, tr.Update(HashedKey(addrC), nil))
		have, err := ComputeRoot(tx)
		require.NoError(t, err)
		require.Equal(t, have, tr.Hash())

		require.NoError(t, tr.Update(HashedKey(addrA), nil))
		require.NoError(t, tr.Update(HashedKey(addrB), nil))
		require.Equal(t, types.EmptyRootHash, tr.Hash())
		return nil
	}))
}
