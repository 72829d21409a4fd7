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
	"bytes"
	"sort"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	gethrawdb "github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/stagedeth/stagedeth/kv"
)

// hashCache memoizes keccak(address); the same accounts are hashed by every
// block that touches them.
var hashCache = fastcache.New(16 * 1024 * 1024)

// HashedKey returns the secure trie key of an address.
func HashedKey(addr common.Address) common.Hash {
	if enc, ok := hashCache.HasGet(nil, addr.Bytes()); ok {
		hashCacheHitMeter.Mark(1)
		return common.BytesToHash(enc)
	}
	hashCacheMissMeter.Mark(1)
	h := crypto.Keccak256Hash(addr.Bytes())
	hashCache.Set(addr.Bytes(), h.Bytes())
	return h
}

// ComputeRoot computes the account trie root over the HashedAccounts table.
// Keys are visited in ascending order, as the stack trie requires.
func ComputeRoot(tx kv.Tx) (common.Hash, error) {
	st := trie.NewStackTrie(nil)
	var leaves int
	err := tx.ForEach(kv.HashedAccounts, nil, func(k, v []byte) error {
		leaves++
		st.Update(k, v)
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	rootLeavesGauge.Update(int64(leaves))
	return st.Hash(), nil
}

// ComputeRootWithOverrides computes the account trie root over HashedAccounts
// with some entries replaced. A nil account in overrides removes the entry.
func ComputeRootWithOverrides(tx kv.Tx, overrides map[common.Hash]*Account) (common.Hash, error) {
	keys := make([]common.Hash, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	st := trie.NewStackTrie(nil)
	emit := func(key common.Hash) error {
		acc := overrides[key]
		if acc == nil {
			return nil
		}
		enc, err := EncodeAccount(acc)
		if err != nil {
			return err
		}
		st.Update(key[:], enc)
		return nil
	}
	var next int
	err := tx.ForEach(kv.HashedAccounts, nil, func(k, v []byte) error {
		for ; next < len(keys) && bytes.Compare(keys[next][:], k) < 0; next++ {
			if err := emit(keys[next]); err != nil {
				return err
			}
		}
		if next < len(keys) && bytes.Equal(keys[next][:], k) {
			next++
			return emit(keys[next-1])
		}
		st.Update(k, v)
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	for ; next < len(keys); next++ {
		if err := emit(keys[next]); err != nil {
			return common.Hash{}, err
		}
	}
	return st.Hash(), nil
}

// AccountTrie is an account trie held in memory. Node hashes are kept between
// calls to Hash, so after a few updates only the touched paths are rehashed.
type AccountTrie struct {
	trie *trie.Trie
}

// OpenAccountTrie loads HashedAccounts into memory with some entries replaced.
// A nil account in overrides removes the entry.
func OpenAccountTrie(tx kv.Tx, overrides map[common.Hash]*Account) (*AccountTrie, error) {
	t := &AccountTrie{trie: trie.NewEmpty(trie.NewDatabase(gethrawdb.NewMemoryDatabase()))}
	var leaves int
	err := tx.ForEach(kv.HashedAccounts, nil, func(k, v []byte) error {
		if _, ok := overrides[common.BytesToHash(k)]; ok {
			return nil
		}
		leaves++
		return t.trie.Update(common.CopyBytes(k), common.CopyBytes(v))
	})
	if err != nil {
		return nil, err
	}
	for key, acc := range overrides {
		if err := t.Update(key, acc); err != nil {
			return nil, err
		}
	}
	rootLeavesGauge.Update(int64(leaves))
	return t, nil
}

// Update sets the account stored under a hashed key, deleting it if acc is nil.
func (t *AccountTrie) Update(key common.Hash, acc *Account) error {
	if acc == nil {
		return t.trie.Delete(key[:])
	}
	enc, err := EncodeAccount(acc)
	if err != nil {
		return err
	}
	return t.trie.Update(key[:], enc)
}

// Hash returns the current root.
func (t *AccountTrie) Hash() common.Hash {
	return t.trie.Hash()
}

// RootOf computes the state root of an in-memory state.
func RootOf(accounts MapReader) (common.Hash, error) {
	type leaf struct {
		key common.Hash
		val []byte
	}
	leaves := make([]leaf, 0, len(accounts))
	for addr, acc := range accounts {
		enc, err := EncodeAccount(acc)
		if err != nil {
			return common.Hash{}, err
		}
		leaves = append(leaves, leaf{HashedKey(addr), enc})
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i].key[:], leaves[j].key[:]) < 0
	})
	st := trie.NewStackTrie(nil)
	for _, l := range leaves {
		st.Update(l.key[:], l.val)
	}
	return st.Hash(), nil
}

// WriteHashedAccount mirrors a plain account value into HashedAccounts.
func WriteHashedAccount(db kv.Putter, addr common.Address, acc *Account) error {
	key := HashedKey(addr)
	return WriteAccount(db, kv.HashedAccounts, key[:], acc)
}
