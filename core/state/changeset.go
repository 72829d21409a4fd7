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
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/kv"
)

// Change set values carry a one byte tag so that an account absent before the
// block never stores an empty value.
var errStop = errors.New("stop iteration")

const (
	changeAbsent  = 0x00
	changeExisted = 0x01
)

func encodeChange(prev *Account) ([]byte, error) {
	if prev == nil {
		return []byte{changeAbsent}, nil
	}
	enc, err := EncodeAccount(prev)
	if err != nil {
		return nil, err
	}
	return append([]byte{changeExisted}, enc...), nil
}

func decodeChange(data []byte) (*Account, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty change set value", rawdb.ErrCorrupted)
	}
	switch data[0] {
	case changeAbsent:
		return nil, nil
	case changeExisted:
		return DecodeAccount(data[1:])
	default:
		return nil, fmt.Errorf("%w: change set tag %#x", rawdb.ErrCorrupted, data[0])
	}
}

// WriteAccount stores acc in the plain state, removing the entry if acc is nil.
func WriteAccount(db kv.Putter, table string, key []byte, acc *Account) error {
	if acc == nil {
		return db.Delete(table, key)
	}
	enc, err := EncodeAccount(acc)
	if err != nil {
		return err
	}
	return db.Put(table, key, enc)
}

// ApplyDiff writes the changes of block number into the plain state and records
// the previous values in the change set of that block.
func ApplyDiff(tx kv.RwTx, number uint64, diff *Diff) error {
	for _, c := range diff.Changes() {
		prev, err := encodeChange(c.Prev)
		if err != nil {
			return err
		}
		if err := tx.Put(kv.AccountChangeSet, rawdb.ChangeSetKey(number, c.Address), prev); err != nil {
			return fmt.Errorf("store change set: %w", err)
		}
		if err := WriteAccount(tx, kv.PlainState, c.Address.Bytes(), c.Next); err != nil {
			return fmt.Errorf("store account %x: %w", c.Address, err)
		}
	}
	return nil
}

// WalkChangeSets calls fn for every change set entry of the blocks in
// [from, to], in ascending block order.
func WalkChangeSets(tx kv.Tx, from, to uint64, fn func(number uint64, addr common.Address, prev *Account) error) error {
	limit := rawdb.EncodeBlockNumber(to + 1)
	err := tx.ForEach(kv.AccountChangeSet, rawdb.EncodeBlockNumber(from), func(k, v []byte) error {
		if to != ^uint64(0) && bytes.Compare(k, limit) >= 0 {
			return errStop
		}
		prev, err := decodeChange(v)
		if err != nil {
			return err
		}
		return fn(rawdb.DecodeBlockNumber(k), common.BytesToAddress(k[8:]), prev)
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

// ChangedAccounts returns every account modified by the blocks in [from, to].
// For each account the value it had before block from is reported as well.
func ChangedAccounts(tx kv.Tx, from, to uint64) (map[common.Address]*Account, error) {
	before := make(map[common.Address]*Account)
	err := WalkChangeSets(tx, from, to, func(_ uint64, addr common.Address, prev *Account) error {
		if _, ok := before[addr]; !ok {
			before[addr] = prev
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return before, nil
}

// RevertChangeSets restores the plain state as it was after block target,
// consuming the change sets of every block above it.
func RevertChangeSets(tx kv.RwTx, target uint64) (int, error) {
	before, err := ChangedAccounts(tx, target+1, ^uint64(0))
	if err != nil {
		return 0, err
	}
	for addr, prev := range before {
		if err := WriteAccount(tx, kv.PlainState, addr.Bytes(), prev); err != nil {
			return 0, err
		}
	}
	if err := kv.DeleteRange(tx, kv.AccountChangeSet, rawdb.EncodeBlockNumber(target+1), nil); err != nil {
		return 0, err
	}
	return len(before), nil
}
