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

package stagedsync

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/core/state"
	"github.com/stagedeth/stagedeth/kv"
)

// historyMarker is the value of AccountHistory entries; the key carries all
// the information.
var historyMarker = []byte{0x01}

// historyStage indexes the blocks touching each account and the block of every
// transaction.
type historyStage struct{}

func (s *historyStage) ID() StageID { return HistoryIndex }
func (s *historyStage) sealed()     {}

func (s *historyStage) Execute(ctx context.Context, tx kv.RwTx, in ExecInput) (ExecOutput, error) {
	var keys [][]byte
	err := state.WalkChangeSets(tx, in.From+1, in.To, func(number uint64, addr common.Address, _ *state.Account) error {
		keys = append(keys, rawdb.HistoryKey(addr, number))
		return nil
	})
	if err != nil {
		return ExecOutput{}, err
	}
	for _, key := range keys {
		if err := tx.Put(kv.AccountHistory, key, historyMarker); err != nil {
			return ExecOutput{}, err
		}
	}
	for n := in.From + 1; n <= in.To; n++ {
		block, err := rawdb.ReadCanonicalBlock(tx, n)
		if err != nil {
			return ExecOutput{}, err
		}
		if block == nil {
			return ExecOutput{}, fmt.Errorf("%w: missing canonical block #%d", rawdb.ErrCorrupted, n)
		}
		if err := rawdb.WriteTxLookupEntriesByBlock(tx, block); err != nil {
			return ExecOutput{}, err
		}
	}
	return ExecOutput{Checkpoint: in.To, Done: true}, nil
}

func (s *historyStage) Unwind(ctx context.Context, tx kv.RwTx, in UnwindInput) (UnwindOutput, error) {
	to, ok := unwindRange(in)
	if !ok {
		return UnwindOutput{Checkpoint: to}, nil
	}
	if err := deleteHistory(tx, to+1, in.From); err != nil {
		return UnwindOutput{}, err
	}
	for n := to + 1; n <= in.From; n++ {
		block, err := rawdb.ReadCanonicalBlock(tx, n)
		if err != nil {
			return UnwindOutput{}, err
		}
		if block == nil {
			continue
		}
		if err := rawdb.DeleteTxLookupEntries(tx, block.Transactions()); err != nil {
			return UnwindOutput{}, err
		}
	}
	return UnwindOutput{Checkpoint: to}, nil
}

// deleteHistory removes the history entries of the blocks in [from, to], as
// listed by their change sets.
func deleteHistory(tx kv.RwTx, from, to uint64) error {
	var keys [][]byte
	err := state.WalkChangeSets(tx, from, to, func(number uint64, addr common.Address, _ *state.Account) error {
		keys = append(keys, rawdb.HistoryKey(addr, number))
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := tx.Delete(kv.AccountHistory, key); err != nil {
			return err
		}
	}
	return nil
}

// ReadAccountHistory returns the numbers of the blocks that modified an
// account, in ascending order.
func ReadAccountHistory(tx kv.Tx, addr common.Address) ([]uint64, error) {
	c, err := tx.Cursor(kv.AccountHistory)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var numbers []uint64
	k, _, err := c.Seek(addr.Bytes())
	for ; k != nil && err == nil; k, _, err = c.Next() {
		if len(k) != common.AddressLength+8 || common.BytesToAddress(k[:common.AddressLength]) != addr {
			break
		}
		numbers = append(numbers, rawdb.DecodeBlockNumber(k[common.AddressLength:]))
	}
	return numbers, err
}
