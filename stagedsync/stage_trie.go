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
	"github.com/ethereum/go-ethereum/log"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/core/state"
	"github.com/stagedeth/stagedeth/kv"
)

// trieRootStage computes state roots over HashedAccounts and checks them
// against the headers. With verifyEvery the root of every block in the batch
// is checked, otherwise only the last one.
type trieRootStage struct {
	verifyEvery bool
}

func (s *trieRootStage) ID() StageID { return TrieRoot }
func (s *trieRootStage) sealed()     {}

func (s *trieRootStage) Execute(ctx context.Context, tx kv.RwTx, in ExecInput) (ExecOutput, error) {
	// HashedAccounts is at the hash stage checkpoint; rewind it to To by
	// overlaying the values recorded in the change sets above.
	overrides := make(map[common.Hash]*state.Account)
	later, err := state.ChangedAccounts(tx, in.To+1, in.Upstream)
	if err != nil {
		return ExecOutput{}, err
	}
	for addr, acc := range later {
		overrides[state.HashedKey(addr)] = acc
	}
	var roots map[uint64]common.Hash
	if s.verifyEvery {
		roots, err = everyRoot(ctx, tx, in, overrides)
	} else {
		var root common.Hash
		root, err = state.ComputeRootWithOverrides(tx, overrides)
		roots = map[uint64]common.Hash{in.To: root}
	}
	if err != nil {
		return ExecOutput{}, err
	}
	// Report the lowest mismatching block.
	var bad *BlockError
	for n := in.From + 1; n <= in.To && bad == nil; n++ {
		root, ok := roots[n]
		if !ok {
			continue
		}
		header, err := readCanonical(tx, n)
		if err != nil {
			return ExecOutput{}, err
		}
		if root != header.Root {
			bad = &BlockError{Number: n, Hash: header.Hash(), Stage: TrieRoot,
				Err: fmt.Errorf("%w (remote: %x local: %x)", ErrInvalidStateRoot, header.Root, root)}
		}
	}
	if bad != nil {
		if !s.verifyEvery {
			log.Warn("State root mismatch at batch end", "number", bad.Number, "from", in.From+1)
		}
		return ExecOutput{}, bad
	}
	for n, root := range roots {
		if err := tx.Put(kv.TrieRoots, rawdb.EncodeBlockNumber(n), root.Bytes()); err != nil {
			return ExecOutput{}, err
		}
	}
	return ExecOutput{Checkpoint: in.To, Done: true}, nil
}

// everyRoot computes the root after each block of the batch. The trie is
// loaded once at To and walked back one change set at a time.
func everyRoot(ctx context.Context, tx kv.Tx, in ExecInput, overrides map[common.Hash]*state.Account) (map[uint64]common.Hash, error) {
	tr, err := state.OpenAccountTrie(tx, overrides)
	if err != nil {
		return nil, err
	}
	roots := make(map[uint64]common.Hash)
	for n := in.To; n > in.From; n-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		roots[n] = tr.Hash()
		if n == in.From+1 {
			break
		}
		err = state.WalkChangeSets(tx, n, n, func(_ uint64, addr common.Address, prev *state.Account) error {
			return tr.Update(state.HashedKey(addr), prev)
		})
		if err != nil {
			return nil, err
		}
	}
	return roots, nil
}

func (s *trieRootStage) Unwind(ctx context.Context, tx kv.RwTx, in UnwindInput) (UnwindOutput, error) {
	to, ok := unwindRange(in)
	if !ok {
		return UnwindOutput{Checkpoint: to}, nil
	}
	if err := kv.DeleteRange(tx, kv.TrieRoots, rawdb.EncodeBlockNumber(to+1), nil); err != nil {
		return UnwindOutput{}, err
	}
	return UnwindOutput{Checkpoint: to}, nil
}

// ReadTrieRoot returns the state root recorded for a block, zero if none.
func ReadTrieRoot(db kv.Getter, number uint64) (common.Hash, error) {
	data, err := db.Get(kv.TrieRoots, rawdb.EncodeBlockNumber(number))
	if err != nil || data == nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}
