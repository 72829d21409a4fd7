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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/core/state"
	"github.com/stagedeth/stagedeth/kv"
)

// pruneStage drops change sets and history older than the prune distance and
// advances the head block marker. Being last, its checkpoint is the height of
// the fully synced chain.
type pruneStage struct {
	distance uint64
}

func (s *pruneStage) ID() StageID { return Prune }
func (s *pruneStage) sealed()     {}

// pruneLimit returns the lowest block whose change set survives at progress.
func pruneLimit(progress, distance uint64) uint64 {
	if progress <= distance {
		return 0
	}
	return progress - distance
}

func (s *pruneStage) Execute(ctx context.Context, tx kv.RwTx, in ExecInput) (ExecOutput, error) {
	from, to := pruneLimit(in.From, s.distance), pruneLimit(in.To, s.distance)
	if to > from {
		if err := deleteHistory(tx, from, to-1); err != nil {
			return ExecOutput{}, err
		}
		var keys [][]byte
		err := state.WalkChangeSets(tx, from, to-1, func(number uint64, addr common.Address, _ *state.Account) error {
			keys = append(keys, rawdb.ChangeSetKey(number, addr))
			return nil
		})
		if err != nil {
			return ExecOutput{}, err
		}
		for _, key := range keys {
			if err := tx.Delete(kv.AccountChangeSet, key); err != nil {
				return ExecOutput{}, err
			}
		}
		log.Debug("Pruned history", "from", from, "to", to-1, "entries", len(keys))
	}
	if err := writeHead(tx, in.To); err != nil {
		return ExecOutput{}, err
	}
	return ExecOutput{Checkpoint: in.To, Done: true}, nil
}

func (s *pruneStage) Unwind(ctx context.Context, tx kv.RwTx, in UnwindInput) (UnwindOutput, error) {
	to, ok := unwindRange(in)
	if !ok {
		return UnwindOutput{Checkpoint: to}, nil
	}
	if err := writeHead(tx, to); err != nil {
		return UnwindOutput{}, err
	}
	return UnwindOutput{Checkpoint: to}, nil
}

func writeHead(tx kv.RwTx, number uint64) error {
	header, err := readCanonical(tx, number)
	if err != nil {
		return err
	}
	return rawdb.WriteHeadBlockHash(tx, header.Hash())
}
