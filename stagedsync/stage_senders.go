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
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/kv"
	"golang.org/x/sync/errgroup"
)

// sendersStage recovers the transaction senders of every block.
type sendersStage struct {
	signer  types.Signer
	workers int
}

func (s *sendersStage) ID() StageID { return Senders }
func (s *sendersStage) sealed()     {}

func (s *sendersStage) Execute(ctx context.Context, tx kv.RwTx, in ExecInput) (ExecOutput, error) {
	count := int(in.To - in.From)
	blocks := make([]*types.Block, count)
	for i := range blocks {
		n := in.From + 1 + uint64(i)
		block, err := rawdb.ReadCanonicalBlock(tx, n)
		if err != nil {
			return ExecOutput{}, err
		}
		if block == nil {
			return ExecOutput{}, fmt.Errorf("%w: missing canonical block #%d", rawdb.ErrCorrupted, n)
		}
		blocks[i] = block
	}
	// Every block gets its own result slot, so the written order never depends on
	// the goroutine scheduling.
	var (
		senders = make([][]common.Address, count)
		errs    = make([]error, count)
		g       errgroup.Group
	)
	g.SetLimit(s.workers)
	for i := range blocks {
		i := i
		g.Go(func() error {
			txs := blocks[i].Transactions()
			addrs := make([]common.Address, len(txs))
			for j, t := range txs {
				from, err := types.Sender(s.signer, t)
				if err != nil {
					errs[i] = fmt.Errorf("invalid signature of tx %d [%x]: %w", j, t.Hash(), err)
					return nil
				}
				addrs[j] = from
			}
			senders[i] = addrs
			return nil
		})
	}
	g.Wait()

	for i, block := range blocks {
		if errs[i] != nil {
			return ExecOutput{}, &BlockError{Number: block.NumberU64(), Hash: block.Hash(), Stage: Senders, Err: errs[i]}
		}
		if err := rawdb.WriteSenders(tx, block.Hash(), block.NumberU64(), senders[i]); err != nil {
			return ExecOutput{}, err
		}
	}
	return ExecOutput{Checkpoint: in.To, Done: true}, nil
}

func (s *sendersStage) Unwind(ctx context.Context, tx kv.RwTx, in UnwindInput) (UnwindOutput, error) {
	to, ok := unwindRange(in)
	if !ok {
		return UnwindOutput{Checkpoint: to}, nil
	}
	err := forCanonical(tx, to+1, in.From, func(header *types.Header) error {
		return rawdb.DeleteSenders(tx, header.Hash(), header.Number.Uint64())
	})
	if err != nil {
		return UnwindOutput{}, err
	}
	return UnwindOutput{Checkpoint: to}, nil
}
