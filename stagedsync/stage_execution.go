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
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/stagedeth/stagedeth/consensus"
	"github.com/stagedeth/stagedeth/core/executor"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/core/state"
	"github.com/stagedeth/stagedeth/kv"
)

// executionStage runs the state transition of every block on the plain state.
type executionStage struct {
	executor executor.Executor
}

func (s *executionStage) ID() StageID { return Execution }
func (s *executionStage) sealed()     {}

// storageReader records the first storage failure seen by the executor, telling
// a broken database apart from an invalid block.
type storageReader struct {
	r   state.Reader
	err error
}

func (r *storageReader) Account(addr common.Address) (*state.Account, error) {
	acc, err := r.r.Account(addr)
	if err != nil && r.err == nil {
		r.err = err
	}
	return acc, err
}

func (s *executionStage) Execute(ctx context.Context, tx kv.RwTx, in ExecInput) (ExecOutput, error) {
	var (
		reader = &storageReader{r: state.NewPlainReader(tx)}
		txs    int
	)
	for n := in.From + 1; n <= in.To; n++ {
		// Stop between blocks; the pipeline commits what was executed so far.
		if ctx.Err() != nil {
			log.Debug("Execution interrupted", "number", n-1)
			return ExecOutput{Checkpoint: n - 1}, nil
		}
		block, err := rawdb.ReadCanonicalBlock(tx, n)
		if err != nil {
			return ExecOutput{}, err
		}
		if block == nil {
			return ExecOutput{}, fmt.Errorf("%w: missing canonical block #%d", rawdb.ErrCorrupted, n)
		}
		senders, err := rawdb.ReadSenders(tx, block.Hash(), n)
		if err != nil {
			return ExecOutput{}, err
		}
		if senders == nil {
			return ExecOutput{}, fmt.Errorf("%w: missing senders of #%d", rawdb.ErrCorrupted, n)
		}
		res, err := s.executor.ExecuteBlock(reader, block, senders)
		if err != nil {
			if reader.err != nil {
				return ExecOutput{}, reader.err
			}
			return ExecOutput{}, &BlockError{Number: n, Hash: block.Hash(), Stage: Execution, Err: err}
		}
		if err := checkResult(block.Header(), res); err != nil {
			return ExecOutput{}, &BlockError{Number: n, Hash: block.Hash(), Stage: Execution, Err: err}
		}
		if err := state.ApplyDiff(tx, n, res.Diff); err != nil {
			return ExecOutput{}, err
		}
		if err := rawdb.WriteReceipts(tx, n, res.Receipts); err != nil {
			return ExecOutput{}, err
		}
		executedBlockMeter.Mark(1)
		txs += len(block.Transactions())
	}
	executedTxMeter.Mark(int64(txs))
	return ExecOutput{Checkpoint: in.To, Done: true}, nil
}

// checkResult compares the execution outcome with the commitments of the header.
func checkResult(header *types.Header, res *executor.Result) error {
	if res.GasUsed != header.GasUsed {
		return fmt.Errorf("%w: have %d, want %d", consensus.ErrInvalidGasUsed, res.GasUsed, header.GasUsed)
	}
	if root := types.DeriveSha(res.Receipts, trie.NewStackTrie(nil)); root != header.ReceiptHash {
		return fmt.Errorf("%w (remote: %x local: %x)", ErrInvalidReceiptRoot, header.ReceiptHash, root)
	}
	if bloom := types.CreateBloom(res.Receipts); bloom != header.Bloom {
		return fmt.Errorf("%w (remote: %x local: %x)", ErrInvalidBloom, header.Bloom, bloom)
	}
	return nil
}

func (s *executionStage) Unwind(ctx context.Context, tx kv.RwTx, in UnwindInput) (UnwindOutput, error) {
	to, ok := unwindRange(in)
	if !ok {
		return UnwindOutput{Checkpoint: to}, nil
	}
	reverted, err := state.RevertChangeSets(tx, to)
	if err != nil {
		return UnwindOutput{}, err
	}
	for n := to + 1; n <= in.From; n++ {
		if err := rawdb.DeleteReceipts(tx, n); err != nil {
			return UnwindOutput{}, err
		}
	}
	log.Debug("Reverted state", "to", to, "accounts", reverted)
	return UnwindOutput{Checkpoint: to}, nil
}
