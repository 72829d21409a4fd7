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
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stagedeth/stagedeth/consensus"
	"github.com/stagedeth/stagedeth/core/executor"
	"github.com/stagedeth/stagedeth/kv"
)

// ExecInput describes one forward batch of a stage.
type ExecInput struct {
	From     uint64      // persisted checkpoint, the last block already processed
	To       uint64      // last block of the batch, inclusive
	Upstream uint64      // checkpoint of the preceding stage
	Target   Target      // overall sync target
	Source   BlockSource // block source of the current run, nil during imports of stored data
}

// ExecOutput reports the progress of a forward batch.
type ExecOutput struct {
	Checkpoint uint64 // last block fully processed
	Done       bool   // whether Checkpoint reached the batch end
}

// UnwindInput describes an unwind of a stage.
type UnwindInput struct {
	From uint64 // persisted checkpoint
	To   uint64 // block to unwind to, inclusive
}

// UnwindOutput reports the checkpoint a stage was reverted to.
type UnwindOutput struct {
	Checkpoint uint64
}

// Stage is one step of the pipeline. Execute and Unwind write through the given
// transaction only; the pipeline adds the checkpoint and commits.
type Stage interface {
	ID() StageID
	Execute(ctx context.Context, tx kv.RwTx, in ExecInput) (ExecOutput, error)
	Unwind(ctx context.Context, tx kv.RwTx, in UnwindInput) (UnwindOutput, error)

	sealed()
}

// Deps are the collaborators shared by the stages.
type Deps struct {
	Validator consensus.Validator
	Executor  executor.Executor
	Signer    types.Signer
}

// Config tunes the pipeline.
type Config struct {
	CommitThreshold uint64        // maximum number of blocks per stage transaction
	MaxRetries      int           // retries of a failing batch before the sync stalls
	RetryBackoff    time.Duration // base delay of the exponential retry backoff
	PruneDistance   uint64        // number of blocks of change sets and history kept
	SenderWorkers   int           // concurrent sender recovery goroutines
	HashWorkers     int           // concurrent address hashing workers
	VerifyEveryRoot bool          // check the state root of every block instead of the batch end
}

// DefaultConfig contains the default pipeline settings.
var DefaultConfig = Config{
	CommitThreshold: 1024,
	MaxRetries:      5,
	RetryBackoff:    200 * time.Millisecond,
	PruneDistance:   90000,
	SenderWorkers:   runtime.NumCPU(),
	HashWorkers:     4,
	VerifyEveryRoot: true,
}

func (c *Config) sanitize() {
	if c.CommitThreshold == 0 {
		c.CommitThreshold = DefaultConfig.CommitThreshold
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultConfig.RetryBackoff
	}
	if c.SenderWorkers <= 0 {
		c.SenderWorkers = 1
	}
	if c.HashWorkers <= 0 {
		c.HashWorkers = 1
	}
}

// DefaultStages returns the stage list in StageOrder.
func DefaultStages(deps Deps, cfg Config) []Stage {
	return []Stage{
		&headersStage{validator: deps.Validator},
		&bodiesStage{validator: deps.Validator},
		&sendersStage{signer: deps.Signer, workers: cfg.SenderWorkers},
		&executionStage{executor: deps.Executor},
		&hashStateStage{workers: cfg.HashWorkers},
		&trieRootStage{verifyEvery: cfg.VerifyEveryRoot},
		&historyStage{},
		&pruneStage{distance: cfg.PruneDistance},
	}
}

// unwindRange returns the checkpoint an unwind leaves the stage at and whether
// there is anything to revert.
func unwindRange(in UnwindInput) (uint64, bool) {
	if in.From <= in.To {
		return in.From, false
	}
	return in.To, true
}
