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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/sethvargo/go-retry"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/kv"
)

const (
	// maxConsecutiveUnwinds caps the unwinds requested by the block source in a
	// row without any stage advancing in between.
	maxConsecutiveUnwinds = 3

	// deepUnwind is the depth above which unwinds are logged as warnings.
	deepUnwind = 64
)

// Pipeline drives the stages towards a target block. Runs and unwinds are
// serialized; SetTarget may be called concurrently with a run.
type Pipeline struct {
	db      kv.RwDB
	stages  []Stage
	config  Config
	metrics map[StageID]*stageMetrics

	mu     sync.Mutex // serializes runs and unwinds
	target atomic.Pointer[Target]
	halted atomic.Bool

	// afterCommit is invoked after every committed stage transaction.
	afterCommit func(id StageID, checkpoint uint64) error
}

// New creates a pipeline over db running the default stages.
func New(db kv.RwDB, deps Deps, config Config) *Pipeline {
	config.sanitize()
	p := &Pipeline{
		db:      db,
		stages:  DefaultStages(deps, config),
		config:  config,
		metrics: make(map[StageID]*stageMetrics),
	}
	for _, id := range StageOrder {
		p.metrics[id] = newStageMetrics(id)
	}
	p.target.Store(&Target{})
	return p
}

// SetTarget moves the sync target. A running pipeline picks it up at the next
// stage boundary.
func (p *Pipeline) SetTarget(target Target) {
	p.target.Store(&target)
}

// Target returns the current sync target.
func (p *Pipeline) Target() Target {
	return *p.target.Load()
}

// Halted reports whether a fatal error stopped the pipeline.
func (p *Pipeline) Halted() bool {
	return p.halted.Load()
}

// Run advances every stage to target, fetching missing data from source. It
// returns nil once all checkpoints reached the target (which may have moved in
// the meantime).
func (p *Pipeline) Run(ctx context.Context, source BlockSource, target Target) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.halted.Load() {
		return ErrHalted
	}
	p.SetTarget(target)
	if err := p.prepare(ctx); err != nil {
		return p.check(err)
	}
	start := time.Now()
	for unwinds := 0; ; {
		progressed, done, err := p.round(ctx, source)
		if progressed {
			unwinds = 0
		}
		if err == nil {
			if done {
				log.Info("Sync pipeline finished", "target", p.Target().Number, "elapsed", common.PrettyDuration(time.Since(start)))
				return nil
			}
			if !progressed {
				return fmt.Errorf("%w: no stage advanced towards #%d", ErrStalled, p.Target().Number)
			}
			continue
		}
		var (
			badErr    *BlockError
			unwindErr *UnwindRequiredError
		)
		switch {
		case errors.As(err, &badErr):
			return p.handleBadBlock(ctx, badErr)

		case errors.As(err, &unwindErr):
			if unwinds >= maxConsecutiveUnwinds {
				return fmt.Errorf("%w: %d unwinds without progress", ErrStalled, unwinds)
			}
			unwinds++
			if err := p.unwind(ctx, unwindErr.To); err != nil {
				return p.check(err)
			}
		default:
			return p.check(err)
		}
	}
}

// Unwind reverts every stage to block to. Unwinds below the finalized block or
// beyond the retained change sets are refused.
func (p *Pipeline) Unwind(ctx context.Context, to uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.halted.Load() {
		return ErrHalted
	}
	if err := p.prepare(ctx); err != nil {
		return p.check(err)
	}
	return p.check(p.unwind(ctx, to))
}

// check classifies an error leaving the pipeline. Errors that are not caused by
// the chain data, the source or the caller halt the pipeline for good.
func (p *Pipeline) check(err error) error {
	if err == nil {
		return nil
	}
	var (
		badErr    *BlockError
		unwindErr *UnwindRequiredError
		srcErr    *sourceError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrStalled), errors.Is(err, ErrUnwindBelowFinalized), errors.Is(err, ErrUnwindBeyondHistory):
		return err
	case errors.As(err, &badErr), errors.As(err, &unwindErr), errors.As(err, &srcErr):
		return err
	}
	p.halted.Store(true)
	log.Error("Sync pipeline halted", "err", err)
	return fmt.Errorf("%w: %w", ErrHalted, err)
}

// prepare completes an interrupted unwind and validates the persisted stage
// state before anything else runs.
func (p *Pipeline) prepare(ctx context.Context) error {
	var (
		to      uint64
		pending bool
	)
	err := p.db.View(ctx, func(tx kv.Tx) (err error) {
		to, pending, err = rawdb.ReadUnwindTarget(tx)
		return err
	})
	if err != nil {
		return err
	}
	if pending {
		log.Warn("Resuming interrupted unwind", "to", to)
		if err := p.revert(ctx, to); err != nil {
			return err
		}
	}
	return p.db.Update(ctx, func(tx kv.RwTx) error {
		version, ok, err := rawdb.ReadStageOrderVersion(tx)
		if err != nil {
			return err
		}
		if !ok {
			if err := rawdb.WriteStageOrderVersion(tx, StageOrderVersion); err != nil {
				return err
			}
		} else if version != StageOrderVersion {
			return fmt.Errorf("%w: stage order version %d, want %d", ErrCheckpointMismatch, version, StageOrderVersion)
		}
		prev, prevID := ^uint64(0), StageID("")
		for _, stage := range p.stages {
			checkpoint, err := rawdb.ReadStageProgress(tx, string(stage.ID()))
			if err != nil {
				return err
			}
			if checkpoint > prev {
				return fmt.Errorf("%w: %s at %d is ahead of %s at %d", ErrCheckpointMismatch, stage.ID(), checkpoint, prevID, prev)
			}
			prev, prevID = checkpoint, stage.ID()
		}
		return nil
	})
}

func (p *Pipeline) checkpoint(ctx context.Context, id StageID) (checkpoint uint64, err error) {
	err = p.db.View(ctx, func(tx kv.Tx) error {
		checkpoint, err = rawdb.ReadStageProgress(tx, string(id))
		return err
	})
	return checkpoint, err
}

// round runs every stage once, in order, up to its horizon.
func (p *Pipeline) round(ctx context.Context, source BlockSource) (progressed bool, done bool, err error) {
	done = true
	var (
		upstream uint64
		stalled  error
	)
	for i, stage := range p.stages {
		var (
			id      = stage.ID()
			start   = time.Now()
			initial uint64
		)
		for first := true; ; first = false {
			if err := ctx.Err(); err != nil {
				return progressed, false, err
			}
			target := p.Target()
			checkpoint, err := p.checkpoint(ctx, id)
			if err != nil {
				return progressed, false, err
			}
			if first {
				initial = checkpoint
			}
			horizon := target.Number
			if i > 0 && upstream < horizon {
				horizon = upstream
			}
			if checkpoint >= horizon {
				break
			}
			to := horizon
			if to-checkpoint > p.config.CommitThreshold {
				to = checkpoint + p.config.CommitThreshold
			}
			out, err := p.runBatch(ctx, stage, ExecInput{
				From:     checkpoint,
				To:       to,
				Upstream: upstream,
				Target:   target,
				Source:   source,
			})
			if errors.Is(err, ErrStalled) {
				// Let the later stages process whatever was fetched so far.
				stalled = err
				break
			}
			if err != nil {
				return progressed, false, err
			}
			if out.Checkpoint > checkpoint {
				progressed = true
			}
			if err := ctx.Err(); err != nil {
				return progressed, false, err
			}
			// An incomplete batch means the source has nothing more for now;
			// hand what arrived to the later stages first.
			if !out.Done {
				break
			}
		}
		checkpoint, err := p.checkpoint(ctx, id)
		if err != nil {
			return progressed, false, err
		}
		if checkpoint > initial {
			log.Info("Stage advanced", "stage", id, "from", initial, "to", checkpoint, "elapsed", common.PrettyDuration(time.Since(start)))
		}
		if checkpoint < p.Target().Number {
			done = false
		}
		upstream = checkpoint
	}
	if stalled != nil {
		return progressed, false, stalled
	}
	return progressed, done, nil
}

// runBatch executes one batch of a stage, retrying transient failures with an
// exponential backoff.
func (p *Pipeline) runBatch(ctx context.Context, stage Stage, in ExecInput) (ExecOutput, error) {
	backoff := retry.NewExponential(p.config.RetryBackoff)
	backoff = retry.WithMaxRetries(uint64(p.config.MaxRetries), backoff)

	var (
		out      ExecOutput
		attempts int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		next, err := p.executeBatch(ctx, stage, in)
		if err != nil {
			if IsTransient(err) {
				retryMeter.Mark(1)
				log.Warn("Stage batch failed", "stage", stage.ID(), "from", in.From+1, "to", in.To, "attempt", attempts, "err", err)
				return retry.RetryableError(err)
			}
			return err
		}
		out = next
		return nil
	})
	if err != nil && IsTransient(err) {
		return ExecOutput{}, fmt.Errorf("%w: stage %s failed %d times: %w", ErrStalled, stage.ID(), attempts, err)
	}
	return out, err
}

// executeBatch runs a stage batch in its own transaction and commits the data
// together with the new checkpoint.
func (p *Pipeline) executeBatch(ctx context.Context, stage Stage, in ExecInput) (ExecOutput, error) {
	id := stage.ID()
	start := time.Now()

	tx, err := p.db.BeginRw(ctx)
	if err != nil {
		return ExecOutput{}, err
	}
	defer tx.Rollback()

	out, err := stage.Execute(ctx, tx, in)
	if err != nil {
		return ExecOutput{}, err
	}
	if out.Checkpoint < in.From || out.Checkpoint > in.To {
		return ExecOutput{}, fmt.Errorf("stage %s reported checkpoint %d outside [%d, %d]", id, out.Checkpoint, in.From, in.To)
	}
	if out.Checkpoint == in.From {
		return ExecOutput{Checkpoint: in.From}, nil
	}
	if err := rawdb.WriteStageProgress(tx, string(id), out.Checkpoint); err != nil {
		return ExecOutput{}, err
	}
	if err := tx.Commit(); err != nil {
		return ExecOutput{}, err
	}
	m := p.metrics[id]
	m.execute.UpdateSince(start)
	m.progress.Update(int64(out.Checkpoint))
	log.Debug("Committed stage batch", "stage", id, "from", in.From+1, "to", out.Checkpoint, "elapsed", common.PrettyDuration(time.Since(start)))

	if p.afterCommit != nil {
		if err := p.afterCommit(id, out.Checkpoint); err != nil {
			return ExecOutput{}, err
		}
	}
	return out, nil
}

// handleBadBlock records an invalid block and unwinds the stages to its parent.
func (p *Pipeline) handleBadBlock(ctx context.Context, bad *BlockError) error {
	badBlockMeter.Mark(1)
	log.Warn("Invalid block", "stage", bad.Stage, "number", bad.Number, "hash", bad.Hash, "err", bad.Err)

	err := p.db.Update(ctx, func(tx kv.RwTx) error {
		header := bad.Header
		if header == nil {
			var err error
			if header, err = rawdb.ReadHeader(tx, bad.Hash, bad.Number); err != nil {
				return err
			}
		}
		if header == nil {
			return nil
		}
		return rawdb.WriteBadBlock(tx, header)
	})
	if err != nil {
		return p.check(err)
	}
	if bad.Number == 0 {
		return bad
	}
	if err := p.unwind(ctx, bad.Number-1); err != nil {
		if err := p.check(err); errors.Is(err, ErrHalted) {
			return err
		}
		log.Error("Failed to unwind past invalid block", "number", bad.Number, "err", err)
	}
	return bad
}

// unwind checks that the chain may be reverted to block to and does so.
func (p *Pipeline) unwind(ctx context.Context, to uint64) error {
	var head uint64
	err := p.db.View(ctx, func(tx kv.Tx) error {
		finalized, err := rawdb.ReadFinalizedNumber(tx)
		if err != nil {
			return err
		}
		if to < finalized {
			return fmt.Errorf("%w: target %d, finalized %d", ErrUnwindBelowFinalized, to, finalized)
		}
		executed, err := rawdb.ReadStageProgress(tx, string(Execution))
		if err != nil {
			return err
		}
		pruned, err := rawdb.ReadStageProgress(tx, string(Prune))
		if err != nil {
			return err
		}
		if limit := pruneLimit(pruned, p.config.PruneDistance); to < executed && to+1 < limit {
			return fmt.Errorf("%w: target %d, oldest change set %d", ErrUnwindBeyondHistory, to, limit)
		}
		head, err = rawdb.ReadStageProgress(tx, string(Headers))
		return err
	})
	if err != nil {
		return err
	}
	if head <= to {
		return nil
	}
	logFn := log.Info
	if head-to > deepUnwind {
		logFn = log.Warn
	}
	logFn("Unwinding chain", "from", head, "to", to, "depth", head-to)

	if err := p.db.Update(ctx, func(tx kv.RwTx) error { return rawdb.WriteUnwindTarget(tx, to) }); err != nil {
		return err
	}
	unwindMeter.Mark(1)
	return p.revert(ctx, to)
}

// revert unwinds the stages in reverse order, committing each with its new
// checkpoint, and clears the unwind marker once all are done.
func (p *Pipeline) revert(ctx context.Context, to uint64) error {
	for i := len(p.stages) - 1; i >= 0; i-- {
		stage := p.stages[i]
		id := stage.ID()
		start := time.Now()

		var reverted bool
		err := p.db.Update(ctx, func(tx kv.RwTx) error {
			from, err := rawdb.ReadStageProgress(tx, string(id))
			if err != nil || from <= to {
				return err
			}
			out, err := stage.Unwind(ctx, tx, UnwindInput{From: from, To: to})
			if err != nil {
				return err
			}
			reverted = true
			return rawdb.WriteStageProgress(tx, string(id), out.Checkpoint)
		})
		if err != nil {
			return fmt.Errorf("unwind stage %s: %w", id, err)
		}
		if !reverted {
			continue
		}
		m := p.metrics[id]
		m.unwind.UpdateSince(start)
		m.progress.Update(int64(to))
		log.Debug("Unwound stage", "stage", id, "to", to, "elapsed", common.PrettyDuration(time.Since(start)))

		if p.afterCommit != nil {
			if err := p.afterCommit(id, to); err != nil {
				return err
			}
		}
	}
	return p.db.Update(ctx, func(tx kv.RwTx) error { return rawdb.DeleteUnwindTarget(tx) })
}

// StageProgress is the persisted checkpoint of a stage.
type StageProgress struct {
	ID         StageID
	Checkpoint uint64
}

// ReadProgress returns the checkpoints of all stages in StageOrder.
func ReadProgress(db kv.Getter) ([]StageProgress, error) {
	progress := make([]StageProgress, 0, len(StageOrder))
	for _, id := range StageOrder {
		checkpoint, err := rawdb.ReadStageProgress(db, string(id))
		if err != nil {
			return nil, err
		}
		progress = append(progress, StageProgress{ID: id, Checkpoint: checkpoint})
	}
	return progress, nil
}

// Progress returns the checkpoints of all stages.
func (p *Pipeline) Progress(ctx context.Context) (progress []StageProgress, err error) {
	err = p.db.View(ctx, func(tx kv.Tx) error {
		progress, err = ReadProgress(tx)
		return err
	})
	return progress, err
}

// Head returns the number of the last fully synced block.
func (p *Pipeline) Head(ctx context.Context) (uint64, error) {
	return p.checkpoint(ctx, Prune)
}

// ReadHead returns the number of the last block every stage has processed.
func ReadHead(db kv.Getter) (uint64, error) {
	return rawdb.ReadStageProgress(db, string(Prune))
}
