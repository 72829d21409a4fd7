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

package coordinator

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stagedeth/stagedeth/stagedsync"
)

// backfillAncestors requests a backfill reaching the missing ancestor of a
// buffered block.
func (c *Coordinator) backfillAncestors(hash common.Hash) {
	number, parent, ok := c.tree.MissingAncestor(hash)
	if !ok {
		return
	}
	c.requestBackfill(stagedsync.Target{Number: number, Hash: parent})
}

// requestBackfill schedules a backfill towards target. A pending request is
// replaced by the newer one.
func (c *Coordinator) requestBackfill(target stagedsync.Target) {
	if c.source == nil {
		log.Warn("Backfill requested without block source", "number", target.Number, "hash", target.Hash)
		return
	}
	c.backfillLock.Lock()
	c.backfillTarget = &target
	c.backfillLock.Unlock()

	select {
	case c.backfillCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) nextBackfill() (stagedsync.Target, bool) {
	c.backfillLock.Lock()
	defer c.backfillLock.Unlock()

	if c.backfillTarget == nil {
		return stagedsync.Target{}, false
	}
	target := *c.backfillTarget
	c.backfillTarget = nil
	return target, true
}

func (c *Coordinator) backfillLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.backfillCh:
			if target, ok := c.nextBackfill(); ok {
				c.backfill(c.ctx, target)
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// backfill runs the pipeline against the network source up to target, then
// reconnects the tree to the extended chain.
func (c *Coordinator) backfill(ctx context.Context, target stagedsync.Target) {
	c.backfilling.Store(true)
	defer c.backfilling.Store(false)

	start := time.Now()
	backfillMeter.Mark(1)
	target, err := c.runBackfill(ctx, target)
	backfillTimer.UpdateSince(start)

	tip := c.Tip()
	if err != nil {
		log.Warn("Backfill failed", "target", target.Number, "hash", target.Hash, "err", err)
	} else {
		log.Info("Backfill finished", "target", target.Number, "head", tip.Number, "elapsed", common.PrettyDuration(time.Since(start)))
	}
	c.backfillFeed.Send(BackfillDoneEvent{Target: target, Head: tip.Number, Err: err})
}

// runBackfill returns the target with its number resolved.
func (c *Coordinator) runBackfill(ctx context.Context, target stagedsync.Target) (stagedsync.Target, error) {
	if target.Number == 0 {
		header, err := c.source.FetchHeader(ctx, target.Hash)
		if err != nil {
			return target, err
		}
		target.Number = header.Number.Uint64()
	}
	if target.Number <= c.Tip().FinalizedNumber {
		return target, nil
	}
	if err := c.token.Acquire(ctx, 1); err != nil {
		return target, err
	}
	defer c.token.Release(1)

	log.Info("Backfilling chain", "target", target.Number, "hash", target.Hash, "head", c.Tip().Number)
	runErr := c.pipeline.Run(ctx, c.source, target)
	if _, err := c.refresh(ctx); err != nil && runErr == nil {
		return target, err
	}
	return target, runErr
}
