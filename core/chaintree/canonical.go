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

package chaintree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/kv"
	"github.com/stagedeth/stagedeth/stagedsync"
)

// ErrNotCanonical is returned when finalizing a block off the canonical chain.
var ErrNotCanonical = errors.New("block not canonical")

// Driver moves the persisted canonical chain. It is implemented on top of the
// staged sync pipeline.
type Driver interface {
	// UnwindTo reverts the persisted chain to the given block number.
	UnwindTo(ctx context.Context, number uint64) error

	// ExecutePath imports a run of blocks extending the persisted head. Blocks
	// failing execution are reported as *stagedsync.BlockError.
	ExecutePath(ctx context.Context, blocks []*types.Block) error
}

// BestTip returns the heaviest leaf of the tree if it should replace the current
// canonical head.
func (t *Tree) BestTip(tip Tip) (common.Hash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *node
	for _, n := range t.nodes {
		if !n.isLeaf() || n.status != StatusConnected {
			continue
		}
		if best == nil || t.better(n, best) {
			best = n
		}
	}
	if best == nil {
		return common.Hash{}, false
	}
	switch cmp := best.td.Cmp(tip.TD); {
	case cmp > 0:
		return best.hash(), true
	case cmp == 0 && t.config.TieBreaker == LowestHash:
		return best.hash(), bytes.Compare(best.hash().Bytes(), tip.Hash.Bytes()) < 0
	}
	return common.Hash{}, false
}

// better reports whether leaf a is preferred over leaf b.
func (t *Tree) better(a, b *node) bool {
	if cmp := a.td.Cmp(b.td); cmp != 0 {
		return cmp > 0
	}
	if t.config.TieBreaker == LowestHash {
		return bytes.Compare(a.hash().Bytes(), b.hash().Bytes()) < 0
	}
	return a.seq < b.seq
}

// MakeCanonical turns the chain ending at hash into the persisted canonical
// chain, unwinding the current head down to the common ancestor first. If a
// block on the new chain fails execution, it and its descendants are marked
// invalid and the previous canonical chain is restored. It returns the new tip.
//
// Calls must be serialized by the caller.
func (t *Tree) MakeCanonical(ctx context.Context, hash common.Hash, tip Tip, driver Driver) (Tip, error) {
	if hash == tip.Hash {
		return tip, nil
	}
	t.mu.Lock()
	target := t.nodes[hash]
	if target == nil || target.status == StatusCanonical {
		t.mu.Unlock()
		return t.rewind(ctx, hash, tip, driver)
	}
	// Collect the new chain down to the first block already on the canonical chain.
	var path []*node
	for n := target; n != nil && n.status != StatusCanonical; n = t.nodes[n.parent()] {
		path = append(path, n)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	t.mu.Unlock()

	fork := path[0].number() - 1
	if ok, err := t.isCanonical(path[0].parent(), fork); err != nil {
		return tip, err
	} else if !ok {
		return tip, fmt.Errorf("%w: ancestor #%d [%x] of %x is not canonical", ErrUnknownBlock, fork, path[0].parent(), hash)
	}
	if fork < tip.FinalizedNumber {
		return tip, fmt.Errorf("%w: reorg to %x forks at #%d, finalized #%d", ErrBelowFinality, hash, fork, tip.FinalizedNumber)
	}
	if t.belowDepth(fork+1, tip) {
		return tip, fmt.Errorf("%w: reorg to %x forks at #%d, head #%d", ErrBelowFinality, hash, fork, tip.Number)
	}
	displaced, err := t.readCanonical(ctx, fork+1, tip.Number)
	if err != nil {
		return tip, err
	}
	blocks := make([]*types.Block, len(path))
	for i, n := range path {
		blocks[i] = n.block
	}
	if err := t.apply(ctx, driver, fork, blocks); err != nil {
		var bad *stagedsync.BlockError
		if errors.As(err, &bad) {
			t.rejectBranch(bad.Hash)
			err = fmt.Errorf("%w: %w", ErrInvalidBlock, err)
		}
		// Part of the new chain may be persisted already. The previous chain is
		// put back even if ctx is done, so storage matches the returned tip.
		if rerr := t.apply(context.WithoutCancel(ctx), driver, fork, displaced); rerr != nil {
			log.Error("Failed to restore canonical chain", "number", tip.Number, "hash", tip.Hash, "err", rerr)
			return tip, fmt.Errorf("restore canonical chain after %w: %w", err, rerr)
		}
		return tip, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	onPath := make(map[common.Hash]bool, len(path))
	for _, n := range path {
		n.status = StatusCanonical
		onPath[n.hash()] = true
	}
	for _, block := range displaced {
		if onPath[block.Hash()] {
			continue
		}
		if n := t.nodes[block.Hash()]; n != nil {
			t.discardSubtree(n)
		} else {
			t.noteDiscarded(block.Hash())
		}
	}
	newTip := Tip{
		Number:          target.number(),
		Hash:            hash,
		TD:              new(big.Int).Set(target.td),
		FinalizedNumber: tip.FinalizedNumber,
		FinalizedHash:   tip.FinalizedHash,
	}
	logReorg(fork, displaced, blocks)
	t.pruneDepth(newTip.Number)
	t.updateGauges()
	headGauge.Update(int64(newTip.Number))
	return newTip, nil
}

// apply unwinds the persisted chain to fork and executes blocks on top of it.
func (t *Tree) apply(ctx context.Context, driver Driver, fork uint64, blocks []*types.Block) error {
	if err := driver.UnwindTo(ctx, fork); err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}
	return driver.ExecutePath(ctx, blocks)
}

// rewind handles a head update to a block that is already canonical, which
// shortens the chain.
func (t *Tree) rewind(ctx context.Context, hash common.Hash, tip Tip, driver Driver) (Tip, error) {
	var (
		number *uint64
		td     *big.Int
	)
	err := t.db.View(ctx, func(tx kv.Tx) (err error) {
		if number, err = rawdb.ReadHeaderNumber(tx, hash); err != nil || number == nil {
			return err
		}
		td, err = rawdb.ReadTd(tx, hash, *number)
		return err
	})
	if err != nil {
		return tip, err
	}
	if number == nil || td == nil || *number > tip.Number {
		return tip, fmt.Errorf("%w: %x", ErrUnknownBlock, hash)
	}
	if ok, err := t.isCanonical(hash, *number); err != nil {
		return tip, err
	} else if !ok {
		return tip, fmt.Errorf("%w: %x", ErrUnknownBlock, hash)
	}
	if *number < tip.FinalizedNumber {
		return tip, fmt.Errorf("%w: head #%d, finalized #%d", ErrBelowFinality, *number, tip.FinalizedNumber)
	}
	log.Warn("Rewinding canonical chain", "from", tip.Number, "to", *number, "hash", hash)
	if err := driver.UnwindTo(ctx, *number); err != nil {
		return tip, err
	}
	t.mu.Lock()
	for _, n := range t.nodes {
		if n.status == StatusCanonical && n.number() > *number {
			n.status = StatusConnected
		}
	}
	t.mu.Unlock()

	headGauge.Update(int64(*number))
	return Tip{
		Number:          *number,
		Hash:            hash,
		TD:              td,
		FinalizedNumber: tip.FinalizedNumber,
		FinalizedHash:   tip.FinalizedHash,
	}, nil
}

// readCanonical loads the persisted canonical blocks in [from, to].
func (t *Tree) readCanonical(ctx context.Context, from, to uint64) ([]*types.Block, error) {
	if from > to {
		return nil, nil
	}
	blocks := make([]*types.Block, 0, to-from+1)
	err := t.db.View(ctx, func(tx kv.Tx) error {
		for n := from; n <= to; n++ {
			block, err := rawdb.ReadCanonicalBlock(tx, n)
			if err != nil {
				return err
			}
			if block == nil {
				return fmt.Errorf("%w: canonical block #%d missing", rawdb.ErrCorrupted, n)
			}
			blocks = append(blocks, block)
		}
		return nil
	})
	return blocks, err
}

// rejectBranch marks a block that failed execution and all its descendants as
// invalid.
func (t *Tree) rejectBranch(hash common.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.nodes[hash]
	if n == nil {
		return
	}
	latestValid := n.parent()
	var mark func(n *node)
	mark = func(n *node) {
		t.markInvalid(n.hash(), latestValid)
		for _, child := range n.children.ToSlice() {
			if c := t.nodes[child]; c != nil {
				mark(c)
			}
		}
	}
	mark(n)
	log.Warn("Rejected invalid branch", "number", n.number(), "hash", hash, "latestvalid", latestValid)
	invalidBlockMeter.Mark(1)
	t.discardSubtree(n)
}

// Finalize marks a canonical block as final and drops every tree block that does
// not descend from it. It returns the updated tip.
func (t *Tree) Finalize(hash common.Hash, tip Tip) (Tip, error) {
	if hash == (common.Hash{}) || hash == tip.FinalizedHash {
		return tip, nil
	}
	var number *uint64
	err := t.db.View(context.Background(), func(tx kv.Tx) (err error) {
		number, err = rawdb.ReadHeaderNumber(tx, hash)
		return err
	})
	if err != nil {
		return tip, err
	}
	if number == nil || *number > tip.Number {
		return tip, fmt.Errorf("%w: finalized block %x", ErrNotCanonical, hash)
	}
	if ok, err := t.isCanonical(hash, *number); err != nil {
		return tip, err
	} else if !ok {
		return tip, fmt.Errorf("%w: finalized block #%d [%x]", ErrNotCanonical, *number, hash)
	}
	if *number < tip.FinalizedNumber {
		return tip, fmt.Errorf("%w: finalized #%d moves back from #%d", ErrBelowFinality, *number, tip.FinalizedNumber)
	}
	t.mu.Lock()
	t.finalized = *number
	t.prune(*number, hash)
	t.updateGauges()
	t.mu.Unlock()

	tip.FinalizedNumber, tip.FinalizedHash = *number, hash
	return tip, nil
}

// prune drops every block at or below the cut and every block not descending
// from the block at the cut.
func (t *Tree) prune(cut uint64, cutHash common.Hash) {
	var below []*node
	for number, set := range t.byNumber {
		if number > cut {
			continue
		}
		for _, hash := range set.ToSlice() {
			below = append(below, t.nodes[hash])
		}
	}
	for _, n := range below {
		if t.nodes[n.hash()] == nil {
			continue
		}
		if n.status == StatusCanonical || n.hash() == cutHash {
			n.status = StatusFinalized
			t.remove(n)
			continue
		}
		t.discardSubtree(n)
	}
	if set := t.byNumber[cut+1]; set != nil {
		for _, hash := range set.ToSlice() {
			if n := t.nodes[hash]; n != nil && n.parent() != cutHash {
				t.discardSubtree(n)
			}
		}
	}
	t.dropPendingBelow(cut)
}

// pruneDepth drops blocks too far below the head to be reorganized to.
func (t *Tree) pruneDepth(head uint64) {
	if head <= t.config.MaxReorgDepth {
		return
	}
	cut := head - t.config.MaxReorgDepth
	var stale []*node
	for number, set := range t.byNumber {
		if number > cut {
			continue
		}
		for _, hash := range set.ToSlice() {
			stale = append(stale, t.nodes[hash])
		}
	}
	for _, n := range stale {
		if t.nodes[n.hash()] == nil {
			continue
		}
		if n.status == StatusCanonical {
			t.remove(n)
			continue
		}
		t.discardSubtree(n)
	}
	t.dropPendingBelow(cut)
}

func logReorg(fork uint64, dropped, added []*types.Block) {
	reorgMeter.Mark(1)
	reorgDropMeter.Mark(int64(len(dropped)))
	reorgAddMeter.Mark(int64(len(added)))
	if len(dropped) == 0 {
		log.Debug("Extended canonical chain", "number", added[len(added)-1].NumberU64(), "hash", added[len(added)-1].Hash(), "blocks", len(added))
		return
	}
	msg, logFn := "Chain reorg detected", log.Info
	if len(dropped) > 63 {
		msg, logFn = "Large chain reorg detected", log.Warn
	}
	logFn(msg, "number", fork, "drop", len(dropped), "dropfrom", dropped[0].Hash(),
		"add", len(added), "addfrom", added[0].Hash())
}
