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

// Package coordinator is the entry point for new blocks and fork-choice updates.
// It owns the canonical chain tip and the single-writer token, and drives the
// chain tree and the sync pipeline together.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stagedeth/stagedeth/core/chaintree"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/kv"
	"github.com/stagedeth/stagedeth/stagedsync"
	"golang.org/x/sync/semaphore"
)

// Backfiller retrieves chain segments from the network.
type Backfiller interface {
	stagedsync.BlockSource

	// FetchHeader resolves a block announced by hash only.
	FetchHeader(ctx context.Context, hash common.Hash) (*types.Header, error)
}

// Config contains the coordinator settings.
type Config struct {
	// BackfillThreshold is the distance above the head from which a buffered
	// block triggers a pipeline backfill instead of waiting for its parents.
	BackfillThreshold uint64
}

// DefaultConfig contains the default coordinator settings.
var DefaultConfig = Config{
	BackfillThreshold: 64,
}

// Coordinator serializes all writers of the canonical chain.
type Coordinator struct {
	db       kv.RwDB
	pipeline *stagedsync.Pipeline
	tree     *chaintree.Tree
	driver   chaintree.Driver
	source   Backfiller // nil disables backfilling
	config   Config

	token *semaphore.Weighted // held by whoever moves the persisted chain

	tipLock sync.RWMutex
	tip     chaintree.Tip

	backfillLock   sync.Mutex
	backfillTarget *stagedsync.Target // latest requested target, nil if none
	backfillCh     chan struct{}
	backfilling    atomic.Bool

	headFeed     event.Feed
	backfillFeed event.Feed
	scope        event.SubscriptionScope

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator over the persisted chain in db.
func New(db kv.RwDB, pipeline *stagedsync.Pipeline, tree *chaintree.Tree, source Backfiller, config Config) (*Coordinator, error) {
	var tip chaintree.Tip
	if err := db.View(context.Background(), func(tx kv.Tx) (err error) {
		tip, err = chaintree.ReadTip(tx)
		return err
	}); err != nil {
		return nil, fmt.Errorf("read chain tip: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		db:         db,
		pipeline:   pipeline,
		tree:       tree,
		driver:     chaintree.NewPipelineDriver(pipeline),
		source:     source,
		config:     config,
		token:      semaphore.NewWeighted(1),
		tip:        tip,
		backfillCh: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	headGauge.Update(int64(tip.Number))
	log.Info("Loaded chain tip", "number", tip.Number, "hash", tip.Hash, "td", tip.TD, "finalized", tip.FinalizedNumber)
	return c, nil
}

// Start launches the backfill loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.backfillLoop()
}

// Stop terminates the backfill loop, aborting a running backfill, and closes all
// event subscriptions.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
	c.scope.Close()
}

// Tip returns the current canonical chain tip.
func (c *Coordinator) Tip() chaintree.Tip {
	c.tipLock.RLock()
	defer c.tipLock.RUnlock()
	return c.tip
}

// Tree returns the chain tree.
func (c *Coordinator) Tree() *chaintree.Tree { return c.tree }

// Backfilling reports whether a backfill is running.
func (c *Coordinator) Backfilling() bool { return c.backfilling.Load() }

// SubscribeChainHeadEvent registers a subscription of ChainHeadEvent.
func (c *Coordinator) SubscribeChainHeadEvent(ch chan<- ChainHeadEvent) event.Subscription {
	return c.scope.Track(c.headFeed.Subscribe(ch))
}

// SubscribeBackfillDoneEvent registers a subscription of BackfillDoneEvent.
func (c *Coordinator) SubscribeBackfillDoneEvent(ch chan<- BackfillDoneEvent) event.Subscription {
	return c.scope.Track(c.backfillFeed.Subscribe(ch))
}

func (c *Coordinator) setTip(tip chaintree.Tip) {
	c.tipLock.Lock()
	prev := c.tip
	c.tip = tip
	c.tipLock.Unlock()

	if prev.Hash != tip.Hash {
		headGauge.Update(int64(tip.Number))
		c.headFeed.Send(ChainHeadEvent{Number: tip.Number, Hash: tip.Hash})
	}
}

// refresh reloads the tip after the pipeline moved the persisted chain outside
// the tree and attaches the buffered blocks that became connectable.
func (c *Coordinator) refresh(ctx context.Context) (chaintree.Tip, error) {
	var tip chaintree.Tip
	if err := c.db.View(ctx, func(tx kv.Tx) (err error) {
		tip, err = chaintree.ReadTip(tx)
		return err
	}); err != nil {
		return c.Tip(), err
	}
	c.setTip(tip)
	connected, err := c.tree.ConnectBuffered(tip)
	if connected > 0 {
		log.Debug("Connected buffered blocks", "count", connected, "head", tip.Number)
	}
	return tip, err
}

// NewPayload inserts a block delivered by the consensus driver into the tree.
// Blocks are not executed until a fork-choice update selects them.
func (c *Coordinator) NewPayload(ctx context.Context, block *types.Block) (engine.PayloadStatusV1, error) {
	hash := block.Hash()
	if lvh, ok := c.tree.LatestValidHash(hash); ok {
		log.Warn("Rejected known invalid payload", "number", block.NumberU64(), "hash", hash)
		return invalidStatus(lvh, chaintree.ErrInvalidAncestor), nil
	}
	tip := c.Tip()
	status, err := c.tree.InsertBlock(block, tip)
	switch {
	case errors.Is(err, chaintree.ErrInvalidBlock), errors.Is(err, chaintree.ErrInvalidAncestor):
		lvh, _ := c.tree.LatestValidHash(hash)
		log.Warn("Invalid payload", "number", block.NumberU64(), "hash", hash, "err", err)
		return invalidStatus(lvh, err), nil
	case errors.Is(err, chaintree.ErrBelowFinality):
		log.Warn("Payload below finalized block", "number", block.NumberU64(), "hash", hash, "finalized", tip.FinalizedNumber)
		return invalidStatus(tip.FinalizedHash, err), nil
	case errors.Is(err, chaintree.ErrBusy):
		log.Debug("Payload pool full", "number", block.NumberU64(), "hash", hash)
		return syncingStatus(), nil
	case err != nil:
		return engine.PayloadStatusV1{}, err
	}
	switch status {
	case chaintree.Connected:
		return acceptedStatus(), nil
	case chaintree.Pending:
		if block.NumberU64() > tip.Number+c.config.BackfillThreshold {
			c.backfillAncestors(hash)
		}
		return syncingStatus(), nil
	}
	known, err := c.tree.Status(hash)
	if err != nil {
		return engine.PayloadStatusV1{}, err
	}
	switch known {
	case chaintree.StatusCanonical, chaintree.StatusFinalized:
		return validStatus(hash), nil
	case chaintree.StatusPending:
		return syncingStatus(), nil
	default:
		return acceptedStatus(), nil
	}
}

// ForkchoiceUpdated makes the head block of the fork-choice state canonical and
// persists the safe and finalized markers. If another writer holds the chain,
// or the head is not connected yet, SYNCING is reported.
func (c *Coordinator) ForkchoiceUpdated(ctx context.Context, update engine.ForkchoiceStateV1) (engine.ForkChoiceResponse, error) {
	defer func(start time.Time) { forkchoiceTimer.UpdateSince(start) }(time.Now())

	head := update.HeadBlockHash
	if head == (common.Hash{}) {
		log.Warn("Forkchoice requested update to zero hash")
		return engine.STATUS_INVALID, nil
	}
	if lvh, ok := c.tree.LatestValidHash(head); ok {
		log.Warn("Forkchoice requested invalid head", "hash", head, "latestvalid", lvh)
		return forkchoiceResponse(invalidStatus(lvh, chaintree.ErrInvalidAncestor)), nil
	}
	if !c.token.TryAcquire(1) {
		busyMeter.Mark(1)
		log.Debug("Forkchoice update while chain is busy", "head", head)
		return forkchoiceResponse(syncingStatus()), nil
	}
	defer c.token.Release(1)

	status, err := c.tree.Status(head)
	if err != nil {
		return engine.STATUS_SYNCING, err
	}
	switch status {
	case chaintree.StatusPending:
		c.backfillAncestors(head)
		return forkchoiceResponse(syncingStatus()), nil

	case chaintree.StatusUnknown, chaintree.StatusDiscarded:
		log.Info("Forkchoice requested unknown head", "hash", head)
		c.requestBackfill(stagedsync.Target{Hash: head})
		return forkchoiceResponse(syncingStatus()), nil
	}
	tip, err := c.tree.MakeCanonical(ctx, head, c.Tip(), c.driver)
	switch {
	case errors.Is(err, chaintree.ErrInvalidBlock):
		c.reload(ctx)
		lvh, _ := c.tree.LatestValidHash(head)
		return forkchoiceResponse(invalidStatus(lvh, err)), nil
	case errors.Is(err, chaintree.ErrBelowFinality):
		log.Warn("Forkchoice head forks below finalized block", "hash", head, "err", err)
		return forkchoiceResponse(invalidStatus(c.Tip().FinalizedHash, err)), nil
	case errors.Is(err, chaintree.ErrUnknownBlock):
		c.requestBackfill(stagedsync.Target{Hash: head})
		return forkchoiceResponse(syncingStatus()), nil
	case err != nil:
		c.reload(ctx)
		return engine.STATUS_SYNCING, err
	}
	c.setTip(tip)

	if err := c.updateMarkers(ctx, update); err != nil {
		log.Warn("Invalid forkchoice markers", "safe", update.SafeBlockHash, "finalized", update.FinalizedBlockHash, "err", err)
		return engine.STATUS_INVALID, engine.InvalidForkChoiceState.With(err)
	}
	return forkchoiceResponse(validStatus(head)), nil
}

// updateMarkers persists the safe and finalized hashes, then finalizes the
// tree. Nothing is pruned from memory unless the markers were written.
func (c *Coordinator) updateMarkers(ctx context.Context, update engine.ForkchoiceStateV1) error {
	tip := c.Tip()
	finalize := update.FinalizedBlockHash != (common.Hash{}) && update.FinalizedBlockHash != tip.FinalizedHash
	err := c.db.Update(ctx, func(tx kv.RwTx) error {
		if update.SafeBlockHash != (common.Hash{}) {
			if _, err := canonicalNumber(tx, update.SafeBlockHash, tip, "safe"); err != nil {
				return err
			}
			if err := rawdb.WriteSafeBlockHash(tx, update.SafeBlockHash); err != nil {
				return err
			}
		}
		if !finalize {
			return nil
		}
		number, err := canonicalNumber(tx, update.FinalizedBlockHash, tip, "finalized")
		if err != nil {
			return err
		}
		if number < tip.FinalizedNumber {
			return fmt.Errorf("%w: finalized #%d moves back from #%d", chaintree.ErrBelowFinality, number, tip.FinalizedNumber)
		}
		return rawdb.WriteFinalizedBlockHash(tx, update.FinalizedBlockHash)
	})
	if err != nil || !finalize {
		return err
	}
	finalized, err := c.tree.Finalize(update.FinalizedBlockHash, tip)
	if err != nil {
		return err
	}
	c.setTip(finalized)
	return nil
}

// canonicalNumber returns the number of a canonical block at or below the tip.
func canonicalNumber(tx kv.Getter, hash common.Hash, tip chaintree.Tip, what string) (uint64, error) {
	number, err := rawdb.ReadHeaderNumber(tx, hash)
	if err != nil {
		return 0, err
	}
	if number == nil || *number > tip.Number {
		return 0, fmt.Errorf("%w: %s block %x", chaintree.ErrNotCanonical, what, hash)
	}
	canonical, err := rawdb.ReadCanonicalHash(tx, *number)
	if err != nil {
		return 0, err
	}
	if canonical != hash {
		return 0, fmt.Errorf("%w: %s block #%d [%x]", chaintree.ErrNotCanonical, what, *number, hash)
	}
	return *number, nil
}

// reload resynchronizes the tip with storage after a chain update failed part
// way through.
func (c *Coordinator) reload(ctx context.Context) {
	if _, err := c.refresh(context.WithoutCancel(ctx)); err != nil {
		log.Error("Failed to reload chain tip", "err", err)
	}
}

// InsertBlock handles a block announced by the network. The block is added to
// the tree and the heaviest branch is adopted if it beats the current head.
func (c *Coordinator) InsertBlock(ctx context.Context, block *types.Block) (chaintree.InsertStatus, error) {
	tip := c.Tip()
	status, err := c.tree.InsertBlock(block, tip)
	if err != nil {
		return status, err
	}
	if status == chaintree.Pending {
		if block.NumberU64() > tip.Number+c.config.BackfillThreshold {
			c.backfillAncestors(block.Hash())
		}
		return status, nil
	}
	if _, ok := c.tree.BestTip(tip); !ok {
		return status, nil
	}
	if !c.token.TryAcquire(1) {
		busyMeter.Mark(1)
		return status, nil
	}
	defer c.token.Release(1)

	tip = c.Tip()
	best, ok := c.tree.BestTip(tip)
	if !ok {
		return status, nil
	}
	newTip, err := c.tree.MakeCanonical(ctx, best, tip, c.driver)
	if err != nil {
		c.reload(ctx)
		return status, err
	}
	c.setTip(newTip)
	return status, nil
}

// ImportChain imports a trusted run of blocks through the pipeline.
func (c *Coordinator) ImportChain(ctx context.Context, blocks []*types.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	source, err := stagedsync.NewStaticSource(blocks)
	if err != nil {
		return err
	}
	if err := c.token.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.token.Release(1)

	runErr := c.pipeline.Run(ctx, source, source.Target())
	if _, err := c.refresh(ctx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func forkchoiceResponse(status engine.PayloadStatusV1) engine.ForkChoiceResponse {
	return engine.ForkChoiceResponse{PayloadStatus: status}
}

func validStatus(hash common.Hash) engine.PayloadStatusV1 {
	payloadValidMeter.Mark(1)
	return engine.PayloadStatusV1{Status: engine.VALID, LatestValidHash: &hash}
}

func acceptedStatus() engine.PayloadStatusV1 {
	payloadAcceptedMeter.Mark(1)
	return engine.PayloadStatusV1{Status: engine.ACCEPTED}
}

func syncingStatus() engine.PayloadStatusV1 {
	payloadSyncingMeter.Mark(1)
	return engine.PayloadStatusV1{Status: engine.SYNCING}
}

func invalidStatus(latestValid common.Hash, err error) engine.PayloadStatusV1 {
	payloadInvalidMeter.Mark(1)
	msg := err.Error()
	status := engine.PayloadStatusV1{Status: engine.INVALID, ValidationError: &msg}
	if latestValid != (common.Hash{}) {
		status.LatestValidHash = &latestValid
	}
	return status
}
