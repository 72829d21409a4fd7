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

// Package chaintree tracks the blocks above the persisted canonical chain that
// are not final yet, and performs fork choice and reorganizations over them.
package chaintree

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"github.com/stagedeth/stagedeth/consensus"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/kv"
)

var (
	// ErrBelowFinality is returned for blocks or reorgs at or below the finalized block.
	ErrBelowFinality = errors.New("below finalized block")

	// ErrInvalidAncestor is returned for blocks descending from an invalid block.
	ErrInvalidAncestor = errors.New("invalid ancestor")

	// ErrInvalidBlock is returned for blocks failing validation.
	ErrInvalidBlock = errors.New("invalid block")

	// ErrBusy is returned when the pending pool is full.
	ErrBusy = errors.New("pending pool full")

	// ErrUnknownBlock is returned by MakeCanonical for blocks not connected to
	// the tree.
	ErrUnknownBlock = errors.New("unknown block")
)

// BlockStatus is the lifecycle state of a block known to the tree.
type BlockStatus int

const (
	StatusUnknown   BlockStatus = iota
	StatusPending               // parent unknown, buffered
	StatusConnected             // linked to the chain, not executed
	StatusCanonical             // executed and committed
	StatusFinalized             // immutable
	StatusDiscarded             // pruned, orphaned or invalid
)

func (s BlockStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConnected:
		return "connected"
	case StatusCanonical:
		return "canonical"
	case StatusFinalized:
		return "finalized"
	case StatusDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// InsertStatus is the outcome of InsertBlock.
type InsertStatus int

const (
	AlreadyKnown InsertStatus = iota
	Connected
	Pending
)

func (s InsertStatus) String() string {
	switch s {
	case AlreadyKnown:
		return "known"
	case Connected:
		return "connected"
	default:
		return "pending"
	}
}

// Tip is the head of the persisted canonical chain. It is owned by the caller
// and passed explicitly into every tree operation.
type Tip struct {
	Number          uint64
	Hash            common.Hash
	TD              *big.Int
	FinalizedNumber uint64
	FinalizedHash   common.Hash
}

// ReadTip loads the persisted canonical head and finalized markers.
func ReadTip(db kv.Getter) (Tip, error) {
	hash, err := rawdb.ReadHeadBlockHash(db)
	if err != nil {
		return Tip{}, err
	}
	number, err := rawdb.ReadHeaderNumber(db, hash)
	if err != nil {
		return Tip{}, err
	}
	if number == nil {
		return Tip{}, fmt.Errorf("%w: head block %x has no header", rawdb.ErrCorrupted, hash)
	}
	td, err := rawdb.ReadTd(db, hash, *number)
	if err != nil {
		return Tip{}, err
	}
	if td == nil {
		return Tip{}, fmt.Errorf("%w: head block %x has no total difficulty", rawdb.ErrCorrupted, hash)
	}
	tip := Tip{Number: *number, Hash: hash, TD: td}
	if tip.FinalizedHash, err = rawdb.ReadFinalizedBlockHash(db); err != nil {
		return Tip{}, err
	}
	if tip.FinalizedNumber, err = rawdb.ReadFinalizedNumber(db); err != nil {
		return Tip{}, err
	}
	return tip, nil
}

type node struct {
	block    *types.Block
	td       *big.Int
	seq      uint64 // insertion order
	status   BlockStatus
	children mapset.Set[common.Hash]
}

func (n *node) hash() common.Hash     { return n.block.Hash() }
func (n *node) parent() common.Hash   { return n.block.ParentHash() }
func (n *node) number() uint64        { return n.block.NumberU64() }
func (n *node) isLeaf() bool          { return n.children.Cardinality() == 0 }
func (n *node) String() string        { return fmt.Sprintf("#%d [%x]", n.number(), n.hash().Bytes()[:4]) }
func (n *node) header() *types.Header { return n.block.Header() }

type pendingBlock struct {
	block *types.Block
	seq   uint64
}

// Stats summarizes the tree occupancy.
type Stats struct {
	Blocks    int // connected and canonical blocks
	Pending   int // buffered blocks
	Discarded int // blocks dropped since creation
	Invalid   int // remembered invalid hashes
}

// Tree is the in-memory block tree. Blocks are held in an arena indexed by hash;
// parent links are hashes, resolved through the arena or the database.
type Tree struct {
	db        kv.RoDB
	validator consensus.Validator
	config    Config

	mu        sync.Mutex
	nodes     map[common.Hash]*node
	byNumber  map[uint64]mapset.Set[common.Hash]
	pending   map[common.Hash]*pendingBlock
	orphans   map[common.Hash]mapset.Set[common.Hash] // parent hash -> pending children
	invalid   *lru.Cache                              // hash -> latest valid ancestor hash
	discarded *lru.Cache                              // hash -> struct{}
	seq       uint64
	dropped   int
	finalized uint64
}

// New creates an empty tree over the canonical chain stored in db.
func New(db kv.RoDB, validator consensus.Validator, config Config) *Tree {
	config.sanitize()
	invalid, _ := lru.New(config.MaxInvalidCache)
	discarded, _ := lru.New(config.MaxInvalidCache)
	return &Tree{
		db:        db,
		validator: validator,
		config:    config,
		nodes:     make(map[common.Hash]*node),
		byNumber:  make(map[uint64]mapset.Set[common.Hash]),
		pending:   make(map[common.Hash]*pendingBlock),
		orphans:   make(map[common.Hash]mapset.Set[common.Hash]),
		invalid:   invalid,
		discarded: discarded,
	}
}

// Stats returns the current occupancy of the tree.
func (t *Tree) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Blocks: len(t.nodes), Pending: len(t.pending), Discarded: t.dropped, Invalid: t.invalid.Len()}
}

// Block returns a block held by the tree, connected or pending.
func (t *Tree) Block(hash common.Hash) *types.Block {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.nodes[hash]; n != nil {
		return n.block
	}
	if p := t.pending[hash]; p != nil {
		return p.block
	}
	return nil
}

// MissingAncestor returns the number and hash of the first unknown ancestor of
// a buffered block, the block a backfill has to reach for it to connect.
func (t *Tree) MissingAncestor(hash common.Hash) (uint64, common.Hash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.pending[hash]
	if p == nil {
		return 0, common.Hash{}, false
	}
	for {
		parent := t.pending[p.block.ParentHash()]
		if parent == nil {
			return p.block.NumberU64() - 1, p.block.ParentHash(), true
		}
		p = parent
	}
}

// LatestValidHash returns the closest valid ancestor of a block known to be
// invalid.
func (t *Tree) LatestValidHash(hash common.Hash) (common.Hash, bool) {
	v, ok := t.invalid.Get(hash)
	if !ok {
		return common.Hash{}, false
	}
	return v.(common.Hash), true
}

// Status reports the lifecycle state of a block.
func (t *Tree) Status(hash common.Hash) (BlockStatus, error) {
	t.mu.Lock()
	if n := t.nodes[hash]; n != nil {
		t.mu.Unlock()
		return n.status, nil
	}
	_, isPending := t.pending[hash]
	finalized := t.finalized
	t.mu.Unlock()

	switch {
	case isPending:
		return StatusPending, nil
	case t.invalid.Contains(hash), t.discarded.Contains(hash):
		return StatusDiscarded, nil
	}
	var status BlockStatus
	err := t.db.View(context.Background(), func(tx kv.Tx) error {
		number, err := rawdb.ReadHeaderNumber(tx, hash)
		if err != nil || number == nil {
			return err
		}
		canonical, err := rawdb.ReadCanonicalHash(tx, *number)
		if err != nil || canonical != hash {
			return err
		}
		stored, err := rawdb.ReadFinalizedNumber(tx)
		if err != nil {
			return err
		}
		if *number <= finalized || *number <= stored {
			status = StatusFinalized
		} else {
			status = StatusCanonical
		}
		return nil
	})
	return status, err
}

// InsertBlock adds a block to the tree. Blocks whose parent is unknown are
// buffered until it shows up. Blocks are validated against their parent but not
// executed.
func (t *Tree) InsertBlock(block *types.Block, tip Tip) (InsertStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hash, number := block.Hash(), block.NumberU64()
	if t.nodes[hash] != nil || t.pending[hash] != nil {
		return AlreadyKnown, nil
	}
	if lvh, ok := t.invalid.Get(hash); ok {
		return 0, fmt.Errorf("%w: block %d [%x], latest valid %x", ErrInvalidAncestor, number, hash, lvh)
	}
	if lvh, ok := t.invalid.Get(block.ParentHash()); ok {
		t.invalid.Add(hash, lvh)
		return 0, fmt.Errorf("%w: block %d [%x] descends from invalid %x", ErrInvalidAncestor, number, hash, block.ParentHash())
	}
	if number <= tip.FinalizedNumber {
		return 0, fmt.Errorf("%w: block %d, finalized %d", ErrBelowFinality, number, tip.FinalizedNumber)
	}
	if t.belowDepth(number, tip) {
		return 0, fmt.Errorf("%w: block %d is %d below head %d", ErrBelowFinality, number, tip.Number-number, tip.Number)
	}
	canonical, err := t.isCanonical(hash, number)
	if err != nil {
		return 0, err
	}
	if canonical {
		return AlreadyKnown, nil
	}
	parent, td, err := t.parentOf(block)
	if err != nil {
		return 0, err
	}
	if parent == nil {
		if len(t.pending) >= t.config.MaxPendingBlocks {
			return 0, fmt.Errorf("%w: %d blocks buffered", ErrBusy, len(t.pending))
		}
		t.addPending(block)
		return Pending, nil
	}
	if err := t.connect(block, parent, td, 0); err != nil {
		return 0, err
	}
	t.connectOrphans(hash)
	t.updateGauges()
	return Connected, nil
}

// ConnectBuffered attaches the buffered blocks whose parent became known, for
// example after a backfill extended the canonical chain. Tree blocks the
// backfill unwound lose their canonical status. It returns the number of blocks
// connected.
func (t *Tree) ConnectBuffered(tip Tip) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.reconcile(); err != nil {
		return 0, err
	}
	before := len(t.nodes)
	floor := tip.FinalizedNumber
	if tip.Number > t.config.MaxReorgDepth {
		floor = max(floor, tip.Number-t.config.MaxReorgDepth)
	}
	t.dropPendingBelow(floor)

	// Only the lowest buffered blocks of each chain can attach directly.
	var roots []*pendingBlock
	for parentHash, children := range t.orphans {
		if t.pending[parentHash] != nil {
			continue
		}
		for _, child := range children.ToSlice() {
			roots = append(roots, t.pending[child])
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].seq < roots[j].seq })
	for _, p := range roots {
		if t.pending[p.block.Hash()] == nil {
			continue
		}
		parent, td, err := t.parentOf(p.block)
		if err != nil {
			return len(t.nodes) - before, err
		}
		if parent == nil {
			continue
		}
		t.removePending(p.block.Hash())
		if err := t.connect(p.block, parent, td, p.seq); err != nil {
			log.Debug("Dropped buffered block", "number", p.block.NumberU64(), "hash", p.block.Hash(), "err", err)
			continue
		}
		t.connectOrphans(p.block.Hash())
	}
	t.updateGauges()
	return len(t.nodes) - before, nil
}

// reconcile aligns the status of tree blocks with the persisted canonical
// chain after it was moved outside the tree.
func (t *Tree) reconcile() error {
	return t.db.View(context.Background(), func(tx kv.Tx) error {
		for hash, n := range t.nodes {
			if n.status != StatusCanonical && n.status != StatusConnected {
				continue
			}
			stored, err := rawdb.ReadCanonicalHash(tx, n.number())
			if err != nil {
				return err
			}
			switch {
			case stored == hash:
				n.status = StatusCanonical
			case n.status == StatusCanonical:
				n.status = StatusConnected
			}
		}
		return nil
	})
}

// isCanonical reports whether hash is the persisted canonical block at number.
func (t *Tree) isCanonical(hash common.Hash, number uint64) (canonical bool, err error) {
	err = t.db.View(context.Background(), func(tx kv.Tx) error {
		stored, err := rawdb.ReadCanonicalHash(tx, number)
		canonical = stored == hash
		return err
	})
	return canonical, err
}

// parentOf resolves the parent header and total difficulty of a block, from the
// tree or from the canonical chain in the database. A nil header means unknown.
func (t *Tree) parentOf(block *types.Block) (*types.Header, *big.Int, error) {
	if n := t.nodes[block.ParentHash()]; n != nil {
		return n.header(), n.td, nil
	}
	if block.NumberU64() == 0 {
		return nil, nil, nil
	}
	var (
		header *types.Header
		td     *big.Int
	)
	err := t.db.View(context.Background(), func(tx kv.Tx) error {
		number := block.NumberU64() - 1
		canonical, err := rawdb.ReadCanonicalHash(tx, number)
		if err != nil || canonical != block.ParentHash() {
			return err
		}
		if header, err = rawdb.ReadHeader(tx, canonical, number); err != nil {
			return err
		}
		td, err = rawdb.ReadTd(tx, canonical, number)
		return err
	})
	if err != nil || header == nil || td == nil {
		return nil, nil, err
	}
	return header, td, nil
}

// belowDepth reports whether a block at number is too far below the head to be
// reorged to.
func (t *Tree) belowDepth(number uint64, tip Tip) bool {
	return number+t.config.MaxReorgDepth <= tip.Number
}

// connect validates a block against its parent and links it into the arena.
// A buffered block keeps the sequence number it was first seen with; seq 0
// assigns a new one.
func (t *Tree) connect(block *types.Block, parent *types.Header, parentTD *big.Int, seq uint64) error {
	hash := block.Hash()
	if err := consensus.ValidateBlock(t.validator, block, parent); err != nil {
		t.markInvalid(hash, parent.Hash())
		invalidBlockMeter.Mark(1)
		return fmt.Errorf("%w: block %d [%x]: %w", ErrInvalidBlock, block.NumberU64(), hash, err)
	}
	if seq == 0 {
		t.seq++
		seq = t.seq
	}
	n := &node{
		block:    block,
		td:       new(big.Int).Add(parentTD, block.Difficulty()),
		seq:      seq,
		status:   StatusConnected,
		children: mapset.NewThreadUnsafeSet[common.Hash](),
	}
	t.nodes[hash] = n
	if p := t.nodes[block.ParentHash()]; p != nil {
		p.children.Add(hash)
	}
	set := t.byNumber[n.number()]
	if set == nil {
		set = mapset.NewThreadUnsafeSet[common.Hash]()
		t.byNumber[n.number()] = set
	}
	set.Add(hash)
	log.Trace("Connected block", "number", n.number(), "hash", hash, "td", n.td)
	return nil
}

// connectOrphans connects the buffered descendants of a newly connected block.
func (t *Tree) connectOrphans(hash common.Hash) {
	queue := []common.Hash{hash}
	for len(queue) > 0 {
		parentHash := queue[0]
		queue = queue[1:]

		children := t.orphans[parentHash]
		if children == nil {
			continue
		}
		list := make([]*pendingBlock, 0, children.Cardinality())
		for _, child := range children.ToSlice() {
			list = append(list, t.pending[child])
		}
		sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })

		parent := t.nodes[parentHash]
		for _, p := range list {
			t.removePending(p.block.Hash())
			if parent == nil {
				continue
			}
			if err := t.connect(p.block, parent.header(), parent.td, p.seq); err != nil {
				log.Debug("Dropped buffered block", "number", p.block.NumberU64(), "hash", p.block.Hash(), "err", err)
				t.dropPendingDescendants(p.block.Hash())
				continue
			}
			queue = append(queue, p.block.Hash())
		}
	}
}

func (t *Tree) addPending(block *types.Block) {
	t.seq++
	t.pending[block.Hash()] = &pendingBlock{block: block, seq: t.seq}
	children := t.orphans[block.ParentHash()]
	if children == nil {
		children = mapset.NewThreadUnsafeSet[common.Hash]()
		t.orphans[block.ParentHash()] = children
	}
	children.Add(block.Hash())
	pendingGauge.Update(int64(len(t.pending)))
}

func (t *Tree) removePending(hash common.Hash) {
	p := t.pending[hash]
	if p == nil {
		return
	}
	delete(t.pending, hash)
	parent := p.block.ParentHash()
	if children := t.orphans[parent]; children != nil {
		children.Remove(hash)
		if children.Cardinality() == 0 {
			delete(t.orphans, parent)
		}
	}
}

// dropPendingDescendants discards the buffered blocks descending from hash.
func (t *Tree) dropPendingDescendants(hash common.Hash) {
	children := t.orphans[hash]
	if children == nil {
		return
	}
	for _, child := range children.ToSlice() {
		t.removePending(child)
		t.noteDiscarded(child)
		t.dropPendingDescendants(child)
	}
}

// dropPendingBelow discards buffered blocks at or below number.
func (t *Tree) dropPendingBelow(number uint64) {
	for hash, p := range t.pending {
		if p.block.NumberU64() <= number {
			t.removePending(hash)
			t.noteDiscarded(hash)
		}
	}
}

func (t *Tree) markInvalid(hash, latestValid common.Hash) {
	t.invalid.Add(hash, latestValid)
}

func (t *Tree) noteDiscarded(hash common.Hash) {
	t.discarded.Add(hash, struct{}{})
	t.dropped++
	discardedMeter.Mark(1)
}

// remove deletes a node from the arena, unlinking it from its parent.
func (t *Tree) remove(n *node) {
	hash := n.hash()
	delete(t.nodes, hash)
	if set := t.byNumber[n.number()]; set != nil {
		set.Remove(hash)
		if set.Cardinality() == 0 {
			delete(t.byNumber, n.number())
		}
	}
	if p := t.nodes[n.parent()]; p != nil {
		p.children.Remove(hash)
	}
}

// discardSubtree removes n and all its descendants, connected or buffered.
func (t *Tree) discardSubtree(n *node) {
	for _, child := range n.children.ToSlice() {
		if c := t.nodes[child]; c != nil {
			t.discardSubtree(c)
		}
	}
	t.dropPendingDescendants(n.hash())
	n.status = StatusDiscarded
	t.remove(n)
	t.noteDiscarded(n.hash())
}

func (t *Tree) updateGauges() {
	blocksGauge.Update(int64(len(t.nodes)))
	pendingGauge.Update(int64(len(t.pending)))
}
