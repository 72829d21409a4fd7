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
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stagedeth/stagedeth/consensus"
	"github.com/stagedeth/stagedeth/core"
	"github.com/stagedeth/stagedeth/core/chaintree"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/eth/downloader"
	"github.com/stagedeth/stagedeth/kv"
	"github.com/stagedeth/stagedeth/kv/pebbledb"
	"github.com/stagedeth/stagedeth/stagedsync"
	"github.com/stretchr/testify/require"
)

var (
	testKey, _ = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	testAddr   = crypto.PubkeyToAddress(testKey.PublicKey)
)

// chainPeer serves every block it was given.
type chainPeer struct {
	byHash map[common.Hash]*types.Block
}

func newChainPeer(chains ...[]*types.Block) *chainPeer {
	p := &chainPeer{byHash: make(map[common.Hash]*types.Block)}
	for _, chain := range chains {
		for _, block := range chain {
			p.byHash[block.Hash()] = block
		}
	}
	return p
}

func (p *chainPeer) ID() string { return "peer" }

func (p *chainPeer) RequestHeadersByHash(ctx context.Context, origin common.Hash, amount int, skip int, reverse bool) ([]*types.Header, error) {
	var headers []*types.Header
	for block := p.byHash[origin]; block != nil && len(headers) < amount; block = p.byHash[block.ParentHash()] {
		headers = append(headers, block.Header())
		if !reverse {
			break
		}
	}
	return headers, nil
}

func (p *chainPeer) RequestBodies(ctx context.Context, hashes []common.Hash) ([]*types.Body, error) {
	bodies := make([]*types.Body, 0, len(hashes))
	for _, hash := range hashes {
		if block := p.byHash[hash]; block != nil {
			bodies = append(bodies, block.Body())
		}
	}
	return bodies, nil
}

type env struct {
	cm    *core.ChainMaker
	db    kv.RwDB
	coord *Coordinator
}

// newEnv creates a started coordinator over a fresh database, backfilling from
// a peer serving the given chains.
func newEnv(t *testing.T, cm *core.ChainMaker, g *core.Genesis, chains ...[]*types.Block) *env {
	db, err := pebbledb.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = g.Commit(context.Background(), db)
	require.NoError(t, err)

	validator := consensus.NewValidator(consensus.Config{})
	config := stagedsync.DefaultConfig
	config.RetryBackoff = time.Millisecond
	p := stagedsync.New(db, stagedsync.Deps{
		Validator: validator,
		Executor:  cm.Executor(),
		Signer:    cm.Executor().Signer(),
	}, config)

	dlConfig := downloader.DefaultConfig
	dlConfig.RetryBackoff = time.Millisecond
	d := downloader.New(dlConfig)
	require.NoError(t, d.RegisterPeer(newChainPeer(chains...)))

	coord, err := New(db, p, chaintree.New(db, validator, chaintree.DefaultConfig), d, DefaultConfig)
	require.NoError(t, err)
	coord.Start()
	t.Cleanup(coord.Stop)
	return &env{cm: cm, db: db, coord: coord}
}

func newChainMaker(t *testing.T) (*core.ChainMaker, *core.Genesis) {
	g := core.DeveloperGenesis(1337, testAddr)
	cm, err := core.NewChainMaker(g)
	require.NoError(t, err)
	return cm, g
}

func makeChain(t *testing.T, cm *core.ChainMaker, parent *types.Block, n int, seed byte, difficulty int64) []*types.Block {
	return cm.GenerateChain(parent, n, func(i int, b *core.BlockGen) {
		b.SetCoinbase(common.Address{seed})
		b.SetDifficulty(big.NewInt(difficulty))
		to := common.Address{seed, byte(i)}
		tx, err := types.SignNewTx(testKey, b.Signer(), &types.LegacyTx{
			Nonce:    b.TxNonce(testAddr),
			To:       &to,
			Value:    big.NewInt(1),
			Gas:      21000,
			GasPrice: big.NewInt(1),
		})
		require.NoError(t, err)
		b.AddTx(tx)
	})
}

func (e *env) canonical(t *testing.T, number uint64) common.Hash {
	var hash common.Hash
	require.NoError(t, e.db.View(context.Background(), func(tx kv.Tx) (err error) {
		hash, err = rawdb.ReadCanonicalHash(tx, number)
		return err
	}))
	return hash
}

func (e *env) newPayload(t *testing.T, block *types.Block) engine.PayloadStatusV1 {
	status, err := e.coord.NewPayload(context.Background(), block)
	require.NoError(t, err)
	return status
}

func (e *env) forkchoice(t *testing.T, head, safe, finalized common.Hash) engine.ForkChoiceResponse {
	res, err := e.coord.ForkchoiceUpdated(context.Background(), engine.ForkchoiceStateV1{
		HeadBlockHash:      head,
		SafeBlockHash:      safe,
		FinalizedBlockHash: finalized,
	})
	require.NoError(t, err)
	return res
}

func waitBackfill(t *testing.T, ch <-chan BackfillDoneEvent) BackfillDoneEvent {
	select {
	case ev := <-ch:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("backfill did not finish")
		return BackfillDoneEvent{}
	}
}

// A block with an unknown parent is buffered; once its ancestors are backfilled
// it connects and a fork-choice update makes it canonical.
func TestBackfillConnectsBufferedBlock(t *testing.T) {
	cm, g := newChainMaker(t)
	chain := makeChain(t, cm, cm.Genesis(), 8, 1, 1)
	e := newEnv(t, cm, g, chain)

	done := make(chan BackfillDoneEvent, 1)
	sub := e.coord.SubscribeBackfillDoneEvent(done)
	defer sub.Unsubscribe()

	head := chain[7]
	require.Equal(t, engine.SYNCING, e.newPayload(t, head).Status)
	status, err := e.coord.Tree().Status(head.Hash())
	require.NoError(t, err)
	require.Equal(t, chaintree.StatusPending, status)

	res := e.forkchoice(t, head.Hash(), common.Hash{}, common.Hash{})
	require.Equal(t, engine.SYNCING, res.PayloadStatus.Status)

	ev := waitBackfill(t, done)
	require.NoError(t, ev.Err)
	require.Equal(t, uint64(7), ev.Target.Number)
	require.Equal(t, uint64(7), ev.Head)

	status, err = e.coord.Tree().Status(head.Hash())
	require.NoError(t, err)
	require.Equal(t, chaintree.StatusConnected, status)

	res = e.forkchoice(t, head.Hash(), common.Hash{}, common.Hash{})
	require.Equal(t, engine.VALID, res.PayloadStatus.Status)
	require.Equal(t, head.Hash(), *res.PayloadStatus.LatestValidHash)
	require.Equal(t, uint64(8), e.coord.Tip().Number)
	require.Equal(t, head.Hash(), e.canonical(t, 8))
}

// A fork-choice update to a head unknown to the tree backfills it by hash.
func TestBackfillUnknownHead(t *testing.T) {
	cm, g := newChainMaker(t)
	chain := makeChain(t, cm, cm.Genesis(), 5, 1, 1)
	e := newEnv(t, cm, g, chain)

	done := make(chan BackfillDoneEvent, 1)
	sub := e.coord.SubscribeBackfillDoneEvent(done)
	defer sub.Unsubscribe()

	res := e.forkchoice(t, chain[4].Hash(), common.Hash{}, common.Hash{})
	require.Equal(t, engine.SYNCING, res.PayloadStatus.Status)

	ev := waitBackfill(t, done)
	require.NoError(t, ev.Err)
	require.Equal(t, uint64(5), ev.Target.Number)
	require.Equal(t, chain[4].Hash(), e.coord.Tip().Hash)

	res = e.forkchoice(t, chain[4].Hash(), chain[2].Hash(), chain[1].Hash())
	require.Equal(t, engine.VALID, res.PayloadStatus.Status)
	require.Equal(t, uint64(2), e.coord.Tip().FinalizedNumber)
}

func TestNewPayloadStatus(t *testing.T) {
	cm, g := newChainMaker(t)
	chain := makeChain(t, cm, cm.Genesis(), 4, 1, 1)
	e := newEnv(t, cm, g)
	require.NoError(t, e.coord.ImportChain(context.Background(), chain[:3]))
	require.Equal(t, uint64(3), e.coord.Tip().Number)

	status := e.newPayload(t, chain[1])
	require.Equal(t, engine.VALID, status.Status)
	require.Equal(t, engine.ACCEPTED, e.newPayload(t, chain[3]).Status)
	require.Equal(t, engine.ACCEPTED, e.newPayload(t, chain[3]).Status)

	header := chain[3].Header()
	header.Extra = []byte("bad")
	bad := types.NewBlockWithHeader(header).WithBody(chain[2].Transactions(), nil)
	status = e.newPayload(t, bad)
	require.Equal(t, engine.INVALID, status.Status)
	require.Equal(t, chain[2].Hash(), *status.LatestValidHash)
	require.NotNil(t, status.ValidationError)

	child := types.NewBlockWithHeader(&types.Header{ParentHash: bad.Hash(), Number: big.NewInt(5)})
	status = e.newPayload(t, child)
	require.Equal(t, engine.INVALID, status.Status)
	require.Equal(t, chain[2].Hash(), *status.LatestValidHash)
}

// A heavier branch selected by fork choice replaces the canonical tail, and the
// markers are persisted.
func TestForkchoiceReorg(t *testing.T) {
	cm, g := newChainMaker(t)
	main := makeChain(t, cm, cm.Genesis(), 10, 1, 1)
	branch := makeChain(t, cm, main[5], 3, 2, 2)
	e := newEnv(t, cm, g)
	require.NoError(t, e.coord.ImportChain(context.Background(), main))

	heads := make(chan ChainHeadEvent, 4)
	sub := e.coord.SubscribeChainHeadEvent(heads)
	defer sub.Unsubscribe()

	for _, block := range branch {
		require.Equal(t, engine.ACCEPTED, e.newPayload(t, block).Status)
	}
	res := e.forkchoice(t, branch[2].Hash(), branch[0].Hash(), main[5].Hash())
	require.Equal(t, engine.VALID, res.PayloadStatus.Status)

	tip := e.coord.Tip()
	require.Equal(t, uint64(9), tip.Number)
	require.Equal(t, branch[2].Hash(), tip.Hash)
	require.Equal(t, uint64(6), tip.FinalizedNumber)
	require.Equal(t, ChainHeadEvent{Number: 9, Hash: branch[2].Hash()}, <-heads)

	require.NoError(t, e.db.View(context.Background(), func(tx kv.Tx) error {
		safe, err := rawdb.ReadSafeBlockHash(tx)
		require.NoError(t, err)
		require.Equal(t, branch[0].Hash(), safe)
		finalized, err := rawdb.ReadFinalizedBlockHash(tx)
		require.NoError(t, err)
		require.Equal(t, main[5].Hash(), finalized)
		return nil
	}))
	status, err := e.coord.Tree().Status(main[7].Hash())
	require.NoError(t, err)
	require.Equal(t, chaintree.StatusDiscarded, status)

	// Finalizing a displaced block is refused.
	res, err = e.coord.ForkchoiceUpdated(context.Background(), engine.ForkchoiceStateV1{
		HeadBlockHash:      branch[2].Hash(),
		FinalizedBlockHash: main[7].Hash(),
	})
	require.Error(t, err)
	require.Equal(t, engine.INVALID, res.PayloadStatus.Status)

	// Reorgs below the finalized block are refused.
	late := makeChain(t, cm, main[4], 6, 3, 3)
	for _, block := range late {
		status, err := e.coord.NewPayload(context.Background(), block)
		require.NoError(t, err)
		if block.NumberU64() <= 6 {
			require.Equal(t, engine.INVALID, status.Status)
		}
	}
	require.Equal(t, branch[2].Hash(), e.canonical(t, 9))
}

func TestForkchoiceInvalidBranch(t *testing.T) {
	cm, g := newChainMaker(t)
	main := makeChain(t, cm, cm.Genesis(), 4, 1, 1)
	bad := cm.GenerateChain(main[1], 1, func(i int, b *core.BlockGen) {
		b.SetDifficulty(big.NewInt(5))
		b.MakeInvalid()
	})
	bad = append(bad, makeChain(t, cm, bad[0], 1, 2, 5)...)

	e := newEnv(t, cm, g)
	require.NoError(t, e.coord.ImportChain(context.Background(), main))
	for _, block := range bad {
		require.Equal(t, engine.ACCEPTED, e.newPayload(t, block).Status)
	}
	res := e.forkchoice(t, bad[1].Hash(), common.Hash{}, common.Hash{})
	require.Equal(t, engine.INVALID, res.PayloadStatus.Status)
	require.Equal(t, main[1].Hash(), *res.PayloadStatus.LatestValidHash)

	require.Equal(t, main[3].Hash(), e.coord.Tip().Hash)
	require.Equal(t, main[3].Hash(), e.canonical(t, 4))

	child := makeChain(t, cm, bad[1], 1, 2, 5)[0]
	status := e.newPayload(t, child)
	require.Equal(t, engine.INVALID, status.Status)
	require.Equal(t, main[1].Hash(), *status.LatestValidHash)
}

func TestForkchoiceBusy(t *testing.T) {
	cm, g := newChainMaker(t)
	chain := makeChain(t, cm, cm.Genesis(), 2, 1, 1)
	e := newEnv(t, cm, g)
	for _, block := range chain {
		require.Equal(t, engine.ACCEPTED, e.newPayload(t, block).Status)
	}
	require.True(t, e.coord.token.TryAcquire(1))
	res := e.forkchoice(t, chain[1].Hash(), common.Hash{}, common.Hash{})
	require.Equal(t, engine.SYNCING, res.PayloadStatus.Status)
	e.coord.token.Release(1)

	res = e.forkchoice(t, chain[1].Hash(), common.Hash{}, common.Hash{})
	require.Equal(t, engine.VALID, res.PayloadStatus.Status)

	res = e.forkchoice(t, common.Hash{}, common.Hash{}, common.Hash{})
	require.Equal(t, engine.INVALID, res.PayloadStatus.Status)
}

// Blocks announced by the network are adopted when they extend the heaviest
// chain.
func TestInsertBlock(t *testing.T) {
	cm, g := newChainMaker(t)
	main := makeChain(t, cm, cm.Genesis(), 3, 1, 1)
	side := makeChain(t, cm, main[0], 1, 2, 1)
	e := newEnv(t, cm, g)

	for i, block := range main {
		status, err := e.coord.InsertBlock(context.Background(), block)
		require.NoError(t, err)
		require.Equal(t, chaintree.Connected, status)
		require.Equal(t, uint64(i+1), e.coord.Tip().Number)
	}
	status, err := e.coord.InsertBlock(context.Background(), side[0])
	require.NoError(t, err)
	require.Equal(t, chaintree.Connected, status)
	require.Equal(t, main[2].Hash(), e.coord.Tip().Hash)
	require.Equal(t, main[2].Hash(), e.canonical(t, 3))
}

var errDriverBroken = errors.New("driver broken")

// brokenDriver executes the first block of a path and fails every call after
// that, leaving the persisted chain part way through a reorg.
type brokenDriver struct {
	chaintree.Driver
	broken bool
}

func (d *brokenDriver) UnwindTo(ctx context.Context, number uint64) error {
	if d.broken {
		return errDriverBroken
	}
	return d.Driver.UnwindTo(ctx, number)
}

func (d *brokenDriver) ExecutePath(ctx context.Context, blocks []*types.Block) error {
	if d.broken {
		return errDriverBroken
	}
	d.broken = true
	if err := d.Driver.ExecutePath(ctx, blocks[:1]); err != nil {
		return err
	}
	return errDriverBroken
}

// A failed reorg leaves the coordinator tip in line with storage, so later
// updates build on what was actually persisted.
func TestForkchoiceFailedReorg(t *testing.T) {
	cm, g := newChainMaker(t)
	main := makeChain(t, cm, cm.Genesis(), 6, 1, 1)
	branch := makeChain(t, cm, main[2], 3, 2, 2)
	e := newEnv(t, cm, g)
	require.NoError(t, e.coord.ImportChain(context.Background(), main))
	for _, block := range branch {
		require.Equal(t, engine.ACCEPTED, e.newPayload(t, block).Status)
	}

	driver := e.coord.driver
	e.coord.driver = &brokenDriver{Driver: driver}
	_, err := e.coord.ForkchoiceUpdated(context.Background(), engine.ForkchoiceStateV1{HeadBlockHash: branch[2].Hash()})
	require.ErrorIs(t, err, errDriverBroken)

	tip := e.coord.Tip()
	require.Equal(t, uint64(4), tip.Number)
	require.Equal(t, branch[0].Hash(), tip.Hash)
	require.Equal(t, branch[0].Hash(), e.canonical(t, 4))

	e.coord.driver = driver
	res := e.forkchoice(t, branch[2].Hash(), common.Hash{}, common.Hash{})
	require.Equal(t, engine.VALID, res.PayloadStatus.Status)
	require.Equal(t, branch[2].Hash(), e.coord.Tip().Hash)
	require.Equal(t, branch[2].Hash(), e.canonical(t, 6))
	require.Equal(t, branch[1].Hash(), e.canonical(t, 5))
	status, err := e.coord.Tree().Status(branch[0].Hash())
	require.NoError(t, err)
	require.Equal(t, chaintree.StatusCanonical, status)
}

// Markers failing validation leave the tree and the persisted finalized block
// untouched.
func TestForkchoiceMarkersAtomic(t *testing.T) {
	cm, g := newChainMaker(t)
	main := makeChain(t, cm, cm.Genesis(), 6, 1, 1)
	side := makeChain(t, cm, main[1], 2, 2, 1)
	e := newEnv(t, cm, g)
	require.NoError(t, e.coord.ImportChain(context.Background(), main))
	for _, block := range side {
		require.Equal(t, engine.ACCEPTED, e.newPayload(t, block).Status)
	}

	res, err := e.coord.ForkchoiceUpdated(context.Background(), engine.ForkchoiceStateV1{
		HeadBlockHash:      main[5].Hash(),
		SafeBlockHash:      side[0].Hash(),
		FinalizedBlockHash: main[3].Hash(),
	})
	require.Error(t, err)
	require.Equal(t, engine.INVALID, res.PayloadStatus.Status)

	require.Zero(t, e.coord.Tip().FinalizedNumber)
	status, err := e.coord.Tree().Status(side[0].Hash())
	require.NoError(t, err)
	require.Equal(t, chaintree.StatusConnected, status)
	require.NoError(t, e.db.View(context.Background(), func(tx kv.Tx) error {
		finalized, err := rawdb.ReadFinalizedBlockHash(tx)
		require.NoError(t, err)
		require.Equal(t, common.Hash{}, finalized)
		return nil
	}))

	res = e.forkchoice(t, main[5].Hash(), main[4].Hash(), main[3].Hash())
	require.Equal(t, engine.VALID, res.PayloadStatus.Status)
	require.Equal(t, uint64(4), e.coord.Tip().FinalizedNumber)
	status, err = e.coord.Tree().Status(side[0].Hash())
	require.NoError(t, err)
	require.Equal(t, chaintree.StatusDiscarded, status)
}
