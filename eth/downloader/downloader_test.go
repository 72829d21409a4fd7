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

package downloader

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stagedeth/stagedeth/consensus"
	"github.com/stagedeth/stagedeth/core"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/kv"
	"github.com/stagedeth/stagedeth/kv/pebbledb"
	"github.com/stagedeth/stagedeth/stagedsync"
	"github.com/stretchr/testify/require"
)

var (
	testKey, _ = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	testAddr   = crypto.PubkeyToAddress(testKey.PublicKey)
)

// testPeer serves a fixed set of blocks.
type testPeer struct {
	id       string
	byHash   map[common.Hash]*types.Block
	byNumber map[uint64]*types.Block

	fail     atomic.Int32 // upcoming requests to fail
	corrupt  bool         // serve bodies not matching their headers
	stall    bool         // block until the request is cancelled
	requests atomic.Int32
}

func newTestPeer(id string, chains ...[]*types.Block) *testPeer {
	p := &testPeer{id: id, byHash: make(map[common.Hash]*types.Block), byNumber: make(map[uint64]*types.Block)}
	for _, chain := range chains {
		for _, block := range chain {
			p.byHash[block.Hash()] = block
			p.byNumber[block.NumberU64()] = block
		}
	}
	return p
}

func (p *testPeer) ID() string { return p.id }

func (p *testPeer) request(ctx context.Context) error {
	p.requests.Add(1)
	if p.fail.Load() > 0 {
		p.fail.Add(-1)
		return fmt.Errorf("peer %s: connection reset", p.id)
	}
	if p.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *testPeer) RequestHeadersByHash(ctx context.Context, origin common.Hash, amount int, skip int, reverse bool) ([]*types.Header, error) {
	if err := p.request(ctx); err != nil {
		return nil, err
	}
	block := p.byHash[origin]
	var headers []*types.Header
	for block != nil && len(headers) < amount {
		headers = append(headers, block.Header())
		number := block.NumberU64()
		step := uint64(skip + 1)
		if reverse {
			if number < step {
				break
			}
			number -= step
		} else {
			number += step
		}
		if skip == 0 && reverse {
			block = p.byHash[block.ParentHash()]
		} else {
			block = p.byNumber[number]
		}
	}
	return headers, nil
}

func (p *testPeer) RequestBodies(ctx context.Context, hashes []common.Hash) ([]*types.Body, error) {
	if err := p.request(ctx); err != nil {
		return nil, err
	}
	bodies := make([]*types.Body, 0, len(hashes))
	for _, hash := range hashes {
		block := p.byHash[hash]
		if block == nil {
			break
		}
		body := block.Body()
		if p.corrupt {
			body = &types.Body{}
		}
		bodies = append(bodies, body)
	}
	return bodies, nil
}

type fixture struct {
	cm *core.ChainMaker
	g  *core.Genesis
}

func newFixture(t *testing.T) *fixture {
	g := core.DeveloperGenesis(1337, testAddr)
	cm, err := core.NewChainMaker(g)
	require.NoError(t, err)
	return &fixture{cm: cm, g: g}
}

func (f *fixture) makeChain(t *testing.T, parent *types.Block, n int, seed byte) []*types.Block {
	return f.cm.GenerateChain(parent, n, func(i int, b *core.BlockGen) {
		b.SetCoinbase(common.Address{seed})
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

// localChain resolves canonical hashes from a block list indexed by number.
func localChain(genesis *types.Block, blocks []*types.Block) func(uint64) (common.Hash, error) {
	return func(number uint64) (common.Hash, error) {
		if number == 0 {
			return genesis.Hash(), nil
		}
		if number > uint64(len(blocks)) {
			return common.Hash{}, nil
		}
		return blocks[number-1].Hash(), nil
	}
}

func testConfig() Config {
	config := DefaultConfig
	config.MaxHeaderFetch = 5
	config.MaxBodyFetch = 3
	config.RetryBackoff = time.Millisecond
	config.RequestTimeout = time.Second
	return config
}

func target(block *types.Block) stagedsync.Target {
	return stagedsync.Target{Number: block.NumberU64(), Hash: block.Hash()}
}

func TestHeaders(t *testing.T) {
	f := newFixture(t)
	chain := f.makeChain(t, f.cm.Genesis(), 20, 1)
	peer := newTestPeer("a", chain)
	d := New(testConfig())
	require.NoError(t, d.RegisterPeer(peer))

	local := localChain(f.cm.Genesis(), nil)
	headers, err := d.Headers(context.Background(), stagedsync.HeaderRequest{Target: target(chain[19]), From: 1, Limit: 8, Canonical: local})
	require.NoError(t, err)
	require.Len(t, headers, 8)
	for i, header := range headers {
		require.Equal(t, chain[i].Hash(), header.Hash())
	}
	require.Equal(t, int32(4), peer.requests.Load())

	// The skeleton is reused for the following batches.
	local = localChain(f.cm.Genesis(), chain[:8])
	headers, err = d.Headers(context.Background(), stagedsync.HeaderRequest{Target: target(chain[19]), From: 9, Limit: 100, Canonical: local})
	require.NoError(t, err)
	require.Len(t, headers, 12)
	require.Equal(t, chain[19].Hash(), headers[11].Hash())
	require.Equal(t, int32(4), peer.requests.Load())

	headers, err = d.Headers(context.Background(), stagedsync.HeaderRequest{Target: target(chain[19]), From: 21, Canonical: local})
	require.NoError(t, err)
	require.Empty(t, headers)

	_, err = d.Headers(context.Background(), stagedsync.HeaderRequest{Target: stagedsync.Target{Number: 20}, From: 1, Canonical: local})
	require.ErrorIs(t, err, errNoTarget)
}

func TestHeadersUnwindRequired(t *testing.T) {
	f := newFixture(t)
	main := f.makeChain(t, f.cm.Genesis(), 10, 1)
	branch := f.makeChain(t, main[5], 6, 2)
	d := New(testConfig())
	require.NoError(t, d.RegisterPeer(newTestPeer("a", main[:6], branch)))

	_, err := d.Headers(context.Background(), stagedsync.HeaderRequest{
		Target:    target(branch[5]),
		From:      11,
		Limit:     10,
		Canonical: localChain(f.cm.Genesis(), main),
	})
	var unwind *stagedsync.UnwindRequiredError
	require.ErrorAs(t, err, &unwind)
	require.Equal(t, uint64(6), unwind.To)

	headers, err := d.Headers(context.Background(), stagedsync.HeaderRequest{
		Target:    target(branch[5]),
		From:      7,
		Limit:     10,
		Canonical: localChain(f.cm.Genesis(), main[:6]),
	})
	require.NoError(t, err)
	require.Len(t, headers, 6)
	require.Equal(t, branch[0].Hash(), headers[0].Hash())
}

func TestHeadersForeignGenesis(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)
	other.g.ExtraData = []byte("other network")
	cm, err := core.NewChainMaker(other.g)
	require.NoError(t, err)
	other.cm = cm
	chain := other.makeChain(t, other.cm.Genesis(), 3, 1)

	d := New(testConfig())
	require.NoError(t, d.RegisterPeer(newTestPeer("a", chain)))
	_, err = d.Headers(context.Background(), stagedsync.HeaderRequest{Target: target(chain[2]), From: 1, Canonical: localChain(f.cm.Genesis(), nil)})
	require.ErrorIs(t, err, errInvalidChain)
}

func TestFetchHeader(t *testing.T) {
	f := newFixture(t)
	chain := f.makeChain(t, f.cm.Genesis(), 3, 1)
	d := New(testConfig())
	require.NoError(t, d.RegisterPeer(newTestPeer("a", chain)))

	header, err := d.FetchHeader(context.Background(), chain[1].Hash())
	require.NoError(t, err)
	require.Equal(t, uint64(2), header.Number.Uint64())

	config := testConfig()
	config.MaxRetries = 1
	d = New(config)
	require.NoError(t, d.RegisterPeer(newTestPeer("a", chain)))
	_, err = d.FetchHeader(context.Background(), common.Hash{1})
	require.ErrorIs(t, err, errBadResponse)
}

func TestBodies(t *testing.T) {
	f := newFixture(t)
	chain := f.makeChain(t, f.cm.Genesis(), 10, 1)
	a, b := newTestPeer("a", chain), newTestPeer("b", chain)
	d := New(testConfig())
	require.NoError(t, d.RegisterPeer(a))
	require.NoError(t, d.RegisterPeer(b))

	headers := make([]*types.Header, len(chain))
	for i, block := range chain {
		headers[i] = block.Header()
	}
	bodies, err := d.Bodies(context.Background(), headers)
	require.NoError(t, err)
	require.Len(t, bodies, len(chain))
	for i, body := range bodies {
		require.Len(t, body.Transactions, 1)
		require.Equal(t, chain[i].Transactions()[0].Hash(), body.Transactions[0].Hash())
	}
	// Four chunks spread over both peers.
	require.Equal(t, int32(4), a.requests.Load()+b.requests.Load())
	require.NotZero(t, a.requests.Load())
	require.NotZero(t, b.requests.Load())
}

func TestPeerFailures(t *testing.T) {
	f := newFixture(t)
	chain := f.makeChain(t, f.cm.Genesis(), 3, 1)
	headers := []*types.Header{chain[0].Header(), chain[1].Header(), chain[2].Header()}

	t.Run("bad-peer-dropped", func(t *testing.T) {
		config := testConfig()
		config.MaxPeerFailures = 1
		d := New(config)
		bad := newTestPeer("bad", chain)
		bad.corrupt = true
		require.NoError(t, d.RegisterPeer(bad))
		require.NoError(t, d.RegisterPeer(newTestPeer("good", chain)))

		bodies, err := d.Bodies(context.Background(), headers)
		require.NoError(t, err)
		require.Len(t, bodies, 3)
		require.Equal(t, 1, d.Peers())
		require.ErrorIs(t, d.UnregisterPeer("bad"), errNotRegistered)
	})
	t.Run("flaky-peer-retried", func(t *testing.T) {
		d := New(testConfig())
		flaky := newTestPeer("flaky", chain)
		flaky.fail.Store(2)
		require.NoError(t, d.RegisterPeer(flaky))

		bodies, err := d.Bodies(context.Background(), headers)
		require.NoError(t, err)
		require.Len(t, bodies, 3)
		require.Equal(t, int32(3), flaky.requests.Load())
		require.Equal(t, 1, d.Peers())
	})
	t.Run("timeout", func(t *testing.T) {
		config := testConfig()
		config.RequestTimeout = 10 * time.Millisecond
		config.MaxRetries = 1
		d := New(config)
		slow := newTestPeer("slow", chain)
		slow.stall = true
		require.NoError(t, d.RegisterPeer(slow))

		_, err := d.Bodies(context.Background(), headers)
		require.ErrorIs(t, err, stagedsync.ErrTransient)
		require.ErrorIs(t, err, errTimeout)
	})
	t.Run("no-peers", func(t *testing.T) {
		config := testConfig()
		config.MaxRetries = 1
		d := New(config)
		_, err := d.Headers(context.Background(), stagedsync.HeaderRequest{Target: target(chain[2]), From: 1, Canonical: localChain(f.cm.Genesis(), nil)})
		require.ErrorIs(t, err, errNoPeers)
		require.True(t, stagedsync.IsTransient(err))
	})
	t.Run("cancelled", func(t *testing.T) {
		d := New(testConfig())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := d.Bodies(ctx, headers)
		require.True(t, errors.Is(err, context.Canceled))
	})
}

func TestRegisterPeer(t *testing.T) {
	d := New(testConfig())
	require.NoError(t, d.RegisterPeer(newTestPeer("a")))
	require.ErrorIs(t, d.RegisterPeer(newTestPeer("a")), errAlreadyRegistered)
	require.NoError(t, d.UnregisterPeer("a"))
	require.Zero(t, d.Peers())
}

// The pipeline syncs a chain from remote peers, following a reorg on the next
// run.
func TestPipelineSync(t *testing.T) {
	f := newFixture(t)
	main := f.makeChain(t, f.cm.Genesis(), 30, 1)
	branch := f.makeChain(t, main[24], 8, 2)

	db, err := pebbledb.NewMemory()
	require.NoError(t, err)
	defer db.Close()
	_, err = f.g.Commit(context.Background(), db)
	require.NoError(t, err)

	config := stagedsync.DefaultConfig
	config.CommitThreshold = 7
	config.RetryBackoff = time.Millisecond
	p := stagedsync.New(db, stagedsync.Deps{
		Validator: consensus.NewValidator(consensus.Config{}),
		Executor:  f.cm.Executor(),
		Signer:    f.cm.Executor().Signer(),
	}, config)

	d := New(testConfig())
	require.NoError(t, d.RegisterPeer(newTestPeer("a", main)))
	require.NoError(t, d.RegisterPeer(newTestPeer("b", main, branch)))

	canonical := func(number uint64) common.Hash {
		var hash common.Hash
		require.NoError(t, db.View(context.Background(), func(tx kv.Tx) (err error) {
			hash, err = rawdb.ReadCanonicalHash(tx, number)
			return err
		}))
		return hash
	}
	require.NoError(t, p.Run(context.Background(), d, target(main[29])))
	require.Equal(t, main[29].Hash(), canonical(30))

	require.NoError(t, d.UnregisterPeer("a"))
	require.NoError(t, p.Run(context.Background(), d, target(branch[7])))
	require.Equal(t, branch[7].Hash(), canonical(33))
	require.Equal(t, common.Hash{}, canonical(34))
	head, err := p.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(33), head)
}
