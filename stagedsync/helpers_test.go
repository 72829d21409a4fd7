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
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stagedeth/stagedeth/consensus"
	"github.com/stagedeth/stagedeth/core"
	"github.com/stagedeth/stagedeth/core/executor"
	"github.com/stagedeth/stagedeth/core/state"
	"github.com/stagedeth/stagedeth/kv"
	"github.com/stagedeth/stagedeth/kv/pebbledb"
	"github.com/stretchr/testify/require"
)

var (
	testKey, _ = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	testAddr   = crypto.PubkeyToAddress(testKey.PublicKey)

	errCrash = errors.New("simulated crash")
)

// testChain is a chain maker shared by all databases of a test; every database
// is initialized with the same genesis, so its blocks import anywhere.
type testChain struct {
	genesis *core.Genesis
	cm      *core.ChainMaker
}

func newTestChain(t *testing.T) *testChain {
	g := core.DeveloperGenesis(1337, testAddr)
	cm, err := core.NewChainMaker(g)
	require.NoError(t, err)
	return &testChain{genesis: g, cm: cm}
}

// makeChain generates n blocks on top of parent. Every block transfers to a few
// recipients derived from seed, so branches with different seeds differ.
func (c *testChain) makeChain(t *testing.T, parent *types.Block, n int, seed byte) []*types.Block {
	return c.cm.GenerateChain(parent, n, func(i int, b *core.BlockGen) {
		b.SetCoinbase(common.Address{seed, 0xcb})
		for j := 0; j <= i%3; j++ {
			to := common.Address{seed, byte(i), byte(j)}
			tx, err := types.SignNewTx(testKey, b.Signer(), &types.LegacyTx{
				Nonce:    b.TxNonce(testAddr),
				To:       &to,
				Value:    big.NewInt(int64(1000 + i)),
				Gas:      21000,
				GasPrice: big.NewInt(1),
			})
			require.NoError(t, err)
			b.AddTx(tx)
		}
	})
}

// newDB opens an in-memory database holding the genesis.
func (c *testChain) newDB(t *testing.T) kv.RwDB {
	db, err := pebbledb.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = c.genesis.Commit(context.Background(), db)
	require.NoError(t, err)
	return db
}

func (c *testChain) deps(exec executor.Executor) Deps {
	if exec == nil {
		exec = c.cm.Executor()
	}
	return Deps{
		Validator: consensus.NewValidator(consensus.Config{}),
		Executor:  exec,
		Signer:    c.cm.Executor().Signer(),
	}
}

func testConfig() Config {
	cfg := DefaultConfig
	cfg.CommitThreshold = 3
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxRetries = 2
	return cfg
}

func syncTo(ctx context.Context, t *testing.T, p *Pipeline, blocks []*types.Block) error {
	src, err := NewStaticSource(blocks)
	require.NoError(t, err)
	return p.Run(ctx, src, src.Target())
}

// countingExecutor counts the executions of every block.
type countingExecutor struct {
	executor.Executor

	mu     sync.Mutex
	counts map[common.Hash]int
	hook   func(block *types.Block)
}

func newCountingExecutor(inner executor.Executor) *countingExecutor {
	return &countingExecutor{Executor: inner, counts: make(map[common.Hash]int)}
}

func (e *countingExecutor) ExecuteBlock(st state.Reader, block *types.Block, senders []common.Address) (*executor.Result, error) {
	res, err := e.Executor.ExecuteBlock(st, block, senders)
	e.mu.Lock()
	e.counts[block.Hash()]++
	e.mu.Unlock()
	if e.hook != nil {
		e.hook(block)
	}
	return res, err
}

func (e *countingExecutor) count(hash common.Hash) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[hash]
}

// dumpDB renders the whole database for equality checks.
func dumpDB(t *testing.T, db kv.RoDB) map[string]string {
	dump := make(map[string]string)
	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		for _, table := range kv.ChaindataTables {
			if err := tx.ForEach(table, nil, func(k, v []byte) error {
				dump[fmt.Sprintf("%s/%x", table, k)] = fmt.Sprintf("%x", v)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	return dump
}

func readProgress(t *testing.T, db kv.RoDB) map[StageID]uint64 {
	progress := make(map[StageID]uint64)
	require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
		list, err := ReadProgress(tx)
		for _, p := range list {
			progress[p.ID] = p.Checkpoint
		}
		return err
	}))
	return progress
}

func requireSyncedTo(t *testing.T, db kv.RoDB, number uint64) {
	t.Helper()
	for id, checkpoint := range readProgress(t, db) {
		require.Equal(t, number, checkpoint, "stage %s", id)
	}
}
