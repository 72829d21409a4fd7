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
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stagedeth/stagedeth/kv/backend"
	"github.com/stretchr/testify/require"
)

func canonicalOf(blocks ...*types.Block) func(uint64) (common.Hash, error) {
	return func(number uint64) (common.Hash, error) {
		for _, b := range blocks {
			if b.NumberU64() == number {
				return b.Hash(), nil
			}
		}
		return common.Hash{}, nil
	}
}

func TestStaticSource(t *testing.T) {
	chain := newTestChain(t)
	genesis := chain.cm.Genesis()
	main := chain.makeChain(t, genesis, 6, 0xaa)
	side := chain.makeChain(t, main[1], 4, 0xbb)
	ctx := context.Background()

	_, err := NewStaticSource([]*types.Block{main[0], main[2]})
	require.Error(t, err)

	src, err := NewStaticSource(main)
	require.NoError(t, err)
	require.Equal(t, Target{Number: 6, Hash: main[5].Hash()}, src.Target())

	// Limited and target bounded requests.
	headers, err := src.Headers(ctx, HeaderRequest{From: 1, Limit: 2, Canonical: canonicalOf(genesis)})
	require.NoError(t, err)
	require.Len(t, headers, 2)
	require.Equal(t, main[1].Hash(), headers[1].Hash())

	headers, err = src.Headers(ctx, HeaderRequest{Target: Target{Number: 4}, From: 3, Limit: 10, Canonical: canonicalOf(genesis, main[0], main[1])})
	require.NoError(t, err)
	require.Len(t, headers, 2)

	// Past the end there is nothing to deliver.
	headers, err = src.Headers(ctx, HeaderRequest{From: 7, Limit: 10, Canonical: canonicalOf(genesis)})
	require.NoError(t, err)
	require.Empty(t, headers)

	// A diverging local chain asks for an unwind to the common ancestor.
	sideSrc, err := NewStaticSource(side)
	require.NoError(t, err)
	_, err = sideSrc.Headers(ctx, HeaderRequest{From: 5, Limit: 10, Canonical: canonicalOf(append([]*types.Block{genesis}, main...)...)})
	var unwind *UnwindRequiredError
	require.ErrorAs(t, err, &unwind)
	require.Equal(t, uint64(2), unwind.To)
	require.ErrorIs(t, err, ErrUnwindRequired)

	// Blocks that do not reach the local chain at all are refused.
	_, err = sideSrc.Headers(ctx, HeaderRequest{From: 3, Limit: 10, Canonical: canonicalOf(genesis)})
	require.ErrorIs(t, err, errUnconnected)

	bodies, err := src.Bodies(ctx, []*types.Header{main[3].Header(), main[4].Header()})
	require.NoError(t, err)
	require.Len(t, bodies, 2)
	require.Equal(t, len(main[3].Transactions()), len(bodies[0].Transactions))

	_, err = src.Bodies(ctx, []*types.Header{side[0].Header()})
	require.Error(t, err)
}

func TestPipelineBackends(t *testing.T) {
	chain := newTestChain(t)
	blocks := chain.makeChain(t, chain.cm.Genesis(), 7, 0xaa)
	side := chain.makeChain(t, blocks[3], 5, 0xbb)

	for _, engine := range backend.Engines {
		engine := engine
		t.Run(engine, func(t *testing.T) {
			ctx := context.Background()
			db, err := backend.Open(engine, t.TempDir(), 16, 16)
			require.NoError(t, err)
			defer db.Close()
			_, err = chain.genesis.Commit(ctx, db)
			require.NoError(t, err)

			p := New(db, chain.deps(nil), testConfig())
			require.NoError(t, syncTo(ctx, t, p, blocks))
			requireSyncedTo(t, db, 7)
			require.NoError(t, syncTo(ctx, t, p, side))
			requireSyncedTo(t, db, 9)
		})
	}
}
