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

package core

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/stagedeth/stagedeth/core/executor"
	"github.com/stagedeth/stagedeth/core/state"
)

// ChainMaker generates valid chains on top of a genesis, keeping the post state
// of every generated block so that sidechains can branch off anywhere.
type ChainMaker struct {
	genesis  *types.Block
	executor *executor.Transfer
	states   map[common.Hash]state.MapReader
	receipts map[common.Hash]types.Receipts
}

// NewChainMaker creates a chain maker rooted at the genesis.
func NewChainMaker(g *Genesis) (*ChainMaker, error) {
	block, st, err := g.ToBlock()
	if err != nil {
		return nil, err
	}
	return &ChainMaker{
		genesis:  block,
		executor: executor.NewTransfer(g.Config.ExecutorConfig()),
		states:   map[common.Hash]state.MapReader{block.Hash(): st},
		receipts: make(map[common.Hash]types.Receipts),
	}, nil
}

// Genesis returns the genesis block.
func (cm *ChainMaker) Genesis() *types.Block { return cm.genesis }

// Executor returns the executor blocks are generated with.
func (cm *ChainMaker) Executor() *executor.Transfer { return cm.executor }

// State returns a copy of the post state of a generated block.
func (cm *ChainMaker) State(hash common.Hash) state.MapReader {
	st, ok := cm.states[hash]
	if !ok {
		return nil
	}
	return st.Copy()
}

// Receipts returns the receipts of a generated block.
func (cm *ChainMaker) Receipts(hash common.Hash) types.Receipts { return cm.receipts[hash] }

// BlockGen creates blocks for testing.
// See GenerateChain for a detailed explanation.
type BlockGen struct {
	i       int
	parent  *types.Block
	chain   []*types.Block
	header  *types.Header
	state   state.MapReader
	nonces  map[common.Address]uint64
	signer  types.Signer
	txs     []*types.Transaction
	invalid bool
}

// SetCoinbase sets the coinbase of the generated block.
func (b *BlockGen) SetCoinbase(addr common.Address) { b.header.Coinbase = addr }

// SetExtra sets the extra data field of the generated block.
func (b *BlockGen) SetExtra(data []byte) { b.header.Extra = data }

// SetDifficulty sets the weight the block adds to its chain.
func (b *BlockGen) SetDifficulty(diff *big.Int) { b.header.Difficulty = new(big.Int).Set(diff) }

// OffsetTime modifies the time instance of a block.
func (b *BlockGen) OffsetTime(seconds int64) {
	b.header.Time = uint64(int64(b.header.Time) + seconds)
	if b.header.Time <= b.parent.Time() {
		panic("block time out of range")
	}
}

// Number returns the block number of the block being generated.
func (b *BlockGen) Number() *big.Int { return new(big.Int).Set(b.header.Number) }

// Signer returns the signer transactions must be signed with.
func (b *BlockGen) Signer() types.Signer { return b.signer }

// AddTx adds a transaction to the generated block. GenerateChain panics if the
// transaction cannot be executed.
func (b *BlockGen) AddTx(tx *types.Transaction) {
	from, err := types.Sender(b.signer, tx)
	if err != nil {
		panic(err)
	}
	b.nonces[from] = tx.Nonce() + 1
	b.txs = append(b.txs, tx)
}

// TxNonce returns the next valid transaction nonce for the account at addr.
func (b *BlockGen) TxNonce(addr common.Address) uint64 {
	if nonce, ok := b.nonces[addr]; ok {
		return nonce
	}
	if acc := b.state[addr]; acc != nil {
		return acc.Nonce
	}
	return 0
}

// PrevBlock returns a previously generated block by index. For index -1,
// PrevBlock returns the parent block given to GenerateChain.
func (b *BlockGen) PrevBlock(index int) *types.Block {
	if index >= b.i {
		panic(fmt.Errorf("block index %d out of range (%d,%d)", index, -1, b.i))
	}
	if index == -1 {
		return b.parent
	}
	return b.chain[index]
}

// MakeInvalid corrupts the state root of the generated block, producing a
// block that passes header checks but fails execution.
func (b *BlockGen) MakeInvalid() { b.invalid = true }

// GenerateChain creates a chain of n blocks. The first block's parent will be
// the provided parent, which must be the genesis or a previously generated block.
//
// The generator function is called with a new block generator for every block.
// Any transactions added to the generator become part of the block. If gen is
// nil, the blocks will be empty and their coinbase will be the zero address.
func (cm *ChainMaker) GenerateChain(parent *types.Block, n int, gen func(int, *BlockGen)) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	for i := 0; i < n; i++ {
		parentState, ok := cm.states[parent.Hash()]
		if !ok {
			panic(fmt.Sprintf("unknown parent block %d %x", parent.NumberU64(), parent.Hash()))
		}
		b := &BlockGen{
			i:      i,
			parent: parent,
			chain:  blocks,
			header: makeHeader(parent),
			state:  parentState,
			nonces: make(map[common.Address]uint64),
			signer: cm.executor.Signer(),
		}
		if gen != nil {
			gen(i, b)
		}
		block, post, receipts, err := cm.finalize(b, parentState)
		if err != nil {
			panic(fmt.Sprintf("block %d: %v", b.header.Number, err))
		}
		cm.states[block.Hash()] = post
		cm.receipts[block.Hash()] = receipts
		blocks = append(blocks, block)
		parent = block
	}
	return blocks
}

func (cm *ChainMaker) finalize(b *BlockGen, parentState state.MapReader) (*types.Block, state.MapReader, types.Receipts, error) {
	// Execute once on a provisional block to learn gas, receipts and post state.
	draft := types.NewBlockWithHeader(b.header).WithBody(b.txs, nil)
	res, err := cm.executor.ExecuteBlock(parentState, draft, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	post := parentState.Copy()
	post.Apply(res.Diff)
	root, err := state.RootOf(post)
	if err != nil {
		return nil, nil, nil, err
	}
	if b.invalid {
		root = common.Hash{0xba, 0xd0}
	}
	h := b.header
	h.GasUsed = res.GasUsed
	h.Root = root
	h.Bloom = types.CreateBloom(res.Receipts)
	block := types.NewBlock(h, b.txs, nil, res.Receipts, trie.NewStackTrie(nil))
	return block, post, res.Receipts, nil
}

func makeHeader(parent *types.Block) *types.Header {
	return &types.Header{
		ParentHash: parent.Hash(),
		Coinbase:   parent.Coinbase(),
		Difficulty: big.NewInt(1),
		GasLimit:   parent.GasLimit(),
		Number:     new(big.Int).Add(parent.Number(), common.Big1),
		Time:       parent.Time() + 10, // block time is fixed at 10 seconds
	}
}
