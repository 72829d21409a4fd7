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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Target is the block the pipeline syncs towards. A zero Hash leaves the choice
// of the block at Number to the block source.
type Target struct {
	Number uint64
	Hash   common.Hash
}

// HeaderRequest asks a block source for consecutive canonical headers.
type HeaderRequest struct {
	Target Target
	From   uint64 // first block number wanted
	Limit  int    // maximum number of headers

	// Canonical resolves the local canonical hash at a number, zero if none.
	// Sources use it to locate the common ancestor with the local chain.
	Canonical func(number uint64) (common.Hash, error)
}

// BlockSource supplies header and body ranges to the pipeline.
type BlockSource interface {
	// Headers returns up to req.Limit consecutive headers starting at req.From
	// on the chain leading to req.Target. If the local block at req.From-1 is not
	// an ancestor of the target, an *UnwindRequiredError naming the common
	// ancestor is returned instead.
	Headers(ctx context.Context, req HeaderRequest) ([]*types.Header, error)

	// Bodies returns the bodies of the given headers, in order.
	Bodies(ctx context.Context, headers []*types.Header) ([]*types.Body, error)
}

// errUnconnected is returned by a static source whose blocks do not attach to
// the local canonical chain.
var errUnconnected = errors.New("blocks do not connect to the local chain")

// StaticSource serves a fixed, contiguous run of blocks, such as a chain tree
// path or an imported file.
type StaticSource struct {
	blocks []*types.Block
	byHash map[common.Hash]*types.Block
}

// NewStaticSource creates a source over blocks, which must be ordered and
// linked by parent hash.
func NewStaticSource(blocks []*types.Block) (*StaticSource, error) {
	s := &StaticSource{blocks: blocks, byHash: make(map[common.Hash]*types.Block, len(blocks))}
	for i, block := range blocks {
		if i > 0 {
			prev := blocks[i-1]
			if block.NumberU64() != prev.NumberU64()+1 || block.ParentHash() != prev.Hash() {
				return nil, fmt.Errorf("non contiguous blocks: item %d is #%d [%x], item %d is #%d [%x] (parent [%x])",
					i-1, prev.NumberU64(), prev.Hash().Bytes()[:4], i, block.NumberU64(), block.Hash().Bytes()[:4], block.ParentHash().Bytes()[:4])
			}
		}
		s.byHash[block.Hash()] = block
	}
	return s, nil
}

// Head returns the last block of the source, nil if empty.
func (s *StaticSource) Head() *types.Block {
	if len(s.blocks) == 0 {
		return nil
	}
	return s.blocks[len(s.blocks)-1]
}

// Target returns the pipeline target reaching the last block of the source.
func (s *StaticSource) Target() Target {
	head := s.Head()
	if head == nil {
		return Target{}
	}
	return Target{Number: head.NumberU64(), Hash: head.Hash()}
}

func (s *StaticSource) first() uint64 { return s.blocks[0].NumberU64() }

// hashAt returns the hash the source's chain has at number, for numbers from
// the parent of the first block up to the last block.
func (s *StaticSource) hashAt(number uint64) common.Hash {
	if number+1 == s.first() {
		return s.blocks[0].ParentHash()
	}
	return s.blocks[number-s.first()].Hash()
}

// Headers implements BlockSource.
func (s *StaticSource) Headers(ctx context.Context, req HeaderRequest) ([]*types.Header, error) {
	if len(s.blocks) == 0 || req.From > s.Head().NumberU64() {
		return nil, nil
	}
	if req.From == 0 || req.From < s.first() {
		return nil, fmt.Errorf("%w: first block #%d, requested #%d", errUnconnected, s.first(), req.From)
	}
	// Locate the highest block both chains share, at or below req.From-1.
	for n := req.From - 1; ; n-- {
		local, err := req.Canonical(n)
		if err != nil {
			return nil, err
		}
		if local == s.hashAt(n) {
			if n != req.From-1 {
				return nil, &UnwindRequiredError{To: n}
			}
			break
		}
		if n+1 == s.first() {
			return nil, fmt.Errorf("%w: parent of #%d [%x] not canonical", errUnconnected, s.first(), s.blocks[0].ParentHash())
		}
	}
	last := s.Head().NumberU64()
	if req.Target.Number != 0 && req.Target.Number < last {
		last = req.Target.Number
	}
	if req.Limit > 0 && req.From+uint64(req.Limit)-1 < last {
		last = req.From + uint64(req.Limit) - 1
	}
	headers := make([]*types.Header, 0, last-req.From+1)
	for n := req.From; n <= last; n++ {
		headers = append(headers, s.blocks[n-s.first()].Header())
	}
	return headers, nil
}

// Bodies implements BlockSource.
func (s *StaticSource) Bodies(ctx context.Context, headers []*types.Header) ([]*types.Body, error) {
	bodies := make([]*types.Body, len(headers))
	for i, header := range headers {
		block, ok := s.byHash[header.Hash()]
		if !ok {
			return nil, fmt.Errorf("unknown block #%d [%x]", header.Number, header.Hash())
		}
		bodies[i] = block.Body()
	}
	return bodies, nil
}
