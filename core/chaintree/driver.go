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
	"context"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stagedeth/stagedeth/stagedsync"
)

// PipelineDriver moves the persisted chain by running the staged sync pipeline.
type PipelineDriver struct {
	pipeline *stagedsync.Pipeline
}

// NewPipelineDriver creates a driver on top of the given pipeline.
func NewPipelineDriver(p *stagedsync.Pipeline) *PipelineDriver {
	return &PipelineDriver{pipeline: p}
}

// UnwindTo implements Driver.
func (d *PipelineDriver) UnwindTo(ctx context.Context, number uint64) error {
	return d.pipeline.Unwind(ctx, number)
}

// ExecutePath implements Driver.
func (d *PipelineDriver) ExecutePath(ctx context.Context, blocks []*types.Block) error {
	source, err := stagedsync.NewStaticSource(blocks)
	if err != nil {
		return err
	}
	return d.pipeline.Run(ctx, source, source.Target())
}
