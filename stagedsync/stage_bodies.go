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

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stagedeth/stagedeth/consensus"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/kv"
)

// bodiesStage fetches and validates the bodies of canonical headers.
type bodiesStage struct {
	validator consensus.Validator
}

func (s *bodiesStage) ID() StageID { return Bodies }
func (s *bodiesStage) sealed()     {}

func (s *bodiesStage) Execute(ctx context.Context, tx kv.RwTx, in ExecInput) (ExecOutput, error) {
	var missing []*types.Header
	for n := in.From + 1; n <= in.To; n++ {
		header, err := readCanonical(tx, n)
		if err != nil {
			return ExecOutput{}, err
		}
		ok, err := rawdb.HasBody(tx, header.Hash(), n)
		if err != nil {
			return ExecOutput{}, err
		}
		if !ok {
			missing = append(missing, header)
		}
	}
	if len(missing) > 0 {
		if in.Source == nil {
			return ExecOutput{}, errors.New("no block source")
		}
		bodies, err := in.Source.Bodies(ctx, missing)
		if err != nil {
			return ExecOutput{}, &sourceError{err}
		}
		if len(bodies) != len(missing) {
			return ExecOutput{}, &sourceError{fmt.Errorf("%w: requested %d bodies, got %d", ErrTransient, len(missing), len(bodies))}
		}
		for i, header := range missing {
			number, hash := header.Number.Uint64(), header.Hash()
			if bodies[i] == nil {
				return ExecOutput{}, &sourceError{fmt.Errorf("%w: missing body #%d [%x]", ErrTransient, number, hash)}
			}
			if err := s.validator.ValidateBody(header, bodies[i]); err != nil {
				return ExecOutput{}, &BlockError{Number: number, Hash: hash, Stage: Bodies, Err: err}
			}
			if err := rawdb.WriteBody(tx, hash, number, bodies[i]); err != nil {
				return ExecOutput{}, err
			}
		}
		log.Debug("Inserted block bodies", "count", len(missing), "number", in.To)
	}
	return ExecOutput{Checkpoint: in.To, Done: true}, nil
}

func (s *bodiesStage) Unwind(ctx context.Context, tx kv.RwTx, in UnwindInput) (UnwindOutput, error) {
	to, ok := unwindRange(in)
	if !ok {
		return UnwindOutput{Checkpoint: to}, nil
	}
	err := forCanonical(tx, to+1, in.From, func(header *types.Header) error {
		return rawdb.DeleteBody(tx, header.Hash(), header.Number.Uint64())
	})
	if err != nil {
		return UnwindOutput{}, err
	}
	return UnwindOutput{Checkpoint: to}, nil
}

// forCanonical calls fn on the canonical headers of the blocks in [from, to].
// Numbers without a canonical header are skipped.
func forCanonical(tx kv.Tx, from, to uint64, fn func(header *types.Header) error) error {
	for n := from; n <= to; n++ {
		header, err := rawdb.ReadCanonicalHeader(tx, n)
		if err != nil {
			return err
		}
		if header == nil {
			continue
		}
		if err := fn(header); err != nil {
			return err
		}
	}
	return nil
}
