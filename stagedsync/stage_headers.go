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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stagedeth/stagedeth/consensus"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/kv"
)

// headersStage downloads headers from the block source, validates them and
// makes them canonical.
type headersStage struct {
	validator consensus.Validator
}

func (s *headersStage) ID() StageID { return Headers }
func (s *headersStage) sealed()     {}

func (s *headersStage) Execute(ctx context.Context, tx kv.RwTx, in ExecInput) (ExecOutput, error) {
	if in.Source == nil {
		return ExecOutput{}, errors.New("no block source")
	}
	parent, err := readCanonical(tx, in.From)
	if err != nil {
		return ExecOutput{}, err
	}
	td, err := rawdb.ReadTd(tx, parent.Hash(), in.From)
	if err != nil {
		return ExecOutput{}, err
	}
	if td == nil {
		return ExecOutput{}, fmt.Errorf("%w: missing total difficulty of #%d", rawdb.ErrCorrupted, in.From)
	}
	headers, err := in.Source.Headers(ctx, HeaderRequest{
		Target: in.Target,
		From:   in.From + 1,
		Limit:  int(in.To - in.From),
		Canonical: func(number uint64) (common.Hash, error) {
			return rawdb.ReadCanonicalHash(tx, number)
		},
	})
	if err != nil {
		var unwind *UnwindRequiredError
		if errors.As(err, &unwind) {
			return ExecOutput{}, unwind
		}
		return ExecOutput{}, &sourceError{err}
	}
	if len(headers) == 0 {
		return ExecOutput{}, ErrNoProgress
	}
	if len(headers) > int(in.To-in.From) {
		headers = headers[:in.To-in.From]
	}
	if headers[0].ParentHash != parent.Hash() {
		return ExecOutput{}, &sourceError{fmt.Errorf("%w: header #%d does not attach to local head [%x]", ErrTransient, headers[0].Number, parent.Hash())}
	}
	for _, header := range headers {
		number, hash := header.Number.Uint64(), header.Hash()
		if number != parent.Number.Uint64()+1 || header.ParentHash != parent.Hash() {
			return ExecOutput{}, &sourceError{fmt.Errorf("%w: non contiguous header #%d [%x]", ErrTransient, number, hash)}
		}
		if in.Target.Hash != (common.Hash{}) && number == in.Target.Number && hash != in.Target.Hash {
			return ExecOutput{}, &sourceError{fmt.Errorf("%w: header #%d [%x] is not the target [%x]", ErrTransient, number, hash, in.Target.Hash)}
		}
		bad, err := rawdb.ReadBadBlock(tx, hash)
		if err != nil {
			return ExecOutput{}, err
		}
		if bad != nil {
			return ExecOutput{}, &BlockError{Number: number, Hash: hash, Stage: Headers, Err: ErrKnownBadBlock, Header: header}
		}
		if err := s.validator.ValidateHeader(header, parent); err != nil {
			return ExecOutput{}, &BlockError{Number: number, Hash: hash, Stage: Headers, Err: err, Header: header}
		}
		td = new(big.Int).Add(td, header.Difficulty)
		if err := rawdb.WriteHeader(tx, header); err != nil {
			return ExecOutput{}, err
		}
		if err := rawdb.WriteTd(tx, hash, number, td); err != nil {
			return ExecOutput{}, err
		}
		if err := rawdb.WriteCanonicalHash(tx, hash, number); err != nil {
			return ExecOutput{}, err
		}
		parent = header
	}
	if err := rawdb.WriteHeadHeaderHash(tx, parent.Hash()); err != nil {
		return ExecOutput{}, err
	}
	last := parent.Number.Uint64()
	log.Debug("Inserted headers", "count", len(headers), "number", last, "hash", parent.Hash(), "td", td)
	return ExecOutput{Checkpoint: last, Done: last >= in.To}, nil
}

func (s *headersStage) Unwind(ctx context.Context, tx kv.RwTx, in UnwindInput) (UnwindOutput, error) {
	to, ok := unwindRange(in)
	if !ok {
		return UnwindOutput{Checkpoint: to}, nil
	}
	if err := kv.DeleteRange(tx, kv.CanonicalHeaders, rawdb.EncodeBlockNumber(to+1), nil); err != nil {
		return UnwindOutput{}, err
	}
	head, err := rawdb.ReadCanonicalHash(tx, to)
	if err != nil {
		return UnwindOutput{}, err
	}
	if head == (common.Hash{}) {
		return UnwindOutput{}, fmt.Errorf("%w: missing canonical hash #%d", rawdb.ErrCorrupted, to)
	}
	if err := rawdb.WriteHeadHeaderHash(tx, head); err != nil {
		return UnwindOutput{}, err
	}
	return UnwindOutput{Checkpoint: to}, nil
}

// readCanonical loads the canonical header at number, failing if it is missing.
func readCanonical(tx kv.Tx, number uint64) (*types.Header, error) {
	header, err := rawdb.ReadCanonicalHeader(tx, number)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("%w: missing canonical header #%d", rawdb.ErrCorrupted, number)
	}
	return header, nil
}
