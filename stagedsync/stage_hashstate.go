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
	"bytes"
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gammazero/workerpool"
	"github.com/stagedeth/stagedeth/core/state"
	"github.com/stagedeth/stagedeth/kv"
)

// hashStateStage mirrors the plain state into HashedAccounts, keyed by the
// keccak of the address.
type hashStateStage struct {
	workers int
}

func (s *hashStateStage) ID() StageID { return HashState }
func (s *hashStateStage) sealed()     {}

type hashedAccount struct {
	key common.Hash
	acc *state.Account
}

// hashAccounts hashes the addresses of accounts on a worker pool and returns
// them sorted by hashed key.
func (s *hashStateStage) hashAccounts(accounts map[common.Address]*state.Account) []hashedAccount {
	addrs := make([]common.Address, 0, len(accounts))
	for addr := range accounts {
		addrs = append(addrs, addr)
	}
	out := make([]hashedAccount, len(addrs))

	wp := workerpool.New(s.workers)
	const chunk = 256
	for start := 0; start < len(addrs); start += chunk {
		start, end := start, start+chunk
		if end > len(addrs) {
			end = len(addrs)
		}
		wp.Submit(func() {
			for i := start; i < end; i++ {
				out[i] = hashedAccount{key: state.HashedKey(addrs[i]), acc: accounts[addrs[i]]}
			}
		})
	}
	wp.StopWait()

	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].key[:], out[j].key[:]) < 0 })
	return out
}

func (s *hashStateStage) write(tx kv.RwTx, accounts map[common.Address]*state.Account) error {
	for _, h := range s.hashAccounts(accounts) {
		if err := state.WriteAccount(tx, kv.HashedAccounts, h.key[:], h.acc); err != nil {
			return err
		}
	}
	return nil
}

func (s *hashStateStage) Execute(ctx context.Context, tx kv.RwTx, in ExecInput) (ExecOutput, error) {
	touched, err := state.ChangedAccounts(tx, in.From+1, in.To)
	if err != nil {
		return ExecOutput{}, err
	}
	// The plain state may already be past the batch end; the change sets above it
	// hold the values as of To.
	later, err := state.ChangedAccounts(tx, in.To+1, ^uint64(0))
	if err != nil {
		return ExecOutput{}, err
	}
	plain := state.NewPlainReader(tx)
	values := make(map[common.Address]*state.Account, len(touched))
	for addr := range touched {
		if acc, ok := later[addr]; ok {
			values[addr] = acc
			continue
		}
		acc, err := plain.Account(addr)
		if err != nil {
			return ExecOutput{}, err
		}
		values[addr] = acc
	}
	if err := s.write(tx, values); err != nil {
		return ExecOutput{}, err
	}
	return ExecOutput{Checkpoint: in.To, Done: true}, nil
}

func (s *hashStateStage) Unwind(ctx context.Context, tx kv.RwTx, in UnwindInput) (UnwindOutput, error) {
	to, ok := unwindRange(in)
	if !ok {
		return UnwindOutput{Checkpoint: to}, nil
	}
	before, err := state.ChangedAccounts(tx, to+1, ^uint64(0))
	if err != nil {
		return UnwindOutput{}, err
	}
	if err := s.write(tx, before); err != nil {
		return UnwindOutput{}, err
	}
	return UnwindOutput{Checkpoint: to}, nil
}
