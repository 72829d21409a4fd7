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

package state

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/stagedeth/stagedeth/kv"
)

// Reader defines the interface for accessing accounts of a specific state.
type Reader interface {
	// Account retrieves the account associated with a particular address.
	//
	// - Returns a nil account if it does not exist
	// - Returns an error only if an unexpected issue occurs
	// - The returned account is safe to modify after the call
	Account(addr common.Address) (*Account, error)
}

// PlainReader reads accounts from the PlainState table.
type PlainReader struct {
	db kv.Getter
}

// NewPlainReader creates a reader over the plain state visible through db.
func NewPlainReader(db kv.Getter) *PlainReader {
	return &PlainReader{db: db}
}

// Account implements Reader.
func (r *PlainReader) Account(addr common.Address) (*Account, error) {
	data, err := r.db.Get(kv.PlainState, addr.Bytes())
	if err != nil || len(data) == 0 {
		return nil, err
	}
	return DecodeAccount(data)
}

// MapReader is an in-memory state, used for genesis allocations and for
// generating test chains.
type MapReader map[common.Address]*Account

// Account implements Reader.
func (m MapReader) Account(addr common.Address) (*Account, error) {
	return m[addr].Copy(), nil
}

// Apply writes the changes of d into the map.
func (m MapReader) Apply(d *Diff) {
	for _, c := range d.Changes() {
		if c.Next == nil {
			delete(m, c.Address)
		} else {
			m[c.Address] = c.Next.Copy()
		}
	}
}

// Copy returns a deep copy of the map.
func (m MapReader) Copy() MapReader {
	cpy := make(MapReader, len(m))
	for addr, acc := range m {
		cpy[addr] = acc.Copy()
	}
	return cpy
}
