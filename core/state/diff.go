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
	"github.com/holiman/uint256"
)

// Change is the transition of one account within a block. A nil Prev means
// the account did not exist before, a nil Next means it was removed.
type Change struct {
	Address common.Address
	Prev    *Account
	Next    *Account
}

// Diff is the ordered set of account changes a block produced.
type Diff struct {
	changes []Change
}

// Changes returns the changes in the order the accounts were first touched.
func (d *Diff) Changes() []Change {
	return d.changes
}

// Len returns the number of changed accounts.
func (d *Diff) Len() int { return len(d.changes) }

// Overlay buffers account modifications on top of a Reader and turns them
// into a Diff. It is the state a block executor runs against.
type Overlay struct {
	reader Reader
	prev   map[common.Address]*Account
	dirty  map[common.Address]*Account
	order  []common.Address
}

// NewOverlay creates an empty overlay over r.
func NewOverlay(r Reader) *Overlay {
	return &Overlay{
		reader: r,
		prev:   make(map[common.Address]*Account),
		dirty:  make(map[common.Address]*Account),
	}
}

func (o *Overlay) load(addr common.Address) (*Account, error) {
	if acc, ok := o.dirty[addr]; ok {
		return acc, nil
	}
	acc, err := o.reader.Account(addr)
	if err != nil {
		return nil, err
	}
	o.prev[addr] = acc.Copy()
	o.dirty[addr] = acc
	o.order = append(o.order, addr)
	return acc, nil
}

// Account returns a copy of the current account, nil if it does not exist.
func (o *Overlay) Account(addr common.Address) (*Account, error) {
	acc, err := o.load(addr)
	return acc.Copy(), err
}

// Exist reports whether the account exists in the overlay.
func (o *Overlay) Exist(addr common.Address) (bool, error) {
	acc, err := o.load(addr)
	return acc != nil, err
}

// GetBalance returns the balance of the account, zero if it does not exist.
func (o *Overlay) GetBalance(addr common.Address) (*uint256.Int, error) {
	acc, err := o.load(addr)
	if err != nil || acc == nil {
		return new(uint256.Int), err
	}
	return new(uint256.Int).Set(acc.Balance), nil
}

// GetNonce returns the nonce of the account, zero if it does not exist.
func (o *Overlay) GetNonce(addr common.Address) (uint64, error) {
	acc, err := o.load(addr)
	if err != nil || acc == nil {
		return 0, err
	}
	return acc.Nonce, nil
}

func (o *Overlay) getOrNew(addr common.Address) (*Account, error) {
	acc, err := o.load(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = NewAccount()
		o.dirty[addr] = acc
	}
	return acc, nil
}

// AddBalance adds amount to the account, creating it if needed.
func (o *Overlay) AddBalance(addr common.Address, amount *uint256.Int) error {
	acc, err := o.getOrNew(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(uint256.Int).Add(acc.Balance, amount)
	return nil
}

// SubBalance subtracts amount from the account. The caller checks the balance
// is sufficient.
func (o *Overlay) SubBalance(addr common.Address, amount *uint256.Int) error {
	acc, err := o.getOrNew(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(uint256.Int).Sub(acc.Balance, amount)
	return nil
}

// SetNonce sets the nonce of the account, creating it if needed.
func (o *Overlay) SetNonce(addr common.Address, nonce uint64) error {
	acc, err := o.getOrNew(addr)
	if err != nil {
		return err
	}
	acc.Nonce = nonce
	return nil
}

// Diff returns the accumulated changes. Accounts read but left unmodified are
// not part of the diff.
func (o *Overlay) Diff() *Diff {
	d := new(Diff)
	for _, addr := range o.order {
		prev, next := o.prev[addr], o.dirty[addr]
		if prev.Equal(next) {
			continue
		}
		d.changes = append(d.changes, Change{Address: addr, Prev: prev.Copy(), Next: next.Copy()})
	}
	return d
}
