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

package kv

import (
	"bytes"
	"context"
	"errors"
)

var errStopIteration = errors.New("stop iteration")

func compare(a, b []byte) int { return bytes.Compare(a, b) }

// ForEachCursor walks c from the first key >= from and calls fn on every entry.
// Backends use it to implement Tx.ForEach.
func ForEachCursor(c Cursor, from []byte, fn func(k, v []byte) error) error {
	var (
		k, v []byte
		err  error
	)
	if len(from) == 0 {
		k, v, err = c.First()
	} else {
		k, v, err = c.Seek(from)
	}
	for ; k != nil && err == nil; k, v, err = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return err
}

// ViewTx runs fn in a fresh read transaction of db.
func ViewTx(ctx context.Context, db RoDB, fn func(tx Tx) error) error {
	tx, err := db.BeginRo(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// UpdateTx runs fn in a fresh write transaction of db and commits it if fn
// succeeds.
func UpdateTx(ctx context.Context, db RwDB, fn func(tx RwTx) error) error {
	tx, err := db.BeginRw(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// TablePrefix returns the key prefix used by flat keyspace backends to
// namespace a table.
func TablePrefix(table string) []byte {
	prefix := make([]byte, len(table)+1)
	copy(prefix, table)
	return prefix // trailing zero separator
}

// UpperBound returns the smallest key greater than every key with the given
// prefix, or nil if there is none.
func UpperBound(prefix []byte) []byte {
	var limit []byte
	for i := len(prefix) - 1; i >= 0; i-- {
		c := prefix[i]
		if c == 0xff {
			continue
		}
		limit = make([]byte, i+1)
		copy(limit, prefix)
		limit[i] = c + 1
		break
	}
	return limit
}

// CopyBytes returns an owned copy of b, preserving nil.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// IsKnownTable reports whether table belongs to ChaindataTables.
func IsKnownTable(table string) bool {
	for _, t := range ChaindataTables {
		if t == table {
			return true
		}
	}
	return false
}
