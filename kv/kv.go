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

// Package kv defines the transactional key-value interfaces that the sync
// pipeline and the chain tree persist their data through.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when accessing a database after Close.
	ErrClosed = errors.New("database closed")

	// ErrTxDone is returned when using a transaction that was already committed
	// or rolled back.
	ErrTxDone = errors.New("transaction already finished")

	// ErrUnknownTable is returned for operations on a table not part of the
	// schema the database was opened with.
	ErrUnknownTable = errors.New("unknown table")
)

// Getter wraps the point-read methods of a transaction.
type Getter interface {
	// Has reports whether the key is present in the table.
	Has(table string, key []byte) (bool, error)

	// Get retrieves the value of the key. A missing key yields (nil, nil).
	// The returned slice is owned by the caller.
	Get(table string, key []byte) ([]byte, error)
}

// Putter wraps the mutating methods of a write transaction.
type Putter interface {
	Put(table string, key []byte, value []byte) error
	Delete(table string, key []byte) error
}

// Cursor iterates over one table in ascending key order. All positioning
// methods return a nil key once the cursor moves past either end of the table.
// Returned keys and values are owned by the caller.
type Cursor interface {
	First() ([]byte, []byte, error)
	Last() ([]byte, []byte, error)

	// Seek positions the cursor at the first key greater than or equal to key.
	Seek(key []byte) ([]byte, []byte, error)

	// SeekExact positions the cursor at key and reports a nil key if it is absent.
	SeekExact(key []byte) ([]byte, []byte, error)

	Next() ([]byte, []byte, error)
	Prev() ([]byte, []byte, error)
	Close()
}

// Tx is a consistent, read-only view of the database. Writes performed by a
// concurrently open RwTx are never visible through it.
type Tx interface {
	Getter

	// Cursor opens a cursor over the given table.
	Cursor(table string) (Cursor, error)

	// ForEach calls fn for every entry of table with a key >= from, stopping at
	// the first error.
	ForEach(table string, from []byte, fn func(k, v []byte) error) error

	// Rollback releases the transaction. It is safe to call after Commit.
	Rollback()
}

// RwTx is a read-write transaction. All changes become visible atomically on
// Commit and are discarded by Rollback.
type RwTx interface {
	Tx
	Putter

	Commit() error
}

// RoDB opens read-only transactions.
type RoDB interface {
	BeginRo(ctx context.Context) (Tx, error)
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// RwDB additionally opens read-write transactions. At most one RwTx is open at
// any time; BeginRw blocks until the previous one is finished or ctx is done.
type RwDB interface {
	RoDB

	BeginRw(ctx context.Context) (RwTx, error)
	Update(ctx context.Context, fn func(tx RwTx) error) error
}

// Table names of the chain database.
const (
	CanonicalHeaders = "CanonicalHeaders" // num -> hash
	Headers          = "Headers"          // num + hash -> header rlp
	HeaderNumbers    = "HeaderNumbers"    // hash -> num
	HeadersTD        = "HeadersTD"        // num + hash -> cumulative weight rlp
	BlockBodies      = "BlockBodies"      // num + hash -> body rlp
	Senders          = "Senders"          // num + hash -> concatenated 20 byte addresses
	Receipts         = "Receipts"         // num -> receipts rlp

	PlainState       = "PlainState"       // address -> account rlp
	AccountChangeSet = "AccountChangeSet" // num + address -> 0x00 if absent before the block, else 0x01 + account rlp
	HashedAccounts   = "HashedAccounts"   // keccak(address) -> account rlp
	TrieRoots        = "TrieRoots"        // num -> state root computed by the trie stage

	AccountHistory = "AccountHistory" // address + num -> nil, block numbers that touched the account
	TxLookup       = "TxLookup"       // tx hash -> num

	SyncStageProgress = "SyncStageProgress" // stage id -> num
	SyncStageUnwind   = "SyncStageUnwind"   // pending unwind marker
	BadBlocks         = "BadBlocks"         // hash -> header rlp of blocks that failed validation
	Meta              = "Meta"              // misc chain markers (head, safe, finalized)
)

// ChaindataTables is the schema opened by every backend.
var ChaindataTables = []string{
	CanonicalHeaders,
	Headers,
	HeaderNumbers,
	HeadersTD,
	BlockBodies,
	Senders,
	Receipts,
	PlainState,
	AccountChangeSet,
	HashedAccounts,
	TrieRoots,
	AccountHistory,
	TxLookup,
	SyncStageProgress,
	SyncStageUnwind,
	BadBlocks,
	Meta,
}

// ClearTable deletes every entry of a table inside tx.
func ClearTable(tx RwTx, table string) error {
	return DeleteRange(tx, table, nil, nil)
}

// DeleteRange deletes every key of table in [from, to). A nil to means the end
// of the table.
func DeleteRange(tx RwTx, table string, from, to []byte) error {
	var keys [][]byte
	if err := tx.ForEach(table, from, func(k, _ []byte) error {
		if to != nil && compare(k, to) >= 0 {
			return errStopIteration
		}
		keys = append(keys, k)
		return nil
	}); err != nil && !errors.Is(err, errStopIteration) {
		return err
	}
	for _, k := range keys {
		if err := tx.Delete(table, k); err != nil {
			return err
		}
	}
	return nil
}
