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

// Package pebbledb implements the transactional key-value interface on top of
// the pebble storage engine. Write transactions are indexed batches, read
// transactions are engine snapshots.
package pebbledb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stagedeth/stagedeth/kv"
)

const (
	// minCache is the minimum amount of memory in megabytes to allocate to the
	// pebble block cache.
	minCache = 16

	// minHandles is the minimum number of files handles to allocate to the open
	// database files.
	minHandles = 16
)

// Database is a pebble backed kv.RwDB.
type Database struct {
	fn     string
	db     *pebble.DB
	writer chan struct{} // single write transaction token
	closed atomic.Bool

	log log.Logger
}

// New opens (or creates) a pebble database in the given directory.
func New(file string, cache int, handles int) (*Database, error) {
	if cache < minCache {
		cache = minCache
	}
	if handles < minHandles {
		handles = minHandles
	}
	logger := log.New("database", file)
	logger.Info("Allocated cache and file handles", "cache", cache, "handles", handles)

	opts := &pebble.Options{
		Cache:        pebble.NewCache(int64(cache * 1024 * 1024)),
		MaxOpenFiles: handles,
	}
	return open(file, opts, logger)
}

// NewMemory opens an ephemeral pebble database backed by an in-memory
// filesystem.
func NewMemory() (*Database, error) {
	return open("chaindata", &pebble.Options{FS: vfs.NewMem()}, log.New("database", "memory"))
}

func open(file string, opts *pebble.Options, logger log.Logger) (*Database, error) {
	db, err := pebble.Open(file, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %q: %w", file, err)
	}
	return &Database{
		fn:     file,
		db:     db,
		writer: make(chan struct{}, 1),
		log:    logger,
	}, nil
}

// Close flushes and closes the database. Open transactions must be finished.
func (d *Database) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.db.Close()
}

// BeginRo opens a snapshot transaction.
func (d *Database) BeginRo(ctx context.Context) (kv.Tx, error) {
	if d.closed.Load() {
		return nil, kv.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &roTx{snap: d.db.NewSnapshot()}, nil
}

// View runs fn in a read transaction.
func (d *Database) View(ctx context.Context, fn func(tx kv.Tx) error) error {
	return kv.ViewTx(ctx, d, fn)
}

// BeginRw opens the write transaction, waiting for the previous one to finish.
func (d *Database) BeginRw(ctx context.Context) (kv.RwTx, error) {
	if d.closed.Load() {
		return nil, kv.ErrClosed
	}
	select {
	case d.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &rwTx{db: d, batch: d.db.NewIndexedBatch()}, nil
}

// Update runs fn in a write transaction and commits it.
func (d *Database) Update(ctx context.Context, fn func(tx kv.RwTx) error) error {
	return kv.UpdateTx(ctx, d, fn)
}

// reader is the read surface shared by snapshots and indexed batches.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) *pebble.Iterator
}

func get(r reader, table string, key []byte) ([]byte, error) {
	if !kv.IsKnownTable(table) {
		return nil, fmt.Errorf("%w: %s", kv.ErrUnknownTable, table)
	}
	dat, closer, err := r.Get(append(kv.TablePrefix(table), key...))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	ret := make([]byte, len(dat))
	copy(ret, dat)
	closer.Close()
	return ret, nil
}

func has(r reader, table string, key []byte) (bool, error) {
	v, err := get(r, table, key)
	return v != nil, err
}

func newCursor(r reader, table string) (kv.Cursor, error) {
	if !kv.IsKnownTable(table) {
		return nil, fmt.Errorf("%w: %s", kv.ErrUnknownTable, table)
	}
	prefix := kv.TablePrefix(table)
	iter := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: kv.UpperBound(prefix),
	})
	return &cursor{iter: iter, prefix: prefix}, nil
}

type roTx struct {
	snap *pebble.Snapshot
	done bool
}

func (tx *roTx) Get(table string, key []byte) ([]byte, error) {
	if tx.done {
		return nil, kv.ErrTxDone
	}
	return get(tx.snap, table, key)
}

func (tx *roTx) Has(table string, key []byte) (bool, error) {
	if tx.done {
		return false, kv.ErrTxDone
	}
	return has(tx.snap, table, key)
}

func (tx *roTx) Cursor(table string) (kv.Cursor, error) {
	if tx.done {
		return nil, kv.ErrTxDone
	}
	return newCursor(tx.snap, table)
}

func (tx *roTx) ForEach(table string, from []byte, fn func(k, v []byte) error) error {
	c, err := tx.Cursor(table)
	if err != nil {
		return err
	}
	defer c.Close()
	return kv.ForEachCursor(c, from, fn)
}

func (tx *roTx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.snap.Close()
}

type rwTx struct {
	db    *Database
	batch *pebble.Batch
	done  bool
}

func (tx *rwTx) Get(table string, key []byte) ([]byte, error) {
	if tx.done {
		return nil, kv.ErrTxDone
	}
	return get(tx.batch, table, key)
}

func (tx *rwTx) Has(table string, key []byte) (bool, error) {
	if tx.done {
		return false, kv.ErrTxDone
	}
	return has(tx.batch, table, key)
}

func (tx *rwTx) Cursor(table string) (kv.Cursor, error) {
	if tx.done {
		return nil, kv.ErrTxDone
	}
	return newCursor(tx.batch, table)
}

func (tx *rwTx) ForEach(table string, from []byte, fn func(k, v []byte) error) error {
	c, err := tx.Cursor(table)
	if err != nil {
		return err
	}
	defer c.Close()
	return kv.ForEachCursor(c, from, fn)
}

func (tx *rwTx) Put(table string, key []byte, value []byte) error {
	if tx.done {
		return kv.ErrTxDone
	}
	if !kv.IsKnownTable(table) {
		return fmt.Errorf("%w: %s", kv.ErrUnknownTable, table)
	}
	return tx.batch.Set(append(kv.TablePrefix(table), key...), value, nil)
}

func (tx *rwTx) Delete(table string, key []byte) error {
	if tx.done {
		return kv.ErrTxDone
	}
	if !kv.IsKnownTable(table) {
		return fmt.Errorf("%w: %s", kv.ErrUnknownTable, table)
	}
	return tx.batch.Delete(append(kv.TablePrefix(table), key...), nil)
}

func (tx *rwTx) Commit() error {
	if tx.done {
		return kv.ErrTxDone
	}
	defer tx.release()
	return tx.batch.Commit(pebble.Sync)
}

func (tx *rwTx) Rollback() {
	if tx.done {
		return
	}
	tx.release()
}

func (tx *rwTx) release() {
	tx.done = true
	if err := tx.batch.Close(); err != nil {
		tx.db.log.Warn("Failed to release write batch", "err", err)
	}
	<-tx.db.writer
}

type cursor struct {
	iter   *pebble.Iterator
	prefix []byte
}

func (c *cursor) current(valid bool) ([]byte, []byte, error) {
	if !valid {
		return nil, nil, c.iter.Error()
	}
	return kv.CopyBytes(c.iter.Key()[len(c.prefix):]), kv.CopyBytes(c.iter.Value()), nil
}

func (c *cursor) First() ([]byte, []byte, error) { return c.current(c.iter.First()) }
func (c *cursor) Last() ([]byte, []byte, error)  { return c.current(c.iter.Last()) }
func (c *cursor) Next() ([]byte, []byte, error)  { return c.current(c.iter.Next()) }
func (c *cursor) Prev() ([]byte, []byte, error)  { return c.current(c.iter.Prev()) }

func (c *cursor) Seek(key []byte) ([]byte, []byte, error) {
	return c.current(c.iter.SeekGE(append(kv.CopyBytes(c.prefix), key...)))
}

func (c *cursor) SeekExact(key []byte) ([]byte, []byte, error) {
	k, v, err := c.Seek(key)
	if err != nil || k == nil || string(k) != string(key) {
		return nil, nil, err
	}
	return k, v, nil
}

func (c *cursor) Close() { c.iter.Close() }
