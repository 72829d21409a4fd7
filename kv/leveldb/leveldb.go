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

// Package leveldb implements the transactional key-value interface on top of
// goleveldb, using its native transactions and snapshots.
package leveldb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stagedeth/stagedeth/kv"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	minCache   = 16
	minHandles = 16
)

// Database is a goleveldb backed kv.RwDB.
type Database struct {
	fn     string
	db     *leveldb.DB
	writer chan struct{}
	closed atomic.Bool

	log log.Logger
}

// New opens (or creates) a leveldb database in the given directory.
func New(file string, cache int, handles int) (*Database, error) {
	if cache < minCache {
		cache = minCache
	}
	if handles < minHandles {
		handles = minHandles
	}
	logger := log.New("database", file)
	logger.Info("Allocated cache and file handles", "cache", cache, "handles", handles)

	db, err := leveldb.OpenFile(file, &opt.Options{
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cache / 2 * opt.MiB,
		WriteBuffer:            cache / 4 * opt.MiB,
	})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", file, err)
	}
	return wrap(file, db, logger), nil
}

// NewMemory opens an ephemeral leveldb database held in memory.
func NewMemory() (*Database, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return wrap("", db, log.New("database", "memory")), nil
}

func wrap(file string, db *leveldb.DB, logger log.Logger) *Database {
	return &Database{fn: file, db: db, writer: make(chan struct{}, 1), log: logger}
}

// Close closes the database.
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
	snap, err := d.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &roTx{snap: snap}, nil
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
	tr, err := d.db.OpenTransaction()
	if err != nil {
		<-d.writer
		return nil, err
	}
	return &rwTx{db: d, tr: tr}, nil
}

// Update runs fn in a write transaction and commits it.
func (d *Database) Update(ctx context.Context, fn func(tx kv.RwTx) error) error {
	return kv.UpdateTx(ctx, d, fn)
}

type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

func get(r reader, table string, key []byte) ([]byte, error) {
	if !kv.IsKnownTable(table) {
		return nil, fmt.Errorf("%w: %s", kv.ErrUnknownTable, table)
	}
	dat, err := r.Get(append(kv.TablePrefix(table), key...), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if dat == nil {
		dat = []byte{}
	}
	return dat, nil
}

func newCursor(r reader, table string) (kv.Cursor, error) {
	if !kv.IsKnownTable(table) {
		return nil, fmt.Errorf("%w: %s", kv.ErrUnknownTable, table)
	}
	prefix := kv.TablePrefix(table)
	return &cursor{iter: r.NewIterator(util.BytesPrefix(prefix), nil), prefix: prefix}, nil
}

type roTx struct {
	snap *leveldb.Snapshot
	done bool
}

func (tx *roTx) Get(table string, key []byte) ([]byte, error) {
	if tx.done {
		return nil, kv.ErrTxDone
	}
	return get(tx.snap, table, key)
}

func (tx *roTx) Has(table string, key []byte) (bool, error) {
	v, err := tx.Get(table, key)
	return v != nil, err
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
	tx.snap.Release()
}

type rwTx struct {
	db   *Database
	tr   *leveldb.Transaction
	done bool
}

func (tx *rwTx) Get(table string, key []byte) ([]byte, error) {
	if tx.done {
		return nil, kv.ErrTxDone
	}
	return get(tx.tr, table, key)
}

func (tx *rwTx) Has(table string, key []byte) (bool, error) {
	v, err := tx.Get(table, key)
	return v != nil, err
}

func (tx *rwTx) Cursor(table string) (kv.Cursor, error) {
	if tx.done {
		return nil, kv.ErrTxDone
	}
	return newCursor(tx.tr, table)
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
	return tx.tr.Put(append(kv.TablePrefix(table), key...), value, nil)
}

func (tx *rwTx) Delete(table string, key []byte) error {
	if tx.done {
		return kv.ErrTxDone
	}
	if !kv.IsKnownTable(table) {
		return fmt.Errorf("%w: %s", kv.ErrUnknownTable, table)
	}
	return tx.tr.Delete(append(kv.TablePrefix(table), key...), nil)
}

func (tx *rwTx) Commit() error {
	if tx.done {
		return kv.ErrTxDone
	}
	tx.done = true
	defer func() { <-tx.db.writer }()
	if err := tx.tr.Commit(); err != nil {
		tx.tr.Discard()
		return err
	}
	return nil
}

func (tx *rwTx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.tr.Discard()
	<-tx.db.writer
}

type cursor struct {
	iter   iterator.Iterator
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
	return c.current(c.iter.Seek(append(kv.CopyBytes(c.prefix), key...)))
}

func (c *cursor) SeekExact(key []byte) ([]byte, []byte, error) {
	k, v, err := c.Seek(key)
	if err != nil || k == nil || string(k) != string(key) {
		return nil, nil, err
	}
	return k, v, nil
}

func (c *cursor) Close() { c.iter.Release() }
