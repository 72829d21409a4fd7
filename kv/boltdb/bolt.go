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

// Package boltdb implements the transactional key-value interface on top of
// bbolt. Every table is a top level bucket.
//
// A read transaction must not be held open by the goroutine that begins a
// write transaction: bbolt cannot remap its file while readers are live.
package boltdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stagedeth/stagedeth/kv"
	bolt "go.etcd.io/bbolt"
)

// initialMmapSize keeps bbolt from remapping while the chain is small.
const initialMmapSize = 256 * 1024 * 1024

// Database is a bbolt backed kv.RwDB.
type Database struct {
	fn     string
	db     *bolt.DB
	writer chan struct{}
	closed atomic.Bool

	log log.Logger
}

// New opens (or creates) the bolt file and makes sure every table bucket exists.
func New(file string) (*Database, error) {
	db, err := bolt.Open(file, 0600, &bolt.Options{
		Timeout:         time.Second,
		InitialMmapSize: initialMmapSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt %q: %w", file, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, table := range kv.ChaindataTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	logger := log.New("database", file)
	logger.Debug("Opened bolt database", "tables", len(kv.ChaindataTables))
	return &Database{fn: file, db: db, writer: make(chan struct{}, 1), log: logger}, nil
}

// Close closes the bolt file.
func (d *Database) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.db.Close()
}

// BeginRo opens a read transaction.
func (d *Database) BeginRo(ctx context.Context) (kv.Tx, error) {
	if d.closed.Load() {
		return nil, kv.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	btx, err := d.db.Begin(false)
	if err != nil {
		return nil, err
	}
	return &tx{btx: btx}, nil
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
	btx, err := d.db.Begin(true)
	if err != nil {
		<-d.writer
		return nil, err
	}
	return &tx{btx: btx, db: d}, nil
}

// Update runs fn in a write transaction and commits it.
func (d *Database) Update(ctx context.Context, fn func(tx kv.RwTx) error) error {
	return kv.UpdateTx(ctx, d, fn)
}

// tx serves both read and write transactions; db is only set for writers.
type tx struct {
	btx  *bolt.Tx
	db   *Database
	done bool
}

func (t *tx) bucket(table string) (*bolt.Bucket, error) {
	if t.done {
		return nil, kv.ErrTxDone
	}
	b := t.btx.Bucket([]byte(table))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", kv.ErrUnknownTable, table)
	}
	return b, nil
}

func (t *tx) Get(table string, key []byte) ([]byte, error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	ret := make([]byte, len(v))
	copy(ret, v)
	return ret, nil
}

func (t *tx) Has(table string, key []byte) (bool, error) {
	v, err := t.Get(table, key)
	return v != nil, err
}

func (t *tx) Cursor(table string) (kv.Cursor, error) {
	b, err := t.bucket(table)
	if err != nil {
		return nil, err
	}
	return &cursor{c: b.Cursor()}, nil
}

func (t *tx) ForEach(table string, from []byte, fn func(k, v []byte) error) error {
	c, err := t.Cursor(table)
	if err != nil {
		return err
	}
	defer c.Close()
	return kv.ForEachCursor(c, from, fn)
}

func (t *tx) Put(table string, key []byte, value []byte) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	// bbolt keeps references to key and value until commit.
	return b.Put(kv.CopyBytes(key), kv.CopyBytes(value))
}

func (t *tx) Delete(table string, key []byte) error {
	b, err := t.bucket(table)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

func (t *tx) Commit() error {
	if t.done {
		return kv.ErrTxDone
	}
	t.done = true
	defer t.release()
	return t.btx.Commit()
}

func (t *tx) Rollback() {
	if t.done {
		return
	}
	t.done = true
	if err := t.btx.Rollback(); err != nil && t.db != nil {
		t.db.log.Warn("Failed to roll back transaction", "err", err)
	}
	t.release()
}

func (t *tx) release() {
	if t.db != nil {
		<-t.db.writer
	}
}

type cursor struct {
	c *bolt.Cursor
}

func own(k, v []byte) ([]byte, []byte, error) {
	if k == nil {
		return nil, nil, nil
	}
	return kv.CopyBytes(k), kv.CopyBytes(v), nil
}

func (c *cursor) First() ([]byte, []byte, error)          { return own(c.c.First()) }
func (c *cursor) Last() ([]byte, []byte, error)           { return own(c.c.Last()) }
func (c *cursor) Next() ([]byte, []byte, error)           { return own(c.c.Next()) }
func (c *cursor) Prev() ([]byte, []byte, error)           { return own(c.c.Prev()) }
func (c *cursor) Seek(key []byte) ([]byte, []byte, error) { return own(c.c.Seek(key)) }

func (c *cursor) SeekExact(key []byte) ([]byte, []byte, error) {
	k, v, err := c.Seek(key)
	if k == nil || string(k) != string(key) {
		return nil, nil, err
	}
	return k, v, nil
}

func (c *cursor) Close() {}
