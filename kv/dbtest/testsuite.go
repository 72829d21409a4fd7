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

// Package dbtest holds the conformance suite every kv backend must pass.
package dbtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stagedeth/stagedeth/kv"
	"github.com/stretchr/testify/require"
)

// TestDatabaseSuite runs a suite of tests against a kv.RwDB implementation.
// New must return a fresh, empty database on every call.
func TestDatabaseSuite(t *testing.T, New func(t *testing.T) kv.RwDB) {
	ctx := context.Background()

	t.Run("GetPutDelete", func(t *testing.T) {
		db := New(t)
		defer db.Close()

		require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
			v, err := tx.Get(kv.Headers, []byte("missing"))
			require.NoError(t, err)
			require.Nil(t, v)

			require.NoError(t, tx.Put(kv.Headers, []byte("k1"), []byte("v1")))
			v, err = tx.Get(kv.Headers, []byte("k1"))
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), v)

			require.NoError(t, tx.Put(kv.Headers, []byte("k1"), []byte("v2")))
			v, err = tx.Get(kv.Headers, []byte("k1"))
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), v)
			return nil
		}))
		require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
			ok, err := tx.Has(kv.Headers, []byte("k1"))
			require.NoError(t, err)
			require.True(t, ok)
			return nil
		}))
		require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
			return tx.Delete(kv.Headers, []byte("k1"))
		}))
		require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
			ok, err := tx.Has(kv.Headers, []byte("k1"))
			require.NoError(t, err)
			require.False(t, ok)
			return nil
		}))
	})

	t.Run("TableIsolation", func(t *testing.T) {
		db := New(t)
		defer db.Close()

		// Headers is a name prefix of HeadersTD.
		require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
			require.NoError(t, tx.Put(kv.Headers, []byte("a"), []byte("header")))
			require.NoError(t, tx.Put(kv.HeadersTD, []byte("a"), []byte("td")))
			return tx.Put(kv.HeadersTD, []byte("b"), []byte("td"))
		}))
		require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
			require.Equal(t, []string{"a"}, keys(t, tx, kv.Headers, nil))
			require.Equal(t, []string{"a", "b"}, keys(t, tx, kv.HeadersTD, nil))
			require.Empty(t, keys(t, tx, kv.BlockBodies, nil))

			v, err := tx.Get(kv.Headers, []byte("a"))
			require.NoError(t, err)
			require.Equal(t, []byte("header"), v)
			return nil
		}))
	})

	t.Run("Cursor", func(t *testing.T) {
		db := New(t)
		defer db.Close()

		content := map[string]string{"k1": "v1", "k5": "v5", "k2": "v2", "k4": "v4", "k3": "v3"}
		require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
			for k, v := range content {
				if err := tx.Put(kv.PlainState, []byte(k), []byte(v)); err != nil {
					return err
				}
			}
			// Neighbouring tables must not leak into the cursor.
			require.NoError(t, tx.Put(kv.Meta, []byte("k0"), []byte("x")))
			return tx.Put(kv.Receipts, []byte("k9"), []byte("x"))
		}))
		require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
			c, err := tx.Cursor(kv.PlainState)
			require.NoError(t, err)
			defer c.Close()

			expect := func(k, v []byte, err error, want string) {
				t.Helper()
				require.NoError(t, err)
				if want == "" {
					require.Nil(t, k)
					return
				}
				require.Equal(t, want, string(k))
				require.Equal(t, content[want], string(v))
			}
			k, v, err := c.First()
			expect(k, v, err, "k1")
			k, v, err = c.Next()
			expect(k, v, err, "k2")
			k, v, err = c.Last()
			expect(k, v, err, "k5")
			k, v, err = c.Prev()
			expect(k, v, err, "k4")
			k, v, err = c.Seek([]byte("k3"))
			expect(k, v, err, "k3")
			k, v, err = c.Seek([]byte("k31"))
			expect(k, v, err, "k4")
			k, v, err = c.Seek([]byte("k6"))
			expect(k, v, err, "")
			k, v, err = c.SeekExact([]byte("k2"))
			expect(k, v, err, "k2")
			k, v, err = c.SeekExact([]byte("k21"))
			expect(k, v, err, "")
			k, v, err = c.Last()
			expect(k, v, err, "k5")
			k, v, err = c.Next()
			expect(k, v, err, "")

			require.Equal(t, []string{"k3", "k4", "k5"}, keys(t, tx, kv.PlainState, []byte("k3")))
			return nil
		}))
	})

	t.Run("ForEachStop", func(t *testing.T) {
		db := New(t)
		defer db.Close()

		stop := errors.New("stop")
		require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
			for i := 0; i < 10; i++ {
				if err := tx.Put(kv.TxLookup, []byte{byte(i)}, []byte{1}); err != nil {
					return err
				}
			}
			return nil
		}))
		var seen int
		err := db.View(ctx, func(tx kv.Tx) error {
			return tx.ForEach(kv.TxLookup, nil, func(k, v []byte) error {
				if seen++; seen == 4 {
					return stop
				}
				return nil
			})
		})
		require.ErrorIs(t, err, stop)
		require.Equal(t, 4, seen)
	})

	t.Run("DeleteRange", func(t *testing.T) {
		db := New(t)
		defer db.Close()

		require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
			for i := 0; i < 10; i++ {
				if err := tx.Put(kv.Receipts, []byte{byte(i)}, []byte{1}); err != nil {
					return err
				}
				if err := tx.Put(kv.TrieRoots, []byte{byte(i)}, []byte{1}); err != nil {
					return err
				}
			}
			return nil
		}))
		require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
			if err := kv.DeleteRange(tx, kv.Receipts, []byte{3}, []byte{7}); err != nil {
				return err
			}
			return kv.ClearTable(tx, kv.TrieRoots)
		}))
		require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
			require.Equal(t, []string{"\x00", "\x01", "\x02", "\x07", "\x08", "\x09"}, keys(t, tx, kv.Receipts, nil))
			require.Empty(t, keys(t, tx, kv.TrieRoots, nil))
			return nil
		}))
	})

	t.Run("RollbackDiscards", func(t *testing.T) {
		db := New(t)
		defer db.Close()

		tx, err := db.BeginRw(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Put(kv.Meta, []byte("head"), []byte("x")))
		tx.Rollback()
		tx.Rollback() // no-op

		require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
			v, err := tx.Get(kv.Meta, []byte("head"))
			require.NoError(t, err)
			require.Nil(t, v)
			return nil
		}))

		failed := errors.New("failed")
		err = db.Update(ctx, func(tx kv.RwTx) error {
			if err := tx.Put(kv.Meta, []byte("head"), []byte("x")); err != nil {
				return err
			}
			return failed
		})
		require.ErrorIs(t, err, failed)
		require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
			ok, err := tx.Has(kv.Meta, []byte("head"))
			require.NoError(t, err)
			require.False(t, ok)
			return nil
		}))
	})

	t.Run("SnapshotIsolation", func(t *testing.T) {
		db := New(t)
		defer db.Close()

		require.NoError(t, db.Update(ctx, func(tx kv.RwTx) error {
			return tx.Put(kv.PlainState, []byte("acc"), []byte("old"))
		}))
		ro, err := db.BeginRo(ctx)
		require.NoError(t, err)

		rw, err := db.BeginRw(ctx)
		require.NoError(t, err)
		require.NoError(t, rw.Put(kv.PlainState, []byte("acc"), []byte("new")))
		require.NoError(t, rw.Put(kv.PlainState, []byte("other"), []byte("new")))

		v, err := ro.Get(kv.PlainState, []byte("acc"))
		require.NoError(t, err)
		require.Equal(t, []byte("old"), v)
		require.Equal(t, []string{"acc"}, keys(t, ro, kv.PlainState, nil))

		require.NoError(t, rw.Commit())

		// The snapshot is pinned to its opening point even after the commit.
		v, err = ro.Get(kv.PlainState, []byte("acc"))
		require.NoError(t, err)
		require.Equal(t, []byte("old"), v)
		ro.Rollback()

		require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
			v, err := tx.Get(kv.PlainState, []byte("acc"))
			require.NoError(t, err)
			require.Equal(t, []byte("new"), v)
			return nil
		}))
	})

	t.Run("SingleWriter", func(t *testing.T) {
		db := New(t)
		defer db.Close()

		first, err := db.BeginRw(ctx)
		require.NoError(t, err)

		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = db.BeginRw(tctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		done := make(chan error, 1)
		go func() {
			second, err := db.BeginRw(ctx)
			if err != nil {
				done <- err
				return
			}
			defer second.Rollback()
			v, err := second.Get(kv.Meta, []byte("writer"))
			if err == nil && string(v) != "first" {
				err = fmt.Errorf("second writer saw %q", v)
			}
			done <- err
		}()
		require.NoError(t, first.Put(kv.Meta, []byte("writer"), []byte("first")))
		require.NoError(t, first.Commit())
		require.NoError(t, <-done)
	})

	t.Run("FinishedTx", func(t *testing.T) {
		db := New(t)
		defer db.Close()

		tx, err := db.BeginRw(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		require.ErrorIs(t, tx.Commit(), kv.ErrTxDone)
		require.ErrorIs(t, tx.Put(kv.Meta, []byte("k"), []byte("v")), kv.ErrTxDone)
		tx.Rollback()

		next, err := db.BeginRw(ctx)
		require.NoError(t, err, "token must be released after commit")
		next.Rollback()
	})

	t.Run("UnknownTable", func(t *testing.T) {
		db := New(t)
		defer db.Close()

		err := db.View(ctx, func(tx kv.Tx) error {
			_, err := tx.Get("NoSuchTable", []byte("k"))
			return err
		})
		require.ErrorIs(t, err, kv.ErrUnknownTable)
	})

	t.Run("Closed", func(t *testing.T) {
		db := New(t)
		require.NoError(t, db.Close())
		require.NoError(t, db.Close())

		_, err := db.BeginRo(ctx)
		require.ErrorIs(t, err, kv.ErrClosed)
		_, err = db.BeginRw(ctx)
		require.ErrorIs(t, err, kv.ErrClosed)
	})
}

func keys(t *testing.T, tx kv.Tx, table string, from []byte) []string {
	t.Helper()
	var out []string
	require.NoError(t, tx.ForEach(table, from, func(k, _ []byte) error {
		out = append(out, string(k))
		return nil
	}))
	return out
}
