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

package backend

import (
	"context"
	"testing"

	"github.com/stagedeth/stagedeth/kv"
	"github.com/stretchr/testify/require"
)

func TestOpenEngines(t *testing.T) {
	for _, engine := range Engines {
		t.Run(engine, func(t *testing.T) {
			dir := t.TempDir()
			db, err := Open(engine, dir, 16, 16)
			require.NoError(t, err)
			require.NoError(t, db.Update(context.Background(), func(tx kv.RwTx) error {
				return tx.Put(kv.Meta, []byte("engine"), []byte(engine))
			}))
			require.NoError(t, db.Close())

			// Reopening must find the committed data.
			db, err = Open(engine, dir, 16, 16)
			require.NoError(t, err)
			defer db.Close()
			require.NoError(t, db.View(context.Background(), func(tx kv.Tx) error {
				v, err := tx.Get(kv.Meta, []byte("engine"))
				require.NoError(t, err)
				require.Equal(t, engine, string(v))
				return nil
			}))
		})
	}
}

func TestOpenUnknownEngine(t *testing.T) {
	_, err := Open("rocksdb", t.TempDir(), 0, 0)
	require.Error(t, err)
}
