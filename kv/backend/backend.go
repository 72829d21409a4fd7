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

// Package backend opens a chain database by engine name.
package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stagedeth/stagedeth/kv"
	"github.com/stagedeth/stagedeth/kv/boltdb"
	"github.com/stagedeth/stagedeth/kv/leveldb"
	"github.com/stagedeth/stagedeth/kv/pebbledb"
)

// Supported database engines.
const (
	Pebble  = "pebble"
	LevelDB = "leveldb"
	Bolt    = "bolt"
)

// Engines lists the accepted engine names.
var Engines = []string{Pebble, LevelDB, Bolt}

// Open opens (or creates) the database of the given engine inside dir. cache is
// in megabytes, handles is the number of open files; bolt ignores both.
func Open(engine string, dir string, cache int, handles int) (kv.RwDB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	var (
		db  kv.RwDB
		err error
	)
	switch engine {
	case Pebble, "":
		db, err = pebbledb.New(dir, cache, handles)
	case LevelDB:
		db, err = leveldb.New(dir, cache, handles)
	case Bolt:
		db, err = boltdb.New(filepath.Join(dir, "chaindata.bolt"))
	default:
		return nil, fmt.Errorf("unknown database engine %q (want one of %v)", engine, Engines)
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

// OpenMemory opens an ephemeral database, used by tests and dry runs.
func OpenMemory() (kv.RwDB, error) {
	db, err := pebbledb.NewMemory()
	if err != nil {
		return nil, err
	}
	return db, nil
}
