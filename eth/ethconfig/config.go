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

// Package ethconfig contains the configuration of the sync node.
package ethconfig

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/naoina/toml"
	"github.com/stagedeth/stagedeth/core/chaintree"
	"github.com/stagedeth/stagedeth/eth/coordinator"
	"github.com/stagedeth/stagedeth/eth/downloader"
	"github.com/stagedeth/stagedeth/kv/backend"
	"github.com/stagedeth/stagedeth/stagedsync"
)

// Defaults contains the default settings of every subsystem.
var Defaults = Config{
	DatabaseEngine:  backend.Pebble,
	DatabaseCache:   512,
	DatabaseHandles: 512,
	Sync:            stagedsync.DefaultConfig,
	Tree:            chaintree.DefaultConfig,
	Coordinator:     coordinator.DefaultConfig,
	Downloader:      downloader.DefaultConfig,
}

// Config aggregates the settings of the database, the sync pipeline, the chain
// tree, the coordinator and the downloader.
type Config struct {
	DataDir string `toml:",omitempty"`

	DatabaseEngine  string
	DatabaseCache   int
	DatabaseHandles int

	Sync        stagedsync.Config
	Tree        chaintree.Config
	Coordinator coordinator.Config
	Downloader  downloader.Config
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// Validate checks settings that cannot be repaired by the subsystems.
func (c *Config) Validate() error {
	switch c.DatabaseEngine {
	case backend.Pebble, backend.LevelDB, backend.Bolt:
	default:
		return fmt.Errorf("unknown database engine %q (want one of %v)", c.DatabaseEngine, backend.Engines)
	}
	if c.DatabaseCache < 0 || c.DatabaseHandles < 0 {
		return errors.New("database cache and handles must not be negative")
	}
	return nil
}

// Decode reads a TOML configuration on top of the values already in cfg.
func Decode(r io.Reader, cfg *Config) error {
	return tomlSettings.NewDecoder(bufio.NewReader(r)).Decode(cfg)
}

// Load reads the TOML file into cfg, keeping the current value of every field
// the file does not set.
func Load(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = Decode(f, cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	if err != nil {
		return err
	}
	return cfg.Validate()
}

// Dump writes cfg as TOML.
func Dump(w io.Writer, cfg *Config) error {
	out, err := tomlSettings.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
