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

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gofrs/flock"
	"github.com/stagedeth/stagedeth/consensus"
	"github.com/stagedeth/stagedeth/core"
	"github.com/stagedeth/stagedeth/core/chaintree"
	"github.com/stagedeth/stagedeth/core/executor"
	"github.com/stagedeth/stagedeth/eth/coordinator"
	"github.com/stagedeth/stagedeth/eth/ethconfig"
	"github.com/stagedeth/stagedeth/kv"
	"github.com/stagedeth/stagedeth/kv/backend"
	"github.com/stagedeth/stagedeth/stagedsync"
	"github.com/urfave/cli/v2"
)

var dumpConfigCommand = &cli.Command{
	Name:      "dumpconfig",
	Usage:     "Export configuration values in a TOML format",
	ArgsUsage: "<dumpfile (optional)>",
	Action: func(ctx *cli.Context) error {
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		out := os.Stdout
		if file := ctx.Args().First(); file != "" {
			if out, err = os.Create(file); err != nil {
				return err
			}
			defer out.Close()
		}
		w := bufio.NewWriter(out)
		if err := ethconfig.Dump(w, &cfg); err != nil {
			return err
		}
		return w.Flush()
	},
}

// loadConfig builds the configuration from the defaults, the config file and
// the command line, in increasing priority.
func loadConfig(ctx *cli.Context) (ethconfig.Config, error) {
	cfg := ethconfig.Defaults
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := ethconfig.Load(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(dataDirFlag.Name) || cfg.DataDir == "" {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(dbEngineFlag.Name) {
		cfg.DatabaseEngine = ctx.String(dbEngineFlag.Name)
	}
	if ctx.IsSet(cacheFlag.Name) {
		cfg.DatabaseCache = ctx.Int(cacheFlag.Name)
	}
	if ctx.IsSet(commitThresholdFlag.Name) {
		cfg.Sync.CommitThreshold = ctx.Uint64(commitThresholdFlag.Name)
	}
	return cfg, cfg.Validate()
}

// node bundles the chain database with the components operating on it.
type node struct {
	config ethconfig.Config
	lock   *flock.Flock
	db     kv.RwDB

	pipeline    *stagedsync.Pipeline
	coordinator *coordinator.Coordinator
}

// openDatabase locks the data directory and opens the chain database.
func openDatabase(cfg ethconfig.Config) (*flock.Flock, kv.RwDB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, err
	}
	lock := flock.New(filepath.Join(cfg.DataDir, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, nil, err
	}
	if !locked {
		return nil, nil, fmt.Errorf("datadir %s already used by another process", cfg.DataDir)
	}
	db, err := backend.Open(cfg.DatabaseEngine, filepath.Join(cfg.DataDir, "chaindata"), cfg.DatabaseCache, cfg.DatabaseHandles)
	if err != nil {
		lock.Unlock()
		return nil, nil, err
	}
	log.Info("Opened chain database", "engine", cfg.DatabaseEngine, "datadir", cfg.DataDir)
	return lock, db, nil
}

// openNode opens an initialized chain database and assembles the pipeline and
// the coordinator over it.
func openNode(ctx *cli.Context) (*node, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	lock, db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	n := &node{config: cfg, lock: lock, db: db}
	if err := n.assemble(ctx); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) assemble(ctx *cli.Context) error {
	chainConfig, genesis, err := core.ReadChainConfig(ctx.Context, n.db)
	if err != nil {
		return err
	}
	exec := executor.NewTransfer(chainConfig.ExecutorConfig())
	validator := consensus.NewValidator(consensus.Config{})
	n.pipeline = stagedsync.New(n.db, stagedsync.Deps{
		Validator: validator,
		Executor:  exec,
		Signer:    exec.Signer(),
	}, n.config.Sync)

	tree := chaintree.New(n.db, validator, n.config.Tree)
	n.coordinator, err = coordinator.New(n.db, n.pipeline, tree, nil, n.config.Coordinator)
	if err != nil {
		return err
	}
	log.Debug("Assembled sync components", "genesis", genesis.Hash())
	return nil
}

// Close releases the database and the data directory lock.
func (n *node) Close() error {
	err := n.db.Close()
	if uerr := n.lock.Unlock(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	return err
}
