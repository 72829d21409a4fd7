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
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/olekukonko/tablewriter"
	"github.com/stagedeth/stagedeth/core"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/kv"
	"github.com/stagedeth/stagedeth/stagedsync"
	"github.com/urfave/cli/v2"
)

const importBatchSize = 2500

var (
	toFlag = &cli.Uint64Flag{
		Name:     "to",
		Usage:    "Block number to unwind the stages to",
		Required: true,
	}

	initCommand = &cli.Command{
		Name:      "init",
		Usage:     "Bootstrap and initialize a new genesis block",
		ArgsUsage: "<genesisPath>",
		Action:    initGenesis,
	}
	importCommand = &cli.Command{
		Name:      "import",
		Usage:     "Import a blockchain file",
		ArgsUsage: "<filename>",
		Action:    importChain,
	}
	exportCommand = &cli.Command{
		Name:      "export",
		Usage:     "Export the canonical chain into a file",
		ArgsUsage: "<filename>",
		Action:    exportChain,
	}
	stagesCommand = &cli.Command{
		Name:   "stages",
		Usage:  "Print the checkpoint of every sync stage",
		Action: printStages,
	}
	unwindCommand = &cli.Command{
		Name:   "unwind",
		Usage:  "Unwind all stages to a block number",
		Flags:  []cli.Flag{toFlag},
		Action: unwindStages,
	}
)

func initGenesis(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return errors.New("need genesis.json file as the only argument")
	}
	genesis, err := core.LoadGenesis(ctx.Args().First())
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	lock, db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	defer db.Close()

	block, err := genesis.Commit(ctx.Context, db)
	if err != nil {
		return fmt.Errorf("failed to write genesis block: %w", err)
	}
	log.Info("Successfully wrote genesis state", "hash", block.Hash())
	return nil
}

func importChain(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return errors.New("need the chain file as the only argument")
	}
	n, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()

	fn := ctx.Args().First()
	log.Info("Importing blockchain", "file", fn)
	start := time.Now()

	fh, err := os.Open(fn)
	if err != nil {
		return err
	}
	defer fh.Close()

	var reader io.Reader = fh
	if strings.HasSuffix(fn, ".gz") {
		if reader, err = gzip.NewReader(reader); err != nil {
			return err
		}
	}
	stream := rlp.NewStream(reader, 0)

	imported := 0
	for {
		head := n.coordinator.Tip().Number
		blocks := make([]*types.Block, 0, importBatchSize)
		for len(blocks) < importBatchSize {
			b := new(types.Block)
			if err := stream.Decode(b); err == io.EOF {
				break
			} else if err != nil {
				return fmt.Errorf("at block %d: %w", imported+len(blocks), err)
			}
			// Skip the genesis and anything already imported.
			if b.NumberU64() <= head {
				continue
			}
			blocks = append(blocks, b)
		}
		if len(blocks) == 0 {
			break
		}
		if err := n.coordinator.ImportChain(ctx.Context, blocks); err != nil {
			return fmt.Errorf("invalid block %d: %w", blocks[0].NumberU64(), err)
		}
		imported += len(blocks)
	}
	tip := n.coordinator.Tip()
	log.Info("Import done", "blocks", imported, "head", tip.Number, "hash", tip.Hash, "elapsed", common.PrettyDuration(time.Since(start)))
	return nil
}

func exportChain(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return errors.New("need the output file as the only argument")
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	lock, db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	defer db.Close()

	fn := ctx.Args().First()
	log.Info("Exporting blockchain", "file", fn)

	fh, err := os.OpenFile(fn, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer fh.Close()

	var writer io.Writer = fh
	if strings.HasSuffix(fn, ".gz") {
		gz := gzip.NewWriter(writer)
		defer gz.Close()
		writer = gz
	}
	var exported uint64
	err = db.View(ctx.Context, func(tx kv.Tx) error {
		head, err := stagedsync.ReadHead(tx)
		if err != nil {
			return err
		}
		for number := uint64(0); number <= head; number++ {
			block, err := rawdb.ReadCanonicalBlock(tx, number)
			if err != nil {
				return err
			}
			if block == nil {
				return fmt.Errorf("%w: canonical block #%d missing", rawdb.ErrCorrupted, number)
			}
			if err := block.EncodeRLP(writer); err != nil {
				return err
			}
			exported++
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("Exported blockchain", "file", fn, "blocks", exported)
	return nil
}

func printStages(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	lock, db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	defer db.Close()

	table := tablewriter.NewWriter(ctx.App.Writer)
	table.SetHeader([]string{"Stage", "Checkpoint"})
	err = db.View(ctx.Context, func(tx kv.Tx) error {
		progress, err := stagedsync.ReadProgress(tx)
		if err != nil {
			return err
		}
		for _, p := range progress {
			table.Append([]string{p.ID.String(), strconv.FormatUint(p.Checkpoint, 10)})
		}
		unwind, pending, err := rawdb.ReadUnwindTarget(tx)
		if err != nil {
			return err
		}
		if pending {
			table.SetFooter([]string{"pending unwind", strconv.FormatUint(unwind, 10)})
		}
		return nil
	})
	if err != nil {
		return err
	}
	table.Render()
	return nil
}

func unwindStages(ctx *cli.Context) error {
	n, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer n.Close()

	to := ctx.Uint64(toFlag.Name)
	if err := n.pipeline.Unwind(ctx.Context, to); err != nil {
		return err
	}
	head, err := n.pipeline.Head(ctx.Context)
	if err != nil {
		return err
	}
	log.Info("Unwound stages", "head", head)
	return nil
}
