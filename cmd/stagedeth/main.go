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

// stagedeth imports, exports and inspects a chain synced by the staged pipeline.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
)

var (
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the chain database",
		Value: "stagedeth-data",
	}
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	dbEngineFlag = &cli.StringFlag{
		Name:  "db.engine",
		Usage: "Backing database implementation to use ('pebble', 'leveldb' or 'bolt')",
	}
	cacheFlag = &cli.IntFlag{
		Name:  "cache",
		Usage: "Megabytes of memory allocated to the database cache",
	}
	commitThresholdFlag = &cli.Uint64Flag{
		Name:  "sync.commit",
		Usage: "Maximum number of blocks processed per stage transaction",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	noColorFlag = &cli.BoolFlag{
		Name:  "nocolor",
		Usage: "Disable colored log output",
	}
)

func newApp() *cli.App {
	app := &cli.App{
		Name:  "stagedeth",
		Usage: "staged sync chain database tool",
		Flags: []cli.Flag{
			dataDirFlag,
			configFileFlag,
			dbEngineFlag,
			cacheFlag,
			commitThresholdFlag,
			verbosityFlag,
			noColorFlag,
		},
		Commands: []*cli.Command{
			initCommand,
			importCommand,
			exportCommand,
			stagesCommand,
			unwindCommand,
			dumpConfigCommand,
		},
		Before: func(ctx *cli.Context) error {
			setupLogging(os.Stderr, ctx.Int(verbosityFlag.Name), !ctx.Bool(noColorFlag.Name))
			return nil
		},
	}
	return app
}

// setupLogging installs the root log handler, colouring terminal output.
func setupLogging(out *os.File, verbosity int, color bool) {
	usecolor := color && (isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())) && os.Getenv("TERM") != "dumb"
	var output io.Writer = out
	if usecolor {
		output = colorable.NewColorable(out)
	}
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(verbosity), log.StreamHandler(output, log.TerminalFormat(usecolor))))
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
