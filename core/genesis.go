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

package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/holiman/uint256"
	"github.com/stagedeth/stagedeth/core/executor"
	"github.com/stagedeth/stagedeth/core/rawdb"
	"github.com/stagedeth/stagedeth/core/state"
	"github.com/stagedeth/stagedeth/kv"
)

// ErrGenesisMismatch is returned when committing a genesis into a database
// initialized with a different one.
var ErrGenesisMismatch = errors.New("database contains incompatible genesis")

// ChainConfig holds the chain wide execution parameters stored next to the genesis.
type ChainConfig struct {
	ChainID     *math.HexOrDecimal256 `json:"chainId"`
	BlockReward *math.HexOrDecimal256 `json:"blockReward,omitempty"`
}

// ExecutorConfig converts the chain config into the executor's parameters.
func (c *ChainConfig) ExecutorConfig() executor.Config {
	var cfg executor.Config
	if c == nil {
		return cfg
	}
	if c.ChainID != nil {
		cfg.ChainID = (*big.Int)(c.ChainID)
	}
	if c.BlockReward != nil {
		cfg.BlockReward = (*big.Int)(c.BlockReward)
	}
	return cfg
}

// GenesisAccount is an account in the state of the genesis block.
type GenesisAccount struct {
	Balance *math.HexOrDecimal256 `json:"balance"`
	Nonce   math.HexOrDecimal64   `json:"nonce,omitempty"`
}

// GenesisAlloc specifies the initial state that is part of the genesis block.
type GenesisAlloc map[common.Address]GenesisAccount

// Genesis specifies the header fields and state of a genesis block.
type Genesis struct {
	Config     *ChainConfig          `json:"config"`
	Timestamp  math.HexOrDecimal64   `json:"timestamp"`
	ExtraData  hexutil.Bytes         `json:"extraData"`
	GasLimit   math.HexOrDecimal64   `json:"gasLimit"`
	Difficulty *math.HexOrDecimal256 `json:"difficulty"`
	Coinbase   common.Address        `json:"coinbase"`
	Alloc      GenesisAlloc          `json:"alloc"`
}

// LoadGenesis reads a JSON genesis file.
func LoadGenesis(file string) (*Genesis, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	genesis := new(Genesis)
	if err := json.Unmarshal(data, genesis); err != nil {
		return nil, fmt.Errorf("invalid genesis file: %w", err)
	}
	return genesis, nil
}

// DeveloperGenesis returns a genesis funding the given accounts, used by
// tooling and tests.
func DeveloperGenesis(chainID int64, funded ...common.Address) *Genesis {
	alloc := make(GenesisAlloc, len(funded))
	balance := new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
	for _, addr := range funded {
		alloc[addr] = GenesisAccount{Balance: (*math.HexOrDecimal256)(new(big.Int).Set(balance))}
	}
	return &Genesis{
		Config:     &ChainConfig{ChainID: (*math.HexOrDecimal256)(big.NewInt(chainID))},
		GasLimit:   math.HexOrDecimal64(params.GenesisGasLimit * 2),
		Difficulty: (*math.HexOrDecimal256)(big.NewInt(1)),
		Alloc:      alloc,
	}
}

// State returns the allocation as an in-memory state.
func (g *Genesis) State() (state.MapReader, error) {
	st := make(state.MapReader, len(g.Alloc))
	for addr, account := range g.Alloc {
		acc := state.NewAccount()
		acc.Nonce = uint64(account.Nonce)
		if account.Balance != nil {
			balance, overflow := uint256.FromBig((*big.Int)(account.Balance))
			if overflow {
				return nil, fmt.Errorf("genesis balance of %x overflows", addr)
			}
			acc.Balance = balance
		}
		st[addr] = acc
	}
	return st, nil
}

// ToBlock returns the genesis block and its state.
func (g *Genesis) ToBlock() (*types.Block, state.MapReader, error) {
	st, err := g.State()
	if err != nil {
		return nil, nil, err
	}
	root, err := state.RootOf(st)
	if err != nil {
		return nil, nil, err
	}
	head := &types.Header{
		Number:     new(big.Int),
		Time:       uint64(g.Timestamp),
		Extra:      g.ExtraData,
		GasLimit:   uint64(g.GasLimit),
		Difficulty: (*big.Int)(g.Difficulty),
		Coinbase:   g.Coinbase,
		Root:       root,
	}
	if head.GasLimit == 0 {
		head.GasLimit = params.GenesisGasLimit
	}
	if head.Difficulty == nil {
		head.Difficulty = new(big.Int)
	} else {
		head.Difficulty = new(big.Int).Set(head.Difficulty)
	}
	return types.NewBlock(head, nil, nil, nil, trie.NewStackTrie(nil)), st, nil
}

// Commit writes the genesis block and its state into an empty database. If
// the database already holds the same genesis, Commit is a no-op.
func (g *Genesis) Commit(ctx context.Context, db kv.RwDB) (*types.Block, error) {
	block, st, err := g.ToBlock()
	if err != nil {
		return nil, err
	}
	err = db.Update(ctx, func(tx kv.RwTx) error {
		stored, err := rawdb.ReadCanonicalHash(tx, 0)
		if err != nil {
			return err
		}
		if stored != (common.Hash{}) {
			if stored != block.Hash() {
				return fmt.Errorf("%w: have %x, new %x", ErrGenesisMismatch, stored, block.Hash())
			}
			return nil
		}
		return writeGenesis(tx, block, st, g.Config)
	})
	if err != nil {
		return nil, err
	}
	log.Info("Committed genesis block", "hash", block.Hash(), "root", block.Root(), "accounts", len(st))
	return block, nil
}

func writeGenesis(tx kv.RwTx, block *types.Block, st state.MapReader, config *ChainConfig) error {
	hash := block.Hash()
	if err := rawdb.WriteBlock(tx, block); err != nil {
		return err
	}
	if err := rawdb.WriteTd(tx, hash, 0, block.Difficulty()); err != nil {
		return err
	}
	if err := rawdb.WriteCanonicalHash(tx, hash, 0); err != nil {
		return err
	}
	if err := rawdb.WriteSenders(tx, hash, 0, nil); err != nil {
		return err
	}
	if err := rawdb.WriteReceipts(tx, 0, nil); err != nil {
		return err
	}
	for addr, acc := range st {
		if err := state.WriteAccount(tx, kv.PlainState, addr.Bytes(), acc); err != nil {
			return err
		}
		if err := state.WriteHashedAccount(tx, addr, acc); err != nil {
			return err
		}
	}
	if err := tx.Put(kv.TrieRoots, rawdb.EncodeBlockNumber(0), block.Root().Bytes()); err != nil {
		return err
	}
	if config == nil {
		config = &ChainConfig{}
	}
	if err := rawdb.WriteChainConfig(tx, hash, config); err != nil {
		return err
	}
	if err := rawdb.WriteHeadHeaderHash(tx, hash); err != nil {
		return err
	}
	return rawdb.WriteHeadBlockHash(tx, hash)
}

// ReadChainConfig loads the chain configuration committed with the genesis.
func ReadChainConfig(ctx context.Context, db kv.RoDB) (*ChainConfig, *types.Header, error) {
	var (
		config  = new(ChainConfig)
		genesis *types.Header
	)
	err := db.View(ctx, func(tx kv.Tx) error {
		var err error
		if genesis, err = rawdb.ReadCanonicalHeader(tx, 0); err != nil {
			return err
		}
		if genesis == nil {
			return errors.New("database not initialized, run init first")
		}
		_, err = rawdb.ReadChainConfig(tx, genesis.Hash(), config)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return config, genesis, nil
}
