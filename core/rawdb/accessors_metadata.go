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

package rawdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stagedeth/stagedeth/kv"
)

// maxBadBlocks is the maximum number of bad blocks kept in the database.
const maxBadBlocks = 32

func readHash(db kv.Getter, key []byte) (common.Hash, error) {
	data, err := db.Get(kv.Meta, key)
	if err != nil || len(data) == 0 {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}

func writeHash(db kv.Putter, key []byte, hash common.Hash) error {
	if err := db.Put(kv.Meta, key, hash.Bytes()); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// ReadHeadBlockHash retrieves the hash of the current canonical head block.
func ReadHeadBlockHash(db kv.Getter) (common.Hash, error) { return readHash(db, headBlockKey) }

// WriteHeadBlockHash stores the head block's hash.
func WriteHeadBlockHash(db kv.Putter, hash common.Hash) error {
	return writeHash(db, headBlockKey, hash)
}

// ReadHeadHeaderHash retrieves the hash of the current canonical head header.
func ReadHeadHeaderHash(db kv.Getter) (common.Hash, error) { return readHash(db, headHeaderKey) }

// WriteHeadHeaderHash stores the hash of the current canonical head header.
func WriteHeadHeaderHash(db kv.Putter, hash common.Hash) error {
	return writeHash(db, headHeaderKey, hash)
}

// ReadFinalizedBlockHash retrieves the hash of the finalized block.
func ReadFinalizedBlockHash(db kv.Getter) (common.Hash, error) {
	return readHash(db, finalizedBlockKey)
}

// WriteFinalizedBlockHash stores the hash of the finalized block.
func WriteFinalizedBlockHash(db kv.Putter, hash common.Hash) error {
	return writeHash(db, finalizedBlockKey, hash)
}

// ReadSafeBlockHash retrieves the hash of the safe block.
func ReadSafeBlockHash(db kv.Getter) (common.Hash, error) { return readHash(db, safeBlockKey) }

// WriteSafeBlockHash stores the hash of the safe block.
func WriteSafeBlockHash(db kv.Putter, hash common.Hash) error {
	return writeHash(db, safeBlockKey, hash)
}

// ReadFinalizedNumber resolves the finalized marker to a block number. A missing
// marker yields zero: genesis is always final.
func ReadFinalizedNumber(db kv.Getter) (uint64, error) {
	hash, err := ReadFinalizedBlockHash(db)
	if err != nil || hash == (common.Hash{}) {
		return 0, err
	}
	number, err := ReadHeaderNumber(db, hash)
	if err != nil {
		return 0, err
	}
	if number == nil {
		return 0, fmt.Errorf("%w: finalized block %x has no header", ErrCorrupted, hash)
	}
	return *number, nil
}

func readUint64(db kv.Getter, table string, key []byte) (uint64, bool, error) {
	data, err := db.Get(table, key)
	if err != nil || data == nil {
		return 0, false, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("%w: %s %q", ErrCorrupted, table, key)
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// ReadStageProgress retrieves the checkpoint of a sync stage. Stages that never
// ran are at zero.
func ReadStageProgress(db kv.Getter, stage string) (uint64, error) {
	progress, _, err := readUint64(db, kv.SyncStageProgress, []byte(stage))
	return progress, err
}

// WriteStageProgress stores the checkpoint of a sync stage.
func WriteStageProgress(db kv.Putter, stage string, progress uint64) error {
	if err := db.Put(kv.SyncStageProgress, []byte(stage), encodeBlockNumber(progress)); err != nil {
		return fmt.Errorf("store stage %s progress: %w", stage, err)
	}
	return nil
}

// ReadUnwindTarget retrieves the pending unwind marker, if any.
func ReadUnwindTarget(db kv.Getter) (uint64, bool, error) {
	return readUint64(db, kv.SyncStageUnwind, unwindTargetKey)
}

// WriteUnwindTarget records that the stages must be unwound to target before
// any forward progress is made.
func WriteUnwindTarget(db kv.Putter, target uint64) error {
	if err := db.Put(kv.SyncStageUnwind, unwindTargetKey, encodeBlockNumber(target)); err != nil {
		return fmt.Errorf("store unwind marker: %w", err)
	}
	return nil
}

// DeleteUnwindTarget clears the pending unwind marker.
func DeleteUnwindTarget(db kv.Putter) error {
	return db.Delete(kv.SyncStageUnwind, unwindTargetKey)
}

// ReadStageOrderVersion retrieves the version of the stage list the database
// was last synced with.
func ReadStageOrderVersion(db kv.Getter) (uint64, bool, error) {
	return readUint64(db, kv.Meta, stageOrderVersionKey)
}

// WriteStageOrderVersion stores the version of the stage list.
func WriteStageOrderVersion(db kv.Putter, version uint64) error {
	return db.Put(kv.Meta, stageOrderVersionKey, encodeBlockNumber(version))
}

// WriteBadBlock records a block that failed validation. Only the most recent
// maxBadBlocks entries (by block number) are retained.
func WriteBadBlock(db kv.RwTx, header *types.Header) error {
	data, err := rlp.EncodeToBytes(header)
	if err != nil {
		return fmt.Errorf("encode bad block: %w", err)
	}
	if err := db.Put(kv.BadBlocks, header.Hash().Bytes(), data); err != nil {
		return fmt.Errorf("store bad block: %w", err)
	}
	bad, err := ReadAllBadBlocks(db)
	if err != nil {
		return err
	}
	for _, h := range bad[min(len(bad), maxBadBlocks):] {
		if err := db.Delete(kv.BadBlocks, h.Hash().Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// ReadBadBlock retrieves the bad block header with the given hash.
func ReadBadBlock(db kv.Getter, hash common.Hash) (*types.Header, error) {
	data, err := db.Get(kv.BadBlocks, hash.Bytes())
	if err != nil || len(data) == 0 {
		return nil, err
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(data, header); err != nil {
		return nil, fmt.Errorf("%w: bad block %x: %v", ErrCorrupted, hash, err)
	}
	return header, nil
}

// ReadAllBadBlocks retrieves all the bad block headers, highest number first.
func ReadAllBadBlocks(db kv.Tx) ([]*types.Header, error) {
	var headers []*types.Header
	err := db.ForEach(kv.BadBlocks, nil, func(k, v []byte) error {
		header := new(types.Header)
		if err := rlp.DecodeBytes(v, header); err != nil {
			return fmt.Errorf("%w: bad block %x: %v", ErrCorrupted, k, err)
		}
		headers = append(headers, header)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(headers, func(i, j int) bool {
		return headers[i].Number.Cmp(headers[j].Number) > 0
	})
	return headers, nil
}

func chainConfigKey(genesis common.Hash) []byte {
	return append([]byte("ChainConfig-"), genesis.Bytes()...)
}

// ReadChainConfig decodes the JSON chain configuration stored for a genesis
// into cfg. It reports false if none is stored.
func ReadChainConfig(db kv.Getter, genesis common.Hash, cfg interface{}) (bool, error) {
	data, err := db.Get(kv.Meta, chainConfigKey(genesis))
	if err != nil || len(data) == 0 {
		return false, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return false, fmt.Errorf("%w: chain config: %v", ErrCorrupted, err)
	}
	return true, nil
}

// WriteChainConfig stores the JSON chain configuration of a genesis.
func WriteChainConfig(db kv.Putter, genesis common.Hash, cfg interface{}) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode chain config: %w", err)
	}
	return db.Put(kv.Meta, chainConfigKey(genesis), data)
}
