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

// Package rawdb contains a collection of low level database accessors.
package rawdb

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// The fields below define the keys stored in the Meta table.
var (
	// headBlockKey tracks the latest block whose every stage has completed.
	headBlockKey = []byte("LastBlock")

	// headHeaderKey tracks the latest known header's hash.
	headHeaderKey = []byte("LastHeader")

	// finalizedBlockKey tracks the latest block announced finalized by the consensus driver.
	finalizedBlockKey = []byte("LastFinalized")

	// safeBlockKey tracks the latest block announced safe by the consensus driver.
	safeBlockKey = []byte("LastSafe")

	// stageOrderVersionKey tracks the stage list version the database was synced with.
	stageOrderVersionKey = []byte("StageOrderVersion")

	// unwindTargetKey is the single key of the pending unwind marker.
	unwindTargetKey = []byte("target")
)

// encodeBlockNumber encodes a block number as big endian uint64
func encodeBlockNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

// EncodeBlockNumber is the exported form of the block number key encoding,
// used by stages iterating number keyed tables.
func EncodeBlockNumber(number uint64) []byte {
	return encodeBlockNumber(number)
}

// DecodeBlockNumber reads the leading block number of a number keyed entry.
func DecodeBlockNumber(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[:8])
}

// blockKey = num (uint64 big endian) + hash
func blockKey(number uint64, hash common.Hash) []byte {
	return append(encodeBlockNumber(number), hash.Bytes()...)
}

// ChangeSetKey = num (uint64 big endian) + address
func ChangeSetKey(number uint64, addr common.Address) []byte {
	return append(encodeBlockNumber(number), addr.Bytes()...)
}

// HistoryKey = address + num (uint64 big endian)
func HistoryKey(addr common.Address, number uint64) []byte {
	return append(common.CopyBytes(addr.Bytes()), encodeBlockNumber(number)...)
}
