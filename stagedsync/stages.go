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

// Package stagedsync implements the staged synchronization pipeline: a fixed,
// ordered list of stages, each advancing a persisted checkpoint in the same
// transaction as the data it writes.
package stagedsync

// StageID identifies a stage; it is also the key of the stage's checkpoint.
type StageID string

// The stages of the pipeline, in execution order.
const (
	Headers      StageID = "Headers"      // header download and validation, canonical markers
	Bodies       StageID = "Bodies"       // body download and validation
	Senders      StageID = "Senders"      // parallel sender recovery
	Execution    StageID = "Execution"    // state transition, receipts, change sets
	HashState    StageID = "HashState"    // plain state mirrored into hashed keys
	TrieRoot     StageID = "TrieRoot"     // state root computation and check
	HistoryIndex StageID = "HistoryIndex" // account history and transaction lookups
	Prune        StageID = "Prune"        // history pruning and the head block marker
)

// StageOrder is the fixed order stages run in. Unwinds run it backwards.
var StageOrder = []StageID{Headers, Bodies, Senders, Execution, HashState, TrieRoot, HistoryIndex, Prune}

// StageOrderVersion is bumped whenever StageOrder or the data a stage writes
// changes incompatibly. Databases synced with another version are refused.
const StageOrderVersion = 1

func (id StageID) String() string { return string(id) }
