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

package stagedsync

import (
	"errors"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrTransient marks a retryable failure, usually network or I/O related.
	// Collaborators wrap it to request a retry of the current batch.
	ErrTransient = errors.New("transient failure")

	// ErrStalled is returned when a stage kept failing transiently after all
	// retries were spent.
	ErrStalled = errors.New("sync stalled")

	// ErrHalted is returned by every call after a fatal error stopped the pipeline.
	ErrHalted = errors.New("pipeline halted")

	// ErrCheckpointMismatch is returned when the persisted checkpoints are not
	// consistent with the stage order.
	ErrCheckpointMismatch = errors.New("stage checkpoints inconsistent")

	// ErrUnwindBelowFinalized is returned for an unwind below the finalized block.
	ErrUnwindBelowFinalized = errors.New("unwind below finalized block")

	// ErrUnwindBeyondHistory is returned for an unwind deeper than the retained
	// change sets.
	ErrUnwindBeyondHistory = errors.New("unwind beyond pruned history")

	// ErrUnwindRequired is wrapped by UnwindRequiredError.
	ErrUnwindRequired = errors.New("unwind required")

	// ErrNoProgress is returned when a block source has nothing to deliver.
	ErrNoProgress = errors.New("no data from block source")

	// ErrKnownBadBlock is returned for a block previously recorded as invalid.
	ErrKnownBadBlock = errors.New("known bad block")

	// ErrInvalidReceiptRoot is returned if the receipts do not hash to the header's root.
	ErrInvalidReceiptRoot = errors.New("invalid receipt root hash")

	// ErrInvalidBloom is returned if the receipts bloom does not match the header.
	ErrInvalidBloom = errors.New("invalid bloom")

	// ErrInvalidStateRoot is returned if the computed state root does not match
	// the header.
	ErrInvalidStateRoot = errors.New("invalid merkle root")
)

// BlockError reports a block that failed validation in a stage. The batch it
// was part of is never committed.
type BlockError struct {
	Number uint64
	Hash   common.Hash
	Stage  StageID
	Err    error

	Header *types.Header // set when the header never made it to the database
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("invalid block %d [%x] in stage %s: %v", e.Number, e.Hash, e.Stage, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

// UnwindRequiredError is returned when the local canonical chain diverges from
// the chain being synced; stages must be unwound to To before continuing.
type UnwindRequiredError struct {
	To uint64
}

func (e *UnwindRequiredError) Error() string {
	return fmt.Sprintf("%v to block %d", ErrUnwindRequired, e.To)
}

func (e *UnwindRequiredError) Unwrap() error { return ErrUnwindRequired }

// sourceError wraps failures of the block source, which never halt the pipeline.
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return fmt.Sprintf("block source: %v", e.err) }
func (e *sourceError) Unwrap() error { return e.err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrNoProgress) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
