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

// Package consensus implements the header and body validity rules applied
// before a block is persisted.
package consensus

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/consensus/misc"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
)

var (
	// ErrUnknownAncestor is returned when validating a block requires an ancestor
	// that is unknown.
	ErrUnknownAncestor = errors.New("unknown ancestor")

	// ErrInvalidNumber is returned if a block's number doesn't equal its parent's
	// plus one.
	ErrInvalidNumber = errors.New("invalid block number")

	// ErrInvalidParentHash is returned if a header does not reference its parent.
	ErrInvalidParentHash = errors.New("invalid parent hash")

	// ErrOlderBlockTime is returned if a header's timestamp is not after its parent's.
	ErrOlderBlockTime = errors.New("timestamp older than parent")

	// ErrInvalidDifficulty is returned if a header carries no usable weight.
	ErrInvalidDifficulty = errors.New("invalid difficulty")

	// ErrInvalidGasLimit is returned if the gas limit is out of bounds.
	ErrInvalidGasLimit = errors.New("invalid gas limit")

	// ErrInvalidGasUsed is returned if a header uses more gas than its limit.
	ErrInvalidGasUsed = errors.New("invalid gas used")

	// ErrExtraDataTooLong is returned if the extra-data section is oversized.
	ErrExtraDataTooLong = errors.New("extra-data too long")

	// ErrInvalidTxRoot is returned if the transactions do not hash to the header's root.
	ErrInvalidTxRoot = errors.New("transaction root hash mismatch")

	// ErrInvalidUncleHash is returned if the uncles do not hash to the header's root.
	ErrInvalidUncleHash = errors.New("uncle root hash mismatch")

	// ErrInvalidWithdrawals is returned if the withdrawals do not match the header.
	ErrInvalidWithdrawals = errors.New("withdrawals root hash mismatch")
)

// Validator is the consensus rule set consulted by the pipeline and the chain
// tree before a block is accepted.
type Validator interface {
	// ValidateHeader checks header against its parent.
	ValidateHeader(header, parent *types.Header) error

	// ValidateBody checks that body is the one committed to by header.
	ValidateBody(header *types.Header, body *types.Body) error
}

// Config tunes the validator.
type Config struct {
	// AllowEqualTime accepts children sharing their parent's timestamp, used by
	// development chains producing several blocks per second.
	AllowEqualTime bool
}

// BlockValidator is the default Validator.
type BlockValidator struct {
	config Config
}

// NewValidator creates a validator with the given rules.
func NewValidator(config Config) *BlockValidator {
	return &BlockValidator{config: config}
}

// ValidateHeader implements Validator.
func (v *BlockValidator) ValidateHeader(header, parent *types.Header) error {
	if parent == nil {
		return ErrUnknownAncestor
	}
	// Verify that the block number is parent's +1
	if diff := new(big.Int).Sub(header.Number, parent.Number); diff.Cmp(big.NewInt(1)) != 0 {
		return fmt.Errorf("%w: have %v, parent %v", ErrInvalidNumber, header.Number, parent.Number)
	}
	if header.ParentHash != parent.Hash() {
		return fmt.Errorf("%w: have %x, want %x", ErrInvalidParentHash, header.ParentHash, parent.Hash())
	}
	// Ensure that the header's extra-data section is of a reasonable size
	if uint64(len(header.Extra)) > params.MaximumExtraDataSize {
		return fmt.Errorf("%w: %d > %d", ErrExtraDataTooLong, len(header.Extra), params.MaximumExtraDataSize)
	}
	if header.Time < parent.Time || (header.Time == parent.Time && !v.config.AllowEqualTime) {
		return fmt.Errorf("%w: have %d, parent %d", ErrOlderBlockTime, header.Time, parent.Time)
	}
	if header.Difficulty == nil || header.Difficulty.Sign() < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidDifficulty, header.Difficulty)
	}
	// Verify that the gas limit is <= 2^63-1
	if header.GasLimit > params.MaxGasLimit {
		return fmt.Errorf("%w: have %v, max %v", ErrInvalidGasLimit, header.GasLimit, params.MaxGasLimit)
	}
	if err := misc.VerifyGaslimit(parent.GasLimit, header.GasLimit); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidGasLimit, err)
	}
	// Verify that the gasUsed is <= gasLimit
	if header.GasUsed > header.GasLimit {
		return fmt.Errorf("%w: have %d, gasLimit %d", ErrInvalidGasUsed, header.GasUsed, header.GasLimit)
	}
	return nil
}

// ValidateBody implements Validator.
func (v *BlockValidator) ValidateBody(header *types.Header, body *types.Body) error {
	if hash := types.CalcUncleHash(body.Uncles); hash != header.UncleHash {
		return fmt.Errorf("%w: have %x, want %x", ErrInvalidUncleHash, hash, header.UncleHash)
	}
	if hash := types.DeriveSha(types.Transactions(body.Transactions), trie.NewStackTrie(nil)); hash != header.TxHash {
		return fmt.Errorf("%w: have %x, want %x", ErrInvalidTxRoot, hash, header.TxHash)
	}
	switch {
	case header.WithdrawalsHash == nil && body.Withdrawals != nil:
		return fmt.Errorf("%w: withdrawals present without header root", ErrInvalidWithdrawals)
	case header.WithdrawalsHash != nil && body.Withdrawals == nil:
		return fmt.Errorf("%w: missing withdrawals", ErrInvalidWithdrawals)
	case header.WithdrawalsHash != nil:
		if hash := types.DeriveSha(types.Withdrawals(body.Withdrawals), trie.NewStackTrie(nil)); hash != *header.WithdrawalsHash {
			return fmt.Errorf("%w: have %x, want %x", ErrInvalidWithdrawals, hash, *header.WithdrawalsHash)
		}
	}
	return nil
}

// ValidateBlock runs both header and body checks for a block against its parent.
func ValidateBlock(v Validator, block *types.Block, parent *types.Header) error {
	if err := v.ValidateHeader(block.Header(), parent); err != nil {
		return err
	}
	return v.ValidateBody(block.Header(), block.Body())
}
