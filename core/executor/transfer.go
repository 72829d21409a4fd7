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

// Package executor provides the block state transition the execution stage
// runs. Only value transfers between accounts are supported.
package executor

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stagedeth/stagedeth/core/state"
)

var (
	// ErrNonceTooLow is returned if the nonce of a transaction is lower than the
	// one present in the local chain.
	ErrNonceTooLow = errors.New("nonce too low")

	// ErrNonceTooHigh is returned if the nonce of a transaction is higher than the
	// next one expected based on the local chain.
	ErrNonceTooHigh = errors.New("nonce too high")

	// ErrGasLimitReached is returned by the gas pool if the amount of gas required
	// by a transaction is higher than what's left in the block.
	ErrGasLimitReached = errors.New("gas limit reached")

	// ErrInsufficientFunds is returned if the total cost of executing a transaction
	// is higher than the balance of the user's account.
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")

	// ErrIntrinsicGas is returned if the transaction is specified to use less gas
	// than required to start the invocation.
	ErrIntrinsicGas = errors.New("intrinsic gas too low")

	// ErrFeeCapTooLow is returned if the transaction fee cap is less than the
	// base fee of the block.
	ErrFeeCapTooLow = errors.New("max fee per gas less than block base fee")

	// ErrContractCreation is returned for transactions without a recipient.
	ErrContractCreation = errors.New("contract creation not supported")

	// ErrSenderMismatch is returned if the provided senders do not match the
	// block's transactions.
	ErrSenderMismatch = errors.New("sender count mismatch")
)

// Result is the outcome of executing one block.
type Result struct {
	Receipts types.Receipts
	Diff     *state.Diff
	GasUsed  uint64
}

// Executor runs the state transition of a block on top of a state. senders may
// be nil, in which case they are recovered from the signatures.
type Executor interface {
	ExecuteBlock(st state.Reader, block *types.Block, senders []common.Address) (*Result, error)
}

// Config parameterizes the transfer executor.
type Config struct {
	ChainID     *big.Int
	BlockReward *big.Int // credited to the coinbase of every block
}

// Transfer is an Executor applying plain value transfers.
type Transfer struct {
	reward *uint256.Int
	signer types.Signer
}

// NewTransfer creates a transfer executor.
func NewTransfer(config Config) *Transfer {
	chainID := config.ChainID
	if chainID == nil {
		chainID = common.Big1
	}
	e := &Transfer{signer: types.LatestSignerForChainID(chainID)}
	if config.BlockReward != nil && config.BlockReward.Sign() > 0 {
		e.reward, _ = uint256.FromBig(config.BlockReward)
	}
	return e
}

// Signer returns the signer used to recover transaction senders.
func (e *Transfer) Signer() types.Signer { return e.signer }

// IntrinsicGas computes the 'intrinsic gas' for a transfer with the given data.
func IntrinsicGas(data []byte) uint64 {
	gas := params.TxGas
	if len(data) > 0 {
		var nz uint64
		for _, byt := range data {
			if byt != 0 {
				nz++
			}
		}
		gas += nz * params.TxDataNonZeroGasEIP2028
		gas += (uint64(len(data)) - nz) * params.TxDataZeroGas
	}
	return gas
}

// ExecuteBlock implements Executor.
func (e *Transfer) ExecuteBlock(st state.Reader, block *types.Block, senders []common.Address) (*Result, error) {
	txs := block.Transactions()
	if senders != nil && len(senders) != len(txs) {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrSenderMismatch, len(senders), len(txs))
	}
	var (
		header   = block.Header()
		overlay  = state.NewOverlay(st)
		receipts = make(types.Receipts, 0, len(txs))
		gasUsed  uint64
	)
	for i, tx := range txs {
		var from common.Address
		if senders != nil {
			from = senders[i]
		} else {
			sender, err := types.Sender(e.signer, tx)
			if err != nil {
				return nil, fmt.Errorf("could not apply tx %d [%v]: %w", i, tx.Hash().Hex(), err)
			}
			from = sender
		}
		used, err := e.applyTransaction(overlay, header, tx, from, gasUsed)
		if err != nil {
			return nil, fmt.Errorf("could not apply tx %d [%v]: %w", i, tx.Hash().Hex(), err)
		}
		gasUsed += used

		receipt := &types.Receipt{
			Type:              tx.Type(),
			Status:            types.ReceiptStatusSuccessful,
			CumulativeGasUsed: gasUsed,
			Logs:              []*types.Log{},
			TxHash:            tx.Hash(),
			GasUsed:           used,
			BlockHash:         block.Hash(),
			BlockNumber:       block.Number(),
			TransactionIndex:  uint(i),
		}
		receipt.Bloom = types.CreateBloom(types.Receipts{receipt})
		receipts = append(receipts, receipt)
	}
	if e.reward != nil {
		if err := overlay.AddBalance(header.Coinbase, e.reward); err != nil {
			return nil, err
		}
	}
	return &Result{Receipts: receipts, Diff: overlay.Diff(), GasUsed: gasUsed}, nil
}

func (e *Transfer) applyTransaction(st *state.Overlay, header *types.Header, tx *types.Transaction, from common.Address, blockGas uint64) (uint64, error) {
	if tx.To() == nil {
		return 0, ErrContractCreation
	}
	if header.GasLimit-blockGas < tx.Gas() {
		return 0, fmt.Errorf("%w: have %d, want %d", ErrGasLimitReached, header.GasLimit-blockGas, tx.Gas())
	}
	nonce, err := st.GetNonce(from)
	if err != nil {
		return 0, err
	}
	switch {
	case tx.Nonce() < nonce:
		return 0, fmt.Errorf("%w: address %v, tx: %d state: %d", ErrNonceTooLow, from.Hex(), tx.Nonce(), nonce)
	case tx.Nonce() > nonce:
		return 0, fmt.Errorf("%w: address %v, tx: %d state: %d", ErrNonceTooHigh, from.Hex(), tx.Nonce(), nonce)
	}
	gas := IntrinsicGas(tx.Data())
	if tx.Gas() < gas {
		return 0, fmt.Errorf("%w: have %d, want %d", ErrIntrinsicGas, tx.Gas(), gas)
	}
	price, tip, err := effectivePrice(tx, header.BaseFee)
	if err != nil {
		return 0, err
	}
	value, overflow := uint256.FromBig(tx.Value())
	if overflow {
		return 0, fmt.Errorf("%w: value overflow", ErrInsufficientFunds)
	}
	// The full gas allowance is reserved up front, unused gas is not charged.
	reserve := new(uint256.Int).Mul(uint256.NewInt(tx.Gas()), price)
	reserve.Add(reserve, value)
	balance, err := st.GetBalance(from)
	if err != nil {
		return 0, err
	}
	if balance.Lt(reserve) {
		return 0, fmt.Errorf("%w: address %v have %v want %v", ErrInsufficientFunds, from.Hex(), balance, reserve)
	}
	cost := new(uint256.Int).Mul(uint256.NewInt(gas), price)
	if err := st.SubBalance(from, cost.Add(cost, value)); err != nil {
		return 0, err
	}
	if err := st.SetNonce(from, nonce+1); err != nil {
		return 0, err
	}
	if err := st.AddBalance(*tx.To(), value); err != nil {
		return 0, err
	}
	if fee := new(uint256.Int).Mul(uint256.NewInt(gas), tip); !fee.IsZero() {
		if err := st.AddBalance(header.Coinbase, fee); err != nil {
			return 0, err
		}
	}
	return gas, nil
}

// effectivePrice returns the per gas price paid by the sender and the part of
// it credited to the coinbase. Without a base fee the whole price goes to the
// coinbase.
func effectivePrice(tx *types.Transaction, baseFee *big.Int) (*uint256.Int, *uint256.Int, error) {
	if baseFee == nil {
		price, overflow := uint256.FromBig(tx.GasPrice())
		if overflow {
			return nil, nil, fmt.Errorf("%w: gas price overflow", ErrInsufficientFunds)
		}
		return price, price, nil
	}
	if tx.GasFeeCapIntCmp(baseFee) < 0 {
		return nil, nil, fmt.Errorf("%w: maxFeePerGas: %v baseFee: %v", ErrFeeCapTooLow, tx.GasFeeCap(), baseFee)
	}
	price := new(big.Int).Add(baseFee, tx.GasTipCap())
	if price.Cmp(tx.GasFeeCap()) > 0 {
		price.Set(tx.GasFeeCap())
	}
	tip := new(big.Int).Sub(price, baseFee)
	p, overflow := uint256.FromBig(price)
	if overflow {
		return nil, nil, fmt.Errorf("%w: gas price overflow", ErrInsufficientFunds)
	}
	tp, _ := uint256.FromBig(tip)
	return p, tp, nil
}
