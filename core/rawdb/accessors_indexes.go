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
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stagedeth/stagedeth/kv"
)

// ReadReceipts retrieves the consensus fields of the receipts stored for a
// canonical block number. Derived fields (hashes, addresses, gas used per tx) are
// not filled in.
func ReadReceipts(db kv.Getter, number uint64) (types.Receipts, error) {
	data, err := db.Get(kv.Receipts, encodeBlockNumber(number))
	if err != nil || len(data) == 0 {
		return nil, err
	}
	var stored []*types.ReceiptForStorage
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: receipts %d: %v", ErrCorrupted, number, err)
	}
	receipts := make(types.Receipts, len(stored))
	for i, r := range stored {
		receipts[i] = (*types.Receipt)(r)
	}
	return receipts, nil
}

// HasReceipts reports whether receipts are stored for number.
func HasReceipts(db kv.Getter, number uint64) (bool, error) {
	return db.Has(kv.Receipts, encodeBlockNumber(number))
}

// WriteReceipts stores all the transaction receipts belonging to a block.
func WriteReceipts(db kv.Putter, number uint64, receipts types.Receipts) error {
	stored := make([]*types.ReceiptForStorage, len(receipts))
	for i, receipt := range receipts {
		stored[i] = (*types.ReceiptForStorage)(receipt)
	}
	data, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return fmt.Errorf("encode block receipts: %w", err)
	}
	if err := db.Put(kv.Receipts, encodeBlockNumber(number), data); err != nil {
		return fmt.Errorf("store block receipts: %w", err)
	}
	return nil
}

// DeleteReceipts removes all receipt data associated with a block number.
func DeleteReceipts(db kv.Putter, number uint64) error {
	if err := db.Delete(kv.Receipts, encodeBlockNumber(number)); err != nil {
		return fmt.Errorf("delete block receipts: %w", err)
	}
	return nil
}

// ReadTxLookupEntry retrieves the number of the canonical block containing
// the transaction.
func ReadTxLookupEntry(db kv.Getter, hash common.Hash) (*uint64, error) {
	data, err := db.Get(kv.TxLookup, hash.Bytes())
	if err != nil || len(data) == 0 {
		return nil, err
	}
	if len(data) != 8 {
		return nil, fmt.Errorf("%w: tx lookup %x", ErrCorrupted, hash)
	}
	number := binary.BigEndian.Uint64(data)
	return &number, nil
}

// WriteTxLookupEntriesByBlock stores a positional metadata for every transaction
// from a block, enabling hash based transaction and receipt lookups.
func WriteTxLookupEntriesByBlock(db kv.Putter, block *types.Block) error {
	number := encodeBlockNumber(block.NumberU64())
	for _, tx := range block.Transactions() {
		if err := db.Put(kv.TxLookup, tx.Hash().Bytes(), number); err != nil {
			return fmt.Errorf("store transaction lookup entry: %w", err)
		}
	}
	return nil
}

// DeleteTxLookupEntries removes the lookup entries of the given transactions.
func DeleteTxLookupEntries(db kv.Putter, txs types.Transactions) error {
	for _, tx := range txs {
		if err := db.Delete(kv.TxLookup, tx.Hash().Bytes()); err != nil {
			return fmt.Errorf("delete transaction lookup entry: %w", err)
		}
	}
	return nil
}
