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
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stagedeth/stagedeth/kv"
)

// ErrCorrupted is returned when a stored entry cannot be decoded.
var ErrCorrupted = errors.New("corrupted database entry")

// ReadCanonicalHash retrieves the hash assigned to a canonical block number.
// An unknown number yields the zero hash.
func ReadCanonicalHash(db kv.Getter, number uint64) (common.Hash, error) {
	data, err := db.Get(kv.CanonicalHeaders, encodeBlockNumber(number))
	if err != nil || len(data) == 0 {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}

// WriteCanonicalHash stores the hash assigned to a canonical block number.
func WriteCanonicalHash(db kv.Putter, hash common.Hash, number uint64) error {
	if err := db.Put(kv.CanonicalHeaders, encodeBlockNumber(number), hash.Bytes()); err != nil {
		return fmt.Errorf("store number to hash mapping: %w", err)
	}
	return nil
}

// DeleteCanonicalHash removes the number to hash canonical mapping.
func DeleteCanonicalHash(db kv.Putter, number uint64) error {
	if err := db.Delete(kv.CanonicalHeaders, encodeBlockNumber(number)); err != nil {
		return fmt.Errorf("delete number to hash mapping: %w", err)
	}
	return nil
}

// ReadHeaderNumber returns the header number assigned to a hash.
func ReadHeaderNumber(db kv.Getter, hash common.Hash) (*uint64, error) {
	data, err := db.Get(kv.HeaderNumbers, hash.Bytes())
	if err != nil || len(data) == 0 {
		return nil, err
	}
	if len(data) != 8 {
		return nil, fmt.Errorf("%w: header number of %x", ErrCorrupted, hash)
	}
	number := binary.BigEndian.Uint64(data)
	return &number, nil
}

// ReadHeaderRLP retrieves a block header in its raw RLP database encoding.
func ReadHeaderRLP(db kv.Getter, hash common.Hash, number uint64) (rlp.RawValue, error) {
	return db.Get(kv.Headers, blockKey(number, hash))
}

// HasHeader verifies the existence of a block header corresponding to the hash.
func HasHeader(db kv.Getter, hash common.Hash, number uint64) (bool, error) {
	return db.Has(kv.Headers, blockKey(number, hash))
}

// ReadHeader retrieves the block header corresponding to the hash.
func ReadHeader(db kv.Getter, hash common.Hash, number uint64) (*types.Header, error) {
	data, err := ReadHeaderRLP(db, hash, number)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(data, header); err != nil {
		return nil, fmt.Errorf("%w: header %d %x: %v", ErrCorrupted, number, hash, err)
	}
	return header, nil
}

// ReadHeaderByHash resolves the number of hash and retrieves its header.
func ReadHeaderByHash(db kv.Getter, hash common.Hash) (*types.Header, error) {
	number, err := ReadHeaderNumber(db, hash)
	if err != nil || number == nil {
		return nil, err
	}
	return ReadHeader(db, hash, *number)
}

// ReadCanonicalHeader retrieves the canonical header at number.
func ReadCanonicalHeader(db kv.Getter, number uint64) (*types.Header, error) {
	hash, err := ReadCanonicalHash(db, number)
	if err != nil || hash == (common.Hash{}) {
		return nil, err
	}
	return ReadHeader(db, hash, number)
}

// WriteHeader stores a block header into the database and also stores the hash-
// to-number mapping.
func WriteHeader(db kv.Putter, header *types.Header) error {
	var (
		hash   = header.Hash()
		number = header.Number.Uint64()
	)
	if err := db.Put(kv.HeaderNumbers, hash.Bytes(), encodeBlockNumber(number)); err != nil {
		return fmt.Errorf("store hash to number mapping: %w", err)
	}
	data, err := rlp.EncodeToBytes(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if err := db.Put(kv.Headers, blockKey(number, hash), data); err != nil {
		return fmt.Errorf("store header: %w", err)
	}
	return nil
}

// DeleteHeader removes all block header data associated with a hash.
func DeleteHeader(db kv.Putter, hash common.Hash, number uint64) error {
	if err := db.Delete(kv.Headers, blockKey(number, hash)); err != nil {
		return fmt.Errorf("delete header: %w", err)
	}
	if err := db.Delete(kv.HeaderNumbers, hash.Bytes()); err != nil {
		return fmt.Errorf("delete hash to number mapping: %w", err)
	}
	return nil
}

// ReadTd retrieves the cumulative weight (total difficulty) of the block.
func ReadTd(db kv.Getter, hash common.Hash, number uint64) (*big.Int, error) {
	data, err := db.Get(kv.HeadersTD, blockKey(number, hash))
	if err != nil || len(data) == 0 {
		return nil, err
	}
	td := new(big.Int)
	if err := rlp.DecodeBytes(data, td); err != nil {
		return nil, fmt.Errorf("%w: td %d %x: %v", ErrCorrupted, number, hash, err)
	}
	return td, nil
}

// WriteTd stores the cumulative weight of a block.
func WriteTd(db kv.Putter, hash common.Hash, number uint64, td *big.Int) error {
	data, err := rlp.EncodeToBytes(td)
	if err != nil {
		return fmt.Errorf("encode block td: %w", err)
	}
	if err := db.Put(kv.HeadersTD, blockKey(number, hash), data); err != nil {
		return fmt.Errorf("store block td: %w", err)
	}
	return nil
}

// DeleteTd removes the stored weight of a block.
func DeleteTd(db kv.Putter, hash common.Hash, number uint64) error {
	return db.Delete(kv.HeadersTD, blockKey(number, hash))
}

// ReadBody retrieves the block body corresponding to the hash.
func ReadBody(db kv.Getter, hash common.Hash, number uint64) (*types.Body, error) {
	data, err := db.Get(kv.BlockBodies, blockKey(number, hash))
	if err != nil || len(data) == 0 {
		return nil, err
	}
	body := new(types.Body)
	if err := rlp.DecodeBytes(data, body); err != nil {
		return nil, fmt.Errorf("%w: body %d %x: %v", ErrCorrupted, number, hash, err)
	}
	return body, nil
}

// HasBody verifies the existence of a block body corresponding to the hash.
func HasBody(db kv.Getter, hash common.Hash, number uint64) (bool, error) {
	return db.Has(kv.BlockBodies, blockKey(number, hash))
}

// WriteBody stores a block body into the database.
func WriteBody(db kv.Putter, hash common.Hash, number uint64, body *types.Body) error {
	data, err := rlp.EncodeToBytes(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	if err := db.Put(kv.BlockBodies, blockKey(number, hash), data); err != nil {
		return fmt.Errorf("store block body: %w", err)
	}
	return nil
}

// DeleteBody removes all block body data associated with a hash.
func DeleteBody(db kv.Putter, hash common.Hash, number uint64) error {
	if err := db.Delete(kv.BlockBodies, blockKey(number, hash)); err != nil {
		return fmt.Errorf("delete block body: %w", err)
	}
	return nil
}

// ReadBlock retrieves an entire block corresponding to the hash, assembling it
// back from the stored header and body. If either the header or body could not
// be retrieved nil is returned.
func ReadBlock(db kv.Getter, hash common.Hash, number uint64) (*types.Block, error) {
	header, err := ReadHeader(db, hash, number)
	if err != nil || header == nil {
		return nil, err
	}
	body, err := ReadBody(db, hash, number)
	if err != nil || body == nil {
		return nil, err
	}
	block := types.NewBlockWithHeader(header).WithBody(body.Transactions, body.Uncles)
	if body.Withdrawals != nil {
		block = block.WithWithdrawals(body.Withdrawals)
	}
	return block, nil
}

// ReadCanonicalBlock retrieves the canonical block at number.
func ReadCanonicalBlock(db kv.Getter, number uint64) (*types.Block, error) {
	hash, err := ReadCanonicalHash(db, number)
	if err != nil || hash == (common.Hash{}) {
		return nil, err
	}
	return ReadBlock(db, hash, number)
}

// WriteBlock serializes a block into the database, header and body separately.
func WriteBlock(db kv.Putter, block *types.Block) error {
	if err := WriteBody(db, block.Hash(), block.NumberU64(), block.Body()); err != nil {
		return err
	}
	return WriteHeader(db, block.Header())
}

// ReadSenders retrieves the recovered senders of a block's transactions.
func ReadSenders(db kv.Getter, hash common.Hash, number uint64) ([]common.Address, error) {
	data, err := db.Get(kv.Senders, blockKey(number, hash))
	if err != nil || data == nil {
		return nil, err
	}
	if len(data) == 0 || data[0] != sendersVersion || (len(data)-1)%common.AddressLength != 0 {
		return nil, fmt.Errorf("%w: senders %d %x", ErrCorrupted, number, hash)
	}
	data = data[1:]
	senders := make([]common.Address, len(data)/common.AddressLength)
	for i := range senders {
		senders[i] = common.BytesToAddress(data[i*common.AddressLength : (i+1)*common.AddressLength])
	}
	return senders, nil
}

// sendersVersion leads every senders entry, so blocks without transactions
// never store an empty value.
const sendersVersion = 0x01

// WriteSenders stores the senders of a block's transactions, in transaction order.
func WriteSenders(db kv.Putter, hash common.Hash, number uint64, senders []common.Address) error {
	data := make([]byte, 1, 1+len(senders)*common.AddressLength)
	data[0] = sendersVersion
	for _, sender := range senders {
		data = append(data, sender.Bytes()...)
	}
	if err := db.Put(kv.Senders, blockKey(number, hash), data); err != nil {
		return fmt.Errorf("store senders: %w", err)
	}
	return nil
}

// DeleteSenders removes the stored senders of a block.
func DeleteSenders(db kv.Putter, hash common.Hash, number uint64) error {
	return db.Delete(kv.Senders, blockKey(number, hash))
}
