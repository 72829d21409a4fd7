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

// Contains the active peer-set of the downloader, maintaining request failures
// to drop unhealthy peers.

package downloader

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

var (
	errAlreadyRegistered = errors.New("peer is already registered")
	errNotRegistered     = errors.New("peer is not registered")
	errNoPeers           = errors.New("no peers available")
)

// Peer is a remote node serving chain data. Implementations are provided by the
// networking layer.
type Peer interface {
	ID() string

	// RequestHeadersByHash fetches up to amount headers starting at origin,
	// skipping skip headers between each and walking towards genesis if reverse
	// is set.
	RequestHeadersByHash(ctx context.Context, origin common.Hash, amount int, skip int, reverse bool) ([]*types.Header, error)

	// RequestBodies fetches the bodies of the given blocks, in request order.
	RequestBodies(ctx context.Context, hashes []common.Hash) ([]*types.Body, error)
}

// peerConnection tracks the failures of a registered peer.
type peerConnection struct {
	Peer
	failures int
}

// peerSet represents the collection of active peers participating in the chain
// download procedure. Peers are handed out round robin.
type peerSet struct {
	peers       map[string]*peerConnection
	order       []string
	next        int
	maxFailures int
	lock        sync.Mutex
}

func newPeerSet(maxFailures int) *peerSet {
	return &peerSet{
		peers:       make(map[string]*peerConnection),
		maxFailures: maxFailures,
	}
}

// Register injects a new peer into the working set, or returns an error if the
// peer is already known.
func (ps *peerSet) Register(p Peer) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	if _, ok := ps.peers[p.ID()]; ok {
		return errAlreadyRegistered
	}
	ps.peers[p.ID()] = &peerConnection{Peer: p}
	ps.order = append(ps.order, p.ID())
	return nil
}

// Unregister removes a remote peer from the active set.
func (ps *peerSet) Unregister(id string) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	return ps.unregister(id)
}

func (ps *peerSet) unregister(id string) error {
	if _, ok := ps.peers[id]; !ok {
		return errNotRegistered
	}
	delete(ps.peers, id)
	for i, other := range ps.order {
		if other == id {
			ps.order = append(ps.order[:i], ps.order[i+1:]...)
			if ps.next > i {
				ps.next--
			}
			break
		}
	}
	return nil
}

// Len returns if the current number of peers in the set.
func (ps *peerSet) Len() int {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	return len(ps.peers)
}

// Next returns the next peer in round robin order.
func (ps *peerSet) Next() (*peerConnection, error) {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	if len(ps.order) == 0 {
		return nil, errNoPeers
	}
	if ps.next >= len(ps.order) {
		ps.next = 0
	}
	p := ps.peers[ps.order[ps.next]]
	ps.next++
	return p, nil
}

// Succeeded clears the failure count of a peer.
func (ps *peerSet) Succeeded(p *peerConnection) {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	p.failures = 0
}

// Failed records a failed request and drops the peer once it failed too often
// in a row.
func (ps *peerSet) Failed(p *peerConnection, err error) {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	p.failures++
	if p.failures < ps.maxFailures {
		log.Debug("Peer request failed", "peer", p.ID(), "failures", p.failures, "err", err)
		return
	}
	if ps.unregister(p.ID()) == nil {
		log.Debug("Dropped unhealthy peer", "peer", p.ID(), "failures", p.failures, "err", err)
		peerDropMeter.Mark(1)
	}
}
