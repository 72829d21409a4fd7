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

// Package downloader retrieves headers and bodies from remote peers and serves
// them to the staged sync pipeline.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/sethvargo/go-retry"
	"github.com/stagedeth/stagedeth/stagedsync"
	"golang.org/x/sync/errgroup"
)

var (
	errNoTarget       = errors.New("sync target has no hash")
	errEmptyResponse  = errors.New("empty response")
	errBadResponse    = errors.New("response does not match request")
	errInvalidChain   = errors.New("retrieved hash chain is invalid")
	errTimeout        = errors.New("request timed out")
	errSkeletonTooBig = errors.New("skeleton exceeds the maximum length")
)

// Config contains the download settings.
type Config struct {
	MaxHeaderFetch  int           // headers per request
	MaxBodyFetch    int           // bodies per request
	Concurrency     int           // parallel body requests
	MaxSkeleton     int           // headers kept between the local chain and the target
	RequestTimeout  time.Duration // deadline of a single request
	MaxRetries      int           // retries per request, across peers
	RetryBackoff    time.Duration // base of the exponential backoff between retries
	MaxPeerFailures int           // consecutive failures before a peer is dropped
}

// DefaultConfig contains the default download settings.
var DefaultConfig = Config{
	MaxHeaderFetch:  192,
	MaxBodyFetch:    128,
	Concurrency:     4,
	MaxSkeleton:     1 << 20,
	RequestTimeout:  10 * time.Second,
	MaxRetries:      4,
	RetryBackoff:    250 * time.Millisecond,
	MaxPeerFailures: 3,
}

func (c *Config) sanitize() {
	d := DefaultConfig
	if c.MaxHeaderFetch <= 0 {
		c.MaxHeaderFetch = d.MaxHeaderFetch
	}
	if c.MaxBodyFetch <= 0 {
		c.MaxBodyFetch = d.MaxBodyFetch
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxSkeleton <= 0 {
		c.MaxSkeleton = d.MaxSkeleton
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.MaxPeerFailures <= 0 {
		c.MaxPeerFailures = d.MaxPeerFailures
	}
}

// skeleton is the header chain retrieved from the target down to the local
// chain, in ascending order.
type skeleton struct {
	target  common.Hash
	headers []*types.Header
}

func (s *skeleton) first() uint64 { return s.headers[0].Number.Uint64() }

// at returns the header at number, nil if outside the skeleton.
func (s *skeleton) at(number uint64) *types.Header {
	if len(s.headers) == 0 || number < s.first() || number-s.first() >= uint64(len(s.headers)) {
		return nil
	}
	return s.headers[number-s.first()]
}

// Downloader fetches chain segments from the registered peers. It implements
// stagedsync.BlockSource.
type Downloader struct {
	config Config
	peers  *peerSet

	lock     sync.Mutex
	skeleton *skeleton // last retrieved header chain, reused across batches
}

// New creates a downloader without any peers.
func New(config Config) *Downloader {
	config.sanitize()
	return &Downloader{
		config: config,
		peers:  newPeerSet(config.MaxPeerFailures),
	}
}

// RegisterPeer injects a new download peer into the set of block sources.
func (d *Downloader) RegisterPeer(p Peer) error {
	log.Trace("Registering sync peer", "peer", p.ID())
	if err := d.peers.Register(p); err != nil {
		log.Error("Failed to register sync peer", "peer", p.ID(), "err", err)
		return err
	}
	return nil
}

// UnregisterPeer removes a peer from the known list.
func (d *Downloader) UnregisterPeer(id string) error {
	log.Trace("Unregistering sync peer", "peer", id)
	if err := d.peers.Unregister(id); err != nil {
		log.Error("Failed to unregister sync peer", "peer", id, "err", err)
		return err
	}
	return nil
}

// Peers returns the number of registered peers.
func (d *Downloader) Peers() int { return d.peers.Len() }

// Headers implements stagedsync.BlockSource. The header chain is walked back
// from the target hash until it meets the local canonical chain.
func (d *Downloader) Headers(ctx context.Context, req stagedsync.HeaderRequest) ([]*types.Header, error) {
	if req.Target.Hash == (common.Hash{}) {
		return nil, errNoTarget
	}
	if req.From > req.Target.Number {
		return nil, nil
	}
	d.lock.Lock()
	defer d.lock.Unlock()

	ancestor, err := d.locate(ctx, req)
	if err != nil {
		return nil, err
	}
	if ancestor+1 < req.From {
		return nil, &stagedsync.UnwindRequiredError{To: ancestor}
	}
	last := req.Target.Number
	if req.Limit > 0 && req.From+uint64(req.Limit)-1 < last {
		last = req.From + uint64(req.Limit) - 1
	}
	headers := make([]*types.Header, 0, last-req.From+1)
	for n := req.From; n <= last; n++ {
		headers = append(headers, d.skeleton.at(n))
	}
	return headers, nil
}

// locate makes sure the skeleton spans from the common ancestor with the local
// chain up to the target and returns the ancestor number.
func (d *Downloader) locate(ctx context.Context, req stagedsync.HeaderRequest) (uint64, error) {
	if d.skeleton == nil || d.skeleton.target != req.Target.Hash {
		d.skeleton = &skeleton{target: req.Target.Hash}
	}
	sk := d.skeleton
	for {
		if len(sk.headers) > 0 {
			// Check the walked part against the local chain, from the top.
			low := sk.first()
			if req.From > low {
				low = req.From
			}
			for n := low; ; n-- {
				if n < sk.first() {
					break
				}
				local, err := req.Canonical(n - 1)
				if err != nil {
					return 0, err
				}
				if local == sk.at(n).ParentHash {
					return n - 1, nil
				}
				if n == sk.first() {
					break
				}
			}
			if sk.first() == 1 {
				return 0, fmt.Errorf("%w: genesis mismatch", errInvalidChain)
			}
		}
		if len(sk.headers) >= d.config.MaxSkeleton {
			d.skeleton = nil
			return 0, fmt.Errorf("%w: %d headers below #%d", errSkeletonTooBig, len(sk.headers), req.Target.Number)
		}
		if err := d.extend(ctx, sk, req.Target); err != nil {
			return 0, err
		}
	}
}

// extend fetches the next batch of headers below the lowest skeleton header.
func (d *Downloader) extend(ctx context.Context, sk *skeleton, target stagedsync.Target) error {
	origin, number := target.Hash, target.Number
	if len(sk.headers) > 0 {
		origin, number = sk.headers[0].ParentHash, sk.first()-1
	}
	amount := d.config.MaxHeaderFetch
	if uint64(amount) > number {
		amount = int(number) // never past genesis
	}
	var headers []*types.Header
	err := d.fetch(ctx, "headers", func(ctx context.Context, p *peerConnection) error {
		start := time.Now()
		res, err := p.RequestHeadersByHash(ctx, origin, amount, 0, true)
		headerReqTimer.UpdateSince(start)
		if err != nil {
			return err
		}
		if err := checkHeaders(res, origin, number, amount); err != nil {
			headerDropMeter.Mark(int64(len(res)))
			return err
		}
		headerInMeter.Mark(int64(len(res)))
		headers = res
		return nil
	})
	if err != nil {
		return err
	}
	// Headers arrive descending; keep the skeleton ascending.
	ascending := make([]*types.Header, 0, len(headers)+len(sk.headers))
	for i := len(headers) - 1; i >= 0; i-- {
		ascending = append(ascending, headers[i])
	}
	sk.headers = append(ascending, sk.headers...)
	log.Debug("Extended header skeleton", "from", sk.first(), "to", target.Number, "peer headers", len(headers))
	return nil
}

// checkHeaders verifies that a reverse header response starts at origin and is
// linked by parent hashes.
func checkHeaders(headers []*types.Header, origin common.Hash, number uint64, amount int) error {
	if len(headers) == 0 {
		return errEmptyResponse
	}
	if len(headers) > amount {
		return fmt.Errorf("%w: %d headers, requested %d", errBadResponse, len(headers), amount)
	}
	if headers[0].Hash() != origin {
		return fmt.Errorf("%w: first header %x, requested %x", errBadResponse, headers[0].Hash(), origin)
	}
	if headers[0].Number.Uint64() != number {
		return fmt.Errorf("%w: first header #%d, expected #%d", errBadResponse, headers[0].Number, number)
	}
	for i := 1; i < len(headers); i++ {
		if headers[i-1].ParentHash != headers[i].Hash() || headers[i-1].Number.Uint64() != headers[i].Number.Uint64()+1 {
			return fmt.Errorf("%w: header %d does not link to %d", errInvalidChain, i, i-1)
		}
	}
	return nil
}

// FetchHeader retrieves a single header by hash, used to resolve the number of
// a sync target announced by hash only.
func (d *Downloader) FetchHeader(ctx context.Context, hash common.Hash) (*types.Header, error) {
	var header *types.Header
	err := d.fetch(ctx, "headers", func(ctx context.Context, p *peerConnection) error {
		start := time.Now()
		res, err := p.RequestHeadersByHash(ctx, hash, 1, 0, false)
		headerReqTimer.UpdateSince(start)
		if err != nil {
			return err
		}
		if len(res) != 1 || res[0].Hash() != hash {
			headerDropMeter.Mark(int64(len(res)))
			return fmt.Errorf("%w: %d headers for %x", errBadResponse, len(res), hash)
		}
		headerInMeter.Mark(1)
		header = res[0]
		return nil
	})
	return header, err
}

// Bodies implements stagedsync.BlockSource. Bodies are fetched concurrently in
// chunks and reassembled in request order.
func (d *Downloader) Bodies(ctx context.Context, headers []*types.Header) ([]*types.Body, error) {
	bodies := make([]*types.Body, len(headers))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Concurrency)
	for start := 0; start < len(headers); start += d.config.MaxBodyFetch {
		end := start + d.config.MaxBodyFetch
		if end > len(headers) {
			end = len(headers)
		}
		chunk, out := headers[start:end], bodies[start:end]
		g.Go(func() error {
			return d.fetchBodies(ctx, chunk, out)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bodies, nil
}

func (d *Downloader) fetchBodies(ctx context.Context, headers []*types.Header, out []*types.Body) error {
	hashes := make([]common.Hash, len(headers))
	for i, header := range headers {
		hashes[i] = header.Hash()
	}
	return d.fetch(ctx, "bodies", func(ctx context.Context, p *peerConnection) error {
		start := time.Now()
		res, err := p.RequestBodies(ctx, hashes)
		bodyReqTimer.UpdateSince(start)
		if err != nil {
			return err
		}
		if len(res) != len(headers) {
			bodyDropMeter.Mark(int64(len(res)))
			return fmt.Errorf("%w: %d bodies, requested %d", errBadResponse, len(res), len(headers))
		}
		for i, body := range res {
			if err := checkBody(headers[i], body); err != nil {
				bodyDropMeter.Mark(int64(len(res)))
				return err
			}
		}
		bodyInMeter.Mark(int64(len(res)))
		copy(out, res)
		return nil
	})
}

// checkBody verifies that a delivered body is the one committed to by header.
func checkBody(header *types.Header, body *types.Body) error {
	if body == nil {
		return fmt.Errorf("%w: missing body of #%d", errBadResponse, header.Number)
	}
	if hash := types.DeriveSha(types.Transactions(body.Transactions), trie.NewStackTrie(nil)); hash != header.TxHash {
		return fmt.Errorf("%w: transactions of #%d hash to %x, want %x", errBadResponse, header.Number, hash, header.TxHash)
	}
	if hash := types.CalcUncleHash(body.Uncles); hash != header.UncleHash {
		return fmt.Errorf("%w: uncles of #%d hash to %x, want %x", errBadResponse, header.Number, hash, header.UncleHash)
	}
	return nil
}

// fetch runs a request against peers in round robin order, retrying with
// exponential backoff. Exhausted retries are reported as transient to the
// pipeline.
func (d *Downloader) fetch(ctx context.Context, kind string, request func(ctx context.Context, p *peerConnection) error) error {
	backoff := retry.NewExponential(d.config.RetryBackoff)
	backoff = retry.WithMaxRetries(uint64(d.config.MaxRetries), backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := d.peers.Next()
		if err != nil {
			return retry.RetryableError(err)
		}
		rctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
		err = request(rctx, p)
		timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded)
		cancel()

		switch {
		case err == nil:
			d.peers.Succeeded(p)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case timedOut:
			timeoutMeter(kind).Mark(1)
			err = fmt.Errorf("%w: %s from %s", errTimeout, kind, p.ID())
		}
		d.peers.Failed(p, err)
		return retry.RetryableError(err)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: fetch %s: %w", stagedsync.ErrTransient, kind, err)
	}
	return err
}

func timeoutMeter(kind string) metrics.Meter {
	if kind == "headers" {
		return headerTimeoutMeter
	}
	return bodyTimeoutMeter
}
