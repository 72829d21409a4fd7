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

package chaintree

import (
	"fmt"
	"strings"
)

// TieBreaker decides between competing leaves of equal total difficulty.
type TieBreaker int

const (
	// FirstSeen keeps the leaf that was inserted first. The current head wins
	// against any challenger of the same weight.
	FirstSeen TieBreaker = iota

	// LowestHash prefers the leaf with the numerically lowest hash.
	LowestHash
)

func (tb TieBreaker) String() string {
	switch tb {
	case FirstSeen:
		return "first-seen"
	case LowestHash:
		return "lowest-hash"
	default:
		return fmt.Sprintf("TieBreaker(%d)", int(tb))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (tb TieBreaker) MarshalText() ([]byte, error) {
	return []byte(tb.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (tb *TieBreaker) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "first-seen", "firstseen", "":
		*tb = FirstSeen
	case "lowest-hash", "lowesthash":
		*tb = LowestHash
	default:
		return fmt.Errorf(`unknown tie breaker %q, want "first-seen" or "lowest-hash"`, text)
	}
	return nil
}

// Config contains the tunables of the chain tree.
type Config struct {
	MaxPendingBlocks int        // buffered blocks with unknown parent
	MaxInvalidCache  int        // remembered invalid and discarded hashes
	MaxReorgDepth    uint64     // blocks this far below the head are dropped from memory
	TieBreaker       TieBreaker // fork choice between leaves of equal weight
}

// DefaultConfig contains the default chain tree settings.
var DefaultConfig = Config{
	MaxPendingBlocks: 1024,
	MaxInvalidCache:  512,
	MaxReorgDepth:    1024,
	TieBreaker:       FirstSeen,
}

func (c *Config) sanitize() {
	if c.MaxPendingBlocks <= 0 {
		c.MaxPendingBlocks = DefaultConfig.MaxPendingBlocks
	}
	if c.MaxInvalidCache <= 0 {
		c.MaxInvalidCache = DefaultConfig.MaxInvalidCache
	}
	if c.MaxReorgDepth == 0 {
		c.MaxReorgDepth = DefaultConfig.MaxReorgDepth
	}
}
