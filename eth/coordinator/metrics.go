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

package coordinator

import "github.com/ethereum/go-ethereum/metrics"

var (
	payloadValidMeter    = metrics.NewRegisteredMeter("coordinator/payload/valid", nil)
	payloadAcceptedMeter = metrics.NewRegisteredMeter("coordinator/payload/accepted", nil)
	payloadSyncingMeter  = metrics.NewRegisteredMeter("coordinator/payload/syncing", nil)
	payloadInvalidMeter  = metrics.NewRegisteredMeter("coordinator/payload/invalid", nil)

	forkchoiceTimer = metrics.NewRegisteredTimer("coordinator/forkchoice", nil)
	busyMeter       = metrics.NewRegisteredMeter("coordinator/busy", nil)
	backfillMeter   = metrics.NewRegisteredMeter("coordinator/backfill/runs", nil)
	backfillTimer   = metrics.NewRegisteredTimer("coordinator/backfill/time", nil)
	headGauge       = metrics.NewRegisteredGauge("coordinator/head", nil)
)
