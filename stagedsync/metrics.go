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

import "github.com/ethereum/go-ethereum/metrics"

var (
	executedBlockMeter = metrics.NewRegisteredMeter("stagedsync/execution/blocks", nil)
	executedTxMeter    = metrics.NewRegisteredMeter("stagedsync/execution/txs", nil)
	unwindMeter        = metrics.NewRegisteredMeter("stagedsync/unwinds", nil)
	badBlockMeter      = metrics.NewRegisteredMeter("stagedsync/badblocks", nil)
	retryMeter         = metrics.NewRegisteredMeter("stagedsync/retries", nil)
)

type stageMetrics struct {
	progress metrics.Gauge
	execute  metrics.Timer
	unwind   metrics.Timer
}

func newStageMetrics(id StageID) *stageMetrics {
	prefix := "stagedsync/" + string(id) + "/"
	return &stageMetrics{
		progress: metrics.GetOrRegisterGauge(prefix+"progress", nil),
		execute:  metrics.GetOrRegisterTimer(prefix+"execute", nil),
		unwind:   metrics.GetOrRegisterTimer(prefix+"unwind", nil),
	}
}
