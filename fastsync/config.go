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

package fastsync

import "time"

// Config is the configuration surface enumerated in spec.md §6. It is
// decoded from TOML by internal/fastsyncconfig and passed verbatim to
// NewCoordinator.
type Config struct {
	// Batch sizes.
	BlockHeadersPerRequest int `toml:"blockHeadersPerRequest"`
	BlockBodiesPerRequest  int `toml:"blockBodiesPerRequest"`
	ReceiptsPerRequest     int `toml:"receiptsPerRequest"`
	NodesPerRequest        int `toml:"nodesPerRequest"`

	// Scheduling and back-pressure.
	MaxConcurrentRequests int           `toml:"maxConcurrentRequests"`
	FastSyncThrottle      time.Duration `toml:"fastSyncThrottle"`
	PeerResponseTimeout   time.Duration `toml:"peerResponseTimeout"`
	SyncRetryInterval     time.Duration `toml:"syncRetryInterval"`

	// Blacklisting.
	BlacklistDuration         time.Duration `toml:"blacklistDuration"`
	CriticalBlacklistDuration time.Duration `toml:"criticalBlacklistDuration"`

	// Pivot selection and staleness.
	PivotBlockOffset        uint64 `toml:"pivotBlockOffset"`
	MaxPivotBlockAge        uint64 `toml:"maxPivotBlockAge"`
	MaxTargetDifference     uint64 `toml:"maxTargetDifference"`
	MinPeersToChoosePivotBlock int `toml:"minPeersToChoosePivotBlock"`

	PivotBlockReScheduleInterval time.Duration `toml:"pivotBlockReScheduleInterval"`
	MaximumTargetUpdateFailures  int           `toml:"maximumTargetUpdateFailures"`

	// Rewind/validation tuning.
	FastSyncBlockValidationN int `toml:"fastSyncBlockValidationN"`
	FastSyncBlockValidationK int `toml:"fastSyncBlockValidationK"`
	FastSyncBlockValidationX int `toml:"fastSyncBlockValidationX"`

	// Timers.
	PersistStateSnapshotInterval time.Duration `toml:"persistStateSnapshotInterval"`
	PrintStatusInterval          time.Duration `toml:"printStatusInterval"`

	// State sync.
	StateSyncBloomFilterSize uint64 `toml:"stateSyncBloomFilterSize"`
}

// DefaultConfig mirrors the values go-ethereum's own fast-sync era shipped
// as defaults, adapted to this engine's field names.
func DefaultConfig() Config {
	return Config{
		BlockHeadersPerRequest: 192,
		BlockBodiesPerRequest:  128,
		ReceiptsPerRequest:     128,
		NodesPerRequest:        384,

		MaxConcurrentRequests: 8,
		FastSyncThrottle:      200 * time.Millisecond,
		PeerResponseTimeout:   8 * time.Second,
		SyncRetryInterval:     5 * time.Second,

		BlacklistDuration:         30 * time.Second,
		CriticalBlacklistDuration: 2 * time.Hour,

		PivotBlockOffset:           64,
		MaxPivotBlockAge:           96,
		MaxTargetDifference:        32,
		MinPeersToChoosePivotBlock: 2,

		PivotBlockReScheduleInterval: 3 * time.Second,
		MaximumTargetUpdateFailures:  5,

		FastSyncBlockValidationN: 100,
		FastSyncBlockValidationK: 100,
		FastSyncBlockValidationX: 50,

		PersistStateSnapshotInterval: 5 * time.Second,
		PrintStatusInterval:          10 * time.Second,

		StateSyncBloomFilterSize: 64 * 1024 * 1024, // bits
	}
}
