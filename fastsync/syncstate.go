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

// QueueItem is an entry in blockBodiesQueue/receiptsQueue: a hash awaiting
// download together with the block number it belongs to, so the queue can
// be pruned after a rewind without a storage lookup for a header that may
// have just been discarded.
type QueueItem struct {
	Hash   Hash
	Number uint64
}

// SyncState is the persisted control-plane record from spec.md §3. It is
// mutated only by the Coordinator (C7) and is otherwise an inert value
// type; persistence is handled by Storage.PersistSyncState.
type SyncState struct {
	PivotBlock         *BlockHeader
	SafeDownloadTarget uint64

	BestBlockHeaderNumber uint64
	LastFullBlockNumber   uint64

	BlockBodiesQueue []QueueItem
	ReceiptsQueue    []QueueItem

	NextBlockToFullyValidate uint64

	DownloadedNodesCount uint64
	TotalNodesCount      uint64
	StateSyncFinished    bool

	UpdatingPivotBlock       bool
	PivotBlockUpdateFailures int
}

// NewSyncState creates the initial control-plane record from a freshly
// selected pivot, the only way SyncState ever comes into being per
// spec.md §3's lifecycle note.
func NewSyncState(pivot *BlockHeader, cfg Config) *SyncState {
	return &SyncState{
		PivotBlock:               pivot,
		SafeDownloadTarget:       pivot.Number + uint64(cfg.FastSyncBlockValidationX),
		BestBlockHeaderNumber:    pivot.Number,
		LastFullBlockNumber:      pivot.Number,
		NextBlockToFullyValidate: pivot.Number + 1,
	}
}

// checkInvariants validates the always-hold invariants from spec.md §3,
// returning the first one violated. Coordinator.persist calls it after
// every snapshot; it may also be called defensively after any mutation in
// non-hot paths.
func (s *SyncState) checkInvariants() error {
	if s.BestBlockHeaderNumber > s.SafeDownloadTarget {
		return errInvariant("bestBlockHeaderNumber > safeDownloadTarget")
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return "fastsync: invariant violated: " + string(e) }

func errInvariant(msg string) error { return invariantError(msg) }
