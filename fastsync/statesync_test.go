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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateSchedulerEmptyRootFinishesImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateSyncBloomFilterSize = 1 << 16
	scheduler, err := NewStateScheduler(newInMemoryNodeStore(), cfg)
	require.NoError(t, err)

	require.False(t, scheduler.Finished())
	scheduler.StartSyncingTo(EmptyRootHash, 1)
	require.True(t, scheduler.Finished())
	require.Empty(t, scheduler.Missing(10))
}

func TestStateSchedulerWalksChildren(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateSyncBloomFilterSize = 1 << 16
	store := newInMemoryNodeStore()
	scheduler, err := NewStateScheduler(store, cfg)
	require.NoError(t, err)

	leaf := &TrieNode{Blob: []byte("leaf")}
	leafHash := leaf.hash()
	root := &TrieNode{Blob: []byte("root"), Children: []Hash{leafHash}}
	rootHash := root.hash()

	scheduler.StartSyncingTo(rootHash, 1)
	require.False(t, scheduler.Finished())

	missing := scheduler.Missing(10)
	require.Equal(t, []Hash{rootHash}, missing)

	require.NoError(t, scheduler.Process(rootHash, mustEncode(root)))
	require.False(t, scheduler.Finished())

	missing = scheduler.Missing(10)
	require.Equal(t, []Hash{leafHash}, missing)

	require.NoError(t, scheduler.Process(leafHash, mustEncode(leaf)))
	require.True(t, scheduler.Finished())

	saved, pending := scheduler.Stats()
	require.Equal(t, uint64(2), saved)
	require.Zero(t, pending)
	require.True(t, store.HasNode(rootHash))
	require.True(t, store.HasNode(leafHash))
}

func TestStateSchedulerProcessRejectsHashMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateSyncBloomFilterSize = 1 << 16
	scheduler, err := NewStateScheduler(newInMemoryNodeStore(), cfg)
	require.NoError(t, err)

	scheduler.StartSyncingTo(Hash{0xaa}, 1)
	err = scheduler.Process(Hash{0xaa}, []byte("not the preimage"))
	require.ErrorIs(t, err, ErrNodeHashMismatch)
}

func TestStateSchedulerRequeue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateSyncBloomFilterSize = 1 << 16
	scheduler, err := NewStateScheduler(newInMemoryNodeStore(), cfg)
	require.NoError(t, err)

	root := &TrieNode{Blob: []byte("root")}
	scheduler.StartSyncingTo(root.hash(), 1)
	missing := scheduler.Missing(10)
	require.Len(t, missing, 1)
	require.False(t, scheduler.Finished())

	scheduler.Requeue(missing)
	again := scheduler.Missing(10)
	require.Equal(t, missing, again)
}
