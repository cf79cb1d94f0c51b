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
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := OpenStorage(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })
	return storage
}

func TestStorageHeaderRoundTrip(t *testing.T) {
	storage := openTestStorage(t)

	genesis := testHeader(0, Hash{})
	weight, err := storage.UpdateSyncState(genesis, ChainWeight{TotalDifficulty: uint256.NewInt(0)})
	require.NoError(t, err)
	require.Equal(t, uint64(1), weight.TotalDifficulty.Uint64())

	got, err := storage.GetHeaderByHash(genesis.Hash())
	require.NoError(t, err)
	require.Equal(t, genesis.Hash(), got.Hash())
}

func TestStorageParentWeightLookup(t *testing.T) {
	storage := openTestStorage(t)

	_, ok, err := storage.GetParentChainWeight(testHeader(1, Hash{0x01}))
	require.NoError(t, err)
	require.False(t, ok)

	genesis := testHeader(0, Hash{})
	_, err = storage.UpdateSyncState(genesis, ChainWeight{TotalDifficulty: uint256.NewInt(0)})
	require.NoError(t, err)

	child := testHeader(1, genesis.Hash())
	weight, ok, err := storage.GetParentChainWeight(child)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), weight.TotalDifficulty.Uint64())
}

func TestStorageStoreAndFetchBlocksAndReceipts(t *testing.T) {
	storage := openTestStorage(t)

	header := testHeader(1, Hash{})
	hash := header.Hash()
	body := &BlockBody{Transactions: []Transaction{{Raw: []byte("tx")}}}
	receipts := []*Receipt{{CumulativeGasUsed: 1000}}

	require.NoError(t, storage.StoreBlocks([]Hash{hash}, []*BlockBody{body}))
	require.NoError(t, storage.StoreReceipts(map[Hash][]*Receipt{hash: receipts}))

	gotBody, err := storage.GetBody(hash)
	require.NoError(t, err)
	require.Equal(t, body.Transactions[0].Raw, gotBody.Transactions[0].Raw)

	gotReceipts, err := storage.GetReceipts(hash)
	require.NoError(t, err)
	require.Equal(t, receipts[0].CumulativeGasUsed, gotReceipts[0].CumulativeGasUsed)

	require.True(t, storage.hasBody(hash))
	require.True(t, storage.hasReceipts(hash))
}

func TestStorageDiscardLastBlocks(t *testing.T) {
	storage := openTestStorage(t)

	var prev Hash
	for n := uint64(0); n < 5; n++ {
		header := testHeader(n, prev)
		_, err := storage.UpdateSyncState(header, ChainWeight{TotalDifficulty: uint256.NewInt(0)})
		require.NoError(t, err)
		prev = header.Hash()
	}

	require.NoError(t, storage.DiscardLastBlocks(4, 2))

	// Blocks 3 and 4 discarded, block 2 and below remain.
	h2 := testHeader(2, testHeader(1, testHeader(0, Hash{}).Hash()).Hash())
	got, err := storage.GetHeaderByHash(h2.Hash())
	require.NoError(t, err)
	require.NotNil(t, got)

	h3 := testHeader(3, h2.Hash())
	h4 := testHeader(4, h3.Hash())
	_, ok, err := storage.GetParentChainWeight(h4)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStorageSyncStatePersistence(t *testing.T) {
	storage := openTestStorage(t)

	_, ok, err := storage.LoadSyncState()
	require.NoError(t, err)
	require.False(t, ok)

	state := NewSyncState(testHeader(100, Hash{}), DefaultConfig())
	state.BlockBodiesQueue = []QueueItem{{Hash: Hash{1}, Number: 101}}

	inFlight := []QueueItem{{Hash: Hash{2}, Number: 102}}
	require.NoError(t, storage.PersistSyncState(state, inFlight, nil))

	loaded, ok, err := storage.LoadSyncState()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.PivotBlock.Number, loaded.PivotBlock.Number)
	require.Len(t, loaded.BlockBodiesQueue, 2)
	require.Equal(t, Hash{2}, loaded.BlockBodiesQueue[0].Hash)
}

func TestStorageFastSyncDone(t *testing.T) {
	storage := openTestStorage(t)

	done, err := storage.HasFastSyncDone()
	require.NoError(t, err)
	require.False(t, done)

	state := NewSyncState(testHeader(1, Hash{}), DefaultConfig())
	require.NoError(t, storage.PersistSyncState(state, nil, nil))

	require.NoError(t, storage.PersistFastSyncDone())

	done, err = storage.HasFastSyncDone()
	require.NoError(t, err)
	require.True(t, done)

	_, ok, err := storage.LoadSyncState()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStorageNodeStore(t *testing.T) {
	storage := openTestStorage(t)

	node := &TrieNode{Blob: []byte("leaf")}
	hash := node.hash()

	require.False(t, storage.HasNode(hash))
	require.NoError(t, storage.PutNode(hash, node))
	require.True(t, storage.HasNode(hash))

	got, err := storage.GetNode(hash)
	require.NoError(t, err)
	require.Equal(t, node.Blob, got.Blob)
}
