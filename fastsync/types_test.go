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

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestHeaderHashIsDeterministic(t *testing.T) {
	h1 := testHeader(5, Hash{1})
	h2 := testHeader(5, Hash{1})
	require.Equal(t, h1.Hash(), h2.Hash())

	h3 := testHeader(6, Hash{1})
	require.NotEqual(t, h1.Hash(), h3.Hash())
}

func TestComputeListRootEmpty(t *testing.T) {
	require.Equal(t, EmptyRootHash, computeListRoot(nil))
}

func TestBodyRootsMatchHeaderExpectations(t *testing.T) {
	body := &BlockBody{
		Transactions: []Transaction{{Raw: []byte("tx1")}, {Raw: []byte("tx2")}},
		Uncles:       []*BlockHeader{testHeader(1, Hash{})},
	}
	require.NotEqual(t, EmptyRootHash, body.TransactionsRoot())
	require.NotEqual(t, EmptyRootHash, body.UnclesHash())

	empty := &BlockBody{}
	require.Equal(t, EmptyRootHash, empty.TransactionsRoot())
	require.Equal(t, EmptyRootHash, empty.UnclesHash())
}

func TestReceiptsRootChangesWithContent(t *testing.T) {
	r1 := []*Receipt{{CumulativeGasUsed: 21000}}
	r2 := []*Receipt{{CumulativeGasUsed: 42000}}
	require.NotEqual(t, ReceiptsRoot(r1), ReceiptsRoot(r2))
}

func TestChainWeightLess(t *testing.T) {
	light := ChainWeight{LastCheckpointNumber: 1, TotalDifficulty: uint256.NewInt(100)}
	heavy := ChainWeight{LastCheckpointNumber: 1, TotalDifficulty: uint256.NewInt(200)}
	require.True(t, light.Less(heavy))
	require.False(t, heavy.Less(light))

	higherCheckpoint := ChainWeight{LastCheckpointNumber: 2, TotalDifficulty: uint256.NewInt(1)}
	require.True(t, light.Less(higherCheckpoint))
}
