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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckHeadersChainAccepts(t *testing.T) {
	v := NewValidator(newInMemoryHeaderLookup(), nil)
	h0 := testHeader(1, Hash{})
	h1 := testHeader(2, h0.Hash())
	h2 := testHeader(3, h1.Hash())

	require.NoError(t, v.CheckHeadersChain([]*BlockHeader{h0, h1, h2}))
}

func TestCheckHeadersChainRejectsGap(t *testing.T) {
	v := NewValidator(newInMemoryHeaderLookup(), nil)
	h0 := testHeader(1, Hash{})
	h2 := testHeader(3, h0.Hash())

	require.ErrorIs(t, v.CheckHeadersChain([]*BlockHeader{h0, h2}), ErrBadHeaderChain)
}

func TestCheckHeadersChainRejectsWrongParent(t *testing.T) {
	v := NewValidator(newInMemoryHeaderLookup(), nil)
	h0 := testHeader(1, Hash{})
	h1 := testHeader(2, Hash{0xff})

	require.ErrorIs(t, v.CheckHeadersChain([]*BlockHeader{h0, h1}), ErrBadHeaderChain)
}

func TestValidateUsesInjectedPowCheck(t *testing.T) {
	wantErr := errors.New("bad pow")
	v := NewValidator(newInMemoryHeaderLookup(), func(*BlockHeader) error { return wantErr })
	require.ErrorIs(t, v.Validate(testHeader(1, Hash{})), wantErr)

	vOK := NewValidator(newInMemoryHeaderLookup(), nil)
	require.NoError(t, vOK.Validate(testHeader(1, Hash{})))
}

func TestValidateBlocksRootMismatch(t *testing.T) {
	lookup := newInMemoryHeaderLookup()
	header := testHeader(1, Hash{})
	lookup.put(header)
	v := NewValidator(lookup, nil)

	body := &BlockBody{Transactions: []Transaction{{Raw: []byte("tx")}}}
	result, err := v.ValidateBlocks([]Hash{header.Hash()}, []*BlockBody{body})
	require.Equal(t, Invalid, result)
	require.ErrorIs(t, err, ErrInvalidBody)
}

func TestValidateBlocksAcceptsMatchingRoots(t *testing.T) {
	lookup := newInMemoryHeaderLookup()
	body := &BlockBody{Transactions: []Transaction{{Raw: []byte("tx")}}}
	header := testHeader(1, Hash{})
	header.TxRoot = body.TransactionsRoot()
	header.OmmersHash = body.UnclesHash()
	lookup.put(header)
	v := NewValidator(lookup, nil)

	result, err := v.ValidateBlocks([]Hash{header.Hash()}, []*BlockBody{body})
	require.NoError(t, err)
	require.Equal(t, Valid, result)
}

func TestValidateReceiptsUnknownHeaderIsDbError(t *testing.T) {
	v := NewValidator(newInMemoryHeaderLookup(), nil)
	result, err := v.ValidateReceipts([]Hash{{1}}, [][]*Receipt{{{CumulativeGasUsed: 1}}})
	require.Equal(t, DbError, result)
	require.Error(t, err)
}
