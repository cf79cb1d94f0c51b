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

import "fmt"

// ValidationResult is the tri-state outcome of validating a batch of
// bodies or receipts against their headers (spec.md §4.4): Valid, Invalid,
// or DbError when the header itself could not be looked up.
type ValidationResult int

const (
	Valid ValidationResult = iota
	Invalid
	DbError
)

// HeaderLookup is the subset of Storage the validator needs: looking up a
// previously-accepted header by the hash bodies/receipts claim to belong
// to. Expressed as an interface so tests can supply an in-memory fake.
type HeaderLookup interface {
	GetHeaderByHash(hash Hash) (*BlockHeader, error)
}

// Validator is C4: stateless structural checks over headers, bodies and
// receipts. It holds no mutable state of its own; "nextBlockToFullyValidate"
// is owned by the coordinator, which compares a header against it before
// deciding whether to call Validate.
type Validator struct {
	storage HeaderLookup
	// validateProofOfWork performs the proof-of-work and chain-configuration
	// checks spec.md §4.4 requires of validate(); consensus itself is out of
	// scope, so this is supplied by the embedder (e.g. a consensus engine
	// adapter) rather than implemented here.
	validateProofOfWork func(*BlockHeader) error
}

// NewValidator builds a Validator. powCheck may be nil, in which case
// proof-of-work/chain-config checks always pass (useful for tests and for
// chains without PoW).
func NewValidator(storage HeaderLookup, powCheck func(*BlockHeader) error) *Validator {
	if powCheck == nil {
		powCheck = func(*BlockHeader) error { return nil }
	}
	return &Validator{storage: storage, validateProofOfWork: powCheck}
}

// CheckHeadersChain verifies headers form a contiguous chain: each header's
// parent hash equals its predecessor's hash and numbers are strictly
// consecutive.
func (v *Validator) CheckHeadersChain(headers []*BlockHeader) error {
	for i := 1; i < len(headers); i++ {
		prev, cur := headers[i-1], headers[i]
		if cur.Number != prev.Number+1 {
			return fmt.Errorf("%w: header %d number %d is not %d+1", ErrBadHeaderChain, i, cur.Number, prev.Number)
		}
		if cur.ParentHash != prev.Hash() {
			return fmt.Errorf("%w: header %d parent hash mismatch", ErrBadHeaderChain, i)
		}
	}
	return nil
}

// Validate performs structural and proof-of-work/chain-configuration
// checks on a single header. The coordinator only calls this once
// header.Number >= nextBlockToFullyValidate, per spec.md §4.4.
func (v *Validator) Validate(header *BlockHeader) error {
	return v.validateProofOfWork(header)
}

// ValidateBlocks checks that each body's transactions root and uncles hash
// match its header, looked up by hash via storage.
func (v *Validator) ValidateBlocks(hashes []Hash, bodies []*BlockBody) (ValidationResult, error) {
	for i, hash := range hashes {
		header, err := v.storage.GetHeaderByHash(hash)
		if err != nil {
			return DbError, err
		}
		if header == nil {
			return DbError, fmt.Errorf("fastsync: no header for body %s", hash)
		}
		body := bodies[i]
		if body.TransactionsRoot() != header.TxRoot {
			return Invalid, fmt.Errorf("%w: transactions root mismatch for block %d", ErrInvalidBody, header.Number)
		}
		if body.UnclesHash() != header.OmmersHash {
			return Invalid, fmt.Errorf("%w: uncles hash mismatch for block %d", ErrInvalidBody, header.Number)
		}
	}
	return Valid, nil
}

// ValidateReceipts checks that each receipt list's root matches its
// header's receipts root.
func (v *Validator) ValidateReceipts(hashes []Hash, receiptLists [][]*Receipt) (ValidationResult, error) {
	for i, hash := range hashes {
		header, err := v.storage.GetHeaderByHash(hash)
		if err != nil {
			return DbError, err
		}
		if header == nil {
			return DbError, fmt.Errorf("fastsync: no header for receipts %s", hash)
		}
		if ReceiptsRoot(receiptLists[i]) != header.ReceiptsRoot {
			return Invalid, fmt.Errorf("%w: receipts root mismatch for block %d", ErrInvalidReceipts, header.Number)
		}
	}
	return Valid, nil
}
