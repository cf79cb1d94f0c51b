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

// Package fastsync implements the fast-sync engine: parallel header/body/
// receipt download from many peers, pivot block selection and refresh, and
// a companion state-trie download scheduler. Wire framing, peer discovery
// and transaction execution are external collaborators, referenced here
// only through the interfaces this package consumes.
package fastsync

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// HashLength is the size in bytes of a content hash.
const HashLength = 32

// Hash is a content digest, produced by Keccak256 over a value's canonical
// encoding. It content-addresses headers, bodies and receipts the same way
// go-ethereum's RLP+Keccak256 scheme does, but with a local, simplified
// encoding since the wire codec is out of this engine's scope.
type Hash [HashLength]byte

// BytesToHash right-aligns b into a Hash, truncating from the left if b is
// longer than HashLength.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string { return fmt.Sprintf("0x%x", h[:]) }

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// EmptyRootHash is the Keccak256 hash of an empty byte string; a pivot
// block whose state root equals this value has an empty world state and
// needs no trie download.
var EmptyRootHash = Keccak256(nil)

// Keccak256 hashes b with the same primitive (golang.org/x/crypto/sha3)
// go-ethereum's crypto.Keccak256 is built on.
func Keccak256(b ...[]byte) Hash {
	d := sha3.NewLegacyKeccak256()
	for _, piece := range b {
		d.Write(piece)
	}
	var h Hash
	d.Sum(h[:0])
	return h
}

// Address is a 20-byte account identifier.
type Address [20]byte

func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > len(a) {
		b = b[len(b)-len(a):]
	}
	copy(a[len(a)-len(b):], b)
	return a
}

// LogsBloom is a 2048-bit Bloom filter summarizing a block or receipt's logs.
type LogsBloom [256]byte

// BlockHeader is the data-model header from spec.md §3: content-addressed
// by its Hash, validated structurally and (beyond nextBlockToFullyValidate)
// by proof-of-work and chain-configuration rules in the block validator.
type BlockHeader struct {
	ParentHash   Hash
	OmmersHash   Hash
	Beneficiary  Address
	StateRoot    Hash
	TxRoot       Hash
	ReceiptsRoot Hash
	LogsBloom    LogsBloom
	Difficulty   *uint256.Int
	Number       uint64
	GasLimit     uint64
	GasUsed      uint64
	Timestamp    uint64
	ExtraData    []byte
	MixHash      Hash
	Nonce        uint64
}

// Hash content-addresses the header. Field order is fixed and must never
// change without also changing every persisted SyncState that references
// header hashes.
func (h *BlockHeader) Hash() Hash {
	var num, gasLimit, gasUsed, ts, nonce [8]byte
	binary.BigEndian.PutUint64(num[:], h.Number)
	binary.BigEndian.PutUint64(gasLimit[:], h.GasLimit)
	binary.BigEndian.PutUint64(gasUsed[:], h.GasUsed)
	binary.BigEndian.PutUint64(ts[:], h.Timestamp)
	binary.BigEndian.PutUint64(nonce[:], h.Nonce)

	diff := h.Difficulty
	if diff == nil {
		diff = uint256.NewInt(0)
	}
	return Keccak256(
		h.ParentHash[:], h.OmmersHash[:], h.Beneficiary[:],
		h.StateRoot[:], h.TxRoot[:], h.ReceiptsRoot[:], h.LogsBloom[:],
		diff.Bytes(), num[:], gasLimit[:], gasUsed[:], ts[:],
		h.ExtraData, h.MixHash[:], nonce[:],
	)
}

// Transaction is an opaque, already-signed wire payload. Execution and
// decoding are out of scope; only its hash participates in the body's
// transactions root.
type Transaction struct {
	Raw []byte
}

func (t Transaction) Hash() Hash { return Keccak256(t.Raw) }

// BlockBody is the data-model body from spec.md §3.
type BlockBody struct {
	Transactions []Transaction
	Uncles       []*BlockHeader
}

// TransactionsRoot computes the root the header's TxRoot must equal.
func (b *BlockBody) TransactionsRoot() Hash {
	hashes := make([]Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash()
	}
	return computeListRoot(hashes)
}

// UnclesHash computes the root the header's OmmersHash must equal.
func (b *BlockBody) UnclesHash() Hash {
	hashes := make([]Hash, len(b.Uncles))
	for i, u := range b.Uncles {
		hashes[i] = u.Hash()
	}
	return computeListRoot(hashes)
}

// Log is a single event emitted during block execution.
type Log struct {
	Address Address
	Topics  []Hash
	Data    []byte
}

func (l *Log) hash() Hash {
	buf := make([][]byte, 0, len(l.Topics)+2)
	buf = append(buf, l.Address[:])
	for _, t := range l.Topics {
		buf = append(buf, t[:])
	}
	buf = append(buf, l.Data)
	return Keccak256(buf...)
}

// Receipt is the data-model receipt from spec.md §3.
type Receipt struct {
	PostStateOrStatus []byte
	CumulativeGasUsed uint64
	LogsBloom         LogsBloom
	Logs              []Log
}

func (r *Receipt) hash() Hash {
	var gas [8]byte
	binary.BigEndian.PutUint64(gas[:], r.CumulativeGasUsed)
	logHashes := make([]Hash, len(r.Logs))
	for i := range r.Logs {
		logHashes[i] = r.Logs[i].hash()
	}
	return Keccak256(r.PostStateOrStatus, gas[:], r.LogsBloom[:], computeListRoot(logHashes).Bytes())
}

// ReceiptsRoot computes the root a header's ReceiptsRoot field must equal
// for a given ordered list of receipts.
func ReceiptsRoot(receipts []*Receipt) Hash {
	hashes := make([]Hash, len(receipts))
	for i, r := range receipts {
		hashes[i] = r.hash()
	}
	return computeListRoot(hashes)
}

// computeListRoot folds an ordered hash list into a single root via
// repeated pairwise Keccak256 hashing. It is a simplified stand-in for the
// real Merkle-Patricia trie root (explicitly out of scope per spec.md §1);
// what matters for this engine is that it is a deterministic, order- and
// content-sensitive function both block production and C4 validation agree
// on, exactly the property the real trie root provides.
func computeListRoot(hashes []Hash) Hash {
	if len(hashes) == 0 {
		return EmptyRootHash
	}
	level := hashes
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, Keccak256(level[i][:], level[i+1][:]))
			} else {
				next = append(next, Keccak256(level[i][:], level[i][:]))
			}
		}
		level = next
	}
	return level[0]
}

// ChainWeight is the fork-choice scalar from spec.md §3.
type ChainWeight struct {
	LastCheckpointNumber uint64
	TotalDifficulty      *uint256.Int
}

// Less reports whether w is strictly lighter than other, comparing the
// checkpoint number first and the accumulated difficulty second.
func (w ChainWeight) Less(other ChainWeight) bool {
	if w.LastCheckpointNumber != other.LastCheckpointNumber {
		return w.LastCheckpointNumber < other.LastCheckpointNumber
	}
	return w.TotalDifficulty.Lt(other.TotalDifficulty)
}

// PeerInfo is what the registry (C1) tracks about a handshaken peer beyond
// its identity: its self-advertised chain tip.
type PeerInfo struct {
	MaxBlockNumber uint64
}
