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
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/holiman/bloomfilter/v2"
	"github.com/inconshreveable/log15"
)

// TrieNode is the simplified stand-in for a Merkle-Patricia trie node: an
// opaque blob addressed by its own Keccak256 hash, plus the hashes of the
// children it references. The real MPT encoding is out of scope (spec.md
// §1); what the scheduler needs from a node is exactly this shape.
type TrieNode struct {
	Blob     []byte
	Children []Hash
}

// hash addresses a node by the Keccak256 of its own wire encoding, so the
// hash a producer computes when building a node is exactly what a consumer
// re-derives from the bytes Process receives.
func (n *TrieNode) hash() Hash {
	enc, _ := encodeValue(n)
	return Keccak256(enc)
}

// NodeStore is the subset of Storage the state scheduler writes to and
// reads from; its key space ("t" prefix) never overlaps the blockchain
// data Storage otherwise manages, so C6 and C7 can write concurrently
// (spec.md §5).
type NodeStore interface {
	HasNode(hash Hash) bool
	PutNode(hash Hash, node *TrieNode) error
	GetNode(hash Hash) (*TrieNode, error)
}

// bloomHash folds a Hash down to the uint64 holiman/bloomfilter/v2 keys on,
// the same reduction go-ethereum's trie/sync_bloom.go performs.
func bloomHash(h Hash) uint64 { return binary.BigEndian.Uint64(h[:8]) }

// StateScheduler is C6: it downloads the trie rooted at the pivot's state
// root by maintaining a missing-node frontier, batching requests across
// peers, and walking every retrieved node to discover further children.
type StateScheduler struct {
	store NodeStore
	bloom *bloomfilter.Filter
	log   log15.Logger

	mu          sync.Mutex
	root        Hash
	blockNumber uint64
	started     bool
	emptyRoot   bool

	missing  map[Hash]struct{}
	inFlight map[Hash]struct{}

	discovered uint64
	saved      uint64
}

// NewStateScheduler sizes its bloom filter from cfg.StateSyncBloomFilterSize
// (bits), with 4 hash functions, matching go-ethereum's SyncBloom defaults.
func NewStateScheduler(store NodeStore, cfg Config) (*StateScheduler, error) {
	bits := cfg.StateSyncBloomFilterSize
	if bits == 0 {
		bits = 1 << 20
	}
	bloom, err := bloomfilter.New(bits, 4)
	if err != nil {
		return nil, fmt.Errorf("fastsync: create state sync bloom filter: %w", err)
	}
	return &StateScheduler{
		store:    store,
		bloom:    bloom,
		log:      log15.New("module", "statesync"),
		missing:  make(map[Hash]struct{}),
		inFlight: make(map[Hash]struct{}),
	}, nil
}

// StartSyncingTo (re)initializes the frontier at root. When root is the
// empty-trie root, sync is considered immediately finished (spec.md §4.6's
// special case). When called again after a RestartRequested, it rebases
// onto the new root while preserving already-stored nodes whose hashes are
// still reachable from it.
func (s *StateScheduler) StartSyncingTo(root Hash, blockNumber uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.root = root
	s.blockNumber = blockNumber
	s.started = true
	s.missing = make(map[Hash]struct{})
	s.inFlight = make(map[Hash]struct{})

	if root == EmptyRootHash {
		s.emptyRoot = true
		return
	}
	s.emptyRoot = false
	s.reconcileFrom(root)
}

// reconcileFrom walks down from a (possibly already partially stored) root,
// adding every reachable-but-absent node to the frontier and stopping the
// walk at the first absent node in each branch, since its children are
// unknown until it is fetched.
func (s *StateScheduler) reconcileFrom(hash Hash) {
	if !s.knownLocked(hash) {
		s.addMissingLocked(hash)
		return
	}
	node, err := s.store.GetNode(hash)
	if err != nil || node == nil {
		s.addMissingLocked(hash)
		return
	}
	s.saved++
	for _, child := range node.Children {
		s.discovered++
		s.reconcileFrom(child)
	}
}

func (s *StateScheduler) knownLocked(hash Hash) bool {
	if !s.bloom.Contains(bloomHash(hash)) {
		return false
	}
	return s.store.HasNode(hash)
}

func (s *StateScheduler) addMissingLocked(hash Hash) {
	if _, ok := s.missing[hash]; ok {
		return
	}
	if _, ok := s.inFlight[hash]; ok {
		return
	}
	s.missing[hash] = struct{}{}
}

// Missing returns up to max hashes that should be requested next, moving
// them from the frontier into the in-flight pool.
func (s *StateScheduler) Missing(max int) []Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Hash, 0, max)
	for hash := range s.missing {
		if len(out) >= max {
			break
		}
		out = append(out, hash)
		delete(s.missing, hash)
		s.inFlight[hash] = struct{}{}
	}
	return out
}

// Process validates that blob hashes to hash, and if so stores it and
// walks it for further children; if the hash does not match, the caller
// (the coordinator) is expected to blacklist the offending peer and
// re-queue hash via Requeue.
func (s *StateScheduler) Process(hash Hash, blob []byte) error {
	if Keccak256(blob) != hash {
		return ErrNodeHashMismatch
	}
	var node TrieNode
	if err := decodeValue(blob, &node); err != nil {
		return fmt.Errorf("%w: decode trie node: %v", ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, hash)

	if err := s.store.PutNode(hash, &node); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.bloom.Add(bloomHash(hash))
	s.saved++

	for _, child := range node.Children {
		s.discovered++
		if !s.knownLocked(child) {
			s.addMissingLocked(child)
		}
	}
	return nil
}

// Requeue moves in-flight hashes (failed requests, timeouts, or hash
// mismatches) back onto the frontier.
func (s *StateScheduler) Requeue(hashes []Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		delete(s.inFlight, h)
		s.missing[h] = struct{}{}
	}
}

// Finished reports whether the frontier is empty and nothing is in
// flight — spec.md §4.6's exact StateSyncFinished condition.
func (s *StateScheduler) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return false
	}
	if s.emptyRoot {
		return true
	}
	return len(s.missing) == 0 && len(s.inFlight) == 0
}

// Stats returns the periodic StateSyncStats(saved, missing) pair.
func (s *StateScheduler) Stats() (saved, missing uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved, uint64(len(s.missing) + len(s.inFlight))
}
