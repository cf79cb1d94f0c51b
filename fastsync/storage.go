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
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/inconshreveable/log15"
	"github.com/syndtr/goleveldb/leveldb"
)

// Namespace prefixes for the opaque byte-string keys spec.md §6 describes.
// Every entity lives behind its own prefix so a range scan for one entity
// can never collide with another.
var (
	headerPrefix      = []byte("h") // h + num(8) + hash(32) -> header
	headerNumberIndex = []byte("n") // n + num(8)            -> canonical hash
	headerHashIndex   = []byte("i") // i + hash(32)          -> num(8)
	bodyPrefix        = []byte("b") // b + hash(32)          -> body
	receiptsPrefix    = []byte("r") // r + hash(32)          -> []*Receipt
	weightPrefix      = []byte("w") // w + hash(32)          -> ChainWeight

	syncStateKey    = []byte("SyncState")
	fastSyncDoneKey = []byte("FastSyncDone")

	trieNodePrefix = []byte("t") // t + hash(32) -> TrieNode; disjoint from blockchain keys
)

func encodeNum(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func decodeNum(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func headerKey(number uint64, hash Hash) []byte {
	key := make([]byte, 0, len(headerPrefix)+8+HashLength)
	key = append(key, headerPrefix...)
	key = append(key, encodeNum(number)...)
	key = append(key, hash[:]...)
	return key
}

// Storage is C3: it persists headers, bodies, receipts, chain weights and
// the serialized sync state on top of a goleveldb key/value store, the
// same engine go-ethereum's historic ethdb/leveldb backend wraps. Per
// spec.md §9's open question, this façade only ever appends or atomically
// discards a tail of blocks; no background pruning runs during fast-sync.
type Storage struct {
	db  *leveldb.DB
	log log15.Logger
}

// OpenStorage opens (creating if absent) a goleveldb database at dir.
func OpenStorage(dir string) (*Storage, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("fastsync: open storage: %w", err)
	}
	return &Storage{db: db, log: log15.New("module", "storage")}, nil
}

func (s *Storage) Close() error { return s.db.Close() }

// StoreBlocks persists a batch of bodies keyed by the hash of the block
// they belong to, as a single atomic write.
func (s *Storage) StoreBlocks(hashes []Hash, bodies []*BlockBody) error {
	if len(hashes) != len(bodies) {
		return fmt.Errorf("%w: hashes/bodies length mismatch", ErrStorage)
	}
	batch := new(leveldb.Batch)
	for i, h := range hashes {
		enc, err := encodeValue(bodies[i])
		if err != nil {
			return fmt.Errorf("%w: encode body: %v", ErrStorage, err)
		}
		batch.Put(append(append([]byte{}, bodyPrefix...), h[:]...), enc)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// StoreReceipts persists a batch of receipt lists keyed by block hash.
func (s *Storage) StoreReceipts(pairs map[Hash][]*Receipt) error {
	batch := new(leveldb.Batch)
	for h, receipts := range pairs {
		enc, err := encodeValue(receipts)
		if err != nil {
			return fmt.Errorf("%w: encode receipts: %v", ErrStorage, err)
		}
		batch.Put(append(append([]byte{}, receiptsPrefix...), h[:]...), enc)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// GetParentChainWeight looks up the chain weight accumulated by header's
// parent. The second return is false when the parent is unknown (the
// "missing" case from spec.md §4.3, which the coordinator treats as a
// possible wrong-fork signal).
func (s *Storage) GetParentChainWeight(header *BlockHeader) (ChainWeight, bool, error) {
	data, err := s.db.Get(append(append([]byte{}, weightPrefix...), header.ParentHash[:]...), nil)
	if err == leveldb.ErrNotFound {
		return ChainWeight{}, false, nil
	}
	if err != nil {
		return ChainWeight{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var w ChainWeight
	if err := decodeValue(data, &w); err != nil {
		return ChainWeight{}, false, fmt.Errorf("%w: decode weight: %v", ErrStorage, err)
	}
	return w, true, nil
}

// UpdateSyncState persists header (canonically, by number and hash) along
// with the chain weight it accumulates on top of parentWeight, and returns
// that new weight.
func (s *Storage) UpdateSyncState(header *BlockHeader, parentWeight ChainWeight) (ChainWeight, error) {
	hash := header.Hash()
	weight := ChainWeight{
		LastCheckpointNumber: parentWeight.LastCheckpointNumber,
		TotalDifficulty:      new(uint256.Int).Add(parentWeight.TotalDifficulty, header.Difficulty),
	}

	encHeader, err := encodeValue(header)
	if err != nil {
		return ChainWeight{}, fmt.Errorf("%w: encode header: %v", ErrStorage, err)
	}
	encWeight, err := encodeValue(weight)
	if err != nil {
		return ChainWeight{}, fmt.Errorf("%w: encode weight: %v", ErrStorage, err)
	}

	batch := new(leveldb.Batch)
	batch.Put(headerKey(header.Number, hash), encHeader)
	batch.Put(append(append([]byte{}, headerNumberIndex...), encodeNum(header.Number)...), hash[:])
	batch.Put(append(append([]byte{}, headerHashIndex...), hash[:]...), encodeNum(header.Number))
	batch.Put(append(append([]byte{}, weightPrefix...), hash[:]...), encWeight)
	if err := s.db.Write(batch, nil); err != nil {
		return ChainWeight{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return weight, nil
}

// GetHeaderByHash looks up a previously-persisted header.
func (s *Storage) GetHeaderByHash(hash Hash) (*BlockHeader, error) {
	numData, err := s.db.Get(append(append([]byte{}, headerHashIndex...), hash[:]...), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	data, err := s.db.Get(headerKey(decodeNum(numData), hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var h BlockHeader
	if err := decodeValue(data, &h); err != nil {
		return nil, fmt.Errorf("%w: decode header: %v", ErrStorage, err)
	}
	return &h, nil
}

// CanonicalHash looks up the hash persisted for number via the number
// index UpdateSyncState maintains; ok is false if no header has been
// persisted for that number.
func (s *Storage) CanonicalHash(number uint64) (hash Hash, ok bool, err error) {
	data, err := s.db.Get(append(append([]byte{}, headerNumberIndex...), encodeNum(number)...), nil)
	if err == leveldb.ErrNotFound {
		return Hash{}, false, nil
	}
	if err != nil {
		return Hash{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	copy(hash[:], data)
	return hash, true, nil
}

func (s *Storage) hasBody(hash Hash) bool {
	ok, _ := s.db.Has(append(append([]byte{}, bodyPrefix...), hash[:]...), nil)
	return ok
}

func (s *Storage) hasReceipts(hash Hash) bool {
	ok, _ := s.db.Has(append(append([]byte{}, receiptsPrefix...), hash[:]...), nil)
	return ok
}

// UpdateBestBlockIfNeeded advances the "fully downloaded" cursor: walking
// candidates (expected in ascending block-number order, starting right
// after the current lastFullBlockNumber), it returns the number of the
// last one for which both a body and receipts are stored, stopping at the
// first gap. ok is false if no candidate is fully downloaded.
func (s *Storage) UpdateBestBlockIfNeeded(candidates []Hash) (newBest uint64, ok bool, err error) {
	for _, hash := range candidates {
		if !s.hasBody(hash) || !s.hasReceipts(hash) {
			break
		}
		numData, getErr := s.db.Get(append(append([]byte{}, headerHashIndex...), hash[:]...), nil)
		if getErr != nil {
			break
		}
		newBest = decodeNum(numData)
		ok = true
	}
	return newBest, ok, nil
}

// DiscardLastBlocks atomically drops headers/bodies/receipts/weights for
// block numbers from-n+1..from, the rewind primitive spec.md §4.3 and §7
// rely on. Numbers below zero are silently clamped away.
func (s *Storage) DiscardLastBlocks(from uint64, n int) error {
	if n <= 0 {
		return nil
	}
	lowest := int64(from) - int64(n) + 1
	if lowest < 0 {
		lowest = 0
	}
	batch := new(leveldb.Batch)
	for num := uint64(lowest); num <= from; num++ {
		numKey := append(append([]byte{}, headerNumberIndex...), encodeNum(num)...)
		hashData, err := s.db.Get(numKey, nil)
		if err == leveldb.ErrNotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		var hash Hash
		copy(hash[:], hashData)

		batch.Delete(numKey)
		batch.Delete(append(append([]byte{}, headerHashIndex...), hash[:]...))
		batch.Delete(headerKey(num, hash))
		batch.Delete(append(append([]byte{}, bodyPrefix...), hash[:]...))
		batch.Delete(append(append([]byte{}, receiptsPrefix...), hash[:]...))
		batch.Delete(append(append([]byte{}, weightPrefix...), hash[:]...))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// PersistSyncState serializes state as a single JSON blob under a
// well-known key, the same shape go-ethereum's skeleton sync uses for
// WriteSkeletonSyncStatus/ReadSkeletonSyncStatus. In-flight body/receipt
// hashes are re-enqueued into the persisted queues first, so a crash mid
// request loses no already-discovered work (spec.md §4.3, §5).
func (s *Storage) PersistSyncState(state *SyncState, inFlightBodies, inFlightReceipts []QueueItem) error {
	snapshot := *state
	snapshot.BlockBodiesQueue = append(append([]QueueItem{}, inFlightBodies...), state.BlockBodiesQueue...)
	snapshot.ReceiptsQueue = append(append([]QueueItem{}, inFlightReceipts...), state.ReceiptsQueue...)

	blob, err := json.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("%w: marshal sync state: %v", ErrStorage, err)
	}
	if err := s.db.Put(syncStateKey, blob, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// LoadSyncState reads back the persisted control-plane record. ok is false
// if fast-sync never started or already finished.
func (s *Storage) LoadSyncState() (state *SyncState, ok bool, err error) {
	blob, err := s.db.Get(syncStateKey, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	state = new(SyncState)
	if err := json.Unmarshal(blob, state); err != nil {
		return nil, false, fmt.Errorf("%w: unmarshal sync state: %v", ErrStorage, err)
	}
	return state, true, nil
}

// PersistFastSyncDone writes the terminal marker and deletes the in-progress
// sync state key, matching the presence/absence disambiguation in spec.md §6.
func (s *Storage) PersistFastSyncDone() error {
	batch := new(leveldb.Batch)
	batch.Put(fastSyncDoneKey, []byte{1})
	batch.Delete(syncStateKey)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// HasFastSyncDone reports whether a previous run completed fast-sync.
func (s *Storage) HasFastSyncDone() (bool, error) {
	ok, err := s.db.Has(fastSyncDoneKey, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return ok, nil
}

// GetReceipts returns the persisted receipts for hash, or nil if absent.
func (s *Storage) GetReceipts(hash Hash) ([]*Receipt, error) {
	data, err := s.db.Get(append(append([]byte{}, receiptsPrefix...), hash[:]...), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var receipts []*Receipt
	if err := decodeValue(data, &receipts); err != nil {
		return nil, fmt.Errorf("%w: decode receipts: %v", ErrStorage, err)
	}
	return receipts, nil
}

// GetBody returns the persisted body for hash, or nil if absent.
func (s *Storage) GetBody(hash Hash) (*BlockBody, error) {
	data, err := s.db.Get(append(append([]byte{}, bodyPrefix...), hash[:]...), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var body BlockBody
	if err := decodeValue(data, &body); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrStorage, err)
	}
	return &body, nil
}

// HasNode, PutNode and GetNode implement NodeStore on top of the same
// goleveldb handle, under the disjoint "t" key space (spec.md §5).

func (s *Storage) HasNode(hash Hash) bool {
	ok, _ := s.db.Has(append(append([]byte{}, trieNodePrefix...), hash[:]...), nil)
	return ok
}

func (s *Storage) PutNode(hash Hash, node *TrieNode) error {
	enc, err := encodeValue(node)
	if err != nil {
		return fmt.Errorf("%w: encode trie node: %v", ErrStorage, err)
	}
	if err := s.db.Put(append(append([]byte{}, trieNodePrefix...), hash[:]...), enc, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *Storage) GetNode(hash Hash) (*TrieNode, error) {
	data, err := s.db.Get(append(append([]byte{}, trieNodePrefix...), hash[:]...), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var node TrieNode
	if err := decodeValue(data, &node); err != nil {
		return nil, fmt.Errorf("%w: decode trie node: %v", ErrStorage, err)
	}
	return &node, nil
}
