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
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// downloadTesterPeer is a synthetic PeerConnection, modeled on the pack's
// downloadTester fake-peer pattern: it answers every request from a
// pre-scripted function instead of talking to a real connection.
type downloadTesterPeer struct {
	id  string
	tip uint64

	mu      sync.Mutex
	respond func(OutboundRequest) (InboundMessage, error)
	delay   time.Duration
	hang    bool
}

func newTesterPeer(id string, tip uint64, respond func(OutboundRequest) (InboundMessage, error)) *downloadTesterPeer {
	return &downloadTesterPeer{id: id, tip: tip, respond: respond}
}

func (p *downloadTesterPeer) ID() string             { return p.id }
func (p *downloadTesterPeer) MaxBlockNumber() uint64 { return p.tip }

func (p *downloadTesterPeer) Send(ctx context.Context, req OutboundRequest) (<-chan InboundMessage, error) {
	out := make(chan InboundMessage, 1)
	p.mu.Lock()
	delay, hang, respond := p.delay, p.hang, p.respond
	p.mu.Unlock()

	go func() {
		if hang {
			<-ctx.Done()
			close(out)
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				close(out)
				return
			}
		}
		msg, err := respond(req)
		if err != nil {
			close(out)
			return
		}
		out <- msg
	}()
	return out, nil
}

// inMemoryHeaderLookup is a trivial fake of HeaderLookup for unit tests
// that don't need a real goleveldb-backed Storage.
type inMemoryHeaderLookup struct {
	mu      sync.Mutex
	headers map[Hash]*BlockHeader
}

func newInMemoryHeaderLookup() *inMemoryHeaderLookup {
	return &inMemoryHeaderLookup{headers: make(map[Hash]*BlockHeader)}
}

func (l *inMemoryHeaderLookup) put(h *BlockHeader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.headers[h.Hash()] = h
}

func (l *inMemoryHeaderLookup) GetHeaderByHash(hash Hash) (*BlockHeader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headers[hash], nil
}

// inMemoryNodeStore is a trivial fake of NodeStore for unit tests of the
// state scheduler that don't need a real goleveldb-backed Storage.
type inMemoryNodeStore struct {
	mu    sync.Mutex
	nodes map[Hash]*TrieNode
}

func newInMemoryNodeStore() *inMemoryNodeStore {
	return &inMemoryNodeStore{nodes: make(map[Hash]*TrieNode)}
}

func (s *inMemoryNodeStore) HasNode(hash Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[hash]
	return ok
}

func (s *inMemoryNodeStore) PutNode(hash Hash, node *TrieNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[hash] = node
	return nil
}

func (s *inMemoryNodeStore) GetNode(hash Hash) (*TrieNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[hash], nil
}

func mustEncode(v any) []byte {
	enc, err := encodeValue(v)
	if err != nil {
		panic(err)
	}
	return enc
}

func testHeader(number uint64, parent Hash) *BlockHeader {
	return &BlockHeader{
		ParentHash: parent,
		Difficulty: uint256.NewInt(1),
		Number:     number,
		ExtraData:  []byte{byte(number)},
	}
}
