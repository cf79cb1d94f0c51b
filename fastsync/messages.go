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

import "context"

// MessageCode identifies the shape of an inbound or outbound message, the
// way eth/protocols/eth's message codes do. The actual wire encoding of
// these codes is the transport's responsibility; this engine only needs to
// know which handler should wake up for which response.
type MessageCode int

const (
	CodeBlockHeaders MessageCode = iota
	CodeBlockBodies
	CodeReceipts
	CodeNodeData
)

func (c MessageCode) String() string {
	switch c {
	case CodeBlockHeaders:
		return "BlockHeaders"
	case CodeBlockBodies:
		return "BlockBodies"
	case CodeReceipts:
		return "Receipts"
	case CodeNodeData:
		return "NodeData"
	default:
		return "Unknown"
	}
}

// GetBlockHeaders is the outbound header request shape from spec.md §6.
// Reverse and Skip are carried for wire compatibility with peers serving
// other sync modes; fast-sync always issues Skip=0, Reverse=false.
type GetBlockHeaders struct {
	Start   uint64
	Limit   int
	Skip    int
	Reverse bool
}

// GetBlockBodies, GetReceipts and GetNodeData request bodies/receipts/trie
// nodes by their identifying hash.
type GetBlockBodies struct{ Hashes []Hash }
type GetReceipts struct{ Hashes []Hash }
type GetNodeData struct{ Hashes []Hash }

// OutboundRequest bundles exactly one of the four outbound shapes together
// with the response code the sender should wait for.
type OutboundRequest struct {
	Code MessageCode

	Headers *GetBlockHeaders
	Bodies  *GetBlockBodies
	Receipts *GetReceipts
	NodeData *GetNodeData
}

// InboundMessage is the typed payload a peer transport delivers back for an
// outstanding request: BlockHeaders, BlockBodies, Receipts or NodeData from
// spec.md §6.
type InboundMessage struct {
	Code MessageCode

	Headers  []*BlockHeader
	Bodies   []*BlockBody
	Receipts [][]*Receipt
	Nodes    [][]byte
}

// PeerConnection is the transport contract this engine consumes: enough to
// send a request and be handed back a channel that will carry the matching
// response (or be closed without one, on disconnect/cancel). Framing,
// encryption and peer discovery live entirely on the other side of this
// interface.
type PeerConnection interface {
	ID() string
	MaxBlockNumber() uint64

	// Send dispatches req and returns a channel that receives exactly one
	// InboundMessage carrying the matching response, or is closed with no
	// value if the peer disconnects or ctx is cancelled first.
	Send(ctx context.Context, req OutboundRequest) (<-chan InboundMessage, error)
}

// PeerEventKind distinguishes the two peer lifecycle notifications this
// engine observes (spec.md §6).
type PeerEventKind int

const (
	PeerHandshaked PeerEventKind = iota
	PeerDisconnected
)

// PeerEvent is delivered by the external peer manager whenever a peer
// completes the transport handshake or disconnects.
type PeerEvent struct {
	Kind PeerEventKind
	Peer PeerConnection
}
