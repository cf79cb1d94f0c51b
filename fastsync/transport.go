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

// Responder answers one OutboundRequest with the InboundMessage a real wire
// peer would eventually deliver. A transport package outside this one
// implements Responder against an actual eth/66-style connection. This
// package's own tests do not use it; they fake PeerConnection directly.
type Responder interface {
	Respond(ctx context.Context, req OutboundRequest) (InboundMessage, error)
}

// SimplePeer adapts a Responder plus a fixed identity/tip into the
// PeerConnection this package consumes. It is deliberately small: framing,
// retries and backpressure belong to the real transport, not here.
type SimplePeer struct {
	id       string
	tip      uint64
	responder Responder
}

// NewSimplePeer builds a PeerConnection around responder, identified by id
// and currently advertising tip as its best known block number.
func NewSimplePeer(id string, tip uint64, responder Responder) *SimplePeer {
	return &SimplePeer{id: id, tip: tip, responder: responder}
}

func (p *SimplePeer) ID() string             { return p.id }
func (p *SimplePeer) MaxBlockNumber() uint64 { return p.tip }

// SetMaxBlockNumber updates the tip SimplePeer reports from subsequent
// MaxBlockNumber calls, mirroring new status/announcement traffic.
func (p *SimplePeer) SetMaxBlockNumber(tip uint64) { p.tip = tip }

// Send runs responder in its own goroutine and delivers its single result
// (or closes the channel with nothing, on error) onto the returned channel,
// satisfying PeerConnection's Send contract.
func (p *SimplePeer) Send(ctx context.Context, req OutboundRequest) (<-chan InboundMessage, error) {
	out := make(chan InboundMessage, 1)
	go func() {
		defer close(out)
		msg, err := p.responder.Respond(ctx, req)
		if err != nil {
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
