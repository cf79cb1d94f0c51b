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
	"fmt"
	"time"

	"github.com/inconshreveable/log15"
)

// PivotSelector is C5: it asks a quorum of peers for the header at
// tip-offset and only returns one once enough of them agree.
type PivotSelector struct {
	registry *PeerRegistry
	cfg      Config
	log      log15.Logger
}

func NewPivotSelector(registry *PeerRegistry, cfg Config) *PivotSelector {
	return &PivotSelector{registry: registry, cfg: cfg, log: log15.New("module", "pivot")}
}

// SelectPivotBlock runs up to attempts rounds, sleeping backoff after each
// failed round (the last one included), and returns the header agreed by
// either a strict majority of the peers that responded or a group of at
// least minPeersToChoosePivotBlock peers. Each round asks at least
// minPeersToChoosePivotBlock peers; how many of them actually respond is not
// checked. It returns ErrPivotSelectionFailed if no round reaches quorum;
// the coordinator is responsible for counting this against
// pivotBlockUpdateFailures and rescheduling.
func (p *PivotSelector) SelectPivotBlock(ctx context.Context, attempts int, backoff time.Duration) (*BlockHeader, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		header, err := p.selectOnce(ctx)
		if err == nil {
			return header, nil
		}
		lastErr = err
		p.log.Debug("pivot selection round failed", "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	if lastErr == nil {
		lastErr = ErrPivotSelectionFailed
	}
	return nil, fmt.Errorf("%w: %v", ErrPivotSelectionFailed, lastErr)
}

func (p *PivotSelector) selectOnce(ctx context.Context) (*BlockHeader, error) {
	peers := p.registry.PeersToDownloadFrom()
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrPivotSelectionFailed, ErrNoEligiblePeers)
	}
	if len(peers) < p.cfg.MinPeersToChoosePivotBlock {
		return nil, fmt.Errorf("%w: only %d eligible peers, need %d", ErrPivotSelectionFailed, len(peers), p.cfg.MinPeersToChoosePivotBlock)
	}

	var bestTip uint64
	for _, peer := range peers {
		if peer.MaxBlockNumber() > bestTip {
			bestTip = peer.MaxBlockNumber()
		}
	}
	height := uint64(0)
	if bestTip > p.cfg.PivotBlockOffset {
		height = bestTip - p.cfg.PivotBlockOffset
	}

	var candidates []PeerConnection
	for _, peer := range peers {
		if peer.MaxBlockNumber() >= height {
			candidates = append(candidates, peer)
		}
	}
	if len(candidates) < p.cfg.MinPeersToChoosePivotBlock {
		return nil, fmt.Errorf("%w: only %d peers at height %d, need %d", ErrPivotSelectionFailed, len(candidates), height, p.cfg.MinPeersToChoosePivotBlock)
	}

	results := make(chan HandlerOutcome, len(candidates))
	for _, peer := range candidates {
		req := OutboundRequest{Code: CodeBlockHeaders, Headers: &GetBlockHeaders{Start: height, Limit: 1}}
		handler := NewRequestHandler(peer, req, p.cfg.PeerResponseTimeout)
		go func() { results <- handler.Run(ctx) }()
	}

	groups := make(map[Hash]*BlockHeader)
	counts := make(map[Hash]int)
	responded := 0
	for range candidates {
		outcome := <-results
		if outcome.Err != nil || len(outcome.Message.Headers) == 0 {
			continue
		}
		responded++
		header := outcome.Message.Headers[0]
		hash := header.Hash()
		groups[hash] = header
		counts[hash]++
	}

	var bestHash Hash
	bestCount := 0
	for hash, count := range counts {
		if count > bestCount {
			bestHash, bestCount = hash, count
		}
	}
	majority := responded/2 + 1
	if bestCount < p.cfg.MinPeersToChoosePivotBlock && bestCount < majority {
		return nil, fmt.Errorf("%w: best agreement %d of %d responses short of quorum", ErrPivotSelectionFailed, bestCount, responded)
	}
	return groups[bestHash], nil
}
