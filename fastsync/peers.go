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
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/inconshreveable/log15"
)

// banEntry records why a peer was blacklisted, for status logging.
type banEntry struct {
	reason   string
	critical bool
	expires  time.Time
}

// PeerRegistry is C1: it tracks handshaken peers and a time-bounded
// blacklist. Reads (peersToDownloadFrom, isBlacklisted) are safe for
// concurrent use by any number of callers; writes are serialized by an
// internal mutex, mirroring go-ethereum's peerSet.
type PeerRegistry struct {
	log log15.Logger

	mu         sync.RWMutex
	handshaked map[string]PeerConnection
	info       map[string]PeerInfo

	blacklist *lru.LRU[string, banEntry]
}

// NewPeerRegistry builds a registry whose blacklist entries expire after
// the longer of the two configured ban durations; isBlacklisted still
// checks the entry's own expiry so ordinary bans do not outlive their
// shorter duration just because a critical ban shares the cache.
func NewPeerRegistry(cfg Config) *PeerRegistry {
	ttl := cfg.CriticalBlacklistDuration
	if cfg.BlacklistDuration > ttl {
		ttl = cfg.BlacklistDuration
	}
	return &PeerRegistry{
		log:        log15.New("module", "peers"),
		handshaked: make(map[string]PeerConnection),
		info:       make(map[string]PeerInfo),
		blacklist:  lru.NewLRU[string, banEntry](4096, nil, ttl),
	}
}

// OnPeerEvent applies a handshake or disconnect notification from the
// external peer manager, purging any accounting for disconnected peers.
func (r *PeerRegistry) OnPeerEvent(ev PeerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case PeerHandshaked:
		r.handshaked[ev.Peer.ID()] = ev.Peer
		r.info[ev.Peer.ID()] = PeerInfo{MaxBlockNumber: ev.Peer.MaxBlockNumber()}
		r.log.Debug("peer handshaked", "id", ev.Peer.ID(), "tip", ev.Peer.MaxBlockNumber())
	case PeerDisconnected:
		delete(r.handshaked, ev.Peer.ID())
		delete(r.info, ev.Peer.ID())
		r.log.Debug("peer disconnected", "id", ev.Peer.ID())
	}
}

// UpdateTip refreshes a handshaken peer's advertised chain tip, as observed
// from subsequent status/announcement traffic outside this package's view.
func (r *PeerRegistry) UpdateTip(id string, maxBlockNumber uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handshaked[id]; !ok {
		return
	}
	r.info[id] = PeerInfo{MaxBlockNumber: maxBlockNumber}
}

// HandshakedPeers returns every peer that has completed the transport
// handshake, blacklisted or not.
func (r *PeerRegistry) HandshakedPeers() map[string]PeerConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]PeerConnection, len(r.handshaked))
	for id, p := range r.handshaked {
		out[id] = p
	}
	return out
}

// Blacklist bans id for duration with reason. critical bans (proof-of-work
// validation failures) are surfaced more loudly in status logging.
func (r *PeerRegistry) Blacklist(id string, duration time.Duration, reason string, critical bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blacklist.Add(id, banEntry{reason: reason, critical: critical, expires: time.Now().Add(duration)})
	if critical {
		r.log.Warn("peer blacklisted (critical)", "id", id, "reason", reason, "duration", duration)
	} else {
		r.log.Info("peer blacklisted", "id", id, "reason", reason, "duration", duration)
	}
}

// IsBlacklisted reports whether id is currently banned.
func (r *PeerRegistry) IsBlacklisted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.blacklist.Get(id)
	return ok && time.Now().Before(entry.expires)
}

// PeersToDownloadFrom returns handshaked peers minus any currently
// blacklisted, the set go-ethereum's downloader calls "eligible" peers.
// It is built from a golang-set difference the way a handshaken-peer /
// blacklisted-peer pair of sets naturally composes.
func (r *PeerRegistry) PeersToDownloadFrom() []PeerConnection {
	r.mu.RLock()
	handshaked := mapset.NewThreadUnsafeSet[string]()
	for id := range r.handshaked {
		handshaked.Add(id)
	}
	blacklisted := mapset.NewThreadUnsafeSet[string]()
	for _, id := range handshaked.ToSlice() {
		if entry, ok := r.blacklist.Get(id); ok && time.Now().Before(entry.expires) {
			blacklisted.Add(id)
		}
	}
	eligible := handshaked.Difference(blacklisted)
	out := make([]PeerConnection, 0, eligible.Cardinality())
	for _, id := range eligible.ToSlice() {
		out = append(out, r.handshaked[id])
	}
	r.mu.RUnlock()
	return out
}

// PeerInfo returns what is known about a handshaken peer.
func (r *PeerRegistry) PeerInfo(id string) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.info[id]
	return info, ok
}
