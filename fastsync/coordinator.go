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
	"os"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/inconshreveable/log15"
)

// topState is the top-level FSM from spec.md §4.7:
// Initialising -> Syncing -> WaitingForPivotBlockUpdate(reason) -> Syncing -> Terminated.
type topState int

const (
	stateInitialising topState = iota
	stateSyncing
	stateWaitingForPivotUpdate
	stateTerminated
)

// pivotReason tags why a pivot-block update was requested, the exhaustive
// three-way table from spec.md §4.7.
type pivotReason int

const (
	reasonImportedLastBlock pivotReason = iota
	reasonLastBlockValidationFailed
	reasonSyncRestart
)

func (r pivotReason) String() string {
	switch r {
	case reasonImportedLastBlock:
		return "ImportedLastBlock"
	case reasonLastBlockValidationFailed:
		return "LastBlockValidationFailed"
	case reasonSyncRestart:
		return "SyncRestart"
	default:
		return "unknown"
	}
}

type assignmentKind int

const (
	assignHeaders assignmentKind = iota
	assignBodies
	assignReceipts
	assignNodeData
)

// assignment tracks one outstanding request against one peer, so a
// disconnect or failure knows exactly what to release and re-queue.
type assignment struct {
	kind      assignmentKind
	items     []QueueItem // for bodies/receipts
	nodeHashes []Hash      // for node data
	startedAt time.Time
	cancel    context.CancelFunc
}

// eventKind tags the single event channel every state mutation flows
// through, preserving the single-writer discipline of spec.md §5.
type eventKind int

const (
	evHandlerDone eventKind = iota
	evPeerEvent
	evPivotResult
)

type event struct {
	kind    eventKind
	outcome HandlerOutcome
	peer    PeerEvent
	header  *BlockHeader
	err     error
	reason  pivotReason
}

// Coordinator is C7, the orchestrator: it owns SyncState, selects peers
// for work, dispatches header/body/receipt/node-data requests, processes
// responses, triggers pivot updates, drives periodic persistence, and
// terminates cleanly.
type Coordinator struct {
	cfg       Config
	registry  *PeerRegistry
	storage   *Storage
	validator *Validator
	pivot     *PivotSelector
	state6    *StateScheduler
	log       log15.Logger

	events chan event
	done   chan struct{}

	mu    sync.Mutex // serializes run()'s own state mutations against Status() reads from other goroutines
	state *SyncState
	top   topState
	waitReason pivotReason

	busy          map[string]struct{}
	assignments   map[string]*assignment
	lastRequestAt map[string]time.Time
	throughput    map[string]float64

	restartRequested bool
	pivotInFlight    bool
}

// NewCoordinator wires the components a Coordinator needs; callers obtain
// each of them (PeerRegistry, Storage, Validator, PivotSelector,
// StateScheduler) independently and hand them in, mirroring how
// go-ethereum's Downloader is constructed from already-built collaborators.
func NewCoordinator(cfg Config, registry *PeerRegistry, storage *Storage, validator *Validator, pivot *PivotSelector, state6 *StateScheduler) *Coordinator {
	return &Coordinator{
		cfg:           cfg,
		registry:      registry,
		storage:       storage,
		validator:     validator,
		pivot:         pivot,
		state6:        state6,
		log:           log15.New("module", "fastsync"),
		events:        make(chan event, 256),
		done:          make(chan struct{}),
		busy:          make(map[string]struct{}),
		assignments:   make(map[string]*assignment),
		lastRequestAt: make(map[string]time.Time),
		throughput:    make(map[string]float64),
	}
}

// Start brings the coordinator from Initialising to Syncing: it loads a
// persisted SyncState if one exists (crash recovery, spec.md §8 S6) or
// else selects a fresh pivot, then launches the event loop and its timers.
func (c *Coordinator) Start(ctx context.Context) error {
	loaded, ok, err := c.storage.LoadSyncState()
	if err != nil {
		return fmt.Errorf("fastsync: load sync state: %w", err)
	}
	if ok {
		c.state = loaded
		c.log.Info("resuming fast sync", "pivot", c.state.PivotBlock.Number, "bestHeader", c.state.BestBlockHeaderNumber, "lastFull", c.state.LastFullBlockNumber)
	} else {
		header, err := c.pivot.SelectPivotBlock(ctx, c.cfg.MaximumTargetUpdateFailures+1, c.cfg.PivotBlockReScheduleInterval)
		if err != nil {
			return fmt.Errorf("fastsync: initial pivot selection: %w", err)
		}
		c.state = NewSyncState(header, c.cfg)
		c.log.Info("selected initial pivot", "number", header.Number)
	}
	// Seed the pivot header itself as the weight baseline: the first header
	// batch beyond the pivot looks up its parent's chain weight by the
	// pivot's own hash, and nothing else ever persists it.
	if _, err := c.storage.UpdateSyncState(c.state.PivotBlock, ChainWeight{TotalDifficulty: uint256.NewInt(0)}); err != nil {
		return fmt.Errorf("fastsync: persist pivot header: %w", err)
	}
	if c.state.PivotBlock.StateRoot == EmptyRootHash {
		c.state.StateSyncFinished = true
	} else {
		c.state6.StartSyncingTo(c.state.PivotBlock.StateRoot, c.state.PivotBlock.Number)
	}

	c.top = stateSyncing
	go c.run(ctx)
	return nil
}

// Done is closed once the coordinator reaches Terminated.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// OnPeerEvent forwards a handshake/disconnect notification into the event
// loop; it is the only inbound surface meant to be called from outside the
// loop's own goroutine.
func (c *Coordinator) OnPeerEvent(ev PeerEvent) {
	c.registry.OnPeerEvent(ev)
	select {
	case c.events <- event{kind: evPeerEvent, peer: ev}:
	case <-c.done:
	}
}

func (c *Coordinator) run(ctx context.Context) {
	heartbeat := time.NewTicker(c.cfg.SyncRetryInterval)
	status := time.NewTicker(c.cfg.PrintStatusInterval)
	persist := time.NewTicker(c.cfg.PersistStateSnapshotInterval)
	defer heartbeat.Stop()
	defer status.Stop()
	defer persist.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.terminate()
			c.mu.Unlock()
			return
		case <-heartbeat.C:
			c.mu.Lock()
			c.processSyncing(ctx)
			terminated := c.top == stateTerminated
			c.mu.Unlock()
			if terminated {
				return
			}
		case <-status.C:
			c.mu.Lock()
			c.printStatus()
			c.mu.Unlock()
		case <-persist.C:
			c.mu.Lock()
			c.persist()
			c.mu.Unlock()
		case ev := <-c.events:
			c.mu.Lock()
			c.handleEvent(ctx, ev)
			terminated := c.top == stateTerminated
			c.mu.Unlock()
			if terminated {
				return
			}
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evPeerEvent:
		if ev.peer.Kind == PeerDisconnected {
			c.releasePeer(ev.peer.Peer.ID(), true)
		}
	case evHandlerDone:
		c.handleOutcome(ctx, ev.outcome)
	case evPivotResult:
		c.handlePivotResult(ctx, ev.header, ev.err, ev.reason)
	}
	c.processSyncing(ctx)
}

// processSyncing is the central dispatcher from spec.md §4.7, invoked on
// every heartbeat and on every response/failure.
func (c *Coordinator) processSyncing(ctx context.Context) {
	if c.top == stateTerminated {
		return
	}
	if !c.state.StateSyncFinished && !c.state.UpdatingPivotBlock && !c.hasBlockchainWorkRemaining() && c.state6.Finished() {
		c.state.StateSyncFinished = true
	}
	if c.fullySynced() {
		c.finish()
		return
	}
	if c.hasBlockchainWorkRemaining() {
		c.processDownloads(ctx)
		return
	}
	if !c.state.StateSyncFinished && !c.state.UpdatingPivotBlock {
		if c.pivotBlockIsStale() {
			c.triggerRestart(ctx)
			return
		}
		c.processDownloads(ctx)
		return
	}
	c.log.Debug("waiting for responses")
}

func (c *Coordinator) fullySynced() bool {
	return !c.hasBlockchainWorkRemaining() && len(c.assignments) == 0 && c.state.StateSyncFinished
}

func (c *Coordinator) hasBlockchainWorkRemaining() bool {
	return len(c.state.BlockBodiesQueue) > 0 ||
		len(c.state.ReceiptsQueue) > 0 ||
		c.state.BestBlockHeaderNumber < c.state.SafeDownloadTarget
}

// processDownloads selects unassigned eligible peers, sorts them by
// advertised tip (ties broken by measured throughput, the supplemented
// feature grounded on eth/downloader/peer_test.go's peerThroughputSort),
// and assigns work until maxConcurrentRequests is reached. Idle peers left
// over once blockchain work is exhausted are handed state-trie work
// instead, so C6 keeps flowing independently of C7's own queues.
func (c *Coordinator) processDownloads(ctx context.Context) {
	if len(c.assignments) >= c.cfg.MaxConcurrentRequests {
		return
	}
	peers := c.eligibleIdlePeers()
	for _, peer := range peers {
		if len(c.assignments) >= c.cfg.MaxConcurrentRequests {
			return
		}
		if !c.top.canAssignBlockchainWork() {
			c.assignStateWork(ctx, peer)
			continue
		}
		if !c.assignBlockchainWork(ctx, peer) {
			c.assignStateWork(ctx, peer)
		}
	}
}

func (s topState) canAssignBlockchainWork() bool { return s == stateSyncing }

func (c *Coordinator) eligibleIdlePeers() []PeerConnection {
	all := c.registry.PeersToDownloadFrom()
	now := time.Now()
	var idle []PeerConnection
	for _, p := range all {
		if _, busy := c.busy[p.ID()]; busy {
			continue
		}
		if last, ok := c.lastRequestAt[p.ID()]; ok && now.Sub(last) < c.cfg.FastSyncThrottle {
			continue
		}
		idle = append(idle, p)
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].MaxBlockNumber() != idle[j].MaxBlockNumber() {
			return idle[i].MaxBlockNumber() > idle[j].MaxBlockNumber()
		}
		return c.throughput[idle[i].ID()] > c.throughput[idle[j].ID()]
	})
	return idle
}

// assignBlockchainWork implements the priority order from spec.md §4.7:
// receipts, then bodies, then (if no header request is in flight and the
// peer's tip covers the pivot) the next header batch.
func (c *Coordinator) assignBlockchainWork(ctx context.Context, peer PeerConnection) bool {
	if len(c.state.ReceiptsQueue) > 0 {
		return c.assignReceiptsOrBodies(ctx, peer, assignReceipts)
	}
	if len(c.state.BlockBodiesQueue) > 0 {
		return c.assignReceiptsOrBodies(ctx, peer, assignBodies)
	}
	if c.headerRequestInFlight() {
		return false
	}
	if c.state.BestBlockHeaderNumber >= c.state.SafeDownloadTarget {
		return false
	}
	if peer.MaxBlockNumber() < c.state.PivotBlock.Number {
		return false
	}
	limit := c.cfg.BlockHeadersPerRequest
	remaining := c.state.SafeDownloadTarget - c.state.BestBlockHeaderNumber
	if uint64(limit) > remaining {
		limit = int(remaining)
	}
	start := c.state.BestBlockHeaderNumber + 1
	req := OutboundRequest{Code: CodeBlockHeaders, Headers: &GetBlockHeaders{Start: start, Limit: limit, Skip: 0, Reverse: false}}
	c.dispatch(ctx, peer, req, assignment{kind: assignHeaders})
	return true
}

func (c *Coordinator) headerRequestInFlight() bool {
	for _, a := range c.assignments {
		if a.kind == assignHeaders {
			return true
		}
	}
	return false
}

func (c *Coordinator) assignReceiptsOrBodies(ctx context.Context, peer PeerConnection, kind assignmentKind) bool {
	queue := &c.state.BlockBodiesQueue
	code := CodeBlockBodies
	if kind == assignReceipts {
		queue = &c.state.ReceiptsQueue
		code = CodeReceipts
	}
	n := c.cfg.BlockBodiesPerRequest
	if kind == assignReceipts {
		n = c.cfg.ReceiptsPerRequest
	}
	if n > len(*queue) {
		n = len(*queue)
	}
	items := append([]QueueItem{}, (*queue)[:n]...)
	*queue = (*queue)[n:]

	hashes := make([]Hash, len(items))
	for i, it := range items {
		hashes[i] = it.Hash
	}
	var req OutboundRequest
	if kind == assignReceipts {
		req = OutboundRequest{Code: code, Receipts: &GetReceipts{Hashes: hashes}}
	} else {
		req = OutboundRequest{Code: code, Bodies: &GetBlockBodies{Hashes: hashes}}
	}
	c.dispatch(ctx, peer, req, assignment{kind: kind, items: items})
	return true
}

func (c *Coordinator) assignStateWork(ctx context.Context, peer PeerConnection) {
	if c.state6.Finished() {
		return
	}
	hashes := c.state6.Missing(c.cfg.NodesPerRequest)
	if len(hashes) == 0 {
		return
	}
	req := OutboundRequest{Code: CodeNodeData, NodeData: &GetNodeData{Hashes: hashes}}
	c.dispatch(ctx, peer, req, assignment{kind: assignNodeData, nodeHashes: hashes})
}

func (c *Coordinator) dispatch(ctx context.Context, peer PeerConnection, req OutboundRequest, a assignment) {
	reqCtx, cancel := context.WithCancel(ctx)
	a.startedAt = time.Now()
	a.cancel = cancel
	c.busy[peer.ID()] = struct{}{}
	c.assignments[peer.ID()] = &a
	c.lastRequestAt[peer.ID()] = time.Now()

	handler := NewRequestHandler(peer, req, c.cfg.PeerResponseTimeout)
	go func() {
		outcome := handler.Run(reqCtx)
		select {
		case c.events <- event{kind: evHandlerDone, outcome: outcome}:
		case <-c.done:
		}
	}()
}

func (c *Coordinator) releasePeer(id string, requeue bool) {
	a, ok := c.assignments[id]
	if !ok {
		return
	}
	delete(c.assignments, id)
	delete(c.busy, id)
	if a.cancel != nil {
		a.cancel()
	}
	if !requeue {
		return
	}
	switch a.kind {
	case assignBodies:
		c.state.BlockBodiesQueue = append(a.items, c.state.BlockBodiesQueue...)
	case assignReceipts:
		c.state.ReceiptsQueue = append(a.items, c.state.ReceiptsQueue...)
	case assignNodeData:
		c.state6.Requeue(a.nodeHashes)
	}
}

func (c *Coordinator) handleOutcome(ctx context.Context, outcome HandlerOutcome) {
	a, ok := c.assignments[outcome.PeerID]
	if !ok {
		return
	}
	delete(c.assignments, outcome.PeerID)
	delete(c.busy, outcome.PeerID)

	if outcome.Err != nil {
		// Transient I/O timeout or handler death: release the slot and
		// requeue the work, no blacklist for a first-time timeout.
		c.log.Debug("request failed", "peer", outcome.PeerID, "code", outcome.Code, "err", outcome.Err)
		c.requeueAssignment(a)
		return
	}
	c.updateThroughput(outcome.PeerID, a, outcome.Elapsed)

	switch a.kind {
	case assignHeaders:
		c.handleHeadersResponse(outcome.PeerID, outcome.Message.Headers)
	case assignBodies:
		c.handleBodiesResponse(ctx, outcome.PeerID, a.items, outcome.Message.Bodies)
	case assignReceipts:
		c.handleReceiptsResponse(ctx, outcome.PeerID, a.items, outcome.Message.Receipts)
	case assignNodeData:
		c.handleNodeDataResponse(outcome.PeerID, a.nodeHashes, outcome.Message.Nodes)
	}
}

func (c *Coordinator) requeueAssignment(a *assignment) {
	switch a.kind {
	case assignBodies:
		c.state.BlockBodiesQueue = append(a.items, c.state.BlockBodiesQueue...)
	case assignReceipts:
		c.state.ReceiptsQueue = append(a.items, c.state.ReceiptsQueue...)
	case assignNodeData:
		c.state6.Requeue(a.nodeHashes)
	}
}

func (c *Coordinator) updateThroughput(peerID string, a *assignment, elapsed time.Duration) {
	if a.kind != assignHeaders || elapsed <= 0 {
		return
	}
	rate := 1.0 / elapsed.Seconds()
	prev, ok := c.throughput[peerID]
	if !ok {
		c.throughput[peerID] = rate
		return
	}
	const alpha = 0.3
	c.throughput[peerID] = alpha*rate + (1-alpha)*prev
}

// handleHeadersResponse implements spec.md §4.7's header-batch processing.
func (c *Coordinator) handleHeadersResponse(peerID string, headers []*BlockHeader) {
	if err := c.validator.CheckHeadersChain(headers); err != nil {
		c.registry.Blacklist(peerID, c.cfg.BlacklistDuration, "error in block headers response", false)
		return
	}
	for _, header := range headers {
		if header.Number >= c.state.NextBlockToFullyValidate {
			if err := c.validator.Validate(header); err != nil {
				c.handleRewind(header, peerID, c.cfg.FastSyncBlockValidationN, c.cfg.CriticalBlacklistDuration, true, "header failed full validation")
				return
			}
			c.state.NextBlockToFullyValidate = header.Number + uint64(c.cfg.FastSyncBlockValidationK)
		}
		parentWeight, ok, err := c.storage.GetParentChainWeight(header)
		if err != nil {
			c.log.Error("storage error looking up parent weight", "err", err)
			c.redownloadBlockchain()
			return
		}
		if !ok {
			c.handleRewind(header, peerID, c.cfg.FastSyncBlockValidationN, c.cfg.BlacklistDuration, false, ErrUnknownParentWeight.Error())
			return
		}
		if _, err := c.storage.UpdateSyncState(header, parentWeight); err != nil {
			c.log.Error("storage error persisting header", "err", err)
			c.redownloadBlockchain()
			return
		}
		hash := header.Hash()
		item := QueueItem{Hash: hash, Number: header.Number}
		c.state.BlockBodiesQueue = append(c.state.BlockBodiesQueue, item)
		c.state.ReceiptsQueue = append(c.state.ReceiptsQueue, item)
		c.state.BestBlockHeaderNumber = header.Number

		if header.Number == c.state.SafeDownloadTarget {
			c.updatePivotBlock(reasonImportedLastBlock)
			return
		}
	}
}

// handleRewind implements spec.md §4.7's rewind-on-failure procedure.
func (c *Coordinator) handleRewind(header *BlockHeader, peerID string, n int, duration time.Duration, critical bool, reason string) {
	c.registry.Blacklist(peerID, duration, reason, critical)
	if header.Number > c.state.SafeDownloadTarget {
		return
	}
	if err := c.storage.DiscardLastBlocks(header.Number, n); err != nil {
		c.log.Error("discard last blocks failed", "err", err)
		return
	}
	newBest := int64(header.Number) - int64(n) - 1
	if newBest < 0 {
		newBest = 0
	}
	c.state.BestBlockHeaderNumber = uint64(newBest)
	c.pruneQueuesAbove(c.state.BestBlockHeaderNumber)

	if header.Number <= c.state.PivotBlock.Number {
		c.updatePivotBlock(reasonLastBlockValidationFailed)
	}
}

func (c *Coordinator) pruneQueuesAbove(number uint64) {
	c.state.BlockBodiesQueue = filterQueue(c.state.BlockBodiesQueue, number)
	c.state.ReceiptsQueue = filterQueue(c.state.ReceiptsQueue, number)
}

func filterQueue(items []QueueItem, maxNumber uint64) []QueueItem {
	out := items[:0:0]
	for _, it := range items {
		if it.Number <= maxNumber {
			out = append(out, it)
		}
	}
	return out
}

// handleBodiesResponse implements spec.md §4.7's body handling.
func (c *Coordinator) handleBodiesResponse(ctx context.Context, peerID string, requested []QueueItem, bodies []*BlockBody) {
	if len(bodies) == 0 && len(requested) > 0 {
		c.registry.Blacklist(peerID, c.cfg.BlacklistDuration, fmt.Sprintf("%s: bodies", ErrEmptyResponse), false)
		c.state.BlockBodiesQueue = append(requested, c.state.BlockBodiesQueue...)
		return
	}
	answered := requested
	leftover := requested[:0:0]
	if len(bodies) < len(requested) {
		leftover = append(leftover, requested[len(bodies):]...)
		answered = requested[:len(bodies)]
	}
	hashes := make([]Hash, len(answered))
	for i, it := range answered {
		hashes[i] = it.Hash
	}
	result, err := c.validator.ValidateBlocks(hashes, bodies)
	switch result {
	case Invalid:
		c.registry.Blacklist(peerID, c.cfg.BlacklistDuration, "invalid block body", false)
		c.state.BlockBodiesQueue = append(append(answered, leftover...), c.state.BlockBodiesQueue...)
		return
	case DbError:
		c.log.Error("storage error validating bodies", "err", err)
		c.redownloadBlockchain()
		return
	}
	if err := c.storage.StoreBlocks(hashes, bodies); err != nil {
		c.log.Error("store blocks failed", "err", err)
		c.redownloadBlockchain()
		return
	}
	c.advanceLastFullBlock()
	if len(leftover) > 0 {
		c.state.BlockBodiesQueue = append(leftover, c.state.BlockBodiesQueue...)
	}
}

// handleReceiptsResponse implements spec.md §4.7's receipt handling.
func (c *Coordinator) handleReceiptsResponse(ctx context.Context, peerID string, requested []QueueItem, receiptLists [][]*Receipt) {
	if len(receiptLists) == 0 && len(requested) > 0 {
		c.registry.Blacklist(peerID, c.cfg.BlacklistDuration, fmt.Sprintf("%s: receipts", ErrEmptyResponse), false)
		c.state.ReceiptsQueue = append(requested, c.state.ReceiptsQueue...)
		return
	}
	answered := requested
	leftover := requested[:0:0]
	if len(receiptLists) < len(requested) {
		leftover = append(leftover, requested[len(receiptLists):]...)
		answered = requested[:len(receiptLists)]
	}
	hashes := make([]Hash, len(answered))
	pairs := make(map[Hash][]*Receipt, len(answered))
	for i, it := range answered {
		hashes[i] = it.Hash
		pairs[it.Hash] = receiptLists[i]
	}
	result, err := c.validator.ValidateReceipts(hashes, receiptLists)
	switch result {
	case Invalid:
		c.registry.Blacklist(peerID, c.cfg.BlacklistDuration, "invalid receipts", false)
		c.state.ReceiptsQueue = append(append(answered, leftover...), c.state.ReceiptsQueue...)
		return
	case DbError:
		c.log.Error("storage error validating receipts", "err", err)
		c.redownloadBlockchain()
		return
	}
	if err := c.storage.StoreReceipts(pairs); err != nil {
		c.log.Error("store receipts failed", "err", err)
		c.redownloadBlockchain()
		return
	}
	c.advanceLastFullBlock()
	if len(leftover) > 0 {
		c.state.ReceiptsQueue = append(leftover, c.state.ReceiptsQueue...)
	}
}

// advanceLastFullBlock walks forward from lastFullBlockNumber+1 to find the
// longest contiguous prefix with both body and receipts stored, resolving
// each number to its canonical hash via the same index UpdateSyncState
// maintains.
func (c *Coordinator) advanceLastFullBlock() {
	var candidates []Hash
	for n := c.state.LastFullBlockNumber + 1; n <= c.state.BestBlockHeaderNumber; n++ {
		hash, ok, err := c.storage.CanonicalHash(n)
		if err != nil || !ok {
			break
		}
		candidates = append(candidates, hash)
	}
	newBest, ok, _ := c.storage.UpdateBestBlockIfNeeded(candidates)
	if ok && newBest > c.state.LastFullBlockNumber {
		c.state.LastFullBlockNumber = newBest
	}
}

// handleNodeDataResponse matches returned blobs to requested hashes
// positionally (the wire contract GetNodeData/NodeData share), hands each
// to the state scheduler, and requeues whatever a peer failed to answer or
// answered with a hash mismatch.
func (c *Coordinator) handleNodeDataResponse(peerID string, requested []Hash, blobs [][]byte) {
	if len(blobs) == 0 && len(requested) > 0 {
		c.registry.Blacklist(peerID, c.cfg.BlacklistDuration, fmt.Sprintf("%s: node data", ErrEmptyResponse), false)
		c.state6.Requeue(requested)
		return
	}
	var mismatched bool
	for i, hash := range requested {
		if i >= len(blobs) {
			c.state6.Requeue(requested[i:])
			break
		}
		if err := c.state6.Process(hash, blobs[i]); err != nil {
			mismatched = true
			c.state6.Requeue([]Hash{hash})
		}
	}
	if mismatched {
		c.registry.Blacklist(peerID, c.cfg.BlacklistDuration, "trie node hash mismatch", false)
	}
}

func (c *Coordinator) redownloadBlockchain() {
	c.state.BlockBodiesQueue = nil
	c.state.ReceiptsQueue = nil
	rewind := uint64(2 * c.cfg.BlockHeadersPerRequest)
	if rewind > c.state.BestBlockHeaderNumber {
		c.state.BestBlockHeaderNumber = 0
	} else {
		c.state.BestBlockHeaderNumber -= rewind
	}
}

func (c *Coordinator) pivotBlockIsStale() bool {
	agreeing := 0
	for _, p := range c.registry.PeersToDownloadFrom() {
		if p.MaxBlockNumber() < c.cfg.PivotBlockOffset {
			continue
		}
		tip := p.MaxBlockNumber() - c.cfg.PivotBlockOffset
		if tip <= c.state.PivotBlock.Number {
			continue
		}
		if tip-c.state.PivotBlock.Number >= c.cfg.MaxPivotBlockAge {
			agreeing++
		}
	}
	return agreeing >= c.cfg.MinPeersToChoosePivotBlock
}

func (c *Coordinator) triggerRestart(ctx context.Context) {
	if c.restartRequested || c.state.UpdatingPivotBlock {
		return
	}
	c.restartRequested = true
	c.updatePivotBlock(reasonSyncRestart)
}

// updatePivotBlock transitions into WaitingForPivotBlockUpdate and kicks
// off an asynchronous pivot re-selection whose result is delivered back
// through the event loop as evPivotResult.
func (c *Coordinator) updatePivotBlock(reason pivotReason) {
	if c.pivotInFlight {
		return
	}
	c.state.UpdatingPivotBlock = true
	c.top = stateWaitingForPivotUpdate
	c.waitReason = reason
	c.pivotInFlight = true
	c.reselectPivot(reason)
}

// reselectPivot runs pivot selection in its own goroutine and posts its
// real result back through the event loop as evPivotResult, the dispatch
// both the initial updatePivotBlock call and a post-failure reschedule use.
func (c *Coordinator) reselectPivot(reason pivotReason) {
	go func() {
		header, err := c.pivot.SelectPivotBlock(context.Background(), 1, c.cfg.PivotBlockReScheduleInterval)
		select {
		case c.events <- event{kind: evPivotResult, header: header, err: err, reason: reason}:
		case <-c.done:
		}
	}()
}

// rescheduleReselectPivot waits out the configured reschedule interval and
// then re-runs pivot selection, for the "not good enough yet" and
// "selection failed" branches of handlePivotResult.
func (c *Coordinator) rescheduleReselectPivot(reason pivotReason) {
	go func() {
		time.Sleep(c.cfg.PivotBlockReScheduleInterval)
		c.reselectPivot(reason)
	}()
}

// handlePivotResult implements the pivot-update state machine's transition
// table from spec.md §4.7.
func (c *Coordinator) handlePivotResult(ctx context.Context, header *BlockHeader, err error, reason pivotReason) {
	c.pivotInFlight = false

	if err != nil {
		c.state.PivotBlockUpdateFailures++
		if c.state.PivotBlockUpdateFailures > c.cfg.MaximumTargetUpdateFailures {
			c.log.Crit("maximum pivot block update failures exceeded, exiting")
			os.Exit(1)
		}
		c.rescheduleReselectPivot(reason)
		c.pivotInFlight = true
		return
	}

	current := c.state.PivotBlock
	newIsGoodEnough := header.Number >= current.Number && !(header.Number == current.Number && reason == reasonSyncRestart)
	if !newIsGoodEnough {
		c.state.PivotBlockUpdateFailures++
		if c.state.PivotBlockUpdateFailures > c.cfg.MaximumTargetUpdateFailures {
			c.log.Crit("maximum pivot block update failures exceeded, exiting")
			os.Exit(1)
		}
		c.rescheduleReselectPivot(reason)
		c.pivotInFlight = true
		return
	}
	switch reason {
	case reasonImportedLastBlock:
		if header.Number-current.Number <= c.cfg.MaxTargetDifference {
			c.startStateSyncAtCurrentPivot()
		} else {
			c.adoptPivot(header, false)
		}
	case reasonLastBlockValidationFailed:
		c.adoptPivot(header, true)
	case reasonSyncRestart:
		c.adoptPivot(header, false)
		c.restartRequested = false
		c.state6.StartSyncingTo(header.StateRoot, header.Number)
		if header.StateRoot == EmptyRootHash {
			c.state.StateSyncFinished = true
		}
	}

	c.state.UpdatingPivotBlock = false
	c.top = stateSyncing
}

func (c *Coordinator) startStateSyncAtCurrentPivot() {
	if c.state.PivotBlock.StateRoot == EmptyRootHash {
		c.state.StateSyncFinished = true
	} else {
		c.state6.StartSyncingTo(c.state.PivotBlock.StateRoot, c.state.PivotBlock.Number)
	}
	c.state.UpdatingPivotBlock = false
	c.top = stateSyncing
}

func (c *Coordinator) adoptPivot(header *BlockHeader, incrementFailures bool) {
	c.state.PivotBlock = header
	c.state.SafeDownloadTarget = header.Number + uint64(c.cfg.FastSyncBlockValidationX)
	if incrementFailures {
		c.state.PivotBlockUpdateFailures++
	}
	if _, err := c.storage.UpdateSyncState(header, ChainWeight{TotalDifficulty: uint256.NewInt(0)}); err != nil {
		c.log.Error("persist new pivot header failed", "err", err)
	}
}

// finish implements spec.md §4.7's finish(): discard the unvalidated tail
// beyond the pivot, cancel timers (handled by run()'s termination), persist
// the done marker, and notify anyone waiting on Done().
func (c *Coordinator) finish() {
	tail := c.cfg.FastSyncBlockValidationX - 1
	if tail > 0 {
		if err := c.storage.DiscardLastBlocks(c.state.BestBlockHeaderNumber, tail); err != nil {
			c.log.Error("discard unvalidated tail failed", "err", err)
		}
	}
	if err := c.storage.PersistFastSyncDone(); err != nil {
		c.log.Error("persist fast sync done failed", "err", err)
	}
	c.terminate()
}

func (c *Coordinator) terminate() {
	if c.top == stateTerminated {
		return
	}
	c.top = stateTerminated
	close(c.done)
}

func (c *Coordinator) persist() {
	c.syncNodeCounts()

	var inFlightBodies, inFlightReceipts []QueueItem
	for _, a := range c.assignments {
		switch a.kind {
		case assignBodies:
			inFlightBodies = append(inFlightBodies, a.items...)
		case assignReceipts:
			inFlightReceipts = append(inFlightReceipts, a.items...)
		}
	}
	if err := c.storage.PersistSyncState(c.state, inFlightBodies, inFlightReceipts); err != nil {
		c.log.Error("persist sync state failed", "err", err)
	}
	if err := c.state.checkInvariants(); err != nil {
		c.log.Error("sync state invariant violated", "err", err)
	}
}

// syncNodeCounts copies the state scheduler's live saved/missing tally into
// SyncState's own DownloadedNodesCount/TotalNodesCount fields (spec.md §3),
// so a persisted snapshot and the periodic status log report real state-trie
// progress instead of the permanent zeroes they'd otherwise carry.
func (c *Coordinator) syncNodeCounts() {
	saved, missing := c.state6.Stats()
	c.state.DownloadedNodesCount = saved
	c.state.TotalNodesCount = saved + missing
}

func (c *Coordinator) printStatus() {
	c.syncNodeCounts()
	c.log.Info("fast sync status",
		"headers", c.state.BestBlockHeaderNumber,
		"target", c.state.SafeDownloadTarget,
		"full", c.state.LastFullBlockNumber,
		"stateSaved", c.state.DownloadedNodesCount,
		"stateMissing", c.state.TotalNodesCount-c.state.DownloadedNodesCount,
		"pivotFailures", c.state.PivotBlockUpdateFailures,
	)
}

// Status is a read-only snapshot for external observers (e.g. a JSON-RPC
// surface, out of this package's scope).
type Status struct {
	BestBlockHeaderNumber uint64
	SafeDownloadTarget    uint64
	LastFullBlockNumber   uint64
	StateSyncFinished     bool
	PivotBlockUpdateFailures int
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		BestBlockHeaderNumber:    c.state.BestBlockHeaderNumber,
		SafeDownloadTarget:       c.state.SafeDownloadTarget,
		LastFullBlockNumber:      c.state.LastFullBlockNumber,
		StateSyncFinished:        c.state.StateSyncFinished,
		PivotBlockUpdateFailures: c.state.PivotBlockUpdateFailures,
	}
}
