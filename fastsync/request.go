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
	"time"
)

// HandlerOutcome is the sum type a RequestHandler reports back to its
// parent once it terminates: spec.md §4.2's ResponseReceived/RequestFailed.
type HandlerOutcome struct {
	PeerID  string
	Code    MessageCode
	Message InboundMessage // zero value when Err != nil
	Elapsed time.Duration
	Err     error // nil on ResponseReceived
}

// RequestHandler is C2: a short-lived agent that sends one request to one
// peer and waits for the matching response or a timeout. It never retries
// and never talks to any peer but the one it was given; retry policy lives
// entirely in the coordinator (C7).
type RequestHandler struct {
	peer    PeerConnection
	req     OutboundRequest
	timeout time.Duration
}

// NewRequestHandler parameterises a handler the way spec.md §4.2 describes:
// (peer, requestMsg, expectedResponseCode, timeout). The expected response
// code is req.Code itself.
func NewRequestHandler(peer PeerConnection, req OutboundRequest, timeout time.Duration) *RequestHandler {
	return &RequestHandler{peer: peer, req: req, timeout: timeout}
}

// Run sends the request and blocks until a response arrives, the timeout
// elapses, or ctx is cancelled, then returns exactly one HandlerOutcome.
// Unexpected termination of the wait (e.g. the peer's response channel
// closing without a value) is reported as a RequestFailed-shaped outcome,
// matching the coordinator's policy of treating handler death as transient
// failure (spec.md §7).
func (h *RequestHandler) Run(ctx context.Context) HandlerOutcome {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	respCh, err := h.peer.Send(reqCtx, h.req)
	if err != nil {
		return HandlerOutcome{PeerID: h.peer.ID(), Code: h.req.Code, Elapsed: time.Since(start), Err: err}
	}

	select {
	case msg, ok := <-respCh:
		if !ok {
			return HandlerOutcome{PeerID: h.peer.ID(), Code: h.req.Code, Elapsed: time.Since(start), Err: ErrHandlerTerminated}
		}
		return HandlerOutcome{PeerID: h.peer.ID(), Code: h.req.Code, Message: msg, Elapsed: time.Since(start)}
	case <-reqCtx.Done():
		return HandlerOutcome{PeerID: h.peer.ID(), Code: h.req.Code, Elapsed: time.Since(start), Err: ErrRequestTimeout}
	}
}

// Dispatch launches h in its own goroutine and delivers its outcome on
// the returned channel, so the coordinator can fan out many concurrent
// requests (up to maxConcurrentRequests) without blocking its own loop.
func (h *RequestHandler) Dispatch(ctx context.Context) <-chan HandlerOutcome {
	out := make(chan HandlerOutcome, 1)
	go func() { out <- h.Run(ctx) }()
	return out
}
