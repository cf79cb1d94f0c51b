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

import "errors"

// Sentinel errors, one per failure kind in spec.md §7, in the style of
// eth/downloader's errLowTd/ErrBusy/errUnknownPeer family.
var (
	ErrNoEligiblePeers     = errors.New("fastsync: no eligible peers to download from")
	ErrRequestTimeout      = errors.New("fastsync: request timed out")
	ErrHandlerTerminated   = errors.New("fastsync: request handler terminated unexpectedly")
	ErrBadHeaderChain      = errors.New("fastsync: error in block headers response")
	ErrEmptyResponse       = errors.New("fastsync: empty response for known hashes")
	ErrInvalidBody         = errors.New("fastsync: body does not match header")
	ErrInvalidReceipts     = errors.New("fastsync: receipts do not match header")
	ErrUnknownParentWeight = errors.New("fastsync: parent chain weight not found, possible wrong fork")
	ErrStorage             = errors.New("fastsync: storage operation failed")
	ErrPivotSelectionFailed = errors.New("fastsync: pivot block selection failed")
	ErrTooManyPivotFailures = errors.New("fastsync: maximum pivot block update failures exceeded")
	ErrNodeHashMismatch     = errors.New("fastsync: returned trie node does not hash to its key")
)
