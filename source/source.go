// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package source manages a single connection to an upstream node. The
// connection itself is provided by a Transport, see the grpcsource and
// httpsource packages.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/upstream"
)

var (
	// ErrNotFound is returned when the upstream does not have the ledger
	ErrNotFound = errors.New("source: ledger not found")
	// ErrTimeout is returned when a request exceeds the request timeout
	ErrTimeout = errors.New("source: request timed out")
	// ErrDisconnected is returned for requests made while not connected, and
	// for transient transport failures
	ErrDisconnected = errors.New("source: disconnected")
	// ErrNoConnection is returned by Forward when there is no live connection
	ErrNoConnection = errors.New("source: no connection")
	// ErrNotYetAvailable means the ledger is beyond the upstream's validated
	// range. It is not a failure.
	ErrNotYetAvailable = errors.New("source: ledger not yet available")
	// ErrProtocol is returned for malformed or invalid upstream replies. It
	// moves the source to StateFailed.
	ErrProtocol = errors.New("source: protocol error")
	// ErrAmendmentBlocked is returned when the upstream reports that it is
	// amendment blocked. It moves the source to StateFailed.
	ErrAmendmentBlocked = errors.New("source: upstream amendment blocked")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnectedUnvalidated
	StateConnectedValidated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnectedUnvalidated:
		return "connected-unvalidated"
	case StateConnectedValidated:
		return "connected-validated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connected reports whether the state has a live connection
func (s State) Connected() bool {
	return s == StateConnectedUnvalidated || s == StateConnectedValidated
}

// Transport is one live connection to an upstream node
type Transport interface {
	upstream.Service
	io.Closer
}

// DialFunc opens a new Transport
type DialFunc func(ctx context.Context) (Transport, error)

// Source is one upstream node as seen by the load balancer
type Source interface {
	Name() string
	// Run connects and keeps the connection alive until ctx is done
	Run(ctx context.Context)
	State() State
	IsConnected() bool
	// HasLedger reports whether the upstream advertises seq as validated
	HasLedger(seq uint32) bool
	ValidatedRange() ledger.RangeSet
	FetchLedger(
		ctx context.Context,
		seq uint32,
		objects bool,
		neighbors bool,
	) (*ledger.Data, error)
	FetchLedgerPage(
		ctx context.Context,
		seq uint32,
		marker ledger.Key,
		limit uint32,
	) (*upstream.LedgerPage, error)
	// LoadInitialLedger downloads every object of ledger seq, calling fn for
	// each page. fn is called from multiple goroutines.
	LoadInitialLedger(
		ctx context.Context,
		seq uint32,
		numMarkers int,
		fn func([]ledger.Object) error,
	) error
	Forward(ctx context.Context, req *upstream.ForwardRequest) (json.RawMessage, error)
	// SetTarget sets the ledger the source must have to count as validated
	SetTarget(seq uint32)
	// Reset leaves StateFailed
	Reset()
	Health() HealthSnapshot
	// OnLedgerClosed registers fn to be called for every ledger the upstream
	// closes
	OnLedgerClosed(fn func(seq uint32))
}

// MaxMarkers is the most key ranges an object download is split into
const MaxMarkers = 256

// Markers splits the keyspace into n ranges by the first key byte and returns
// the first key of each range. n is clamped to [1, MaxMarkers].
func Markers(n int) []ledger.Key {
	n = min(max(n, 1), MaxMarkers)
	ret := make([]ledger.Key, n)
	for i := range n {
		ret[i][0] = byte(i * MaxMarkers / n)
	}
	return ret
}
