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

// Package etl ingests validated ledgers from upstream sources into storage
// and the ledger cache. Ledgers flow through three stages, connected by
// bounded channels: the Extractor fetches them in order, the Transformer
// checks and normalizes them and the Loader commits them.
package etl

import (
	"context"
	"errors"

	"github.com/blinklabs-io/tally/database"
	"github.com/blinklabs-io/tally/database/types"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/upstream"
)

var (
	// ErrDataInconsistency is returned for a ledger that does not fit on the
	// previous one or whose contents are corrupt. It halts the pipeline.
	ErrDataInconsistency = errors.New("etl: data inconsistency")
	// ErrAmendmentBlocked is returned for a ledger this build cannot store.
	// It halts the pipeline.
	ErrAmendmentBlocked = errors.New("etl: amendment blocked")
	// ErrRestartFromCommitted is returned when writes keep failing. The
	// service restarts extraction after the last committed ledger.
	ErrRestartFromCommitted = errors.New("etl: restart from last committed ledger")
)

// Backend is the storage used by the pipeline
type Backend interface {
	database.Backend
	// WriteObjects stores objects for seq without header or marker
	WriteObjects(ctx context.Context, seq uint32, objs []ledger.Object) error
	// BuildSuccessorIndex writes the full successor chain as of seq
	BuildSuccessorIndex(ctx context.Context, seq uint32) error
	// DiscardUncommitted drops objects written without a commit marker
	DiscardUncommitted(ctx context.Context) error
}

// LoadBalancer is the set of upstream sources ledgers are fetched from
type LoadBalancer interface {
	Run(ctx context.Context)
	SetTarget(seq uint32)
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
	LoadInitialLedger(
		ctx context.Context,
		seq uint32,
		numMarkers int,
		fn func([]ledger.Object) error,
	) error
}

// Batch is one ledger normalized for storage and the cache
type Batch struct {
	Header ledger.Header
	// Objects holds the changed objects, with deletions as tombstones
	Objects      []ledger.Object
	Successors   []types.Successor
	Transactions []ledger.Transaction
}

func (b *Batch) ledgerWrite() *database.LedgerWrite {
	return &database.LedgerWrite{
		Header:       b.Header,
		Objects:      b.Objects,
		Successors:   b.Successors,
		Transactions: b.Transactions,
	}
}

type SyncState int32

const (
	// Syncing means the pipeline is catching up to the network
	Syncing SyncState = iota
	// Monitoring means the pipeline is following new ledgers as they close
	Monitoring
)

func (s SyncState) String() string {
	if s == Monitoring {
		return "monitoring"
	}
	return "syncing"
}
