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

package etl

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/blinklabs-io/tally/database"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/source"
	"github.com/blinklabs-io/tally/upstream"
	"github.com/blinklabs-io/tally/upstream/upstreamtest"
	"github.com/stretchr/testify/require"
)

func k(b byte) ledger.Key {
	return ledger.Key{b}
}

func newTestDatabase(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(&database.Config{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// testObjects returns n objects spread across the keyspace
func testObjects(n int) map[ledger.Key][]byte {
	ret := make(map[ledger.Key][]byte, n)
	for i := range n {
		ret[ledger.Key{byte(i*251/n + 1), byte(i)}] = fmt.Appendf(nil, "obj-%d", i)
	}
	return ret
}

func sortedKeys(m map[ledger.Key][]byte) []ledger.Key {
	return slices.SortedFunc(maps.Keys(m), func(a, b ledger.Key) int {
		return a.Compare(b)
	})
}

// nodeLB serves a single upstreamtest node through the LoadBalancer
// interface
type nodeLB struct {
	node    *upstreamtest.Node
	mu      sync.Mutex
	target  uint32
	fetched []uint32
	// neighborFetches counts fetches that asked for object neighbors
	neighborFetches int
	// failures makes the next n FetchLedger calls for a sequence fail
	failures map[uint32]int
}

func newNodeLB(node *upstreamtest.Node) *nodeLB {
	return &nodeLB{
		node:     node,
		failures: make(map[uint32]int),
	}
}

func (l *nodeLB) Run(ctx context.Context) {
	<-ctx.Done()
}

func (l *nodeLB) SetTarget(seq uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.target = max(l.target, seq)
}

func (l *nodeLB) failNext(seq uint32, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[seq] = n
}

func (l *nodeLB) fetchedSequences() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.fetched)
}

func (l *nodeLB) neighborFetchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.neighborFetches
}

func (l *nodeLB) FetchLedger(
	ctx context.Context,
	seq uint32,
	objects bool,
	neighbors bool,
) (*ledger.Data, error) {
	l.mu.Lock()
	if l.failures[seq] > 0 {
		l.failures[seq]--
		l.mu.Unlock()
		return nil, source.ErrTimeout
	}
	l.fetched = append(l.fetched, seq)
	if neighbors {
		l.neighborFetches++
	}
	l.mu.Unlock()
	d, err := l.node.GetLedger(ctx, &upstream.GetLedgerRequest{
		Sequence:     seq,
		Transactions: true,
		Objects:      objects,
		Neighbors:    neighbors,
	})
	if errors.Is(err, upstream.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", source.ErrNotYetAvailable, err)
	}
	return d, err
}

func (l *nodeLB) FetchLedgerPage(
	ctx context.Context,
	seq uint32,
	marker ledger.Key,
	limit uint32,
) (*upstream.LedgerPage, error) {
	return l.node.GetLedgerPage(ctx, &upstream.GetLedgerPageRequest{
		Sequence: seq,
		Marker:   marker,
		Limit:    limit,
	})
}

func (l *nodeLB) LoadInitialLedger(
	ctx context.Context,
	seq uint32,
	numMarkers int,
	fn func([]ledger.Object) error,
) error {
	cursor := ledger.FirstKey
	for {
		page, err := l.FetchLedgerPage(ctx, seq, cursor, 7)
		if err != nil {
			return err
		}
		if len(page.Objects) > 0 {
			if err := fn(page.Objects); err != nil {
				return err
			}
		}
		if page.Marker == nil {
			return nil
		}
		cursor = *page.Marker
	}
}

// faultyBackend fails a number of writes before passing them to the
// database. It also checks that the cache never gets ahead of the commit
// marker.
type faultyBackend struct {
	*database.Database
	ledgerFailures atomic.Int32
	markerFailures atomic.Int32
	ledgerWrites   atomic.Int32
	markerWrites   atomic.Int32
	// beforeMarker is called with the sequence of each marker write
	beforeMarker func(seq uint32)
}

var errInjected = errors.New("injected write failure")

func (b *faultyBackend) WriteLedger(ctx context.Context, lw *database.LedgerWrite) error {
	b.ledgerWrites.Add(1)
	if b.ledgerFailures.Add(-1) >= 0 {
		return errInjected
	}
	return b.Database.WriteLedger(ctx, lw)
}

func (b *faultyBackend) WriteCommitMarker(ctx context.Context, seq uint32) error {
	b.markerWrites.Add(1)
	if b.beforeMarker != nil {
		b.beforeMarker(seq)
	}
	if b.markerFailures.Add(-1) >= 0 {
		return errInjected
	}
	return b.Database.WriteCommitMarker(ctx, seq)
}

// requireStorageMatches checks every key of want against storage at seq
func requireStorageMatches(
	t *testing.T,
	db *database.Database,
	seq uint32,
	want map[ledger.Key][]byte,
) {
	t.Helper()
	ctx := context.Background()
	for key, data := range want {
		got, err := db.Object(ctx, key, seq)
		require.NoError(t, err, "key %s", key)
		require.Equal(t, data, got, "key %s", key)
	}
}

// successorChain walks the stored successor index from ledger.FirstKey
func successorChain(t *testing.T, db *database.Database, seq uint32) []ledger.Key {
	t.Helper()
	ctx := context.Background()
	var ret []ledger.Key
	cur := ledger.FirstKey
	for {
		next, err := db.Successor(ctx, cur, seq)
		require.NoError(t, err, "successor of %s", cur)
		if next == ledger.LastKey {
			return ret
		}
		ret = append(ret, next)
		cur = next
	}
}
