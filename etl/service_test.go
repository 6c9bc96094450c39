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
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/tally/cache"
	"github.com/blinklabs-io/tally/database"
	"github.com/blinklabs-io/tally/event"
	"github.com/blinklabs-io/tally/internal/test/testutil"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/source"
	"github.com/blinklabs-io/tally/upstream/upstreamtest"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type harness struct {
	chain     *upstreamtest.Chain
	node      *upstreamtest.Node
	lb        *nodeLB
	validated *source.ValidatedLedgers
	backend   *faultyBackend
	cache     *cache.LedgerCache
	bus       *event.EventBus
	svc       *Service
	committed chan uint32
	last      uint32
}

func newHarness(
	t *testing.T,
	chain *upstreamtest.Chain,
	backend *faultyBackend,
	mutate func(*ServiceConfig),
) *harness {
	t.Helper()
	node := upstreamtest.NewNode(0)
	node.AddLedgers(chain.Ledgers()...)
	h := &harness{
		chain:     chain,
		node:      node,
		lb:        newNodeLB(node),
		validated: source.NewValidatedLedgers(),
		backend:   backend,
		cache:     cache.New(),
		bus:       event.NewEventBus(nil, nil),
		committed: make(chan uint32, 1000),
	}
	t.Cleanup(h.bus.Stop)
	h.validated.Push(chain.Last().Sequence)
	cfg := ServiceConfig{
		Backend:            backend,
		LoadBalancer:       h.lb,
		Validated:          h.validated,
		Cache:              h.cache,
		EventBus:           h.bus,
		FetchRetryInterval: 5 * time.Millisecond,
		WriteRetryInterval: time.Millisecond,
		RestartDelay:       10 * time.Millisecond,
		OnCommit: func(seq uint32) {
			h.committed <- seq
		},
		CacheLoad: CacheLoaderConfig{PageSize: 16},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background()))
	t.Cleanup(func() {
		assert.NoError(t, h.svc.Stop())
	})
}

// next closes a new ledger upstream
func (h *harness) next(changes map[ledger.Key][]byte) *ledger.Data {
	d := h.chain.Next(changes)
	h.node.AddLedgers(d)
	h.validated.Push(d.Header.Sequence)
	return d
}

// waitCommitted waits for every ledger up to seq to be committed, in order
func (h *harness) waitCommitted(t *testing.T, seq uint32) {
	t.Helper()
	for h.last < seq {
		got := testutil.RequireReceive(t, h.committed, waitTimeout, "ledger commit")
		if h.last != 0 {
			require.Equal(t, h.last+1, got, "commits must be sequential")
		}
		h.last = got
	}
	require.Equal(t, seq, h.last)
}

// churn closes n ledgers that create, modify and delete objects
func (h *harness) churn(n int) {
	for i := range n {
		keys := sortedKeys(h.chain.State())
		h.next(map[ledger.Key][]byte{
			{0xf0, byte(i)}:       []byte("created"),
			{0x00, 0x01, byte(i)}: []byte("low"),
			keys[len(keys)/2]:     nil,
			keys[(i*7)%len(keys)]: {byte(i), 0x01},
		})
	}
}

func (h *harness) requireConsistent(t *testing.T) {
	t.Helper()
	seq := h.chain.Last().Sequence
	state := h.chain.State()
	requireStorageMatches(t, h.backend.Database, seq, state)
	requireCacheMatches(t, h.cache, seq, state)
	assert.Equal(t, sortedKeys(state), successorChain(t, h.backend.Database, seq))
	// Every key touched by the last ledger agrees between cache and storage
	for _, obj := range h.chain.Ledger(seq).Objects {
		res := h.cache.Get(obj.Key, seq)
		data, err := h.backend.Object(context.Background(), obj.Key, seq)
		if obj.Mod == ledger.ModTypeDeleted {
			assert.Equal(t, cache.FoundDeleted, res.Status)
			assert.ErrorIs(t, err, database.ErrNotFound)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, data, res.Data)
	}
}

func TestServiceColdStartAndFollow(t *testing.T) {
	chain := upstreamtest.NewChain(20, testObjects(60))
	h := newHarness(t, chain, &faultyBackend{Database: newTestDatabase(t)}, nil)
	_, advanced := h.bus.Subscribe(event.LedgerAdvancedEventType)
	h.start(t)

	h.waitCommitted(t, 20)
	assert.True(t, h.cache.IsFull())
	h.requireConsistent(t)
	evt := testutil.RequireReceive(t, advanced, waitTimeout, "initial ledger")
	assert.Equal(t, uint32(20), evt.Data.(event.LedgerAdvancedEvent).Header.Sequence)

	h.churn(6)
	h.waitCommitted(t, 26)
	h.requireConsistent(t)
	rng, ok := h.svc.ValidatedRange()
	require.True(t, ok)
	assert.Equal(t, ledger.Range{Min: 20, Max: 26}, rng)
	assert.Equal(t, Monitoring, h.svc.SyncState())
	assert.False(t, h.svc.LastPublish().IsZero())
	info := h.svc.Info()
	assert.Equal(t, "running", info.State)
	assert.Equal(t, "20-26", info.ValidatedRange)
	assert.True(t, info.Cache.Full)
	assert.Equal(t, uint32(26), info.Cache.LatestSequence)
	// With a full cache the neighbors come from the cache
	assert.Zero(t, h.lb.neighborFetchCount())
}

func TestServiceColdStartFillsCacheAfterMarker(t *testing.T) {
	chain := upstreamtest.NewChain(20, testObjects(40))
	backend := &faultyBackend{Database: newTestDatabase(t)}
	// The first initial ledger marker write fails and the load is retried
	backend.markerFailures.Store(1)
	h := newHarness(t, chain, backend, nil)
	removed := sortedKeys(chain.State())[0]

	type markerWrite struct {
		seq    uint32
		latest uint32
		status cache.Status
	}
	var mu sync.Mutex
	var writes []markerWrite
	backend.beforeMarker = func(seq uint32) {
		mu.Lock()
		defer mu.Unlock()
		writes = append(writes, markerWrite{
			seq:    seq,
			latest: h.cache.LatestSequence(),
			status: h.cache.Get(removed, seq).Status,
		})
		if len(writes) == 1 {
			// A newer validated ledger must not change the retried snapshot
			h.next(map[ledger.Key][]byte{removed: nil})
		}
	}
	h.start(t)
	h.waitCommitted(t, 21)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(writes), 3)
	assert.Equal(t, uint32(20), writes[0].seq)
	assert.Equal(t, uint32(20), writes[1].seq)
	for _, w := range writes {
		assert.Less(t, w.latest, w.seq, "cache ahead of marker %d", w.seq)
		if w.seq == 20 {
			assert.NotEqual(t, cache.Found, w.status)
		}
	}
	assert.True(t, h.cache.IsFull())
	h.requireConsistent(t)
	rng, ok := h.svc.ValidatedRange()
	require.True(t, ok)
	assert.Equal(t, ledger.Range{Min: 20, Max: 21}, rng)
}

func TestServiceWithoutCache(t *testing.T) {
	chain := upstreamtest.NewChain(20, testObjects(30))
	h := newHarness(t, chain, &faultyBackend{Database: newTestDatabase(t)}, func(cfg *ServiceConfig) {
		cfg.CacheLoad.Style = CacheLoadNone
	})
	h.start(t)
	h.waitCommitted(t, 20)
	h.churn(4)
	h.waitCommitted(t, 24)
	assert.True(t, h.cache.IsDisabled())
	assert.Positive(t, h.lb.neighborFetchCount())
	state := h.chain.State()
	requireStorageMatches(t, h.backend.Database, 24, state)
	assert.Equal(t, sortedKeys(state), successorChain(t, h.backend.Database, 24))
}

func TestServiceHaltsOnParentHashMismatch(t *testing.T) {
	chain := upstreamtest.NewChain(100, testObjects(10))
	backend := &faultyBackend{Database: newTestDatabase(t)}
	h := newHarness(t, chain, backend, nil)
	_, states := h.bus.Subscribe(event.PipelineStateEventType)
	h.start(t)
	h.waitCommitted(t, 100)
	writes := backend.ledgerWrites.Load()

	bad := *h.chain.Next(nil)
	bad.Header.ParentHash = ledger.Hash{0xba, 0xd0}
	require.NoError(t, bad.Header.Seal())
	h.node.AddLedgers(&bad)
	h.validated.Push(101)

	evt := testutil.RequireReceive(t, states, waitTimeout, "pipeline state")
	assert.Equal(t, event.PipelineStateEvent{Reason: "data-inconsistency"}, evt.Data)
	state := h.svc.State()
	require.True(t, state.Halted)
	assert.Equal(t, HaltReasonDataInconsistency, state.Reason)
	require.ErrorIs(t, state.Err, ErrDataInconsistency)
	assert.Equal(t, writes, backend.ledgerWrites.Load(), "no write for ledger 101")
	_, err := backend.Header(context.Background(), 101)
	require.ErrorIs(t, err, database.ErrNotFound)
	rng, _, err := backend.LedgerRange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(100), rng.Max)
	assert.Equal(t, uint32(100), h.cache.LatestSequence())
	assert.Equal(t, "halted: data-inconsistency", h.svc.Info().State)
}

func TestServiceAmendmentBlocked(t *testing.T) {
	chain := upstreamtest.NewChain(20, testObjects(10))
	h := newHarness(t, chain, &faultyBackend{Database: newTestDatabase(t)}, nil)
	h.start(t)
	h.waitCommitted(t, 20)

	blocked := *h.chain.Next(nil)
	blocked.Header.Version = ledger.CurrentVersion + 1
	require.NoError(t, blocked.Header.Seal())
	h.node.AddLedgers(&blocked)
	h.validated.Push(21)

	testutil.WaitForCondition(t, func() bool {
		return h.svc.State().Halted
	}, waitTimeout, "pipeline did not halt")
	assert.Equal(t, HaltReasonAmendmentBlocked, h.svc.State().Reason)
	assert.Equal(t, uint32(20), h.cache.LatestSequence())
}

func TestServiceRestartFromCommitted(t *testing.T) {
	chain := upstreamtest.NewChain(20, testObjects(10))
	backend := &faultyBackend{Database: newTestDatabase(t)}
	h := newHarness(t, chain, backend, func(cfg *ServiceConfig) {
		cfg.WriteRetries = 1
	})
	h.start(t)
	h.waitCommitted(t, 20)

	// Two attempts per pipeline run, so ledger 21 needs three runs
	backend.ledgerFailures.Store(4)
	h.churn(2)
	h.waitCommitted(t, 22)
	h.requireConsistent(t)
	assert.False(t, h.svc.State().Halted)
	assert.InDelta(t, 2, promtestutil.ToFloat64(h.svc.metrics.restarts), 0)
}

func TestServiceResume(t *testing.T) {
	chain := upstreamtest.NewChain(20, testObjects(40))
	backend := &faultyBackend{Database: newTestDatabase(t)}
	first := newHarness(t, chain, backend, nil)
	require.NoError(t, first.svc.Start(context.Background()))
	first.waitCommitted(t, 20)
	first.churn(3)
	first.waitCommitted(t, 23)
	require.NoError(t, first.svc.Stop())

	// A new process resumes from storage with an empty cache
	second := newHarness(t, chain, backend, nil)
	second.start(t)
	assert.True(t, second.cache.IsFull())
	assert.Equal(t, uint32(23), second.cache.LatestSequence())
	second.churn(3)
	second.waitCommitted(t, 26)
	second.requireConsistent(t)
	for _, seq := range second.lb.fetchedSequences() {
		assert.Greater(t, seq, uint32(23))
	}
	rng, ok := second.svc.ValidatedRange()
	require.True(t, ok)
	assert.Equal(t, ledger.Range{Min: 20, Max: 26}, rng)
}

func TestServiceAsyncCacheLoad(t *testing.T) {
	chain := upstreamtest.NewChain(20, testObjects(200))
	backend := &faultyBackend{Database: newTestDatabase(t)}
	first := newHarness(t, chain, backend, nil)
	require.NoError(t, first.svc.Start(context.Background()))
	first.waitCommitted(t, 20)
	require.NoError(t, first.svc.Stop())

	second := newHarness(t, chain, backend, func(cfg *ServiceConfig) {
		cfg.CacheLoad.Style = CacheLoadAsync
		cfg.CacheLoad.PageSize = 3
	})
	second.start(t)
	second.churn(3)
	second.waitCommitted(t, 23)
	testutil.WaitForCondition(t, second.cache.IsFull, waitTimeout, "cache not loaded")
	second.requireConsistent(t)
}

func TestServiceFinishSequence(t *testing.T) {
	chain := upstreamtest.NewChain(20, testObjects(10))
	h := newHarness(t, chain, &faultyBackend{Database: newTestDatabase(t)}, func(cfg *ServiceConfig) {
		cfg.FinishSequence = 22
	})
	h.start(t)
	h.waitCommitted(t, 20)
	h.churn(5)
	h.waitCommitted(t, 22)
	testutil.RequireNoReceive(t, h.committed, 100*time.Millisecond, "commit past finish")
	for _, seq := range h.lb.fetchedSequences() {
		assert.LessOrEqual(t, seq, uint32(22))
	}
}

func TestServiceReadOnly(t *testing.T) {
	chain := upstreamtest.NewChain(20, testObjects(30))
	db := newTestDatabase(t)
	reader := newHarness(t, chain, &faultyBackend{Database: db}, func(cfg *ServiceConfig) {
		cfg.ReadOnly = true
		cfg.LoadBalancer = nil
		cfg.ReadOnlyPollInterval = 10 * time.Millisecond
	})
	_, advanced := reader.bus.Subscribe(event.LedgerAdvancedEventType)
	// The reader starts before the writer has committed anything
	reader.start(t)
	writer := newHarness(t, chain, &faultyBackend{Database: db}, nil)
	writer.start(t)
	writer.waitCommitted(t, 20)
	testutil.WaitForCondition(t, reader.cache.IsFull, waitTimeout, "reader cache not loaded")

	writer.churn(3)
	writer.waitCommitted(t, 23)
	reader.waitCommitted(t, 23)
	requireCacheMatches(t, reader.cache, 23, chain.State())
	evt := testutil.RequireReceive(t, advanced, waitTimeout, "ledger advanced")
	assert.Equal(t, uint32(21), evt.Data.(event.LedgerAdvancedEvent).Header.Sequence)
	assert.True(t, reader.svc.Info().ReadOnly)
	assert.Equal(t, int32(0), reader.backend.ledgerWrites.Load())
}

func TestServiceNoETL(t *testing.T) {
	db := newTestDatabase(t)
	_, err := NewService(ServiceConfig{Backend: db, Cache: cache.New()})
	require.Error(t, err)

	svc, err := NewService(ServiceConfig{
		Backend:    db,
		Cache:      cache.New(),
		AllowNoETL: true,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	require.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyStarted)
	_, ok := svc.ValidatedRange()
	assert.False(t, ok)
	assert.Equal(t, Syncing, svc.SyncState())
	assert.Equal(t, "running", svc.Info().State)
	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())
}
