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

// Package cache provides the in-memory ledger object cache that is written by
// the ingestion pipeline and read by query handlers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/blinklabs-io/tally/ledger"
	"github.com/google/btree"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultNumDiffs = 32
	btreeDegree     = 32
)

// ErrOutOfOrder is the panic value used when Update is called with a sequence
// that does not directly follow the watermark
var ErrOutOfOrder = errors.New("cache: out of order update")

type Status int

const (
	NotFound Status = iota
	Found
	FoundDeleted
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case FoundDeleted:
		return "found-deleted"
	default:
		return "not-found"
	}
}

// Result is the outcome of a cache lookup. NotFound means the cache cannot
// answer authoritatively and the caller must read from storage.
type Result struct {
	Data   []byte
	Status Status
}

// Reader is the read-only view of the cache handed to query handlers
type Reader interface {
	Get(key ledger.Key, seq uint32) Result
	Successor(key ledger.Key, seq uint32) (ledger.Object, bool)
	Predecessor(key ledger.Key, seq uint32) (ledger.Object, bool)
	LatestSequence() uint32
	IsFull() bool
	Size() int
	WaitUntilSequence(ctx context.Context, seq uint32) error
}

type entry struct {
	data []byte
	seq  uint32
}

type diff struct {
	objects map[ledger.Key][]byte
	seq     uint32
}

// LedgerCache maps object keys to their latest known value. It keeps the
// changes of the most recent ledgers so that lookups slightly behind the
// watermark can still be served.
type LedgerCache struct {
	promRegistry prometheus.Registerer
	logger       *slog.Logger
	metrics      *cacheMetrics
	objects      map[ledger.Key]entry
	live         *btree.BTreeG[ledger.Key]
	// deletes tracks keys deleted by the pipeline while a background load is
	// in progress, so stale snapshot pages don't resurrect them
	deletes       map[ledger.Key]struct{}
	diffs         []diff
	advanced      chan struct{}
	numDiffs      int
	latest        uint32
	mu            sync.RWMutex
	objectReqs    atomic.Uint64
	objectHits    atomic.Uint64
	successorReqs atomic.Uint64
	successorHits atomic.Uint64
	full          atomic.Bool
	disabled      atomic.Bool
}

type LedgerCacheOptionFunc func(*LedgerCache)

func WithLogger(logger *slog.Logger) LedgerCacheOptionFunc {
	return func(c *LedgerCache) {
		c.logger = logger
	}
}

func WithPromRegistry(registry prometheus.Registerer) LedgerCacheOptionFunc {
	return func(c *LedgerCache) {
		c.promRegistry = registry
	}
}

// WithNumDiffs sets how many recent ledger diffs are retained. Older diffs are
// evicted first; the latest-value index is never evicted.
func WithNumDiffs(numDiffs int) LedgerCacheOptionFunc {
	return func(c *LedgerCache) {
		c.numDiffs = numDiffs
	}
}

func New(opts ...LedgerCacheOptionFunc) *LedgerCache {
	c := &LedgerCache{
		numDiffs: DefaultNumDiffs,
		objects:  make(map[ledger.Key]entry),
		deletes:  make(map[ledger.Key]struct{}),
		advanced: make(chan struct{}),
		live: btree.NewG(btreeDegree, func(a, b ledger.Key) bool {
			return a.Compare(b) < 0
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.numDiffs < 1 {
		c.numDiffs = 1
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if c.promRegistry != nil {
		c.metrics = &cacheMetrics{}
		c.metrics.init(c.promRegistry)
	}
	return c
}

// Update applies the objects changed by ledger seq and advances the watermark.
// Calls must be made in strictly increasing sequence order with no gaps;
// violating that is a programming error and panics with ErrOutOfOrder.
func (c *LedgerCache) Update(seq uint32, objs []ledger.Object) {
	if c.disabled.Load() {
		return
	}
	c.mu.Lock()
	if c.latest != 0 && seq != c.latest+1 {
		latest := c.latest
		c.mu.Unlock()
		panic(
			fmt.Errorf("%w: have %d, got %d", ErrOutOfOrder, latest, seq),
		)
	}
	c.latest = seq
	d := diff{seq: seq, objects: make(map[ledger.Key][]byte, len(objs))}
	for _, obj := range objs {
		c.objects[obj.Key] = entry{seq: seq, data: obj.Data}
		d.objects[obj.Key] = obj.Data
		if obj.IsDeleted() {
			c.live.Delete(obj.Key)
			if !c.full.Load() {
				c.deletes[obj.Key] = struct{}{}
			}
		} else {
			c.live.ReplaceOrInsert(obj.Key)
		}
	}
	c.diffs = append(c.diffs, d)
	if len(c.diffs) > c.numDiffs {
		evict := len(c.diffs) - c.numDiffs
		clear(c.diffs[:evict])
		c.diffs = c.diffs[evict:]
	}
	close(c.advanced)
	c.advanced = make(chan struct{})
	c.updateMetrics()
	c.mu.Unlock()
}

// UpdateBackground merges snapshot objects valid as of seq, as produced by a
// bulk load. It never overwrites a value written by a newer ledger and never
// resurrects a key deleted while the load was running.
func (c *LedgerCache) UpdateBackground(seq uint32, objs []ledger.Object) {
	if c.disabled.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.latest {
		c.latest = seq
		close(c.advanced)
		c.advanced = make(chan struct{})
	}
	for _, obj := range objs {
		if _, ok := c.deletes[obj.Key]; ok {
			continue
		}
		if e, ok := c.objects[obj.Key]; ok && e.seq >= seq {
			continue
		}
		c.objects[obj.Key] = entry{seq: seq, data: obj.Data}
		if obj.IsDeleted() {
			c.live.Delete(obj.Key)
		} else {
			c.live.ReplaceOrInsert(obj.Key)
		}
	}
	c.updateMetrics()
}

// Get returns the value of key as of ledger seq
func (c *LedgerCache) Get(key ledger.Key, seq uint32) Result {
	if c.disabled.Load() {
		return Result{Status: NotFound}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if seq > c.latest {
		return Result{Status: NotFound}
	}
	c.objectReqs.Add(1)
	e, ok := c.objects[key]
	if !ok {
		return Result{Status: NotFound}
	}
	if e.seq <= seq {
		c.objectHits.Add(1)
		return resultFor(e.data)
	}
	// The latest value is newer than requested, so look back through the
	// retained diffs for the most recent change at or before seq
	if len(c.diffs) == 0 || seq+1 < c.diffs[0].seq {
		return Result{Status: NotFound}
	}
	for i := len(c.diffs) - 1; i >= 0; i-- {
		d := c.diffs[i]
		if d.seq > seq {
			continue
		}
		if data, ok := d.objects[key]; ok {
			c.objectHits.Add(1)
			return resultFor(data)
		}
	}
	return Result{Status: NotFound}
}

func resultFor(data []byte) Result {
	if len(data) == 0 {
		return Result{Status: FoundDeleted}
	}
	return Result{Status: Found, Data: data}
}

// Successor returns the first live object with a key greater than key. It
// only answers once the cache is full and for the watermark sequence.
func (c *LedgerCache) Successor(
	key ledger.Key,
	seq uint32,
) (ledger.Object, bool) {
	return c.neighbor(key, seq, true)
}

// Predecessor returns the last live object with a key less than key, under
// the same conditions as Successor
func (c *LedgerCache) Predecessor(
	key ledger.Key,
	seq uint32,
) (ledger.Object, bool) {
	return c.neighbor(key, seq, false)
}

func (c *LedgerCache) neighbor(
	key ledger.Key,
	seq uint32,
	ascending bool,
) (ledger.Object, bool) {
	if c.disabled.Load() || !c.full.Load() {
		return ledger.Object{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.successorReqs.Add(1)
	if seq != c.latest {
		return ledger.Object{}, false
	}
	var found ledger.Key
	var ok bool
	iter := func(k ledger.Key) bool {
		if k == key {
			return true
		}
		found = k
		ok = true
		return false
	}
	if ascending {
		c.live.AscendGreaterOrEqual(key, iter)
	} else {
		c.live.DescendLessOrEqual(key, iter)
	}
	if !ok {
		return ledger.Object{}, false
	}
	c.successorHits.Add(1)
	return ledger.Object{Key: found, Data: c.objects[found].data}, true
}

// LatestSequence returns the watermark
func (c *LedgerCache) LatestSequence() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// WaitUntilSequence blocks until the watermark reaches seq or ctx is done
func (c *LedgerCache) WaitUntilSequence(ctx context.Context, seq uint32) error {
	for {
		c.mu.RLock()
		latest := c.latest
		advanced := c.advanced
		c.mu.RUnlock()
		if latest >= seq {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-advanced:
		}
	}
}

// SetFull marks the cache as holding the complete object set
func (c *LedgerCache) SetFull() {
	if c.disabled.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full.Store(true)
	clear(c.deletes)
	c.logger.Info(
		"ledger cache is full",
		"component", "cache",
		"sequence", c.latest,
		"size", len(c.objects),
	)
}

func (c *LedgerCache) IsFull() bool {
	return c.full.Load()
}

// SetDisabled turns the cache into a no-op that always reports NotFound
func (c *LedgerCache) SetDisabled() {
	c.disabled.Store(true)
}

func (c *LedgerCache) IsDisabled() bool {
	return c.disabled.Load()
}

// Size returns the number of keys tracked, including tombstones
func (c *LedgerCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.objects)
}

// ObjectHitRate returns the fraction of object lookups answered from the cache
func (c *LedgerCache) ObjectHitRate() float64 {
	return hitRate(c.objectHits.Load(), c.objectReqs.Load())
}

// SuccessorHitRate returns the fraction of neighbor lookups answered from the
// cache
func (c *LedgerCache) SuccessorHitRate() float64 {
	return hitRate(c.successorHits.Load(), c.successorReqs.Load())
}

func hitRate(hits, reqs uint64) float64 {
	if reqs == 0 {
		return 1
	}
	return float64(hits) / float64(reqs)
}

// updateMetrics must be called with the write lock held
func (c *LedgerCache) updateMetrics() {
	if c.metrics == nil {
		return
	}
	c.metrics.size.Set(float64(len(c.objects)))
	c.metrics.latestSequence.Set(float64(c.latest))
	c.metrics.diffs.Set(float64(len(c.diffs)))
}
