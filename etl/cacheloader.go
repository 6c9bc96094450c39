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
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/tally/cache"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/source"
	"golang.org/x/sync/errgroup"
)

type CacheLoadStyle string

const (
	CacheLoadSync  CacheLoadStyle = "sync"
	CacheLoadAsync CacheLoadStyle = "async"
	CacheLoadNone  CacheLoadStyle = "none"

	DefaultCacheLoadMarkers  = 48
	DefaultCacheLoadPageSize = 512
	DefaultCacheLoadWorkers  = 2
)

func (s CacheLoadStyle) Valid() bool {
	switch s {
	case CacheLoadSync, CacheLoadAsync, CacheLoadNone:
		return true
	}
	return false
}

// errObjectLimit stops a load once MaxObjects objects are cached
var errObjectLimit = errors.New("object limit reached")

type CacheLoaderConfig struct {
	Logger       *slog.Logger
	Cache        *cache.LedgerCache
	LoadBalancer LoadBalancer
	Backend      Backend
	Style        CacheLoadStyle
	// NumMarkers is how many key ranges are loaded independently
	NumMarkers int
	PageSize   int
	Workers    int
	// MaxObjects stops loading once that many objects are cached. The
	// cache is then not marked full. Zero means no limit.
	MaxObjects int
	// FromStorage reads pages from Backend instead of upstream
	FromStorage bool
}

// CacheLoader fills the ledger cache with every object as of one ledger
type CacheLoader struct {
	config  CacheLoaderConfig
	logger  *slog.Logger
	metrics *etlMetrics
}

func NewCacheLoader(cfg CacheLoaderConfig) (*CacheLoader, error) {
	if cfg.Cache == nil {
		return nil, errors.New("cache loader: no cache")
	}
	if cfg.Style == "" {
		cfg.Style = CacheLoadSync
	}
	if !cfg.Style.Valid() {
		return nil, fmt.Errorf("cache loader: invalid load style %q", cfg.Style)
	}
	if cfg.FromStorage && cfg.Backend == nil {
		return nil, errors.New("cache loader: no backend to load from")
	}
	if !cfg.FromStorage && cfg.LoadBalancer == nil {
		return nil, errors.New("cache loader: no load balancer to load from")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.NumMarkers <= 0 {
		cfg.NumMarkers = DefaultCacheLoadMarkers
	}
	cfg.NumMarkers = min(cfg.NumMarkers, source.MaxMarkers)
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultCacheLoadPageSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultCacheLoadWorkers
	}
	return &CacheLoader{
		config:  cfg,
		logger:  cfg.Logger.With("component", "cacheloader"),
		metrics: newEtlMetrics(nil),
	}, nil
}

func (l *CacheLoader) Style() CacheLoadStyle {
	return l.config.Style
}

// Load fills the cache with the objects as of ledger seq and marks it full.
// Loading again once the cache is full does nothing. With the none style the
// cache is disabled instead.
func (l *CacheLoader) Load(ctx context.Context, seq uint32) error {
	c := l.config.Cache
	if l.config.Style == CacheLoadNone {
		l.logger.Info("cache loading disabled")
		c.SetDisabled()
		return nil
	}
	if c.IsFull() {
		return nil
	}
	l.logger.Info(
		"loading ledger cache",
		"sequence", seq,
		"markers", l.config.NumMarkers,
		"from_storage", l.config.FromStorage,
	)
	start := time.Now()
	var count atomic.Int64
	merge := func(objs []ledger.Object) error {
		c.UpdateBackground(seq, objs)
		l.metrics.cacheLoadObjects.Add(float64(len(objs)))
		total := count.Add(int64(len(objs)))
		if l.config.MaxObjects > 0 && total >= int64(l.config.MaxObjects) {
			return errObjectLimit
		}
		return nil
	}
	markers := source.Markers(l.config.NumMarkers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.config.Workers)
	for i, from := range markers {
		var to *ledger.Key
		if i+1 < len(markers) {
			to = &markers[i+1]
		}
		g.Go(func() error {
			if l.config.FromStorage {
				return l.loadRangeFromStorage(gctx, seq, from, to, merge)
			}
			return l.loadRange(gctx, seq, from, to, merge)
		})
	}
	err := g.Wait()
	if errors.Is(err, errObjectLimit) {
		l.logger.Warn(
			"cache object limit reached, cache will not be full",
			"objects", count.Load(),
			"max_objects", l.config.MaxObjects,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load cache at ledger %d: %w", seq, err)
	}
	c.SetFull()
	elapsed := time.Since(start)
	l.metrics.cacheLoadDuration.Set(elapsed.Seconds())
	l.logger.Info(
		"finished loading ledger cache",
		"sequence", seq,
		"objects", count.Load(),
		"duration", elapsed,
	)
	return nil
}

// loadRange loads keys in [from, to) through the load balancer. A nil to is
// the end of the keyspace.
func (l *CacheLoader) loadRange(
	ctx context.Context,
	seq uint32,
	from ledger.Key,
	to *ledger.Key,
	fn func([]ledger.Object) error,
) error {
	cursor := from
	for {
		page, err := l.config.LoadBalancer.FetchLedgerPage(
			ctx,
			seq,
			cursor,
			uint32(l.config.PageSize),
		)
		if err != nil {
			return err
		}
		objs, done := clipPage(page.Objects, to)
		if len(objs) > 0 {
			if err := fn(objs); err != nil {
				return err
			}
		}
		if done || page.Marker == nil {
			return nil
		}
		if to != nil && page.Marker.Compare(*to) >= 0 {
			return nil
		}
		cursor = *page.Marker
	}
}

// loadRangeFromStorage is loadRange reading from the storage backend, whose
// cursor is exclusive
func (l *CacheLoader) loadRangeFromStorage(
	ctx context.Context,
	seq uint32,
	from ledger.Key,
	to *ledger.Key,
	fn func([]ledger.Object) error,
) error {
	cursor := prevKey(from)
	for {
		objs, next, err := l.config.Backend.ObjectsPage(ctx, seq, cursor, l.config.PageSize)
		if err != nil {
			return err
		}
		objs, done := clipPage(objs, to)
		if len(objs) > 0 {
			if err := fn(objs); err != nil {
				return err
			}
		}
		if done || next == nil {
			return nil
		}
		cursor = *next
	}
}

// clipPage drops the objects at or beyond to. done is true when any were
// dropped.
func clipPage(objs []ledger.Object, to *ledger.Key) ([]ledger.Object, bool) {
	if to == nil {
		return objs, false
	}
	for i, obj := range objs {
		if obj.Key.Compare(*to) >= 0 {
			return objs[:i], true
		}
	}
	return objs, false
}

// prevKey returns the key immediately before k. The first key has no
// predecessor and is returned unchanged.
func prevKey(k ledger.Key) ledger.Key {
	if k == ledger.FirstKey {
		return k
	}
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] > 0 {
			k[i]--
			break
		}
		k[i] = 0xff
	}
	return k
}
