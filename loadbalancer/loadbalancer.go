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

// Package loadbalancer spreads ledger fetches and forwarded requests over a
// set of upstream sources, failing over until one of them answers.
package loadbalancer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/source"
	"github.com/blinklabs-io/tally/upstream"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultFetchRetryRounds  = 3
	DefaultRoundDelay        = 2 * time.Second
	DefaultDeprioritizeScore = 0.2
)

var (
	// ErrAllSourcesFailed is returned when no source could serve a request
	// within the retry budget
	ErrAllSourcesFailed = errors.New("loadbalancer: all sources failed")
	ErrNoSources        = errors.New("loadbalancer: no sources configured")
	ErrDuplicateSource  = errors.New("loadbalancer: duplicate source name")
)

type Config struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Sources      []source.Source
	// FetchRetryRounds is how many times the full set of sources is tried
	FetchRetryRounds int
	// RoundDelay is the pause between rounds
	RoundDelay time.Duration
	// Sources scoring below DeprioritizeScore are tried last
	DeprioritizeScore float64
	// StickyForward sends forwarded requests to the last source that
	// answered one, before failing over
	StickyForward bool
	// ForwardingCacheTimeout enables caching of the CacheableMethods
	// responses. Zero disables the cache.
	ForwardingCacheTimeout time.Duration
	ForwardingCacheSize    int
	CacheableMethods       []string
}

// SourceInfo describes one source for the status server
type SourceInfo struct {
	Name      string                `json:"name"`
	State     string                `json:"state"`
	Validated string                `json:"validatedLedgers"`
	Health    source.HealthSnapshot `json:"health"`
}

type LoadBalancer struct {
	config      Config
	logger      *slog.Logger
	metrics     *loadBalancerMetrics
	fwdCache    *forwardingCache
	sources     []source.Source
	lastForward atomic.Int64
	offset      atomic.Uint64
}

// New creates a LoadBalancer over cfg.Sources. Source names must be unique.
func New(cfg Config) (*LoadBalancer, error) {
	if len(cfg.Sources) == 0 {
		return nil, ErrNoSources
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	for _, src := range cfg.Sources {
		if _, ok := seen[src.Name()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, src.Name())
		}
		seen[src.Name()] = struct{}{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.FetchRetryRounds <= 0 {
		cfg.FetchRetryRounds = DefaultFetchRetryRounds
	}
	if cfg.RoundDelay <= 0 {
		cfg.RoundDelay = DefaultRoundDelay
	}
	if cfg.DeprioritizeScore <= 0 {
		cfg.DeprioritizeScore = DefaultDeprioritizeScore
	}
	if cfg.CacheableMethods == nil {
		cfg.CacheableMethods = DefaultCacheableMethods
	}
	lb := &LoadBalancer{
		config:  cfg,
		logger:  cfg.Logger.With("component", "loadbalancer"),
		metrics: &loadBalancerMetrics{},
		sources: slices.Clone(cfg.Sources),
	}
	lb.lastForward.Store(-1)
	lb.metrics.init(cfg.PromRegistry)
	if cfg.ForwardingCacheTimeout > 0 {
		fc, err := newForwardingCache(
			cfg.ForwardingCacheSize,
			cfg.ForwardingCacheTimeout,
			cfg.CacheableMethods,
		)
		if err != nil {
			return nil, err
		}
		lb.fwdCache = fc
		for _, src := range lb.sources {
			src.OnLedgerClosed(func(uint32) {
				fc.invalidate()
			})
		}
	}
	return lb, nil
}

// Run runs every source until ctx is done
func (lb *LoadBalancer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range lb.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src.Run(ctx)
		}()
	}
	wg.Wait()
}

func (lb *LoadBalancer) Sources() []source.Source {
	return slices.Clone(lb.sources)
}

// SetTarget sets the ledger every source must have to count as validated
func (lb *LoadBalancer) SetTarget(seq uint32) {
	for _, src := range lb.sources {
		src.SetTarget(seq)
	}
}

// IsConnected reports whether any source is connected
func (lb *LoadBalancer) IsConnected() bool {
	return slices.ContainsFunc(lb.sources, source.Source.IsConnected)
}

func (lb *LoadBalancer) Info() []SourceInfo {
	ret := make([]SourceInfo, 0, len(lb.sources))
	for _, src := range lb.sources {
		ret = append(ret, SourceInfo{
			Name:      src.Name(),
			State:     src.State().String(),
			Validated: src.ValidatedRange().String(),
			Health:    src.Health(),
		})
	}
	return ret
}

// order returns the sources starting at the next rotating offset, with
// low scoring sources moved to the end
func (lb *LoadBalancer) order() []source.Source {
	n := len(lb.sources)
	start := int((lb.offset.Add(1) - 1) % uint64(n))
	ret := make([]source.Source, 0, n)
	ret = append(ret, lb.sources[start:]...)
	ret = append(ret, lb.sources[:start]...)
	deprioritized := func(src source.Source) bool {
		return src.Health().Score < lb.config.DeprioritizeScore
	}
	slices.SortStableFunc(ret, func(a, b source.Source) int {
		da, db := deprioritized(a), deprioritized(b)
		switch {
		case da == db:
			return 0
		case db:
			return -1
		default:
			return 1
		}
	})
	return ret
}

// execute calls fn with each source in turn until one succeeds. The full set
// is tried FetchRetryRounds times. A connected source that does not have seq
// yet is skipped.
func (lb *LoadBalancer) execute(
	ctx context.Context,
	op string,
	seq uint32,
	fn func(source.Source) error,
) error {
	var errs []error
	notYet := false
	for round := range lb.config.FetchRetryRounds {
		if round > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(lb.config.RoundDelay):
			}
		}
		errs = errs[:0]
		notYet = true
		for _, src := range lb.order() {
			if src.IsConnected() && !src.HasLedger(seq) {
				errs = append(
					errs,
					fmt.Errorf("%s: %w", src.Name(), source.ErrNotYetAvailable),
				)
				lb.metrics.attempts.WithLabelValues(op, "not_yet_available").Inc()
				continue
			}
			err := fn(src)
			if err == nil {
				lb.metrics.attempts.WithLabelValues(op, "success").Inc()
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lb.logger.Debug(
				"source request failed",
				"operation", op,
				"source", src.Name(),
				"sequence", seq,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			if errors.Is(err, source.ErrNotFound) {
				lb.metrics.attempts.WithLabelValues(op, "not_found").Inc()
				continue
			}
			lb.metrics.attempts.WithLabelValues(op, "failure").Inc()
			notYet = false
		}
	}
	lb.metrics.failures.WithLabelValues(op).Inc()
	sentinel := ErrAllSourcesFailed
	if notYet {
		sentinel = source.ErrNotYetAvailable
	}
	return fmt.Errorf(
		"%w: %s ledger %d after %d rounds: %w",
		sentinel,
		op,
		seq,
		lb.config.FetchRetryRounds,
		errors.Join(errs...),
	)
}

// FetchLedger fetches ledger seq from the first source able to serve it
func (lb *LoadBalancer) FetchLedger(
	ctx context.Context,
	seq uint32,
	objects bool,
	neighbors bool,
) (*ledger.Data, error) {
	var ret *ledger.Data
	err := lb.execute(ctx, "fetch_ledger", seq, func(src source.Source) error {
		d, err := src.FetchLedger(ctx, seq, objects, neighbors)
		if err != nil {
			return err
		}
		ret = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (lb *LoadBalancer) FetchLedgerPage(
	ctx context.Context,
	seq uint32,
	marker ledger.Key,
	limit uint32,
) (*upstream.LedgerPage, error) {
	var ret *upstream.LedgerPage
	err := lb.execute(ctx, "fetch_ledger_page", seq, func(src source.Source) error {
		page, err := src.FetchLedgerPage(ctx, seq, marker, limit)
		if err != nil {
			return err
		}
		ret = page
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// LoadInitialLedger downloads every object of ledger seq. When a source fails
// part way, the download restarts on the next source, so fn may see the same
// objects more than once.
func (lb *LoadBalancer) LoadInitialLedger(
	ctx context.Context,
	seq uint32,
	numMarkers int,
	fn func([]ledger.Object) error,
) error {
	return lb.execute(ctx, "load_initial_ledger", seq, func(src source.Source) error {
		lb.logger.Info(
			"loading initial ledger",
			"source", src.Name(),
			"sequence", seq,
			"markers", numMarkers,
		)
		return src.LoadInitialLedger(ctx, seq, numMarkers, fn)
	})
}

// Forward relays req to a connected source. The source named by hint is
// tried first, then the last source that answered when StickyForward is set,
// then the rest in rotating order.
func (lb *LoadBalancer) Forward(
	ctx context.Context,
	req *upstream.ForwardRequest,
	hint string,
) (json.RawMessage, error) {
	if lb.fwdCache != nil {
		if res, ok := lb.fwdCache.get(req); ok {
			lb.metrics.forwardCacheHits.Inc()
			return res, nil
		}
	}
	order := lb.forwardOrder(hint)
	if len(order) == 0 {
		return nil, source.ErrNoConnection
	}
	var errs []error
	for _, idx := range order {
		src := lb.sources[idx]
		res, err := src.Forward(ctx, req)
		if err == nil {
			lb.metrics.forwards.WithLabelValues("success").Inc()
			lb.lastForward.Store(int64(idx))
			if lb.fwdCache != nil {
				lb.fwdCache.put(req, res)
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lb.metrics.forwards.WithLabelValues("failure").Inc()
		errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}
	return nil, fmt.Errorf(
		"%w: forward %s: %w",
		ErrAllSourcesFailed,
		req.Method,
		errors.Join(errs...),
	)
}

// forwardOrder returns the indexes of the connected sources in the order
// they should be tried
func (lb *LoadBalancer) forwardOrder(hint string) []int {
	first := -1
	if hint != "" {
		first = slices.IndexFunc(lb.sources, func(src source.Source) bool {
			return src.Name() == hint
		})
	}
	if first < 0 && lb.config.StickyForward {
		first = int(lb.lastForward.Load())
	}
	var ret []int
	if first >= 0 && lb.sources[first].IsConnected() {
		ret = append(ret, first)
	}
	for _, src := range lb.order() {
		idx := slices.Index(lb.sources, src)
		if idx == first || !src.IsConnected() {
			continue
		}
		ret = append(ret, idx)
	}
	return ret
}
