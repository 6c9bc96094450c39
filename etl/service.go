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
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/tally/cache"
	"github.com/blinklabs-io/tally/database"
	"github.com/blinklabs-io/tally/event"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/source"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultExtractorQueueSize   = 16
	DefaultTransformerQueueSize = 16
	DefaultWriterTimeout        = 10 * time.Second
	DefaultReadOnlyPollInterval = 500 * time.Millisecond
	DefaultRestartDelay         = time.Second
	DefaultInitialLoadMarkers   = 16
)

var ErrAlreadyStarted = errors.New("etl: service already started")

type ServiceConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Backend      Backend
	// LoadBalancer may be nil only with AllowNoETL or ReadOnly
	LoadBalancer LoadBalancer
	Validated    *source.ValidatedLedgers
	Cache        *cache.LedgerCache
	EventBus     *event.EventBus
	// ReadOnly tails ledgers committed by another instance instead of
	// writing
	ReadOnly bool
	// AllowNoETL serves from storage without any upstream source
	AllowNoETL bool
	// StartSequence is the ledger loaded when storage is empty. Zero means
	// the most recent validated ledger.
	StartSequence uint32
	// FinishSequence stops ingestion after that ledger. Zero means no limit.
	FinishSequence        uint32
	ExtractorQueueSize    int
	TransformerQueueSize  int
	ExtractorWorkers      int
	FetchRetryInterval    time.Duration
	MaxFetchRetryInterval time.Duration
	WriteRetries          int
	WriteRetryInterval    time.Duration
	RestartDelay          time.Duration
	InitialLoadMarkers    int
	// WriterTimeout is how long a read-only instance waits for the writer
	// before reporting it as silent
	WriterTimeout        time.Duration
	ReadOnlyPollInterval time.Duration
	// OnCommit is called after each ledger is committed and published
	OnCommit  func(seq uint32)
	CacheLoad CacheLoaderConfig
}

// Service runs the ingestion pipeline and owns its lifecycle
type Service struct {
	config         ServiceConfig
	logger         *slog.Logger
	metrics        *etlMetrics
	state          *stateTracker
	cacheLoader    *CacheLoader
	snapshotLoader *CacheLoader
	committed      atomic.Uint32
	firstSeq       atomic.Uint32
	lastPublish    atomic.Int64
	mu             sync.Mutex
	cancel         context.CancelFunc
	group          *errgroup.Group
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Backend == nil {
		return nil, errors.New("etl: no storage backend")
	}
	if cfg.Cache == nil {
		return nil, errors.New("etl: no ledger cache")
	}
	if cfg.LoadBalancer == nil && !cfg.AllowNoETL && !cfg.ReadOnly {
		return nil, errors.New("etl: no load balancer and no-ETL mode not allowed")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Validated == nil {
		cfg.Validated = source.NewValidatedLedgers()
	}
	if cfg.ExtractorQueueSize <= 0 {
		cfg.ExtractorQueueSize = DefaultExtractorQueueSize
	}
	if cfg.TransformerQueueSize <= 0 {
		cfg.TransformerQueueSize = DefaultTransformerQueueSize
	}
	if cfg.WriterTimeout <= 0 {
		cfg.WriterTimeout = DefaultWriterTimeout
	}
	if cfg.ReadOnlyPollInterval <= 0 {
		cfg.ReadOnlyPollInterval = DefaultReadOnlyPollInterval
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.InitialLoadMarkers <= 0 {
		cfg.InitialLoadMarkers = DefaultInitialLoadMarkers
	}
	cfg.InitialLoadMarkers = min(cfg.InitialLoadMarkers, source.MaxMarkers)
	// Only storage can fill the cache without upstream access
	if cfg.LoadBalancer == nil || cfg.ReadOnly {
		cfg.CacheLoad.FromStorage = true
	}
	cfg.CacheLoad.Logger = cfg.Logger
	cfg.CacheLoad.Cache = cfg.Cache
	cfg.CacheLoad.Backend = cfg.Backend
	cfg.CacheLoad.LoadBalancer = cfg.LoadBalancer
	cacheLoader, err := NewCacheLoader(cfg.CacheLoad)
	if err != nil {
		return nil, err
	}
	// The initial ledger reaches the cache from storage once it is committed
	snapshotCfg := cfg.CacheLoad
	snapshotCfg.FromStorage = true
	if snapshotCfg.Style != CacheLoadNone {
		snapshotCfg.Style = CacheLoadSync
	}
	snapshotLoader, err := NewCacheLoader(snapshotCfg)
	if err != nil {
		return nil, err
	}
	s := &Service{
		config:         cfg,
		logger:         cfg.Logger.With("component", "etl"),
		metrics:        newEtlMetrics(cfg.PromRegistry),
		cacheLoader:    cacheLoader,
		snapshotLoader: snapshotLoader,
	}
	cacheLoader.metrics = s.metrics
	snapshotLoader.metrics = s.metrics
	s.state = &stateTracker{
		logger:   s.logger,
		eventBus: cfg.EventBus,
		metrics:  s.metrics,
	}
	return s, nil
}

// Start reads the stored ledger range, fills the cache and starts ingestion
// in the background. With the sync cache load style it returns once the
// cache is full.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	rng, ok, err := s.config.Backend.LedgerRange(ctx)
	if err != nil {
		return fmt.Errorf("read ledger range: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g
	if lb := s.config.LoadBalancer; lb != nil {
		g.Go(func() error {
			lb.Run(gctx)
			return nil
		})
	}
	if s.cacheLoader.Style() == CacheLoadNone {
		s.config.Cache.SetDisabled()
	}
	if ok {
		s.firstSeq.Store(rng.Min)
		s.committed.Store(rng.Max)
		s.logger.Info("resuming from storage", "range", rng.String())
		if err := s.loadCache(gctx, g, rng.Max); err != nil {
			cancel()
			err = errors.Join(err, g.Wait())
			s.cancel = nil
			s.group = nil
			return err
		}
	}
	switch {
	case s.config.ReadOnly:
		s.logger.Info("starting in read-only mode")
		g.Go(func() error {
			return s.runReadOnly(gctx, g)
		})
	case s.config.LoadBalancer == nil:
		s.logger.Warn("no upstream sources configured, serving from storage only")
	default:
		g.Go(func() error {
			return s.runWriter(gctx, ok, rng.Max)
		})
	}
	return nil
}

// Stop cancels every stage, waits for the ledger in flight to be committed
// and returns once all workers have exited
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	err := s.group.Wait()
	s.cancel = nil
	s.group = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadCache runs the cache loader at seq, in the background with the async
// style
func (s *Service) loadCache(ctx context.Context, g *errgroup.Group, seq uint32) error {
	switch s.cacheLoader.Style() {
	case CacheLoadNone:
		return nil
	case CacheLoadAsync:
		g.Go(func() error {
			if err := s.cacheLoader.Load(ctx, seq); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to load ledger cache", "error", err)
			}
			return nil
		})
		return nil
	default:
		return s.cacheLoader.Load(ctx, seq)
	}
}

// runWriter ingests ledgers after the last committed one until ctx is done,
// FinishSequence is reached or the pipeline halts
func (s *Service) runWriter(ctx context.Context, haveStorage bool, committed uint32) error {
	var prev ledger.Header
	var err error
	if haveStorage {
		prev, err = s.config.Backend.Header(ctx, committed)
		if err != nil {
			s.state.halt(fmt.Errorf("read header of ledger %d: %w", committed, err))
			return nil
		}
	} else {
		prev, err = s.coldStartWithRetry(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.state.halt(err)
			}
			return nil
		}
	}
	for {
		err := s.runPipeline(ctx, prev)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRestartFromCommitted) {
			s.state.halt(err)
			return nil
		}
		s.metrics.restarts.Inc()
		s.logger.Warn(
			"restarting pipeline from last committed ledger",
			"error", err,
			"retry_in", s.config.RestartDelay,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.config.RestartDelay):
		}
		prev, err = s.lastCommittedHeader(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.state.halt(err)
			}
			return nil
		}
	}
}

func (s *Service) lastCommittedHeader(ctx context.Context) (ledger.Header, error) {
	rng, ok, err := s.config.Backend.LedgerRange(ctx)
	if err != nil {
		return ledger.Header{}, fmt.Errorf("read ledger range: %w", err)
	}
	if !ok {
		return ledger.Header{}, errors.New("ledger range vanished from storage")
	}
	hdr, err := s.config.Backend.Header(ctx, rng.Max)
	if err != nil {
		return ledger.Header{}, fmt.Errorf("read header of ledger %d: %w", rng.Max, err)
	}
	return hdr, nil
}

// runPipeline runs one extractor, transformer and loader chain starting
// after prev. It returns nil when FinishSequence has been committed or ctx
// is done.
func (s *Service) runPipeline(ctx context.Context, prev ledger.Header) error {
	if finish := s.config.FinishSequence; finish != 0 && prev.Sequence >= finish {
		s.logger.Info("finish sequence already committed", "sequence", finish)
		return nil
	}
	extracted := make(chan *ledger.Data, s.config.ExtractorQueueSize)
	batches := make(chan *Batch, s.config.TransformerQueueSize)
	extractor := NewExtractor(ExtractorConfig{
		Logger:    s.config.Logger,
		Fetcher:   s.config.LoadBalancer,
		Validated: s.config.Validated,
		NeedNeighbors: func() bool {
			return !s.config.Cache.IsFull()
		},
		Out:              extracted,
		StartSequence:    prev.Sequence + 1,
		FinishSequence:   s.config.FinishSequence,
		Workers:          s.config.ExtractorWorkers,
		RetryInterval:    s.config.FetchRetryInterval,
		MaxRetryInterval: s.config.MaxFetchRetryInterval,
	})
	extractor.metrics = s.metrics
	transformer := NewTransformer(TransformerConfig{
		Logger:   s.config.Logger,
		Cache:    s.config.Cache,
		In:       extracted,
		Out:      batches,
		Previous: prev,
	})
	transformer.metrics = s.metrics
	loader := NewLoader(LoaderConfig{
		Logger:             s.config.Logger,
		Backend:            s.config.Backend,
		Cache:              s.config.Cache,
		EventBus:           s.config.EventBus,
		In:                 batches,
		Committed:          prev.Sequence,
		WriteRetries:       s.config.WriteRetries,
		WriteRetryInterval: s.config.WriteRetryInterval,
		OnCommit:           s.onCommit,
	})
	loader.metrics = s.metrics
	s.logger.Info("starting ledger pipeline", "start", prev.Sequence+1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return extractor.Run(gctx) })
	g.Go(func() error { return transformer.Run(gctx) })
	g.Go(func() error { return loader.Run(gctx) })
	return g.Wait()
}

func (s *Service) coldStartWithRetry(ctx context.Context) (ledger.Header, error) {
	// Every attempt reloads the same snapshot
	seq := s.config.StartSequence
	if seq == 0 {
		var err error
		seq, err = s.config.Validated.WaitForMostRecent(ctx)
		if err != nil {
			return ledger.Header{}, err
		}
	}
	bo := backoff.WithContext(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(s.config.RestartDelay),
			backoff.WithMaxElapsedTime(0),
		),
		ctx,
	)
	return backoff.RetryNotifyWithData(
		func() (ledger.Header, error) {
			hdr, err := s.coldStart(ctx, seq)
			if errors.Is(err, ErrDataInconsistency) || errors.Is(err, ErrAmendmentBlocked) {
				return hdr, backoff.Permanent(err)
			}
			return hdr, err
		},
		bo,
		func(err error, wait time.Duration) {
			s.logger.Warn("initial ledger load failed", "error", err, "retry_in", wait)
		},
	)
}

// coldStart downloads the full object set of ledger seq into storage and
// writes the commit marker last. The cache is filled from storage only after
// the marker is written. An interrupted load discards what it wrote and
// starts over.
func (s *Service) coldStart(ctx context.Context, seq uint32) (ledger.Header, error) {
	if err := s.config.Backend.DiscardUncommitted(ctx); err != nil {
		return ledger.Header{}, err
	}
	s.logger.Info("loading initial ledger", "sequence", seq)
	start := time.Now()
	extractor := NewExtractor(ExtractorConfig{
		Logger:           s.config.Logger,
		Fetcher:          s.config.LoadBalancer,
		Validated:        s.config.Validated,
		NeedNeighbors:    func() bool { return false },
		RetryInterval:    s.config.FetchRetryInterval,
		MaxRetryInterval: s.config.MaxFetchRetryInterval,
	})
	extractor.metrics = s.metrics
	d, err := extractor.fetch(ctx, seq)
	if err != nil {
		return ledger.Header{}, err
	}
	hdr := d.Header
	if err := hdr.Verify(); err != nil {
		return ledger.Header{}, fmt.Errorf("%w: %w", ErrDataInconsistency, err)
	}
	if hdr.Sequence != seq {
		return ledger.Header{}, fmt.Errorf(
			"%w: requested ledger %d, got %d",
			ErrDataInconsistency,
			seq,
			hdr.Sequence,
		)
	}
	if !hdr.Supported() {
		return ledger.Header{}, fmt.Errorf(
			"%w: ledger %d has version %d",
			ErrAmendmentBlocked,
			seq,
			hdr.Version,
		)
	}
	var count atomic.Int64
	err = s.config.LoadBalancer.LoadInitialLedger(
		ctx,
		seq,
		s.config.InitialLoadMarkers,
		func(objs []ledger.Object) error {
			if err := s.config.Backend.WriteObjects(ctx, seq, objs); err != nil {
				return err
			}
			count.Add(int64(len(objs)))
			return nil
		},
	)
	if err != nil {
		return ledger.Header{}, fmt.Errorf("load initial ledger %d: %w", seq, err)
	}
	if err := s.config.Backend.BuildSuccessorIndex(ctx, seq); err != nil {
		return ledger.Header{}, fmt.Errorf("build successor index: %w", err)
	}
	txs := make([]ledger.Transaction, 0, len(d.Transactions))
	for _, tx := range d.Transactions {
		tx.Accounts = normalizeAccounts(tx.Accounts)
		txs = append(txs, tx)
	}
	err = s.config.Backend.WriteLedger(ctx, &database.LedgerWrite{
		Header:       hdr,
		Transactions: txs,
	})
	if err == nil {
		err = s.config.Backend.WriteCommitMarker(ctx, seq)
	}
	if err != nil {
		if errors.Is(err, database.ErrUnsupported) {
			return ledger.Header{}, fmt.Errorf("%w: %w", ErrAmendmentBlocked, err)
		}
		return ledger.Header{}, fmt.Errorf("write initial ledger %d: %w", seq, err)
	}
	s.firstSeq.Store(seq)
	if err := s.snapshotLoader.Load(ctx, seq); err != nil {
		if ctx.Err() != nil {
			return ledger.Header{}, ctx.Err()
		}
		// Ingestion continues with neighbors fetched from upstream
		s.logger.Error(
			"failed to load ledger cache from storage",
			"sequence", seq,
			"error", err,
		)
	}
	publishAdvanced(ctx, s.config.EventBus, hdr, int(count.Load()), len(txs))
	s.onCommit(seq)
	s.logger.Info(
		"initial ledger loaded",
		"sequence", seq,
		"objects", count.Load(),
		"duration", time.Since(start),
	)
	return hdr, nil
}

// runReadOnly follows the ledgers committed by the writer, applying their
// diffs from storage to the cache
func (s *Service) runReadOnly(ctx context.Context, g *errgroup.Group) error {
	ticker := time.NewTicker(s.config.ReadOnlyPollInterval)
	defer ticker.Stop()
	next := s.committed.Load() + 1
	loaded := s.committed.Load() != 0
	lastAdvance := time.Now()
	warned := false
	for {
		rng, ok, err := s.config.Backend.LedgerRange(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("failed to read ledger range", "error", err)
		case ok && !loaded:
			// The writer committed its first ledger after we started
			s.firstSeq.Store(rng.Min)
			s.committed.Store(rng.Max)
			if err := s.loadCache(ctx, g, rng.Max); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("failed to load ledger cache", "error", err)
				break
			}
			loaded = true
			next = rng.Max + 1
			lastAdvance = time.Now()
		case ok:
			for ; next <= rng.Max; next++ {
				if err := s.applyFromStorage(ctx, next); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					s.logger.Warn(
						"failed to read committed ledger",
						"sequence", next,
						"error", err,
					)
					break
				}
				lastAdvance = time.Now()
				warned = false
			}
		}
		if validated, ok := s.config.Validated.MostRecent(); ok &&
			validated >= next &&
			time.Since(lastAdvance) > s.config.WriterTimeout &&
			!warned {
			s.logger.Warn(
				"writer has not committed a validated ledger",
				"sequence", next,
				"network_validated", validated,
				"silent_for", time.Since(lastAdvance).Round(time.Second),
			)
			warned = true
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) applyFromStorage(ctx context.Context, seq uint32) error {
	hdr, err := s.config.Backend.Header(ctx, seq)
	if err != nil {
		return err
	}
	objs, err := s.config.Backend.Diff(ctx, seq)
	if err != nil {
		return err
	}
	if c := s.config.Cache; seq > c.LatestSequence() {
		c.Update(seq, objs)
	}
	publishAdvanced(ctx, s.config.EventBus, hdr, len(objs), 0)
	s.onCommit(seq)
	return nil
}

func (s *Service) onCommit(seq uint32) {
	s.lastPublish.Store(time.Now().UnixNano())
	if seq > s.committed.Load() {
		s.committed.Store(seq)
	}
	s.firstSeq.CompareAndSwap(0, seq)
	s.metrics.lastCommitted.Set(float64(seq))
	s.metrics.syncState.Set(float64(s.SyncState()))
	if s.config.OnCommit != nil {
		s.config.OnCommit(seq)
	}
}

// State returns the pipeline state
func (s *Service) State() State {
	return s.state.get()
}

// SyncState reports Monitoring once the last committed ledger is at most one
// behind the most recent network validated ledger
func (s *Service) SyncState() SyncState {
	validated, ok := s.config.Validated.MostRecent()
	committed := s.committed.Load()
	if ok && committed != 0 && committed+1 >= validated {
		return Monitoring
	}
	return Syncing
}

// ValidatedRange returns the range of ledgers committed to storage
func (s *Service) ValidatedRange() (ledger.Range, bool) {
	first := s.firstSeq.Load()
	last := s.committed.Load()
	if first == 0 || last == 0 {
		return ledger.Range{}, false
	}
	return ledger.Range{Min: first, Max: last}, true
}

// LastPublish returns when the last ledger was published, or the zero time
func (s *Service) LastPublish() time.Time {
	v := s.lastPublish.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Cache returns a read-only view of the ledger cache
func (s *Service) Cache() cache.Reader {
	return s.config.Cache
}

type CacheInfo struct {
	Full             bool    `json:"full"`
	Disabled         bool    `json:"disabled"`
	Size             int     `json:"size"`
	LatestSequence   uint32  `json:"latestSequence"`
	ObjectHitRate    float64 `json:"objectHitRate"`
	SuccessorHitRate float64 `json:"successorHitRate"`
}

// Info is the service status reported by the status server
type Info struct {
	State            string    `json:"state"`
	HaltReason       string    `json:"haltReason,omitempty"`
	Error            string    `json:"error,omitempty"`
	SyncState        string    `json:"syncState"`
	ReadOnly         bool      `json:"readOnly"`
	ValidatedRange   string    `json:"validatedRange,omitempty"`
	NetworkValidated uint32    `json:"networkValidated,omitempty"`
	LastPublish      time.Time `json:"lastPublish,omitzero"`
	Cache            CacheInfo `json:"cache"`
}

func (s *Service) Info() Info {
	state := s.State()
	c := s.config.Cache
	ret := Info{
		State:       state.String(),
		SyncState:   s.SyncState().String(),
		ReadOnly:    s.config.ReadOnly,
		LastPublish: s.LastPublish(),
		Cache: CacheInfo{
			Full:             c.IsFull(),
			Disabled:         c.IsDisabled(),
			Size:             c.Size(),
			LatestSequence:   c.LatestSequence(),
			ObjectHitRate:    c.ObjectHitRate(),
			SuccessorHitRate: c.SuccessorHitRate(),
		},
	}
	if state.Halted {
		ret.HaltReason = state.Reason.String()
		if state.Err != nil {
			ret.Error = state.Err.Error()
		}
	}
	if rng, ok := s.ValidatedRange(); ok {
		ret.ValidatedRange = rng.String()
	}
	if validated, ok := s.config.Validated.MostRecent(); ok {
		ret.NetworkValidated = validated
	}
	return ret
}
