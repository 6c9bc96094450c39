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
	"io"
	"log/slog"
	"time"

	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/source"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultFetchRetryInterval    = 100 * time.Millisecond
	DefaultMaxFetchRetryInterval = 5 * time.Second
)

type ledgerFetcher interface {
	SetTarget(seq uint32)
	FetchLedger(
		ctx context.Context,
		seq uint32,
		objects bool,
		neighbors bool,
	) (*ledger.Data, error)
}

type ExtractorConfig struct {
	Logger    *slog.Logger
	Fetcher   ledgerFetcher
	Validated *source.ValidatedLedgers
	// NeedNeighbors reports whether object neighbors must be requested from
	// upstream. A nil func always requests them.
	NeedNeighbors func() bool
	Out           chan<- *ledger.Data
	// StartSequence is the first ledger extracted
	StartSequence uint32
	// FinishSequence is the last ledger extracted. Zero means no limit.
	FinishSequence   uint32
	Workers          int
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

// Extractor fetches ledgers in sequence order. With more than one worker,
// ledgers are fetched in parallel but still sent in order.
type Extractor struct {
	config  ExtractorConfig
	logger  *slog.Logger
	metrics *etlMetrics
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultFetchRetryInterval
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = DefaultMaxFetchRetryInterval
	}
	if cfg.NeedNeighbors == nil {
		cfg.NeedNeighbors = func() bool { return true }
	}
	if cfg.Validated == nil {
		cfg.Validated = source.NewValidatedLedgers()
	}
	return &Extractor{
		config:  cfg,
		logger:  cfg.Logger.With("component", "extractor"),
		metrics: newEtlMetrics(nil),
	}
}

// Run extracts ledgers until ctx is done or FinishSequence has been sent.
// The output channel is closed on return.
func (e *Extractor) Run(ctx context.Context) error {
	defer close(e.config.Out)
	g, gctx := errgroup.WithContext(ctx)
	// pending holds one result slot per in-flight ledger, in sequence order
	pending := make(chan chan *ledger.Data, e.config.Workers)
	sem := make(chan struct{}, e.config.Workers)
	g.Go(func() error {
		defer close(pending)
		finish := e.config.FinishSequence
		for seq := e.config.StartSequence; finish == 0 || seq <= finish; seq++ {
			res := make(chan *ledger.Data, 1)
			select {
			case pending <- res:
			case <-gctx.Done():
				return nil
			}
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return nil
			}
			g.Go(func() error {
				defer func() { <-sem }()
				d, err := e.fetch(gctx, seq)
				if err != nil {
					return err
				}
				res <- d
				return nil
			})
			if seq == ^uint32(0) {
				break
			}
		}
		return nil
	})
	g.Go(func() error {
		for res := range pending {
			var d *ledger.Data
			select {
			case d = <-res:
			case <-gctx.Done():
				return nil
			}
			select {
			case e.config.Out <- d:
				e.metrics.extractorQueue.Set(float64(len(e.config.Out)))
			case <-gctx.Done():
				return nil
			}
		}
		if gctx.Err() == nil {
			e.logger.Info(
				"finish sequence reached",
				"sequence", e.config.FinishSequence,
			)
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// fetch retries until ledger seq is fetched as validated or ctx is done
func (e *Extractor) fetch(ctx context.Context, seq uint32) (*ledger.Data, error) {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(e.config.RetryInterval),
		backoff.WithMaxInterval(e.config.MaxRetryInterval),
		backoff.WithMaxElapsedTime(0),
	)
	e.config.Fetcher.SetTarget(seq)
	for {
		// Never ask for a ledger the network has not validated yet
		if !e.config.Validated.WaitUntilValidated(ctx, seq, 0) {
			return nil, ctx.Err()
		}
		d, err := e.config.Fetcher.FetchLedger(
			ctx,
			seq,
			true,
			e.config.NeedNeighbors(),
		)
		if err == nil && d.Validated {
			return d, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			err = errors.New("ledger not validated by upstream")
		}
		wait := bo.NextBackOff()
		if errors.Is(err, source.ErrNotYetAvailable) {
			e.logger.Debug(
				"ledger not yet available",
				"sequence", seq,
				"retry_in", wait,
			)
		} else {
			e.logger.Warn(
				"failed to fetch ledger",
				"sequence", seq,
				"error", err,
				"retry_in", wait,
			)
		}
		e.metrics.fetchRetries.Inc()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
