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
	"github.com/blinklabs-io/tally/database"
	"github.com/blinklabs-io/tally/event"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultWriteRetries       = 5
	DefaultWriteRetryInterval = 100 * time.Millisecond

	tracerName = "github.com/blinklabs-io/tally/etl"
)

type LoaderConfig struct {
	Logger   *slog.Logger
	Backend  Backend
	Cache    *cache.LedgerCache
	EventBus *event.EventBus
	In       <-chan *Batch
	// Committed is the sequence of the last committed ledger
	Committed uint32
	// WriteRetries is how many times a failed ledger write is retried
	WriteRetries       int
	WriteRetryInterval time.Duration
	// OnCommit is called after each ledger is committed and published
	OnCommit func(seq uint32)
}

// Loader commits batches to storage, then applies them to the cache and
// publishes them. The cache never gets ahead of the commit marker.
type Loader struct {
	config      LoaderConfig
	logger      *slog.Logger
	metrics     *etlMetrics
	tracer      trace.Tracer
	committed   atomic.Uint32
	lastPublish atomic.Int64
}

func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = DefaultWriteRetries
	}
	if cfg.WriteRetryInterval <= 0 {
		cfg.WriteRetryInterval = DefaultWriteRetryInterval
	}
	l := &Loader{
		config:  cfg,
		logger:  cfg.Logger.With("component", "loader"),
		metrics: newEtlMetrics(nil),
		tracer:  otel.Tracer(tracerName),
	}
	l.committed.Store(cfg.Committed)
	return l
}

// Committed returns the sequence of the last committed ledger
func (l *Loader) Committed() uint32 {
	return l.committed.Load()
}

// LastPublish returns when the last ledger was published, or the zero time
func (l *Loader) LastPublish() time.Time {
	v := l.lastPublish.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Run loads batches until the input channel is closed or ctx is done. A
// batch that has started loading is finished even if ctx is done.
func (l *Loader) Run(ctx context.Context) error {
	for {
		var batch *Batch
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case batch, ok = <-l.config.In:
			if !ok {
				return nil
			}
		}
		if err := l.Load(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Load commits one batch. Writes are retried with backoff. A ledger this
// build cannot store fails with ErrAmendmentBlocked, other persistent
// failures with ErrRestartFromCommitted.
func (l *Loader) Load(ctx context.Context, batch *Batch) error {
	seq := batch.Header.Sequence
	ctx, span := l.tracer.Start(
		ctx,
		"etl.commit",
		trace.WithAttributes(
			attribute.Int64("ledger.sequence", int64(seq)),
			attribute.Int("ledger.objects", len(batch.Objects)),
			attribute.Int("ledger.transactions", len(batch.Transactions)),
		),
	)
	defer span.End()
	start := time.Now()
	// Stopping must not interrupt a ledger half way
	writeCtx := context.WithoutCancel(ctx)
	err := l.retry(ctx, func() error {
		return l.config.Backend.WriteLedger(writeCtx, batch.ledgerWrite())
	})
	if err == nil && seq > l.committed.Load() {
		err = l.retry(ctx, func() error {
			return l.config.Backend.WriteCommitMarker(writeCtx, seq)
		})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		switch {
		case errors.Is(err, database.ErrUnsupported):
			return fmt.Errorf("%w: ledger %d: %w", ErrAmendmentBlocked, seq, err)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("%w: ledger %d: %w", ErrRestartFromCommitted, seq, err)
		}
	}
	if seq > l.committed.Load() {
		l.committed.Store(seq)
	}
	l.metrics.commitDuration.Observe(time.Since(start).Seconds())
	l.metrics.lastCommitted.Set(float64(seq))
	l.metrics.ledgersCommitted.Inc()
	// The cache only moves forward, so a replayed ledger is not applied again
	if c := l.config.Cache; c != nil && seq > c.LatestSequence() {
		c.Update(seq, batch.Objects)
	}
	l.publish(ctx, batch)
	l.logger.Debug(
		"ledger committed",
		"sequence", seq,
		"hash", batch.Header.Hash.String(),
		"objects", len(batch.Objects),
		"transactions", len(batch.Transactions),
	)
	if l.config.OnCommit != nil {
		l.config.OnCommit(seq)
	}
	return nil
}

func (l *Loader) publish(ctx context.Context, batch *Batch) {
	l.lastPublish.Store(time.Now().UnixNano())
	publishAdvanced(
		ctx,
		l.config.EventBus,
		batch.Header,
		len(batch.Objects),
		len(batch.Transactions),
	)
}

// publishAdvanced announces a committed ledger. A full event queue slows the
// caller down rather than dropping the event.
func publishAdvanced(
	ctx context.Context,
	bus *event.EventBus,
	hdr ledger.Header,
	objects, txs int,
) {
	if bus == nil {
		return
	}
	bus.PublishAsyncWait(
		ctx,
		event.LedgerAdvancedEventType,
		event.NewEvent(
			event.LedgerAdvancedEventType,
			event.LedgerAdvancedEvent{
				Header:           hdr,
				ObjectCount:      objects,
				TransactionCount: txs,
			},
		),
	)
}

// retry calls fn until it succeeds, WriteRetries is exhausted or fn fails
// with database.ErrUnsupported
func (l *Loader) retry(ctx context.Context, fn func() error) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(l.config.WriteRetryInterval),
				backoff.WithMaxElapsedTime(0),
			),
			uint64(l.config.WriteRetries),
		),
		ctx,
	)
	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			l.metrics.writeRetries.Inc()
		}
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, database.ErrUnsupported) {
			return backoff.Permanent(err)
		}
		l.logger.Warn("storage write failed", "attempt", attempt, "error", err)
		return err
	}, bo)
}
