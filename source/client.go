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

package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/upstream"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRequestTimeout       = 30 * time.Second
	DefaultInitialRetryInterval = 1 * time.Second
	DefaultMaxRetryInterval     = 30 * time.Second
	// DefaultPageLimit is the page size used by LoadInitialLedger
	DefaultPageLimit = 2048
)

type ClientConfig struct {
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
	Dial         DialFunc
	// Validated is shared by all sources and receives every closed ledger
	Validated *ValidatedLedgers
	Name      string
	// NetworkID is checked against the upstream when CheckNetworkID is set
	NetworkID            uint32
	CheckNetworkID       bool
	RequestTimeout       time.Duration
	InitialRetryInterval time.Duration
	MaxRetryInterval     time.Duration
	// FailedRetryInterval leaves StateFailed automatically after the given
	// interval. Zero waits for Reset.
	FailedRetryInterval time.Duration
}

// Client is a Source backed by a Transport
type Client struct {
	config        ClientConfig
	logger        *slog.Logger
	health        *Health
	metrics       *clientMetrics
	transport     Transport
	sessionCancel context.CancelFunc
	failErr       error
	resetCh       chan struct{}
	hooks         []func(uint32)
	validated     ledger.RangeSet
	mu            sync.RWMutex
	hooksMu       sync.RWMutex
	state         atomic.Int32
	target        atomic.Uint32
}

// NewClient creates a Client. Call Run to connect.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Dial == nil {
		return nil, errors.New("source: no dial function")
	}
	if cfg.Name == "" {
		return nil, errors.New("source: no name")
	}
	if cfg.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Validated == nil {
		cfg.Validated = NewValidatedLedgers()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.InitialRetryInterval <= 0 {
		cfg.InitialRetryInterval = DefaultInitialRetryInterval
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = DefaultMaxRetryInterval
	}
	c := &Client{
		config: cfg,
		logger: cfg.Logger.With(
			"component", "source",
			"source", cfg.Name,
		),
		health:  NewHealth(0),
		metrics: &clientMetrics{},
		resetCh: make(chan struct{}, 1),
	}
	c.metrics.init(cfg.PromRegistry, cfg.Name)
	c.metrics.healthScore.Set(c.health.Score())
	return c, nil
}

func (c *Client) Name() string {
	return c.config.Name
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) IsConnected() bool {
	return c.State().Connected()
}

func (c *Client) HasLedger(seq uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport != nil && c.validated.Contains(seq)
}

func (c *Client) ValidatedRange() ledger.RangeSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validated
}

func (c *Client) SetTarget(seq uint32) {
	if c.target.Swap(seq) != seq {
		c.evaluate()
	}
}

func (c *Client) Reset() {
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

func (c *Client) Health() HealthSnapshot {
	return c.health.Snapshot()
}

func (c *Client) OnLedgerClosed(fn func(seq uint32)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

func (c *Client) setState(state State) {
	old := State(c.state.Swap(int32(state)))
	if old == state {
		return
	}
	c.metrics.state.Set(float64(state))
	c.logger.Debug(
		"source state changed",
		"from", old.String(),
		"to", state.String(),
	)
}

// Run connects to the upstream and keeps reconnecting until ctx is done
func (c *Client) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.config.InitialRetryInterval),
		backoff.WithMaxInterval(c.config.MaxRetryInterval),
		backoff.WithMaxElapsedTime(0),
	)
	defer c.setState(StateDisconnected)
	for {
		if ctx.Err() != nil {
			return
		}
		if c.State() == StateFailed {
			if !c.waitForReset(ctx) {
				return
			}
			bo.Reset()
		}
		err := c.connect(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		if isFatal(err) {
			c.fail(err)
			continue
		}
		c.setState(StateDisconnected)
		wait := bo.NextBackOff()
		c.logger.Info(
			"upstream connection lost, reconnecting",
			"error", err,
			"delay", wait,
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// connect runs one session: dial, probe and follow the subscription until it
// ends
func (c *Client) connect(ctx context.Context, bo backoff.BackOff) error {
	c.setState(StateConnecting)
	dialCtx, dialCancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	t, err := c.config.Dial(dialCtx)
	dialCancel()
	if err != nil {
		return classify(err)
	}
	defer t.Close()
	probeCtx, probeCancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	start := time.Now()
	info, err := t.ServerInfo(probeCtx)
	probeCancel()
	if err = c.observe("ServerInfo", start, err); err != nil {
		return err
	}
	rs, err := c.checkServerInfo(info)
	if err != nil {
		return err
	}
	sessionCtx, sessionCancel := context.WithCancel(ctx)
	defer sessionCancel()
	c.mu.Lock()
	c.transport = t
	c.sessionCancel = sessionCancel
	c.validated = rs
	c.failErr = nil
	c.mu.Unlock()
	c.metrics.connects.Inc()
	c.logger.Info(
		"connected to upstream",
		"validated_ledgers", rs.String(),
		"build_version", info.BuildVersion,
	)
	if latest, ok := rs.Max(); ok {
		c.config.Validated.Push(latest)
	}
	c.evaluate()
	bo.Reset()
	err = t.Subscribe(sessionCtx, c.handleLedgerClosed)
	c.mu.Lock()
	c.transport = nil
	c.sessionCancel = nil
	failErr := c.failErr
	c.mu.Unlock()
	if failErr != nil {
		return failErr
	}
	if err == nil {
		return ErrDisconnected
	}
	return classify(err)
}

func (c *Client) checkServerInfo(info *upstream.ServerInfo) (ledger.RangeSet, error) {
	if info == nil {
		return nil, fmt.Errorf("%w: empty server info", ErrProtocol)
	}
	if info.AmendmentBlocked {
		return nil, ErrAmendmentBlocked
	}
	if c.config.CheckNetworkID && info.NetworkID != c.config.NetworkID {
		return nil, fmt.Errorf(
			"%w: network id mismatch: expected %d, got %d",
			ErrProtocol,
			c.config.NetworkID,
			info.NetworkID,
		)
	}
	rs, err := ledger.ParseRangeSet(info.ValidatedLedgers)
	if err != nil {
		return nil, fmt.Errorf("%w: validated ledgers: %w", ErrProtocol, err)
	}
	return rs, nil
}

func (c *Client) handleLedgerClosed(msg *upstream.LedgerClosed) error {
	if msg == nil {
		return nil
	}
	if msg.ValidatedLedgers != "" {
		rs, err := ledger.ParseRangeSet(msg.ValidatedLedgers)
		if err != nil {
			return fmt.Errorf("%w: validated ledgers: %w", ErrProtocol, err)
		}
		c.mu.Lock()
		c.validated = rs
		c.mu.Unlock()
	} else {
		c.mu.Lock()
		c.validated = extendRangeSet(c.validated, msg.Sequence)
		c.mu.Unlock()
	}
	c.evaluate()
	c.config.Validated.Push(msg.Sequence)
	c.metrics.lastLedger.Set(float64(msg.Sequence))
	c.hooksMu.RLock()
	hooks := c.hooks
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(msg.Sequence)
	}
	return nil
}

func extendRangeSet(rs ledger.RangeSet, seq uint32) ledger.RangeSet {
	if rs.Contains(seq) {
		return rs
	}
	if len(rs) > 0 && rs[len(rs)-1].Max+1 == seq {
		ret := make(ledger.RangeSet, len(rs))
		copy(ret, rs)
		ret[len(ret)-1].Max = seq
		return ret
	}
	return append(rs, ledger.Range{Min: seq, Max: seq})
}

// evaluate sets the connected state from the validated range and target
func (c *Client) evaluate() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.transport == nil || c.State() == StateFailed {
		return
	}
	target := c.target.Load()
	ready := len(c.validated) > 0 &&
		(target == 0 || c.validated.Contains(target))
	if ready {
		c.setState(StateConnectedValidated)
	} else {
		c.setState(StateConnectedUnvalidated)
	}
}

// fail moves the source to StateFailed and ends the current session
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.failErr == nil {
		c.failErr = err
	}
	cancel := c.sessionCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c.State() != StateFailed {
		c.logger.Error(
			"source failed",
			"error", err,
		)
	}
	c.setState(StateFailed)
}

func (c *Client) waitForReset(ctx context.Context) bool {
	var timer <-chan time.Time
	if c.config.FailedRetryInterval > 0 {
		t := time.NewTimer(c.config.FailedRetryInterval)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-c.resetCh:
		c.logger.Info("source reset")
	case <-timer:
		c.logger.Info("retrying failed source")
	}
	c.mu.Lock()
	c.failErr = nil
	c.mu.Unlock()
	c.setState(StateDisconnected)
	return true
}

func (c *Client) activeTransport() Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

// observe classifies err and records the request outcome
func (c *Client) observe(method string, start time.Time, err error) error {
	elapsed := time.Since(start)
	err = classify(err)
	result := "success"
	switch {
	case err == nil:
		c.health.Record(elapsed, true)
	case errors.Is(err, ErrNotFound):
		// The upstream answered, it just doesn't have the ledger
		result = "not_found"
		c.health.Record(elapsed, true)
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
		c.health.Record(elapsed, false)
	}
	c.metrics.requests.WithLabelValues(method, result).Inc()
	c.metrics.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	c.metrics.healthScore.Set(c.health.Score())
	if isFatal(err) {
		c.fail(err)
	}
	return err
}

func (c *Client) FetchLedger(
	ctx context.Context,
	seq uint32,
	objects bool,
	neighbors bool,
) (*ledger.Data, error) {
	t := c.activeTransport()
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrDisconnected, c.config.Name)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	start := time.Now()
	d, err := t.GetLedger(reqCtx, &upstream.GetLedgerRequest{
		Sequence:     seq,
		Transactions: true,
		Objects:      objects,
		Neighbors:    neighbors,
	})
	if err = c.observe("GetLedger", start, err); err != nil {
		return nil, err
	}
	if d == nil || d.Header.Sequence != seq {
		err := fmt.Errorf("%w: reply does not match ledger %d", ErrProtocol, seq)
		c.fail(err)
		return nil, err
	}
	return d, nil
}

func (c *Client) FetchLedgerPage(
	ctx context.Context,
	seq uint32,
	marker ledger.Key,
	limit uint32,
) (*upstream.LedgerPage, error) {
	t := c.activeTransport()
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrDisconnected, c.config.Name)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	start := time.Now()
	page, err := t.GetLedgerPage(reqCtx, &upstream.GetLedgerPageRequest{
		Sequence: seq,
		Marker:   marker,
		Limit:    limit,
	})
	if err = c.observe("GetLedgerPage", start, err); err != nil {
		return nil, err
	}
	if page == nil || page.Sequence != seq {
		err := fmt.Errorf("%w: page does not match ledger %d", ErrProtocol, seq)
		c.fail(err)
		return nil, err
	}
	return page, nil
}

func (c *Client) LoadInitialLedger(
	ctx context.Context,
	seq uint32,
	numMarkers int,
	fn func([]ledger.Object) error,
) error {
	markers := Markers(numMarkers)
	g, gctx := errgroup.WithContext(ctx)
	for i, start := range markers {
		var end *ledger.Key
		if i+1 < len(markers) {
			end = &markers[i+1]
		}
		g.Go(func() error {
			return c.loadRange(gctx, seq, start, end, fn)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load ledger %d from %s: %w", seq, c.config.Name, err)
	}
	return nil
}

// loadRange downloads the objects with keys in [start, end). A nil end is the
// end of the keyspace.
func (c *Client) loadRange(
	ctx context.Context,
	seq uint32,
	start ledger.Key,
	end *ledger.Key,
	fn func([]ledger.Object) error,
) error {
	cursor := start
	for {
		page, err := c.FetchLedgerPage(ctx, seq, cursor, DefaultPageLimit)
		if err != nil {
			return err
		}
		objs := page.Objects
		if end != nil {
			for i, obj := range objs {
				if obj.Key.Compare(*end) >= 0 {
					objs = objs[:i]
					break
				}
			}
		}
		if len(objs) > 0 {
			if err := fn(objs); err != nil {
				return err
			}
		}
		if page.Marker == nil {
			return nil
		}
		if end != nil && page.Marker.Compare(*end) >= 0 {
			return nil
		}
		cursor = *page.Marker
	}
}

func (c *Client) Forward(
	ctx context.Context,
	req *upstream.ForwardRequest,
) (json.RawMessage, error) {
	t := c.activeTransport()
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, c.config.Name)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()
	start := time.Now()
	resp, err := t.Forward(reqCtx, req)
	if err = c.observe("Forward", start, err); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty forward response", ErrProtocol)
	}
	return resp.Result, nil
}

// classify maps transport errors onto the source error sentinels
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrDisconnected),
		errors.Is(err, ErrNoConnection),
		errors.Is(err, ErrProtocol),
		errors.Is(err, ErrAmendmentBlocked):
		return err
	case errors.Is(err, upstream.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, upstream.ErrMalformed):
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
}

func isFatal(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrAmendmentBlocked)
}
