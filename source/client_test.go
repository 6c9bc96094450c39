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

package source_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blinklabs-io/tally/internal/test/testutil"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/source"
	"github.com/blinklabs-io/tally/upstream"
	"github.com/blinklabs-io/tally/upstream/upstreamtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testNetworkID = 21338

func newChain(t *testing.T, numLedgers int) *upstreamtest.Chain {
	t.Helper()
	chain := upstreamtest.NewChain(1, map[ledger.Key][]byte{
		{0x10}: []byte("a"),
		{0x20}: []byte("b"),
	})
	for i := 1; i < numLedgers; i++ {
		chain.Next(map[ledger.Key][]byte{
			{0x30, byte(i)}: []byte{byte(i)},
		})
	}
	return chain
}

func newNode(t *testing.T, numLedgers int) (*upstreamtest.Node, *upstreamtest.Chain) {
	t.Helper()
	chain := newChain(t, numLedgers)
	node := upstreamtest.NewNode(testNetworkID)
	node.AddLedgers(chain.Ledgers()...)
	return node, chain
}

func testConfig(node *upstreamtest.Node) source.ClientConfig {
	return source.ClientConfig{
		Name: "test",
		Dial: func(context.Context) (source.Transport, error) {
			return node.Transport(), nil
		},
		NetworkID:            testNetworkID,
		CheckNetworkID:       true,
		RequestTimeout:       time.Second,
		InitialRetryInterval: 10 * time.Millisecond,
		MaxRetryInterval:     50 * time.Millisecond,
	}
}

// startClient runs the client until the returned stop function is called
func startClient(t *testing.T, cfg source.ClientConfig) (*source.Client, func()) {
	t.Helper()
	client, err := source.NewClient(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.Run(ctx)
	}()
	return client, func() {
		cancel()
		wg.Wait()
	}
}

func waitForState(t *testing.T, client *source.Client, state source.State) {
	t.Helper()
	testutil.WaitForCondition(
		t,
		func() bool { return client.State() == state },
		2*time.Second,
		"source did not reach state "+state.String(),
	)
}

func TestClientConnectAndFetch(t *testing.T) {
	defer goleak.VerifyNone(t)
	node, chain := newNode(t, 10)
	client, stop := startClient(t, testConfig(node))
	defer stop()
	waitForState(t, client, source.StateConnectedValidated)

	assert.True(t, client.HasLedger(5))
	assert.False(t, client.HasLedger(11))
	d, err := client.FetchLedger(context.Background(), 5, true, false)
	require.NoError(t, err)
	assert.Equal(t, chain.Ledger(5).Header, d.Header)
	assert.Len(t, d.Objects, 1)
	assert.False(t, d.ObjectNeighborsIncluded)

	_, err = client.FetchLedger(context.Background(), 11, true, false)
	require.ErrorIs(t, err, source.ErrNotFound)
	// A missing ledger does not fail the source
	assert.Equal(t, source.StateConnectedValidated, client.State())
	assert.Greater(t, client.Health().SuccessRate, 0.99)
}

func TestClientNotReadyIsNotFailed(t *testing.T) {
	defer goleak.VerifyNone(t)
	node, chain := newNode(t, 10)
	cfg := testConfig(node)
	client, err := source.NewClient(cfg)
	require.NoError(t, err)
	client.SetTarget(12)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitForState(t, client, source.StateConnectedUnvalidated)
	testutil.RequireNoReceive(
		t,
		stateChanges(ctx, client, source.StateFailed),
		100*time.Millisecond,
		"lagging source must not fail",
	)

	node.CloseLedger(chain.Next(nil))
	node.CloseLedger(chain.Next(nil))
	waitForState(t, client, source.StateConnectedValidated)
	assert.True(t, client.HasLedger(12))
}

// stateChanges reports when the client enters state
func stateChanges(
	ctx context.Context,
	client *source.Client,
	state source.State,
) <-chan source.State {
	ch := make(chan source.State, 1)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if client.State() == state {
					ch <- state
					return
				}
			}
		}
	}()
	return ch
}

func TestClientMalformedProbeFails(t *testing.T) {
	defer goleak.VerifyNone(t)
	node, _ := newNode(t, 3)
	node.SetMalformed(true)
	client, stop := startClient(t, testConfig(node))
	defer stop()
	waitForState(t, client, source.StateFailed)

	// Failed is terminal until reset
	calls := node.Calls("ServerInfo")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, node.Calls("ServerInfo"))

	node.SetMalformed(false)
	client.Reset()
	waitForState(t, client, source.StateConnectedValidated)
}

func TestClientNetworkMismatchFails(t *testing.T) {
	defer goleak.VerifyNone(t)
	node, _ := newNode(t, 3)
	cfg := testConfig(node)
	cfg.NetworkID = 1
	client, stop := startClient(t, cfg)
	defer stop()
	waitForState(t, client, source.StateFailed)
}

func TestClientAmendmentBlockedFails(t *testing.T) {
	defer goleak.VerifyNone(t)
	node, _ := newNode(t, 3)
	node.SetAmendmentBlocked(true)
	client, stop := startClient(t, testConfig(node))
	defer stop()
	waitForState(t, client, source.StateFailed)
}

func TestClientFailedAutoRetry(t *testing.T) {
	defer goleak.VerifyNone(t)
	node, _ := newNode(t, 3)
	node.SetMalformed(true)
	cfg := testConfig(node)
	cfg.FailedRetryInterval = 50 * time.Millisecond
	client, stop := startClient(t, cfg)
	defer stop()
	waitForState(t, client, source.StateFailed)
	node.SetMalformed(false)
	waitForState(t, client, source.StateConnectedValidated)
}

func TestClientReconnects(t *testing.T) {
	defer goleak.VerifyNone(t)
	node, _ := newNode(t, 3)
	client, stop := startClient(t, testConfig(node))
	defer stop()
	waitForState(t, client, source.StateConnectedValidated)

	node.SetDown(true)
	testutil.WaitForCondition(
		t,
		func() bool { return !client.IsConnected() },
		2*time.Second,
		"source should notice the upstream going down",
	)
	assert.NotEqual(t, source.StateFailed, client.State())
	_, err := client.FetchLedger(context.Background(), 2, false, false)
	require.ErrorIs(t, err, source.ErrDisconnected)

	node.SetDown(false)
	waitForState(t, client, source.StateConnectedValidated)
	testutil.WaitForCondition(
		t,
		func() bool { return node.Subscribers() == 1 },
		2*time.Second,
		"source should resubscribe",
	)
}

func TestClientTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	node, _ := newNode(t, 3)
	cfg := testConfig(node)
	cfg.RequestTimeout = 50 * time.Millisecond
	client, stop := startClient(t, cfg)
	defer stop()
	waitForState(t, client, source.StateConnectedValidated)

	node.SetLatency(200 * time.Millisecond)
	_, err := client.FetchLedger(context.Background(), 2, false, false)
	require.ErrorIs(t, err, source.ErrTimeout)
	assert.Equal(t, uint32(1), client.Health().ConsecutiveFailures)
}

func TestClientForward(t *testing.T) {
	defer goleak.VerifyNone(t)
	node, _ := newNode(t, 3)
	cfg := testConfig(node)

	idle, err := source.NewClient(cfg)
	require.NoError(t, err)
	_, err = idle.Forward(context.Background(), &upstream.ForwardRequest{Method: "fee"})
	require.ErrorIs(t, err, source.ErrNoConnection)

	client, stop := startClient(t, cfg)
	defer stop()
	waitForState(t, client, source.StateConnectedValidated)
	raw, err := client.Forward(context.Background(), &upstream.ForwardRequest{Method: "fee"})
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "fee", result["method"])
}

func TestClientLedgerClosedHook(t *testing.T) {
	defer goleak.VerifyNone(t)
	node, chain := newNode(t, 3)
	validated := source.NewValidatedLedgers()
	cfg := testConfig(node)
	cfg.Validated = validated
	client, stop := startClient(t, cfg)
	defer stop()
	closed := make(chan uint32, 4)
	client.OnLedgerClosed(func(seq uint32) {
		closed <- seq
	})
	waitForState(t, client, source.StateConnectedValidated)
	latest, ok := validated.MostRecent()
	require.True(t, ok)
	assert.Equal(t, uint32(3), latest)

	node.CloseLedger(chain.Next(nil))
	seq := testutil.RequireReceive(t, closed, time.Second, "ledger closed hook")
	assert.Equal(t, uint32(4), seq)
	latest, _ = validated.MostRecent()
	assert.Equal(t, uint32(4), latest)
	assert.Equal(t, "1-4", client.ValidatedRange().String())
}

func TestClientLoadInitialLedger(t *testing.T) {
	defer goleak.VerifyNone(t)
	initial := make(map[ledger.Key][]byte)
	for i := range 600 {
		key := ledger.Key{byte(i * 7), byte(i)}
		initial[key] = []byte{byte(i)}
	}
	chain := upstreamtest.NewChain(50, initial)
	node := upstreamtest.NewNode(testNetworkID)
	node.AddLedgers(chain.Ledgers()...)
	client, stop := startClient(t, testConfig(node))
	defer stop()
	waitForState(t, client, source.StateConnectedValidated)

	var mu sync.Mutex
	got := make(map[ledger.Key][]byte)
	var pages atomic.Int32
	err := client.LoadInitialLedger(
		context.Background(),
		50,
		16,
		func(objs []ledger.Object) error {
			pages.Add(1)
			mu.Lock()
			defer mu.Unlock()
			for _, obj := range objs {
				_, dup := got[obj.Key]
				assert.False(t, dup, "duplicate key %s", obj.Key)
				got[obj.Key] = obj.Data
			}
			return nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, chain.State(), got)
	assert.GreaterOrEqual(t, int(pages.Load()), 16)
}

func TestMarkers(t *testing.T) {
	markers := source.Markers(4)
	require.Len(t, markers, 4)
	assert.Equal(t, ledger.FirstKey, markers[0])
	assert.Equal(t, byte(0x40), markers[1][0])
	assert.Equal(t, byte(0xc0), markers[3][0])
	assert.Len(t, source.Markers(0), 1)
	assert.Len(t, source.Markers(1000), source.MaxMarkers)
}
