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

package httpsource_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/blinklabs-io/tally/internal/test/testutil"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/source"
	"github.com/blinklabs-io/tally/source/httpsource"
	"github.com/blinklabs-io/tally/upstream"
	"github.com/blinklabs-io/tally/upstream/upstreamtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveNode(t *testing.T, node *upstreamtest.Node) string {
	t.Helper()
	path, handler := httpsource.NewHandler(node)
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func newNode() (*upstreamtest.Node, *upstreamtest.Chain) {
	chain := upstreamtest.NewChain(20, map[ledger.Key][]byte{
		{0x02}: []byte("two"),
		{0x04}: []byte("four"),
	})
	chain.Next(map[ledger.Key][]byte{
		{0x03}: []byte("three"),
	})
	node := upstreamtest.NewNode(1)
	node.AddLedgers(chain.Ledgers()...)
	return node, chain
}

func TestTransportUnary(t *testing.T) {
	node, chain := newNode()
	tr := httpsource.NewTransport(serveNode(t, node) + "/")
	defer tr.Close()
	ctx := context.Background()

	info, err := tr.ServerInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "20-21", info.ValidatedLedgers)

	d, err := tr.GetLedger(ctx, &upstream.GetLedgerRequest{
		Sequence:  21,
		Objects:   true,
		Neighbors: true,
	})
	require.NoError(t, err)
	assert.Equal(t, chain.Ledger(21).Header, d.Header)
	require.Len(t, d.Objects, 1)
	assert.Equal(t, ledger.Key{0x02}, *d.Objects[0].Predecessor)
	assert.Equal(t, ledger.Key{0x04}, *d.Objects[0].Successor)

	page, err := tr.GetLedgerPage(ctx, &upstream.GetLedgerPageRequest{
		Sequence: 21,
		Marker:   ledger.Key{0x03},
	})
	require.NoError(t, err)
	require.Len(t, page.Objects, 2)
	assert.Equal(t, ledger.Key{0x03}, page.Objects[0].Key)
	assert.Nil(t, page.Marker)

	resp, err := tr.Forward(ctx, &upstream.ForwardRequest{Method: "server_info"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"server_info","networkId":1}`, string(resp.Result))
}

func TestTransportErrors(t *testing.T) {
	node, _ := newNode()
	tr := httpsource.NewTransport(serveNode(t, node))
	defer tr.Close()
	ctx := context.Background()

	_, err := tr.GetLedger(ctx, &upstream.GetLedgerRequest{Sequence: 5})
	require.ErrorIs(t, err, upstream.ErrNotFound)

	node.SetDown(true)
	_, err = tr.ServerInfo(ctx)
	require.ErrorIs(t, err, upstream.ErrUnavailable)
	node.SetDown(false)

	node.SetLatency(200 * time.Millisecond)
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = tr.ServerInfo(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	tr := httpsource.NewTransport(url)
	_, err := tr.ServerInfo(context.Background())
	require.ErrorIs(t, err, upstream.ErrUnavailable)
}

func TestTransportSubscribe(t *testing.T) {
	node, chain := newNode()
	tr := httpsource.NewTransport(serveNode(t, node))
	defer tr.Close()
	ctx, cancel := context.WithCancel(context.Background())

	received := make(chan *upstream.LedgerClosed, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- tr.Subscribe(ctx, func(msg *upstream.LedgerClosed) error {
			received <- msg
			return nil
		})
	}()
	testutil.WaitForCondition(
		t,
		func() bool { return node.Subscribers() == 1 },
		2*time.Second,
		"subscription not registered",
	)
	next := chain.Next(nil)
	node.CloseLedger(next)
	msg := testutil.RequireReceive(t, received, 2*time.Second, "ledger closed")
	assert.Equal(t, uint32(22), msg.Sequence)
	assert.Equal(t, "20-22", msg.ValidatedLedgers)

	cancel()
	err := testutil.RequireReceive(t, errCh, 2*time.Second, "subscription end")
	if err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestClientOverConnect(t *testing.T) {
	node, _ := newNode()
	client, err := source.NewClient(source.ClientConfig{
		Name:                 "connect",
		Dial:                 httpsource.Dial(serveNode(t, node)),
		RequestTimeout:       time.Second,
		InitialRetryInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.Run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()
	testutil.WaitForCondition(
		t,
		func() bool { return client.State() == source.StateConnectedValidated },
		2*time.Second,
		"connect source did not connect",
	)
	assert.True(t, client.HasLedger(21))
	d, err := client.FetchLedger(ctx, 20, true, false)
	require.NoError(t, err)
	assert.Len(t, d.Objects, 2)
}
