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

	"github.com/blinklabs-io/tally/internal/test/testutil"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/source"
	"github.com/blinklabs-io/tally/upstream/upstreamtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// slowFetcher serves ledgers from a chain, with later ledgers of each group
// of four answering first
type slowFetcher struct {
	chain  *upstreamtest.Chain
	mu     sync.Mutex
	notYet map[uint32]int
	target uint32
}

func (f *slowFetcher) SetTarget(seq uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = max(f.target, seq)
}

func (f *slowFetcher) FetchLedger(
	ctx context.Context,
	seq uint32,
	objects bool,
	neighbors bool,
) (*ledger.Data, error) {
	f.mu.Lock()
	if f.notYet[seq] > 0 {
		f.notYet[seq]--
		f.mu.Unlock()
		return nil, source.ErrNotYetAvailable
	}
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(3-seq%4) * time.Millisecond):
	}
	d := f.chain.Ledger(seq)
	if d == nil {
		return nil, source.ErrNotYetAvailable
	}
	return d, nil
}

func collect(t *testing.T, ch <-chan *ledger.Data) []uint32 {
	t.Helper()
	var ret []uint32
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return ret
			}
			ret = append(ret, d.Header.Sequence)
		case <-timeout:
			t.Fatal("timeout waiting for extractor output")
			return nil
		}
	}
}

func TestExtractorInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)
	chain := upstreamtest.NewChain(10, testObjects(4))
	for range 30 {
		chain.Next(nil)
	}
	fetcher := &slowFetcher{
		chain:  chain,
		notYet: map[uint32]int{15: 2, 22: 1},
	}
	validated := source.NewValidatedLedgers()
	validated.Push(40)
	out := make(chan *ledger.Data, 2)
	ext := NewExtractor(ExtractorConfig{
		Fetcher:        fetcher,
		Validated:      validated,
		Out:            out,
		StartSequence:  11,
		FinishSequence: 35,
		Workers:        4,
		RetryInterval:  time.Millisecond,
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- ext.Run(context.Background())
	}()
	seqs := collect(t, out)
	require.NoError(t, testutil.RequireReceive(t, errCh, time.Second, "extractor exit"))
	require.Len(t, seqs, 25)
	for i, seq := range seqs {
		assert.Equal(t, uint32(11+i), seq)
	}
	assert.Equal(t, uint32(35), fetcher.target)
}

func TestExtractorWaitsForValidation(t *testing.T) {
	defer goleak.VerifyNone(t)
	chain := upstreamtest.NewChain(10, testObjects(4))
	for range 5 {
		chain.Next(nil)
	}
	validated := source.NewValidatedLedgers()
	validated.Push(12)
	out := make(chan *ledger.Data, 4)
	ext := NewExtractor(ExtractorConfig{
		Fetcher:       &slowFetcher{chain: chain},
		Validated:     validated,
		Out:           out,
		StartSequence: 11,
		Workers:       2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- ext.Run(ctx)
	}()
	var got []uint32
	for range 2 {
		d := testutil.RequireReceive(t, out, time.Second, "validated ledger")
		got = append(got, d.Header.Sequence)
	}
	assert.Equal(t, []uint32{11, 12}, got)
	// Ledger 13 exists upstream but the network has not validated it
	testutil.RequireNoReceive(t, out, 50*time.Millisecond, "unvalidated ledger")
	validated.Push(13)
	d := testutil.RequireReceive(t, out, time.Second, "ledger 13")
	assert.Equal(t, uint32(13), d.Header.Sequence)
	cancel()
	require.NoError(t, testutil.RequireReceive(t, errCh, time.Second, "extractor exit"))
	for range out {
	}
}

func TestExtractorRetriesUnvalidatedPayload(t *testing.T) {
	defer goleak.VerifyNone(t)
	chain := upstreamtest.NewChain(10, testObjects(4))
	chain.Next(nil)
	d := *chain.Ledger(11)
	d.Validated = false
	calls := 0
	fetcher := fetcherFunc(func(seq uint32) (*ledger.Data, error) {
		calls++
		if calls < 3 {
			return &d, nil
		}
		return chain.Ledger(seq), nil
	})
	validated := source.NewValidatedLedgers()
	validated.Push(11)
	ext := NewExtractor(ExtractorConfig{
		Fetcher:       fetcher,
		Validated:     validated,
		RetryInterval: time.Millisecond,
	})
	got, err := ext.fetch(context.Background(), 11)
	require.NoError(t, err)
	assert.True(t, got.Validated)
	assert.Equal(t, 3, calls)
}

type fetcherFunc func(seq uint32) (*ledger.Data, error)

func (f fetcherFunc) SetTarget(uint32) {}

func (f fetcherFunc) FetchLedger(
	_ context.Context,
	seq uint32,
	_ bool,
	_ bool,
) (*ledger.Data, error) {
	return f(seq)
}
