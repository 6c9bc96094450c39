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

package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/blinklabs-io/tally/etl"
	"github.com/blinklabs-io/tally/loadbalancer"
	"github.com/blinklabs-io/tally/source"
	"github.com/blinklabs-io/tally/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	info  etl.Info
	state etl.State
}

func (f *fakeStatus) Info() etl.Info   { return f.info }
func (f *fakeStatus) State() etl.State { return f.state }

type fakeForwarder struct {
	sources  []loadbalancer.SourceInfo
	lastHint string
	err      error
	mu       sync.Mutex
}

func (f *fakeForwarder) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeForwarder) hint() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHint
}

func (f *fakeForwarder) Forward(
	_ context.Context,
	req *upstream.ForwardRequest,
	hint string,
) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastHint = hint
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"method":"` + req.Method + `"}`), nil
}

func (f *fakeForwarder) Info() []loadbalancer.SourceInfo {
	return f.sources
}

func newStatusServer(t *testing.T, svc statusProvider, fwd statusForwarder) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv := httptest.NewServer(newStatusHandler(svc, fwd, logger))
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusInfo(t *testing.T) {
	svc := &fakeStatus{
		info: etl.Info{
			State:          "running",
			SyncState:      "monitoring",
			ValidatedRange: "100-120",
		},
	}
	fwd := &fakeForwarder{
		sources: []loadbalancer.SourceInfo{{Name: "a", State: "connected"}},
	}
	srv := newStatusServer(t, svc, fwd)
	client := connect.NewClient[upstream.Empty, StatusInfo](
		http.DefaultClient,
		srv.URL+StatusInfoProcedure,
		connect.WithCodec(upstream.Codec{}),
	)
	res, err := client.CallUnary(context.Background(), connect.NewRequest(&upstream.Empty{}))
	require.NoError(t, err)
	assert.Equal(t, "monitoring", res.Msg.ETL.SyncState)
	assert.Equal(t, "100-120", res.Msg.ETL.ValidatedRange)
	require.Len(t, res.Msg.Sources, 1)
	assert.Equal(t, "a", res.Msg.Sources[0].Name)
	assert.NotEmpty(t, res.Msg.Version)
}

func TestStatusForward(t *testing.T) {
	fwd := &fakeForwarder{}
	srv := newStatusServer(t, &fakeStatus{}, fwd)
	client := connect.NewClient[StatusForwardRequest, upstream.ForwardResponse](
		http.DefaultClient,
		srv.URL+StatusForwardProcedure,
		connect.WithCodec(upstream.Codec{}),
	)
	res, err := client.CallUnary(
		context.Background(),
		connect.NewRequest(&StatusForwardRequest{Method: "fee", Source: "b"}),
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"fee"}`, string(res.Msg.Result))
	assert.Equal(t, "b", fwd.hint())

	testDefs := []struct {
		err  error
		code connect.Code
	}{
		{err: source.ErrNoConnection, code: connect.CodeUnavailable},
		{err: loadbalancer.ErrAllSourcesFailed, code: connect.CodeUnavailable},
		{err: upstream.ErrUnsupportedMethod, code: connect.CodeUnimplemented},
		{err: errors.New("boom"), code: connect.CodeInternal},
	}
	for _, testDef := range testDefs {
		fwd.setErr(testDef.err)
		_, err := client.CallUnary(
			context.Background(),
			connect.NewRequest(&StatusForwardRequest{Method: "fee"}),
		)
		require.Error(t, err)
		assert.Equal(t, testDef.code, connect.CodeOf(err), testDef.err.Error())
	}
}

func TestStatusForwardWithoutSources(t *testing.T) {
	srv := newStatusServer(t, &fakeStatus{}, nil)
	client := connect.NewClient[StatusForwardRequest, upstream.ForwardResponse](
		http.DefaultClient,
		srv.URL+StatusForwardProcedure,
		connect.WithCodec(upstream.Codec{}),
	)
	_, err := client.CallUnary(
		context.Background(),
		connect.NewRequest(&StatusForwardRequest{Method: "fee"}),
	)
	require.Error(t, err)
	assert.Equal(t, connect.CodeUnavailable, connect.CodeOf(err))
}

func TestHealthCheckerReflectsHalt(t *testing.T) {
	svc := &fakeStatus{}
	checker := &etlChecker{svc: svc}
	res, err := checker.Check(context.Background(), &grpchealth.CheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpchealth.StatusServing, res.Status)

	svc.state = etl.State{Halted: true, Reason: etl.HaltReasonDataInconsistency}
	res, err = checker.Check(
		context.Background(),
		&grpchealth.CheckRequest{Service: StatusServiceName},
	)
	require.NoError(t, err)
	assert.Equal(t, grpchealth.StatusNotServing, res.Status)

	_, err = checker.Check(
		context.Background(),
		&grpchealth.CheckRequest{Service: "other.Service"},
	)
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}
