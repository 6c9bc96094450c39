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

// Package httpsource carries the upstream service over Connect, which works
// on plain HTTP/1.1 as well as HTTP/2
package httpsource

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/source"
	"github.com/blinklabs-io/tally/upstream"
	"golang.org/x/net/http2"
)

type Option func(*options)

type options struct {
	httpClient connect.HTTPClient
	clientOpts []connect.ClientOption
}

// WithHTTPClient sets the HTTP client used for requests
func WithHTTPClient(client connect.HTTPClient) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithH2C uses HTTP/2 without TLS
func WithH2C() Option {
	return func(o *options) {
		o.httpClient = &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			},
		}
	}
}

// WithGRPC uses the gRPC protocol instead of the Connect protocol. It
// requires HTTP/2, see WithH2C.
func WithGRPC() Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, connect.WithGRPC())
	}
}

// Transport is a Connect client for an upstream node
type Transport struct {
	httpClient    connect.HTTPClient
	serverInfo    *connect.Client[upstream.Empty, upstream.ServerInfo]
	getLedger     *connect.Client[upstream.GetLedgerRequest, ledger.Data]
	getLedgerPage *connect.Client[upstream.GetLedgerPageRequest, upstream.LedgerPage]
	forward       *connect.Client[upstream.ForwardRequest, upstream.ForwardResponse]
	subscribe     *connect.Client[upstream.Empty, upstream.LedgerClosed]
}

// NewTransport returns a client for the node at baseURL, e.g.
// "http://node:51235"
func NewTransport(baseURL string, opts ...Option) *Transport {
	o := &options{
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(o)
	}
	baseURL = strings.TrimRight(baseURL, "/")
	clientOpts := append(
		[]connect.ClientOption{connect.WithCodec(upstream.Codec{})},
		o.clientOpts...,
	)
	return &Transport{
		httpClient: o.httpClient,
		serverInfo: connect.NewClient[upstream.Empty, upstream.ServerInfo](
			o.httpClient,
			baseURL+upstream.ServerInfoProcedure,
			clientOpts...,
		),
		getLedger: connect.NewClient[upstream.GetLedgerRequest, ledger.Data](
			o.httpClient,
			baseURL+upstream.GetLedgerProcedure,
			clientOpts...,
		),
		getLedgerPage: connect.NewClient[upstream.GetLedgerPageRequest, upstream.LedgerPage](
			o.httpClient,
			baseURL+upstream.GetLedgerPageProcedure,
			clientOpts...,
		),
		forward: connect.NewClient[upstream.ForwardRequest, upstream.ForwardResponse](
			o.httpClient,
			baseURL+upstream.ForwardProcedure,
			clientOpts...,
		),
		subscribe: connect.NewClient[upstream.Empty, upstream.LedgerClosed](
			o.httpClient,
			baseURL+upstream.SubscribeProcedure,
			clientOpts...,
		),
	}
}

// Dial returns a source.DialFunc that creates a new Transport for baseURL
func Dial(baseURL string, opts ...Option) source.DialFunc {
	return func(context.Context) (source.Transport, error) {
		return NewTransport(baseURL, opts...), nil
	}
}

func (t *Transport) Close() error {
	type idleCloser interface {
		CloseIdleConnections()
	}
	if c, ok := t.httpClient.(idleCloser); ok {
		c.CloseIdleConnections()
	}
	return nil
}

func (t *Transport) ServerInfo(ctx context.Context) (*upstream.ServerInfo, error) {
	resp, err := t.serverInfo.CallUnary(ctx, connect.NewRequest(&upstream.Empty{}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg, nil
}

func (t *Transport) GetLedger(
	ctx context.Context,
	req *upstream.GetLedgerRequest,
) (*ledger.Data, error) {
	resp, err := t.getLedger.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg, nil
}

func (t *Transport) GetLedgerPage(
	ctx context.Context,
	req *upstream.GetLedgerPageRequest,
) (*upstream.LedgerPage, error) {
	resp, err := t.getLedgerPage.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg, nil
}

func (t *Transport) Forward(
	ctx context.Context,
	req *upstream.ForwardRequest,
) (*upstream.ForwardResponse, error) {
	resp, err := t.forward.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg, nil
}

func (t *Transport) Subscribe(
	ctx context.Context,
	fn func(*upstream.LedgerClosed) error,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := t.subscribe.CallServerStream(ctx, connect.NewRequest(&upstream.Empty{}))
	if err != nil {
		return fromConnectError(err)
	}
	defer stream.Close()
	for stream.Receive() {
		if err := fn(stream.Msg()); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fromConnectError(err)
	}
	return nil
}

// fromConnectError maps a Connect error onto the upstream errors
func fromConnectError(err error) error {
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return err
	}
	switch connectErr.Code() {
	case connect.CodeNotFound:
		return fmt.Errorf("%w: %s", upstream.ErrNotFound, connectErr.Message())
	case connect.CodeDeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, connectErr.Message())
	case connect.CodeCanceled:
		return fmt.Errorf("%w: %s", context.Canceled, connectErr.Message())
	case connect.CodeInvalidArgument:
		return fmt.Errorf("%w: %s", upstream.ErrMalformed, connectErr.Message())
	case connect.CodeUnimplemented:
		return fmt.Errorf("%w: %s", upstream.ErrUnsupportedMethod, connectErr.Message())
	default:
		return fmt.Errorf(
			"%w: %s: %s",
			upstream.ErrUnavailable,
			connectErr.Code(),
			connectErr.Message(),
		)
	}
}
