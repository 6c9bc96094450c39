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

package httpsource

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/upstream"
)

// NewHandler serves svc over Connect. It returns the path prefix to mount
// the handler on.
func NewHandler(
	svc upstream.Service,
	opts ...connect.HandlerOption,
) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(upstream.Codec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(upstream.ServerInfoProcedure, connect.NewUnaryHandler(
		upstream.ServerInfoProcedure,
		func(ctx context.Context, _ *connect.Request[upstream.Empty]) (*connect.Response[upstream.ServerInfo], error) {
			resp, err := svc.ServerInfo(ctx)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(resp), nil
		},
		opts...,
	))
	mux.Handle(upstream.GetLedgerProcedure, connect.NewUnaryHandler(
		upstream.GetLedgerProcedure,
		func(ctx context.Context, req *connect.Request[upstream.GetLedgerRequest]) (*connect.Response[ledger.Data], error) {
			resp, err := svc.GetLedger(ctx, req.Msg)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(resp), nil
		},
		opts...,
	))
	mux.Handle(upstream.GetLedgerPageProcedure, connect.NewUnaryHandler(
		upstream.GetLedgerPageProcedure,
		func(ctx context.Context, req *connect.Request[upstream.GetLedgerPageRequest]) (*connect.Response[upstream.LedgerPage], error) {
			resp, err := svc.GetLedgerPage(ctx, req.Msg)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(resp), nil
		},
		opts...,
	))
	mux.Handle(upstream.ForwardProcedure, connect.NewUnaryHandler(
		upstream.ForwardProcedure,
		func(ctx context.Context, req *connect.Request[upstream.ForwardRequest]) (*connect.Response[upstream.ForwardResponse], error) {
			resp, err := svc.Forward(ctx, req.Msg)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(resp), nil
		},
		opts...,
	))
	mux.Handle(upstream.SubscribeProcedure, connect.NewServerStreamHandler(
		upstream.SubscribeProcedure,
		func(ctx context.Context, _ *connect.Request[upstream.Empty], stream *connect.ServerStream[upstream.LedgerClosed]) error {
			err := svc.Subscribe(ctx, stream.Send)
			if err != nil {
				return toConnectError(err)
			}
			return nil
		},
		opts...,
	))
	return "/" + upstream.ServiceName + "/", mux
}

// toConnectError maps upstream errors onto Connect error codes
func toConnectError(err error) error {
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, upstream.ErrUnavailable):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, upstream.ErrMalformed):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, upstream.ErrUnsupportedMethod):
		return connect.NewError(connect.CodeUnimplemented, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
