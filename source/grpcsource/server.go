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

package grpcsource

import (
	"context"
	"errors"

	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/upstream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func unaryHandler[Req any, Resp any](
	procedure string,
	call func(upstream.Service, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(
		srv any,
		ctx context.Context,
		dec func(any) error,
		interceptor grpc.UnaryServerInterceptor,
	) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		handler := func(ctx context.Context, req any) (any, error) {
			resp, err := call(srv.(upstream.Service), ctx, req.(*Req))
			if err != nil {
				return nil, toStatus(err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: procedure,
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: upstream.ServiceName,
	HandlerType: (*upstream.Service)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ServerInfo",
			Handler: unaryHandler(
				upstream.ServerInfoProcedure,
				func(s upstream.Service, ctx context.Context, _ *upstream.Empty) (*upstream.ServerInfo, error) {
					return s.ServerInfo(ctx)
				},
			),
		},
		{
			MethodName: "GetLedger",
			Handler: unaryHandler(
				upstream.GetLedgerProcedure,
				func(s upstream.Service, ctx context.Context, req *upstream.GetLedgerRequest) (*ledger.Data, error) {
					return s.GetLedger(ctx, req)
				},
			),
		},
		{
			MethodName: "GetLedgerPage",
			Handler: unaryHandler(
				upstream.GetLedgerPageProcedure,
				func(s upstream.Service, ctx context.Context, req *upstream.GetLedgerPageRequest) (*upstream.LedgerPage, error) {
					return s.GetLedgerPage(ctx, req)
				},
			),
		},
		{
			MethodName: "Forward",
			Handler: unaryHandler(
				upstream.ForwardProcedure,
				func(s upstream.Service, ctx context.Context, req *upstream.ForwardRequest) (*upstream.ForwardResponse, error) {
					return s.Forward(ctx, req)
				},
			),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	if err := stream.RecvMsg(new(upstream.Empty)); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	err := srv.(upstream.Service).Subscribe(
		stream.Context(),
		func(msg *upstream.LedgerClosed) error {
			return stream.SendMsg(msg)
		},
	)
	if err != nil {
		return toStatus(err)
	}
	return nil
}

// RegisterService serves svc on s. Clients must use the JSON content subtype,
// as Transport does.
func RegisterService(s grpc.ServiceRegistrar, svc upstream.Service) {
	s.RegisterService(&serviceDesc, svc)
}

// toStatus maps upstream errors onto gRPC status codes
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, upstream.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, upstream.ErrMalformed):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, upstream.ErrUnsupportedMethod):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
