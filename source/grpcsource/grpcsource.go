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

// Package grpcsource carries the upstream service over gRPC, using JSON
// message encoding
package grpcsource

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/source"
	"github.com/blinklabs-io/tally/upstream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

func init() {
	encoding.RegisterCodec(upstream.Codec{})
}

var subscribeStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// Transport is a gRPC connection to an upstream node
type Transport struct {
	conn *grpc.ClientConn
}

// NewTransport creates a client connection to target. The connection is
// established lazily on the first call. Without extra options the
// connection is plaintext.
func NewTransport(target string, opts ...grpc.DialOption) (*Transport, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(upstream.CodecName)),
	}
	dialOpts = append(dialOpts, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client for %s: %w", target, err)
	}
	return &Transport{conn: conn}, nil
}

// Dial returns a source.DialFunc that opens a new Transport to target
func Dial(target string, opts ...grpc.DialOption) source.DialFunc {
	return func(context.Context) (source.Transport, error) {
		return NewTransport(target, opts...)
	}
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) ServerInfo(ctx context.Context) (*upstream.ServerInfo, error) {
	resp := new(upstream.ServerInfo)
	if err := t.conn.Invoke(ctx, upstream.ServerInfoProcedure, &upstream.Empty{}, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

func (t *Transport) GetLedger(
	ctx context.Context,
	req *upstream.GetLedgerRequest,
) (*ledger.Data, error) {
	resp := new(ledger.Data)
	if err := t.conn.Invoke(ctx, upstream.GetLedgerProcedure, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

func (t *Transport) GetLedgerPage(
	ctx context.Context,
	req *upstream.GetLedgerPageRequest,
) (*upstream.LedgerPage, error) {
	resp := new(upstream.LedgerPage)
	if err := t.conn.Invoke(ctx, upstream.GetLedgerPageProcedure, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

func (t *Transport) Forward(
	ctx context.Context,
	req *upstream.ForwardRequest,
) (*upstream.ForwardResponse, error) {
	resp := new(upstream.ForwardResponse)
	if err := t.conn.Invoke(ctx, upstream.ForwardProcedure, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

func (t *Transport) Subscribe(
	ctx context.Context,
	fn func(*upstream.LedgerClosed) error,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := t.conn.NewStream(ctx, &subscribeStreamDesc, upstream.SubscribeProcedure)
	if err != nil {
		return fromStatus(err)
	}
	if err := stream.SendMsg(&upstream.Empty{}); err != nil {
		return fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus(err)
	}
	for {
		msg := new(upstream.LedgerClosed)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fromStatus(err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

// fromStatus maps a gRPC status onto the upstream errors
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", upstream.ErrNotFound, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", upstream.ErrMalformed, st.Message())
	case codes.Unimplemented:
		return fmt.Errorf("%w: %s", upstream.ErrUnsupportedMethod, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s", upstream.ErrUnavailable, st.Code(), st.Message())
	}
}
