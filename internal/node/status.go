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
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"connectrpc.com/grpcreflect"
	"github.com/blinklabs-io/tally/etl"
	"github.com/blinklabs-io/tally/internal/version"
	"github.com/blinklabs-io/tally/loadbalancer"
	"github.com/blinklabs-io/tally/source"
	"github.com/blinklabs-io/tally/upstream"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const StatusServiceName = "tally.status.v1.Status"

const (
	StatusInfoProcedure    = "/" + StatusServiceName + "/Info"
	StatusForwardProcedure = "/" + StatusServiceName + "/Forward"
)

type statusProvider interface {
	Info() etl.Info
	State() etl.State
}

type statusForwarder interface {
	Forward(
		ctx context.Context,
		req *upstream.ForwardRequest,
		hint string,
	) (json.RawMessage, error)
	Info() []loadbalancer.SourceInfo
}

// StatusInfo is the reply of the Info procedure
type StatusInfo struct {
	Version string                    `json:"version"`
	ETL     etl.Info                  `json:"etl"`
	Sources []loadbalancer.SourceInfo `json:"sources,omitempty"`
}

// StatusForwardRequest is a read-only call relayed to an upstream source.
// Source names the source to try first.
type StatusForwardRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Source string          `json:"source,omitempty"`
}

// newStatusHandler serves the status service, gRPC health and reflection
// over Connect, gRPC and gRPC-Web. fwd may be nil when no sources are
// configured.
func newStatusHandler(
	svc statusProvider,
	fwd statusForwarder,
	logger *slog.Logger,
) http.Handler {
	mux := http.NewServeMux()
	compress1KB := connect.WithCompressMinBytes(1024)
	codec := connect.WithCodec(upstream.Codec{})
	mux.Handle(StatusInfoProcedure, connect.NewUnaryHandler(
		StatusInfoProcedure,
		func(_ context.Context, _ *connect.Request[upstream.Empty]) (*connect.Response[StatusInfo], error) {
			info := &StatusInfo{
				Version: version.GetVersionString(),
				ETL:     svc.Info(),
			}
			if fwd != nil {
				info.Sources = fwd.Info()
			}
			return connect.NewResponse(info), nil
		},
		codec,
		compress1KB,
	))
	mux.Handle(StatusForwardProcedure, connect.NewUnaryHandler(
		StatusForwardProcedure,
		func(ctx context.Context, req *connect.Request[StatusForwardRequest]) (*connect.Response[upstream.ForwardResponse], error) {
			if fwd == nil {
				return nil, connect.NewError(
					connect.CodeUnavailable,
					errors.New("no upstream sources configured"),
				)
			}
			res, err := fwd.Forward(
				ctx,
				&upstream.ForwardRequest{
					Method: req.Msg.Method,
					Params: req.Msg.Params,
				},
				req.Msg.Source,
			)
			if err != nil {
				logger.Debug(
					"forward failed",
					"component", "status",
					"method", req.Msg.Method,
					"error", err,
				)
				return nil, forwardError(err)
			}
			return connect.NewResponse(&upstream.ForwardResponse{Result: res}), nil
		},
		codec,
		compress1KB,
	))
	mux.Handle(
		grpchealth.NewHandler(
			&etlChecker{svc: svc},
			compress1KB,
		),
	)
	reflector := grpcreflect.NewStaticReflector(
		StatusServiceName,
		grpchealth.HealthV1ServiceName,
	)
	mux.Handle(grpcreflect.NewHandlerV1(reflector, compress1KB))
	mux.Handle(grpcreflect.NewHandlerV1Alpha(reflector, compress1KB))
	// Use h2c so we can serve HTTP/2 without TLS
	return h2c.NewHandler(mux, &http2.Server{})
}

func forwardError(err error) error {
	switch {
	case errors.Is(err, upstream.ErrUnsupportedMethod):
		return connect.NewError(connect.CodeUnimplemented, err)
	case errors.Is(err, upstream.ErrMalformed):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, source.ErrNoConnection),
		errors.Is(err, loadbalancer.ErrAllSourcesFailed):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// etlChecker reports NOT_SERVING once the pipeline has halted
type etlChecker struct {
	svc statusProvider
}

func (c *etlChecker) Check(
	_ context.Context,
	req *grpchealth.CheckRequest,
) (*grpchealth.CheckResponse, error) {
	switch req.Service {
	case "", StatusServiceName:
	default:
		return nil, connect.NewError(
			connect.CodeNotFound,
			fmt.Errorf("unknown service %q", req.Service),
		)
	}
	if c.svc.State().Halted {
		return &grpchealth.CheckResponse{Status: grpchealth.StatusNotServing}, nil
	}
	return &grpchealth.CheckResponse{Status: grpchealth.StatusServing}, nil
}
