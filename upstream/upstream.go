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

// Package upstream defines the messages exchanged with upstream nodes and the
// service they expose. The transports in source/grpcsource and
// source/httpsource carry these messages as JSON.
package upstream

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/blinklabs-io/tally/ledger"
)

// ServiceName is the fully qualified RPC service name
const ServiceName = "tally.upstream.v1.Upstream"

// Procedure paths
const (
	ServerInfoProcedure    = "/" + ServiceName + "/ServerInfo"
	GetLedgerProcedure     = "/" + ServiceName + "/GetLedger"
	GetLedgerPageProcedure = "/" + ServiceName + "/GetLedgerPage"
	ForwardProcedure       = "/" + ServiceName + "/Forward"
	SubscribeProcedure     = "/" + ServiceName + "/Subscribe"
)

var (
	// ErrNotFound is returned when the node does not have the requested ledger
	ErrNotFound = errors.New("ledger not found")
	// ErrUnavailable is returned when the node cannot be reached
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrMalformed is returned for requests or replies that cannot be decoded
	ErrMalformed = errors.New("malformed message")
	// ErrUnsupportedMethod is returned by Forward for unknown methods
	ErrUnsupportedMethod = errors.New("unsupported method")
)

// Service is implemented by upstream nodes
type Service interface {
	ServerInfo(ctx context.Context) (*ServerInfo, error)
	GetLedger(ctx context.Context, req *GetLedgerRequest) (*ledger.Data, error)
	GetLedgerPage(ctx context.Context, req *GetLedgerPageRequest) (*LedgerPage, error)
	Forward(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error)
	// Subscribe calls fn for every ledger closed by the node until ctx is
	// done, the stream fails or fn returns an error
	Subscribe(ctx context.Context, fn func(*LedgerClosed) error) error
}

// Empty is the request body of ServerInfo and Subscribe
type Empty struct{}

type ServerInfo struct {
	// ValidatedLedgers is the complete ledger range set, e.g. "32570-40000"
	ValidatedLedgers string `json:"validatedLedgers"`
	BuildVersion     string `json:"buildVersion,omitempty"`
	NetworkID        uint32 `json:"networkId"`
	AmendmentBlocked bool   `json:"amendmentBlocked"`
}

type GetLedgerRequest struct {
	Sequence     uint32 `json:"sequence"`
	Transactions bool   `json:"transactions"`
	Objects      bool   `json:"objects"`
	Neighbors    bool   `json:"neighbors"`
}

// GetLedgerPageRequest asks for live objects as of Sequence with keys at or
// after Marker
type GetLedgerPageRequest struct {
	Marker   ledger.Key `json:"marker"`
	Sequence uint32     `json:"sequence"`
	Limit    uint32     `json:"limit"`
}

// LedgerPage is one page of a ledger's object set. Marker is the key to
// request next, or nil once the keyspace is exhausted.
type LedgerPage struct {
	Marker   *ledger.Key     `json:"marker,omitempty"`
	Objects  []ledger.Object `json:"objects"`
	Sequence uint32          `json:"sequence"`
}

// ForwardRequest is an arbitrary read-only call relayed to the node verbatim
type ForwardRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type ForwardResponse struct {
	Result json.RawMessage `json:"result"`
}

// LedgerClosed is pushed on the subscription stream for every validated
// ledger
type LedgerClosed struct {
	ValidatedLedgers string      `json:"validatedLedgers"`
	Hash             ledger.Hash `json:"hash"`
	Sequence         uint32      `json:"sequence"`
}
