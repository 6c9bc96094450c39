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

// Package upstreamtest provides an in-memory upstream node for tests
package upstreamtest

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/blinklabs-io/tally/ledger"
	"github.com/blinklabs-io/tally/upstream"
)

const defaultPageLimit = 256

// Node is a fake upstream node serving ledgers from memory. The zero value
// is not usable, use NewNode.
type Node struct {
	ledgers          map[uint32]*ledger.Data
	states           map[uint32]map[ledger.Key][]byte
	subs             map[int]chan *upstream.LedgerClosed
	calls            map[string]int
	forwardFunc      func(*upstream.ForwardRequest) (*upstream.ForwardResponse, error)
	validated        *string
	latency          time.Duration
	mu               sync.Mutex
	nextSubId        int
	networkID        uint32
	down             bool
	malformed        bool
	amendmentBlocked bool
}

func NewNode(networkID uint32) *Node {
	return &Node{
		networkID: networkID,
		ledgers:   make(map[uint32]*ledger.Data),
		states:    make(map[uint32]map[ledger.Key][]byte),
		subs:      make(map[int]chan *upstream.LedgerClosed),
		calls:     make(map[string]int),
	}
}

// AddLedgers stores ledgers without notifying subscribers. Ledgers must be
// added in sequence order.
func (n *Node) AddLedgers(ds ...*ledger.Data) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, d := range ds {
		n.addLedgerLocked(d)
	}
}

// CloseLedger stores d and notifies subscribers
func (n *Node) CloseLedger(d *ledger.Data) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addLedgerLocked(d)
	msg := &upstream.LedgerClosed{
		Sequence:         d.Header.Sequence,
		Hash:             d.Header.Hash,
		ValidatedLedgers: n.validatedLedgersLocked(),
	}
	for _, ch := range n.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (n *Node) addLedgerLocked(d *ledger.Data) {
	seq := d.Header.Sequence
	state := make(map[ledger.Key][]byte)
	if prev, ok := n.states[seq-1]; ok {
		state = maps.Clone(prev)
	}
	for _, obj := range d.Objects {
		if obj.Mod == ledger.ModTypeDeleted || len(obj.Data) == 0 {
			delete(state, obj.Key)
			continue
		}
		state[obj.Key] = obj.Data
	}
	n.ledgers[seq] = d
	n.states[seq] = state
}

// SetValidatedLedgers overrides the advertised validated range
func (n *Node) SetValidatedLedgers(rangeSet string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.validated = &rangeSet
}

// SetDown makes every call fail as unavailable and ends open subscriptions
func (n *Node) SetDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
	if down {
		for id, ch := range n.subs {
			close(ch)
			delete(n.subs, id)
		}
	}
}

// SetMalformed makes ServerInfo return an unparseable range
func (n *Node) SetMalformed(malformed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.malformed = malformed
}

func (n *Node) SetAmendmentBlocked(blocked bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.amendmentBlocked = blocked
}

// SetLatency delays every unary call
func (n *Node) SetLatency(latency time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = latency
}

func (n *Node) SetForwardFunc(
	fn func(*upstream.ForwardRequest) (*upstream.ForwardResponse, error),
) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.forwardFunc = fn
}

// Calls returns how many times the named method was called
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// Subscribers returns the number of open subscriptions
func (n *Node) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func (n *Node) enter(ctx context.Context, method string) error {
	n.mu.Lock()
	n.calls[method]++
	down := n.down
	latency := n.latency
	n.mu.Unlock()
	if down {
		return upstream.ErrUnavailable
	}
	if latency > 0 {
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (n *Node) validatedLedgersLocked() string {
	if n.validated != nil {
		return *n.validated
	}
	if len(n.ledgers) == 0 {
		return ""
	}
	seqs := slices.Sorted(maps.Keys(n.ledgers))
	return fmt.Sprintf("%d-%d", seqs[0], seqs[len(seqs)-1])
}

func (n *Node) hasLedgerLocked(seq uint32) bool {
	if _, ok := n.ledgers[seq]; !ok {
		return false
	}
	rs, err := ledger.ParseRangeSet(n.validatedLedgersLocked())
	if err != nil {
		return false
	}
	return rs.Contains(seq)
}

func (n *Node) ServerInfo(ctx context.Context) (*upstream.ServerInfo, error) {
	if err := n.enter(ctx, "ServerInfo"); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	ret := &upstream.ServerInfo{
		ValidatedLedgers: n.validatedLedgersLocked(),
		NetworkID:        n.networkID,
		AmendmentBlocked: n.amendmentBlocked,
		BuildVersion:     "upstreamtest",
	}
	if n.malformed {
		ret.ValidatedLedgers = "not-a-range"
	}
	return ret, nil
}

func (n *Node) GetLedger(
	ctx context.Context,
	req *upstream.GetLedgerRequest,
) (*ledger.Data, error) {
	if err := n.enter(ctx, "GetLedger"); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.hasLedgerLocked(req.Sequence) {
		return nil, fmt.Errorf("%w: %d", upstream.ErrNotFound, req.Sequence)
	}
	d := n.ledgers[req.Sequence]
	ret := &ledger.Data{
		Header:    d.Header,
		Validated: d.Validated,
	}
	if req.Transactions {
		ret.Transactions = slices.Clone(d.Transactions)
	}
	if req.Objects {
		ret.Objects = slices.Clone(d.Objects)
		if req.Neighbors {
			n.fillNeighborsLocked(req.Sequence, ret.Objects)
			ret.ObjectNeighborsIncluded = true
		}
	}
	return ret, nil
}

// fillNeighborsLocked sets the neighbors of created and deleted objects as
// of the state after ledger seq
func (n *Node) fillNeighborsLocked(seq uint32, objs []ledger.ObjectChange) {
	keys := slices.SortedFunc(maps.Keys(n.states[seq]), func(a, b ledger.Key) int {
		return a.Compare(b)
	})
	for i := range objs {
		if objs[i].Mod != ledger.ModTypeCreated &&
			objs[i].Mod != ledger.ModTypeDeleted {
			continue
		}
		pred := ledger.FirstKey
		succ := ledger.LastKey
		idx, found := slices.BinarySearchFunc(keys, objs[i].Key, func(a, b ledger.Key) int {
			return a.Compare(b)
		})
		if idx > 0 {
			pred = keys[idx-1]
		}
		if found {
			idx++
		}
		if idx < len(keys) {
			succ = keys[idx]
		}
		objs[i].Predecessor = &pred
		objs[i].Successor = &succ
	}
}

func (n *Node) GetLedgerPage(
	ctx context.Context,
	req *upstream.GetLedgerPageRequest,
) (*upstream.LedgerPage, error) {
	if err := n.enter(ctx, "GetLedgerPage"); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.hasLedgerLocked(req.Sequence) {
		return nil, fmt.Errorf("%w: %d", upstream.ErrNotFound, req.Sequence)
	}
	limit := int(req.Limit)
	if limit <= 0 {
		limit = defaultPageLimit
	}
	state := n.states[req.Sequence]
	keys := slices.SortedFunc(maps.Keys(state), func(a, b ledger.Key) int {
		return a.Compare(b)
	})
	start, _ := slices.BinarySearchFunc(keys, req.Marker, func(a, b ledger.Key) int {
		return a.Compare(b)
	})
	ret := &upstream.LedgerPage{Sequence: req.Sequence}
	for i := start; i < len(keys); i++ {
		if len(ret.Objects) == limit {
			next := keys[i]
			ret.Marker = &next
			break
		}
		ret.Objects = append(ret.Objects, ledger.Object{
			Key:  keys[i],
			Data: state[keys[i]],
		})
	}
	return ret, nil
}

func (n *Node) Forward(
	ctx context.Context,
	req *upstream.ForwardRequest,
) (*upstream.ForwardResponse, error) {
	if err := n.enter(ctx, "Forward"); err != nil {
		return nil, err
	}
	n.mu.Lock()
	fn := n.forwardFunc
	networkID := n.networkID
	n.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	result, err := json.Marshal(map[string]any{
		"method":    req.Method,
		"networkId": networkID,
	})
	if err != nil {
		return nil, err
	}
	return &upstream.ForwardResponse{Result: result}, nil
}

func (n *Node) Subscribe(
	ctx context.Context,
	fn func(*upstream.LedgerClosed) error,
) error {
	if err := n.enter(ctx, "Subscribe"); err != nil {
		return err
	}
	ch := make(chan *upstream.LedgerClosed, 64)
	n.mu.Lock()
	id := n.nextSubId
	n.nextSubId++
	n.subs[id] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		if _, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(ch)
		}
		n.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return upstream.ErrUnavailable
			}
			if err := fn(msg); err != nil {
				return err
			}
		}
	}
}

// Transport wraps the node so it can be used directly as a source transport
func (n *Node) Transport() *Transport {
	return &Transport{Node: n}
}

// Transport is an in-process connection to a Node
type Transport struct {
	*Node
}

func (t *Transport) Close() error {
	return nil
}
