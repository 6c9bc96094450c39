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
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/blinklabs-io/tally/cache"
	"github.com/blinklabs-io/tally/database/types"
	"github.com/blinklabs-io/tally/ledger"
)

type TransformerConfig struct {
	Logger *slog.Logger
	// Cache provides object neighbors for ledgers fetched without them
	Cache *cache.LedgerCache
	In    <-chan *ledger.Data
	Out   chan<- *Batch
	// Previous is the header of the last committed ledger. The first ledger
	// received must be its child.
	Previous ledger.Header
}

// Transformer checks that each ledger fits on the previous one and turns it
// into a Batch
type Transformer struct {
	config  TransformerConfig
	logger  *slog.Logger
	metrics *etlMetrics
	prev    ledger.Header
}

func NewTransformer(cfg TransformerConfig) *Transformer {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Transformer{
		config:  cfg,
		logger:  cfg.Logger.With("component", "transformer"),
		metrics: newEtlMetrics(nil),
		prev:    cfg.Previous,
	}
}

// Run transforms ledgers until the input channel is closed or ctx is done.
// The output channel is closed on return.
func (t *Transformer) Run(ctx context.Context) error {
	defer close(t.config.Out)
	for {
		var d *ledger.Data
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case d, ok = <-t.config.In:
			if !ok {
				return nil
			}
		}
		batch, err := t.Transform(ctx, d)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case t.config.Out <- batch:
			t.metrics.transformerQueue.Set(float64(len(t.config.Out)))
		}
	}
}

// Transform validates d against the previous ledger and normalizes it
func (t *Transformer) Transform(ctx context.Context, d *ledger.Data) (*Batch, error) {
	hdr := d.Header
	if err := hdr.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataInconsistency, err)
	}
	if hdr.Sequence != t.prev.Sequence+1 {
		return nil, fmt.Errorf(
			"%w: expected ledger %d, got %d",
			ErrDataInconsistency,
			t.prev.Sequence+1,
			hdr.Sequence,
		)
	}
	if hdr.ParentHash != t.prev.Hash {
		return nil, fmt.Errorf(
			"%w: ledger %d parent hash %s does not match ledger %d hash %s",
			ErrDataInconsistency,
			hdr.Sequence,
			hdr.ParentHash,
			t.prev.Sequence,
			t.prev.Hash,
		)
	}
	batch := &Batch{
		Header:       hdr,
		Objects:      make([]ledger.Object, 0, len(d.Objects)),
		Transactions: make([]ledger.Transaction, 0, len(d.Transactions)),
	}
	for _, obj := range d.Objects {
		if obj.Mod == ledger.ModTypeDeleted {
			batch.Objects = append(batch.Objects, ledger.Object{Key: obj.Key})
			continue
		}
		if len(obj.Data) == 0 {
			return nil, fmt.Errorf(
				"%w: ledger %d: object %s has no data",
				ErrDataInconsistency,
				hdr.Sequence,
				obj.Key,
			)
		}
		batch.Objects = append(batch.Objects, ledger.Object{Key: obj.Key, Data: obj.Data})
	}
	slices.SortFunc(batch.Objects, func(a, b ledger.Object) int {
		return a.Key.Compare(b.Key)
	})
	for _, tx := range d.Transactions {
		tx.Accounts = normalizeAccounts(tx.Accounts)
		batch.Transactions = append(batch.Transactions, tx)
	}
	successors, err := t.successors(ctx, d)
	if err != nil {
		return nil, err
	}
	batch.Successors = successors
	t.prev = hdr
	return batch, nil
}

// successors derives the successor index records for the objects created
// and deleted by d
func (t *Transformer) successors(
	ctx context.Context,
	d *ledger.Data,
) ([]types.Successor, error) {
	var created, deleted []ledger.Key
	for _, obj := range d.Objects {
		switch obj.Mod {
		case ledger.ModTypeCreated:
			created = append(created, obj.Key)
		case ledger.ModTypeDeleted:
			deleted = append(deleted, obj.Key)
		}
	}
	if len(created) == 0 && len(deleted) == 0 {
		return nil, nil
	}
	if d.ObjectNeighborsIncluded {
		return successorsFromNeighbors(d)
	}
	return t.successorsFromCache(ctx, d.Header.Sequence, created, deleted)
}

func successorsFromNeighbors(d *ledger.Data) ([]types.Successor, error) {
	var ret []types.Successor
	for _, obj := range d.Objects {
		if obj.Mod != ledger.ModTypeCreated && obj.Mod != ledger.ModTypeDeleted {
			continue
		}
		if obj.Predecessor == nil || obj.Successor == nil {
			return nil, fmt.Errorf(
				"%w: ledger %d: object %s is missing neighbors",
				ErrDataInconsistency,
				d.Header.Sequence,
				obj.Key,
			)
		}
		ret = append(ret, successorRecords(obj.Key, *obj.Predecessor, *obj.Successor, obj.Mod)...)
	}
	return ret, nil
}

// successorsFromCache looks up neighbors in the cache as of the previous
// ledger, overlaid with the keys created and deleted by this one
func (t *Transformer) successorsFromCache(
	ctx context.Context,
	seq uint32,
	created []ledger.Key,
	deleted []ledger.Key,
) ([]types.Successor, error) {
	c := t.config.Cache
	if c == nil || !c.IsFull() {
		return nil, fmt.Errorf(
			"%w: ledger %d has no object neighbors and the cache is not full",
			ErrDataInconsistency,
			seq,
		)
	}
	if err := c.WaitUntilSequence(ctx, seq-1); err != nil {
		return nil, err
	}
	if c.LatestSequence() >= seq {
		// Already committed, so its successors are already stored
		return nil, nil
	}
	cmp := func(a, b ledger.Key) int { return a.Compare(b) }
	slices.SortFunc(created, cmp)
	slices.SortFunc(deleted, cmp)
	isDeleted := func(k ledger.Key) bool {
		_, found := slices.BinarySearchFunc(deleted, k, cmp)
		return found
	}
	neighbors := func(key ledger.Key) (ledger.Key, ledger.Key) {
		pred := ledger.FirstKey
		k := key
		for {
			obj, ok := c.Predecessor(k, seq-1)
			if !ok {
				break
			}
			if !isDeleted(obj.Key) {
				pred = obj.Key
				break
			}
			k = obj.Key
		}
		succ := ledger.LastKey
		k = key
		for {
			obj, ok := c.Successor(k, seq-1)
			if !ok {
				break
			}
			if !isDeleted(obj.Key) {
				succ = obj.Key
				break
			}
			k = obj.Key
		}
		// Keys created by this ledger are not in the cache yet
		idx, found := slices.BinarySearchFunc(created, key, cmp)
		if idx > 0 && created[idx-1].Compare(pred) > 0 {
			pred = created[idx-1]
		}
		if found {
			idx++
		}
		if idx < len(created) && created[idx].Compare(succ) < 0 {
			succ = created[idx]
		}
		return pred, succ
	}
	var ret []types.Successor
	for _, key := range created {
		pred, succ := neighbors(key)
		ret = append(ret, successorRecords(key, pred, succ, ledger.ModTypeCreated)...)
	}
	for _, key := range deleted {
		pred, succ := neighbors(key)
		ret = append(ret, successorRecords(key, pred, succ, ledger.ModTypeDeleted)...)
	}
	return ret, nil
}

// successorRecords links key into the chain between pred and succ, or
// removes it
func successorRecords(key, pred, succ ledger.Key, mod ledger.ModType) []types.Successor {
	if mod == ledger.ModTypeDeleted {
		return []types.Successor{
			{Key: pred, Next: succ},
			{Key: key, Deleted: true},
		}
	}
	return []types.Successor{
		{Key: pred, Next: key},
		{Key: key, Next: succ},
	}
}

// normalizeAccounts sorts and deduplicates the accounts of a transaction
func normalizeAccounts(accounts []ledger.AccountID) []ledger.AccountID {
	if len(accounts) == 0 {
		return accounts
	}
	ret := slices.Clone(accounts)
	slices.SortFunc(ret, func(a, b ledger.AccountID) int {
		return bytes.Compare(a[:], b[:])
	})
	return slices.Compact(ret)
}
