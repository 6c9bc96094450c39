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

package upstreamtest

import (
	"bytes"
	"maps"
	"slices"

	"github.com/blinklabs-io/tally/ledger"
)

// Chain builds a sequence of properly linked ledgers for tests
type Chain struct {
	state   map[ledger.Key][]byte
	ledgers []*ledger.Data
	last    ledger.Header
}

// NewChain returns a chain whose first ledger, at startSeq, creates every
// object in initial
func NewChain(startSeq uint32, initial map[ledger.Key][]byte) *Chain {
	c := &Chain{
		state: make(map[ledger.Key][]byte),
		last: ledger.Header{
			Sequence: startSeq - 1,
			Hash:     ledger.Hash{0xde, 0xad},
		},
	}
	c.Next(initial)
	return c
}

// Next appends a ledger applying changes to the current state. A nil or
// empty value deletes the key.
func (c *Chain) Next(
	changes map[ledger.Key][]byte,
	txs ...ledger.Transaction,
) *ledger.Data {
	hdr := ledger.Header{
		Sequence:   c.last.Sequence + 1,
		Version:    ledger.CurrentVersion,
		CloseTime:  uint64(c.last.Sequence+1) * 4,
		TotalCoins: 100_000_000_000,
		ParentHash: c.last.Hash,
	}
	if err := hdr.Seal(); err != nil {
		panic(err)
	}
	keys := slices.SortedFunc(maps.Keys(changes), func(a, b ledger.Key) int {
		return a.Compare(b)
	})
	objs := make([]ledger.ObjectChange, 0, len(keys))
	for _, key := range keys {
		data := changes[key]
		_, exists := c.state[key]
		change := ledger.ObjectChange{Key: key, Data: bytes.Clone(data)}
		switch {
		case len(data) == 0:
			if !exists {
				continue
			}
			change.Mod = ledger.ModTypeDeleted
			change.Data = nil
			delete(c.state, key)
		case exists:
			change.Mod = ledger.ModTypeModified
			c.state[key] = change.Data
		default:
			change.Mod = ledger.ModTypeCreated
			c.state[key] = change.Data
		}
		objs = append(objs, change)
	}
	d := &ledger.Data{
		Header:       hdr,
		Objects:      objs,
		Transactions: txs,
		Validated:    true,
	}
	c.ledgers = append(c.ledgers, d)
	c.last = hdr
	return d
}

// Ledgers returns every ledger built so far, oldest first
func (c *Chain) Ledgers() []*ledger.Data {
	return slices.Clone(c.ledgers)
}

// Ledger returns the ledger at seq or nil
func (c *Chain) Ledger(seq uint32) *ledger.Data {
	for _, d := range c.ledgers {
		if d.Header.Sequence == seq {
			return d
		}
	}
	return nil
}

// Last returns the header of the newest ledger
func (c *Chain) Last() ledger.Header {
	return c.last
}

// State returns a copy of the object set after the newest ledger
func (c *Chain) State() map[ledger.Key][]byte {
	return maps.Clone(c.state)
}
