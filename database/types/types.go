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

// Package types holds the types shared between the database facade and its
// storage plugins.
package types

import (
	"errors"

	"github.com/blinklabs-io/tally/ledger"
)

var (
	// ErrBlobKeyNotFound is returned by blob operations when a key is missing
	ErrBlobKeyNotFound = errors.New("blob key not found")
	// ErrRecordNotFound is returned by metadata lookups with no match
	ErrRecordNotFound = errors.New("record not found")
)

// Successor is one entry of the successor index: the live key that follows
// Key as of the ledger it was written for. A Successor with Deleted set marks
// Key as no longer part of the chain.
type Successor struct {
	Key     ledger.Key
	Next    ledger.Key
	Deleted bool
}
