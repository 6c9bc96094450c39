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

package blob

import (
	"fmt"

	"github.com/blinklabs-io/tally/database/plugin"
	"github.com/blinklabs-io/tally/database/types"
	"github.com/blinklabs-io/tally/ledger"
)

// BlobStore holds versioned ledger objects and the successor index
type BlobStore interface {
	plugin.Plugin
	Close() error

	// WriteObjects stores the object values changed by ledger seq
	WriteObjects(seq uint32, objs []ledger.Object) error
	// WriteSuccessors stores successor index entries for ledger seq
	WriteSuccessors(seq uint32, successors []types.Successor) error
	// LastSequence returns the highest ledger passed to WriteObjects
	LastSequence() (uint32, error)
	// Reset removes every object, successor and diff
	Reset() error

	Object(key ledger.Key, seq uint32) ([]byte, error)
	Successor(key ledger.Key, seq uint32) (ledger.Key, error)
	Diff(seq uint32) ([]ledger.Object, error)
	// ObjectsPage returns up to limit live objects as of seq with keys
	// strictly greater than cursor, in key order. The returned cursor is nil
	// once the keyspace is exhausted.
	ObjectsPage(
		seq uint32,
		cursor ledger.Key,
		limit int,
	) ([]ledger.Object, *ledger.Key, error)
}

// New returns the started blob plugin selected by name
func New(pluginName string, opts plugin.Options) (BlobStore, error) {
	p, err := plugin.StartPlugin(plugin.PluginTypeBlob, pluginName, opts)
	if err != nil {
		return nil, err
	}
	blobStore, ok := p.(BlobStore)
	if !ok {
		return nil, fmt.Errorf(
			"plugin '%s' does not implement BlobStore interface",
			pluginName,
		)
	}
	return blobStore, nil
}
