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

package loadbalancer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/blinklabs-io/tally/upstream"
	lru "github.com/hashicorp/golang-lru"
)

const DefaultForwardingCacheSize = 128

// DefaultCacheableMethods are read-only and only change when a ledger closes
var DefaultCacheableMethods = []string{"server_info", "fee"}

type forwardingEntry struct {
	expires time.Time
	result  json.RawMessage
}

// forwardingCache holds recent responses of cacheable forwarded methods until
// they expire or the next ledger closes
type forwardingCache struct {
	entries *lru.Cache
	methods map[string]struct{}
	timeout time.Duration
}

func newForwardingCache(
	size int,
	timeout time.Duration,
	methods []string,
) (*forwardingCache, error) {
	if size <= 0 {
		size = DefaultForwardingCacheSize
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create forwarding cache: %w", err)
	}
	fc := &forwardingCache{
		entries: entries,
		methods: make(map[string]struct{}, len(methods)),
		timeout: timeout,
	}
	for _, method := range methods {
		fc.methods[method] = struct{}{}
	}
	return fc, nil
}

func (fc *forwardingCache) key(req *upstream.ForwardRequest) (string, bool) {
	if _, ok := fc.methods[req.Method]; !ok {
		return "", false
	}
	return req.Method + "\x00" + string(req.Params), true
}

func (fc *forwardingCache) get(req *upstream.ForwardRequest) (json.RawMessage, bool) {
	key, ok := fc.key(req)
	if !ok {
		return nil, false
	}
	v, ok := fc.entries.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(forwardingEntry)
	if time.Now().After(entry.expires) {
		fc.entries.Remove(key)
		return nil, false
	}
	return entry.result, true
}

func (fc *forwardingCache) put(req *upstream.ForwardRequest, result json.RawMessage) {
	key, ok := fc.key(req)
	if !ok {
		return
	}
	fc.entries.Add(key, forwardingEntry{
		result:  result,
		expires: time.Now().Add(fc.timeout),
	})
}

func (fc *forwardingCache) invalidate() {
	fc.entries.Purge()
}
