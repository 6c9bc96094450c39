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

package source

import (
	"context"
	"sync"
	"time"
)

// ValidatedLedgers tracks the most recent ledger validated by the network, as
// reported by any source
type ValidatedLedgers struct {
	changed chan struct{}
	mu      sync.Mutex
	max     uint32
}

func NewValidatedLedgers() *ValidatedLedgers {
	return &ValidatedLedgers{
		changed: make(chan struct{}),
	}
}

// Push records seq as validated. Older sequences are ignored.
func (v *ValidatedLedgers) Push(seq uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if seq <= v.max {
		return
	}
	v.max = seq
	close(v.changed)
	v.changed = make(chan struct{})
}

// MostRecent returns the highest validated sequence seen so far
func (v *ValidatedLedgers) MostRecent() (uint32, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.max, v.max > 0
}

func (v *ValidatedLedgers) snapshot() (uint32, <-chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.max, v.changed
}

// WaitUntilValidated blocks until seq has been validated. It returns false
// if ctx is done or timeout elapses first. A zero timeout waits for ctx only.
func (v *ValidatedLedgers) WaitUntilValidated(
	ctx context.Context,
	seq uint32,
	timeout time.Duration,
) bool {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		latest, changed := v.snapshot()
		if latest >= seq {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-timer:
			return false
		case <-changed:
		}
	}
}

// WaitForMostRecent blocks until at least one ledger has been validated and
// returns the most recent one
func (v *ValidatedLedgers) WaitForMostRecent(ctx context.Context) (uint32, error) {
	for {
		latest, changed := v.snapshot()
		if latest > 0 {
			return latest, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-changed:
		}
	}
}
