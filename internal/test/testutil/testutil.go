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

// Package testutil holds the synchronization helpers shared by tally tests
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// WaitForCondition polls condition every 10ms until it returns true or
// timeout expires
func WaitForCondition(
	t *testing.T,
	condition func() bool,
	timeout time.Duration,
	msg string,
) {
	t.Helper()
	require.Eventually(t, condition, timeout, 10*time.Millisecond, msg)
}

// RequireReceive waits for a value on ch or fails the test once timeout
// expires
func RequireReceive[T any](
	t *testing.T,
	ch <-chan T,
	timeout time.Duration,
	msg string,
) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while waiting: %s", msg)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timeout waiting for channel receive: %s", msg)
		var zero T
		return zero
	}
}

// RequireReceiveUntil receives from ch until done returns true for a value
// and returns every value received, the matching one last. The timeout
// covers the whole wait.
func RequireReceiveUntil[T any](
	t *testing.T,
	ch <-chan T,
	timeout time.Duration,
	done func(T) bool,
	msg string,
) []T {
	t.Helper()
	deadline := time.After(timeout)
	var ret []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d values: %s", len(ret), msg)
			}
			ret = append(ret, v)
			if done(v) {
				return ret
			}
		case <-deadline:
			t.Fatalf("timeout after %d values: %s", len(ret), msg)
			return ret
		}
	}
}

// RequireNoReceive fails the test if a value arrives on ch within duration
func RequireNoReceive[T any](
	t *testing.T,
	ch <-chan T,
	duration time.Duration,
	msg string,
) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value received on channel: %v: %s", v, msg)
	case <-time.After(duration):
	}
}

// Context returns a context canceled when the test ends or timeout expires
func Context(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
