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
	"errors"
	"log/slog"
	"sync"

	"github.com/blinklabs-io/tally/event"
)

type HaltReason int

const (
	HaltReasonNone HaltReason = iota
	HaltReasonDataInconsistency
	HaltReasonAmendmentBlocked
	HaltReasonBackendFailure
)

func (r HaltReason) String() string {
	switch r {
	case HaltReasonDataInconsistency:
		return "data-inconsistency"
	case HaltReasonAmendmentBlocked:
		return "amendment-blocked"
	case HaltReasonBackendFailure:
		return "backend-failure"
	default:
		return ""
	}
}

// State is the pipeline state. A halted pipeline stays halted until the
// process is restarted.
type State struct {
	Err    error
	Reason HaltReason
	Halted bool
}

func (s State) String() string {
	if s.Halted {
		return "halted: " + s.Reason.String()
	}
	return "running"
}

// haltReasonFor maps a pipeline error to its halt reason
func haltReasonFor(err error) HaltReason {
	switch {
	case errors.Is(err, ErrDataInconsistency):
		return HaltReasonDataInconsistency
	case errors.Is(err, ErrAmendmentBlocked):
		return HaltReasonAmendmentBlocked
	default:
		return HaltReasonBackendFailure
	}
}

// stateTracker is the single owner of the pipeline state
type stateTracker struct {
	logger   *slog.Logger
	eventBus *event.EventBus
	metrics  *etlMetrics
	state    State
	mu       sync.RWMutex
}

func (t *stateTracker) get() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// halt records the first fatal error. Later calls are ignored.
func (t *stateTracker) halt(err error) {
	t.mu.Lock()
	if t.state.Halted {
		t.mu.Unlock()
		return
	}
	t.state = State{
		Halted: true,
		Reason: haltReasonFor(err),
		Err:    err,
	}
	state := t.state
	t.mu.Unlock()
	t.logger.Error(
		"ledger pipeline halted",
		"reason", state.Reason.String(),
		"error", err,
	)
	if t.metrics != nil {
		t.metrics.halted.Set(float64(state.Reason))
	}
	if t.eventBus != nil {
		t.eventBus.Publish(
			event.PipelineStateEventType,
			event.NewEvent(
				event.PipelineStateEventType,
				event.PipelineStateEvent{
					Running: false,
					Reason:  state.Reason.String(),
				},
			),
		)
	}
}
