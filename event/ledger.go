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

package event

import "github.com/blinklabs-io/tally/ledger"

const (
	// LedgerAdvancedEventType is published after a ledger is committed to
	// storage and applied to the cache
	LedgerAdvancedEventType = EventType("ledger.advanced")
	// PipelineStateEventType is published when the ingestion pipeline
	// changes between running and halted
	PipelineStateEventType = EventType("etl.state")
)

type LedgerAdvancedEvent struct {
	Header           ledger.Header
	TransactionCount int
	ObjectCount      int
}

type PipelineStateEvent struct {
	Reason  string
	Running bool
}
