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

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type cacheMetrics struct {
	size           prometheus.Gauge
	latestSequence prometheus.Gauge
	diffs          prometheus.Gauge
}

func (m *cacheMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.size = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "tally_cache_objects",
		Help: "number of object keys held by the ledger cache",
	})
	m.latestSequence = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "tally_cache_latest_sequence",
		Help: "highest ledger sequence reflected by the ledger cache",
	})
	m.diffs = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "tally_cache_diffs",
		Help: "number of recent ledger diffs retained by the ledger cache",
	})
}
