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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type clientMetrics struct {
	state           prometheus.Gauge
	healthScore     prometheus.Gauge
	lastLedger      prometheus.Gauge
	connects        prometheus.Counter
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func (m *clientMetrics) init(promRegistry prometheus.Registerer, name string) {
	promautoFactory := promauto.With(promRegistry)
	labels := prometheus.Labels{"source": name}
	m.state = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name:        "tally_source_state",
		Help:        "connection state of the source (0=disconnected, 1=connecting, 2=connected-unvalidated, 3=connected-validated, 4=failed)",
		ConstLabels: labels,
	})
	m.healthScore = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name:        "tally_source_health_score",
		Help:        "rolling health score of the source between 0 and 1",
		ConstLabels: labels,
	})
	m.lastLedger = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name:        "tally_source_last_closed_ledger",
		Help:        "last ledger sequence announced by the source",
		ConstLabels: labels,
	})
	m.connects = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name:        "tally_source_connects_total",
		Help:        "number of successful connections to the source",
		ConstLabels: labels,
	})
	m.requests = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "tally_source_requests_total",
			Help:        "number of requests sent to the source by method and result",
			ConstLabels: labels,
		},
		[]string{"method", "result"},
	)
	m.requestDuration = promautoFactory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "tally_source_request_duration_seconds",
			Help:        "duration of requests sent to the source",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		},
		[]string{"method"},
	)
}
