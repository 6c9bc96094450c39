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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type loadBalancerMetrics struct {
	attempts         *prometheus.CounterVec
	failures         *prometheus.CounterVec
	forwards         *prometheus.CounterVec
	forwardCacheHits prometheus.Counter
}

func (m *loadBalancerMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.attempts = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_loadbalancer_attempts_total",
			Help: "source attempts by operation and result",
		},
		[]string{"operation", "result"},
	)
	m.failures = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_loadbalancer_failures_total",
			Help: "operations that no source could serve within the retry budget",
		},
		[]string{"operation"},
	)
	m.forwards = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_loadbalancer_forwards_total",
			Help: "forwarded requests by result",
		},
		[]string{"result"},
	)
	m.forwardCacheHits = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "tally_loadbalancer_forward_cache_hits_total",
		Help: "forwarded requests answered from the forwarding cache",
	})
}
