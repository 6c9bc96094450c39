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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type etlMetrics struct {
	lastCommitted     prometheus.Gauge
	ledgersCommitted  prometheus.Counter
	commitDuration    prometheus.Histogram
	writeRetries      prometheus.Counter
	restarts          prometheus.Counter
	fetchRetries      prometheus.Counter
	extractorQueue    prometheus.Gauge
	transformerQueue  prometheus.Gauge
	syncState         prometheus.Gauge
	halted            prometheus.Gauge
	cacheLoadObjects  prometheus.Counter
	cacheLoadDuration prometheus.Gauge
}

func newEtlMetrics(promRegistry prometheus.Registerer) *etlMetrics {
	m := &etlMetrics{}
	m.init(promRegistry)
	return m
}

func (m *etlMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.lastCommitted = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "tally_etl_last_committed_sequence",
		Help: "sequence of the last ledger committed to storage",
	})
	m.ledgersCommitted = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "tally_etl_ledgers_committed_total",
		Help: "ledgers committed to storage",
	})
	m.commitDuration = promautoFactory.NewHistogram(prometheus.HistogramOpts{
		Name:    "tally_etl_commit_duration_seconds",
		Help:    "time to write and commit one ledger",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	m.writeRetries = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "tally_etl_write_retries_total",
		Help: "retried storage writes",
	})
	m.restarts = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "tally_etl_restarts_total",
		Help: "pipeline restarts from the last committed ledger",
	})
	m.fetchRetries = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "tally_etl_fetch_retries_total",
		Help: "retried ledger fetches",
	})
	m.extractorQueue = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "tally_etl_extractor_queue_depth",
		Help: "ledgers waiting for the transformer",
	})
	m.transformerQueue = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "tally_etl_transformer_queue_depth",
		Help: "batches waiting for the loader",
	})
	m.syncState = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "tally_etl_sync_state",
		Help: "0=syncing, 1=monitoring",
	})
	m.halted = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "tally_etl_halted",
		Help: "halt reason of the pipeline (0=running, 1=data inconsistency, 2=amendment blocked, 3=backend failure)",
	})
	m.cacheLoadObjects = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "tally_etl_cache_load_objects_total",
		Help: "objects loaded into the cache by the cache loader",
	})
	m.cacheLoadDuration = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "tally_etl_cache_load_duration_seconds",
		Help: "duration of the last completed cache load",
	})
}
