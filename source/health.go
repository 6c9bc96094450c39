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
	"math"
	"sync"
	"time"
)

// Scoring weights. Latency matters less than whether requests succeed.
const (
	defaultLatencyWeight = 0.4
	defaultSuccessWeight = 0.6

	// Minimal latency (ms) used to normalize inverse latency
	minLatencyMs = 1.0
	// EMA smoothing factor used when updating observed metrics
	defaultEMAAlpha = 0.2
)

// HealthSnapshot is a point-in-time copy of a source's health
type HealthSnapshot struct {
	LastSuccess         time.Time `json:"lastSuccess"`
	LastFailure         time.Time `json:"lastFailure"`
	Score               float64   `json:"score"`
	LatencyMs           float64   `json:"latencyMs"`
	SuccessRate         float64   `json:"successRate"`
	ConsecutiveFailures uint32    `json:"consecutiveFailures"`
}

// Health is a rolling success and latency score. It is kept in memory only.
type Health struct {
	lastSuccess         time.Time
	lastFailure         time.Time
	latencyMs           float64
	successRate         float64
	score               float64
	alpha               float64
	mu                  sync.Mutex
	consecutiveFailures uint32
	latencyInit         bool
	successInit         bool
}

// NewHealth returns a Health using alpha as EMA smoothing factor. Values
// outside (0, 1] select the default.
func NewHealth(alpha float64) *Health {
	if alpha <= 0 || alpha > 1 {
		alpha = defaultEMAAlpha
	}
	h := &Health{alpha: alpha}
	h.updateScore()
	return h
}

// Record adds one request observation
func (h *Health) Record(latency time.Duration, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	latencyMs := float64(latency) / float64(time.Millisecond)
	if latencyMs <= 0 {
		latencyMs = minLatencyMs
	}
	var successF float64
	if success {
		successF = 1.0
		h.consecutiveFailures = 0
		h.lastSuccess = time.Now()
	} else {
		h.consecutiveFailures++
		h.lastFailure = time.Now()
	}
	// Failed requests often end early, so their latency is not a useful
	// signal
	if success {
		if !h.latencyInit {
			h.latencyMs = latencyMs
			h.latencyInit = true
		} else {
			h.latencyMs = ema(h.latencyMs, latencyMs, h.alpha)
		}
	}
	// A first observation of 0 is a valid value, so track initialization
	// separately
	if !h.successInit {
		h.successRate = successF
		h.successInit = true
	} else {
		h.successRate = ema(h.successRate, successF, h.alpha)
	}
	h.updateScore()
}

func (h *Health) updateScore() {
	latencyMs := h.latencyMs
	if !h.latencyInit || latencyMs <= 0 {
		latencyMs = 1000.0 // unknown => penalize with high latency
	}
	latencyScore := 1.0 / (1.0 + latencyMs/200.0)
	success := h.successRate
	if !h.successInit {
		success = 0.5
	}
	score := (latencyScore*defaultLatencyWeight + success*defaultSuccessWeight) /
		(defaultLatencyWeight + defaultSuccessWeight)
	score = clamp01(score)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		score = 0.0
	}
	h.score = score
}

func (h *Health) Score() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.score
}

func (h *Health) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthSnapshot{
		Score:               h.score,
		LatencyMs:           h.latencyMs,
		SuccessRate:         h.successRate,
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccess:         h.lastSuccess,
		LastFailure:         h.lastFailure,
	}
}

func ema(prev, observed, alpha float64) float64 {
	return prev*(1.0-alpha) + observed*alpha
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
