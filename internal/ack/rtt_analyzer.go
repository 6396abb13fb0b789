// rtt_analyzer.go - passive round-trip-time drift observer.
// SPDX-License-Identifier: AGPL-3.0-only

// RTTAnalyzer supplements spec.md per SPEC_FULL.md, grounded on
// original_source/common/client-core/src/client/rtt_analyzer.rs: it
// tracks an exponentially-weighted moving average of observed
// round-trip time purely for logging drift against the configured
// expected_rtt formula. It never influences retransmission timing or
// any other control-flow decision in package ack.
package ack

import (
	"sync"
	"time"
)

const rttEWMAAlpha = 0.125 // matches the conventional TCP SRTT smoothing factor

type RTTAnalyzer struct {
	mu      sync.Mutex
	haveAvg bool
	avg     time.Duration
	samples uint64
}

func NewRTTAnalyzer() *RTTAnalyzer {
	return &RTTAnalyzer{}
}

// Observe folds in one measured round-trip time.
func (r *RTTAnalyzer) Observe(sample time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples++
	if !r.haveAvg {
		r.avg = sample
		r.haveAvg = true
		return
	}
	r.avg = time.Duration((1-rttEWMAAlpha)*float64(r.avg) + rttEWMAAlpha*float64(sample))
}

// Average returns the current smoothed RTT estimate and whether any
// sample has been observed yet.
func (r *RTTAnalyzer) Average() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avg, r.haveAvg
}

// Drift reports how far the smoothed estimate has diverged from the
// statically configured expected_rtt, as a ratio (observed/expected).
func (r *RTTAnalyzer) Drift(expected time.Duration) float64 {
	avg, ok := r.Average()
	if !ok || expected <= 0 {
		return 1.0
	}
	return float64(avg) / float64(expected)
}
