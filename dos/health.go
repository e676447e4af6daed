// SPDX-License-Identifier: AGPL-3.0-only

package dos

import "time"

// emaAlpha is the smoothing factor of the latency moving average.
const emaAlpha = 0.3

// RecordLatency feeds one latency observation for a circuit into its
// exponential moving average.
func (g *Gatekeeper) RecordLatency(circuitID string, latency time.Duration, now time.Time) {
	g.Lock()
	defer g.Unlock()

	c := g.circuitLocked(circuitID, now)
	if c.emaLatency == 0 {
		c.emaLatency = latency
		return
	}
	c.emaLatency = time.Duration(emaAlpha*float64(latency) + (1-emaAlpha)*float64(c.emaLatency))
}

// Unhealthy reports whether a circuit should be rotated by the transport
// layer: too old, or latency persistently above the threshold.
func (g *Gatekeeper) Unhealthy(circuitID string, now time.Time) bool {
	g.Lock()
	defer g.Unlock()

	c, ok := g.circuits[circuitID]
	if !ok {
		return false
	}
	if now.Sub(c.firstSeen) > g.cfg.MaxCircuitAge {
		return true
	}
	return c.emaLatency > g.cfg.LatencyThreshold
}
