// SPDX-License-Identifier: AGPL-3.0-only

// Package shaper implements traffic shaping: randomized response delays and
// per-session cover traffic, so that timing observed on the wire carries no
// information about message content or user activity.
package shaper

import (
	mrand "math/rand"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DelayLambda is the rate parameter of the delay distribution, per
	// millisecond.
	DelayLambda = 0.005

	// DelayMin is the lower truncation bound of the delay distribution.
	DelayMin = 200 * time.Millisecond

	// DelayMax is the upper truncation bound of the delay distribution.
	DelayMax = 800 * time.Millisecond
)

// DelaySampler draws response delays from an exponential distribution
// truncated to [DelayMin, DelayMax].  Out of range draws are re-sampled, not
// clamped, so the truncated density keeps its shape.
type DelaySampler struct {
	sync.Mutex
	rng *mrand.Rand
}

// NewDelaySampler constructs a DelaySampler.
func NewDelaySampler() *DelaySampler {
	return &DelaySampler{
		rng: rand.NewMath(),
	}
}

// Delay returns the next response delay.
func (s *DelaySampler) Delay() time.Duration {
	s.Lock()
	defer s.Unlock()
	for {
		d := time.Duration(rand.Exp(s.rng, DelayLambda)) * time.Millisecond
		if d >= DelayMin && d <= DelayMax {
			return d
		}
	}
}
