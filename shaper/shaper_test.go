// SPDX-License-Identifier: AGPL-3.0-only

package shaper

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shieldmsg/shieldcore/core/log"
)

func TestDelayBounds(t *testing.T) {
	s := NewDelaySampler()
	for i := 0; i < 2000; i++ {
		d := s.Delay()
		require.GreaterOrEqual(t, d, DelayMin)
		require.LessOrEqual(t, d, DelayMax)
	}
}

func TestDelayVaries(t *testing.T) {
	s := NewDelaySampler()
	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		seen[s.Delay()] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestCoverWorkerHalts(t *testing.T) {
	var sends uint64
	w := NewCoverWorker(log.NewDiscard().GetLogger("cover"), func() error {
		atomic.AddUint64(&sends, 1)
		return nil
	})
	w.Reset()
	w.Halt()
	// No cover frame can have fired inside the minimum interval.
	require.Equal(t, uint64(0), atomic.LoadUint64(&sends))
}
