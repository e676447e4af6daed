// SPDX-License-Identifier: AGPL-3.0-only

package shaper

import (
	mrand "math/rand"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/shieldmsg/shieldcore/core/worker"
)

const (
	// CoverIntervalMin is the shortest idle interval before a cover frame
	// is sent on an active session.
	CoverIntervalMin = 30 * time.Second

	// CoverIntervalMax is the longest such interval.
	CoverIntervalMax = 90 * time.Second
)

// CoverWorker emits cover traffic on a single active session whenever no
// real frame has been sent for a randomly chosen interval.  Real sends reset
// the timer via Reset, so cover frames only fill genuine silence.
type CoverWorker struct {
	worker.Worker

	log     *logging.Logger
	rng     *mrand.Rand
	sendFn  func() error
	resetCh chan struct{}
}

// NewCoverWorker constructs and starts a CoverWorker.  sendFn is called to
// emit one cover frame; its errors are logged and otherwise ignored since
// cover traffic is best effort.
func NewCoverWorker(log *logging.Logger, sendFn func() error) *CoverWorker {
	w := &CoverWorker{
		log:     log,
		rng:     rand.NewMath(),
		sendFn:  sendFn,
		resetCh: make(chan struct{}, 1),
	}
	w.Go(w.worker)
	return w
}

// Reset restarts the idle interval, called on every real send.
func (w *CoverWorker) Reset() {
	select {
	case w.resetCh <- struct{}{}:
	default:
	}
}

func (w *CoverWorker) nextInterval() time.Duration {
	spread := int64(CoverIntervalMax - CoverIntervalMin)
	return CoverIntervalMin + time.Duration(w.rng.Int63n(spread))
}

func (w *CoverWorker) worker() {
	timer := time.NewTimer(w.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-w.HaltCh():
			return
		case <-w.resetCh:
		case <-timer.C:
			if err := w.sendFn(); err != nil {
				w.log.Debugf("Failed to send cover frame: %v", err)
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.nextInterval())
	}
}
