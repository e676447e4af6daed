// SPDX-License-Identifier: AGPL-3.0-only

package delivery

import (
	"sync"
	"time"
)

// ackRecord tracks acknowledgment progress for one item.
type ackRecord struct {
	acked   bool
	ackType uint8
	when    time.Time
}

// AckState tracks which items have been acknowledged so duplicate and
// out-of-order acks, normal after circuit churn, are idempotent.  Records
// expire after PingMaxAge to bound memory.
type AckState struct {
	sync.Mutex
	records map[MessageID]*ackRecord
}

// NewAckState constructs an AckState.
func NewAckState() *AckState {
	return &AckState{
		records: make(map[MessageID]*ackRecord),
	}
}

// Record notes an ack for the item and returns true if this is forward
// progress, false for a duplicate.
func (a *AckState) Record(id MessageID, ackType uint8, now time.Time) bool {
	a.Lock()
	defer a.Unlock()

	if r, ok := a.records[id]; ok && r.acked {
		return false
	}
	a.records[id] = &ackRecord{acked: true, ackType: ackType, when: now}
	return true
}

// IsAcked returns true if the item was already acknowledged.
func (a *AckState) IsAcked(id MessageID) bool {
	a.Lock()
	defer a.Unlock()
	r, ok := a.records[id]
	return ok && r.acked
}

// Expire drops records older than PingMaxAge.
func (a *AckState) Expire(now time.Time) {
	a.Lock()
	defer a.Unlock()
	for id, r := range a.records {
		if now.Sub(r.when) > PingMaxAge {
			delete(a.records, id)
		}
	}
}
