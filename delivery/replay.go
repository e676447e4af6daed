// SPDX-License-Identifier: AGPL-3.0-only

package delivery

import (
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"golang.org/x/crypto/sha3"
)

// MessageIDCacheSize bounds the exact message ID dedup cache.
const MessageIDCacheSize = 10000

// PingFilter is a probabilistic replay filter over received ping tokens,
// keyed by sender identity and token hash.
type PingFilter struct {
	sync.Mutex
	f *bloom.Filter
}

// NewPingFilter constructs a PingFilter.
func NewPingFilter() (*PingFilter, error) {
	// 1 MiB filter, false positive rate 0.001.
	f, err := bloom.New(rand.Reader, 23, 0.001)
	if err != nil {
		return nil, err
	}
	return &PingFilter{f: f}, nil
}

// TestAndSet returns true if the ping was seen before, marking it seen
// otherwise.
func (p *PingFilter) TestAndSet(senderIdentity, nonce []byte) bool {
	d := sha3.New256()
	d.Write(senderIdentity)
	d.Write(nonce)
	tag := d.Sum(nil)

	p.Lock()
	defer p.Unlock()
	return p.f.TestAndSet(tag)
}

// MessageIDCache is an exact dedup cache of the most recent message IDs,
// bounded in size with oldest-first eviction.  Unlike the bloom filter it
// never false-positives, so duplicate deliveries of an already acknowledged
// message can be re-acked without being re-surfaced.
type MessageIDCache struct {
	sync.Mutex
	present map[MessageID]struct{}
	order   []MessageID
	max     int
}

// NewMessageIDCache constructs a MessageIDCache.
func NewMessageIDCache(max int) *MessageIDCache {
	if max <= 0 {
		max = MessageIDCacheSize
	}
	return &MessageIDCache{
		present: make(map[MessageID]struct{}),
		max:     max,
	}
}

// Test returns true if id is in the cache.  It never records.
func (c *MessageIDCache) Test(id MessageID) bool {
	c.Lock()
	defer c.Unlock()
	_, ok := c.present[id]
	return ok
}

// Set records id, evicting the oldest entry when the cache is full.
// Recording an already present id is a no-op.
func (c *MessageIDCache) Set(id MessageID) {
	c.Lock()
	defer c.Unlock()

	if _, ok := c.present[id]; ok {
		return
	}
	if len(c.order) >= c.max {
		delete(c.present, c.order[0])
		c.order = c.order[1:]
	}
	c.present[id] = struct{}{}
	c.order = append(c.order, id)
}
