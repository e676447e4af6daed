// SPDX-License-Identifier: AGPL-3.0-only

package delivery

import (
	"sync"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/shieldmsg/shieldcore/core/log"
	"github.com/shieldmsg/shieldcore/wire"
)

type memStore struct {
	sync.Mutex
	pending map[MessageID]*PendingMessage
	pings   map[string]*StoredPing
}

func newMemStore() *memStore {
	return &memStore{
		pending: make(map[MessageID]*PendingMessage),
		pings:   make(map[string]*StoredPing),
	}
}

func (s *memStore) SavePending(m *PendingMessage) error {
	s.Lock()
	defer s.Unlock()
	cp := *m
	s.pending[m.ID] = &cp
	return nil
}

func (s *memStore) DeletePending(id MessageID) error {
	s.Lock()
	defer s.Unlock()
	delete(s.pending, id)
	return nil
}

func (s *memStore) LoadAwaitingAck() ([]*PendingMessage, error) {
	s.Lock()
	defer s.Unlock()
	var out []*PendingMessage
	for _, m := range s.pending {
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) SaveStoredPing(sp *StoredPing) error {
	s.Lock()
	defer s.Unlock()
	s.pings[string(sp.Ping.Nonce)] = sp
	return nil
}

func (s *memStore) DeleteStoredPing(nonce []byte) error {
	s.Lock()
	defer s.Unlock()
	delete(s.pings, string(nonce))
	return nil
}

func (s *memStore) LoadStoredPings() ([]*StoredPing, error) {
	s.Lock()
	defer s.Unlock()
	var out []*StoredPing
	for _, sp := range s.pings {
		out = append(out, sp)
	}
	return out, nil
}

type sentFrame struct {
	contactID string
	tag       byte
	body      []byte
}

type harness struct {
	queue  *Queue
	store  *memStore
	signer *ed25519.PrivateKey
	peer   *ed25519.PrivateKey

	sync.Mutex
	sent      []sentFrame
	committed []uint64
	delivered []MessageID
}

func (h *harness) sentFrames() []sentFrame {
	h.Lock()
	defer h.Unlock()
	return append([]sentFrame{}, h.sent...)
}

func newHarness(t *testing.T) *harness {
	signer, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	peer, peerPub, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)

	h := &harness{store: newMemStore(), signer: signer, peer: peer}
	contact := &Contact{
		ID:       "bob",
		Identity: peerPub.Bytes(),
		X25519:   make([]byte, 32),
	}
	cfg := &Config{
		Log:       log.NewDiscard().GetLogger("delivery"),
		Store:     h.store,
		Signer:    signer,
		OwnX25519: make([]byte, 32),
		Lookup: func(id string) (*Contact, error) {
			if id != contact.ID {
				return nil, ErrUnknownContact
			}
			return contact, nil
		},
		LookupByX25519: func(x []byte) (*Contact, error) {
			return contact, nil
		},
		Send: func(contactID string, tag byte, body []byte) error {
			h.Lock()
			defer h.Unlock()
			h.sent = append(h.sent, sentFrame{contactID, tag, append([]byte{}, body...)})
			return nil
		},
		CommitSend: func(contactID string, seq uint64) error {
			h.Lock()
			defer h.Unlock()
			h.committed = append(h.committed, seq)
			return nil
		},
		Delivered: func(id MessageID) {
			h.Lock()
			defer h.Unlock()
			h.delivered = append(h.delivered, id)
		},
	}
	q, err := NewQueue(cfg)
	require.NoError(t, err)
	h.queue = q
	t.Cleanup(q.Halt)
	return h
}

func (h *harness) enqueue(t *testing.T) *PendingMessage {
	m := &PendingMessage{
		ID:               NewMessageID(),
		ContactID:        "bob",
		Tag:              wire.TagText,
		EncryptedPayload: []byte("ciphertext"),
		Seq:              7,
	}
	require.NoError(t, h.queue.Enqueue(m))
	return m
}

func TestEnqueueSendsPing(t *testing.T) {
	h := newHarness(t)
	m := h.enqueue(t)

	sent := h.sentFrames()
	require.Len(t, sent, 1)
	require.Equal(t, byte(wire.TagPing), sent[0].tag)

	ping, err := DecodePing(sent[0].body)
	require.NoError(t, err)
	require.NoError(t, ping.Verify(time.Now()))
	require.Equal(t, m.PingID, ping.Nonce)

	// Persisted before the send, awaiting ack.
	require.Equal(t, StatePingSent, h.store.pending[m.ID].State)
	require.Equal(t, 1, h.queue.PendingTo("bob"))
}

func TestPongTriggersPayload(t *testing.T) {
	h := newHarness(t)
	m := h.enqueue(t)

	pong, err := NewPong(h.peer, m.PingID, true)
	require.NoError(t, err)
	body, err := EncodeToken(pong)
	require.NoError(t, err)
	require.NoError(t, h.queue.HandlePong(body))

	sent := h.sentFrames()
	require.Len(t, sent, 2)
	require.Equal(t, byte(wire.TagText), sent[1].tag)
	require.Equal(t, []byte("ciphertext"), sent[1].body)
	require.Equal(t, StatePongSent, h.store.pending[m.ID].State)

	// A pong for an unknown ping is an error.
	stray, err := NewPong(h.peer, make([]byte, TokenNonceSize), true)
	require.NoError(t, err)
	body, err = EncodeToken(stray)
	require.NoError(t, err)
	require.Equal(t, ErrUnknownPing, h.queue.HandlePong(body))
}

func TestAckDeliversAndCommits(t *testing.T) {
	h := newHarness(t)
	m := h.enqueue(t)

	ack := NewAck(h.peer, m.ID[:], AckTypeMessage)
	body, err := EncodeToken(ack)
	require.NoError(t, err)
	require.NoError(t, h.queue.HandleAck(body, time.Now()))

	require.Equal(t, []uint64{7}, h.committed)
	require.Equal(t, []MessageID{m.ID}, h.delivered)
	require.NotContains(t, h.store.pending, m.ID)
	require.Equal(t, 0, h.queue.PendingTo("bob"))

	// Duplicate ack is idempotent.
	require.NoError(t, h.queue.HandleAck(body, time.Now()))
	require.Equal(t, []uint64{7}, h.committed)
	require.Equal(t, []MessageID{m.ID}, h.delivered)
}

func TestRetrySchedule(t *testing.T) {
	m := &PendingMessage{}
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 80 * time.Second, 300 * time.Second,
		300 * time.Second, 300 * time.Second,
	}
	for i, d := range want {
		m.RetryCount = i
		require.Equal(t, d, m.retryCooldown())
	}
}

func TestSweepHonorsFloorAndCooldown(t *testing.T) {
	h := newHarness(t)
	m := h.enqueue(t)
	require.Len(t, h.sentFrames(), 1)

	base := time.Now()

	// Inside the retry floor: nothing fires.
	h.queue.Sweep(base.Add(10 * time.Second))
	require.Len(t, h.sentFrames(), 1)

	// Past floor and cooldown: one retry with a fresh ping nonce.
	h.queue.Sweep(base.Add(31 * time.Second))
	sent := h.sentFrames()
	require.Len(t, sent, 2)
	retry, err := DecodePing(sent[1].body)
	require.NoError(t, err)
	first, err := DecodePing(sent[0].body)
	require.NoError(t, err)
	require.NotEqual(t, first.Nonce, retry.Nonce)
	require.Equal(t, 1, h.store.pending[m.ID].RetryCount)

	// Second retry cooldown is 10s but the floor is 30s.
	h.queue.Sweep(base.Add(45 * time.Second))
	require.Len(t, h.sentFrames(), 2)
	h.queue.Sweep(base.Add(62 * time.Second))
	require.Len(t, h.sentFrames(), 3)
}

func TestStoredPingAndAnswer(t *testing.T) {
	h := newHarness(t)

	ping, err := NewPing(h.peer, h.signer.PublicKey().Bytes(), make([]byte, 32), make([]byte, 32))
	require.NoError(t, err)
	body, err := EncodeToken(ping)
	require.NoError(t, err)

	require.NoError(t, h.queue.HandlePing(body, time.Now()))
	stored := h.queue.StoredPingsFrom(h.peer.PublicKey().Bytes())
	require.Len(t, stored, 1)

	// Replay of the same ping is dropped silently.
	require.NoError(t, h.queue.HandlePing(body, time.Now()))
	require.Len(t, h.queue.StoredPingsFrom(h.peer.PublicKey().Bytes()), 1)

	// Answering emits the pong and consumes the stored ping.
	require.NoError(t, h.queue.AnswerPing(ping.Nonce))
	sent := h.sentFrames()
	require.Len(t, sent, 1)
	require.Equal(t, byte(wire.TagPong), sent[0].tag)
	pong, err := DecodePong(sent[0].body)
	require.NoError(t, err)
	require.NoError(t, pong.Verify())
	require.Equal(t, ping.Nonce, pong.PingNonce)
	require.Empty(t, h.queue.StoredPingsFrom(h.peer.PublicKey().Bytes()))
	require.Equal(t, ErrUnknownPing, h.queue.AnswerPing(ping.Nonce))
}

func TestExpiredPingRejected(t *testing.T) {
	h := newHarness(t)

	ping, err := NewPing(h.peer, h.signer.PublicKey().Bytes(), make([]byte, 32), make([]byte, 32))
	require.NoError(t, err)
	body, err := EncodeToken(ping)
	require.NoError(t, err)
	err = h.queue.HandlePing(body, time.Now().Add(PingMaxAge+time.Minute))
	require.Equal(t, ErrTokenExpired, err)
}

func TestTapRetriesBypassBackoff(t *testing.T) {
	h := newHarness(t)
	m := h.enqueue(t)
	contact, err := h.queue.cfg.Lookup("bob")
	require.NoError(t, err)

	// Force the message deep into backoff, then simulate a tap.
	h.queue.Lock()
	h.queue.pending[m.ID].RetryCount = 5
	h.queue.pending[m.ID].LastRetryAt = time.Now().Add(-40 * time.Second)
	h.queue.Unlock()

	// The 300s cooldown has not elapsed, a sweep does nothing.
	h.queue.Sweep(time.Now())
	require.Len(t, h.sentFrames(), 1)

	// The tap re-pings immediately.
	h.queue.HandleTap(contact, time.Now())
	require.Len(t, h.sentFrames(), 2)

	// But a second tap inside the retry floor does not.
	h.queue.HandleTap(contact, time.Now())
	require.Len(t, h.sentFrames(), 2)
}

func TestQueueReload(t *testing.T) {
	h := newHarness(t)
	m := h.enqueue(t)
	h.queue.Halt()

	cfg := *h.queue.cfg
	q2, err := NewQueue(&cfg)
	require.NoError(t, err)
	defer q2.Halt()
	require.Equal(t, 1, q2.PendingTo("bob"))

	// The reloaded message still answers its pong.
	pong, err := NewPong(h.peer, m.PingID, true)
	require.NoError(t, err)
	body, err := EncodeToken(pong)
	require.NoError(t, err)
	require.NoError(t, q2.HandlePong(body))
}

func TestDedupCache(t *testing.T) {
	c := NewMessageIDCache(3)
	a, b, d, e := NewMessageID(), NewMessageID(), NewMessageID(), NewMessageID()
	require.False(t, c.Test(a))
	c.Set(a)
	require.True(t, c.Test(a))
	c.Set(b)
	c.Set(d)
	c.Set(e)
	// Oldest entry was evicted.
	require.False(t, c.Test(a))
	require.True(t, c.Test(e))
}

func TestDedupTestDoesNotRecord(t *testing.T) {
	h := newHarness(t)
	id := NewMessageID()

	// A lookup must never mark the ID seen: a message whose decrypt fails
	// is checked but not recorded, and its retransmit has to go through.
	require.False(t, h.queue.Seen(id))
	require.False(t, h.queue.Seen(id))
	h.queue.MarkSeen(id)
	require.True(t, h.queue.Seen(id))
}

func TestQueueHaltIdempotent(t *testing.T) {
	h := newHarness(t)
	h.queue.Halt()
	h.queue.Halt()
}

func TestAckState(t *testing.T) {
	s := NewAckState()
	id := NewMessageID()
	now := time.Now()
	require.True(t, s.Record(id, AckTypeMessage, now))
	require.False(t, s.Record(id, AckTypeMessage, now))
	require.True(t, s.IsAcked(id))

	s.Expire(now.Add(PingMaxAge + time.Second))
	require.False(t, s.IsAcked(id))
}

func TestBadTokenSignatures(t *testing.T) {
	h := newHarness(t)

	ping, err := NewPing(h.peer, h.signer.PublicKey().Bytes(), make([]byte, 32), make([]byte, 32))
	require.NoError(t, err)
	ping.Timestamp++
	require.Equal(t, ErrBadTokenSignature, ping.Verify(time.Now()))

	id := NewMessageID()
	ack := NewAck(h.peer, id[:], AckTypeMessage)
	ack.AckType = AckTypeFriendRequest
	require.Equal(t, ErrBadTokenSignature, ack.Verify())
}
