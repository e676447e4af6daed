// SPDX-License-Identifier: AGPL-3.0-only

// Package delivery implements the offline delivery queue and wake protocol.
// An outbound message is encrypted once, persisted, and announced with a
// signed PING; the ciphertext itself is only transmitted after the peer's
// PONG proves it is reachable, and the message is retried on a backoff
// schedule until an ACK arrives.  Presence taps recover both directions as
// soon as either peer reconnects.
package delivery

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"gopkg.in/op/go-logging.v1"

	"github.com/shieldmsg/shieldcore/core/worker"
	"github.com/shieldmsg/shieldcore/wire"
)

// retrySchedule is the per-message retry cooldown by retry count, the last
// entry repeating.
var retrySchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
	80 * time.Second,
	300 * time.Second,
}

const (
	// DefaultSweepInterval is how often the retry sweep runs.
	DefaultSweepInterval = 2 * time.Minute

	// DefaultRetryFloor is the minimum spacing between two retries of
	// one message, the backoff schedule notwithstanding.
	DefaultRetryFloor = 30 * time.Second
)

var (
	// ErrUnknownContact is the error returned when a contact lookup
	// fails.
	ErrUnknownContact = errors.New("delivery: unknown contact")

	// ErrUnknownPing is the error returned when a pong references no
	// outstanding ping.
	ErrUnknownPing = errors.New("delivery: unknown ping")

	// ErrUnknownMessage is the error returned when an ack references no
	// pending message.
	ErrUnknownMessage = errors.New("delivery: unknown message")
)

// MessageID identifies a pending message.
type MessageID [16]byte

// NewMessageID generates a random MessageID.
func NewMessageID() MessageID {
	var id MessageID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		panic(err)
	}
	return id
}

// State is the delivery state of a pending message.
type State uint8

const (
	// StatePingSent means the wake PING is out, awaiting a PONG.
	StatePingSent State = 1

	// StatePongSent means the ciphertext was transmitted, awaiting ACK.
	StatePongSent State = 2

	// StateDelivered means the peer acknowledged delivery.
	StateDelivered State = 3
)

// PendingMessage is one queued outbound message.  EncryptedPayload is
// computed exactly once and replayed verbatim on every retry.
type PendingMessage struct {
	ID               MessageID
	ContactID        string
	Tag              byte
	EncryptedPayload []byte
	Seq              uint64
	PingID           []byte
	RetryCount       int
	LastRetryAt      time.Time
	State            State
}

func (m *PendingMessage) retryCooldown() time.Duration {
	i := m.RetryCount
	if i >= len(retrySchedule) {
		i = len(retrySchedule) - 1
	}
	return retrySchedule[i]
}

// StoredPing is a received, not yet answered wake PING held for deferred
// disclosure.
type StoredPing struct {
	Ping       *Ping
	ReceivedAt time.Time
}

// Store persists pending messages and stored pings.  Writes happen before
// the corresponding network transmission is treated as sent.
type Store interface {
	SavePending(*PendingMessage) error
	DeletePending(MessageID) error
	LoadAwaitingAck() ([]*PendingMessage, error)

	SaveStoredPing(*StoredPing) error
	DeleteStoredPing(nonce []byte) error
	LoadStoredPings() ([]*StoredPing, error)
}

// Contact is the per-contact routing and key material the queue needs.
type Contact struct {
	ID       string
	Identity []byte
	X25519   []byte
}

// Config is the delivery queue configuration.
type Config struct {
	Log    *logging.Logger
	Store  Store
	Signer *ed25519.PrivateKey

	// OwnX25519 is the local session public key, carried in pings.
	OwnX25519 []byte

	// Lookup resolves a contact by ID.
	Lookup func(contactID string) (*Contact, error)

	// LookupByX25519 resolves a contact by session public key, for taps.
	LookupByX25519 func(x25519 []byte) (*Contact, error)

	// Send transmits one tagged frame content toward a contact.  The
	// transport layer applies the response delay and framing.
	Send func(contactID string, tag byte, body []byte) error

	// CommitSend commits the staged ratchet advance once a message is
	// acknowledged.
	CommitSend func(contactID string, seq uint64) error

	// Delivered is called when a message reaches StateDelivered.
	Delivered func(MessageID)

	// PingStored is called when an inbound ping is persisted for
	// deferred retrieval.
	PingStored func(contact *Contact)

	SweepInterval time.Duration
	RetryFloor    time.Duration
}

type expiringPing struct {
	nonce    []byte
	deadline time.Time
}

func (e *expiringPing) Priority() uint64 {
	return uint64(e.deadline.UnixNano())
}

// Queue is the delivery queue.
type Queue struct {
	worker.Worker
	sync.Mutex

	cfg *Config
	log *logging.Logger

	pending     map[MessageID]*PendingMessage
	storedPings map[string]*StoredPing

	pingFilter *PingFilter
	dedup      *MessageIDCache
	ackState   *AckState
	expiryQ    *TimerQueue
	haltOnce   sync.Once
}

// queuePusher adapts the Queue to the TimerQueue's next queue interface.
type queuePusher struct{ q *Queue }

func (p *queuePusher) Push(i Item) error {
	p.q.expireStoredPing(i.(*expiringPing).nonce)
	return nil
}

// NewQueue constructs and starts a delivery queue, reloading unacknowledged
// messages and stored pings from the store.
func NewQueue(cfg *Config) (*Queue, error) {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.RetryFloor == 0 {
		cfg.RetryFloor = DefaultRetryFloor
	}
	pingFilter, err := NewPingFilter()
	if err != nil {
		return nil, err
	}
	q := &Queue{
		cfg:         cfg,
		log:         cfg.Log,
		pending:     make(map[MessageID]*PendingMessage),
		storedPings: make(map[string]*StoredPing),
		pingFilter:  pingFilter,
		dedup:       NewMessageIDCache(0),
		ackState:    NewAckState(),
	}
	q.expiryQ = NewTimerQueue(&queuePusher{q: q})

	msgs, err := cfg.Store.LoadAwaitingAck()
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		q.pending[m.ID] = m
	}
	pings, err := cfg.Store.LoadStoredPings()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, sp := range pings {
		if now.Sub(sp.ReceivedAt) > PingMaxAge {
			_ = cfg.Store.DeleteStoredPing(sp.Ping.Nonce)
			continue
		}
		q.storedPings[string(sp.Ping.Nonce)] = sp
		q.expiryQ.Push(&expiringPing{nonce: sp.Ping.Nonce, deadline: sp.ReceivedAt.Add(PingMaxAge)})
	}

	q.expiryQ.Start()
	q.Go(q.sweepWorker)
	return q, nil
}

// Halt stops the queue workers.  Safe to call more than once.
func (q *Queue) Halt() {
	q.haltOnce.Do(func() {
		q.expiryQ.Halt()
		q.Worker.Halt()
	})
}

// Enqueue persists a new pending message and transmits its wake PING.  The
// store write happens before any network activity so a crash never loses
// the message.
func (q *Queue) Enqueue(m *PendingMessage) error {
	q.Lock()
	defer q.Unlock()

	m.State = StatePingSent
	m.LastRetryAt = time.Now()
	if err := q.sendPingLocked(m); err != nil {
		return err
	}
	q.pending[m.ID] = m
	return nil
}

// sendPingLocked signs a fresh ping for m, persists, then transmits.
func (q *Queue) sendPingLocked(m *PendingMessage) error {
	contact, err := q.cfg.Lookup(m.ContactID)
	if err != nil {
		return ErrUnknownContact
	}
	ping, err := NewPing(q.cfg.Signer, contact.Identity, q.cfg.OwnX25519, contact.X25519)
	if err != nil {
		return err
	}
	m.PingID = ping.Nonce
	m.State = StatePingSent
	if err := q.cfg.Store.SavePending(m); err != nil {
		return err
	}
	body, err := EncodeToken(ping)
	if err != nil {
		return err
	}
	if err := q.cfg.Send(m.ContactID, wire.TagPing, body); err != nil {
		q.log.Debugf("ping send to %v failed: %v", m.ContactID, err)
	}
	return nil
}

// Cancel drops a pending message before delivery completes.
func (q *Queue) Cancel(id MessageID) error {
	q.Lock()
	defer q.Unlock()

	if _, ok := q.pending[id]; !ok {
		return ErrUnknownMessage
	}
	delete(q.pending, id)
	return q.cfg.Store.DeletePending(id)
}

// HandlePing processes an inbound wake PING.  Replays are dropped
// silently; fresh pings are persisted for deferred disclosure and surfaced
// via the PingStored callback.
func (q *Queue) HandlePing(body []byte, now time.Time) error {
	ping, err := DecodePing(body)
	if err != nil {
		return err
	}
	if err := ping.Verify(now); err != nil {
		return err
	}
	if q.pingFilter.TestAndSet(ping.SenderIdentity, ping.Nonce) {
		// Replay, drop silently.
		return nil
	}
	contact, err := q.cfg.LookupByX25519(ping.SenderX25519)
	if err != nil {
		return ErrUnknownContact
	}

	sp := &StoredPing{Ping: ping, ReceivedAt: now}
	if err := q.cfg.Store.SaveStoredPing(sp); err != nil {
		return err
	}
	q.Lock()
	q.storedPings[string(ping.Nonce)] = sp
	q.Unlock()
	q.expiryQ.Push(&expiringPing{nonce: ping.Nonce, deadline: now.Add(PingMaxAge)})

	if q.cfg.PingStored != nil {
		q.cfg.PingStored(contact)
	}
	return nil
}

// StoredPingsFrom returns the unanswered pings from one sender.
func (q *Queue) StoredPingsFrom(senderIdentity []byte) []*StoredPing {
	q.Lock()
	defer q.Unlock()
	var out []*StoredPing
	for _, sp := range q.storedPings {
		if bytes.Equal(sp.Ping.SenderIdentity, senderIdentity) {
			out = append(out, sp)
		}
	}
	return out
}

// AnswerPing sends the PONG for a stored ping, invoked when the user
// elects to retrieve the waiting message.
func (q *Queue) AnswerPing(pingNonce []byte) error {
	q.Lock()
	sp, ok := q.storedPings[string(pingNonce)]
	if ok {
		delete(q.storedPings, string(pingNonce))
	}
	q.Unlock()
	if !ok {
		return ErrUnknownPing
	}
	if err := q.cfg.Store.DeleteStoredPing(pingNonce); err != nil {
		return err
	}
	contact, err := q.cfg.LookupByX25519(sp.Ping.SenderX25519)
	if err != nil {
		return ErrUnknownContact
	}
	pong, err := NewPong(q.cfg.Signer, pingNonce, true)
	if err != nil {
		return err
	}
	body, err := EncodeToken(pong)
	if err != nil {
		return err
	}
	return q.cfg.Send(contact.ID, wire.TagPong, body)
}

// HandlePong processes an inbound PONG: the previously encrypted payload of
// the matching pending message is transmitted unchanged.
func (q *Queue) HandlePong(body []byte) error {
	pong, err := DecodePong(body)
	if err != nil {
		return err
	}
	if err := pong.Verify(); err != nil {
		return err
	}

	q.Lock()
	defer q.Unlock()
	for _, m := range q.pending {
		if !bytes.Equal(m.PingID, pong.PingNonce) {
			continue
		}
		m.State = StatePongSent
		if err := q.cfg.Store.SavePending(m); err != nil {
			return err
		}
		if err := q.cfg.Send(m.ContactID, m.Tag, m.EncryptedPayload); err != nil {
			q.log.Debugf("payload send to %v failed: %v", m.ContactID, err)
		}
		return nil
	}
	return ErrUnknownPing
}

// HandleAck processes an inbound ACK: the ratchet advance is committed and
// the pending message destroyed.  Duplicate acks are idempotent.
func (q *Queue) HandleAck(body []byte, now time.Time) error {
	ack, err := DecodeAck(body)
	if err != nil {
		return err
	}
	if err := ack.Verify(); err != nil {
		return err
	}
	if len(ack.ItemID) != len(MessageID{}) {
		return ErrMalformedToken
	}
	var id MessageID
	copy(id[:], ack.ItemID)

	if !q.ackState.Record(id, ack.AckType, now) {
		// Duplicate ack, forward progress already made.
		return nil
	}

	q.Lock()
	m, ok := q.pending[id]
	if ok {
		delete(q.pending, id)
	}
	q.Unlock()
	if !ok {
		return ErrUnknownMessage
	}

	if q.cfg.CommitSend != nil {
		if err := q.cfg.CommitSend(m.ContactID, m.Seq); err != nil {
			q.log.Errorf("ratchet commit for %v failed: %v", m.ContactID, err)
		}
	}
	m.State = StateDelivered
	if err := q.cfg.Store.DeletePending(id); err != nil {
		return err
	}
	if q.cfg.Delivered != nil {
		q.cfg.Delivered(id)
	}
	return nil
}

// SendAck signs and transmits an ACK for a received item.
func (q *Queue) SendAck(contactID string, itemID []byte, ackType uint8) error {
	ack := NewAck(q.cfg.Signer, itemID, ackType)
	body, err := EncodeToken(ack)
	if err != nil {
		return err
	}
	return q.cfg.Send(contactID, wire.TagAck, body)
}

// Seen returns true when an inbound message ID was already delivered.
// Duplicates are re-acked by the caller but not re-surfaced.
func (q *Queue) Seen(id MessageID) bool {
	return q.dedup.Test(id)
}

// MarkSeen records a delivered message ID.  Only successfully decrypted
// messages are recorded, so a retransmit after a transient decrypt failure
// is not mistaken for a duplicate.
func (q *Queue) MarkSeen(id MessageID) {
	q.dedup.Set(id)
}

// HandleTap processes a presence tap from a contact: pending messages to
// that contact are re-pinged immediately, bypassing the backoff schedule
// but not the retry floor.  The returned stored pings, if any, are the
// sender's unanswered pings for the application to surface.
func (q *Queue) HandleTap(contact *Contact, now time.Time) []*StoredPing {
	q.Lock()
	for _, m := range q.pending {
		if m.ContactID != contact.ID || m.State == StateDelivered {
			continue
		}
		if now.Sub(m.LastRetryAt) < q.cfg.RetryFloor {
			continue
		}
		m.RetryCount++
		m.LastRetryAt = now
		if err := q.sendPingLocked(m); err != nil {
			q.log.Debugf("tap retry for %v failed: %v", contact.ID, err)
		}
	}
	q.Unlock()

	return q.StoredPingsFrom(contact.Identity)
}

// PendingTo returns the pending message count for one contact.
func (q *Queue) PendingTo(contactID string) int {
	q.Lock()
	defer q.Unlock()
	n := 0
	for _, m := range q.pending {
		if m.ContactID == contactID {
			n++
		}
	}
	return n
}

// Sweep retries every pending message whose cooldown has elapsed.  The
// sweep worker calls this on a fixed interval; tests call it directly.
func (q *Queue) Sweep(now time.Time) {
	q.Lock()
	defer q.Unlock()

	for _, m := range q.pending {
		if m.State == StateDelivered {
			continue
		}
		elapsed := now.Sub(m.LastRetryAt)
		if elapsed < m.retryCooldown() || elapsed < q.cfg.RetryFloor {
			continue
		}
		m.RetryCount++
		m.LastRetryAt = now
		if err := q.sendPingLocked(m); err != nil {
			q.log.Debugf("retry for %v failed: %v", m.ContactID, err)
		}
	}
	q.ackState.Expire(now)
}

func (q *Queue) expireStoredPing(nonce []byte) {
	q.Lock()
	_, ok := q.storedPings[string(nonce)]
	if ok {
		delete(q.storedPings, string(nonce))
	}
	q.Unlock()
	if ok {
		if err := q.cfg.Store.DeleteStoredPing(nonce); err != nil {
			q.log.Debugf("stored ping expiry delete failed: %v", err)
		}
	}
}

func (q *Queue) sweepWorker() {
	t := time.NewTicker(q.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-q.HaltCh():
			return
		case now := <-t.C:
			q.Sweep(now)
		}
	}
}
