// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/shieldmsg/shieldcore/delivery"
	"github.com/shieldmsg/shieldcore/ratchet"
	"github.com/shieldmsg/shieldcore/shaper"
	"github.com/shieldmsg/shieldcore/storage"
	"github.com/shieldmsg/shieldcore/transport"
	"github.com/shieldmsg/shieldcore/wire"
)

const sendTimeout = 30 * time.Second

func (c *Client) worker() {
	for {
		select {
		case <-c.HaltCh():
			return
		case op := <-c.opCh:
			c.handleOp(op)
		case in, ok := <-c.transport.Receive():
			if !ok {
				c.log.Noticef("transport closed inbound stream")
				return
			}
			c.handleInbound(&in)
		}
	}
}

func (c *Client) handleOp(op interface{}) {
	switch o := op.(type) {
	case *opSendMessage:
		c.handleSendMessage(o)
	case *opAddContact:
		o.doneCh <- c.handleAddContact(o.contact)
	case *opAnswerPing:
		o.doneCh <- c.queue.AnswerPing(o.pingNonce)
	case *opBroadcastTap:
		c.handleBroadcastTap()
	case *opDuressWipe:
		c.handleDuressWipe()
	default:
		c.log.Errorf("unknown operation %T", op)
	}
}

// addContactLocked indexes a contact; the caller holds stateLock.
func (c *Client) addContactLocked(contact *storage.Contact) {
	c.contacts[contact.ID] = contact
	var k [32]byte
	copy(k[:], contact.X25519)
	c.contactsByX[k] = contact
}

func (c *Client) lookupContact(contactID string) (*delivery.Contact, error) {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()

	contact, ok := c.contacts[contactID]
	if !ok {
		return nil, ErrUnknownContact
	}
	return &delivery.Contact{ID: contact.ID, Identity: contact.Identity, X25519: contact.X25519}, nil
}

func (c *Client) lookupContactByX25519(x []byte) (*delivery.Contact, error) {
	var k [32]byte
	copy(k[:], x)

	c.stateLock.RLock()
	defer c.stateLock.RUnlock()

	contact, ok := c.contactsByX[k]
	if !ok {
		return nil, ErrUnknownContact
	}
	return &delivery.Contact{ID: contact.ID, Identity: contact.Identity, X25519: contact.X25519}, nil
}

func (c *Client) session(contactID string) (*ratchet.Session, bool) {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	s, ok := c.sessions[contactID]
	return s, ok
}

func (c *Client) persistSession(contactID string, s *ratchet.Session) {
	blob, err := s.MarshalBinary()
	if err != nil {
		c.log.Errorf("session serialization for %v failed: %v", contactID, err)
		return
	}
	if err := c.store.SaveSession(contactID, blob); err != nil {
		c.log.Errorf("session store write for %v failed: %v", contactID, err)
	}
}

func (c *Client) handleSendMessage(op *opSendMessage) {
	s, ok := c.session(op.contactID)
	if !ok {
		c.log.Errorf("send to %v: no session", op.contactID)
		return
	}
	c.encryptAndEnqueue(s, op)
}

// encryptAndEnqueue stages op's plaintext on the session and hands the
// ciphertext to the delivery queue.  The session stages one send at a time,
// so while another send awaits its ack the op is parked; the commit path
// drains the parked queue in order.
func (c *Client) encryptAndEnqueue(s *ratchet.Session, op *opSendMessage) {
	seq, ct, err := s.EncryptStaged(op.plaintext)
	if err != nil {
		switch err {
		case ratchet.ErrStagedSendPending:
			c.stateLock.Lock()
			c.sendQ[op.contactID] = append(c.sendQ[op.contactID], op)
			c.stateLock.Unlock()
		case ratchet.ErrSessionDesynchronized:
			c.notify(&SessionDesynchronizedEvent{ContactID: op.contactID})
			c.log.Errorf("send to %v: %v", op.contactID, err)
		default:
			c.log.Errorf("send to %v: %v", op.contactID, err)
		}
		return
	}
	c.persistSession(op.contactID, s)

	tag := byte(wire.TagText)
	if op.voice {
		tag = wire.TagVoice
	}
	payload := make([]byte, 0, len(op.id)+len(ct))
	payload = append(payload, op.id[:]...)
	payload = append(payload, ct...)
	m := &delivery.PendingMessage{
		ID:               op.id,
		ContactID:        op.contactID,
		Tag:              tag,
		EncryptedPayload: payload,
		Seq:              seq,
	}
	if err := c.queue.Enqueue(m); err != nil {
		c.log.Errorf("enqueue for %v failed: %v", op.contactID, err)
	}
}

func (c *Client) commitSend(contactID string, seq uint64) error {
	s, ok := c.session(contactID)
	if !ok {
		return ErrNoSession
	}
	err := s.CommitSend(seq)
	if err == nil {
		c.persistSession(contactID, s)
	}
	// The staging slot is free either way, let the next parked send in.
	c.drainSendQueue(contactID, s)
	return err
}

// drainSendQueue stages the oldest parked send for a contact.
func (c *Client) drainSendQueue(contactID string, s *ratchet.Session) {
	c.stateLock.Lock()
	q := c.sendQ[contactID]
	if len(q) == 0 {
		c.stateLock.Unlock()
		return
	}
	op := q[0]
	if len(q) == 1 {
		delete(c.sendQ, contactID)
	} else {
		c.sendQ[contactID] = q[1:]
	}
	c.stateLock.Unlock()
	c.encryptAndEnqueue(s, op)
}

func (c *Client) onDelivered(id delivery.MessageID) {
	c.notify(&MessageDeliveredEvent{MessageID: id})
}

func (c *Client) onPingStored(contact *delivery.Contact) {
	c.notify(&PingStoredEvent{ContactID: contact.ID})
}

// sendBody frames and transmits one tagged body toward a contact.  Wake
// protocol tokens go out after a randomized delay so response timing does
// not fingerprint the engine.
func (c *Client) sendBody(contactID string, tag byte, body []byte) error {
	c.stateLock.RLock()
	contact, ok := c.contacts[contactID]
	c.stateLock.RUnlock()
	if !ok {
		return ErrUnknownContact
	}
	frames, err := c.frames(tag, body)
	if err != nil {
		return err
	}
	switch tag {
	case wire.TagPing, wire.TagPong, wire.TagAck:
		time.AfterFunc(c.delay.Delay(), func() {
			c.transmit(contact, frames)
		})
	default:
		c.transmit(contact, frames)
	}
	return nil
}

func (c *Client) frames(tag byte, body []byte) ([][]byte, error) {
	contents, err := c.geo.Fragment(tag, body)
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, 0, len(contents))
	for _, content := range contents {
		f, err := c.geo.EncodeFrame(content)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (c *Client) transmit(contact *storage.Contact, frames [][]byte) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	for _, f := range frames {
		if err := c.transport.Send(ctx, contact.Endpoint, f); err != nil {
			c.log.Debugf("send to %v failed: %v", contact.Endpoint, err)
			return
		}
	}
	c.stateLock.RLock()
	w, ok := c.covers[contact.ID]
	c.stateLock.RUnlock()
	if ok {
		w.Reset()
	}
}

// startCoverWorkerLocked masks idle periods on an established session; the
// caller holds stateLock.
func (c *Client) startCoverWorkerLocked(contact *storage.Contact) {
	if _, ok := c.covers[contact.ID]; ok {
		return
	}
	endpoint := contact.Endpoint
	c.covers[contact.ID] = shaper.NewCoverWorker(c.log, func() error {
		frame, err := c.geo.EncodeCover()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		return c.transport.Send(ctx, endpoint, frame)
	})
}

// friendRequest is the signed handshake payload toward a new peer.
type friendRequest struct {
	Endpoint      string
	Identity      []byte
	X25519        []byte
	MLKEM         []byte
	KEMCiphertext []byte
	Signature     []byte
}

func (f *friendRequest) signable() []byte {
	b := []byte(f.Endpoint)
	b = append(b, f.Identity...)
	b = append(b, f.X25519...)
	b = append(b, f.MLKEM...)
	b = append(b, f.KEMCiphertext...)
	return b
}

func (c *Client) handleAddContact(contact *storage.Contact) error {
	s, kemCt, err := ratchet.NewInitiatorSession(c.keys, &ratchet.PublicBundle{
		X25519: contact.X25519,
		MLKEM:  contact.MLKEM,
	}, c.endpoint, contact.Endpoint, c.cfg.Ratchet.KEMRatchetInterval)
	if err != nil {
		return err
	}
	if err := c.store.SaveContact(contact); err != nil {
		return err
	}

	c.stateLock.Lock()
	c.addContactLocked(contact)
	c.sessions[contact.ID] = s
	c.startCoverWorkerLocked(contact)
	c.stateLock.Unlock()
	c.persistSession(contact.ID, s)

	bundle := c.keys.PublicBundle()
	fr := &friendRequest{
		Endpoint:      c.endpoint,
		Identity:      c.signer.PublicKey().Bytes(),
		X25519:        bundle.X25519,
		MLKEM:         bundle.MLKEM,
		KEMCiphertext: kemCt,
	}
	fr.Signature = c.signer.SignMessage(fr.signable())
	body, err := cbor.Marshal(fr)
	if err != nil {
		return err
	}
	return c.sendBody(contact.ID, wire.TagFriendRequest, body)
}

func (c *Client) handleFriendRequest(body []byte) {
	fr := new(friendRequest)
	if err := cbor.Unmarshal(body, fr); err != nil {
		c.log.Debugf("malformed friend request dropped")
		return
	}
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(fr.Identity); err != nil {
		c.log.Debugf("friend request with bad identity key dropped")
		return
	}
	if !pub.Verify(fr.Signature, fr.signable()) {
		c.log.Debugf("friend request with bad signature dropped")
		return
	}

	s, err := ratchet.NewResponderSession(c.keys, &ratchet.PublicBundle{
		X25519: fr.X25519,
		MLKEM:  fr.MLKEM,
	}, fr.KEMCiphertext, c.endpoint, fr.Endpoint, c.cfg.Ratchet.KEMRatchetInterval)
	if err != nil {
		c.log.Debugf("friend request handshake failed: %v", err)
		return
	}

	contact := &storage.Contact{
		ID:       fr.Endpoint,
		Endpoint: fr.Endpoint,
		Identity: fr.Identity,
		X25519:   fr.X25519,
		MLKEM:    fr.MLKEM,
	}
	if err := c.store.SaveContact(contact); err != nil {
		c.log.Errorf("contact store write failed: %v", err)
		return
	}

	c.stateLock.Lock()
	c.addContactLocked(contact)
	c.sessions[contact.ID] = s
	c.startCoverWorkerLocked(contact)
	c.stateLock.Unlock()
	c.persistSession(contact.ID, s)
	c.notify(&FriendRequestEvent{ContactID: contact.ID})
}

func (c *Client) handleBroadcastTap() {
	c.stateLock.RLock()
	contacts := make([]*storage.Contact, 0, len(c.contacts))
	for _, contact := range c.contacts {
		contacts = append(contacts, contact)
	}
	c.stateLock.RUnlock()

	now := time.Now()
	for _, contact := range contacts {
		body, err := delivery.EncodeTap(c.keys, contact.X25519, now)
		if err != nil {
			c.log.Debugf("tap encode for %v failed: %v", contact.ID, err)
			continue
		}
		if err := c.sendBody(contact.ID, wire.TagTap, body); err != nil {
			c.log.Debugf("tap send to %v failed: %v", contact.ID, err)
		}
	}
}

func (c *Client) handleDuressWipe() {
	c.notify(&DuressWipeRequestedEvent{})

	c.stateLock.Lock()
	for id, s := range c.sessions {
		s.Destroy()
		delete(c.sessions, id)
	}
	for id, w := range c.covers {
		w.Halt()
		delete(c.covers, id)
	}
	c.contacts = make(map[string]*storage.Contact)
	c.contactsByX = make(map[[32]byte]*storage.Contact)
	c.sendQ = make(map[string][]*opSendMessage)
	c.stateLock.Unlock()

	c.keys.Wipe()
	c.signer.Reset()
	if err := c.store.Wipe(); err != nil {
		c.log.Errorf("store wipe failed: %v", err)
	}
}

func (c *Client) handleInbound(in *transport.Inbound) {
	content, err := c.geo.DecodeFrame(in.Frame)
	if err != nil {
		if err != wire.ErrCoverFrame {
			c.log.Debugf("malformed frame from %v dropped", in.Endpoint)
		}
		return
	}
	tag, body, err := c.reasm.Add(content)
	if err != nil {
		c.log.Debugf("fragment from %v dropped: %v", in.Endpoint, err)
		return
	}
	if body == nil {
		// Fragment set incomplete.
		return
	}

	now := time.Now()
	switch tag {
	case wire.TagPing:
		if err := c.queue.HandlePing(body, now); err != nil {
			c.log.Debugf("ping dropped: %v", err)
		}
	case wire.TagPong:
		if err := c.queue.HandlePong(body); err != nil {
			c.log.Debugf("pong dropped: %v", err)
		}
	case wire.TagAck:
		if err := c.queue.HandleAck(body, now); err != nil {
			c.log.Debugf("ack dropped: %v", err)
		}
	case wire.TagTap:
		c.handleTap(body, now)
	case wire.TagText:
		c.handleMessage(in.Endpoint, body, false)
	case wire.TagVoice:
		c.handleMessage(in.Endpoint, body, true)
	case wire.TagFriendRequest:
		c.handleFriendRequest(body)
	default:
		c.log.Debugf("frame with unknown tag %#02x dropped", tag)
	}
}

func (c *Client) handleTap(body []byte, now time.Time) {
	senderX, _, err := delivery.DecodeTap(c.keys, body)
	if err != nil {
		c.log.Debugf("tap dropped: %v", err)
		return
	}
	contact, err := c.lookupContactByX25519(senderX)
	if err != nil {
		c.log.Debugf("tap from unknown sender dropped")
		return
	}
	stored := c.queue.HandleTap(contact, now)
	c.notify(&PresenceTapEvent{ContactID: contact.ID, PendingPings: len(stored)})
}

func (c *Client) handleMessage(endpoint string, body []byte, voice bool) {
	var id delivery.MessageID
	if len(body) <= len(id) {
		c.log.Debugf("truncated message from %v dropped", endpoint)
		return
	}
	copy(id[:], body[:len(id)])
	ct := body[len(id):]

	c.stateLock.RLock()
	var contact *storage.Contact
	for _, cand := range c.contacts {
		if cand.Endpoint == endpoint {
			contact = cand
			break
		}
	}
	var s *ratchet.Session
	if contact != nil {
		s = c.sessions[contact.ID]
	}
	c.stateLock.RUnlock()
	if contact == nil {
		c.log.Debugf("message from unknown endpoint %v dropped", endpoint)
		return
	}
	if s == nil {
		c.log.Debugf("message from %v without session dropped", contact.ID)
		return
	}

	if c.queue.Seen(id) {
		// Already delivered, re-ack without surfacing.
		if err := c.queue.SendAck(contact.ID, id[:], delivery.AckTypeMessage); err != nil {
			c.log.Debugf("re-ack to %v failed: %v", contact.ID, err)
		}
		return
	}

	plaintext, err := s.Decrypt(ct)
	if err != nil {
		// The ID is deliberately not recorded: a retransmit after a
		// transient failure must not look like a duplicate.
		switch err {
		case ratchet.ErrSessionDesynchronized:
			c.notify(&SessionDesynchronizedEvent{ContactID: contact.ID})
		case ratchet.ErrReplayDetected:
		default:
			c.log.Debugf("decrypt from %v failed: %v", contact.ID, err)
		}
		return
	}
	c.queue.MarkSeen(id)
	c.persistSession(contact.ID, s)

	if err := c.queue.SendAck(contact.ID, id[:], delivery.AckTypeMessage); err != nil {
		c.log.Debugf("ack to %v failed: %v", contact.ID, err)
	}
	c.notify(&MessageReceivedEvent{ContactID: contact.ID, Plaintext: plaintext, Voice: voice})
}
