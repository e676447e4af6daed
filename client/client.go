// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the top level protocol engine.  A single worker
// goroutine owns all mutable state and is driven by an operation channel
// and the transport's inbound frame stream; the exported API is
// non-blocking.
package client

import (
	"errors"
	"sync"

	"github.com/katzenpost/hpqc/sign/ed25519"
	"gopkg.in/op/go-logging.v1"

	"github.com/shieldmsg/shieldcore/config"
	"github.com/shieldmsg/shieldcore/core/log"
	"github.com/shieldmsg/shieldcore/core/worker"
	"github.com/shieldmsg/shieldcore/delivery"
	"github.com/shieldmsg/shieldcore/ratchet"
	"github.com/shieldmsg/shieldcore/shaper"
	"github.com/shieldmsg/shieldcore/storage"
	"github.com/shieldmsg/shieldcore/transport"
	"github.com/shieldmsg/shieldcore/wire"
)

var (
	// ErrShutdown is the error returned when the engine is halting.
	ErrShutdown = errors.New("client: shutdown requested")

	// ErrUnknownContact is the error returned for an unknown contact ID.
	ErrUnknownContact = errors.New("client: unknown contact")

	// ErrNoSession is the error returned when no established session
	// exists for a contact.
	ErrNoSession = errors.New("client: no session for contact")
)

// KeyStore provides the long term identity keys from the platform's
// hardware backed store.  Raw private key material is never persisted by
// this package.
type KeyStore interface {
	GetIdentityKeys() (*ratchet.Keypair, *ed25519.PrivateKey, error)
}

// Options bundles the external collaborators of the engine.
type Options struct {
	Config     *config.Config
	LogBackend *log.Backend
	Store      storage.Store
	Transport  transport.Transport
	Keys       KeyStore

	// Endpoint is the local hidden service endpoint identifier.
	Endpoint string
}

// Client is the protocol engine.
type Client struct {
	worker.Worker

	cfg  *config.Config
	log  *logging.Logger
	geo  *wire.Geometry
	opCh chan interface{}

	store     storage.Store
	transport transport.Transport
	endpoint  string

	keys   *ratchet.Keypair
	signer *ed25519.PrivateKey

	queue *delivery.Queue
	delay *shaper.DelaySampler

	// stateLock guards the maps below, which the delivery queue's
	// workers reach through the lookup and send callbacks.
	stateLock   sync.RWMutex
	sessions    map[string]*ratchet.Session
	contacts    map[string]*storage.Contact
	contactsByX map[[32]byte]*storage.Contact
	covers      map[string]*shaper.CoverWorker
	sendQ       map[string][]*opSendMessage
	reasm       *wire.Reassembler

	eventCh chan Event
}

// New constructs a Client and reloads contacts and sessions from the
// store.  Start launches the worker.
func New(opts *Options) (*Client, error) {
	keys, signer, err := opts.Keys.GetIdentityKeys()
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:         opts.Config,
		log:         opts.LogBackend.GetLogger("client"),
		geo:         &wire.Geometry{PayloadSize: opts.Config.Wire.PayloadSize},
		opCh:        make(chan interface{}, 8),
		store:       opts.Store,
		transport:   opts.Transport,
		endpoint:    opts.Endpoint,
		keys:        keys,
		signer:      signer,
		delay:       shaper.NewDelaySampler(),
		sessions:    make(map[string]*ratchet.Session),
		contacts:    make(map[string]*storage.Contact),
		contactsByX: make(map[[32]byte]*storage.Contact),
		covers:      make(map[string]*shaper.CoverWorker),
		sendQ:       make(map[string][]*opSendMessage),
		reasm:       wire.NewReassembler(),
		eventCh:     make(chan Event, 64),
	}
	if err := c.geo.Validate(); err != nil {
		return nil, err
	}

	contacts, err := opts.Store.LoadContacts()
	if err != nil {
		return nil, err
	}
	for _, contact := range contacts {
		c.addContactLocked(contact)
		blob, err := opts.Store.LoadSession(contact.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		s, err := ratchet.LoadSession(keys, blob)
		if err != nil {
			return nil, err
		}
		c.sessions[contact.ID] = s
	}

	c.queue, err = delivery.NewQueue(&delivery.Config{
		Log:            opts.LogBackend.GetLogger("delivery"),
		Store:          opts.Store,
		Signer:         signer,
		OwnX25519:      keys.X25519Public(),
		Lookup:         c.lookupContact,
		LookupByX25519: c.lookupContactByX25519,
		Send:           c.sendBody,
		CommitSend:     c.commitSend,
		Delivered:      c.onDelivered,
		PingStored:     c.onPingStored,
		SweepInterval:  opts.Config.Delivery.RetrySweepInterval,
		RetryFloor:     opts.Config.Delivery.RetryFloor,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Start launches the engine worker and announces presence to all contacts.
func (c *Client) Start() {
	c.Go(c.worker)
	c.BroadcastTap()
}

// Shutdown halts the engine.
func (c *Client) Shutdown() {
	c.queue.Halt()
	for _, w := range c.covers {
		w.Halt()
	}
	c.Halt()
}

// EventsChan returns the event sink channel.
func (c *Client) EventsChan() <-chan Event {
	return c.eventCh
}

func (c *Client) notify(e Event) {
	select {
	case c.eventCh <- e:
	default:
		c.log.Warningf("event channel full, dropping %T", e)
	}
}

type opSendMessage struct {
	id        delivery.MessageID
	contactID string
	plaintext []byte
	voice     bool
}

type opAddContact struct {
	contact *storage.Contact
	doneCh  chan error
}

type opAnswerPing struct {
	pingNonce []byte
	doneCh    chan error
}

type opBroadcastTap struct{}

type opDuressWipe struct{}

// SendMessage queues plaintext for delivery to a contact and returns the
// message ID immediately; delivery may complete arbitrarily later and is
// reported via MessageDeliveredEvent.
func (c *Client) SendMessage(contactID string, plaintext []byte) delivery.MessageID {
	id := delivery.NewMessageID()
	select {
	case c.opCh <- &opSendMessage{id: id, contactID: contactID, plaintext: plaintext}:
	case <-c.HaltCh():
	}
	return id
}

// SendVoiceMessage is SendMessage for voice payloads.
func (c *Client) SendVoiceMessage(contactID string, payload []byte) delivery.MessageID {
	id := delivery.NewMessageID()
	select {
	case c.opCh <- &opSendMessage{id: id, contactID: contactID, plaintext: payload, voice: true}:
	case <-c.HaltCh():
	}
	return id
}

// AddContact stores a contact and initiates the session handshake toward
// its published key bundle.
func (c *Client) AddContact(contact *storage.Contact) error {
	op := &opAddContact{contact: contact, doneCh: make(chan error, 1)}
	select {
	case c.opCh <- op:
	case <-c.HaltCh():
		return ErrShutdown
	}
	select {
	case err := <-op.doneCh:
		return err
	case <-c.HaltCh():
		return ErrShutdown
	}
}

// AnswerPing discloses presence to the sender of a stored ping and lets
// the waiting message through, the user driven half of deferred
// disclosure.
func (c *Client) AnswerPing(pingNonce []byte) error {
	op := &opAnswerPing{pingNonce: pingNonce, doneCh: make(chan error, 1)}
	select {
	case c.opCh <- op:
	case <-c.HaltCh():
		return ErrShutdown
	}
	select {
	case err := <-op.doneCh:
		return err
	case <-c.HaltCh():
		return ErrShutdown
	}
}

// StoredPingsFrom lists the unanswered pings from one contact.
func (c *Client) StoredPingsFrom(contactID string) ([]*delivery.StoredPing, error) {
	contact, err := c.lookupContact(contactID)
	if err != nil {
		return nil, ErrUnknownContact
	}
	return c.queue.StoredPingsFrom(contact.Identity), nil
}

// BroadcastTap announces presence to all contacts, called on transport
// reconnect.
func (c *Client) BroadcastTap() {
	select {
	case c.opCh <- &opBroadcastTap{}:
	case <-c.HaltCh():
	}
}

// DuressWipe destroys all sessions, identity keys and persisted state.
func (c *Client) DuressWipe() {
	select {
	case c.opCh <- &opDuressWipe{}:
	case <-c.HaltCh():
	}
}
