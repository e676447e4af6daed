// SPDX-License-Identifier: AGPL-3.0-only

package client

import "github.com/shieldmsg/shieldcore/delivery"

// Event is the non-blocking event sink type.
type Event interface{}

// MessageDeliveredEvent is issued when a sent message is acknowledged by
// the recipient.
type MessageDeliveredEvent struct {
	MessageID delivery.MessageID
}

// MessageReceivedEvent is issued upon receipt of a message.
type MessageReceivedEvent struct {
	ContactID string
	Plaintext []byte
	Voice     bool
}

// PresenceTapEvent is issued when a contact comes online.
type PresenceTapEvent struct {
	ContactID string

	// PendingPings is the number of stored, unanswered pings from this
	// contact awaiting user retrieval.
	PendingPings int
}

// PingStoredEvent is issued when an inbound wake ping is persisted for
// deferred retrieval.
type PingStoredEvent struct {
	ContactID string
}

// FriendRequestEvent is issued when a handshake from a new peer arrives.
type FriendRequestEvent struct {
	ContactID string
}

// SessionDesynchronizedEvent is issued when a session becomes unusable and
// needs a fresh handshake.  This is one of the two user visible errors.
type SessionDesynchronizedEvent struct {
	ContactID string
}

// DuressWipeRequestedEvent is issued when the duress path is triggered,
// before state destruction begins.
type DuressWipeRequestedEvent struct{}
