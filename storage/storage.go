// SPDX-License-Identifier: AGPL-3.0-only

// Package storage defines the persistence interfaces the protocol core
// consumes.  The canonical implementation lives in the bolt subpackage; an
// encrypted database provided by the platform is equally valid.
package storage

import (
	"errors"

	"github.com/shieldmsg/shieldcore/delivery"
)

// ErrNotFound is the error returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// Contact is a persisted peer: routing endpoint plus published keys.
type Contact struct {
	ID       string
	Endpoint string
	Identity []byte
	X25519   []byte
	MLKEM    []byte
}

// Store is the full persistence surface: pending messages and stored pings
// for the delivery queue, serialized session state, and the contact list.
type Store interface {
	delivery.Store

	SaveSession(contactID string, blob []byte) error
	LoadSession(contactID string) ([]byte, error)
	DeleteSession(contactID string) error

	SaveContact(*Contact) error
	LoadContacts() ([]*Contact, error)
	DeleteContact(contactID string) error

	// Wipe destroys all stored state, the duress path.
	Wipe() error

	Close() error
}
