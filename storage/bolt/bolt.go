// SPDX-License-Identifier: AGPL-3.0-only

// Package bolt implements the storage interfaces on top of bbolt.
package bolt

import (
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/shieldmsg/shieldcore/delivery"
	"github.com/shieldmsg/shieldcore/storage"
)

var (
	pendingBucket     = []byte("pending")
	storedPingsBucket = []byte("stored_pings")
	sessionsBucket    = []byte("sessions")
	contactsBucket    = []byte("contacts")
)

var allBuckets = [][]byte{pendingBucket, storedPingsBucket, sessionsBucket, contactsBucket}

// Store is a bbolt backed storage.Store.
type Store struct {
	db *bolt.DB
}

// New opens or creates the database at path.
func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) put(bucket, key []byte, v interface{}) error {
	blob, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, blob)
	})
}

func (s *Store) delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// SavePending persists a pending message.
func (s *Store) SavePending(m *delivery.PendingMessage) error {
	return s.put(pendingBucket, m.ID[:], m)
}

// DeletePending removes a pending message.
func (s *Store) DeletePending(id delivery.MessageID) error {
	return s.delete(pendingBucket, id[:])
}

// LoadAwaitingAck returns every pending message that has not been
// acknowledged.
func (s *Store) LoadAwaitingAck() ([]*delivery.PendingMessage, error) {
	var out []*delivery.PendingMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			m := new(delivery.PendingMessage)
			if err := cbor.Unmarshal(v, m); err != nil {
				return err
			}
			if m.State != delivery.StateDelivered {
				out = append(out, m)
			}
			return nil
		})
	})
	return out, err
}

// SaveStoredPing persists a received, unanswered ping.
func (s *Store) SaveStoredPing(sp *delivery.StoredPing) error {
	return s.put(storedPingsBucket, sp.Ping.Nonce, sp)
}

// DeleteStoredPing removes a stored ping by nonce.
func (s *Store) DeleteStoredPing(nonce []byte) error {
	return s.delete(storedPingsBucket, nonce)
}

// LoadStoredPings returns all stored pings.
func (s *Store) LoadStoredPings() ([]*delivery.StoredPing, error) {
	var out []*delivery.StoredPing
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(storedPingsBucket).ForEach(func(k, v []byte) error {
			sp := new(delivery.StoredPing)
			if err := cbor.Unmarshal(v, sp); err != nil {
				return err
			}
			out = append(out, sp)
			return nil
		})
	})
	return out, err
}

// SaveSession persists serialized session state for a contact.
func (s *Store) SaveSession(contactID string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(contactID), blob)
	})
}

// LoadSession returns the serialized session state for a contact.
func (s *Store) LoadSession(contactID string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(contactID))
		if v == nil {
			return storage.ErrNotFound
		}
		blob = append([]byte{}, v...)
		return nil
	})
	return blob, err
}

// DeleteSession removes a contact's session state.
func (s *Store) DeleteSession(contactID string) error {
	return s.delete(sessionsBucket, []byte(contactID))
}

// SaveContact persists a contact.
func (s *Store) SaveContact(c *storage.Contact) error {
	return s.put(contactsBucket, []byte(c.ID), c)
}

// LoadContacts returns the contact list.
func (s *Store) LoadContacts() ([]*storage.Contact, error) {
	var out []*storage.Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(contactsBucket).ForEach(func(k, v []byte) error {
			c := new(storage.Contact)
			if err := cbor.Unmarshal(v, c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// DeleteContact removes a contact.
func (s *Store) DeleteContact(contactID string) error {
	return s.delete(contactsBucket, []byte(contactID))
}

// Wipe destroys all stored state by dropping and recreating every bucket.
func (s *Store) Wipe() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if err := tx.DeleteBucket(b); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
