// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

import "errors"

var (
	// ErrHandshakeFailed is the error returned when session establishment
	// fails.
	ErrHandshakeFailed = errors.New("ratchet: handshake failed")

	// ErrDecryptionFailed is the error returned when a ciphertext fails
	// authentication.  No session state is mutated.
	ErrDecryptionFailed = errors.New("ratchet: cannot decrypt")

	// ErrReplayDetected is the error returned for a sequence number at or
	// below the watermark with no cached skipped key.  Dropped silently by
	// callers.
	ErrReplayDetected = errors.New("ratchet: replay detected")

	// ErrSessionDesynchronized is the error returned when KEM
	// decapsulation fails.  The session is unusable and a fresh handshake
	// is required.
	ErrSessionDesynchronized = errors.New("ratchet: session desynchronized")

	// ErrReorderingLimit is the error returned when a message's sequence
	// gap exceeds the derivation bound.
	ErrReorderingLimit = errors.New("ratchet: message exceeds reordering limit")

	// ErrNoStagedSend is the error returned by CommitSend or AbortSend
	// when nothing is staged.
	ErrNoStagedSend = errors.New("ratchet: no staged send")

	// ErrStagedSendPending is the error returned by EncryptStaged while a
	// prior staged send awaits commit or abort.
	ErrStagedSendPending = errors.New("ratchet: staged send pending")

	// ErrMalformedCiphertext is the error returned for a ciphertext too
	// short to parse.
	ErrMalformedCiphertext = errors.New("ratchet: malformed ciphertext")

	// ErrInvalidState is the error returned when deserializing a corrupt
	// session state blob.
	ErrInvalidState = errors.New("ratchet: invalid serialized state")
)
