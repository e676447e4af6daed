// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

import "crypto/mlkem"

const (
	// keySize is the size of root, chain and message keys.
	keySize = 32

	// nonceSize is the chacha20poly1305 nonce size.
	nonceSize = 12

	// combinedSecretSize is the X25519 shared secret concatenated with the
	// ML-KEM shared secret.
	combinedSecretSize = 64

	// KEMCiphertextSize is the size of an ML-KEM-1024 encapsulation.
	KEMCiphertextSize = mlkem.CiphertextSize1024

	// MaxSkippedKeys bounds the skipped message key cache, oldest entries
	// are evicted first.
	MaxSkippedKeys = 256

	// maxReorderingGap bounds how many intermediate keys a single message
	// may force the receiving chain to derive.
	maxReorderingGap = 1000

	// DefaultKEMRatchetInterval is the default number of sent messages
	// between KEM rekeys.
	DefaultKEMRatchetInterval = 50

	// headerFlagKEMRekey marks a message that carries a fresh ML-KEM
	// encapsulation.
	headerFlagKEMRekey = 0x01
)

// HKDF info strings.  These are part of the protocol and must never change.
var (
	rootKeyInfo  = []byte("protocol-root-key-v1")
	kemRekeyInfo = []byte("protocol-kem-rekey-v1")
)

// Single byte HMAC labels for the KDF chains.
const (
	labelChainStep = 0x01
	labelMessage   = 0x02
	labelSending   = 0x03
	labelReceiving = 0x04
)
