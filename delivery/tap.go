// SPDX-License-Identifier: AGPL-3.0-only

package delivery

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/shieldmsg/shieldcore/core/utils"
	"github.com/shieldmsg/shieldcore/ratchet"
)

// tapKeyInfo binds tap keys to their purpose, distinct from every ratchet
// derivation.
var tapKeyInfo = []byte("presence-tap-key-v1")

const (
	x25519KeySize = 32
	tapNonceSize  = 12
)

// ErrMalformedTap is the error returned when a tap fails to decode or
// decrypt.
var ErrMalformedTap = errors.New("delivery: malformed tap")

func tapKey(own *ratchet.Keypair, peerX25519 []byte) ([]byte, error) {
	shared, err := own.DeriveSecret(peerX25519)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(shared)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, tapKeyInfo), key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncodeTap builds the presence tap content for one contact:
// the sender's X25519 public key followed by "TAP:{timestamp}" sealed under
// the pairwise shared secret.  The caller prepends the wire tag.
func EncodeTap(own *ratchet.Keypair, peerX25519 []byte, now time.Time) ([]byte, error) {
	key, err := tapKey(own, peerX25519)
	if err != nil {
		return nil, err
	}
	defer utils.ExplicitBzero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, tapNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	msg := fmt.Sprintf("TAP:%d", now.Unix())
	out := make([]byte, 0, x25519KeySize+tapNonceSize+len(msg)+aead.Overhead())
	out = append(out, own.X25519Public()...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(msg), own.X25519Public())
	return out, nil
}

// DecodeTap opens a received tap and returns the sender's X25519 public key
// and the tap timestamp.
func DecodeTap(own *ratchet.Keypair, content []byte) ([]byte, time.Time, error) {
	if len(content) < x25519KeySize+tapNonceSize+1 {
		return nil, time.Time{}, ErrMalformedTap
	}
	senderX25519 := content[:x25519KeySize]
	nonce := content[x25519KeySize : x25519KeySize+tapNonceSize]
	box := content[x25519KeySize+tapNonceSize:]

	key, err := tapKey(own, senderX25519)
	if err != nil {
		return nil, time.Time{}, ErrMalformedTap
	}
	defer utils.ExplicitBzero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, time.Time{}, err
	}
	msg, err := aead.Open(nil, nonce, box, senderX25519)
	if err != nil {
		return nil, time.Time{}, ErrMalformedTap
	}
	s := string(msg)
	if !strings.HasPrefix(s, "TAP:") {
		return nil, time.Time{}, ErrMalformedTap
	}
	ts, err := strconv.ParseInt(s[len("TAP:"):], 10, 64)
	if err != nil {
		return nil, time.Time{}, ErrMalformedTap
	}
	return append([]byte{}, senderX25519...), time.Unix(ts, 0), nil
}
