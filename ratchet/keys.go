// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

import (
	"crypto/mlkem"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
)

var x25519Scheme = x25519.Scheme(rand.Reader)

// PublicBundle is a peer's published session keys.
type PublicBundle struct {
	// X25519 is the serialized X25519 public key.
	X25519 []byte

	// MLKEM is the serialized ML-KEM-1024 encapsulation key.
	MLKEM []byte
}

// Keypair is the long term hybrid session keypair: an X25519 keypair for the
// classical half of the key agreement and an ML-KEM-1024 keypair for the
// post-quantum half.
type Keypair struct {
	nikePublic  nike.PublicKey
	nikePrivate nike.PrivateKey
	kemPrivate  *mlkem.DecapsulationKey1024
}

// NewKeypair generates a hybrid keypair.
func NewKeypair() (*Keypair, error) {
	pub, priv, err := x25519Scheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	kemPriv, err := mlkem.GenerateKey1024()
	if err != nil {
		return nil, err
	}
	return &Keypair{
		nikePublic:  pub,
		nikePrivate: priv,
		kemPrivate:  kemPriv,
	}, nil
}

// KeypairFromBytes reconstructs a Keypair from serialized private key
// material, as stored by the platform key store.
func KeypairFromBytes(x25519Priv, kemSeed []byte) (*Keypair, error) {
	priv, err := x25519Scheme.UnmarshalBinaryPrivateKey(x25519Priv)
	if err != nil {
		return nil, err
	}
	kemPriv, err := mlkem.NewDecapsulationKey1024(kemSeed)
	if err != nil {
		return nil, err
	}
	return &Keypair{
		nikePublic:  x25519Scheme.DerivePublicKey(priv),
		nikePrivate: priv,
		kemPrivate:  kemPriv,
	}, nil
}

// PrivateBytes returns the serialized private halves, the X25519 private
// key and the ML-KEM-1024 seed, for the platform key store.
func (k *Keypair) PrivateBytes() (x25519Priv, kemSeed []byte) {
	return k.nikePrivate.Bytes(), k.kemPrivate.Bytes()
}

// PublicBundle returns the publishable half of the keypair.
func (k *Keypair) PublicBundle() *PublicBundle {
	return &PublicBundle{
		X25519: k.nikePublic.Bytes(),
		MLKEM:  k.kemPrivate.EncapsulationKey().Bytes(),
	}
}

// X25519Public returns the serialized X25519 public key, used as the tap
// sender identifier.
func (k *Keypair) X25519Public() []byte {
	return k.nikePublic.Bytes()
}

// DeriveSecret computes the X25519 shared secret with the peer's public key.
func (k *Keypair) DeriveSecret(peerX25519 []byte) ([]byte, error) {
	peerPub, err := x25519Scheme.UnmarshalBinaryPublicKey(peerX25519)
	if err != nil {
		return nil, err
	}
	return x25519Scheme.DeriveSecret(k.nikePrivate, peerPub), nil
}

// Wipe destroys the private key material.  The ML-KEM key is dropped for
// the collector, the X25519 scalar is zeroized in place.
func (k *Keypair) Wipe() {
	k.nikePrivate.Reset()
	k.kemPrivate = nil
}
