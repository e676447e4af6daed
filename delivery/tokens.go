// SPDX-License-Identifier: AGPL-3.0-only

package delivery

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

const (
	// TokenVersion is the wake protocol token version.
	TokenVersion = 1

	// TokenNonceSize is the size of ping and pong nonces.
	TokenNonceSize = 24

	// PingMaxAge is the oldest ping timestamp that is accepted, and also
	// how long stored wake protocol state is retained.
	PingMaxAge = 5 * time.Minute
)

// Ack types.
const (
	AckTypeMessage       = 0x01
	AckTypeFriendRequest = 0x02
)

var (
	// ErrBadTokenSignature is the error returned when a token signature
	// does not verify.
	ErrBadTokenSignature = errors.New("delivery: bad token signature")

	// ErrTokenExpired is the error returned for a ping older than
	// PingMaxAge.
	ErrTokenExpired = errors.New("delivery: token expired")

	// ErrBadTokenVersion is the error returned for an unknown token
	// version.
	ErrBadTokenVersion = errors.New("delivery: bad token version")

	// ErrMalformedToken is the error returned when a token fails to
	// decode.
	ErrMalformedToken = errors.New("delivery: malformed token")
)

// Ping is the signed "a message is waiting" token.  The nonce doubles as
// the ping identifier the eventual Pong refers to.
type Ping struct {
	Version           uint8
	SenderIdentity    []byte
	RecipientIdentity []byte
	SenderX25519      []byte
	RecipientX25519   []byte
	Nonce             []byte
	Timestamp         int64
	Signature         []byte
}

func (p *Ping) signable() []byte {
	b := []byte{p.Version}
	b = append(b, p.SenderIdentity...)
	b = append(b, p.RecipientIdentity...)
	b = append(b, p.SenderX25519...)
	b = append(b, p.RecipientX25519...)
	b = append(b, p.Nonce...)
	b = binary.BigEndian.AppendUint64(b, uint64(p.Timestamp))
	return b
}

// NewPing constructs and signs a Ping.
func NewPing(signer *ed25519.PrivateKey, recipientIdentity, senderX25519, recipientX25519 []byte) (*Ping, error) {
	nonce := make([]byte, TokenNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	p := &Ping{
		Version:           TokenVersion,
		SenderIdentity:    signer.PublicKey().Bytes(),
		RecipientIdentity: recipientIdentity,
		SenderX25519:      senderX25519,
		RecipientX25519:   recipientX25519,
		Nonce:             nonce,
		Timestamp:         time.Now().Unix(),
	}
	p.Signature = signer.SignMessage(p.signable())
	return p, nil
}

// Verify checks the signature and freshness of a received Ping.
func (p *Ping) Verify(now time.Time) error {
	if p.Version != TokenVersion {
		return ErrBadTokenVersion
	}
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(p.SenderIdentity); err != nil {
		return ErrBadTokenSignature
	}
	if !pub.Verify(p.Signature, p.signable()) {
		return ErrBadTokenSignature
	}
	age := now.Sub(time.Unix(p.Timestamp, 0))
	if age > PingMaxAge || age < -PingMaxAge {
		return ErrTokenExpired
	}
	return nil
}

// Pong is the signed "go ahead, deliver" reply to a Ping.
type Pong struct {
	Version        uint8
	PingNonce      []byte
	Nonce          []byte
	Timestamp      int64
	Authenticated  bool
	SenderIdentity []byte
	Signature      []byte
}

func (p *Pong) signable() []byte {
	b := []byte{p.Version}
	b = append(b, p.PingNonce...)
	b = append(b, p.Nonce...)
	b = binary.BigEndian.AppendUint64(b, uint64(p.Timestamp))
	if p.Authenticated {
		b = append(b, 0x01)
	} else {
		b = append(b, 0x00)
	}
	b = append(b, p.SenderIdentity...)
	return b
}

// NewPong constructs and signs a Pong answering the given ping nonce.
func NewPong(signer *ed25519.PrivateKey, pingNonce []byte, authenticated bool) (*Pong, error) {
	nonce := make([]byte, TokenNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	p := &Pong{
		Version:        TokenVersion,
		PingNonce:      pingNonce,
		Nonce:          nonce,
		Timestamp:      time.Now().Unix(),
		Authenticated:  authenticated,
		SenderIdentity: signer.PublicKey().Bytes(),
	}
	p.Signature = signer.SignMessage(p.signable())
	return p, nil
}

// Verify checks the signature of a received Pong.
func (p *Pong) Verify() error {
	if p.Version != TokenVersion {
		return ErrBadTokenVersion
	}
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(p.SenderIdentity); err != nil {
		return ErrBadTokenSignature
	}
	if !pub.Verify(p.Signature, p.signable()) {
		return ErrBadTokenSignature
	}
	return nil
}

// Ack is the signed delivery acknowledgment.  The signature covers the
// signer key so an ack cannot be re-bound to another identity.
type Ack struct {
	Version        uint8
	ItemID         []byte
	AckType        uint8
	Timestamp      int64
	SignerIdentity []byte
	Signature      []byte
}

func (a *Ack) signable() []byte {
	b := []byte{a.Version}
	b = append(b, a.ItemID...)
	b = append(b, a.AckType)
	b = binary.BigEndian.AppendUint64(b, uint64(a.Timestamp))
	b = append(b, a.SignerIdentity...)
	return b
}

// NewAck constructs and signs an Ack for the given item.
func NewAck(signer *ed25519.PrivateKey, itemID []byte, ackType uint8) *Ack {
	a := &Ack{
		Version:        TokenVersion,
		ItemID:         itemID,
		AckType:        ackType,
		Timestamp:      time.Now().Unix(),
		SignerIdentity: signer.PublicKey().Bytes(),
	}
	a.Signature = signer.SignMessage(a.signable())
	return a
}

// Verify checks the signature of a received Ack.
func (a *Ack) Verify() error {
	if a.Version != TokenVersion {
		return ErrBadTokenVersion
	}
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(a.SignerIdentity); err != nil {
		return ErrBadTokenSignature
	}
	if !pub.Verify(a.Signature, a.signable()) {
		return ErrBadTokenSignature
	}
	return nil
}

// EncodeToken CBOR-encodes a token.
func EncodeToken(t interface{}) ([]byte, error) {
	return cbor.Marshal(t)
}

// DecodePing decodes a CBOR Ping.
func DecodePing(b []byte) (*Ping, error) {
	p := new(Ping)
	if err := cbor.Unmarshal(b, p); err != nil {
		return nil, ErrMalformedToken
	}
	return p, nil
}

// DecodePong decodes a CBOR Pong.
func DecodePong(b []byte) (*Pong, error) {
	p := new(Pong)
	if err := cbor.Unmarshal(b, p); err != nil {
		return nil, ErrMalformedToken
	}
	return p, nil
}

// DecodeAck decodes a CBOR Ack.
func DecodeAck(b []byte) (*Ack, error) {
	a := new(Ack)
	if err := cbor.Unmarshal(b, a); err != nil {
		return nil, ErrMalformedToken
	}
	return a, nil
}
