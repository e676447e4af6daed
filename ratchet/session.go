// SPDX-License-Identifier: AGPL-3.0-only

// Package ratchet implements the hybrid X25519/ML-KEM-1024 session ratchet:
// a symmetric KDF chain per direction stepped on every message, plus a
// periodic KEM rekey for post-compromise recovery.  The sending chain only
// advances when delivery is acknowledged, so a retransmitted message is
// always the byte-identical ciphertext.
package ratchet

import (
	"crypto/hmac"
	"crypto/mlkem"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/shieldmsg/shieldcore/core/utils"
)

type skippedKey struct {
	seq uint64
	key *memguard.LockedBuffer
}

type stagedSend struct {
	seq        uint64
	ciphertext []byte
	nextChain  *memguard.LockedBuffer

	// Set when this staged send carries a KEM rekey.
	rekey        bool
	newRoot      *memguard.LockedBuffer
	newSendChain *memguard.LockedBuffer
	newRecvChain *memguard.LockedBuffer
}

// Session is the per-contact ratchet state.  All methods are safe for
// concurrent use; distinct sessions never contend.
type Session struct {
	sync.Mutex

	endpoint     string
	peerEndpoint string

	rootKey      *memguard.LockedBuffer
	sendChainKey *memguard.LockedBuffer
	recvChainKey *memguard.LockedBuffer
	sendSeq      uint64
	recvSeq      uint64

	// ecdhSecret is the static X25519 shared secret, retained because
	// every KEM rekey re-mixes it with the fresh ML-KEM secret.
	ecdhSecret *memguard.LockedBuffer

	skipped []*skippedKey

	ownKeys *Keypair
	peerKEM *mlkem.EncapsulationKey1024

	kemInterval uint64
	sinceRekey  uint64
	staged      *stagedSend
	desynced    bool
}

func hmacKey(key *memguard.LockedBuffer, label byte) *memguard.LockedBuffer {
	m := hmac.New(sha256.New, key.Bytes())
	m.Write([]byte{label})
	return memguard.NewBufferFromBytes(m.Sum(nil))
}

// copyKey duplicates a key into a fresh guarded buffer.  NewBufferFromBytes
// wipes its source and must never be handed a live buffer's memory.
func copyKey(src *memguard.LockedBuffer) *memguard.LockedBuffer {
	b := memguard.NewBuffer(keySize)
	b.Copy(src.Bytes())
	return b
}

func hkdfExpandRoot(ikm, salt []byte, info []byte) (*memguard.LockedBuffer, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return memguard.NewBufferFromBytes(key), nil
}

func (s *Session) deriveChains(root *memguard.LockedBuffer) (send, recv *memguard.LockedBuffer) {
	if s.endpoint < s.peerEndpoint {
		return hmacKey(root, labelSending), hmacKey(root, labelReceiving)
	}
	return hmacKey(root, labelReceiving), hmacKey(root, labelSending)
}

func newSession(own *Keypair, peer *PublicBundle, endpoint, peerEndpoint string, kemInterval uint64) (*Session, error) {
	peerKEM, err := mlkem.NewEncapsulationKey1024(peer.MLKEM)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	ecdh, err := own.DeriveSecret(peer.X25519)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	if kemInterval == 0 {
		kemInterval = DefaultKEMRatchetInterval
	}
	return &Session{
		endpoint:     endpoint,
		peerEndpoint: peerEndpoint,
		ecdhSecret:   memguard.NewBufferFromBytes(ecdh),
		ownKeys:      own,
		peerKEM:      peerKEM,
		kemInterval:  kemInterval,
	}, nil
}

func (s *Session) install(kemSecret []byte) error {
	combined := make([]byte, 0, combinedSecretSize)
	combined = append(combined, s.ecdhSecret.Bytes()...)
	combined = append(combined, kemSecret...)
	defer utils.ExplicitBzero(combined)

	root, err := hkdfExpandRoot(combined, nil, rootKeyInfo)
	if err != nil {
		return err
	}
	s.rootKey = root
	s.sendChainKey, s.recvChainKey = s.deriveChains(root)
	return nil
}

// NewInitiatorSession establishes a session toward a peer's published key
// bundle.  It returns the session and the ML-KEM ciphertext the peer needs
// to derive the same root key.
func NewInitiatorSession(own *Keypair, peer *PublicBundle, endpoint, peerEndpoint string, kemInterval uint64) (*Session, []byte, error) {
	s, err := newSession(own, peer, endpoint, peerEndpoint, kemInterval)
	if err != nil {
		return nil, nil, err
	}
	kemSecret, kemCt := s.peerKEM.Encapsulate()
	defer utils.ExplicitBzero(kemSecret)
	if err := s.install(kemSecret); err != nil {
		return nil, nil, err
	}
	return s, kemCt, nil
}

// NewResponderSession establishes the responder side of a session from the
// initiator's handshake ciphertext.
func NewResponderSession(own *Keypair, peer *PublicBundle, kemCiphertext []byte, endpoint, peerEndpoint string, kemInterval uint64) (*Session, error) {
	s, err := newSession(own, peer, endpoint, peerEndpoint, kemInterval)
	if err != nil {
		return nil, err
	}
	kemSecret, err := own.kemPrivate.Decapsulate(kemCiphertext)
	if err != nil {
		return nil, ErrHandshakeFailed
	}
	defer utils.ExplicitBzero(kemSecret)
	if err := s.install(kemSecret); err != nil {
		return nil, err
	}
	return s, nil
}

// header is flags(1) || seq(8 BE) || [kem ciphertext] || nonce(12).
func headerLen(rekey bool) int {
	n := 1 + 8 + nonceSize
	if rekey {
		n += KEMCiphertextSize
	}
	return n
}

// EncryptStaged encrypts plaintext under the next sending chain message key
// without advancing the chain.  The advance happens in CommitSend once the
// peer acknowledges delivery; retransmissions replay the returned ciphertext
// verbatim.  Only one send can be staged at a time: until commit or abort,
// further calls return ErrStagedSendPending and the caller queues the
// plaintext.  When the rekey interval is reached the staged send also
// carries a fresh ML-KEM encapsulation which, on commit, replaces the root
// key and both chains.
func (s *Session) EncryptStaged(plaintext []byte) (uint64, []byte, error) {
	s.Lock()
	defer s.Unlock()

	if s.desynced {
		return 0, nil, ErrSessionDesynchronized
	}
	if s.staged != nil {
		return 0, nil, ErrStagedSendPending
	}

	st := &stagedSend{}
	var chain *memguard.LockedBuffer

	if s.sinceRekey+1 >= s.kemInterval {
		// Rekey send.  Derive the post-rekey state into the staging
		// slot, the live state is untouched until commit.
		kemSecret, kemCt := s.peerKEM.Encapsulate()
		combined := make([]byte, 0, combinedSecretSize)
		combined = append(combined, s.ecdhSecret.Bytes()...)
		combined = append(combined, kemSecret...)
		utils.ExplicitBzero(kemSecret)
		newRoot, err := hkdfExpandRoot(combined, s.rootKey.Bytes(), kemRekeyInfo)
		utils.ExplicitBzero(combined)
		if err != nil {
			return 0, nil, err
		}
		st.rekey = true
		st.newRoot = newRoot
		st.newSendChain, st.newRecvChain = s.deriveChains(newRoot)
		st.seq = 1
		st.ciphertext = append([]byte{}, kemCt...)
		chain = st.newSendChain
	} else {
		st.seq = s.sendSeq + 1
		chain = s.sendChainKey
	}

	msgKey := hmacKey(chain, labelMessage)
	defer msgKey.Destroy()
	st.nextChain = hmacKey(chain, labelChainStep)

	aead, err := chacha20poly1305.New(msgKey.Bytes())
	if err != nil {
		return 0, nil, err
	}

	hdr := make([]byte, 0, headerLen(st.rekey))
	var flags byte
	if st.rekey {
		flags |= headerFlagKEMRekey
	}
	hdr = append(hdr, flags)
	hdr = binary.BigEndian.AppendUint64(hdr, st.seq)
	if st.rekey {
		hdr = append(hdr, st.ciphertext...)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return 0, nil, err
	}
	hdr = append(hdr, nonce...)

	st.ciphertext = aead.Seal(hdr, nonce, plaintext, hdr[:len(hdr)-nonceSize])
	s.staged = st
	return st.seq, append([]byte{}, st.ciphertext...), nil
}

// CommitSend installs the staged chain advance for seq.  Called when the
// peer's acknowledgment arrives.
func (s *Session) CommitSend(seq uint64) error {
	s.Lock()
	defer s.Unlock()

	if s.staged == nil || s.staged.seq != seq {
		return ErrNoStagedSend
	}
	st := s.staged
	s.staged = nil

	if st.rekey {
		s.installRekey(st.newRoot, st.newSendChain, st.newRecvChain)
	}
	old := s.sendChainKey
	s.sendChainKey = st.nextChain
	old.Destroy()
	s.sendSeq = st.seq
	s.sinceRekey++
	if st.rekey {
		s.sinceRekey = 0
	}
	return nil
}

// AbortSend discards the staged derivation without advancing any state,
// used when the caller gives up on a pending send entirely.
func (s *Session) AbortSend() error {
	s.Lock()
	defer s.Unlock()

	if s.staged == nil {
		return ErrNoStagedSend
	}
	s.staged.destroy()
	s.staged = nil
	return nil
}

// installRekey replaces the root and both chains, zeroizing the prior
// values first and purging the skipped key cache unconditionally.
func (s *Session) installRekey(root, send, recv *memguard.LockedBuffer) {
	s.purgeSkippedLocked()
	s.rootKey.Destroy()
	s.sendChainKey.Destroy()
	s.recvChainKey.Destroy()
	s.rootKey = root
	s.sendChainKey = send
	s.recvChainKey = recv
	s.sendSeq = 0
	s.recvSeq = 0
}

// Decrypt authenticates and decrypts an inbound ciphertext.  On any failure
// no session state is mutated, except a KEM decapsulation failure which
// marks the session desynchronized.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	if s.desynced {
		return nil, ErrSessionDesynchronized
	}
	if len(ciphertext) < headerLen(false) {
		return nil, ErrMalformedCiphertext
	}
	flags := ciphertext[0]
	seq := binary.BigEndian.Uint64(ciphertext[1:9])
	rekey := flags&headerFlagKEMRekey != 0
	hl := headerLen(rekey)
	if len(ciphertext) < hl {
		return nil, ErrMalformedCiphertext
	}
	hdr := ciphertext[:hl]
	nonce := hdr[hl-nonceSize:]
	ad := hdr[:hl-nonceSize]
	body := ciphertext[hl:]

	if rekey {
		return s.decryptRekey(seq, hdr, nonce, ad, body)
	}

	// Replayed or reordered old sequence: only a cached skipped key may
	// decrypt it, and only once.
	if seq <= s.recvSeq {
		return s.decryptSkipped(seq, nonce, ad, body)
	}

	gap := seq - s.recvSeq - 1
	if gap > maxReorderingGap {
		return nil, ErrReorderingLimit
	}

	// Derive forward into temporaries, commit only after the tag checks.
	chain := copyKey(s.recvChainKey)
	var pending []*skippedKey
	destroyPending := func() {
		for _, sk := range pending {
			sk.key.Destroy()
		}
		chain.Destroy()
	}
	for i := uint64(0); i < gap; i++ {
		pending = append(pending, &skippedKey{
			seq: s.recvSeq + 1 + i,
			key: hmacKey(chain, labelMessage),
		})
		next := hmacKey(chain, labelChainStep)
		chain.Destroy()
		chain = next
	}
	msgKey := hmacKey(chain, labelMessage)
	defer msgKey.Destroy()

	plaintext, err := openAEAD(msgKey, nonce, ad, body)
	if err != nil {
		destroyPending()
		return nil, ErrDecryptionFailed
	}

	next := hmacKey(chain, labelChainStep)
	chain.Destroy()
	old := s.recvChainKey
	s.recvChainKey = next
	old.Destroy()
	s.recvSeq = seq
	for _, sk := range pending {
		s.cacheSkippedLocked(sk)
	}
	return plaintext, nil
}

func (s *Session) decryptRekey(seq uint64, hdr, nonce, ad, body []byte) ([]byte, error) {
	kemCt := hdr[9 : 9+KEMCiphertextSize]
	kemSecret, err := s.ownKeys.kemPrivate.Decapsulate(kemCt)
	if err != nil {
		s.desynced = true
		return nil, ErrSessionDesynchronized
	}
	combined := make([]byte, 0, combinedSecretSize)
	combined = append(combined, s.ecdhSecret.Bytes()...)
	combined = append(combined, kemSecret...)
	utils.ExplicitBzero(kemSecret)
	newRoot, err := hkdfExpandRoot(combined, s.rootKey.Bytes(), kemRekeyInfo)
	utils.ExplicitBzero(combined)
	if err != nil {
		return nil, err
	}
	newSend, newRecv := s.deriveChains(newRoot)

	// The rekey message is the first message of the new receiving chain.
	// Walk forward if the peer sent more before we processed this one.
	if seq == 0 || seq > maxReorderingGap {
		newRoot.Destroy()
		newSend.Destroy()
		newRecv.Destroy()
		return nil, ErrMalformedCiphertext
	}
	chain := copyKey(newRecv)
	var pending []*skippedKey
	for i := uint64(1); i < seq; i++ {
		pending = append(pending, &skippedKey{seq: i, key: hmacKey(chain, labelMessage)})
		next := hmacKey(chain, labelChainStep)
		chain.Destroy()
		chain = next
	}
	msgKey := hmacKey(chain, labelMessage)
	defer msgKey.Destroy()

	plaintext, err := openAEAD(msgKey, nonce, ad, body)
	if err != nil {
		for _, sk := range pending {
			sk.key.Destroy()
		}
		chain.Destroy()
		newRoot.Destroy()
		newSend.Destroy()
		newRecv.Destroy()
		return nil, ErrDecryptionFailed
	}

	// Commit: zeroize old root and chains, install the new state.  Any
	// send staged under the old chain is invalid now.
	if s.staged != nil {
		s.staged.destroy()
		s.staged = nil
	}
	s.installRekey(newRoot, newSend, newRecv)
	next := hmacKey(chain, labelChainStep)
	chain.Destroy()
	s.recvChainKey.Destroy()
	s.recvChainKey = next
	s.recvSeq = seq
	s.sinceRekey = 0
	for _, sk := range pending {
		s.cacheSkippedLocked(sk)
	}
	return plaintext, nil
}

func (s *Session) decryptSkipped(seq uint64, nonce, ad, body []byte) ([]byte, error) {
	for i, sk := range s.skipped {
		if sk.seq != seq {
			continue
		}
		plaintext, err := openAEAD(sk.key, nonce, ad, body)
		if err != nil {
			return nil, ErrDecryptionFailed
		}
		sk.key.Destroy()
		s.skipped = append(s.skipped[:i], s.skipped[i+1:]...)
		return plaintext, nil
	}
	return nil, ErrReplayDetected
}

func (s *Session) cacheSkippedLocked(sk *skippedKey) {
	if len(s.skipped) >= MaxSkippedKeys {
		s.skipped[0].key.Destroy()
		s.skipped = s.skipped[1:]
	}
	s.skipped = append(s.skipped, sk)
}

func (s *Session) purgeSkippedLocked() {
	for _, sk := range s.skipped {
		sk.key.Destroy()
	}
	s.skipped = nil
}

// Rekey forces a KEM rekey on the next staged send regardless of the
// message count.
func (s *Session) Rekey() {
	s.Lock()
	defer s.Unlock()
	if s.staged == nil {
		s.sinceRekey = s.kemInterval
	}
}

// SkippedKeyCount returns the number of cached skipped message keys.
func (s *Session) SkippedKeyCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.skipped)
}

// IsDesynchronized returns true once KEM decapsulation has failed and the
// session needs a fresh handshake.
func (s *Session) IsDesynchronized() bool {
	s.Lock()
	defer s.Unlock()
	return s.desynced
}

// Destroy zeroizes all session secrets.  The session is unusable afterward.
func (s *Session) Destroy() {
	s.Lock()
	defer s.Unlock()

	s.purgeSkippedLocked()
	if s.staged != nil {
		s.staged.destroy()
		s.staged = nil
	}
	for _, b := range []*memguard.LockedBuffer{s.rootKey, s.sendChainKey, s.recvChainKey, s.ecdhSecret} {
		if b != nil {
			b.Destroy()
		}
	}
	s.rootKey, s.sendChainKey, s.recvChainKey, s.ecdhSecret = nil, nil, nil, nil
	s.desynced = true
}

func (st *stagedSend) destroy() {
	for _, b := range []*memguard.LockedBuffer{st.nextChain, st.newRoot, st.newSendChain, st.newRecvChain} {
		if b != nil {
			b.Destroy()
		}
	}
	utils.ExplicitBzero(st.ciphertext)
}

func openAEAD(key *memguard.LockedBuffer, nonce, ad, body []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, body, ad)
}
