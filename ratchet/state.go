// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

import (
	"crypto/mlkem"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"

	"github.com/shieldmsg/shieldcore/core/utils"
)

type cborSkippedKey struct {
	Seq uint64
	Key []byte
}

type cborStagedSend struct {
	Seq          uint64
	Ciphertext   []byte
	NextChain    []byte
	Rekey        bool
	NewRoot      []byte
	NewSendChain []byte
	NewRecvChain []byte
}

type cborSession struct {
	Endpoint     string
	PeerEndpoint string
	RootKey      []byte
	SendChainKey []byte
	RecvChainKey []byte
	SendSeq      uint64
	RecvSeq      uint64
	ECDHSecret   []byte
	Skipped      []*cborSkippedKey
	PeerKEM      []byte
	KEMInterval  uint64
	SinceRekey   uint64
	Staged       *cborStagedSend
	Desynced     bool
}

// MarshalBinary serializes the full session state, staged send included so
// an acknowledged delivery can still commit after a restart.  The caller
// owns the returned buffer and must zeroize it after the encrypted store
// write completes.
func (s *Session) MarshalBinary() ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	tmp := &cborSession{
		Endpoint:     s.endpoint,
		PeerEndpoint: s.peerEndpoint,
		RootKey:      s.rootKey.Bytes(),
		SendChainKey: s.sendChainKey.Bytes(),
		RecvChainKey: s.recvChainKey.Bytes(),
		SendSeq:      s.sendSeq,
		RecvSeq:      s.recvSeq,
		ECDHSecret:   s.ecdhSecret.Bytes(),
		PeerKEM:      s.peerKEM.Bytes(),
		KEMInterval:  s.kemInterval,
		SinceRekey:   s.sinceRekey,
		Desynced:     s.desynced,
	}
	for _, sk := range s.skipped {
		tmp.Skipped = append(tmp.Skipped, &cborSkippedKey{Seq: sk.seq, Key: sk.key.Bytes()})
	}
	if s.staged != nil {
		st := &cborStagedSend{
			Seq:        s.staged.seq,
			Ciphertext: s.staged.ciphertext,
			NextChain:  s.staged.nextChain.Bytes(),
			Rekey:      s.staged.rekey,
		}
		if s.staged.rekey {
			st.NewRoot = s.staged.newRoot.Bytes()
			st.NewSendChain = s.staged.newSendChain.Bytes()
			st.NewRecvChain = s.staged.newRecvChain.Bytes()
		}
		tmp.Staged = st
	}
	return cbor.Marshal(tmp)
}

// LoadSession reconstructs a Session from a state blob produced by
// MarshalBinary.  The blob is consumed: all key material in it is copied
// into guarded memory and the original bytes zeroized.
func LoadSession(own *Keypair, data []byte) (*Session, error) {
	tmp := new(cborSession)
	if err := cbor.Unmarshal(data, tmp); err != nil {
		return nil, ErrInvalidState
	}
	defer utils.ExplicitBzero(data)

	if len(tmp.RootKey) != keySize || len(tmp.SendChainKey) != keySize ||
		len(tmp.RecvChainKey) != keySize || len(tmp.ECDHSecret) != keySize {
		return nil, ErrInvalidState
	}
	// All-zero key material means a wiped or tampered blob.
	if utils.CtIsZero(tmp.RootKey) || utils.CtIsZero(tmp.SendChainKey) || utils.CtIsZero(tmp.RecvChainKey) {
		return nil, ErrInvalidState
	}
	peerKEM, err := mlkem.NewEncapsulationKey1024(tmp.PeerKEM)
	if err != nil {
		return nil, ErrInvalidState
	}

	s := &Session{
		endpoint:     tmp.Endpoint,
		peerEndpoint: tmp.PeerEndpoint,
		rootKey:      memguard.NewBufferFromBytes(tmp.RootKey),
		sendChainKey: memguard.NewBufferFromBytes(tmp.SendChainKey),
		recvChainKey: memguard.NewBufferFromBytes(tmp.RecvChainKey),
		sendSeq:      tmp.SendSeq,
		recvSeq:      tmp.RecvSeq,
		ecdhSecret:   memguard.NewBufferFromBytes(tmp.ECDHSecret),
		ownKeys:      own,
		peerKEM:      peerKEM,
		kemInterval:  tmp.KEMInterval,
		sinceRekey:   tmp.SinceRekey,
		desynced:     tmp.Desynced,
	}
	if s.kemInterval == 0 {
		s.kemInterval = DefaultKEMRatchetInterval
	}
	for _, sk := range tmp.Skipped {
		if len(sk.Key) != keySize {
			return nil, ErrInvalidState
		}
		s.skipped = append(s.skipped, &skippedKey{seq: sk.Seq, key: memguard.NewBufferFromBytes(sk.Key)})
	}
	if tmp.Staged != nil {
		if len(tmp.Staged.NextChain) != keySize {
			return nil, ErrInvalidState
		}
		if tmp.Staged.Rekey {
			if len(tmp.Staged.NewRoot) != keySize || len(tmp.Staged.NewSendChain) != keySize ||
				len(tmp.Staged.NewRecvChain) != keySize {
				return nil, ErrInvalidState
			}
		}
		st := &stagedSend{
			seq:        tmp.Staged.Seq,
			ciphertext: tmp.Staged.Ciphertext,
			nextChain:  memguard.NewBufferFromBytes(tmp.Staged.NextChain),
			rekey:      tmp.Staged.Rekey,
		}
		if st.rekey {
			st.newRoot = memguard.NewBufferFromBytes(tmp.Staged.NewRoot)
			st.newSendChain = memguard.NewBufferFromBytes(tmp.Staged.NewSendChain)
			st.newRecvChain = memguard.NewBufferFromBytes(tmp.Staged.NewRecvChain)
		}
		s.staged = st
	}
	return s, nil
}
