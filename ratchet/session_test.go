// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func pairedSessions(t *testing.T, kemInterval uint64) (*Session, *Session) {
	aliceKeys, err := NewKeypair()
	require.NoError(t, err)
	bobKeys, err := NewKeypair()
	require.NoError(t, err)

	alice, kemCt, err := NewInitiatorSession(aliceKeys, bobKeys.PublicBundle(), "alice.onion", "bob.onion", kemInterval)
	require.NoError(t, err)
	bob, err := NewResponderSession(bobKeys, aliceKeys.PublicBundle(), kemCt, "bob.onion", "alice.onion", kemInterval)
	require.NoError(t, err)
	return alice, bob
}

// send stages, transmits and commits in one step.
func send(t *testing.T, from, to *Session, msg string) string {
	seq, ct, err := from.EncryptStaged([]byte(msg))
	require.NoError(t, err)
	pt, err := to.Decrypt(ct)
	require.NoError(t, err)
	require.NoError(t, from.CommitSend(seq))
	return string(pt)
}

func TestHandshakeAndRoundTrip(t *testing.T) {
	alice, bob := pairedSessions(t, 0)

	require.Equal(t, "hello bob", send(t, alice, bob, "hello bob"))
	require.Equal(t, "hello alice", send(t, bob, alice, "hello alice"))
	for i := 0; i < 10; i++ {
		require.Equal(t, "ping", send(t, alice, bob, "ping"))
		require.Equal(t, "pong", send(t, bob, alice, "pong"))
	}
}

func TestChainDirectionSplit(t *testing.T) {
	// Both directions work immediately after the handshake, which fails
	// unless the lexicographic chain assignment mirrors correctly.
	alice, bob := pairedSessions(t, 0)
	require.Equal(t, "b first", send(t, bob, alice, "b first"))
	require.Equal(t, "a second", send(t, alice, bob, "a second"))
}

func TestStagedSendIsExclusive(t *testing.T) {
	alice, bob := pairedSessions(t, 0)

	seq, ct, err := alice.EncryptStaged([]byte("first"))
	require.NoError(t, err)

	// A second send cannot reuse the staging slot: if it silently got the
	// first message's ciphertext back, its own content would never go out.
	_, _, err = alice.EncryptStaged([]byte("second"))
	require.Equal(t, ErrStagedSendPending, err)

	pt, err := bob.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "first", string(pt))
	require.NoError(t, alice.CommitSend(seq))

	// Commit without a stage is an error.
	require.Equal(t, ErrNoStagedSend, alice.CommitSend(seq))

	// The slot is free again, the second message encrypts to its own
	// ciphertext under the next sequence number.
	seq2, ct2, err := alice.EncryptStaged([]byte("second"))
	require.NoError(t, err)
	require.Equal(t, seq+1, seq2)
	require.NotEqual(t, ct, ct2)
	pt, err = bob.Decrypt(ct2)
	require.NoError(t, err)
	require.Equal(t, "second", string(pt))
	require.NoError(t, alice.CommitSend(seq2))
}

func TestAbortSend(t *testing.T) {
	alice, bob := pairedSessions(t, 0)

	_, _, err := alice.EncryptStaged([]byte("never sent"))
	require.NoError(t, err)
	require.NoError(t, alice.AbortSend())
	require.Equal(t, ErrNoStagedSend, alice.AbortSend())

	// The chain did not advance, the next send works normally.
	require.Equal(t, "after abort", send(t, alice, bob, "after abort"))
}

func TestOutOfOrderDelivery(t *testing.T) {
	alice, bob := pairedSessions(t, 0)

	var cts [][]byte
	for i, msg := range []string{"one", "two", "three"} {
		seq, ct, err := alice.EncryptStaged([]byte(msg))
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), seq)
		require.NoError(t, alice.CommitSend(seq))
		cts = append(cts, ct)
	}

	// Delivered [1, 3, 2].
	pt, err := bob.Decrypt(cts[0])
	require.NoError(t, err)
	require.Equal(t, "one", string(pt))

	pt, err = bob.Decrypt(cts[2])
	require.NoError(t, err)
	require.Equal(t, "three", string(pt))
	require.Equal(t, 1, bob.SkippedKeyCount())

	pt, err = bob.Decrypt(cts[1])
	require.NoError(t, err)
	require.Equal(t, "two", string(pt))
	require.Equal(t, 0, bob.SkippedKeyCount())
}

func TestReplayRejected(t *testing.T) {
	alice, bob := pairedSessions(t, 0)

	seq, ct, err := alice.EncryptStaged([]byte("once"))
	require.NoError(t, err)
	require.NoError(t, alice.CommitSend(seq))

	_, err = bob.Decrypt(ct)
	require.NoError(t, err)
	_, err = bob.Decrypt(ct)
	require.Equal(t, ErrReplayDetected, err)
}

func TestDecryptFailureMutatesNothing(t *testing.T) {
	alice, bob := pairedSessions(t, 0)

	seq, ct, err := alice.EncryptStaged([]byte("intact"))
	require.NoError(t, err)
	require.NoError(t, alice.CommitSend(seq))

	corrupt := append([]byte{}, ct...)
	corrupt[len(corrupt)-1] ^= 0x01
	_, err = bob.Decrypt(corrupt)
	require.Equal(t, ErrDecryptionFailed, err)
	require.Equal(t, 0, bob.SkippedKeyCount())

	// The original still decrypts, the chain never advanced.
	pt, err := bob.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "intact", string(pt))
}

func TestKEMRekey(t *testing.T) {
	alice, bob := pairedSessions(t, 3)

	require.Equal(t, "m1", send(t, alice, bob, "m1"))
	require.Equal(t, "m2", send(t, alice, bob, "m2"))

	// Third send carries the KEM rekey and restarts the sequence space.
	seq, ct, err := alice.EncryptStaged([]byte("m3 rekeyed"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	pt, err := bob.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "m3 rekeyed", string(pt))
	require.NoError(t, alice.CommitSend(seq))

	// Both directions keep working under the new root.
	require.Equal(t, "post", send(t, alice, bob, "post"))
	require.Equal(t, "back", send(t, bob, alice, "back"))
}

func TestKEMRekeyPurgesSkippedKeys(t *testing.T) {
	alice, bob := pairedSessions(t, 0)

	// Leave a gap so bob caches a skipped key.
	seq, _, err := alice.EncryptStaged([]byte("skipped"))
	require.NoError(t, err)
	require.NoError(t, alice.CommitSend(seq))
	seq, ct, err := alice.EncryptStaged([]byte("arrives"))
	require.NoError(t, err)
	require.NoError(t, alice.CommitSend(seq))
	_, err = bob.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, 1, bob.SkippedKeyCount())

	// Forced rekey purges the cache unconditionally.
	alice.Rekey()
	seq, ct, err = alice.EncryptStaged([]byte("rekey"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	_, err = bob.Decrypt(ct)
	require.NoError(t, err)
	require.NoError(t, alice.CommitSend(seq))
	require.Equal(t, 0, bob.SkippedKeyCount())
}

func TestPostRekeyIsolation(t *testing.T) {
	alice, bob := pairedSessions(t, 0)

	// A ciphertext from before the rekey must not decrypt afterward: the
	// old chain keys were zeroized and the cache purged.
	seq, old, err := alice.EncryptStaged([]byte("pre-rekey"))
	require.NoError(t, err)
	require.NoError(t, alice.CommitSend(seq))

	alice.Rekey()
	seq, ct, err := alice.EncryptStaged([]byte("rekey"))
	require.NoError(t, err)
	_, err = bob.Decrypt(ct)
	require.NoError(t, err)
	require.NoError(t, alice.CommitSend(seq))

	_, err = bob.Decrypt(old)
	require.Error(t, err)
}

func TestSkippedKeyCacheBound(t *testing.T) {
	alice, bob := pairedSessions(t, 0)

	// A gap larger than the cache evicts oldest entries first.
	var lastCt []byte
	var lastSeq uint64
	for i := 0; i < MaxSkippedKeys+10; i++ {
		seq, ct, err := alice.EncryptStaged([]byte("gap"))
		require.NoError(t, err)
		require.NoError(t, alice.CommitSend(seq))
		lastCt, lastSeq = ct, seq
	}
	_ = lastSeq
	_, err := bob.Decrypt(lastCt)
	require.NoError(t, err)
	require.Equal(t, MaxSkippedKeys, bob.SkippedKeyCount())
}

func TestReorderingLimit(t *testing.T) {
	alice, bob := pairedSessions(t, 0)

	for i := 0; i < maxReorderingGap+2; i++ {
		seq, _, err := alice.EncryptStaged([]byte("x"))
		require.NoError(t, err)
		require.NoError(t, alice.CommitSend(seq))
	}
	seq, ct, err := alice.EncryptStaged([]byte("too far"))
	require.NoError(t, err)
	require.NoError(t, alice.CommitSend(seq))
	_, err = bob.Decrypt(ct)
	require.Equal(t, ErrReorderingLimit, err)
}

func TestStateRoundTrip(t *testing.T) {
	aliceKeys, err := NewKeypair()
	require.NoError(t, err)
	bobKeys, err := NewKeypair()
	require.NoError(t, err)

	alice, kemCt, err := NewInitiatorSession(aliceKeys, bobKeys.PublicBundle(), "alice.onion", "bob.onion", 0)
	require.NoError(t, err)
	bob, err := NewResponderSession(bobKeys, aliceKeys.PublicBundle(), kemCt, "bob.onion", "alice.onion", 0)
	require.NoError(t, err)

	require.Equal(t, "before", send(t, alice, bob, "before"))

	// Stage a send, serialize mid-flight, reload, then commit.
	seq, ct, err := alice.EncryptStaged([]byte("across restart"))
	require.NoError(t, err)

	blob, err := alice.MarshalBinary()
	require.NoError(t, err)
	restored, err := LoadSession(aliceKeys, blob)
	require.NoError(t, err)

	pt, err := bob.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, "across restart", string(pt))
	require.NoError(t, restored.CommitSend(seq))

	require.Equal(t, "after restart", send(t, restored, bob, "after restart"))
}

func TestLoadSessionRejectsCorruptState(t *testing.T) {
	aliceKeys, err := NewKeypair()
	require.NoError(t, err)
	bobKeys, err := NewKeypair()
	require.NoError(t, err)
	alice, _, err := NewInitiatorSession(aliceKeys, bobKeys.PublicBundle(), "alice.onion", "bob.onion", 0)
	require.NoError(t, err)

	blob, err := alice.MarshalBinary()
	require.NoError(t, err)

	corrupt := func(t *testing.T, mutate func(*cborSession)) {
		tmp := new(cborSession)
		require.NoError(t, cbor.Unmarshal(blob, tmp))
		mutate(tmp)
		bad, err := cbor.Marshal(tmp)
		require.NoError(t, err)
		_, err = LoadSession(aliceKeys, bad)
		require.Equal(t, ErrInvalidState, err)
	}

	// Truncated chain key.
	corrupt(t, func(s *cborSession) { s.SendChainKey = s.SendChainKey[:16] })

	// Zeroized key material.
	corrupt(t, func(s *cborSession) { s.RootKey = make([]byte, keySize) })

	// Staged rekey with missing derived state.
	corrupt(t, func(s *cborSession) {
		s.Staged = &cborStagedSend{
			Seq:       1,
			NextChain: make([]byte, keySize),
			Rekey:     true,
		}
	})

	_, err = LoadSession(aliceKeys, []byte("not cbor"))
	require.Equal(t, ErrInvalidState, err)
}

func TestDestroy(t *testing.T) {
	alice, _ := pairedSessions(t, 0)
	alice.Destroy()
	_, _, err := alice.EncryptStaged([]byte("dead"))
	require.Equal(t, ErrSessionDesynchronized, err)
	require.True(t, alice.IsDesynchronized())
}
