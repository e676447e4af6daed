// SPDX-License-Identifier: AGPL-3.0-only

package dos

import (
	"encoding/binary"
	"io"
	"math/bits"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/sha3"
)

const (
	// ChallengeSize is the size of a PoW challenge in bytes.
	ChallengeSize = 32

	// ChallengeTTL is how long an issued challenge stays solvable.
	ChallengeTTL = 60 * time.Second
)

// Challenge is a single-use proof of work puzzle.
type Challenge struct {
	Bytes      []byte
	Difficulty int
	IssuedAt   time.Time
	Expiry     time.Time
}

func newChallenge(difficulty int, now time.Time) (*Challenge, error) {
	b := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return &Challenge{
		Bytes:      b,
		Difficulty: difficulty,
		IssuedAt:   now,
		Expiry:     now.Add(ChallengeTTL),
	}, nil
}

func powDigest(challenge []byte, nonce uint64) [32]byte {
	b := make([]byte, 0, ChallengeSize+8)
	b = append(b, challenge...)
	b = binary.LittleEndian.AppendUint64(b, nonce)
	return sha3.Sum256(b)
}

func leadingZeroBits(d []byte) int {
	n := 0
	for _, b := range d {
		if b == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(b)
		break
	}
	return n
}

// VerifyPoW returns true when SHA3-256(challenge || nonce) has at least
// difficulty leading zero bits.
func VerifyPoW(challenge []byte, nonce uint64, difficulty int) bool {
	d := powDigest(challenge, nonce)
	return leadingZeroBits(d[:]) >= difficulty
}

// SolveChallenge brute forces a nonce satisfying the challenge, the client
// side of PoW escalation.  The caller bounds the work via deadline; zero
// deadline means no bound.
func SolveChallenge(challenge []byte, difficulty int, deadline time.Time) (uint64, bool) {
	for nonce := uint64(0); ; nonce++ {
		if VerifyPoW(challenge, nonce, difficulty) {
			return nonce, true
		}
		if !deadline.IsZero() && nonce%4096 == 0 && time.Now().After(deadline) {
			return 0, false
		}
	}
}
