// SPDX-License-Identifier: AGPL-3.0-only

package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shieldmsg/shieldcore/ratchet"
)

func TestTapRoundTrip(t *testing.T) {
	alice, err := ratchet.NewKeypair()
	require.NoError(t, err)
	bob, err := ratchet.NewKeypair()
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	content, err := EncodeTap(alice, bob.X25519Public(), now)
	require.NoError(t, err)

	sender, ts, err := DecodeTap(bob, content)
	require.NoError(t, err)
	require.Equal(t, alice.X25519Public(), sender)
	require.Equal(t, now.Unix(), ts.Unix())
}

func TestTapWrongRecipient(t *testing.T) {
	alice, err := ratchet.NewKeypair()
	require.NoError(t, err)
	bob, err := ratchet.NewKeypair()
	require.NoError(t, err)
	eve, err := ratchet.NewKeypair()
	require.NoError(t, err)

	content, err := EncodeTap(alice, bob.X25519Public(), time.Now())
	require.NoError(t, err)

	_, _, err = DecodeTap(eve, content)
	require.Equal(t, ErrMalformedTap, err)
}

func TestTapTruncated(t *testing.T) {
	bob, err := ratchet.NewKeypair()
	require.NoError(t, err)
	_, _, err = DecodeTap(bob, make([]byte, 16))
	require.Equal(t, ErrMalformedTap, err)
}
