// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameGeometries(t *testing.T) {
	for _, size := range []int{PayloadSizeSmall, PayloadSizeMedium, PayloadSizeLarge} {
		g := &Geometry{PayloadSize: size}
		require.NoError(t, g.Validate())

		content := []byte{TagText, 0xde, 0xad, 0xbe, 0xef}
		frame, err := g.EncodeFrame(content)
		require.NoError(t, err)

		// The wire unit is the 4 byte prefix plus the fixed payload, and
		// the prefix carries the payload size.
		require.Equal(t, framePrefixLen+size, len(frame))
		require.Equal(t, g.FrameSize(), len(frame))
		require.Equal(t, uint32(size), binary.BigEndian.Uint32(frame[0:4]))
		require.Equal(t, uint16(len(content)), binary.BigEndian.Uint16(frame[4:6]))

		decoded, err := g.DecodeFrame(frame)
		require.NoError(t, err)
		require.Equal(t, content, decoded)
	}

	g := &Geometry{PayloadSize: 1234}
	require.Equal(t, ErrInvalidGeometry, g.Validate())
}

func TestFrameWireUnitSizes(t *testing.T) {
	for _, tc := range []struct{ payload, frame int }{
		{PayloadSizeSmall, 4100},
		{PayloadSizeMedium, 8196},
		{PayloadSizeLarge, 16388},
	} {
		g := &Geometry{PayloadSize: tc.payload}
		require.Equal(t, tc.frame, g.FrameSize())
		frame, err := g.EncodeFrame([]byte{TagText, 0x01})
		require.NoError(t, err)
		require.Equal(t, tc.frame, len(frame))
	}
}

func TestFramePaddingIsRandom(t *testing.T) {
	g := &Geometry{PayloadSize: PayloadSizeSmall}
	content := []byte{TagText, 0x01}
	a, err := g.EncodeFrame(content)
	require.NoError(t, err)
	b, err := g.EncodeFrame(content)
	require.NoError(t, err)
	require.NotEqual(t, a[frameHeaderLen+len(content):], b[frameHeaderLen+len(content):])
}

func TestFrameMalformed(t *testing.T) {
	g := &Geometry{PayloadSize: PayloadSizeSmall}

	// Wrong size.
	_, err := g.DecodeFrame(make([]byte, g.FrameSize()-1))
	require.Equal(t, ErrMalformedFrame, err)

	// Inconsistent payload size prefix.
	frame, err := g.EncodeFrame([]byte{TagText, 0x00})
	require.NoError(t, err)
	binary.BigEndian.PutUint32(frame[0:4], uint32(PayloadSizeMedium))
	_, err = g.DecodeFrame(frame)
	require.Equal(t, ErrMalformedFrame, err)

	// Out of range content length.
	frame, err = g.EncodeFrame([]byte{TagText, 0x00})
	require.NoError(t, err)
	binary.BigEndian.PutUint16(frame[4:6], uint16(g.MaxContentSize()+1))
	_, err = g.DecodeFrame(frame)
	require.Equal(t, ErrMalformedFrame, err)

	// Zero content length.
	binary.BigEndian.PutUint16(frame[4:6], 0)
	_, err = g.DecodeFrame(frame)
	require.Equal(t, ErrMalformedFrame, err)

	// Oversized content.
	_, err = g.EncodeFrame(make([]byte, g.MaxContentSize()+1))
	require.Equal(t, ErrContentTooLarge, err)
}

func TestCoverFrame(t *testing.T) {
	g := &Geometry{PayloadSize: PayloadSizeSmall}
	frame, err := g.EncodeCover()
	require.NoError(t, err)
	require.Equal(t, g.FrameSize(), len(frame))

	_, err = g.DecodeFrame(frame)
	require.Equal(t, ErrCoverFrame, err)
}

func TestFragmentRoundTrip(t *testing.T) {
	g := &Geometry{PayloadSize: PayloadSizeSmall}
	payload := make([]byte, 3*g.MaxContentSize())
	for i := range payload {
		payload[i] = byte(i)
	}

	contents, err := g.Fragment(TagText, payload)
	require.NoError(t, err)
	require.Equal(t, 4, len(contents))

	// Out of order delivery still reassembles.
	r := NewReassembler()
	order := []int{2, 0, 3, 1}
	for i, idx := range order {
		tag, out, err := r.Add(contents[idx])
		require.NoError(t, err)
		if i < len(order)-1 {
			require.Nil(t, out)
		} else {
			require.Equal(t, byte(TagText), tag)
			require.Equal(t, payload, out)
		}
	}
}

func TestFragmentDuplicateIgnored(t *testing.T) {
	g := &Geometry{PayloadSize: PayloadSizeSmall}
	payload := make([]byte, g.MaxContentSize()+1)
	contents, err := g.Fragment(TagVoice, payload)
	require.NoError(t, err)
	require.Equal(t, 2, len(contents))

	r := NewReassembler()
	_, out, err := r.Add(contents[0])
	require.NoError(t, err)
	require.Nil(t, out)
	_, out, err = r.Add(contents[0])
	require.NoError(t, err)
	require.Nil(t, out)
	tag, out, err := r.Add(contents[1])
	require.NoError(t, err)
	require.Equal(t, byte(TagVoice), tag)
	require.Equal(t, payload, out)
}
