// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the fixed-size frame codec.  Every frame that
// crosses the transport is a 4 byte length prefix followed by exactly
// Geometry.PayloadSize payload bytes, padded with random bytes so that
// frame length never reveals content length.
package wire

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// PayloadSizeSmall is the smallest permitted frame size.
	PayloadSizeSmall = 4096

	// PayloadSizeMedium is the middle permitted frame size.
	PayloadSizeMedium = 8192

	// PayloadSizeLarge is the largest permitted frame size.
	PayloadSizeLarge = 16384

	// framePrefixLen is the outer big endian length prefix, carrying the
	// fixed payload size.
	framePrefixLen = 4

	// frameInnerLen is the content length field inside the payload.
	frameInnerLen = 2

	// frameHeaderLen is the offset of content within an encoded frame.
	frameHeaderLen = framePrefixLen + frameInnerLen
)

// Message type tags, the first byte of every frame's content.
const (
	TagPing          = 0x01
	TagPong          = 0x02
	TagText          = 0x03
	TagVoice         = 0x04
	TagTap           = 0x05
	TagAck           = 0x06
	TagFriendRequest = 0x07
	TagCover         = 0xFF
)

var (
	// ErrInvalidGeometry is the error returned when the configured frame
	// size is not one of the permitted sizes.
	ErrInvalidGeometry = errors.New("wire: invalid geometry")

	// ErrContentTooLarge is the error returned when content cannot fit in
	// a single frame.
	ErrContentTooLarge = errors.New("wire: content exceeds frame capacity")

	// ErrMalformedFrame is the error returned when a frame fails to decode.
	ErrMalformedFrame = errors.New("wire: malformed frame")

	// ErrCoverFrame is the error returned by DecodeFrame for cover traffic
	// frames, which carry no content and are dropped by the caller.
	ErrCoverFrame = errors.New("wire: cover frame")
)

// Geometry describes the fixed frame size of a link.
type Geometry struct {
	// PayloadSize is the fixed payload size in bytes.  The on-the-wire
	// frame is the 4 byte length prefix plus exactly this many bytes.
	PayloadSize int
}

// Validate returns ErrInvalidGeometry unless PayloadSize is one of the
// permitted sizes.
func (g *Geometry) Validate() error {
	switch g.PayloadSize {
	case PayloadSizeSmall, PayloadSizeMedium, PayloadSizeLarge:
		return nil
	default:
		return ErrInvalidGeometry
	}
}

// MaxContentSize returns the largest content (tag byte included) that fits
// in a single frame.
func (g *Geometry) MaxContentSize() int {
	return g.PayloadSize - frameInnerLen
}

// FrameSize returns the on-the-wire frame size, prefix included.
func (g *Geometry) FrameSize() int {
	return framePrefixLen + g.PayloadSize
}

// EncodeFrame encodes content into a frame of exactly FrameSize bytes: the
// 4 byte big endian payload size prefix, then the payload itself, which is
// a 2 byte big endian content length, the content, and random padding out
// to the payload boundary.
func (g *Geometry) EncodeFrame(content []byte) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(content) == 0 || len(content) > g.MaxContentSize() {
		return nil, ErrContentTooLarge
	}

	frame := make([]byte, g.FrameSize())
	binary.BigEndian.PutUint32(frame[0:framePrefixLen], uint32(g.PayloadSize))
	binary.BigEndian.PutUint16(frame[framePrefixLen:frameHeaderLen], uint16(len(content)))
	copy(frame[frameHeaderLen:], content)
	if _, err := io.ReadFull(rand.Reader, frame[frameHeaderLen+len(content):]); err != nil {
		return nil, err
	}
	return frame, nil
}

// EncodeCover encodes a cover traffic frame, indistinguishable on the wire
// from a real frame.
func (g *Geometry) EncodeCover() ([]byte, error) {
	content := make([]byte, 1+32)
	content[0] = TagCover
	if _, err := io.ReadFull(rand.Reader, content[1:]); err != nil {
		return nil, err
	}
	return g.EncodeFrame(content)
}

// DecodeFrame decodes a received frame and returns its content.  Cover
// frames return ErrCoverFrame so the caller can drop them without further
// processing.  A frame that is not exactly g.FrameSize bytes, or whose
// length fields are inconsistent, returns ErrMalformedFrame.
func (g *Geometry) DecodeFrame(frame []byte) ([]byte, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(frame) != g.FrameSize() {
		return nil, ErrMalformedFrame
	}
	payloadLen := binary.BigEndian.Uint32(frame[0:framePrefixLen])
	if int(payloadLen) != g.PayloadSize {
		return nil, ErrMalformedFrame
	}
	contentLen := int(binary.BigEndian.Uint16(frame[framePrefixLen:frameHeaderLen]))
	if contentLen == 0 || contentLen > g.MaxContentSize() {
		return nil, ErrMalformedFrame
	}
	content := make([]byte, contentLen)
	copy(content, frame[frameHeaderLen:frameHeaderLen+contentLen])
	if content[0] == TagCover {
		return nil, ErrCoverFrame
	}
	return content, nil
}
