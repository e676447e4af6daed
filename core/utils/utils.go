// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides constant-time helpers and explicit memory
// sanitization used throughout the protocol core.
package utils

import (
	"crypto/subtle"
)

// ExplicitBzero explicitly clears out the buffer.
func ExplicitBzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CtIsZero returns true iff the buffer is all 0x00 bytes, in constant time
// for a given buffer length.
func CtIsZero(b []byte) bool {
	var sum byte
	for _, v := range b {
		sum |= v
	}
	return subtle.ConstantTimeByteEq(sum, 0) == 1
}
