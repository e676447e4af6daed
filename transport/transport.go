// SPDX-License-Identifier: AGPL-3.0-only

// Package transport defines the opaque hidden service transport interface.
// The protocol core is transport agnostic: anything that can move fixed
// size frames between named endpoints can carry it, and connection loss is
// a normal condition, never fatal to protocol state.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"gopkg.in/op/go-logging.v1"
)

// ErrTransportUnavailable is the error returned when no connection can be
// established.  Callers retry later; pending state is preserved.
var ErrTransportUnavailable = errors.New("transport: unavailable")

// Inbound is one received frame.
type Inbound struct {
	// Endpoint is the remote endpoint identifier.
	Endpoint string

	// CircuitID identifies the underlying circuit for DoS accounting.
	CircuitID string

	// Frame is the raw fixed size frame.
	Frame []byte
}

// Transport moves frames between named endpoints.
type Transport interface {
	// Send transmits one frame to the endpoint.
	Send(ctx context.Context, endpoint string, frame []byte) error

	// Receive returns the inbound frame channel.  Implementations may
	// close it on shutdown but are not required to; consumers halt out
	// of band.
	Receive() <-chan Inbound

	// Close tears the transport down.
	Close() error
}

// DialFunc establishes one transport connection.
type DialFunc func(ctx context.Context) (Transport, error)

// Dialer redials a transport with jittered exponential backoff until a
// connection is established or the context is canceled.
type Dialer struct {
	log  *logging.Logger
	dial DialFunc
}

// NewDialer constructs a Dialer.
func NewDialer(log *logging.Logger, dial DialFunc) *Dialer {
	return &Dialer{log: log, dial: dial}
}

// Dial keeps dialing until success or context cancellation.
func (d *Dialer) Dial(ctx context.Context) (Transport, error) {
	bo := &backoff.Backoff{
		Min:    time.Second,
		Max:    5 * time.Minute,
		Factor: 2,
		Jitter: true,
	}
	for {
		t, err := d.dial(ctx)
		if err == nil {
			return t, nil
		}
		wait := bo.Duration()
		d.log.Debugf("dial failed: %v, retrying in %v", err, wait)
		select {
		case <-ctx.Done():
			return nil, ErrTransportUnavailable
		case <-time.After(wait):
		}
	}
}
