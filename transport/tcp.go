// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/shieldmsg/shieldcore/core/worker"
	"github.com/shieldmsg/shieldcore/dos"
	"github.com/shieldmsg/shieldcore/wire"
)

const (
	statusOK       = 0x00
	statusPoW      = 0x01
	statusRejected = 0xFF

	maxEndpointLen   = 255
	handshakeTimeout = 30 * time.Second
	powSolveBudget   = 20 * time.Second
	defaultIOTimeout = 30 * time.Second
)

// TCPConfig is the TCP transport configuration.
type TCPConfig struct {
	Log      *logging.Logger
	Geometry *wire.Geometry

	// ListenAddr is the local listen address.  Empty means outbound only.
	ListenAddr string

	// Endpoint is the endpoint identifier announced to peers, normally
	// the address they can reach our listener at.
	Endpoint string

	// Gatekeeper, when set, screens inbound connections and escalates to
	// proof of work under load.
	Gatekeeper *dos.Gatekeeper
}

// TCP is a Transport over plain TCP.  Peers identify themselves with an
// endpoint hello when they connect; everything after the handshake is
// fixed size frames.  In deployment the dial and listen addresses would be
// hidden service rendezvous points, the framing is identical.
type TCP struct {
	worker.Worker

	cfg *TCPConfig
	log *logging.Logger
	ln  net.Listener

	connLock sync.Mutex
	conns    map[string]net.Conn

	recvCh    chan Inbound
	closeOnce sync.Once
}

// NewTCP constructs a TCP transport and starts the listener when a listen
// address is configured.
func NewTCP(cfg *TCPConfig) (*TCP, error) {
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	t := &TCP{
		cfg:    cfg,
		log:    cfg.Log,
		conns:  make(map[string]net.Conn),
		recvCh: make(chan Inbound, 64),
	}
	if cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		t.ln = ln
		t.Go(t.acceptWorker)
	}
	return t, nil
}

// Addr returns the listener address, nil for an outbound only transport.
func (t *TCP) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *TCP) Send(ctx context.Context, endpoint string, frame []byte) error {
	conn, err := t.conn(ctx, endpoint)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(defaultIOTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(frame); err != nil {
		t.dropConn(endpoint, conn)
		return ErrTransportUnavailable
	}
	return nil
}

func (t *TCP) Receive() <-chan Inbound {
	return t.recvCh
}

func (t *TCP) Close() error {
	t.closeOnce.Do(func() {
		if t.ln != nil {
			_ = t.ln.Close()
		}
		t.Halt()
		t.connLock.Lock()
		for _, conn := range t.conns {
			_ = conn.Close()
		}
		t.conns = make(map[string]net.Conn)
		t.connLock.Unlock()
	})
	return nil
}

func (t *TCP) conn(ctx context.Context, endpoint string) (net.Conn, error) {
	t.connLock.Lock()
	conn, ok := t.conns[endpoint]
	t.connLock.Unlock()
	if ok {
		return conn, nil
	}

	d := &net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, ErrTransportUnavailable
	}
	if err := t.clientHandshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	t.connLock.Lock()
	if existing, ok := t.conns[endpoint]; ok {
		t.connLock.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	t.conns[endpoint] = conn
	t.connLock.Unlock()
	return conn, nil
}

func (t *TCP) dropConn(endpoint string, conn net.Conn) {
	_ = conn.Close()
	t.connLock.Lock()
	if t.conns[endpoint] == conn {
		delete(t.conns, endpoint)
	}
	t.connLock.Unlock()
}

// clientHandshake announces our endpoint and answers a proof of work
// challenge if the peer demands one.
func (t *TCP) clientHandshake(conn net.Conn) error {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	ep := []byte(t.cfg.Endpoint)
	if len(ep) > maxEndpointLen {
		return ErrTransportUnavailable
	}
	hello := append([]byte{byte(len(ep))}, ep...)
	if _, err := conn.Write(hello); err != nil {
		return ErrTransportUnavailable
	}

	var status [1]byte
	if _, err := io.ReadFull(conn, status[:]); err != nil {
		return ErrTransportUnavailable
	}
	if status[0] == statusPoW {
		challenge := make([]byte, dos.ChallengeSize+1)
		if _, err := io.ReadFull(conn, challenge); err != nil {
			return ErrTransportUnavailable
		}
		difficulty := int(challenge[dos.ChallengeSize])
		nonce, ok := dos.SolveChallenge(challenge[:dos.ChallengeSize], difficulty, time.Now().Add(powSolveBudget))
		if !ok {
			return ErrTransportUnavailable
		}
		var nonceB [8]byte
		binary.LittleEndian.PutUint64(nonceB[:], nonce)
		if _, err := conn.Write(nonceB[:]); err != nil {
			return ErrTransportUnavailable
		}
		if _, err := io.ReadFull(conn, status[:]); err != nil {
			return ErrTransportUnavailable
		}
	}
	if status[0] != statusOK {
		return ErrTransportUnavailable
	}
	return nil
}

func (t *TCP) acceptWorker() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.HaltCh():
			default:
				t.log.Debugf("accept failed: %v", err)
			}
			return
		}
		go t.onInboundConn(conn)
	}
}

func (t *TCP) onInboundConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	var l [1]byte
	if _, err := io.ReadFull(conn, l[:]); err != nil {
		return
	}
	ep := make([]byte, int(l[0]))
	if _, err := io.ReadFull(conn, ep); err != nil {
		return
	}
	endpoint := string(ep)
	circuitID := conn.RemoteAddr().String()

	if t.cfg.Gatekeeper != nil && !t.admit(conn, circuitID) {
		return
	}
	if t.cfg.Gatekeeper != nil {
		defer t.cfg.Gatekeeper.ConnectionClosed()
	}
	_ = conn.SetDeadline(time.Time{})

	for {
		frame := make([]byte, t.cfg.Geometry.FrameSize())
		if _, err := io.ReadFull(conn, frame); err != nil {
			return
		}
		select {
		case t.recvCh <- Inbound{Endpoint: endpoint, CircuitID: circuitID, Frame: frame}:
		case <-t.HaltCh():
			return
		}
	}
}

// admit runs the gatekeeper decision, including the PoW exchange when the
// engine is under load.  A banned circuit is dropped without a response
// byte.
func (t *TCP) admit(conn net.Conn, circuitID string) bool {
	d := t.cfg.Gatekeeper.CheckConnection(circuitID, time.Now())
	switch d.Verdict {
	case dos.VerdictAllow:
		_, err := conn.Write([]byte{statusOK})
		return err == nil
	case dos.VerdictBanned:
		return false
	case dos.VerdictRequirePoW:
		msg := make([]byte, 0, 1+dos.ChallengeSize+1)
		msg = append(msg, statusPoW)
		msg = append(msg, d.Challenge.Bytes...)
		msg = append(msg, byte(d.Challenge.Difficulty))
		if _, err := conn.Write(msg); err != nil {
			return false
		}
		var nonceB [8]byte
		if _, err := io.ReadFull(conn, nonceB[:]); err != nil {
			return false
		}
		nonce := binary.LittleEndian.Uint64(nonceB[:])
		d = t.cfg.Gatekeeper.SubmitPoW(circuitID, d.Challenge.Bytes, nonce, time.Now())
		if d.Verdict != dos.VerdictAllow {
			_, _ = conn.Write([]byte{statusRejected})
			return false
		}
		_, err := conn.Write([]byte{statusOK})
		return err == nil
	default:
		_, _ = conn.Write([]byte{statusRejected})
		return false
	}
}
