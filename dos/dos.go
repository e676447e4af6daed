// SPDX-License-Identifier: AGPL-3.0-only

// Package dos implements the inbound connection gatekeeper: global and per
// circuit rate limits, a concurrency cap, proof of work escalation under
// load, and automatic banning of abusive circuits.  It sits in front of the
// codec and ratchet so hostile connections never reach them.
package dos

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/shieldmsg/shieldcore/core/worker"
)

// Verdict is the gatekeeper's decision for one connection attempt.
type Verdict uint8

const (
	// VerdictAllow admits the connection.
	VerdictAllow Verdict = iota

	// VerdictRequirePoW demands a proof of work before admission.
	VerdictRequirePoW

	// VerdictRateLimited rejects with a retry hint.
	VerdictRateLimited

	// VerdictBanned drops the connection with no response bytes, so the
	// ban state is not observable from outside.
	VerdictBanned

	// VerdictCapacityExceeded rejects at the concurrency cap.  This is a
	// resource bound, not an abuse signal: no violation is recorded and
	// no PoW is offered.
	VerdictCapacityExceeded
)

// Decision is the full gatekeeper response.
type Decision struct {
	Verdict    Verdict
	RetryAfter time.Duration
	Challenge  *Challenge
}

// Config is the gatekeeper configuration.
type Config struct {
	MaxConnectionsPerSecond int
	MaxConcurrent           int
	MaxPerCircuitPerMinute  int
	BanDuration             time.Duration
	BanThreshold            int
	PoWActivationThreshold  float64
	PoWDifficulty           int

	// MaxCircuitAge and LatencyThreshold drive the health signal that
	// asks the transport layer to rotate a circuit.
	MaxCircuitAge    time.Duration
	LatencyThreshold time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxConnectionsPerSecond == 0 {
		cfg.MaxConnectionsPerSecond = 50
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 200
	}
	if cfg.MaxPerCircuitPerMinute == 0 {
		cfg.MaxPerCircuitPerMinute = 10
	}
	if cfg.BanDuration == 0 {
		cfg.BanDuration = 5 * time.Minute
	}
	if cfg.BanThreshold == 0 {
		cfg.BanThreshold = 5
	}
	if cfg.PoWActivationThreshold == 0 {
		cfg.PoWActivationThreshold = 0.75
	}
	if cfg.PoWDifficulty == 0 {
		cfg.PoWDifficulty = 16
	}
	if cfg.MaxCircuitAge == 0 {
		cfg.MaxCircuitAge = time.Hour
	}
	if cfg.LatencyThreshold == 0 {
		cfg.LatencyThreshold = 5 * time.Second
	}
}

type circuitRecord struct {
	firstSeen  time.Time
	lastSeen   time.Time
	window     []time.Time
	violations int
	bannedAt   time.Time
	banned     bool

	emaLatency time.Duration
}

// Gatekeeper is the DoS defense engine.  A single lock guards the circuit
// table and counters; every operation is a short critical section.
type Gatekeeper struct {
	worker.Worker
	sync.Mutex

	cfg *Config
	log *logging.Logger

	circuits   map[string]*circuitRecord
	global     []time.Time
	open       int
	challenges map[string]*powChallenge
}

type powChallenge struct {
	challenge *Challenge
	circuitID string
}

// New constructs and starts a Gatekeeper.
func New(cfg *Config, log *logging.Logger) *Gatekeeper {
	cfg.applyDefaults()
	g := &Gatekeeper{
		cfg:        cfg,
		log:        log,
		circuits:   make(map[string]*circuitRecord),
		challenges: make(map[string]*powChallenge),
	}
	g.Go(g.cleanupWorker)
	return g
}

func pruneWindow(w []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(w) && !w[i].After(cutoff) {
		i++
	}
	return w[i:]
}

func (g *Gatekeeper) circuitLocked(circuitID string, now time.Time) *circuitRecord {
	c, ok := g.circuits[circuitID]
	if !ok {
		c = &circuitRecord{firstSeen: now}
		g.circuits[circuitID] = c
	}
	c.lastSeen = now
	return c
}

func (g *Gatekeeper) violationLocked(c *circuitRecord, now time.Time) {
	c.violations++
	if c.violations >= g.cfg.BanThreshold && !c.banned {
		c.banned = true
		c.bannedAt = now
		g.log.Noticef("Banning circuit for %v after %d violations", g.cfg.BanDuration, c.violations)
	}
}

// CheckConnection gates one inbound connection attempt.  Decision order:
// ban, concurrency cap, global rate, per circuit rate, load based PoW gate,
// allow.
func (g *Gatekeeper) CheckConnection(circuitID string, now time.Time) *Decision {
	g.Lock()
	defer g.Unlock()

	c := g.circuitLocked(circuitID, now)

	if c.banned {
		if now.Sub(c.bannedAt) < g.cfg.BanDuration {
			connectionsBanned.Inc()
			return &Decision{Verdict: VerdictBanned}
		}
		c.banned = false
		c.violations = 0
	}

	if g.open >= g.cfg.MaxConcurrent {
		connectionsOverCapacity.Inc()
		return &Decision{Verdict: VerdictCapacityExceeded}
	}

	g.global = pruneWindow(g.global, now.Add(-time.Second))
	g.global = append(g.global, now)
	if len(g.global) > g.cfg.MaxConnectionsPerSecond {
		g.violationLocked(c, now)
		connectionsRateLimited.Inc()
		return &Decision{Verdict: VerdictRateLimited, RetryAfter: time.Second}
	}

	c.window = pruneWindow(c.window, now.Add(-time.Minute))
	c.window = append(c.window, now)
	if len(c.window) > g.cfg.MaxPerCircuitPerMinute {
		g.violationLocked(c, now)
		connectionsRateLimited.Inc()
		return &Decision{Verdict: VerdictRateLimited, RetryAfter: time.Minute}
	}

	load := float64(g.open) / float64(g.cfg.MaxConcurrent)
	if load >= g.cfg.PoWActivationThreshold {
		ch, err := newChallenge(g.cfg.PoWDifficulty, now)
		if err != nil {
			return &Decision{Verdict: VerdictCapacityExceeded}
		}
		g.challenges[string(ch.Bytes)] = &powChallenge{challenge: ch, circuitID: circuitID}
		powIssued.Inc()
		return &Decision{Verdict: VerdictRequirePoW, Challenge: ch}
	}

	g.open++
	connectionsAllowed.Inc()
	return &Decision{Verdict: VerdictAllow}
}

// SubmitPoW evaluates a challenge solution.  The challenge is consumed
// either way: a second submission with the same challenge bytes is
// rejected, and a failed solution counts as a violation.
func (g *Gatekeeper) SubmitPoW(circuitID string, challenge []byte, nonce uint64, now time.Time) *Decision {
	g.Lock()
	defer g.Unlock()

	c := g.circuitLocked(circuitID, now)

	pc, ok := g.challenges[string(challenge)]
	if ok {
		delete(g.challenges, string(challenge))
	}
	if !ok || pc.circuitID != circuitID || now.After(pc.challenge.Expiry) ||
		!VerifyPoW(challenge, nonce, pc.challenge.Difficulty) {
		g.violationLocked(c, now)
		powFailed.Inc()
		if c.banned {
			connectionsBanned.Inc()
			return &Decision{Verdict: VerdictBanned}
		}
		connectionsRateLimited.Inc()
		return &Decision{Verdict: VerdictRateLimited, RetryAfter: time.Second}
	}

	if g.open >= g.cfg.MaxConcurrent {
		connectionsOverCapacity.Inc()
		return &Decision{Verdict: VerdictCapacityExceeded}
	}
	g.open++
	powSucceeded.Inc()
	connectionsAllowed.Inc()
	return &Decision{Verdict: VerdictAllow}
}

// ConnectionClosed releases one admitted connection.
func (g *Gatekeeper) ConnectionClosed() {
	g.Lock()
	defer g.Unlock()
	if g.open > 0 {
		g.open--
	}
}

// OpenConnections returns the number of admitted connections.
func (g *Gatekeeper) OpenConnections() int {
	g.Lock()
	defer g.Unlock()
	return g.open
}

// Cleanup evicts expired challenges, lapsed bans and idle circuits.  The
// cleanup worker calls this once a minute, tests call it directly.
func (g *Gatekeeper) Cleanup(now time.Time) {
	g.Lock()
	defer g.Unlock()

	for k, pc := range g.challenges {
		if now.After(pc.challenge.Expiry) {
			delete(g.challenges, k)
		}
	}
	for id, c := range g.circuits {
		if c.banned && now.Sub(c.bannedAt) >= g.cfg.BanDuration {
			c.banned = false
			c.violations = 0
		}
		if !c.banned && now.Sub(c.lastSeen) > g.cfg.BanDuration {
			delete(g.circuits, id)
		}
	}
}

func (g *Gatekeeper) cleanupWorker() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-g.HaltCh():
			return
		case now := <-t.C:
			g.Cleanup(now)
		}
	}
}
