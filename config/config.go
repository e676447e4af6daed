// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/shieldmsg/shieldcore/wire"
)

const (
	defaultLogLevel = "NOTICE"

	defaultPayloadSize = wire.PayloadSizeSmall

	defaultRetrySweepInterval = 2 * time.Minute
	defaultRetryFloor         = 30 * time.Second

	defaultKEMRatchetInterval = 50

	defaultMaxConnectionsPerSecond = 50
	defaultMaxConcurrent           = 200
	defaultMaxPerCircuitPerMinute  = 10
	defaultBanDuration             = 5 * time.Minute
	defaultBanThreshold            = 5
	defaultPoWActivationThreshold  = 0.75
	defaultPoWDifficulty           = 16
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := map[string]bool{
		"ERROR":   true,
		"WARNING": true,
		"NOTICE":  true,
		"INFO":    true,
		"DEBUG":   true,
	}
	if !lvl[lCfg.Level] {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Wire is the frame codec configuration.
type Wire struct {
	// PayloadSize is the fixed on-the-wire frame size.  All peers of a
	// deployment must agree on this value.
	PayloadSize int
}

func (wCfg *Wire) applyDefaults() {
	if wCfg.PayloadSize == 0 {
		wCfg.PayloadSize = defaultPayloadSize
	}
}

func (wCfg *Wire) validate() error {
	g := &wire.Geometry{PayloadSize: wCfg.PayloadSize}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("config: Wire: PayloadSize %d is invalid", wCfg.PayloadSize)
	}
	return nil
}

// Ratchet is the session ratchet configuration.
type Ratchet struct {
	// KEMRatchetInterval is the number of sent messages between ML-KEM
	// rekeys on a session.
	KEMRatchetInterval uint64
}

func (rCfg *Ratchet) applyDefaults() {
	if rCfg.KEMRatchetInterval == 0 {
		rCfg.KEMRatchetInterval = defaultKEMRatchetInterval
	}
}

// Delivery is the offline delivery configuration.
type Delivery struct {
	// RetrySweepInterval is how often the retry sweep runs.
	RetrySweepInterval time.Duration

	// RetryFloor is the minimum time between retries of one message.
	RetryFloor time.Duration
}

func (dCfg *Delivery) applyDefaults() {
	if dCfg.RetrySweepInterval == 0 {
		dCfg.RetrySweepInterval = defaultRetrySweepInterval
	}
	if dCfg.RetryFloor == 0 {
		dCfg.RetryFloor = defaultRetryFloor
	}
}

// Transport is the frame transport configuration.
type Transport struct {
	// ListenAddr is the local frame listener address.
	ListenAddr string

	// Endpoint is the endpoint identifier peers reach this node at,
	// normally the public address of the listener.
	Endpoint string
}

func (tCfg *Transport) validate() error {
	if tCfg.ListenAddr != "" && tCfg.Endpoint == "" {
		return errors.New("config: Transport: ListenAddr set without an Endpoint")
	}
	return nil
}

// DoS is the inbound connection defense configuration.
type DoS struct {
	// MaxConnectionsPerSecond is the global new connection rate cap.
	MaxConnectionsPerSecond int

	// MaxConcurrent is the concurrent connection cap.
	MaxConcurrent int

	// MaxPerCircuitPerMinute is the per circuit connection rate cap.
	MaxPerCircuitPerMinute int

	// BanDuration is how long a circuit stays banned.
	BanDuration time.Duration

	// BanThreshold is the violation count that triggers a ban.
	BanThreshold int

	// PoWActivationThreshold is the load fraction above which new
	// connections must present proofs of work.
	PoWActivationThreshold float64

	// PoWDifficulty is the required leading zero bit count.
	PoWDifficulty int
}

func (dCfg *DoS) applyDefaults() {
	if dCfg.MaxConnectionsPerSecond == 0 {
		dCfg.MaxConnectionsPerSecond = defaultMaxConnectionsPerSecond
	}
	if dCfg.MaxConcurrent == 0 {
		dCfg.MaxConcurrent = defaultMaxConcurrent
	}
	if dCfg.MaxPerCircuitPerMinute == 0 {
		dCfg.MaxPerCircuitPerMinute = defaultMaxPerCircuitPerMinute
	}
	if dCfg.BanDuration == 0 {
		dCfg.BanDuration = defaultBanDuration
	}
	if dCfg.BanThreshold == 0 {
		dCfg.BanThreshold = defaultBanThreshold
	}
	if dCfg.PoWActivationThreshold == 0 {
		dCfg.PoWActivationThreshold = defaultPoWActivationThreshold
	}
	if dCfg.PoWDifficulty == 0 {
		dCfg.PoWDifficulty = defaultPoWDifficulty
	}
}

func (dCfg *DoS) validate() error {
	if dCfg.PoWActivationThreshold < 0 || dCfg.PoWActivationThreshold > 1 {
		return fmt.Errorf("config: DoS: PoWActivationThreshold %v is invalid", dCfg.PoWActivationThreshold)
	}
	if dCfg.PoWDifficulty < 1 || dCfg.PoWDifficulty > 255 {
		return fmt.Errorf("config: DoS: PoWDifficulty %d is invalid", dCfg.PoWDifficulty)
	}
	return nil
}

// Config is the top level configuration.
type Config struct {
	// DataDir is the absolute path to the state directory.
	DataDir string

	Logging   *Logging
	Wire      *Wire
	Ratchet   *Ratchet
	Delivery  *Delivery
	Transport *Transport
	DoS       *DoS
}

// FixupAndValidate applies defaults to missing sections and validates the
// configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.DataDir == "" {
		return errors.New("config: no DataDir was present")
	}
	if !filepath.IsAbs(cfg.DataDir) {
		return fmt.Errorf("config: DataDir '%v' is not an absolute path", cfg.DataDir)
	}

	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Wire == nil {
		cfg.Wire = &Wire{}
	}
	if cfg.Ratchet == nil {
		cfg.Ratchet = &Ratchet{}
	}
	if cfg.Delivery == nil {
		cfg.Delivery = &Delivery{}
	}
	if cfg.Transport == nil {
		cfg.Transport = &Transport{}
	}
	if cfg.DoS == nil {
		cfg.DoS = &DoS{}
	}

	cfg.Wire.applyDefaults()
	cfg.Ratchet.applyDefaults()
	cfg.Delivery.applyDefaults()
	cfg.DoS.applyDefaults()

	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Wire.validate(); err != nil {
		return err
	}
	if err := cfg.Transport.validate(); err != nil {
		return err
	}
	return cfg.DoS.validate()
}

// Load parses and validates the provided buffer b as a config body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
