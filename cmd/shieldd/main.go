// SPDX-License-Identifier: AGPL-3.0-only

// shieldd is the protocol daemon: it runs the engine against a TCP frame
// transport and file backed storage and keys.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/shieldmsg/shieldcore/client"
	"github.com/shieldmsg/shieldcore/config"
	"github.com/shieldmsg/shieldcore/core/log"
	"github.com/shieldmsg/shieldcore/dos"
	"github.com/shieldmsg/shieldcore/storage/bolt"
	"github.com/shieldmsg/shieldcore/transport"
	"github.com/shieldmsg/shieldcore/wire"
)

type cliConfig struct {
	ConfigFile string
	GenOnly    bool
}

func newRootCommand() *cobra.Command {
	var cfg cliConfig

	cmd := &cobra.Command{
		Use:   "shieldd",
		Short: "Shield protocol daemon",
		Long: `shieldd runs the protocol engine as a long lived daemon: a hybrid
ratcheting session layer, fixed size frame codec with cover traffic, the
offline delivery queue with its wake protocol, and the inbound connection
defense engine, over a TCP frame transport.

Identity keys are generated on first start and kept under the data
directory. Peers are added by exchanging the identity material printed at
startup.`,
		Example: `  # Start the daemon
  shieldd --config /etc/shield/shieldd.toml

  # Generate identity keys and exit
  shieldd --config /etc/shield/shieldd.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(&cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "shieldd.toml",
		"path to the daemon configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate identity keys and exit without starting the daemon")

	return cmd
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cliCfg *cliConfig) error {
	cfg, err := config.LoadFile(cliCfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cliCfg.ConfigFile, err)
	}
	if cfg.Transport.Endpoint == "" {
		return fmt.Errorf("config: Transport: no Endpoint was present")
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}

	logFile := cfg.Logging.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.DataDir, logFile)
	}
	logBackend, err := log.New(logFile, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return err
	}
	logger := logBackend.GetLogger("shieldd")

	keyStore, err := loadOrGenerateKeys(cfg.DataDir)
	if err != nil {
		return err
	}
	bundle := keyStore.keys.PublicBundle()
	logger.Noticef("identity: %v", base64.StdEncoding.EncodeToString(keyStore.signer.PublicKey().Bytes()))
	logger.Noticef("x25519: %v", base64.StdEncoding.EncodeToString(bundle.X25519))
	if cliCfg.GenOnly {
		return nil
	}

	store, err := bolt.New(filepath.Join(cfg.DataDir, "storage.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	gatekeeper := dos.New(&dos.Config{
		MaxConnectionsPerSecond: cfg.DoS.MaxConnectionsPerSecond,
		MaxConcurrent:           cfg.DoS.MaxConcurrent,
		MaxPerCircuitPerMinute:  cfg.DoS.MaxPerCircuitPerMinute,
		BanDuration:             cfg.DoS.BanDuration,
		BanThreshold:            cfg.DoS.BanThreshold,
		PoWActivationThreshold:  cfg.DoS.PoWActivationThreshold,
		PoWDifficulty:           cfg.DoS.PoWDifficulty,
	}, logBackend.GetLogger("dos"))
	defer gatekeeper.Halt()

	// The listen address may still be held by a dying predecessor, so the
	// transport is brought up through the backoff dialer.
	dialer := transport.NewDialer(logBackend.GetLogger("transport"), func(ctx context.Context) (transport.Transport, error) {
		return transport.NewTCP(&transport.TCPConfig{
			Log:        logBackend.GetLogger("transport"),
			Geometry:   &wire.Geometry{PayloadSize: cfg.Wire.PayloadSize},
			ListenAddr: cfg.Transport.ListenAddr,
			Endpoint:   cfg.Transport.Endpoint,
			Gatekeeper: gatekeeper,
		})
	})
	dialCtx, dialCancel := context.WithTimeout(context.Background(), time.Minute)
	trans, err := dialer.Dial(dialCtx)
	dialCancel()
	if err != nil {
		return err
	}
	defer trans.Close()

	c, err := client.New(&client.Options{
		Config:     cfg,
		LogBackend: logBackend,
		Store:      store,
		Transport:  trans,
		Keys:       keyStore,
		Endpoint:   cfg.Transport.Endpoint,
	})
	if err != nil {
		return err
	}
	c.Start()
	defer c.Shutdown()

	go drainEvents(c, logger)

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	<-haltCh
	logger.Noticef("shutdown requested")
	return nil
}

func drainEvents(c *client.Client, logger *logging.Logger) {
	for e := range c.EventsChan() {
		switch ev := e.(type) {
		case *client.MessageReceivedEvent:
			logger.Noticef("message from %v (%d bytes, voice=%v)", ev.ContactID, len(ev.Plaintext), ev.Voice)
		case *client.MessageDeliveredEvent:
			logger.Noticef("message %x delivered", ev.MessageID)
		case *client.PingStoredEvent:
			logger.Noticef("ping stored from %v", ev.ContactID)
		case *client.PresenceTapEvent:
			logger.Noticef("presence tap from %v (%d pending)", ev.ContactID, ev.PendingPings)
		case *client.FriendRequestEvent:
			logger.Noticef("friend request accepted from %v", ev.ContactID)
		case *client.SessionDesynchronizedEvent:
			logger.Noticef("session with %v desynchronized", ev.ContactID)
		case *client.DuressWipeRequestedEvent:
			logger.Noticef("duress wipe executed")
		}
	}
}
