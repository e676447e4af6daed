// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	signpem "github.com/katzenpost/hpqc/sign/pem"

	"github.com/shieldmsg/shieldcore/ratchet"
)

const (
	identityKeyFile = "identity.private.pem"
	x25519KeyFile   = "ratchet_x25519.private.pem"
	kemSeedFile     = "ratchet_mlkem1024.seed.pem"

	x25519PEMType  = "X25519 PRIVATE KEY"
	kemSeedPEMType = "ML-KEM-1024 SEED"
)

// fileKeyStore keeps the long term identity keys as PEM files under the
// data directory.  A deployment with hardware backed key storage supplies
// its own client.KeyStore instead.
type fileKeyStore struct {
	keys   *ratchet.Keypair
	signer *ed25519.PrivateKey
}

func (s *fileKeyStore) GetIdentityKeys() (*ratchet.Keypair, *ed25519.PrivateKey, error) {
	return s.keys, s.signer, nil
}

func writePEM(path, pemType string, b []byte) error {
	blob := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: b})
	return os.WriteFile(path, blob, 0600)
}

func readPEM(path, pemType string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	blk, _ := pem.Decode(b)
	if blk == nil || blk.Type != pemType {
		return nil, fmt.Errorf("%v: not a %v PEM file", path, pemType)
	}
	return blk.Bytes, nil
}

// loadOrGenerateKeys loads the identity keys from dataDir, generating and
// persisting fresh ones when none exist yet.
func loadOrGenerateKeys(dataDir string) (*fileKeyStore, error) {
	idPath := filepath.Join(dataDir, identityKeyFile)
	xPath := filepath.Join(dataDir, x25519KeyFile)
	kemPath := filepath.Join(dataDir, kemSeedFile)

	if _, err := os.Stat(idPath); errors.Is(err, os.ErrNotExist) {
		return generateKeys(idPath, xPath, kemPath)
	}

	signerIf, err := signpem.FromPrivatePEMFile(idPath, ed25519.Scheme())
	if err != nil {
		return nil, err
	}
	signer, ok := signerIf.(*ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%v: unexpected key type", idPath)
	}

	xPriv, err := readPEM(xPath, x25519PEMType)
	if err != nil {
		return nil, err
	}
	kemSeed, err := readPEM(kemPath, kemSeedPEMType)
	if err != nil {
		return nil, err
	}
	keys, err := ratchet.KeypairFromBytes(xPriv, kemSeed)
	if err != nil {
		return nil, err
	}
	return &fileKeyStore{keys: keys, signer: signer}, nil
}

func generateKeys(idPath, xPath, kemPath string) (*fileKeyStore, error) {
	signer, _, err := ed25519.NewKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	keys, err := ratchet.NewKeypair()
	if err != nil {
		return nil, err
	}
	if err := signpem.PrivateKeyToFile(idPath, signer); err != nil {
		return nil, err
	}
	xPriv, kemSeed := keys.PrivateBytes()
	if err := writePEM(xPath, x25519PEMType, xPriv); err != nil {
		return nil, err
	}
	if err := writePEM(kemPath, kemSeedPEMType, kemSeed); err != nil {
		return nil, err
	}
	return &fileKeyStore{keys: keys, signer: signer}, nil
}
