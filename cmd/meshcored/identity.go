package main

import (
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"

	"github.com/dreadstar/meshcore/pkg/pkcrypto"
)

// ErrIdentity is this command's node-identity error class.
var ErrIdentity = errs.Class("identity")

const identityFileName = "node.key"

// loadOrCreateIdentity reads the node's Ed25519 private key from
// confDir/node.key, generating and persisting a fresh keypair on
// first run. The key is the node's long-lived identity: every
// signature it produces traces back to the public half encoded into
// it, per spec.md §4.2.
func loadOrCreateIdentity(confDir string) (pkcrypto.PrivateKey, error) {
	path := filepath.Join(confDir, identityFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		raw, decodeErr := hex.DecodeString(string(data))
		if decodeErr != nil {
			return nil, ErrIdentity.Wrap(decodeErr)
		}
		return pkcrypto.PrivateKey(raw), nil
	}
	if !os.IsNotExist(err) {
		return nil, ErrIdentity.Wrap(err)
	}

	_, priv, err := pkcrypto.GenerateKey()
	if err != nil {
		return nil, ErrIdentity.Wrap(err)
	}

	if err := os.MkdirAll(confDir, 0700); err != nil {
		return nil, ErrIdentity.Wrap(err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv)), 0600); err != nil {
		return nil, ErrIdentity.Wrap(err)
	}
	return priv, nil
}
