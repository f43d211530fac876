// Package pkcrypto implements the Crypto Primitives of spec.md §4.2:
// Ed25519 sign/verify, X.509-style public key DER encoding, and
// SHA-256 hashing. It is the only package in this module that touches
// key material directly; every other package signs and verifies
// through it. pkg/dropfolder and pkg/trust import crypto/sha256
// themselves for content hashing.
package pkcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"

	"github.com/zeebo/errs"
)

// Error is the class of all pkcrypto errors.
var Error = errs.Class("pkcrypto")

// ErrSalt is returned by GenerateSalt for undersized requests.
var ErrSalt = errs.Class("salt")

// ErrSignature is returned by Verify when the signature does not
// check out, matching spec.md §4.2 SignatureInvalid.
var ErrSignature = errs.Class("signature invalid")

// PrivateKey is an Ed25519 private key.
type PrivateKey = ed25519.PrivateKey

// PublicKey is an Ed25519 public key.
type PublicKey = ed25519.PublicKey

// Digest is a 32-byte SHA-256 digest.
type Digest [sha256.Size]byte

// GenerateKey creates a new Ed25519 keypair.
func GenerateKey() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	return pub, priv, nil
}

// PublicKeyFromPrivate extracts the public half of an Ed25519 key.
func PublicKeyFromPrivate(priv PrivateKey) PublicKey {
	return priv.Public().(ed25519.PublicKey)
}

// Sign signs data with priv. Ed25519 signing is constant-time with
// respect to the private key by construction.
func Sign(priv PrivateKey, data []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, Error.New("invalid private key size %d", len(priv))
	}
	return ed25519.Sign(priv, data), nil
}

// Verify reports whether sig is a valid Ed25519 signature of data
// under pub. A malformed key or failing check both surface as
// ErrSignature, per spec.md §4.2.
func Verify(pub PublicKey, data, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrSignature.New("invalid public key size %d", len(pub))
	}
	if !ed25519.Verify(pub, data, sig) {
		return ErrSignature.New("signature does not verify")
	}
	return nil
}

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) Digest {
	return sha256.Sum256(data)
}

// EncodePublicKey DER-encodes pub in X.509 SubjectPublicKeyInfo form
// and returns its standard Base64 encoding, the wire representation
// used in every signed payload's "signerPublicKey" field (spec.md §6).
func EncodePublicKey(pub PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePublicKey is the inverse of EncodePublicKey.
func DecodePublicKey(encoded string) (PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, Error.New("not an Ed25519 public key")
	}
	return pub, nil
}

// GenerateSalt returns size bytes of cryptographically random data.
// size must be
// at least 8 to rule out accidentally-truncated callers.
func GenerateSalt(size uint32) ([]byte, error) {
	if size < 8 {
		return nil, ErrSalt.New("salt size %d is smaller than minimum of 8 bytes", size)
	}
	salt := make([]byte, size)
	if _, err := rand.Read(salt); err != nil {
		return nil, ErrSalt.Wrap(err)
	}
	return salt, nil
}
