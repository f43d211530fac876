package core

import (
	"encoding/base64"
	"encoding/json"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/zeebo/errs"

	"github.com/dreadstar/meshcore/pkg/canon"
	"github.com/dreadstar/meshcore/pkg/pkcrypto"
	"github.com/dreadstar/meshcore/pkg/token"
	"github.com/dreadstar/meshcore/pkg/wire"
)

// ErrEnvelope is this package's envelope (de)serialization error class.
var ErrEnvelope = errs.Class("core envelope")

func toPayload(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, ErrEnvelope.Wrap(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ErrEnvelope.Wrap(err)
	}
	return m, nil
}

func fromPayload(payload map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return ErrEnvelope.Wrap(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return ErrEnvelope.Wrap(err)
	}
	return nil
}

// decodeToken unmarshals a wire message's embedded token field (e.g.
// Offer.DelegationToken, StorageUploadChunk.Token) back into a
// token.Token so it can be passed to pkg/verifier.
func decodeToken(m map[string]interface{}) (*token.Token, error) {
	if len(m) == 0 {
		return nil, ErrEnvelope.New("message carries no token")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, ErrEnvelope.Wrap(err)
	}
	var tok token.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, ErrEnvelope.Wrap(err)
	}
	return &tok, nil
}

// envelopeCanonicalBytes returns the bytes an Envelope's signature
// covers: every field except the signature itself, per spec.md §6
// "each wrapped object has signature and signerPublicKey at top
// level" and §4.1's canonicalization rule.
func envelopeCanonicalBytes(typ wire.Type, payload map[string]interface{}, signerPublicKey string) ([]byte, error) {
	tree := map[string]interface{}{
		"type":            string(typ),
		"payload":         payload,
		"signerPublicKey": signerPublicKey,
	}
	return canon.Canonicalize(tree)
}

// signer holds the keypair a Core instance signs outbound wire
// messages with.
type signer struct {
	pub    pkcrypto.PublicKey
	priv   pkcrypto.PrivateKey
	pubB64 string
}

func newSigner(pub pkcrypto.PublicKey, priv pkcrypto.PrivateKey) (*signer, error) {
	encoded, err := pkcrypto.EncodePublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &signer{pub: pub, priv: priv, pubB64: encoded}, nil
}

// buildEnvelope constructs and signs an Envelope wrapping payload.
func (s *signer) buildEnvelope(typ wire.Type, payload interface{}) (wire.Envelope, error) {
	payloadMap, err := toPayload(payload)
	if err != nil {
		return wire.Envelope{}, err
	}
	canonical, err := envelopeCanonicalBytes(typ, payloadMap, s.pubB64)
	if err != nil {
		return wire.Envelope{}, err
	}
	sig, err := pkcrypto.Sign(s.priv, canonical)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{
		Type:            typ,
		Payload:         payloadMap,
		SignerPublicKey: s.pubB64,
		Signature:       base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// issueToken builds and self-signs a token of kind authorizing scope
// for subjectPubKey, used where this node must attach its own
// capability token to an outbound message (e.g. a storage_write token
// accompanying a chunked upload, or a resource_offer token
// accompanying an Offer).
func (s *signer) issueToken(kind token.Kind, subjectPubKey string, scope token.Scope, now time.Time) (*token.Token, error) {
	nonce, err := uuid.NewV4()
	if err != nil {
		return nil, ErrEnvelope.Wrap(err)
	}
	tok, err := token.New(kind, s.pubB64, subjectPubKey, scope, nonce.String(), now)
	if err != nil {
		return nil, err
	}
	canonical, err := tok.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	sig, err := pkcrypto.Sign(s.priv, canonical)
	if err != nil {
		return nil, err
	}
	tok.SignerPublicKey = s.pubB64
	tok.Signature = base64.StdEncoding.EncodeToString(sig)
	return tok, nil
}

// Sign implements dropfolder.SignFunc and dispatch.Signer.
func (s *signer) Sign(canonical []byte) (signature string, signerPublicKey string, err error) {
	sig, err := pkcrypto.Sign(s.priv, canonical)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(sig), s.pubB64, nil
}

// envelopeVerifier implements discovery.Verifier: it checks only that
// an Envelope's signature matches its claimed signerPublicKey, per
// spec.md §4.8 "do NOT require high trust" for discovery traffic.
type envelopeVerifier struct{}

func (envelopeVerifier) VerifySignatureOnly(envelope wire.Envelope) (string, error) {
	pub, err := pkcrypto.DecodePublicKey(envelope.SignerPublicKey)
	if err != nil {
		return "", err
	}
	sig, err := base64.StdEncoding.DecodeString(envelope.Signature)
	if err != nil {
		return "", ErrEnvelope.Wrap(err)
	}
	canonical, err := envelopeCanonicalBytes(envelope.Type, envelope.Payload, envelope.SignerPublicKey)
	if err != nil {
		return "", err
	}
	if err := pkcrypto.Verify(pub, canonical, sig); err != nil {
		return "", err
	}
	return envelope.SignerPublicKey, nil
}
