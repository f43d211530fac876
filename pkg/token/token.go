// Package token implements the Token Model of spec.md §4.3: the
// schemas for Capability, Delegation, and Assignment tokens and the
// structural validators every one of them must pass before a
// signature is ever checked.
package token

import (
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/zeebo/errs"

	"github.com/dreadstar/meshcore/pkg/canon"
)

// ErrInvalidToken is returned when a structural rule from spec.md
// §4.3 is broken.
var ErrInvalidToken = errs.Class("invalid token")

// Kind distinguishes the three token shapes spec.md §3 describes;
// each carries its own default and maximum TTL.
type Kind string

const (
	KindCapability Kind = "capability"
	KindDelegation Kind = "delegation"
	KindAssignment Kind = "assignment"
)

// DefaultTTL returns the default max-TTL for kind, per spec.md §4.3.
func DefaultTTL(kind Kind) time.Duration {
	switch kind {
	case KindCapability:
		return 10 * time.Minute
	case KindDelegation:
		return time.Hour
	case KindAssignment:
		return 30 * time.Second
	default:
		return 0
	}
}

// ScopeKind enumerates the operations a Capability Token may grant.
type ScopeKind string

const (
	ScopeResourceOffer ScopeKind = "resource_offer"
	ScopeStorageWrite  ScopeKind = "storage_write"
	ScopeStorageRead   ScopeKind = "storage_read"
	ScopeComputeRun    ScopeKind = "compute_run"
	ScopeDelegate      ScopeKind = "delegate"
	ScopeEndorse       ScopeKind = "endorse"
)

func (k ScopeKind) valid() bool {
	switch k {
	case ScopeResourceOffer, ScopeStorageWrite, ScopeStorageRead, ScopeComputeRun, ScopeDelegate, ScopeEndorse:
		return true
	default:
		return false
	}
}

// Scope names the operation a token authorizes and any limits on it.
type Scope struct {
	Kind       ScopeKind              `json:"kind"`
	ResourceID string                 `json:"resourceId,omitempty"`
	MaxBytes   uint64                 `json:"maxBytes,omitempty"`
	Limits     map[string]interface{} `json:"limits,omitempty"`
}

// SubjectAny is the wildcard subject meaning "any holder may act".
const SubjectAny = "any"

// Token is the wire shape of a Capability/Delegation/Assignment token
// (spec.md §3). A Delegation Token is a Token whose Scope.Kind is
// ScopeDelegate and whose SubjectPublicKey is an ephemeral key; an
// Assignment token's Kind is KindAssignment.
type Token struct {
	TokenID          string                 `json:"tokenId"`
	IssuerPublicKey  string                 `json:"issuerPubKey"`
	SubjectPublicKey string                 `json:"subjectPubKey"`
	IssuedAt         time.Time              `json:"issuedAt"`
	ExpiresAt        time.Time              `json:"expiresAt"`
	Scope            Scope                  `json:"scope"`
	Nonce            string                 `json:"nonce"`
	SignerPublicKey  string                 `json:"signerPublicKey,omitempty"`
	Signature        string                 `json:"signature,omitempty"`
	extra            map[string]interface{} `json:"-"`
}

// New constructs a Token of kind with the kind's default TTL. Sign
// must be called by the caller (via pkg/pkcrypto over CanonicalBytes)
// before the token is usable.
func New(kind Kind, issuerPubKey, subjectPubKey string, scope Scope, nonce string, now time.Time) (*Token, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, ErrInvalidToken.Wrap(err)
	}
	t := &Token{
		TokenID:          id.String(),
		IssuerPublicKey:  issuerPubKey,
		SubjectPublicKey: subjectPubKey,
		IssuedAt:         now,
		ExpiresAt:        now.Add(DefaultTTL(kind)),
		Scope:            scope,
		Nonce:            nonce,
	}
	if err := t.Validate(kind, DefaultTTL(kind)); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the structural invariants of spec.md §4.3:
// expiresAt > issuedAt, the TTL window does not exceed maxTTL, the
// scope kind is one of the enumerated values, and tokenId is a
// well-formed UUIDv4. It does not check any signature.
func (t *Token) Validate(kind Kind, maxTTL time.Duration) error {
	if t.TokenID == "" {
		return ErrInvalidToken.New("missing tokenId")
	}
	parsed, err := uuid.FromString(t.TokenID)
	if err != nil {
		return ErrInvalidToken.New("tokenId is not a valid UUID: %v", err)
	}
	if parsed.Version() != uuid.V4 {
		return ErrInvalidToken.New("tokenId is not a UUIDv4")
	}

	if t.IssuerPublicKey == "" {
		return ErrInvalidToken.New("missing issuerPubKey")
	}
	if t.SubjectPublicKey == "" {
		return ErrInvalidToken.New("missing subjectPubKey")
	}

	if !t.ExpiresAt.After(t.IssuedAt) {
		return ErrInvalidToken.New("expiresAt must be after issuedAt")
	}
	if maxTTL > 0 && t.ExpiresAt.Sub(t.IssuedAt) > maxTTL {
		return ErrInvalidToken.New("ttl %s exceeds max ttl %s for kind %s", t.ExpiresAt.Sub(t.IssuedAt), maxTTL, kind)
	}

	if !t.Scope.Kind.valid() {
		return ErrInvalidToken.New("unrecognized scope kind %q", t.Scope.Kind)
	}

	if kind == KindDelegation && t.Scope.Kind != ScopeDelegate {
		return ErrInvalidToken.New("delegation token must have scope kind %q", ScopeDelegate)
	}

	return nil
}

// IsDelegation reports whether t is a Delegation Token: a capability
// token whose scope is "delegate" (spec.md §3).
func (t *Token) IsDelegation() bool {
	return t.Scope.Kind == ScopeDelegate
}

// CanonicalBytes returns the canonical serialization of t with
// signerPublicKey and signature stripped, exactly as spec.md §3's
// Capability Token entry requires: this is what gets signed and what
// the Verifier re-derives to check a signature.
func (t *Token) CanonicalBytes() ([]byte, error) {
	tree := map[string]interface{}{
		"tokenId":         t.TokenID,
		"issuerPubKey":    t.IssuerPublicKey,
		"subjectPubKey":   t.SubjectPublicKey,
		"issuedAt":        t.IssuedAt.UTC().Format(time.RFC3339Nano),
		"expiresAt":       t.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"nonce":           t.Nonce,
		"scope": map[string]interface{}{
			"kind":       string(t.Scope.Kind),
			"resourceId": t.Scope.ResourceID,
			"maxBytes":   t.Scope.MaxBytes,
			"limits":     scopeLimitsTree(t.Scope.Limits),
		},
	}
	return canon.Canonicalize(tree)
}

func scopeLimitsTree(limits map[string]interface{}) map[string]interface{} {
	if limits == nil {
		return map[string]interface{}{}
	}
	return limits
}
