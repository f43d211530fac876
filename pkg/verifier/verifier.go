// Package verifier implements the Verifier of spec.md §4.5: the
// normative ten-step algorithm that checks a signed token's signature,
// delegation chain, expiry, replay status, scope, and trust before
// any other component acts on it.
package verifier

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dreadstar/meshcore/pkg/bloomfilter"
	"github.com/dreadstar/meshcore/pkg/pkcrypto"
	"github.com/dreadstar/meshcore/pkg/token"
	"github.com/dreadstar/meshcore/pkg/trust"
)

// FailureReason is the verification failure taxonomy of spec.md §4.5.
type FailureReason string

const (
	FailureMissingFields         FailureReason = "missing_fields"
	FailureSignatureInvalid      FailureReason = "signature_invalid"
	FailureExpired               FailureReason = "expired"
	FailureReplay                FailureReason = "replay"
	FailureScopeMismatch          FailureReason = "scope_mismatch"
	FailureRevoked                FailureReason = "revoked"
	FailureTrustTooLow            FailureReason = "trust_too_low"
	FailureDelegationChainBroken FailureReason = "delegation_chain_broken"
)

// VerificationError reports why a token failed to verify.
type VerificationError struct {
	Reason  FailureReason
	Message string
}

func (e *VerificationError) Error() string {
	return string(e.Reason) + ": " + e.Message
}

func fail(reason FailureReason, format string, args ...interface{}) error {
	return &VerificationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// VerificationResult is the successful outcome of Verify.
type VerificationResult struct {
	SubjectKey string
	Scope      token.Scope
}

// DefaultClockSkew is the ±tolerance applied to expiry/issued-at
// checks, per spec.md §4.5.
const DefaultClockSkew = 60 * time.Second

// MaxDelegationDepth caps the number of links in an embedded
// delegation chain, per spec.md §4.5 "total chain depth capped at 4".
const MaxDelegationDepth = 4

// Challenge is a previously-issued challenge nonce that a critical
// operation's token must cover with its signature (spec.md §4.5 step
// 9). The verifier does not generate challenges itself; the caller
// (e.g. pkg/dispatch) owns challenge issuance and passes the expected
// nonce back in for the matching response.
type Challenge struct {
	Nonce string
}

// CacheAdmitter gates new replay-cache entries against an external
// resource quota (spec.md §4.11's token-cache-entries limit).
// ReleaseTokenCacheEntry is called back as entries age out of the LRU,
// so admitted and released calls stay balanced regardless of eviction
// order.
type CacheAdmitter interface {
	AdmitTokenCacheEntry() error
	ReleaseTokenCacheEntry()
}

// Verifier is the stateful half of verification: the replay cache and
// the Trust Store handle it consults. It is safe for concurrent use.
type Verifier struct {
	log   *zap.Logger
	trust *trust.Store

	clockSkew          time.Duration
	maxDelegationDepth int
	trustThreshold     map[token.ScopeKind]float64
	admitter           CacheAdmitter

	mu           sync.Mutex
	replayBloom  *bloomfilter.Filter
	replayExact  *lru.Cache[string, time.Time]
}

// Option configures a Verifier at construction time.
type Option func(*Verifier)

// WithClockSkew overrides DefaultClockSkew.
func WithClockSkew(d time.Duration) Option {
	return func(v *Verifier) { v.clockSkew = d }
}

// WithTrustThreshold sets the minimum trustScore required of a
// token's signer for operations of the given scope kind. Scope kinds
// with no configured threshold are not trust-gated.
func WithTrustThreshold(kind token.ScopeKind, threshold float64) Option {
	return func(v *Verifier) { v.trustThreshold[kind] = threshold }
}

// WithCacheAdmitter wires an external quota gate (e.g.
// pkg/governor.Governor) into the replay cache's insert/evict path,
// per spec.md §4.11.
func WithCacheAdmitter(a CacheAdmitter) Option {
	return func(v *Verifier) { v.admitter = a }
}

// New constructs a Verifier. replayCacheSize bounds both the bloom
// filter's expected element count and the exact LRU set's capacity;
// it should be sized to comfortably exceed the number of distinct
// tokenIds expected within one max-TTL window (spec.md §4.5 step 7).
func New(log *zap.Logger, trustStore *trust.Store, replayCacheSize int, opts ...Option) (*Verifier, error) {
	v := &Verifier{
		log:                log,
		trust:              trustStore,
		clockSkew:          DefaultClockSkew,
		maxDelegationDepth: MaxDelegationDepth,
		trustThreshold:     make(map[token.ScopeKind]float64),
		replayBloom:        bloomfilter.NewFilter(replayCacheSize, 0.01),
	}
	for _, opt := range opts {
		opt(v)
	}

	exact, err := lru.NewWithEvict[string, time.Time](replayCacheSize, func(_ string, _ time.Time) {
		if v.admitter != nil {
			v.admitter.ReleaseTokenCacheEntry()
		}
	})
	if err != nil {
		return nil, err
	}
	v.replayExact = exact
	return v, nil
}

// Verify runs the ten-step algorithm of spec.md §4.5 against tok,
// optionally accompanied by an embedded delegation chain (root first,
// leaf last) when tok's signer is not tok's subject. requiredScope is
// the operation the caller is about to allow; challenge is non-nil
// only for operations spec.md §4.5 step 9 calls "critical".
func (v *Verifier) Verify(ctx context.Context, tok *token.Token, delegationChain []*token.Token, requiredScope token.ScopeKind, now time.Time, challenge *Challenge) (*VerificationResult, error) {
	// Steps 1-3: parse + strip + canonicalize are folded into
	// token.Token.CanonicalBytes, which already excludes signature and
	// signerPublicKey from the signed representation.
	if tok == nil {
		return nil, fail(FailureMissingFields, "token is nil")
	}
	if tok.SignerPublicKey == "" || tok.Signature == "" {
		return nil, fail(FailureMissingFields, "missing signerPublicKey or signature")
	}

	canonical, err := tok.CanonicalBytes()
	if err != nil {
		return nil, fail(FailureMissingFields, "canonicalization failed: %v", err)
	}

	// Step 4: decode signerPublicKey, verify signature.
	if err := v.verifySignature(tok.SignerPublicKey, canonical, tok.Signature); err != nil {
		return nil, err
	}

	// Step 5: signer-equals-subject, or a verified delegation chain.
	if tok.SignerPublicKey != tok.SubjectPublicKey && tok.SubjectPublicKey != token.SubjectAny {
		if err := v.verifyDelegationChain(ctx, tok, delegationChain, now); err != nil {
			return nil, err
		}
	} else if tok.SubjectPublicKey != token.SubjectAny {
		v.observeTOFU(ctx, tok.SignerPublicKey, now)
	}

	// Step 6: expiry vs clock skew.
	if err := v.checkExpiry(tok, now); err != nil {
		return nil, err
	}

	// Step 7: replay cache.
	if err := v.checkReplay(tok, now); err != nil {
		return nil, err
	}

	// Step 8: scope match.
	if tok.Scope.Kind != requiredScope {
		return nil, fail(FailureScopeMismatch, "token scope %q does not match required scope %q", tok.Scope.Kind, requiredScope)
	}

	// Step 9: challenge-response for critical operations.
	if challenge != nil && tok.Nonce != challenge.Nonce {
		return nil, fail(FailureScopeMismatch, "token nonce does not cover the issued challenge")
	}

	// Step 10: revocation and trust threshold.
	revoked, err := v.trust.IsRevoked(ctx, tok.SignerPublicKey)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, fail(FailureRevoked, "signer key is revoked")
	}

	if threshold, ok := v.trustThreshold[requiredScope]; ok {
		score, err := v.trust.TrustScore(ctx, tok.SignerPublicKey, trust.DefaultEndorsementDepthLimit, trust.DefaultWeights)
		if err != nil {
			return nil, err
		}
		if score < threshold {
			return nil, fail(FailureTrustTooLow, "trust score %f below threshold %f for scope %q", score, threshold, requiredScope)
		}
	}

	return &VerificationResult{SubjectKey: tok.SubjectPublicKey, Scope: tok.Scope}, nil
}

func (v *Verifier) verifySignature(encodedPub string, canonical []byte, encodedSig string) error {
	pub, err := pkcrypto.DecodePublicKey(encodedPub)
	if err != nil {
		return fail(FailureSignatureInvalid, "malformed signerPublicKey: %v", err)
	}
	sig, err := base64.StdEncoding.DecodeString(encodedSig)
	if err != nil {
		return fail(FailureSignatureInvalid, "malformed signature encoding: %v", err)
	}
	if err := pkcrypto.Verify(pub, canonical, sig); err != nil {
		return fail(FailureSignatureInvalid, "%v", err)
	}
	return nil
}

// verifyDelegationChain validates an embedded chain root-first,
// leaf-last: chain[0].IssuerPublicKey must be the asserted subject,
// each link's issuer must equal the previous link's subject, the
// final link's subject must be the actual signer, and the chain must
// not exceed MaxDelegationDepth links (spec.md §4.5 edge case).
func (v *Verifier) verifyDelegationChain(ctx context.Context, tok *token.Token, chain []*token.Token, now time.Time) error {
	if len(chain) == 0 {
		return fail(FailureDelegationChainBroken, "signer differs from subject with no delegation chain")
	}
	if len(chain) > v.maxDelegationDepth {
		return fail(FailureDelegationChainBroken, "delegation chain depth %d exceeds max %d", len(chain), v.maxDelegationDepth)
	}

	if chain[0].IssuerPublicKey != tok.SubjectPublicKey {
		return fail(FailureDelegationChainBroken, "delegation chain does not originate at token subject")
	}

	expectIssuer := tok.SubjectPublicKey
	for i, link := range chain {
		if !link.IsDelegation() {
			return fail(FailureDelegationChainBroken, "chain link %d is not a delegation token", i)
		}
		if link.IssuerPublicKey != expectIssuer {
			return fail(FailureDelegationChainBroken, "chain link %d issuer does not match prior link's subject", i)
		}
		canonical, err := link.CanonicalBytes()
		if err != nil {
			return fail(FailureDelegationChainBroken, "chain link %d canonicalization failed: %v", i, err)
		}
		if err := v.verifySignature(link.SignerPublicKey, canonical, link.Signature); err != nil {
			return fail(FailureDelegationChainBroken, "chain link %d signature invalid", i)
		}
		if err := v.checkExpiry(link, now); err != nil {
			return fail(FailureDelegationChainBroken, "chain link %d expired", i)
		}
		expectIssuer = link.SubjectPublicKey
	}

	if expectIssuer != tok.SignerPublicKey {
		return fail(FailureDelegationChainBroken, "delegation chain does not terminate at the actual signer")
	}

	// The chain terminates in the original long-term key; TOFU-record
	// it if the Trust Store has never seen it (spec.md §4.5 step 5).
	v.observeTOFU(ctx, tok.SubjectPublicKey, now)
	return nil
}

func (v *Verifier) observeTOFU(ctx context.Context, pubKey string, now time.Time) {
	if err := v.trust.Observe(ctx, pubKey, now); err != nil {
		v.log.Warn("TOFU observation failed", zap.String("pubKey", pubKey), zap.Error(err))
	}
}

// checkExpiry applies spec.md §4.5 step 6 / edge case: tokens issued
// at most clockSkew in the future are accepted; further in the future
// is rejected as Expired, same as an already-expired token.
func (v *Verifier) checkExpiry(tok *token.Token, now time.Time) error {
	if tok.IssuedAt.After(now.Add(v.clockSkew)) {
		return fail(FailureExpired, "token issued too far in the future")
	}
	if tok.ExpiresAt.Before(now.Add(-v.clockSkew)) {
		return fail(FailureExpired, "token expired")
	}
	return nil
}

// checkReplay implements spec.md §4.5 step 7: a bloom filter fast
// path ahead of an exact LRU set. The exact set is authoritative: a
// bloom hit with no exact-set entry is a false positive and is not
// treated as a replay. Entries age out of the exact set via its LRU
// capacity, which callers should size to outlive one max-TTL window
// (see New); once a token's own expiry has passed, a stale eviction no
// longer matters since Verify already rejects it on step 6.
func (v *Verifier) checkReplay(tok *token.Token, now time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.replayBloom.Contains([]byte(tok.TokenID)) {
		if _, ok := v.replayExact.Get(tok.TokenID); ok {
			return fail(FailureReplay, "tokenId %s already seen", tok.TokenID)
		}
	}

	if _, alreadyCached := v.replayExact.Peek(tok.TokenID); !alreadyCached && v.admitter != nil {
		if err := v.admitter.AdmitTokenCacheEntry(); err != nil {
			return err
		}
	}

	v.replayBloom.Add([]byte(tok.TokenID))
	v.replayExact.Add(tok.TokenID, now)
	return nil
}
