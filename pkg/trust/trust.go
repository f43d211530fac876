// Package trust implements the Trust Store of spec.md §4.4: a local,
// durable record of key observations, the receipts and endorsements
// that feed a deterministic reputation score, and the revocation set
// the Verifier consults on every request.
package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"github.com/zeebo/errs"

	"github.com/dreadstar/meshcore/private/kvstore"
)

// Error is the class of all trust store errors.
var Error = errs.Class("trust")

// ErrStoreCorrupt is returned when a persisted record's checksum does
// not match its contents; per spec.md §4.4 the component must refuse
// to start rather than trust a partially-written record.
var ErrStoreCorrupt = errs.Class("store corrupt")

// ReceiptsSummary is the running tally of a key's interaction history.
type ReceiptsSummary struct {
	SuccessCount uint64 `json:"successCount"`
	FailureCount uint64 `json:"failureCount"`
	BytesServed  uint64 `json:"bytesServed"`
}

// Endorsement is a signed attestation that FromPubKey vouches for
// ToPubKey (spec.md §3 "Endorsement").
type Endorsement struct {
	FromPubKey      string    `json:"fromPubKey"`
	ToPubKey        string    `json:"toPubKey"`
	SignerPublicKey string    `json:"signerPublicKey"`
	Signature       string    `json:"signature"`
	IssuedAt        time.Time `json:"issuedAt"`
}

// Receipt is a signed attestation of a completed (or failed)
// interaction (spec.md §3 "Receipt Entry").
type Receipt struct {
	UploaderPubKey  string    `json:"uploaderPubKey"`
	BlobID          string    `json:"blobId"`
	Action          string    `json:"action"`
	PeerPubKey      string    `json:"peerPubKey,omitempty"`
	BytesServed     uint64    `json:"bytesServed,omitempty"`
	Success         bool      `json:"success"`
	Timestamp       time.Time `json:"timestamp"`
	SignerPublicKey string    `json:"signerPublicKey"`
	Signature       string    `json:"signature"`
}

// Observation is a Key Observation: everything the Trust Store knows
// about one public key (spec.md §3).
type Observation struct {
	PubKey          string          `json:"pubKey"`
	FirstSeen       time.Time       `json:"firstSeen"`
	Endorsements    []Endorsement   `json:"endorsements"`
	ReceiptsSummary ReceiptsSummary `json:"receiptsSummary"`
	Revoked         bool            `json:"revoked"`
	RevokedAt       time.Time       `json:"revokedAt,omitempty"`
}

// Weights are the α/β/γ coefficients of the trustScore formula in
// spec.md §4.4. They must sum to 1 for the clipped [0,1] range to mean
// what it says; DefaultWeights satisfies that.
type Weights struct {
	SuccessRate float64
	BytesServed float64
	Endorsement float64
}

// DefaultWeights matches the emphasis spec.md §4.4 implies by listing
// successRate first: interaction outcomes dominate, endorsements are
// the smallest signal since they are third-party claims, not directly
// observed behavior.
var DefaultWeights = Weights{SuccessRate: 0.5, BytesServed: 0.3, Endorsement: 0.2}

// DefaultEndorsementDepthLimit is the default traversal depth for
// TrustScore's endorsement count, per spec.md §4.4.
const DefaultEndorsementDepthLimit = 3

// bytesServedNormalizer sets the scale at which bytesServedLog
// saturates toward 1; chosen as 1GiB so a node serving on the order of
// a gigabyte reaches near-maximal credit without ever reaching exactly
// 1 (log curve), leaving room to always reward more.
const bytesServedNormalizer = 1 << 30

// Store is the durable Trust Store. All writes serialize through a
// single mutex (spec.md §4.4 "single writer discipline"); readers take
// a read lock and see a consistent snapshot.
type Store struct {
	log *zap.Logger
	kv  kvstore.Store

	mu sync.RWMutex
	// endorsementsByFrom indexes endorsements for depth-limited graph
	// traversal without a full store scan on every trustScore call.
	endorsementsByFrom map[string][]Endorsement
}

// NewStore opens a Trust Store backed by kv. It replays the store to
// build the in-memory endorsement index; a corrupt persisted record
// aborts with ErrStoreCorrupt, per spec.md §4.4.
func NewStore(ctx context.Context, log *zap.Logger, kv kvstore.Store) (*Store, error) {
	s := &Store{
		log:                log,
		kv:                 kv,
		endorsementsByFrom: make(map[string][]Endorsement),
	}

	err := kv.Range(ctx, func(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
		obs, err := decodeObservation(value)
		if err != nil {
			return err
		}
		s.indexEndorsements(obs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) indexEndorsements(obs Observation) {
	for _, e := range obs.Endorsements {
		s.endorsementsByFrom[e.FromPubKey] = append(s.endorsementsByFrom[e.FromPubKey], e)
	}
}

// Observe records pubKey on first sight with minimal reputation
// (TOFU). Calling Observe again for a known key is a no-op.
func (s *Store) Observe(ctx context.Context, pubKey string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.get(ctx, pubKey)
	if err == nil {
		return nil
	}
	if !kvstore.ErrKeyNotFound.Has(err) {
		return err
	}

	obs := Observation{PubKey: pubKey, FirstSeen: now}
	return s.put(ctx, obs)
}

// RecordReceipt folds receipt into the subject's receipts summary.
// The caller is expected to have already verified receipt's signature
// via the Verifier; RecordReceipt only checks the shape it needs.
func (s *Store) RecordReceipt(ctx context.Context, receipt Receipt) error {
	if receipt.PeerPubKey == "" {
		return Error.New("receipt missing peerPubKey")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obs, err := s.get(ctx, receipt.PeerPubKey)
	if kvstore.ErrKeyNotFound.Has(err) {
		obs = Observation{PubKey: receipt.PeerPubKey, FirstSeen: receipt.Timestamp}
	} else if err != nil {
		return err
	}

	if receipt.Success {
		obs.ReceiptsSummary.SuccessCount++
	} else {
		obs.ReceiptsSummary.FailureCount++
	}
	obs.ReceiptsSummary.BytesServed += receipt.BytesServed

	return s.put(ctx, obs)
}

// AddEndorsement stores a signed A→B attestation. Depth-limited
// traversal happens at query time (TrustScore), not here.
func (s *Store) AddEndorsement(ctx context.Context, e Endorsement) error {
	if e.FromPubKey == "" || e.ToPubKey == "" {
		return Error.New("endorsement missing fromPubKey or toPubKey")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obs, err := s.get(ctx, e.ToPubKey)
	if kvstore.ErrKeyNotFound.Has(err) {
		obs = Observation{PubKey: e.ToPubKey, FirstSeen: e.IssuedAt}
	} else if err != nil {
		return err
	}

	obs.Endorsements = append(obs.Endorsements, e)
	if err := s.put(ctx, obs); err != nil {
		return err
	}
	s.endorsementsByFrom[e.FromPubKey] = append(s.endorsementsByFrom[e.FromPubKey], e)
	return nil
}

// Revoke marks pubKey revoked as of at. Once set, IsRevoked is true
// forever for this key; there is no un-revoke operation.
func (s *Store) Revoke(ctx context.Context, pubKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obs, err := s.get(ctx, pubKey)
	if kvstore.ErrKeyNotFound.Has(err) {
		obs = Observation{PubKey: pubKey, FirstSeen: at}
	} else if err != nil {
		return err
	}

	obs.Revoked = true
	obs.RevokedAt = at
	return s.put(ctx, obs)
}

// IsRevoked reports whether pubKey is in the revocation set. An
// unknown key is not revoked.
func (s *Store) IsRevoked(ctx context.Context, pubKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obs, err := s.get(ctx, pubKey)
	if kvstore.ErrKeyNotFound.Has(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return obs.Revoked, nil
}

// Get returns the stored Observation for pubKey, or
// kvstore.ErrKeyNotFound if it has never been observed.
func (s *Store) Get(ctx context.Context, pubKey string) (Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, pubKey)
}

// TrustScore computes the pure function of spec.md §4.4:
//
//	score = α·successRate + β·bytesServedLog + γ·endorsementWeight
//
// clipped to [0,1]. depthLimit bounds how many hops of the
// endorsement graph (rooted at pubKey) are allowed to contribute.
func (s *Store) TrustScore(ctx context.Context, pubKey string, depthLimit int, weights Weights) (float64, error) {
	obs, err := s.Get(ctx, pubKey)
	if kvstore.ErrKeyNotFound.Has(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	endorsementCount := s.countEndorsementsWithinDepth(pubKey, depthLimit, make(map[string]bool))
	s.mu.RUnlock()

	return computeTrustScore(obs, endorsementCount, weights), nil
}

// countEndorsementsWithinDepth walks the endorsement graph backward
// from pubKey (who endorses pubKey, and who endorses them, ...) up to
// depthLimit hops, per spec.md §4.4's endorsement depth limit.
func (s *Store) countEndorsementsWithinDepth(pubKey string, depthLimit int, visited map[string]bool) int {
	if depthLimit <= 0 || visited[pubKey] {
		return 0
	}
	visited[pubKey] = true

	count := 0
	for endorser := range s.endorsementsByFrom {
		for _, e := range s.endorsementsByFrom[endorser] {
			if e.ToPubKey != pubKey {
				continue
			}
			count++
			count += s.countEndorsementsWithinDepth(e.FromPubKey, depthLimit-1, visited)
		}
	}
	return count
}

// computeTrustScore is the pure, deterministic formula itself, split
// out from TrustScore so it can be unit tested without a Store.
func computeTrustScore(obs Observation, endorsementCount int, weights Weights) float64 {
	total := obs.ReceiptsSummary.SuccessCount + obs.ReceiptsSummary.FailureCount
	var successRate float64
	if total > 0 {
		successRate = float64(obs.ReceiptsSummary.SuccessCount) / float64(total)
	}

	bytesServedLog := math.Log1p(float64(obs.ReceiptsSummary.BytesServed)) / math.Log1p(float64(bytesServedNormalizer))
	if bytesServedLog > 1 {
		bytesServedLog = 1
	}

	// endorsementWeight saturates at 5 endorsements within the depth
	// limit; beyond that, more endorsements add no signal. A repeated
	// endorsement from the same endorser is counted again.
	endorsementWeight := float64(endorsementCount) / 5
	if endorsementWeight > 1 {
		endorsementWeight = 1
	}

	score := weights.SuccessRate*successRate + weights.BytesServed*bytesServedLog + weights.Endorsement*endorsementWeight
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (s *Store) get(ctx context.Context, pubKey string) (Observation, error) {
	value, err := s.kv.Get(ctx, kvstore.Key(pubKey))
	if err != nil {
		return Observation{}, err
	}
	return decodeObservation(value)
}

func (s *Store) put(ctx context.Context, obs Observation) error {
	value, err := encodeObservation(obs)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, kvstore.Key(obs.PubKey), value)
}

// envelope wraps a persisted Observation with a checksum over its
// exact encoded bytes, so NewStore can detect a corrupted record on
// replay instead of silently trusting a partial write.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	Checksum string          `json:"checksum"`
}

func encodeObservation(obs Observation) (kvstore.Value, error) {
	data, err := json.Marshal(obs)
	if err != nil {
		return nil, Error.New("encoding observation: %v", err)
	}
	sum := sha256.Sum256(data)
	env := envelope{Data: data, Checksum: hex.EncodeToString(sum[:])}
	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, Error.New("encoding envelope: %v", err)
	}
	return kvstore.Value(encoded), nil
}

func decodeObservation(value kvstore.Value) (Observation, error) {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Observation{}, ErrStoreCorrupt.New("corrupt record: %v", err)
	}
	sum := sha256.Sum256(env.Data)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return Observation{}, ErrStoreCorrupt.New("checksum mismatch: record is corrupt")
	}
	var obs Observation
	if err := json.Unmarshal(env.Data, &obs); err != nil {
		return Observation{}, ErrStoreCorrupt.New("corrupt record payload: %v", err)
	}
	return obs, nil
}
