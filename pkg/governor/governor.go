// Package governor implements the Resource Governor of spec.md
// §4.11: it enforces the module's five resource quotas and hands back
// a tagged QuotaExceeded outcome when admission would exceed one,
// rather than silently degrading.
package governor

import (
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrQuotaExceeded is returned by every Admit/Reserve call that would
// exceed its configured limit. Callers MUST NOT retry without delay,
// per spec.md §4.11.
var ErrQuotaExceeded = errs.Class("quota exceeded")

// Limits configures the five quotas of spec.md §4.11, all defaulted
// if zero.
type Limits struct {
	StorageBytesMax        uint64
	TokenCacheEntriesMax    int
	InflightUploadsMax      int
	BroadcastRatePerMinMax  int
	PeerRecordsMax          int
}

// DefaultLimits matches the defaults spec.md §4.11 names.
var DefaultLimits = Limits{
	StorageBytesMax:       5 << 30,
	TokenCacheEntriesMax:   10000,
	InflightUploadsMax:     8,
	BroadcastRatePerMinMax: 30,
	PeerRecordsMax:         2048,
}

func (l Limits) withDefaults() Limits {
	if l.StorageBytesMax == 0 {
		l.StorageBytesMax = DefaultLimits.StorageBytesMax
	}
	if l.TokenCacheEntriesMax == 0 {
		l.TokenCacheEntriesMax = DefaultLimits.TokenCacheEntriesMax
	}
	if l.InflightUploadsMax == 0 {
		l.InflightUploadsMax = DefaultLimits.InflightUploadsMax
	}
	if l.BroadcastRatePerMinMax == 0 {
		l.BroadcastRatePerMinMax = DefaultLimits.BroadcastRatePerMinMax
	}
	if l.PeerRecordsMax == 0 {
		l.PeerRecordsMax = DefaultLimits.PeerRecordsMax
	}
	return l
}

// Governor is the single owner of the module's resource quotas; all
// admission decisions are serialised through it (spec.md §5 "Shared
// resources").
type Governor struct {
	log    *zap.Logger
	limits Limits

	mu               sync.Mutex
	storageBytesUsed uint64
	tokenCacheEntries int
	inflightUploads   int
	peerRecords       int

	broadcastLimiter *rate.Limiter
}

// New constructs a Governor with the given limits (zero fields use
// DefaultLimits).
func New(log *zap.Logger, limits Limits) *Governor {
	limits = limits.withDefaults()
	return &Governor{
		log:              log,
		limits:           limits,
		broadcastLimiter: rate.NewLimiter(rate.Limit(float64(limits.BroadcastRatePerMinMax)/60.0), limits.BroadcastRatePerMinMax),
	}
}

// ReserveStorage admits an additional delta bytes of storage use,
// or returns ErrQuotaExceeded if it would exceed StorageBytesMax.
func (g *Governor) ReserveStorage(delta uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.storageBytesUsed+delta > g.limits.StorageBytesMax {
		return ErrQuotaExceeded.New("storage: %d + %d exceeds max %d", g.storageBytesUsed, delta, g.limits.StorageBytesMax)
	}
	g.storageBytesUsed += delta
	return nil
}

// ReleaseStorage gives back delta bytes previously reserved, e.g. on
// blob deletion.
func (g *Governor) ReleaseStorage(delta uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if delta > g.storageBytesUsed {
		g.storageBytesUsed = 0
		return
	}
	g.storageBytesUsed -= delta
}

// AdmitTokenCacheEntry reserves one slot in the token replay cache.
func (g *Governor) AdmitTokenCacheEntry() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tokenCacheEntries >= g.limits.TokenCacheEntriesMax {
		return ErrQuotaExceeded.New("token cache entries at max %d", g.limits.TokenCacheEntriesMax)
	}
	g.tokenCacheEntries++
	return nil
}

// ReleaseTokenCacheEntry gives back one slot, e.g. on LRU eviction.
func (g *Governor) ReleaseTokenCacheEntry() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tokenCacheEntries > 0 {
		g.tokenCacheEntries--
	}
}

// AdmitInflightUpload reserves one inflight-upload slot for the
// Replication Engine.
func (g *Governor) AdmitInflightUpload() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflightUploads >= g.limits.InflightUploadsMax {
		return ErrQuotaExceeded.New("inflight uploads at max %d", g.limits.InflightUploadsMax)
	}
	g.inflightUploads++
	return nil
}

// ReleaseInflightUpload releases a previously admitted upload slot.
func (g *Governor) ReleaseInflightUpload() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflightUploads > 0 {
		g.inflightUploads--
	}
}

// AllowBroadcast reports whether a new broadcast is admitted under
// the per-minute rate quota, consuming a token if so.
func (g *Governor) AllowBroadcast() error {
	if !g.broadcastLimiter.Allow() {
		return ErrQuotaExceeded.New("broadcast rate at max %d/min", g.limits.BroadcastRatePerMinMax)
	}
	return nil
}

// AdmitPeerRecord reserves a slot in the peer table, or returns
// ErrQuotaExceeded once PeerRecordsMax is reached. The governor does
// not evict anything; pkg/core's peer table drops the new peer.
func (g *Governor) AdmitPeerRecord() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.peerRecords >= g.limits.PeerRecordsMax {
		return ErrQuotaExceeded.New("peer records at max %d", g.limits.PeerRecordsMax)
	}
	g.peerRecords++
	return nil
}

// ReleasePeerRecord gives back one peer-table slot, e.g. on eviction.
func (g *Governor) ReleasePeerRecord() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.peerRecords > 0 {
		g.peerRecords--
	}
}

// Counters is an observability snapshot of current quota usage,
// per spec.md §4.11 "exposes counters for observability".
type Counters struct {
	StorageBytesUsed  uint64
	TokenCacheEntries int
	InflightUploads   int
	PeerRecords       int
}

// Snapshot returns the current counters.
func (g *Governor) Snapshot() Counters {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Counters{
		StorageBytesUsed:  g.storageBytesUsed,
		TokenCacheEntries: g.tokenCacheEntries,
		InflightUploads:   g.inflightUploads,
		PeerRecords:       g.peerRecords,
	}
}
