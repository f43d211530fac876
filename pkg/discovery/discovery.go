// Package discovery implements the Discovery Protocol of spec.md
// §4.8: broadcast ServiceQuery/FileQuery with deduplication and
// hop-limited propagation, unicast ServiceOffer/FileOffer replies, and
// a bounded response collection window for the originator.
package discovery

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dreadstar/meshcore/pkg/meshnet"
	"github.com/dreadstar/meshcore/pkg/wire"
)

// Error is this package's error class.
var Error = errs.Class("discovery")

// Default tunables, per spec.md §4.8.
const (
	DefaultQueryIDCacheSize  = 1024
	DefaultRateLimitPerMin   = 10
	DefaultResponseWindow    = 5 * time.Second
	DefaultBroadcastTTLHops  = 4
)

// Broadcaster is the minimal Transport Adapter surface Discovery
// needs (spec.md §4.12): async best-effort broadcast and unicast.
type Broadcaster interface {
	Broadcast(ctx context.Context, envelope wire.Envelope, ttlHops int) error
	Unicast(ctx context.Context, peer meshnet.NodeID, envelope wire.Envelope) error
}

// Verifier authenticates a query's originator without requiring high
// trust, per spec.md §4.8 "do NOT require high trust".
type Verifier interface {
	VerifySignatureOnly(envelope wire.Envelope) (originatorPubKey string, err error)
}

// Engine runs the Discovery Protocol: deduplicated, rate-limited,
// hop-bounded query forwarding plus response collection windows.
type Engine struct {
	log         *zap.Logger
	broadcaster Broadcaster
	verifier    Verifier

	seenQueryIDs *lru.Cache[string, struct{}]

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	pendingMu sync.Mutex
	pending   map[string]*collector
}

type collector struct {
	mu        sync.Mutex
	services  []wire.ServiceOffer
	files     []wire.FileOffer
	done      chan struct{}
	closeOnce sync.Once
}

// New constructs a discovery Engine with the default 1024-entry
// queryId dedup cache.
func New(log *zap.Logger, broadcaster Broadcaster, verifier Verifier) (*Engine, error) {
	cache, err := lru.New[string, struct{}](DefaultQueryIDCacheSize)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Engine{
		log:          log,
		broadcaster:  broadcaster,
		verifier:     verifier,
		seenQueryIDs: cache,
		limiters:     make(map[string]*rate.Limiter),
		pending:      make(map[string]*collector),
	}, nil
}

// limiterFor returns (creating if necessary) the per-originator token
// bucket, default 10 queries/minute, per spec.md §4.8 "Rate limit".
func (e *Engine) limiterFor(originatorPubKey string) *rate.Limiter {
	e.limitersMu.Lock()
	defer e.limitersMu.Unlock()
	l, ok := e.limiters[originatorPubKey]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(DefaultRateLimitPerMin)/60.0), DefaultRateLimitPerMin)
		e.limiters[originatorPubKey] = l
	}
	return l
}

// HandleIncoming processes a query or offer envelope received from
// the transport. Queries are deduplicated by queryId, rate-limited
// per originator, signature-checked, and — if ttlHops remains —
// forwarded with ttlHops decremented. Offers are routed to the
// matching in-flight collector, if any.
func (e *Engine) HandleIncoming(ctx context.Context, envelope wire.Envelope) error {
	switch envelope.Type {
	case wire.TypeServiceQuery, wire.TypeFileQuery:
		return e.handleQuery(ctx, envelope)
	case wire.TypeServiceOffer:
		e.handleServiceOffer(envelope)
		return nil
	case wire.TypeFileOffer:
		e.handleFileOffer(envelope)
		return nil
	default:
		return Error.New("discovery: unexpected envelope type %q", envelope.Type)
	}
}

func (e *Engine) handleQuery(ctx context.Context, envelope wire.Envelope) error {
	queryID, _ := envelope.Payload["queryId"].(string)
	if queryID == "" {
		return Error.New("query envelope missing queryId")
	}

	if _, seen := e.seenQueryIDs.Get(queryID); seen {
		return nil
	}
	e.seenQueryIDs.Add(queryID, struct{}{})

	originatorPubKey, err := e.verifier.VerifySignatureOnly(envelope)
	if err != nil {
		e.log.Debug("dropping query with invalid signature", zap.Error(err))
		return nil
	}

	if !e.limiterFor(originatorPubKey).Allow() {
		e.log.Debug("dropping query over rate limit", zap.String("originator", originatorPubKey))
		return nil
	}

	ttlHops, _ := envelope.Payload["ttlHops"].(float64)
	remaining := int(ttlHops) - 1
	if remaining <= 0 {
		return nil
	}
	envelope.Payload["ttlHops"] = float64(remaining)

	return e.broadcaster.Broadcast(ctx, envelope, remaining)
}

func (e *Engine) handleServiceOffer(envelope wire.Envelope) {
	queryID, _ := envelope.Payload["queryId"].(string)
	e.pendingMu.Lock()
	c, ok := e.pending[queryID]
	e.pendingMu.Unlock()
	if !ok {
		return
	}

	var offer wire.ServiceOffer
	if err := decodePayload(envelope.Payload, &offer); err != nil {
		return
	}
	c.mu.Lock()
	c.services = append(c.services, offer)
	c.mu.Unlock()
}

func (e *Engine) handleFileOffer(envelope wire.Envelope) {
	queryID, _ := envelope.Payload["queryId"].(string)
	e.pendingMu.Lock()
	c, ok := e.pending[queryID]
	e.pendingMu.Unlock()
	if !ok {
		return
	}

	var offer wire.FileOffer
	if err := decodePayload(envelope.Payload, &offer); err != nil {
		return
	}
	c.mu.Lock()
	c.files = append(c.files, offer)
	c.mu.Unlock()
}

// QueryServices broadcasts a ServiceQuery and collects ServiceOffer
// responses for window (default DefaultResponseWindow), per spec.md
// §4.8's bounded response latency window.
func (e *Engine) QueryServices(ctx context.Context, envelope wire.Envelope, queryID string, window time.Duration) ([]wire.ServiceOffer, error) {
	if window <= 0 {
		window = DefaultResponseWindow
	}
	c := e.registerCollector(queryID)
	defer e.unregisterCollector(queryID)

	if err := e.broadcaster.Broadcast(ctx, envelope, DefaultBroadcastTTLHops); err != nil {
		return nil, Error.Wrap(err)
	}

	select {
	case <-time.After(window):
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.ServiceOffer(nil), c.services...), nil
}

// QueryFiles broadcasts a FileQuery and collects FileOffer responses
// for window.
func (e *Engine) QueryFiles(ctx context.Context, envelope wire.Envelope, queryID string, window time.Duration) ([]wire.FileOffer, error) {
	if window <= 0 {
		window = DefaultResponseWindow
	}
	c := e.registerCollector(queryID)
	defer e.unregisterCollector(queryID)

	if err := e.broadcaster.Broadcast(ctx, envelope, DefaultBroadcastTTLHops); err != nil {
		return nil, Error.Wrap(err)
	}

	select {
	case <-time.After(window):
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.FileOffer(nil), c.files...), nil
}

func (e *Engine) registerCollector(queryID string) *collector {
	c := &collector{done: make(chan struct{})}
	e.pendingMu.Lock()
	e.pending[queryID] = c
	e.pendingMu.Unlock()
	return c
}

func (e *Engine) unregisterCollector(queryID string) {
	e.pendingMu.Lock()
	delete(e.pending, queryID)
	e.pendingMu.Unlock()
}

func decodePayload(payload map[string]interface{}, out interface{}) error {
	// Payload already decoded to a generic JSON tree by the
	// transport; re-encoding then decoding into the concrete struct
	// reuses the standard library's own json tag matching without a
	// bespoke map-to-struct walker.
	return mapToStruct(payload, out)
}
