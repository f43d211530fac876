// Package dispatch implements the selection policy of the
// Dispatch/Negotiation workflow of spec.md §4.9: fitness scoring,
// collecting Offers for a bounded window, choosing a winner by the
// default ordering, counting Assignment attempts, and the winner-side
// verify-then-execute step. Building, signing and sending
// TaskRequests and Assignments is done by the caller; this package
// records no Receipts.
package dispatch

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/dreadstar/meshcore/pkg/meshnet"
	"github.com/dreadstar/meshcore/pkg/token"
	"github.com/dreadstar/meshcore/pkg/verifier"
)

// Error is this package's error class.
var Error = errs.Class("dispatch")

// Default tunables, per spec.md §4.9.
const (
	DefaultTTLHops          = 4
	DefaultCollectWindow     = 3 * time.Second
	DefaultHighQualityThreshold = 0.85
	DefaultMaxReissues       = 2
)

// FitnessInputs are the raw, normalised-to-[0,1] signals spec.md §4.9
// combines into a fitness score.
type FitnessInputs struct {
	CPUAvail         float64
	MemAvail         float64
	BatteryHeadroom  float64
	BatteryBelowThreshold bool
	ThermalCritical  bool
}

// FitnessWeights are the composite weights spec.md §4.9 lists
// (illustrative, policy-tunable).
type FitnessWeights struct {
	CPU     float64
	Mem     float64
	Battery float64
	Hop     float64
	Trust   float64
}

// DefaultFitnessWeights matches spec.md §4.9's illustrative formula.
var DefaultFitnessWeights = FitnessWeights{CPU: 0.35, Mem: 0.25, Battery: 0.2, Hop: 0.1, Trust: 0.1}

// ComputeFitness implements spec.md §4.9's fitness formula:
//
//	f = cpuAvail*0.35 + memAvail*0.25 + batteryHeadroom*0.2 + (1/hop)*0.1 + trustScore*0.1
//
// Offers with battery below threshold or thermal state CRITICAL
// must refuse: ComputeFitness returns 0 for them regardless of the
// other inputs.
func ComputeFitness(in FitnessInputs, hopDistance int, trustScore float64, w FitnessWeights) float64 {
	if in.BatteryBelowThreshold || in.ThermalCritical {
		return 0
	}
	inverseHop := 1.0
	if hopDistance > 0 {
		inverseHop = 1.0 / float64(hopDistance)
	}
	return in.CPUAvail*w.CPU + in.MemAvail*w.Mem + in.BatteryHeadroom*w.Battery + inverseHop*w.Hop + trustScore*w.Trust
}

// ScoredOffer pairs an Offer with the ranking signals spec.md §4.9's
// selection ordering needs.
type ScoredOffer struct {
	OffererPubKey string
	NodeID        meshnet.NodeID
	FitnessScore  float64
	HopDistance   int
	TrustScore    float64
}

// SelectWinner implements spec.md §4.9 step 5's default ordering:
// highest fitnessScore, tiebreak lower hopDistance, tiebreak higher
// trustScore, final tiebreak lowest nodeId numerically. Returns false
// if offers is empty.
func SelectWinner(offers []ScoredOffer) (ScoredOffer, bool) {
	if len(offers) == 0 {
		return ScoredOffer{}, false
	}
	ranked := append([]ScoredOffer(nil), offers...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.FitnessScore != b.FitnessScore {
			return a.FitnessScore > b.FitnessScore
		}
		if a.HopDistance != b.HopDistance {
			return a.HopDistance < b.HopDistance
		}
		if a.TrustScore != b.TrustScore {
			return a.TrustScore > b.TrustScore
		}
		return nodeIDLess(a.NodeID, b.NodeID)
	})
	return ranked[0], true
}

func nodeIDLess(a, b meshnet.NodeID) bool {
	return new(big.Int).SetBytes(a[:]).Cmp(new(big.Int).SetBytes(b[:])) < 0
}

// Broadcaster is the minimal send surface Dispatch needs from the
// Transport Adapter (spec.md §4.12).
type Broadcaster interface {
	Broadcast(ctx context.Context, payload []byte) error
	Unicast(ctx context.Context, peer meshnet.NodeID, payload []byte) error
}

// Signer produces canonical-bytes signatures for tokens this node
// issues (tasks, assignments, receipts).
type Signer interface {
	Sign(canonical []byte) (signature string, signerPublicKey string, err error)
}

// Task describes one unit of work a requester wants executed.
type Task struct {
	TaskID          string
	ServiceID       string
	Inputs          []string
	RequiredScope   token.ScopeKind
	ExpiresAt       time.Time
}

// offerRecord is an internal bookkeeping entry for one collected
// Offer, including the pieces SelectWinner needs.
type offerRecord struct {
	scored ScoredOffer
}

// Session tracks one in-flight task's negotiation on the requester
// side: its collected offers, the selected winner and the number of
// Assignment attempts.
type Session struct {
	mu      sync.Mutex
	task    Task
	offers  []offerRecord
	winner  *ScoredOffer
	attempts int
}

// Coordinator drives the requester side of the workflow: collecting
// Offers for a bounded window, selecting a winner, and counting
// Assignment attempts. Broadcasting the TaskRequest and sending the
// Assignment are done by the caller.
type Coordinator struct {
	log         *zap.Logger
	broadcaster Broadcaster
	signer      Signer

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewCoordinator constructs a requester-side Coordinator.
func NewCoordinator(log *zap.Logger, broadcaster Broadcaster, signer Signer) *Coordinator {
	return &Coordinator{
		log:         log,
		broadcaster: broadcaster,
		signer:      signer,
		sessions:    make(map[string]*Session),
	}
}

// StartSession begins tracking a new task negotiation and returns a
// handle other calls key off of. Step 1-2 of spec.md §4.9 (building
// and broadcasting the signed TaskRequest) happen in the caller,
// which owns the concrete TaskRequest wire encoding.
func (c *Coordinator) StartSession(task Task) *Session {
	s := &Session{task: task}
	c.mu.Lock()
	c.sessions[task.TaskID] = s
	c.mu.Unlock()
	return s
}

// RecordOffer adds a verified, in-window Offer to the session. The
// caller is responsible for verifying the Offer's signature and
// delegation chain via pkg/verifier before calling this; Dispatch
// itself only implements selection policy.
func (c *Coordinator) RecordOffer(taskID string, offer ScoredOffer) {
	c.mu.Lock()
	s := c.sessions[taskID]
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.offers = append(s.offers, offerRecord{scored: offer})
	s.mu.Unlock()
}

// CollectionResult reports why offer collection for a session ended,
// per spec.md §4.9 step 4's two stop conditions.
type CollectionResult struct {
	Offers []ScoredOffer
	// HitHighQualityThreshold is true when collection stopped early
	// because N offers at or above the high-quality threshold arrived.
	HitHighQualityThreshold bool
}

// CollectOffers blocks until window elapses, ctx is done, or N
// offers scoring at or above threshold have arrived — whichever comes
// first, per spec.md §4.9 step 4.
func (c *Coordinator) CollectOffers(ctx context.Context, taskID string, window time.Duration, n int, threshold float64) CollectionResult {
	if window <= 0 {
		window = DefaultCollectWindow
	}
	if threshold <= 0 {
		threshold = DefaultHighQualityThreshold
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return CollectionResult{Offers: c.snapshotOffers(taskID)}
		case <-deadline.C:
			return CollectionResult{Offers: c.snapshotOffers(taskID)}
		case <-poll.C:
			offers := c.snapshotOffers(taskID)
			if n > 0 && countAtOrAbove(offers, threshold) >= n {
				return CollectionResult{Offers: offers, HitHighQualityThreshold: true}
			}
		}
	}
}

func countAtOrAbove(offers []ScoredOffer, threshold float64) int {
	n := 0
	for _, o := range offers {
		if o.FitnessScore >= threshold {
			n++
		}
	}
	return n
}

func (c *Coordinator) snapshotOffers(taskID string) []ScoredOffer {
	c.mu.Lock()
	s := c.sessions[taskID]
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScoredOffer, len(s.offers))
	for i, r := range s.offers {
		out[i] = r.scored
	}
	return out
}

// SelectAndRecordWinner applies spec.md §4.9 step 5's ordering to the
// session's collected offers and records the winner on the session.
func (c *Coordinator) SelectAndRecordWinner(taskID string) (ScoredOffer, bool) {
	c.mu.Lock()
	s := c.sessions[taskID]
	c.mu.Unlock()
	if s == nil {
		return ScoredOffer{}, false
	}

	winner, ok := SelectWinner(c.snapshotOffers(taskID))
	if !ok {
		return ScoredOffer{}, false
	}

	s.mu.Lock()
	s.winner = &winner
	s.mu.Unlock()
	return winner, true
}

// Attempts reports how many Assignment issuances this session has
// made so far (the initial issuance plus any reissues), used to
// enforce spec.md §4.9 step 9's bounded-retry limit.
func (c *Coordinator) Attempts(taskID string) int {
	c.mu.Lock()
	s := c.sessions[taskID]
	c.mu.Unlock()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// RecordAssignmentAttempt increments the session's attempt count and
// reports whether this attempt is within the limit: the initial
// issuance plus at most maxReissues reissues (default
// DefaultMaxReissues), per spec.md §4.9 step 9.
func (c *Coordinator) RecordAssignmentAttempt(taskID string, maxReissues int) (attemptNumber int, allowed bool) {
	if maxReissues <= 0 {
		maxReissues = DefaultMaxReissues
	}
	c.mu.Lock()
	s := c.sessions[taskID]
	c.mu.Unlock()
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts, s.attempts <= maxReissues+1
}

// EndSession releases a completed or abandoned session's bookkeeping.
func (c *Coordinator) EndSession(taskID string) {
	c.mu.Lock()
	delete(c.sessions, taskID)
	c.mu.Unlock()
}

// Executor is implemented by whatever runs a winning task: the
// external sandbox executor of spec.md §4.9 step 7.
type Executor interface {
	Execute(ctx context.Context, task Task, assignment *token.Token) (result []byte, err error)
}

// VerifyAndExecute implements the winner side of spec.md §4.9 steps
// 7-8: verify the Assignment (challenge nonce, subject-binding) via v,
// then run task through exec if verification succeeds.
func VerifyAndExecute(ctx context.Context, v *verifier.Verifier, assignment *token.Token, expectedNonce string, task Task, exec Executor) ([]byte, error) {
	result, err := v.Verify(ctx, assignment, nil, task.RequiredScope, time.Now(), &verifier.Challenge{Nonce: expectedNonce})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if result.SubjectKey == "" {
		return nil, Error.New("assignment missing subject binding")
	}
	return exec.Execute(ctx, task, assignment)
}
