// Package replication implements the Replication Engine of spec.md
// §4.7: it drives each blob toward its target replication factor k by
// selecting candidate peers, uploading to them with bounded
// concurrency and retry, and persisting progress through
// pkg/dropfolder so a restart resumes rather than re-copies.
package replication

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/dreadstar/meshcore/internal/sync2"
	"github.com/dreadstar/meshcore/pkg/dropfolder"
	"github.com/dreadstar/meshcore/pkg/meshnet"
	"github.com/dreadstar/meshcore/pkg/trust"
)

// Error is this package's error class.
var Error = errs.Class("replication")

// Reason tags why a job or per-peer attempt stopped, matching the
// failure modes named in spec.md §4.7.
type Reason string

const (
	ReasonNoEligiblePeers      Reason = "no_eligible_peers"
	ReasonUploadFailedTransient Reason = "upload_failed_transient"
	ReasonUploadFailedFatal     Reason = "upload_failed_fatal"
	ReasonQuotaExceeded         Reason = "quota_exceeded"
)

// Error types used to classify an Uploader's failure as transient
// (retryable) or fatal (not retryable), per spec.md §4.7's retry
// policy. A plain error from Uploader.Upload is treated as transient.
type FatalUploadError struct{ Err error }

func (e *FatalUploadError) Error() string { return e.Err.Error() }
func (e *FatalUploadError) Unwrap() error { return e.Err }

// QuotaExceededError signals the local Resource Governor refused to
// admit another inflight upload (spec.md §4.11).
type QuotaExceededError struct{ Err error }

func (e *QuotaExceededError) Error() string { return e.Err.Error() }
func (e *QuotaExceededError) Unwrap() error { return e.Err }

// Default tunables, per spec.md §4.7.
const (
	DefaultConcurrencyPerJob = 3
	DefaultMaxAttempts       = 4
	DefaultBackoffBase       = 2 * time.Second
	DefaultBackoffCap        = 5 * time.Minute
)

// Uploader is the transport-facing side of replication: it pushes a
// blob's bytes to a peer and checks whether a peer already holds a
// blob (the idempotence check of spec.md §4.7's "Idempotence"
// paragraph). pkg/transport supplies the concrete implementation; this
// package only depends on the interface so it stays transport-agnostic.
type Uploader interface {
	// HasBlob performs the remote inventory HEAD check.
	HasBlob(ctx context.Context, peer meshnet.NodeID, blobID string) (bool, error)
	// Upload pushes blobID's bytes to peer. A returned error not
	// wrapped in *FatalUploadError is treated as transient and
	// retried up to the configured attempt cap.
	Upload(ctx context.Context, peer meshnet.NodeID, blobID string) error
}

// PeerSource supplies the current candidate peer set a job may
// replicate to, typically pkg/discovery's known-peers view.
type PeerSource interface {
	Peers(ctx context.Context) ([]meshnet.PeerRecord, error)
}

// Options configures an Engine, all defaulted if zero.
type Options struct {
	ConcurrencyPerJob int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	// Weights scores candidates: trustScore*W0 + inverseHopDistance*W1
	// + freeSpaceHint*W2 + recentSuccessRate*W3, per spec.md §4.7's
	// composite ranking. Zero uses DefaultCandidateWeights.
	Weights CandidateWeights
}

// CandidateWeights are the four composite-score weights of spec.md
// §4.7, which names them in this order and totals 1.0.
type CandidateWeights struct {
	TrustScore        float64
	InverseHopDistance float64
	FreeSpaceHint      float64
	RecentSuccessRate  float64
}

// DefaultCandidateWeights matches spec.md §4.7's listed weights.
var DefaultCandidateWeights = CandidateWeights{
	TrustScore:         0.4,
	InverseHopDistance: 0.2,
	FreeSpaceHint:      0.2,
	RecentSuccessRate:  0.2,
}

func (o Options) withDefaults() Options {
	if o.ConcurrencyPerJob <= 0 {
		o.ConcurrencyPerJob = DefaultConcurrencyPerJob
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if (o.Weights == CandidateWeights{}) {
		o.Weights = DefaultCandidateWeights
	}
	return o
}

// Engine drives Replication Jobs toward their target replication
// factor. One Engine serves every job in a Drop Folder Store.
type Engine struct {
	log      *zap.Logger
	store    *dropfolder.Store
	trust    *trust.Store
	peers    PeerSource
	uploader Uploader
	opts     Options
}

// New constructs an Engine. store, trust, peers and uploader must be
// non-nil.
func New(log *zap.Logger, store *dropfolder.Store, trustStore *trust.Store, peers PeerSource, uploader Uploader, opts Options) *Engine {
	return &Engine{
		log:      log,
		store:    store,
		trust:    trustStore,
		peers:    peers,
		uploader: uploader,
		opts:     opts.withDefaults(),
	}
}

// candidate is a scored, filtered peer eligible for a given blob.
type candidate struct {
	peer            meshnet.PeerRecord
	score           float64
	recentSuccessRate float64
}

// rankCandidates filters out peers without the storage role and any
// peer already confirmed or in-flight for this job, scores the
// remainder, and returns them best-first. uploaderPubKey is not
// consulted, so the uploader itself is not excluded.
func (e *Engine) rankCandidates(ctx context.Context, job *dropfolder.ReplicationJob, uploaderPubKey string, peers []meshnet.PeerRecord, successRates map[string]float64) ([]candidate, error) {
	excluded := make(map[string]bool, len(job.Assignments))
	for _, a := range job.Assignments {
		if a.Status == dropfolder.AssignmentConfirmed || a.Status == dropfolder.AssignmentUploading {
			excluded[a.NodeID] = true
		}
	}

	candidates := make([]candidate, 0, len(peers))
	for _, p := range peers {
		id := p.NodeID.String()
		if excluded[id] {
			continue
		}
		if !p.HasRole(meshnet.RoleStorage) {
			continue
		}

		score, err := e.trust.TrustScore(ctx, id, trust.DefaultEndorsementDepthLimit, trust.DefaultWeights)
		if err != nil {
			return nil, Error.Wrap(err)
		}

		inverseHop := 0.0
		if p.HopDistance > 0 {
			inverseHop = 1.0 / float64(p.HopDistance)
		} else {
			inverseHop = 1.0
		}

		freeSpace := normalizeFreeSpace(p.FreeSpaceHint)
		successRate := successRates[id]

		w := e.opts.Weights
		composite := score*w.TrustScore + inverseHop*w.InverseHopDistance + freeSpace*w.FreeSpaceHint + successRate*w.RecentSuccessRate

		candidates = append(candidates, candidate{peer: p, score: composite, recentSuccessRate: successRate})
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	return candidates, nil
}

// normalizeFreeSpace maps a FreeSpaceHint in bytes onto [0,1] using a
// soft cap at 64GiB so a single huge-capacity peer doesn't dominate
// the composite score; spec.md §4.7 names "freeSpaceHint" as a factor
// without specifying a normalization, so this is a documented design
// choice.
func normalizeFreeSpace(bytesFree uint64) float64 {
	const cap64 = 64 << 30
	if bytesFree >= cap64 {
		return 1.0
	}
	return float64(bytesFree) / float64(cap64)
}

// Drive advances job toward its target replication factor: it ranks
// eligible candidates, fans out up to ConcurrencyPerJob uploads
// concurrently via internal/sync2.Limiter, retries each per-peer
// attempt with exponential backoff up to MaxAttempts, and persists
// each peer's final status (confirmed or failed) through
// pkg/dropfolder.UpdateReplicationJob. Each call makes one pass: it
// tries as many of the top-ranked candidates as the job still needs
// and returns once those attempts finish; a peer that fails is not
// replaced by another candidate within the same call.
func (e *Engine) Drive(ctx context.Context, blobID string, uploaderPubKey string, successRates map[string]float64) error {
	job, err := e.store.LoadReplicationJob(blobID)
	if err != nil {
		return Error.Wrap(err)
	}

	if confirmedCount(job) >= job.TargetReplicationFactor {
		return nil
	}

	peers, err := e.peers.Peers(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	candidates, err := e.rankCandidates(ctx, job, uploaderPubKey, peers, successRates)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		e.log.Warn("no eligible replication candidates", zap.String("blobId", blobID))
		return nil
	}

	needed := job.TargetReplicationFactor - confirmedCount(job)
	if needed <= 0 {
		return nil
	}
	if needed > len(candidates) {
		needed = len(candidates)
	}

	limiter := sync2.NewLimiter(e.opts.ConcurrencyPerJob)
	var mu sync.Mutex

	for i := 0; i < needed; i++ {
		c := candidates[i]
		limiter.Go(ctx, func() {
			result := e.replicateToOne(ctx, blobID, c.peer.NodeID)

			mu.Lock()
			e.recordAssignment(blobID, c.peer.NodeID.String(), result)
			mu.Unlock()
		})
	}
	limiter.Wait()

	return nil
}

func confirmedCount(job *dropfolder.ReplicationJob) int {
	n := 0
	for _, a := range job.Assignments {
		if a.Status == dropfolder.AssignmentConfirmed {
			n++
		}
	}
	return n
}

// recordAssignment persists the outcome of one peer's replication
// attempt by loading the latest job state and merging in this peer's
// status, relying on pkg/dropfolder.UpdateReplicationJob's
// never-clobber merge so a concurrent sibling goroutine's update is
// preserved.
func (e *Engine) recordAssignment(blobID, peerID string, status dropfolder.AssignmentStatus) {
	job, err := e.store.LoadReplicationJob(blobID)
	if err != nil {
		e.log.Error("failed to reload job for assignment update", zap.Error(err))
		return
	}
	job.Assignments = append(job.Assignments, dropfolder.Assignment{
		NodeID:    peerID,
		Status:    status,
		Timestamp: time.Now(),
	})
	if err := e.store.UpdateReplicationJob(job); err != nil {
		e.log.Error("failed to persist assignment", zap.Error(err))
	}
}

// replicateToOne runs the idempotence check then the retry-wrapped
// upload for a single peer, returning the terminal AssignmentStatus.
func (e *Engine) replicateToOne(ctx context.Context, blobID string, peer meshnet.NodeID) dropfolder.AssignmentStatus {
	has, err := e.uploader.HasBlob(ctx, peer, blobID)
	if err == nil && has {
		return dropfolder.AssignmentConfirmed
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BackoffBase
	b.MaxInterval = e.opts.BackoffCap
	b.MaxElapsedTime = 0 // attempt count governs termination, not elapsed time
	b.Reset()            // start the schedule from BackoffBase, not the library default

	attempts := 0
	for {
		attempts++
		err := e.uploader.Upload(ctx, peer, blobID)
		if err == nil {
			return dropfolder.AssignmentConfirmed
		}

		var fatal *FatalUploadError
		if asFatal(err, &fatal) {
			e.log.Warn("replication upload failed fatally", zap.String("peer", peer.String()), zap.Error(err))
			return dropfolder.AssignmentFailed
		}

		var quota *QuotaExceededError
		if asQuotaExceeded(err, &quota) {
			e.log.Debug("replication upload deferred by local resource governor",
				zap.String("peer", peer.String()), zap.String("reason", string(ReasonQuotaExceeded)))
			attempts--
			select {
			case <-time.After(b.MaxInterval):
			case <-ctx.Done():
				return dropfolder.AssignmentFailed
			}
			continue
		}

		if attempts >= e.opts.MaxAttempts {
			e.log.Warn("replication upload exhausted retries", zap.String("peer", peer.String()), zap.Int("attempts", attempts))
			return dropfolder.AssignmentFailed
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return dropfolder.AssignmentFailed
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return dropfolder.AssignmentFailed
		}
	}
}

func asFatal(err error, target **FatalUploadError) bool {
	fe, ok := err.(*FatalUploadError)
	if ok {
		*target = fe
	}
	return ok
}

func asQuotaExceeded(err error, target **QuotaExceededError) bool {
	qe, ok := err.(*QuotaExceededError)
	if ok {
		*target = qe
	}
	return ok
}
