package core

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreadstar/meshcore/pkg/dispatch"
	"github.com/dreadstar/meshcore/pkg/dropfolder"
	"github.com/dreadstar/meshcore/pkg/meshnet"
	"github.com/dreadstar/meshcore/pkg/token"
	"github.com/dreadstar/meshcore/pkg/trust"
	"github.com/dreadstar/meshcore/pkg/wire"
)

// localFitnessInputs is the static fitness signal this node reports
// when offering on a task. This module has no host telemetry feed
// (CPU/memory/battery sampling is outside spec.md's scope), so it
// always offers as a fully-available, non-throttled node.
var localFitnessInputs = dispatch.FitnessInputs{CPUAvail: 1, MemAvail: 1, BatteryHeadroom: 1}

// uploadState tracks one in-progress chunked blob reassembly: the
// accumulated bytes, and the obligation context/done func tying the
// transfer to this node's RoleStorage membership (spec.md §4.10) so a
// demotion mid-transfer aborts it.
type uploadState struct {
	buf  *bytes.Buffer
	ctx  context.Context
	done func()
}

// incomingUploads reassembles chunked StorageUpload envelopes from
// (peer, blobId) pairs into a complete blob before handing it to the
// Drop Folder Store.
type incomingUploads struct {
	mu     sync.Mutex
	states map[string]*uploadState
}

func newIncomingUploads() *incomingUploads {
	return &incomingUploads{states: make(map[string]*uploadState)}
}

// start begins (or resumes) tracking key, deriving an obligation
// context from parent under RoleStorage on first chunk.
func (u *incomingUploads) start(key string, obligations *obligationRegistry, parent context.Context) *uploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	st, ok := u.states[key]
	if !ok {
		ctx, done := obligations.track(parent, meshnet.RoleStorage)
		st = &uploadState{buf: &bytes.Buffer{}, ctx: ctx, done: done}
		u.states[key] = st
	}
	return st
}

func (u *incomingUploads) clear(key string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	st, ok := u.states[key]
	if !ok {
		return
	}
	delete(u.states, key)
	st.done()
}

// handleEnvelope dispatches one decoded inbound Envelope by its Type
// tag, per spec.md §9's redesign note preferring a tagged dispatch
// over dynamic type inference. Every envelope's signature is checked
// up front (spec.md §4.5); message types whose payload carries its
// own capability/assignment token are verified again, against that
// token's required scope, inside their specific handler.
func (c *Core) handleEnvelope(ctx context.Context, peer meshnet.NodeID, envelope wire.Envelope) {
	c.peers.MarkSeen(peer, time.Now())

	if _, err := (envelopeVerifier{}).VerifySignatureOnly(envelope); err != nil {
		c.log.Warn("dropping envelope with invalid signature",
			zap.String("type", string(envelope.Type)),
			zap.String("peer", peer.String()),
			zap.Error(err))
		return
	}

	var err error
	switch envelope.Type {
	case wire.TypeServiceQuery, wire.TypeFileQuery, wire.TypeServiceOffer, wire.TypeFileOffer:
		err = c.discoveryEngine.HandleIncoming(ctx, envelope)
	case wire.TypeTaskRequest:
		err = c.handleTaskRequest(ctx, envelope, peer)
	case wire.TypeOffer:
		err = c.handleOffer(ctx, envelope, peer)
	case wire.TypeAssignment:
		err = c.handleAssignment(ctx, envelope, peer)
	case wire.TypeStorageInventoryQuery:
		err = c.handleInventoryQuery(ctx, envelope, peer)
	case wire.TypeStorageInventoryResponse:
		c.handleInventoryResponse(envelope, peer)
	case wire.TypeStorageUpload:
		err = c.handleStorageUploadChunk(ctx, envelope, peer)
	default:
		c.log.Debug("unhandled envelope type", zap.String("type", string(envelope.Type)))
	}
	if err != nil {
		c.log.Warn("envelope handling failed",
			zap.String("type", string(envelope.Type)),
			zap.String("peer", peer.String()),
			zap.Error(err))
	}
}

// hasRole reports whether target appears in roles.
func hasRole(roles []meshnet.Role, target meshnet.Role) bool {
	for _, r := range roles {
		if r == target {
			return true
		}
	}
	return false
}

// handleTaskRequest is the offerer side of spec.md §4.9 steps 2-3: a
// node with RoleCompute evaluates its local fitness for the requested
// service and, if willing, replies with a signed Offer carrying a
// self-issued resource_offer capability token.
func (c *Core) handleTaskRequest(ctx context.Context, envelope wire.Envelope, peer meshnet.NodeID) error {
	var request wire.TaskRequest
	if err := fromPayload(envelope.Payload, &request); err != nil {
		return err
	}

	if !hasRole(c.roleManager.Roles(), meshnet.RoleCompute) {
		return nil
	}

	trustScore, err := c.trustStore.TrustScore(ctx, envelope.SignerPublicKey, trust.DefaultEndorsementDepthLimit, trust.DefaultWeights)
	if err != nil {
		trustScore = 0
	}
	hop := 0
	if rec, ok := c.peers.Get(peer); ok {
		hop = rec.HopDistance
	}

	fitness := dispatch.ComputeFitness(localFitnessInputs, hop, trustScore, dispatch.DefaultFitnessWeights)
	if fitness <= 0 {
		return nil
	}

	task := dispatch.Task{
		TaskID:        request.TaskID,
		ServiceID:     request.ServiceID,
		Inputs:        request.Inputs,
		RequiredScope: token.ScopeComputeRun,
		ExpiresAt:     request.ExpiresAt,
	}
	c.recordPendingTask(task)

	offerToken, err := c.signer.issueToken(token.KindCapability, c.signer.pubB64, token.Scope{
		Kind:       token.ScopeResourceOffer,
		ResourceID: request.TaskID,
	}, time.Now())
	if err != nil {
		return err
	}
	tokenPayload, err := toPayload(offerToken)
	if err != nil {
		return err
	}

	offer := wire.Offer{
		TaskID:                 request.TaskID,
		OffererEphemeralPubKey: c.signer.pubB64,
		DelegationToken:        tokenPayload,
		FitnessScore:           fitness,
		ExpiresAt:              request.ExpiresAt,
	}
	responseEnvelope, err := c.signer.buildEnvelope(wire.TypeOffer, offer)
	if err != nil {
		return err
	}
	return (discoveryBroadcaster{transport: c.transport}).Unicast(ctx, peer, responseEnvelope)
}

// handleOffer is the requester side of spec.md §4.9 step 3: an Offer
// is only recorded once its embedded resource_offer capability token
// verifies, so an unverified peer cannot stuff a negotiation session
// with fabricated offers.
func (c *Core) handleOffer(ctx context.Context, envelope wire.Envelope, peer meshnet.NodeID) error {
	var offer wire.Offer
	if err := fromPayload(envelope.Payload, &offer); err != nil {
		return err
	}

	offerToken, err := decodeToken(offer.DelegationToken)
	if err != nil {
		return err
	}
	result, err := c.Verifier().Verify(ctx, offerToken, nil, token.ScopeResourceOffer, time.Now(), nil)
	if err != nil {
		return err
	}

	trustScore, err := c.trustStore.TrustScore(ctx, result.SubjectKey, trust.DefaultEndorsementDepthLimit, trust.DefaultWeights)
	if err != nil {
		trustScore = 0
	}

	hop := 0
	if rec, ok := c.peers.Get(peer); ok {
		hop = rec.HopDistance
	}

	c.dispatchCoordinator.RecordOffer(offer.TaskID, scoredOfferFromWire(offer, result.SubjectKey, peer, hop, trustScore))
	return nil
}

// handleAssignment is the winner side of spec.md §4.9 steps 7-8: the
// Assignment's embedded token is verified and the task executed
// through dispatch.VerifyAndExecute, tracked as an obligation under
// RoleCompute so a mid-execution demotion hard-cancels it.
func (c *Core) handleAssignment(ctx context.Context, envelope wire.Envelope, peer meshnet.NodeID) error {
	var assignment wire.Assignment
	if err := fromPayload(envelope.Payload, &assignment); err != nil {
		return err
	}
	if assignment.SelectedOffererPubKey != c.signer.pubB64 {
		return nil
	}

	task, ok := c.takePendingTask(assignment.TaskID)
	if !ok {
		return ErrEnvelope.New("assignment for unknown or already-handled task %q", assignment.TaskID)
	}

	assignmentToken, err := decodeToken(assignment.AssignmentToken)
	if err != nil {
		return err
	}

	execCtx, done := c.obligations.track(ctx, meshnet.RoleCompute)
	defer done()

	result, err := dispatch.VerifyAndExecute(execCtx, c.Verifier(), assignmentToken, assignment.ChallengeNonce, task, c.executor)
	if err != nil {
		c.log.Warn("assignment verify-and-execute failed",
			zap.String("taskId", task.TaskID),
			zap.String("peer", peer.String()),
			zap.Error(err))
		return err
	}
	c.log.Info("task executed", zap.String("taskId", task.TaskID), zap.Int("resultBytes", len(result)))
	return nil
}

func (c *Core) handleInventoryQuery(ctx context.Context, envelope wire.Envelope, peer meshnet.NodeID) error {
	var query wire.StorageInventoryQuery
	if err := fromPayload(envelope.Payload, &query); err != nil {
		return err
	}
	response := wire.StorageInventoryResponse{BlobID: query.BlobID, Present: c.store.HasBlob(query.BlobID)}
	responseEnvelope, err := c.signer.buildEnvelope(wire.TypeStorageInventoryResponse, response)
	if err != nil {
		return err
	}
	return (discoveryBroadcaster{transport: c.transport}).Unicast(ctx, peer, responseEnvelope)
}

func (c *Core) handleInventoryResponse(envelope wire.Envelope, peer meshnet.NodeID) {
	var response wire.StorageInventoryResponse
	if err := fromPayload(envelope.Payload, &response); err != nil {
		c.log.Warn("malformed storage inventory response", zap.Error(err))
		return
	}
	c.uploader.resolveInventory(peer, response.BlobID, response.Present)
}

// handleStorageUploadChunk implements the receiving side of spec.md
// §4.5 step 8 and §4.11's storage quota: every chunk's embedded
// storage_write token is verified, its scope checked against the
// claimed blobId/size, and the reassembled blob's bytes are reserved
// against the governor's storage quota before being written under the
// token's verified subject key rather than the envelope's claimed
// signer. The transfer is tracked as a RoleStorage obligation so a
// demotion mid-transfer aborts it.
func (c *Core) handleStorageUploadChunk(ctx context.Context, envelope wire.Envelope, peer meshnet.NodeID) error {
	var chunk wire.StorageUploadChunk
	if err := fromPayload(envelope.Payload, &chunk); err != nil {
		return err
	}

	writeToken, err := decodeToken(chunk.Token)
	if err != nil {
		return err
	}
	result, err := c.Verifier().Verify(ctx, writeToken, nil, token.ScopeStorageWrite, time.Now(), nil)
	if err != nil {
		return err
	}
	if result.Scope.ResourceID != chunk.BlobID {
		return ErrEnvelope.New("storage_write token scoped to %q does not cover uploaded blob %q", result.Scope.ResourceID, chunk.BlobID)
	}
	if chunk.Final && result.Scope.MaxBytes > 0 && uint64(chunk.TotalSize) > result.Scope.MaxBytes {
		return ErrEnvelope.New("uploaded blob size %d exceeds token max %d", chunk.TotalSize, result.Scope.MaxBytes)
	}

	key := inventoryKey(peer, chunk.BlobID)
	st := c.uploads.start(key, c.obligations, ctx)
	if st.ctx.Err() != nil {
		c.uploads.clear(key)
		return ErrEnvelope.New("upload %q aborted: storage role no longer held", chunk.BlobID)
	}
	st.buf.Write(chunk.Data)
	if !chunk.Final {
		return nil
	}
	defer c.uploads.clear(key)

	size := uint64(st.buf.Len())
	if c.governor != nil {
		if err := c.governor.ReserveStorage(size); err != nil {
			return err
		}
	}

	meta, _, err := c.store.WriteBlob(ctx, bytes.NewReader(st.buf.Bytes()), result.SubjectKey, "application/octet-stream", nil, dropfolder.DefaultReplicationFactor, time.Now(), c.signer.Sign)
	if err != nil {
		if c.governor != nil {
			c.governor.ReleaseStorage(size)
		}
		return err
	}
	if meta.BlobID != chunk.BlobID {
		c.log.Warn("uploaded blob content hash mismatch",
			zap.String("declared", chunk.BlobID),
			zap.String("actual", meta.BlobID),
			zap.String("peer", peer.String()))
	}
	return nil
}

func decodeEnvelope(data []byte) (wire.Envelope, error) {
	var envelope wire.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return wire.Envelope{}, ErrEnvelope.Wrap(err)
	}
	return envelope, nil
}
