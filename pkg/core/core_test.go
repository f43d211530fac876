package core

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreadstar/meshcore/pkg/pkcrypto"
	"github.com/dreadstar/meshcore/pkg/token"
	"github.com/dreadstar/meshcore/pkg/transport"
	"github.com/dreadstar/meshcore/pkg/wire"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	var cfg Config
	cfg.Storage.RootPath = dir + "/drop"
	cfg.Storage.QuotaBytes = 1 << 30
	cfg.Trust.DBPath = dir + "/trust.db"
	cfg.Verifier.ReplayCacheSize = 1000
	cfg.Replication.MaxInflightPerJob = 2
	cfg.Replication.MaxAttempts = 2
	cfg.Replication.BackoffBaseMs = 10
	cfg.Replication.BackoffCapMs = 100
	cfg.Replication.SweepIntervalMs = 50
	cfg.Resources.PeerRecordsMax = 64
	cfg.Scheduler.IOWorkers = 2
	cfg.Scheduler.GraceTimeoutMs = 1000
	return cfg
}

func newTestCore(t *testing.T, adapter transport.Adapter) *Core {
	t.Helper()
	_, priv, err := pkcrypto.GenerateKey()
	require.NoError(t, err)

	c, err := New(context.Background(), zaptest.NewLogger(t), testConfig(t), adapter, priv)
	require.NoError(t, err)
	return c
}

func TestNewWiresEveryComponent(t *testing.T) {
	net := transport.NewMemoryNetwork()
	c := newTestCore(t, net.Join(nodeID(1)))

	assert.NotNil(t, c.Trust())
	assert.NotNil(t, c.Verifier())
	assert.NotNil(t, c.DropFolder())
	assert.NotNil(t, c.Discovery())
	assert.NotNil(t, c.Replication())
	assert.NotNil(t, c.Dispatch())
	assert.NotNil(t, c.Roles())
	assert.NotNil(t, c.Governor())
}

func TestRunShutdownStopsCleanly(t *testing.T) {
	net := transport.NewMemoryNetwork()
	c := newTestCore(t, net.Join(nodeID(1)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	require.NoError(t, c.Shutdown(cancel))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

// TestUploadChunkFlowReassemblesBlobOnPeer drives the chunked-upload
// wire path directly: peer A signs and sends StorageUploadChunk
// envelopes for a blob to peer B, bypassing the scheduler's supervised
// pump loop (handleEnvelope is exercised directly instead) so the test
// doesn't depend on goroutine scheduling to observe the result.
func TestUploadChunkFlowReassemblesBlobOnPeer(t *testing.T) {
	net := transport.NewMemoryNetwork()
	idA, idB := nodeID(1), nodeID(2)
	adapterA := net.Join(idA)
	adapterB := net.Join(idB)

	coreA := newTestCore(t, adapterA)
	coreB := newTestCore(t, adapterB)

	content := strings.Repeat("blob-content-", 5000)
	meta, _, err := coreA.store.WriteBlob(context.Background(), strings.NewReader(content), coreA.signer.pubB64, "text/plain", nil, 2, time.Now(), coreA.signer.Sign)
	require.NoError(t, err)

	uploadDone := make(chan error, 1)
	go func() {
		uploadDone <- coreA.uploader.Upload(context.Background(), idB, meta.BlobID)
	}()

	ctx := context.Background()
	select {
	case err := <-uploadDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not complete")
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-adapterB.Incoming():
			envelope, err := decodeEnvelope(ev.Bytes)
			require.NoError(t, err)
			coreB.handleEnvelope(ctx, idA, envelope)
		case <-deadline:
			t.Fatal("peer B never reassembled the uploaded blob")
		default:
			if coreB.store.HasBlob(meta.BlobID) {
				got, err := coreB.store.OpenBlob(meta.BlobID)
				require.NoError(t, err)
				var buf bytes.Buffer
				_, err = buf.ReadFrom(got)
				require.NoError(t, err)
				_ = got.Close()
				assert.Equal(t, content, buf.String())
				return
			}
		}
	}
}

// TestHandleEnvelopeRejectsUnsignedUpload confirms handleEnvelope's
// global signature check drops a tampered StorageUpload before it
// ever reaches the Drop Folder Store, so a forged signerPublicKey
// can't attribute arbitrary bytes to another identity.
func TestHandleEnvelopeRejectsUnsignedUpload(t *testing.T) {
	net := transport.NewMemoryNetwork()
	idA, idB := nodeID(1), nodeID(2)
	coreB := newTestCore(t, net.Join(idB))

	attacker := newTestSigner(t)
	chunk := wire.StorageUploadChunk{BlobID: "forged-blob", ChunkIndex: 0, Data: []byte("evil"), Final: true, TotalSize: 4}
	envelope, err := attacker.buildEnvelope(wire.TypeStorageUpload, chunk)
	require.NoError(t, err)
	envelope.Payload["blobId"] = "tampered-after-signing"

	ctx := context.Background()
	coreB.handleEnvelope(ctx, idA, envelope)

	assert.False(t, coreB.store.HasBlob("forged-blob"))
	assert.False(t, coreB.store.HasBlob("tampered-after-signing"))
}

// TestHandleStorageUploadChunkRejectsMissingToken confirms a
// correctly signed envelope is still refused if it carries no
// storage_write capability token, closing the gap where a valid
// signature alone used to be sufficient to write a blob.
func TestHandleStorageUploadChunkRejectsMissingToken(t *testing.T) {
	net := transport.NewMemoryNetwork()
	idA, idB := nodeID(1), nodeID(2)
	coreA := newTestCore(t, net.Join(idA))
	coreB := newTestCore(t, net.Join(idB))

	chunk := wire.StorageUploadChunk{BlobID: "no-token-blob", ChunkIndex: 0, Data: []byte("payload"), Final: true, TotalSize: 7}
	envelope, err := coreA.signer.buildEnvelope(wire.TypeStorageUpload, chunk)
	require.NoError(t, err)

	err = coreB.handleStorageUploadChunk(context.Background(), envelope, idA)
	assert.Error(t, err)
	assert.False(t, coreB.store.HasBlob("no-token-blob"))
}

// TestHandleStorageUploadChunkRejectsScopeMismatch confirms a
// storage_write token scoped to one blobId cannot authorize a write
// to a different blobId, per spec.md §4.5 step 8.
func TestHandleStorageUploadChunkRejectsScopeMismatch(t *testing.T) {
	net := transport.NewMemoryNetwork()
	idA, idB := nodeID(1), nodeID(2)
	coreA := newTestCore(t, net.Join(idA))
	coreB := newTestCore(t, net.Join(idB))

	wrongScopeToken, err := coreA.signer.issueToken(token.KindCapability, coreA.signer.pubB64, token.Scope{
		Kind:       token.ScopeStorageWrite,
		ResourceID: "some-other-blob",
		MaxBytes:   7,
	}, time.Now())
	require.NoError(t, err)
	tokenPayload, err := toPayload(wrongScopeToken)
	require.NoError(t, err)

	chunk := wire.StorageUploadChunk{BlobID: "actual-blob", ChunkIndex: 0, Data: []byte("payload"), Final: true, TotalSize: 7, Token: tokenPayload}
	envelope, err := coreA.signer.buildEnvelope(wire.TypeStorageUpload, chunk)
	require.NoError(t, err)

	err = coreB.handleStorageUploadChunk(context.Background(), envelope, idA)
	assert.Error(t, err)
	assert.False(t, coreB.store.HasBlob("actual-blob"))
}

// TestHandleStorageUploadChunkEnforcesStorageQuota confirms a write
// that would exceed the governor's storage quota is refused rather
// than silently written, per spec.md §4.11.
func TestHandleStorageUploadChunkEnforcesStorageQuota(t *testing.T) {
	net := transport.NewMemoryNetwork()
	idA, idB := nodeID(1), nodeID(2)
	coreA := newTestCore(t, net.Join(idA))

	cfgB := testConfig(t)
	cfgB.Storage.QuotaBytes = 1
	_, privB, err := pkcrypto.GenerateKey()
	require.NoError(t, err)
	coreB, err := New(context.Background(), zaptest.NewLogger(t), cfgB, net.Join(idB), privB)
	require.NoError(t, err)

	payload := []byte("payload too large for the quota")
	writeToken, err := coreA.signer.issueToken(token.KindCapability, coreA.signer.pubB64, token.Scope{
		Kind:       token.ScopeStorageWrite,
		ResourceID: "quota-blob",
		MaxBytes:   uint64(len(payload)),
	}, time.Now())
	require.NoError(t, err)
	tokenPayload, err := toPayload(writeToken)
	require.NoError(t, err)

	chunk := wire.StorageUploadChunk{BlobID: "quota-blob", ChunkIndex: 0, Data: payload, Final: true, TotalSize: int64(len(payload)), Token: tokenPayload}
	envelope, err := coreA.signer.buildEnvelope(wire.TypeStorageUpload, chunk)
	require.NoError(t, err)

	err = coreB.handleStorageUploadChunk(context.Background(), envelope, idA)
	assert.Error(t, err)
	assert.False(t, coreB.store.HasBlob("quota-blob"))
}

func TestInventoryQueryRoundTrip(t *testing.T) {
	net := transport.NewMemoryNetwork()
	idA, idB := nodeID(1), nodeID(2)
	adapterA := net.Join(idA)
	adapterB := net.Join(idB)

	coreA := newTestCore(t, adapterA)
	coreB := newTestCore(t, adapterB)

	content := "small blob"
	meta, _, err := coreB.store.WriteBlob(context.Background(), strings.NewReader(content), coreB.signer.pubB64, "text/plain", nil, 2, time.Now(), coreB.signer.Sign)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan bool, 1)
	errCh := make(chan error, 1)
	go func() {
		present, err := coreA.uploader.HasBlob(ctx, idB, meta.BlobID)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- present
	}()

	// Peer B answers the inventory query; peer A observes the response.
	evQuery := <-adapterB.Incoming()
	envQuery, err := decodeEnvelope(evQuery.Bytes)
	require.NoError(t, err)
	require.NoError(t, coreB.handleInventoryQuery(ctx, envQuery, idA))

	evResponse := <-adapterA.Incoming()
	envResponse, err := decodeEnvelope(evResponse.Bytes)
	require.NoError(t, err)
	coreA.handleInventoryResponse(envResponse, idB)

	select {
	case present := <-resultCh:
		assert.True(t, present)
	case err := <-errCh:
		t.Fatalf("HasBlob returned error: %v", err)
	case <-ctx.Done():
		t.Fatal("HasBlob never resolved")
	}
}
