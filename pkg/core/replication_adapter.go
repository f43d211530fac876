package core

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreadstar/meshcore/pkg/dropfolder"
	"github.com/dreadstar/meshcore/pkg/governor"
	"github.com/dreadstar/meshcore/pkg/meshnet"
	"github.com/dreadstar/meshcore/pkg/replication"
	"github.com/dreadstar/meshcore/pkg/token"
	"github.com/dreadstar/meshcore/pkg/transport"
	"github.com/dreadstar/meshcore/pkg/wire"
)

// replicationUploader implements replication.Uploader over the
// Transport Adapter: StorageUploadChunk messages carry the blob, and
// a StorageInventoryQuery/Response round trip answers the remote
// idempotence check. It sends over UnicastSend rather than
// transport.Adapter's OpenStream, since the Adapter contract (spec.md
// §4.12) has no inbound stream-accept surface for the receiving side
// and MemoryAdapter doesn't implement streams either.
type replicationUploader struct {
	log       *zap.Logger
	transport transport.Adapter
	store     *dropfolder.Store
	signer    *signer
	gov       *governor.Governor

	mu      sync.Mutex
	waiters map[string]chan bool
}

func newReplicationUploader(log *zap.Logger, t transport.Adapter, store *dropfolder.Store, s *signer, gov *governor.Governor) *replicationUploader {
	return &replicationUploader{
		log:       log,
		transport: t,
		store:     store,
		signer:    s,
		gov:       gov,
		waiters:   make(map[string]chan bool),
	}
}

func inventoryKey(peer meshnet.NodeID, blobID string) string {
	return peer.String() + "|" + blobID
}

// HasBlob performs the remote inventory check, per spec.md §4.7's
// idempotence paragraph.
func (u *replicationUploader) HasBlob(ctx context.Context, peer meshnet.NodeID, blobID string) (bool, error) {
	key := inventoryKey(peer, blobID)
	ch := make(chan bool, 1)

	u.mu.Lock()
	u.waiters[key] = ch
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		delete(u.waiters, key)
		u.mu.Unlock()
	}()

	envelope, err := u.signer.buildEnvelope(wire.TypeStorageInventoryQuery, wire.StorageInventoryQuery{BlobID: blobID})
	if err != nil {
		return false, err
	}
	if err := (discoveryBroadcaster{transport: u.transport}).Unicast(ctx, peer, envelope); err != nil {
		return false, err
	}

	select {
	case present := <-ch:
		return present, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// resolveInventory delivers a received StorageInventoryResponse to
// whichever HasBlob call is waiting on it, if any; a response with no
// matching waiter (arrived late, or unsolicited) is dropped.
func (u *replicationUploader) resolveInventory(peer meshnet.NodeID, blobID string, present bool) {
	key := inventoryKey(peer, blobID)
	u.mu.Lock()
	ch, ok := u.waiters[key]
	u.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- present:
	default:
	}
}

// Upload streams blobId to peer as a sequence of signed
// StorageUploadChunk envelopes, chunk index monotonic, final chunk
// carrying totalSize, per spec.md §6. Each chunk carries a self-issued
// storage_write capability token scoped to this blobId/size, so the
// receiving peer's Verifier can check it before writing (spec.md
// §4.5 step 8). The whole upload is gated by the governor's
// inflight-uploads quota (spec.md §4.11).
func (u *replicationUploader) Upload(ctx context.Context, peer meshnet.NodeID, blobID string) error {
	if u.gov != nil {
		if err := u.gov.AdmitInflightUpload(); err != nil {
			return &replication.QuotaExceededError{Err: err}
		}
		defer u.gov.ReleaseInflightUpload()
	}

	f, err := u.store.OpenBlob(blobID)
	if err != nil {
		return err
	}
	defer f.Close()

	size, err := u.store.StatBlob(blobID)
	if err != nil {
		return err
	}

	writeToken, err := u.signer.issueToken(token.KindCapability, u.signer.pubB64, token.Scope{
		Kind:       token.ScopeStorageWrite,
		ResourceID: blobID,
		MaxBytes:   uint64(size),
	}, time.Now())
	if err != nil {
		return err
	}
	tokenPayload, err := toPayload(writeToken)
	if err != nil {
		return err
	}

	reader := bufio.NewReaderSize(f, wire.DefaultMaxChunkBytes)
	buf := make([]byte, wire.DefaultMaxChunkBytes)

	for index := 0; ; index++ {
		n, readErr := io.ReadFull(reader, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return readErr
		}
		final := readErr == io.ErrUnexpectedEOF || readErr == io.EOF

		if index > 0 {
			// The receiver verifies every chunk's token and rejects a
			// reused tokenId as a replay, so each later chunk gets its own.
			writeToken, err = u.signer.issueToken(token.KindCapability, u.signer.pubB64, token.Scope{
				Kind:       token.ScopeStorageWrite,
				ResourceID: blobID,
				MaxBytes:   uint64(size),
			}, time.Now())
			if err != nil {
				return err
			}
			if tokenPayload, err = toPayload(writeToken); err != nil {
				return err
			}
		}

		chunk := wire.StorageUploadChunk{
			BlobID:     blobID,
			ChunkIndex: index,
			Data:       append([]byte(nil), buf[:n]...),
			Final:      final,
			Token:      tokenPayload,
		}
		if final {
			chunk.TotalSize = size
		}

		envelope, err := u.signer.buildEnvelope(wire.TypeStorageUpload, chunk)
		if err != nil {
			return err
		}
		if err := (discoveryBroadcaster{transport: u.transport}).Unicast(ctx, peer, envelope); err != nil {
			return err
		}
		if final {
			return nil
		}
	}
}
