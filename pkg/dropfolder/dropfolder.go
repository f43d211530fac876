// Package dropfolder implements the Drop Folder Store of spec.md
// §4.6: the durable write pipeline a new blob goes through (hash →
// fsync → atomic rename), its metadata and replication-job sidecar
// files, and the append-only receipts log.
package dropfolder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"
	"github.com/zeebo/errs"

	"github.com/dreadstar/meshcore/pkg/canon"
)

// Error is the class of all dropfolder errors not otherwise
// classified below.
var Error = errs.Class("dropfolder")

var (
	ErrInsufficientSpace = errs.Class("insufficient space")
	ErrDiskIOError       = errs.Class("disk io error")
	ErrPermissionDenied  = errs.Class("permission denied")
)

// DefaultReplicationFactor is the default target replication factor k
// for a new blob, per spec.md §3.
const DefaultReplicationFactor = 3

// ReceiptsFileName is the append-only receipts log filename under the
// store root.
const ReceiptsFileName = "receipts.txt"

// AssignmentStatus is a Replication Job's per-peer state.
type AssignmentStatus string

const (
	AssignmentPending    AssignmentStatus = "pending"
	AssignmentUploading  AssignmentStatus = "uploading"
	AssignmentConfirmed  AssignmentStatus = "confirmed"
	AssignmentFailed     AssignmentStatus = "failed"
)

// Assignment is one peer's slot in a Replication Job.
type Assignment struct {
	NodeID    string           `json:"nodeId"`
	Status    AssignmentStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
}

// Metadata is the Metadata Record of spec.md §3.
type Metadata struct {
	BlobID          string    `json:"blobId"`
	Size            int64     `json:"size"`
	UploaderPubKey  string    `json:"uploaderPubKey"`
	CreatedAt       time.Time `json:"createdAt"`
	ContentType     string    `json:"contentType"`
	Tags            []string  `json:"tags,omitempty"`
	SignerPublicKey string    `json:"signerPublicKey,omitempty"`
	Signature       string    `json:"signature,omitempty"`
}

// CanonicalBytes returns m's signed representation: every field
// except signerPublicKey and signature, per spec.md §3's "signed by
// uploader; canonicalized by stripping signature fields".
func (m *Metadata) CanonicalBytes() ([]byte, error) {
	tags := make([]interface{}, len(m.Tags))
	for i, tag := range m.Tags {
		tags[i] = tag
	}
	tree := map[string]interface{}{
		"blobId":         m.BlobID,
		"size":           m.Size,
		"uploaderPubKey": m.UploaderPubKey,
		"createdAt":      m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"contentType":    m.ContentType,
		"tags":           tags,
	}
	return canon.Canonicalize(tree)
}

// ReplicationJob is the Replication Job of spec.md §3.
type ReplicationJob struct {
	BlobID                  string       `json:"blobId"`
	SourcePath              string       `json:"sourcePath"`
	MetaPath                string       `json:"metaPath"`
	TargetReplicationFactor int          `json:"targetReplicationFactor"`
	Attempts                int          `json:"attempts"`
	Assignments             []Assignment `json:"assignments"`
	LastError               string       `json:"lastError,omitempty"`
}

// ReceiptEntry is one line of the append-only receipts log.
type ReceiptEntry struct {
	UploaderPubKey  string    `json:"uploaderPubKey"`
	BlobID          string    `json:"blobId"`
	Action          string    `json:"action"`
	PeerPubKey      string    `json:"peerPubKey,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	SignerPublicKey string    `json:"signerPublicKey,omitempty"`
	Signature       string    `json:"signature,omitempty"`
}

// SignFunc signs canonical bytes and returns a base64 signature plus
// the base64-encoded public key that produced it.
type SignFunc func(canonical []byte) (signature string, signerPublicKey string, err error)

// Store is the Drop Folder Store. It exclusively owns blob files and
// repl-job files under root (spec.md §3 "Ownership summary").
type Store struct {
	log  *zap.Logger
	root string

	// writeMu serializes the multi-file write pipeline so a concurrent
	// reconcile scan never observes an in-progress write as missing a
	// repl-job file.
	writeMu sync.Mutex
}

// NewStore opens (creating if necessary) a Drop Folder Store rooted
// at root, and runs the start-up reconciliation scan of spec.md §4.6:
// any blob missing its repl-job sidecar gets one recreated.
func NewStore(log *zap.Logger, root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o700); err != nil {
		return nil, wrapFSError(err)
	}
	s := &Store{log: log, root: root}
	if err := s.reconcile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) blobPath(blobID string) string { return filepath.Join(s.root, blobID+".blob") }
func (s *Store) metaPath(blobID string) string { return filepath.Join(s.root, blobID+".json") }
func (s *Store) replPath(blobID string) string { return filepath.Join(s.root, blobID+".repl.json") }
func (s *Store) receiptsPath() string          { return filepath.Join(s.root, ReceiptsFileName) }

// OpenBlob opens blobId's content file for reading, for a caller
// (pkg/replication's Uploader) that needs to stream it to a peer.
func (s *Store) OpenBlob(blobID string) (*os.File, error) {
	f, err := os.Open(s.blobPath(blobID))
	if err != nil {
		return nil, wrapFSError(err)
	}
	return f, nil
}

// HasBlob reports whether blobId's content file is already present,
// the local half of the Replication Engine's idempotence check
// (spec.md §4.7).
func (s *Store) HasBlob(blobID string) bool {
	_, err := os.Stat(s.blobPath(blobID))
	return err == nil
}

// StatBlob returns blobId's content size in bytes.
func (s *Store) StatBlob(blobID string) (int64, error) {
	info, err := os.Stat(s.blobPath(blobID))
	if err != nil {
		return 0, wrapFSError(err)
	}
	return info.Size(), nil
}

// WriteBlob runs the full write pipeline of spec.md §4.6: hash while
// streaming to a temp file, fsync, atomic rename to <blobId>.blob,
// then the same temp+fsync+rename pattern for the signed metadata
// record, then the replication job (preserving any pre-existing
// assignments), then an fsynced append to receipts.txt. Readers never
// observe a partial blob or partial metadata file.
func (s *Store) WriteBlob(ctx context.Context, r io.Reader, uploaderPubKey, contentType string, tags []string, targetReplicationFactor int, now time.Time, sign SignFunc) (*Metadata, *ReplicationJob, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	blobID, size, err := s.writeTempAndHash(r)
	if err != nil {
		return nil, nil, err
	}

	if err := os.Rename(s.tempPathFor(blobID), s.blobPath(blobID)); err != nil {
		return nil, nil, wrapFSError(err)
	}

	meta := &Metadata{
		BlobID:         blobID,
		Size:           size,
		UploaderPubKey: uploaderPubKey,
		CreatedAt:      now,
		ContentType:    contentType,
		Tags:           tags,
	}
	if sign != nil {
		canonical, err := meta.CanonicalBytes()
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
		sig, signerPub, err := sign(canonical)
		if err != nil {
			return nil, nil, Error.Wrap(err)
		}
		meta.Signature = sig
		meta.SignerPublicKey = signerPub
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	if err := s.writeAtomic(s.metaPath(blobID), metaBytes); err != nil {
		return nil, nil, err
	}

	if targetReplicationFactor <= 0 {
		targetReplicationFactor = DefaultReplicationFactor
	}
	job, err := s.upsertReplicationJob(blobID, targetReplicationFactor)
	if err != nil {
		return meta, nil, err
	}

	if err := s.AppendReceipt(ReceiptEntry{
		UploaderPubKey: uploaderPubKey,
		BlobID:         blobID,
		Action:         "write",
		Timestamp:      now,
	}); err != nil {
		return meta, job, err
	}

	return meta, job, nil
}

func (s *Store) tempPathFor(name string) string {
	return filepath.Join(s.root, "tmp", name)
}

// writeTempAndHash streams r into a uniquely-named temp file while
// computing its SHA-256 digest, fsyncs it, and returns the resulting
// blobId and size. The caller is responsible for the final rename.
func (s *Store) writeTempAndHash(r io.Reader) (blobID string, size int64, err error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", 0, Error.Wrap(err)
	}
	tmpPath := s.tempPathFor(id.String())

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return "", 0, wrapFSError(err)
	}

	hasher := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(f, hasher), r)
	if copyErr != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return "", 0, wrapFSError(copyErr)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return "", 0, wrapFSError(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, wrapFSError(err)
	}

	digest := hasher.Sum(nil)
	return hex.EncodeToString(digest), n, nil
}

// writeAtomic writes data to a temp file, fsyncs it, and renames it
// onto finalPath, so readers of finalPath never see a partial write.
func (s *Store) writeAtomic(finalPath string, data []byte) error {
	id, err := uuid.NewV4()
	if err != nil {
		return Error.Wrap(err)
	}
	tmpPath := s.tempPathFor(id.String())

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return wrapFSError(err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return wrapFSError(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return wrapFSError(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return wrapFSError(err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return wrapFSError(err)
	}
	return nil
}

// upsertReplicationJob creates a fresh Replication Job for blobID, or,
// if one already exists on disk, rewrites it with the requested
// target factor while preserving every pre-existing assignment
// unchanged (spec.md §3 Replication Job invariant).
func (s *Store) upsertReplicationJob(blobID string, targetReplicationFactor int) (*ReplicationJob, error) {
	existing, err := s.LoadReplicationJob(blobID)
	var job *ReplicationJob
	switch {
	case err == nil:
		job = existing
		job.TargetReplicationFactor = targetReplicationFactor
	case os.IsNotExist(err):
		job = &ReplicationJob{
			BlobID:                  blobID,
			SourcePath:              s.blobPath(blobID),
			MetaPath:                s.metaPath(blobID),
			TargetReplicationFactor: targetReplicationFactor,
		}
	default:
		return nil, err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := s.writeAtomic(s.replPath(blobID), data); err != nil {
		return nil, err
	}
	return job, nil
}

// ListReplicationJobs returns every blobId with a persisted
// Replication Job under root, for a caller (pkg/core's periodic
// replication sweep) that needs to re-drive incomplete jobs without
// tracking them itself.
func (s *Store) ListReplicationJobs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, wrapFSError(err)
	}
	var blobIDs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".repl.json") {
			continue
		}
		blobIDs = append(blobIDs, name[:len(name)-len(".repl.json")])
	}
	return blobIDs, nil
}

// LoadReplicationJob reads the persisted Replication Job for blobID.
// It returns an os.IsNotExist-satisfying error if none exists.
func (s *Store) LoadReplicationJob(blobID string) (*ReplicationJob, error) {
	data, err := os.ReadFile(s.replPath(blobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, wrapFSError(err)
	}
	var job ReplicationJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, Error.Wrap(err)
	}
	return &job, nil
}

// UpdateReplicationJob persists job, first merging in any assignments
// present on disk but absent from job so a caller working from a
// slightly stale in-memory copy never clobbers another writer's
// assignment (spec.md §3 invariant).
func (s *Store) UpdateReplicationJob(job *ReplicationJob) error {
	existing, err := s.LoadReplicationJob(job.BlobID)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if existing != nil {
		job.Assignments = mergeAssignments(existing.Assignments, job.Assignments)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return Error.Wrap(err)
	}
	return s.writeAtomic(s.replPath(job.BlobID), data)
}

func mergeAssignments(existing, incoming []Assignment) []Assignment {
	byNode := make(map[string]Assignment, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))
	for _, a := range existing {
		byNode[a.NodeID] = a
		order = append(order, a.NodeID)
	}
	for _, a := range incoming {
		if _, ok := byNode[a.NodeID]; !ok {
			order = append(order, a.NodeID)
		}
		byNode[a.NodeID] = a
	}
	merged := make([]Assignment, 0, len(order))
	for _, nodeID := range order {
		merged = append(merged, byNode[nodeID])
	}
	return merged
}

// AppendReceipt appends entry to receipts.txt as one JSON line,
// fsyncing before returning, per spec.md §4.6 step 6.
func (s *Store) AppendReceipt(entry ReceiptEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return Error.Wrap(err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.receiptsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return wrapFSError(err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return wrapFSError(err)
	}
	return wrapFSError(f.Sync())
}

// reconcile implements spec.md §4.6's start-up scan: any <blobId>.blob
// missing its <blobId>.repl.json sidecar (because step 5 failed after
// steps 1-4 succeeded) gets a fresh one recreated with the default
// replication factor and no assignments yet.
func (s *Store) reconcile() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return wrapFSError(err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".blob" {
			continue
		}
		blobID := entry.Name()[:len(entry.Name())-len(".blob")]

		if _, err := os.Stat(s.replPath(blobID)); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return wrapFSError(err)
		}

		s.log.Warn("recreating missing replication job on reconcile", zap.String("blobId", blobID))
		if _, err := s.upsertReplicationJob(blobID, DefaultReplicationFactor); err != nil {
			return err
		}
	}
	return nil
}

func wrapFSError(err error) error {
	if err == nil {
		return nil
	}
	if os.IsPermission(err) {
		return ErrPermissionDenied.Wrap(err)
	}
	if errors.Is(err, syscall.ENOSPC) {
		return ErrInsufficientSpace.Wrap(err)
	}
	return ErrDiskIOError.Wrap(err)
}
