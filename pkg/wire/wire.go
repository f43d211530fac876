// Package wire defines the wire message set of spec.md §6: every
// message type the mesh exchanges, serialized as canonical JSON with
// a signature and signerPublicKey at the top level. Dispatch on
// message kind uses the tagged Type field rather than dynamic type
// inference, per spec.md §9's redesign note on dispatch.
package wire

import "time"

// Type tags a Message's payload kind so a receiver can dispatch on it
// without inspecting the payload shape.
type Type string

const (
	TypeTaskRequest             Type = "task_request"
	TypeOffer                   Type = "offer"
	TypeAssignment              Type = "assignment"
	TypeCancelAssignment        Type = "cancel_assignment"
	TypeReceipt                 Type = "receipt"
	TypeEndorsement             Type = "endorsement"
	TypeRevocation               Type = "revocation"
	TypeServiceAnnouncement     Type = "service_announcement"
	TypeServiceQuery             Type = "service_query"
	TypeServiceOffer             Type = "service_offer"
	TypeFileQuery                Type = "file_query"
	TypeFileOffer                Type = "file_offer"
	TypeStorageUpload             Type = "storage_upload"
	TypeStorageInventoryQuery    Type = "storage_inventory_query"
	TypeStorageInventoryResponse Type = "storage_inventory_response"
)

// Envelope is the top-level wrapper every wire message travels in:
// a tagged, signed payload. Payload carries the type-specific fields
// as a decoded JSON tree; callers type-assert/unmarshal it into one of
// the structs below according to Type.
type Envelope struct {
	Type            Type                   `json:"type"`
	Payload         map[string]interface{} `json:"payload"`
	SignerPublicKey string                 `json:"signerPublicKey"`
	Signature       string                 `json:"signature"`
}

// TaskRequest is broadcast by a requester to solicit Offers
// (spec.md §3, §4.9 step 2).
type TaskRequest struct {
	TaskID                  string                 `json:"taskId"`
	ServiceID                string                 `json:"serviceId"`
	Inputs                   []string               `json:"inputs"`
	Constraints              map[string]interface{} `json:"constraints,omitempty"`
	RequesterEphemeralPubKey string                 `json:"requesterEphemeralPubKey"`
	DelegationToken          map[string]interface{} `json:"delegationToken,omitempty"`
	Nonce                    string                 `json:"nonce"`
	ExpiresAt                time.Time              `json:"expiresAt"`
	TTLHops                  int                    `json:"ttlHops"`
}

// Offer is a candidate executor's signed response to a TaskRequest
// (spec.md §3, §4.9 step 3).
type Offer struct {
	TaskID                string                 `json:"taskId"`
	OffererEphemeralPubKey string                 `json:"offererEphemeralPubKey"`
	DelegationToken        map[string]interface{} `json:"delegationToken,omitempty"`
	FitnessScore           float64                `json:"fitnessScore"`
	ResourceReservation    map[string]interface{} `json:"resourceReservation,omitempty"`
	ExpiresAt              time.Time              `json:"expiresAt"`
}

// Assignment is the requester's signed selection of a winning Offer
// (spec.md §3, §4.9 step 6).
type Assignment struct {
	TaskID               string                 `json:"taskId"`
	SelectedOffererPubKey string                 `json:"selectedOffererPubKey"`
	ChallengeNonce        string                 `json:"challengeNonce"`
	IssuedAt              time.Time              `json:"issuedAt"`
	ExpiresAt             time.Time              `json:"expiresAt"`
	// AssignmentToken is the signed assignment-kind token the winner
	// must verify (challenge nonce, subject-binding) before executing,
	// per spec.md §4.9 step 7.
	AssignmentToken map[string]interface{} `json:"assignmentToken,omitempty"`
}

// CancelAssignment aborts a previously issued Assignment before
// execution completes (spec.md §4.9 "Cancellation").
type CancelAssignment struct {
	TaskID string    `json:"taskId"`
	Reason string    `json:"reason,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Receipt mirrors pkg/trust.Receipt on the wire.
type Receipt struct {
	UploaderPubKey string    `json:"uploaderPubKey"`
	BlobID         string    `json:"blobId,omitempty"`
	TaskID         string    `json:"taskId,omitempty"`
	Action         string    `json:"action"`
	PeerPubKey     string    `json:"peerPubKey,omitempty"`
	BytesServed    uint64    `json:"bytesServed,omitempty"`
	Success        bool      `json:"success"`
	Timestamp      time.Time `json:"timestamp"`
}

// Endorsement mirrors pkg/trust.Endorsement on the wire.
type Endorsement struct {
	FromPubKey string    `json:"fromPubKey"`
	ToPubKey   string    `json:"toPubKey"`
	IssuedAt   time.Time `json:"issuedAt"`
}

// Revocation is a signed announcement that a key is invalid from
// EffectiveFrom onward (spec.md §3 "Revocation Announcement").
type Revocation struct {
	RevokedPubKey string    `json:"revokedPubKey"`
	EffectiveFrom time.Time `json:"effectiveFrom"`
	TTLHops       int       `json:"ttlHops"`
	// EndorsedBy is set when this revocation is not self-signed by
	// RevokedPubKey but carried by an endorsing key instead, per the
	// fallback spec.md §9 leaves to the caller's policy.
	EndorsedBy string `json:"endorsedBy,omitempty"`
}

// ServiceAnnouncement mirrors pkg/meshnet.ServiceAnnouncement on the
// wire.
type ServiceAnnouncement struct {
	ServiceID            string                 `json:"serviceId"`
	Type                 string                 `json:"type"`
	Version              string                 `json:"version"`
	ResourceRequirements map[string]interface{} `json:"resourceRequirements,omitempty"`
	Capabilities         []string               `json:"capabilities,omitempty"`
	ExecutionProfile     map[string]interface{} `json:"executionProfile,omitempty"`
}

// ServiceQuery is a broadcast discovery request for a service
// (spec.md §4.8).
type ServiceQuery struct {
	QueryID                  string                 `json:"queryId"`
	Filter                   map[string]interface{} `json:"filter,omitempty"`
	TTLHops                  int                    `json:"ttlHops"`
	RequesterEphemeralPubKey string                 `json:"requesterEphemeralPubKey"`
}

// ServiceOffer unicasts a ServiceQuery response back to its
// originator.
type ServiceOffer struct {
	QueryID string              `json:"queryId"`
	Service ServiceAnnouncement `json:"service"`
}

// FileQuery is a broadcast discovery request for a blob (spec.md
// §4.8).
type FileQuery struct {
	QueryID       string `json:"queryId"`
	BlobID        string `json:"blobId,omitempty"`
	BlobIDPrefix  string `json:"blobIdPrefix,omitempty"`
	TTLHops       int    `json:"ttlHops"`
}

// FileOffer unicasts a FileQuery response.
type FileOffer struct {
	QueryID string `json:"queryId"`
	BlobID  string `json:"blobId"`
	SizeBytes int64 `json:"sizeBytes"`
}

// DefaultMaxChunkBytes is the fixed chunk size for StorageUpload,
// per spec.md §6.
const DefaultMaxChunkBytes = 64 * 1024

// StorageUploadChunk is one chunk of a chunked blob upload. ChunkIndex
// is monotonic starting at 0; the final chunk sets Final and
// TotalSize so the receiver can verify the reassembled hash equals
// BlobID.
type StorageUploadChunk struct {
	BlobID     string `json:"blobId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       []byte `json:"data"`
	Final      bool   `json:"final"`
	TotalSize  int64  `json:"totalSize,omitempty"`
	// Token is the signed storage_write capability token authorizing
	// this blobId/size to be written, per spec.md §4.5 step 8.
	Token map[string]interface{} `json:"token,omitempty"`
}

// StorageInventoryQuery asks a peer whether it already holds blobId,
// used by the Replication Engine's idempotence check (spec.md §4.7).
type StorageInventoryQuery struct {
	BlobID string `json:"blobId"`
}

// StorageInventoryResponse answers a StorageInventoryQuery.
type StorageInventoryResponse struct {
	BlobID  string `json:"blobId"`
	Present bool   `json:"present"`
}
