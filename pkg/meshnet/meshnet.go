// Package meshnet defines the identifiers and records shared by every
// component: node addresses, peer records, and service announcements
// (spec.md §3). It has no behavior of its own; it exists so components
// don't each invent their own notion of "which node".
package meshnet

import (
	"encoding/hex"
	"time"
)

// NodeID is a mesh address, not a persistent identity: it names a
// reachable point on the transport, not a trust-bearing key. Peers are
// re-addressed across restarts; pkg/pkcrypto keys carry identity.
type NodeID [20]byte

// String renders id as lowercase hex.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Role is a capability flag governing which mesh services a node
// currently provides (spec.md GLOSSARY "Role").
type Role string

const (
	RoleParticipant     Role = "participant"
	RoleStorage         Role = "storage"
	RoleRelay           Role = "relay"
	RoleCompute         Role = "compute"
	RoleTorGateway      Role = "tor_gateway"
	RoleClearnetGateway Role = "clearnet_gateway"
	RoleI2PGateway      Role = "i2p_gateway"
)

// PowerHint is the coarse power/thermal budget a node advertises,
// consulted by the Replication Engine's candidate filter (spec.md
// §4.7) and the Role Manager's gating rules (spec.md §4.10).
type PowerHint string

const (
	PowerHintMains    PowerHint = "mains"
	PowerHintBattery  PowerHint = "battery"
	PowerHintThrottled PowerHint = "throttled"
)

// PeerRecord is the Peer Record of spec.md §3: a node observed on the
// mesh, not a persistent trust relationship.
type PeerRecord struct {
	NodeID          NodeID
	LastSeen        time.Time
	HopDistance     int
	CurrentRoles    []Role
	CapabilityFlags []string
	PowerHint       PowerHint
	FreeSpaceHint   uint64
}

// HasRole reports whether the peer currently advertises role.
func (p PeerRecord) HasRole(role Role) bool {
	for _, r := range p.CurrentRoles {
		if r == role {
			return true
		}
	}
	return false
}

// HasCapability reports whether the peer advertises capability flag.
func (p PeerRecord) HasCapability(flag string) bool {
	for _, f := range p.CapabilityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// ServiceType enumerates the service kinds carried in a Service
// Announcement (spec.md §3).
type ServiceType string

const (
	ServiceStorage  ServiceType = "storage"
	ServicePython   ServiceType = "python"
	ServiceML       ServiceType = "ml"
	ServiceJava     ServiceType = "java"
	ServiceNative   ServiceType = "native"
	ServiceWorkflow ServiceType = "workflow"
)

// ServiceAnnouncement advertises a service this node can run, as
// described in spec.md §3.
type ServiceAnnouncement struct {
	ServiceID            string
	Type                 ServiceType
	Version              string
	ResourceRequirements map[string]interface{}
	Capabilities         []string
	ExecutionProfile      map[string]interface{}
	SignerPublicKey      string
	Signature            string
}
