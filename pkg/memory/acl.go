package memory

import (
	"github.com/swarmmem/swarmmem/pkg/agent"
)

// Permission is a single right an agent can hold on a resource.
type Permission string

// Permissions grantable on a resource.
const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
	PermissionShare  Permission = "share"
)

// ACLRecord is the access control record for one resource. A resource
// without a record falls back to its entry-level access level alone.
type ACLRecord struct {
	// ResourceID is the entry key the record governs
	ResourceID string `json:"resource_id"`

	// Owner mirrors the entry owner
	Owner agent.ID `json:"owner"`

	// AccessLevel mirrors the entry access level
	AccessLevel agent.AccessLevel `json:"access_level"`

	// Granted maps agent IDs to their explicitly granted permissions
	Granted map[agent.ID][]Permission `json:"granted,omitempty"`

	// Blocked lists agents denied regardless of any other rule
	Blocked map[agent.ID]bool `json:"blocked,omitempty"`
}

// hasGrant reports whether the record explicitly grants perm to agentID.
func (r *ACLRecord) hasGrant(agentID agent.ID, perm Permission) bool {
	if r == nil || r.Granted == nil {
		return false
	}
	for _, p := range r.Granted[agentID] {
		if p == perm {
			return true
		}
	}
	return false
}

// isBlocked reports whether agentID is on the record's block list.
func (r *ACLRecord) isBlocked(agentID agent.ID) bool {
	return r != nil && r.Blocked != nil && r.Blocked[agentID]
}

// canRead evaluates the read permission for caller against the entry and
// its optional ACL record. Evaluation order: block list first, then owner,
// then public/system visibility, then team/swarm membership, then explicit
// grants.
func canRead(entry *Entry, acl *ACLRecord, caller agent.Context) bool {
	if acl.isBlocked(caller.AgentID) {
		return false
	}
	if entry.Owner != "" && entry.Owner == caller.AgentID {
		return true
	}
	switch entry.AccessLevel {
	case agent.AccessPublic, agent.AccessSystem:
		return true
	case agent.AccessTeam:
		if entry.TeamID != "" && entry.TeamID == caller.TeamID {
			return true
		}
	case agent.AccessSwarm:
		if entry.SwarmID != "" && entry.SwarmID == caller.SwarmID {
			return true
		}
	}
	return acl.hasGrant(caller.AgentID, PermissionRead)
}

// canWrite evaluates the write permission for an overwrite of an existing
// entry: the owner may write, system entries accept any non-blocked writer,
// and an explicit write grant also suffices.
func canWrite(entry *Entry, acl *ACLRecord, caller agent.Context) bool {
	if acl.isBlocked(caller.AgentID) {
		return false
	}
	if entry.Owner != "" && entry.Owner == caller.AgentID {
		return true
	}
	if entry.AccessLevel == agent.AccessSystem {
		return true
	}
	return acl.hasGrant(caller.AgentID, PermissionWrite)
}

// canDelete evaluates the delete permission: the owner may delete, system
// entries may be deleted by any non-blocked caller, and an explicit delete
// grant also suffices.
func canDelete(entry *Entry, acl *ACLRecord, caller agent.Context) bool {
	if acl.isBlocked(caller.AgentID) {
		return false
	}
	if entry.Owner != "" && entry.Owner == caller.AgentID {
		return true
	}
	if entry.AccessLevel == agent.AccessSystem {
		return true
	}
	return acl.hasGrant(caller.AgentID, PermissionDelete)
}
