package agent

import (
	"fmt"
	"strings"
)

// ID uniquely identifies an agent in the swarm. The ID is the principal
// used for every access control decision.
type ID string

// AccessLevel defines the visibility of a stored resource, in ascending
// order of reach.
type AccessLevel int

const (
	// AccessPrivate restricts a resource to its owner.
	AccessPrivate AccessLevel = iota

	// AccessTeam shares a resource with agents holding the same team ID.
	AccessTeam

	// AccessSwarm shares a resource with agents holding the same swarm ID.
	AccessSwarm

	// AccessPublic makes a resource readable by any agent.
	AccessPublic

	// AccessSystem marks engine-owned resources readable by any agent and
	// deletable by system-level callers.
	AccessSystem
)

// accessLevelNames maps the canonical string tags to levels. These tags are
// what callers pass over the configuration and storage API surface.
var accessLevelNames = map[string]AccessLevel{
	"private": AccessPrivate,
	"team":    AccessTeam,
	"swarm":   AccessSwarm,
	"public":  AccessPublic,
	"system":  AccessSystem,
}

// ParseAccessLevel converts a string tag to an AccessLevel. It returns an
// error for unknown tags so malformed input fails fast at the API boundary.
func ParseAccessLevel(s string) (AccessLevel, error) {
	if level, ok := accessLevelNames[strings.ToLower(s)]; ok {
		return level, nil
	}
	return 0, fmt.Errorf("unknown access level %q", s)
}

// String returns the canonical tag for the level.
func (l AccessLevel) String() string {
	switch l {
	case AccessPrivate:
		return "private"
	case AccessTeam:
		return "team"
	case AccessSwarm:
		return "swarm"
	case AccessPublic:
		return "public"
	case AccessSystem:
		return "system"
	default:
		return fmt.Sprintf("accesslevel(%d)", int(l))
	}
}

// Valid reports whether the level is one of the known tags.
func (l AccessLevel) Valid() bool {
	return l >= AccessPrivate && l <= AccessSystem
}

// Context identifies the calling agent for an operation, along with the
// team and swarm membership consulted by the team/swarm access levels.
type Context struct {
	// AgentID is mandatory and is the ACL principal for the operation.
	AgentID ID

	// TeamID is optional team membership.
	TeamID string

	// SwarmID is optional swarm membership.
	SwarmID string
}

// NewContext creates a caller Context with the given agent ID and optional
// team and swarm membership.
func NewContext(agentID ID, teamID, swarmID string) Context {
	return Context{
		AgentID: agentID,
		TeamID:  teamID,
		SwarmID: swarmID,
	}
}
