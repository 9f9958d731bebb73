// Package goap persists goal-oriented action planning records and builds
// plans over them with forward A* search. Actions declare boolean
// preconditions and effects; a plan is an ordered action sequence that
// transforms a starting world state into one satisfying a goal. Committed
// plans are immutable.
package goap

import (
	"sort"
	"strings"
	"time"

	"github.com/swarmmem/swarmmem/pkg/agent"
)

// WorldState is a set of named boolean facts. Absent keys read as false.
type WorldState map[string]bool

// Satisfies reports whether every condition holds in the receiver.
func (w WorldState) Satisfies(conditions WorldState) bool {
	for key, want := range conditions {
		if w[key] != want {
			return false
		}
	}
	return true
}

// Apply returns a copy of the receiver with the effects applied. The
// receiver is not modified.
func (w WorldState) Apply(effects WorldState) WorldState {
	next := make(WorldState, len(w)+len(effects))
	for k, v := range w {
		next[k] = v
	}
	for k, v := range effects {
		next[k] = v
	}
	return next
}

// key returns a canonical string form used to dedupe visited states.
func (w WorldState) key() string {
	keys := make([]string, 0, len(w))
	for k, v := range w {
		if v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}

// Action is one planning operator.
type Action struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Cost          float64    `json:"cost"`
	Preconditions WorldState `json:"preconditions"`
	Effects       WorldState `json:"effects"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Goal is a desired world state with a priority for goal selection.
type Goal struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Desired   WorldState `json:"desired"`
	Priority  int        `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Plan is an ordered action sequence toward a goal. Once committed a plan
// cannot be modified or deleted.
type Plan struct {
	ID        string     `json:"id"`
	AgentID   agent.ID   `json:"agent_id,omitempty"`
	GoalID    string     `json:"goal_id"`
	ActionIDs []string   `json:"action_ids"`
	TotalCost float64    `json:"total_cost"`
	Start     WorldState `json:"start"`
	Committed bool       `json:"committed"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
