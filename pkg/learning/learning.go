// Package learning persists agent experience and an action-value policy.
//
// The store keeps two kinds of rows: an append-only experience log and a
// mutable Q-value table, bound together by RecordExperience which treats
// one append plus one temporal-difference upsert as a single atomic unit.
// Aggregate snapshots are written every UpdateFrequency recordings made by
// the current process.
package learning

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/swarmmem/swarmmem/pkg/agent"
)

// Experience is one immutable observation in the append-only log.
type Experience struct {
	AgentID   agent.ID               `json:"agent_id"`
	State     map[string]interface{} `json:"state"`
	Action    string                 `json:"action"`
	Reward    float64                `json:"reward"`
	NextState map[string]interface{} `json:"next_state"`
	Timestamp time.Time              `json:"timestamp"`
}

// QValue is the learned value of one (agent, state, action) triple. Rows
// are mutated in place by the temporal-difference update.
type QValue struct {
	AgentID     agent.ID `json:"agent_id"`
	StateKey    string   `json:"state_key"`
	ActionKey   string   `json:"action_key"`
	Value       float64  `json:"value"`
	UpdateCount int64    `json:"update_count"`
}

// Snapshot captures aggregate learning metrics at an UpdateFrequency
// boundary of the current process.
type Snapshot struct {
	AgentID       agent.ID  `json:"agent_id"`
	Experiences   int64     `json:"experiences"`
	AverageReward float64   `json:"average_reward"`
	PolicySize    int       `json:"policy_size"`
	TakenAt       time.Time `json:"taken_at"`
}

// Config holds the Q-learning hyperparameters.
type Config struct {
	// Alpha is the learning rate
	Alpha float64

	// Gamma is the discount factor for future reward
	Gamma float64

	// UpdateFrequency is the in-process recording count between snapshots
	UpdateFrequency int
}

// DefaultConfig returns the standard hyperparameters.
func DefaultConfig() Config {
	return Config{
		Alpha:           0.1,
		Gamma:           0.9,
		UpdateFrequency: 10,
	}
}

// Discretize reduces a raw state map to a canonical state key. Keys are
// sorted, numeric values are bucketed to two decimals so near-identical
// observations share a key, and missing maps collapse to a fixed token.
func Discretize(state map[string]interface{}) string {
	if len(state) == 0 {
		return "empty"
	}
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+discretizeValue(state[k]))
	}
	return strings.Join(parts, "|")
}

func discretizeValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(val)
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(round2(val), 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(round2(float64(val)), 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+sign(v)*0.5)) / 100
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}

// qRowKey is the persisted key for a QValue row. The separator cannot
// occur in discretized state keys or action names produced by callers.
func qRowKey(agentID agent.ID, stateKey, action string) string {
	return string(agentID) + "\x1f" + stateKey + "\x1f" + action
}

// agentPrefix scopes a row scan to one agent.
func agentPrefix(agentID agent.ID) string {
	return string(agentID) + "\x1f"
}
