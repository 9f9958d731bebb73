package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmmem/swarmmem/pkg/agent"
	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/store"
)

// Store implements the learning state store on top of a RowStore. The
// in-memory policy table is authoritative for reads once RestoreOnInit has
// run; every temporal-difference update is persisted before it is visible.
type Store struct {
	rows  store.RowStore
	cfg   Config
	clock func() time.Time

	mu sync.Mutex
	// policy holds Q-values per agent: stateKey -> action -> value
	policy map[agent.ID]map[string]map[string]*QValue
	// recorded counts in-process recordings per agent; resets on restart
	recorded map[agent.ID]int64
	// rewardSum feeds the snapshot average; same lifetime as recorded
	rewardSum map[agent.ID]float64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// NewStore creates a learning store. Zero-value config fields fall back to
// the defaults.
func NewStore(rows store.RowStore, cfg Config, opts ...StoreOption) *Store {
	def := DefaultConfig()
	if cfg.Alpha == 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.Gamma == 0 {
		cfg.Gamma = def.Gamma
	}
	if cfg.UpdateFrequency == 0 {
		cfg.UpdateFrequency = def.UpdateFrequency
	}
	s := &Store{
		rows:      rows,
		cfg:       cfg,
		clock:     time.Now,
		policy:    make(map[agent.ID]map[string]map[string]*QValue),
		recorded:  make(map[agent.ID]int64),
		rewardSum: make(map[agent.ID]float64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordExperience appends one immutable experience row and applies the
// temporal-difference update newQ = oldQ + alpha*(reward + gamma*maxQ' - oldQ)
// to the matching Q-value, as a single atomic unit. Every UpdateFrequency
// recordings made by this process a Snapshot row is persisted; a restart
// mid-cycle starts the count over rather than crediting the prior session.
func (s *Store) RecordExperience(ctx context.Context, agentID agent.ID, state map[string]interface{}, action string, reward float64, nextState map[string]interface{}) error {
	if agentID == "" {
		return errors.Wrap(errors.ErrValidation, "agent id must not be empty")
	}
	if action == "" {
		return errors.Wrap(errors.ErrValidation, "action must not be empty")
	}
	if strings.Contains(action, "\x1f") {
		return errors.Wrap(errors.ErrValidation, "action must not contain the key separator")
	}

	now := s.clock().UTC()
	exp := Experience{
		AgentID:   agentID,
		State:     state,
		Action:    action,
		Reward:    reward,
		NextState: nextState,
		Timestamp: now,
	}
	raw, err := json.Marshal(exp)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to encode experience")
	}

	stateKey := Discretize(state)
	nextKey := Discretize(nextState)

	s.mu.Lock()
	defer s.mu.Unlock()

	expKey := fmt.Sprintf("%s%020d\x1f%s", agentPrefix(agentID), now.UnixNano(), uuid.NewString()[:8])
	if err := s.rows.Put(ctx, store.NamespaceExperiences, expKey, raw); err != nil {
		return err
	}

	q, err := s.loadQLocked(ctx, agentID, stateKey, action)
	if err != nil {
		return err
	}
	maxNext := s.maxQLocked(agentID, nextKey)
	q.Value += s.cfg.Alpha * (reward + s.cfg.Gamma*maxNext - q.Value)
	q.UpdateCount++
	if err := s.putQLocked(ctx, q); err != nil {
		return err
	}

	s.recorded[agentID]++
	s.rewardSum[agentID] += reward
	if s.recorded[agentID]%int64(s.cfg.UpdateFrequency) == 0 {
		if err := s.snapshotLocked(ctx, agentID, now); err != nil {
			log.WarnContext(ctx, "Failed to persist learning snapshot",
				"agent_id", agentID, "error", err)
		}
	}
	return nil
}

// TotalExperiences returns the number of experiences recorded by this
// process for the agent. It resets on restart; use CountExperiences for
// the persisted total.
func (s *Store) TotalExperiences(agentID agent.ID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorded[agentID]
}

// CountExperiences returns the persisted experience row count for the
// agent, surviving restarts.
func (s *Store) CountExperiences(ctx context.Context, agentID agent.ID) (int64, error) {
	prefix := agentPrefix(agentID)
	var count int64
	err := s.rows.Scan(ctx, store.NamespaceExperiences, func(row store.Row) error {
		if strings.HasPrefix(row.Key, prefix) {
			count++
		}
		return nil
	})
	return count, err
}

// RestoreOnInit loads every persisted Q-value for the agent into the
// in-memory policy table. The in-process experience counter is left at
// zero; the experience log is not replayed.
func (s *Store) RestoreOnInit(ctx context.Context, agentID agent.ID) error {
	prefix := agentPrefix(agentID)
	restored := 0
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.rows.Scan(ctx, store.NamespaceQValues, func(row store.Row) error {
		if !strings.HasPrefix(row.Key, prefix) {
			return nil
		}
		var q QValue
		if err := json.Unmarshal(row.Value, &q); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to decode q-value %s", row.Key)
		}
		s.cacheQLocked(&q)
		restored++
		return nil
	})
	if err != nil {
		return err
	}
	log.DebugContext(ctx, "Restored learning policy", "agent_id", agentID, "q_values", restored)
	return nil
}

// RecommendStrategy returns the action with the highest learned value for
// the given state, along with that value. ErrNotFound when the agent has
// no learned values for the state.
func (s *Store) RecommendStrategy(ctx context.Context, agentID agent.ID, state map[string]interface{}) (string, float64, error) {
	stateKey := Discretize(state)

	s.mu.Lock()
	defer s.mu.Unlock()

	actions := s.actionsLocked(agentID, stateKey)
	if len(actions) == 0 {
		return "", 0, errors.Wrap(errors.ErrNotFound, "no learned values for agent %s in state %s", agentID, stateKey)
	}

	best := ""
	bestValue := 0.0
	for action, q := range actions {
		if best == "" || q.Value > bestValue || (q.Value == bestValue && action < best) {
			best = action
			bestValue = q.Value
		}
	}
	return best, bestValue, nil
}

// ResetAgent deletes every persisted Q-value for the agent and clears its
// in-memory policy and counters. The experience log is append-only and is
// left intact.
func (s *Store) ResetAgent(ctx context.Context, agentID agent.ID) error {
	prefix := agentPrefix(agentID)
	var keys []string
	err := s.rows.Scan(ctx, store.NamespaceQValues, func(row store.Row) error {
		if strings.HasPrefix(row.Key, prefix) {
			keys = append(keys, row.Key)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if err := s.rows.Delete(ctx, store.NamespaceQValues, key); err != nil {
			return err
		}
	}
	delete(s.policy, agentID)
	delete(s.recorded, agentID)
	delete(s.rewardSum, agentID)
	log.DebugContext(ctx, "Reset learning state", "agent_id", agentID, "q_values", len(keys))
	return nil
}

func (s *Store) actionsLocked(agentID agent.ID, stateKey string) map[string]*QValue {
	states, ok := s.policy[agentID]
	if !ok {
		return nil
	}
	return states[stateKey]
}

// maxQLocked returns the bootstrap value for a state. Untried actions carry
// an implicit Q of 0, so a state whose tried actions are all negative still
// bootstraps as 0: the learner assumes an unexplored action is neutral.
func (s *Store) maxQLocked(agentID agent.ID, stateKey string) float64 {
	max := 0.0
	for _, q := range s.actionsLocked(agentID, stateKey) {
		if q.Value > max {
			max = q.Value
		}
	}
	return max
}

// loadQLocked returns the cached Q-value, falling back to the persisted
// row so updates before RestoreOnInit do not clobber prior learning.
func (s *Store) loadQLocked(ctx context.Context, agentID agent.ID, stateKey, action string) (*QValue, error) {
	if q, ok := s.actionsLocked(agentID, stateKey)[action]; ok {
		return q, nil
	}
	row, err := s.rows.Get(ctx, store.NamespaceQValues, qRowKey(agentID, stateKey, action))
	if err == nil {
		var q QValue
		if err := json.Unmarshal(row.Value, &q); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to decode q-value")
		}
		s.cacheQLocked(&q)
		return &q, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}
	q := &QValue{AgentID: agentID, StateKey: stateKey, ActionKey: action}
	s.cacheQLocked(q)
	return q, nil
}

func (s *Store) cacheQLocked(q *QValue) {
	states, ok := s.policy[q.AgentID]
	if !ok {
		states = make(map[string]map[string]*QValue)
		s.policy[q.AgentID] = states
	}
	actions, ok := states[q.StateKey]
	if !ok {
		actions = make(map[string]*QValue)
		states[q.StateKey] = actions
	}
	actions[q.ActionKey] = q
}

func (s *Store) putQLocked(ctx context.Context, q *QValue) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to encode q-value")
	}
	return s.rows.Put(ctx, store.NamespaceQValues, qRowKey(q.AgentID, q.StateKey, q.ActionKey), raw)
}

func (s *Store) snapshotLocked(ctx context.Context, agentID agent.ID, now time.Time) error {
	recorded := s.recorded[agentID]
	snap := Snapshot{
		AgentID:       agentID,
		Experiences:   recorded,
		AverageReward: s.rewardSum[agentID] / float64(recorded),
		PolicySize:    s.policySizeLocked(agentID),
		TakenAt:       now,
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to encode snapshot")
	}
	key := fmt.Sprintf("%s%020d", agentPrefix(agentID), now.UnixNano())
	return s.rows.Put(ctx, store.NamespaceHistory, key, raw)
}

func (s *Store) policySizeLocked(agentID agent.ID) int {
	size := 0
	for _, actions := range s.policy[agentID] {
		size += len(actions)
	}
	return size
}

// Snapshots returns the persisted snapshot history for the agent in
// chronological order.
func (s *Store) Snapshots(ctx context.Context, agentID agent.ID) ([]Snapshot, error) {
	prefix := agentPrefix(agentID)
	var snaps []Snapshot
	err := s.rows.Scan(ctx, store.NamespaceHistory, func(row store.Row) error {
		if !strings.HasPrefix(row.Key, prefix) {
			return nil
		}
		var snap Snapshot
		if err := json.Unmarshal(row.Value, &snap); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to decode snapshot %s", row.Key)
		}
		snaps = append(snaps, snap)
		return nil
	})
	return snaps, err
}
