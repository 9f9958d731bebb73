package goap

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/swarmmem/swarmmem/pkg/agent"
	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/store"
)

// Store persists planning records in their own namespaces.
type Store struct {
	rows  store.RowStore
	clock func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// NewStore creates a planning record store.
func NewStore(rows store.RowStore, opts ...StoreOption) *Store {
	s := &Store{rows: rows, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveAction creates or updates an action. A missing id is generated.
func (s *Store) SaveAction(ctx context.Context, action *Action) error {
	if action.Name == "" {
		return errors.Wrap(errors.ErrValidation, "action name must not be empty")
	}
	now := s.clock().UTC()
	if action.ID == "" {
		action.ID = uuid.NewString()
		action.CreatedAt = now
	}
	action.UpdatedAt = now
	return s.put(ctx, store.NamespaceGoapActions, action.ID, action)
}

// GetAction loads one action by id.
func (s *Store) GetAction(ctx context.Context, id string) (*Action, error) {
	var action Action
	if err := s.get(ctx, store.NamespaceGoapActions, id, &action); err != nil {
		return nil, err
	}
	return &action, nil
}

// ListActions returns all actions sorted by name.
func (s *Store) ListActions(ctx context.Context) ([]Action, error) {
	var actions []Action
	err := s.rows.Scan(ctx, store.NamespaceGoapActions, func(row store.Row) error {
		var a Action
		if err := json.Unmarshal(row.Value, &a); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to decode action %s", row.Key)
		}
		actions = append(actions, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Name < actions[j].Name })
	return actions, nil
}

// DeleteAction removes an action record.
func (s *Store) DeleteAction(ctx context.Context, id string) error {
	return s.rows.Delete(ctx, store.NamespaceGoapActions, id)
}

// SaveGoal creates or updates a goal. A missing id is generated.
func (s *Store) SaveGoal(ctx context.Context, goal *Goal) error {
	if goal.Name == "" {
		return errors.Wrap(errors.ErrValidation, "goal name must not be empty")
	}
	if len(goal.Desired) == 0 {
		return errors.Wrap(errors.ErrValidation, "goal %s has no desired state", goal.Name)
	}
	now := s.clock().UTC()
	if goal.ID == "" {
		goal.ID = uuid.NewString()
		goal.CreatedAt = now
	}
	goal.UpdatedAt = now
	return s.put(ctx, store.NamespaceGoapGoals, goal.ID, goal)
}

// GetGoal loads one goal by id.
func (s *Store) GetGoal(ctx context.Context, id string) (*Goal, error) {
	var goal Goal
	if err := s.get(ctx, store.NamespaceGoapGoals, id, &goal); err != nil {
		return nil, err
	}
	return &goal, nil
}

// ListGoals returns all goals sorted by descending priority.
func (s *Store) ListGoals(ctx context.Context) ([]Goal, error) {
	var goals []Goal
	err := s.rows.Scan(ctx, store.NamespaceGoapGoals, func(row store.Row) error {
		var g Goal
		if err := json.Unmarshal(row.Value, &g); err != nil {
			return errors.Wrap(errors.ErrStorage, "failed to decode goal %s", row.Key)
		}
		goals = append(goals, g)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(goals, func(i, j int) bool { return goals[i].Priority > goals[j].Priority })
	return goals, nil
}

// DeleteGoal removes a goal record.
func (s *Store) DeleteGoal(ctx context.Context, id string) error {
	return s.rows.Delete(ctx, store.NamespaceGoapGoals, id)
}

// Formulate plans from start toward the stored goal using every stored
// action, persists the resulting plan, and returns it. The plan starts
// uncommitted.
func (s *Store) Formulate(ctx context.Context, agentID agent.ID, goalID string, start WorldState) (*Plan, error) {
	goal, err := s.GetGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	actions, err := s.ListActions(ctx)
	if err != nil {
		return nil, err
	}

	actionIDs, cost, err := FormulatePlan(start, *goal, actions)
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	plan := &Plan{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		GoalID:    goal.ID,
		ActionIDs: actionIDs,
		TotalCost: cost,
		Start:     start,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.put(ctx, store.NamespaceGoapPlans, plan.ID, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// GetPlan loads one plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (*Plan, error) {
	var plan Plan
	if err := s.get(ctx, store.NamespaceGoapPlans, id, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// SavePlan updates an uncommitted plan. Mutating a committed plan is a
// validation error.
func (s *Store) SavePlan(ctx context.Context, plan *Plan) error {
	if plan.ID == "" {
		return errors.Wrap(errors.ErrValidation, "plan id must not be empty")
	}
	existing, err := s.GetPlan(ctx, plan.ID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Committed {
		return errors.Wrap(errors.ErrValidation, "plan %s is committed and immutable", plan.ID)
	}
	plan.UpdatedAt = s.clock().UTC()
	return s.put(ctx, store.NamespaceGoapPlans, plan.ID, plan)
}

// CommitPlan freezes a plan. Committing twice is a no-op.
func (s *Store) CommitPlan(ctx context.Context, id string) error {
	plan, err := s.GetPlan(ctx, id)
	if err != nil {
		return err
	}
	if plan.Committed {
		return nil
	}
	plan.Committed = true
	plan.UpdatedAt = s.clock().UTC()
	return s.put(ctx, store.NamespaceGoapPlans, plan.ID, plan)
}

// DeletePlan removes an uncommitted plan. Committed plans are immutable
// records and cannot be deleted.
func (s *Store) DeletePlan(ctx context.Context, id string) error {
	plan, err := s.GetPlan(ctx, id)
	if err != nil {
		return err
	}
	if plan.Committed {
		return errors.Wrap(errors.ErrValidation, "plan %s is committed and immutable", id)
	}
	return s.rows.Delete(ctx, store.NamespaceGoapPlans, id)
}

func (s *Store) get(ctx context.Context, ns, id string, out interface{}) error {
	row, err := s.rows.Get(ctx, ns, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(row.Value, out); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to decode %s record %s", ns, id)
	}
	return nil
}

func (s *Store) put(ctx context.Context, ns, id string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to encode %s record %s", ns, id)
	}
	return s.rows.Put(ctx, ns, id, raw)
}
