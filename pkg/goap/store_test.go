package goap_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/goap"
	"github.com/swarmmem/swarmmem/pkg/store/memstore"
)

func newTestPlanStore(t *testing.T) *goap.Store {
	t.Helper()
	rows := memstore.NewMemStore()
	t.Cleanup(func() { rows.Close() })
	fixed := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	return goap.NewStore(rows, goap.WithClock(func() time.Time { return fixed }))
}

func seedShelterWorld(t *testing.T, s *goap.Store) (goalID string) {
	t.Helper()
	ctx := context.Background()
	for _, a := range actionSet() {
		action := a
		require.NoError(t, s.SaveAction(ctx, &action))
	}
	goal := &goap.Goal{Name: "shelter", Desired: goap.WorldState{"has_shelter": true}}
	require.NoError(t, s.SaveGoal(ctx, goal))
	return goal.ID
}

func TestSaveActionGeneratesID(t *testing.T) {
	s := newTestPlanStore(t)
	ctx := context.Background()

	action := &goap.Action{Name: "scout", Cost: 1, Effects: goap.WorldState{"scouted": true}}
	require.NoError(t, s.SaveAction(ctx, action))
	assert.NotEmpty(t, action.ID)

	loaded, err := s.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, "scout", loaded.Name)
}

func TestSaveActionRequiresName(t *testing.T) {
	s := newTestPlanStore(t)

	err := s.SaveAction(context.Background(), &goap.Action{Cost: 1})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestSaveGoalRequiresDesiredState(t *testing.T) {
	s := newTestPlanStore(t)

	err := s.SaveGoal(context.Background(), &goap.Goal{Name: "idle"})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestListGoalsOrdersByPriority(t *testing.T) {
	s := newTestPlanStore(t)
	ctx := context.Background()

	low := &goap.Goal{Name: "tidy", Priority: 1, Desired: goap.WorldState{"tidy": true}}
	high := &goap.Goal{Name: "survive", Priority: 10, Desired: goap.WorldState{"alive": true}}
	require.NoError(t, s.SaveGoal(ctx, low))
	require.NoError(t, s.SaveGoal(ctx, high))

	goals, err := s.ListGoals(ctx)
	require.NoError(t, err)
	require.Len(t, goals, 2)
	assert.Equal(t, "survive", goals[0].Name)
	assert.Equal(t, "tidy", goals[1].Name)
}

func TestFormulatePersistsUncommittedPlan(t *testing.T) {
	s := newTestPlanStore(t)
	ctx := context.Background()
	goalID := seedShelterWorld(t, s)

	plan, err := s.Formulate(ctx, "a1", goalID, goap.WorldState{})
	require.NoError(t, err)
	assert.False(t, plan.Committed)
	assert.InDelta(t, 6.0, plan.TotalCost, 1e-9)
	assert.Len(t, plan.ActionIDs, 3)

	loaded, err := s.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ActionIDs, loaded.ActionIDs)
}

func TestFormulateUnknownGoal(t *testing.T) {
	s := newTestPlanStore(t)

	_, err := s.Formulate(context.Background(), "a1", "missing", goap.WorldState{})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestCommittedPlanIsImmutable(t *testing.T) {
	s := newTestPlanStore(t)
	ctx := context.Background()
	goalID := seedShelterWorld(t, s)

	plan, err := s.Formulate(ctx, "a1", goalID, goap.WorldState{})
	require.NoError(t, err)
	require.NoError(t, s.CommitPlan(ctx, plan.ID))

	// Committing again is a no-op
	require.NoError(t, s.CommitPlan(ctx, plan.ID))

	plan.TotalCost = 0
	err = s.SavePlan(ctx, plan)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	err = s.DeletePlan(ctx, plan.ID)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	loaded, err := s.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Committed)
	assert.InDelta(t, 6.0, loaded.TotalCost, 1e-9)
}

func TestUncommittedPlanCanBeDeleted(t *testing.T) {
	s := newTestPlanStore(t)
	ctx := context.Background()
	goalID := seedShelterWorld(t, s)

	plan, err := s.Formulate(ctx, "a1", goalID, goap.WorldState{})
	require.NoError(t, err)
	require.NoError(t, s.DeletePlan(ctx, plan.ID))

	_, err = s.GetPlan(ctx, plan.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}
