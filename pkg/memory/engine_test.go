package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmmem/swarmmem/pkg/agent"
	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/memory"
	"github.com/swarmmem/swarmmem/pkg/store/memstore"
)

// testClock is a controllable time source.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T) (*memory.Engine, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	rows := memstore.NewMemStore()
	t.Cleanup(func() { rows.Close() })
	return memory.NewEngine(rows, memory.WithClock(clock.Now)), clock
}

func agentCtx(id agent.ID, teamID, swarmID string) context.Context {
	return agent.ContextWithAgent(context.Background(), agent.NewContext(id, teamID, swarmID))
}

func TestStoreAndRetrieve(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := agentCtx("a1", "", "")

	err := engine.Store(ctx, "greeting", "hello", memory.StoreOptions{
		AccessLevel: agent.AccessPrivate,
	})
	require.NoError(t, err)

	entry, err := engine.Retrieve(ctx, "greeting", memory.RetrieveOptions{})
	require.NoError(t, err)
	assert.Equal(t, "greeting", entry.Key)
	assert.Equal(t, memory.DefaultPartition, entry.Partition)
	assert.Equal(t, agent.ID("a1"), entry.Owner)
	assert.JSONEq(t, `"hello"`, string(entry.Value))
}

func TestRetrieveMissingKeyReturnsNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Retrieve(agentCtx("a1", "", ""), "absent", memory.RetrieveOptions{})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestStoreOverwriteKeepsCreatedAt(t *testing.T) {
	engine, clock := newTestEngine(t)
	ctx := agentCtx("a1", "", "")

	require.NoError(t, engine.Store(ctx, "k", "v1", memory.StoreOptions{}))
	first, err := engine.Retrieve(ctx, "k", memory.RetrieveOptions{})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, engine.Store(ctx, "k", "v2", memory.StoreOptions{}))

	second, err := engine.Retrieve(ctx, "k", memory.RetrieveOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.JSONEq(t, `"v2"`, string(second.Value))
}

func TestStoreValidation(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := agentCtx("a1", "", "")

	err := engine.Store(ctx, "", "v", memory.StoreOptions{})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	err = engine.Store(ctx, "k", "v", memory.StoreOptions{TTLSeconds: -2})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	err = engine.Store(ctx, "k", "v", memory.StoreOptions{AccessLevel: agent.AccessTeam})
	assert.True(t, errors.Is(err, errors.ErrValidation), "team level requires a team id")

	err = engine.Store(ctx, "k", "v", memory.StoreOptions{AccessLevel: agent.AccessSwarm})
	assert.True(t, errors.Is(err, errors.ErrValidation), "swarm level requires a swarm id")

	err = engine.Store(ctx, "k", "v", memory.StoreOptions{Partition: "bad:part"})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestAccessLevelVisibility(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := agentCtx("owner", "team-a", "swarm-x")

	cases := []struct {
		name    string
		opts    memory.StoreOptions
		reader  context.Context
		allowed bool
	}{
		{"private blocks others", memory.StoreOptions{AccessLevel: agent.AccessPrivate}, agentCtx("other", "team-a", "swarm-x"), false},
		{"private allows owner", memory.StoreOptions{AccessLevel: agent.AccessPrivate}, owner, true},
		{"team allows same team", memory.StoreOptions{AccessLevel: agent.AccessTeam, TeamID: "team-a"}, agentCtx("mate", "team-a", ""), true},
		{"team blocks other team", memory.StoreOptions{AccessLevel: agent.AccessTeam, TeamID: "team-a"}, agentCtx("rival", "team-b", ""), false},
		{"swarm allows same swarm", memory.StoreOptions{AccessLevel: agent.AccessSwarm, SwarmID: "swarm-x"}, agentCtx("peer", "", "swarm-x"), true},
		{"swarm blocks other swarm", memory.StoreOptions{AccessLevel: agent.AccessSwarm, SwarmID: "swarm-x"}, agentCtx("peer", "", "swarm-y"), false},
		{"public allows anyone", memory.StoreOptions{AccessLevel: agent.AccessPublic}, agentCtx("stranger", "", ""), true},
		{"system allows anyone", memory.StoreOptions{AccessLevel: agent.AccessSystem, Owner: "sys"}, agentCtx("stranger", "", ""), true},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key := "entry-" + string(rune('a'+i))
			require.NoError(t, engine.Store(owner, key, "v", tc.opts))

			_, err := engine.Retrieve(tc.reader, key, memory.RetrieveOptions{})
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, errors.ErrAccessDenied), "expected access denied, got %v", err)
			}
		})
	}
}

func TestStoreOverwriteRequiresWritePermission(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := agentCtx("owner", "", "")
	other := agentCtx("other", "", "")

	require.NoError(t, engine.Store(owner, "k1", "original", memory.StoreOptions{
		AccessLevel: agent.AccessPrivate,
	}))

	err := engine.Store(other, "k1", "hijacked", memory.StoreOptions{})
	assert.True(t, errors.Is(err, errors.ErrAccessDenied), "expected access denied, got %v", err)

	entry, err := engine.Retrieve(owner, "k1", memory.RetrieveOptions{})
	require.NoError(t, err)
	assert.Equal(t, agent.ID("owner"), entry.Owner)
	assert.JSONEq(t, `"original"`, string(entry.Value))
}

func TestWriteGrantAllowsOverwriteWithoutOwnership(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := agentCtx("owner", "", "")
	other := agentCtx("other", "", "")

	require.NoError(t, engine.Store(owner, "doc", "v1", memory.StoreOptions{
		AccessLevel: agent.AccessPrivate,
	}))
	require.NoError(t, engine.Grant(owner, "doc", "", "other", memory.PermissionWrite))

	require.NoError(t, engine.Store(other, "doc", "v2", memory.StoreOptions{}))

	entry, err := engine.Retrieve(owner, "doc", memory.RetrieveOptions{})
	require.NoError(t, err)
	assert.Equal(t, agent.ID("owner"), entry.Owner, "a write grant does not transfer ownership")
	assert.Equal(t, agent.AccessPrivate, entry.AccessLevel)
	assert.JSONEq(t, `"v2"`, string(entry.Value))
}

func TestBlockedAgentMayNotOverwrite(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := agentCtx("owner", "", "")
	banned := agentCtx("banned", "", "")

	require.NoError(t, engine.Store(owner, "open", "v1", memory.StoreOptions{
		AccessLevel: agent.AccessSystem, Owner: "owner",
	}))
	require.NoError(t, engine.Block(owner, "open", "", "banned"))

	err := engine.Store(banned, "open", "v2", memory.StoreOptions{AccessLevel: agent.AccessSystem, Owner: "banned"})
	assert.True(t, errors.Is(err, errors.ErrAccessDenied))
}

func TestAccessDeniedIsDistinctFromNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := agentCtx("owner", "", "")

	require.NoError(t, engine.Store(owner, "secret", "v", memory.StoreOptions{
		AccessLevel: agent.AccessPrivate,
	}))

	_, err := engine.Retrieve(agentCtx("other", "", ""), "secret", memory.RetrieveOptions{})
	assert.True(t, errors.Is(err, errors.ErrAccessDenied))
	assert.False(t, errors.Is(err, errors.ErrNotFound))
}

func TestGrantAndRevoke(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := agentCtx("owner", "", "")
	other := agentCtx("other", "", "")

	require.NoError(t, engine.Store(owner, "shared", "v", memory.StoreOptions{
		AccessLevel: agent.AccessPrivate,
	}))

	_, err := engine.Retrieve(other, "shared", memory.RetrieveOptions{})
	require.True(t, errors.Is(err, errors.ErrAccessDenied))

	require.NoError(t, engine.Grant(owner, "shared", "", "other", memory.PermissionRead))
	_, err = engine.Retrieve(other, "shared", memory.RetrieveOptions{})
	assert.NoError(t, err)

	require.NoError(t, engine.Revoke(owner, "shared", "", "other"))
	_, err = engine.Retrieve(other, "shared", memory.RetrieveOptions{})
	assert.True(t, errors.Is(err, errors.ErrAccessDenied))
}

func TestBlockOverridesPublic(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := agentCtx("owner", "", "")
	blocked := agentCtx("banned", "", "")

	require.NoError(t, engine.Store(owner, "open", "v", memory.StoreOptions{
		AccessLevel: agent.AccessPublic,
	}))
	require.NoError(t, engine.Block(owner, "open", "", "banned"))

	_, err := engine.Retrieve(blocked, "open", memory.RetrieveOptions{})
	assert.True(t, errors.Is(err, errors.ErrAccessDenied))

	require.NoError(t, engine.Unblock(owner, "open", "", "banned"))
	_, err = engine.Retrieve(blocked, "open", memory.RetrieveOptions{})
	assert.NoError(t, err)
}

func TestOnlyOwnerMayChangeACL(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := agentCtx("owner", "", "")
	other := agentCtx("other", "", "")

	require.NoError(t, engine.Store(owner, "mine", "v", memory.StoreOptions{
		AccessLevel: agent.AccessPublic,
	}))

	err := engine.Grant(other, "mine", "", "other", memory.PermissionRead)
	assert.True(t, errors.Is(err, errors.ErrAccessDenied))

	// A share grant delegates ACL management
	require.NoError(t, engine.Grant(owner, "mine", "", "other", memory.PermissionShare))
	assert.NoError(t, engine.Grant(other, "mine", "", "third", memory.PermissionRead))
}

func TestDeletePermissions(t *testing.T) {
	engine, _ := newTestEngine(t)
	owner := agentCtx("owner", "", "")
	other := agentCtx("other", "", "")

	require.NoError(t, engine.Store(owner, "k", "v", memory.StoreOptions{
		AccessLevel: agent.AccessPublic,
	}))

	err := engine.Delete(other, "k", "")
	assert.True(t, errors.Is(err, errors.ErrAccessDenied))

	require.NoError(t, engine.Delete(owner, "k", ""))
	_, err = engine.Retrieve(owner, "k", memory.RetrieveOptions{})
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestTTLExpiryReadsAsNotFound(t *testing.T) {
	engine, clock := newTestEngine(t)
	ctx := agentCtx("a1", "", "")

	require.NoError(t, engine.Store(ctx, "short", "v", memory.StoreOptions{TTLSeconds: 60}))
	require.NoError(t, engine.Store(ctx, "forever", "v", memory.StoreOptions{}))

	clock.Advance(61 * time.Second)

	_, err := engine.Retrieve(ctx, "short", memory.RetrieveOptions{})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	// TTL 0 means never expires, not already expired
	_, err = engine.Retrieve(ctx, "forever", memory.RetrieveOptions{})
	assert.NoError(t, err)
}

func TestTTLNeverOverridesConfiguredDefault(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	rows := memstore.NewMemStore()
	t.Cleanup(func() { rows.Close() })
	engine := memory.NewEngine(rows, memory.WithClock(clock.Now), memory.WithDefaultTTL(60))
	ctx := agentCtx("a1", "", "")

	require.NoError(t, engine.Store(ctx, "defaulted", "v", memory.StoreOptions{}))
	require.NoError(t, engine.Store(ctx, "pinned", "v", memory.StoreOptions{TTLSeconds: memory.TTLNever}))

	clock.Advance(61 * time.Second)

	_, err := engine.Retrieve(ctx, "defaulted", memory.RetrieveOptions{})
	assert.True(t, errors.Is(err, errors.ErrNotFound), "ttl 0 takes the configured default")

	entry, err := engine.Retrieve(ctx, "pinned", memory.RetrieveOptions{})
	require.NoError(t, err)
	assert.Zero(t, entry.ExpiresAt)
}

func TestSweepRemovesExpiredAndIsIdempotent(t *testing.T) {
	engine, clock := newTestEngine(t)
	ctx := agentCtx("a1", "", "")

	require.NoError(t, engine.Store(ctx, "e1", "v", memory.StoreOptions{TTLSeconds: 10}))
	require.NoError(t, engine.Store(ctx, "e2", "v", memory.StoreOptions{TTLSeconds: 10}))
	require.NoError(t, engine.Store(ctx, "keep", "v", memory.StoreOptions{}))

	clock.Advance(11 * time.Second)

	removed, err := engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = engine.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "second sweep removes nothing")

	_, err = engine.Retrieve(ctx, "keep", memory.RetrieveOptions{})
	assert.NoError(t, err)
}

func TestApplyReplicaLastWriterWins(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := agentCtx("a1", "", "")

	require.NoError(t, engine.Store(ctx, "k", "local", memory.StoreOptions{}))
	local, err := engine.Retrieve(ctx, "k", memory.RetrieveOptions{})
	require.NoError(t, err)

	older := *local
	older.Value = []byte(`"stale"`)
	older.LastModified = local.LastModified - 1000

	won, err := engine.ApplyReplica(context.Background(), older)
	require.NoError(t, err)
	assert.False(t, won, "older replica must lose")

	newer := *local
	newer.Value = []byte(`"fresh"`)
	newer.LastModified = local.LastModified + 1000

	won, err = engine.ApplyReplica(context.Background(), newer)
	require.NoError(t, err)
	assert.True(t, won)

	got, err := engine.Retrieve(ctx, "k", memory.RetrieveOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `"fresh"`, string(got.Value))
}

func TestModifiedSinceReturnsOnlyNewer(t *testing.T) {
	engine, clock := newTestEngine(t)
	ctx := agentCtx("a1", "", "")

	require.NoError(t, engine.Store(ctx, "old", "v", memory.StoreOptions{}))
	watermark := clock.Now().UnixMilli()

	clock.Advance(time.Second)
	require.NoError(t, engine.Store(ctx, "new", "v", memory.StoreOptions{}))

	entries, err := engine.ModifiedSince(context.Background(), watermark)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Key)
}

func TestPartitionsIsolateKeys(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := agentCtx("a1", "", "")

	require.NoError(t, engine.Store(ctx, "k", "one", memory.StoreOptions{Partition: "p1"}))
	require.NoError(t, engine.Store(ctx, "k", "two", memory.StoreOptions{Partition: "p2"}))

	first, err := engine.Retrieve(ctx, "k", memory.RetrieveOptions{Partition: "p1"})
	require.NoError(t, err)
	second, err := engine.Retrieve(ctx, "k", memory.RetrieveOptions{Partition: "p2"})
	require.NoError(t, err)

	assert.JSONEq(t, `"one"`, string(first.Value))
	assert.JSONEq(t, `"two"`, string(second.Value))
}
