package syncer_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/swarmmem/swarmmem/pkg/agent"
	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/memory"
	"github.com/swarmmem/swarmmem/pkg/store/memstore"
	"github.com/swarmmem/swarmmem/pkg/syncer"
)

func newNode(t *testing.T) *memory.Engine {
	t.Helper()
	rows := memstore.NewMemStore()
	t.Cleanup(func() { rows.Close() })
	return memory.NewEngine(rows)
}

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func agentCtx(id agent.ID) context.Context {
	return agent.ContextWithAgentID(context.Background(), id)
}

func TestTwoNodePropagation(t *testing.T) {
	ctx := context.Background()
	source := newNode(t)
	target := newNode(t)

	targetPort := freePort(t)
	inbound, err := syncer.NewTransport(target, syncer.Config{
		Enabled: true,
		Host:    "127.0.0.1",
		Port:    targetPort,
		// Long interval so only explicit SyncNow calls push
		SyncIntervalMs: 600000,
	})
	require.NoError(t, err)
	require.NoError(t, inbound.Start(ctx))
	t.Cleanup(func() { inbound.Stop(context.Background()) })

	outbound, err := syncer.NewTransport(source, syncer.Config{
		Enabled:        true,
		Host:           "127.0.0.1",
		Port:           freePort(t),
		SyncIntervalMs: 600000,
		Peers:          []syncer.Peer{{Host: "127.0.0.1", Port: targetPort}},
	})
	require.NoError(t, err)
	require.NoError(t, outbound.Start(ctx))
	t.Cleanup(func() { outbound.Stop(context.Background()) })

	owner := agentCtx("a1")
	require.NoError(t, source.Store(owner, "shared-key", "replicated value", memory.StoreOptions{
		AccessLevel: agent.AccessPublic,
	}))

	outbound.SyncNow(ctx)

	entry, err := target.Retrieve(owner, "shared-key", memory.RetrieveOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `"replicated value"`, string(entry.Value))

	m := outbound.Metrics()
	assert.Equal(t, int64(1), m.TotalSyncs)
	assert.Equal(t, int64(1), m.SuccessfulSyncs)
	assert.Zero(t, m.FailedSyncs)
	assert.Greater(t, m.BytesTransferred, int64(0))
}

func TestSyncNowSkipsWhenNothingChanged(t *testing.T) {
	ctx := context.Background()
	source := newNode(t)
	target := newNode(t)

	targetPort := freePort(t)
	inbound, err := syncer.NewTransport(target, syncer.Config{
		Enabled:        true,
		Host:           "127.0.0.1",
		Port:           targetPort,
		SyncIntervalMs: 600000,
	})
	require.NoError(t, err)
	require.NoError(t, inbound.Start(ctx))
	t.Cleanup(func() { inbound.Stop(context.Background()) })

	outbound, err := syncer.NewTransport(source, syncer.Config{
		Enabled:        true,
		Host:           "127.0.0.1",
		Port:           freePort(t),
		SyncIntervalMs: 600000,
		Peers:          []syncer.Peer{{Host: "127.0.0.1", Port: targetPort}},
	})
	require.NoError(t, err)
	require.NoError(t, outbound.Start(ctx))
	t.Cleanup(func() { outbound.Stop(context.Background()) })

	require.NoError(t, source.Store(agentCtx("a1"), "k", "v", memory.StoreOptions{}))
	outbound.SyncNow(ctx)
	outbound.SyncNow(ctx)

	m := outbound.Metrics()
	assert.Equal(t, int64(1), m.TotalSyncs, "the second tick has nothing past the watermark")
}

func TestPushToUnreachablePeerCountsFailure(t *testing.T) {
	ctx := context.Background()
	source := newNode(t)

	outbound, err := syncer.NewTransport(source, syncer.Config{
		Enabled:        true,
		Host:           "127.0.0.1",
		Port:           freePort(t),
		SyncIntervalMs: 600000,
		Peers:          []syncer.Peer{{Host: "127.0.0.1", Port: freePort(t)}},
	})
	require.NoError(t, err)

	require.NoError(t, source.Store(agentCtx("a1"), "k", "v", memory.StoreOptions{}))
	outbound.SyncNow(ctx)

	m := outbound.Metrics()
	assert.Equal(t, int64(1), m.TotalSyncs)
	assert.Equal(t, int64(1), m.FailedSyncs)
	assert.Zero(t, m.SuccessfulSyncs)
}

func TestAddPeerLimits(t *testing.T) {
	transport, err := syncer.NewTransport(newNode(t), syncer.Config{MaxPeers: 2})
	require.NoError(t, err)

	require.NoError(t, transport.AddPeer(syncer.Peer{Host: "10.0.0.1", Port: 9001}))
	require.NoError(t, transport.AddPeer(syncer.Peer{Host: "10.0.0.2", Port: 9001}))

	// Re-adding a known peer never counts against the limit
	require.NoError(t, transport.AddPeer(syncer.Peer{Host: "10.0.0.1", Port: 9001}))

	err = transport.AddPeer(syncer.Peer{Host: "10.0.0.3", Port: 9001})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	transport.RemovePeer(syncer.Peer{Host: "10.0.0.1", Port: 9001})
	assert.NoError(t, transport.AddPeer(syncer.Peer{Host: "10.0.0.3", Port: 9001}))
}

func TestAddPeerValidation(t *testing.T) {
	transport, err := syncer.NewTransport(newNode(t), syncer.Config{})
	require.NoError(t, err)

	err = transport.AddPeer(syncer.Peer{Port: 9001})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	err = transport.AddPeer(syncer.Peer{Host: "10.0.0.1"})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestDisabledTransportDoesNothing(t *testing.T) {
	ctx := context.Background()
	transport, err := syncer.NewTransport(newNode(t), syncer.Config{Enabled: false, Port: 1})
	require.NoError(t, err)

	// Port 1 would fail to bind; a disabled transport never tries
	require.NoError(t, transport.Start(ctx))
	require.NoError(t, transport.Stop(ctx))

	m := transport.Metrics()
	assert.Zero(t, m.TotalSyncs)
	assert.Zero(t, m.BytesTransferred)
}

func TestStopAfterFailedStartIsSafe(t *testing.T) {
	ctx := context.Background()

	// Occupy the port so Start fails at bind time
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	port := listener.Addr().(*net.TCPAddr).Port

	transport, err := syncer.NewTransport(newNode(t), syncer.Config{
		Enabled:        true,
		Host:           "127.0.0.1",
		Port:           port,
		SyncIntervalMs: 600000,
	})
	require.NoError(t, err)

	err = transport.Start(ctx)
	require.True(t, errors.Is(err, errors.ErrSync))

	assert.NotPanics(t, func() {
		assert.NoError(t, transport.Stop(ctx))
	})
}

func TestStartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	transport, err := syncer.NewTransport(newNode(t), syncer.Config{
		Enabled:        true,
		Host:           "127.0.0.1",
		Port:           freePort(t),
		SyncIntervalMs: 50,
	})
	require.NoError(t, err)

	require.NoError(t, transport.Start(ctx))
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, transport.Stop(ctx))

	// Stopping again is a no-op
	require.NoError(t, transport.Stop(ctx))
}

func TestPrometheusRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := syncer.NewTransport(newNode(t), syncer.Config{},
		syncer.WithPrometheus(reg))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["swarmmem_sync_attempts_total"])
	assert.True(t, names["swarmmem_sync_failures_total"])
	assert.True(t, names["swarmmem_sync_bytes_total"])
	assert.True(t, names["swarmmem_sync_duration_seconds"])
}
