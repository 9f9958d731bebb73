// Package syncer replicates memory entries between swarm nodes over
// websockets. Replication is push-based and last-writer-wins: every tick
// each peer receives the entries modified since its last successful sync,
// and inbound deltas are applied through the engine's replica path. The
// transport is disabled by default and, when disabled, has no side
// effects at all.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/memory"
)

// syncPath is the websocket endpoint peers push deltas to.
const syncPath = "/v1/sync"

// peerTimeout bounds one full push to a peer, dial included.
const peerTimeout = 10 * time.Second

// Peer identifies one remote node.
type Peer struct {
	Host string
	Port int
}

func (p Peer) addr() string {
	return net.JoinHostPort(p.Host, fmt.Sprintf("%d", p.Port))
}

func (p Peer) url() string {
	return "ws://" + p.addr() + syncPath
}

// Config controls the sync transport.
type Config struct {
	Enabled        bool
	Host           string
	Port           int
	SyncIntervalMs int
	MaxPeers       int
	Peers          []Peer
}

// delta is one replication frame on the wire.
type delta struct {
	Entries []memory.Entry `json:"entries"`
	SentAt  int64          `json:"sent_at"`
	Source  string         `json:"source"`
}

// ack closes one replication exchange.
type ack struct {
	Applied int `json:"applied"`
}

// Transport pushes local changes to peers and serves inbound deltas.
type Transport struct {
	cfg     Config
	engine  *memory.Engine
	metrics *metricsRecorder

	mu       sync.Mutex
	peers    map[string]Peer
	lastSync map[string]int64
	running  bool

	server *http.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithPrometheus mirrors the transport counters into the given registerer.
func WithPrometheus(reg prometheus.Registerer) TransportOption {
	return func(t *Transport) { t.metrics = newMetricsRecorder(reg) }
}

// NewTransport creates a sync transport over the given engine. Configured
// peers are registered immediately; nothing runs until Start.
func NewTransport(engine *memory.Engine, cfg Config, opts ...TransportOption) (*Transport, error) {
	if cfg.SyncIntervalMs <= 0 {
		cfg.SyncIntervalMs = 5000
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 8
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	t := &Transport{
		cfg:      cfg,
		engine:   engine,
		metrics:  newMetricsRecorder(nil),
		peers:    make(map[string]Peer),
		lastSync: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, peer := range cfg.Peers {
		if err := t.AddPeer(peer); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// AddPeer registers a peer. Exceeding MaxPeers is a validation error;
// re-adding a known peer is a no-op.
func (t *Transport) AddPeer(peer Peer) error {
	if peer.Host == "" || peer.Port <= 0 {
		return errors.Wrap(errors.ErrValidation, "peer must have a host and positive port")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := peer.addr()
	if _, ok := t.peers[key]; ok {
		return nil
	}
	if len(t.peers) >= t.cfg.MaxPeers {
		return errors.Wrap(errors.ErrValidation, "peer limit %d reached", t.cfg.MaxPeers)
	}
	t.peers[key] = peer
	return nil
}

// RemovePeer drops a peer and its sync watermark.
func (t *Transport) RemovePeer(peer Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := peer.addr()
	delete(t.peers, key)
	delete(t.lastSync, key)
}

// Metrics returns a snapshot of transport activity.
func (t *Transport) Metrics() Metrics {
	return t.metrics.snapshot()
}

// Start binds the inbound endpoint and launches the push ticker. With
// Enabled false it returns immediately without binding anything.
func (t *Transport) Start(ctx context.Context) error {
	if !t.cfg.Enabled {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	// running flips only once the listener and both goroutines are up, so
	// a Stop after a failed Start is a no-op rather than a nil cancel.
	addr := net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", t.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(errors.ErrSync, "failed to bind sync endpoint %s", addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(syncPath, t.handleSync)
	t.server = &http.Server{Handler: mux}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		if err := t.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Sync endpoint stopped", "error", err)
		}
	}()
	go t.pushLoop(runCtx)
	t.running = true

	log.InfoContext(ctx, "Sync transport started", "addr", addr, "peers", len(t.peers))
	return nil
}

// Stop halts the push ticker and shuts down the inbound endpoint.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()
	<-t.done

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(errors.ErrSync, "failed to shut down sync endpoint")
	}
	return nil
}

// pushLoop ticks at the configured interval and pushes to every peer.
// Peer failures are logged and counted, never propagated.
func (t *Transport) pushLoop(ctx context.Context) {
	defer close(t.done)

	interval := time.Duration(t.cfg.SyncIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.SyncNow(ctx)
		}
	}
}

// SyncNow pushes pending entries to every registered peer once.
func (t *Transport) SyncNow(ctx context.Context) {
	t.mu.Lock()
	peers := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, peer := range peers {
		if ctx.Err() != nil {
			return
		}
		t.pushToPeer(ctx, peer)
	}
}

func (t *Transport) pushToPeer(ctx context.Context, peer Peer) {
	key := peer.addr()

	t.mu.Lock()
	since := t.lastSync[key]
	t.mu.Unlock()

	entries, err := t.engine.ModifiedSince(ctx, since)
	if err != nil {
		log.WarnContext(ctx, "Failed to collect entries for sync", "peer", key, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	started := time.Now()
	sent, err := t.sendDelta(ctx, peer, entries)
	duration := time.Since(started)
	if err != nil {
		t.metrics.recordFailure(duration)
		log.WarnContext(ctx, "Sync push failed", "peer", key, "entries", len(entries), "error", err)
		return
	}
	t.metrics.recordSuccess(duration, sent)

	watermark := since
	for _, entry := range entries {
		if entry.LastModified > watermark {
			watermark = entry.LastModified
		}
	}
	t.mu.Lock()
	t.lastSync[key] = watermark
	t.mu.Unlock()

	log.DebugContext(ctx, "Pushed sync delta", "peer", key, "entries", len(entries), "bytes", sent)
}

// sendDelta dials the peer, writes one delta frame, and waits for the
// ack. Returns the frame size in bytes.
func (t *Transport) sendDelta(ctx context.Context, peer Peer, entries []memory.Entry) (int64, error) {
	dialCtx, cancel := context.WithTimeout(ctx, peerTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, peer.url(), nil)
	if err != nil {
		return 0, errors.Wrap(errors.ErrSync, "failed to dial peer %s", peer.addr())
	}
	defer conn.Close(websocket.StatusNormalClosure, "sync complete")

	frame := delta{
		Entries: entries,
		SentAt:  time.Now().UnixMilli(),
		Source:  net.JoinHostPort(t.cfg.Host, fmt.Sprintf("%d", t.cfg.Port)),
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return 0, errors.Wrap(errors.ErrSync, "failed to encode sync delta")
	}
	if err := conn.Write(dialCtx, websocket.MessageText, raw); err != nil {
		return 0, errors.Wrap(errors.ErrSync, "failed to push to peer %s", peer.addr())
	}

	var reply ack
	if err := wsjson.Read(dialCtx, conn, &reply); err != nil {
		return 0, errors.Wrap(errors.ErrSync, "peer %s did not acknowledge", peer.addr())
	}
	return int64(len(raw)), nil
}

// handleSync accepts one inbound delta, applies it through the replica
// path, and acknowledges with the number of entries that won.
func (t *Transport) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("Failed to accept sync connection", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "sync aborted")

	ctx, cancel := context.WithTimeout(r.Context(), peerTimeout)
	defer cancel()

	var frame delta
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		log.Warn("Failed to read sync delta", "remote", r.RemoteAddr, "error", err)
		return
	}

	applied := 0
	for _, entry := range frame.Entries {
		won, err := t.engine.ApplyReplica(ctx, entry)
		if err != nil {
			log.WarnContext(ctx, "Failed to apply replicated entry",
				"source", frame.Source, "key", entry.Key, "error", err)
			continue
		}
		if won {
			applied++
		}
	}

	if err := wsjson.Write(ctx, conn, ack{Applied: applied}); err != nil {
		log.Warn("Failed to acknowledge sync delta", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.Close(websocket.StatusNormalClosure, "sync complete")

	log.DebugContext(ctx, "Applied sync delta",
		"source", frame.Source, "received", len(frame.Entries), "applied", applied)
}
