// Package swarmmem is the main facade for the shared swarm memory engine.
// It wires the row store, the ACL-checked memory engine, the pattern bank,
// the learning store, the planner, the blackboard, and the optional sync
// transport from one configuration, and owns their lifecycle.
package swarmmem

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/swarmmem/swarmmem/pkg/agent"
	"github.com/swarmmem/swarmmem/pkg/blackboard"
	"github.com/swarmmem/swarmmem/pkg/config"
	"github.com/swarmmem/swarmmem/pkg/errors"
	"github.com/swarmmem/swarmmem/pkg/goap"
	"github.com/swarmmem/swarmmem/pkg/learning"
	"github.com/swarmmem/swarmmem/pkg/log"
	"github.com/swarmmem/swarmmem/pkg/memory"
	"github.com/swarmmem/swarmmem/pkg/pattern"
	"github.com/swarmmem/swarmmem/pkg/pattern/embed"
	"github.com/swarmmem/swarmmem/pkg/pattern/index"
	"github.com/swarmmem/swarmmem/pkg/scripting"
	"github.com/swarmmem/swarmmem/pkg/store"
	"github.com/swarmmem/swarmmem/pkg/store/boltstore"
	"github.com/swarmmem/swarmmem/pkg/store/memstore"
	"github.com/swarmmem/swarmmem/pkg/store/pgstore"
	"github.com/swarmmem/swarmmem/pkg/store/sqlitestore"
	"github.com/swarmmem/swarmmem/pkg/syncer"
)

// Engine is the assembled swarm memory node.
type Engine struct {
	cfg *config.Config

	rows     store.RowStore
	memory   *memory.Engine
	patterns *pattern.Bank
	learning *learning.Store
	plans    *goap.Store
	board    *blackboard.Board
	scripts  scripting.Engine

	// sync is nil when the transport is disabled
	sync *syncer.Transport

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Open builds an engine from configuration. Nothing runs in the
// background until Start.
func Open(ctx context.Context, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	rows, err := initRowStore(cfg)
	if err != nil {
		return nil, err
	}

	scripts, err := initScriptEngine(cfg)
	if err != nil {
		rows.Close()
		return nil, err
	}

	memEngine := memory.NewEngine(rows, memory.WithDefaultTTL(cfg.TTL.MemorySeconds))

	embedder, err := initEmbedder(cfg)
	if err != nil {
		rows.Close()
		return nil, err
	}
	factory, err := initIndexFactory(cfg)
	if err != nil {
		rows.Close()
		return nil, err
	}

	bankOpts := []pattern.BankOption{
		pattern.WithSimilarityThreshold(cfg.Pattern.SimilarityThreshold),
	}
	if scripts != nil {
		bankOpts = append(bankOpts, pattern.WithScripting(scripts))
	}
	bank := pattern.NewBank(rows, embedder, factory, bankOpts...)
	if err := bank.LoadIndexes(ctx); err != nil {
		rows.Close()
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		rows:     rows,
		memory:   memEngine,
		patterns: bank,
		learning: learning.NewStore(rows, learning.Config{
			Alpha:           cfg.Learning.Alpha,
			Gamma:           cfg.Learning.Gamma,
			UpdateFrequency: cfg.Learning.UpdateFrequency,
		}),
		plans:   goap.NewStore(rows),
		board:   blackboard.NewBoard(rows, blackboard.WithDefaultHintTTL(cfg.TTL.HintSeconds)),
		scripts: scripts,
	}

	if cfg.Sync.Enabled {
		peers := make([]syncer.Peer, 0, len(cfg.Sync.Peers))
		for _, p := range cfg.Sync.Peers {
			peers = append(peers, syncer.Peer{Host: p.Host, Port: p.Port})
		}
		transport, err := syncer.NewTransport(memEngine, syncer.Config{
			Enabled:        true,
			Host:           cfg.Sync.Host,
			Port:           cfg.Sync.Port,
			SyncIntervalMs: cfg.Sync.SyncIntervalMs,
			MaxPeers:       cfg.Sync.MaxPeers,
			Peers:          peers,
		})
		if err != nil {
			rows.Close()
			return nil, err
		}
		e.sync = transport
	}

	log.Info("Swarm memory engine initialized",
		"driver", cfg.Storage.Driver,
		"index", cfg.Pattern.Index,
		"embedder", cfg.Pattern.Embedder,
		"sync_enabled", cfg.Sync.Enabled,
	)
	return e, nil
}

// Start launches the TTL sweeper and, when enabled, the sync transport.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})

	interval := time.Duration(e.cfg.Sweep.IntervalMs) * time.Millisecond
	go func() {
		defer close(e.done)
		e.memory.RunSweeper(runCtx, interval)
	}()

	if e.sync != nil {
		if err := e.sync.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop halts the background work and closes the row store. The engine
// cannot be restarted after Stop.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.started = false
	e.mu.Unlock()

	if started {
		e.cancel()
		<-e.done
		if e.sync != nil {
			if err := e.sync.Stop(ctx); err != nil {
				log.Warn("Failed to stop sync transport cleanly", "error", err)
			}
		}
	}
	if e.scripts != nil {
		if err := e.scripts.Close(); err != nil {
			log.Warn("Failed to close scripting engine", "error", err)
		}
	}
	return e.rows.Close()
}

// Memory exposes the ACL-checked entry engine.
func (e *Engine) Memory() *memory.Engine { return e.memory }

// Patterns exposes the pattern bank.
func (e *Engine) Patterns() *pattern.Bank { return e.patterns }

// Learning exposes the learning state store.
func (e *Engine) Learning() *learning.Store { return e.learning }

// Plans exposes the planning record store.
func (e *Engine) Plans() *goap.Store { return e.plans }

// Board exposes the blackboard surfaces.
func (e *Engine) Board() *blackboard.Board { return e.board }

// Store writes a memory entry under the calling agent's identity.
func (e *Engine) Store(ctx context.Context, key string, value interface{}, opts memory.StoreOptions) error {
	return e.memory.Store(ctx, key, value, opts)
}

// Retrieve reads a memory entry, enforcing the ACL for the calling agent.
func (e *Engine) Retrieve(ctx context.Context, key string, opts memory.RetrieveOptions) (*memory.Entry, error) {
	return e.memory.Retrieve(ctx, key, opts)
}

// Delete removes a memory entry when the caller may delete it.
func (e *Engine) Delete(ctx context.Context, key, partition string) error {
	return e.memory.Delete(ctx, key, partition)
}

// RecordExperience is the best-effort learning passthrough: failures are
// logged but never returned, so a broken learning backend cannot fail the
// caller's task.
func (e *Engine) RecordExperience(ctx context.Context, agentID agent.ID, state map[string]interface{}, action string, reward float64, nextState map[string]interface{}) {
	if err := e.learning.RecordExperience(ctx, agentID, state, action, reward, nextState); err != nil {
		log.WarnContext(ctx, "Failed to record experience",
			"agent_id", agentID, "action", action, "error", err)
	}
}

// StorePattern stores or merges a learned pattern.
func (e *Engine) StorePattern(ctx context.Context, content string, confidence float64, opts pattern.Options) (*pattern.Pattern, error) {
	return e.patterns.StorePattern(ctx, content, confidence, opts)
}

// ConsolidatePatterns runs one consolidation pass over the pattern bank.
func (e *Engine) ConsolidatePatterns(ctx context.Context) (pattern.ConsolidationReport, error) {
	return e.patterns.Consolidate(ctx)
}

// Sweep removes expired rows once, outside the background cadence.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	return e.memory.Sweep(ctx)
}

// SyncMetrics reports transport activity. Zero when sync is disabled.
func (e *Engine) SyncMetrics() syncer.Metrics {
	if e.sync == nil {
		return syncer.Metrics{}
	}
	return e.sync.Metrics()
}

// initRowStore builds the physical store named by the configuration.
func initRowStore(cfg *config.Config) (store.RowStore, error) {
	switch cfg.Storage.Driver {
	case "memory", "":
		log.Info("Using in-memory row store")
		return memstore.NewMemStore(), nil

	case "bolt":
		path := cfg.Storage.Path
		if path == "" {
			path = "./data/swarmmem.bolt.db"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to create data directory for %s", path)
		}
		log.Info("Using BoltDB row store", "path", path)
		return boltstore.Open(path)

	case "sqlite":
		path := cfg.Storage.Path
		if path == "" {
			path = "./data/swarmmem.db"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to create data directory for %s", path)
		}
		log.Info("Using SQLite row store", "path", path)
		return sqlitestore.Open(path)

	case "postgres":
		dsn := cfg.Storage.DSN
		if dsn == "" {
			dsn = os.Getenv("POSTGRES_URL")
		}
		if dsn == "" {
			return nil, errors.Wrap(errors.ErrValidation, "postgres driver requires a DSN")
		}
		log.Info("Using PostgreSQL row store")
		return pgstore.Open(context.Background(), dsn)

	default:
		return nil, errors.Wrap(errors.ErrValidation, "unsupported storage driver %q", cfg.Storage.Driver)
	}
}

// initEmbedder builds the pattern embedder. A missing OpenAI key falls
// back to the deterministic hash embedder rather than failing startup.
func initEmbedder(cfg *config.Config) (embed.Embedder, error) {
	switch cfg.Pattern.Embedder {
	case "hash", "":
		return embed.NewHashEmbedder(cfg.Pattern.Dimension), nil

	case "openai":
		apiKey := cfg.Pattern.OpenAI.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			log.Warn("OpenAI API key not found, falling back to hash embedder")
			return embed.NewHashEmbedder(cfg.Pattern.Dimension), nil
		}
		return embed.NewOpenAIEmbedder(embed.OpenAIConfig{
			APIKey: apiKey,
			Model:  cfg.Pattern.OpenAI.Model,
		})

	default:
		return nil, errors.Wrap(errors.ErrValidation, "unsupported embedder %q", cfg.Pattern.Embedder)
	}
}

// initIndexFactory builds the per-scope ANN index factory.
func initIndexFactory(cfg *config.Config) (index.Factory, error) {
	switch cfg.Pattern.Index {
	case "hnsw", "":
		return func() (index.Index, error) {
			return index.NewHNSW(index.DefaultHNSWConfig()), nil
		}, nil

	case "chromem":
		db := chromem.NewDB()
		counter := 0
		var mu sync.Mutex
		return func() (index.Index, error) {
			mu.Lock()
			counter++
			name := "patterns-" + strconv.Itoa(counter)
			mu.Unlock()
			return index.NewChromemIndex(db, name)
		}, nil

	default:
		return nil, errors.Wrap(errors.ErrValidation, "unsupported pattern index %q", cfg.Pattern.Index)
	}
}

// initScriptEngine loads Lua hooks from the configured paths. No paths
// means no scripting engine at all.
func initScriptEngine(cfg *config.Config) (scripting.Engine, error) {
	if len(cfg.Scripting.Paths) == 0 {
		return nil, nil
	}

	engine := scripting.NewLuaEngine(scripting.Config{
		EnableSandboxing: cfg.Scripting.EnableSandboxing,
		ScriptTimeoutMs:  cfg.Scripting.ScriptTimeoutMs,
	})

	loaded := false
	for _, basePath := range cfg.Scripting.Paths {
		abs, err := filepath.Abs(basePath)
		if err != nil {
			log.Warn("Failed to resolve script path", "path", basePath, "error", err)
			continue
		}
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			log.Debug("Script directory not found", "path", abs)
			continue
		}
		if err := engine.LoadScriptDir(abs); err != nil {
			log.Warn("Failed to load scripts", "path", abs, "error", err)
			continue
		}
		log.Info("Loaded scripts", "path", abs)
		loaded = true
	}
	if !loaded {
		log.Warn("No scripts were loaded from any configured path")
	}
	return engine, nil
}
