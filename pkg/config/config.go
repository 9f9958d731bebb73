package config

// Config represents the top-level configuration for the swarmmem engine.
type Config struct {
	// Storage configures the underlying row store
	Storage StorageConfig `yaml:"storage"`

	// TTL configures per-category expiration defaults
	TTL TTLConfig `yaml:"ttl"`

	// Pattern configures the pattern bank
	Pattern PatternConfig `yaml:"pattern"`

	// Learning configures the learning state store
	Learning LearningConfig `yaml:"learning"`

	// Sync configures the optional peer sync transport
	Sync SyncConfig `yaml:"sync"`

	// Sweep configures the TTL sweep loop
	Sweep SweepConfig `yaml:"sweep"`

	// Scripting configures the Lua hook engine
	Scripting ScriptingConfig `yaml:"scripting"`

	// Logging configures the logging behavior
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the underlying row store.
type StorageConfig struct {
	// Driver selects the backend ("memory", "bolt", "sqlite", "postgres")
	Driver string `yaml:"driver"`

	// Path is the database file path for the bolt and sqlite drivers
	Path string `yaml:"path"`

	// DSN is the connection string for the postgres driver
	DSN string `yaml:"dsn"`
}

// TTLConfig configures per-category expiration defaults, in seconds.
// Zero means "never expires". Event and checkpoint TTLs are fixed by the
// engine and intentionally not configurable here.
type TTLConfig struct {
	// MemorySeconds is the default TTL for memory entries stored without
	// an explicit TTL
	MemorySeconds int64 `yaml:"memory_seconds"`

	// HintSeconds is the default TTL for blackboard hints
	HintSeconds int64 `yaml:"hint_seconds"`
}

// PatternConfig configures the pattern bank.
type PatternConfig struct {
	// Dimension is the embedding dimension
	Dimension int `yaml:"dimension"`

	// SimilarityThreshold is the cosine similarity above which two
	// patterns are considered duplicates (merge instead of insert)
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// Index selects the ANN backend ("hnsw", "chromem")
	Index string `yaml:"index"`

	// Embedder selects the embedding provider ("hash", "openai")
	Embedder string `yaml:"embedder"`

	// OpenAI configures the openai embedder
	OpenAI OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig configures OpenAI embedding generation.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key
	APIKey string `yaml:"api_key"`

	// Model is the embedding model to use
	Model string `yaml:"model"`
}

// LearningConfig configures the learning state store.
type LearningConfig struct {
	// Alpha is the Q-learning learning rate
	Alpha float64 `yaml:"alpha"`

	// Gamma is the Q-learning discount factor
	Gamma float64 `yaml:"gamma"`

	// UpdateFrequency is how many experiences recorded in the current
	// process trigger one learning snapshot
	UpdateFrequency int `yaml:"update_frequency"`
}

// SyncConfig configures the optional peer sync transport.
type SyncConfig struct {
	// Enabled turns the sync transport on. When false no sync code runs.
	Enabled bool `yaml:"enabled"`

	// Host is the local listen address for inbound deltas
	Host string `yaml:"host"`

	// Port is the local listen port for inbound deltas
	Port int `yaml:"port"`

	// SyncIntervalMs is the delta push interval in milliseconds
	SyncIntervalMs int `yaml:"sync_interval_ms"`

	// MaxPeers caps the number of configured peers
	MaxPeers int `yaml:"max_peers"`

	// Peers is the initial peer list
	Peers []PeerConfig `yaml:"peers"`
}

// PeerConfig identifies a sync peer by address and port.
type PeerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SweepConfig configures the TTL sweep loop.
type SweepConfig struct {
	// IntervalMs is the sweep interval in milliseconds
	IntervalMs int `yaml:"interval_ms"`
}

// ScriptingConfig configures the Lua hook engine.
type ScriptingConfig struct {
	// Paths is a list of directories containing Lua hook scripts
	Paths []string `yaml:"paths"`

	// EnableSandboxing restricts access to dangerous Lua modules like os and io
	EnableSandboxing bool `yaml:"enable_sandboxing"`

	// ScriptTimeoutMs sets a maximum execution time for scripts in milliseconds
	ScriptTimeoutMs int `yaml:"script_timeout_ms"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error")
	Level string `yaml:"level"`

	// Format is the output format ("text", "json")
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: "bolt",
			Path:   "swarmmem.db",
		},
		TTL: TTLConfig{
			MemorySeconds: 0,
			HintSeconds:   3600,
		},
		Pattern: PatternConfig{
			Dimension:           256,
			SimilarityThreshold: 0.85,
			Index:               "hnsw",
			Embedder:            "hash",
		},
		Learning: LearningConfig{
			Alpha:           0.1,
			Gamma:           0.9,
			UpdateFrequency: 10,
		},
		Sync: SyncConfig{
			Enabled:        false,
			Host:           "127.0.0.1",
			Port:           7946,
			SyncIntervalMs: 5000,
			MaxPeers:       8,
		},
		Sweep: SweepConfig{
			IntervalMs: 60000,
		},
		Scripting: ScriptingConfig{
			EnableSandboxing: true,
			ScriptTimeoutMs:  1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
