package domain

import "time"

// Config holds the complete Talon configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Engine     EngineConfig     `json:"engine"`
	Density    DensityConfig    `json:"density"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// EngineConfig holds calculation orchestrator settings.
type EngineConfig struct {
	// MaxWorkers bounds concurrent per-individual evaluation within a batch.
	MaxWorkers int `json:"maxWorkers"`

	// PersistTimeout bounds the terminal batch write.
	PersistTimeout time.Duration `json:"persistTimeout"`

	// PersistRetries is the number of retry attempts on a failed batch write,
	// with exponential backoff between attempts.
	PersistRetries int `json:"persistRetries"`

	// PlanCacheTTL bounds how long a loaded plan bundle stays cached.
	PlanCacheTTL time.Duration `json:"planCacheTTL"`
}

// DensityConfig holds pattern density tracker thresholds.
type DensityConfig struct {
	// LightThreshold is the confidence above which a pattern drops to
	// light_trace; below it, full_trace.
	LightThreshold float64 `json:"lightThreshold"`

	// SilentThreshold is the confidence above which a pattern may go silent.
	SilentThreshold float64 `json:"silentThreshold"`

	// MinSamples is the minimum execution count before silent is reachable.
	MinSamples int64 `json:"minSamples"`

	// Growth is the per-clean-observation confidence increment.
	Growth float64 `json:"growth"`

	// PenaltyFactor scales confidence down on an anomaly or correction.
	PenaltyFactor float64 `json:"penaltyFactor"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./talon.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			MaxWorkers:     16,
			PersistTimeout: 30 * time.Second,
			PersistRetries: 3,
			PlanCacheTTL:   5 * time.Minute,
		},
		Density: DefaultDensityConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "talon",
		},
	}
}

// DefaultDensityConfig returns the default adaptive trace thresholds.
func DefaultDensityConfig() DensityConfig {
	return DensityConfig{
		LightThreshold:  0.5,
		SilentThreshold: 0.9,
		MinSamples:      20,
		Growth:          0.1,
		PenaltyFactor:   0.25,
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "talon",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
