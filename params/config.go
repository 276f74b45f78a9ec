package params

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

type Store struct {
	Backend     string `env:"LEDGER_STORE" envDefault:"pebble"` // pebble | memory | postgres
	DataDir     string `env:"DATA_DIR" envDefault:"data"`
	DatabaseURL string `env:"DATABASE_URL"`
	JournalFile string `env:"JOURNAL_FILE"` // empty disables the commit journal
}

// PebblePath is where the ledger database lives inside DataDir.
func (s Store) PebblePath() string {
	return filepath.Join(s.DataDir, "ledger.db")
}

type Ledger struct {
	// CommitTimeout bounds the persistence call inside a commit. A timeout
	// is reported to the caller as a retryable error.
	CommitTimeout time.Duration `env:"COMMIT_TIMEOUT" envDefault:"2s"`

	// AppliedOrderCapacity and AppliedOrderWindow bound the per-user set of
	// recently applied order ids used for idempotent replay. An id is
	// forgotten once it is older than the window or pushed out by newer ids.
	AppliedOrderCapacity int           `env:"APPLIED_ORDER_CAPACITY" envDefault:"1024"`
	AppliedOrderWindow   time.Duration `env:"APPLIED_ORDER_WINDOW" envDefault:"24h"`

	// CostScale is the number of decimal places kept for average cost.
	// Cash movements are exact and never rounded.
	CostScale int32 `env:"COST_SCALE" envDefault:"8"`

	// RegionShards spreads the per-user region table over independent locks.
	RegionShards int `env:"REGION_SHARDS" envDefault:"64"`

	// EventBuffer is how many ledger events may wait for downstream
	// publishers; beyond it events are dropped rather than stalling commits.
	// PublishTimeout bounds one delivery to the publishers.
	EventBuffer    int           `env:"EVENT_BUFFER" envDefault:"1024"`
	PublishTimeout time.Duration `env:"EVENT_PUBLISH_TIMEOUT" envDefault:"5s"`

	CatalogFile string `env:"CATALOG_FILE"`
}

type Kafka struct {
	Brokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	TickTopic   string   `env:"KAFKA_TICK_TOPIC" envDefault:"price-ticks"`
	LedgerTopic string   `env:"KAFKA_LEDGER_TOPIC" envDefault:"ledger-events"`
	GroupID     string   `env:"KAFKA_GROUP_ID" envDefault:"ledgerd"`
}

// Enabled reports whether any broker is configured.
func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

type Node struct {
	APIAddr     string        `env:"API_ADDR" envDefault:":8080"`
	LogFile     string        `env:"LOG_FILE" envDefault:"data/ledgerd.log"`
	LogLevel    zapcore.Level `env:"LOG_LEVEL" envDefault:"info"` // debug | info | warn | error
	CORSOrigins []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5173"`

	// EnableFeeder starts the random-walk tick generator (devnet only).
	EnableFeeder   bool          `env:"ENABLE_FEEDER" envDefault:"false"`
	FeederInterval time.Duration `env:"FEEDER_INTERVAL" envDefault:"500ms"`
}

type Config struct {
	Node   Node
	Ledger Ledger
	Store  Store
	Kafka  Kafka
}

func Default() Config {
	return Config{
		Node: Node{
			APIAddr:        ":8080",
			LogFile:        "data/ledgerd.log",
			LogLevel:       zapcore.InfoLevel,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			FeederInterval: 500 * time.Millisecond,
		},
		Ledger: Ledger{
			CommitTimeout:        2 * time.Second,
			AppliedOrderCapacity: 1024,
			AppliedOrderWindow:   24 * time.Hour,
			CostScale:            8,
			RegionShards:         64,
			EventBuffer:          1024,
			PublishTimeout:       5 * time.Second,
		},
		Store: Store{
			Backend: "pebble",
			DataDir: "data",
		},
		Kafka: Kafka{
			TickTopic:   "price-ticks",
			LedgerTopic: "ledger-events",
			GroupID:     "ledgerd",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	if c.Ledger.CommitTimeout <= 0 {
		return fmt.Errorf("COMMIT_TIMEOUT must be positive: %s", c.Ledger.CommitTimeout)
	}
	if c.Ledger.AppliedOrderCapacity <= 0 {
		return fmt.Errorf("APPLIED_ORDER_CAPACITY must be positive: %d", c.Ledger.AppliedOrderCapacity)
	}
	if c.Ledger.CostScale < 0 || c.Ledger.CostScale > 18 {
		return fmt.Errorf("COST_SCALE out of range [0,18]: %d", c.Ledger.CostScale)
	}
	if c.Ledger.RegionShards <= 0 {
		return fmt.Errorf("REGION_SHARDS must be positive: %d", c.Ledger.RegionShards)
	}
	if c.Ledger.EventBuffer <= 0 {
		return fmt.Errorf("EVENT_BUFFER must be positive: %d", c.Ledger.EventBuffer)
	}
	if c.Ledger.PublishTimeout <= 0 {
		return fmt.Errorf("EVENT_PUBLISH_TIMEOUT must be positive: %s", c.Ledger.PublishTimeout)
	}
	switch strings.ToLower(c.Store.Backend) {
	case "pebble", "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("LEDGER_STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown LEDGER_STORE %q", c.Store.Backend)
	}
	return nil
}
