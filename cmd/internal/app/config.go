package app

import "time"

// Store driver names accepted by BEAM_STORE_DRIVER.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config contains all runtime configuration loaded from environment variables.
// Each worker process gets its own HTTPAddr (distinct port); everything else
// is shared across workers.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Storage: sqlite (default, single shared file), postgres, or memory.
	StoreDriver       string
	SQLitePath        string
	SQLiteBusyTimeout time.Duration
	DatabaseURL       string
	DBMaxConns        int32
	DBMinConns        int32

	// Relay: Redis joins workers into one broadcast domain. Empty RedisAddr
	// selects the in-process relay (single-worker / test mode).
	RedisAddr    string
	RelayChannel string

	// If true, /readyz returns 503 unless the configured store is reachable.
	ReadinessRequireStore bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("BEAM_HTTP_ADDR", "0.0.0.0:3000"),
		LogLevel:  EnvString("BEAM_LOG_LEVEL", "info"),
		LogFormat: EnvString("BEAM_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("BEAM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BEAM_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("BEAM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("BEAM_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("BEAM_HTTP_MAX_HEADER_BYTES", 1<<20),

		StoreDriver:       EnvString("BEAM_STORE_DRIVER", StoreDriverSQLite),
		SQLitePath:        EnvString("BEAM_SQLITE_PATH", "beam.db"),
		SQLiteBusyTimeout: EnvDuration("BEAM_SQLITE_BUSY_TIMEOUT", 5*time.Second),
		DatabaseURL:       EnvString("BEAM_DATABASE_URL", ""),
		DBMaxConns:        EnvInt32("BEAM_DB_MAX_CONNS", 10),
		DBMinConns:        EnvInt32("BEAM_DB_MIN_CONNS", 0),

		RedisAddr:    EnvString("BEAM_REDIS_ADDR", ""),
		RelayChannel: EnvString("BEAM_RELAY_CHANNEL", ""),

		ReadinessRequireStore: EnvBool("BEAM_READINESS_REQUIRE_STORE", false),
	}
}
