package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Store selection: Postgres when DatabaseURL is set, else SQLite when
	// SQLitePath is set, else in-memory (dev).
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	SQLitePath  string

	// CORS allowlist for the HTTP history surface.
	CORSAllowedOrigins []string

	// Backplane: when PubAddr is set, a ZeroMQ PUB/SUB fabric connects this
	// instance to the listed peers for cross-instance fan-out.
	BackplanePubAddr string
	BackplanePeers   []string

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PARLEY_LOG_LEVEL", "info"),
		LogFormat: EnvString("PARLEY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PARLEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PARLEY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLEY_DB_MIN_CONNS", 0),
		SQLitePath:  EnvString("PARLEY_SQLITE_PATH", ""),

		CORSAllowedOrigins: EnvCSV("PARLEY_CORS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),

		BackplanePubAddr: EnvString("PARLEY_BACKPLANE_PUB_ADDR", ""),
		BackplanePeers:   EnvCSV("PARLEY_BACKPLANE_PEERS", ""),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),
	}
}
