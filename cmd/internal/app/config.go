package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" (default) or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSURL           string
	NATSSubjectPrefix string

	FlushBatchSize int
	BufferTTL      time.Duration

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
	// If true:
	// - /readyz returns 503 unless Redis is configured and reachable.
	ReadinessRequireRedis bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("HEARTH_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("HEARTH_LOG_LEVEL", "info"),
		LogFormat: EnvString("HEARTH_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("HEARTH_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HEARTH_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HEARTH_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HEARTH_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("HEARTH_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("HEARTH_DATABASE_URL", ""),
		DBSchema:    EnvString("HEARTH_DB_SCHEMA", "hearth"),
		DBMaxConns:  EnvInt32("HEARTH_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("HEARTH_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("HEARTH_REDIS_ADDR", ""),
		RedisPassword: EnvString("HEARTH_REDIS_PASSWORD", ""),
		RedisDB:       EnvIntAllowZero("HEARTH_REDIS_DB", 0),

		NATSURL:           EnvString("HEARTH_NATS_URL", ""),
		NATSSubjectPrefix: EnvString("HEARTH_NATS_SUBJECT_PREFIX", "hearth.chat"),

		FlushBatchSize: EnvInt("HEARTH_FLUSH_BATCH_SIZE", 10),
		BufferTTL:      EnvDuration("HEARTH_BUFFER_TTL", time.Hour),

		ReadinessRequireDB:    EnvBool("HEARTH_READINESS_REQUIRE_DB", false),
		ReadinessRequireRedis: EnvBool("HEARTH_READINESS_REQUIRE_REDIS", false),
	}
}
