package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures everything main needs to wire the service. Values come from
// the environment so deployments stay twelve-factor.
type Config struct {
	Addr     string `env:"BURSARY_ADDR" envDefault:":8080"`
	LogLevel string `env:"BURSARY_LOG_LEVEL" envDefault:"info"`

	HTTP HTTPConfig `envPrefix:"BURSARY_HTTP_"`

	// Identifier scheme. Prefix is the institution code baked into every
	// application and registration number; AcademicYear is the current
	// allocation period.
	IdentifierPrefix string `env:"BURSARY_ID_PREFIX" envDefault:"UCAES"`
	AcademicYear     string `env:"BURSARY_ACADEMIC_YEAR" envDefault:"2025"`

	// AllowDegradedIDs enables the timestamp-derived identifier fallback
	// when the counter store is unreachable. The fallback is not
	// collision-free and is logged at warn each time it fires.
	AllowDegradedIDs bool `env:"BURSARY_ALLOW_DEGRADED_IDS" envDefault:"false"`

	// RetryAttempts bounds optimistic-concurrency retry loops (allocator
	// increments, balance applies).
	RetryAttempts uint `env:"BURSARY_RETRY_ATTEMPTS" envDefault:"5"`

	PostgresDSN string `env:"BURSARY_POSTGRES_DSN"`

	Redis RedisConfig `envPrefix:"BURSARY_REDIS_"`
	Kafka KafkaConfig `envPrefix:"BURSARY_KAFKA_"`

	// JWTSigningKey verifies staff tokens on the admin surface.
	JWTSigningKey string `env:"BURSARY_JWT_SIGNING_KEY" envDefault:"dev-secret-key-change-in-production"`

	// Scholarship renewal eligibility thresholds.
	RenewalMinGPA      float64 `env:"BURSARY_RENEWAL_MIN_GPA" envDefault:"2.5"`
	RenewalMinStanding int     `env:"BURSARY_RENEWAL_MIN_STANDING" envDefault:"1"`
}

// HTTPConfig tunes the server timeouts.
type HTTPConfig struct {
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`
}

// RedisConfig mirrors the go-redis options we override.
type RedisConfig struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
}

// KafkaConfig configures the ingestion consumer and the alert producer.
type KafkaConfig struct {
	Seeds []string `env:"SEEDS" envSeparator:","`
	Group string   `env:"GROUP" envDefault:"bursary-ingest"`
	// Topics the watcher subscribes to, one per upstream source collection.
	Topics []string `env:"TOPICS" envSeparator:"," envDefault:"procurement_approvals,transfer_approvals,payroll_postings,scholarship_disbursements,application_events"`
	// AlertTopic receives budget alerts for the notification collaborator.
	AlertTopic string `env:"ALERT_TOPIC" envDefault:"budget_alerts"`
}

// FromEnv parses the full config from environment variables.
func FromEnv() (Config, error) {
	return env.ParseAs[Config]()
}
