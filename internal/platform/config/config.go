package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Server captures process level configuration.
type Server struct {
	Addr          string     `env:"BEACON_ADDR" envDefault:":8080"`
	LogLevel      slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	JWTSigningKey string     `env:"JWT_SIGNING_KEY" envDefault:"dev-secret-key-change-in-production"`
	AdminAPIToken string     `env:"ADMIN_API_TOKEN"`
	// SeedDemo loads a demo site into the in-memory registry.
	SeedDemo bool `env:"SEED_DEMO" envDefault:"false"`

	Sites    Sites
	Database Database
	Redis    RedisConfig
	Kafka    Kafka
}

// Sites tunes the site runtime and its liveness sweep.
type Sites struct {
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1s"`
	GracePeriod     time.Duration `env:"GRACE_PERIOD" envDefault:"1m"`
	RegistryTimeout time.Duration `env:"REGISTRY_TIMEOUT" envDefault:"10s"`
	ResidencyTTL    time.Duration `env:"RESIDENCY_CACHE_TTL" envDefault:"1m"`
}

// Database configures the Postgres registry. An empty URL selects the
// in-memory registry.
type Database struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// RedisConfig configures the residency cache. An empty URL disables it.
type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// Kafka configures management notification transport. An empty broker
// list keeps notifications in process.
type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_MGT_TOPIC" envDefault:"beacon.mgt"`
	GroupID string   `env:"KAFKA_GROUP_ID" envDefault:"beacon"`
}

// Enabled reports whether any broker is configured.
func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0
}

// BrokerList joins the configured brokers for client seeds.
func (k Kafka) BrokerList() string {
	return strings.Join(k.Brokers, ",")
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
