package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config is shared by every binary. Each binary reads only the fields it needs.
type Config struct {
	LogLevel string `env:"LOG_LEVEL,default=INFO"`

	GatewayAddr string `env:"GATEWAY_ADDR,default=:8080"`
	APIAddr     string `env:"API_ADDR,default=:8081"`

	JWTSecret   string        `env:"JWT_SECRET,required=true"`
	JWTDuration time.Duration `env:"JWT_DURATION,default=24h"`

	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`

	// BusKind selects the cross-instance fan-out transport: redis, kafka or local.
	BusKind      string `env:"BUS_KIND,default=redis"`
	BusTopic     string `env:"BUS_TOPIC,default=cipherline-fanout"`
	KafkaBrokers string `env:"KAFKA_BROKERS,default=localhost:19092"`

	// StoreKind selects persistence: scylla or badger.
	StoreKind      string `env:"STORE_KIND,default=scylla"`
	ScyllaHosts    string `env:"SCYLLA_HOSTS,default=localhost:9042"`
	ScyllaKeyspace string `env:"SCYLLA_KEYSPACE,default=chat"`
	BadgerPath     string `env:"BADGER_PATH,default=./data/badger"`

	NodeID   int    `env:"NODE_ID,default=1"`
	TimeZone string `env:"TIME_ZONE,default=Local"`
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("config error: JWT_SECRET is required")
	}
	switch c.BusKind {
	case "redis", "kafka", "local":
	default:
		return fmt.Errorf("config error: unknown BUS_KIND %q", c.BusKind)
	}
	switch c.StoreKind {
	case "scylla", "badger":
	default:
		return fmt.Errorf("config error: unknown STORE_KIND %q", c.StoreKind)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config error: TIME_ZONE: %w", err)
	}
	return nil
}

func (c Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func (c Config) Scylla() []string {
	return splitList(c.ScyllaHosts)
}

// Location is the wall clock used to format chat timestamps.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.TimeZone)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
