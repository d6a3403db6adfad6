package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration.
type Config struct {
	ServerAddr string
	LogLevel   string

	StoreDriver    string
	DatabaseURL    string
	MaxDBConns     int32
	SQLitePath     string
	MigrationsDir  string
	RebuildOnStart bool

	RegistryTimeout   time.Duration
	StoreTimeout      time.Duration
	NotifyTimeout     time.Duration
	RelayInterval     time.Duration
	RelayBatch        int
	OutboxMaxAttempts int
	MediatorIDs       []string

	JWTSecret string

	RedisURL      string
	LabelCacheTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	NotifyRoutes string
}

type configFile struct {
	Server struct {
		Addr     string `yaml:"addr"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Store struct {
		Driver         string `yaml:"driver"`
		DatabaseURL    string `yaml:"database_url"`
		MaxConns       int    `yaml:"max_conns"`
		SQLitePath     string `yaml:"sqlite_path"`
		MigrationsDir  string `yaml:"migrations_dir"`
		RebuildOnStart *bool  `yaml:"rebuild_on_start"`
		Timeout        string `yaml:"timeout"`
	} `yaml:"store"`
	Registry struct {
		Timeout   string   `yaml:"timeout"`
		Mediators []string `yaml:"mediators"`
	} `yaml:"registry"`
	Relay struct {
		Interval      string `yaml:"interval"`
		Batch         int    `yaml:"batch"`
		MaxAttempts   int    `yaml:"max_attempts"`
		NotifyTimeout string `yaml:"notify_timeout"`
		Routes        string `yaml:"routes"`
	} `yaml:"relay"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Dependencies struct {
		RedisURL      string   `yaml:"redis_url"`
		LabelCacheTTL string   `yaml:"label_cache_ttl"`
		KafkaBrokers  []string `yaml:"kafka_brokers"`
		KafkaTopic    string   `yaml:"kafka_topic"`
	} `yaml:"dependencies"`
}

// Load reads CONFIG_FILE, if set, and then the environment. Environment
// variables win over the file.
func Load() (*Config, error) {
	var f configFile
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	dsn := getenv("DATABASE_URL", f.Store.DatabaseURL)
	if dsn == "" {
		user := getenv("POSTGRES_USER", "mediation")
		pass := getenv("POSTGRES_PASSWORD", "mediation_pass")
		db := getenv("POSTGRES_DB", "mediation")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &Config{
		ServerAddr:        getenv("SERVER_ADDR", or(f.Server.Addr, "0.0.0.0:8080")),
		LogLevel:          getenv("LOG_LEVEL", or(f.Server.LogLevel, "info")),
		StoreDriver:       strings.ToLower(getenv("STORE_DRIVER", or(f.Store.Driver, "memory"))),
		DatabaseURL:       dsn,
		MaxDBConns:        int32(parseInt(getenv("DATABASE_MAX_CONNS", ""), orInt(f.Store.MaxConns, 20))),
		SQLitePath:        getenv("SQLITE_PATH", or(f.Store.SQLitePath, "mediation.db")),
		MigrationsDir:     getenv("MIGRATIONS_DIR", f.Store.MigrationsDir),
		RebuildOnStart:    parseBool(getenv("REBUILD_ON_START", ""), f.Store.RebuildOnStart == nil || *f.Store.RebuildOnStart),
		RegistryTimeout:   parseDuration(getenv("REGISTRY_TIMEOUT", f.Registry.Timeout), 2*time.Second),
		StoreTimeout:      parseDuration(getenv("STORE_TIMEOUT", f.Store.Timeout), 5*time.Second),
		NotifyTimeout:     parseDuration(getenv("NOTIFY_TIMEOUT", f.Relay.NotifyTimeout), 5*time.Second),
		RelayInterval:     parseDuration(getenv("RELAY_INTERVAL", f.Relay.Interval), 2*time.Second),
		RelayBatch:        parseInt(getenv("RELAY_BATCH", ""), orInt(f.Relay.Batch, 100)),
		OutboxMaxAttempts: parseInt(getenv("OUTBOX_MAX_ATTEMPTS", ""), orInt(f.Relay.MaxAttempts, 5)),
		MediatorIDs:       f.Registry.Mediators,
		JWTSecret:         getenv("JWT_SECRET", f.Auth.JWTSecret),
		RedisURL:          getenv("REDIS_URL", f.Dependencies.RedisURL),
		LabelCacheTTL:     parseDuration(getenv("LABEL_CACHE_TTL", f.Dependencies.LabelCacheTTL), 10*time.Minute),
		KafkaBrokers:      f.Dependencies.KafkaBrokers,
		KafkaTopic:        getenv("KAFKA_TOPIC", or(f.Dependencies.KafkaTopic, "mediation.disputes")),
		NotifyRoutes:      getenv("NOTIFY_ROUTES", f.Relay.Routes),
	}
	if v := os.Getenv("MEDIATOR_IDS"); v != "" {
		cfg.MediatorIDs = splitCSV(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitCSV(v)
	}

	switch cfg.StoreDriver {
	case "memory", "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.RelayBatch <= 0 {
		return nil, fmt.Errorf("RELAY_BATCH must be positive")
	}
	if cfg.RelayInterval <= 0 {
		return nil, fmt.Errorf("RELAY_INTERVAL must be positive")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func or(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func orInt(val, def int) int {
	if val == 0 {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := []string{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
