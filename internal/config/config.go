// Package config содержит логику чтения конфигурации сервиса начисления доходности.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	PoolDataAddress string `env:"POOL_DATA_ADDRESS"`
	RedisAddr       string `env:"REDIS_ADDR"`
	AuthSecret      string `env:"AUTH_SECRET"`

	AggregationInterval    time.Duration `env:"AGGREGATION_INTERVAL" envDefault:"5m"`
	AggregationConcurrency int           `env:"AGGREGATION_CONCURRENCY" envDefault:"8"`
	SnapshotTimeout        time.Duration `env:"SNAPSHOT_TIMEOUT" envDefault:"2s"`
	SnapshotCacheTTL       time.Duration `env:"SNAPSHOT_CACHE_TTL" envDefault:"1m"`
	WithdrawalLockTTL      time.Duration `env:"WITHDRAWAL_LOCK_TTL" envDefault:"10s"`
	DefaultCurrency        string        `env:"DEFAULT_CURRENCY" envDefault:"USDC"`

	// IssueToken задаёт имя вызывающей стороны, для которой нужно выпустить токен и завершить работу.
	IssueToken string `env:"ISSUE_TOKEN"`
}

// Parse считывает конфигурацию из файла .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPoolDataAddress := cfg.PoolDataAddress
	envRedisAddr := cfg.RedisAddr
	envIssueToken := cfg.IssueToken

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PoolDataAddress, "p", "", "pool market data service address")
	flag.StringVar(&cfg.RedisAddr, "r", "", "redis address or URL")
	flag.StringVar(&cfg.IssueToken, "issue-token", "", "print an API token for the given caller and exit")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPoolDataAddress != "" {
		cfg.PoolDataAddress = envPoolDataAddress
	}
	if envRedisAddr != "" {
		cfg.RedisAddr = envRedisAddr
	}
	if envIssueToken != "" {
		cfg.IssueToken = envIssueToken
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.AggregationConcurrency <= 0 {
		return nil, fmt.Errorf("aggregation concurrency must be positive, got %d", cfg.AggregationConcurrency)
	}
	if cfg.AggregationInterval <= 0 {
		return nil, fmt.Errorf("aggregation interval must be positive, got %s", cfg.AggregationInterval)
	}

	return cfg, nil
}
