// Package config defines the top-level configuration for the PredictLens
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PREDICTLENS_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Custody  CustodyConfig  `toml:"custody"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Hub      HubConfig      `toml:"hub"`
	Worker   WorkerConfig   `toml:"worker"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig holds the market policy.
type EngineConfig struct {
	ProtocolFeeBps    int64  `toml:"protocol_fee_bps"`
	VoiceCreditBudget int64  `toml:"voice_credit_budget"`
	MinimumStake      int64  `toml:"minimum_stake"`
	TreasuryAccount   string `toml:"treasury_account"`
}

// PostgresConfig holds PostgreSQL connection parameters. DSN wins over the
// individual fields when set.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	CacheTTL   duration `toml:"cache_ttl"`
	LockTTL    duration `toml:"lock_ttl"`
}

// S3Config holds the archive bucket. Archiving is off when Bucket is empty.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// CustodyConfig selects the intent transport and the signing key.
type CustodyConfig struct {
	// Transport is "kafka", "redis" or "log".
	Transport        string `toml:"transport"`
	ChainID          int64  `toml:"chain_id"`
	ContractAddress  string `toml:"contract_address"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	BatchSize        int    `toml:"batch_size"`
	PerSecond        int    `toml:"per_second"`
}

// KafkaConfig is used when custody.transport is "kafka".
type KafkaConfig struct {
	Brokers     []string `toml:"brokers"`
	TopicPrefix string   `toml:"topic_prefix"`
}

// HubConfig authenticates the social action hub.
type HubConfig struct {
	Secret    string   `toml:"secret"`
	MaxSkew   duration `toml:"max_skew"`
	ReplayTTL duration `toml:"replay_ttl"`
}

// WorkerConfig tunes the background loops.
type WorkerConfig struct {
	SweepInterval    duration `toml:"sweep_interval"`
	DispatchInterval duration `toml:"dispatch_interval"`
	VotingPeriod     duration `toml:"voting_period"`
	ArchiveCron      string   `toml:"archive_cron"`
	ArchiveRetention duration `toml:"archive_retention"`
}

// duration wraps time.Duration so that it can be decoded from a TOML string
// such as "5m" or "1h30m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// Per-IP requests per minute; zero disables the limit.
	ReadLimit   int `toml:"read_limit"`
	ActionLimit int `toml:"action_limit"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config with sensible defaults for local development.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			ProtocolFeeBps:    500,
			VoiceCreditBudget: 100,
			MinimumStake:      1,
			TreasuryAccount:   "treasury",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "predictlens",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "predictlens:",
			CacheTTL:   duration{10 * time.Minute},
			LockTTL:    duration{10 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Prefix:         "predictlens/",
			ForcePathStyle: true,
		},
		Custody: CustodyConfig{
			Transport: "redis",
			ChainID:   8453,
			BatchSize: 100,
			PerSecond: 50,
		},
		Kafka: KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			TopicPrefix: "custody",
		},
		Hub: HubConfig{
			MaxSkew:   duration{5 * time.Minute},
			ReplayTTL: duration{10 * time.Minute},
		},
		Worker: WorkerConfig{
			SweepInterval:    duration{15 * time.Second},
			DispatchInterval: duration{2 * time.Second},
			VotingPeriod:     duration{24 * time.Hour},
			ArchiveCron:      "30 3 * * *",
			ArchiveRetention: duration{30 * 24 * time.Hour},
		},
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			ReadLimit:   600,
			ActionLimit: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"market_resolved", "market_voided", "dispatch_failed", "archive_failed", "sweep_failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server": true,
	"worker": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validTransports = map[string]bool{
	"kafka": true,
	"redis": true,
	"log":   true,
}

// Validate checks the configuration for missing or invalid values and
// returns every problem in one error.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, worker, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.ProtocolFeeBps < 0 || c.Engine.ProtocolFeeBps > 10_000 {
		errs = append(errs, fmt.Sprintf("engine: protocol_fee_bps must be 0-10000, got %d", c.Engine.ProtocolFeeBps))
	}
	if c.Engine.VoiceCreditBudget <= 0 {
		errs = append(errs, "engine: voice_credit_budget must be > 0")
	}
	if c.Engine.MinimumStake <= 0 {
		errs = append(errs, "engine: minimum_stake must be > 0")
	}
	if strings.TrimSpace(c.Engine.TreasuryAccount) == "" {
		errs = append(errs, "engine: treasury_account must not be empty")
	}

	// Postgres
	if c.Postgres.DSN == "" && c.Postgres.Host == "" {
		errs = append(errs, "postgres: dsn or host must be set")
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.LockTTL.Duration <= 0 {
		errs = append(errs, "redis: lock_ttl must be > 0")
	}

	// Custody
	if !validTransports[c.Custody.Transport] {
		errs = append(errs, fmt.Sprintf("custody: unknown transport %q (valid: kafka, redis, log)", c.Custody.Transport))
	}
	if c.Custody.Transport == "kafka" && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka: brokers must be set when custody.transport is kafka")
	}
	if c.Custody.ChainID <= 0 {
		errs = append(errs, "custody: chain_id must be positive")
	}
	if c.Custody.ContractAddress != "" && !common.IsHexAddress(c.Custody.ContractAddress) {
		errs = append(errs, "custody: contract_address is not a hex address")
	}
	if mode == "worker" || mode == "full" {
		if c.Custody.PrivateKey == "" && c.Custody.EncryptedKeyPath == "" {
			errs = append(errs, "custody: private_key or encrypted_key_path must be set for mode "+mode)
		}
		if c.Custody.EncryptedKeyPath != "" && c.Custody.KeyPassword == "" {
			errs = append(errs, "custody: key_password is required when encrypted_key_path is set")
		}
		if c.Worker.SweepInterval.Duration <= 0 || c.Worker.DispatchInterval.Duration <= 0 {
			errs = append(errs, "worker: sweep_interval and dispatch_interval must be > 0")
		}
		if c.Worker.VotingPeriod.Duration < 0 {
			errs = append(errs, "worker: voting_period must be >= 0")
		}
	}
	if c.Custody.BatchSize < 1 {
		errs = append(errs, "custody: batch_size must be >= 1")
	}

	// S3 is optional; when a bucket is set the schedule must parse.
	if c.S3.Bucket != "" {
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must be set with bucket")
		}
		if c.Worker.ArchiveRetention.Duration <= 0 {
			errs = append(errs, "worker: archive_retention must be > 0")
		}
		if len(strings.Fields(c.Worker.ArchiveCron)) != 5 {
			errs = append(errs, fmt.Sprintf("worker: archive_cron %q must have 5 fields", c.Worker.ArchiveCron))
		}
	}

	// Server
	if mode == "server" || mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Hub.Secret == "" {
			errs = append(errs, "hub: secret must be set to accept actions")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
