package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PREDICTLENS_* environment variable overrides,
// and returns the final Config. A missing file leaves the defaults in place.
// The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PREDICTLENS_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setInt64(&cfg.Engine.ProtocolFeeBps, "PREDICTLENS_ENGINE_PROTOCOL_FEE_BPS")
	setInt64(&cfg.Engine.VoiceCreditBudget, "PREDICTLENS_ENGINE_VOICE_CREDIT_BUDGET")
	setInt64(&cfg.Engine.MinimumStake, "PREDICTLENS_ENGINE_MINIMUM_STAKE")
	setStr(&cfg.Engine.TreasuryAccount, "PREDICTLENS_ENGINE_TREASURY_ACCOUNT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PREDICTLENS_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "PREDICTLENS_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PREDICTLENS_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PREDICTLENS_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PREDICTLENS_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PREDICTLENS_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PREDICTLENS_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PREDICTLENS_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PREDICTLENS_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PREDICTLENS_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PREDICTLENS_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PREDICTLENS_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PREDICTLENS_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PREDICTLENS_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "PREDICTLENS_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PREDICTLENS_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PREDICTLENS_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PREDICTLENS_S3_REGION")
	setStr(&cfg.S3.Bucket, "PREDICTLENS_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "PREDICTLENS_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "PREDICTLENS_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PREDICTLENS_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PREDICTLENS_S3_FORCE_PATH_STYLE")

	// ── Custody ──
	setStr(&cfg.Custody.Transport, "PREDICTLENS_CUSTODY_TRANSPORT")
	setInt64(&cfg.Custody.ChainID, "PREDICTLENS_CUSTODY_CHAIN_ID")
	setStr(&cfg.Custody.ContractAddress, "PREDICTLENS_CUSTODY_CONTRACT_ADDRESS")
	setStr(&cfg.Custody.PrivateKey, "PREDICTLENS_CUSTODY_PRIVATE_KEY")
	setStr(&cfg.Custody.EncryptedKeyPath, "PREDICTLENS_CUSTODY_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Custody.KeyPassword, "PREDICTLENS_CUSTODY_KEY_PASSWORD")

	// ── Kafka ──
	setStringSlice(&cfg.Kafka.Brokers, "PREDICTLENS_KAFKA_BROKERS")
	setStr(&cfg.Kafka.TopicPrefix, "PREDICTLENS_KAFKA_TOPIC_PREFIX")

	// ── Hub ──
	setStr(&cfg.Hub.Secret, "PREDICTLENS_HUB_SECRET")
	setDuration(&cfg.Hub.MaxSkew, "PREDICTLENS_HUB_MAX_SKEW")

	// ── Worker ──
	setDuration(&cfg.Worker.SweepInterval, "PREDICTLENS_WORKER_SWEEP_INTERVAL")
	setDuration(&cfg.Worker.DispatchInterval, "PREDICTLENS_WORKER_DISPATCH_INTERVAL")
	setDuration(&cfg.Worker.VotingPeriod, "PREDICTLENS_WORKER_VOTING_PERIOD")
	setStr(&cfg.Worker.ArchiveCron, "PREDICTLENS_WORKER_ARCHIVE_CRON")
	setDuration(&cfg.Worker.ArchiveRetention, "PREDICTLENS_WORKER_ARCHIVE_RETENTION")

	// ── Server ──
	setInt(&cfg.Server.Port, "PREDICTLENS_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PREDICTLENS_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PREDICTLENS_SERVER_API_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PREDICTLENS_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PREDICTLENS_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PREDICTLENS_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PREDICTLENS_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PREDICTLENS_MODE")
	setStr(&cfg.LogLevel, "PREDICTLENS_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
