package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PREDICTA_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PREDICTA_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "PREDICTA_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "PREDICTA_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "PREDICTA_WALLET_KEY_PASSWORD")

	// ── Clearnode ──
	setStr(&cfg.Clearnode.URL, "PREDICTA_CLEARNODE_URL")
	setStr(&cfg.Clearnode.Application, "PREDICTA_CLEARNODE_APPLICATION")
	setStr(&cfg.Clearnode.Scope, "PREDICTA_CLEARNODE_SCOPE")
	setDuration(&cfg.Clearnode.ConnectTimeout, "PREDICTA_CLEARNODE_CONNECT_TIMEOUT")
	setDuration(&cfg.Clearnode.StepTimeout, "PREDICTA_CLEARNODE_STEP_TIMEOUT")
	setDuration(&cfg.Clearnode.SessionTTL, "PREDICTA_CLEARNODE_SESSION_TTL")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "PREDICTA_CHAIN_RPC_URL")
	setInt(&cfg.Chain.ChainID, "PREDICTA_CHAIN_ID")
	setStr(&cfg.Chain.CustodyAddress, "PREDICTA_CHAIN_CUSTODY_ADDRESS")
	setStr(&cfg.Chain.AdjudicatorAddress, "PREDICTA_CHAIN_ADJUDICATOR_ADDRESS")
	setStr(&cfg.Chain.Token, "PREDICTA_CHAIN_TOKEN")
	setDuration(&cfg.Chain.ConfirmTimeout, "PREDICTA_CHAIN_CONFIRM_TIMEOUT")
	setFloat64(&cfg.Chain.MarketLiquidity, "PREDICTA_CHAIN_MARKET_LIQUIDITY")

	// ── Coordinator ──
	setDuration(&cfg.Coordinator.ResponseTimeout, "PREDICTA_COORDINATOR_RESPONSE_TIMEOUT")
	setInt(&cfg.Coordinator.FundingAttempts, "PREDICTA_COORDINATOR_FUNDING_ATTEMPTS")
	setDuration(&cfg.Coordinator.FundingInterval, "PREDICTA_COORDINATOR_FUNDING_INTERVAL")
	setDuration(&cfg.Coordinator.LockTTL, "PREDICTA_COORDINATOR_LOCK_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "PREDICTA_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Postgres.DSN, "PREDICTA_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PREDICTA_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PREDICTA_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PREDICTA_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PREDICTA_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PREDICTA_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PREDICTA_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PREDICTA_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PREDICTA_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PREDICTA_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PREDICTA_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PREDICTA_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PREDICTA_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PREDICTA_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PREDICTA_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PREDICTA_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PREDICTA_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PREDICTA_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PREDICTA_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PREDICTA_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PREDICTA_S3_REGION")
	setStr(&cfg.S3.Bucket, "PREDICTA_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PREDICTA_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PREDICTA_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PREDICTA_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PREDICTA_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "PORT") // platform convention
	setInt(&cfg.Server.Port, "PREDICTA_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PREDICTA_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PREDICTA_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PREDICTA_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PREDICTA_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PREDICTA_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PREDICTA_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PREDICTA_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PREDICTA_NOTIFY_EVENTS")

	// ── Settle ──
	setStr(&cfg.Settle.Token, "PREDICTA_SETTLE_TOKEN")
	setStr(&cfg.Settle.Amount, "PREDICTA_SETTLE_AMOUNT")
	setBool(&cfg.Settle.Close, "PREDICTA_SETTLE_CLOSE")

	// ── Top-level ──
	setStr(&cfg.Mode, "PREDICTA_MODE")
	setStr(&cfg.LogLevel, "PREDICTA_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
