// Package config defines the top-level configuration for predicta and
// provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PREDICTA_* environment variables.
type Config struct {
	Wallet      WalletConfig      `toml:"wallet"`
	Clearnode   ClearnodeConfig   `toml:"clearnode"`
	Chain       ChainConfig       `toml:"chain"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Settle      SettleConfig      `toml:"settle"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// WalletConfig holds the user's primary wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ClearnodeConfig holds the clearnode endpoint and session parameters.
type ClearnodeConfig struct {
	URL            string           `toml:"url"`
	Application    string           `toml:"application"`
	Scope          string           `toml:"scope"`
	ConnectTimeout duration         `toml:"connect_timeout"`
	StepTimeout    duration         `toml:"step_timeout"`
	SessionTTL     duration         `toml:"session_ttl"`
	DedupTTL       duration         `toml:"dedup_ttl"`
	Allowances     []AllowanceEntry `toml:"allowances"`
}

// AllowanceEntry caps what the session key may spend of one asset.
type AllowanceEntry struct {
	Asset  string `toml:"asset"`
	Amount string `toml:"amount"`
}

// ChainConfig holds the RPC endpoint and contract addresses. Custody and
// adjudicator addresses default to the built-in deployment for ChainID.
type ChainConfig struct {
	RPCURL             string   `toml:"rpc_url"`
	ChainID            int      `toml:"chain_id"`
	CustodyAddress     string   `toml:"custody_address"`
	AdjudicatorAddress string   `toml:"adjudicator_address"`
	Token              string   `toml:"token"`
	ConfirmTimeout     duration `toml:"confirm_timeout"`
	PollInterval       duration `toml:"poll_interval"`
	GasMargin          int      `toml:"gas_margin"`
	// MarketLiquidity is the LMSR b parameter used for on-chain markets.
	MarketLiquidity float64 `toml:"market_liquidity"`
}

// CoordinatorConfig holds the channel lifecycle timeouts.
type CoordinatorConfig struct {
	ResponseTimeout duration `toml:"response_timeout"`
	FundingAttempts int      `toml:"funding_attempts"`
	FundingInterval duration `toml:"funding_interval"`
	LockTTL         duration `toml:"lock_ttl"`
}

// PostgresConfig holds connection parameters for the channel snapshot store
// and audit log. DSN, when set, takes precedence over the individual fields.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"sslmode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters for the settlement
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per RateWindow per client. Needs redis; zero
	// disables it.
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   duration `toml:"rate_window"`
	WriteTimeout duration `toml:"write_timeout"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// SettleConfig drives the one-shot settle mode.
type SettleConfig struct {
	// Token defaults to chain.token.
	Token string `toml:"token"`
	// Amount is the channel funding target in the token's smallest unit.
	Amount string `toml:"amount"`
	// Close closes the channel and withdraws once funded.
	Close bool `toml:"close"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Clearnode: ClearnodeConfig{
			URL:            "wss://clearnet-sandbox.yellow.com/ws",
			Application:    "predicta",
			Scope:          "console",
			ConnectTimeout: duration{15 * time.Second},
			StepTimeout:    duration{30 * time.Second},
			SessionTTL:     duration{time.Hour},
			DedupTTL:       duration{time.Minute},
		},
		Chain: ChainConfig{
			RPCURL:          "https://ethereum-sepolia-rpc.publicnode.com",
			ChainID:         11155111,
			Token:           "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
			ConfirmTimeout:  duration{2 * time.Minute},
			PollInterval:    duration{2 * time.Second},
			GasMargin:       20,
			MarketLiquidity: 100,
		},
		Coordinator: CoordinatorConfig{
			ResponseTimeout: duration{30 * time.Second},
			FundingAttempts: 30,
			FundingInterval: duration{2 * time.Second},
			LockTTL:         duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "predicta",
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
			KeyPrefix:  "predicta:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "predicta-settlements",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:         8080,
			CORSOrigins:  []string{"http://localhost:3000"},
			RateLimit:    120,
			RateWindow:   duration{time.Minute},
			WriteTimeout: duration{5 * time.Minute},
		},
		Settle: SettleConfig{
			Amount: "1000000",
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server": true,
	"settle": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, settle)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet: both modes authenticate against the clearnode.
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Clearnode
	if !strings.HasPrefix(c.Clearnode.URL, "ws://") && !strings.HasPrefix(c.Clearnode.URL, "wss://") {
		errs = append(errs, fmt.Sprintf("clearnode: url must be a ws:// or wss:// URL, got %q", c.Clearnode.URL))
	}
	if c.Clearnode.Application == "" {
		errs = append(errs, "clearnode: application must not be empty")
	}
	for i, a := range c.Clearnode.Allowances {
		if a.Asset == "" {
			errs = append(errs, fmt.Sprintf("clearnode: allowances[%d].asset must not be empty", i))
		}
		if !isNonNegativeInt(a.Amount) {
			errs = append(errs, fmt.Sprintf("clearnode: allowances[%d].amount must be a non-negative integer", i))
		}
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	for name, addr := range map[string]string{
		"custody_address":     c.Chain.CustodyAddress,
		"adjudicator_address": c.Chain.AdjudicatorAddress,
		"token":               c.Chain.Token,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("chain: %s %q is not a hex address", name, addr))
		}
	}
	if c.Chain.GasMargin < 0 {
		errs = append(errs, "chain: gas_margin must be >= 0")
	}
	if c.Chain.MarketLiquidity <= 0 {
		errs = append(errs, "chain: market_liquidity must be > 0")
	}

	// Coordinator
	if c.Coordinator.FundingAttempts < 1 {
		errs = append(errs, "coordinator: funding_attempts must be >= 1")
	}
	if c.Coordinator.ResponseTimeout.Duration <= 0 {
		errs = append(errs, "coordinator: response_timeout must be > 0")
	}
	if c.Coordinator.FundingInterval.Duration <= 0 {
		errs = append(errs, "coordinator: funding_interval must be > 0")
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if !c.Postgres.Enabled {
			errs = append(errs, "s3: the settlement archive indexes into postgres; enable postgres too")
		}
	}

	// Server
	if c.Mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Settle
	if c.Mode == "settle" {
		if c.Settle.Token == "" && c.Chain.Token == "" {
			errs = append(errs, "settle: token must be set (or chain.token)")
		}
		if c.Settle.Token != "" && !common.IsHexAddress(c.Settle.Token) {
			errs = append(errs, fmt.Sprintf("settle: token %q is not a hex address", c.Settle.Token))
		}
		if n, ok := new(big.Int).SetString(c.Settle.Amount, 10); !ok || n.Sign() <= 0 {
			errs = append(errs, "settle: amount must be a positive integer")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SettleToken returns the settle token, falling back to chain.token.
func (c *Config) SettleToken() common.Address {
	if c.Settle.Token != "" {
		return common.HexToAddress(c.Settle.Token)
	}
	return common.HexToAddress(c.Chain.Token)
}

func isNonNegativeInt(s string) bool {
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Sign() >= 0
}
