// Package config defines the top-level configuration for polywallet and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polywallet/internal/platform/polymarket"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYWALLET_* environment variables.
type Config struct {
	Chain      ChainConfig      `toml:"chain"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Builder    BuilderConfig    `toml:"builder"`
	Relayer    RelayerConfig    `toml:"relayer"`
	Vault      VaultConfig      `toml:"vault"`
	Trading    TradingConfig    `toml:"trading"`
	Scan       ScanConfig       `toml:"scan"`
	Supabase   SupabaseConfig   `toml:"supabase"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ChainConfig holds RPC endpoints and on-chain contract parameters.
type ChainConfig struct {
	RPCEndpoints           []string `toml:"rpc_endpoints"`
	ProbeTimeout           duration `toml:"probe_timeout"`
	CallTimeout            duration `toml:"call_timeout"`
	ConfirmTimeout         duration `toml:"confirm_timeout"`
	USDCAddress            string   `toml:"usdc_address"`
	USDCDecimals           int      `toml:"usdc_decimals"`
	ExchangeAddress        string   `toml:"exchange_address"`
	NegRiskExchangeAddress string   `toml:"neg_risk_exchange_address"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost       string   `toml:"clob_host"`
	GammaHost      string   `toml:"gamma_host"`
	ChainID        int      `toml:"chain_id"`
	HTTPTimeout    duration `toml:"http_timeout"`
	SearchPages    int      `toml:"search_pages"`
	SearchPageSize int      `toml:"search_page_size"`
	SearchCacheTTL duration `toml:"search_cache_ttl"`
}

// BuilderConfig holds Polymarket builder-program API credentials used for
// order attribution.
type BuilderConfig struct {
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
}

// RelayerConfig points at the external Safe/relayer signing service.
type RelayerConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout duration `toml:"timeout"`
}

// VaultConfig holds the data-encryption secret for stored wallet keys. The
// secret must come from the environment or a secret manager, never the
// database.
type VaultConfig struct {
	Secret             string `toml:"secret"`
	SecretIsPassphrase bool   `toml:"secret_is_passphrase"`
	KDFSalt            string `toml:"kdf_salt"`
}

// TradingConfig holds order-execution parameters.
type TradingConfig struct {
	SlippagePct float64  `toml:"slippage_pct"`
	MinPrice    float64  `toml:"min_price"`
	MaxPrice    float64  `toml:"max_price"`
	FeeRateBps  int      `toml:"fee_rate_bps"`
	DedupTTL    duration `toml:"dedup_ttl"`
	LockTTL     duration `toml:"lock_ttl"`
}

// ScanConfig holds defaults for automated scan sessions.
type ScanConfig struct {
	Interval       duration `toml:"interval"`
	MinProbability float64  `toml:"min_probability"`
	MinLiquidity   float64  `toml:"min_liquidity"`
	PositionSize   float64  `toml:"position_size"`
	MaxDailyTrades int      `toml:"max_daily_trades"`
	MarketLimit    int      `toml:"market_limit"`
	// Users lists the user ids whose sessions start in scan mode.
	Users []string `toml:"users"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
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

// RedisConfig holds Redis connection parameters. An empty Addr disables
// Redis; locking and rate limiting then stay in-process.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters. An empty Bucket
// disables order diagnostics archiving.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
	SSE            bool   `toml:"server_side_encryption"`
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
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is the number of requests per minute per client; 0 disables.
	RateLimit int `toml:"rate_limit"`
	// WriteTimeout caps a response. Zero derives it from the chain
	// timeouts so a withdrawal or approval can report its tx hash.
	WriteTimeout duration `toml:"write_timeout"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCEndpoints: []string{
				"https://polygon-rpc.com",
				"https://rpc-mainnet.matic.quiknode.pro",
				"https://polygon-bor-rpc.publicnode.com",
			},
			ProbeTimeout:           duration{5 * time.Second},
			CallTimeout:            duration{10 * time.Second},
			ConfirmTimeout:         duration{120 * time.Second},
			USDCAddress:            "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
			USDCDecimals:           6,
			ExchangeAddress:        "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E",
			NegRiskExchangeAddress: "0xC5d563A36AE78145C45a50134d48A1215220f80a",
		},
		Polymarket: PolymarketConfig{
			ClobHost:       "https://clob.polymarket.com",
			GammaHost:      "https://gamma-api.polymarket.com",
			ChainID:        137,
			HTTPTimeout:    duration{10 * time.Second},
			SearchPages:    5,
			SearchPageSize: 100,
			SearchCacheTTL: duration{30 * time.Second},
		},
		Relayer: RelayerConfig{
			Timeout: duration{30 * time.Second},
		},
		Trading: TradingConfig{
			SlippagePct: 0.05,
			MinPrice:    0.01,
			MaxPrice:    0.99,
			FeeRateBps:  0,
			DedupTTL:    duration{10 * time.Minute},
			LockTTL:     duration{2 * time.Minute},
		},
		Scan: ScanConfig{
			Interval:       duration{30 * time.Second},
			MinProbability: 0.7,
			MinLiquidity:   10000,
			PositionSize:   10,
			MaxDailyTrades: 10,
			MarketLimit:    50,
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
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
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			ForcePathStyle: true,
			Prefix:         "polywallet",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_filled", "trade_failed", "key_exported", "withdrawal"},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// httpWriteMargin is added to the chain budget for the database and audit
// work around a transaction.
const httpWriteMargin = 15 * time.Second

// ChainTxBudget is the longest a single approve or transfer can block: one
// probe per endpoint on failover, the precheck and broadcast calls, then the
// receipt wait.
func (c *Config) ChainTxBudget() time.Duration {
	probes := time.Duration(len(c.Chain.RPCEndpoints)) * c.Chain.ProbeTimeout.Duration
	return probes + 2*c.Chain.CallTimeout.Duration + c.Chain.ConfirmTimeout.Duration
}

// HTTPWriteTimeout is server.write_timeout, or the chain budget plus a margin
// when unset.
func (c *Config) HTTPWriteTimeout() time.Duration {
	if c.Server.WriteTimeout.Duration > 0 {
		return c.Server.WriteTimeout.Duration
	}
	return c.ChainTxBudget() + httpWriteMargin
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"scan":   true,
	"probe":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
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

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, scan, probe)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if len(c.Chain.RPCEndpoints) == 0 {
		errs = append(errs, "chain: rpc_endpoints must list at least one endpoint")
	}
	if c.Chain.ProbeTimeout.Duration <= 0 {
		errs = append(errs, "chain: probe_timeout must be > 0")
	}
	if c.Chain.CallTimeout.Duration <= 0 {
		errs = append(errs, "chain: call_timeout must be > 0")
	}
	if c.Chain.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "chain: confirm_timeout must be > 0")
	}
	for name, addr := range map[string]string{
		"usdc_address":     c.Chain.USDCAddress,
		"exchange_address": c.Chain.ExchangeAddress,
	} {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("chain: %s %q is not a hex address", name, addr))
		}
	}
	if c.Chain.USDCDecimals <= 0 || c.Chain.USDCDecimals > 18 {
		errs = append(errs, "chain: usdc_decimals must be 1-18")
	}

	// Polymarket
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SearchPages < 1 || c.Polymarket.SearchPageSize < 1 {
		errs = append(errs, "polymarket: search_pages and search_page_size must be >= 1")
	}

	// Builder: all three fields set together, or all empty.
	bk := c.Builder.ApiKey != ""
	bs := c.Builder.ApiSecret != ""
	bp := c.Builder.ApiPassphrase != ""
	if bk || bs || bp {
		if !(bk && bs && bp) {
			errs = append(errs, "builder: api_key, api_secret, and api_passphrase must all be set together")
		}
	}

	// Relayer requests carry private keys.
	if strings.TrimSpace(c.Relayer.BaseURL) != "" {
		if err := polymarket.ValidateRelayerURL(c.Relayer.BaseURL); err != nil {
			errs = append(errs, "relayer: "+err.Error())
		}
	}

	// Vault is required wherever keys are decrypted.
	if mode == "server" || mode == "scan" {
		if c.Vault.Secret == "" {
			errs = append(errs, "vault: secret is required (set POLYWALLET_VAULT_SECRET)")
		}
		if c.Vault.SecretIsPassphrase && c.Vault.KDFSalt == "" {
			errs = append(errs, "vault: kdf_salt is required when secret_is_passphrase is set")
		}
	}

	// Trading
	if c.Trading.SlippagePct < 0 || c.Trading.SlippagePct >= 1 {
		errs = append(errs, "trading: slippage_pct must be in [0, 1)")
	}
	if c.Trading.MinPrice <= 0 || c.Trading.MaxPrice >= 1 || c.Trading.MinPrice >= c.Trading.MaxPrice {
		errs = append(errs, "trading: require 0 < min_price < max_price < 1")
	}
	if c.Trading.FeeRateBps < 0 {
		errs = append(errs, "trading: fee_rate_bps must be >= 0")
	}

	// Scan
	if c.Scan.Interval.Duration < time.Second {
		errs = append(errs, "scan: interval must be >= 1s")
	}
	if c.Scan.PositionSize <= 0 {
		errs = append(errs, "scan: position_size must be > 0")
	}
	if c.Scan.MaxDailyTrades < 1 {
		errs = append(errs, "scan: max_daily_trades must be >= 1")
	}

	// Supabase
	if mode != "probe" {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Bucket != "" && c.S3.Endpoint == "" && c.S3.Region == "" {
		errs = append(errs, "s3: endpoint or region must be set when bucket is set")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if wt := c.Server.WriteTimeout.Duration; wt != 0 && wt < c.ChainTxBudget() {
			errs = append(errs, fmt.Sprintf(
				"server: write_timeout %s is shorter than the on-chain transaction budget %s (confirm_timeout + call and probe timeouts)",
				wt, c.ChainTxBudget()))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
