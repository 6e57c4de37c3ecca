package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYWALLET_* environment variable overrides, and
// returns the final Config. A missing file is not an error; the defaults and
// environment are used alone. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYWALLET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStringSlice(&cfg.Chain.RPCEndpoints, "POLYWALLET_CHAIN_RPC_ENDPOINTS")
	setDuration(&cfg.Chain.ProbeTimeout, "POLYWALLET_CHAIN_PROBE_TIMEOUT")
	setDuration(&cfg.Chain.CallTimeout, "POLYWALLET_CHAIN_CALL_TIMEOUT")
	setDuration(&cfg.Chain.ConfirmTimeout, "POLYWALLET_CHAIN_CONFIRM_TIMEOUT")
	setStr(&cfg.Chain.USDCAddress, "POLYWALLET_CHAIN_USDC_ADDRESS")
	setInt(&cfg.Chain.USDCDecimals, "POLYWALLET_CHAIN_USDC_DECIMALS")
	setStr(&cfg.Chain.ExchangeAddress, "POLYWALLET_CHAIN_EXCHANGE_ADDRESS")
	setStr(&cfg.Chain.NegRiskExchangeAddress, "POLYWALLET_CHAIN_NEG_RISK_EXCHANGE_ADDRESS")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYWALLET_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYWALLET_POLYMARKET_GAMMA_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYWALLET_POLYMARKET_CHAIN_ID")
	setDuration(&cfg.Polymarket.HTTPTimeout, "POLYWALLET_POLYMARKET_HTTP_TIMEOUT")
	setInt(&cfg.Polymarket.SearchPages, "POLYWALLET_POLYMARKET_SEARCH_PAGES")
	setInt(&cfg.Polymarket.SearchPageSize, "POLYWALLET_POLYMARKET_SEARCH_PAGE_SIZE")
	setDuration(&cfg.Polymarket.SearchCacheTTL, "POLYWALLET_POLYMARKET_SEARCH_CACHE_TTL")

	// ── Builder ──
	setStr(&cfg.Builder.ApiKey, "POLYWALLET_BUILDER_API_KEY")
	setStr(&cfg.Builder.ApiSecret, "POLYWALLET_BUILDER_API_SECRET")
	setStr(&cfg.Builder.ApiPassphrase, "POLYWALLET_BUILDER_API_PASSPHRASE")

	// ── Relayer ──
	setStr(&cfg.Relayer.BaseURL, "POLYWALLET_RELAYER_BASE_URL")
	setDuration(&cfg.Relayer.Timeout, "POLYWALLET_RELAYER_TIMEOUT")

	// ── Vault ──
	setStr(&cfg.Vault.Secret, "POLYWALLET_VAULT_SECRET")
	setBool(&cfg.Vault.SecretIsPassphrase, "POLYWALLET_VAULT_SECRET_IS_PASSPHRASE")
	setStr(&cfg.Vault.KDFSalt, "POLYWALLET_VAULT_KDF_SALT")

	// ── Trading ──
	setFloat64(&cfg.Trading.SlippagePct, "POLYWALLET_TRADING_SLIPPAGE_PCT")
	setFloat64(&cfg.Trading.MinPrice, "POLYWALLET_TRADING_MIN_PRICE")
	setFloat64(&cfg.Trading.MaxPrice, "POLYWALLET_TRADING_MAX_PRICE")
	setInt(&cfg.Trading.FeeRateBps, "POLYWALLET_TRADING_FEE_RATE_BPS")
	setDuration(&cfg.Trading.DedupTTL, "POLYWALLET_TRADING_DEDUP_TTL")
	setDuration(&cfg.Trading.LockTTL, "POLYWALLET_TRADING_LOCK_TTL")

	// ── Scan ──
	setDuration(&cfg.Scan.Interval, "POLYWALLET_SCAN_INTERVAL")
	setFloat64(&cfg.Scan.MinProbability, "POLYWALLET_SCAN_MIN_PROBABILITY")
	setFloat64(&cfg.Scan.MinLiquidity, "POLYWALLET_SCAN_MIN_LIQUIDITY")
	setFloat64(&cfg.Scan.PositionSize, "POLYWALLET_SCAN_POSITION_SIZE")
	setInt(&cfg.Scan.MaxDailyTrades, "POLYWALLET_SCAN_MAX_DAILY_TRADES")
	setInt(&cfg.Scan.MarketLimit, "POLYWALLET_SCAN_MARKET_LIMIT")
	setStringSlice(&cfg.Scan.Users, "POLYWALLET_SCAN_USERS")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "POLYWALLET_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "POLYWALLET_DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "POLYWALLET_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "POLYWALLET_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "POLYWALLET_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "POLYWALLET_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "POLYWALLET_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "POLYWALLET_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "POLYWALLET_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "POLYWALLET_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "POLYWALLET_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYWALLET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYWALLET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYWALLET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYWALLET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYWALLET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYWALLET_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYWALLET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYWALLET_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYWALLET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYWALLET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYWALLET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYWALLET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYWALLET_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "POLYWALLET_S3_PREFIX")
	setBool(&cfg.S3.SSE, "POLYWALLET_S3_SERVER_SIDE_ENCRYPTION")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYWALLET_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYWALLET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYWALLET_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "POLYWALLET_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "POLYWALLET_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.WriteTimeout, "POLYWALLET_SERVER_WRITE_TIMEOUT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYWALLET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYWALLET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYWALLET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYWALLET_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYWALLET_MODE")
	setStr(&cfg.LogLevel, "POLYWALLET_LOG_LEVEL")
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
