package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"sol-custody/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig        `mapstructure:"app"`
	Logging     logging.Config   `mapstructure:"logging"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Poller      PollerConfig     `mapstructure:"poller"`
	Solana      SolanaConfig     `mapstructure:"solana"`
	Price       PriceConfig      `mapstructure:"price"`
	Deposits    DepositConfig    `mapstructure:"deposits"`
	Withdrawals WithdrawalConfig `mapstructure:"withdrawals"`
	Alerting    AlertingConfig   `mapstructure:"alerting"`
	Admin       AdminConfig      `mapstructure:"admin"`
	Export      ExportConfig     `mapstructure:"export"`
}

// AdminConfig exposes the local operations API.
type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// PollerConfig governs the chain polling cadence.
type PollerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	SignatureLimit  int           `mapstructure:"signature_limit"`
}

// SolanaConfig covers custodial wallet and RPC access. The private key is
// supplied out-of-band (environment) by the secret-store collaborator.
type SolanaConfig struct {
	RPCURL           string        `mapstructure:"rpc_url"`
	WalletAddress    string        `mapstructure:"wallet_address"`
	WalletPrivateKey string        `mapstructure:"wallet_private_key"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
}

// PriceConfig captures the SOL/USD conversion-rate sources.
type PriceConfig struct {
	CoinGeckoURL   string        `mapstructure:"coingecko_url"`
	BinanceURL     string        `mapstructure:"binance_url"`
	JupiterURL     string        `mapstructure:"jupiter_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	MaxStale       time.Duration `mapstructure:"max_stale"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// DepositConfig tunes deposit intents and fingerprinting.
type DepositConfig struct {
	Expiry              time.Duration `mapstructure:"expiry"`
	MinSOL              float64       `mapstructure:"min_sol"`
	BufferPct           float64       `mapstructure:"buffer_pct"`
	FingerprintAttempts int           `mapstructure:"fingerprint_attempts"`
}

// WithdrawalConfig defines withdrawal policy.
type WithdrawalConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MinUSD          float64       `mapstructure:"min_usd"`
	MaxUSD          float64       `mapstructure:"max_usd"`
	FeePct          float64       `mapstructure:"fee_pct"`
	MaxPerDay       int           `mapstructure:"max_per_day"`
	FeeReserveSOL   float64       `mapstructure:"fee_reserve_sol"`
	ReconcileGrace  time.Duration `mapstructure:"reconcile_grace"`
	ReconcileCutoff time.Duration `mapstructure:"reconcile_cutoff"`
}

// AlertingConfig routes operational alerts.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram ops channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SOLCUSTODY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "solcustody")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("poller.interval", "30s")
	v.SetDefault("poller.startup_delay", "0s")
	v.SetDefault("poller.advisory_lock_key", int64(0x534f4c43))
	v.SetDefault("poller.signature_limit", 50)

	v.SetDefault("solana.rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("solana.request_timeout", "15s")
	v.SetDefault("solana.max_retries", 3)
	v.SetDefault("solana.retry_backoff", "500ms")

	v.SetDefault("price.coingecko_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("price.binance_url", "https://api.binance.com")
	v.SetDefault("price.jupiter_url", "https://price.jup.ag/v4")
	v.SetDefault("price.request_timeout", "10s")
	v.SetDefault("price.cache_ttl", "90m")
	v.SetDefault("price.max_stale", "24h")
	v.SetDefault("price.user_agent", "solcustody/1.0")

	v.SetDefault("deposits.expiry", "20m")
	v.SetDefault("deposits.min_sol", 0.01)
	v.SetDefault("deposits.buffer_pct", 0.01)
	v.SetDefault("deposits.fingerprint_attempts", 5)

	v.SetDefault("withdrawals.enabled", true)
	v.SetDefault("withdrawals.min_usd", 10.0)
	v.SetDefault("withdrawals.max_usd", 1000.0)
	v.SetDefault("withdrawals.fee_pct", 0.01)
	v.SetDefault("withdrawals.max_per_day", 3)
	v.SetDefault("withdrawals.fee_reserve_sol", 0.01)
	v.SetDefault("withdrawals.reconcile_grace", "2m")
	v.SetDefault("withdrawals.reconcile_cutoff", "15m")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen_addr", "127.0.0.1:8791")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than zero")
	}
	if c.Poller.SignatureLimit <= 0 {
		return fmt.Errorf("poller.signature_limit must be greater than zero")
	}
	if c.Solana.RPCURL == "" {
		return fmt.Errorf("solana.rpc_url is required")
	}
	if !strings.HasPrefix(c.Solana.RPCURL, "http://") && !strings.HasPrefix(c.Solana.RPCURL, "https://") {
		return fmt.Errorf("solana.rpc_url must be an http(s) endpoint")
	}
	if c.Deposits.Expiry <= 0 {
		return fmt.Errorf("deposits.expiry must be greater than zero")
	}
	if c.Deposits.BufferPct < 0 {
		return fmt.Errorf("deposits.buffer_pct cannot be negative")
	}
	if c.Deposits.FingerprintAttempts <= 0 {
		return fmt.Errorf("deposits.fingerprint_attempts must be greater than zero")
	}
	if c.Withdrawals.MinUSD <= 0 {
		return fmt.Errorf("withdrawals.min_usd must be greater than zero")
	}
	if c.Withdrawals.MaxUSD < c.Withdrawals.MinUSD {
		return fmt.Errorf("withdrawals.max_usd must be at least withdrawals.min_usd")
	}
	if c.Withdrawals.FeePct < 0 || c.Withdrawals.FeePct >= 1 {
		return fmt.Errorf("withdrawals.fee_pct must be within [0, 1)")
	}
	if c.Withdrawals.MaxPerDay <= 0 {
		return fmt.Errorf("withdrawals.max_per_day must be greater than zero")
	}
	if c.Admin.Enabled && c.Admin.ListenAddr == "" {
		return fmt.Errorf("admin.listen_addr is required when the admin API is enabled")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram alerts are enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram alerts are enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
