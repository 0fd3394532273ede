package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"tradegate/internal/security/secretbox"
)

type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	StoreMode   string `mapstructure:"store_mode"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	DatabaseURL string `mapstructure:"database_url"`
	BrokersFile string `mapstructure:"brokers_file"`

	WebhookSecret  string `mapstructure:"webhook_secret"`
	CredentialsKey string `mapstructure:"credentials_key"`
	AdminUsername  string `mapstructure:"admin_username"`
	AdminPassword  string `mapstructure:"admin_password"`
	// JWTSecret empty leaves the operator routes open.
	JWTSecret     string        `mapstructure:"jwt_secret"`
	AdminTokenTTL time.Duration `mapstructure:"admin_token_ttl"`

	MaxAgeSeconds          int     `mapstructure:"max_age_seconds"`
	FutureToleranceSeconds int     `mapstructure:"future_tolerance_seconds"`
	DuplicateWindowSeconds int     `mapstructure:"duplicate_window_seconds"`
	MaxVolume              float64 `mapstructure:"max_volume"`
	DefaultEquityPct       float64 `mapstructure:"default_equity_pct"`

	DispatchWorkers    int           `mapstructure:"dispatch_workers"`
	DispatchTimeout    time.Duration `mapstructure:"dispatch_timeout"`
	AdapterCallTimeout time.Duration `mapstructure:"adapter_call_timeout"`

	BreakerMaxFailures int           `mapstructure:"breaker_max_failures"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
	MaxRetries         int           `mapstructure:"max_retries"`

	HardExitEnabled    bool          `mapstructure:"hard_exit_enabled"`
	HardExitTime       string        `mapstructure:"hard_exit_time"`
	HardExitDays       string        `mapstructure:"hard_exit_days"`
	HardExitCatchup    time.Duration `mapstructure:"hard_exit_catchup"`
	TradingTimezone    string        `mapstructure:"trading_timezone"`
	SundaySessionStart string        `mapstructure:"sunday_session_start"`
	SchedulerPoll      time.Duration `mapstructure:"scheduler_poll"`

	EAConnectCode  string        `mapstructure:"ea_connect_code"`
	EATokenTTL     time.Duration `mapstructure:"ea_token_ttl"`
	EACommandTTL   time.Duration `mapstructure:"ea_command_ttl"`
	EAResultTTL    time.Duration `mapstructure:"ea_result_ttl"`
	EASyncMaxAge   time.Duration `mapstructure:"ea_sync_max_age"`
	EAHeartbeatTTL time.Duration `mapstructure:"ea_heartbeat_ttl"`

	IBKRBaseURL     string `mapstructure:"ibkr_base_url"`
	IBKRAccountID   string `mapstructure:"ibkr_account_id"`
	IBKRInsecureTLS bool   `mapstructure:"ibkr_insecure_tls"`

	TopStepBaseURL   string        `mapstructure:"topstep_base_url"`
	TopStepUsername  string        `mapstructure:"topstep_username"`
	TopStepAPIKey    string        `mapstructure:"topstep_api_key"`
	TopStepAccountID string        `mapstructure:"topstep_account_id"`
	TopStepKeepAlive time.Duration `mapstructure:"topstep_keepalive"`

	TelegramBotToken  string `mapstructure:"telegram_bot_token"`
	TelegramChatID    string `mapstructure:"telegram_chat_id"`
	DiscordWebhookURL string `mapstructure:"discord_webhook_url"`

	RelayWebhookURL string        `mapstructure:"relay_webhook_url"`
	RelayTimeout    time.Duration `mapstructure:"relay_timeout"`
	RelayMaxRetries int           `mapstructure:"relay_max_retries"`
	RelayRetryBase  time.Duration `mapstructure:"relay_retry_base"`
	RelayRetryMax   time.Duration `mapstructure:"relay_retry_max"`

	Brokers BrokerTable `mapstructure:"-"`
}

var defaults = map[string]any{
	"listen_addr":  ":18080",
	"log_level":    "info",
	"log_format":   "json",
	"store_mode":   "sqlite",
	"sqlite_path":  "tradegate.db",
	"database_url": "",
	"brokers_file": "brokers.yaml",

	"webhook_secret":  "",
	"credentials_key": "",
	"admin_username":  "admin",
	"admin_password":  "change-me",
	"jwt_secret":      "",
	"admin_token_ttl": 12 * time.Hour,

	"max_age_seconds":          30,
	"future_tolerance_seconds": 60,
	"duplicate_window_seconds": 5,
	"max_volume":               100.0,
	"default_equity_pct":       0.0,

	"dispatch_workers":     10,
	"dispatch_timeout":     10 * time.Second,
	"adapter_call_timeout": 30 * time.Second,

	"breaker_max_failures": 3,
	"breaker_cooldown":     time.Duration(0),
	"max_retries":          3,

	"hard_exit_enabled":    true,
	"hard_exit_time":       "16:50",
	"hard_exit_days":       "mon,tue,wed,thu,fri",
	"hard_exit_catchup":    10 * time.Minute,
	"trading_timezone":     "America/New_York",
	"sunday_session_start": "18:00",
	"scheduler_poll":       30 * time.Second,

	"ea_connect_code":  "TRADEGATE-ONE-TIME-CODE",
	"ea_token_ttl":     24 * time.Hour,
	"ea_command_ttl":   5 * time.Second,
	"ea_result_ttl":    10 * time.Second,
	"ea_sync_max_age":  5 * time.Second,
	"ea_heartbeat_ttl": 30 * time.Second,

	"ibkr_base_url":     "https://localhost:5000/v1/api",
	"ibkr_account_id":   "",
	"ibkr_insecure_tls": true,

	"topstep_base_url":   "https://api.topstepx.com/api",
	"topstep_username":   "",
	"topstep_api_key":    "",
	"topstep_account_id": "",
	"topstep_keepalive":  5 * time.Minute,

	"telegram_bot_token":  "",
	"telegram_chat_id":    "",
	"discord_webhook_url": "",

	"relay_webhook_url": "",
	"relay_timeout":     5 * time.Second,
	"relay_max_retries": 3,
	"relay_retry_base":  500 * time.Millisecond,
	"relay_retry_max":   5 * time.Second,
}

// sealedKeys may hold "enc:" values opened with CREDENTIALS_KEY.
var sealedKeys = []string{
	"webhook_secret",
	"admin_password",
	"jwt_secret",
	"database_url",
	"topstep_api_key",
	"telegram_bot_token",
	"discord_webhook_url",
}

// LoadDotEnv loads a .env file into the process environment. Variables that
// are already set win; a missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return gotenv.Load(path)
}

// Load reads CONFIG_FILE (optional) with environment overrides, opens sealed
// secrets and loads the broker table.
func Load() (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := openSecrets(v, &cfg); err != nil {
		return Config{}, err
	}

	brokers, err := LoadBrokers(cfg.BrokersFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Brokers = brokers
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func openSecrets(v *viper.Viper, cfg *Config) error {
	var box *secretbox.Box
	if cfg.CredentialsKey != "" {
		b, err := secretbox.New(cfg.CredentialsKey)
		if err != nil {
			return err
		}
		box = b
	}
	targets := map[string]*string{
		"webhook_secret":      &cfg.WebhookSecret,
		"admin_password":      &cfg.AdminPassword,
		"jwt_secret":          &cfg.JWTSecret,
		"database_url":        &cfg.DatabaseURL,
		"topstep_api_key":     &cfg.TopStepAPIKey,
		"telegram_bot_token":  &cfg.TelegramBotToken,
		"discord_webhook_url": &cfg.DiscordWebhookURL,
	}
	for _, key := range sealedKeys {
		dst := targets[key]
		plain, err := secretbox.Reveal(box, v.GetString(key))
		if err != nil {
			return fmt.Errorf("%s: %w", strings.ToUpper(key), err)
		}
		*dst = plain
	}
	return nil
}

func (c Config) Validate() error {
	switch c.StoreMode {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("STORE_MODE must be memory, sqlite or postgres, got %q", c.StoreMode)
	}
	if c.StoreMode == "postgres" && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required when STORE_MODE=postgres")
	}
	if c.WebhookSecret == "" {
		return errors.New("WEBHOOK_SECRET is required")
	}
	if c.DispatchWorkers <= 0 {
		return errors.New("DISPATCH_WORKERS must be positive")
	}
	if c.DispatchTimeout <= 0 || c.AdapterCallTimeout <= 0 {
		return errors.New("DISPATCH_TIMEOUT and ADAPTER_CALL_TIMEOUT must be positive")
	}
	if c.BreakerMaxFailures <= 0 || c.MaxRetries <= 0 {
		return errors.New("BREAKER_MAX_FAILURES and MAX_RETRIES must be positive")
	}
	if _, err := time.LoadLocation(c.TradingTimezone); err != nil {
		return fmt.Errorf("TRADING_TIMEZONE: %w", err)
	}
	if _, _, err := ParseClock(c.HardExitTime); err != nil {
		return fmt.Errorf("HARD_EXIT_TIME: %w", err)
	}
	if _, _, err := ParseClock(c.SundaySessionStart); err != nil {
		return fmt.Errorf("SUNDAY_SESSION_START: %w", err)
	}
	if _, err := ParseWeekdays(c.HardExitDays); err != nil {
		return fmt.Errorf("HARD_EXIT_DAYS: %w", err)
	}
	return nil
}

// ParseClock parses "HH:MM".
func ParseClock(raw string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q", raw)
	}
	return t.Hour(), t.Minute(), nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekdays parses a comma separated list such as "mon,tue,fri". Full
// names are accepted too.
func ParseWeekdays(raw string) (map[time.Weekday]bool, error) {
	out := map[time.Weekday]bool{}
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if len(name) > 3 {
			name = name[:3]
		}
		day, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", part)
		}
		out[day] = true
	}
	if len(out) == 0 {
		return nil, errors.New("no weekdays configured")
	}
	return out, nil
}
