package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	OpsAddr  string `yaml:"ops_addr"` // gRPC health; empty disables

	// DB
	Env    string `yaml:"env"`     // "dev" | "prod"
	DBPath string `yaml:"db_path"` // e.g. "./data/paygate.db"

	// Price
	RequiredAmount string `yaml:"required_amount"` // decimal, e.g. "0.01"
	Currency       string `yaml:"currency"`
	PayTo          string `yaml:"pay_to"`
	Network        string `yaml:"network"`

	// Grants and cleanup
	GrantDurationSeconds int `yaml:"grant_duration_seconds"`
	RetryCeiling         int `yaml:"retry_ceiling"`
	RetryBaseDelayMS     int `yaml:"retry_base_delay_ms"`

	// Payer address; set to bypass detection
	PayerAddress string `yaml:"payer_address"`

	// Remote firewall
	CloudflareToken  string `yaml:"cloudflare_api_token"`
	CloudflareZoneID string `yaml:"cloudflare_zone_id"`
	CloudflareAPIURL string `yaml:"cloudflare_api_url"`

	LedgerURL string `yaml:"ledger_url"`

	// Trigger monitor
	ActivityLog      string `yaml:"activity_log"`
	ProcessSignature string `yaml:"process_signature"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`

	// Grant retention
	GrantRetentionDays int `yaml:"grant_retention_days"` // 0 = keep forever
	PruneIntervalHours int `yaml:"prune_interval_hours"` // how often the pruner runs (default 6)

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Alerts
	AlertWebhookURL string `yaml:"alert_webhook_url"`
	AlertNtfyTopic  string `yaml:"alert_ntfy_topic"`
	SlackToken      string `yaml:"slack_token"`
	SlackChannel    string `yaml:"slack_channel"`

	IntakePerMinute int `yaml:"intake_rate_per_min"` // 0 disables throttling
}

func Default() Config {
	return Config{
		HTTPAddr:             ":8080",
		OpsAddr:              ":9090",
		Env:                  "dev",
		DBPath:               "./data/paygate.db",
		RequiredAmount:       "0.01",
		Currency:             "MOVE",
		Network:              "movement",
		GrantDurationSeconds: 60,
		RetryCeiling:         3,
		RetryBaseDelayMS:     1000,
		PollIntervalMS:       2000,
		GrantRetentionDays:   30,
		PruneIntervalHours:   6,
		LogLevel:             "info",
		IntakePerMinute:      30,
	}
}

// FromEnv returns the defaults overridden by environment variables.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// Load reads a YAML file over the defaults, then applies the environment
// on top. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenvDefault("PAYGATE_HTTP_ADDR", c.HTTPAddr)
	c.OpsAddr = getenvDefault("PAYGATE_OPS_ADDR", c.OpsAddr)

	c.Env = strings.ToLower(getenvDefault("PAYGATE_ENV", c.Env))
	if c.Env != "dev" && c.Env != "prod" {
		// fail-soft: treat unknown as dev
		c.Env = "dev"
	}
	c.DBPath = getenvDefault("PAYGATE_DB_PATH", c.DBPath)

	c.RequiredAmount = getenvDefault("PAYGATE_REQUIRED_AMOUNT", c.RequiredAmount)
	c.Currency = strings.ToUpper(getenvDefault("PAYGATE_CURRENCY", c.Currency))
	c.PayTo = getenvDefault("PAYGATE_PAY_TO", c.PayTo)
	c.Network = getenvDefault("PAYGATE_NETWORK", c.Network)

	c.GrantDurationSeconds = getenvInt("PAYGATE_GRANT_DURATION_SECONDS", c.GrantDurationSeconds)
	c.RetryCeiling = getenvInt("PAYGATE_RETRY_CEILING", c.RetryCeiling)
	c.RetryBaseDelayMS = getenvInt("PAYGATE_RETRY_BASE_DELAY_MS", c.RetryBaseDelayMS)

	c.PayerAddress = getenvDefault("PAYGATE_PAYER_ADDRESS", c.PayerAddress)

	c.CloudflareToken = getenvDefault("CLOUDFLARE_API_TOKEN", c.CloudflareToken)
	c.CloudflareZoneID = getenvDefault("CLOUDFLARE_ZONE_ID", c.CloudflareZoneID)
	c.CloudflareAPIURL = getenvDefault("CLOUDFLARE_API_URL", c.CloudflareAPIURL)
	c.LedgerURL = getenvDefault("PAYGATE_LEDGER_URL", c.LedgerURL)

	c.ActivityLog = getenvDefault("PAYGATE_ACTIVITY_LOG", c.ActivityLog)
	c.ProcessSignature = getenvDefault("PAYGATE_PROCESS_SIGNATURE", c.ProcessSignature)
	c.PollIntervalMS = getenvInt("PAYGATE_POLL_INTERVAL_MS", c.PollIntervalMS)

	c.GrantRetentionDays = getenvInt("PAYGATE_GRANT_RETENTION_DAYS", c.GrantRetentionDays)
	c.PruneIntervalHours = getenvInt("PAYGATE_PRUNE_INTERVAL_HOURS", c.PruneIntervalHours)

	c.LogLevel = getenvDefault("PAYGATE_LOG_LEVEL", c.LogLevel)
	c.LogJSON = getenvBool("PAYGATE_LOG_JSON", c.LogJSON)

	c.AlertWebhookURL = getenvDefault("PAYGATE_ALERT_WEBHOOK_URL", c.AlertWebhookURL)
	c.AlertNtfyTopic = getenvDefault("PAYGATE_ALERT_NTFY_TOPIC", c.AlertNtfyTopic)
	c.SlackToken = getenvDefault("PAYGATE_SLACK_TOKEN", c.SlackToken)
	c.SlackChannel = getenvDefault("PAYGATE_SLACK_CHANNEL", c.SlackChannel)

	c.IntakePerMinute = getenvInt("PAYGATE_INTAKE_RATE_PER_MIN", c.IntakePerMinute)
}

// Validate reports settings the server cannot run without.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.PriceOctas(); err != nil {
		errs = append(errs, fmt.Errorf("required amount %q: %w", c.RequiredAmount, err))
	}
	if c.Currency == "" {
		errs = append(errs, errors.New("currency is required"))
	}
	if c.PayTo == "" {
		errs = append(errs, errors.New("PAYGATE_PAY_TO is required"))
	}
	if c.CloudflareToken == "" || c.CloudflareZoneID == "" {
		errs = append(errs, errors.New("CLOUDFLARE_API_TOKEN and CLOUDFLARE_ZONE_ID are required"))
	}
	if c.GrantDurationSeconds <= 0 {
		errs = append(errs, errors.New("grant duration must be positive"))
	}
	return errors.Join(errs...)
}

// PriceOctas is the required amount in base units.
func (c Config) PriceOctas() (uint64, error) {
	n, err := types.ParseOctas(c.RequiredAmount)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("must be greater than zero")
	}
	return n, nil
}

func (c Config) GrantDuration() time.Duration {
	return time.Duration(c.GrantDurationSeconds) * time.Second
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}
