package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/petralabs/riskgate/internal/health"
	"github.com/petralabs/riskgate/internal/risk"
)

// Config is the operator-facing configuration surface. Decimal-valued
// limits are read as strings and parsed during Validate so binary floats
// never enter risk arithmetic.
type Config struct {
	ListenAddr string           `yaml:"listen_addr"`
	AuthToken  string           `yaml:"auth_token"`
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Sources    SourcesConfig    `yaml:"sources"`
	SigningKey SigningKeyConfig `yaml:"signing_key"`
	Risk       RiskConfig       `yaml:"risk"`
	Health     HealthConfig     `yaml:"health"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type StorageConfig struct {
	DBPath     string `yaml:"db_path"`
	LedgerPath string `yaml:"ledger_path"`
	AlertDir   string `yaml:"alert_dir"`
}

type SourcesConfig struct {
	// AccountSnapshotPath is the JSON snapshot the external pipeline
	// publishes (equity, positions, broker positions, updated_at).
	AccountSnapshotPath string `yaml:"account_snapshot_path"`
}

type SigningKeyConfig struct {
	KeyID          string `yaml:"key_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type RiskConfig struct {
	MaxDailyLossPct            string `yaml:"max_daily_loss_pct"`
	MaxDrawdownPct             string `yaml:"max_drawdown_pct"`
	MaxPositionFraction        string `yaml:"max_position_fraction"`
	OrderRateWindowSeconds     int    `yaml:"order_rate_window_seconds"`
	OrderRateLimit             int    `yaml:"order_rate_limit"`
	AutoApprovePromotion       bool   `yaml:"auto_approve_promotion"`
	AutoApproveRiskChanges     bool   `yaml:"auto_approve_risk_changes"`
	AutoApproveUniverseChanges bool   `yaml:"auto_approve_universe_changes"`
}

type HealthConfig struct {
	DataStalenessThreshold    string `yaml:"data_staleness_threshold"`
	PositionDriftTolerancePct string `yaml:"position_drift_tolerance_pct"`
}

type SchedulerConfig struct {
	ScheduleInterval string `yaml:"schedule_interval"`
	IdempotencyTTL   string `yaml:"idempotency_ttl"`
}

type AlertsConfig struct {
	WebhookTargets []string `yaml:"webhook_targets"`
}

func Load(path string) (Config, error) {
	// #nosec G304 -- path is operator-provided config path.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func defaults() Config {
	return Config{
		ListenAddr: ":8080",
		Log:        LogConfig{Level: "info"},
		Storage: StorageConfig{
			DBPath:     "data/riskgate.db",
			LedgerPath: "data/ledger.jsonl",
			AlertDir:   "data/alerts",
		},
		Sources: SourcesConfig{
			AccountSnapshotPath: "data/account.json",
		},
		SigningKey: SigningKeyConfig{
			KeyID:          "riskgate-ledger",
			PrivateKeyPath: "data/keys/ledger.key",
		},
		Risk: RiskConfig{
			OrderRateWindowSeconds: 60,
			OrderRateLimit:         10,
		},
		Health: HealthConfig{
			DataStalenessThreshold:    "5m",
			PositionDriftTolerancePct: "1",
		},
		Scheduler: SchedulerConfig{
			ScheduleInterval: "60s",
			IdempotencyTTL:   "24h",
		},
	}
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Storage.DBPath == "" || c.Storage.LedgerPath == "" {
		return fmt.Errorf("storage.db_path and storage.ledger_path are required")
	}

	for _, field := range []struct{ name, value string }{
		{"risk.max_daily_loss_pct", c.Risk.MaxDailyLossPct},
		{"risk.max_drawdown_pct", c.Risk.MaxDrawdownPct},
		{"risk.max_position_fraction", c.Risk.MaxPositionFraction},
	} {
		if field.value == "" {
			return fmt.Errorf("%s is required", field.name)
		}
		if _, err := decimal.NewFromString(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	if c.Risk.OrderRateWindowSeconds <= 0 {
		return fmt.Errorf("risk.order_rate_window_seconds must be positive")
	}
	if c.Risk.OrderRateLimit < 0 {
		return fmt.Errorf("risk.order_rate_limit must not be negative")
	}

	if _, err := decimal.NewFromString(c.Health.PositionDriftTolerancePct); err != nil {
		return fmt.Errorf("health.position_drift_tolerance_pct: %w", err)
	}
	for _, field := range []struct{ name, value string }{
		{"health.data_staleness_threshold", c.Health.DataStalenessThreshold},
		{"scheduler.schedule_interval", c.Scheduler.ScheduleInterval},
		{"scheduler.idempotency_ttl", c.Scheduler.IdempotencyTTL},
	} {
		d, err := time.ParseDuration(field.value)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", field.name)
		}
	}
	return nil
}

// Limits converts the validated risk section into engine limits.
func (c Config) Limits() risk.Limits {
	return risk.Limits{
		MaxDailyLossPct:           decimal.RequireFromString(c.Risk.MaxDailyLossPct),
		MaxDrawdownPct:            decimal.RequireFromString(c.Risk.MaxDrawdownPct),
		MaxPositionFraction:       decimal.RequireFromString(c.Risk.MaxPositionFraction),
		OrderRateWindow:           time.Duration(c.Risk.OrderRateWindowSeconds) * time.Second,
		OrderRateLimit:            c.Risk.OrderRateLimit,
		AutoApprovePromotion:      c.Risk.AutoApprovePromotion,
		AutoApproveRiskChanges:    c.Risk.AutoApproveRiskChanges,
		AutoApproveUniverseChange: c.Risk.AutoApproveUniverseChanges,
	}
}

// HealthChecks converts the validated health section into monitor config.
func (c Config) HealthChecks() health.Config {
	d, _ := time.ParseDuration(c.Health.DataStalenessThreshold)
	return health.Config{
		StalenessThreshold: d,
		DriftTolerancePct:  decimal.RequireFromString(c.Health.PositionDriftTolerancePct),
	}
}

// ScheduleInterval returns the validated tick interval.
func (c Config) ScheduleInterval() time.Duration {
	d, _ := time.ParseDuration(c.Scheduler.ScheduleInterval)
	return d
}

// IdempotencyTTL returns the validated record retention window.
func (c Config) IdempotencyTTL() time.Duration {
	d, _ := time.ParseDuration(c.Scheduler.IdempotencyTTL)
	return d
}
