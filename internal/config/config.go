package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/gregtusar/calspread/pkg/gateway"
	"github.com/gregtusar/calspread/pkg/models"
	"github.com/gregtusar/calspread/pkg/risk"
	"github.com/gregtusar/calspread/pkg/secrets"
	"github.com/gregtusar/calspread/pkg/session"
	"github.com/gregtusar/calspread/pkg/supervisor"
	"github.com/gregtusar/calspread/pkg/trader"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Gateway    gateway.Config    `mapstructure:"gateway"`
	Trading    TradingConfig     `mapstructure:"trading"`
	Risk       RiskConfig        `mapstructure:"risk"`
	Sessions   SessionsConfig    `mapstructure:"sessions"`
	Supervisor supervisor.Config `mapstructure:"supervisor"`
	Journal    JournalConfig     `mapstructure:"journal"`
	Notify     NotifyConfig      `mapstructure:"notify"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	GCP        GCPConfig         `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type TradingConfig struct {
	Account      string              `mapstructure:"account"`
	Instruments  []models.Instrument `mapstructure:"instruments"`
	OrderEnabled bool                `mapstructure:"order_enabled"`
	TestMode     bool                `mapstructure:"test_mode"`
	// Paper runs against the in-memory broker instead of the gateway.
	Paper bool `mapstructure:"paper"`

	TimeInForce       string        `mapstructure:"time_in_force"`
	Debounce          time.Duration `mapstructure:"debounce"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	RolloverInterval  time.Duration `mapstructure:"rollover_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RollDays          int           `mapstructure:"roll_days"`
	MaxClosePerTick   int64         `mapstructure:"max_close_per_tick"`
	ProfitEpsilon     float64       `mapstructure:"profit_epsilon"`
	Costs             trader.Costs  `mapstructure:"costs"`
}

type RiskConfig struct {
	risk.Limits `mapstructure:",squash"`
	AlertWindow time.Duration `mapstructure:"alert_window"`
}

type SessionsConfig struct {
	Timezone string           `mapstructure:"timezone"`
	Windows  []session.Window `mapstructure:"windows"`
}

type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type NotifyConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type GCPConfig struct {
	ProjectID   string              `mapstructure:"project_id"`
	UseSecrets  bool                `mapstructure:"use_secrets"`
	SecretNames secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/calspread")
	}

	v.SetEnvPrefix("CALSPREAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)
	if config.Gateway.Account == "" {
		config.Gateway.Account = config.Trading.Account
	}

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		if err := loadSecretsFromGCP(context.Background(), &config, logrus.New()); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("gateway.base_url", "http://localhost:8090")
	v.SetDefault("gateway.stream_url", "ws://localhost:8090/v1/stream")
	v.SetDefault("gateway.auth_type", string(gateway.AuthTypeHMAC))
	v.SetDefault("gateway.simulation", true)
	v.SetDefault("gateway.requests_per_second", 10)
	v.SetDefault("gateway.burst", 5)
	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("gateway.stream_buffer", 1024)

	v.SetDefault("trading.order_enabled", true)
	v.SetDefault("trading.test_mode", false)
	v.SetDefault("trading.paper", false)
	v.SetDefault("trading.time_in_force", string(models.TimeInForceROD))
	v.SetDefault("trading.debounce", time.Minute)
	v.SetDefault("trading.reconcile_interval", 30*time.Second)
	v.SetDefault("trading.rollover_interval", 24*time.Hour)
	v.SetDefault("trading.heartbeat_interval", time.Minute)
	v.SetDefault("trading.roll_days", 0)
	v.SetDefault("trading.max_close_per_tick", 10)
	v.SetDefault("trading.profit_epsilon", trader.DefaultProfitEpsilon)

	costs := trader.DefaultCosts()
	v.SetDefault("trading.costs.fee_per_side", costs.FeePerSide)
	v.SetDefault("trading.costs.multiplier", costs.Multiplier)
	v.SetDefault("trading.costs.tax_rate", costs.TaxRate)
	v.SetDefault("trading.costs.margin_rate", costs.MarginRate)

	v.SetDefault("risk.max_order_quantity", 10)
	v.SetDefault("risk.max_instrument_position", 50)
	v.SetDefault("risk.max_total_position", 300)
	v.SetDefault("risk.alert_window", 0)

	v.SetDefault("sessions.timezone", "Asia/Taipei")
	v.SetDefault("sessions.windows", []map[string]string{
		{"start": "08:45", "end": "13:45"},
		{"start": "15:00", "end": "05:00"},
	})

	sup := supervisor.DefaultConfig()
	v.SetDefault("supervisor.max_attempts", sup.MaxAttempts)
	v.SetDefault("supervisor.backoff", sup.Backoff)

	v.SetDefault("journal.path", "./data/calspread.db")
	v.SetDefault("notify.queue_size", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	names := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.api_key", names.APIKey)
	v.SetDefault("gcp.secret_names.api_secret", names.APISecret)
	v.SetDefault("gcp.secret_names.person_id", names.PersonID)
	v.SetDefault("gcp.secret_names.password", names.Password)
	v.SetDefault("gcp.secret_names.cert_password", names.CertPassword)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("GATEWAY_API_KEY"); apiKey != "" {
		config.Gateway.APIKey = apiKey
	}
	if apiSecret := os.Getenv("GATEWAY_API_SECRET"); apiSecret != "" {
		config.Gateway.APISecret = apiSecret
	}
	if personID := os.Getenv("GATEWAY_PERSON_ID"); personID != "" {
		config.Gateway.PersonID = personID
	}
	if password := os.Getenv("GATEWAY_PASSWORD"); password != "" {
		config.Gateway.Password = password
	}
	if certPassword := os.Getenv("GATEWAY_CERT_PASSWORD"); certPassword != "" {
		config.Gateway.CertPassword = certPassword
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	applySecrets(ctx, secretManager, config, logger)
	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// applySecrets fills credentials that neither the file nor the environment set.
func applySecrets(ctx context.Context, src secrets.Source, config *Config, logger *logrus.Logger) {
	creds := secrets.Credentials{
		APIKey:       config.Gateway.APIKey,
		APISecret:    config.Gateway.APISecret,
		PersonID:     config.Gateway.PersonID,
		Password:     config.Gateway.Password,
		CertPassword: config.Gateway.CertPassword,
	}
	secrets.Fill(ctx, src, config.GCP.SecretNames, &creds, logger)

	config.Gateway.APIKey = creds.APIKey
	config.Gateway.APISecret = creds.APISecret
	config.Gateway.PersonID = creds.PersonID
	config.Gateway.Password = creds.Password
	config.Gateway.CertPassword = creds.CertPassword
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if err := c.Risk.Limits.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if len(c.Trading.Instruments) == 0 {
		return fmt.Errorf("trading.instruments: empty watch-list")
	}
	for i, inst := range c.Trading.Instruments {
		if inst.Code == "" {
			return fmt.Errorf("trading.instruments[%d]: code is required", i)
		}
	}
	if c.Trading.MaxClosePerTick < 0 {
		return fmt.Errorf("trading.max_close_per_tick must not be negative")
	}
	if c.Trading.ProfitEpsilon < 0 {
		return fmt.Errorf("trading.profit_epsilon must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := session.NewSchedule(c.Sessions.Windows, nil); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	if c.Supervisor.MaxAttempts <= 0 {
		return fmt.Errorf("supervisor.max_attempts must be positive")
	}
	return nil
}

// Location is the time zone trading sessions are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	if c.Sessions.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Sessions.Timezone)
	if err != nil {
		return nil, fmt.Errorf("sessions.timezone: %w", err)
	}
	return loc, nil
}

// Engine builds the engine settings for one strategy variant.
func (c *Config) Engine(variant trader.Variant) trader.Config {
	eps := c.Trading.ProfitEpsilon
	return trader.Config{
		Variant:           variant,
		Account:           c.Trading.Account,
		Instruments:       c.Trading.Instruments,
		OrderEnabled:      c.Trading.OrderEnabled,
		TestMode:          c.Trading.TestMode,
		TimeInForce:       models.TimeInForce(strings.ToUpper(c.Trading.TimeInForce)),
		Debounce:          c.Trading.Debounce,
		ReconcileInterval: c.Trading.ReconcileInterval,
		RolloverInterval:  c.Trading.RolloverInterval,
		HeartbeatInterval: c.Trading.HeartbeatInterval,
		RollDays:          c.Trading.RollDays,
		MaxClosePerTick:   c.Trading.MaxClosePerTick,
		ProfitEpsilon:     &eps,
		Costs:             c.Trading.Costs,
	}
}
