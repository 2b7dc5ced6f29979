package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Env names the storefront deployment already uses for the MoMo credentials.
const (
	EnvGatewayBaseURL         = "MTN_MOMO_BASE_URL"
	EnvGatewaySubscriptionKey = "MTN_MOMO_OCP_APIM_SUBSCRIPTION_KEY"
	EnvGatewayAPIUserID       = "MTN_MOMO_API_USER_ID"
	EnvGatewayAPIUserSecret   = "MTN_MOMO_API_USER_SECRET"
)

// Load reads configs/config.yaml, merges config.<APP_ENVIRONMENT>.yaml and
// applies environment overrides.
func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName("config." + env)
	_ = v.MergeInConfig()

	return finish(v)
}

// LoadFromFile reads a single yaml file plus environment overrides.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return finish(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func finish(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideEmptyConfig(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvFile() {
	paths := []string{".env", "../.env", "../../.env"}
	if root := findProjectRoot(); root != "" {
		paths = append(paths, filepath.Join(root, ".env"))
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// expandEnvVars resolves ${VAR} placeholders. An unset variable expands to
// the empty string, which leaves that integration unconfigured.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok || !strings.Contains(strVal, "$") {
			continue
		}
		if expanded := os.ExpandEnv(strVal); expanded != strVal {
			v.Set(key, expanded)
		}
	}
}

func overrideEmptyConfig(cfg *Config) {
	setIfEmpty(&cfg.Gateway.BaseURL, EnvGatewayBaseURL)
	setIfEmpty(&cfg.Gateway.SubscriptionKey, EnvGatewaySubscriptionKey)
	setIfEmpty(&cfg.Gateway.APIUserID, EnvGatewayAPIUserID)
	setIfEmpty(&cfg.Gateway.APIUserSecret, EnvGatewayAPIUserSecret)
	setIfEmpty(&cfg.Gateway.TargetEnvironment, "MTN_MOMO_TARGET_ENVIRONMENT")
	setIfEmpty(&cfg.Gateway.CallbackURL, "MTN_MOMO_CALLBACK_URL")

	setIfEmpty(&cfg.Database.Postgres.User, "DB_USER")
	setIfEmpty(&cfg.Database.Postgres.Password, "DB_PASSWORD")
	setIfEmpty(&cfg.Camunda.BrokerAddress, "ZEEBE_ADDRESS")
	setIfEmpty(&cfg.Notifications.OperatorEmail, "OPERATOR_EMAIL")
	setIfEmpty(&cfg.Notifications.OperatorPhone, "OPERATOR_PHONE")
}

func setIfEmpty(field *string, env string) {
	if *field != "" {
		return
	}
	if val := os.Getenv(env); val != "" {
		*field = val
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "skyfi-billing"
	}

	if cfg.Camunda.MaxJobsActive == 0 {
		cfg.Camunda.MaxJobsActive = 10
	}
	if cfg.Camunda.Timeout == 0 {
		cfg.Camunda.Timeout = 30000
	}
	if cfg.Camunda.RequestTimeout == 0 {
		cfg.Camunda.RequestTimeout = 30000
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Elasticsearch.URL == "" && len(cfg.Database.Elasticsearch.Addresses) > 0 {
		cfg.Database.Elasticsearch.URL = cfg.Database.Elasticsearch.Addresses[0]
	}
	if cfg.Database.Elasticsearch.PaymentIndex == "" {
		cfg.Database.Elasticsearch.PaymentIndex = "skyfi-payment-events"
	}

	if cfg.Gateway.TargetEnvironment == "" {
		cfg.Gateway.TargetEnvironment = "sandbox"
	}
	if cfg.Gateway.Currency == "" {
		cfg.Gateway.Currency = "UGX"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 15000
	}

	if cfg.Workflow.Mode == "" {
		cfg.Workflow.Mode = ModeInProcess
	}
	if cfg.Workflow.ProcessID == "" {
		cfg.Workflow.ProcessID = "skyfi-purchase"
	}
	if cfg.Workflow.PollInterval == 0 {
		cfg.Workflow.PollInterval = 3000
	}
	if cfg.Workflow.MaxPollAttempts == 0 {
		cfg.Workflow.MaxPollAttempts = 10
	}
	if cfg.Workflow.PurchaseLockTTL == 0 {
		// poll budget plus headroom for initiation and fulfilment
		cfg.Workflow.PurchaseLockTTL = cfg.Workflow.PollInterval*cfg.Workflow.MaxPollAttempts + 30000
	}
	if cfg.Workflow.ReconcileAfter == 0 {
		cfg.Workflow.ReconcileAfter = 5 * 60 * 1000
	}
	if cfg.Workflow.ReconcileInterval == 0 {
		cfg.Workflow.ReconcileInterval = 60 * 1000
	}
	if cfg.Workflow.CatalogCacheTTL == 0 {
		cfg.Workflow.CatalogCacheTTL = 5 * 60 * 1000
	}

	if cfg.HTTP.Address == "" {
		cfg.HTTP.Address = ":8080"
	}
	if cfg.HTTP.UserIDHeader == "" {
		cfg.HTTP.UserIDHeader = "X-User-Id"
	}

	if cfg.Notifications.AWS.Region == "" {
		cfg.Notifications.AWS.Region = "eu-west-1"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = cfg.App.Name
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Workers == nil {
		cfg.Workers = make(map[string]WorkerConfig)
	}
	for key, worker := range cfg.Workers {
		if worker.MaxJobsActive == 0 {
			worker.MaxJobsActive = 5
		}
		if worker.Timeout == 0 {
			worker.Timeout = 30000
		}
		if worker.MaxRetries == 0 {
			worker.MaxRetries = 3
		}
		cfg.Workers[key] = worker
	}
}

// validateConfig checks structure only. Missing integrations are reported
// at use time so the service can still start without them.
func validateConfig(cfg *Config) error {
	if cfg.Workflow.PollInterval < 0 {
		return fmt.Errorf("workflow.poll_interval must be positive")
	}
	if cfg.Workflow.MaxPollAttempts < 0 {
		return fmt.Errorf("workflow.max_poll_attempts must be positive")
	}
	switch cfg.Workflow.Mode {
	case ModeInProcess:
	case ModeZeebe:
		if !cfg.Camunda.Enabled() {
			return fmt.Errorf("workflow.mode %q requires camunda.broker_address", ModeZeebe)
		}
	default:
		return fmt.Errorf("workflow.mode must be %q or %q, got %q", ModeInProcess, ModeZeebe, cfg.Workflow.Mode)
	}
	return nil
}

func GetWorkerConfig(cfg *Config, workerName string) WorkerConfig {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker
	}
	return WorkerConfig{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       30000,
		MaxRetries:    3,
	}
}

func IsWorkerEnabled(cfg *Config, workerName string) bool {
	if worker, exists := cfg.Workers[workerName]; exists {
		return worker.Enabled
	}
	return true
}
