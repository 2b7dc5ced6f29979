package config

import (
	"fmt"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig               `mapstructure:"app"`
	Camunda       CamundaConfig           `mapstructure:"camunda"`
	Database      DatabaseConfig          `mapstructure:"database"`
	Gateway       GatewayConfig           `mapstructure:"gateway"`
	Workflow      WorkflowConfig          `mapstructure:"workflow"`
	Workers       map[string]WorkerConfig `mapstructure:"workers"`
	HTTP          HTTPConfig              `mapstructure:"http"`
	Notifications NotificationConfig      `mapstructure:"notifications"`
	Tracing       TracingConfig           `mapstructure:"tracing"`
	Logging       LoggingConfig           `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type CamundaConfig struct {
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

// Enabled reports whether a Zeebe broker is configured.
func (c CamundaConfig) Enabled() bool {
	return c.BrokerAddress != ""
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

func (p PostgresConfig) IsConfigured() bool {
	return p.Host != "" && p.Database != "" && p.User != ""
}

type ElasticsearchConfig struct {
	Addresses    []string `mapstructure:"addresses"`
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`
	URL          string   `mapstructure:"url"`
	PaymentIndex string   `mapstructure:"payment_index"`
}

// GetURL returns the first address or the URL field
func (e ElasticsearchConfig) GetURL() string {
	if e.URL != "" {
		return e.URL
	}
	if len(e.Addresses) > 0 {
		return e.Addresses[0]
	}
	return ""
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GatewayConfig holds the MTN MoMo collection API credentials.
type GatewayConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	SubscriptionKey   string `mapstructure:"subscription_key"`
	APIUserID         string `mapstructure:"api_user_id"`
	APIUserSecret     string `mapstructure:"api_user_secret"`
	TargetEnvironment string `mapstructure:"target_environment"`
	CallbackURL       string `mapstructure:"callback_url"`
	Currency          string `mapstructure:"currency"`
	Timeout           int    `mapstructure:"timeout"` // milliseconds
}

// Missing lists the env names of unset credentials.
func (g GatewayConfig) Missing() []string {
	var missing []string
	if g.BaseURL == "" {
		missing = append(missing, EnvGatewayBaseURL)
	}
	if g.SubscriptionKey == "" {
		missing = append(missing, EnvGatewaySubscriptionKey)
	}
	if g.APIUserID == "" {
		missing = append(missing, EnvGatewayAPIUserID)
	}
	if g.APIUserSecret == "" {
		missing = append(missing, EnvGatewayAPIUserSecret)
	}
	return missing
}

func (g GatewayConfig) IsConfigured() bool {
	return len(g.Missing()) == 0
}

// WorkflowConfig tunes the purchase workflow.
type WorkflowConfig struct {
	Mode              string `mapstructure:"mode"` // "inprocess" or "zeebe"
	ProcessID         string `mapstructure:"process_id"`
	PollInterval      int    `mapstructure:"poll_interval"` // milliseconds
	MaxPollAttempts   int    `mapstructure:"max_poll_attempts"`
	PurchaseLockTTL   int    `mapstructure:"purchase_lock_ttl"` // milliseconds
	ReconcileAfter    int    `mapstructure:"reconcile_after"`   // milliseconds
	ReconcileInterval int    `mapstructure:"reconcile_interval"`
	CatalogCacheTTL   int    `mapstructure:"catalog_cache_ttl"`
}

const (
	ModeInProcess = "inprocess"
	ModeZeebe     = "zeebe"
)

// WorkerConfig holds the core settings applicable to every worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"` // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"`
}

// HTTPConfig configures the public API listener.
type HTTPConfig struct {
	Address      string `mapstructure:"address"`
	UserIDHeader string `mapstructure:"user_id_header"`
}

// NotificationConfig holds operator escalation settings.
type NotificationConfig struct {
	OperatorEmail string `mapstructure:"operator_email"`
	OperatorPhone string `mapstructure:"operator_phone"`
	AWS           struct {
		Region string `mapstructure:"region"`
		SES    struct {
			Enabled   bool   `mapstructure:"enabled"`
			FromEmail string `mapstructure:"from_email"`
		} `mapstructure:"ses"`
		SNS struct {
			Enabled  bool   `mapstructure:"enabled"`
			SenderID string `mapstructure:"sender_id"`
		} `mapstructure:"sns"`
	} `mapstructure:"aws"`
}

type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

func (w WorkflowConfig) PollIntervalDuration() time.Duration {
	return GetDuration(w.PollInterval)
}

func (w WorkflowConfig) PurchaseLockTTLDuration() time.Duration {
	return GetDuration(w.PurchaseLockTTL)
}

func (w WorkflowConfig) ReconcileAfterDuration() time.Duration {
	return GetDuration(w.ReconcileAfter)
}

func (w WorkflowConfig) ReconcileIntervalDuration() time.Duration {
	return GetDuration(w.ReconcileInterval)
}

func (w WorkflowConfig) CatalogCacheTTLDuration() time.Duration {
	return GetDuration(w.CatalogCacheTTL)
}
