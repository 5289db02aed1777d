package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	AmoCRM    AmoCRMConfig    `yaml:"amocrm" mapstructure:"amocrm"`
	Pipelines PipelinesConfig `yaml:"pipelines" mapstructure:"pipelines"`
	Groq      GroqConfig      `yaml:"groq" mapstructure:"groq"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Classify  ClassifyConfig  `yaml:"classify" mapstructure:"classify"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp" mapstructure:"whatsapp"`
	OneC      OneCConfig      `yaml:"onec" mapstructure:"onec"`
	SLA       SLAConfig       `yaml:"sla" mapstructure:"sla"`
	Documents DocumentsConfig `yaml:"documents" mapstructure:"documents"`
	Email     EmailConfig     `yaml:"email" mapstructure:"email"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// AmoCRMConfig holds the amoCRM integration settings and the seed token pair.
type AmoCRMConfig struct {
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	ClientID          string  `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret      string  `yaml:"client_secret" mapstructure:"client_secret"`
	RedirectURI       string  `yaml:"redirect_uri" mapstructure:"redirect_uri"`
	AccessToken       string  `yaml:"access_token" mapstructure:"access_token"`
	RefreshToken      string  `yaml:"refresh_token" mapstructure:"refresh_token"`
	PipelineID        int64   `yaml:"pipeline_id" mapstructure:"pipeline_id"`
	LeadStatusID      int64   `yaml:"lead_status_id" mapstructure:"lead_status_id"`
	CPSentStatusID    int64   `yaml:"cp_sent_status_id" mapstructure:"cp_sent_status_id"`
	ResponsibleUserID int64   `yaml:"responsible_user_id" mapstructure:"responsible_user_id"`
	RateLimit         float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the per-request CRM timeout.
func (c AmoCRMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// PipelinesConfig maps pipeline types to amoCRM pipeline ids. Zero means
// "use amocrm.pipeline_id".
type PipelinesConfig struct {
	SalesID    int64 `yaml:"sales_id" mapstructure:"sales_id"`
	NKUID      int64 `yaml:"nku_id" mapstructure:"nku_id"`
	ServicesID int64 `yaml:"services_id" mapstructure:"services_id"`
}

// GroqConfig holds Groq (OpenAI-compatible) API settings.
type GroqConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// ClassifyConfig configures the text classifier.
type ClassifyConfig struct {
	KeywordsFile     string `yaml:"keywords_file" mapstructure:"keywords_file"`
	BreakerThreshold int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the per-completion timeout.
func (c ClassifyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// WhatsAppConfig holds notification provider credentials and recipients.
type WhatsAppConfig struct {
	Dialog360Key     string   `yaml:"dialog360_key" mapstructure:"dialog360_key"`
	Dialog360BaseURL string   `yaml:"dialog360_base_url" mapstructure:"dialog360_base_url"`
	CloudToken       string   `yaml:"cloud_token" mapstructure:"cloud_token"`
	CloudPhoneID     string   `yaml:"cloud_phone_id" mapstructure:"cloud_phone_id"`
	CloudBaseURL     string   `yaml:"cloud_base_url" mapstructure:"cloud_base_url"`
	ManagerPhones    []string `yaml:"manager_phones" mapstructure:"manager_phones"`
	UrgentPhone      string   `yaml:"urgent_phone" mapstructure:"urgent_phone"`
	TimeoutSecs      int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the per-send timeout.
func (c WhatsAppConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// OneCConfig holds 1C ERP endpoint settings. An empty BaseURL selects mock
// responses.
type OneCConfig struct {
	BaseURL             string `yaml:"base_url" mapstructure:"base_url"`
	APIKey              string `yaml:"api_key" mapstructure:"api_key"`
	InvoiceEndpoint     string `yaml:"invoice_endpoint" mapstructure:"invoice_endpoint"`
	FulfillmentEndpoint string `yaml:"fulfillment_endpoint" mapstructure:"fulfillment_endpoint"`
	TimeoutSecs         int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the per-request ERP timeout.
func (c OneCConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// SLAConfig configures the escalation sweep.
type SLAConfig struct {
	OverdueHours float64 `yaml:"overdue_hours" mapstructure:"overdue_hours"`
	UrgentHours  float64 `yaml:"urgent_hours" mapstructure:"urgent_hours"`
	RenewalHours float64 `yaml:"renewal_hours" mapstructure:"renewal_hours"`
	MaxLeads     int     `yaml:"max_leads" mapstructure:"max_leads"`
	Concurrency  int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// DocumentsConfig configures the document checklist engine.
type DocumentsConfig struct {
	ReminderIntervalHours float64 `yaml:"reminder_interval_hours" mapstructure:"reminder_interval_hours"`
	UrgentDays            float64 `yaml:"urgent_days" mapstructure:"urgent_days"`
	TaskDueHours          float64 `yaml:"task_due_hours" mapstructure:"task_due_hours"`
}

// EmailConfig holds the sales inbox settings. Mock serves template
// messages instead of the mailbox.
type EmailConfig struct {
	IMAPServer   string `yaml:"imap_server" mapstructure:"imap_server"`
	IMAPPort     int    `yaml:"imap_port" mapstructure:"imap_port"`
	IMAPUsername string `yaml:"imap_username" mapstructure:"imap_username"`
	IMAPPassword string `yaml:"imap_password" mapstructure:"imap_password"`
	IMAPFolder   string `yaml:"imap_folder" mapstructure:"imap_folder"`
	Mock         bool   `yaml:"mock" mapstructure:"mock"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// Timeout returns the IMAP command timeout.
func (c EmailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// StoreConfig selects where the OAuth token pair is persisted.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	TokenFile   string `yaml:"token_file" mapstructure:"token_file"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	RedisURL    string `yaml:"redis_url" mapstructure:"redis_url"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SALESOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Keys without a meaningful default are registered empty so
	// that AutomaticEnv picks them up during Unmarshal.
	for _, key := range []string{
		"amocrm.base_url", "amocrm.client_id", "amocrm.client_secret", "amocrm.redirect_uri",
		"amocrm.access_token", "amocrm.refresh_token",
		"groq.key", "anthropic.key", "classify.keywords_file",
		"whatsapp.dialog360_key", "whatsapp.cloud_token", "whatsapp.cloud_phone_id", "whatsapp.urgent_phone",
		"onec.base_url", "onec.api_key",
		"email.imap_server", "email.imap_username", "email.imap_password",
		"store.database_url", "store.redis_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("amocrm.pipeline_id", 0)
	v.SetDefault("amocrm.lead_status_id", 0)
	v.SetDefault("amocrm.cp_sent_status_id", 0)
	v.SetDefault("amocrm.responsible_user_id", 0)
	v.SetDefault("amocrm.rate_limit", 7)
	v.SetDefault("amocrm.timeout_secs", 20)
	v.SetDefault("pipelines.sales_id", 0)
	v.SetDefault("pipelines.nku_id", 0)
	v.SetDefault("pipelines.services_id", 0)
	v.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("groq.model", "llama-3.1-70b-versatile")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("classify.breaker_threshold", 3)
	v.SetDefault("classify.breaker_reset_secs", 60)
	v.SetDefault("classify.timeout_secs", 15)
	v.SetDefault("whatsapp.dialog360_base_url", "https://waba.360dialog.io/v1")
	v.SetDefault("whatsapp.cloud_base_url", "https://graph.facebook.com/v18.0")
	v.SetDefault("whatsapp.manager_phones", []string{})
	v.SetDefault("whatsapp.timeout_secs", 15)
	v.SetDefault("onec.invoice_endpoint", "/documents/invoice")
	v.SetDefault("onec.fulfillment_endpoint", "/documents/fulfillment")
	v.SetDefault("onec.timeout_secs", 15)
	v.SetDefault("sla.overdue_hours", 1)
	v.SetDefault("sla.urgent_hours", 4)
	v.SetDefault("sla.renewal_hours", 2)
	v.SetDefault("sla.max_leads", 50)
	v.SetDefault("sla.concurrency", 5)
	v.SetDefault("documents.reminder_interval_hours", 24)
	v.SetDefault("documents.urgent_days", 3)
	v.SetDefault("documents.task_due_hours", 8)
	v.SetDefault("email.imap_port", 993)
	v.SetDefault("email.imap_folder", "INBOX")
	v.SetDefault("email.mock", false)
	v.SetDefault("email.timeout_secs", 30)
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.token_file", "amo_tokens.json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.WhatsApp.ManagerPhones = splitList(cfg.WhatsApp.ManagerPhones)
	cfg.Server.CORSOrigins = splitList(cfg.Server.CORSOrigins)

	return &cfg, nil
}

// PipelineIDFor maps a pipeline type name to its configured id, falling back
// to the default pipeline.
func (c *Config) PipelineIDFor(pipelineType string) int64 {
	var id int64
	switch pipelineType {
	case "sales":
		id = c.Pipelines.SalesID
	case "nku":
		id = c.Pipelines.NKUID
	case "services":
		id = c.Pipelines.ServicesID
	}
	if id == 0 {
		return c.AmoCRM.PipelineID
	}
	return id
}

// splitList normalizes a list that may arrive as one comma-separated env
// value.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
