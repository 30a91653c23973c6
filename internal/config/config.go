package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultCRMBaseURL       = "https://services.leadconnectorhq.com"
	DefaultCRMLegacyBaseURL = "https://rest.gohighlevel.com/v1"
	DefaultCRMAPIVersion    = "2021-07-28"
	DefaultBillingBaseURL   = "https://api.stripe.com"
)

// Settings is the process-level configuration read from the environment
// (prefix BILLBRIDGE_) and an optional config file.
type Settings struct {
	Addr         string
	Env          string
	LogLevel     string
	StoreDSN     string
	TenantsFile  string
	MaxBodyBytes int64

	APIJWTSecret    string
	RateLimitMax    int
	RateLimitWindow time.Duration

	BillingBaseURL       string
	BillingAPIKey        string
	DefaultWebhookSecret string

	CRMBaseURL       string
	CRMLegacyBaseURL string
	CRMAPIVersion    string
	CRMToken         string

	SweepPageSize   int
	SweepInterval   time.Duration
	SweepJitter     float64
	DedupWindow     time.Duration
	DispatchTimeout time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	AssistEndpoint string
	AssistAPIKey   string
	AssistModel    string

	QuotaDefaultBudget float64
	QuotaWindowDays    int
	AssistCostPerCall  float64
}

// Load reads .env (if present), the optional file named by BILLBRIDGE_CONFIG
// and BILLBRIDGE_* environment variables, in increasing precedence.
func Load() (Settings, error) {
	_ = godotenv.Load()
	return LoadFrom(os.Getenv("BILLBRIDGE_CONFIG"))
}

// LoadFrom is Load without the .env step; path may be empty.
func LoadFrom(path string) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("BILLBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	s := Settings{
		Addr:                 v.GetString("addr"),
		Env:                  v.GetString("env"),
		LogLevel:             v.GetString("log_level"),
		StoreDSN:             v.GetString("store_dsn"),
		TenantsFile:          v.GetString("tenants_file"),
		MaxBodyBytes:         v.GetInt64("max_body_bytes"),
		APIJWTSecret:         v.GetString("api.jwt_secret"),
		RateLimitMax:         v.GetInt("api.rate_limit_max"),
		RateLimitWindow:      v.GetDuration("api.rate_limit_window"),
		BillingBaseURL:       v.GetString("billing.base_url"),
		BillingAPIKey:        v.GetString("billing.api_key"),
		DefaultWebhookSecret: v.GetString("billing.webhook_secret"),
		CRMBaseURL:           v.GetString("crm.base_url"),
		CRMLegacyBaseURL:     v.GetString("crm.legacy_base_url"),
		CRMAPIVersion:        v.GetString("crm.api_version"),
		CRMToken:             v.GetString("crm.token"),
		SweepPageSize:        v.GetInt("sweep.page_size"),
		SweepInterval:        v.GetDuration("sweep.interval"),
		SweepJitter:          v.GetFloat64("sweep.jitter"),
		DedupWindow:          v.GetDuration("webhook.dedup_window"),
		DispatchTimeout:      v.GetDuration("webhook.dispatch_timeout"),
		KafkaBrokers:         splitList(v.GetString("kafka.brokers")),
		KafkaTopic:           v.GetString("kafka.topic"),
		AssistEndpoint:       v.GetString("assist.endpoint"),
		AssistAPIKey:         v.GetString("assist.api_key"),
		AssistModel:          v.GetString("assist.model"),
		QuotaDefaultBudget:   v.GetFloat64("quota.default_budget"),
		QuotaWindowDays:      v.GetInt("quota.window_days"),
		AssistCostPerCall:    v.GetFloat64("assist.cost_per_call"),
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("env", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("store_dsn", "memory://")
	v.SetDefault("tenants_file", "")
	v.SetDefault("max_body_bytes", 1<<20)
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.rate_limit_max", 0)
	v.SetDefault("api.rate_limit_window", "1m")
	v.SetDefault("billing.base_url", DefaultBillingBaseURL)
	v.SetDefault("billing.api_key", "")
	v.SetDefault("billing.webhook_secret", "")
	v.SetDefault("crm.base_url", DefaultCRMBaseURL)
	v.SetDefault("crm.legacy_base_url", DefaultCRMLegacyBaseURL)
	v.SetDefault("crm.api_version", DefaultCRMAPIVersion)
	v.SetDefault("crm.token", "")
	v.SetDefault("sweep.page_size", 50)
	v.SetDefault("sweep.interval", "15m")
	v.SetDefault("sweep.jitter", 0.2)
	v.SetDefault("webhook.dedup_window", "72h")
	v.SetDefault("webhook.dispatch_timeout", "30s")
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "billbridge.outcomes")
	v.SetDefault("assist.endpoint", "")
	v.SetDefault("assist.api_key", "")
	v.SetDefault("assist.model", "gpt-4o-mini")
	v.SetDefault("assist.cost_per_call", 0.01)
	v.SetDefault("quota.default_budget", 0)
	v.SetDefault("quota.window_days", 30)
}

func (s Settings) validate() error {
	if s.SweepPageSize <= 0 || s.SweepPageSize > 100 {
		return fmt.Errorf("sweep.page_size must be between 1 and 100, got %d", s.SweepPageSize)
	}
	if s.SweepJitter < 0 || s.SweepJitter > 1 {
		return fmt.Errorf("sweep.jitter must be between 0 and 1, got %v", s.SweepJitter)
	}
	if s.DedupWindow < 0 {
		return fmt.Errorf("webhook.dedup_window must not be negative")
	}
	if s.RateLimitMax < 0 {
		return fmt.Errorf("api.rate_limit_max must not be negative, got %d", s.RateLimitMax)
	}
	if s.QuotaWindowDays <= 0 {
		return fmt.Errorf("quota.window_days must be positive, got %d", s.QuotaWindowDays)
	}
	return nil
}

// ProviderConfig combines the process defaults with a tenant registry. It is
// built once at startup (and again on explicit reconfiguration) and handed to
// every component constructor.
func (s Settings) ProviderConfig(tenants map[string]TenantConfig) ProviderConfig {
	if tenants == nil {
		tenants = map[string]TenantConfig{}
	}
	return ProviderConfig{
		BillingBaseURL:       s.BillingBaseURL,
		DefaultBillingAPIKey: s.BillingAPIKey,
		DefaultWebhookSecret: s.DefaultWebhookSecret,
		CRMBaseURL:           s.CRMBaseURL,
		CRMLegacyBaseURL:     s.CRMLegacyBaseURL,
		CRMAPIVersion:        s.CRMAPIVersion,
		DefaultCRMToken:      s.CRMToken,
		Tenants:              tenants,
	}
}

type ProviderConfig struct {
	BillingBaseURL       string
	DefaultBillingAPIKey string
	DefaultWebhookSecret string
	CRMBaseURL           string
	CRMLegacyBaseURL     string
	CRMAPIVersion        string
	DefaultCRMToken      string
	Tenants              map[string]TenantConfig
}

func (p ProviderConfig) Tenant(id string) (TenantConfig, bool) {
	t, ok := p.Tenants[id]
	return t, ok
}

// TenantIDs returns the configured tenant ids in sorted order.
func (p ProviderConfig) TenantIDs() []string {
	ids := make([]string, 0, len(p.Tenants))
	for id := range p.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
