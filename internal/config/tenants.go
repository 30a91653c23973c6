package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantConfig is one tenant's provider credentials and CRM layout.
type TenantConfig struct {
	ID           string        `yaml:"id"`
	BusinessName string        `yaml:"businessName"`
	Billing      BillingTenant `yaml:"billing"`
	CRM          CRMTenant     `yaml:"crm"`
	AI           AITenant      `yaml:"ai"`
}

type BillingTenant struct {
	AccountID     string `yaml:"accountId"`
	APIKey        string `yaml:"apiKey"`
	WebhookSecret string `yaml:"webhookSecret"`
	// BackfillMetadata writes the CRM contact id back onto the billing
	// customer after a successful customer sync.
	BackfillMetadata bool `yaml:"backfillMetadata"`
}

type CRMTenant struct {
	Token          string            `yaml:"token"`
	LocationID     string            `yaml:"locationId"`
	PipelineID     string            `yaml:"pipelineId"`
	StageIDs       map[string]string `yaml:"stageIds"`
	CustomFieldIDs map[string]string `yaml:"customFieldIds"`
	TriggerTag     string            `yaml:"triggerTag"`
	DirectEmail    bool              `yaml:"directEmail"`
	FromEmail      string            `yaml:"fromEmail"`
}

type AITenant struct {
	Budget float64 `yaml:"budget"`
}

type tenantsFile struct {
	Tenants []TenantConfig `yaml:"tenants"`
}

// LoadTenants reads a YAML tenants file. An empty path yields an empty
// registry.
func LoadTenants(path string) (map[string]TenantConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return map[string]TenantConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	return ParseTenants(data)
}

func ParseTenants(data []byte) (map[string]TenantConfig, error) {
	out := map[string]TenantConfig{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	var doc tenantsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode tenants: %w", err)
	}
	for i, tenant := range doc.Tenants {
		tenant.ID = strings.TrimSpace(tenant.ID)
		if tenant.ID == "" {
			return nil, fmt.Errorf("tenant at index %d has no id", i)
		}
		if _, dup := out[tenant.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant id %q", tenant.ID)
		}
		if tenant.AI.Budget < 0 {
			return nil, fmt.Errorf("tenant %q: ai budget must not be negative", tenant.ID)
		}
		out[tenant.ID] = tenant
	}
	return out, nil
}
