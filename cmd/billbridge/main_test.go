package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/billbridge/internal/config"
	"github.com/agentworkforce/billbridge/internal/events"
	"github.com/agentworkforce/billbridge/internal/store"
)

const tenantsYAML = `tenants:
  - id: acme
    businessName: Acme Corp
    crm:
      token: pit-acme
      locationId: loc_1
    ai:
      budget: 12.5
  - id: globex
    crm:
      token: pit-globex
`

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"BILLBRIDGE_CONFIG",
		"BILLBRIDGE_TENANTS_FILE",
		"BILLBRIDGE_CRM_TOKEN",
		"BILLBRIDGE_BILLING_API_KEY",
		"BILLBRIDGE_KAFKA_BROKERS",
		"BILLBRIDGE_ASSIST_API_KEY",
	} {
		t.Setenv(name, "")
	}
	t.Setenv("BILLBRIDGE_STORE_DSN", "memory://")
}

func runCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeTenants(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	if err := os.WriteFile(path, []byte(tenantsYAML), 0o600); err != nil {
		t.Fatalf("write tenants: %v", err)
	}
	return path
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Minute
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Minute {
		t.Fatalf("expected min jitter interval 8m, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Minute {
		t.Fatalf("expected midpoint jitter interval 10m, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Minute {
		t.Fatalf("expected max jitter interval 12m, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 1); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}

func TestTenantBudgetsSkipUnsetBudgets(t *testing.T) {
	tenants, err := config.ParseTenants([]byte(tenantsYAML))
	if err != nil {
		t.Fatalf("parse tenants: %v", err)
	}
	budgets := tenantBudgets(tenants)
	if len(budgets) != 1 || budgets["acme"] != 12.5 {
		t.Fatalf("expected only acme budget, got %v", budgets)
	}
}

func TestSyncRequiresTenantAndTarget(t *testing.T) {
	isolateEnv(t)
	_, _, err := runCommand(t, "sync", "--customer", "cus_1")
	if err == nil || !strings.Contains(err.Error(), "--tenant") {
		t.Fatalf("expected missing tenant error, got %v", err)
	}
	_, _, err = runCommand(t, "sync", "--tenant", "acme")
	if err == nil || !strings.Contains(err.Error(), "--customer or --invoice") {
		t.Fatalf("expected missing target error, got %v", err)
	}
}

func TestSyncReportsUnconfiguredTenant(t *testing.T) {
	isolateEnv(t)
	stdout, _, err := runCommand(t, "sync", "--tenant", "nobody", "--customer", "cus_1")
	if err == nil {
		t.Fatalf("expected failure for unconfigured tenant")
	}
	var payload struct {
		Success bool `json:"success"`
		Failed  int  `json:"failed"`
		Results []struct {
			Outcome   string `json:"outcome"`
			ErrorKind string `json:"errorKind"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil {
		t.Fatalf("decode output %q: %v", stdout, err)
	}
	if payload.Success || payload.Failed != 1 || len(payload.Results) != 1 {
		t.Fatalf("unexpected summary %+v", payload)
	}
	if payload.Results[0].ErrorKind != "configuration" {
		t.Fatalf("expected configuration error kind, got %q", payload.Results[0].ErrorKind)
	}
}

func TestFallbackListPrintsNewestFirst(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := store.NewFileBackend(path)
	if err != nil {
		t.Fatalf("open file backend: %v", err)
	}
	ctx := context.Background()
	for _, id := range []string{"fb_old", "fb_new"} {
		if err := backend.AppendFallback(ctx, store.FallbackEntry{
			ID:        id,
			TenantID:  "acme",
			Recipient: "ap@example.com",
			Subject:   "Invoice",
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	t.Setenv("BILLBRIDGE_STORE_DSN", "file://"+path)

	stdout, _, err := runCommand(t, "fallback", "list", "--tenant", "acme", "--limit", "1")
	if err != nil {
		t.Fatalf("fallback list: %v", err)
	}
	var entries []store.FallbackEntry
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
		t.Fatalf("decode output %q: %v", stdout, err)
	}
	if len(entries) != 1 || entries[0].ID != "fb_new" {
		t.Fatalf("expected newest entry only, got %+v", entries)
	}
}

func TestRunSweepOncePublishesListingFailure(t *testing.T) {
	isolateEnv(t)
	settings, err := config.LoadFrom("")
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	settings.TenantsFile = writeTenants(t)
	a, err := buildApp(context.Background(), settings, zerolog.Nop())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.Close()

	ch, unsubscribe := a.hub.Subscribe("acme")
	defer unsubscribe()

	// acme has no billing credential, so listing fails before any request
	failed := runSweepOnce(context.Background(), a, sweepConfig{
		tenants:  []string{"acme"},
		pageSize: 10,
		timeout:  time.Second,
	})
	if failed != 1 {
		t.Fatalf("expected one failure, got %d", failed)
	}
	select {
	case outcome := <-ch:
		if outcome.Source != events.SourceSweep || outcome.Outcome != "failed" || outcome.Error == "" {
			t.Fatalf("unexpected outcome %+v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected sweep outcome on the hub")
	}
}

func TestReconfigureAppliesTenantBudgets(t *testing.T) {
	isolateEnv(t)
	settings, err := config.LoadFrom("")
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	a, err := buildApp(context.Background(), settings, zerolog.Nop())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.Close()

	if _, err := a.resolver.Resolve("acme"); err == nil {
		t.Fatalf("expected acme to be unknown before reload")
	}
	tenants, err := config.ParseTenants([]byte(tenantsYAML))
	if err != nil {
		t.Fatalf("parse tenants: %v", err)
	}
	a.reconfigure(settings.ProviderConfig(tenants))

	if _, err := a.resolver.Resolve("acme"); err != nil {
		t.Fatalf("expected acme to resolve after reload, got %v", err)
	}
	if got := a.guard.Check("acme", 30).Budget; got != 12.5 {
		t.Fatalf("expected budget 12.5, got %v", got)
	}
}
