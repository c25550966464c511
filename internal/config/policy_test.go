package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/capability"
)

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	policy, err := LoadPolicy(filepath.Join(t.TempDir(), "policy.yaml"))
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if policy != DefaultPolicy() {
		t.Fatalf("expected defaults, got %+v", policy)
	}
	if policy.ConsentPolicy().Threshold != capability.RiskHigh {
		t.Fatalf("default threshold = %v", policy.ConsentPolicy().Threshold)
	}
	if policy.Lifecycle.RevokeOnDisable {
		t.Fatal("revokeOnDisable should default to false")
	}
}

func TestParsePolicyOverridesDefaults(t *testing.T) {
	t.Parallel()

	policy, err := ParsePolicy([]byte(`
consent:
  threshold: medium
lifecycle:
  revokeOnDisable: true
monitor:
  retainFor: 72h
store:
  watchInterval: 250ms
`))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if policy.ConsentPolicy().Threshold != capability.RiskMedium {
		t.Errorf("threshold = %v", policy.ConsentPolicy().Threshold)
	}
	if !policy.Lifecycle.RevokeOnDisable {
		t.Error("revokeOnDisable not applied")
	}
	if policy.Monitor.RetainFor != 72*time.Hour {
		t.Errorf("retainFor = %v", policy.Monitor.RetainFor)
	}
	if policy.Monitor.RetainEvents != DefaultPolicy().Monitor.RetainEvents {
		t.Errorf("retainEvents lost its default: %d", policy.Monitor.RetainEvents)
	}
	if policy.Store.WatchInterval != 250*time.Millisecond {
		t.Errorf("watchInterval = %v", policy.Store.WatchInterval)
	}
	if !policy.Audit.ChainLog {
		t.Error("chainLog lost its default")
	}
}

func TestParsePolicyRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown field", yaml: "consent:\n  treshold: high\n"},
		{name: "unknown tier", yaml: "consent:\n  threshold: extreme\n"},
		{name: "negative retention", yaml: "monitor:\n  retainEvents: -1\n"},
		{name: "bad duration", yaml: "store:\n  watchInterval: soon\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParsePolicy([]byte(tt.yaml)); !authz.IsConfiguration(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestPolicyMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	policy.Lifecycle.RevokeOnDisable = true
	data, err := policy.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if loaded != policy {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", loaded, policy)
	}
}
