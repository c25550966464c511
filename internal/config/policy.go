package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nupi-ai/habitvault/internal/audit"
	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/gateway"
	"github.com/nupi-ai/habitvault/internal/plugins/manifest"
)

// Policy holds the tunable behaviour of a vault. The zero value is not
// useful; start from DefaultPolicy.
type Policy struct {
	Consent   ConsentPolicy   `yaml:"consent"`
	Lifecycle LifecyclePolicy `yaml:"lifecycle"`
	Monitor   MonitorPolicy   `yaml:"monitor"`
	Store     StorePolicy     `yaml:"store"`
	Audit     AuditPolicy     `yaml:"audit"`
	Plugins   PluginsPolicy   `yaml:"plugins"`
}

type ConsentPolicy struct {
	// Threshold is the lowest risk tier that needs explicit consent.
	Threshold string `yaml:"threshold"`
}

type LifecyclePolicy struct {
	RevokeOnDisable bool `yaml:"revokeOnDisable"`
}

type MonitorPolicy struct {
	RetainEvents int           `yaml:"retainEvents"`
	RetainFor    time.Duration `yaml:"retainFor"`
}

type StorePolicy struct {
	WatchInterval time.Duration `yaml:"watchInterval"`
}

type AuditPolicy struct {
	ChainLog bool `yaml:"chainLog"`
}

type PluginsPolicy struct {
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultPolicy returns the policy used when no file exists.
func DefaultPolicy() Policy {
	return Policy{
		Consent:   ConsentPolicy{Threshold: manifest.DefaultConsentPolicy().Threshold.String()},
		Lifecycle: LifecyclePolicy{RevokeOnDisable: false},
		Monitor:   MonitorPolicy{RetainEvents: audit.DefaultRetainEvents, RetainFor: audit.DefaultRetainFor},
		Store:     StorePolicy{WatchInterval: gateway.DefaultWatchInterval},
		Audit:     AuditPolicy{ChainLog: true},
		Plugins:   PluginsPolicy{Watch: true, Debounce: 250 * time.Millisecond},
	}
}

// LoadPolicy reads the policy at path. A missing file yields the defaults.
// Fields absent from the file keep their default values.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("config: read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy over the defaults. Unknown fields are
// rejected.
func ParsePolicy(data []byte) (Policy, error) {
	policy := DefaultPolicy()
	if len(bytes.TrimSpace(data)) == 0 {
		return policy, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&policy); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, &authz.ConfigurationError{Field: "policy", Reason: "invalid policy file", Err: err}
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Validate checks value ranges.
func (p Policy) Validate() error {
	if _, ok := capability.ParseRisk(strings.TrimSpace(p.Consent.Threshold)); !ok {
		return &authz.ConfigurationError{Field: "consent.threshold", Reason: fmt.Sprintf("unknown risk tier %q", p.Consent.Threshold)}
	}
	if p.Monitor.RetainEvents < 0 {
		return &authz.ConfigurationError{Field: "monitor.retainEvents", Reason: "must not be negative"}
	}
	if p.Monitor.RetainFor < 0 {
		return &authz.ConfigurationError{Field: "monitor.retainFor", Reason: "must not be negative"}
	}
	if p.Store.WatchInterval < 0 {
		return &authz.ConfigurationError{Field: "store.watchInterval", Reason: "must not be negative"}
	}
	if p.Plugins.Debounce < 0 {
		return &authz.ConfigurationError{Field: "plugins.debounce", Reason: "must not be negative"}
	}
	return nil
}

// ConsentPolicy converts the consent section for the lifecycle controller.
func (p Policy) ConsentPolicy() manifest.ConsentPolicy {
	risk, ok := capability.ParseRisk(strings.TrimSpace(p.Consent.Threshold))
	if !ok {
		return manifest.DefaultConsentPolicy()
	}
	return manifest.ConsentPolicy{Threshold: risk}
}

// Marshal renders p as YAML.
func (p Policy) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}
