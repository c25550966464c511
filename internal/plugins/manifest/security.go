package manifest

import (
	"fmt"
	"strings"

	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/capability"
)

// SecurityManifest is a plugin's immutable declaration of what it requests
// and how it treats the data it collects.
type SecurityManifest struct {
	requested   capability.Set
	sensitivity Sensitivity
	scope       AccessScope
	retention   RetentionPolicy
	privacy     string
}

// NewSecurityManifest validates the declaration and returns it. Validation
// failures are *authz.ConfigurationError values.
func NewSecurityManifest(caps []capability.Capability, sensitivity Sensitivity, scope AccessScope, retention RetentionPolicy, privacy string) (SecurityManifest, error) {
	for _, c := range caps {
		if !c.Valid() {
			return SecurityManifest{}, configErr("security.capabilities", fmt.Sprintf("undeclared capability %s", c))
		}
	}
	m := SecurityManifest{
		requested:   capability.NewSet(caps...),
		sensitivity: sensitivity,
		scope:       scope,
		retention:   retention,
		privacy:     strings.TrimSpace(privacy),
	}
	if m.scope == "" {
		m.scope = ScopeOwn
	}
	if m.retention.Kind == "" {
		m.retention.Kind = RetainForever
	}
	if err := m.validate(); err != nil {
		return SecurityManifest{}, err
	}
	return m, nil
}

func (m SecurityManifest) validate() error {
	switch m.sensitivity {
	case SensitivityPrivate, SensitivityRegulated:
		if m.requested.Contains(capability.CloudStorage) {
			return configErr("security.capabilities", fmt.Sprintf("%s data cannot request %s", m.sensitivity, capability.CloudStorage))
		}
	}
	if m.sensitivity == SensitivityRegulated {
		for _, c := range []capability.Capability{capability.NetworkAccess, capability.ExportData} {
			if m.requested.Contains(c) {
				return configErr("security.capabilities", fmt.Sprintf("regulated data cannot request %s", c))
			}
		}
	}

	switch m.scope {
	case ScopeOwn:
		if m.requested.Contains(capability.ReadAllData) {
			return configErr("security.accessScope", fmt.Sprintf("scope %q contradicts %s", ScopeOwn, capability.ReadAllData))
		}
	case ScopeShared:
	default:
		return configErr("security.accessScope", fmt.Sprintf("unknown access scope %q", m.scope))
	}

	switch m.retention.Kind {
	case RetainDays:
		if m.retention.Days <= 0 {
			return configErr("security.retention", "days retention requires a positive day count")
		}
	case RetainSession, RetainForever:
		if m.retention.Days != 0 {
			return configErr("security.retention", fmt.Sprintf("%s retention does not take a day count", m.retention.Kind))
		}
	default:
		return configErr("security.retention", fmt.Sprintf("unknown retention policy %q", m.retention.Kind))
	}

	if m.privacy == "" && m.requested.MaxRisk() >= capability.RiskHigh {
		return configErr("security.privacy", "privacy text is required when requesting high-risk capabilities")
	}
	return nil
}

func configErr(field, reason string) error {
	return &authz.ConfigurationError{Field: field, Reason: reason}
}

// Requested returns the requested capability set.
func (m SecurityManifest) Requested() capability.Set { return m.requested }

// Sensitivity returns the declared data sensitivity.
func (m SecurityManifest) Sensitivity() Sensitivity { return m.sensitivity }

// Scope returns the declared data access scope.
func (m SecurityManifest) Scope() AccessScope { return m.scope }

// Retention returns the declared retention policy.
func (m SecurityManifest) Retention() RetentionPolicy { return m.retention }

// Privacy returns the privacy text shown to the user.
func (m SecurityManifest) Privacy() string { return m.privacy }

// Requests reports whether c is declared in the manifest.
func (m SecurityManifest) Requests(c capability.Capability) bool {
	return m.requested.Contains(c)
}

// ConsentRequired returns the requested capabilities the policy gates on
// explicit consent.
func (m SecurityManifest) ConsentRequired(policy ConsentPolicy) capability.Set {
	var caps []capability.Capability
	for _, c := range m.requested.Sorted() {
		if policy.RequiresExplicitConsent(c) {
			caps = append(caps, c)
		}
	}
	return capability.NewSet(caps...)
}
