package manifest

import (
	"fmt"
	"strings"

	"github.com/nupi-ai/habitvault/internal/capability"
)

// TrustLevel classifies a plugin's provenance. Levels are ordered:
// Untrusted < Community < Official.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustCommunity
	TrustOfficial
)

func (t TrustLevel) String() string {
	switch t {
	case TrustUntrusted:
		return "untrusted"
	case TrustCommunity:
		return "community"
	case TrustOfficial:
		return "official"
	default:
		return fmt.Sprintf("trust(%d)", int(t))
	}
}

// ParseTrustLevel resolves a trust level name. An empty name is untrusted.
func ParseTrustLevel(name string) (TrustLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "untrusted", "third-party", "thirdparty":
		return TrustUntrusted, nil
	case "community":
		return TrustCommunity, nil
	case "official":
		return TrustOfficial, nil
	default:
		return 0, fmt.Errorf("unknown trust level %q", name)
	}
}

// AutoGrants reports whether plugins at this level receive their requested
// capabilities without explicit consent.
func (t TrustLevel) AutoGrants() bool {
	return t == TrustOfficial
}

// Sensitivity classifies the data a plugin declares it handles.
type Sensitivity int

const (
	SensitivityPublic Sensitivity = iota
	SensitivityPersonal
	SensitivityPrivate
	SensitivityRegulated
)

func (s Sensitivity) String() string {
	switch s {
	case SensitivityPublic:
		return "public"
	case SensitivityPersonal:
		return "personal"
	case SensitivityPrivate:
		return "private"
	case SensitivityRegulated:
		return "regulated"
	default:
		return fmt.Sprintf("sensitivity(%d)", int(s))
	}
}

// ParseSensitivity resolves a sensitivity name. An empty name is personal,
// the baseline for behavioral data.
func ParseSensitivity(name string) (Sensitivity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "public":
		return SensitivityPublic, nil
	case "", "personal":
		return SensitivityPersonal, nil
	case "private":
		return SensitivityPrivate, nil
	case "regulated":
		return SensitivityRegulated, nil
	default:
		return 0, fmt.Errorf("unknown data sensitivity %q", name)
	}
}

// AccessScope declares whose data a plugin intends to read.
type AccessScope string

const (
	ScopeOwn    AccessScope = "own"
	ScopeShared AccessScope = "shared"
)

// ParseAccessScope resolves an access scope name. An empty name is ScopeOwn.
func ParseAccessScope(name string) (AccessScope, error) {
	switch AccessScope(strings.ToLower(strings.TrimSpace(name))) {
	case "", ScopeOwn:
		return ScopeOwn, nil
	case ScopeShared:
		return ScopeShared, nil
	default:
		return "", fmt.Errorf("unknown access scope %q", name)
	}
}

// RetentionKind names how long collected data is kept.
type RetentionKind string

const (
	RetainSession RetentionKind = "session"
	RetainDays    RetentionKind = "days"
	RetainForever RetentionKind = "forever"
)

// RetentionPolicy describes the declared retention of collected data.
type RetentionPolicy struct {
	Kind RetentionKind
	Days int
}

func (r RetentionPolicy) String() string {
	if r.Kind == RetainDays {
		return fmt.Sprintf("%d days", r.Days)
	}
	return string(r.Kind)
}

// ConsentPolicy decides which capabilities need explicit user consent.
type ConsentPolicy struct {
	Threshold capability.Risk
}

// DefaultConsentPolicy requires consent for High and Critical capabilities.
func DefaultConsentPolicy() ConsentPolicy {
	return ConsentPolicy{Threshold: capability.RiskHigh}
}

// RequiresExplicitConsent reports whether c is at or above the threshold.
func (p ConsentPolicy) RequiresExplicitConsent(c capability.Capability) bool {
	return capability.RiskOf(c) >= p.Threshold
}
