package lifecycle

import (
	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/plugins/manifest"
)

// PlanItem describes one capability a plugin still needs.
type PlanItem struct {
	Capability           capability.Capability
	Risk                 capability.Risk
	Description          string
	ExplicitConsent      bool
	MissingOSPermissions []string
}

// Plan is what enabling a plugin would take.
type Plan struct {
	PluginID  string
	Trust     manifest.TrustLevel
	AutoGrant bool
	Missing   []PlanItem
}

// Ready reports whether Enable would succeed without further grants.
func (p Plan) Ready() bool { return len(p.Missing) == 0 || p.AutoGrant }

// ConsentPlan lists the capabilities pluginID still lacks, riskiest first.
func (c *Controller) ConsentPlan(pluginID string) (Plan, error) {
	m, ok := c.registry.Lookup(pluginID)
	if !ok {
		return Plan{}, authz.NotRegistered(pluginID)
	}

	requested := m.Security.Requested()
	missing := requested.Difference(c.ledger.Granted(pluginID))
	plan := Plan{
		PluginID:  pluginID,
		Trust:     m.Trust,
		AutoGrant: m.Trust.AutoGrants() && !requested.Empty(),
	}
	for _, need := range missing.ByRisk() {
		plan.Missing = append(plan.Missing, PlanItem{
			Capability:           need,
			Risk:                 capability.RiskOf(need),
			Description:          capability.DescriptionOf(need),
			ExplicitConsent:      c.policy.RequiresExplicitConsent(need),
			MissingOSPermissions: capability.MissingOSPermissions(c.bridge, need),
		})
	}
	return plan, nil
}
