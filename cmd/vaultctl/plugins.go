package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/habitvault/internal/app"
	"github.com/nupi-ai/habitvault/internal/authz"
	"github.com/nupi-ai/habitvault/internal/capability"
	"github.com/nupi-ai/habitvault/internal/lifecycle"
	"github.com/nupi-ai/habitvault/internal/plugins/manifest"
)

type pluginView struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Trust       string   `json:"trust"`
	Dir         string   `json:"dir"`
	State       string   `json:"state"`
	Enabled     bool     `json:"enabled"`
	Collecting  bool     `json:"collecting"`
	LastCollect string   `json:"last_collection_at,omitempty"`
	LastError   string   `json:"last_error,omitempty"`
	Requested   []string `json:"requested"`
	Granted     []string `json:"granted"`
	Sensitivity string   `json:"sensitivity"`
	Scope       string   `json:"access_scope"`
	Retention   string   `json:"retention"`
	Privacy     string   `json:"privacy,omitempty"`
}

func viewOf(v *app.App, m *manifest.Manifest) pluginView {
	view := pluginView{
		ID:          m.ID(),
		Name:        m.DisplayName(),
		Version:     m.Metadata.Version,
		Trust:       m.Trust.String(),
		Dir:         m.Dir,
		Requested:   m.Security.Requested().Names(),
		Granted:     v.Ledger.Granted(m.ID()).Names(),
		Sensitivity: m.Security.Sensitivity().String(),
		Scope:       string(m.Security.Scope()),
		Retention:   m.Security.Retention().String(),
		Privacy:     m.Security.Privacy(),
	}
	if st, ok := v.Controller.State(m.ID()); ok {
		view.State = string(st.State)
		view.Enabled = st.IsEnabled
		view.Collecting = st.IsCollecting
		view.LastError = st.LastError
		if !st.LastCollectionAt.IsZero() {
			view.LastCollect = st.LastCollectionAt.Format(time.RFC3339)
		}
	}
	return view
}

func newPluginsCommand() *cobra.Command {
	pluginsCmd := &cobra.Command{
		Use:   "plugins",
		Short: "List, inspect and install plugins",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered plugins",
		Args:  cobra.NoArgs,
		RunE:  pluginsList,
	}

	showCmd := &cobra.Command{
		Use:   "show <plugin-id>",
		Short: "Show a plugin's manifest and state",
		Args:  cobra.ExactArgs(1),
		RunE:  pluginsShow,
	}

	installCmd := &cobra.Command{
		Use:   "install <path>",
		Short: "Install a plugin from a directory, .zip or .tar.gz",
		Args:  cobra.ExactArgs(1),
		RunE:  pluginsInstall,
	}

	pluginsCmd.AddCommand(listCmd, showCmd, installCmd)
	return pluginsCmd
}

func pluginsList(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	return withVault(cmd, func(_ context.Context, v *app.App) error {
		list := v.Registry.List()
		views := make([]pluginView, 0, len(list))
		for _, m := range list {
			views = append(views, viewOf(v, m))
		}
		if out.jsonMode {
			return out.Print(map[string]any{"plugins": views})
		}
		if len(views) == 0 {
			return out.Print("No plugins registered in " + v.Paths.PluginDir)
		}
		w := tabwriter.NewWriter(out.out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTRUST\tSTATE\tGRANTED\tREQUESTED")
		for _, p := range views {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", p.ID, p.Trust, p.State, len(p.Granted), len(p.Requested))
		}
		return w.Flush()
	})
}

func pluginsShow(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	return withVault(cmd, func(_ context.Context, v *app.App) error {
		m, ok := v.Registry.Lookup(args[0])
		if !ok {
			return out.Error("Plugin not found", authz.NotRegistered(args[0]))
		}
		view := viewOf(v, m)
		if out.jsonMode {
			return out.Print(view)
		}
		w := tabwriter.NewWriter(out.out, 0, 2, 2, ' ', 0)
		fmt.Fprintf(w, "ID:\t%s\n", view.ID)
		fmt.Fprintf(w, "Name:\t%s\n", view.Name)
		if view.Version != "" {
			fmt.Fprintf(w, "Version:\t%s\n", view.Version)
		}
		fmt.Fprintf(w, "Trust:\t%s\n", view.Trust)
		fmt.Fprintf(w, "State:\t%s\n", view.State)
		fmt.Fprintf(w, "Sensitivity:\t%s\n", view.Sensitivity)
		fmt.Fprintf(w, "Access scope:\t%s\n", view.Scope)
		fmt.Fprintf(w, "Retention:\t%s\n", view.Retention)
		if view.Privacy != "" {
			fmt.Fprintf(w, "Privacy:\t%s\n", view.Privacy)
		}
		if view.LastError != "" {
			fmt.Fprintf(w, "Last error:\t%s\n", view.LastError)
		}
		w.Flush()

		fmt.Fprintln(out.out, "\nCapabilities:")
		granted := v.Ledger.Granted(m.ID())
		for _, c := range m.Security.Requested().ByRisk() {
			mark := " "
			if granted.Contains(c) {
				mark = "x"
			}
			fmt.Fprintf(out.out, "  [%s] %-22s %-8s %s\n", mark, c, capability.RiskOf(c), capability.DescriptionOf(c))
		}
		return nil
	})
}

func pluginsInstall(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	return withVault(cmd, func(ctx context.Context, v *app.App) error {
		d, err := v.Install(ctx, args[0])
		if err != nil {
			return out.Error("Install failed", err)
		}
		return out.Success(fmt.Sprintf("Installed %s into %s", d.PluginID, d.Dir), map[string]interface{}{
			"plugin_id": d.PluginID,
			"dir":       d.Dir,
			"outcome":   string(d.Outcome),
		})
	})
}

func newEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <plugin-id>",
		Short: "Enable a plugin, auto-granting capabilities for official plugins",
		Args:  cobra.ExactArgs(1),
		RunE:  enablePlugin,
	}
}

func enablePlugin(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	return withVault(cmd, func(ctx context.Context, v *app.App) error {
		st, err := v.Controller.Enable(ctx, args[0])
		var consent *authz.ConsentRequiredError
		if errors.As(err, &consent) {
			if !out.jsonMode {
				fmt.Fprintf(out.errOut, "Run `vaultctl consent %s` to review, then `vaultctl grant %s %s`.\n",
					args[0], args[0], joinNames(consent.Missing.Names()))
			}
			return out.Error("Consent required", err)
		}
		if err != nil {
			return out.Error("Enable failed", err)
		}
		return out.Success(fmt.Sprintf("Plugin %s enabled", st.PluginID), map[string]interface{}{
			"plugin_id": st.PluginID,
			"state":     string(st.State),
			"granted":   v.Ledger.Granted(st.PluginID).Names(),
		})
	})
}

func newDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <plugin-id>",
		Short: "Disable a plugin",
		Args:  cobra.ExactArgs(1),
		RunE:  disablePlugin,
	}
}

func disablePlugin(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	return withVault(cmd, func(ctx context.Context, v *app.App) error {
		st, err := v.Controller.Disable(ctx, args[0])
		if err != nil {
			return out.Error("Disable failed", err)
		}
		return out.Success(fmt.Sprintf("Plugin %s disabled", st.PluginID), map[string]interface{}{
			"plugin_id": st.PluginID,
			"state":     string(st.State),
			"granted":   v.Ledger.Granted(st.PluginID).Names(),
		})
	})
}

type planItemView struct {
	Capability      string   `json:"capability"`
	Risk            string   `json:"risk"`
	Description     string   `json:"description"`
	ExplicitConsent bool     `json:"explicit_consent"`
	OSPermissions   []string `json:"missing_os_permissions,omitempty"`
}

func newConsentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "consent <plugin-id>",
		Short: "Show what enabling a plugin would need",
		Args:  cobra.ExactArgs(1),
		RunE:  showConsentPlan,
	}
}

func showConsentPlan(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	return withVault(cmd, func(_ context.Context, v *app.App) error {
		plan, err := v.Controller.ConsentPlan(args[0])
		if err != nil {
			return out.Error("Consent plan failed", err)
		}
		items := planItems(plan)
		if out.jsonMode {
			return out.Print(map[string]any{
				"plugin_id":  plan.PluginID,
				"trust":      plan.Trust.String(),
				"auto_grant": plan.AutoGrant,
				"ready":      plan.Ready(),
				"missing":    items,
			})
		}
		if len(items) == 0 {
			return out.Print(fmt.Sprintf("Plugin %s has every capability it requests.", plan.PluginID))
		}
		if plan.AutoGrant {
			fmt.Fprintf(out.out, "Plugin %s is %s; enabling grants the following automatically:\n", plan.PluginID, plan.Trust)
		} else {
			fmt.Fprintf(out.out, "Plugin %s (%s) needs consent for:\n", plan.PluginID, plan.Trust)
		}
		w := tabwriter.NewWriter(out.out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "CAPABILITY\tRISK\tCONSENT\tOS PERMISSIONS\tDESCRIPTION")
		for _, it := range items {
			consent := "-"
			if it.ExplicitConsent {
				consent = "explicit"
			}
			osPerms := "-"
			if len(it.OSPermissions) > 0 {
				osPerms = joinNames(it.OSPermissions)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", it.Capability, it.Risk, consent, osPerms, it.Description)
		}
		return w.Flush()
	})
}

func planItems(plan lifecycle.Plan) []planItemView {
	items := make([]planItemView, 0, len(plan.Missing))
	for _, it := range plan.Missing {
		items = append(items, planItemView{
			Capability:      it.Capability.String(),
			Risk:            it.Risk.String(),
			Description:     it.Description,
			ExplicitConsent: it.ExplicitConsent,
			OSPermissions:   it.MissingOSPermissions,
		})
	}
	return items
}

func newGrantCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant <plugin-id> <capability>...",
		Short: "Grant capabilities to a plugin",
		Args:  cobra.MinimumNArgs(2),
		RunE:  grantCapabilities,
	}
	cmd.Flags().Bool("yes", false, "Skip the confirmation prompt for high-risk capabilities")
	cmd.Flags().String("by", "user", "Principal recorded as the grantor")
	return cmd
}

func grantCapabilities(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	caps, err := parseCapabilities(args[1:])
	if err != nil {
		return out.Error("Invalid capability", err)
	}
	yes, _ := cmd.Flags().GetBool("yes")
	by, _ := cmd.Flags().GetString("by")
	pluginID := args[0]

	return withVault(cmd, func(ctx context.Context, v *app.App) error {
		policy := v.Policy.ConsentPolicy()
		if !yes {
			prompt := newPrompter(cmd)
			for _, c := range caps.ByRisk() {
				if !policy.RequiresExplicitConsent(c) {
					continue
				}
				ok, err := prompt.confirm(fmt.Sprintf("Grant %s (%s risk: %s) to %s?", c, capability.RiskOf(c), capability.DescriptionOf(c), pluginID))
				if err != nil {
					return out.Error("Consent required", err)
				}
				if !ok {
					return out.Error("Grant cancelled", fmt.Errorf("consent for %s declined", c))
				}
			}
		}

		granted, err := v.Controller.GrantConsent(ctx, pluginID, caps, by)
		if err != nil {
			return out.Error("Grant failed", err)
		}
		return out.Success(fmt.Sprintf("Plugin %s now holds: %s", pluginID, granted), map[string]interface{}{
			"plugin_id": pluginID,
			"granted":   granted.Names(),
		})
	})
}

func newRevokeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <plugin-id> [capability...]",
		Short: "Revoke capabilities from a plugin (all when none are named)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  revokeCapabilities,
	}
	cmd.Flags().String("by", "user", "Principal recorded as the revoker")
	return cmd
}

func revokeCapabilities(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	by, _ := cmd.Flags().GetString("by")
	pluginID := args[0]

	var target *capability.Set
	if len(args) > 1 {
		caps, err := parseCapabilities(args[1:])
		if err != nil {
			return out.Error("Invalid capability", err)
		}
		target = &caps
	}

	return withVault(cmd, func(ctx context.Context, v *app.App) error {
		if _, ok := v.Registry.Lookup(pluginID); !ok {
			return out.Error("Revoke failed", authz.NotRegistered(pluginID))
		}
		revoked, err := v.Ledger.Revoke(ctx, pluginID, target, by)
		if err != nil {
			return out.Error("Revoke failed", err)
		}
		msg := fmt.Sprintf("Revoked %s from %s", revoked, pluginID)
		if revoked.Empty() {
			msg = fmt.Sprintf("Nothing to revoke from %s", pluginID)
		}
		return out.Success(msg, map[string]interface{}{
			"plugin_id": pluginID,
			"revoked":   revoked.Names(),
			"granted":   v.Ledger.Granted(pluginID).Names(),
		})
	})
}

type grantView struct {
	Capability string `json:"capability"`
	GrantedBy  string `json:"granted_by"`
	GrantedAt  string `json:"granted_at"`
	Active     bool   `json:"active"`
	RevokedBy  string `json:"revoked_by,omitempty"`
	RevokedAt  string `json:"revoked_at,omitempty"`
}

func newPermissionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "permissions <plugin-id>",
		Short: "Show a plugin's grant history",
		Args:  cobra.ExactArgs(1),
		RunE:  showPermissions,
	}
}

func showPermissions(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	pluginID := args[0]
	return withVault(cmd, func(ctx context.Context, v *app.App) error {
		if _, ok := v.Registry.Lookup(pluginID); !ok {
			return out.Error("Plugin not found", authz.NotRegistered(pluginID))
		}
		rows, err := v.Ledger.Grants(ctx, pluginID)
		if err != nil {
			return out.Error("Failed to read grants", err)
		}
		views := make([]grantView, 0, len(rows))
		for _, g := range rows {
			gv := grantView{
				Capability: g.Capability.String(),
				GrantedBy:  g.GrantedBy,
				GrantedAt:  g.GrantedAt.Format(time.RFC3339),
				Active:     g.Active,
				RevokedBy:  g.RevokedBy,
			}
			if !g.RevokedAt.IsZero() {
				gv.RevokedAt = g.RevokedAt.Format(time.RFC3339)
			}
			views = append(views, gv)
		}
		if out.jsonMode {
			return out.Print(map[string]any{
				"plugin_id": pluginID,
				"effective": v.Ledger.Granted(pluginID).Names(),
				"history":   views,
			})
		}
		fmt.Fprintf(out.out, "Effective: %s\n\n", v.Ledger.Granted(pluginID))
		w := tabwriter.NewWriter(out.out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "CAPABILITY\tGRANTED BY\tGRANTED AT\tACTIVE\tREVOKED BY")
		for _, g := range views {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", g.Capability, g.GrantedBy, g.GrantedAt, g.Active, g.RevokedBy)
		}
		return w.Flush()
	})
}
