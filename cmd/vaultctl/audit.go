package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/habitvault/internal/app"
	"github.com/nupi-ai/habitvault/internal/audit"
	"github.com/nupi-ai/habitvault/internal/store"
)

func newAuditCommand() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the security event log",
	}

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded security events",
		Args:  cobra.NoArgs,
		RunE:  auditEvents,
	}
	eventsCmd.Flags().String("plugin", "", "Only events of this plugin")
	eventsCmd.Flags().String("type", "", "Only events of this type (violation, permission_denied, permission_granted, permission_revoked, data_access)")
	eventsCmd.Flags().Duration("since", 0, "Only events newer than this (e.g. 24h)")
	eventsCmd.Flags().Int("limit", 50, "Show at most this many of the newest events (0 = all)")

	violationsCmd := &cobra.Command{
		Use:   "violations",
		Short: "Summarise active violations",
		Args:  cobra.NoArgs,
		RunE:  auditViolations,
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of the audit log",
		Args:  cobra.NoArgs,
		RunE:  auditVerify,
	}

	auditCmd.AddCommand(eventsCmd, violationsCmd, verifyCmd)
	return auditCmd
}

func auditEvents(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	pluginID, _ := cmd.Flags().GetString("plugin")
	typ, _ := cmd.Flags().GetString("type")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := store.EventFilter{
		PluginID: pluginID,
		Type:     audit.EventType(typ),
		Limit:    limit,
	}
	if since > 0 {
		filter.Since = time.Now().Add(-since)
	}

	return withVault(cmd, func(ctx context.Context, v *app.App) error {
		events, err := v.Store.QueryEvents(ctx, filter)
		if err != nil {
			return out.Error("Failed to query events", err)
		}
		if out.jsonMode {
			entries := make([]audit.Entry, 0, len(events))
			for _, ev := range events {
				entries = append(entries, audit.EntryOf(ev))
			}
			return out.Print(map[string]any{"events": entries})
		}
		if len(events) == 0 {
			return out.Print("No security events recorded")
		}
		w := tabwriter.NewWriter(out.out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tPLUGIN\tTYPE\tSUMMARY")
		for _, ev := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", ev.Seq, ev.At.Local().Format(time.DateTime), ev.PluginID, ev.Type(), ev.Summary())
		}
		return w.Flush()
	})
}

func auditViolations(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	return withVault(cmd, func(_ context.Context, v *app.App) error {
		snap := v.Monitor.Snapshot()

		counts := make(map[string]int, len(snap.SeverityCounts))
		for sev, n := range snap.SeverityCounts {
			counts[sev.String()] = n
		}
		plugins := make([]string, 0, len(snap.Violations))
		for id := range snap.Violations {
			plugins = append(plugins, id)
		}
		sort.Strings(plugins)

		if out.jsonMode {
			byPlugin := make(map[string][]audit.Entry, len(plugins))
			for _, id := range plugins {
				for _, ev := range snap.Violations[id] {
					byPlugin[id] = append(byPlugin[id], audit.EntryOf(ev))
				}
			}
			return out.Print(map[string]any{
				"severity_counts":   counts,
				"high_risk_plugins": snap.HighRiskPlugins,
				"violations":        byPlugin,
				"total_events":      snap.Total,
			})
		}

		if len(plugins) == 0 {
			return out.Print("No active violations")
		}
		fmt.Fprintf(out.out, "High-risk plugins: %d\n", snap.HighRiskCount())
		for _, sev := range []audit.Severity{audit.SeverityCritical, audit.SeverityHigh, audit.SeverityMedium, audit.SeverityLow} {
			if n := snap.SeverityCounts[sev]; n > 0 {
				fmt.Fprintf(out.out, "  %-8s %d\n", sev, n)
			}
		}
		fmt.Fprintln(out.out)
		w := tabwriter.NewWriter(out.out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "PLUGIN\tTIME\tSUMMARY")
		for _, id := range plugins {
			for _, ev := range snap.Violations[id] {
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, ev.At.Local().Format(time.DateTime), ev.Summary())
			}
		}
		return w.Flush()
	})
}

func auditVerify(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	return withVault(cmd, func(ctx context.Context, v *app.App) error {
		if err := v.Monitor.Flush(ctx); err != nil {
			return out.Error("Failed to flush audit sinks", err)
		}
		res := audit.VerifyChain(v.Paths.AuditLog)
		if out.jsonMode {
			if err := out.Print(res); err != nil {
				return err
			}
		} else if res.Valid {
			fmt.Fprintf(out.out, "Audit log intact (%d entries)\n", res.Lines)
		}
		if !res.Valid {
			return out.Error("Audit log verification failed", fmt.Errorf("line %d: %s", res.ErrorLine, res.Error))
		}
		return nil
	})
}

func newMetricsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print vault metrics in Prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withVault(cmd, func(_ context.Context, v *app.App) error {
				_, err := cmd.OutOrStdout().Write(v.Metrics.Export())
				return err
			})
		},
	}
}
