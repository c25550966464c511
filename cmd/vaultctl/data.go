package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/habitvault/internal/app"
	"github.com/nupi-ai/habitvault/internal/datapoint"
	"github.com/nupi-ai/habitvault/internal/gateway"
)

const readTimeout = 10 * time.Second

type dataPointView struct {
	ID         string `json:"id"`
	PluginID   string `json:"plugin_id"`
	Metric     string `json:"metric"`
	Type       string `json:"type"`
	Value      string `json:"value"`
	Note       string `json:"note,omitempty"`
	RecordedAt string `json:"recorded_at"`
}

func newDataCommand() *cobra.Command {
	dataCmd := &cobra.Command{
		Use:   "data",
		Short: "Read and write data points through the gateway",
		Long: `Every data command acts on behalf of a calling plugin and goes through
the same permission checks as the plugin itself would.`,
	}

	addCmd := &cobra.Command{
		Use:   "add <caller> <metric> <value>",
		Short: "Save a data point as <caller>",
		Args:  cobra.ExactArgs(3),
		RunE:  dataAdd,
	}
	addCmd.Flags().String("note", "", "Free-text note stored alongside the value")
	addCmd.Flags().String("id", "", "Replace the record with this id instead of creating one")

	listCmd := &cobra.Command{
		Use:   "list <caller> [target]",
		Short: "List data points of target (default: the caller's own)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  dataList,
	}

	countCmd := &cobra.Command{
		Use:   "count <caller> [target]",
		Short: "Count data points of target (default: the caller's own)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  dataCount,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <caller> <id>...",
		Short: "Delete data points owned by caller",
		Args:  cobra.MinimumNArgs(2),
		RunE:  dataDelete,
	}

	dataCmd.AddCommand(addCmd, listCmd, countCmd, deleteCmd)
	return dataCmd
}

func callerAndTarget(args []string) (string, string) {
	if len(args) > 1 {
		return args[0], args[1]
	}
	return args[0], args[0]
}

func dataAdd(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	note, _ := cmd.Flags().GetString("note")
	id, _ := cmd.Flags().GetString("id")

	dp := datapoint.New(args[0], args[1], datapoint.ParseValue(args[2]))
	dp.Note = note
	if id != "" {
		dp.ID = id
	}

	return withVault(cmd, func(ctx context.Context, v *app.App) error {
		if err := v.Gateway.Save(ctx, args[0], dp); err != nil {
			return out.Error("Save failed", err)
		}
		return out.Success(fmt.Sprintf("Saved %s = %s (%s)", dp.Metric, dp.Value, dp.ID), map[string]interface{}{
			"id":        dp.ID,
			"plugin_id": dp.PluginID,
			"metric":    dp.Metric,
			"type":      string(dp.Value.Type()),
		})
	})
}

func dataList(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	caller, target := callerAndTarget(args)

	return withVault(cmd, func(ctx context.Context, v *app.App) error {
		var (
			sub *gateway.Subscription
			err error
		)
		if caller == target {
			sub, err = v.Gateway.ReadOwn(ctx, caller)
		} else {
			sub, err = v.Gateway.ReadOther(ctx, caller, target)
		}
		if err != nil {
			return out.Error("Read failed", err)
		}
		points, err := firstBatch(ctx, sub)
		if err != nil {
			return out.Error("Read failed", err)
		}

		views := make([]dataPointView, 0, len(points))
		for _, dp := range points {
			views = append(views, dataPointView{
				ID:         dp.ID,
				PluginID:   dp.PluginID,
				Metric:     dp.Metric,
				Type:       string(dp.Value.Type()),
				Value:      dp.Value.String(),
				Note:       dp.Note,
				RecordedAt: dp.RecordedAt.Format(time.RFC3339),
			})
		}
		if out.jsonMode {
			return out.Print(map[string]any{"data_points": views})
		}
		if len(views) == 0 {
			return out.Print(fmt.Sprintf("No data points for %s", target))
		}
		w := tabwriter.NewWriter(out.out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "RECORDED\tMETRIC\tTYPE\tVALUE\tID")
		for _, p := range views {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.RecordedAt, p.Metric, p.Type, p.Value, p.ID)
		}
		return w.Flush()
	})
}

// firstBatch waits for the initial snapshot of sub and closes it.
func firstBatch(ctx context.Context, sub *gateway.Subscription) ([]datapoint.DataPoint, error) {
	defer sub.Close()

	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	select {
	case points, ok := <-sub.C():
		if !ok {
			if err := sub.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("subscription ended before the first batch")
		}
		return points, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func dataCount(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	caller, target := callerAndTarget(args)

	return withVault(cmd, func(ctx context.Context, v *app.App) error {
		n, err := v.Gateway.Count(ctx, caller, target)
		if err != nil {
			return out.Error("Count failed", err)
		}
		if out.jsonMode {
			return out.Print(map[string]any{"plugin_id": target, "count": n})
		}
		return out.Print(fmt.Sprintf("%d", n))
	})
}

func dataDelete(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)
	caller, ids := args[0], args[1:]

	return withVault(cmd, func(ctx context.Context, v *app.App) error {
		n, err := v.Gateway.Delete(ctx, caller, ids)
		if err != nil {
			return out.Error("Delete failed", err)
		}
		return out.Success(fmt.Sprintf("Deleted %d data point(s)", n), map[string]interface{}{
			"plugin_id": caller,
			"deleted":   n,
		})
	})
}
