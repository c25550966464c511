package main

import (
	"fmt"

	"github.com/spf13/cobra"

	vaultversion "github.com/nupi-ai/habitvault/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the vaultctl version",
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	v := vaultversion.String()
	if out.jsonMode {
		return out.Print(map[string]any{"version": v})
	}
	fmt.Fprintf(out.out, "vaultctl %s\n", vaultversion.FormatVersion(v))
	return nil
}
