package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/habitvault/internal/app"
	"github.com/nupi-ai/habitvault/internal/capability"
	vaultversion "github.com/nupi-ai/habitvault/internal/version"
)

const closeTimeout = 5 * time.Second

// OutputFormatter handles output in JSON or human-readable format
type OutputFormatter struct {
	jsonMode bool
	out      io.Writer
	errOut   io.Writer
}

// newOutputFormatter creates a new formatter based on the command's --json flag
func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode, out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
}

// Print outputs data in the appropriate format
func (f *OutputFormatter) Print(data interface{}) error {
	if f.jsonMode {
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(f.out, string(jsonBytes))
		return nil
	}
	switch v := data.(type) {
	case string:
		fmt.Fprintln(f.out, v)
	default:
		jsonBytes, _ := json.MarshalIndent(data, "", "  ")
		fmt.Fprintln(f.out, string(jsonBytes))
	}
	return nil
}

// Success outputs a success message
func (f *OutputFormatter) Success(message string, data map[string]interface{}) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Fprintln(f.out, message)
	return nil
}

// Error outputs an error message
func (f *OutputFormatter) Error(message string, err error) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": false,
			"error":   message,
		}
		if err != nil {
			output["details"] = err.Error()
		}
		jsonBytes, _ := json.MarshalIndent(output, "", "  ")
		fmt.Fprintln(f.errOut, string(jsonBytes))
	} else {
		if err != nil {
			fmt.Fprintf(f.errOut, "%s: %v\n", message, err)
		} else {
			fmt.Fprintln(f.errOut, message)
		}
	}
	return fmt.Errorf("%s: %w", message, err)
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vaultctl",
		Short: "habitvault - inspect and control plugin permissions",
		Long: `vaultctl manages the plugins of a habitvault: their trust level,
granted capabilities, lifecycle state, stored data and the security audit log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = vaultversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	rootCmd.PersistentFlags().String("home", "", "Vault directory (default $HABITVAULT_HOME or ~/.habitvault)")
	rootCmd.PersistentFlags().String("log-file", "", "Append component logs to this file")
	rootCmd.PersistentFlags().Bool("verbose", false, "Write component logs to stderr")
	rootCmd.PersistentFlags().StringSlice("os-granted", nil, "OS permissions to treat as granted (e.g. android.permission.INTERNET)")

	rootCmd.AddCommand(
		newPluginsCommand(),
		newEnableCommand(),
		newDisableCommand(),
		newConsentCommand(),
		newGrantCommand(),
		newRevokeCommand(),
		newPermissionsCommand(),
		newDataCommand(),
		newAuditCommand(),
		newMetricsCommand(),
		newVersionCommand(),
	)
	return rootCmd
}

// withVault opens the vault for the duration of fn.
func withVault(cmd *cobra.Command, fn func(ctx context.Context, v *app.App) error) error {
	home, _ := cmd.Flags().GetString("home")
	logger, closeLog, err := commandLogger(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	opts := app.Options{Home: home, Logger: logger}
	if granted, _ := cmd.Flags().GetStringSlice("os-granted"); len(granted) > 0 {
		opts.Bridge = capability.NewStaticBridge(granted...)
	}

	v, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	runErr := fn(ctx, v)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := v.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func commandLogger(cmd *cobra.Command) (*log.Logger, func(), error) {
	logFile, _ := cmd.Flags().GetString("log-file")
	verbose, _ := cmd.Flags().GetBool("verbose")

	switch {
	case logFile != "":
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return log.New(f, "", log.LstdFlags), func() { f.Close() }, nil
	case verbose:
		return log.New(cmd.ErrOrStderr(), "", log.LstdFlags), func() {}, nil
	default:
		return log.New(io.Discard, "", 0), func() {}, nil
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
