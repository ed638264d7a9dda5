package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"balance-guard/internal/app"
	"balance-guard/internal/storage"
)

var (
	overrideProvider  string
	overrideOperation string
	overrideReason    string
	overrideTTL       time.Duration
)

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Manage admin operation overrides",
}

var overrideSetCmd = &cobra.Command{
	Use:   "set <pause_operations|emergency_pause|allow_operations>",
	Short: "Create an override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if overrideReason == "" {
			return fmt.Errorf("--reason is required")
		}
		return getApp().CreateOverride(cmd.Context(), app.OverrideOptions{
			Provider:      overrideProvider,
			OperationType: overrideOperation,
			Type:          storage.OverrideType(args[0]),
			Reason:        overrideReason,
			TTL:           overrideTTL,
		})
	},
}

var overrideClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Deactivate an override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid override id: %w", err)
		}
		return getApp().DeactivateOverride(cmd.Context(), id)
	},
}

func init() {
	overrideSetCmd.Flags().StringVar(&overrideProvider, "provider", "all", "fincra, kraken or all")
	overrideSetCmd.Flags().StringVar(&overrideOperation, "operation", "", "Limit to one operation type (default: every operation)")
	overrideSetCmd.Flags().StringVar(&overrideReason, "reason", "", "Why the override was set")
	overrideSetCmd.Flags().DurationVar(&overrideTTL, "ttl", 0, "Expire the override after this long (default: never)")

	overrideCmd.AddCommand(overrideSetCmd)
	overrideCmd.AddCommand(overrideClearCmd)
}
