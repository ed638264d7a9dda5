package cli

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"balance-guard/internal/app"
)

var (
	checkOperation string
	checkCurrency  string
	checkAmount    string
	checkUserID    string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one audited protection check and print the decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(checkOperation) == "" || strings.TrimSpace(checkCurrency) == "" {
			return fmt.Errorf("--operation and --currency are required")
		}
		amount, err := decimal.NewFromString(checkAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount value: %w", err)
		}
		if amount.IsNegative() {
			return fmt.Errorf("--amount must not be negative")
		}

		return getApp().Check(cmd.Context(), app.CheckOptions{
			Operation: checkOperation,
			Currency:  checkCurrency,
			Amount:    amount,
			UserID:    checkUserID,
		})
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkOperation, "operation", "", "Operation type, e.g. ngn_cashout or crypto_withdrawal")
	checkCmd.Flags().StringVar(&checkCurrency, "currency", "", "Currency the operation moves")
	checkCmd.Flags().StringVar(&checkAmount, "amount", "0", "Operation amount")
	checkCmd.Flags().StringVar(&checkUserID, "user", "", "User the operation is for")
}
