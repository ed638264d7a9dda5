package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"balance-guard/internal/storage"
)

// Show prints recent protection decisions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show protection logs")
	}
	if closeStore != nil {
		defer closeStore()
	}

	logs, err := store.ListRecentProtectionLogs(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeLogTable(os.Stdout, logs)
}

func writeLogTable(out io.Writer, logs []storage.ProtectionLog) error {
	if len(logs) == 0 {
		_, err := fmt.Fprintln(out, "no protection checks found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tOperation\tAmount\tAllowed\tLevel\tData\tFincra NGN\tKraken USD\tReason")

	for _, entry := range logs {
		level := "-"
		if entry.AlertLevel != nil {
			level = *entry.AlertLevel
		}
		fincra := "-"
		if entry.FincraBalance != nil {
			fincra = formatDecimal(*entry.FincraBalance, 2)
		}
		kraken := "-"
		if v, ok := entry.KrakenBalances["USD"]; ok {
			kraken = formatDecimal(v, 2)
		}
		reason := ""
		switch {
		case entry.BlockingReason != nil:
			reason = sanitizeInline(*entry.BlockingReason)
		case entry.WarningMessage != nil:
			reason = sanitizeInline(*entry.WarningMessage)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s %s\t%t\t%s\t%s\t%s\t%s\t%s\n",
			entry.CreatedAt.UTC().Format(time.RFC3339),
			entry.OperationType,
			entry.Amount.String(),
			entry.Currency,
			entry.OperationAllowed,
			level,
			entry.BalanceDataStatus,
			fincra,
			kraken,
			reason,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
