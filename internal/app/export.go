package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"balance-guard/internal/storage"
)

// Export renders the protection audit trail as CSV and/or a PNG balance chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-7 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	logs, err := store.ListProtectionLogsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		a.Logger.Info().Msg("no protection checks found for export window")
		return nil
	}

	if opts.CSVPath != "" {
		if err := writeLogsCSV(opts.CSVPath, logs); err != nil {
			return err
		}
		a.Logger.Info().Int("rows", len(logs)).Str("path", opts.CSVPath).Msg("exported protection logs")
	}

	if opts.PNGPath != "" {
		points := downsampleLogs(withBalances(logs), opts.MaxPoints)
		if err := writeBalancePNG(opts.PNGPath, points); err != nil {
			return err
		}
		a.Logger.Info().Int("points", len(points)).Str("path", opts.PNGPath).Msg("rendered balance chart")
	}

	return nil
}

// withBalances keeps rows that carried balance data.
func withBalances(logs []storage.ProtectionLog) []storage.ProtectionLog {
	out := make([]storage.ProtectionLog, 0, len(logs))
	for _, entry := range logs {
		if entry.FincraBalance != nil || len(entry.KrakenBalances) > 0 {
			out = append(out, entry)
		}
	}
	return out
}

func downsampleLogs(logs []storage.ProtectionLog, max int) []storage.ProtectionLog {
	if max <= 1 || len(logs) <= max {
		return logs
	}

	result := make([]storage.ProtectionLog, 0, max)
	step := float64(len(logs)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(logs) {
			idx = len(logs) - 1
		}
		result = append(result, logs[idx])
	}
	return result
}

func writeLogsCSV(path string, logs []storage.ProtectionLog) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"created_at", "check_id", "operation_type", "currency", "amount", "user_id",
		"operation_allowed", "alert_level", "balance_check_passed", "insufficient_services",
		"balance_data_status", "fincra_balance_ngn", "kraken_balance_usd", "blocking_reason", "warning_message",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, entry := range logs {
		fincra := ""
		if entry.FincraBalance != nil {
			fincra = entry.FincraBalance.String()
		}
		kraken := ""
		if v, ok := entry.KrakenBalances["USD"]; ok {
			kraken = v.String()
		}
		record := []string{
			entry.CreatedAt.UTC().Format(time.RFC3339),
			entry.CheckID,
			entry.OperationType,
			entry.Currency,
			entry.Amount.String(),
			deref(entry.UserID),
			strconv.FormatBool(entry.OperationAllowed),
			deref(entry.AlertLevel),
			strconv.FormatBool(entry.BalanceCheckPassed),
			strings.Join(entry.InsufficientServices, ";"),
			string(entry.BalanceDataStatus),
			fincra,
			kraken,
			deref(entry.BlockingReason),
			deref(entry.WarningMessage),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeBalancePNG(path string, logs []storage.ProtectionLog) error {
	var (
		fincraX []time.Time
		fincraY []float64
		krakenX []time.Time
		krakenY []float64
	)
	for _, entry := range logs {
		if entry.FincraBalance != nil {
			fincraX = append(fincraX, entry.CreatedAt)
			fincraY = append(fincraY, entry.FincraBalance.InexactFloat64())
		}
		if v, ok := entry.KrakenBalances["USD"]; ok {
			krakenX = append(krakenX, entry.CreatedAt)
			krakenY = append(krakenY, v.InexactFloat64())
		}
	}

	var series []chart.Series
	if len(fincraX) > 1 {
		series = append(series, chart.TimeSeries{Name: "Fincra NGN", XValues: fincraX, YValues: fincraY})
	}
	if len(krakenX) > 1 {
		series = append(series, chart.TimeSeries{Name: "Kraken USD", XValues: krakenX, YValues: krakenY, YAxis: chart.YAxisSecondary})
	}
	if len(series) == 0 {
		return errors.New("not enough balance observations to chart")
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Fincra (NGN)",
			ValueFormatter: amountFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Kraken (USD)",
			ValueFormatter: amountFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
