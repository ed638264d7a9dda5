package alerting

import (
	"fmt"
	"html"
	"strings"
	"time"

	"balance-guard/internal/balance"
)

func levelTitle(level balance.AlertLevel) string {
	return strings.ToUpper(strings.ReplaceAll(level.String(), "_", " "))
}

func renderBalanceAlert(snap balance.Snapshot) (subject, htmlBody, textBody string) {
	subject = fmt.Sprintf("[%s] %s %s balance low: %s",
		levelTitle(snap.AlertLevel), snap.Provider, snap.Currency, snap.FormattedBalance)

	rows := [][2]string{
		{"Provider", string(snap.Provider)},
		{"Currency", snap.Currency},
		{"Balance", snap.FormattedBalance},
		{"Alert level", levelTitle(snap.AlertLevel)},
		{"Base", balance.FormatAmount(snap.Currency, snap.Thresholds.Base)},
		{"Warning", balance.FormatAmount(snap.Currency, snap.Thresholds.Warning)},
		{"Critical", balance.FormatAmount(snap.Currency, snap.Thresholds.Critical)},
		{"Emergency", balance.FormatAmount(snap.Currency, snap.Thresholds.Emergency)},
		{"Operational floor", balance.FormatAmount(snap.Currency, snap.Thresholds.Operational)},
		{"Observed", snap.Timestamp.UTC().Format(time.RFC3339)},
	}

	var text strings.Builder
	text.WriteString(subject + "\n\n")
	for _, r := range rows {
		text.WriteString(fmt.Sprintf("%s: %s\n", r[0], r[1]))
	}
	text.WriteString("\n" + balanceAdvice(snap.AlertLevel) + "\n")

	var h strings.Builder
	h.WriteString("<h2>" + html.EscapeString(subject) + "</h2>\n<table>\n")
	for _, r := range rows {
		h.WriteString(fmt.Sprintf("<tr><th align=\"left\">%s</th><td>%s</td></tr>\n",
			html.EscapeString(r[0]), html.EscapeString(r[1])))
	}
	h.WriteString("</table>\n<p>" + html.EscapeString(balanceAdvice(snap.AlertLevel)) + "</p>\n")

	return subject, h.String(), text.String()
}

func balanceAdvice(level balance.AlertLevel) string {
	switch level {
	case balance.AlertOperationalDanger:
		return "Outgoing payments from this provider are now blocked. Fund the account immediately."
	case balance.AlertEmergency:
		return "Balance is close to the operational floor. Fund the account today."
	case balance.AlertCritical:
		return "Balance is at half of its base level. Schedule a top-up."
	default:
		return "Balance has dropped below the warning level."
	}
}

func renderOperationProceeding(n OperationNotice) Notification {
	var b strings.Builder
	b.WriteString(operationLines(n))
	b.WriteString(fmt.Sprintf("Low providers: %s\n", strings.Join(n.BlockingProviders, ", ")))
	if n.Reason != "" {
		b.WriteString(fmt.Sprintf("Allowed by: %s\n", n.Reason))
	}
	b.WriteString("The operation is proceeding. Fund the provider before the next payout.")
	return Notification{
		Subject: fmt.Sprintf("Operation proceeding on low balance: %s", n.OperationType),
		Text:    b.String(),
	}
}

func renderOperationBlocked(n OperationNotice) Notification {
	var b strings.Builder
	b.WriteString(operationLines(n))
	if len(n.BlockingProviders) > 0 {
		b.WriteString(fmt.Sprintf("Blocking: %s\n", strings.Join(n.BlockingProviders, ", ")))
	}
	if n.Reason != "" {
		b.WriteString(fmt.Sprintf("Reason: %s\n", n.Reason))
	}
	b.WriteString("Action needed: fund the provider or lift the pause.")
	return Notification{
		Subject: fmt.Sprintf("Operation BLOCKED: %s", n.OperationType),
		Text:    b.String(),
		Urgent:  true,
	}
}

func operationLines(n OperationNotice) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Check: %s\n", n.CheckID))
	b.WriteString(fmt.Sprintf("Operation: %s\n", n.OperationType))
	b.WriteString(fmt.Sprintf("Amount: %s %s\n", n.Amount.String(), n.Currency))
	if n.UserID != "" {
		b.WriteString(fmt.Sprintf("User: %s\n", n.UserID))
	}
	if n.AlertLevel != balance.AlertNone {
		b.WriteString(fmt.Sprintf("Alert level: %s\n", levelTitle(n.AlertLevel)))
	}
	return b.String()
}
