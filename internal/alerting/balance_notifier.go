package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"balance-guard/internal/balance"
	"balance-guard/internal/metrics"
	"balance-guard/internal/policy"
	"balance-guard/internal/storage"
)

// EmailSender sends one templated email.
type EmailSender interface {
	SendEmail(ctx context.Context, to []string, subject, htmlBody, textBody string) error
}

// OperationNotice describes a protection decision for admin notices.
type OperationNotice struct {
	CheckID           string
	OperationType     string
	Currency          string
	Amount            decimal.Decimal
	UserID            string
	AlertLevel        balance.AlertLevel
	BlockingProviders []string
	Reason            string
}

// BalanceNotifierOptions configure recipients.
type BalanceNotifierOptions struct {
	EmailTo []string
}

// BalanceNotifier gates balance alerts behind per-key cooldowns and queues
// operation notices for admins.
type BalanceNotifier struct {
	states     storage.AlertStateStore
	policy     *policy.Policy
	email      EmailSender
	emailTo    []string
	dispatcher *Dispatcher
	now        func() time.Time
	logger     zerolog.Logger
}

// NewBalanceNotifier wires the notifier. email and dispatcher may be nil when
// the corresponding channel is disabled.
func NewBalanceNotifier(states storage.AlertStateStore, pol *policy.Policy, email EmailSender, dispatcher *Dispatcher, opts BalanceNotifierOptions, logger zerolog.Logger) *BalanceNotifier {
	return &BalanceNotifier{
		states:     states,
		policy:     pol,
		email:      email,
		emailTo:    opts.EmailTo,
		dispatcher: dispatcher,
		now:        time.Now,
		logger:     logger.With().Str("component", "balance_notifier").Logger(),
	}
}

// ShouldSendAlert reports whether the cooldown for the key has elapsed. Lookup
// failures fail open.
func (n *BalanceNotifier) ShouldSendAlert(ctx context.Context, provider balance.Provider, currency string, level balance.AlertLevel) bool {
	key := balance.AlertKey(provider, currency, level)
	state, found, err := n.states.GetAlertState(ctx, key)
	if err != nil {
		n.logger.Warn().Err(err).Str("alert_key", key).Msg("alert state lookup failed, allowing alert")
		return true
	}
	if !found {
		return true
	}
	return !n.now().Before(state.LastAlertTime.Add(n.policy.CooldownFor(level)))
}

// RecordAlertSent upserts the cooldown row for the key.
func (n *BalanceNotifier) RecordAlertSent(ctx context.Context, provider balance.Provider, currency string, level balance.AlertLevel) error {
	key := balance.AlertKey(provider, currency, level)
	_, err := n.states.UpsertAlertState(ctx, storage.AlertState{
		AlertKey:      key,
		Provider:      string(provider),
		Currency:      currency,
		AlertLevel:    level.String(),
		LastAlertTime: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record alert %s: %w", key, err)
	}
	return nil
}

// SendBalanceAlert delivers a low-balance alert for snap by email and
// Telegram. Both channels are sent synchronously and the cooldown is recorded
// only once at least one of them confirmed delivery, so a failed send is
// retried on the next sweep. force bypasses the cooldown check, not the
// delivery requirement. Snapshots without an alert level are never sent.
func (n *BalanceNotifier) SendBalanceAlert(ctx context.Context, snap balance.Snapshot, force bool) bool {
	if snap.AlertLevel == balance.AlertNone {
		return false
	}
	key := balance.AlertKey(snap.Provider, snap.Currency, snap.AlertLevel)
	log := n.logger.With().Str("alert_key", key).Logger()

	if !force && !n.ShouldSendAlert(ctx, snap.Provider, snap.Currency, snap.AlertLevel) {
		log.Debug().Msg("alert in cooldown, skipped")
		return false
	}

	subject, html, text := renderBalanceAlert(snap)
	delivered := false

	if n.email != nil && len(n.emailTo) > 0 {
		if err := n.email.SendEmail(ctx, n.emailTo, subject, html, text); err != nil {
			log.Error().Err(err).Msg("balance alert email failed")
		} else {
			delivered = true
		}
	}
	err := n.dispatcher.Deliver(ctx, Notification{
		Subject: subject,
		Text:    text,
		Urgent:  snap.AlertLevel >= balance.AlertEmergency,
	})
	switch {
	case err == nil:
		delivered = true
	case !errors.Is(err, ErrNoChannels):
		log.Error().Err(err).Msg("balance alert telegram delivery failed")
	}

	if !delivered {
		log.Warn().Bool("forced", force).Msg("balance alert not delivered on any channel; cooldown not started")
		return false
	}

	if err := n.RecordAlertSent(ctx, snap.Provider, snap.Currency, snap.AlertLevel); err != nil {
		log.Error().Err(err).Msg("alert sent but cooldown not recorded")
	}
	metrics.AlertsSentTotal.WithLabelValues(string(snap.Provider), snap.AlertLevel.String()).Inc()
	log.Info().Str("balance", snap.FormattedBalance).Bool("forced", force).Msg("balance alert sent")
	return true
}

// NotifyOperationProceeding queues a notice that an operation was allowed
// while a provider sat at a blocking tier. It never blocks.
func (n *BalanceNotifier) NotifyOperationProceeding(notice OperationNotice) {
	note := renderOperationProceeding(notice)
	if !n.dispatcher.Enqueue(note) {
		n.logger.Warn().Str("check_id", notice.CheckID).Msg("operation proceeding notice not queued")
	}
}

// NotifyOperationBlocked queues an urgent notice that an operation was
// blocked. It never blocks.
func (n *BalanceNotifier) NotifyOperationBlocked(notice OperationNotice) {
	note := renderOperationBlocked(notice)
	if !n.dispatcher.Enqueue(note) {
		n.logger.Warn().Str("check_id", notice.CheckID).Msg("operation blocked notice not queued")
	}
}
