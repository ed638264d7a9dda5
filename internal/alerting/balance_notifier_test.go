package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"balance-guard/internal/balance"
	"balance-guard/internal/config"
	"balance-guard/internal/policy"
	"balance-guard/internal/storage"
)

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	p, err := policy.New(config.GuardConfig{
		Fincra:       config.ThresholdConfig{Base: 200000, Operational: 20000},
		Kraken:       config.ThresholdConfig{Base: 6000, Operational: 500},
		WarningPct:   0.75,
		CriticalPct:  0.50,
		EmergencyPct: 0.25,
		Cooldowns: config.CooldownConfig{
			Warning:           24 * time.Hour,
			Critical:          12 * time.Hour,
			Emergency:         4 * time.Hour,
			OperationalDanger: time.Hour,
		},
	})
	require.NoError(t, err)
	return p
}

type fakeEmail struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (f *fakeEmail) SendEmail(ctx context.Context, to []string, subject, htmlBody, textBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	return nil
}

type failingStates struct{}

func (failingStates) GetAlertState(context.Context, string) (storage.AlertState, bool, error) {
	return storage.AlertState{}, false, errors.New("db down")
}

func (failingStates) UpsertAlertState(context.Context, storage.AlertState) (storage.AlertState, error) {
	return storage.AlertState{}, errors.New("db down")
}

func krakenSnapshot(t *testing.T, pol *policy.Policy, amount int64) balance.Snapshot {
	t.Helper()
	return balance.NewSnapshot(balance.ProviderKraken, "USD", decimal.NewFromInt(amount), pol.KrakenThresholds(), time.Now())
}

func TestShouldSendAlertCooldown(t *testing.T) {
	pol := testPolicy(t)
	states := storage.NewMemoryAlertStates()
	n := NewBalanceNotifier(states, pol, nil, nil, BalanceNotifierOptions{}, testLogger())

	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, n.ShouldSendAlert(ctx, balance.ProviderKraken, "USD", balance.AlertCritical))
	require.NoError(t, n.RecordAlertSent(ctx, balance.ProviderKraken, "USD", balance.AlertCritical))

	now = now.Add(time.Minute)
	assert.False(t, n.ShouldSendAlert(ctx, balance.ProviderKraken, "USD", balance.AlertCritical))
	assert.True(t, n.ShouldSendAlert(ctx, balance.ProviderKraken, "USD", balance.AlertEmergency), "other levels keep their own key")

	now = now.Add(12 * time.Hour)
	assert.True(t, n.ShouldSendAlert(ctx, balance.ProviderKraken, "USD", balance.AlertCritical))
}

func TestShouldSendAlertFailsOpen(t *testing.T) {
	n := NewBalanceNotifier(failingStates{}, testPolicy(t), nil, nil, BalanceNotifierOptions{}, testLogger())
	assert.True(t, n.ShouldSendAlert(context.Background(), balance.ProviderFincra, "NGN", balance.AlertWarning))
}

func TestSendBalanceAlert(t *testing.T) {
	pol := testPolicy(t)
	states := storage.NewMemoryAlertStates()
	email := &fakeEmail{}
	n := NewBalanceNotifier(states, pol, email, nil, BalanceNotifierOptions{EmailTo: []string{"ops@example.com"}}, testLogger())
	ctx := context.Background()

	healthy := krakenSnapshot(t, pol, 5000)
	assert.False(t, n.SendBalanceAlert(ctx, healthy, true), "no alert level, nothing to send")

	low := krakenSnapshot(t, pol, 2500)
	require.Equal(t, balance.AlertCritical, low.AlertLevel)

	assert.True(t, n.SendBalanceAlert(ctx, low, false))
	assert.False(t, n.SendBalanceAlert(ctx, low, false), "second alert is inside cooldown")
	assert.True(t, n.SendBalanceAlert(ctx, low, true), "force bypasses cooldown")

	state, found, err := states.GetAlertState(ctx, "kraken_USD_critical")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, state.AlertCount)
	assert.Equal(t, "critical", state.AlertLevel)

	require.Len(t, email.subjects, 2)
	assert.Equal(t, "[CRITICAL] kraken USD balance low: $2,500.00", email.subjects[0])
}

func TestSendBalanceAlertDeliveryFailure(t *testing.T) {
	pol := testPolicy(t)
	states := storage.NewMemoryAlertStates()
	email := &fakeEmail{err: errors.New("smtp 421")}
	n := NewBalanceNotifier(states, pol, email, nil, BalanceNotifierOptions{EmailTo: []string{"ops@example.com"}}, testLogger())
	ctx := context.Background()

	low := krakenSnapshot(t, pol, 400)
	assert.False(t, n.SendBalanceAlert(ctx, low, false))

	_, found, err := states.GetAlertState(ctx, "kraken_USD_operational_danger")
	require.NoError(t, err)
	assert.False(t, found, "failed delivery must not start a cooldown")
}

func TestSendBalanceAlertViaTelegram(t *testing.T) {
	pol := testPolicy(t)
	sink := newBlockingNotifier()
	close(sink.release)
	d := NewDispatcher([]Notifier{sink}, DispatcherOptions{QueueSize: 4}, testLogger())
	defer d.Close(context.Background())
	n := NewBalanceNotifier(storage.NewMemoryAlertStates(), pol, nil, d, BalanceNotifierOptions{}, testLogger())

	low := krakenSnapshot(t, pol, 1000)
	require.Equal(t, balance.AlertEmergency, low.AlertLevel)
	assert.True(t, n.SendBalanceAlert(context.Background(), low, false))

	got := sink.received()
	require.Len(t, got, 1, "balance alerts are delivered before SendBalanceAlert returns")
	assert.True(t, got[0].Urgent)
	assert.Contains(t, got[0].Text, "Operational floor: $500.00")
}

type failingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (f *failingNotifier) Notify(context.Context, Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("telegram: Bad Gateway")
}

func TestSendBalanceAlertTelegramFailureKeepsAlertPending(t *testing.T) {
	pol := testPolicy(t)
	states := storage.NewMemoryAlertStates()
	sink := &failingNotifier{}
	d := NewDispatcher([]Notifier{sink}, DispatcherOptions{SendTimeout: time.Second}, testLogger())
	defer d.Close(context.Background())
	n := NewBalanceNotifier(states, pol, nil, d, BalanceNotifierOptions{}, testLogger())
	ctx := context.Background()

	low := krakenSnapshot(t, pol, 2500)
	assert.False(t, n.SendBalanceAlert(ctx, low, false))
	assert.True(t, n.ShouldSendAlert(ctx, balance.ProviderKraken, "USD", balance.AlertCritical))

	assert.False(t, n.SendBalanceAlert(ctx, low, false), "next sweep retries instead of sitting in cooldown")
	assert.False(t, n.SendBalanceAlert(ctx, low, true), "forced sends still need a delivery")
	assert.Equal(t, 3, sink.calls)

	_, found, err := states.GetAlertState(ctx, "kraken_USD_critical")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSendBalanceAlertEmailFailureTelegramSuccess(t *testing.T) {
	pol := testPolicy(t)
	states := storage.NewMemoryAlertStates()
	sink := newBlockingNotifier()
	close(sink.release)
	d := NewDispatcher([]Notifier{&failingNotifier{}, sink}, DispatcherOptions{}, testLogger())
	defer d.Close(context.Background())
	email := &fakeEmail{err: errors.New("smtp 421")}
	n := NewBalanceNotifier(states, pol, email, d, BalanceNotifierOptions{EmailTo: []string{"ops@example.com"}}, testLogger())
	ctx := context.Background()

	assert.True(t, n.SendBalanceAlert(ctx, krakenSnapshot(t, pol, 2500), false))
	assert.Len(t, sink.received(), 1)

	state, found, err := states.GetAlertState(ctx, "kraken_USD_critical")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, state.AlertCount)
}

func TestOperationNoticesAreQueued(t *testing.T) {
	sink := newBlockingNotifier()
	d := NewDispatcher([]Notifier{sink}, DispatcherOptions{QueueSize: 4}, testLogger())
	n := NewBalanceNotifier(storage.NewMemoryAlertStates(), testPolicy(t), nil, d, BalanceNotifierOptions{}, testLogger())

	notice := OperationNotice{
		CheckID:           "c-1",
		OperationType:     "ngn_cashout",
		Currency:          "NGN",
		Amount:            decimal.NewFromInt(60),
		AlertLevel:        balance.AlertOperationalDanger,
		BlockingProviders: []string{"fincra (₦10,000.00)"},
		Reason:            "insufficient balance",
	}

	done := make(chan struct{})
	go func() {
		n.NotifyOperationBlocked(notice)
		n.NotifyOperationProceeding(notice)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("operation notices blocked the caller")
	}

	close(sink.release)
	require.NoError(t, d.Close(context.Background()))

	got := sink.received()
	require.Len(t, got, 2)
	assert.Equal(t, "Operation BLOCKED: ngn_cashout", got[0].Subject)
	assert.True(t, got[0].Urgent)
	assert.Contains(t, got[0].Text, "fincra (₦10,000.00)")
	assert.Equal(t, "Operation proceeding on low balance: ngn_cashout", got[1].Subject)
	assert.False(t, got[1].Urgent)
}
