package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

//go:embed schema.sql
var schemaSQL string

const (
	listActiveOverridesSQL = `SELECT
        id,
        provider,
        operation_type,
        override_type,
        reason,
        is_active,
        expires_at,
        created_at,
        updated_at
    FROM admin_operation_overrides
    WHERE is_active
      AND provider = ANY($1)
      AND (operation_type = $2 OR operation_type IS NULL)
    ORDER BY created_at DESC, id DESC;`

	insertOverrideSQL = `INSERT INTO admin_operation_overrides (
        provider,
        operation_type,
        override_type,
        reason,
        expires_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, is_active, created_at, updated_at;`

	deactivateOverrideSQL = `UPDATE admin_operation_overrides
    SET is_active = FALSE, updated_at = now()
    WHERE id = $1 AND is_active;`

	getAlertStateSQL = `SELECT
        alert_key,
        provider,
        currency,
        alert_level,
        last_alert_time,
        alert_count,
        created_at,
        updated_at
    FROM balance_alert_states
    WHERE alert_key = $1;`

	upsertAlertStateSQL = `INSERT INTO balance_alert_states (
        alert_key,
        provider,
        currency,
        alert_level,
        last_alert_time,
        alert_count
    ) VALUES (
        $1,$2,$3,$4,$5,1
    )
    ON CONFLICT (alert_key) DO UPDATE
    SET
        last_alert_time = EXCLUDED.last_alert_time,
        alert_count     = balance_alert_states.alert_count + 1,
        updated_at      = now()
    RETURNING alert_key, provider, currency, alert_level, last_alert_time, alert_count, created_at, updated_at;`

	insertProtectionLogSQL = `INSERT INTO balance_protection_logs (
        check_id,
        operation_type,
        currency,
        amount,
        user_id,
        operation_allowed,
        alert_level,
        balance_check_passed,
        insufficient_services,
        warning_message,
        blocking_reason,
        balance_data_status,
        fincra_balance,
        kraken_balances
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    RETURNING id;`

	selectProtectionLogColumns = `SELECT
        id,
        check_id::text,
        operation_type,
        currency,
        amount::text,
        user_id,
        operation_allowed,
        alert_level,
        balance_check_passed,
        insufficient_services,
        warning_message,
        blocking_reason,
        balance_data_status,
        fincra_balance::text,
        kraken_balances,
        created_at
    FROM balance_protection_logs`

	listRecentProtectionLogsSQL = selectProtectionLogColumns + `
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	listProtectionLogsBetweenSQL = selectProtectionLogColumns + `
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at, id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// OverrideStore reads administrator overrides and lazily retires expired ones.
type OverrideStore interface {
	ListActiveOverrides(ctx context.Context, providers []string, operationType string) ([]Override, error)
	DeactivateOverride(ctx context.Context, id int64) error
}

// AlertStateStore persists alert cooldown state.
type AlertStateStore interface {
	// GetAlertState returns found=false when the key was never alerted.
	GetAlertState(ctx context.Context, key string) (state AlertState, found bool, err error)
	UpsertAlertState(ctx context.Context, state AlertState) (AlertState, error)
}

// ProtectionLogStore is the append-only protection audit trail.
type ProtectionLogStore interface {
	InsertProtectionLog(ctx context.Context, entry ProtectionLog) (int64, error)
	ListRecentProtectionLogs(ctx context.Context, limit int) ([]ProtectionLog, error)
	ListProtectionLogsBetween(ctx context.Context, from, to time.Time) ([]ProtectionLog, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to overrides, alert state and the audit log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock is dropped with the connection anyway
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListActiveOverrides returns active overrides for any of providers that apply
// to operationType, newest first. Expired rows are included; callers retire them.
func (s *Store) ListActiveOverrides(ctx context.Context, providers []string, operationType string) ([]Override, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveOverridesSQL, providers, operationType)
	if queryErr != nil {
		return nil, fmt.Errorf("list active overrides: %w", queryErr)
	}
	defer rows.Close()

	overrides := make([]Override, 0)
	for rows.Next() {
		var (
			o       Override
			opType  sql.NullString
			expires sql.NullTime
			kind    string
		)
		if err := rows.Scan(
			&o.ID,
			&o.Provider,
			&opType,
			&kind,
			&o.Reason,
			&o.IsActive,
			&expires,
			&o.CreatedAt,
			&o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.OverrideType = OverrideType(kind)
		if opType.Valid {
			value := opType.String
			o.OperationType = &value
		}
		if expires.Valid {
			value := expires.Time
			o.ExpiresAt = &value
		}
		overrides = append(overrides, o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return overrides, nil
}

// CreateOverride inserts a new active override and returns it with its id.
func (s *Store) CreateOverride(ctx context.Context, o Override) (Override, error) {
	pool, err := s.getPool()
	if err != nil {
		return Override{}, err
	}

	var opType interface{}
	if o.OperationType != nil {
		opType = *o.OperationType
	}
	var expires interface{}
	if o.ExpiresAt != nil {
		expires = *o.ExpiresAt
	}

	row := pool.QueryRow(ctx, insertOverrideSQL, o.Provider, opType, string(o.OverrideType), o.Reason, expires)
	if scanErr := row.Scan(&o.ID, &o.IsActive, &o.CreatedAt, &o.UpdatedAt); scanErr != nil {
		return Override{}, fmt.Errorf("insert override: %w", scanErr)
	}
	return o, nil
}

// DeactivateOverride retires an override. Deactivating an inactive row is a no-op.
func (s *Store) DeactivateOverride(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deactivateOverrideSQL, id); execErr != nil {
		return fmt.Errorf("deactivate override %d: %w", id, execErr)
	}
	return nil
}

// GetAlertState loads the cooldown row for key.
func (s *Store) GetAlertState(ctx context.Context, key string) (AlertState, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertState{}, false, err
	}

	state, scanErr := scanAlertState(pool.QueryRow(ctx, getAlertStateSQL, key))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlertState{}, false, nil
	}
	if scanErr != nil {
		return AlertState{}, false, fmt.Errorf("get alert state %s: %w", key, scanErr)
	}
	return state, true, nil
}

// UpsertAlertState records a dispatched alert in a single statement, bumping
// alert_count when the key already exists.
func (s *Store) UpsertAlertState(ctx context.Context, state AlertState) (AlertState, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertState{}, err
	}

	row := pool.QueryRow(ctx, upsertAlertStateSQL,
		state.AlertKey,
		state.Provider,
		state.Currency,
		state.AlertLevel,
		state.LastAlertTime,
	)
	saved, scanErr := scanAlertState(row)
	if scanErr != nil {
		return AlertState{}, fmt.Errorf("upsert alert state %s: %w", state.AlertKey, scanErr)
	}
	return saved, nil
}

// InsertProtectionLog appends one audit row.
func (s *Store) InsertProtectionLog(ctx context.Context, entry ProtectionLog) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var userID, alertLevel, warning, blocking interface{}
	if entry.UserID != nil {
		userID = *entry.UserID
	}
	if entry.AlertLevel != nil {
		alertLevel = *entry.AlertLevel
	}
	if entry.WarningMessage != nil {
		warning = *entry.WarningMessage
	}
	if entry.BlockingReason != nil {
		blocking = *entry.BlockingReason
	}

	var fincra interface{}
	if entry.FincraBalance != nil {
		fincra = entry.FincraBalance.String()
	}

	var kraken interface{}
	if entry.KrakenBalances != nil {
		raw, marshalErr := json.Marshal(entry.KrakenBalances)
		if marshalErr != nil {
			return 0, fmt.Errorf("encode kraken balances: %w", marshalErr)
		}
		kraken = raw
	}

	var services interface{}
	if len(entry.InsufficientServices) > 0 {
		services = entry.InsufficientServices
	}

	var id int64
	if scanErr := pool.QueryRow(ctx, insertProtectionLogSQL,
		entry.CheckID,
		entry.OperationType,
		entry.Currency,
		entry.Amount.String(),
		userID,
		entry.OperationAllowed,
		alertLevel,
		entry.BalanceCheckPassed,
		services,
		warning,
		blocking,
		string(entry.BalanceDataStatus),
		fincra,
		kraken,
	).Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("insert protection log: %w", scanErr)
	}
	return id, nil
}

// ListRecentProtectionLogs lists the newest audit rows first.
func (s *Store) ListRecentProtectionLogs(ctx context.Context, limit int) ([]ProtectionLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentProtectionLogsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent protection logs: %w", queryErr)
	}
	return collectProtectionLogs(rows)
}

// ListProtectionLogsBetween lists audit rows in [from, to) in chronological order.
func (s *Store) ListProtectionLogsBetween(ctx context.Context, from, to time.Time) ([]ProtectionLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listProtectionLogsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list protection logs between: %w", queryErr)
	}
	return collectProtectionLogs(rows)
}

func scanAlertState(row pgx.Row) (AlertState, error) {
	var state AlertState
	err := row.Scan(
		&state.AlertKey,
		&state.Provider,
		&state.Currency,
		&state.AlertLevel,
		&state.LastAlertTime,
		&state.AlertCount,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	return state, err
}

func collectProtectionLogs(rows pgx.Rows) ([]ProtectionLog, error) {
	defer rows.Close()

	entries := make([]ProtectionLog, 0)
	for rows.Next() {
		entry, scanErr := scanProtectionLog(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

func scanProtectionLog(rows pgx.Rows) (ProtectionLog, error) {
	var (
		entry      ProtectionLog
		amountStr  string
		userID     sql.NullString
		alertLevel sql.NullString
		services   []string
		warning    sql.NullString
		blocking   sql.NullString
		status     string
		fincraStr  sql.NullString
		krakenRaw  []byte
	)

	if err := rows.Scan(
		&entry.ID,
		&entry.CheckID,
		&entry.OperationType,
		&entry.Currency,
		&amountStr,
		&userID,
		&entry.OperationAllowed,
		&alertLevel,
		&entry.BalanceCheckPassed,
		&services,
		&warning,
		&blocking,
		&status,
		&fincraStr,
		&krakenRaw,
		&entry.CreatedAt,
	); err != nil {
		return ProtectionLog{}, fmt.Errorf("scan protection log: %w", err)
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return ProtectionLog{}, fmt.Errorf("parse amount: %w", err)
	}
	entry.Amount = amount
	entry.InsufficientServices = services
	entry.BalanceDataStatus = BalanceDataStatus(status)
	entry.UserID = nullableString(userID)
	entry.AlertLevel = nullableString(alertLevel)
	entry.WarningMessage = nullableString(warning)
	entry.BlockingReason = nullableString(blocking)

	if fincraStr.Valid {
		fincra, err := decimal.NewFromString(fincraStr.String)
		if err != nil {
			return ProtectionLog{}, fmt.Errorf("parse fincra balance: %w", err)
		}
		entry.FincraBalance = &fincra
	}
	if len(krakenRaw) > 0 {
		if err := json.Unmarshal(krakenRaw, &entry.KrakenBalances); err != nil {
			return ProtectionLog{}, fmt.Errorf("decode kraken balances: %w", err)
		}
	}

	return entry, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

var (
	_ OverrideStore      = (*Store)(nil)
	_ AlertStateStore    = (*Store)(nil)
	_ ProtectionLogStore = (*Store)(nil)
	_ AdvisoryLocker     = (*Store)(nil)
)
