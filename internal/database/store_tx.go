package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"license-server/internal/license"
)

// pgTx implements license.Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockLicense(ctx context.Context, ref license.LicenseRef) (*license.License, error) {
	query, arg, ok := licenseQuery(ref, " FOR UPDATE")
	if !ok {
		return nil, nil
	}
	l, err := scanLicense(t.tx.QueryRow(ctx, query, arg))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock license: %w", err)
	}
	return l, nil
}

func (t *pgTx) InsertLicense(ctx context.Context, l *license.License) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO licenses (id, license_key, user_id, license_type, status, hours_purchased,
			hours_remaining, max_activations, linked_system_id, purchase_date, last_validated_at,
			expires_at, revoked_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		l.ID,
		l.Key,
		l.UserID,
		l.Type,
		string(l.Status),
		l.HoursPurchased,
		l.HoursRemaining,
		l.MaxActivations,
		nullIfEmpty(l.LinkedSystemID),
		l.PurchaseDate,
		l.LastValidatedAt,
		l.ExpiresAt,
		l.RevokedAt,
		l.CreatedAt,
		l.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("failed to create license: %w", license.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create license: %w", err)
	}
	return nil
}

// UpdateLicense writes the mutable license fields. id, key, owner and
// purchase data never change after creation.
func (t *pgTx) UpdateLicense(ctx context.Context, l *license.License) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE licenses SET
			status = $2,
			hours_remaining = $3,
			linked_system_id = $4,
			last_validated_at = $5,
			expires_at = $6,
			revoked_at = $7,
			updated_at = $8
		WHERE id = $1`,
		l.ID,
		string(l.Status),
		l.HoursRemaining,
		nullIfEmpty(l.LinkedSystemID),
		l.LastValidatedAt,
		l.ExpiresAt,
		l.RevokedAt,
		l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to update license %s: no rows affected", l.ID)
	}
	return nil
}

func (t *pgTx) AppendUsageEvent(ctx context.Context, e *license.UsageEvent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO license_usage_events (id, license_id, system_id, tracked_at, minutes_used)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.LicenseID, nullIfEmpty(e.SystemID), e.TrackedAt, e.MinutesUsed)
	if err != nil {
		return fmt.Errorf("failed to record usage event: %w", err)
	}
	return nil
}

func (t *pgTx) FindDevice(ctx context.Context, licenseID, deviceID string) (*license.ActivatedDevice, error) {
	var d license.ActivatedDevice
	err := t.tx.QueryRow(ctx, `
		SELECT id, license_id, device_id, activated_at, last_seen_at
		FROM activated_devices
		WHERE license_id = $1 AND device_id = $2`, licenseID, deviceID).
		Scan(&d.ID, &d.LicenseID, &d.DeviceID, &d.ActivatedAt, &d.LastSeenAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	return &d, nil
}

func (t *pgTx) CountDevices(ctx context.Context, licenseID string) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM activated_devices WHERE license_id = $1`, licenseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return n, nil
}

// InsertDevice uses ON CONFLICT DO NOTHING so a lost race does not abort
// the surrounding transaction.
func (t *pgTx) InsertDevice(ctx context.Context, d *license.ActivatedDevice) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO activated_devices (id, license_id, device_id, activated_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (license_id, device_id) DO NOTHING`,
		d.ID, d.LicenseID, d.DeviceID, d.ActivatedAt, d.LastSeenAt)
	if isUniqueViolation(err) {
		return license.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to activate device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return license.ErrDuplicate
	}
	return nil
}

func (t *pgTx) TouchDevice(ctx context.Context, licenseID, deviceID string, seenAt time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE activated_devices SET last_seen_at = $3
		WHERE license_id = $1 AND device_id = $2`, licenseID, deviceID, seenAt)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *license.Transaction) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO license_transactions (id, user_id, license_id, payment_gateway,
			gateway_transaction_id, amount, currency, status, customer_email, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (payment_gateway, gateway_transaction_id) DO NOTHING`,
		txn.ID,
		txn.UserID,
		txn.LicenseID,
		txn.Gateway,
		txn.GatewayTransactionID,
		txn.Amount,
		txn.Currency,
		txn.Status,
		nullIfEmpty(txn.CustomerEmail),
		txn.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) FindTransaction(ctx context.Context, gateway, gatewayTransactionID string) (*license.Transaction, error) {
	txn, err := scanTransaction(t.tx.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM license_transactions
		WHERE payment_gateway = $1 AND gateway_transaction_id = $2`, gateway, gatewayTransactionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}
	return txn, nil
}

const trialColumns = `id, system_id, COALESCE(user_id, ''), status, start_time, duration_seconds,
	expiry_time, total_usage_minutes, sessions_count, last_seen_at, created_at`

func (t *pgTx) LockTrial(ctx context.Context, systemID string) (*license.Trial, error) {
	var (
		tr     license.Trial
		status string
	)
	err := t.tx.QueryRow(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE system_id = $1 FOR UPDATE`, systemID).Scan(
		&tr.ID,
		&tr.SystemID,
		&tr.UserID,
		&status,
		&tr.StartTime,
		&tr.DurationSeconds,
		&tr.ExpiryTime,
		&tr.TotalUsageMinutes,
		&tr.SessionsCount,
		&tr.LastSeenAt,
		&tr.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock trial: %w", err)
	}
	tr.Status = license.TrialStatus(status)
	return &tr, nil
}

func (t *pgTx) InsertTrial(ctx context.Context, tr *license.Trial) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO trials (id, system_id, user_id, status, start_time, duration_seconds,
			expiry_time, total_usage_minutes, sessions_count, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (system_id) DO NOTHING`,
		tr.ID,
		tr.SystemID,
		nullIfEmpty(tr.UserID),
		string(tr.Status),
		tr.StartTime,
		tr.DurationSeconds,
		tr.ExpiryTime,
		tr.TotalUsageMinutes,
		tr.SessionsCount,
		tr.LastSeenAt,
		tr.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create trial: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpdateTrial(ctx context.Context, tr *license.Trial) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE trials SET
			status = $2,
			total_usage_minutes = $3,
			sessions_count = $4,
			last_seen_at = $5
		WHERE system_id = $1`,
		tr.SystemID,
		string(tr.Status),
		tr.TotalUsageMinutes,
		tr.SessionsCount,
		tr.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update trial: %w", err)
	}
	return nil
}
