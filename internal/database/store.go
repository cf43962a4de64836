package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"license-server/internal/license"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Store implements license.Store on PostgreSQL. License and trial rows
// are serialized with SELECT ... FOR UPDATE inside READ COMMITTED
// transactions.
type Store struct {
	db *DB
}

var (
	_ license.Store = (*Store)(nil)
	_ license.Tx    = (*pgTx)(nil)
)

// NewStore creates a Store over db.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx license.Tx) error) error {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.HealthCheck(ctx)
}

const licenseColumns = `id, license_key, user_id, license_type, status, hours_purchased,
	hours_remaining, max_activations, linked_system_id, purchase_date, last_validated_at,
	expires_at, revoked_at, created_at, updated_at`

func scanLicense(row pgx.Row) (*license.License, error) {
	var (
		l        license.License
		status   string
		systemID *string
	)
	err := row.Scan(
		&l.ID,
		&l.Key,
		&l.UserID,
		&l.Type,
		&status,
		&l.HoursPurchased,
		&l.HoursRemaining,
		&l.MaxActivations,
		&systemID,
		&l.PurchaseDate,
		&l.LastValidatedAt,
		&l.ExpiresAt,
		&l.RevokedAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Status = license.Status(status)
	if systemID != nil {
		l.LinkedSystemID = *systemID
	}
	return &l, nil
}

// licenseQuery builds the lookup for ref. ok is false when ref cannot
// match any row (malformed id).
func licenseQuery(ref license.LicenseRef, suffix string) (query string, arg string, ok bool) {
	if ref.Key != "" {
		return `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = $1` + suffix, ref.Key, true
	}
	if _, err := uuid.Parse(ref.ID); err != nil {
		return "", "", false
	}
	return `SELECT ` + licenseColumns + ` FROM licenses WHERE id = $1` + suffix, ref.ID, true
}

// GetLicense reads a license without locking it.
func (s *Store) GetLicense(ctx context.Context, ref license.LicenseRef) (*license.License, error) {
	query, arg, ok := licenseQuery(ref, "")
	if !ok {
		return nil, nil
	}
	l, err := scanLicense(s.db.Pool.QueryRow(ctx, query, arg))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license: %w", err)
	}
	return l, nil
}

// ListLicensesByUser returns a user's licenses, newest first.
func (s *Store) ListLicensesByUser(ctx context.Context, userID string) ([]license.License, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	defer rows.Close()

	licenses := make([]license.License, 0)
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, *l)
	}
	return licenses, rows.Err()
}

// ListUsageEvents returns a license's usage events since a time, newest first.
func (s *Store) ListUsageEvents(ctx context.Context, licenseID string, since time.Time, limit int) ([]license.UsageEvent, error) {
	out := make([]license.UsageEvent, 0)
	if _, err := uuid.Parse(licenseID); err != nil {
		return out, nil
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, license_id, COALESCE(system_id, ''), tracked_at, minutes_used
		FROM license_usage_events
		WHERE license_id = $1 AND tracked_at >= $2
		ORDER BY tracked_at DESC
		LIMIT $3`, licenseID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev license.UsageEvent
		if err := rows.Scan(&ev.ID, &ev.LicenseID, &ev.SystemID, &ev.TrackedAt, &ev.MinutesUsed); err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListDevices returns the devices activated on a license, oldest first.
func (s *Store) ListDevices(ctx context.Context, licenseID string) ([]license.ActivatedDevice, error) {
	out := make([]license.ActivatedDevice, 0)
	if _, err := uuid.Parse(licenseID); err != nil {
		return out, nil
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, license_id, device_id, activated_at, last_seen_at
		FROM activated_devices
		WHERE license_id = $1
		ORDER BY activated_at`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d license.ActivatedDevice
		if err := rows.Scan(&d.ID, &d.LicenseID, &d.DeviceID, &d.ActivatedAt, &d.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const transactionColumns = `id, user_id, license_id, payment_gateway, gateway_transaction_id,
	amount, currency, status, COALESCE(customer_email, ''), created_at`

func scanTransaction(row pgx.Row) (*license.Transaction, error) {
	var t license.Transaction
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.LicenseID,
		&t.Gateway,
		&t.GatewayTransactionID,
		&t.Amount,
		&t.Currency,
		&t.Status,
		&t.CustomerEmail,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactionsByUser returns a user's purchases, newest first.
func (s *Store) ListTransactionsByUser(ctx context.Context, userID string) ([]license.Transaction, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM license_transactions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]license.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
