package license

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by Tx.InsertDevice when the (license, device)
// pair already exists.
var ErrDuplicate = errors.New("license: duplicate record")

// Store is the transactional persistence boundary for licenses and trials.
type Store interface {
	// InTx runs fn inside one transaction. A non-nil error from fn rolls
	// back every write fn made.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	GetLicense(ctx context.Context, ref LicenseRef) (*License, error)
	ListLicensesByUser(ctx context.Context, userID string) ([]License, error)
	ListUsageEvents(ctx context.Context, licenseID string, since time.Time, limit int) ([]UsageEvent, error)
	ListDevices(ctx context.Context, licenseID string) ([]ActivatedDevice, error)
	ListTransactionsByUser(ctx context.Context, userID string) ([]Transaction, error)
}

// Tx is the set of atomic read-modify-write primitives available inside
// Store.InTx. Lookups return (nil, nil) when the row does not exist.
type Tx interface {
	// LockLicense loads the license row and holds it exclusively until the
	// transaction ends.
	LockLicense(ctx context.Context, ref LicenseRef) (*License, error)
	InsertLicense(ctx context.Context, l *License) error
	UpdateLicense(ctx context.Context, l *License) error

	AppendUsageEvent(ctx context.Context, e *UsageEvent) error

	FindDevice(ctx context.Context, licenseID, deviceID string) (*ActivatedDevice, error)
	CountDevices(ctx context.Context, licenseID string) (int, error)
	// InsertDevice returns ErrDuplicate when the pair already exists.
	InsertDevice(ctx context.Context, d *ActivatedDevice) error
	TouchDevice(ctx context.Context, licenseID, deviceID string, seenAt time.Time) error

	// InsertTransaction reports false when (gateway, gateway transaction id)
	// is already recorded.
	InsertTransaction(ctx context.Context, t *Transaction) (bool, error)
	FindTransaction(ctx context.Context, gateway, gatewayTransactionID string) (*Transaction, error)

	LockTrial(ctx context.Context, systemID string) (*Trial, error)
	// InsertTrial reports false when a trial already exists for the system.
	InsertTrial(ctx context.Context, t *Trial) (bool, error)
	UpdateTrial(ctx context.Context, t *Trial) error
}
