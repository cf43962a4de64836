package license

import (
	"context"
	"strings"
	"time"

	"license-server/internal/events"
	"license-server/internal/logging"
)

// DefaultUsageHistoryLimit caps UsageHistory when no limit is given.
const DefaultUsageHistoryLimit = 500

// AdminService covers revocation and read-only reporting.
type AdminService struct {
	*core
}

// Revoke sets the license to revoked. Revocation is terminal and repeating
// it is a no-op.
func (a *AdminService) Revoke(ctx context.Context, licenseKey, reason string) (*License, error) {
	key := NormalizeKey(licenseKey)
	if key == "" {
		return nil, a.done("revoke", missingParameters("License key is required."))
	}
	log := logging.LicenseContext(ctx, "revoke", key)

	var (
		revoked *License
		changed bool
	)
	err := a.inTx(ctx, func(tx Tx) error {
		changed = false
		l, err := tx.LockLicense(ctx, LicenseRef{Key: key})
		if err != nil {
			return err
		}
		if l == nil {
			return licenseNotFound()
		}
		if l.Status != StatusRevoked {
			now := a.now()
			l.Status = StatusRevoked
			l.RevokedAt = &now
			l.UpdatedAt = now
			if err := tx.UpdateLicense(ctx, l); err != nil {
				return err
			}
			changed = true
		}
		revoked = l
		return nil
	})
	if err != nil {
		return nil, a.done("revoke", err)
	}

	if changed {
		log.Info("license revoked", "license_id", revoked.ID, "reason", reason)
		a.publish(events.EventLicenseRevoked, revoked.UserID, map[string]interface{}{
			"license_id": revoked.ID,
			"reason":     reason,
		})
	}
	a.done("revoke", nil)
	return revoked, nil
}

// Get loads one license without locking it.
func (a *AdminService) Get(ctx context.Context, ref LicenseRef) (*License, error) {
	ref = LicenseRef{Key: NormalizeKey(ref.Key), ID: strings.TrimSpace(ref.ID)}
	if ref.empty() {
		return nil, missingParameters("License identifier is required.")
	}
	l, err := a.store.GetLicense(ctx, ref)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	if l == nil {
		return nil, licenseNotFound()
	}
	return l, nil
}

// ListForUser returns every license owned by userID, newest first.
func (a *AdminService) ListForUser(ctx context.Context, userID string) ([]License, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, missingParameters("User ID is required.")
	}
	licenses, err := a.store.ListLicensesByUser(ctx, userID)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	return licenses, nil
}

// OwnedLicense loads licenseID and checks that userID owns it. Licenses
// owned by someone else are reported as not found.
func (a *AdminService) OwnedLicense(ctx context.Context, userID, licenseID string) (*License, error) {
	l, err := a.Get(ctx, LicenseRef{ID: licenseID})
	if err != nil {
		return nil, err
	}
	if l.UserID != userID {
		return nil, licenseNotFound()
	}
	return l, nil
}

// UsageHistory returns usage events for licenseID tracked at or after since.
func (a *AdminService) UsageHistory(ctx context.Context, licenseID string, since time.Time, limit int) ([]UsageEvent, error) {
	if limit <= 0 || limit > DefaultUsageHistoryLimit {
		limit = DefaultUsageHistoryLimit
	}
	evs, err := a.store.ListUsageEvents(ctx, licenseID, since, limit)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	return evs, nil
}

// ListDevices returns the devices activated against licenseID.
func (a *AdminService) ListDevices(ctx context.Context, licenseID string) ([]ActivatedDevice, error) {
	devices, err := a.store.ListDevices(ctx, licenseID)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	return devices, nil
}

// Transactions returns userID's purchases, newest first.
func (a *AdminService) Transactions(ctx context.Context, userID string) ([]Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, missingParameters("User ID is required.")
	}
	txns, err := a.store.ListTransactionsByUser(ctx, userID)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	return txns, nil
}
