package license

import (
	"context"
	"strings"

	"license-server/internal/events"
	"license-server/internal/logging"
)

// ValidationService checks a license against a requesting system and
// performs first-use binding.
type ValidationService struct {
	*core
}

// Validate checks licenseKey for systemID. The first successful call binds
// the license to systemID permanently; later calls from any other system
// fail with SystemMismatch.
func (s *ValidationService) Validate(ctx context.Context, licenseKey, systemID string) (*Snapshot, error) {
	key := NormalizeKey(licenseKey)
	systemID = strings.TrimSpace(systemID)
	if key == "" || systemID == "" {
		return nil, s.done("validate", missingParameters("License key and system ID are required."))
	}
	if !ValidKeyFormat(key) {
		return nil, s.done("validate", licenseNotFound())
	}

	log := logging.LicenseContext(ctx, "validate", key).WithField("system_id", systemID)

	var (
		snap    Snapshot
		outcome *Error
		bound   bool
	)
	err := s.inTx(ctx, func(tx Tx) error {
		outcome, bound = nil, false

		l, err := tx.LockLicense(ctx, LicenseRef{Key: key})
		if err != nil {
			return err
		}
		if l == nil {
			outcome = licenseNotFound()
			return nil
		}

		now := s.now()
		if l.Status == StatusActive && l.pastDeadline(now) {
			l.Status = StatusExpired
			l.UpdatedAt = now
			if err := tx.UpdateLicense(ctx, l); err != nil {
				return err
			}
			outcome = timeExpired()
			return nil
		}
		if l.Status != StatusActive {
			outcome = licenseStatusError(l.Status)
			return nil
		}
		if l.HoursRemaining <= 0 {
			log.Warn("active license has no hours remaining",
				"license_id", l.ID,
				"hours_remaining", l.HoursRemaining)
			outcome = &Error{
				Kind:    KindStatusInvalid,
				Reason:  ReasonHoursDepleted,
				Message: "License has no hours remaining.",
				Status:  string(l.Status),
			}
			return nil
		}
		if l.LinkedSystemID != "" && l.LinkedSystemID != systemID {
			outcome = &Error{
				Kind:    KindSystemMismatch,
				Reason:  ReasonSystemMismatch,
				Message: "License is already linked to another system.",
			}
			return nil
		}
		if l.LinkedSystemID == "" {
			l.LinkedSystemID = systemID
			bound = true
		}

		l.LastValidatedAt = &now
		l.UpdatedAt = now
		if err := tx.UpdateLicense(ctx, l); err != nil {
			return err
		}
		snap = SnapshotOf(l)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("validation transaction failed")
		return nil, s.done("validate", err)
	}
	if outcome != nil {
		log.Info("license validation rejected", "reason", outcome.Reason)
		return nil, s.done("validate", outcome)
	}

	if bound {
		log.Info("license bound to system", "license_id", snap.LicenseID)
		s.publish(events.EventLicenseBound, snap.UserID, map[string]interface{}{
			"license_id": snap.LicenseID,
			"system_id":  systemID,
		})
	}
	s.publish(events.EventLicenseValidated, snap.UserID, map[string]interface{}{
		"license_id":      snap.LicenseID,
		"system_id":       systemID,
		"hours_remaining": snap.HoursRemaining,
	})
	s.done("validate", nil)
	return &snap, nil
}
