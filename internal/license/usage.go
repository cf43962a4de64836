package license

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"license-server/internal/events"
	"license-server/internal/logging"
)

// UsageMeter debits consumed time from a license balance.
type UsageMeter struct {
	*core
}

// UsageRequest reports minutes consumed against a license.
type UsageRequest struct {
	License LicenseRef
	// SystemID is optional; when set it must match the bound system.
	SystemID    string
	MinutesUsed float64
}

// UsageResult is the balance after a successful debit.
type UsageResult struct {
	LicenseID      string  `json:"licenseId"`
	HoursRemaining float64 `json:"hoursRemaining"`
	Status         Status  `json:"status"`
	Depleted       bool    `json:"depleted"`
	EventID        string  `json:"eventId"`
	Message        string  `json:"message"`
}

// TrackUsage atomically debits req.MinutesUsed/60 hours. A request larger
// than the balance fails with InsufficientHours and changes nothing.
func (m *UsageMeter) TrackUsage(ctx context.Context, req UsageRequest) (*UsageResult, error) {
	ref := LicenseRef{Key: NormalizeKey(req.License.Key), ID: strings.TrimSpace(req.License.ID)}
	if ref.empty() {
		return nil, m.done("track_usage", missingParameters("License identifier is required."))
	}
	if math.IsNaN(req.MinutesUsed) || math.IsInf(req.MinutesUsed, 0) || req.MinutesUsed <= 0 {
		return nil, m.done("track_usage", invalidAmount("Minutes used must be a positive number."))
	}
	systemID := strings.TrimSpace(req.SystemID)

	log := logging.LicenseContext(ctx, "track_usage", ref.String())

	var (
		res     UsageResult
		userID  string
		outcome *Error
	)
	err := m.inTx(ctx, func(tx Tx) error {
		outcome = nil

		l, err := tx.LockLicense(ctx, ref)
		if err != nil {
			return err
		}
		if l == nil {
			outcome = licenseNotFound()
			return nil
		}
		if l.Status == StatusRevoked {
			outcome = &Error{
				Kind:    KindStatusInvalid,
				Reason:  ReasonRevoked,
				Message: "License has been revoked.",
				Status:  string(l.Status),
			}
			return nil
		}
		if l.Status != StatusActive {
			outcome = &Error{
				Kind:    KindStatusInvalid,
				Reason:  ReasonNotActive,
				Message: fmt.Sprintf("License is not active. Status: %s", l.Status),
				Status:  string(l.Status),
			}
			return nil
		}

		now := m.now()
		if l.pastDeadline(now) {
			l.Status = StatusExpired
			l.UpdatedAt = now
			if err := tx.UpdateLicense(ctx, l); err != nil {
				return err
			}
			outcome = timeExpired()
			return nil
		}
		if systemID != "" && l.LinkedSystemID != "" && l.LinkedSystemID != systemID {
			outcome = &Error{
				Kind:    KindSystemMismatch,
				Reason:  ReasonSystemMismatch,
				Message: "License is linked to another system.",
			}
			return nil
		}

		hoursUsed := req.MinutesUsed / 60
		if l.HoursRemaining+hoursEpsilon < hoursUsed {
			outcome = &Error{
				Kind:    KindInsufficientHours,
				Reason:  ReasonInsufficientHours,
				Message: "Insufficient hours remaining.",
				Details: map[string]interface{}{
					"hoursRemaining": l.HoursRemaining,
					"hoursRequested": hoursUsed,
				},
			}
			return nil
		}

		remaining := l.HoursRemaining - hoursUsed
		if remaining < hoursEpsilon {
			remaining = 0
		}
		l.HoursRemaining = remaining
		if remaining == 0 {
			l.Status = StatusExpired
		}
		l.UpdatedAt = now
		if err := tx.UpdateLicense(ctx, l); err != nil {
			return err
		}

		ev := &UsageEvent{
			ID:          uuid.New().String(),
			LicenseID:   l.ID,
			SystemID:    systemID,
			TrackedAt:   now,
			MinutesUsed: req.MinutesUsed,
		}
		if err := tx.AppendUsageEvent(ctx, ev); err != nil {
			return err
		}

		userID = l.UserID
		res = UsageResult{
			LicenseID:      l.ID,
			HoursRemaining: l.HoursRemaining,
			Status:         l.Status,
			Depleted:       l.Status == StatusExpired,
			EventID:        ev.ID,
			Message:        "Usage tracked successfully.",
		}
		if res.Depleted {
			res.Message = "Usage tracked. License hours depleted."
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("usage transaction failed")
		return nil, m.done("track_usage", err)
	}
	if outcome != nil {
		log.Info("usage rejected", "reason", outcome.Reason)
		return nil, m.done("track_usage", outcome)
	}

	m.rec.ObserveHoursConsumed(req.MinutesUsed / 60)
	m.publish(events.EventUsageTracked, userID, map[string]interface{}{
		"license_id":      res.LicenseID,
		"minutes_used":    req.MinutesUsed,
		"hours_remaining": res.HoursRemaining,
	})
	if res.Depleted {
		log.Info("license depleted", "license_id", res.LicenseID)
		m.publish(events.EventLicenseDepleted, userID, map[string]interface{}{
			"license_id": res.LicenseID,
		})
	}
	m.done("track_usage", nil)
	return &res, nil
}
