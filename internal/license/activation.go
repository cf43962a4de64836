package license

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"license-server/internal/events"
	"license-server/internal/logging"
)

// DeviceLedger enforces the per-license device activation cap.
type DeviceLedger struct {
	*core
}

// ActivationResult describes an accepted activation.
type ActivationResult struct {
	Accepted         bool    `json:"accepted"`
	LicenseID        string  `json:"licenseId"`
	HoursRemaining   float64 `json:"hoursRemaining"`
	LicenseType      string  `json:"licenseType"`
	AlreadyActivated bool    `json:"alreadyActivated"`
	Message          string  `json:"message"`
}

// Activate registers deviceID against licenseKey. Re-activating a
// registered device is a no-op success. The license row is locked for the
// whole check-and-insert so concurrent activations cannot overshoot the cap.
func (d *DeviceLedger) Activate(ctx context.Context, licenseKey, deviceID string) (*ActivationResult, error) {
	key := NormalizeKey(licenseKey)
	deviceID = strings.TrimSpace(deviceID)
	if key == "" || deviceID == "" {
		return nil, d.done("activate", missingParameters("License key and device ID are required."))
	}

	log := logging.LicenseContext(ctx, "activate", key).WithField("device_id", deviceID)

	var (
		res     ActivationResult
		userID  string
		created bool
		outcome *Error
	)
	err := d.inTx(ctx, func(tx Tx) error {
		outcome, created = nil, false

		l, err := tx.LockLicense(ctx, LicenseRef{Key: key})
		if err != nil {
			return err
		}
		if l == nil {
			outcome = &Error{Kind: KindNotFound, Reason: ReasonLicenseInvalid, Message: "Invalid license key."}
			return nil
		}
		if l.Status == StatusActive && l.pastDeadline(d.now()) {
			l.Status = StatusExpired
			l.UpdatedAt = d.now()
			if err := tx.UpdateLicense(ctx, l); err != nil {
				return err
			}
		}
		if l.Status != StatusActive {
			outcome = &Error{
				Kind:    KindStatusInvalid,
				Reason:  ReasonLicenseInvalid,
				Message: fmt.Sprintf("License is not active. Status: %s", l.Status),
				Status:  string(l.Status),
			}
			return nil
		}

		res = ActivationResult{
			Accepted:       true,
			LicenseID:      l.ID,
			HoursRemaining: l.HoursRemaining,
			LicenseType:    l.Type,
		}
		userID = l.UserID
		now := d.now()

		existing, err := tx.FindDevice(ctx, l.ID, deviceID)
		if err != nil {
			return err
		}
		if existing != nil {
			res.AlreadyActivated = true
			res.Message = "Device already activated."
			return tx.TouchDevice(ctx, l.ID, deviceID, now)
		}

		maxActivations := l.MaxActivations
		if maxActivations <= 0 {
			maxActivations = 1
		}
		count, err := tx.CountDevices(ctx, l.ID)
		if err != nil {
			return err
		}
		if count >= maxActivations {
			outcome = &Error{
				Kind:    KindActivationLimitReached,
				Reason:  ReasonActivationLimitReached,
				Message: "Activation limit reached for this license.",
				Details: map[string]interface{}{
					"maxActivations": maxActivations,
					"activations":    count,
				},
			}
			return nil
		}

		err = tx.InsertDevice(ctx, &ActivatedDevice{
			ID:          uuid.New().String(),
			LicenseID:   l.ID,
			DeviceID:    deviceID,
			ActivatedAt: now,
			LastSeenAt:  now,
		})
		if errors.Is(err, ErrDuplicate) {
			// A concurrent first activation for this device already won.
			res.AlreadyActivated = true
			res.Message = "Device already activated."
			return nil
		}
		if err != nil {
			return err
		}
		created = true
		res.Message = "Device activated successfully."
		return nil
	})
	if err != nil {
		log.WithError(err).Error("activation transaction failed")
		return nil, d.done("activate", err)
	}
	if outcome != nil {
		log.Info("activation rejected", "reason", outcome.Reason)
		return nil, d.done("activate", outcome)
	}

	if created {
		log.Info("device activated", "license_id", res.LicenseID)
		d.publish(events.EventDeviceActivated, userID, map[string]interface{}{
			"license_id": res.LicenseID,
			"device_id":  deviceID,
		})
	}
	d.done("activate", nil)
	return &res, nil
}
