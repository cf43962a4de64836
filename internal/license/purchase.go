package license

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"license-server/internal/events"
	"license-server/internal/logging"
)

// PurchaseService turns payment events into licenses.
type PurchaseService struct {
	*core
}

// PurchaseEvent is a completed payment reported by a gateway.
type PurchaseEvent struct {
	UserID        string
	Hours         float64
	TransactionID string
	Gateway       string
	Amount        float64
	Currency      string
	CustomerEmail string
}

// errReplay aborts the purchase transaction when another request already
// recorded the same gateway transaction.
var errReplay = errors.New("purchase already recorded")

// errKeyTaken aborts the purchase transaction when the generated key is
// already in use. The purchase is retried with a fresh key.
var errKeyTaken = errors.New("license key already in use")

const maxKeyAttempts = 5

// CreateLicense issues a license for ev. It is idempotent on
// (gateway, transaction id): a replay returns the original license with
// replayed set and creates nothing.
func (p *PurchaseService) CreateLicense(ctx context.Context, ev PurchaseEvent) (*License, bool, error) {
	ev.UserID = strings.TrimSpace(ev.UserID)
	ev.TransactionID = strings.TrimSpace(ev.TransactionID)
	ev.Gateway = strings.ToLower(strings.TrimSpace(ev.Gateway))
	ev.Currency = strings.ToUpper(strings.TrimSpace(ev.Currency))
	if ev.UserID == "" || ev.TransactionID == "" || ev.Gateway == "" {
		return nil, false, p.done("purchase", missingParameters("User ID, gateway and transaction ID are required."))
	}
	if math.IsNaN(ev.Hours) || math.IsInf(ev.Hours, 0) || ev.Hours <= 0 {
		return nil, false, p.done("purchase", invalidAmount("Hours must be a positive number."))
	}
	if math.IsNaN(ev.Amount) || math.IsInf(ev.Amount, 0) || ev.Amount < 0 {
		return nil, false, p.done("purchase", invalidAmount("Amount must not be negative."))
	}

	log := logging.PaymentContext(ctx, ev.Gateway, ev.TransactionID).WithField("user_id", ev.UserID)

	var (
		created *License
		err     error
	)
	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		var key string
		key, err = GenerateKey(p.cfg.KeyPrefix)
		if err != nil {
			return nil, false, p.done("purchase", storeUnavailable(err))
		}
		created, err = p.insertPurchase(ctx, ev, key)
		if !errors.Is(err, errKeyTaken) {
			break
		}
		log.Warn("generated license key collided, retrying", "attempt", attempt)
	}

	if errors.Is(err, errReplay) {
		original, lookupErr := p.replayed(ctx, ev)
		if lookupErr != nil {
			log.WithError(lookupErr).Error("failed to load replayed purchase")
			return nil, false, p.done("purchase", lookupErr)
		}
		log.Info("purchase replay ignored", "license_id", original.ID)
		p.done("purchase", nil)
		return original, true, nil
	}
	if err != nil {
		log.WithError(err).Error("purchase transaction failed")
		return nil, false, p.done("purchase", err)
	}

	log.Info("license created", "license_id", created.ID, "hours", created.HoursPurchased)
	p.publish(events.EventLicenseCreated, created.UserID, map[string]interface{}{
		"license_id": created.ID,
		"hours":      created.HoursPurchased,
		"gateway":    ev.Gateway,
	})
	p.done("purchase", nil)
	return created, false, nil
}

// insertPurchase records ev and its new license under key in one
// transaction.
func (p *PurchaseService) insertPurchase(ctx context.Context, ev PurchaseEvent, key string) (*License, error) {
	var created *License
	err := p.inTx(ctx, func(tx Tx) error {
		created = nil
		existing, err := tx.FindTransaction(ctx, ev.Gateway, ev.TransactionID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errReplay
		}

		now := p.now()
		l := &License{
			ID:             uuid.New().String(),
			Key:            key,
			UserID:         ev.UserID,
			Type:           TypeStandard,
			Status:         StatusActive,
			HoursPurchased: ev.Hours,
			HoursRemaining: ev.Hours,
			MaxActivations: p.cfg.DefaultMaxActivations,
			PurchaseDate:   now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if p.cfg.Validity > 0 {
			expires := now.Add(p.cfg.Validity)
			l.ExpiresAt = &expires
		}
		if err := tx.InsertLicense(ctx, l); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return errKeyTaken
			}
			return err
		}

		inserted, err := tx.InsertTransaction(ctx, &Transaction{
			ID:                   uuid.New().String(),
			UserID:               ev.UserID,
			LicenseID:            l.ID,
			Gateway:              ev.Gateway,
			GatewayTransactionID: ev.TransactionID,
			Amount:               ev.Amount,
			Currency:             ev.Currency,
			Status:               "completed",
			CustomerEmail:        ev.CustomerEmail,
			CreatedAt:            now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return errReplay
		}
		created = l
		return nil
	})
	return created, err
}

// replayed loads the license created by the first delivery of ev.
func (p *PurchaseService) replayed(ctx context.Context, ev PurchaseEvent) (*License, error) {
	var original *License
	err := p.inTx(ctx, func(tx Tx) error {
		txn, err := tx.FindTransaction(ctx, ev.Gateway, ev.TransactionID)
		if err != nil {
			return err
		}
		if txn == nil {
			return fmt.Errorf("transaction %s/%s vanished after conflict", ev.Gateway, ev.TransactionID)
		}
		original, err = tx.LockLicense(ctx, LicenseRef{ID: txn.LicenseID})
		if err != nil {
			return err
		}
		if original == nil {
			return fmt.Errorf("license %s for transaction %s not found", txn.LicenseID, ev.TransactionID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return original, nil
}
