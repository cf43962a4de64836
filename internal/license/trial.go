package license

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"

	"license-server/internal/events"
	"license-server/internal/logging"
)

// TrialService runs the time-boxed trial state machine. Trials go from
// active to expired exactly once and are never reactivated.
type TrialService struct {
	*core
}

// expireIfDue applies the lazy active -> expired transition.
func (s *TrialService) expireIfDue(t *Trial) bool {
	if t.Status == TrialActive && !s.now().Before(t.ExpiryTime) {
		t.Status = TrialExpired
		return true
	}
	return false
}

// Activate returns the trial for systemID, creating it on first call.
func (s *TrialService) Activate(ctx context.Context, systemID, userID string) (*TrialState, error) {
	systemID = strings.TrimSpace(systemID)
	if systemID == "" {
		return nil, s.done("trial_activate", missingParameters("System ID is required."))
	}
	log := logging.TrialContext(ctx, "activate", systemID)

	var (
		state   TrialState
		created bool
		expired bool
	)
	err := s.inTx(ctx, func(tx Tx) error {
		created, expired = false, false

		t, err := tx.LockTrial(ctx, systemID)
		if err != nil {
			return err
		}
		if t == nil {
			now := s.now()
			t = &Trial{
				ID:              uuid.New().String(),
				SystemID:        systemID,
				UserID:          strings.TrimSpace(userID),
				Status:          TrialActive,
				StartTime:       now,
				DurationSeconds: int64(s.cfg.TrialDuration.Seconds()),
				ExpiryTime:      now.Add(s.cfg.TrialDuration),
				LastSeenAt:      now,
				CreatedAt:       now,
			}
			inserted, err := tx.InsertTrial(ctx, t)
			if err != nil {
				return err
			}
			if inserted {
				created = true
				state = trialStateOf(t, now)
				return nil
			}
			// Lost a concurrent first activation; use the winner's row.
			if t, err = tx.LockTrial(ctx, systemID); err != nil {
				return err
			}
			if t == nil {
				return ErrNotFound
			}
		}

		if s.expireIfDue(t) {
			expired = true
			if err := tx.UpdateTrial(ctx, t); err != nil {
				return err
			}
		}
		state = trialStateOf(t, s.now())
		return nil
	})
	if err != nil {
		log.WithError(err).Error("trial activation failed")
		return nil, s.done("trial_activate", err)
	}

	if created {
		log.Info("trial started", "trial_id", state.TrialID, "duration_seconds", state.DurationSeconds)
		s.publish(events.EventTrialActivated, userID, map[string]interface{}{
			"trial_id":  state.TrialID,
			"system_id": systemID,
		})
	}
	if expired {
		s.publishExpired(state)
	}
	s.done("trial_activate", nil)
	return &state, nil
}

// Status returns the current trial state for systemID, persisting the
// expiry transition when due. Every call counts as a session.
func (s *TrialService) Status(ctx context.Context, systemID string) (*TrialState, error) {
	systemID = strings.TrimSpace(systemID)
	if systemID == "" {
		return nil, s.done("trial_status", missingParameters("System ID is required."))
	}
	log := logging.TrialContext(ctx, "status", systemID)

	var (
		state   TrialState
		expired bool
		outcome *Error
	)
	err := s.inTx(ctx, func(tx Tx) error {
		outcome, expired = nil, false

		t, err := tx.LockTrial(ctx, systemID)
		if err != nil {
			return err
		}
		if t == nil {
			outcome = trialNotFound()
			return nil
		}

		now := s.now()
		expired = s.expireIfDue(t)
		t.SessionsCount++
		t.LastSeenAt = now
		if err := tx.UpdateTrial(ctx, t); err != nil {
			return err
		}
		state = trialStateOf(t, now)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("trial status failed")
		return nil, s.done("trial_status", err)
	}
	if outcome != nil {
		return nil, s.done("trial_status", outcome)
	}
	if expired {
		s.publishExpired(state)
	}
	s.done("trial_status", nil)
	return &state, nil
}

// TrackUsage adds minutes to an active trial's usage total.
func (s *TrialService) TrackUsage(ctx context.Context, systemID string, minutes float64) (*TrialState, error) {
	systemID = strings.TrimSpace(systemID)
	if systemID == "" {
		return nil, s.done("trial_track_usage", missingParameters("System ID is required."))
	}
	if math.IsNaN(minutes) || math.IsInf(minutes, 0) || minutes <= 0 {
		return nil, s.done("trial_track_usage", invalidAmount("Minutes used must be a positive number."))
	}
	log := logging.TrialContext(ctx, "track_usage", systemID)

	var (
		state        TrialState
		expiredState *TrialState
		outcome      *Error
	)
	err := s.inTx(ctx, func(tx Tx) error {
		outcome, expiredState = nil, nil

		t, err := tx.LockTrial(ctx, systemID)
		if err != nil {
			return err
		}
		if t == nil {
			outcome = trialNotFound()
			return nil
		}

		now := s.now()
		if s.expireIfDue(t) {
			if err := tx.UpdateTrial(ctx, t); err != nil {
				return err
			}
			ts := trialStateOf(t, now)
			expiredState = &ts
		}
		if t.Status != TrialActive {
			outcome = &Error{
				Kind:    KindStatusInvalid,
				Reason:  ReasonTrialExpired,
				Message: "Trial has expired.",
				Status:  string(t.Status),
			}
			return nil
		}

		t.TotalUsageMinutes += minutes
		t.LastSeenAt = now
		if err := tx.UpdateTrial(ctx, t); err != nil {
			return err
		}
		state = trialStateOf(t, now)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("trial usage failed")
		return nil, s.done("trial_track_usage", err)
	}
	if expiredState != nil {
		s.publishExpired(*expiredState)
	}
	if outcome != nil {
		return nil, s.done("trial_track_usage", outcome)
	}
	s.done("trial_track_usage", nil)
	return &state, nil
}

func (s *TrialService) publishExpired(state TrialState) {
	s.publish(events.EventTrialExpired, "", map[string]interface{}{
		"trial_id":  state.TrialID,
		"system_id": state.SystemID,
	})
}

func trialNotFound() *Error {
	return &Error{Kind: KindNotFound, Reason: ReasonTrialNotFound, Message: "No trial found for this system."}
}
