package license

import (
	"fmt"
)

// Kind classifies a license error for callers and transports.
type Kind int

const (
	KindInputInvalid Kind = iota + 1
	KindNotFound
	KindStatusInvalid
	KindSystemMismatch
	KindInsufficientHours
	KindActivationLimitReached
	KindStoreUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInputInvalid:
		return "input_invalid"
	case KindNotFound:
		return "not_found"
	case KindStatusInvalid:
		return "status_invalid"
	case KindSystemMismatch:
		return "system_mismatch"
	case KindInsufficientHours:
		return "insufficient_hours"
	case KindActivationLimitReached:
		return "activation_limit_reached"
	case KindStoreUnavailable:
		return "store_unavailable"
	default:
		return "unknown"
	}
}

// Stable machine-readable reasons.
const (
	ReasonMissingParameters      = "missing_parameters"
	ReasonInvalidAmount          = "invalid_amount"
	ReasonNotFound               = "not_found"
	ReasonStatusInactive         = "status_inactive"
	ReasonLicenseExpired         = "license_expired"
	ReasonLicenseRevoked         = "license_revoked"
	ReasonTimeExpired            = "time_expired"
	ReasonHoursDepleted          = "hours_depleted"
	ReasonNotActive              = "not_active"
	ReasonRevoked                = "revoked"
	ReasonSystemMismatch         = "system_mismatch"
	ReasonInsufficientHours      = "insufficient_hours"
	ReasonLicenseInvalid         = "license_invalid"
	ReasonActivationLimitReached = "activation_limit_reached"
	ReasonTrialNotFound          = "trial_not_found"
	ReasonTrialExpired           = "trial_expired"
	ReasonStoreUnavailable       = "store_unavailable"
)

// Error is the typed result of a failed license operation.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	// Status is the concrete license or trial status for status errors.
	Status  string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by Kind, and by Reason when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinel errors for use with errors.Is.
var (
	ErrInputInvalid           = &Error{Kind: KindInputInvalid, Message: "invalid input"}
	ErrNotFound               = &Error{Kind: KindNotFound, Message: "not found"}
	ErrStatusInvalid          = &Error{Kind: KindStatusInvalid, Message: "status invalid"}
	ErrSystemMismatch         = &Error{Kind: KindSystemMismatch, Message: "system mismatch"}
	ErrInsufficientHours      = &Error{Kind: KindInsufficientHours, Message: "insufficient hours"}
	ErrActivationLimitReached = &Error{Kind: KindActivationLimitReached, Message: "activation limit reached"}
	ErrStoreUnavailable       = &Error{Kind: KindStoreUnavailable, Message: "store unavailable"}

	ErrHoursDepleted = &Error{Kind: KindStatusInvalid, Reason: ReasonHoursDepleted}
	ErrRevoked       = &Error{Kind: KindStatusInvalid, Reason: ReasonRevoked}
	ErrNotActive     = &Error{Kind: KindStatusInvalid, Reason: ReasonNotActive}
	ErrTimeExpired   = &Error{Kind: KindStatusInvalid, Reason: ReasonTimeExpired}
)

func missingParameters(msg string) *Error {
	return &Error{Kind: KindInputInvalid, Reason: ReasonMissingParameters, Message: msg}
}

func invalidAmount(msg string) *Error {
	return &Error{Kind: KindInputInvalid, Reason: ReasonInvalidAmount, Message: msg}
}

func licenseNotFound() *Error {
	return &Error{Kind: KindNotFound, Reason: ReasonNotFound, Message: "License not found."}
}

// licenseStatusError echoes the concrete status in the message.
func licenseStatusError(status Status) *Error {
	reason := ReasonStatusInactive
	switch status {
	case StatusExpired:
		reason = ReasonLicenseExpired
	case StatusRevoked:
		reason = ReasonLicenseRevoked
	}
	return &Error{
		Kind:    KindStatusInvalid,
		Reason:  reason,
		Message: fmt.Sprintf("License is %s.", status),
		Status:  string(status),
	}
}

func timeExpired() *Error {
	return &Error{
		Kind:    KindStatusInvalid,
		Reason:  ReasonTimeExpired,
		Message: "License validity period has ended.",
		Status:  string(StatusExpired),
	}
}

func storeUnavailable(err error) *Error {
	return &Error{
		Kind:    KindStoreUnavailable,
		Reason:  ReasonStoreUnavailable,
		Message: "license store unavailable",
		Err:     err,
	}
}
