package license

import (
	"time"
)

// Status is the lifecycle state of a License.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// TrialStatus is the lifecycle state of a Trial.
type TrialStatus string

const (
	TrialActive  TrialStatus = "active"
	TrialExpired TrialStatus = "expired"
)

// Default license type recorded on purchased licenses.
const TypeStandard = "standard"

// Gateways that can originate a purchase.
const (
	GatewayStripe = "stripe"
	GatewayPayPal = "paypal"
	GatewayManual = "manual"
)

// hoursEpsilon absorbs float drift when comparing balances against zero.
const hoursEpsilon = 1e-9

// License is a purchased prepaid-hours credential.
type License struct {
	ID              string     `json:"id"`
	Key             string     `json:"licenseKey"`
	UserID          string     `json:"userId"`
	Type            string     `json:"licenseType"`
	Status          Status     `json:"status"`
	HoursPurchased  float64    `json:"hoursPurchased"`
	HoursRemaining  float64    `json:"hoursRemaining"`
	MaxActivations  int        `json:"maxActivations"`
	LinkedSystemID  string     `json:"linkedSystemId,omitempty"`
	PurchaseDate    time.Time  `json:"purchaseDate"`
	LastValidatedAt *time.Time `json:"lastValidatedAt,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	RevokedAt       *time.Time `json:"revokedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy of l.
func (l *License) Clone() *License {
	if l == nil {
		return nil
	}
	c := *l
	c.LastValidatedAt = cloneTime(l.LastValidatedAt)
	c.ExpiresAt = cloneTime(l.ExpiresAt)
	c.RevokedAt = cloneTime(l.RevokedAt)
	return &c
}

// pastDeadline reports whether an expires_at deadline has passed.
func (l *License) pastDeadline(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// Snapshot is the immutable view of a license returned to clients.
type Snapshot struct {
	LicenseID       string     `json:"licenseId"`
	LicenseKey      string     `json:"licenseKey"`
	LicenseType     string     `json:"licenseType"`
	UserID          string     `json:"userId"`
	Status          Status     `json:"status"`
	HoursRemaining  float64    `json:"hoursRemaining"`
	ExpiresAt       *time.Time `json:"expiresAt"`
	LinkedSystemID  string     `json:"linkedSystemId"`
	PurchaseDate    time.Time  `json:"purchaseDate"`
	LastValidatedAt *time.Time `json:"lastValidatedAt"`
}

// SnapshotOf copies the client-facing fields out of l.
func SnapshotOf(l *License) Snapshot {
	return Snapshot{
		LicenseID:       l.ID,
		LicenseKey:      l.Key,
		LicenseType:     l.Type,
		UserID:          l.UserID,
		Status:          l.Status,
		HoursRemaining:  l.HoursRemaining,
		ExpiresAt:       cloneTime(l.ExpiresAt),
		LinkedSystemID:  l.LinkedSystemID,
		PurchaseDate:    l.PurchaseDate,
		LastValidatedAt: cloneTime(l.LastValidatedAt),
	}
}

// LicenseRef identifies a license by key or by id. Key wins when both are set.
type LicenseRef struct {
	Key string
	ID  string
}

func (r LicenseRef) empty() bool {
	return r.Key == "" && r.ID == ""
}

func (r LicenseRef) String() string {
	if r.Key != "" {
		return r.Key
	}
	return r.ID
}

// Transaction is the immutable record of a purchase.
type Transaction struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"userId"`
	LicenseID            string    `json:"licenseId"`
	Gateway              string    `json:"paymentGateway"`
	GatewayTransactionID string    `json:"gatewayTransactionId"`
	Amount               float64   `json:"amount"`
	Currency             string    `json:"currency"`
	Status               string    `json:"status"`
	CustomerEmail        string    `json:"customerEmail,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

// UsageEvent is an append-only record of consumed minutes.
type UsageEvent struct {
	ID          string    `json:"id"`
	LicenseID   string    `json:"licenseId"`
	SystemID    string    `json:"systemId,omitempty"`
	TrackedAt   time.Time `json:"trackedAt"`
	MinutesUsed float64   `json:"minutesUsed"`
}

// ActivatedDevice is one device seat registered against a license.
type ActivatedDevice struct {
	ID          string    `json:"id"`
	LicenseID   string    `json:"licenseId"`
	DeviceID    string    `json:"deviceId"`
	ActivatedAt time.Time `json:"activatedAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// Trial is a license-free, time-boxed entitlement keyed by system id.
type Trial struct {
	ID                string      `json:"trialId"`
	SystemID          string      `json:"systemId"`
	UserID            string      `json:"userId,omitempty"`
	Status            TrialStatus `json:"status"`
	StartTime         time.Time   `json:"startTime"`
	DurationSeconds   int64       `json:"durationSeconds"`
	ExpiryTime        time.Time   `json:"expiryTime"`
	TotalUsageMinutes float64     `json:"totalUsageMinutes"`
	SessionsCount     int         `json:"sessionsCount"`
	LastSeenAt        time.Time   `json:"lastSeenAt"`
	CreatedAt         time.Time   `json:"createdAt"`
}

// Clone returns a copy of t.
func (t *Trial) Clone() *Trial {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TrialState is the client view of a trial, with remaining time computed at read time.
type TrialState struct {
	TrialID           string      `json:"trialId"`
	SystemID          string      `json:"systemId"`
	Status            TrialStatus `json:"status"`
	StartTime         time.Time   `json:"startTime"`
	ExpiryTime        time.Time   `json:"expiryTime"`
	DurationSeconds   int64       `json:"durationSeconds"`
	RemainingSeconds  int64       `json:"remainingSeconds"`
	TotalUsageMinutes float64     `json:"totalUsageMinutes"`
	SessionsCount     int         `json:"sessionsCount"`
	LastSeenAt        time.Time   `json:"lastSeenAt"`
}

func trialStateOf(t *Trial, now time.Time) TrialState {
	remaining := int64(t.ExpiryTime.Sub(now) / time.Second)
	if remaining < 0 || t.Status == TrialExpired {
		remaining = 0
	}
	return TrialState{
		TrialID:           t.ID,
		SystemID:          t.SystemID,
		Status:            t.Status,
		StartTime:         t.StartTime,
		ExpiryTime:        t.ExpiryTime,
		DurationSeconds:   t.DurationSeconds,
		RemainingSeconds:  remaining,
		TotalUsageMinutes: t.TotalUsageMinutes,
		SessionsCount:     t.SessionsCount,
		LastSeenAt:        t.LastSeenAt,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
