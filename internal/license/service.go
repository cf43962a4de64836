package license

import (
	"context"
	"errors"
	"time"

	"license-server/internal/events"
)

// Config holds product parameters for licensing.
type Config struct {
	DefaultMaxActivations int
	TrialDuration         time.Duration
	// Validity, when positive, sets expires_at on new licenses.
	Validity  time.Duration
	KeyPrefix string
}

// DefaultConfig returns the stock licensing parameters.
func DefaultConfig() Config {
	return Config{
		DefaultMaxActivations: 1,
		TrialDuration:         20 * time.Minute,
		KeyPrefix:             DefaultKeyPrefix,
	}
}

// Publisher receives domain events after a transaction commits.
type Publisher interface {
	Publish(event events.Event)
}

// Recorder receives operation outcomes for metrics.
type Recorder interface {
	ObserveOperation(operation, outcome string)
	ObserveHoursConsumed(hours float64)
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string) {}
func (nopRecorder) ObserveHoursConsumed(float64)    {}

// Option configures the services.
type Option func(*core)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *core) { c.now = now }
}

// WithPublisher sends domain events to p.
func WithPublisher(p Publisher) Option {
	return func(c *core) {
		if p != nil {
			c.bus = p
		}
	}
}

// WithRecorder sends operation outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(c *core) {
		if r != nil {
			c.rec = r
		}
	}
}

// core is the state shared by every service.
type core struct {
	store Store
	cfg   Config
	now   func() time.Time
	bus   Publisher
	rec   Recorder
}

// Services bundles the license operations over one store.
type Services struct {
	Validation *ValidationService
	Usage      *UsageMeter
	Devices    *DeviceLedger
	Trials     *TrialService
	Purchases  *PurchaseService
	Admin      *AdminService
}

// NewServices wires every service to store.
func NewServices(store Store, cfg Config, opts ...Option) *Services {
	def := DefaultConfig()
	if cfg.DefaultMaxActivations <= 0 {
		cfg.DefaultMaxActivations = def.DefaultMaxActivations
	}
	if cfg.TrialDuration <= 0 {
		cfg.TrialDuration = def.TrialDuration
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}

	c := &core{
		store: store,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		bus:   nopPublisher{},
		rec:   nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}

	return &Services{
		Validation: &ValidationService{c},
		Usage:      &UsageMeter{c},
		Devices:    &DeviceLedger{c},
		Trials:     &TrialService{c},
		Purchases:  &PurchaseService{c},
		Admin:      &AdminService{c},
	}
}

// Ping checks the underlying store.
func (s *Services) Ping(ctx context.Context) error {
	return s.Admin.store.Ping(ctx)
}

// inTx runs fn and converts infrastructure failures into StoreUnavailable.
func (c *core) inTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := c.store.InTx(ctx, fn); err != nil {
		var le *Error
		if errors.As(err, &le) {
			return le
		}
		return storeUnavailable(err)
	}
	return nil
}

// done records the outcome of operation and passes err through.
func (c *core) done(operation string, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var le *Error
		if errors.As(err, &le) && le.Reason != "" {
			outcome = le.Reason
		}
	}
	c.rec.ObserveOperation(operation, outcome)
	return err
}

func (c *core) publish(typ events.EventType, userID string, data map[string]interface{}) {
	c.bus.Publish(events.Event{
		Type:      typ,
		Timestamp: c.now(),
		UserID:    userID,
		Data:      data,
	})
}
