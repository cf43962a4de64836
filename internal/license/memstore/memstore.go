// Package memstore is an in-memory license.Store. Transactions are
// serialized by a single mutex and applied to a staged copy that replaces
// the live state only when the transaction function succeeds.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"license-server/internal/license"
)

type state struct {
	licenses     map[string]*license.License // by id
	keys         map[string]string           // key -> id
	transactions map[string]*license.Transaction
	txnIndex     map[string]string // gateway|gateway id -> transaction id
	usage        []license.UsageEvent
	devices      map[string]*license.ActivatedDevice // license id|device id
	trials       map[string]*license.Trial           // by system id
}

func newState() *state {
	return &state{
		licenses:     make(map[string]*license.License),
		keys:         make(map[string]string),
		transactions: make(map[string]*license.Transaction),
		txnIndex:     make(map[string]string),
		devices:      make(map[string]*license.ActivatedDevice),
		trials:       make(map[string]*license.Trial),
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, l := range s.licenses {
		c.licenses[id] = l.Clone()
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	for id, t := range s.transactions {
		cp := *t
		c.transactions[id] = &cp
	}
	for k, v := range s.txnIndex {
		c.txnIndex[k] = v
	}
	c.usage = make([]license.UsageEvent, len(s.usage))
	copy(c.usage, s.usage)
	for k, d := range s.devices {
		cp := *d
		c.devices[k] = &cp
	}
	for k, t := range s.trials {
		c.trials[k] = t.Clone()
	}
	return c
}

// Store is an in-memory license.Store.
type Store struct {
	mu      sync.Mutex
	data    *state
	failErr error
}

var (
	_ license.Store = (*Store)(nil)
	_ license.Tx    = (*tx)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{data: newState()}
}

// FailWith makes every subsequent operation return err until cleared with nil.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// InTx runs fn against a staged copy and commits it when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx license.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}

	staged := s.data.clone()
	if err := fn(&tx{st: staged}); err != nil {
		return err
	}
	s.data = staged
	return nil
}

// Ping reports the injected failure, if any.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

// Seed inserts licenses directly, bypassing the purchase flow.
func (s *Store) Seed(licenses ...*license.License) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range licenses {
		s.data.licenses[l.ID] = l.Clone()
		s.data.keys[l.Key] = l.ID
	}
}

// SeedTrial inserts a trial directly.
func (s *Store) SeedTrial(t *license.Trial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.trials[t.SystemID] = t.Clone()
}

// License returns a copy of the stored license with id, or nil.
func (s *Store) License(id string) *license.License {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.licenses[id].Clone()
}

// Trial returns a copy of the stored trial for systemID, or nil.
func (s *Store) Trial(systemID string) *license.Trial {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.trials[systemID].Clone()
}

// UsageCount returns the number of recorded usage events.
func (s *Store) UsageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.usage)
}

// GetLicense looks a license up by key or id.
func (s *Store) GetLicense(ctx context.Context, ref license.LicenseRef) (*license.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	return s.data.lookup(ref).Clone(), nil
}

// ListLicensesByUser returns userID's licenses, newest first.
func (s *Store) ListLicensesByUser(ctx context.Context, userID string) ([]license.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]license.License, 0)
	for _, l := range s.data.licenses {
		if l.UserID == userID {
			out = append(out, *l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListUsageEvents returns events for licenseID since the given time, newest first.
func (s *Store) ListUsageEvents(ctx context.Context, licenseID string, since time.Time, limit int) ([]license.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]license.UsageEvent, 0)
	for i := len(s.data.usage) - 1; i >= 0; i-- {
		ev := s.data.usage[i]
		if ev.LicenseID != licenseID || ev.TrackedAt.Before(since) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListDevices returns devices activated against licenseID, oldest first.
func (s *Store) ListDevices(ctx context.Context, licenseID string) ([]license.ActivatedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]license.ActivatedDevice, 0)
	for _, d := range s.data.devices {
		if d.LicenseID == licenseID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivatedAt.Before(out[j].ActivatedAt) })
	return out, nil
}

// ListTransactionsByUser returns userID's transactions, newest first.
func (s *Store) ListTransactionsByUser(ctx context.Context, userID string) ([]license.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	out := make([]license.Transaction, 0)
	for _, t := range s.data.transactions {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *state) lookup(ref license.LicenseRef) *license.License {
	id := ref.ID
	if ref.Key != "" {
		id = s.keys[ref.Key]
	}
	return s.licenses[id]
}

func deviceKey(licenseID, deviceID string) string {
	return licenseID + "|" + deviceID
}

func txnKey(gateway, gatewayID string) string {
	return gateway + "|" + gatewayID
}

// tx operates on a staged state; the store mutex is held for its lifetime.
type tx struct {
	st *state
}

func (t *tx) LockLicense(ctx context.Context, ref license.LicenseRef) (*license.License, error) {
	return t.st.lookup(ref).Clone(), nil
}

func (t *tx) InsertLicense(ctx context.Context, l *license.License) error {
	if _, ok := t.st.licenses[l.ID]; ok {
		return license.ErrDuplicate
	}
	if _, ok := t.st.keys[l.Key]; ok {
		return license.ErrDuplicate
	}
	t.st.licenses[l.ID] = l.Clone()
	t.st.keys[l.Key] = l.ID
	return nil
}

func (t *tx) UpdateLicense(ctx context.Context, l *license.License) error {
	if _, ok := t.st.licenses[l.ID]; !ok {
		return errors.New("memstore: license not found")
	}
	t.st.licenses[l.ID] = l.Clone()
	return nil
}

func (t *tx) AppendUsageEvent(ctx context.Context, e *license.UsageEvent) error {
	t.st.usage = append(t.st.usage, *e)
	return nil
}

func (t *tx) FindDevice(ctx context.Context, licenseID, deviceID string) (*license.ActivatedDevice, error) {
	d, ok := t.st.devices[deviceKey(licenseID, deviceID)]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (t *tx) CountDevices(ctx context.Context, licenseID string) (int, error) {
	n := 0
	for _, d := range t.st.devices {
		if d.LicenseID == licenseID {
			n++
		}
	}
	return n, nil
}

func (t *tx) InsertDevice(ctx context.Context, d *license.ActivatedDevice) error {
	k := deviceKey(d.LicenseID, d.DeviceID)
	if _, ok := t.st.devices[k]; ok {
		return license.ErrDuplicate
	}
	cp := *d
	t.st.devices[k] = &cp
	return nil
}

func (t *tx) TouchDevice(ctx context.Context, licenseID, deviceID string, seenAt time.Time) error {
	if d, ok := t.st.devices[deviceKey(licenseID, deviceID)]; ok {
		d.LastSeenAt = seenAt
	}
	return nil
}

func (t *tx) InsertTransaction(ctx context.Context, txn *license.Transaction) (bool, error) {
	k := txnKey(txn.Gateway, txn.GatewayTransactionID)
	if _, ok := t.st.txnIndex[k]; ok {
		return false, nil
	}
	cp := *txn
	t.st.transactions[txn.ID] = &cp
	t.st.txnIndex[k] = txn.ID
	return true, nil
}

func (t *tx) FindTransaction(ctx context.Context, gateway, gatewayTransactionID string) (*license.Transaction, error) {
	id, ok := t.st.txnIndex[txnKey(gateway, gatewayTransactionID)]
	if !ok {
		return nil, nil
	}
	cp := *t.st.transactions[id]
	return &cp, nil
}

func (t *tx) LockTrial(ctx context.Context, systemID string) (*license.Trial, error) {
	return t.st.trials[systemID].Clone(), nil
}

func (t *tx) InsertTrial(ctx context.Context, trial *license.Trial) (bool, error) {
	if _, ok := t.st.trials[trial.SystemID]; ok {
		return false, nil
	}
	t.st.trials[trial.SystemID] = trial.Clone()
	return true, nil
}

func (t *tx) UpdateTrial(ctx context.Context, trial *license.Trial) error {
	if _, ok := t.st.trials[trial.SystemID]; !ok {
		return errors.New("memstore: trial not found")
	}
	t.st.trials[trial.SystemID] = trial.Clone()
	return nil
}
