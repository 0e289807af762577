// Package mandate issues spend mandates and holds the single current mandate
// of a session.
package mandate

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/p-poon/pantry-pilot/pkg/canonhash"
	"github.com/p-poon/pantry-pilot/pkg/domain"
	"go.uber.org/zap"
)

var (
	ErrNoMandate       = errors.New("no mandate issued")
	ErrMandateMismatch = errors.New("spend is bound to a different mandate")
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Spec is everything a subject states when granting a mandate.
type Spec struct {
	Subject             string    `json:"subject"`
	AgentID             string    `json:"agent_id"`
	MerchantsAllowed    []string  `json:"merchants_allowed"`
	CategoriesAllowed   []string  `json:"categories_allowed"`
	CategoriesBlocked   []string  `json:"categories_blocked"`
	SpendAmount         float64   `json:"spend_amount"`
	Currency            string    `json:"currency"`
	Period              string    `json:"period"`
	ValidFrom           time.Time `json:"valid_from"`
	ValidUntil          time.Time `json:"valid_until"`
	DaysOfWeek          []string  `json:"days_of_week"`
	PaymentRailsAllowed []string  `json:"payment_rails_allowed"`
	PolicyNotes         string    `json:"policy_notes"`
}

// Registry owns the current mandate. All methods are safe for concurrent use;
// each one runs as a single critical section over the mandate and its cap.
type Registry struct {
	mu       sync.Mutex
	current  *domain.Mandate
	now      func() time.Time
	resetDay time.Weekday
	digest   canonhash.TamperEvidenceDigest
	log      *zap.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func WithResetWeekday(day time.Weekday) Option {
	return func(r *Registry) { r.resetDay = day }
}

func WithDigest(d canonhash.TamperEvidenceDigest) Option {
	return func(r *Registry) { r.digest = d }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		now:      time.Now,
		resetDay: domain.ResetWeekday,
		digest:   canonhash.SHA256{},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Issue signs a new mandate and makes it current, replacing any previous one.
func (r *Registry) Issue(spec Spec) (domain.Mandate, error) {
	id, err := newMandateID()
	if err != nil {
		return domain.Mandate{}, err
	}
	payload := IssuancePayload(spec)
	signature, err := r.digest.Sum(payload)
	if err != nil {
		return domain.Mandate{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m := &domain.Mandate{
		MandateID:           id,
		Subject:             spec.Subject,
		AgentID:             spec.AgentID,
		MerchantsAllowed:    orEmpty(spec.MerchantsAllowed),
		CategoriesAllowed:   orEmpty(spec.CategoriesAllowed),
		CategoriesBlocked:   orEmpty(spec.CategoriesBlocked),
		SpendCap:            domain.NewMandateCap(spec.SpendAmount, spec.Currency, spec.Period, r.now()),
		ValidFrom:           spec.ValidFrom,
		ValidUntil:          spec.ValidUntil,
		DaysOfWeek:          orEmpty(spec.DaysOfWeek),
		PaymentRailsAllowed: orEmpty(spec.PaymentRailsAllowed),
		PolicyNotes:         spec.PolicyNotes,
		Signature:           signature,
		Payload:             payload,
	}
	if r.current != nil {
		r.log.Info("replacing current mandate", zap.String("previous_mandate_id", r.current.MandateID))
	}
	r.current = m
	r.log.Info("mandate issued",
		zap.String("mandate_id", m.MandateID),
		zap.String("subject", m.Subject),
		zap.String("agent_id", m.AgentID),
		zap.String("cap", m.SpendCap.String()),
	)
	return m.Clone(), nil
}

// Current applies the lazy weekly reset and returns a snapshot of the current
// mandate. The stored cap can look stale until this is called.
func (r *Registry) Current() (domain.Mandate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return domain.Mandate{}, false
	}
	if r.current.SpendCap.MaybeResetOn(r.now(), r.resetDay) {
		r.log.Info("mandate cap reset",
			zap.String("mandate_id", r.current.MandateID),
			zap.String("cap", r.current.SpendCap.String()),
		)
	}
	return r.current.Clone(), true
}

// RecordSpend debits the current mandate's cap.
func (r *Registry) RecordSpend(value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ErrNoMandate
	}
	return r.debitLocked(value)
}

// RecordSpendFor debits the cap only if the current mandate is still the one
// identified by mandateID and signature. The check and the debit happen under
// one lock, so a mandate issued concurrently is never charged.
func (r *Registry) RecordSpendFor(mandateID, signature string, value float64) (domain.Mandate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return domain.Mandate{}, ErrNoMandate
	}
	if r.current.MandateID != mandateID || r.current.Signature != signature {
		r.log.Warn("spend rejected: mandate replaced",
			zap.String("mandate_id", r.current.MandateID),
			zap.String("requested_mandate_id", mandateID),
		)
		return domain.Mandate{}, fmt.Errorf("%w: current is %s, payload names %s", ErrMandateMismatch, r.current.MandateID, mandateID)
	}
	if err := r.debitLocked(value); err != nil {
		return domain.Mandate{}, err
	}
	return r.current.Clone(), nil
}

func (r *Registry) debitLocked(value float64) error {
	if err := r.current.SpendCap.Debit(value); err != nil {
		r.log.Warn("spend rejected",
			zap.String("mandate_id", r.current.MandateID),
			zap.Float64("value", value),
			zap.Error(err),
		)
		return err
	}
	r.log.Info("spend recorded",
		zap.String("mandate_id", r.current.MandateID),
		zap.Float64("value", value),
		zap.String("cap", r.current.SpendCap.String()),
	)
	return nil
}

// IssuancePayload is the map a mandate signature is computed over. Lists keep
// the caller's order and timestamps are rendered without an offset.
func IssuancePayload(spec Spec) map[string]any {
	return map[string]any{
		"subject":            spec.Subject,
		"agent_id":           spec.AgentID,
		"merchants_allowed":  orEmpty(spec.MerchantsAllowed),
		"categories_allowed": orEmpty(spec.CategoriesAllowed),
		"categories_blocked": orEmpty(spec.CategoriesBlocked),
		"spend_cap": map[string]any{
			"amount":   spec.SpendAmount,
			"currency": spec.Currency,
			"period":   spec.Period,
		},
		"valid_from":            spec.ValidFrom.Format(domain.NaiveLayout),
		"valid_until":           spec.ValidUntil.Format(domain.NaiveLayout),
		"days_of_week":          orEmpty(spec.DaysOfWeek),
		"payment_rails_allowed": orEmpty(spec.PaymentRailsAllowed),
		"policy":                spec.PolicyNotes,
	}
}

// DefaultValidityWindow starts at midnight of now's date and ends one second
// before the same midnight the given number of weeks later.
func DefaultValidityWindow(now time.Time, weeks int) (time.Time, time.Time) {
	from := domain.DateOf(now)
	until := from.AddDate(0, 0, 7*weeks).Add(-time.Second)
	return from, until
}

func newMandateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = idAlphabet[int(b[i])%len(idAlphabet)]
	}
	return "M-" + string(b), nil
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return append([]string(nil), in...)
}
