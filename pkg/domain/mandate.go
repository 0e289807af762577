package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// PeriodWeek is the only reset cadence currently defined for a cap.
const PeriodWeek = "WEEK"

// ResetWeekday is the day a weekly cap is restored to its full amount.
const ResetWeekday = time.Monday

var (
	ErrOverspend     = errors.New("amount exceeds remaining cap")
	ErrInvalidAmount = errors.New("amount must be a finite non-negative value")
)

// MandateCap is the spend ledger owned by a mandate. Remaining stays within
// [0, Amount]; it only moves through Debit and the weekly reset.
type MandateCap struct {
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Period    string    `json:"period"`
	Remaining float64   `json:"remaining"`
	LastReset time.Time `json:"last_reset"`
}

func NewMandateCap(amount float64, currency, period string, today time.Time) MandateCap {
	return MandateCap{
		Amount:    amount,
		Currency:  currency,
		Period:    period,
		Remaining: amount,
		LastReset: DateOf(today),
	}
}

// Debit removes value, rounded to cents, from the remaining balance. It never
// debits partially.
func (c *MandateCap) Debit(value float64) error {
	if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, value)
	}
	cents := Round2(value)
	if cents > c.Remaining {
		return fmt.Errorf("%w: %s requested, %s remaining", ErrOverspend,
			FormatAmount(c.Currency, cents), FormatAmount(c.Currency, c.Remaining))
	}
	c.Remaining = Round2(c.Remaining - cents)
	return nil
}

// MaybeReset restores a weekly cap on ResetWeekday.
func (c *MandateCap) MaybeReset(today time.Time) bool {
	return c.MaybeResetOn(today, ResetWeekday)
}

// MaybeResetOn restores a weekly cap when today falls on resetDay and the cap
// has not already been reset today. It reports whether a reset happened.
func (c *MandateCap) MaybeResetOn(today time.Time, resetDay time.Weekday) bool {
	if !strings.EqualFold(c.Period, PeriodWeek) {
		return false
	}
	if today.Weekday() != resetDay || SameDate(c.LastReset, today) {
		return false
	}
	c.Remaining = c.Amount
	c.LastReset = DateOf(today)
	return true
}

func (c MandateCap) String() string {
	return fmt.Sprintf("%s %.2f/%.2f %s", c.Currency, c.Remaining, c.Amount, strings.ToLower(c.Period))
}

// Mandate is a time- and spend-bounded authorization a subject grants an
// agent. Signature is the canonical digest of Payload taken at issuance and is
// never recomputed.
type Mandate struct {
	MandateID           string         `json:"mandate_id"`
	Subject             string         `json:"subject"`
	AgentID             string         `json:"agent_id"`
	MerchantsAllowed    []string       `json:"merchants_allowed"`
	CategoriesAllowed   []string       `json:"categories_allowed"`
	CategoriesBlocked   []string       `json:"categories_blocked"`
	SpendCap            MandateCap     `json:"spend_cap"`
	ValidFrom           time.Time      `json:"valid_from"`
	ValidUntil          time.Time      `json:"valid_until"`
	DaysOfWeek          []string       `json:"days_of_week"`
	PaymentRailsAllowed []string       `json:"payment_rails_allowed"`
	PolicyNotes         string         `json:"policy_notes"`
	Signature           string         `json:"signature"`
	Payload             map[string]any `json:"payload"`
}

// ActiveAt reports whether t lies inside the validity window, both ends
// included. Cart building does not consult it.
func (m Mandate) ActiveAt(t time.Time) bool {
	return !t.Before(m.ValidFrom) && !t.After(m.ValidUntil)
}

// Clone returns a copy that shares no slices or maps with m.
func (m Mandate) Clone() Mandate {
	out := m
	out.MerchantsAllowed = cloneStrings(m.MerchantsAllowed)
	out.CategoriesAllowed = cloneStrings(m.CategoriesAllowed)
	out.CategoriesBlocked = cloneStrings(m.CategoriesBlocked)
	out.DaysOfWeek = cloneStrings(m.DaysOfWeek)
	out.PaymentRailsAllowed = cloneStrings(m.PaymentRailsAllowed)
	if m.Payload != nil {
		out.Payload = cloneValue(m.Payload).(map[string]any)
	}
	return out
}

// Summary is the display view of a mandate.
func (m Mandate) Summary() map[string]string {
	scope := strings.Join(m.CategoriesAllowed, ", ")
	if scope == "" {
		scope = "All"
	}
	return map[string]string{
		"Mandate ID":  m.MandateID,
		"Subject":     m.Subject,
		"Agent":       m.AgentID,
		"Scope":       scope,
		"Cap":         m.SpendCap.String(),
		"Validity":    m.ValidFrom.Format(DateLayout) + " → " + m.ValidUntil.Format(DateLayout),
		"Active Days": strings.Join(m.DaysOfWeek, ", "),
		"Rails":       strings.Join(m.PaymentRailsAllowed, ", "),
		"Policy":      m.PolicyNotes,
		"Signature":   m.Signature,
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	case []string:
		return cloneStrings(t)
	default:
		return v
	}
}
