// Package verifier is the merchant side of a checkout. It describes an
// untrusted payload against a mandate; it never fails and never mutates.
package verifier

import (
	"crypto/subtle"
	"strings"

	"github.com/p-poon/pantry-pilot/pkg/canonhash"
	"github.com/p-poon/pantry-pilot/pkg/domain"
)

type Result struct {
	AgentID          string                `json:"agent_id"`
	MandateID        string                `json:"mandate_id"`
	MandateSignature string                `json:"mandate_signature"`
	AgentSignature   string                `json:"agent_signature"`
	SignatureValid   bool                  `json:"signature_valid"`
	MandateBound     bool                  `json:"mandate_bound"`
	CartTotal        string                `json:"cart_total"`
	RemainingCap     string                `json:"remaining_cap"`
	Decision         domain.CheckoutStatus `json:"decision"`
}

// Approved reports whether the merchant can proceed without step-up.
func (r Result) Approved() bool {
	return r.Decision == domain.CheckoutStatusApproved
}

// Display renders the flat label/value view shown to merchants.
func (r Result) Display() map[string]string {
	valid := "No"
	if r.SignatureValid {
		valid = "Yes"
	}
	return map[string]string{
		"Agent":           r.AgentID,
		"Mandate":         r.MandateID,
		"Signature":       r.MandateSignature,
		"Agent Signature": r.AgentSignature,
		"Signature Valid": valid,
		"Cart Total":      r.CartTotal,
		"Remaining Cap":   r.RemainingCap,
		"Decision":        r.Decision.String(),
	}
}

type Verifier struct {
	digest canonhash.TamperEvidenceDigest
}

func New(d canonhash.TamperEvidenceDigest) *Verifier {
	if d == nil {
		d = canonhash.SHA256{}
	}
	return &Verifier{digest: d}
}

// Verify uses the SHA-256 tamper-evidence digest.
func Verify(p domain.CheckoutPayload, m domain.Mandate) Result {
	return New(nil).Verify(p, m)
}

// Verify recomputes the agent signature over the payload and compares the
// cart total with the mandate's remaining cap. The decision depends only on
// the amounts; callers combine it with SignatureValid before debiting.
func (v *Verifier) Verify(p domain.CheckoutPayload, m domain.Mandate) Result {
	agentID := p.AgentID
	if strings.TrimSpace(agentID) == "" {
		agentID = "unknown"
	}
	remaining := m.SpendCap.Remaining
	decision := domain.CheckoutStatusNeedsStepUp
	if p.CartTotal <= remaining {
		decision = domain.CheckoutStatusApproved
	}
	return Result{
		AgentID:          agentID,
		MandateID:        m.MandateID,
		MandateSignature: p.MandateSignature,
		AgentSignature:   p.AgentSignature,
		SignatureValid:   v.signatureValid(p),
		MandateBound:     p.MandateID == m.MandateID && p.MandateSignature == m.Signature,
		CartTotal:        domain.FormatAmount(m.SpendCap.Currency, p.CartTotal),
		RemainingCap:     domain.FormatAmount(m.SpendCap.Currency, remaining),
		Decision:         decision,
	}
}

func (v *Verifier) signatureValid(p domain.CheckoutPayload) bool {
	provided := strings.TrimSpace(p.AgentSignature)
	if provided == "" {
		return false
	}
	expected, err := v.digest.Sum(p.SigningFields())
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
