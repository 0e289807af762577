package domain

import (
	"errors"
	"fmt"
	"math"

	"github.com/p-poon/pantry-pilot/pkg/canonhash"
)

var ErrInvalidTotal = errors.New("invalid cart total")

// CartItem is one catalog line the agent proposes to buy.
type CartItem struct {
	Name     string  `json:"name"`
	Merchant string  `json:"merchant"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Total is quantity times unit price, rounded once per line.
func (i CartItem) Total() float64 {
	return Round2(float64(i.Quantity) * i.Price)
}

type LineItem struct {
	Name     string  `json:"name"`
	Merchant string  `json:"merchant"`
	Quantity int     `json:"quantity"`
	Total    float64 `json:"total"`
}

const AgentSignatureField = "agent_signature"

// CheckoutPayload is the agent-signed checkout request bound to a mandate.
type CheckoutPayload struct {
	AgentID          string     `json:"agent_id"`
	MandateID        string     `json:"mandate_id"`
	MandateSignature string     `json:"mandate_signature"`
	CartTotal        float64    `json:"cart_total"`
	Items            []LineItem `json:"items"`
	Timestamp        string     `json:"timestamp"`
	AgentSignature   string     `json:"agent_signature"`
}

// Fields is the full wire form of the payload as a generic map.
func (p CheckoutPayload) Fields() map[string]any {
	items := make([]any, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, map[string]any{
			"name":     it.Name,
			"merchant": it.Merchant,
			"quantity": it.Quantity,
			"total":    it.Total,
		})
	}
	return map[string]any{
		"agent_id":          p.AgentID,
		"mandate_id":        p.MandateID,
		"mandate_signature": p.MandateSignature,
		"cart_total":        p.CartTotal,
		"items":             items,
		"timestamp":         p.Timestamp,
		AgentSignatureField: p.AgentSignature,
	}
}

// SigningFields is the digest input: every field except the agent signature.
func (p CheckoutPayload) SigningFields() map[string]any {
	return canonhash.Without(p.Fields(), AgentSignatureField)
}

// ValidateTotals checks that the cart total is a positive cent amount equal to
// the rounded sum of its line totals, and that no line is negative.
func (p CheckoutPayload) ValidateTotals() error {
	total := p.CartTotal
	if math.IsNaN(total) || math.IsInf(total, 0) || total <= 0 {
		return fmt.Errorf("%w: %v must be a positive amount", ErrInvalidTotal, total)
	}
	var sum float64
	for _, it := range p.Items {
		if it.Quantity <= 0 || it.Total < 0 || math.IsNaN(it.Total) || math.IsInf(it.Total, 0) {
			return fmt.Errorf("%w: line %q has quantity %d and total %v", ErrInvalidTotal, it.Name, it.Quantity, it.Total)
		}
		sum += Round2(it.Total)
	}
	if want := Round2(sum); total != want {
		return fmt.Errorf("%w: %.2f does not match line sum %.2f", ErrInvalidTotal, total, want)
	}
	return nil
}

// CheckoutStatus tracks a single checkout attempt.
type CheckoutStatus string

const (
	CheckoutStatusProposed    CheckoutStatus = "Proposed"
	CheckoutStatusSigned      CheckoutStatus = "Signed"
	CheckoutStatusVerified    CheckoutStatus = "Verified"
	CheckoutStatusApproved    CheckoutStatus = "Approved"
	CheckoutStatusNeedsStepUp CheckoutStatus = "NeedsStepUp"
	CheckoutStatusDebited     CheckoutStatus = "Debited"
)

var checkoutTransitions = map[CheckoutStatus][]CheckoutStatus{
	CheckoutStatusProposed: {CheckoutStatusSigned},
	CheckoutStatusSigned:   {CheckoutStatusVerified},
	CheckoutStatusVerified: {CheckoutStatusApproved, CheckoutStatusNeedsStepUp},
	CheckoutStatusApproved: {CheckoutStatusDebited},
}

func (s CheckoutStatus) CanTransition(next CheckoutStatus) bool {
	for _, allowed := range checkoutTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s CheckoutStatus) IsTerminal() bool {
	return s == CheckoutStatusNeedsStepUp || s == CheckoutStatusDebited
}

func (s CheckoutStatus) String() string {
	return string(s)
}
