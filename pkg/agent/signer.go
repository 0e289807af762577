// Package agent is the shopping-agent side of a checkout: it builds a cart
// inside a mandate's merchant allowlist and signs the checkout payload.
package agent

import (
	"time"

	"github.com/p-poon/pantry-pilot/pkg/canonhash"
	"github.com/p-poon/pantry-pilot/pkg/domain"
	"github.com/p-poon/pantry-pilot/pkg/merchant"
	"go.uber.org/zap"
)

const DefaultAgentID = "did:agent:pantrypilot:123"

type Signer struct {
	AgentID string

	catalog []domain.CartItem
	now     func() time.Time
	digest  canonhash.TamperEvidenceDigest
	log     *zap.Logger
}

type Option func(*Signer)

func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Signer) { s.log = log }
}

func WithCatalog(items []domain.CartItem) Option {
	return func(s *Signer) { s.catalog = items }
}

func WithDigest(d canonhash.TamperEvidenceDigest) Option {
	return func(s *Signer) { s.digest = d }
}

func NewSigner(opts ...Option) *Signer {
	s := &Signer{
		AgentID: DefaultAgentID,
		catalog: DemoCatalog(),
		now:     time.Now,
		digest:  canonhash.SHA256{},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildCart filters the catalog down to the mandate's allowed merchants.
// Category, day, rail and validity constraints are not applied here.
func (s *Signer) BuildCart(m domain.Mandate) []domain.CartItem {
	cart := merchant.FilterCatalog(s.catalog, m.MerchantsAllowed)
	s.log.Debug("cart built",
		zap.String("mandate_id", m.MandateID),
		zap.Int("catalog_items", len(s.catalog)),
		zap.Int("cart_items", len(cart)),
	)
	return cart
}

// CartTotal sums the already-rounded line totals and rounds the sum again.
func CartTotal(cart []domain.CartItem) float64 {
	var sum float64
	for _, item := range cart {
		sum += item.Total()
	}
	return domain.Round2(sum)
}

// BuildPayload binds the cart to the mandate and attaches the agent signature,
// computed last over every other field.
func (s *Signer) BuildPayload(cart []domain.CartItem, m domain.Mandate) (domain.CheckoutPayload, error) {
	items := make([]domain.LineItem, 0, len(cart))
	for _, item := range cart {
		items = append(items, domain.LineItem{
			Name:     item.Name,
			Merchant: item.Merchant,
			Quantity: item.Quantity,
			Total:    item.Total(),
		})
	}
	p := domain.CheckoutPayload{
		AgentID:          s.AgentID,
		MandateID:        m.MandateID,
		MandateSignature: m.Signature,
		CartTotal:        CartTotal(cart),
		Items:            items,
		Timestamp:        s.now().UTC().Format(domain.NaiveMicroLayout),
	}
	sig, err := s.digest.Sum(p.SigningFields())
	if err != nil {
		return domain.CheckoutPayload{}, err
	}
	p.AgentSignature = sig
	s.log.Info("checkout payload signed",
		zap.String("mandate_id", p.MandateID),
		zap.Float64("cart_total", p.CartTotal),
		zap.Int("items", len(p.Items)),
	)
	return p, nil
}
