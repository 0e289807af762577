package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/p-poon/pantry-pilot/pkg/agent"
	"github.com/p-poon/pantry-pilot/pkg/domain"
	"github.com/p-poon/pantry-pilot/pkg/httpx"
	"github.com/p-poon/pantry-pilot/pkg/mandate"
	"github.com/p-poon/pantry-pilot/pkg/merchant"
	"github.com/p-poon/pantry-pilot/pkg/verifier"
)

const defaultValidityWeeks = 8

type Handler struct {
	registry *mandate.Registry
	signer   *agent.Signer
	verifier *verifier.Verifier
	log      *zap.Logger
	now      func() time.Time
}

func NewHandler(reg *mandate.Registry, signer *agent.Signer, v *verifier.Verifier, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{registry: reg, signer: signer, verifier: v, log: log, now: time.Now}
}

// Routes mounts the pilot API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/mandates", h.IssueMandate)
	r.Get("/mandates/current", h.CurrentMandate)
	r.Get("/meal-plan", h.MealPlan)
	r.Get("/cart", h.Cart)
	r.Post("/checkout", h.Checkout)
	r.Post("/verify", h.Verify)
	r.Post("/confirm", h.Confirm)
}

type IssueMandateRequest struct {
	Subject             string     `json:"subject"`
	AgentID             string     `json:"agent_id,omitempty"`
	MerchantsAllowed    []string   `json:"merchants_allowed"`
	CategoriesAllowed   []string   `json:"categories_allowed"`
	CategoriesBlocked   []string   `json:"categories_blocked"`
	SpendAmount         float64    `json:"spend_amount"`
	Currency            string     `json:"currency,omitempty"`
	Period              string     `json:"period,omitempty"`
	ValidFrom           *time.Time `json:"valid_from,omitempty"`
	ValidUntil          *time.Time `json:"valid_until,omitempty"`
	ValidityWeeks       int        `json:"validity_weeks,omitempty"`
	DaysOfWeek          []string   `json:"days_of_week"`
	PaymentRailsAllowed []string   `json:"payment_rails_allowed"`
	PolicyNotes         string     `json:"policy_notes"`
}

func (h *Handler) specFrom(req IssueMandateRequest) (mandate.Spec, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return mandate.Spec{}, errors.New("subject is required")
	}
	if req.SpendAmount <= 0 {
		return mandate.Spec{}, errors.New("spend_amount must be > 0")
	}
	if req.ValidityWeeks < 0 {
		return mandate.Spec{}, errors.New("validity_weeks must be >= 0")
	}
	weeks := req.ValidityWeeks
	if weeks == 0 {
		weeks = defaultValidityWeeks
	}
	from, until := mandate.DefaultValidityWindow(h.now(), weeks)
	if req.ValidFrom != nil {
		from = *req.ValidFrom
	}
	if req.ValidUntil != nil {
		until = *req.ValidUntil
	}
	if from.After(until) {
		return mandate.Spec{}, errors.New("valid_from must be <= valid_until")
	}

	merchants := make([]string, 0, len(req.MerchantsAllowed))
	for _, m := range req.MerchantsAllowed {
		merchants = append(merchants, merchant.Wildcard(m))
	}
	return mandate.Spec{
		Subject:             req.Subject,
		AgentID:             firstNonEmpty(req.AgentID, h.signer.AgentID),
		MerchantsAllowed:    merchants,
		CategoriesAllowed:   req.CategoriesAllowed,
		CategoriesBlocked:   req.CategoriesBlocked,
		SpendAmount:         req.SpendAmount,
		Currency:            firstNonEmpty(strings.ToUpper(req.Currency), "SGD"),
		Period:              firstNonEmpty(strings.ToUpper(req.Period), domain.PeriodWeek),
		ValidFrom:           from,
		ValidUntil:          until,
		DaysOfWeek:          req.DaysOfWeek,
		PaymentRailsAllowed: req.PaymentRailsAllowed,
		PolicyNotes:         req.PolicyNotes,
	}, nil
}

func (h *Handler) IssueMandate(w http.ResponseWriter, r *http.Request) {
	var req IssueMandateRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	spec, err := h.specFrom(req)
	if err != nil {
		httpx.WriteError(w, r, 400, "BAD_REQUEST", err.Error(), nil)
		return
	}
	m, err := h.registry.Issue(spec)
	if err != nil {
		h.log.Error("issue mandate failed", zap.Error(errors.Wrap(err, "issue mandate")))
		httpx.WriteError(w, r, 500, "ISSUE_FAILED", err.Error(), nil)
		return
	}
	httpx.WriteJSON(w, 201, map[string]any{
		"request_id": httpx.RequestIDFrom(r),
		"mandate":    m,
		"summary":    m.Summary(),
	})
}

// current writes NO_MANDATE and returns false when nothing has been issued.
func (h *Handler) current(w http.ResponseWriter, r *http.Request) (domain.Mandate, bool) {
	m, ok := h.registry.Current()
	if !ok {
		httpx.WriteError(w, r, 404, "NO_MANDATE", mandate.ErrNoMandate.Error(), nil)
	}
	return m, ok
}

func (h *Handler) CurrentMandate(w http.ResponseWriter, r *http.Request) {
	m, ok := h.current(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.RequestIDFrom(r),
		"mandate":    m,
		"summary":    m.Summary(),
		"active":     m.ActiveAt(h.now()),
	})
}

func (h *Handler) MealPlan(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.RequestIDFrom(r),
		"meal_plan":  h.signer.MealPlan(),
	})
}

type cartLine struct {
	domain.CartItem
	Total float64 `json:"total"`
}

func (h *Handler) Cart(w http.ResponseWriter, r *http.Request) {
	m, ok := h.current(w, r)
	if !ok {
		return
	}
	cart := h.signer.BuildCart(m)
	lines := make([]cartLine, 0, len(cart))
	for _, item := range cart {
		lines = append(lines, cartLine{CartItem: item, Total: item.Total()})
	}
	total := agent.CartTotal(cart)
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":    httpx.RequestIDFrom(r),
		"mandate_id":    m.MandateID,
		"items":         lines,
		"cart_total":    total,
		"remaining_cap": m.SpendCap.Remaining,
		"within_cap":    total <= m.SpendCap.Remaining,
	})
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	m, ok := h.current(w, r)
	if !ok {
		return
	}
	attempt := newAttempt()
	payload, err := h.signer.BuildPayload(h.signer.BuildCart(m), m)
	if err != nil {
		h.log.Error("sign payload failed", zap.Error(errors.Wrap(err, "build payload")))
		httpx.WriteError(w, r, 500, "SIGN_FAILED", err.Error(), nil)
		return
	}
	attempt.advance(domain.CheckoutStatusSigned)
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id": httpx.RequestIDFrom(r),
		"payload":    payload,
		"cart_total": payload.CartTotal,
		"status":     attempt.status,
	})
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var payload domain.CheckoutPayload
	if err := httpx.ReadJSON(w, r, &payload); err != nil {
		httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	m, ok := h.current(w, r)
	if !ok {
		return
	}
	res := h.verifier.Verify(payload, m)
	h.log.Info("payload verified",
		zap.String("mandate_id", m.MandateID),
		zap.Bool("signature_valid", res.SignatureValid),
		zap.String("decision", res.Decision.String()),
	)
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":   httpx.RequestIDFrom(r),
		"verification": res,
		"display":      res.Display(),
	})
}

// Confirm verifies the payload again and, when it is genuine, consistent and
// approved, debits the cart total from the mandate's cap.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	var payload domain.CheckoutPayload
	if err := httpx.ReadJSON(w, r, &payload); err != nil {
		httpx.WriteError(w, r, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	m, ok := h.current(w, r)
	if !ok {
		return
	}

	attempt := newAttempt()
	attempt.advance(domain.CheckoutStatusSigned)
	res := h.verifier.Verify(payload, m)
	attempt.advance(domain.CheckoutStatusVerified)

	if !res.SignatureValid {
		httpx.WriteError(w, r, 400, "SIGNATURE_INVALID", "agent signature does not match payload", res)
		return
	}
	if !res.MandateBound {
		httpx.WriteError(w, r, 409, "MANDATE_MISMATCH", "payload is bound to a different mandate", res)
		return
	}
	if err := payload.ValidateTotals(); err != nil {
		httpx.WriteError(w, r, 400, "INVALID_TOTAL", err.Error(), res)
		return
	}
	attempt.advance(res.Decision)
	if !res.Approved() {
		httpx.WriteError(w, r, 409, "NEEDS_STEP_UP", "cart exceeds remaining cap; user step-up required", res)
		return
	}

	after, err := h.registry.RecordSpendFor(m.MandateID, m.Signature, payload.CartTotal)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrOverspend):
			httpx.WriteError(w, r, 422, "EXCEEDS_CAP", err.Error(), res)
		case errors.Is(err, domain.ErrInvalidAmount):
			httpx.WriteError(w, r, 400, "INVALID_TOTAL", err.Error(), res)
		case errors.Is(err, mandate.ErrMandateMismatch):
			httpx.WriteError(w, r, 409, "MANDATE_MISMATCH", err.Error(), res)
		case errors.Is(err, mandate.ErrNoMandate):
			httpx.WriteError(w, r, 404, "NO_MANDATE", err.Error(), nil)
		default:
			h.log.Error("record spend failed", zap.Error(errors.Wrap(err, "record spend")))
			httpx.WriteError(w, r, 500, "DEBIT_FAILED", err.Error(), nil)
		}
		return
	}
	attempt.advance(domain.CheckoutStatusDebited)

	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":    httpx.RequestIDFrom(r),
		"verification":  res,
		"status":        attempt.status,
		"history":       attempt.history,
		"remaining_cap": domain.FormatAmount(after.SpendCap.Currency, after.SpendCap.Remaining),
	})
}

type checkoutAttempt struct {
	status  domain.CheckoutStatus
	history []domain.CheckoutStatus
}

func newAttempt() *checkoutAttempt {
	return &checkoutAttempt{
		status:  domain.CheckoutStatusProposed,
		history: []domain.CheckoutStatus{domain.CheckoutStatusProposed},
	}
}

// advance moves the attempt forward; illegal moves are ignored.
func (a *checkoutAttempt) advance(next domain.CheckoutStatus) bool {
	if !a.status.CanTransition(next) {
		return false
	}
	a.status = next
	a.history = append(a.history, next)
	return true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
