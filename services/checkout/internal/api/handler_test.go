package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/p-poon/pantry-pilot/pkg/agent"
	"github.com/p-poon/pantry-pilot/pkg/canonhash"
	"github.com/p-poon/pantry-pilot/pkg/domain"
	"github.com/p-poon/pantry-pilot/pkg/mandate"
	"github.com/p-poon/pantry-pilot/pkg/verifier"
)

// 2026-10-16 is a Friday, so no weekly reset interferes.
var fixedNow = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T, rl *RateLimiter) http.Handler {
	t.Helper()
	clock := func() time.Time { return fixedNow }
	log := zaptest.NewLogger(t)
	h := NewHandler(
		mandate.NewRegistry(mandate.WithClock(clock), mandate.WithLogger(log)),
		agent.NewSigner(agent.WithClock(clock), agent.WithLogger(log)),
		verifier.New(nil),
		log,
	)
	h.now = clock
	return NewRouter(h, rl)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "10.0.0.1:5555"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
	return out
}

type errorBody struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func demoRequest(amount float64) IssueMandateRequest {
	return IssueMandateRequest{
		Subject:             "did:user:ava-tan",
		MerchantsAllowed:    []string{"redmart.com", "fairprice.com.sg"},
		CategoriesAllowed:   []string{"Groceries", "Fresh Produce"},
		CategoriesBlocked:   []string{"Alcohol"},
		SpendAmount:         amount,
		DaysOfWeek:          []string{"FRI", "SAT", "SUN"},
		PaymentRailsAllowed: []string{"card"},
		PolicyNotes:         "No alcohol. Agent purchases only within family meal plan scope.",
	}
}

func issueDemo(t *testing.T, h http.Handler, amount float64) domain.Mandate {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/pilot/mandates", demoRequest(amount))
	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	return decode[struct {
		Mandate domain.Mandate `json:"mandate"`
	}](t, rr).Mandate
}

func checkout(t *testing.T, h http.Handler) domain.CheckoutPayload {
	t.Helper()
	rr := do(t, h, http.MethodPost, "/pilot/checkout", nil)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	out := decode[struct {
		Payload domain.CheckoutPayload `json:"payload"`
		Status  string                 `json:"status"`
	}](t, rr)
	if out.Status != "Signed" {
		t.Fatalf("expected Signed status, got %q", out.Status)
	}
	return out.Payload
}

func TestHealth(t *testing.T) {
	rr := do(t, newTestRouter(t, nil), http.MethodGet, "/health", nil)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestNoMandateYet(t *testing.T) {
	h := newTestRouter(t, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/pilot/mandates/current"},
		{http.MethodGet, "/pilot/cart"},
		{http.MethodPost, "/pilot/checkout"},
	} {
		rr := do(t, h, tc.method, tc.path, nil)
		if rr.Code != 404 {
			t.Fatalf("%s %s: expected 404, got %d", tc.method, tc.path, rr.Code)
		}
		if body := decode[errorBody](t, rr); body.Error.Code != "NO_MANDATE" || body.RequestID == "" {
			t.Fatalf("unexpected body: %s", rr.Body.String())
		}
	}
}

func TestIssueMandate(t *testing.T) {
	h := newTestRouter(t, nil)
	m := issueDemo(t, h, 180)

	if len(m.MerchantsAllowed) != 2 || m.MerchantsAllowed[0] != "*.redmart.com" || m.MerchantsAllowed[1] != "*.fairprice.com.sg" {
		t.Fatalf("expected wildcard merchants, got %v", m.MerchantsAllowed)
	}
	if m.SpendCap.Currency != "SGD" || m.SpendCap.Period != "WEEK" || m.SpendCap.Remaining != 180 {
		t.Fatalf("unexpected cap: %+v", m.SpendCap)
	}
	if m.AgentID != agent.DefaultAgentID {
		t.Fatalf("expected default agent id, got %q", m.AgentID)
	}
	if !m.ValidFrom.Equal(time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected valid_from %s", m.ValidFrom)
	}

	rr := do(t, h, http.MethodGet, "/pilot/mandates/current", nil)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	cur := decode[struct {
		Mandate domain.Mandate    `json:"mandate"`
		Summary map[string]string `json:"summary"`
		Active  bool              `json:"active"`
	}](t, rr)
	if cur.Mandate.MandateID != m.MandateID || cur.Mandate.Signature != m.Signature {
		t.Fatalf("current mandate mismatch")
	}
	if cur.Summary["Cap"] != "SGD 180.00/180.00 week" || !cur.Active {
		t.Fatalf("unexpected summary: %+v active=%v", cur.Summary, cur.Active)
	}
}

func TestIssueMandateValidation(t *testing.T) {
	h := newTestRouter(t, nil)

	noSubject := demoRequest(180)
	noSubject.Subject = " "
	zeroAmount := demoRequest(0)
	inverted := demoRequest(180)
	from := fixedNow.Add(48 * time.Hour)
	until := fixedNow
	inverted.ValidFrom, inverted.ValidUntil = &from, &until

	for name, body := range map[string]any{
		"no subject":    noSubject,
		"zero amount":   zeroAmount,
		"inverted":      inverted,
		"unknown field": `{"subject":"did:user:x","spend_amount":10,"cap":1}`,
		"bad json":      `{`,
	} {
		rr := do(t, h, http.MethodPost, "/pilot/mandates", body)
		if rr.Code != 400 {
			t.Fatalf("%s: expected 400, got %d body=%s", name, rr.Code, rr.Body.String())
		}
	}
}

func TestCartAndMealPlan(t *testing.T) {
	h := newTestRouter(t, nil)
	issueDemo(t, h, 180)

	rr := do(t, h, http.MethodGet, "/pilot/cart", nil)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	cart := decode[struct {
		Items []struct {
			Name  string  `json:"name"`
			Total float64 `json:"total"`
		} `json:"items"`
		CartTotal float64 `json:"cart_total"`
		WithinCap bool    `json:"within_cap"`
	}](t, rr)
	if len(cart.Items) != 6 || cart.CartTotal != 66.9 || !cart.WithinCap {
		t.Fatalf("unexpected cart: %s", rr.Body.String())
	}
	if cart.Items[0].Name != "Salmon Fillets" || cart.Items[0].Total != 19 {
		t.Fatalf("unexpected first line: %+v", cart.Items[0])
	}

	rr = do(t, h, http.MethodGet, "/pilot/meal-plan", nil)
	plan := decode[struct {
		MealPlan agent.MealPlan `json:"meal_plan"`
	}](t, rr)
	if len(plan.MealPlan.Meals) != 7 {
		t.Fatalf("expected 7 meals, got %d", len(plan.MealPlan.Meals))
	}
}

func TestCheckoutVerifyConfirmDebitsCap(t *testing.T) {
	h := newTestRouter(t, nil)
	m := issueDemo(t, h, 180)
	payload := checkout(t, h)
	if payload.MandateID != m.MandateID || payload.CartTotal != 66.9 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	rr := do(t, h, http.MethodPost, "/pilot/verify", payload)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	ver := decode[struct {
		Verification verifier.Result   `json:"verification"`
		Display      map[string]string `json:"display"`
	}](t, rr)
	if !ver.Verification.SignatureValid || ver.Verification.Decision != domain.CheckoutStatusApproved {
		t.Fatalf("expected valid approved verification, got %+v", ver.Verification)
	}
	if ver.Display["Cart Total"] != "SGD 66.90" || ver.Display["Remaining Cap"] != "SGD 180.00" {
		t.Fatalf("unexpected display: %+v", ver.Display)
	}

	type confirmBody struct {
		Status       string   `json:"status"`
		History      []string `json:"history"`
		RemainingCap string   `json:"remaining_cap"`
	}
	rr = do(t, h, http.MethodPost, "/pilot/confirm", payload)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	conf := decode[confirmBody](t, rr)
	if conf.Status != "Debited" || conf.RemainingCap != "SGD 113.10" {
		t.Fatalf("unexpected confirm: %+v", conf)
	}
	if len(conf.History) != 5 || conf.History[3] != "Approved" {
		t.Fatalf("unexpected history: %v", conf.History)
	}

	rr = do(t, h, http.MethodPost, "/pilot/confirm", payload)
	if conf = decode[confirmBody](t, rr); rr.Code != 200 || conf.RemainingCap != "SGD 46.20" {
		t.Fatalf("expected second debit to leave SGD 46.20, got %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/pilot/confirm", payload)
	if rr.Code != 409 || decode[errorBody](t, rr).Error.Code != "NEEDS_STEP_UP" {
		t.Fatalf("expected 409 NEEDS_STEP_UP, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestConfirmNeedsStepUp(t *testing.T) {
	h := newTestRouter(t, nil)
	issueDemo(t, h, 10)
	payload := checkout(t, h)

	rr := do(t, h, http.MethodPost, "/pilot/verify", payload)
	ver := decode[struct {
		Verification verifier.Result `json:"verification"`
	}](t, rr)
	if ver.Verification.Decision != domain.CheckoutStatusNeedsStepUp {
		t.Fatalf("expected NeedsStepUp, got %s", ver.Verification.Decision)
	}

	rr = do(t, h, http.MethodPost, "/pilot/confirm", payload)
	if rr.Code != 409 || decode[errorBody](t, rr).Error.Code != "NEEDS_STEP_UP" {
		t.Fatalf("expected 409 NEEDS_STEP_UP, got %d %s", rr.Code, rr.Body.String())
	}

	cur := decode[struct {
		Mandate domain.Mandate `json:"mandate"`
	}](t, do(t, h, http.MethodGet, "/pilot/mandates/current", nil))
	if cur.Mandate.SpendCap.Remaining != 10 {
		t.Fatalf("step-up must not debit, remaining=%v", cur.Mandate.SpendCap.Remaining)
	}
}

func TestTamperedPayload(t *testing.T) {
	h := newTestRouter(t, nil)
	issueDemo(t, h, 180)
	payload := checkout(t, h)
	payload.CartTotal = 1.00

	rr := do(t, h, http.MethodPost, "/pilot/verify", payload)
	ver := decode[struct {
		Display map[string]string `json:"display"`
	}](t, rr)
	if rr.Code != 200 || ver.Display["Signature Valid"] != "No" {
		t.Fatalf("expected tampering reported as data, got %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/pilot/confirm", payload)
	if rr.Code != 400 || decode[errorBody](t, rr).Error.Code != "SIGNATURE_INVALID" {
		t.Fatalf("expected 400 SIGNATURE_INVALID, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestConfirmRejectsPayloadForReplacedMandate(t *testing.T) {
	h := newTestRouter(t, nil)
	issueDemo(t, h, 180)
	payload := checkout(t, h)
	issueDemo(t, h, 181)

	rr := do(t, h, http.MethodPost, "/pilot/confirm", payload)
	if rr.Code != 409 || decode[errorBody](t, rr).Error.Code != "MANDATE_MISMATCH" {
		t.Fatalf("expected 409 MANDATE_MISMATCH, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestRouter(t, NewRateLimiter(0.001, 1, zaptest.NewLogger(t)))

	if rr := do(t, h, http.MethodGet, "/pilot/meal-plan", nil); rr.Code != 200 {
		t.Fatalf("expected first request to pass, got %d", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/pilot/meal-plan", nil)
	if rr.Code != http.StatusTooManyRequests || decode[errorBody](t, rr).Error.Code != "RATE_LIMITED" {
		t.Fatalf("expected 429 RATE_LIMITED, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/health", nil); rr.Code != 200 {
		t.Fatalf("health must bypass the limiter, got %d", rr.Code)
	}
}

func TestRateLimiterPrune(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.limiterFor("ip:a", fixedNow)
	rl.limiterFor("ip:b", fixedNow.Add(9*time.Minute))

	if n := rl.Prune(fixedNow.Add(10*time.Minute), 5*time.Minute); n != 1 {
		t.Fatalf("expected 1 pruned limiter, got %d", n)
	}
}

func resign(t *testing.T, p domain.CheckoutPayload) domain.CheckoutPayload {
	t.Helper()
	sig, _, err := canonhash.SumObject(p.SigningFields())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p.AgentSignature = sig
	return p
}

func TestConfirmRejectsResignedNonPositiveTotal(t *testing.T) {
	h := newTestRouter(t, nil)
	issueDemo(t, h, 180)
	payload := checkout(t, h)

	negative := payload
	negative.CartTotal = -1000
	negativeLine := payload
	negativeLine.Items = append([]domain.LineItem(nil), payload.Items...)
	negativeLine.Items[0].Total = -19
	negativeLine.CartTotal = 28.9
	mismatched := payload
	mismatched.CartTotal = 10

	for name, p := range map[string]domain.CheckoutPayload{
		"negative total": negative,
		"negative line":  negativeLine,
		"line sum":       mismatched,
	} {
		rr := do(t, h, http.MethodPost, "/pilot/confirm", resign(t, p))
		if rr.Code != 400 || decode[errorBody](t, rr).Error.Code != "INVALID_TOTAL" {
			t.Fatalf("%s: expected 400 INVALID_TOTAL, got %d %s", name, rr.Code, rr.Body.String())
		}
	}

	cur := decode[struct {
		Mandate domain.Mandate `json:"mandate"`
	}](t, do(t, h, http.MethodGet, "/pilot/mandates/current", nil))
	if cur.Mandate.SpendCap.Remaining != 180 || cur.Mandate.SpendCap.Remaining > cur.Mandate.SpendCap.Amount {
		t.Fatalf("cap must be untouched, got %+v", cur.Mandate.SpendCap)
	}
}
