// Package pilotsdk is a Go client for the checkout service's /pilot API.
package pilotsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/p-poon/pantry-pilot/pkg/agent"
	"github.com/p-poon/pantry-pilot/pkg/domain"
	"github.com/p-poon/pantry-pilot/pkg/verifier"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError is a non-2xx response from the service.
type APIError struct {
	Status    int
	RequestID string
	Code      string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

type MandateRequest struct {
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

type MandateResponse struct {
	RequestID string            `json:"request_id"`
	Mandate   domain.Mandate    `json:"mandate"`
	Summary   map[string]string `json:"summary"`
	Active    bool              `json:"active,omitempty"`
}

type CartLine struct {
	Name     string  `json:"name"`
	Merchant string  `json:"merchant"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Total    float64 `json:"total"`
}

type CartResponse struct {
	RequestID    string     `json:"request_id"`
	MandateID    string     `json:"mandate_id"`
	Items        []CartLine `json:"items"`
	CartTotal    float64    `json:"cart_total"`
	RemainingCap float64    `json:"remaining_cap"`
	WithinCap    bool       `json:"within_cap"`
}

type MealPlanResponse struct {
	RequestID string         `json:"request_id"`
	MealPlan  agent.MealPlan `json:"meal_plan"`
}

type CheckoutResponse struct {
	RequestID string                 `json:"request_id"`
	Payload   domain.CheckoutPayload `json:"payload"`
	CartTotal float64                `json:"cart_total"`
	Status    domain.CheckoutStatus  `json:"status"`
}

type VerifyResponse struct {
	RequestID    string            `json:"request_id"`
	Verification verifier.Result   `json:"verification"`
	Display      map[string]string `json:"display"`
}

type ConfirmResponse struct {
	RequestID    string                  `json:"request_id"`
	Verification verifier.Result         `json:"verification"`
	Status       domain.CheckoutStatus   `json:"status"`
	History      []domain.CheckoutStatus `json:"history"`
	RemainingCap string                  `json:"remaining_cap"`
}

func (c *Client) IssueMandate(ctx context.Context, in MandateRequest) (*MandateResponse, error) {
	return post[MandateResponse](ctx, c, "/pilot/mandates", in)
}

func (c *Client) CurrentMandate(ctx context.Context) (*MandateResponse, error) {
	return get[MandateResponse](ctx, c, "/pilot/mandates/current")
}

func (c *Client) MealPlan(ctx context.Context) (*MealPlanResponse, error) {
	return get[MealPlanResponse](ctx, c, "/pilot/meal-plan")
}

func (c *Client) Cart(ctx context.Context) (*CartResponse, error) {
	return get[CartResponse](ctx, c, "/pilot/cart")
}

func (c *Client) Checkout(ctx context.Context) (*CheckoutResponse, error) {
	return post[CheckoutResponse](ctx, c, "/pilot/checkout", nil)
}

func (c *Client) Verify(ctx context.Context, p domain.CheckoutPayload) (*VerifyResponse, error) {
	return post[VerifyResponse](ctx, c, "/pilot/verify", p)
}

func (c *Client) Confirm(ctx context.Context, p domain.CheckoutPayload) (*ConfirmResponse, error) {
	return post[ConfirmResponse](ctx, c, "/pilot/confirm", p)
}

func get[T any](ctx context.Context, c *Client, path string) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return doJSON[T](c, req)
}

func post[T any](ctx context.Context, c *Client, path string, in any) (*T, error) {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON[T](c, req)
}

func doJSON[T any](c *Client, req *http.Request) (*T, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody struct {
			RequestID string `json:"request_id"`
			Error     struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, &APIError{
			Status:    resp.StatusCode,
			RequestID: errBody.RequestID,
			Code:      errBody.Error.Code,
			Message:   errBody.Error.Message,
		}
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
