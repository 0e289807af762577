package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/p-poon/pantry-pilot/pkg/agent"
	"github.com/p-poon/pantry-pilot/pkg/domain"
	"github.com/p-poon/pantry-pilot/pkg/logger"
	"github.com/p-poon/pantry-pilot/pkg/mandate"
	"github.com/p-poon/pantry-pilot/pkg/merchant"
	"github.com/p-poon/pantry-pilot/pkg/pilotsdk"
	"github.com/p-poon/pantry-pilot/pkg/verifier"
)

const usage = "usage: pilotctl demo [--spend 180] [--merchant <domain>]... [--out-payload <path>] [--out-mandate <path>] | pilotctl verify --payload <path> --mandate <path> | pilotctl remote --server <url> [--spend 180] [--merchant <domain>]..."

const defaultSubject = "did:user:ava-tan"

type repeatStringFlag []string

func (r *repeatStringFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatStringFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	*r = append(*r, v)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		failSummary("", "", usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "demo":
		os.Exit(runDemo(os.Args[2:]))
	case "verify":
		os.Exit(runVerify(os.Args[2:]))
	case "remote":
		os.Exit(runRemote(os.Args[2:]))
	default:
		failSummary("", "", "unknown command")
		os.Exit(2)
	}
}

func runDemo(args []string) int {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	subject := fs.String("subject", defaultSubject, "mandate subject")
	spend := fs.Float64("spend", 180, "weekly spend cap")
	currency := fs.String("currency", "SGD", "cap currency")
	level := fs.String("log-level", "warn", "log level")
	outPayload := fs.String("out-payload", "", "write the signed payload json here")
	outMandate := fs.String("out-mandate", "", "write the issued mandate json here")
	var merchants repeatStringFlag
	fs.Var(&merchants, "merchant", "allowed merchant domain (repeatable)")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		return 2
	}
	if len(merchants) == 0 {
		merchants = repeatStringFlag{"redmart.com", "fairprice.com.sg"}
	}

	log := logger.Must(logger.Config{Level: *level})
	defer func() { _ = log.Sync() }()

	now := time.Now()
	from, until := mandate.DefaultValidityWindow(now, 8)
	allowed := make([]string, 0, len(merchants))
	for _, m := range merchants {
		allowed = append(allowed, merchant.Wildcard(m))
	}

	reg := mandate.NewRegistry(mandate.WithLogger(log))
	signer := agent.NewSigner(agent.WithLogger(log))
	m, err := reg.Issue(mandate.Spec{
		Subject:             *subject,
		AgentID:             signer.AgentID,
		MerchantsAllowed:    allowed,
		CategoriesAllowed:   []string{"groceries", "household"},
		CategoriesBlocked:   []string{"alcohol"},
		SpendAmount:         *spend,
		Currency:            strings.ToUpper(*currency),
		Period:              domain.PeriodWeek,
		ValidFrom:           from,
		ValidUntil:          until,
		DaysOfWeek:          []string{"MON", "TUE", "WED", "THU", "FRI", "SAT", "SUN"},
		PaymentRailsAllowed: []string{"card", "paynow"},
		PolicyNotes:         "Weekly groceries only.",
	})
	if err != nil {
		failSummary("", "", "issue mandate failed: "+err.Error())
		return 1
	}

	payload, err := signer.BuildPayload(signer.BuildCart(m), m)
	if err != nil {
		failSummary(m.MandateID, "", "sign payload failed: "+err.Error())
		return 1
	}
	if err := writeJSONFile(*outMandate, m); err != nil {
		failSummary(m.MandateID, "", err.Error())
		return 1
	}
	if err := writeJSONFile(*outPayload, payload); err != nil {
		failSummary(m.MandateID, "", err.Error())
		return 1
	}

	res := verifier.Verify(payload, m)
	if !res.SignatureValid {
		failSummary(m.MandateID, string(res.Decision), "agent signature does not match payload")
		return 1
	}
	if !res.Approved() {
		log.Warn("step-up required", zap.String("cart_total", res.CartTotal), zap.String("remaining_cap", res.RemainingCap))
		failSummary(m.MandateID, string(res.Decision), "cart exceeds remaining cap; user step-up required")
		return 1
	}
	after, err := reg.RecordSpendFor(m.MandateID, m.Signature, payload.CartTotal)
	if err != nil {
		failSummary(m.MandateID, string(res.Decision), "debit failed: "+err.Error())
		return 1
	}
	passSummary(m.MandateID, string(domain.CheckoutStatusDebited), res.CartTotal, after.SpendCap.String())
	return 0
}

func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	payloadPath := fs.String("payload", "", "path to checkout payload json")
	mandatePath := fs.String("mandate", "", "path to mandate json")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		return 2
	}
	if strings.TrimSpace(*payloadPath) == "" || strings.TrimSpace(*mandatePath) == "" {
		failSummary("", "", "both --payload and --mandate are required")
		return 2
	}

	var payload domain.CheckoutPayload
	if err := readJSONFile(*payloadPath, &payload); err != nil {
		failSummary("", "", "read payload failed: "+err.Error())
		return 1
	}
	var m domain.Mandate
	if err := readJSONFile(*mandatePath, &m); err != nil {
		failSummary("", "", "read mandate failed: "+err.Error())
		return 1
	}

	res := verifier.Verify(payload, m)
	switch {
	case !res.SignatureValid:
		failSummary(res.MandateID, string(res.Decision), "agent signature does not match payload")
		return 1
	case !res.MandateBound:
		failSummary(res.MandateID, string(res.Decision), "payload is bound to a different mandate")
		return 1
	case !res.Approved():
		failSummary(res.MandateID, string(res.Decision), "cart exceeds remaining cap; user step-up required")
		return 1
	}
	if err := payload.ValidateTotals(); err != nil {
		failSummary(res.MandateID, string(res.Decision), err.Error())
		return 1
	}
	passSummary(res.MandateID, string(res.Decision), res.CartTotal, res.RemainingCap)
	return 0
}

func runRemote(args []string) int {
	fs := flag.NewFlagSet("remote", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	server := fs.String("server", "http://localhost:8084", "checkout service base url")
	subject := fs.String("subject", defaultSubject, "mandate subject")
	spend := fs.Float64("spend", 180, "weekly spend cap")
	timeout := fs.Duration("timeout", 30*time.Second, "overall timeout")
	var merchants repeatStringFlag
	fs.Var(&merchants, "merchant", "allowed merchant domain (repeatable)")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		return 2
	}
	if len(merchants) == 0 {
		merchants = repeatStringFlag{"redmart.com", "fairprice.com.sg"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := pilotsdk.New(*server)

	issued, err := c.IssueMandate(ctx, pilotsdk.MandateRequest{
		Subject:          *subject,
		MerchantsAllowed: merchants,
		SpendAmount:      *spend,
	})
	if err != nil {
		failSummary("", "", "issue mandate failed: "+err.Error())
		return 1
	}
	mandateID := issued.Mandate.MandateID

	co, err := c.Checkout(ctx)
	if err != nil {
		failSummary(mandateID, "", "checkout failed: "+err.Error())
		return 1
	}
	confirmed, err := c.Confirm(ctx, co.Payload)
	if err != nil {
		var apiErr *pilotsdk.APIError
		if errors.As(err, &apiErr) && apiErr.Code == "NEEDS_STEP_UP" {
			failSummary(mandateID, string(domain.CheckoutStatusNeedsStepUp), apiErr.Message)
			return 1
		}
		failSummary(mandateID, "", "confirm failed: "+err.Error())
		return 1
	}
	passSummary(mandateID, string(confirmed.Status), confirmed.Verification.CartTotal, confirmed.RemainingCap)
	return 0
}

func readJSONFile(path string, dst any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func writeJSONFile(path string, v any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s failed: %w", path, err)
	}
	return nil
}

func passSummary(mandateID, decision, cartTotal, remaining string) {
	fmt.Printf("{\"status\":\"PASS\",\"mandate_id\":%s,\"decision\":%s,\"cart_total\":%s,\"remaining_cap\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(mandateID),
		jsonQuote(decision),
		jsonQuote(cartTotal),
		jsonQuote(remaining),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func failSummary(mandateID, decision, reason string) {
	fmt.Printf("{\"status\":\"FAIL\",\"mandate_id\":%s,\"decision\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(mandateID),
		jsonQuote(decision),
		jsonQuote(reason),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func jsonQuote(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
