package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crestline-ai/llmgateway/internal/auth"
	"github.com/crestline-ai/llmgateway/internal/gatewayerr"
	"github.com/crestline-ai/llmgateway/internal/ledger"
)

// BillingHandler exposes the billing ledger's read-side queries (§4.F
// supplemented statistics/history) and the fee-tiered credit checkout.
type BillingHandler struct {
	Ledger   *ledger.Ledger
	Fees     ledger.FeeTierConfig
	Payments ledger.PaymentIntentBuilder // nil in deployments with no processor configured
	Logger   *zap.Logger
}

func (h *BillingHandler) writeError(w http.ResponseWriter, err *gatewayerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gatewayerr.HTTPStatus(err.Kind))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    err.Kind,
			"message": err.Message,
			"hint":    err.Hint,
		},
	})
}

// ServeStats handles GET /v1/billing/stats: per-type transaction counts
// and net-amount sums for the authenticated user.
func (h *BillingHandler) ServeStats(w http.ResponseWriter, r *http.Request) {
	userCtx, err := auth.GetUserContext(r.Context())
	if err != nil {
		h.writeError(w, gatewayerr.Auth("missing authenticated user context"))
		return
	}
	stats, err := h.Ledger.TransactionStats(r.Context(), userCtx.UserID)
	if err != nil {
		h.writeError(w, gatewayerr.Database(err, "transaction stats"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"stats": stats})
}

// ServeHistory handles GET /v1/billing/transactions: paginated ledger
// history for the authenticated user.
func (h *BillingHandler) ServeHistory(w http.ResponseWriter, r *http.Request) {
	userCtx, err := auth.GetUserContext(r.Context())
	if err != nil {
		h.writeError(w, gatewayerr.Auth("missing authenticated user context"))
		return
	}
	limit := atoiDefault(r.URL.Query().Get("limit"), 50)
	offset := atoiDefault(r.URL.Query().Get("offset"), 0)
	txns, err := h.Ledger.ListTransactions(r.Context(), userCtx.UserID, limit, offset)
	if err != nil {
		h.writeError(w, gatewayerr.Database(err, "transaction history"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"transactions": txns})
}

type checkoutRequest struct {
	GrossAmount string `json:"gross_amount"`
	Currency    string `json:"currency"`
}

// ServeCheckout handles POST /v1/billing/checkout: creates a payment
// intent for the requested gross amount via the configured processor.
// The deposit itself is recorded by ConfirmCheckout once the processor
// reports the charge settled (§6 Credit checkout mode).
func (h *BillingHandler) ServeCheckout(w http.ResponseWriter, r *http.Request) {
	userCtx, err := auth.GetUserContext(r.Context())
	if err != nil {
		h.writeError(w, gatewayerr.Auth("missing authenticated user context"))
		return
	}
	if h.Payments == nil {
		h.writeError(w, gatewayerr.Config("no payment processor configured for this deployment"))
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, gatewayerr.Validation("malformed request body: %v", err))
		return
	}
	gross, err := decimal.NewFromString(req.GrossAmount)
	if err != nil || !gross.IsPositive() {
		h.writeError(w, gatewayerr.Validation("gross_amount must be a positive decimal string"))
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}

	intent, err := h.Payments.CreateIntent(r.Context(), userCtx.UserID, gross, currency)
	if err != nil {
		h.writeError(w, gatewayerr.External(err, "payment processor"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"intent_id":     intent.ID,
		"client_secret": intent.ClientSecret,
		"status":        intent.Status,
		"net_credit":    h.Fees.Net(gross).String(),
		"fee":           h.Fees.Fee(gross).String(),
	})
}

// ConfirmCheckout records a settled charge as a deposit. Called from
// whatever processor-webhook handler the deployment wires up; kept
// separate from ServeCheckout since confirmation is processor-driven, not
// request-driven.
func (h *BillingHandler) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	userCtx, err := auth.GetUserContext(r.Context())
	if err != nil {
		h.writeError(w, gatewayerr.Auth("missing authenticated user context"))
		return
	}
	var req struct {
		ChargeID    string `json:"charge_id"`
		GrossAmount string `json:"gross_amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, gatewayerr.Validation("malformed request body: %v", err))
		return
	}
	gross, err := decimal.NewFromString(req.GrossAmount)
	if err != nil || !gross.IsPositive() {
		h.writeError(w, gatewayerr.Validation("gross_amount must be a positive decimal string"))
		return
	}
	txn, err := h.Ledger.Deposit(r.Context(), userCtx.UserID, req.ChargeID, gross, h.Fees)
	if err != nil {
		h.writeError(w, gatewayerr.Database(err, "record deposit"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"transaction": txn})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}
