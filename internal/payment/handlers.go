package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the Service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates the HTTP adapter for svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Routes registers every purchase endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/purchases/initiate", h.InitiatePurchase)
	r.Post("/purchases/confirm", h.ConfirmPurchase)
	r.Post("/purchases/relay", h.RelayTransaction)
	r.Get("/purchases/verify/{signature}", h.VerifyTransaction)
	r.Get("/purchases/history/{wallet}", h.PurchaseHistory)
	r.Get("/purchases/unlocked/{wallet}", h.UnlockedContent)
	r.Get("/creators/{wallet}/sales", h.CreatorSales)
}

// --- Request/Response types ---

type InitiateRequest struct {
	ListingID   string `json:"listing_id"`
	BuyerWallet string `json:"buyer_wallet"`
}

type ConfirmRequest struct {
	ListingID            string `json:"listing_id"`
	BuyerWallet          string `json:"buyer_wallet"`
	TransactionSignature string `json:"transaction_signature"`
}

type RelayRequest struct {
	SignedTransaction string `json:"signed_transaction"` // base64
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retriable bool   `json:"retriable"`
}

// --- Handlers ---

// InitiatePurchase handles POST /purchases/initiate.
func (h *Handler) InitiatePurchase(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrInvalidInput)
		return
	}

	params, err := h.svc.Initiate(r.Context(), req.ListingID, req.BuyerWallet)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

// ConfirmPurchase handles POST /purchases/confirm. Safe to repeat with the
// same body until it returns 200 or a non-retriable error.
func (h *Handler) ConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrInvalidInput)
		return
	}

	p, err := h.svc.Confirm(r.Context(), req.ListingID, req.BuyerWallet, req.TransactionSignature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// VerifyTransaction handles GET /purchases/verify/{signature}.
func (h *Handler) VerifyTransaction(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.TransactionStatus(r.Context(), chi.URLParam(r, "signature"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// RelayTransaction handles POST /purchases/relay.
func (h *Handler) RelayTransaction(w http.ResponseWriter, r *http.Request) {
	var req RelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ErrInvalidInput)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.SignedTransaction)
	if err != nil {
		writeError(w, fmt.Errorf("%w: signed_transaction must be base64", ErrInvalidInput))
		return
	}

	res, err := h.svc.RelayTransaction(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PurchaseHistory handles GET /purchases/history/{wallet}?offset=&limit=.
func (h *Handler) PurchaseHistory(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		return
	}

	purchases, err := h.svc.History(r.Context(), chi.URLParam(r, "wallet"), offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purchases)
}

// UnlockedContent handles GET /purchases/unlocked/{wallet}.
func (h *Handler) UnlockedContent(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Unlocked(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// CreatorSales handles GET /creators/{wallet}/sales.
func (h *Handler) CreatorSales(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.CreatorSales(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Helpers ---

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorKinds maps each service sentinel to its wire code and HTTP status.
var errorKinds = []struct {
	err       error
	code      string
	status    int
	retriable bool
}{
	{ErrInvalidInput, "invalid_input", http.StatusBadRequest, false},
	{ErrNotFound, "not_found", http.StatusNotFound, false},
	{ErrAlreadyOwned, "already_owned", http.StatusConflict, false},
	{ErrLedgerRejected, "ledger_rejected", http.StatusUnprocessableEntity, false},
	{ErrLedgerPending, "ledger_pending", http.StatusAccepted, true},
	{ErrTransport, "transport_failure", http.StatusServiceUnavailable, true},
	{ErrLedgerMalformed, "ledger_malformed", http.StatusBadGateway, false},
}

// errorCode returns the wire code for err, "ok" for nil.
func errorCode(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}

// writeError writes a JSON error response. Unclassified errors are logged
// and reported without detail.
func writeError(w http.ResponseWriter, err error) {
	for _, k := range errorKinds {
		if !errors.Is(err, k.err) {
			continue
		}
		if k.status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "2")
		}
		writeJSON(w, k.status, ErrorResponse{Error: err.Error(), Code: k.code, Retriable: k.retriable})
		return
	}

	slog.Error("request failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"})
}
