package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/walletops/internal/domain"
	"github.com/punchamoorthee/walletops/internal/store"
	"go.uber.org/zap"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const defaultListLimit = 50

// Transfers is the engine surface the HTTP layer drives.
type Transfers interface {
	Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error)
	Withdraw(ctx context.Context, senderID int64, amount domain.Amount, key, note string) (*domain.TransferResult, error)
	Reverse(ctx context.Context, transactionID int64, note string) (*domain.TransferResult, error)
}

type Handler struct {
	ledger         store.Ledger
	transfers      Transfers
	defaultBalance domain.Amount
	logger         *zap.Logger
}

func NewHandler(ledger store.Ledger, transfers Transfers, defaultBalance domain.Amount, logger *zap.Logger) *Handler {
	return &Handler{
		ledger:         ledger,
		transfers:      transfers,
		defaultBalance: defaultBalance,
		logger:         logger,
	}
}

// Register mounts the versioned API on r.
func (h *Handler) Register(r *mux.Router) {
	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	apiV1.HandleFunc("/accounts/{id:[0-9]+}", h.GetAccount).Methods("GET")
	apiV1.HandleFunc("/accounts/{id:[0-9]+}/entries", h.ListEntries).Methods("GET")
	apiV1.HandleFunc("/accounts/{id:[0-9]+}/transactions", h.ListTransactions).Methods("GET")
	apiV1.HandleFunc("/transfers", h.CreateTransfer).Methods("POST")
	apiV1.HandleFunc("/transfers/{id:[0-9]+}", h.GetTransfer).Methods("GET")
	apiV1.HandleFunc("/transfers/{id:[0-9]+}/reversal", h.ReverseTransfer).Methods("POST")
	apiV1.HandleFunc("/withdrawals", h.CreateWithdrawal).Methods("POST")
	apiV1.HandleFunc("/admin/incidents", h.ListIncidents).Methods("GET")
}

type transferBody struct {
	SenderID      int64  `json:"sender_id"`
	ReceiverID    *int64 `json:"receiver_id,omitempty"`
	ReceiverEmail string `json:"receiver_email,omitempty"`
	Amount        *int64 `json:"amount,omitempty"`
	AmountMajor   string `json:"amount_major,omitempty"`
	Note          string `json:"note,omitempty"`
}

func (b transferBody) amount() (domain.Amount, error) {
	if b.Amount != nil {
		return domain.Amount(*b.Amount), nil
	}
	if b.AmountMajor == "" {
		return 0, domain.ErrInvalidAmount
	}
	amount, err := domain.ParseAmount(b.AmountMajor)
	if err != nil && !errors.Is(err, domain.ErrAmountPrecision) {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidAmount, err)
	}
	return amount, err
}

type transferResponse struct {
	TransactionID             int64                    `json:"transaction_id,omitempty"`
	Status                    domain.TransactionStatus `json:"status"`
	SenderBalanceAfter        *domain.Amount           `json:"sender_balance_after,omitempty"`
	SenderBalanceAfterDisplay string                   `json:"sender_balance_after_display,omitempty"`
	Replayed                  bool                     `json:"replayed"`
}

func newTransferResponse(res *domain.TransferResult) transferResponse {
	out := transferResponse{
		TransactionID:      res.TransactionID,
		Status:             res.Status,
		SenderBalanceAfter: res.SenderBalanceAfter,
		Replayed:           res.Replayed,
	}
	if res.SenderBalanceAfter != nil {
		out.SenderBalanceAfterDisplay = res.SenderBalanceAfter.String()
	}
	return out
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	h.createTransfer(w, r, "/transfers", false)
}

func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.createTransfer(w, r, "/withdrawals", true)
}

func (h *Handler) createTransfer(w http.ResponseWriter, r *http.Request, endpoint string, withdrawal bool) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey == "" {
		h.respondError(w, http.StatusBadRequest, "Missing Idempotency-Key", "POST", endpoint)
		return
	}

	var body transferBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}
	amount, err := body.amount()
	if err != nil {
		h.respondDomainError(w, err, nil, "POST", endpoint)
		return
	}

	var res *domain.TransferResult
	if withdrawal {
		res, err = h.transfers.Withdraw(r.Context(), body.SenderID, amount, idemKey, body.Note)
	} else {
		if body.ReceiverID == nil && strings.TrimSpace(body.ReceiverEmail) == "" {
			h.respondError(w, http.StatusUnprocessableEntity, "receiver_id or receiver_email is required", "POST", endpoint)
			return
		}
		res, err = h.transfers.Transfer(r.Context(), domain.TransferRequest{
			SenderID:       body.SenderID,
			ReceiverID:     body.ReceiverID,
			ReceiverEmail:  body.ReceiverEmail,
			Amount:         amount,
			IdempotencyKey: idemKey,
			Note:           body.Note,
		})
	}
	h.respondTransfer(w, res, err, "POST", endpoint)
}

func (h *Handler) ReverseTransfer(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transfers/{id}/reversal"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "POST", endpoint)
	if !ok {
		return
	}

	var body struct {
		Note string `json:"note"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
			return
		}
	}

	res, err := h.transfers.Reverse(r.Context(), id, body.Note)
	h.respondTransfer(w, res, err, "POST", endpoint)
}

func (h *Handler) respondTransfer(w http.ResponseWriter, res *domain.TransferResult, err error, method, endpoint string) {
	if err != nil {
		h.respondDomainError(w, err, res, method, endpoint)
		return
	}
	if res.Replayed {
		h.respondJSON(w, http.StatusOK, newTransferResponse(res), method, endpoint)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%d", res.TransactionID))
	h.respondJSON(w, http.StatusCreated, newTransferResponse(res), method, endpoint)
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transfers/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "GET", endpoint)
	if !ok {
		return
	}
	tx, err := h.ledger.GetTransaction(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err, nil, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, tx, "GET", endpoint)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/accounts"))
	defer timer.ObserveDuration()

	var body struct {
		Email          string `json:"email"`
		InitialBalance *int64 `json:"initial_balance"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/accounts")
			return
		}
	}

	initial := h.defaultBalance
	if body.InitialBalance != nil {
		if *body.InitialBalance < 0 {
			h.respondDomainError(w, domain.ErrInvalidAmount, nil, "POST", "/accounts")
			return
		}
		initial = domain.Amount(*body.InitialBalance)
	}

	acc, err := h.ledger.CreateAccount(r.Context(), body.Email, initial)
	if err != nil {
		h.respondDomainError(w, err, nil, "POST", "/accounts")
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/accounts/%d", acc.ID))
	h.respondJSON(w, http.StatusCreated, acc, "POST", "/accounts")
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", "/accounts/{id}"))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "GET", "/accounts/{id}")
	if !ok {
		return
	}
	acc, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err, nil, "GET", "/accounts/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, acc, "GET", "/accounts/{id}")
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/entries"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "GET", endpoint)
	if !ok {
		return
	}
	entries, err := h.ledger.ListEntries(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err, nil, "GET", endpoint)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	h.respondJSON(w, http.StatusOK, entries, "GET", endpoint)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/transactions"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "GET", endpoint)
	if !ok {
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.respondError(w, http.StatusBadRequest, "Invalid limit", "GET", endpoint)
			return
		}
		limit = n
	}

	txs, err := h.ledger.ListTransactions(r.Context(), id, limit)
	if err != nil {
		h.respondDomainError(w, err, nil, "GET", endpoint)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	h.respondJSON(w, http.StatusOK, txs, "GET", endpoint)
}

func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", "/admin/incidents"))
	defer timer.ObserveDuration()

	incidents, err := h.ledger.ListOpenIncidents(r.Context())
	if err != nil {
		h.respondDomainError(w, err, nil, "GET", "/admin/incidents")
		return
	}
	if incidents == nil {
		incidents = []domain.Incident{}
	}
	h.respondJSON(w, http.StatusOK, incidents, "GET", "/admin/incidents")
}

// Helpers
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid id", method, endpoint)
		return 0, false
	}
	return id, true
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrReconciliationRequired):
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrMissingIdempotencyKey):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflictExhausted):
		return http.StatusServiceUnavailable
	}

	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindBusiness:
		if errors.Is(err, domain.ErrInsufficientFunds) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusConflict
	case domain.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	TransactionID int64  `json:"transaction_id,omitempty"`
	Replayed      bool   `json:"replayed,omitempty"`
}

func (h *Handler) respondDomainError(w http.ResponseWriter, err error, res *domain.TransferResult, method, endpoint string) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error(), Code: domain.Code(err)}
	if res != nil {
		body.TransactionID = res.TransactionID
		body.Replayed = res.Replayed
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("endpoint", endpoint), zap.Error(err))
		if body.Code == "internal" {
			body.Error = "internal error"
		}
	}
	h.respondJSON(w, status, body, method, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("Failed to write response", zap.String("endpoint", endpoint), zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
