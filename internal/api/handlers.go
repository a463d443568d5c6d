package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/ledger"
	"github.com/punchamoorthee/payflow/internal/logging"
	"github.com/punchamoorthee/payflow/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payflow_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payflow_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	payments *service.PaymentService
	ledger   *ledger.Service
	logger   logging.Logger
}

func NewHandler(payments *service.PaymentService, ledgerSvc *ledger.Service, logger logging.Logger) *Handler {
	return &Handler{payments: payments, ledger: ledgerSvc, logger: logger}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/payments"))
	defer timer.ObserveDuration()

	// 1. Validate Headers
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		httpRequestsTotal.WithLabelValues("POST", "/payments", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}
	merchantID, err := uuid.Parse(r.Header.Get("X-Merchant-Id"))
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/payments", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Missing or malformed X-Merchant-Id header")
		return
	}

	// 2. Decode Body
	var req service.CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/payments", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	// 3. Call Service
	result, err := h.payments.CreatePayment(r.Context(), req, idempotencyKey, merchantID)
	if err != nil {
		h.respondServiceError(w, "POST", "/payments", err)
		return
	}

	// 4. Replay returns the original resource, not a new one.
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	httpRequestsTotal.WithLabelValues("POST", "/payments", strconv.Itoa(status)).Inc()
	w.Header().Set("Location", "/api/v1/payments/"+result.Payment.ID.String())
	respondWithJSON(w, status, paymentResponse(result.Payment, result.NextAction))
}

func (h *Handler) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/payments/{id}", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed payment id")
		return
	}

	p, err := h.payments.GetPayment(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "GET", "/payments/{id}", err)
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/payments/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, paymentResponse(p, nil))
}

type amountRequest struct {
	Amount *int64 `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handler) CapturePaymentHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/payments/{id}/capture"))
	defer timer.ObserveDuration()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/payments/{id}/capture", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed payment id")
		return
	}
	req, err := decodeOptionalAmount(r)
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/payments/{id}/capture", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	p, err := h.payments.CapturePayment(r.Context(), id, req.Amount)
	if err != nil {
		h.respondServiceError(w, "POST", "/payments/{id}/capture", err)
		return
	}
	httpRequestsTotal.WithLabelValues("POST", "/payments/{id}/capture", "200").Inc()
	respondWithJSON(w, http.StatusOK, paymentResponse(p, nil))
}

func (h *Handler) VoidPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/payments/{id}/void", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed payment id")
		return
	}

	p, err := h.payments.VoidPayment(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "POST", "/payments/{id}/void", err)
		return
	}
	httpRequestsTotal.WithLabelValues("POST", "/payments/{id}/void", "200").Inc()
	respondWithJSON(w, http.StatusOK, paymentResponse(p, nil))
}

func (h *Handler) RefundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/payments/{id}/refund"))
	defer timer.ObserveDuration()

	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/payments/{id}/refund", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed payment id")
		return
	}
	req, err := decodeOptionalAmount(r)
	if err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/payments/{id}/refund", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	refund, err := h.payments.RefundPayment(r.Context(), id, req.Amount, req.Reason)
	if err != nil {
		h.respondServiceError(w, "POST", "/payments/{id}/refund", err)
		return
	}
	httpRequestsTotal.WithLabelValues("POST", "/payments/{id}/refund", "201").Inc()
	respondWithJSON(w, http.StatusCreated, refundResponse(refund))
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/ledger/accounts/{id}/balance", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed account id")
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = "USD"
	}

	balance, err := h.ledger.GetBalance(r.Context(), accountID, currency)
	if err != nil {
		h.respondServiceError(w, "GET", "/ledger/accounts/{id}/balance", err)
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/ledger/accounts/{id}/balance", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"accountId": balance.AccountID,
		"currency":  balance.Currency,
		"net":       balance.Net.Amount.String(),
		"updatedAt": balance.UpdatedAt,
	})
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/ledger/accounts/{id}/entries", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed account id")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.ledger.GetAccountEntries(r.Context(), accountID, limit)
	if err != nil {
		h.respondServiceError(w, "GET", "/ledger/accounts/{id}/entries", err)
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/ledger/accounts/{id}/entries", "200").Inc()
	respondWithJSON(w, http.StatusOK, entriesResponse(entries))
}

type entryGroupRequest struct {
	Lines []ledger.EntryLine `json:"lines"`
}

func (h *Handler) CreateEntryGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req entryGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpRequestsTotal.WithLabelValues("POST", "/ledger/entry-groups", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if len(req.Lines) < 2 {
		httpRequestsTotal.WithLabelValues("POST", "/ledger/entry-groups", "422").Inc()
		respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "entry group needs at least two lines", "code": "entry_group_too_small",
		})
		return
	}

	groupID, err := h.ledger.CreateEntryGroup(r.Context(), req.Lines)
	if err != nil {
		h.respondServiceError(w, "POST", "/ledger/entry-groups", err)
		return
	}
	httpRequestsTotal.WithLabelValues("POST", "/ledger/entry-groups", "201").Inc()
	respondWithJSON(w, http.StatusCreated, map[string]any{"entryGroupId": groupID})
}

func (h *Handler) ReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	from, to, err := reconciliationRange(r)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/ledger/reconciliation", "400").Inc()
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.ledger.Reconcile(r.Context(), from, to)
	if err != nil {
		h.respondServiceError(w, "GET", "/ledger/reconciliation", err)
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/ledger/reconciliation", "200").Inc()
	respondWithJSON(w, http.StatusOK, report)
}

// reconciliationRange parses the optional from/to query parameters; the
// default covers the whole book up to now.
func reconciliationRange(r *http.Request) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now().UTC()
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("malformed from parameter: %v", err)
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("malformed to parameter: %v", err)
		}
		to = parsed
	}
	return from, to, nil
}

// respondServiceError maps service errors onto HTTP statuses. Processor
// declines are a payment-level failure, not a server fault, hence 402.
func (h *Handler) respondServiceError(w http.ResponseWriter, method, endpoint string, err error) {
	var (
		validationErr *domain.ValidationError
		transitionErr *domain.TransitionError
		notFoundErr   *domain.NotFoundError
		processorErr  *domain.ProcessorError
		violationErr  *domain.ConsistencyViolation
	)

	switch {
	case errors.As(err, &violationErr):
		httpRequestsTotal.WithLabelValues(method, endpoint, "422").Inc()
		respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": violationErr.Error(), "code": "unbalanced_entry_group",
		})
	case errors.As(err, &validationErr):
		httpRequestsTotal.WithLabelValues(method, endpoint, "422").Inc()
		respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": validationErr.Msg, "code": validationErr.Code,
		})
	case errors.As(err, &transitionErr):
		httpRequestsTotal.WithLabelValues(method, endpoint, "409").Inc()
		respondWithError(w, http.StatusConflict, transitionErr.Error())
	case errors.Is(err, domain.ErrVersionConflict):
		httpRequestsTotal.WithLabelValues(method, endpoint, "409").Inc()
		respondWithError(w, http.StatusConflict, "Concurrent modification, retry the request")
	case errors.As(err, &notFoundErr):
		httpRequestsTotal.WithLabelValues(method, endpoint, "404").Inc()
		respondWithError(w, http.StatusNotFound, notFoundErr.Error())
	case errors.As(err, &processorErr):
		httpRequestsTotal.WithLabelValues(method, endpoint, "402").Inc()
		respondWithJSON(w, http.StatusPaymentRequired, map[string]string{
			"error": processorErr.Msg, "code": processorErr.Code,
		})
	default:
		httpRequestsTotal.WithLabelValues(method, endpoint, "500").Inc()
		h.logger.Error("unhandled service error", map[string]any{"endpoint": endpoint, "error": err.Error()})
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func decodeOptionalAmount(r *http.Request) (amountRequest, error) {
	var req amountRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	return req, err
}

func paymentResponse(p *domain.Payment, next *service.NextAction) map[string]any {
	resp := map[string]any{
		"id":         p.ID,
		"merchantId": p.MerchantID,
		"customerId": p.CustomerID,
		"amount":     p.Amount.MinorUnits(),
		"currency":   p.Amount.Currency,
		"status":     p.Status,
		"metadata":   p.Metadata,
		"createdAt":  p.CreatedAt,
		"updatedAt":  p.UpdatedAt,
	}
	if p.ProcessorRef != "" {
		resp["processorRef"] = p.ProcessorRef
	}
	if p.FailureReason != "" {
		resp["failureReason"] = p.FailureReason
	}
	if len(p.Refunds) > 0 {
		refunds := make([]map[string]any, 0, len(p.Refunds))
		for i := range p.Refunds {
			refunds = append(refunds, refundResponse(&p.Refunds[i]))
		}
		resp["refunds"] = refunds
	}
	if next != nil {
		resp["nextAction"] = next
	}
	return resp
}

func refundResponse(r *domain.Refund) map[string]any {
	resp := map[string]any{
		"id":        r.ID,
		"paymentId": r.PaymentID,
		"amount":    r.Amount.MinorUnits(),
		"currency":  r.Amount.Currency,
		"status":    r.Status,
		"createdAt": r.CreatedAt,
	}
	if r.Reason != "" {
		resp["reason"] = r.Reason
	}
	if r.ProcessorRefundID != "" {
		resp["processorRefundId"] = r.ProcessorRefundID
	}
	if r.FailureReason != "" {
		resp["failureReason"] = r.FailureReason
	}
	return resp
}

func entriesResponse(entries []ledger.Entry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":           e.ID,
			"entryGroupId": e.EntryGroupID,
			"direction":    e.Direction,
			"amount":       e.Amount.Amount.String(),
			"currency":     e.Amount.Currency,
			"paymentId":    e.PaymentID,
			"description":  e.Description,
			"createdAt":    e.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return out
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
