package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/payflow/internal/api"
	"github.com/punchamoorthee/payflow/internal/domain"
	"github.com/punchamoorthee/payflow/internal/ledger"
	"github.com/punchamoorthee/payflow/internal/logging"
	"github.com/punchamoorthee/payflow/internal/money"
	"github.com/punchamoorthee/payflow/internal/service"
	"github.com/punchamoorthee/payflow/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct{}

func (stubProcessor) Name() string { return "stub" }
func (stubProcessor) Authorize(ctx context.Context, p *domain.Payment) (service.AuthorizeResult, error) {
	return service.AuthorizeResult{ProcessorRef: "proc_stub"}, nil
}
func (stubProcessor) Capture(ctx context.Context, ref string, amount money.Money) error { return nil }
func (stubProcessor) Void(ctx context.Context, ref string) error                        { return nil }
func (stubProcessor) Refund(ctx context.Context, ref string, amount money.Money) (string, error) {
	return "ref_stub", nil
}

type zeroScorer struct{}

func (zeroScorer) AssessRisk(ctx context.Context, p *domain.Payment) (int, error) { return 0, nil }

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	store := memory.NewStore()
	payments := service.NewPaymentService(store, stubProcessor{}, zeroScorer{}, logging.Nop{})
	ledgerSvc := ledger.NewService(memory.NewLedgerStore(), decimal.RequireFromString("2.9"), logging.Nop{})
	handler := api.NewHandler(payments, ledgerSvc, logging.Nop{})

	r := mux.NewRouter()
	r.HandleFunc("/health", handler.HealthCheckHandler)
	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/payments", handler.CreatePaymentHandler).Methods("POST")
	apiV1.HandleFunc("/payments/{id}", handler.GetPaymentHandler).Methods("GET")
	apiV1.HandleFunc("/payments/{id}/capture", handler.CapturePaymentHandler).Methods("POST")
	apiV1.HandleFunc("/payments/{id}/void", handler.VoidPaymentHandler).Methods("POST")
	apiV1.HandleFunc("/payments/{id}/refund", handler.RefundPaymentHandler).Methods("POST")
	apiV1.HandleFunc("/ledger/accounts/{id}/balance", handler.GetBalanceHandler).Methods("GET")
	apiV1.HandleFunc("/ledger/entry-groups", handler.CreateEntryGroupHandler).Methods("POST")
	apiV1.HandleFunc("/ledger/reconciliation", handler.ReconciliationHandler).Methods("GET")
	return r
}

func createPayment(t *testing.T, router *mux.Router, key string) map[string]any {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"amount":        10000,
		"currency":      "USD",
		"paymentMethod": "card",
		"customerEmail": "alice@example.com",
	})
	req := httptest.NewRequest("POST", "/api/v1/payments", bytes.NewReader(body))
	req.Header.Set("Idempotency-Key", key)
	req.Header.Set("X-Merchant-Id", uuid.NewString())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	resp["_status"] = rec.Code
	return resp
}

func TestCreatePayment_Created(t *testing.T) {
	router := newTestRouter(t)
	resp := createPayment(t, router, "key-1")

	assert.Equal(t, http.StatusCreated, resp["_status"])
	assert.Equal(t, string(domain.StatusAuthorized), resp["status"])
	assert.Equal(t, float64(10000), resp["amount"])
}

func TestCreatePayment_ReplayReturns200(t *testing.T) {
	router := newTestRouter(t)
	first := createPayment(t, router, "key-1")
	second := createPayment(t, router, "key-1")

	assert.Equal(t, http.StatusOK, second["_status"])
	assert.Equal(t, first["id"], second["id"])
}

func TestCreatePayment_MissingIdempotencyKey(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest("POST", "/api/v1/payments", bytes.NewReader([]byte("{}")))
	req.Header.Set("X-Merchant-Id", uuid.NewString())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePayment_ValidationMapsTo422(t *testing.T) {
	router := newTestRouter(t)
	body, _ := json.Marshal(map[string]any{
		"amount":        10,
		"currency":      "USD",
		"paymentMethod": "card",
	})
	req := httptest.NewRequest("POST", "/api/v1/payments", bytes.NewReader(body))
	req.Header.Set("Idempotency-Key", "key-1")
	req.Header.Set("X-Merchant-Id", uuid.NewString())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "amount_too_small", resp["code"])
}

func TestCaptureThenDoubleCapture(t *testing.T) {
	router := newTestRouter(t)
	created := createPayment(t, router, "key-1")
	id := created["id"].(string)

	req := httptest.NewRequest("POST", "/api/v1/payments/"+id+"/capture", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A second capture is an illegal transition.
	req = httptest.NewRequest("POST", "/api/v1/payments/"+id+"/capture", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRefundFlow(t *testing.T) {
	router := newTestRouter(t)
	created := createPayment(t, router, "key-1")
	id := created["id"].(string)

	req := httptest.NewRequest("POST", "/api/v1/payments/"+id+"/capture", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	body, _ := json.Marshal(map[string]any{"amount": 4000, "reason": "customer request"})
	req = httptest.NewRequest("POST", "/api/v1/payments/"+id+"/refund", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var refund map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refund))
	assert.Equal(t, string(domain.RefundSucceeded), refund["status"])
	assert.Equal(t, float64(4000), refund["amount"])

	// The payment reflects the partial refund.
	req = httptest.NewRequest("GET", "/api/v1/payments/"+id, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var payment map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payment))
	assert.Equal(t, string(domain.StatusPartiallyRefunded), payment["status"])
}

func TestGetPayment_NotFound(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest("GET", "/api/v1/payments/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateEntryGroup_UnbalancedMapsTo422(t *testing.T) {
	router := newTestRouter(t)
	body, _ := json.Marshal(map[string]any{
		"lines": []map[string]any{
			{"accountId": uuid.NewString(), "accountType": "MERCHANT", "direction": "DEBIT", "amount": 2500, "currency": "USD"},
			{"accountId": uuid.NewString(), "accountType": "PLATFORM", "direction": "CREDIT", "amount": 2400, "currency": "USD"},
		},
	})
	req := httptest.NewRequest("POST", "/api/v1/ledger/entry-groups", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unbalanced_entry_group", resp["code"])
}

func TestCreateEntryGroup_BalancedPostsAndMovesBalance(t *testing.T) {
	router := newTestRouter(t)
	debited := uuid.New()
	credited := uuid.New()
	body, _ := json.Marshal(map[string]any{
		"lines": []map[string]any{
			{"accountId": debited, "accountType": "MERCHANT", "direction": "DEBIT", "amount": 2500, "currency": "USD"},
			{"accountId": credited, "accountType": "PLATFORM", "direction": "CREDIT", "amount": 2500, "currency": "USD"},
		},
	})
	req := httptest.NewRequest("POST", "/api/v1/ledger/entry-groups", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	req = httptest.NewRequest("GET", "/api/v1/ledger/accounts/"+credited.String()+"/balance?currency=USD", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, "25", balance["net"])
}

func TestReconciliation_EmptyBookIsBalanced(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest("GET", "/api/v1/ledger/reconciliation", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var report ledger.ReconciliationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Balanced)
}
