package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/groupbuy-ledger/internal/domain/catalog"
	"github.com/example/groupbuy-ledger/internal/domain/ledger"
	"github.com/example/groupbuy-ledger/internal/domain/order"
	"github.com/example/groupbuy-ledger/internal/infrastructure/store"
	"github.com/example/groupbuy-ledger/internal/infrastructure/store/mocks"
	"github.com/example/groupbuy-ledger/internal/lifecycle"
	"github.com/example/groupbuy-ledger/internal/reconcile"
	"github.com/example/groupbuy-ledger/internal/reservation"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow   = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	ledgerKey = ledger.Key{ProductID: "kimchi", RoundID: "r1"}
)

type testServer struct {
	store   *store.MemoryStore
	handler http.Handler
	hook    *logtest.Hook
}

// newTestServer seeds a memory store with one round. wrap, when set, puts a
// failing store in front of it.
func newTestServer(t *testing.T, wrap func(store.Store) store.Store) *testServer {
	t.Helper()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.PutRound(context.Background(), &catalog.SalesRound{
		ProductID: "kimchi",
		RoundID:   "r1",
		VariantGroups: []catalog.VariantGroup{
			{ID: "1kg", TotalPhysicalStock: 5, Items: []catalog.Item{
				{ID: "1kg-single", StockDeductionAmount: 1},
				{ID: "1kg-pack3", StockDeductionAmount: 3},
			}},
		},
		PickupDate:         time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC),
		PickupDeadlineDate: time.Date(2026, 5, 12, 0, 0, 0, 0, time.UTC),
	}))
	var st store.Store = ms
	if wrap != nil {
		st = wrap(ms)
	}

	log, hook := logtest.NewNullLogger()
	clock := func() time.Time { return testNow }
	policy := store.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond}
	h := NewHandlers(st,
		reservation.NewService(st, reservation.WithLogger(log), reservation.WithClock(clock), reservation.WithRetryPolicy(policy)),
		lifecycle.NewService(st, lifecycle.WithLogger(log), lifecycle.WithClock(clock), lifecycle.WithRetryPolicy(policy)),
		reconcile.NewJob(st, reconcile.WithLogger(log), reconcile.WithClock(clock), reconcile.WithRetryPolicy(policy)),
		log,
	)
	h.now = clock
	return &testServer{store: ms, handler: NewRouter(RouterConfig{
		Handlers:       h,
		Logger:         log,
		AllowedOrigins: []string{"https://shop.example.com"},
	}), hook: hook}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func claimBody(item string, qty int) map[string]any {
	return map[string]any{
		"user_id":          "u1",
		"product_id":       "kimchi",
		"round_id":         "r1",
		"variant_group_id": "1kg",
		"item_id":          item,
		"quantity":         qty,
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

// ============================================
// Order Creation Tests
// ============================================

func TestCreateOrder_Accepted(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/orders", claimBody("1kg-pack3", 1))

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[orderCreatedResponse](t, rec)
	assert.NotEmpty(t, resp.OrderID)

	o, err := s.store.GetOrder(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusReserved, o.Status)
}

func TestCreateOrder_InsufficientStock(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/orders", claimBody("1kg-pack3", 1)).Code)

	rec := s.do(t, http.MethodPost, "/orders", claimBody("1kg-pack3", 1))

	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[rejectionResponse](t, rec)
	assert.Equal(t, reservation.ReasonInsufficientStock, resp.Reason)
	assert.Equal(t, 3, resp.Rejection.Requested)
	assert.Equal(t, 2, resp.Rejection.Remaining)
}

func TestCreateOrder_UnknownItem(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/orders", claimBody("2kg-single", 1))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, reservation.ReasonItemNotFound, decode[rejectionResponse](t, rec).Reason)
}

func TestCreateOrder_ValidationFields(t *testing.T) {
	s := newTestServer(t, nil)
	body := claimBody("1kg-single", 0)
	delete(body, "round_id")

	rec := s.do(t, http.MethodPost, "/orders", body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[struct {
		Fields map[string]string `json:"fields"`
	}](t, rec)
	assert.Equal(t, map[string]string{
		"createOrderRequest.RoundID":  "required",
		"createOrderRequest.Quantity": "gt",
	}, resp.Fields)
}

func TestCreateOrder_QuantityAboveLimit(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/orders", claimBody("1kg-pack3", math.MaxInt/3+1))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[struct {
		Fields map[string]string `json:"fields"`
	}](t, rec)
	assert.Equal(t, map[string]string{"createOrderRequest.Quantity": "lte"}, resp.Fields)

	ledgerRec, err := s.store.GetLedger(context.Background(), ledgerKey)
	require.NoError(t, err)
	assert.Zero(t, ledgerRec.Claimed["1kg"])
}

func TestCreateOrder_SeparatorInIDs(t *testing.T) {
	s := newTestServer(t, nil)
	body := claimBody("1kg-single", 1)
	body["product_id"] = "kimchi#r1"

	rec := s.do(t, http.MethodPost, "/orders", body)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[struct {
		Fields map[string]string `json:"fields"`
	}](t, rec)
	assert.Equal(t, map[string]string{"createOrderRequest.ProductID": "excludes"}, resp.Fields)
}

func TestCreateOrder_BadRequests(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"zero quantity", `{"user_id":"u1","product_id":"kimchi","round_id":"r1","variant_group_id":"1kg","item_id":"1kg-single","quantity":0}`},
		{"missing user", `{"product_id":"kimchi","round_id":"r1","variant_group_id":"1kg","item_id":"1kg-single","quantity":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateOrder_RetryExhausted(t *testing.T) {
	s := newTestServer(t, func(st store.Store) store.Store { return mocks.NewConflictStore(st) })

	rec := s.do(t, http.MethodPost, "/orders", claimBody("1kg-single", 1))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	rec2, err := s.store.GetLedger(context.Background(), ledgerKey)
	require.NoError(t, err)
	assert.Zero(t, rec2.Claimed["1kg"])
}

func TestCreateOrder_StoreFailure(t *testing.T) {
	down := errors.New("connection refused")
	s := newTestServer(t, func(st store.Store) store.Store { return &mocks.FailingStore{Store: st, Err: down} })

	rec := s.do(t, http.MethodPost, "/orders", claimBody("1kg-single", 1))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
	require.NotNil(t, s.hook.LastEntry())
}

func TestCheckout_EmptyLines(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/orders/checkout", map[string]any{"user_id": "u1", "lines": []any{}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckout_QuantityAboveLimit(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/orders/checkout", map[string]any{
		"user_id": "u1",
		"lines": []map[string]any{
			{"product_id": "kimchi", "round_id": "r1", "variant_group_id": "1kg", "item_id": "1kg-single", "quantity": 1_000_001},
		},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[struct {
		Fields map[string]string `json:"fields"`
	}](t, rec)
	assert.Equal(t, map[string]string{"checkoutRequest.Lines[0].Quantity": "lte"}, resp.Fields)
}

func TestCheckout_AllOrNothing(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/orders/checkout", map[string]any{
		"user_id": "u1",
		"lines": []map[string]any{
			{"product_id": "kimchi", "round_id": "r1", "variant_group_id": "1kg", "item_id": "1kg-single", "quantity": 2},
			{"product_id": "kimchi", "round_id": "r1", "variant_group_id": "1kg", "item_id": "1kg-pack3", "quantity": 1},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/orders/checkout", map[string]any{
		"user_id": "u2",
		"lines": []map[string]any{
			{"product_id": "kimchi", "round_id": "r1", "variant_group_id": "1kg", "item_id": "1kg-single", "quantity": 1},
		},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// ============================================
// Transition Tests
// ============================================

func (s *testServer) placeOrder(t *testing.T, qty int) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/orders", claimBody("1kg-single", qty))
	require.Equal(t, http.StatusCreated, rec.Code)
	return decode[orderCreatedResponse](t, rec).OrderID
}

func TestTransitionOrder(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.placeOrder(t, 2)

	rec := s.do(t, http.MethodPost, "/orders/"+id+"/transition", map[string]string{"target_status": "PICKED_UP"})

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[lifecycle.Outcome](t, rec)
	assert.Equal(t, order.StatusReserved, out.From)
	assert.Equal(t, order.StatusPickedUp, out.To)
	assert.True(t, out.Changed)

	l, err := s.store.GetLedger(context.Background(), ledgerKey)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Claimed["1kg"])
	assert.Equal(t, 2, l.PickedUp["1kg"])
}

func TestTransitionOrder_CancelReleasesStock(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.placeOrder(t, 5)

	rec := s.do(t, http.MethodPost, "/orders/"+id+"/transition", map[string]string{
		"target_status": "LATE_CANCELED",
		"reason":        "changed my mind",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	// before the pickup date a cancel is recorded as CANCELED
	assert.Equal(t, order.StatusCanceled, decode[lifecycle.Outcome](t, rec).To)
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/orders", claimBody("1kg-single", 5)).Code)
}

func TestTransitionOrder_Errors(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.placeOrder(t, 1)
	require.Equal(t, http.StatusOK,
		s.do(t, http.MethodPost, "/orders/"+id+"/transition", map[string]string{"target_status": "PICKED_UP"}).Code)
	pending := s.placeOrder(t, 1)

	tests := []struct {
		name     string
		orderID  string
		target   string
		expected int
	}{
		{"terminal order", id, "CANCELED", http.StatusConflict},
		{"no-show before deadline", pending, "NO_SHOW", http.StatusConflict},
		{"unknown status", pending, "SHIPPED", http.StatusBadRequest},
		{"unknown order", "missing", "PICKED_UP", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/orders/"+tt.orderID+"/transition", map[string]string{"target_status": tt.target})
			assert.Equal(t, tt.expected, rec.Code)
		})
	}
}

func TestGetOrder(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.placeOrder(t, 1)

	rec := s.do(t, http.MethodGet, "/orders/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode[order.Order](t, rec).ID)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/orders/nope", nil).Code)
}

// ============================================
// Stock Tests
// ============================================

func TestGetStock(t *testing.T) {
	s := newTestServer(t, nil)
	s.placeOrder(t, 2)

	rec := s.do(t, http.MethodGet, "/rounds/kimchi/r1/stock", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		VariantGroups []reservation.VariantStock `json:"variant_groups"`
	}](t, rec)
	require.Len(t, resp.VariantGroups, 1)
	assert.Equal(t, reservation.VariantStock{VariantGroupID: "1kg", Capacity: 5, Claimed: 2, Remaining: 3}, resp.VariantGroups[0])
}

func TestGetStock_UnknownRound(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/rounds/kimchi/r9/stock", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ============================================
// Admin Tests
// ============================================

func TestPutRound(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPut, "/admin/rounds/kimchi/r2", map[string]any{
		"variant_groups": []map[string]any{
			{"id": "500g", "total_physical_stock": 1, "items": []map[string]any{{"id": "500g-single", "stock_deduction_amount": 1}}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	round, err := s.store.Round(context.Background(), "kimchi", "r2")
	require.NoError(t, err)
	assert.Equal(t, 1, round.VariantGroups[0].TotalPhysicalStock)

	rec = s.do(t, http.MethodPut, "/admin/rounds/kimchi/r3", map[string]any{"variant_groups": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcile(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.placeOrder(t, 3)
	o, err := s.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	o.Status = order.StatusNoShow
	s.store.ForceOrder(o)

	rec := s.do(t, http.MethodPost, "/admin/reconcile", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[reconcile.Report](t, rec)
	assert.Equal(t, 1, report.OrdersScanned)
	assert.Equal(t, 1, report.LedgerRecordsWritten)
	assert.Len(t, report.Drifted, 1)
}

func TestReconcile_ListFailure(t *testing.T) {
	s := newTestServer(t, func(st store.Store) store.Store {
		return &mocks.FailingStore{Store: st, ListErr: errors.New("scan timeout")}
	})

	rec := s.do(t, http.MethodPost, "/admin/reconcile", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSweepNoShows(t *testing.T) {
	s := newTestServer(t, nil)
	s.placeOrder(t, 1)

	rec := s.do(t, http.MethodPost, "/admin/no-show-sweep", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, lifecycle.SweepResult{Scanned: 1}, decode[lifecycle.SweepResult](t, rec))
}

// ============================================
// Router Tests
// ============================================

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_LogsRequests(t *testing.T) {
	s := newTestServer(t, nil)

	s.do(t, http.MethodGet, "/healthz", nil)

	entry := s.hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "request handled", entry.Message)
	assert.Equal(t, http.StatusOK, entry.Data["status"])
	assert.Equal(t, "/healthz", entry.Data["path"])
}

func TestRouter_CORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/orders", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()

	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://shop.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/admin/reconcile", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
