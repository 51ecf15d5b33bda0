package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"procurement-automation/internal/audit"
	"procurement-automation/internal/config"
	"procurement-automation/internal/idempotency"
	"procurement-automation/internal/killswitch"
	"procurement-automation/internal/models"
	"procurement-automation/internal/queue"
	"procurement-automation/internal/ratelimit"
)

func newTestServer(t *testing.T, cfg config.Config) (*Server, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	q := queue.New(client, cfg)
	kill := killswitch.New(client)
	idem := idempotency.New(client, 0, 0, nil)
	auditSvc := audit.NewService(audit.NewMemoryRepo(), nil)
	return New(cfg, client, q, nil, kill, idem, auditSvc, &fakeAdminStore{}, nil), client
}

// fakeAdminStore is an in-memory AdminStore.
type fakeAdminStore struct {
	pending  []models.ApprovalRequest
	resolved map[string]string
	orders   []models.PurchaseOrder
	spend    float64
}

func (s *fakeAdminStore) PendingApprovals(_ context.Context, tenantID string, limit int) ([]models.ApprovalRequest, error) {
	var out []models.ApprovalRequest
	for _, req := range s.pending {
		if tenantID == "" || req.TenantID == tenantID {
			out = append(out, req)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeAdminStore) ResolveApproval(_ context.Context, id, status, resolvedBy string) error {
	if s.resolved == nil {
		s.resolved = make(map[string]string)
	}
	s.resolved[id] = status
	return nil
}

func (s *fakeAdminStore) GetPurchaseOrder(_ context.Context, id string) (models.PurchaseOrder, error) {
	for _, po := range s.orders {
		if po.ID == id {
			return po, nil
		}
	}
	return models.PurchaseOrder{}, fmt.Errorf("purchase order not found")
}

func (s *fakeAdminStore) DailyAutoCreatedValue(_ context.Context, _ string, _ time.Time) (float64, error) {
	return s.spend, nil
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status = %v", body["status"])
	}
	if body["kill_switch_active"] != false {
		t.Fatalf("kill switch should be inactive")
	}
}

func TestEnqueueValidation(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	router := s.Router()

	rec := postJSON(t, router, "/jobs", map[string]any{"idempotency_key": "k1"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing trigger_event should be 400, got %d", rec.Code)
	}

	rec = postJSON(t, router, "/jobs", map[string]any{"trigger_event": "stock.low"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing idempotency_key should be 400, got %d", rec.Code)
	}
}

func TestEnqueueAcceptsJob(t *testing.T) {
	s, client := newTestServer(t, config.Config{})
	router := s.Router()

	rec := postJSON(t, router, "/jobs", map[string]any{
		"trigger_event":   "stock.low",
		"action_type":     "dispatch_supplier_email",
		"idempotency_key": "k1",
		"context":         map[string]any{"supplierEmail": "x@y.test"},
	}, map[string]string{"X-Tenant-ID": "t1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue = %d body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["job_id"] == "" {
		t.Fatalf("job_id missing in response")
	}

	depth, err := client.LLen(context.Background(), "automation:ready").Result()
	if err != nil || depth != 1 {
		t.Fatalf("ready depth = %d, err = %v", depth, err)
	}
}

func TestEnqueueRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Config{}
	limiter := ratelimit.NewTokenBucket(client, 1, 0.0001, time.Hour)
	s := New(cfg, client, queue.New(client, cfg), limiter, killswitch.New(client), idempotency.New(client, 0, 0, nil), audit.NewService(audit.NewMemoryRepo(), nil), nil, nil)
	router := s.Router()

	job := map[string]any{"trigger_event": "stock.low", "idempotency_key": "k1"}
	if rec := postJSON(t, router, "/jobs", job, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}
	if rec := postJSON(t, router, "/jobs", job, nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be throttled, got %d", rec.Code)
	}
}

func TestKillSwitchRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	router := s.Router()

	rec := postJSON(t, router, "/admin/killswitch", map[string]string{"tenant_id": "t1", "reason": "incident"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/killswitch?tenant_id=t1", nil)
	status := httptest.NewRecorder()
	router.ServeHTTP(status, req)
	var body map[string]any
	if err := json.Unmarshal(status.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["tenant_active"] != true {
		t.Fatalf("tenant flag should be active: %v", body)
	}
	if body["global"] != false {
		t.Fatalf("global flag should stay clear: %v", body)
	}

	del := httptest.NewRequest(http.MethodDelete, "/admin/killswitch?tenant_id=t1", nil)
	done := httptest.NewRecorder()
	router.ServeHTTP(done, del)
	if done.Code != http.StatusOK {
		t.Fatalf("deactivate = %d", done.Code)
	}
}

func operatorToken(t *testing.T, secret, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAdminMutationsRequireOperatorToken(t *testing.T) {
	s, _ := newTestServer(t, config.Config{AdminJWTSecret: "test-secret"})
	router := s.Router()
	body := map[string]string{"reason": "incident"}

	// No token.
	if rec := postJSON(t, router, "/admin/killswitch", body, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should be 401, got %d", rec.Code)
	}

	// Wrong secret.
	bad := operatorToken(t, "other-secret", "operator")
	if rec := postJSON(t, router, "/admin/killswitch", body, map[string]string{"Authorization": "Bearer " + bad}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged token should be 401, got %d", rec.Code)
	}

	// Valid token, wrong role.
	viewer := operatorToken(t, "test-secret", "viewer")
	if rec := postJSON(t, router, "/admin/killswitch", body, map[string]string{"Authorization": "Bearer " + viewer}); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer role should be 403, got %d", rec.Code)
	}

	// Operator.
	op := operatorToken(t, "test-secret", "operator")
	if rec := postJSON(t, router, "/admin/killswitch", body, map[string]string{"Authorization": "Bearer " + op}); rec.Code != http.StatusOK {
		t.Fatalf("operator token should pass, got %d", rec.Code)
	}

	// Read-only admin routes stay open.
	req := httptest.NewRequest(http.MethodGet, "/admin/killswitch", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("read-only route should not require a token, got %d", rec.Code)
	}
}

func TestApprovalQueueRoutes(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	store := s.store.(*fakeAdminStore)
	store.pending = []models.ApprovalRequest{
		{ID: "apr-1", TenantID: "t1", ActionType: "create_purchase_order", Amount: 7500, Status: "pending"},
	}
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/admin/approvals?tenant_id=t1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	var body map[string][]models.ApprovalRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body["approvals"]) != 1 || body["approvals"][0].ID != "apr-1" {
		t.Fatalf("approvals = %+v", body)
	}

	// Resolution validates the target status.
	bad := postJSON(t, router, "/admin/approvals/apr-1", map[string]string{"status": "maybe"}, nil)
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad status should be 400, got %d", bad.Code)
	}
	ok := postJSON(t, router, "/admin/approvals/apr-1", map[string]string{"status": "approved", "resolved_by": "ops"}, nil)
	if ok.Code != http.StatusOK {
		t.Fatalf("resolve = %d body=%s", ok.Code, ok.Body.String())
	}
	if store.resolved["apr-1"] != "approved" {
		t.Fatalf("resolution not persisted: %v", store.resolved)
	}
}

func TestOrderLookup(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	s.store.(*fakeAdminStore).orders = []models.PurchaseOrder{
		{ID: "po-1", Number: "PO-20260825-ABCD1234", TenantID: "t1", SupplierID: "sup-1", TotalAmount: 450},
	}
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/admin/orders/po-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("order get = %d", rec.Code)
	}
	var po models.PurchaseOrder
	if err := json.Unmarshal(rec.Body.Bytes(), &po); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if po.Number != "PO-20260825-ABCD1234" {
		t.Fatalf("po = %+v", po)
	}

	miss := httptest.NewRequest(http.MethodGet, "/admin/orders/ghost", nil)
	missRec := httptest.NewRecorder()
	router.ServeHTTP(missRec, miss)
	if missRec.Code != http.StatusNotFound {
		t.Fatalf("unknown order should be 404, got %d", missRec.Code)
	}
}

func TestSpendRoute(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	s.store.(*fakeAdminStore).spend = 1234.5
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/admin/spend?tenant_id=t1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("spend = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["value"] != 1234.5 {
		t.Fatalf("value = %v", body["value"])
	}
}

func TestIdempotencyAdminRoutes(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/admin/idempotency/unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown key should be 404, got %d", rec.Code)
	}
}
