package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/veriscope/veriscope/internal/ais"
	"github.com/veriscope/veriscope/internal/storage"
)

// mockStore is a test double for the Store and KeyLookup interfaces.
type mockStore struct {
	signals      []storage.Signal
	signalsTotal int
	signalQ      *storage.SignalQuery
	signalsErr   error

	deliveries []storage.Delivery
	deliveryQ  *storage.DeliveryQuery

	subs      []storage.Subscription
	sub       *storage.Subscription
	created   *storage.Subscription
	updated   *storage.Subscription
	updateHit bool
	deleteHit bool

	identities map[string]*storage.Identity
	pingErr    error
}

func (m *mockStore) QuerySignals(_ context.Context, q storage.SignalQuery) ([]storage.Signal, int, error) {
	m.signalQ = &q
	return m.signals, m.signalsTotal, m.signalsErr
}

func (m *mockStore) QueryDeliveries(_ context.Context, q storage.DeliveryQuery) ([]storage.Delivery, error) {
	m.deliveryQ = &q
	return m.deliveries, nil
}

func (m *mockStore) CreateSubscription(_ context.Context, sub storage.Subscription) (string, error) {
	m.created = &sub
	return "sub-new", nil
}

func (m *mockStore) GetSubscription(_ context.Context, _, _ string) (*storage.Subscription, error) {
	if m.sub == nil {
		return nil, errors.New("no rows")
	}
	return m.sub, nil
}

func (m *mockStore) ListSubscriptions(_ context.Context, _ string) ([]storage.Subscription, error) {
	return m.subs, nil
}

func (m *mockStore) UpdateSubscription(_ context.Context, sub storage.Subscription) (bool, error) {
	m.updated = &sub
	return m.updateHit, nil
}

func (m *mockStore) DeleteSubscription(_ context.Context, _, _ string) (bool, error) {
	return m.deleteHit, nil
}

func (m *mockStore) Ping(_ context.Context) error { return m.pingErr }

func (m *mockStore) LookupAPIKey(_ context.Context, keyHash string) (*storage.Identity, error) {
	return m.identities[keyHash], nil
}

const testKey = "test-key"

// newTestHandler builds the full router with the operator-override
// credential enabled, so handler tests authenticate with testKey.
func newTestHandler(ms *mockStore) http.Handler {
	srv := NewServer(ms, nil, nil, nil)
	return NewRouter(srv, ms, AuthConfig{OverrideKey: testKey, OverrideUser: "user-1"})
}

func authedRequest(method, target string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testKey)
	return req
}

// ---- GET /healthz -----------------------------------------------------------

func TestHealthzOK(t *testing.T) {
	h := newTestHandler(&mockStore{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body.Status != "ok" || body.Database != "ok" || body.Cache != "disabled" {
		t.Errorf("body = %+v", body)
	}
}

func TestHealthzDatabaseDown(t *testing.T) {
	h := newTestHandler(&mockStore{pingErr: errors.New("conn refused")})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthzReportsAISStats(t *testing.T) {
	ms := &mockStore{}
	srv := NewServer(ms, nil, func() ais.Stats {
		return ais.Stats{Mode: ais.ModeSimulation, ConnectionStatus: ais.StatusSimulated, IsHealthy: true}
	}, func() int { return 3 })
	h := NewRouter(srv, ms, AuthConfig{OverrideKey: testKey, OverrideUser: "user-1"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body healthResponse
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body.AIS == nil || !body.AIS.IsHealthy {
		t.Errorf("ais block = %+v", body.AIS)
	}
	if body.Outbox == nil || *body.Outbox != 3 {
		t.Errorf("outbox depth = %v", body.Outbox)
	}
}

// ---- GET /api/v1/signals ----------------------------------------------------

func TestGetSignalsPassesFilters(t *testing.T) {
	ms := &mockStore{signals: []storage.Signal{{SignalID: "s1"}}, signalsTotal: 7}
	h := newTestHandler(ms)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet,
		"/api/v1/signals?port_id=port-1&signal_type=PORT_DWELL_SPIKE&severity_min=HIGH&day_from=2026-08-01&day_to=2026-08-19&clustered=true&limit=10&offset=20", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	q := ms.signalQ
	if q == nil {
		t.Fatal("store not queried")
	}
	if q.PortID != "port-1" || q.SignalType != "PORT_DWELL_SPIKE" ||
		q.SeverityMin != storage.SeverityHigh || !q.Clustered ||
		q.Limit != 10 || q.Offset != 20 {
		t.Errorf("query = %+v", q)
	}
	if q.DayFrom == nil || q.DayFrom.Format(dayLayout) != "2026-08-01" {
		t.Errorf("day_from = %v", q.DayFrom)
	}

	var body signalsResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 7 || len(body.Items) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestGetSignalsEmptyIsArray(t *testing.T) {
	h := newTestHandler(&mockStore{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/signals", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); !bytes.Contains([]byte(body), []byte(`"items":[]`)) {
		t.Errorf("empty result must serialize as [], got %s", body)
	}
}

func TestGetSignalsRejectsBadParams(t *testing.T) {
	cases := []struct {
		name   string
		target string
	}{
		{"bad severity", "/api/v1/signals?severity=EXTREME"},
		{"bad severity_min", "/api/v1/signals?severity_min=EXTREME"},
		{"bad day_from", "/api/v1/signals?day_from=20260801"},
		{"bad clustered", "/api/v1/signals?clustered=maybe"},
		{"bad limit", "/api/v1/signals?limit=-1"},
		{"bad offset", "/api/v1/signals?offset=-5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(&mockStore{})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, authedRequest(http.MethodGet, tc.target, nil))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

// ---- GET /api/v1/alerts/deliveries ------------------------------------------

func TestGetDeliveriesScopedToTenant(t *testing.T) {
	ms := &mockStore{}
	h := newTestHandler(ms)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet,
		"/api/v1/alerts/deliveries?subscription_id=sub-1&subscription_id=sub-2&status=SENT&day=2026-08-19", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	q := ms.deliveryQ
	if q == nil {
		t.Fatal("store not queried")
	}
	if q.TenantID != defaultTenant {
		t.Errorf("tenant = %q, want identity tenant", q.TenantID)
	}
	if len(q.SubscriptionIDs) != 2 || q.Status != storage.DeliverySent || q.Day == nil {
		t.Errorf("query = %+v", q)
	}
}

func TestGetDeliveriesCursor(t *testing.T) {
	created := time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)
	page := make([]storage.Delivery, 2)
	for i := range page {
		page[i] = storage.Delivery{DeliveryID: "del-" + string(rune('a'+i)), CreatedAt: created}
	}
	ms := &mockStore{deliveries: page}
	h := newTestHandler(ms)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/alerts/deliveries?limit=2", nil))

	var body deliveriesResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.NextCursorID != "del-b" || body.NextCursorCreatedAt == nil {
		t.Errorf("cursor = (%v, %q), want last row of full page", body.NextCursorCreatedAt, body.NextCursorID)
	}

	// Passing the cursor back lands in the store query.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet,
		"/api/v1/alerts/deliveries?limit=2&cursor_created_at="+created.Format(time.RFC3339)+"&cursor_id=del-b", nil))
	if ms.deliveryQ.CursorID != "del-b" || ms.deliveryQ.CursorCreatedAt == nil {
		t.Errorf("cursor not forwarded: %+v", ms.deliveryQ)
	}
}

func TestGetDeliveriesCursorHalfPairRejected(t *testing.T) {
	h := newTestHandler(&mockStore{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet, "/api/v1/alerts/deliveries?cursor_id=del-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---- subscriptions CRUD -----------------------------------------------------

func TestCreateSubscription(t *testing.T) {
	ms := &mockStore{}
	h := newTestHandler(ms)

	body := []byte(`{"channel":"WEBHOOK","endpoint":"https://example.com/hook","scope":"PORT","entity_id":"port-1","severity_min":"HIGH","secret":"s3cret"}`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/subscriptions", body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	sub := ms.created
	if sub == nil {
		t.Fatal("store not called")
	}
	if sub.TenantID != defaultTenant || sub.UserID != "user-1" {
		t.Errorf("ownership = %s/%s, want identity", sub.TenantID, sub.UserID)
	}
	if sub.Scope != storage.ScopePort || sub.EntityType != "port" || sub.EntityID != "port-1" {
		t.Errorf("scope = %+v", sub)
	}
	if !sub.IsEnabled || sub.SignatureVersion != "v1" {
		t.Errorf("defaults not applied: %+v", sub)
	}
}

func TestCreateSubscriptionValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing channel", `{"endpoint":"https://example.com"}`},
		{"bad channel", `{"channel":"SMS","endpoint":"https://example.com"}`},
		{"missing endpoint", `{"channel":"WEBHOOK"}`},
		{"port scope without entity", `{"channel":"WEBHOOK","endpoint":"https://example.com","scope":"PORT"}`},
		{"bad severity", `{"channel":"WEBHOOK","endpoint":"https://example.com","severity_min":"SEVERE"}`},
		{"bad confidence", `{"channel":"WEBHOOK","endpoint":"https://example.com","confidence_min":"CERTAIN"}`},
		{"malformed json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(&mockStore{})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, authedRequest(http.MethodPost, "/api/v1/subscriptions", []byte(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestUpdateSubscriptionNotFound(t *testing.T) {
	h := newTestHandler(&mockStore{updateHit: false})
	body := []byte(`{"channel":"EMAIL","endpoint":"ops@example.com"}`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPut, "/api/v1/subscriptions/sub-404", body))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUpdateSubscriptionCarriesURLID(t *testing.T) {
	ms := &mockStore{updateHit: true}
	h := newTestHandler(ms)
	body := []byte(`{"channel":"EMAIL","endpoint":"ops@example.com"}`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodPut, "/api/v1/subscriptions/sub-9", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ms.updated == nil || ms.updated.SubscriptionID != "sub-9" {
		t.Errorf("updated = %+v", ms.updated)
	}
}

func TestDeleteSubscription(t *testing.T) {
	h := newTestHandler(&mockStore{deleteHit: true})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodDelete, "/api/v1/subscriptions/sub-1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	h = newTestHandler(&mockStore{deleteHit: false})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodDelete, "/api/v1/subscriptions/sub-404", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
