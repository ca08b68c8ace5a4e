package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/veriscope/veriscope/internal/ais"
	"github.com/veriscope/veriscope/internal/cache"
	"github.com/veriscope/veriscope/internal/storage"
)

const dayLayout = "2006-01-02"

// Store is the slice of the storage layer the REST handlers need.
type Store interface {
	QuerySignals(ctx context.Context, q storage.SignalQuery) ([]storage.Signal, int, error)
	QueryDeliveries(ctx context.Context, q storage.DeliveryQuery) ([]storage.Delivery, error)
	CreateSubscription(ctx context.Context, sub storage.Subscription) (string, error)
	GetSubscription(ctx context.Context, tenantID, subscriptionID string) (*storage.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]storage.Subscription, error)
	UpdateSubscription(ctx context.Context, sub storage.Subscription) (bool, error)
	DeleteSubscription(ctx context.Context, tenantID, subscriptionID string) (bool, error)
	Ping(ctx context.Context) error
}

// Server holds the dependencies of the REST handlers. AISStats and Outbox
// feed the health endpoint; Cache may be nil (cacheless operation).
type Server struct {
	store    Store
	cache    *cache.Cache
	aisStats func() ais.Stats
	outboxOK func() int
}

// NewServer wires the handler dependencies. aisStats and outboxDepth may be
// nil when the corresponding subsystem is not running (tests, partial
// deployments).
func NewServer(store Store, c *cache.Cache, aisStats func() ais.Stats, outboxDepth func() int) *Server {
	return &Server{store: store, cache: c, aisStats: aisStats, outboxOK: outboxDepth}
}

// signalsResponse is the envelope of GET /api/v1/signals.
type signalsResponse struct {
	Items []storage.Signal `json:"items"`
	Total int              `json:"total"`
}

// handleGetSignals responds to GET /api/v1/signals.
//
// Supported query parameters:
//
//	port_id      – exact entity filter (optional)
//	signal_type  – exact detector type (optional)
//	severity     – exact severity (optional)
//	severity_min – inclusive severity floor (optional)
//	day_from     – inclusive YYYY-MM-DD lower bound (optional)
//	day_to       – inclusive YYYY-MM-DD upper bound (optional)
//	clustered    – "true" returns one representative per cluster
//	limit        – page size (default 100, max 1000)
//	offset       – pagination offset (default 0)
//
// Responses are cached per tenant and query shape when Redis is configured.
func (s *Server) handleGetSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sq := storage.SignalQuery{
		PortID:     q.Get("port_id"),
		SignalType: q.Get("signal_type"),
	}

	if sev := q.Get("severity"); sev != "" {
		if !storage.ValidSeverity(storage.Severity(sev)) {
			writeError(w, http.StatusBadRequest, "'severity' must be one of LOW, MEDIUM, HIGH, CRITICAL")
			return
		}
		sq.Severity = storage.Severity(sev)
	}
	if sev := q.Get("severity_min"); sev != "" {
		if !storage.ValidSeverity(storage.Severity(sev)) {
			writeError(w, http.StatusBadRequest, "'severity_min' must be one of LOW, MEDIUM, HIGH, CRITICAL")
			return
		}
		sq.SeverityMin = storage.Severity(sev)
	}

	var err error
	if sq.DayFrom, err = parseDay(q.Get("day_from")); err != nil {
		writeError(w, http.StatusBadRequest, "'day_from' must be a YYYY-MM-DD date")
		return
	}
	if sq.DayTo, err = parseDay(q.Get("day_to")); err != nil {
		writeError(w, http.StatusBadRequest, "'day_to' must be a YYYY-MM-DD date")
		return
	}

	if v := q.Get("clustered"); v != "" {
		clustered, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'clustered' must be a boolean")
			return
		}
		sq.Clustered = clustered
	}
	if sq.Limit, err = parseBoundedInt(q.Get("limit"), 1000); err != nil {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		sq.Offset = offset
	}

	tenantID := ""
	if id, ok := IdentityFromContext(r.Context()); ok {
		tenantID = id.TenantID
	}
	key := cache.SignalsKey(tenantID, q.Encode())

	var resp signalsResponse
	if hit, err := s.cache.GetJSON(r.Context(), key, &resp); err == nil && hit {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	items, total, err := s.store.QuerySignals(r.Context(), sq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query signals")
		return
	}
	if items == nil {
		items = []storage.Signal{}
	}
	resp = signalsResponse{Items: items, Total: total}
	s.cache.SetJSON(r.Context(), key, resp)
	writeJSON(w, http.StatusOK, resp)
}

// deliveriesResponse is the envelope of GET /api/v1/alerts/deliveries. The
// cursor fields are set when the page is full; passing them back as
// cursor_created_at / cursor_id yields the next page.
type deliveriesResponse struct {
	Items               []storage.Delivery `json:"items"`
	NextCursorCreatedAt *time.Time         `json:"next_cursor_created_at,omitempty"`
	NextCursorID        string             `json:"next_cursor_id,omitempty"`
}

// handleGetDeliveries responds to GET /api/v1/alerts/deliveries.
//
// Supported query parameters:
//
//	user_id           – restrict to one user's subscriptions (optional)
//	subscription_id   – repeatable exact subscription filter (optional)
//	day               – YYYY-MM-DD creation-day filter (optional)
//	status            – SENT, FAILED, SKIPPED_DEDUPE, SKIPPED_RATE_LIMIT (optional)
//	cursor_created_at – RFC3339 cursor position, paired with cursor_id
//	cursor_id         – delivery ID cursor position
//	limit             – page size (default 50, max 200)
//
// The tenant always comes from the authenticated identity; rows of other
// tenants are unreachable regardless of parameters.
func (s *Server) handleGetDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	q := r.URL.Query()

	dq := storage.DeliveryQuery{
		TenantID:        id.TenantID,
		UserID:          q.Get("user_id"),
		SubscriptionIDs: q["subscription_id"],
	}

	if st := q.Get("status"); st != "" {
		switch storage.DeliveryStatus(st) {
		case storage.DeliverySent, storage.DeliveryFailed,
			storage.DeliverySkippedDedupe, storage.DeliverySkippedRateLimit:
			dq.Status = storage.DeliveryStatus(st)
		default:
			writeError(w, http.StatusBadRequest, "'status' is not a valid delivery status")
			return
		}
	}

	var err error
	if dq.Day, err = parseDay(q.Get("day")); err != nil {
		writeError(w, http.StatusBadRequest, "'day' must be a YYYY-MM-DD date")
		return
	}
	if dq.Limit, err = parseBoundedInt(q.Get("limit"), 200); err != nil {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return
	}

	cursorAt, cursorID := q.Get("cursor_created_at"), q.Get("cursor_id")
	if (cursorAt == "") != (cursorID == "") {
		writeError(w, http.StatusBadRequest, "'cursor_created_at' and 'cursor_id' must be passed together")
		return
	}
	if cursorAt != "" {
		at, err := time.Parse(time.RFC3339Nano, cursorAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'cursor_created_at' must be an RFC3339 timestamp")
			return
		}
		dq.CursorCreatedAt = &at
		dq.CursorID = cursorID
	}

	items, err := s.store.QueryDeliveries(r.Context(), dq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query deliveries")
		return
	}

	resp := deliveriesResponse{Items: items}
	if resp.Items == nil {
		resp.Items = []storage.Delivery{}
	}
	limit := dq.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(items) == limit {
		last := items[len(items)-1]
		at := last.CreatedAt
		resp.NextCursorCreatedAt = &at
		resp.NextCursorID = last.DeliveryID
	}
	writeJSON(w, http.StatusOK, resp)
}

// subscriptionRequest is the JSON body of POST and PUT subscription calls.
type subscriptionRequest struct {
	Scope            string `json:"scope"`
	EntityType       string `json:"entity_type"`
	EntityID         string `json:"entity_id"`
	SeverityMin      string `json:"severity_min"`
	ConfidenceMin    string `json:"confidence_min"`
	Channel          string `json:"channel"`
	Endpoint         string `json:"endpoint"`
	Secret           string `json:"secret"`
	SignatureVersion string `json:"signature_version"`
	IsEnabled        *bool  `json:"is_enabled"`
}

// toSubscription validates the request body and maps it onto a Subscription
// owned by the authenticated identity.
func (req *subscriptionRequest) toSubscription(id *storage.Identity) (storage.Subscription, error) {
	sub := storage.Subscription{
		TenantID:         id.TenantID,
		UserID:           id.UserID,
		Scope:            storage.ScopeGlobal,
		SeverityMin:      storage.SeverityLow,
		SignatureVersion: "v1",
		IsEnabled:        true,
	}

	switch storage.Channel(req.Channel) {
	case storage.ChannelWebhook, storage.ChannelEmail:
		sub.Channel = storage.Channel(req.Channel)
	default:
		return sub, errors.New("'channel' must be WEBHOOK or EMAIL")
	}
	if req.Endpoint == "" {
		return sub, errors.New("'endpoint' is required")
	}
	sub.Endpoint = req.Endpoint

	if req.Scope != "" {
		switch storage.Scope(req.Scope) {
		case storage.ScopeGlobal:
		case storage.ScopePort:
			if req.EntityID == "" {
				return sub, errors.New("'entity_id' is required for PORT scope")
			}
			sub.Scope = storage.ScopePort
			sub.EntityType = "port"
			sub.EntityID = req.EntityID
		default:
			return sub, errors.New("'scope' must be PORT or GLOBAL")
		}
	}
	if req.SeverityMin != "" {
		if !storage.ValidSeverity(storage.Severity(req.SeverityMin)) {
			return sub, errors.New("'severity_min' must be one of LOW, MEDIUM, HIGH, CRITICAL")
		}
		sub.SeverityMin = storage.Severity(req.SeverityMin)
	}
	if req.ConfidenceMin != "" {
		band := storage.ConfidenceBand(req.ConfidenceMin)
		if band.Rank() == 0 {
			return sub, errors.New("'confidence_min' must be one of LOW, MEDIUM, HIGH")
		}
		sub.ConfidenceMin = band
	}
	sub.Secret = req.Secret
	if req.SignatureVersion != "" {
		sub.SignatureVersion = req.SignatureVersion
	}
	if req.IsEnabled != nil {
		sub.IsEnabled = *req.IsEnabled
	}
	return sub, nil
}

// handleCreateSubscription responds to POST /api/v1/subscriptions.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	sub, err := req.toSubscription(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	subID, err := s.store.CreateSubscription(r.Context(), sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create subscription")
		return
	}
	sub.SubscriptionID = subID
	writeJSON(w, http.StatusCreated, sub)
}

// handleListSubscriptions responds to GET /api/v1/subscriptions.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	subs, err := s.store.ListSubscriptions(r.Context(), id.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []storage.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// handleGetSubscription responds to GET /api/v1/subscriptions/{id}.
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sub, err := s.store.GetSubscription(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleUpdateSubscription responds to PUT /api/v1/subscriptions/{id}. The
// body carries the full mutable field set; partial updates are not
// supported.
func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	sub, err := req.toSubscription(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub.SubscriptionID = chi.URLParam(r, "id")

	matched, err := s.store.UpdateSubscription(r.Context(), sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	if !matched {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleDeleteSubscription responds to DELETE /api/v1/subscriptions/{id}.
func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	matched, err := s.store.DeleteSubscription(r.Context(), id.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	if !matched {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// healthResponse is the body of GET /healthz: overall status plus
// per-subsystem detail.
type healthResponse struct {
	Status   string     `json:"status"`
	Database string     `json:"database"`
	Cache    string     `json:"cache"`
	Outbox   *int       `json:"outbox_depth,omitempty"`
	AIS      *ais.Stats `json:"ais,omitempty"`
}

// handleHealthz responds to GET /healthz without authentication. A database
// failure makes the probe report 503; a degraded cache or AIS feed is
// reported in the body but keeps the status 200, matching what the process
// can still serve.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok", Cache: "disabled"}
	code := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unreachable"
		code = http.StatusServiceUnavailable
	}
	if s.cache.Enabled() {
		resp.Cache = "ok"
		if err := s.cache.Ping(r.Context()); err != nil {
			resp.Cache = "unreachable"
			resp.Status = "degraded"
		}
	}
	if s.aisStats != nil {
		stats := s.aisStats()
		resp.AIS = &stats
		if !stats.IsHealthy {
			resp.Status = "degraded"
		}
	}
	if s.outboxOK != nil {
		depth := s.outboxOK()
		resp.Outbox = &depth
	}

	writeJSON(w, code, resp)
}

// writeJSON writes v as the JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError is a thin wrapper around writeJSONError for handler use.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

// parseDay parses an optional YYYY-MM-DD parameter; empty yields nil.
func parseDay(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	day, err := time.Parse(dayLayout, v)
	if err != nil {
		return nil, err
	}
	return &day, nil
}

// parseBoundedInt parses an optional positive integer capped at max; empty
// yields 0 (caller default).
func parseBoundedInt(v string, max int) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("not a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
