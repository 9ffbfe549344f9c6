package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/org/phivault/internal/archive"
	"github.com/org/phivault/internal/audit"
	"github.com/org/phivault/internal/crypto"
	"github.com/org/phivault/internal/retention"
	"github.com/org/phivault/internal/rotation"
	"github.com/org/phivault/internal/storage"
	"github.com/org/phivault/pkg/models"
)

const testToken = "test-service-token"

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore) {
	t.Helper()

	keyHex, err := crypto.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey failed: %v", err)
	}
	engine := crypto.NewEngine(crypto.HexKeySource(keyHex))
	if err := engine.Ready(); err != nil {
		t.Fatalf("engine not ready: %v", err)
	}

	store := storage.NewMemoryStore()
	recorder, err := audit.NewRecorder(context.Background(), store, nil, models.DefaultRetentionPolicy())
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	policies := []models.KeyRotationPolicy{{
		KeyType:               models.KeyTypePHIMaster,
		MaxAgeDays:            365,
		WarningThresholdDays:  []int{30, 14, 7},
		CriticalThresholdDays: 3,
	}}
	monitor := rotation.NewMonitor(store, policies, rotation.LogAlerter{})

	sink, err := archive.NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	enforcer := retention.NewEnforcer(store, sink)

	policy := models.DefaultRetentionPolicy()
	srv := NewServer(engine, recorder, monitor, enforcer, store, policy, Config{
		ListenAddr:   ":0",
		ServiceToken: testToken,
	})
	return srv, store
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("X-Service-Token", token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.BuildRouter(), http.MethodGet, "/v1/sys/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d, want 200", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestServiceTokenRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.BuildRouter()

	rec := doRequest(t, router, http.MethodPost, "/v1/crypto/encrypt", map[string]string{"plaintext": "x"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token = %d, want 401", rec.Code)
	}
	rec = doRequest(t, router, http.MethodPost, "/v1/crypto/encrypt", map[string]string{"plaintext": "x"}, "wrong")
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong token = %d, want 403", rec.Code)
	}
}

func TestEncryptDecryptViaAPI(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.BuildRouter()

	rec := doRequest(t, router, http.MethodPost, "/v1/crypto/encrypt",
		map[string]string{"plaintext": "555-123-4567"}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("encrypt = %d: %s", rec.Code, rec.Body.String())
	}
	var encResp struct {
		Envelope   string `json:"envelope"`
		SearchHash string `json:"search_hash"`
	}
	decodeBody(t, rec, &encResp)
	if !strings.HasPrefix(encResp.Envelope, crypto.EnvelopeVersion+":") {
		t.Errorf("envelope %q missing version prefix", encResp.Envelope)
	}
	if encResp.SearchHash == "" {
		t.Error("search hash missing")
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/crypto/decrypt",
		map[string]string{"envelope": encResp.Envelope}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("decrypt = %d: %s", rec.Code, rec.Body.String())
	}
	var decResp struct {
		Plaintext string `json:"plaintext"`
	}
	decodeBody(t, rec, &decResp)
	if decResp.Plaintext != "555-123-4567" {
		t.Errorf("plaintext = %q", decResp.Plaintext)
	}

	// The hash endpoint matches the one returned at encrypt time.
	rec = doRequest(t, router, http.MethodPost, "/v1/crypto/hash",
		map[string]string{"value": " 555-123-4567"}, testToken)
	var hashResp struct {
		SearchHash string `json:"search_hash"`
	}
	decodeBody(t, rec, &hashResp)
	if hashResp.SearchHash != encResp.SearchHash {
		t.Error("search hash should be stable across endpoints and whitespace")
	}
}

func TestDecryptErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.BuildRouter()

	rec := doRequest(t, router, http.MethodPost, "/v1/crypto/decrypt",
		map[string]string{"envelope": "not-an-envelope"}, testToken)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed envelope = %d, want 400", rec.Code)
	}

	enc := doRequest(t, router, http.MethodPost, "/v1/crypto/encrypt",
		map[string]string{"plaintext": "tamper me"}, testToken)
	var encResp struct {
		Envelope string `json:"envelope"`
	}
	decodeBody(t, enc, &encResp)
	parts := strings.Split(encResp.Envelope, ":")
	if parts[3][0] == '0' {
		parts[3] = "1" + parts[3][1:]
	} else {
		parts[3] = "0" + parts[3][1:]
	}
	rec = doRequest(t, router, http.MethodPost, "/v1/crypto/decrypt",
		map[string]string{"envelope": strings.Join(parts, ":")}, testToken)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("tampered envelope = %d, want 422", rec.Code)
	}
}

func TestAuditRecordAndVerify(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.BuildRouter()

	actor := "clinician-9"
	rec := doRequest(t, router, http.MethodPost, "/v1/audit/events", map[string]any{
		"actor_id":        actor,
		"action":          models.ActionPHIAccess,
		"resource_type":   "patient_record",
		"resource_id":     "pr-7",
		"fields_accessed": []string{"phone"},
		"success":         true,
		"status_code":     200,
	}, testToken)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("record = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ID            string `json:"id"`
		RiskScore     int    `json:"risk_score"`
		PHIFieldCount int    `json:"phi_field_count"`
		ContentHash   string `json:"content_hash"`
	}
	decodeBody(t, rec, &body)
	if body.RiskScore != 27 {
		t.Errorf("risk score = %d, want 27", body.RiskScore)
	}
	if body.PHIFieldCount != 1 {
		t.Errorf("phi field count = %d, want 1", body.PHIFieldCount)
	}
	if body.ContentHash == "" {
		t.Error("content hash missing")
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/audit/verify", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify = %d", rec.Code)
	}
	var verify struct {
		Intact bool               `json:"intact"`
		Breaks []audit.ChainBreak `json:"breaks"`
	}
	decodeBody(t, rec, &verify)
	if !verify.Intact {
		t.Errorf("chain should be intact, breaks: %+v", verify.Breaks)
	}
}

func TestAuditRecordRequiresActionAndResource(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.BuildRouter(), http.MethodPost, "/v1/audit/events",
		map[string]any{"resource_id": "pr-7"}, testToken)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("incomplete event = %d, want 400", rec.Code)
	}
}

func TestAuditQueryFilters(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.BuildRouter()

	for _, action := range []string{models.ActionRead, models.ActionExport, models.ActionRead} {
		doRequest(t, router, http.MethodPost, "/v1/audit/events", map[string]any{
			"action":        action,
			"resource_type": "patient_record",
			"success":       true,
		}, testToken)
	}

	rec := doRequest(t, router, http.MethodGet, "/v1/audit/events?action=EXPORT", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("query = %d", rec.Code)
	}
	var body struct {
		Count  int                  `json:"count"`
		Events []*models.AuditEvent `json:"events"`
	}
	decodeBody(t, rec, &body)
	if body.Count != 1 {
		t.Errorf("EXPORT count = %d, want 1", body.Count)
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/audit/events?min_risk_score=30", nil, testToken)
	decodeBody(t, rec, &body)
	for _, e := range body.Events {
		if e.RiskScore < 30 {
			t.Errorf("event %s has risk %d below filter", e.ID, e.RiskScore)
		}
	}
}

func TestRotationStatusAndRecord(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.BuildRouter()

	// No rotation history: the PHI master key must classify overdue.
	rec := doRequest(t, router, http.MethodGet, "/v1/rotation/status", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Keys []models.KeyStatus `json:"keys"`
	}
	decodeBody(t, rec, &body)
	if len(body.Keys) != 1 || body.Keys[0].State != models.KeyStateOverdue {
		t.Fatalf("unexpected status payload: %+v", body.Keys)
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/rotation/rotations",
		map[string]string{"key_type": models.KeyTypePHIMaster, "rotated_by": "ops"}, testToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("record rotation = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodGet, "/v1/rotation/status", nil, testToken)
	decodeBody(t, rec, &body)
	if body.Keys[0].State != models.KeyStateOK {
		t.Errorf("after rotation state = %s, want ok", body.Keys[0].State)
	}
}

func TestRetentionRunAndStats(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.BuildRouter()

	// Seed one event already past its stamped expiry.
	now := time.Now().UTC()
	expired := &models.AuditEvent{
		ID:              "00000000-0000-4000-8000-000000000001",
		Action:          models.ActionRead,
		ResourceType:    "patient_record",
		OccurredAt:      now.AddDate(-8, 0, 0),
		RetentionExpiry: now.AddDate(-1, 0, 0),
		ContentHash:     "seed",
	}
	if err := store.AppendAuditEvent(context.Background(), expired); err != nil {
		t.Fatalf("seeding event: %v", err)
	}

	rec := doRequest(t, router, http.MethodGet, "/v1/retention/stats", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	var statsBody struct {
		Stats models.StorageStats `json:"stats"`
	}
	decodeBody(t, rec, &statsBody)
	if statsBody.Stats.ExpiredEvents != 1 {
		t.Errorf("expired = %d, want 1", statsBody.Stats.ExpiredEvents)
	}

	rec = doRequest(t, router, http.MethodPost, "/v1/retention/run", nil, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("run = %d: %s", rec.Code, rec.Body.String())
	}
	var result models.EnforcementResult
	decodeBody(t, rec, &result)
	if result.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", result.Deleted)
	}
}

func TestOpsAPISelfAudits(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.BuildRouter()

	doRequest(t, router, http.MethodGet, "/v1/rotation/status", nil, testToken)

	events, err := store.AuditEventsAsc(context.Background())
	if err != nil {
		t.Fatalf("reading events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("ops API call should have been self-audited")
	}
	last := events[len(events)-1]
	if last.ResourceType != "ops_api" || last.Action != models.ActionRead {
		t.Errorf("self-audit event = %s/%s", last.ResourceType, last.Action)
	}
}
