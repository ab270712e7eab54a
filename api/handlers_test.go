package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"soundsense/config"
	"soundsense/core"
	"soundsense/storage"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	api          *API
	server       *httptest.Server
	observations *storage.SQLiteObservationStorage
	audit        *storage.SQLiteAuditStorage
	hub          *Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()

	db, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	observations := storage.NewSQLiteObservationStorage(db)
	audit := storage.NewSQLiteAuditStorage(db)

	hub := NewHub(8, logger)
	t.Cleanup(hub.Stop)

	pipeline := core.NewPipeline(observations, audit, hub, logger)

	hashed, err := bcrypt.GenerateFromPassword([]byte("test-password"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.API.Port = 0
	cfg.API.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.API.RateLimit.RequestsPerSecond = 1000
	cfg.API.RateLimit.Burst = 1000
	cfg.Auth.Enabled = true
	cfg.Auth.Username = "admin"
	cfg.Auth.HashedPassword = string(hashed)
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Auth.JWTExpiry = time.Hour
	cfg.Auth.DeviceTokenSecret = "provisioning-secret"
	cfg.Stream.QueueCapacity = 8

	a := NewAPI(pipeline, observations, audit, db, hub, cfg, logger)
	server := httptest.NewServer(a.Handler())
	t.Cleanup(server.Close)

	return &testEnv{api: a, server: server, observations: observations, audit: audit, hub: hub}
}

func (e *testEnv) post(t *testing.T, path, token string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	resp := e.post(t, "/auth/login", "", loginRequest{Username: "admin", Password: "test-password"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	require.NotEmpty(t, tr.Token)
	return tr.Token
}

func validIngestBody() core.RawSample {
	return core.RawSample{
		PatientID: "patient-1",
		DeviceID:  "esp32-01",
		Code:      "sound",
		Value:     480,
		Unit:      "dB",
	}
}

func TestPublicIngestSuccess(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/ingest", "", validIngestBody())
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var res FHIRObservation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "Observation", res.ResourceType)
	assert.Equal(t, "Patient/patient-1", res.Subject.Reference)
	assert.Equal(t, 480.0, res.ValueQuantity.Value)
	assert.NoError(t, res.Validate())

	stored, err := env.observations.List(t.Context(), core.ObservationFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)

	entries, err := env.audit.GetEntries(t.Context(), core.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.ActionCreate, entries[0].Action)
	assert.Equal(t, 201, entries[0].StatusCode)
	assert.Equal(t, "device:esp32-01", entries[0].ActorID)
}

func TestPublicIngestOutOfRangeRejected(t *testing.T) {
	env := newTestEnv(t)

	body := validIngestBody()
	body.Value = 1500
	resp := env.post(t, "/ingest", "", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	stored, err := env.observations.List(t.Context(), core.ObservationFilter{})
	require.NoError(t, err)
	assert.Empty(t, stored)

	entries, err := env.audit.GetEntries(t.Context(), core.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 400, entries[0].StatusCode)
	assert.Equal(t, "out_of_range", entries[0].Metadata["constraint"])
}

func TestPublicIngestMalformedBody(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/ingest", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoginFailureAudited(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/auth/login", "", loginRequest{Username: "admin", Password: "wrong"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	entries, err := env.audit.GetEntries(t.Context(), core.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.ActionAccessDenied, entries[0].Action)
	assert.Equal(t, 401, entries[0].StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/api/fhir/Observation", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2 := env.get(t, "/api/fhir/Observation", "garbage-token")
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestObservationQueryReturnsBundleAndAuditsRead(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	for i := 0; i < 3; i++ {
		body := validIngestBody()
		body.Value = float64(100 * (i + 1))
		resp := env.post(t, "/ingest", "", body)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := env.get(t, "/api/fhir/Observation?patient_id=patient-1&limit=2", token)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var bundle FHIRBundle
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bundle))
	assert.Equal(t, "Bundle", bundle.ResourceType)
	assert.Equal(t, 2, bundle.Total)

	entries, err := env.audit.GetEntries(t.Context(), core.AuditFilter{ActorID: "admin"})
	require.NoError(t, err)
	var readSeen bool
	for _, e := range entries {
		if e.Action == core.ActionRead && e.ResourceType == "Observation" {
			readSeen = true
			assert.Equal(t, "patient-1", e.PatientID)
		}
	}
	assert.True(t, readSeen, "observation query must leave a READ audit entry")
}

func TestStatusUpdateFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	resp := env.post(t, "/ingest", "", validIngestBody())
	var created FHIRObservation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	patch := func(id, status string) *http.Response {
		data, _ := json.Marshal(statusUpdateRequest{Status: status})
		req, err := http.NewRequest(http.MethodPatch, env.server.URL+"/api/fhir/Observation/"+id+"/status", bytes.NewReader(data))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		r, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return r
	}

	r := patch(created.ID, "amended")
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)

	// amended is terminal.
	r = patch(created.ID, "final")
	r.Body.Close()
	assert.Equal(t, http.StatusConflict, r.StatusCode)

	r = patch(uuid.NewString(), "amended")
	r.Body.Close()
	assert.Equal(t, http.StatusNotFound, r.StatusCode)

	r = patch("not-a-uuid", "amended")
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestAuditEndpointAdminOnly(t *testing.T) {
	env := newTestEnv(t)
	admin := env.adminToken(t)

	// Provision a device token; it must not read the audit log.
	resp := env.post(t, "/auth/token", "", deviceTokenRequest{AdminSecret: "provisioning-secret", DeviceID: "esp32-09"})
	var deviceTok tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&deviceTok))
	resp.Body.Close()

	r := env.get(t, "/api/audit", deviceTok.Token)
	r.Body.Close()
	assert.Equal(t, http.StatusForbidden, r.StatusCode)

	r = env.get(t, "/api/audit", admin)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	var entries []core.AuditEntry
	require.NoError(t, json.NewDecoder(r.Body).Decode(&entries))
	assert.NotEmpty(t, entries)
}

func TestRoleDenialAuditMatchesResponseStatus(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/auth/token", "", deviceTokenRequest{AdminSecret: "provisioning-secret", DeviceID: "esp32-09"})
	var tok tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	resp.Body.Close()

	r := env.get(t, "/api/audit", tok.Token)
	r.Body.Close()
	require.Equal(t, http.StatusForbidden, r.StatusCode)

	entries, err := env.audit.GetEntries(t.Context(), core.AuditFilter{})
	require.NoError(t, err)
	var denied *core.AuditEntry
	for i := range entries {
		if entries[i].Action == core.ActionAccessDenied {
			denied = &entries[i]
		}
	}
	require.NotNil(t, denied, "role denial must leave an audit entry")
	assert.Equal(t, http.StatusForbidden, denied.StatusCode)
	assert.Equal(t, "device:esp32-09", denied.ActorID)
}

func TestDeviceTokenRejectsWrongSecret(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/auth/token", "", deviceTokenRequest{AdminSecret: "wrong", DeviceID: "esp32-09"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDeviceTokenCanUseAuthedIngest(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/auth/token", "", deviceTokenRequest{AdminSecret: "provisioning-secret", DeviceID: "esp32-09"})
	var tok tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	resp.Body.Close()

	body := validIngestBody()
	body.DeviceID = "esp32-09"
	r := env.post(t, "/api/ingest", tok.Token, body)
	defer r.Body.Close()
	assert.Equal(t, http.StatusCreated, r.StatusCode)

	entries, err := env.audit.GetEntries(t.Context(), core.AuditFilter{ActorID: "device:esp32-09"})
	require.NoError(t, err)
	var createSeen bool
	for _, e := range entries {
		if e.Action == core.ActionCreate && e.ResourceType == "Observation" {
			createSeen = true
			assert.Equal(t, core.RoleDevice, e.ActorRole)
		}
	}
	assert.True(t, createSeen)
}

// unavailableObservationStore fails every call, standing in for a storage
// outage while the audit table is still writable.
type unavailableObservationStore struct{}

func (unavailableObservationStore) Insert(context.Context, *core.Observation) error {
	return core.NewUnavailableError(errors.New("write pool unreachable"))
}

func (unavailableObservationStore) List(context.Context, core.ObservationFilter) ([]core.Observation, error) {
	return nil, core.NewUnavailableError(errors.New("read pool unreachable"))
}

func (unavailableObservationStore) Count(context.Context) (int64, error) {
	return 0, core.NewUnavailableError(errors.New("read pool unreachable"))
}

func (unavailableObservationStore) UpdateStatus(context.Context, uuid.UUID, core.ObservationStatus) error {
	return core.NewUnavailableError(errors.New("write pool unreachable"))
}

func TestFailedObservationQueryIsAudited(t *testing.T) {
	logger := zap.NewNop().Sugar()

	db, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	audit := storage.NewSQLiteAuditStorage(db)

	hub := NewHub(8, logger)
	t.Cleanup(hub.Stop)

	store := unavailableObservationStore{}
	pipeline := core.NewPipeline(store, audit, hub, logger)

	cfg := &config.Config{}
	cfg.API.RateLimit.RequestsPerSecond = 1000
	cfg.API.RateLimit.Burst = 1000
	cfg.Stream.QueueCapacity = 8

	a := NewAPI(pipeline, store, audit, db, hub, cfg, logger)
	server := httptest.NewServer(a.Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/api/fhir/Observation?patient_id=patient-1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	entries, err := audit.GetEntries(t.Context(), core.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.ActionRead, entries[0].Action)
	assert.Equal(t, "Observation", entries[0].ResourceType)
	assert.Equal(t, http.StatusServiceUnavailable, entries[0].StatusCode)
	assert.Equal(t, "patient-1", entries[0].PatientID)
	assert.NotEmpty(t, entries[0].ErrorMessage)
}

func TestStatsAndHealth(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	resp := env.post(t, "/ingest", "", validIngestBody())
	resp.Body.Close()

	r := env.get(t, "/api/stats", token)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&stats))
	assert.Equal(t, float64(1), stats["observations"])

	h := env.get(t, "/healthz", "")
	defer h.Body.Close()
	assert.Equal(t, http.StatusOK, h.StatusCode)
}

func TestWebSocketLiveFeedEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the hub a moment to register the subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for env.hub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, env.hub.SubscriberCount())

	body := validIngestBody()
	body.Value = 245
	resp := env.post(t, "/ingest", "", body)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var res FHIRObservation
	require.NoError(t, json.Unmarshal(msg, &res))
	assert.Equal(t, "Observation", res.ResourceType)
	assert.Equal(t, 245.0, res.ValueQuantity.Value)
	assert.Equal(t, "Patient/patient-1", res.Subject.Reference)
}

func TestRateLimitMiddleware(t *testing.T) {
	env := newTestEnv(t)
	env.api.config.API.RateLimit.RequestsPerSecond = 1
	env.api.config.API.RateLimit.Burst = 2

	var tooMany bool
	for i := 0; i < 10; i++ {
		resp := env.get(t, fmt.Sprintf("/healthz?i=%d", i), "")
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			tooMany = true
			break
		}
	}
	assert.True(t, tooMany, "burst traffic should hit the rate limit")
}
