package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustlane/core/pkg/api"
	"github.com/trustlane/core/pkg/audit"
	"github.com/trustlane/core/pkg/integrity"
	"github.com/trustlane/core/pkg/laneguard"
)

func newTestBoundary(t *testing.T) http.Handler {
	t.Helper()

	guard, err := laneguard.NewGuard(laneguard.Config{})
	require.NoError(t, err)

	verifier := integrity.NewVerifier(integrity.VerifierConfig{})

	trail, err := audit.NewTrail(audit.TrailConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = trail.Close(t.Context()) })

	server := newBoundaryServer(guard, verifier, nil, nil, trail, nil, slog.Default())
	return laneguard.NewMiddleware(guard, nil).Handler(server.routes())
}

func freshRecord() map[string]any {
	now := time.Now().UTC()
	return map[string]any{
		"record_id":      "PDO-" + uuid.NewString(),
		"decision_hash":  "a3f5b8c9d2e1f4a7b6c5d8e9f2a1b4c7d6e5f8a9b2c1d4e7f6a5b8c9d2e1f4a7",
		"policy_version": "2.1.0",
		"agent_id":       "AGENT-01",
		"action":         "transfer",
		"outcome":        "approved",
		"timestamp":      now.Format(time.RFC3339),
		"nonce":          uuid.NewString(),
		"expires_at":     now.Add(time.Hour).Format(time.RFC3339),
		"signature":      map[string]any{"key_id": "k1", "sig": "00"},
	}
}

func postJSON(t *testing.T, handler http.Handler, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	if caller != "" {
		req.Header.Set(laneguard.CallerHeader, caller)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	handler := newTestBoundary(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateCleanRecord(t *testing.T) {
	handler := newTestBoundary(t)

	rec := postJSON(t, handler, "/api/v1/pdo/validate", "AGENT-01", freshRecord())
	require.Equal(t, http.StatusOK, rec.Code)

	var result integrity.AttackDetectionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Detected)
}

func TestValidateTamperedRecord(t *testing.T) {
	handler := newTestBoundary(t)

	record := freshRecord()
	record["decision_hash"] = "tampered"
	rec := postJSON(t, handler, "/api/v1/pdo/validate", "AGENT-01", record)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var result integrity.AttackDetectionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, integrity.AttackHashManipulation, result.AttackType)
}

func TestSettlementWithReplayedNonceDenied(t *testing.T) {
	handler := newTestBoundary(t)
	record := freshRecord()

	first := postJSON(t, handler, "/api/v1/settlement/execute", "AGENT-01", record)
	require.Equal(t, http.StatusOK, first.Code)

	second := postJSON(t, handler, "/api/v1/settlement/execute", "AGENT-01", record)
	require.Equal(t, http.StatusForbidden, second.Code)

	var denial api.DenialResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &denial))
	assert.Equal(t, string(laneguard.ViolationSettlementWithoutPDO), denial.Violation)
}

func TestSettlementDeniedForAnonymous(t *testing.T) {
	handler := newTestBoundary(t)

	rec := postJSON(t, handler, "/api/v1/settlement/execute", "", freshRecord())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOverrideEndpointGatesPayload(t *testing.T) {
	handler := newTestBoundary(t)

	t.Run("incomplete payload rejected", func(t *testing.T) {
		rec := postJSON(t, handler, "/api/v1/authority/override", "AGENT-02",
			map[string]any{"override_id": "OVR-1"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("complete payload recorded", func(t *testing.T) {
		payload := map[string]any{
			"override_id":       "OVR-1",
			"operator_id":       "op-1",
			"operator_tier":     "L3",
			"target":            "PDO-1",
			"original_decision": "denied",
			"override_decision": "approved",
			"justification":     "approved after manual review of the case",
			"citation":          "TICKET-1",
			"risk_acknowledged": true,
			"timestamp":         time.Now().UTC().Format(time.RFC3339),
			"session_id":        "sess-1",
			"source_ip":         "10.1.1.1",
		}
		rec := postJSON(t, handler, "/api/v1/authority/override", "AGENT-02", payload)
		require.Equal(t, http.StatusCreated, rec.Code)

		var record audit.AuditRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
		assert.Equal(t, audit.KindAuthorityOverride, record.EventType)
	})
}

func TestAuditEndpoints(t *testing.T) {
	handler := newTestBoundary(t)

	rec := postJSON(t, handler, "/api/v1/pdo/validate", "AGENT-01", freshRecord())
	require.Equal(t, http.StatusOK, rec.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/audit/records?kind=DECISION_VERIFIED", nil)
	listReq.Header.Set(laneguard.CallerHeader, "user-1")
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, listReq)
	require.Equal(t, http.StatusOK, listRec.Code)

	var records []audit.AuditRecord
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &records))
	require.NotEmpty(t, records)

	byIDReq := httptest.NewRequest(http.MethodGet, "/api/v1/audit/records/"+records[0].RecordID, nil)
	byIDReq.Header.Set(laneguard.CallerHeader, "user-1")
	byIDRec := httptest.NewRecorder()
	handler.ServeHTTP(byIDRec, byIDReq)
	assert.Equal(t, http.StatusOK, byIDRec.Code)

	verifyReq := httptest.NewRequest(http.MethodGet, "/api/v1/audit/verify", nil)
	verifyReq.Header.Set(laneguard.CallerHeader, "user-1")
	verifyRec := httptest.NewRecorder()
	handler.ServeHTTP(verifyRec, verifyReq)
	require.Equal(t, http.StatusOK, verifyRec.Code)

	var verdict map[string]any
	require.NoError(t, json.Unmarshal(verifyRec.Body.Bytes(), &verdict))
	assert.Equal(t, true, verdict["valid"])
}

func TestStatsEndpoint(t *testing.T) {
	handler := newTestBoundary(t)

	postJSON(t, handler, "/api/v1/pdo/validate", "AGENT-01", freshRecord())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set(laneguard.CallerHeader, "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Contains(t, stats, "laneguard")
	assert.Contains(t, stats, "integrity")
	assert.Contains(t, stats, "audit")
}
