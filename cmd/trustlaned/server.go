package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/trustlane/core/pkg/api"
	"github.com/trustlane/core/pkg/audit"
	"github.com/trustlane/core/pkg/audit/archive"
	"github.com/trustlane/core/pkg/integrity"
	"github.com/trustlane/core/pkg/laneguard"
)

// boundaryServer exposes the verification and audit operations over HTTP.
// Lane enforcement happens in the middleware before any handler runs.
type boundaryServer struct {
	guard    *laneguard.Guard
	verifier *integrity.Verifier
	keyring  *integrity.AuthorityKeyring
	floor    *integrity.PolicyVersionFloor
	trail    *audit.Trail
	archiver archive.Archiver
	logger   *slog.Logger
}

func newBoundaryServer(
	guard *laneguard.Guard,
	verifier *integrity.Verifier,
	keyring *integrity.AuthorityKeyring,
	floor *integrity.PolicyVersionFloor,
	trail *audit.Trail,
	archiver archive.Archiver,
	logger *slog.Logger,
) *boundaryServer {
	return &boundaryServer{
		guard:    guard,
		verifier: verifier,
		keyring:  keyring,
		floor:    floor,
		trail:    trail,
		archiver: archiver,
		logger:   logger,
	}
}

func (s *boundaryServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/pdo/validate", s.handleValidate)
	mux.HandleFunc("POST /api/v1/settlement/execute", s.handleSettlement)
	mux.HandleFunc("POST /api/v1/authority/override", s.handleOverride)
	mux.HandleFunc("GET /api/v1/audit/records", s.handleAuditRecords)
	mux.HandleFunc("GET /api/v1/audit/records/{id}", s.handleAuditRecordByID)
	mux.HandleFunc("GET /api/v1/audit/overrides", s.handleOverrideHistory)
	mux.HandleFunc("GET /api/v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	return mux
}

func (s *boundaryServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleValidate runs the full integrity check over a decision record. The
// outcome is audited either way.
func (s *boundaryServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	record, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	caller, _ := laneguard.CallerFromContext(r.Context())

	result := s.verifier.VerifyRecord(r.Context(), record)
	if result.Detected {
		_, _ = s.trail.Record(r.Context(), audit.KindAttackDetected, caller, record.RecordID(),
			audit.ResultBlocked, map[string]any{"attack_type": string(result.AttackType), "reason": result.Reason})
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	if s.floor != nil {
		if err := s.floor.Check(record); err != nil {
			_, _ = s.trail.Record(r.Context(), audit.KindAttackDetected, caller, record.RecordID(),
				audit.ResultBlocked, map[string]any{"reason": err.Error()})
			api.WriteError(w, http.StatusUnprocessableEntity, "Stale Policy Version", err.Error())
			return
		}
	}

	if s.keyring != nil && caller != "" {
		if err := s.keyring.VerifyAuthority(r.Context(), record, caller); err != nil {
			_, _ = s.trail.Record(r.Context(), audit.KindAttackDetected, caller, record.RecordID(),
				audit.ResultBlocked, map[string]any{"reason": err.Error()})
			api.WriteError(w, http.StatusForbidden, "Authority Verification Failed", err.Error())
			return
		}
	}

	_, _ = s.trail.Record(r.Context(), audit.KindDecisionVerified, caller, record.RecordID(),
		audit.ResultSuccess, nil)
	writeJSON(w, http.StatusOK, result)
}

// handleSettlement verifies the backing decision record, then re-runs the
// settlement lane check with the verification outcome. A failed verification
// surfaces as the settlement violation, not a plain 422.
func (s *boundaryServer) handleSettlement(w http.ResponseWriter, r *http.Request) {
	record, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	caller, _ := laneguard.CallerFromContext(r.Context())

	verification := s.verifier.VerifyRecord(r.Context(), record)
	check := s.guard.CheckAccess(r.Context(), laneguard.LaneSettlement, caller,
		laneguard.WithPDOValidated(!verification.Detected),
		laneguard.WithRequestPath(r.URL.Path),
	)
	if !check.Allowed {
		_, _ = s.trail.Record(r.Context(), audit.KindLaneViolation, caller, record.RecordID(),
			audit.ResultBlocked, map[string]any{"violation": string(check.Violation), "details": check.Details})
		api.WriteAccessDenied(w, string(check.Violation), check.Details)
		return
	}

	_, _ = s.trail.Record(r.Context(), audit.KindSettlementExecuted, caller, record.RecordID(),
		audit.ResultSuccess, map[string]any{"action": record["action"]})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "executed",
		"record_id": record.RecordID(),
	})
}

// handleOverride appends an authority override to the trail. The schema gate
// inside the trail is what accepts or refuses the payload.
func (s *boundaryServer) handleOverride(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	caller, _ := laneguard.CallerFromContext(r.Context())
	target, _ := payload["target"].(string)
	tier, _ := payload["operator_tier"].(string)

	record, err := s.trail.Record(r.Context(), audit.KindAuthorityOverride, caller, target,
		audit.ResultSuccess, payload, audit.WithActorTier(tier))
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "Override Rejected", err.Error())
		return
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(r.Context(), *record); err != nil {
			s.logger.Error("override archive failed", "record_id", record.RecordID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *boundaryServer) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	var filters []audit.QueryFilter
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filters = append(filters, audit.FilterKind(audit.RecordKind(kind)))
	}
	if actor := r.URL.Query().Get("actor"); actor != "" {
		filters = append(filters, audit.FilterActor(actor))
	}
	if result := r.URL.Query().Get("result"); result != "" {
		filters = append(filters, audit.FilterResult(audit.Result(result)))
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	filters = append(filters, audit.FilterLimit(limit))

	writeJSON(w, http.StatusOK, s.trail.GetRecords(filters...))
}

func (s *boundaryServer) handleAuditRecordByID(w http.ResponseWriter, r *http.Request) {
	record, ok := s.trail.GetRecordByID(r.PathValue("id"))
	if !ok {
		api.WriteError(w, http.StatusNotFound, "Record Not Found", "no audit record with id "+r.PathValue("id"))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *boundaryServer) handleOverrideHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.trail.GetOverrideHistory(r.URL.Query().Get("target")))
}

func (s *boundaryServer) handleAuditVerify(w http.ResponseWriter, _ *http.Request) {
	ok, detail := s.trail.VerifyChainIntegrity()
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"valid": ok, "detail": detail})
}

func (s *boundaryServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"laneguard": s.guard.GetStatistics(),
		"integrity": s.verifier.GetStatistics(),
		"audit":     s.trail.GetStatistics(),
	})
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (integrity.DecisionRecord, bool) {
	var record integrity.DecisionRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		api.WriteError(w, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return nil, false
	}
	return record, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
