package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"soundsense/core"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// handleIngest is the public device ingest endpoint. Devices without a token
// are a supported mode: the actor is derived from the sample's device id.
func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	sample, ok := a.decodeSample(w, r)
	if !ok {
		return
	}
	actor := core.Actor{ID: "device:" + strings.TrimSpace(sample.DeviceID), Role: core.RoleDevice}
	a.runIngest(w, r, actor, sample)
}

// handleAuthedIngest ingests with the actor resolved from JWT claims.
func (a *API) handleAuthedIngest(w http.ResponseWriter, r *http.Request) {
	sample, ok := a.decodeSample(w, r)
	if !ok {
		return
	}
	actor := core.Actor{ID: "device:" + strings.TrimSpace(sample.DeviceID), Role: core.RoleDevice}
	if claims := claimsFromContext(r.Context()); claims != nil {
		actor = actorFromClaims(claims)
	}
	a.runIngest(w, r, actor, sample)
}

// decodeSample parses and structurally validates the request body.
func (a *API) decodeSample(w http.ResponseWriter, r *http.Request) (core.RawSample, bool) {
	var sample core.RawSample
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	if err := decoder.Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err, a.logger)
		return core.RawSample{}, false
	}
	if err := a.validate.Struct(sample); err != nil {
		writeError(w, http.StatusBadRequest, "Missing required sample fields", err, a.logger)
		return core.RawSample{}, false
	}
	return sample, true
}

// runIngest pushes one sample through the pipeline and maps the outcome onto
// HTTP status codes.
func (a *API) runIngest(w http.ResponseWriter, r *http.Request, actor core.Actor, sample core.RawSample) {
	obs, err := a.pipeline.Submit(r.Context(), actor, a.requestContext(r), sample)
	if err != nil {
		var ve *core.ValidationError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Error(), nil, a.logger)
		case core.IsConstraint(err):
			writeError(w, http.StatusConflict, "Observation conflicts with existing data", err, a.logger)
		default:
			writeError(w, http.StatusServiceUnavailable, "Storage temporarily unavailable", err, a.logger)
		}
		return
	}
	writeJSON(w, http.StatusCreated, ToFHIR(*obs), a.logger)
}

// handleObservations serves GET /api/fhir/Observation as a FHIR bundle and
// records a READ audit entry for the query.
func (a *API) handleObservations(w http.ResponseWriter, r *http.Request) {
	filter := core.ObservationFilter{
		PatientID: r.URL.Query().Get("patient_id"),
		Code:      r.URL.Query().Get("code"),
		Limit:     parseIntParam(r, "limit", 0),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339", err, a.logger)
			return
		}
		filter.Since = t
	}

	observations, err := a.observations.List(r.Context(), filter)
	if err != nil {
		a.auditFailedRead(r, "Observation", filter.PatientID, err)
		writeError(w, http.StatusServiceUnavailable, "Failed to query observations", err, a.logger)
		return
	}

	entry := core.NewAuditEntry(core.ActionRead, "Observation")
	entry.ActorID, entry.ActorRole = a.actorIdentity(r)
	entry.PatientID = filter.PatientID
	entry.RequestContext = a.requestContext(r)
	entry.StatusCode = http.StatusOK
	entry.Metadata = map[string]interface{}{"result_count": len(observations)}
	a.pipeline.RecordAccess(r.Context(), entry)

	writeJSON(w, http.StatusOK, NewFHIRBundle(observations), a.logger)
}

type statusUpdateRequest struct {
	Status string `json:"status" validate:"required"`
}

// handleUpdateStatus serves PATCH /api/fhir/Observation/{id}/status.
func (a *API) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid observation id", err, a.logger)
		return
	}

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err, a.logger)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "status is required", err, a.logger)
		return
	}

	entry := core.NewAuditEntry(core.ActionUpdate, "Observation")
	entry.ActorID, entry.ActorRole = a.actorIdentity(r)
	entry.ResourceID = id.String()
	entry.RequestContext = a.requestContext(r)
	entry.Metadata = map[string]interface{}{"new_status": req.Status}

	err = a.observations.UpdateStatus(r.Context(), id, core.ObservationStatus(req.Status))
	switch {
	case err == nil:
		entry.StatusCode = http.StatusOK
		a.pipeline.RecordAccess(r.Context(), entry)
		writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": req.Status}, a.logger)
	case errors.Is(err, core.ErrNotFound):
		entry.StatusCode = http.StatusNotFound
		entry.ErrorMessage = err.Error()
		a.pipeline.RecordAccess(r.Context(), entry)
		writeError(w, http.StatusNotFound, "Observation not found", err, a.logger)
	case errors.Is(err, core.ErrIllegalTransition):
		entry.StatusCode = http.StatusConflict
		entry.ErrorMessage = err.Error()
		a.pipeline.RecordAccess(r.Context(), entry)
		writeError(w, http.StatusConflict, err.Error(), nil, a.logger)
	default:
		entry.StatusCode = http.StatusServiceUnavailable
		entry.ErrorMessage = err.Error()
		a.pipeline.RecordAccess(r.Context(), entry)
		writeError(w, http.StatusServiceUnavailable, "Failed to update observation", err, a.logger)
	}
}

// handleAuditLog serves GET /api/audit for compliance review. Admin only;
// reading the audit log is itself audited.
func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	filter := core.AuditFilter{
		PatientID: r.URL.Query().Get("patient_id"),
		ActorID:   r.URL.Query().Get("actor_id"),
		Limit:     parseIntParam(r, "limit", 0),
	}

	entries, err := a.audit.GetEntries(r.Context(), filter)
	if err != nil {
		a.auditFailedRead(r, "AuditLog", filter.PatientID, err)
		writeError(w, http.StatusServiceUnavailable, "Failed to query audit log", err, a.logger)
		return
	}

	entry := core.NewAuditEntry(core.ActionRead, "AuditLog")
	entry.ActorID, entry.ActorRole = a.actorIdentity(r)
	entry.PatientID = filter.PatientID
	entry.RequestContext = a.requestContext(r)
	entry.StatusCode = http.StatusOK
	entry.Metadata = map[string]interface{}{"result_count": len(entries)}
	a.pipeline.RecordAccess(r.Context(), entry)

	writeJSON(w, http.StatusOK, entries, a.logger)
}

// handleStats serves the read-only ingest statistics surface.
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	count, err := a.observations.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Failed to count observations", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"observations": count,
		"subscribers":  a.hub.SubscriberCount(),
	}, a.logger)
}

// handleHealth reports storage reachability and subscriber count.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := a.db.Ping(); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		a.logger.Errorw("Health check storage ping failed", "error", err)
	}
	writeJSON(w, code, map[string]interface{}{
		"status":      status,
		"subscribers": a.hub.SubscriberCount(),
	}, a.logger)
}

// auditFailedRead records a read attempt the storage layer rejected, so the
// trail shows the access was made even though no data was returned.
func (a *API) auditFailedRead(r *http.Request, resourceType, patientID string, err error) {
	entry := core.NewAuditEntry(core.ActionRead, resourceType)
	entry.ActorID, entry.ActorRole = a.actorIdentity(r)
	entry.PatientID = patientID
	entry.RequestContext = a.requestContext(r)
	entry.StatusCode = http.StatusServiceUnavailable
	entry.ErrorMessage = err.Error()
	a.pipeline.RecordAccess(r.Context(), entry)
}

// actorIdentity resolves the audit identity for the current request.
func (a *API) actorIdentity(r *http.Request) (string, core.ActorRole) {
	if claims := claimsFromContext(r.Context()); claims != nil {
		actor := actorFromClaims(claims)
		return actor.ID, actor.Role
	}
	return "anonymous", core.RoleUser
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
