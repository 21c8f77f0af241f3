package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/slotwarden/slotwarden/internal/ctxutil"
	"github.com/slotwarden/slotwarden/internal/integrity"
	"github.com/slotwarden/slotwarden/internal/model"
)

// Metrics window bounds.
const (
	defaultMetricsWindow = 24 * time.Hour
	maxMetricsWindow     = 30 * 24 * time.Hour
)

// HandleListResolutions handles GET /v1/resolutions.
func (h *Handlers) HandleListResolutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	f := model.ResolutionFilter{Limit: limit + 1, Offset: offset}

	if v := q.Get("status"); v != "" {
		st := model.ResolutionStatus(v)
		if !st.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status: "+v)
			return
		}
		f.Status = &st
	}
	if v := q.Get("subject_id"); v != "" {
		if err := model.ValidateSubjectID(v); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		f.SubjectID = &v
	}
	rh, err := queryBool(r, "requires_human")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f.RequiresHuman = rh

	list, err := h.store.ListResolutions(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, "list resolutions", err)
		return
	}
	hasMore := len(list) > limit
	if hasMore {
		list = list[:limit]
	}
	if list == nil {
		list = []model.ConflictResolution{}
	}
	writeList(w, r, list, hasMore, limit, offset)
}

// HandleGetResolution handles GET /v1/resolutions/{id}.
func (h *Handlers) HandleGetResolution(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	res, err := h.resolutions.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "get resolution", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

type auditResponse struct {
	ResolutionID uuid.UUID                `json:"resolution_id"`
	Status       model.ResolutionStatus   `json:"status"`
	Valid        bool                     `json:"valid"`
	Chain        integrity.ChainReport    `json:"chain"`
	Actions      []model.ResolutionAction `json:"actions"`
}

// HandleResolutionAudit handles GET /v1/resolutions/{id}/audit. It
// recomputes every action hash and the Merkle root over the trail.
func (h *Handlers) HandleResolutionAudit(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	res, err := h.resolutions.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "audit resolution", err)
		return
	}
	actions, err := h.store.ListActions(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "audit resolution", err)
		return
	}
	if actions == nil {
		actions = []model.ResolutionAction{}
	}
	report := integrity.VerifyChain(actions)
	if !report.Valid() {
		h.logger.Warn("integrity: action hash mismatch",
			"resolution_id", id, "mismatched", len(report.Mismatched))
	}
	writeJSON(w, r, http.StatusOK, auditResponse{
		ResolutionID: id,
		Status:       res.Status,
		Valid:        report.Valid(),
		Chain:        report,
		Actions:      actions,
	})
}

// HandleResolve handles POST /v1/resolutions/{id}/resolve.
func (h *Handlers) HandleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.ResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	res, ok, err := h.resolutions.HandleHumanResolution(r.Context(), id,
		ctxutil.OperatorID(r.Context()), req.Action, req.Parameters, req.Notes)
	if err != nil {
		h.writeServiceError(w, r, "resolve", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ResolveResponse{Success: ok, Resolution: res})
}

// HandleAssign handles POST /v1/resolutions/{id}/assign.
func (h *Handlers) HandleAssign(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.AssignRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateOperatorID(req.AssigneeID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "assignee_id: "+err.Error())
		return
	}

	res, err := h.resolutions.AssignResolution(r.Context(), id, req.AssigneeID, ctxutil.OperatorID(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "assign", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleOutcome handles POST /v1/resolutions/{id}/outcome and
// POST /v1/risks/{id}/outcome.
func (h *Handlers) HandleOutcome(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.OutcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	out, err := h.resolutions.LearnFromOutcome(r.Context(), id, req.ActualOutcome, req.ConflictOccurred, req.Satisfaction)
	if err != nil {
		h.writeServiceError(w, r, "record outcome", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, out)
}

// HandleMetrics handles GET /v1/metrics/resolutions?window=24h.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	window := defaultMetricsWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > maxMetricsWindow {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("invalid window %q: expected a positive duration up to %s", v, maxMetricsWindow))
			return
		}
		window = d
	}

	m, err := h.resolutions.Metrics(r.Context(), window)
	if err != nil {
		h.writeServiceError(w, r, "metrics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}
