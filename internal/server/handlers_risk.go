package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/slotwarden/slotwarden/internal/model"
)

// HandleDetect handles POST /v1/detect.
func (h *Handlers) HandleDetect(w http.ResponseWriter, r *http.Request) {
	var req model.DetectRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateSubjectID(req.SubjectID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := req.Window.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	events, err := h.detector.Detect(r.Context(), req.SubjectID, req.Window)
	if err != nil {
		h.writeServiceError(w, r, "detect", err)
		return
	}
	if events == nil {
		events = []model.ConflictEvent{}
	}
	writeJSON(w, r, http.StatusOK, model.DetectResponse{Conflicts: events})
}

// HandleExternalChange handles POST /v1/external-changes, the webhook entry
// point for provider-side calendar edits.
func (h *Handlers) HandleExternalChange(w http.ResponseWriter, r *http.Request) {
	var req model.ExternalChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateSubjectID(req.SubjectID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Provider == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "provider is required")
		return
	}
	if err := req.Window.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	events, err := h.detector.OnExternalChange(r.Context(), req.SubjectID, req.Provider, req.Window)
	if err != nil {
		h.writeServiceError(w, r, "external change", err)
		return
	}
	if events == nil {
		events = []model.ConflictEvent{}
	}
	writeJSON(w, r, http.StatusAccepted, model.DetectResponse{Conflicts: events})
}

// HandleAnalyzeRisk handles POST /v1/risk/analyze.
func (h *Handlers) HandleAnalyzeRisk(w http.ResponseWriter, r *http.Request) {
	var req model.RiskAnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateSubjectID(req.SubjectID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := req.Window.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	assessment, err := h.risks.AnalyzeBookingRequest(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "analyze risk", err)
		return
	}
	writeJSON(w, r, http.StatusOK, assessment)
}

// HandleGetRisk handles GET /v1/risks/{id}.
func (h *Handlers) HandleGetRisk(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	risk, err := h.risks.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "get risk", err)
		return
	}
	writeJSON(w, r, http.StatusOK, risk)
}

// HandlePrevent handles POST /v1/risks/{id}/prevent. An empty body runs the
// risk's recommended strategies.
func (h *Handlers) HandlePrevent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.PreventRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}
	for _, s := range req.Strategies {
		if s == "" || len(s) > model.MaxStrategyLen {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid strategy name")
			return
		}
	}

	result, err := h.risks.PreventPredictedConflict(r.Context(), id, req.Strategies)
	if err != nil {
		h.writeServiceError(w, r, "prevent", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}
