package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/conmon/internal/pipeline"
	"github.com/dativo-io/conmon/internal/requestctx"
	"github.com/dativo-io/conmon/internal/runstore"
	"github.com/dativo-io/conmon/internal/state"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

type runStartRequest struct {
	SystemID    string   `json:"system_id"`
	SystemName  string   `json:"system_name"`
	Providers   []string `json:"providers"`
	Environment string   `json:"environment"`
	Baseline    string   `json:"baseline"`
	Frameworks  []string `json:"frameworks"`
	Question    string   `json:"question"`
}

// handleRunStart creates a run and executes the pipeline out of band. The run
// is checkpointed as pending before the 202 response so GET /api/runs/{id}
// resolves immediately.
func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	var req runStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.SystemID == "" && req.SystemName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "system_id or system_name is required")
		return
	}

	run := state.NewRun(state.RunScope{
		SystemID:    req.SystemID,
		SystemName:  req.SystemName,
		Providers:   req.Providers,
		Environment: req.Environment,
		Baseline:    req.Baseline,
		Frameworks:  req.Frameworks,
	}, req.Question)

	if err := s.runs.SaveRun(r.Context(), run); err != nil {
		log.Error().Err(err).Str("run_id", run.RunID).Msg("run_checkpoint_error")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if err := s.orch.ExecuteRun(ctx, run); err != nil {
			log.Error().Err(err).Str("run_id", run.RunID).Msg("run_execute_error")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": run.RunID,
		"status": string(state.StatusRunning),
	})
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.runs.ListRuns(r.Context(), r.URL.Query().Get("system_id"), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if runs == nil {
		runs = []runstore.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runstore.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Resume(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, runstore.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	case errors.Is(err, pipeline.ErrNotAwaitingApproval):
		writeError(w, http.StatusConflict, "not_awaiting_approval", err.Error())
		return
	case errors.Is(err, pipeline.ErrApprovalsPending):
		writeError(w, http.StatusConflict, "approvals_pending", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": run.RunID,
		"status": string(run.Status),
	})
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.runs.PendingApprovals(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if approvals == nil {
		approvals = []*state.Approval{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": approvals, "count": len(approvals)})
}

type approvalDecisionRequest struct {
	Approved   bool   `json:"approved"`
	ReviewedBy string `json:"reviewed_by"`
	Comment    string `json:"comment"`
}

// handleApprovalDecision records an approve/reject decision. When the
// decision clears the last pending approval of a suspended run, the run is
// resumed out of band.
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "id")
	var req approvalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	reviewedBy := req.ReviewedBy
	if reviewedBy == "" {
		reviewedBy = requestctx.CallerID(r.Context())
	}
	if reviewedBy == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "reviewed_by is required")
		return
	}

	appr, err := s.runs.GetApproval(r.Context(), approvalID)
	if errors.Is(err, runstore.ErrApprovalNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if err := s.runs.Decide(r.Context(), approvalID, reviewedBy, req.Approved); err != nil {
		if errors.Is(err, runstore.ErrApprovalNotPending) {
			writeError(w, http.StatusConflict, "already_decided", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	status := "rejected"
	if req.Approved {
		status = "approved"
	}
	resumed := false
	if req.Approved {
		pending, err := s.runs.HasPending(r.Context(), appr.RunID)
		if err == nil && !pending {
			resumed = true
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
				defer cancel()
				if _, err := s.orch.Resume(ctx, appr.RunID); err != nil {
					log.Error().Err(err).Str("run_id", appr.RunID).Msg("run_resume_error")
				}
			}()
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approval_id": approvalID,
		"run_id":      appr.RunID,
		"status":      status,
		"run_resumed": resumed,
	})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if runID := q.Get("run_id"); runID != "" {
		records, err := s.auditStore.ByRun(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
		return
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var from, to time.Time
	if v := q.Get("from"); v != "" {
		from, _ = time.Parse(time.RFC3339, v)
	}
	if v := q.Get("to"); v != "" {
		to, _ = time.Parse(time.RFC3339, v)
	}
	records, err := s.auditStore.List(r.Context(), q.Get("agent_id"), q.Get("tool"), from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records, "count": len(records)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.auditStore.Verify(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "verified": ok})
}
