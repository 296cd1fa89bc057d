package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/pipesched/internal/scheduler"
	"github.com/me/pipesched/pkg/model"
)

type backfillDetail struct {
	*model.Backfill
	PipelineRuns []*model.PipelineRun `json:"pipeline_runs"`
}

// handleCreateBackfill creates a backfill and its runs.
// POST /api/v1/backfills
func (s *Server) handleCreateBackfill(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req scheduler.BackfillRequest
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	bf, runs, err := s.creator.CreateBackfill(r.Context(), req)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, backfillDetail{Backfill: bf, PipelineRuns: runs})
}

// handleListBackfills lists every backfill.
// GET /api/v1/backfills
func (s *Server) handleListBackfills(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	bfs, err := s.store.ListBackfills(r.Context())
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if bfs == nil {
		bfs = []*model.Backfill{}
	}
	respondOK(w, reqID, bfs)
}

// handleGetBackfill returns a backfill with its runs.
// GET /api/v1/backfills/{id}
func (s *Server) handleGetBackfill(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	bf, err := s.store.GetBackfill(r.Context(), id)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if bf == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("backfill", id))
		return
	}
	runs, err := s.store.ListRuns(r.Context(), model.RunFilter{BackfillID: id})
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if runs == nil {
		runs = []*model.PipelineRun{}
	}
	respondOK(w, reqID, backfillDetail{Backfill: bf, PipelineRuns: runs})
}
