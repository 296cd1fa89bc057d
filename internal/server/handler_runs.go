package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/me/pipesched/internal/executor"
	"github.com/me/pipesched/pkg/model"
)

type runDetail struct {
	*model.PipelineRun
	BlockRuns []*model.BlockRun `json:"block_runs"`
}

// handleListRuns lists pipeline runs, newest first.
// GET /api/v1/pipeline_runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	limit, offset, apiErr := pageParams(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	statuses, apiErr := runStatuses(r.URL.Query().Get("status"))
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	q := r.URL.Query()
	filter := model.RunFilter{
		PipelineScheduleID: q.Get("pipeline_schedule_id"),
		PipelineUUID:       q.Get("pipeline_uuid"),
		BackfillID:         q.Get("backfill_id"),
		Statuses:           statuses,
		NewestFirst:        true,
	}

	total, err := s.store.CountRuns(r.Context(), filter)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	filter.Limit, filter.Offset = limit, offset
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if runs == nil {
		runs = []*model.PipelineRun{}
	}
	respondList(w, reqID, runs, &model.Pagination{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(runs) < total,
	})
}

// handleGetRun returns a run with its block runs.
// GET /api/v1/pipeline_runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("pipeline run", id))
		return
	}
	brs, err := s.store.ListBlockRuns(r.Context(), id)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if brs == nil {
		brs = []*model.BlockRun{}
	}
	respondOK(w, reqID, runDetail{PipelineRun: run, BlockRuns: brs})
}

// handleListBlockRuns lists the block runs of a run.
// GET /api/v1/pipeline_runs/{id}/block_runs
func (s *Server) handleListBlockRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("pipeline run", id))
		return
	}
	brs, err := s.store.ListBlockRuns(r.Context(), id)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if brs == nil {
		brs = []*model.BlockRun{}
	}
	respondOK(w, reqID, brs)
}

// handleCancelRun cancels an active run and its in-flight block runs.
// PUT /api/v1/pipeline_runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.runs.Stop(r.Context(), id); err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, run)
}

// handleBlockComplete records the success of a block run reported by an
// out-of-process executor.
// POST /api/v1/pipeline_runs/{id}/block_runs/{uuid}/complete
func (s *Server) handleBlockComplete(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, blockUUID, ok := s.blockRunParams(w, r)
	if !ok {
		return
	}

	var res executor.Result
	if apiErr := decodeJSON(r, &res); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	if err := s.runs.OnBlockComplete(r.Context(), id, blockUUID, res); err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	s.respondBlockRun(w, r, id, blockUUID)
}

// handleBlockFail records the failure of a block run reported by an
// out-of-process executor.
// POST /api/v1/pipeline_runs/{id}/block_runs/{uuid}/fail
func (s *Server) handleBlockFail(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, blockUUID, ok := s.blockRunParams(w, r)
	if !ok {
		return
	}

	var req struct {
		Error string `json:"error"`
	}
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	if req.Error == "" {
		req.Error = "block run failed"
	}
	if err := s.runs.OnBlockFailure(r.Context(), id, blockUUID, errors.New(req.Error)); err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	s.respondBlockRun(w, r, id, blockUUID)
}

// blockRunParams reads the run id and the unescaped block run uuid. Composite
// uuids carry colons, which clients may percent-encode.
func (s *Server) blockRunParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	reqID := RequestIDFromContext(r.Context())
	blockUUID, err := url.PathUnescape(chi.URLParam(r, "uuid"))
	if err != nil || blockUUID == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid block run uuid",
				model.FieldError{Field: "uuid", Message: "block run uuid is malformed"}))
		return "", "", false
	}
	return chi.URLParam(r, "id"), blockUUID, true
}

func (s *Server) respondBlockRun(w http.ResponseWriter, r *http.Request, runID, blockUUID string) {
	reqID := RequestIDFromContext(r.Context())
	br, err := s.store.GetBlockRunByUUID(r.Context(), runID, blockUUID)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, br)
}
