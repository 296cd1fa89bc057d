package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/me/pipesched/pkg/model"
)

// handleEvent matches an inbound event against every event trigger and
// creates one run per matching schedule.
// POST /api/v1/events
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var payload map[string]any
	if apiErr := decodeJSON(r, &payload); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	if len(payload) == 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("event payload is empty"))
		return
	}

	runs, err := s.creator.TriggerEvent(r.Context(), payload)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if runs == nil {
		runs = []*model.PipelineRun{}
	}
	respondCreated(w, reqID, runs)
}

// handleTriggerAPI creates a run of an API trigger. The token is read from
// the X-Trigger-Token header or the request body.
// POST /api/v1/pipeline_schedules/{id}/pipeline_runs
func (s *Server) handleTriggerAPI(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req struct {
		Token       string `json:"token"`
		PipelineRun struct {
			Variables map[string]any `json:"variables"`
		} `json:"pipeline_run"`
	}
	if apiErr := decodeJSON(r, &req); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	token := r.Header.Get("X-Trigger-Token")
	if token == "" {
		token = req.Token
	}

	run, err := s.creator.TriggerAPI(r.Context(), id, token, req.PipelineRun.Variables)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, run)
}

// handleListSchedules lists schedules.
// GET /api/v1/pipeline_schedules
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q := r.URL.Query()

	scheds, err := s.store.ListSchedules(r.Context(), model.ScheduleFilter{
		PipelineUUID: q.Get("pipeline_uuid"),
		Status:       model.ScheduleStatus(q.Get("status")),
		ScheduleType: model.ScheduleType(q.Get("schedule_type")),
	})
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if scheds == nil {
		scheds = []*model.PipelineSchedule{}
	}
	respondOK(w, reqID, scheds)
}

// handleGetSchedule returns one schedule.
// GET /api/v1/pipeline_schedules/{id}
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		s.respondErr(w, reqID, err)
		return
	}
	if sched == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("pipeline schedule", id))
		return
	}
	respondOK(w, reqID, sched)
}
