package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/me/pipesched/pkg/model"
)

const defaultPageSize = 50

// pageParams reads limit and offset from the query string.
func pageParams(r *http.Request) (limit, offset int, apiErr *model.APIError) {
	limit = defaultPageSize
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, model.NewValidationError("invalid limit",
				model.FieldError{Field: "limit", Message: "limit must be a positive integer"})
		}
		limit = min(n, 1000)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, model.NewValidationError("invalid offset",
				model.FieldError{Field: "offset", Message: "offset must be a non-negative integer"})
		}
		offset = n
	}
	return limit, offset, nil
}

// runStatuses parses a comma separated status filter.
func runStatuses(v string) ([]model.RunStatus, *model.APIError) {
	if v == "" {
		return nil, nil
	}
	var out []model.RunStatus
	for _, part := range strings.Split(v, ",") {
		st := model.RunStatus(strings.TrimSpace(part))
		switch st {
		case model.RunStatusInitial, model.RunStatusRunning, model.RunStatusCompleted,
			model.RunStatusFailed, model.RunStatusCancelled:
			out = append(out, st)
		default:
			return nil, model.NewValidationError("invalid status filter",
				model.FieldError{Field: "status", Message: "unknown run status: " + part})
		}
	}
	return out, nil
}
