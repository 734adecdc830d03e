package admin

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/subsentry/subsentry/pkg/audit"
)

// HandleQueryAudit returns a handler that queries the audit trail. All
// filters are optional query parameters.
func HandleQueryAudit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		filter := audit.QueryFilter{
			EventType: strings.TrimSpace(r.URL.Query().Get("event")),
			Actor:     strings.TrimSpace(r.URL.Query().Get("actor")),
			OrgID:     strings.TrimSpace(r.URL.Query().Get("org_id")),
			Limit:     100,
		}
		if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 1000 {
				writeError(w, http.StatusBadRequest, "limit must be 1-1000")
				return
			}
			filter.Limit = n
		}
		if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid offset")
				return
			}
			filter.Offset = n
		}
		if v := strings.TrimSpace(r.URL.Query().Get("start")); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "start must be RFC3339")
				return
			}
			filter.StartTime = &t
		}
		if v := strings.TrimSpace(r.URL.Query().Get("end")); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "end must be RFC3339")
				return
			}
			filter.EndTime = &t
		}
		if v := strings.TrimSpace(r.URL.Query().Get("success")); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid success filter")
				return
			}
			filter.Success = &b
		}

		logger := audit.GetLogger()
		events, err := logger.Query(filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		total, err := logger.Count(filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if events == nil {
			events = []audit.Event{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": events,
			"total":  total,
		})
	}
}
