package admin

import (
	"net/http"

	"github.com/subsentry/subsentry/internal/engine/billmetrics"
	"github.com/subsentry/subsentry/internal/engine/orgstore"
)

type statusResponse struct {
	Version   string                             `json:"version"`
	TotalOrgs int                                `json:"total_orgs"`
	ByStatus  map[orgstore.SubscriptionStatus]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(store *orgstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(); err != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate organization status.
func HandleStatus(store *orgstore.Store, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountByStatus()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		total := 0
		for status, c := range counts {
			billmetrics.OrgsByStatus.WithLabelValues(string(status)).Set(float64(c))
			total += c
		}

		writeJSON(w, http.StatusOK, statusResponse{
			Version:   version,
			TotalOrgs: total,
			ByStatus:  counts,
		})
	}
}
