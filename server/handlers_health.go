package server

import (
	"net/http"
	"strconv"
)

// HandleHealthz is the liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once predictions can be made: a live token for an
// affiliate or partner account.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	s, err := h.auth.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":       "not_ready",
			"failed_check": "scheduler",
			"error":        err.Error(),
		})
		return
	}
	if !s.Authorized {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":       "not_ready",
			"failed_check": "credentials",
			"state":        s.State.String(),
			"tier":         s.Tier.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleMessages returns feed messages newer than ?after=<seq>.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "after must be a non-negative integer"})
			return
		}
		after = n
	}
	msgs := h.feed.Since(after)
	last := after
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "last_seq": last})
}
