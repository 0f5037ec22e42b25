package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Sweep runs a presence reconciliation pass on demand. It requires the
// admin bearer token and is disabled when none is configured.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.adminToken == "" || h.sweeper == nil {
		h.Error(w, http.StatusNotFound, "not found")
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		h.logger.Warn().
			Str("type", "security").
			Str("event", "admin_rejected").
			Str("path", r.URL.Path).
			Msg("invalid admin token")
		h.Error(w, http.StatusUnauthorized, "invalid admin token")
		return
	}

	res, ran := h.sweeper.RunNow(r.Context())
	if !ran {
		h.Error(w, http.StatusConflict, "sweep already running")
		return
	}
	h.JSON(w, http.StatusOK, res)
}
