package handle

import (
	"context"
	"net/http"
	"time"
)

type healthResp struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

func (h *Handle) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.ping == nil {
		writeJSON(w, http.StatusOK, healthResp{Status: "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResp{Status: "degraded", DB: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResp{Status: "ok", DB: "ok"})
}
