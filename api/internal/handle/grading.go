package handle

import (
	"log/slog"
	"net/http"

	"exam-grader/api/internal/types"
)

// GradeBatch принимает пакет и сразу отвечает 202: итог по листам приходит только колбэками.
func (h *Handle) GradeBatch(w http.ResponseWriter, r *http.Request) {
	var req types.GradeBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.batch.Submit(req)
	if err != nil {
		writeErr(w, "grade-batch", err)
		return
	}
	slog.Info("grade batch accepted",
		slog.String("batch_id", out.BatchID),
		slog.Int("submitted", out.SubmittedCount))
	writeJSON(w, http.StatusAccepted, out)
}
