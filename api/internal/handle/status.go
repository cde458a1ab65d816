package handle

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"exam-grader/api/internal/grading"
	"exam-grader/api/internal/types"
)

// Ledger — чтение журнала проверки листов.
type Ledger interface {
	Find(ctx context.Context, gradingSheetID int64) (grading.JobRecord, error)
}

// WithLedger включает GET /grading/sheets/{id}; без журнала ручка отвечает 503.
func (h *Handle) WithLedger(l Ledger) *Handle {
	h.ledger = l
	return h
}

// SheetStatusResponse — состояние листа по журналу.
type SheetStatusResponse struct {
	BatchID           string                 `json:"batchId"`
	GradingSheetID    int64                  `json:"gradingSheetId"`
	Status            string                 `json:"status"`
	FailureReason     string                 `json:"failureReason,omitempty"`
	CallbackDelivered bool                   `json:"callbackDelivered"`
	CallbackError     string                 `json:"callbackError,omitempty"`
	UpdatedAt         time.Time              `json:"updatedAt"`
	Result            *types.CallbackPayload `json:"result,omitempty"`
}

// SheetStatusFrom переводит запись журнала в ответ API.
func SheetStatusFrom(rec grading.JobRecord) SheetStatusResponse {
	return SheetStatusResponse{
		BatchID:           rec.BatchID,
		GradingSheetID:    rec.GradingSheetID,
		Status:            string(rec.Status),
		FailureReason:     rec.FailureReason,
		CallbackDelivered: rec.CallbackDelivered,
		CallbackError:     rec.CallbackError,
		UpdatedAt:         rec.UpdatedAt,
		Result:            rec.Payload,
	}
}

func (h *Handle) SheetStatus(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "sheet-status: job ledger is not configured"})
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeErr(w, "sheet-status", badRequest("gradingSheetId must be an integer"))
		return
	}
	rec, err := h.ledger.Find(r.Context(), id)
	if err != nil {
		writeErr(w, "sheet-status", err)
		return
	}
	writeJSON(w, http.StatusOK, SheetStatusFrom(rec))
}
