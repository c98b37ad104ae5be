package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/booking-engine/engine"
)

// =============================================================================
// ERROR MAPPING
// =============================================================================

// statusFor maps the engine taxonomy onto HTTP.
//
//	400  invalid_slot, invalid_time, mentor_required, service_unavailable,
//	     invalid_amount, invalid_request
//	402  insufficient_credits
//	403  forbidden
//	404  not_found
//	409  slot_unavailable, invalid_transition, concurrency_conflict
//	500  everything else
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, engine.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrSlotUnavailable),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidSlot),
		errors.Is(err, engine.ErrInvalidTime),
		errors.Is(err, engine.ErrMentorRequired),
		errors.Is(err, engine.ErrServiceUnavailable),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError renders err with its taxonomy code. Server errors are
// logged and their text is not sent to the client.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: engine.Code(err)}

	var ice *engine.InsufficientCreditsError
	if errors.As(err, &ice) {
		required, available := credits(ice.Required), credits(ice.Available)
		resp.Required, resp.Available = &required, &available
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		resp.Details = map[string]string{"from": string(te.From), "to": string(te.To)}
	}
	var se *engine.SlotUnavailableError
	if errors.As(err, &se) {
		resp.Details = map[string]string{"reason": se.Reason}
	}

	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r)),
			zap.Error(err))
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError is for failures detected in the transport layer itself.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: "invalid_request"}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
