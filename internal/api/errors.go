package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-reservation/internal/appointment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

// writeServiceError maps coordinator errors to HTTP responses. Anything it
// does not recognise is logged and answered with a bare 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *appointment.ValidationError
		conflict   *appointment.ConflictError
		raceLost   *appointment.RaceLostError
		cancelled  *appointment.AlreadyCancelledError
	)

	switch {
	case errors.Is(err, errMalformedBody):
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, ValidationErrorResponse{
			Error:  "validation_failed",
			Fields: validation.Fields,
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ConflictResponse{
			ErrorKind: string(conflict.Kind),
			Message:   conflict.Message,
		})
	case errors.As(err, &raceLost):
		writeJSON(w, http.StatusConflict, RaceLostResponse{
			Error:                raceLost.Error(),
			CanReschedule:        false,
			AppointmentID:        raceLost.AppointmentID,
			WinningAppointmentID: raceLost.WinningAppointmentID,
		})
	case errors.As(err, &cancelled):
		writeError(w, http.StatusConflict, "already_cancelled", cancelled.Error())
	case errors.Is(err, appointment.ErrSlotBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "slot_busy", err.Error())
	case appointment.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentSettled):
		writeError(w, http.StatusConflict, "appointment_settled", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "timeout", "the request timed out, please retry")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
