package api

import (
	"encoding/json"
	"net/http"

	"github.com/hackgods/clinic-slot-reservation/internal/booking"
)

var codeStatus = map[booking.Code]int{
	booking.CodeInvalidArgument:    http.StatusBadRequest,
	booking.CodeUnauthenticated:    http.StatusUnauthorized,
	booking.CodeNotFound:           http.StatusNotFound,
	booking.CodeFailedPrecondition: http.StatusConflict,
	booking.CodeInternal:           http.StatusInternalServerError,
}

// writeServiceError maps a classified booking error to its HTTP status.
// Internal errors never leak their cause to the client.
func writeServiceError(w http.ResponseWriter, err error) {
	code := booking.CodeOf(err)
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeError(w, status, string(code), booking.MessageOf(err))
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
