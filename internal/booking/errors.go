package booking

import (
	"errors"
)

// Code classifies every error the booking core returns.
type Code string

const (
	CodeUnauthenticated    Code = "unauthenticated"
	CodeInvalidArgument    Code = "invalid_argument"
	CodeNotFound           Code = "not_found"
	CodeFailedPrecondition Code = "failed_precondition"
	CodeInternal           Code = "internal"
)

// Error is a classified booking error. Message is safe to show to end users.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrUnauthenticated     = &Error{Code: CodeUnauthenticated, Message: "Login required"}
	ErrScheduleNotFound    = &Error{Code: CodeNotFound, Message: "Schedule not found"}
	ErrAppointmentNotFound = &Error{Code: CodeNotFound, Message: "Appointment not found"}
	ErrDoctorNotFound      = &Error{Code: CodeNotFound, Message: "Doctor not found"}
	ErrSlotTaken           = &Error{Code: CodeFailedPrecondition, Message: "Slot taken"}
	ErrDuplicateBooking    = &Error{Code: CodeFailedPrecondition, Message: "Duplicate booking"}
	ErrClinicClosed        = &Error{Code: CodeFailedPrecondition, Message: "Clinic is closed"}
	ErrTimeConflict        = &Error{Code: CodeFailedPrecondition, Message: "The selected time is not available"}
	ErrInvalidTransition   = &Error{Code: CodeFailedPrecondition, Message: "invalid status transition"}
	ErrHoldExpired         = &Error{Code: CodeFailedPrecondition, Message: "hold expired"}
	ErrRetriesExhausted    = &Error{Code: CodeInternal, Message: "too much contention, please retry"}

	// ErrWriteConflict is returned by stores when a compare-and-set write
	// finds the record changed since it was read. The service retries it.
	ErrWriteConflict = errors.New("concurrent write conflict")
)

func invalidArgument(msg string) *Error {
	return &Error{Code: CodeInvalidArgument, Message: msg}
}

func failedPrecondition(msg string) *Error {
	return &Error{Code: CodeFailedPrecondition, Message: msg}
}

// CodeOf returns the classification of err. Unclassified errors are internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
