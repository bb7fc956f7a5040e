package utils

import (
	"errors"
	"fmt"
	"net"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorClass drives retry behavior for remote-side failures:
// Transient errors are retried with backoff, Permanent errors surface
// immediately, ManualIntervention errors park the item for an operator.
type ErrorClass string

const (
	ErrorClassTransient          ErrorClass = "TRANSIENT"
	ErrorClassPermanent          ErrorClass = "PERMANENT"
	ErrorClassManualIntervention ErrorClass = "MANUAL_INTERVENTION"
)

type ClassifiedError struct {
	Class ErrorClass
	Code  string
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %v", e.Class, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func TransientError(code string, err error) *ClassifiedError {
	return &ClassifiedError{Class: ErrorClassTransient, Code: code, Err: err}
}

func PermanentError(code string, err error) *ClassifiedError {
	return &ClassifiedError{Class: ErrorClassPermanent, Code: code, Err: err}
}

func ManualInterventionError(code string, err error) *ClassifiedError {
	return &ClassifiedError{Class: ErrorClassManualIntervention, Code: code, Err: err}
}

// ClassifyError maps any error to an ErrorClass. Unwrapped network timeouts
// count as transient; everything unclassified is treated as permanent so an
// unknown failure is never retried blindly.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

func ErrorCode(err error) string {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
