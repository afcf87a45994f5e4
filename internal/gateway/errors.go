package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	ReasonUnavailable     = "Unavailable"
	ReasonServerError     = "ServerError"
	ReasonRateLimited     = "RateLimited"
	ReasonTimeout         = "Timeout"
	ReasonNetwork         = "Network"
	ReasonValidation      = "Validation"
	ReasonUnauthorized    = "Unauthorized"
	ReasonNotFound        = "NotFound"
	ReasonRejected        = "Rejected"
	ReasonInvalidResponse = "InvalidResponse"
)

// Error is a failed gateway call. Its Code is "Gateway.<Reason>".
type Error struct {
	Reason        string
	Operation     string
	StatusCode    int
	GatewayCode   string
	Message       string
	CorrelationID string
	Err           error
}

// ErrUnavailable matches any error returned while the circuit breaker is open.
var ErrUnavailable = &Error{Reason: ReasonUnavailable}

func (e *Error) Code() string {
	return "Gateway." + e.Reason
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code())
	if e.Operation != "" {
		b.WriteString(" (" + e.Operation + ")")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.GatewayCode != "" {
		b.WriteString(" code=" + e.GatewayCode)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors of this type by reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Operation == "" && t.Reason == e.Reason
}

func (e *Error) Transient() bool {
	switch e.Reason {
	case ReasonServerError, ReasonRateLimited, ReasonTimeout, ReasonNetwork:
		return true
	default:
		return false
	}
}

func IsTransient(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Transient()
}

func reasonForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimited
	case status >= 500:
		return ReasonServerError
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ReasonValidation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ReasonUnauthorized
	case status == http.StatusNotFound:
		return ReasonNotFound
	default:
		return ReasonRejected
	}
}
