package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nazeru/store-checkout/internal/checkout"
	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/internal/gateway"
	"github.com/nazeru/store-checkout/pkg/logging"
)

type errorDetail struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Fields  []domain.FieldError `json:"fields,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func statusFor(kind checkout.Kind) int {
	switch kind {
	case checkout.KindInvalid:
		return http.StatusBadRequest
	case checkout.KindNotFound:
		return http.StatusNotFound
	case checkout.KindConflict:
		return http.StatusConflict
	case checkout.KindRule:
		return http.StatusUnprocessableEntity
	case checkout.KindGateway:
		return http.StatusBadGateway
	case checkout.KindUnavailable:
		return http.StatusServiceUnavailable
	case checkout.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := checkout.KindOf(err)
	status := statusFor(kind)
	detail := errorDetail{Code: kind.String(), Message: err.Error()}

	var (
		rule *domain.RuleError
		gerr *gateway.Error
		verr domain.ValidationErrors
	)
	switch {
	case kind == checkout.KindInternal || kind == checkout.KindIntegrity:
		// internals stay in the log
		detail.Message = "internal error"
		logging.Error(logging.Fields{Service: h.service, Step: r.Method + " " + r.URL.Path, Status: kind.String(), Err: err})
	case errors.As(err, &verr):
		detail.Message = "validation failed"
		detail.Fields = verr
	case errors.As(err, &rule):
		detail.Code = rule.Code
		detail.Message = rule.Message
	case errors.As(err, &gerr):
		detail.Code = gerr.Code()
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
