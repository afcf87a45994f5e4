package domain

import (
	"errors"
	"fmt"
	"strings"
)

// RuleError is a domain-rule violation. It is fatal to the current operation
// and never retried.
type RuleError struct {
	Code    string
	Message string
}

func (e *RuleError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	ErrInvalidTransition    = &RuleError{Code: "domain.invalid_transition", Message: "state transition not allowed"}
	ErrSessionExpired       = &RuleError{Code: "payment_session.expired", Message: "payment session has expired"}
	ErrOrderTerminal        = &RuleError{Code: "order.terminal", Message: "order is in a terminal state"}
	ErrOrderNumberExhausted = &RuleError{Code: "order.number_exhausted", Message: "daily order number sequence exhausted"}
)

// IsRuleViolation reports whether err carries a *RuleError.
func IsRuleViolation(err error) bool {
	var re *RuleError
	return errors.As(err, &re)
}

func transitionError(entity string, from, to any) error {
	return fmt.Errorf("%w: %s %v -> %v", ErrInvalidTransition, entity, from, to)
}

// Input errors. These describe bad caller data rather than rule violations.
var (
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	ErrNegativeAmount   = errors.New("money: amount cannot be negative")
	ErrInvalidCurrency  = errors.New("money: invalid ISO-4217 currency code")
	ErrNoOrderLines     = errors.New("order: at least one order line is required")
	ErrInvalidQuantity  = errors.New("order: line quantity must be positive")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors lists every invalid field of a value object.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Prefix returns a copy with every field name prefixed, e.g. "shipping.city".
func (v ValidationErrors) Prefix(prefix string) ValidationErrors {
	out := make(ValidationErrors, 0, len(v))
	for _, fe := range v {
		out = append(out, FieldError{Field: prefix + "." + fe.Field, Message: fe.Message})
	}
	return out
}
