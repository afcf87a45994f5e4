// Package idempotency deduplicates client requests by the key they carry in
// the Idempotency-Key header.
package idempotency

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	Header = "Idempotency-Key"

	// MaxKeyLength bounds a key in bytes, after trimming.
	MaxKeyLength = 255
)

var (
	ErrMissingKey = errors.New("idempotency key is required")
	ErrKeyTooLong = fmt.Errorf("idempotency key is longer than %d bytes", MaxKeyLength)
)

// Key is the request's key without surrounding whitespace, or "".
func Key(r *http.Request) string {
	return FromHeader(r.Header)
}

func FromHeader(h http.Header) string {
	return strings.TrimSpace(h.Get(Header))
}

// SetKey stamps key on outgoing headers. A blank key leaves h untouched.
func SetKey(h http.Header, key string) {
	if key = strings.TrimSpace(key); key != "" {
		h.Set(Header, key)
	}
}

// Validate reports whether key is usable with a Guard.
func Validate(key string) error {
	key = strings.TrimSpace(key)
	switch {
	case key == "":
		return ErrMissingKey
	case len(key) > MaxKeyLength:
		return ErrKeyTooLong
	}
	return nil
}
