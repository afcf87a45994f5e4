package domain

import "strings"

type AddressInput struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code"`
}

// Address is an immutable, validated postal address. The zero value is not a
// valid address; build one with NewAddress.
type Address struct {
	street     string
	city       string
	state      string
	country    string
	postalCode string
}

func NewAddress(in AddressInput) (Address, error) {
	a := Address{
		street:     strings.TrimSpace(in.Street),
		city:       strings.TrimSpace(in.City),
		state:      strings.TrimSpace(in.State),
		country:    strings.ToUpper(strings.TrimSpace(in.Country)),
		postalCode: strings.TrimSpace(in.PostalCode),
	}

	var errs ValidationErrors
	required := []struct{ field, value string }{
		{"street", a.street},
		{"city", a.city},
		{"state", a.state},
		{"country", a.country},
		{"postal_code", a.postalCode},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, FieldError{Field: r.field, Message: "is required"})
		}
	}
	if a.country != "" && !isAlpha2(a.country) {
		errs = append(errs, FieldError{Field: "country", Message: "must be an ISO-3166 alpha-2 code"})
	}
	if len(errs) > 0 {
		return Address{}, errs
	}
	return a, nil
}

// Update builds a new Address from a with the non-empty fields of in applied.
// a itself is left untouched.
func (a Address) Update(in AddressInput) (Address, error) {
	merged := a.Input()
	if strings.TrimSpace(in.Street) != "" {
		merged.Street = in.Street
	}
	if strings.TrimSpace(in.City) != "" {
		merged.City = in.City
	}
	if strings.TrimSpace(in.State) != "" {
		merged.State = in.State
	}
	if strings.TrimSpace(in.Country) != "" {
		merged.Country = in.Country
	}
	if strings.TrimSpace(in.PostalCode) != "" {
		merged.PostalCode = in.PostalCode
	}
	return NewAddress(merged)
}

func (a Address) Street() string     { return a.street }
func (a Address) City() string       { return a.city }
func (a Address) State() string      { return a.state }
func (a Address) Country() string    { return a.country }
func (a Address) PostalCode() string { return a.postalCode }
func (a Address) IsZero() bool       { return a == Address{} }

func (a Address) Input() AddressInput {
	return AddressInput{
		Street:     a.street,
		City:       a.city,
		State:      a.state,
		Country:    a.country,
		PostalCode: a.postalCode,
	}
}

func isAlpha2(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
