// Package validator provides functions for validating data.
package validator

import (
	"strconv"
	"strings"
)

// Validator holds a map of validation errors.
type Validator struct {
	Errors map[string]string
}

func New() *Validator {
	return &Validator{Errors: make(map[string]string)}
}

// Valid returns true if the validator has no errors.
func (v *Validator) Valid() bool {
	return len(v.Errors) == 0
}

// Check adds an error to the validator if a check is not "ok".
func (v *Validator) Check(ok bool, key, message string) {
	if !ok {
		v.AddError(key, message)
	}
}

// AddError adds an error to the validator if the key does not already exist.
func (v *Validator) AddError(key, message string) {
	_, exists := v.Errors[key]
	if !exists {
		v.Errors[key] = message
	}
}

// NotBlank reports whether value has anything besides whitespace.
func NotBlank(value string) bool {
	return strings.TrimSpace(value) != ""
}

// Required returns value, recording an error under key if it is blank.
func (v *Validator) Required(key, value string) string {
	v.Check(NotBlank(value), key, "must be provided")
	return value
}

// Int64 parses value as a base 10 integer, recording an error under key if it
// is missing or malformed.
func (v *Validator) Int64(key, value string) int64 {
	if !NotBlank(value) {
		v.AddError(key, "must be provided")
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		v.AddError(key, "must be an integer")
		return 0
	}
	return n
}

// Int is Int64 limited to the range of int.
func (v *Validator) Int(key, value string) int {
	if !NotBlank(value) {
		v.AddError(key, "must be provided")
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		v.AddError(key, "must be an integer")
		return 0
	}
	return n
}
