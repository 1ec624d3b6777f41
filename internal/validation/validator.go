// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

// Package validation provides struct validation using go-playground/validator v10.
//
// A thread-safe singleton validator backs two call sites: configuration
// checking at startup and structural checks on inbound WebSocket payloads at
// the channel-adapter boundary. Payloads that fail validation are dropped by
// the adapters, never forwarded to the stores.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError describes a single failed validation constraint.
type FieldError struct {
	field string
	tag   string
	param string
}

// Field returns the struct field name that failed validation.
func (e FieldError) Field() string { return e.field }

// Tag returns the validation tag that failed.
func (e FieldError) Tag() string { return e.tag }

// Error returns a human-readable error message.
func (e FieldError) Error() string {
	if e.param != "" {
		return fmt.Sprintf("%s failed %s=%s", e.field, e.tag, e.param)
	}
	return fmt.Sprintf("%s failed %s", e.field, e.tag)
}

// StructError is a collection of validation failures for one struct.
type StructError struct {
	errors []FieldError
}

// Errors returns the slice of field errors.
func (se *StructError) Errors() []FieldError { return se.errors }

// Error implements the error interface, joining all field messages.
func (se *StructError) Error() string {
	if len(se.errors) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(se.errors))
	for i, err := range se.errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// GetValidator returns the singleton validator instance.
// The validator caches struct metadata, so reuse matters for the hot
// event-dispatch path. Thread-safe.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateStruct validates a struct using the singleton validator.
// Returns nil if validation passes, or *StructError describing every
// failed constraint.
func ValidateStruct(s interface{}) *StructError {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &StructError{errors: []FieldError{{field: "unknown", tag: "unknown"}}}
	}

	out := make([]FieldError, len(fieldErrs))
	for i, fe := range fieldErrs {
		out[i] = FieldError{field: fe.Field(), tag: fe.Tag(), param: fe.Param()}
	}
	return &StructError{errors: out}
}
