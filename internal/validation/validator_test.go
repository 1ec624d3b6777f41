// Inksync - Studio Real-Time Event Synchronization
// Copyright 2026 Inkatelier
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/inkatelier/inksync

package validation

import (
	"strings"
	"testing"
)

type samplePayload struct {
	ID       string `validate:"required"`
	Progress int    `validate:"gte=0,lte=100"`
}

func TestValidateStructPasses(t *testing.T) {
	if err := ValidateStruct(&samplePayload{ID: "job-1", Progress: 40}); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateStructMissingRequired(t *testing.T) {
	err := ValidateStruct(&samplePayload{Progress: 40})
	if err == nil {
		t.Fatal("expected validation error for missing ID")
	}
	if len(err.Errors()) != 1 {
		t.Fatalf("expected 1 field error, got %d", len(err.Errors()))
	}
	if err.Errors()[0].Field() != "ID" {
		t.Errorf("expected ID field failure, got %s", err.Errors()[0].Field())
	}
}

func TestValidateStructRangeAndMessage(t *testing.T) {
	err := ValidateStruct(&samplePayload{ID: "job-1", Progress: 150})
	if err == nil {
		t.Fatal("expected validation error for out-of-range progress")
	}
	if !strings.Contains(err.Error(), "lte") {
		t.Errorf("expected lte failure in message, got %q", err.Error())
	}
}

func TestGetValidatorSingleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("GetValidator should return the same instance")
	}
}
