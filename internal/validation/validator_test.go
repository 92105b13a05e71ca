// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package validation

import (
	"strings"
	"testing"
)

type opRequest struct {
	OpType     string `json:"op_type" validate:"required,optype"`
	EntityType string `json:"entity_type" validate:"required,max=64,entityname"`
	EntityID   string `json:"entity_id" validate:"required,max=256"`
	Limit      int    `json:"limit" validate:"min=1,max=1000"`
}

func TestGetValidatorSingleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("GetValidator should return one shared instance")
	}
}

func TestValidateStruct(t *testing.T) {
	valid := opRequest{OpType: "update", EntityType: "device", EntityID: "42", Limit: 10}

	tests := []struct {
		name    string
		mutate  func(*opRequest)
		field   string
		tag     string
		message string
	}{
		{name: "valid"},
		{name: "missing op type", mutate: func(r *opRequest) { r.OpType = "" }, field: "op_type", tag: "required", message: "op_type is required"},
		{name: "unknown op type", mutate: func(r *opRequest) { r.OpType = "UPSERT" }, field: "op_type", tag: "optype"},
		{name: "entity with slash", mutate: func(r *opRequest) { r.EntityType = "a/b" }, field: "entity_type", tag: "entityname"},
		{name: "entity starting with digit", mutate: func(r *opRequest) { r.EntityType = "9lives" }, field: "entity_type", tag: "entityname"},
		{name: "long entity id", mutate: func(r *opRequest) { r.EntityID = strings.Repeat("x", 257) }, field: "entity_id", tag: "max", message: "entity_id must be at most 256 characters"},
		{name: "limit too small", mutate: func(r *opRequest) { r.Limit = 0 }, field: "limit", tag: "min", message: "limit must be at least 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			err := ValidateStruct(&req)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if len(err.Errors()) != 1 {
				t.Fatalf("expected one failure, got %v", err.Errors())
			}
			got := err.Errors()[0]
			if got.Field() != tt.field || got.Tag() != tt.tag {
				t.Errorf("got %s/%s, want %s/%s", got.Field(), got.Tag(), tt.field, tt.tag)
			}
			if tt.message != "" && got.Error() != tt.message {
				t.Errorf("message = %q, want %q", got.Error(), tt.message)
			}
		})
	}
}

func TestToAPIError(t *testing.T) {
	err := ValidateStruct(&opRequest{OpType: "nope", EntityType: "device", EntityID: "", Limit: 5})
	if err == nil {
		t.Fatal("expected errors")
	}
	apiErr := err.ToAPIError()
	if apiErr.Code != CodeValidation {
		t.Errorf("code = %s", apiErr.Code)
	}
	fields, ok := apiErr.Details["fields"].([]map[string]any)
	if !ok || len(fields) != 2 {
		t.Fatalf("details = %#v", apiErr.Details)
	}
	if !strings.Contains(apiErr.Message, "op_type") || !strings.Contains(apiErr.Message, "entity_id") {
		t.Errorf("message = %s", apiErr.Message)
	}

	single := ValidateStruct(&opRequest{OpType: "CREATE", EntityType: "device", EntityID: "1", Limit: 5000}).ToAPIError()
	if single.Details["field"] != "limit" {
		t.Errorf("details = %#v", single.Details)
	}
	if _, leaked := single.Details["value"]; leaked {
		t.Error("details must not echo the submitted value")
	}
}
