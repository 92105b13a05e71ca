// Syncward - Offline-First Operation Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/syncward

package api

import (
	"net/http"
	"strconv"

	"github.com/tomtom215/syncward/internal/operation"
	"github.com/tomtom215/syncward/internal/validation"
)

const (
	defaultPageLimit = 100
	maxBodyBytes     = 1 << 20
)

// EnqueueRequest is the body of POST /api/v1/operations.
type EnqueueRequest struct {
	OpType     string         `json:"op_type" validate:"required,optype"`
	EntityType string         `json:"entity_type" validate:"required,max=64,entityname"`
	EntityID   string         `json:"entity_id" validate:"required,max=256"`
	Payload    map[string]any `json:"payload"`
	Base       map[string]any `json:"base"`
	Version    *int64         `json:"version" validate:"omitempty,gte=0"`
	TxnToken   string         `json:"txn_token" validate:"omitempty,max=128"`
}

// Operation builds the queued operation. Validation has already run.
func (req *EnqueueRequest) Operation() (*operation.Operation, error) {
	opType, err := operation.ParseOpType(req.OpType)
	if err != nil {
		return nil, err
	}
	op := operation.New(opType, req.EntityType, req.EntityID, req.Payload)
	op.Base = req.Base
	if req.Version != nil {
		op.WithVersion(*req.Version)
	}
	if req.TxnToken != "" {
		op.WithTxnToken(req.TxnToken)
	}
	return op, op.Validate()
}

// PageRequest holds the limit/offset query parameters.
type PageRequest struct {
	Limit  int `json:"limit" validate:"min=1,max=1000"`
	Offset int `json:"offset" validate:"min=0,max=1000000"`
}

func parsePage(r *http.Request) (PageRequest, *validation.RequestValidationError) {
	page := PageRequest{
		Limit:  intParam(r, "limit", defaultPageLimit),
		Offset: intParam(r, "offset", 0),
	}
	return page, validation.ValidateStruct(&page)
}

// intParam returns def for a missing parameter and -1 for a malformed one,
// which then fails validation.
func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
}

func toAPIError(ve *validation.RequestValidationError) *APIError {
	e := ve.ToAPIError()
	return &APIError{Code: e.Code, Message: e.Message, Details: e.Details}
}
