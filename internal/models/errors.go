package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeAuth        = "AUTH_ERROR"
	ErrCodeNetwork     = "NETWORK_ERROR"
	ErrCodeStorage     = "STORAGE_ERROR"
	ErrCodeConfig      = "CONFIG_ERROR"
	ErrCodeRateLimit   = "RATE_LIMIT"
	ErrCodeServerError = "SERVER_ERROR"
	ErrCodeRejected    = "REJECTED"
)

// Sentinel errors
var (
	ErrLogNotConfigured     = errors.New("operation log not configured")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrFlushInProgress      = errors.New("flush already in progress")
	ErrOffline              = errors.New("offline")
	ErrUnknownEntityType    = errors.New("unknown entity type")
	ErrUnknownOperationType = errors.New("unknown operation type")
	ErrOperationNotFound    = errors.New("operation not found")
	ErrCorruptOperation     = errors.New("stored operation is corrupt")
	ErrInvalidPayload       = errors.New("invalid payload")
)

// APIError represents a non-success response from a batch endpoint.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Batch phases for BatchError.
const (
	PhaseEncode = "encode"
	PhaseAuth   = "auth"
	PhaseSend   = "send"
	PhaseStatus = "status"
	PhaseDecode = "decode"
)

// BatchError describes why one entity-type batch did not go through.
type BatchError struct {
	EntityType EntityType
	Phase      string
	Count      int
	Err        error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %s [%s]: %d operations: %v", e.EntityType, e.Phase, e.Count, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status behind the failure, or 0 if none.
func (e *BatchError) StatusCode() int {
	var apiErr *APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
