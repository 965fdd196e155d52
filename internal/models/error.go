package models

import (
	"errors"
	"fmt"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeSessionNotFound  = "SESSION_NOT_FOUND"
	ErrCodeNodeNotFound     = "NODE_NOT_FOUND"
	ErrCodeProposerFailed   = "PROPOSER_FAILED"
)

var (
	// ErrSessionNotFound is returned when no session exists for an id
	ErrSessionNotFound = errors.New("session not found")
	// ErrNodeNotFound is returned when a node id is unknown to both the graph and the detail store
	ErrNodeNotFound = errors.New("node not found")
	// ErrSessionBusy is returned when a session's turn queue is full
	ErrSessionBusy = errors.New("session turn queue is full")
	// ErrInvalidTransition is returned when an operation is not allowed in the current state
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// InvalidFieldError reports a provided field that is not declared required on its node.
// It is absorbed per field and never fails a whole turn.
type InvalidFieldError struct {
	NodeID string
	Field  string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("field %q is not a required field of node %q", e.Field, e.NodeID)
}

// ProposerErrorKind classifies proposer failures
type ProposerErrorKind string

const (
	ProposerErrorTimeout   ProposerErrorKind = "timeout"
	ProposerErrorTransport ProposerErrorKind = "transport"
	ProposerErrorMalformed ProposerErrorKind = "malformed"
	ProposerErrorRejected  ProposerErrorKind = "rejected"
)

// ProposerError fails a single turn. The session keeps its last good graph.
type ProposerError struct {
	Kind ProposerErrorKind
	Err  error
}

func (e *ProposerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("proposer %s", e.Kind)
	}
	return fmt.Sprintf("proposer %s: %v", e.Kind, e.Err)
}

func (e *ProposerError) Unwrap() error {
	return e.Err
}

// NewProposerError wraps err with a failure kind
func NewProposerError(kind ProposerErrorKind, err error) *ProposerError {
	return &ProposerError{Kind: kind, Err: err}
}

// ProtocolDecodeError reports a malformed inbound wire message.
// The message is dropped and no state changes.
type ProtocolDecodeError struct {
	Reason string
	Err    error
}

func (e *ProtocolDecodeError) Error() string {
	if e.Err == nil {
		return "protocol decode: " + e.Reason
	}
	return fmt.Sprintf("protocol decode: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolDecodeError) Unwrap() error {
	return e.Err
}

// TransportError reports a dropped or unusable connection
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
