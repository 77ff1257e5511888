package model

import (
	"fmt"
	"strings"
	"time"
)

// Field length limits on caller-controlled text. These keep a single
// oversized field from filling TEXT columns or blowing up the planner
// prompt.
const (
	MaxGoalLen         = 8 * 1024
	MaxModeLen         = 64
	MaxCriteriaCount   = 16
	MaxCriterionLen    = 512
	MaxDocumentBytes   = 256 * 1024
	MaxDocumentCount   = 32
	MaxPreferenceCount = 64
)

// PollPageSize caps the number of events returned per poll.
const PollPageSize = 100

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta carries per-request metadata in every envelope.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// CreateRunRequest is the request body for POST /v1/runs.
type CreateRunRequest struct {
	Goal               string   `json:"goal"`
	Mode               string   `json:"mode,omitempty"`
	CompletionCriteria []string `json:"completion_criteria,omitempty"`

	// Execute requests synchronous execution within the create call.
	// Default is false: the background worker picks the run up.
	Execute bool `json:"execute,omitempty"`
}

// Validate checks field limits on a create request.
func (r CreateRunRequest) Validate() error {
	if strings.TrimSpace(r.Goal) == "" {
		return fmt.Errorf("goal must not be empty")
	}
	if len(r.Goal) > MaxGoalLen {
		return fmt.Errorf("goal exceeds maximum length of %d bytes", MaxGoalLen)
	}
	if len(r.Mode) > MaxModeLen {
		return fmt.Errorf("mode exceeds maximum length of %d characters", MaxModeLen)
	}
	if len(r.CompletionCriteria) > MaxCriteriaCount {
		return fmt.Errorf("too many completion criteria (max %d)", MaxCriteriaCount)
	}
	for i, c := range r.CompletionCriteria {
		if len(c) > MaxCriterionLen {
			return fmt.Errorf("completion_criteria[%d] exceeds maximum length of %d characters", i, MaxCriterionLen)
		}
	}
	return nil
}

// SetContextRequest is the request body for POST /v1/runs/{id}/context.
type SetContextRequest struct {
	Documents   []Document        `json:"documents,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

// Validate checks field limits on a set-context request.
func (r SetContextRequest) Validate() error {
	if len(r.Documents) > MaxDocumentCount {
		return fmt.Errorf("too many documents (max %d)", MaxDocumentCount)
	}
	for i, d := range r.Documents {
		if len(d.Text) > MaxDocumentBytes {
			return fmt.Errorf("documents[%d] exceeds maximum size of %d bytes", i, MaxDocumentBytes)
		}
	}
	if len(r.Preferences) > MaxPreferenceCount {
		return fmt.Errorf("too many preferences (max %d)", MaxPreferenceCount)
	}
	return nil
}

// PollResponse is the response body for GET /v1/runs/{id}/poll.
// NextCursor equals the seq of the last returned item, or the request
// cursor unchanged when there are no new items.
type PollResponse struct {
	Items      []Event   `json:"items"`
	NextCursor int64     `json:"next_cursor"`
	Done       bool      `json:"done"`
	Status     RunStatus `json:"status"`
}

// RunStatusResponse is the full-state read for GET /v1/runs/{id}.
type RunStatusResponse struct {
	Run       Run        `json:"run"`
	Steps     []Step     `json:"steps"`
	Artifacts []Artifact `json:"artifacts"`
	Events    []Event    `json:"events"`
}

// TokenRequest is the request body for POST /v1/auth/token.
type TokenRequest struct {
	APIKey string `json:"api_key"`
}

// TokenResponse carries an issued JWT.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
