package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// Common domain errors
	ErrNotFound             = errors.New("entity not found")
	ErrInvalidTransition    = errors.New("invalid flow transition")
	ErrUnknownTier          = errors.New("unknown service tier")
	ErrNoRetainedSubmission = errors.New("no retained submission to resubmit")
	ErrRetryNotAuthorized   = errors.New("free retry not authorized")

	// Payment gate
	ErrSessionCreation = errors.New("checkout session creation failed")
	ErrVerification    = errors.New("payment verification failed")

	// Submission
	ErrValidation        = errors.New("background validation failed")
	ErrPaymentConsumed   = errors.New("payment missing or already consumed")
	ErrPaymentUnverified = errors.New("payment not verified")
	ErrSubmission        = errors.New("job submission failed")

	// Job / artifact
	ErrJobFailed = errors.New("job failed")
	ErrNotReady  = errors.New("artifact not ready")
)

// BackendError is a non-2xx answer from the report backend.
type BackendError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *BackendError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: backend http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend http %d: %s", e.Op, e.StatusCode, e.Detail)
}

// StatusOf returns the HTTP status carried by a *BackendError in err's chain, or 0.
func StatusOf(err error) int {
	var be *BackendError
	if errors.As(err, &be) {
		return be.StatusCode
	}
	return 0
}

// JobFailedError carries the backend's opaque failure message verbatim.
type JobFailedError struct {
	JobID   string
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job %s failed", e.JobID)
	}
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

func (e *JobFailedError) Is(target error) bool { return target == ErrJobFailed }

// Semantic codes handed to the presentation layer, which owns the wording.
const (
	CodeNone               = ""
	CodeValidation         = "validation"
	CodeSessionCreation    = "session_creation"
	CodeVerification       = "verification"
	CodePaymentConsumed    = "payment_consumed"
	CodePaymentUnverified  = "payment_unverified"
	CodeSubmission         = "submission"
	CodeJobFailed          = "job_failed"
	CodeNotReady           = "not_ready"
	CodeNotFound           = "not_found"
	CodeRetryNotAuthorized = "retry_not_authorized"
	CodeNoRetained         = "no_retained_submission"
	CodeInvalidTransition  = "invalid_transition"
	CodeUnknownTier        = "unknown_tier"
	CodeInternal           = "internal"
)

var codeTable = []struct {
	err  error
	code string
}{
	{ErrValidation, CodeValidation},
	{ErrPaymentConsumed, CodePaymentConsumed},
	{ErrPaymentUnverified, CodePaymentUnverified},
	{ErrSubmission, CodeSubmission},
	{ErrJobFailed, CodeJobFailed},
	{ErrNotReady, CodeNotReady},
	{ErrRetryNotAuthorized, CodeRetryNotAuthorized},
	{ErrNoRetainedSubmission, CodeNoRetained},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrUnknownTier, CodeUnknownTier},
	{ErrSessionCreation, CodeSessionCreation},
	{ErrVerification, CodeVerification},
	{ErrNotFound, CodeNotFound},
}

// Code maps err to a locale-agnostic code. Order matters: the most specific
// category wins when an error wraps several sentinels.
func Code(err error) string {
	if err == nil {
		return CodeNone
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// HTTPStatus is the status the bridge API answers with for err.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeValidation, CodeUnknownTier:
		return http.StatusBadRequest
	case CodePaymentConsumed:
		return http.StatusPaymentRequired
	case CodePaymentUnverified, CodeRetryNotAuthorized:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNotReady, CodeInvalidTransition, CodeNoRetained:
		return http.StatusConflict
	case CodeSessionCreation, CodeVerification, CodeSubmission, CodeJobFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
