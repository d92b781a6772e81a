package services

import (
	"errors"
	"fmt"

	"github.com/upb/paygate/internal/policy"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeForbidden       ErrorType = "forbidden"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeSpendingCap     ErrorType = "spending_cap"
	ErrorTypeInternal        ErrorType = "internal"
	ErrorTypeUnavailable     ErrorType = "unavailable"
	ErrorTypePolicyViolation ErrorType = "policy_violation"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	ErrPolicyNotFound = NewDomainError(ErrorTypeNotFound, "policy not found", nil)

	ErrInvalidInput          = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidPolicyDocument = NewDomainError(ErrorTypeValidation, "invalid policy document", nil)
	ErrInvalidAmount         = NewDomainError(ErrorTypeValidation, "invalid request amount", nil)

	ErrUnauthorized   = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken   = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrTokenExpired   = NewDomainError(ErrorTypeUnauthorized, "authentication token expired", nil)
	ErrMissingSubject = NewDomainError(ErrorTypeUnauthorized, "missing subject identity", nil)

	ErrForbidden               = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrInsufficientPermissions = NewDomainError(ErrorTypeForbidden, "insufficient permissions", nil)

	ErrRateLimitExceeded   = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)
	ErrSpendingCapExceeded = NewDomainError(ErrorTypeSpendingCap, "spending cap exceeded", nil)

	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrStateUnavailable  = NewDomainError(ErrorTypeUnavailable, "admission state unavailable", nil)
	ErrSourceUnavailable = NewDomainError(ErrorTypeUnavailable, "policy source unavailable", nil)

	ErrPolicyViolation = NewDomainError(ErrorTypePolicyViolation, "policy violation", nil)
	ErrExplicitDeny    = NewDomainError(ErrorTypePolicyViolation, "denied by policy", nil)
	ErrNoPolicyMatched = NewDomainError(ErrorTypePolicyViolation, "no policy matched", nil)
)

// DecisionError converts a deny decision into a domain error carrying the
// policy id and reason as details. It returns nil for allowed decisions.
func DecisionError(d policy.Decision) error {
	if d.Allowed() {
		return nil
	}

	var e *DomainError
	switch d.Reason {
	case policy.ReasonRateLimitExceeded:
		e = NewDomainError(ErrorTypeRateLimit, ErrRateLimitExceeded.Message, nil)
	case policy.ReasonSpendingCapExceeded:
		e = NewDomainError(ErrorTypeSpendingCap, ErrSpendingCapExceeded.Message, nil)
	case policy.ReasonStateUnavailable:
		e = NewDomainError(ErrorTypeUnavailable, ErrStateUnavailable.Message, nil)
	case policy.ReasonInvalidRequest:
		e = NewDomainError(ErrorTypeValidation, ErrInvalidAmount.Message, nil)
	case policy.ReasonExplicitDeny:
		msg := ErrExplicitDeny.Message
		if d.Message != "" {
			msg = d.Message
		}
		e = NewDomainError(ErrorTypePolicyViolation, msg, nil)
	default:
		e = NewDomainError(ErrorTypePolicyViolation, ErrNoPolicyMatched.Message, nil)
	}

	e.WithDetail("reason", d.Reason.String())
	if d.PolicyID != "" {
		e.WithDetail("policy_id", d.PolicyID)
	}
	return e
}

// Error type checking helper functions

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return hasType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return hasType(err, ErrorTypeValidation) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return hasType(err, ErrorTypeUnauthorized) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return hasType(err, ErrorTypeForbidden) }

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool { return hasType(err, ErrorTypeRateLimit) }

// IsSpendingCapError checks if an error is a spending cap error
func IsSpendingCapError(err error) bool { return hasType(err, ErrorTypeSpendingCap) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return hasType(err, ErrorTypeInternal) }

// IsUnavailableError checks if an error is a temporary unavailability
func IsUnavailableError(err error) bool { return hasType(err, ErrorTypeUnavailable) }

// IsPolicyViolationError checks if an error is a policy violation error
func IsPolicyViolationError(err error) bool { return hasType(err, ErrorTypePolicyViolation) }

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapValidation wraps an error as a validation error
func WrapValidation(message string, err error) error {
	return NewDomainError(ErrorTypeValidation, message, err)
}
