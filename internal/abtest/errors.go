// Package abtest holds the shared error taxonomy for the test-orchestration
// engine. Every top-level operation returns one of these types (possibly
// wrapped) so callers can branch on the failure class instead of matching
// message strings.
package abtest

import (
	"errors"
	"fmt"

	"github.com/creatorbackoffice/splittest/pkg/models"
)

// ValidationError reports bad input to create/configure operations
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return e.Reason
}

// NewValidationError builds a ValidationError for a field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports an unknown test or variant id
type NotFoundError struct {
	Kind string // "test" or "variant"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NewTestNotFound builds a NotFoundError for a test id
func NewTestNotFound(id string) *NotFoundError {
	return &NotFoundError{Kind: "test", ID: id}
}

// NewVariantNotFound builds a NotFoundError for a variant id
func NewVariantNotFound(id string) *NotFoundError {
	return &NotFoundError{Kind: "variant", ID: id}
}

// InvalidStateError reports an operation that is illegal in the test's
// current lifecycle state. The message always names the current state.
type InvalidStateError struct {
	Operation string
	State     models.TestState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s test with state '%s'", e.Operation, e.State)
}

// NewInvalidState builds an InvalidStateError
func NewInvalidState(operation string, state models.TestState) *InvalidStateError {
	return &InvalidStateError{Operation: operation, State: state}
}

// UpstreamKind classifies failures coming back from the video platform or
// its analytics API
type UpstreamKind string

const (
	UpstreamNotFound      UpstreamKind = "not_found"
	UpstreamRateLimited   UpstreamKind = "rate_limited"
	UpstreamAuthExpired   UpstreamKind = "auth_expired"
	UpstreamQuotaExceeded UpstreamKind = "quota_exceeded"
	UpstreamGeneric       UpstreamKind = "generic"
)

// UpstreamError wraps a ContentApplier or AnalyticsClient failure with its
// classification
type UpstreamError struct {
	Kind UpstreamKind
	Op   string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError builds an UpstreamError
func NewUpstreamError(kind UpstreamKind, op string, err error) *UpstreamError {
	return &UpstreamError{Kind: kind, Op: op, Err: err}
}

// StateConflictError reports a concurrent mutation that lost the per-test
// serialization race
type StateConflictError struct {
	TestID    string
	Operation string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("concurrent %s in progress for test %s", e.Operation, e.TestID)
}

// NewStateConflict builds a StateConflictError
func NewStateConflict(testID, operation string) *StateConflictError {
	return &StateConflictError{TestID: testID, Operation: operation}
}

// Sentinel errors for collection and winner-selection preconditions
var (
	ErrNoVariants = errors.New("test has no variants")
	ErrNotStarted = errors.New("test has not been started yet")
	ErrNoWinner   = errors.New("no clear winner found")
)

// IsNotFound reports whether err is (or wraps) a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInvalidState reports whether err is (or wraps) an InvalidStateError
func IsInvalidState(err error) bool {
	var is *InvalidStateError
	return errors.As(err, &is)
}

// IsConflict reports whether err is (or wraps) a StateConflictError
func IsConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

// IsValidation reports whether err is (or wraps) a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
