package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// ErrorKind classifies adapter failures into the kinds the orchestrator
// reacts to. Transport codes stay out of this package; the HTTP layer maps
// kinds to status codes.
type ErrorKind string

const (
	KindNotAuthenticated  ErrorKind = "NotAuthenticated"
	KindNotFound          ErrorKind = "NotFound"
	KindConflict          ErrorKind = "Conflict"
	KindNoCapacity        ErrorKind = "NoCapacity"
	KindBadInstance       ErrorKind = "BadInstance"
	KindTransientUpstream ErrorKind = "TransientUpstream"
	KindPermissionDenied  ErrorKind = "PermissionDenied"
	KindFatal             ErrorKind = "Fatal"
)

// Error is a classified adapter error. Op names the failed operation,
// Err carries the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error with an explicit kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from err, or KindFatal if err carries
// none.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindFatal
}

func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

func IsNotFound(err error) bool  { return IsKind(err, KindNotFound) }
func IsTransient(err error) bool { return IsKind(err, KindTransientUpstream) }
func IsConflict(err error) bool  { return IsKind(err, KindConflict) }

// AWS error codes grouped by classification. Not exhaustive; unknown codes
// fall through to KindFatal so misconfigurations surface loudly.
var (
	notFoundErrorCodes = map[string]bool{
		"InvalidInstanceID.NotFound": true,
		"NoSuchEntity":               true,
	}
	permissionErrorCodes = map[string]bool{
		"AccessDenied":          true,
		"AccessDeniedException": true,
		"UnauthorizedOperation": true,
		"InvalidClientTokenId":  true,
	}
	transientErrorCodes = map[string]bool{
		"Throttling":                true,
		"ThrottlingException":       true,
		"RequestLimitExceeded":      true,
		"ServiceUnavailable":        true,
		"InternalFailure":           true,
		"InternalError":             true,
		"RequestTimeout":            true,
		"ScalingActivityInProgress": true,
	}
	conflictErrorCodes = map[string]bool{
		"ResourceInUse":           true,
		"IncorrectInstanceState":  true,
		"ResourceContentionFault": true,
	}
)

// classifyAWS maps an AWS SDK failure to a classified Error. The autoscaling
// API reports unknown instances as ValidationError with a descriptive
// message, so that code needs message inspection.
func classifyAWS(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(KindTransientUpstream, op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case notFoundErrorCodes[code]:
			return NewError(KindNotFound, op, err)
		case permissionErrorCodes[code]:
			return NewError(KindPermissionDenied, op, err)
		case transientErrorCodes[code]:
			return NewError(KindTransientUpstream, op, err)
		case conflictErrorCodes[code]:
			return NewError(KindConflict, op, err)
		case code == "ValidationError":
			if strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "not found") {
				return NewError(KindNotFound, op, err)
			}
			return NewError(KindFatal, op, err)
		default:
			return NewError(KindFatal, op, err)
		}
	}

	// Non-API failures are connection-level problems; retryable.
	return NewError(KindTransientUpstream, op, err)
}
