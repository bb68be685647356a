package cloud

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
)

func TestClassifyAWS_APICodes(t *testing.T) {
	tests := []struct {
		name string
		code string
		msg  string
		want ErrorKind
	}{
		{"instance not found", "InvalidInstanceID.NotFound", "", KindNotFound},
		{"access denied", "AccessDenied", "", KindPermissionDenied},
		{"unauthorized operation", "UnauthorizedOperation", "", KindPermissionDenied},
		{"bad credentials", "InvalidClientTokenId", "", KindPermissionDenied},
		{"throttled", "Throttling", "", KindTransientUpstream},
		{"request limit", "RequestLimitExceeded", "", KindTransientUpstream},
		{"scaling in progress", "ScalingActivityInProgress", "", KindTransientUpstream},
		{"contention", "ResourceContentionFault", "", KindConflict},
		{"wrong instance state", "IncorrectInstanceState", "", KindConflict},
		{"asg reports unknown instance", "ValidationError", "Instance Id not found - No managed instance found", KindNotFound},
		{"other validation error", "ValidationError", "MinSize exceeds MaxSize", KindFatal},
		{"unknown code", "BrandNewErrorCode", "", KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &smithy.GenericAPIError{Code: tt.code, Message: tt.msg}
			got := classifyAWS("op.test", err)
			if got.Kind != tt.want {
				t.Errorf("classifyAWS(%q) kind = %s, want %s", tt.code, got.Kind, tt.want)
			}
			if got.Op != "op.test" {
				t.Errorf("op = %q, want op.test", got.Op)
			}
		})
	}
}

func TestClassifyAWS_WrappedAPIError(t *testing.T) {
	inner := &smithy.GenericAPIError{Code: "Throttling"}
	err := fmt.Errorf("operation failed: %w", inner)

	got := classifyAWS("op.wrapped", err)
	if got.Kind != KindTransientUpstream {
		t.Errorf("kind = %s, want %s", got.Kind, KindTransientUpstream)
	}
}

func TestClassifyAWS_ContextAndTransport(t *testing.T) {
	if got := classifyAWS("op", context.DeadlineExceeded); got.Kind != KindTransientUpstream {
		t.Errorf("deadline kind = %s, want %s", got.Kind, KindTransientUpstream)
	}
	if got := classifyAWS("op", errors.New("dial tcp: connection refused")); got.Kind != KindTransientUpstream {
		t.Errorf("transport kind = %s, want %s", got.Kind, KindTransientUpstream)
	}
	if got := classifyAWS("op", nil); got != nil {
		t.Errorf("nil error classified as %v", got)
	}
}

func TestKindOf(t *testing.T) {
	classified := NewError(KindConflict, "op", errors.New("boom"))

	if got := KindOf(classified); got != KindConflict {
		t.Errorf("KindOf(classified) = %s, want %s", got, KindConflict)
	}
	if got := KindOf(fmt.Errorf("wrap: %w", classified)); got != KindConflict {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindConflict)
	}
	if got := KindOf(errors.New("plain")); got != KindFatal {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindFatal)
	}
}

func TestKindPredicates(t *testing.T) {
	if !IsNotFound(NewError(KindNotFound, "op", nil)) {
		t.Error("IsNotFound misses a NotFound error")
	}
	if !IsTransient(NewError(KindTransientUpstream, "op", nil)) {
		t.Error("IsTransient misses a TransientUpstream error")
	}
	if !IsConflict(NewError(KindConflict, "op", nil)) {
		t.Error("IsConflict misses a Conflict error")
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("IsNotFound matches an unclassified error")
	}
}

func TestErrorString(t *testing.T) {
	err := NewError(KindBadInstance, "allocate.describe", errors.New("no endpoint"))
	want := "allocate.describe: BadInstance: no endpoint"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := NewError(KindNoCapacity, "allocate.claim", nil)
	if bare.Error() != "allocate.claim: NoCapacity" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
